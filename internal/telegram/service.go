package telegram

import (
	"context"
	"net/http"
	"time"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"
	"github.com/PaulSonOfLars/gotgbot/v2/ext/handlers"
	"github.com/PaulSonOfLars/gotgbot/v2/ext/handlers/filters/callbackquery"
	"github.com/PaulSonOfLars/gotgbot/v2/ext/handlers/filters/message"
	"github.com/rs/zerolog"

	"mandachat/internal/aiconfig"
	"mandachat/internal/attachments"
	"mandachat/internal/chat"
	"mandachat/internal/credentials"
	"mandachat/internal/metrics"
	"mandachat/internal/session"
)

// Service exposes one owner's chat client over a private Telegram chat.
type Service struct {
	ctx        context.Context
	chat       *chat.Service
	sessions   *session.Store
	settings   *aiconfig.Store
	creds      *credentials.Store
	outbox     *attachments.Outbox
	httpClient *http.Client
	logger     zerolog.Logger
	metrics    *metrics.Metrics
}

type Config struct {
	// Context bounds model calls started from handlers; cancelled on shutdown.
	Context     context.Context
	Chat        *chat.Service
	Sessions    *session.Store
	Settings    *aiconfig.Store
	Credentials *credentials.Store
	Outbox      *attachments.Outbox
	HTTPClient  *http.Client
	Logger      zerolog.Logger
	Metrics     *metrics.Metrics
}

func NewService(cfg Config) *Service {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	ctx := cfg.Context
	if ctx == nil {
		ctx = context.Background()
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &Service{
		ctx:        ctx,
		chat:       cfg.Chat,
		sessions:   cfg.Sessions,
		settings:   cfg.Settings,
		creds:      cfg.Credentials,
		outbox:     cfg.Outbox,
		httpClient: cfg.HTTPClient,
		logger:     cfg.Logger,
		metrics:    m,
	}
}

func (s *Service) Register(d *ext.Dispatcher) {
	d.AddHandler(handlers.NewCommand("start", s.help))
	d.AddHandler(handlers.NewCommand("help", s.help))
	d.AddHandler(handlers.NewCommand("new", s.newChat))
	d.AddHandler(handlers.NewCommand("chats", s.listChats))
	d.AddHandler(handlers.NewCommand("delete", s.deleteChat))
	d.AddHandler(handlers.NewCommand("model", s.model))
	d.AddHandler(handlers.NewCommand("temp", s.temperature))
	d.AddHandler(handlers.NewCommand("topp", s.topP))
	d.AddHandler(handlers.NewCommand("topk", s.topK))
	d.AddHandler(handlers.NewCommand("system", s.systemPrompt))
	d.AddHandler(handlers.NewCommand("params", s.params))
	d.AddHandler(handlers.NewCommand("keys", s.keys))
	d.AddHandler(handlers.NewCommand("key_add", s.keyAdd))
	d.AddHandler(handlers.NewCommand("key_del", s.keyDel))
	d.AddHandler(handlers.NewCommand("key_toggle", s.keyToggle))
	d.AddHandler(handlers.NewCommand("key_name", s.keyName))
	d.AddHandler(handlers.NewCommand("regen", s.regenerate))
	d.AddHandler(handlers.NewCommand("files", s.files))
	d.AddHandler(handlers.NewCallback(callbackquery.Prefix(cbPrefix), s.onCallback))
	d.AddHandler(handlers.NewMessage(func(msg *gotgbot.Message) bool {
		return message.Private(msg) && msg.Document != nil
	}, s.document))
	d.AddHandler(handlers.NewMessage(func(msg *gotgbot.Message) bool {
		return message.Private(msg) && message.Text(msg)
	}, s.privateText))
}
