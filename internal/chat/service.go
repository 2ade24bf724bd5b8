package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/rs/zerolog"

	"mandachat/internal/aiconfig"
	"mandachat/internal/attachments"
	"mandachat/internal/credentials"
	"mandachat/internal/dispatch"
	"mandachat/internal/metrics"
	"mandachat/internal/prompt"
	"mandachat/internal/providers"
	"mandachat/internal/session"
)

var (
	ErrEmptyMessage        = errors.New("message is empty")
	ErrBusy                = errors.New("a message is already being sent")
	ErrNothingToRegenerate = errors.New("no user message to regenerate")
)

const (
	NoResponseText  = "No response"
	SentPlaceholder = "[Message sent]"
)

type Sender interface {
	Send(ctx context.Context, promptText string, opts providers.GenerationOptions) (providers.ChatResponse, error)
}

type ModelSelector interface {
	SetActiveModel(ctx context.Context, key string) error
}

type Config struct {
	Sessions   *session.Store
	Outbox     *attachments.Outbox
	Assembler  *prompt.Assembler
	Dispatcher Sender
	Models     ModelSelector
	Options    providers.GenerationOptions
	Metrics    *metrics.Metrics
	Logger     zerolog.Logger
}

// Service runs the send, regenerate and delete flows for one client. Only
// one send may be in flight at a time.
type Service struct {
	sessions   *session.Store
	outbox     *attachments.Outbox
	assembler  *prompt.Assembler
	dispatcher Sender
	models     ModelSelector
	options    providers.GenerationOptions
	metrics    *metrics.Metrics
	logger     zerolog.Logger

	busy atomic.Bool
}

func NewService(cfg Config) *Service {
	return &Service{
		sessions:   cfg.Sessions,
		outbox:     cfg.Outbox,
		assembler:  cfg.Assembler,
		dispatcher: cfg.Dispatcher,
		models:     cfg.Models,
		options:    cfg.Options,
		metrics:    cfg.Metrics,
		logger:     cfg.Logger,
	}
}

type Reply struct {
	Message  session.Message
	Response providers.ChatResponse
}

func (s *Service) Busy() bool { return s.busy.Load() }

// Send posts text together with every pending attachment. On success the
// reply is appended to the current session and the outbox is cleared.
func (s *Service) Send(ctx context.Context, text string) (Reply, error) {
	if !s.busy.CompareAndSwap(false, true) {
		return Reply{}, ErrBusy
	}
	defer s.busy.Store(false)

	text = strings.TrimSpace(text)
	pending := s.outbox.Pending()
	if text == "" && len(pending) == 0 {
		return Reply{}, ErrEmptyMessage
	}

	history := historyTurns(s.sessions.Messages())
	built := s.assembler.Build(history, text, promptFiles(pending))
	if built.DroppedHistory > 0 {
		s.logger.Info().Int("dropped", built.DroppedHistory).Msg("history trimmed to fit the input budget")
	}

	if len(pending) > 0 {
		s.outbox.SetStatus(attachments.StatusSending)
	}
	userMsg := session.Message{
		Content:     displayText(text, pending),
		Role:        session.RoleUser,
		Raw:         text,
		Attachments: attachmentMeta(pending),
	}
	if err := s.sessions.Append(ctx, userMsg); err != nil {
		return Reply{}, err
	}

	reply, err := s.dispatch(ctx, built.Text)
	if err != nil {
		if len(pending) > 0 {
			s.outbox.SetStatus(attachments.StatusError)
		}
		return Reply{}, err
	}
	if len(pending) > 0 {
		s.outbox.SetStatus(attachments.StatusReady)
		s.outbox.Clear()
	}
	return reply, nil
}

// Regenerate re-sends the raw text of the last user message and replaces
// every reply that followed it.
func (s *Service) Regenerate(ctx context.Context) (Reply, error) {
	if !s.busy.CompareAndSwap(false, true) {
		return Reply{}, ErrBusy
	}
	defer s.busy.Store(false)

	msgs := s.sessions.Messages()
	idx := -1
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == session.RoleUser {
			idx = i
			break
		}
	}
	if idx < 0 {
		return Reply{}, ErrNothingToRegenerate
	}
	last := msgs[idx]
	raw := last.Raw
	if strings.TrimSpace(raw) == "" && len(last.Attachments) == 0 {
		raw = last.Content
	}
	if strings.TrimSpace(raw) == "" && len(last.Attachments) == 0 {
		return Reply{}, ErrNothingToRegenerate
	}

	if err := s.sessions.Truncate(ctx, idx+1); err != nil {
		return Reply{}, err
	}
	files := make([]prompt.File, 0, len(last.Attachments))
	for _, a := range last.Attachments {
		files = append(files, prompt.File{Name: a.Name, Type: a.Type, Size: a.Size})
	}
	built := s.assembler.Build(historyTurns(msgs[:idx]), raw, files)
	return s.dispatch(ctx, built.Text)
}

func (s *Service) DeleteMessage(ctx context.Context, index int) error {
	return s.sessions.DeleteMessage(ctx, index)
}

// SelectModel switches the active model. An unknown key is reported in the
// transcript as well as returned.
func (s *Service) SelectModel(ctx context.Context, key string) error {
	err := s.models.SetActiveModel(ctx, key)
	if errors.Is(err, aiconfig.ErrUnknownModel) {
		s.appendSystem(ctx, fmt.Sprintf("Unsupported model: %s", key))
	}
	return err
}

func (s *Service) dispatch(ctx context.Context, promptText string) (Reply, error) {
	resp, err := s.dispatcher.Send(ctx, promptText, s.options)
	if err != nil {
		s.count("error")
		switch {
		case errors.Is(err, credentials.ErrNoCredentials):
			s.appendSystem(ctx, "No API keys configured. Add at least one API key.")
		case errors.Is(err, aiconfig.ErrUnknownModel):
			s.appendSystem(ctx, "Error: "+err.Error())
		case errors.Is(err, dispatch.ErrExhausted):
			s.appendSystem(ctx, "Every API key failed. Try again later.")
		}
		s.logger.Error().Err(err).Str("session_id", s.sessions.CurrentID()).Msg("send failed")
		return Reply{}, err
	}

	text := resp.Text
	if strings.TrimSpace(text) == "" {
		text = NoResponseText
		if resp.FinishReason != "" {
			text = fmt.Sprintf("%s (%s)", NoResponseText, resp.FinishReason)
		}
	}
	botMsg := session.Message{Content: text, Role: session.RoleBot}
	if err := s.sessions.Append(ctx, botMsg); err != nil {
		return Reply{}, err
	}
	s.count("ok")
	s.logger.Info().
		Str("session_id", s.sessions.CurrentID()).
		Str("model", resp.Model).
		Str("credential", resp.Credential).
		Int("total_tokens", resp.Usage.TotalTokens).
		Msg("reply received")
	return Reply{Message: botMsg, Response: resp}, nil
}

func (s *Service) appendSystem(ctx context.Context, text string) {
	if err := s.sessions.Append(ctx, session.Message{Content: text, Role: session.RoleSystem}); err != nil {
		s.logger.Error().Err(err).Msg("append system message")
	}
}

func (s *Service) count(result string) {
	if s.metrics != nil {
		s.metrics.MessagesSent.WithLabelValues(result).Inc()
	}
}

func historyTurns(msgs []session.Message) []prompt.Turn {
	out := make([]prompt.Turn, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == session.RoleSystem {
			continue
		}
		out = append(out, prompt.Turn{Role: string(m.Role), Content: m.Content})
	}
	return out
}

func promptFiles(pending []attachments.Attachment) []prompt.File {
	out := make([]prompt.File, 0, len(pending))
	for _, a := range pending {
		out = append(out, prompt.File{Name: a.Name, Type: a.Type, Size: a.Size, Content: a.Content})
	}
	return out
}

func attachmentMeta(pending []attachments.Attachment) []session.AttachmentMeta {
	if len(pending) == 0 {
		return nil
	}
	out := make([]session.AttachmentMeta, 0, len(pending))
	for _, a := range pending {
		out = append(out, session.AttachmentMeta{Name: a.Name, Type: a.Type, Size: a.Size})
	}
	return out
}

func displayText(text string, pending []attachments.Attachment) string {
	if len(pending) == 0 {
		if text == "" {
			return SentPlaceholder
		}
		return text
	}
	lines := make([]string, 0, len(pending))
	for _, a := range pending {
		lines = append(lines, "• "+a.Name)
	}
	block := "Attachments:\n" + strings.Join(lines, "\n")
	if text == "" {
		return block
	}
	return text + "\n\n" + block
}
