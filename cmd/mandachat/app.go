package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"mandachat/internal/aiconfig"
	"mandachat/internal/attachments"
	"mandachat/internal/chat"
	"mandachat/internal/clock"
	"mandachat/internal/config"
	"mandachat/internal/credentials"
	"mandachat/internal/crypto"
	"mandachat/internal/dispatch"
	"mandachat/internal/events"
	"mandachat/internal/metrics"
	"mandachat/internal/prompt"
	"mandachat/internal/providers"
	"mandachat/internal/providers/registry"
	"mandachat/internal/ratelimit"
	"mandachat/internal/session"
	"mandachat/internal/storage"
)

// app is the fully wired client shared by every command.
type app struct {
	cfg      *config.Config
	logger   zerolog.Logger
	kv       storage.KV
	redis    *redis.Client
	bus      *events.Bus
	settings *aiconfig.Store
	creds    *credentials.Store
	sessions *session.Store
	outbox   *attachments.Outbox
	chat     *chat.Service
	metrics  *metrics.Metrics
	http     *http.Client
}

func openApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger, bus: events.NewBus(), metrics: metrics.Global()}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	if cfg.NeedsRedis() {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := a.redis.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
	}

	switch cfg.Storage.Driver {
	case config.DriverMemory:
		a.kv = storage.NewMemory()
	case config.DriverRedis:
		a.kv = storage.NewRedisStore(a.redis, cfg.Redis.Prefix)
	default:
		store, err := storage.Open(ctx, cfg.Storage.Driver, cfg.Storage.DSN, cfg.Storage.AutoMigrate)
		if err != nil {
			return nil, fmt.Errorf("open storage: %w", err)
		}
		a.kv = store
	}

	catalog := aiconfig.DefaultCatalog()
	if cfg.Catalog != "" {
		catalog, err = aiconfig.LoadCatalogFile(cfg.Catalog, catalog)
		if err != nil {
			return nil, err
		}
	}

	a.settings = aiconfig.NewStore(aiconfig.Config{
		KV:      a.kv,
		Catalog: catalog,
		Bus:     a.bus,
		Logger:  logger.With().Str("component", "settings").Logger(),
	})
	if err := a.settings.Init(ctx); err != nil {
		return nil, err
	}

	credCfg := credentials.Config{
		KV:     a.kv,
		Bus:    a.bus,
		Logger: logger.With().Str("component", "credentials").Logger(),
	}
	if cfg.Crypto.Enabled() {
		sealer, err := crypto.NewSealer(cfg.Crypto.CurrentKeyID, cfg.Crypto.Keys)
		if err != nil {
			return nil, fmt.Errorf("init sealer: %w", err)
		}
		credCfg.Sealer = sealer
	}
	a.creds = credentials.NewStore(credCfg)
	if err := a.creds.Init(ctx); err != nil {
		return nil, err
	}

	a.sessions = session.NewStore(session.Config{
		KV:     a.kv,
		Bus:    a.bus,
		Logger: logger.With().Str("component", "sessions").Logger(),
	})
	if err := a.sessions.Init(ctx); err != nil {
		return nil, err
	}

	a.http = &http.Client{Timeout: cfg.HTTP.ClientTimeout}
	router, err := registry.NewRouter(
		registry.BuildOptions{Kind: providers.KindGemini, BaseURL: cfg.Gemini.BaseURL, HTTPClient: a.http},
		registry.BuildOptions{Kind: providers.KindOpenAICompat, BaseURL: cfg.OpenAI.BaseURL, HTTPClient: a.http},
	)
	if err != nil {
		return nil, err
	}

	var pacer ratelimit.Pacer = ratelimit.NewMemoryPacer(clock.Real{})
	if cfg.PacerKind == config.PacerRedis {
		pacer = ratelimit.NewRedisPacer(a.redis, cfg.Redis.Prefix, clock.Real{})
	}

	dispatcher := dispatch.New(dispatch.Config{
		Settings:    a.settings,
		Credentials: a.creds,
		Provider:    router,
		Pacer:       pacer,
		MaxPasses:   cfg.Dispatch.MaxPasses,
		BackoffBase: cfg.Dispatch.BackoffBase,
		BackoffMax:  cfg.Dispatch.BackoffMax,
		Metrics:     a.metrics,
		Logger:      logger.With().Str("component", "dispatch").Logger(),
	})

	a.outbox = attachments.NewOutbox(attachments.Config{Bus: a.bus})
	a.chat = chat.NewService(chat.Config{
		Sessions:   a.sessions,
		Outbox:     a.outbox,
		Assembler:  &prompt.Assembler{Config: a.settings},
		Dispatcher: dispatcher,
		Models:     a.settings,
		Metrics:    a.metrics,
		Logger:     logger.With().Str("component", "chat").Logger(),
	})

	for _, topic := range []events.Topic{events.ParamsChanged, events.ModelChanged, events.AttachmentsUpdated, events.ChatsUpdated, events.APIKeysUpdated} {
		a.bus.Subscribe(topic, func(ev events.Event) {
			logger.Debug().Str("topic", string(ev.Topic)).Fields(ev.Fields).Msg("event")
		})
	}
	return a, nil
}

func (a *app) Close() {
	if a.kv != nil {
		if err := a.kv.Close(); err != nil {
			a.logger.Error().Err(err).Msg("close storage")
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
			a.logger.Error().Err(err).Msg("close redis")
		}
	}
}

// withApp loads the process config, wires the client and runs fn.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := openApp(ctx, cfg, log.Logger)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}
