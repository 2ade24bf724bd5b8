package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"mandachat/internal/aiconfig"
	"mandachat/internal/clock"
	"mandachat/internal/credentials"
	"mandachat/internal/metrics"
	"mandachat/internal/prompt"
	"mandachat/internal/providers"
	"mandachat/internal/ratelimit"
)

// ErrExhausted is returned only when MaxPasses is set and every pass failed.
var ErrExhausted = errors.New("all credentials failed")

const (
	DefaultBackoffBase = time.Second
	DefaultBackoffMax  = 60 * time.Second
)

type Settings interface {
	Active() aiconfig.ActiveConfig
}

type Credentials interface {
	Enabled() []credentials.Credential
	Next(ctx context.Context) (credentials.Credential, error)
	Advance(ctx context.Context) error
}

type Config struct {
	Settings    Settings
	Credentials Credentials
	Provider    providers.Provider
	Pacer       ratelimit.Pacer
	Clock       clock.Clock
	// MaxPasses bounds the number of full credential passes; 0 retries until
	// a call succeeds or ctx is done.
	MaxPasses   int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	Metrics     *metrics.Metrics
	Logger      zerolog.Logger
}

type Dispatcher struct {
	settings    Settings
	creds       Credentials
	provider    providers.Provider
	pacer       ratelimit.Pacer
	clock       clock.Clock
	maxPasses   int
	backoffBase time.Duration
	backoffMax  time.Duration
	metrics     *metrics.Metrics
	logger      zerolog.Logger
}

func New(cfg Config) *Dispatcher {
	c := cfg.Clock
	if c == nil {
		c = clock.Real{}
	}
	pacer := cfg.Pacer
	if pacer == nil {
		pacer = ratelimit.NewMemoryPacer(c)
	}
	base := cfg.BackoffBase
	if base <= 0 {
		base = DefaultBackoffBase
	}
	maxDelay := cfg.BackoffMax
	if maxDelay <= 0 {
		maxDelay = DefaultBackoffMax
	}
	return &Dispatcher{
		settings:    cfg.Settings,
		creds:       cfg.Credentials,
		provider:    cfg.Provider,
		pacer:       pacer,
		clock:       c,
		maxPasses:   cfg.MaxPasses,
		backoffBase: base,
		backoffMax:  maxDelay,
		metrics:     cfg.Metrics,
		logger:      cfg.Logger,
	}
}

// Backoff returns min(base * 2^max(attempts,1), maxDelay).
func Backoff(attempts int, base, maxDelay time.Duration) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := base
	for i := 0; i < attempts; i++ {
		d *= 2
		if d >= maxDelay {
			return maxDelay
		}
	}
	return d
}

// Send delivers promptText to the active model. Transient failures rotate
// to the next credential; a pass that fails on every credential backs off
// and starts over. Only an empty credential set, ctx cancellation or a
// configured MaxPasses end the loop without a response.
func (d *Dispatcher) Send(ctx context.Context, promptText string, opts providers.GenerationOptions) (providers.ChatResponse, error) {
	if len(d.creds.Enabled()) == 0 {
		return providers.ChatResponse{}, credentials.ErrNoCredentials
	}

	var lastErr error
	for pass := 1; ; pass++ {
		if err := ctx.Err(); err != nil {
			return providers.ChatResponse{}, err
		}
		active := d.settings.Active()
		log := d.logger.With().Str("model", active.ModelKey).Int("pass", pass).Logger()

		waited, err := d.pacer.Wait(ctx, active.ModelKey, ratelimit.IntervalForRPM(active.RPM))
		if err != nil {
			return providers.ChatResponse{}, err
		}
		if waited > 0 {
			log.Debug().Dur("wait", waited).Int("rpm", active.RPM).Msg("pacing request")
			if d.metrics != nil {
				d.metrics.PacingWaits.WithLabelValues(active.ModelKey).Add(waited.Seconds())
			}
		}

		text, cut := prompt.TruncateToBudget(promptText, active.MaxInputTokens)
		if cut {
			log.Warn().
				Int("estimated_tokens", prompt.EstimateTokens(promptText)).
				Int("max_input_tokens", active.MaxInputTokens).
				Msg("prompt truncated")
			if d.metrics != nil {
				d.metrics.PromptTruncated.Inc()
			}
		}

		gen := opts.Apply(providers.GenerationConfig{
			MaxOutputTokens: active.MaxOutputTokens,
			Temperature:     active.Temperature,
			TopP:            active.TopP,
			TopK:            active.TopK,
		})

		enabled := len(d.creds.Enabled())
		if enabled == 0 {
			return providers.ChatResponse{}, credentials.ErrNoCredentials
		}

		attempts := 0
		for attempts < enabled {
			cred, err := d.creds.Next(ctx)
			if err != nil {
				return providers.ChatResponse{}, err
			}
			attempts++

			resp, err := d.provider.Chat(ctx, providers.ChatRequest{
				Kind:       active.Profile.Provider,
				BaseURL:    active.Profile.BaseURL,
				Endpoint:   active.Profile.Endpoint,
				Headers:    active.Profile.Headers,
				Model:      active.ModelKey,
				APIKey:     cred.Key,
				Prompt:     text,
				Generation: gen,
			})
			if advErr := d.creds.Advance(ctx); advErr != nil {
				log.Error().Err(advErr).Msg("persist rotation cursor")
			}

			if err == nil {
				d.observe(active.ModelKey, "ok")
				resp.Credential = cred.Name
				if resp.Model == "" {
					resp.Model = active.ModelKey
				}
				log.Debug().Str("credential", cred.Name).Int("attempt", attempts).Msg("remote call succeeded")
				return resp, nil
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return providers.ChatResponse{}, ctxErr
			}

			lastErr = err
			if providers.IsRateLimited(err) {
				d.observe(active.ModelKey, "rate_limited")
				log.Warn().Str("credential", cred.Name).Int("attempt", attempts).Msg("credential rate limited, rotating")
			} else {
				d.observe(active.ModelKey, "error")
				log.Error().Err(err).Str("credential", cred.Name).Int("attempt", attempts).Msg("remote call failed, rotating")
			}
		}

		if d.maxPasses > 0 && pass >= d.maxPasses {
			return providers.ChatResponse{}, fmt.Errorf("%w after %d passes: %w", ErrExhausted, pass, lastErr)
		}

		delay := Backoff(attempts, d.backoffBase, d.backoffMax)
		log.Warn().Int("attempts", attempts).Dur("backoff", delay).Msg("every credential failed, backing off")
		if d.metrics != nil {
			d.metrics.DispatchBackoffs.Inc()
		}
		if err := d.clock.Sleep(ctx, delay); err != nil {
			return providers.ChatResponse{}, err
		}
	}
}

func (d *Dispatcher) observe(model, outcome string) {
	if d.metrics != nil {
		d.metrics.DispatchAttempts.WithLabelValues(model, outcome).Inc()
	}
}
