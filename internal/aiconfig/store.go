package aiconfig

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"mandachat/internal/events"
	"mandachat/internal/storage"
)

var ErrUnknownModel = errors.New("unknown model")

const (
	keyActiveModel     = "manda_active_model"
	keyTemperature     = "manda_temperature"
	keyTopP            = "manda_top_p"
	keyTopK            = "manda_top_k"
	keySystemPrompt    = "manda_system_prompt"
	keyMaxInputTokens  = "manda_max_input_tokens"
	keyMaxOutputTokens = "manda_max_output_tokens"
	keyRPM             = "manda_rpm"

	minTopK = 1
	maxTopK = 128
	maxRPM  = 10000
)

// ActiveConfig is a snapshot of the effective parameters for the next call.
type ActiveConfig struct {
	ModelKey        string
	Profile         ModelProfile
	Temperature     float64
	TopP            float64
	TopK            int
	MaxInputTokens  int
	MaxOutputTokens int
	RPM             int
	SystemPrompt    string
}

type Config struct {
	KV                  storage.KV
	Catalog             Catalog
	DefaultModel        string
	DefaultSystemPrompt string
	Bus                 *events.Bus
	Logger              zerolog.Logger
}

// overrides holds the values the user set explicitly; nil means "use the
// profile default".
type overrides struct {
	temperature     *float64
	topP            *float64
	topK            *int
	maxInputTokens  *int
	maxOutputTokens *int
	rpm             *int
}

type Store struct {
	kv           storage.KV
	catalog      Catalog
	defaultModel string
	bus          *events.Bus
	logger       zerolog.Logger

	mu        sync.RWMutex
	active    ActiveConfig
	overrides overrides
}

func NewStore(cfg Config) *Store {
	catalog := cfg.Catalog
	if catalog.Len() == 0 {
		catalog = DefaultCatalog()
	}
	def := cfg.DefaultModel
	if _, ok := catalog.Lookup(def); !ok {
		def = DefaultModelKey
		if _, ok := catalog.Lookup(def); !ok {
			def = catalog.profiles[0].Key
		}
	}
	s := &Store{
		kv:           cfg.KV,
		catalog:      catalog,
		defaultModel: def,
		bus:          cfg.Bus,
		logger:       cfg.Logger,
	}
	s.active.SystemPrompt = cfg.DefaultSystemPrompt
	s.derive(def)
	return s
}

// Init loads the active model and every persisted override.
func (s *Store) Init(ctx context.Context) error {
	key, ok, err := s.kv.Get(ctx, keyActiveModel)
	if err != nil {
		return fmt.Errorf("load active model: %w", err)
	}
	key = strings.TrimSpace(key)
	if !ok || key == "" {
		key = s.defaultModel
	} else if _, known := s.catalog.Lookup(key); !known {
		s.logger.Warn().Str("model", key).Str("fallback", s.defaultModel).Msg("persisted model not in catalog")
		key = s.defaultModel
	}

	var o overrides
	if v, ok, err := storage.GetFloat(ctx, s.kv, keyTemperature); err != nil {
		return fmt.Errorf("load temperature: %w", err)
	} else if ok {
		v = round2(clampFloat(v, 0, 1))
		o.temperature = &v
	}
	if v, ok, err := storage.GetFloat(ctx, s.kv, keyTopP); err != nil {
		return fmt.Errorf("load top_p: %w", err)
	} else if ok {
		v = round2(clampFloat(v, 0, 1))
		o.topP = &v
	}
	intKeys := []struct {
		key string
		dst **int
	}{
		{keyTopK, &o.topK},
		{keyMaxInputTokens, &o.maxInputTokens},
		{keyMaxOutputTokens, &o.maxOutputTokens},
		{keyRPM, &o.rpm},
	}
	for _, ik := range intKeys {
		v, ok, err := storage.GetInt(ctx, s.kv, ik.key)
		if err != nil {
			return fmt.Errorf("load %s: %w", ik.key, err)
		}
		if ok {
			n := v
			*ik.dst = &n
		}
	}

	prompt, hasPrompt, err := s.kv.Get(ctx, keySystemPrompt)
	if err != nil {
		return fmt.Errorf("load system prompt: %w", err)
	}

	s.mu.Lock()
	s.overrides = o
	if hasPrompt && prompt != "" {
		s.active.SystemPrompt = prompt
	}
	s.derive(key)
	s.mu.Unlock()
	return nil
}

// Active returns a copy of the current configuration.
func (s *Store) Active() ActiveConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := s.active
	out.Profile.Capabilities.Modalities = append([]string(nil), s.active.Profile.Capabilities.Modalities...)
	return out
}

func (s *Store) Profiles() []ModelProfile {
	return s.catalog.Profiles()
}

func (s *Store) Profile(key string) (ModelProfile, error) {
	p, ok := s.catalog.Lookup(key)
	if !ok {
		return ModelProfile{}, fmt.Errorf("%w: %s", ErrUnknownModel, key)
	}
	return p, nil
}

// SetActiveModel switches the active profile. Explicit overrides survive the
// switch; everything else takes the new profile's defaults.
func (s *Store) SetActiveModel(ctx context.Context, key string) error {
	if _, ok := s.catalog.Lookup(key); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownModel, key)
	}
	if err := s.kv.Set(ctx, keyActiveModel, key); err != nil {
		return fmt.Errorf("persist active model: %w", err)
	}
	s.mu.Lock()
	s.derive(key)
	s.mu.Unlock()

	s.logger.Info().Str("model", key).Msg("active model changed")
	s.bus.Emit(events.ModelChanged, map[string]any{"model": key})
	return nil
}

// derive recomputes the active parameters for key. Callers hold mu.
func (s *Store) derive(key string) {
	p, _ := s.catalog.Lookup(key)
	o := s.overrides

	s.active.ModelKey = key
	s.active.Profile = p
	s.active.Temperature = p.Temperature
	if o.temperature != nil {
		s.active.Temperature = *o.temperature
	}
	s.active.TopP = p.TopP
	if o.topP != nil {
		s.active.TopP = *o.topP
	}
	s.active.TopK = p.TopK
	if o.topK != nil {
		s.active.TopK = clampInt(*o.topK, minTopK, maxTopK)
	}
	s.active.MaxInputTokens = p.MaxInputTokens
	if o.maxInputTokens != nil {
		s.active.MaxInputTokens = clampInt(*o.maxInputTokens, 1, p.MaxInputTokens)
	}
	s.active.MaxOutputTokens = p.MaxOutputTokens
	if o.maxOutputTokens != nil {
		s.active.MaxOutputTokens = clampInt(*o.maxOutputTokens, 1, p.MaxOutputTokens)
	}
	s.active.RPM = p.RPM
	if o.rpm != nil {
		s.active.RPM = clampInt(*o.rpm, 1, maxRPM)
	}
}

// UpdateTemperature parses raw, clamps it to [0,1] and persists it when it
// differs from the current value. It reports whether anything changed.
func (s *Store) UpdateTemperature(ctx context.Context, raw string) (bool, error) {
	return s.updateFloat(ctx, raw, keyTemperature, "temperature",
		func(a *ActiveConfig) *float64 { return &a.Temperature },
		func(o *overrides, v *float64) { o.temperature = v })
}

func (s *Store) UpdateTopP(ctx context.Context, raw string) (bool, error) {
	return s.updateFloat(ctx, raw, keyTopP, "topP",
		func(a *ActiveConfig) *float64 { return &a.TopP },
		func(o *overrides, v *float64) { o.topP = v })
}

func (s *Store) UpdateTopK(ctx context.Context, raw string) (bool, error) {
	return s.updateInt(ctx, raw, keyTopK, "topK",
		func(ActiveConfig) (int, int) { return minTopK, maxTopK },
		func(a *ActiveConfig) *int { return &a.TopK },
		func(o *overrides, v *int) { o.topK = v })
}

func (s *Store) UpdateMaxInputTokens(ctx context.Context, raw string) (bool, error) {
	return s.updateInt(ctx, raw, keyMaxInputTokens, "maxInputTokens",
		func(a ActiveConfig) (int, int) { return 1, a.Profile.MaxInputTokens },
		func(a *ActiveConfig) *int { return &a.MaxInputTokens },
		func(o *overrides, v *int) { o.maxInputTokens = v })
}

func (s *Store) UpdateMaxOutputTokens(ctx context.Context, raw string) (bool, error) {
	return s.updateInt(ctx, raw, keyMaxOutputTokens, "maxOutputTokens",
		func(a ActiveConfig) (int, int) { return 1, a.Profile.MaxOutputTokens },
		func(a *ActiveConfig) *int { return &a.MaxOutputTokens },
		func(o *overrides, v *int) { o.maxOutputTokens = v })
}

func (s *Store) UpdateRPM(ctx context.Context, raw string) (bool, error) {
	return s.updateInt(ctx, raw, keyRPM, "rpm",
		func(ActiveConfig) (int, int) { return 1, maxRPM },
		func(a *ActiveConfig) *int { return &a.RPM },
		func(o *overrides, v *int) { o.rpm = v })
}

func (s *Store) UpdateSystemPrompt(ctx context.Context, text string) (bool, error) {
	s.mu.Lock()
	if text == s.active.SystemPrompt {
		s.mu.Unlock()
		return false, nil
	}
	if err := s.kv.Set(ctx, keySystemPrompt, text); err != nil {
		s.mu.Unlock()
		return false, fmt.Errorf("persist system prompt: %w", err)
	}
	s.active.SystemPrompt = text
	s.mu.Unlock()

	s.emitParam("systemPrompt", text)
	return true, nil
}

func (s *Store) updateFloat(
	ctx context.Context,
	raw, key, field string,
	current func(*ActiveConfig) *float64,
	setOverride func(*overrides, *float64),
) (bool, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil || math.IsNaN(v) {
		return false, nil
	}
	v = round2(clampFloat(v, 0, 1))

	s.mu.Lock()
	if *current(&s.active) == v {
		s.mu.Unlock()
		return false, nil
	}
	if err := s.kv.Set(ctx, key, strconv.FormatFloat(v, 'f', 2, 64)); err != nil {
		s.mu.Unlock()
		return false, fmt.Errorf("persist %s: %w", field, err)
	}
	*current(&s.active) = v
	setOverride(&s.overrides, &v)
	s.mu.Unlock()

	s.emitParam(field, v)
	return true, nil
}

func (s *Store) updateInt(
	ctx context.Context,
	raw, key, field string,
	bounds func(ActiveConfig) (int, int),
	current func(*ActiveConfig) *int,
	setOverride func(*overrides, *int),
) (bool, error) {
	f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return false, nil
	}

	s.mu.Lock()
	lo, hi := bounds(s.active)
	v := clampInt(int(math.Trunc(clampFloat(f, float64(lo), float64(hi)))), lo, hi)
	if *current(&s.active) == v {
		s.mu.Unlock()
		return false, nil
	}
	if err := s.kv.Set(ctx, key, strconv.Itoa(v)); err != nil {
		s.mu.Unlock()
		return false, fmt.Errorf("persist %s: %w", field, err)
	}
	*current(&s.active) = v
	setOverride(&s.overrides, &v)
	s.mu.Unlock()

	s.emitParam(field, v)
	return true, nil
}

func (s *Store) emitParam(field string, value any) {
	s.logger.Debug().Str("field", field).Interface("value", value).Msg("parameter updated")
	s.bus.Emit(events.ParamsChanged, map[string]any{field: value})
}

func clampFloat(v, lo, hi float64) float64 {
	return math.Min(math.Max(v, lo), hi)
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
