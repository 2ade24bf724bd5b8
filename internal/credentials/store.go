package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"mandachat/internal/crypto"
	"mandachat/internal/events"
	"mandachat/internal/storage"
)

var (
	ErrNoCredentials       = errors.New("no enabled API credentials")
	ErrDuplicateCredential = errors.New("credential already exists")
	ErrEmptyCredential     = errors.New("credential is empty")
	ErrIndexOutOfRange     = errors.New("credential index out of range")
)

const (
	keyList     = "google_api_keys"
	keyNames    = "google_api_key_names"
	keyDisabled = "google_api_disabled_keys"
	keyCursor   = "current_api_key_index"
)

type Credential struct {
	Key      string
	Name     string
	Enabled  bool
	Position int
}

// Redacted returns the credential with only its last four characters visible.
func (c Credential) Redacted() string {
	return Mask(c.Key)
}

func Mask(key string) string {
	if len(key) <= 4 {
		return strings.Repeat("*", len(key))
	}
	return strings.Repeat("*", 4) + key[len(key)-4:]
}

// Sealer protects the persisted credential entries. *crypto.Sealer satisfies it.
type Sealer interface {
	Seal(label, value string) (string, error)
	Open(label, raw string) (string, error)
	Reseal(label, raw string) (string, error)
	Stale(raw string) bool
}

type Config struct {
	KV     storage.KV
	Sealer Sealer
	Bus    *events.Bus
	Logger zerolog.Logger
}

// Store keeps the ordered credential list and the rotation cursor. The cursor
// indexes the enabled view; every read or write of it happens under mu.
type Store struct {
	kv     storage.KV
	sealer Sealer
	bus    *events.Bus
	logger zerolog.Logger

	mu       sync.Mutex
	keys     []string
	names    map[string]string
	disabled map[string]bool
	cursor   int
}

func NewStore(cfg Config) *Store {
	return &Store{
		kv:       cfg.KV,
		sealer:   cfg.Sealer,
		bus:      cfg.Bus,
		logger:   cfg.Logger,
		names:    map[string]string{},
		disabled: map[string]bool{},
	}
}

func (s *Store) Init(ctx context.Context) error {
	var keys []string
	if _, err := s.readJSON(ctx, keyList, &keys); err != nil {
		return err
	}
	names := map[string]string{}
	if _, err := s.readJSON(ctx, keyNames, &names); err != nil {
		return err
	}
	var disabledList []string
	if _, err := s.readJSON(ctx, keyDisabled, &disabledList); err != nil {
		return err
	}
	cursor, _, err := storage.GetInt(ctx, s.kv, keyCursor)
	if err != nil {
		return fmt.Errorf("load cursor: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys = s.keys[:0]
	seen := map[string]bool{}
	for _, k := range keys {
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		s.keys = append(s.keys, k)
	}
	s.names = names
	if s.names == nil {
		s.names = map[string]string{}
	}
	s.disabled = map[string]bool{}
	for _, k := range disabledList {
		s.disabled[k] = true
	}
	s.cursor = cursor
	s.clampCursorLocked()

	if s.sealer != nil {
		if err := s.refreshSealedLocked(ctx); err != nil {
			return err
		}
	}
	s.logger.Debug().Int("count", len(s.keys)).Int("enabled", s.enabledCountLocked()).Msg("credentials loaded")
	return nil
}

// refreshSealedLocked seals plaintext entries written before sealing was
// configured and moves entries sealed under a retired master key to the
// current one.
func (s *Store) refreshSealedLocked(ctx context.Context) error {
	for _, k := range []string{keyList, keyNames, keyDisabled} {
		raw, ok, err := s.kv.Get(ctx, k)
		if err != nil {
			return fmt.Errorf("load %s: %w", k, err)
		}
		if !ok || strings.TrimSpace(raw) == "" {
			continue
		}
		if !crypto.IsSealed(raw) {
			s.logger.Info().Str("entry", k).Msg("sealing plaintext credential entry")
			return s.persistLocked(ctx)
		}
		if !s.sealer.Stale(raw) {
			continue
		}
		resealed, err := s.sealer.Reseal(k, raw)
		if err != nil {
			s.logger.Warn().Err(err).Str("entry", k).Msg("cannot reseal credential entry")
			continue
		}
		if err := s.kv.Set(ctx, k, resealed); err != nil {
			return fmt.Errorf("reseal %s: %w", k, err)
		}
		s.logger.Info().Str("entry", k).Msg("resealed credential entry under current key")
	}
	return nil
}

func (s *Store) readJSON(ctx context.Context, key string, dst any) (bool, error) {
	raw, ok, err := s.kv.Get(ctx, key)
	if err != nil {
		return false, fmt.Errorf("load %s: %w", key, err)
	}
	if !ok || strings.TrimSpace(raw) == "" {
		return false, nil
	}
	if s.sealer != nil {
		plain, err := s.sealer.Open(key, raw)
		if err != nil {
			s.logger.Warn().Err(err).Str("key", key).Msg("ignoring unreadable credential entry")
			return false, nil
		}
		raw = plain
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("ignoring malformed persisted value")
		return false, nil
	}
	return true, nil
}

func (s *Store) writeJSON(ctx context.Context, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	value := string(b)
	if s.sealer != nil {
		value, err = s.sealer.Seal(key, value)
		if err != nil {
			return fmt.Errorf("seal %s: %w", key, err)
		}
	}
	return s.kv.Set(ctx, key, value)
}

func (s *Store) persistLocked(ctx context.Context) error {
	disabled := make([]string, 0, len(s.disabled))
	for _, k := range s.keys {
		if s.disabled[k] {
			disabled = append(disabled, k)
		}
	}
	if err := s.writeJSON(ctx, keyList, s.keys); err != nil {
		return err
	}
	if err := s.writeJSON(ctx, keyNames, s.names); err != nil {
		return err
	}
	if err := s.writeJSON(ctx, keyDisabled, disabled); err != nil {
		return err
	}
	return s.persistCursorLocked(ctx)
}

func (s *Store) persistCursorLocked(ctx context.Context) error {
	if err := s.kv.Set(ctx, keyCursor, strconv.Itoa(s.cursor)); err != nil {
		return fmt.Errorf("persist cursor: %w", err)
	}
	return nil
}

func (s *Store) List() []Credential {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Credential, 0, len(s.keys))
	for i, k := range s.keys {
		out = append(out, s.credentialLocked(i, k))
	}
	return out
}

func (s *Store) credentialLocked(i int, k string) Credential {
	name := s.names[k]
	if name == "" {
		name = fmt.Sprintf("API key %d", i+1)
	}
	return Credential{Key: k, Name: name, Enabled: !s.disabled[k], Position: i}
}

// Enabled returns the rotation view: enabled credentials in insertion order.
func (s *Store) Enabled() []Credential {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabledLocked()
}

func (s *Store) enabledLocked() []Credential {
	out := make([]Credential, 0, len(s.keys))
	for i, k := range s.keys {
		if !s.disabled[k] {
			out = append(out, s.credentialLocked(i, k))
		}
	}
	return out
}

func (s *Store) enabledCountLocked() int {
	n := 0
	for _, k := range s.keys {
		if !s.disabled[k] {
			n++
		}
	}
	return n
}

func (s *Store) clampCursorLocked() {
	n := s.enabledCountLocked()
	if s.cursor < 0 || s.cursor >= n {
		s.cursor = 0
	}
}

func (s *Store) Cursor() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

func (s *Store) Add(ctx context.Context, key, name string) (Credential, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return Credential{}, ErrEmptyCredential
	}
	s.mu.Lock()
	for _, k := range s.keys {
		if k == key {
			s.mu.Unlock()
			return Credential{}, fmt.Errorf("%w: %s", ErrDuplicateCredential, Mask(key))
		}
	}
	s.keys = append(s.keys, key)
	if name = strings.TrimSpace(name); name != "" {
		s.names[key] = name
	}
	if err := s.persistLocked(ctx); err != nil {
		s.keys = s.keys[:len(s.keys)-1]
		delete(s.names, key)
		s.mu.Unlock()
		return Credential{}, err
	}
	c := s.credentialLocked(len(s.keys)-1, key)
	count := len(s.keys)
	s.mu.Unlock()

	s.logger.Info().Str("credential", c.Name).Msg("credential added")
	s.emit(count)
	return c, nil
}

func (s *Store) Rename(ctx context.Context, position int, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("credential name is empty")
	}
	return s.mutate(ctx, position, func(k string) {
		s.names[k] = name
	})
}

func (s *Store) SetEnabled(ctx context.Context, position int, enabled bool) error {
	return s.mutate(ctx, position, func(k string) {
		if enabled {
			delete(s.disabled, k)
		} else {
			s.disabled[k] = true
		}
	})
}

func (s *Store) Remove(ctx context.Context, position int) error {
	return s.mutate(ctx, position, func(k string) {
		s.keys = append(s.keys[:position:position], s.keys[position+1:]...)
		delete(s.names, k)
		delete(s.disabled, k)
	})
}

// mutate applies fn to the credential at position and persists the result.
// The in-memory state is restored when persisting fails.
func (s *Store) mutate(ctx context.Context, position int, fn func(key string)) error {
	s.mu.Lock()
	if position < 0 || position >= len(s.keys) {
		s.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrIndexOutOfRange, position)
	}
	keys := append([]string(nil), s.keys...)
	names := maps.Clone(s.names)
	disabled := maps.Clone(s.disabled)
	cursor := s.cursor

	fn(s.keys[position])
	s.clampCursorLocked()
	if err := s.persistLocked(ctx); err != nil {
		s.keys, s.names, s.disabled, s.cursor = keys, names, disabled, cursor
		s.mu.Unlock()
		return err
	}
	count := len(s.keys)
	s.mu.Unlock()
	s.emit(count)
	return nil
}

// Next returns the enabled credential under the rotation cursor without
// moving it.
func (s *Store) Next(ctx context.Context) (Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	enabled := s.enabledLocked()
	if len(enabled) == 0 {
		return Credential{}, ErrNoCredentials
	}
	if s.cursor >= len(enabled) || s.cursor < 0 {
		s.cursor = 0
	}
	return enabled[s.cursor], nil
}

// Advance moves the cursor to the next enabled credential, wrapping, and
// persists it.
func (s *Store) Advance(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.enabledCountLocked()
	if n == 0 {
		s.cursor = 0
		return s.persistCursorLocked(ctx)
	}
	s.cursor = (s.cursor + 1) % n
	return s.persistCursorLocked(ctx)
}

func (s *Store) emit(count int) {
	s.bus.Emit(events.APIKeysUpdated, map[string]any{"count": count})
}
