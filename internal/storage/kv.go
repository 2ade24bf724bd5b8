package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

// KV is the persistence substrate every store writes through. Values are
// opaque strings; callers choose plain or JSON encoding per key.
type KV interface {
	Get(ctx context.Context, key string) (value string, found bool, err error)
	Set(ctx context.Context, key, value string) error
	Remove(ctx context.Context, key string) error
	// Keys returns every key starting with prefix, sorted ascending.
	Keys(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

// GetJSON decodes the JSON value stored at key into dst. A missing key or a
// value that does not decode leaves dst untouched and reports found=false;
// corrupted entries are logged, never returned as errors.
func GetJSON(ctx context.Context, kv KV, key string, dst any, logger zerolog.Logger) (bool, error) {
	raw, ok, err := kv.Get(ctx, key)
	if err != nil {
		return false, err
	}
	if !ok || strings.TrimSpace(raw) == "" {
		return false, nil
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		logger.Warn().Err(err).Str("key", key).Msg("ignoring malformed persisted value")
		return false, nil
	}
	return true, nil
}

func SetJSON(ctx context.Context, kv KV, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return kv.Set(ctx, key, string(b))
}

// GetFloat reads a plain numeric value. Unparseable values count as absent.
func GetFloat(ctx context.Context, kv KV, key string) (float64, bool, error) {
	raw, ok, err := kv.Get(ctx, key)
	if err != nil || !ok {
		return 0, false, err
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return 0, false, nil
	}
	return f, true, nil
}

func GetInt(ctx context.Context, kv KV, key string) (int, bool, error) {
	raw, ok, err := kv.Get(ctx, key)
	if err != nil || !ok {
		return 0, false, err
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, false, nil
	}
	return n, true, nil
}
