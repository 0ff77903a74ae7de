// Package store persists overlay settings and timer state as JSON values under
// string keys. Persistence is best-effort: callers fall back to defaults when a
// value is missing or unreadable.
package store

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/rs/zerolog/log"
)

// KV is a raw key/value backend.
type KV interface {
	Load(ctx context.Context, key string) ([]byte, bool, error)
	Save(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

// Get decodes the value stored under key into dst. It reports false, leaving dst
// untouched, when the key is missing or the stored value cannot be decoded.
func Get(ctx context.Context, kv KV, key string, dst any) bool {
	raw, ok, err := kv.Load(ctx, key)
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("store: load failed")
		return false
	}
	if !ok {
		return false
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("store: stored value is not valid json")
		return false
	}
	return true
}

// Set encodes value as JSON and stores it. Failures are logged and reported as
// false.
func Set(ctx context.Context, kv KV, key string, value any) bool {
	raw, err := json.Marshal(value)
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("store: encode failed")
		return false
	}
	if err := kv.Save(ctx, key, raw); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("store: save failed")
		return false
	}
	return true
}

// TimerSettingsKey is where a timer's settings layer lives.
func TimerSettingsKey(name string) string { return "timer/" + timerSlug(name) + "/settings" }

// TimerStateKey is where a timer's last runtime snapshot lives.
func TimerStateKey(name string) string { return "timer/" + timerSlug(name) + "/state" }

func timerSlug(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return "default"
	}
	return strings.ReplaceAll(name, "/", "_")
}
