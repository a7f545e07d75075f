package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
)

// ErrCorrupt marks a stored value that could not be decoded.
var ErrCorrupt = errors.New("corrupt persisted value")

// Backend names accepted by OpenKV.
const (
	BackendSQLite = "sqlite"
	BackendBadger = "badger"
	BackendMemory = "memory"
)

// KV is the narrow persisted key-value API every component stores its state through.
// There are no transactions; each component must own its keys exclusively.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Remove(ctx context.Context, key string) error
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// OpenKV opens the configured backend rooted at dir. The returned closer releases it.
func OpenKV(ctx context.Context, backend, dir string) (KV, io.Closer, error) {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case BackendSQLite, "":
		db, err := Open(ctx, filepath.Join(dir, "state.db"))
		if err != nil {
			return nil, nil, err
		}

		return NewSQLiteKV(db), db, nil
	case BackendBadger:
		kv, err := OpenBadgerKV(filepath.Join(dir, "state.badger"))
		if err != nil {
			return nil, nil, err
		}

		return kv, kv, nil
	case BackendMemory:
		return NewMemoryKV(), nopCloser{}, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage backend: %q", backend)
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

type namespaced struct {
	base   KV
	prefix string
}

// Namespace scopes every key of base under prefix + "/".
func Namespace(base KV, prefix string) KV {
	prefix = strings.Trim(prefix, "/")
	if n, ok := base.(namespaced); ok {
		return namespaced{base: n.base, prefix: n.prefix + prefix + "/"}
	}

	return namespaced{base: base, prefix: prefix + "/"}
}

func (n namespaced) Get(ctx context.Context, key string) ([]byte, bool, error) {
	return n.base.Get(ctx, n.prefix+key)
}

func (n namespaced) Set(ctx context.Context, key string, value []byte) error {
	return n.base.Set(ctx, n.prefix+key, value)
}

func (n namespaced) Remove(ctx context.Context, key string) error {
	return n.base.Remove(ctx, n.prefix+key)
}

func (n namespaced) Keys(ctx context.Context, prefix string) ([]string, error) {
	keys, err := n.base.Keys(ctx, n.prefix+prefix)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, strings.TrimPrefix(k, n.prefix))
	}

	return out, nil
}

// LoadJSON decodes key into dst. A payload that does not decode yields ErrCorrupt.
func LoadJSON(ctx context.Context, kv KV, key string, dst any) (bool, error) {
	raw, ok, err := kv.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, fmt.Errorf("%w: key %q: %v", ErrCorrupt, key, err)
	}

	return true, nil
}

func SaveJSON(ctx context.Context, kv KV, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %q: %w", key, err)
	}

	return kv.Set(ctx, key, raw)
}

// Clear removes every key under prefix.
func Clear(ctx context.Context, kv KV, prefix string) (int, error) {
	keys, err := kv.Keys(ctx, prefix)
	if err != nil {
		return 0, err
	}
	for _, k := range keys {
		if err := kv.Remove(ctx, k); err != nil {
			return 0, err
		}
	}

	return len(keys), nil
}
