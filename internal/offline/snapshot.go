package offline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/skobkin/fieldsync/internal/domain"
	"github.com/skobkin/fieldsync/internal/persistence"
)

const (
	DefaultSnapshotTTL = 5 * time.Minute
	appointmentsKey    = "appointments"
)

type snapshotRecord[T any] struct {
	Timestamp int64 `json:"timestamp"`
	Data      T     `json:"data"`
}

// Snapshot keeps the last successfully fetched value of T under one key so callers
// can render immediately while a fresh fetch is pending.
type Snapshot[T any] struct {
	store  persistence.KV
	key    string
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger
}

func NewSnapshot[T any](store persistence.KV, key string, ttl time.Duration, now func() time.Time, logger *slog.Logger) *Snapshot[T] {
	if ttl <= 0 {
		ttl = DefaultSnapshotTTL
	}
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default().With("component", "offline.snapshot")
	}

	return &Snapshot[T]{store: store, key: key, ttl: ttl, now: now, logger: logger}
}

// AppointmentCache is the persisted appointments snapshot.
type AppointmentCache = Snapshot[[]domain.Appointment]

func NewAppointmentCache(store persistence.KV, now func() time.Time, logger *slog.Logger) *AppointmentCache {
	return NewSnapshot[[]domain.Appointment](store, appointmentsKey, DefaultSnapshotTTL, now, logger)
}

// Load returns the stored value and when it was fetched. Expired or corrupt data
// is reported as missing; corrupt data is also removed.
func (s *Snapshot[T]) Load(ctx context.Context) (T, time.Time, bool) {
	var zero T
	var rec snapshotRecord[T]
	found, err := persistence.LoadJSON(ctx, s.store, s.key, &rec)
	switch {
	case errors.Is(err, persistence.ErrCorrupt):
		s.logger.Warn("clearing corrupt snapshot", "key", s.key, "error", err)
		s.Clear(ctx)

		return zero, time.Time{}, false
	case err != nil:
		s.logger.Warn("read snapshot", "key", s.key, "error", err)

		return zero, time.Time{}, false
	case !found:
		return zero, time.Time{}, false
	}

	storedAt := time.UnixMilli(rec.Timestamp)
	if !s.now().Before(storedAt.Add(s.ttl)) {
		return zero, storedAt, false
	}

	return rec.Data, storedAt, true
}

func (s *Snapshot[T]) Save(ctx context.Context, data T) error {
	return persistence.SaveJSON(ctx, s.store, s.key, snapshotRecord[T]{Timestamp: s.now().UnixMilli(), Data: data})
}

func (s *Snapshot[T]) Clear(ctx context.Context) {
	if err := s.store.Remove(ctx, s.key); err != nil {
		s.logger.Warn("remove snapshot", "key", s.key, "error", err)
	}
}

// ReadThrough fetches a fresh value and stores it. When fetch fails the last fresh
// snapshot is returned instead, with stale set; without one the fetch error is returned.
func (s *Snapshot[T]) ReadThrough(ctx context.Context, fetch func(context.Context) (T, error)) (data T, stale bool, err error) {
	fresh, fetchErr := fetch(ctx)
	if fetchErr == nil {
		if err := s.Save(ctx, fresh); err != nil {
			s.logger.Warn("save snapshot", "key", s.key, "error", err)
		}

		return fresh, false, nil
	}

	if cached, _, ok := s.Load(ctx); ok {
		s.logger.Info("serving cached snapshot after fetch failure", "key", s.key, "error", fetchErr)

		return cached, true, nil
	}

	return data, false, fetchErr
}
