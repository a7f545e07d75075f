package offline

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/skobkin/fieldsync/internal/domain"
	"github.com/skobkin/fieldsync/internal/persistence"
)

const (
	queueKey  = "queue"
	failedKey = "failed"
	failedCap = 50
)

// Queue is the persisted, ordered list of pending actions. It owns its keys exclusively;
// every change rewrites the whole list.
type Queue struct {
	store  persistence.KV
	logger *slog.Logger

	mu      sync.Mutex
	actions []domain.PendingAction
}

func NewQueue(store persistence.KV, logger *slog.Logger) *Queue {
	return &Queue{store: store, logger: logger}
}

// Load restores the queue. A corrupt payload clears the key and leaves the queue empty.
func (q *Queue) Load(ctx context.Context) error {
	var actions []domain.PendingAction
	_, err := persistence.LoadJSON(ctx, q.store, queueKey, &actions)
	if errors.Is(err, persistence.ErrCorrupt) {
		q.logger.Warn("clearing corrupt offline queue", "error", err)
		actions = nil
		err = q.store.Remove(ctx, queueKey)
	}
	if err != nil {
		return err
	}

	q.mu.Lock()
	q.actions = actions
	q.mu.Unlock()

	return nil
}

func (q *Queue) Append(ctx context.Context, action domain.PendingAction) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.actions = append(q.actions, action)

	return len(q.actions), q.saveLocked(ctx)
}

// Remove drops the action with id. It reports the remaining length.
func (q *Queue) Remove(ctx context.Context, id string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, a := range q.actions {
		if a.ID == id {
			q.actions = append(q.actions[:i:i], q.actions[i+1:]...)

			break
		}
	}

	return len(q.actions), q.saveLocked(ctx)
}

// IncrementRetry bumps retryCount of id and returns the new count.
func (q *Queue) IncrementRetry(ctx context.Context, id string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	count := 0
	for i := range q.actions {
		if q.actions[i].ID == id {
			q.actions[i].RetryCount++
			count = q.actions[i].RetryCount

			break
		}
	}

	return count, q.saveLocked(ctx)
}

// Snapshot returns a copy in submission order.
func (q *Queue) Snapshot() []domain.PendingAction {
	q.mu.Lock()
	defer q.mu.Unlock()

	return append([]domain.PendingAction(nil), q.actions...)
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.actions)
}

func (q *Queue) saveLocked(ctx context.Context) error {
	if len(q.actions) == 0 {
		return q.store.Remove(ctx, queueKey)
	}

	return persistence.SaveJSON(ctx, q.store, queueKey, q.actions)
}

// RecordFailure appends to the capped list of actions dropped after exhausting retries.
func (q *Queue) RecordFailure(ctx context.Context, failed domain.FailedAction) error {
	list, err := q.Failed(ctx)
	if err != nil {
		return err
	}
	list = append(list, failed)
	if over := len(list) - failedCap; over > 0 {
		list = list[over:]
	}

	return persistence.SaveJSON(ctx, q.store, failedKey, list)
}

// Failed lists dropped actions, oldest first. Corrupt data is cleared.
func (q *Queue) Failed(ctx context.Context) ([]domain.FailedAction, error) {
	var list []domain.FailedAction
	_, err := persistence.LoadJSON(ctx, q.store, failedKey, &list)
	if errors.Is(err, persistence.ErrCorrupt) {
		q.logger.Warn("clearing corrupt failed-action list", "error", err)

		return nil, q.store.Remove(ctx, failedKey)
	}

	return list, err
}

func (q *Queue) ClearFailed(ctx context.Context) error {
	return q.store.Remove(ctx, failedKey)
}
