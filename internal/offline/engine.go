// Package offline queues mutating actions that cannot reach the remote service and
// replays them, in order, when connectivity returns.
package offline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/skobkin/fieldsync/internal/bus"
	"github.com/skobkin/fieldsync/internal/connectivity"
	"github.com/skobkin/fieldsync/internal/connectors"
	"github.com/skobkin/fieldsync/internal/domain"
	"github.com/skobkin/fieldsync/internal/persistence"
	"github.com/skobkin/fieldsync/internal/transport"
)

const DefaultMaxRetries = 3

var ErrUnknownAction = errors.New("unknown action type")

// API is the set of remote operations queued actions map to.
type API interface {
	UpdateStatus(ctx context.Context, update domain.StatusUpdate) error
	UpdateLocation(ctx context.Context, update domain.LocationUpdate) error
	UpdateJobState(ctx context.Context, update domain.JobStateUpdate) error
	RespondToAppointment(ctx context.Context, resp domain.AppointmentResponse) error
}

type Config struct {
	API        API
	Monitor    connectivity.Monitor
	Store      persistence.KV
	Bus        bus.MessageBus
	MaxRetries int
	Logger     *slog.Logger
	Now        func() time.Time
	Registerer prometheus.Registerer
}

// SubmitResult tells the caller whether the action reached the server or was queued.
type SubmitResult struct {
	ActionID string
	Queued   bool
}

// DrainResult summarizes one pass over the queue.
type DrainResult struct {
	Skipped   bool
	Attempted int
	Succeeded int
	Failed    int
	Dropped   int
	Remaining int
}

type Engine struct {
	api        API
	monitor    connectivity.Monitor
	queue      *Queue
	bus        bus.MessageBus
	maxRetries int
	logger     *slog.Logger
	now        func() time.Time

	draining atomic.Bool
	pending  *bus.Value[int]
	gauge    prometheus.Gauge
	dropped  prometheus.Counter

	mu          sync.Mutex
	runCtx      context.Context
	cancelRun   context.CancelFunc
	unsubscribe func()
	wasOnline   bool
	drains      sync.WaitGroup
}

func NewEngine(cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default().With("component", "offline")
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	monitor := cfg.Monitor
	if monitor == nil {
		monitor = connectivity.NewManual(true)
	}

	e := &Engine{
		api:        cfg.API,
		monitor:    monitor,
		queue:      NewQueue(cfg.Store, logger),
		bus:        cfg.Bus,
		maxRetries: maxRetries,
		logger:     logger,
		now:        now,
		pending:    bus.NewValue(0),
		gauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fieldsync", Subsystem: "offline", Name: "pending_actions",
			Help: "Actions waiting to be replayed.",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fieldsync", Subsystem: "offline", Name: "dropped_actions_total",
			Help: "Actions dropped after exhausting their retry budget.",
		}),
	}
	if cfg.Registerer != nil {
		for _, c := range []prometheus.Collector{e.gauge, e.dropped} {
			if err := cfg.Registerer.Register(c); err != nil {
				logger.Debug("register offline metric", "error", err)
			}
		}
	}

	return e
}

// Start loads the persisted queue and begins watching connectivity. An offline to
// online transition drains the queue; so does starting online with pending actions.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.Load(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.runCtx, e.cancelRun = runCtx, cancel
	e.mu.Unlock()

	// wasOnline starts false, so an initial online report counts as a transition.
	unsubscribe := e.monitor.Subscribe(func(online bool) {
		e.mu.Lock()
		was := e.wasOnline
		e.wasOnline = online
		e.mu.Unlock()

		if online && !was && e.queue.Len() > 0 {
			e.drainAsync(runCtx)
		}
	})

	e.mu.Lock()
	e.unsubscribe = unsubscribe
	e.mu.Unlock()

	return nil
}

// Load reads the persisted queue without watching connectivity. Start calls it.
func (e *Engine) Load(ctx context.Context) error {
	if err := e.queue.Load(ctx); err != nil {
		return fmt.Errorf("load offline queue: %w", err)
	}
	e.publishPending()

	return nil
}

// Stop detaches from the monitor, cancels a running drain and waits for it.
func (e *Engine) Stop() {
	e.mu.Lock()
	unsubscribe, cancel := e.unsubscribe, e.cancelRun
	e.unsubscribe, e.cancelRun = nil, nil
	e.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	if cancel != nil {
		cancel()
	}
	e.drains.Wait()
}

// Pending is the observable count of queued actions.
func (e *Engine) Pending() *bus.Value[int] {
	return e.pending
}

func (e *Engine) Queued() []domain.PendingAction {
	return e.queue.Snapshot()
}

func (e *Engine) Failed(ctx context.Context) ([]domain.FailedAction, error) {
	return e.queue.Failed(ctx)
}

func (e *Engine) ClearFailed(ctx context.Context) error {
	return e.queue.ClearFailed(ctx)
}

// Submit dispatches immediately when online and nothing is queued ahead of it.
// Otherwise, or when the call fails transiently, the action is queued. A failed
// immediate dispatch counts as the first attempt and waits for the next drain.
// Validation, conflict and auth failures are returned to the caller.
func (e *Engine) Submit(ctx context.Context, actionType domain.ActionType, payload any) (SubmitResult, error) {
	if !actionType.Valid() {
		return SubmitResult{}, fmt.Errorf("%w: %q", ErrUnknownAction, actionType)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("encode %s payload: %w", actionType, err)
	}
	action := domain.PendingAction{
		ID:        uuid.NewString(),
		Type:      actionType,
		Payload:   raw,
		CreatedAt: e.now(),
	}
	log := e.logger.With("action_id", action.ID, "action_type", action.Type)

	online := e.monitor.Online()
	attempted := false
	if online && e.queue.Len() == 0 {
		err := e.dispatch(ctx, action)
		if err == nil {
			return SubmitResult{ActionID: action.ID}, nil
		}
		if !transport.IsTransient(err) {
			return SubmitResult{ActionID: action.ID}, err
		}
		attempted = true
		action.RetryCount = 1
		log.Info("dispatch failed, queueing for replay", "error", err)
	}

	if _, err := e.queue.Append(ctx, action); err != nil {
		return SubmitResult{}, fmt.Errorf("queue %s: %w", actionType, err)
	}
	e.publishPending()
	log.Info("action queued", "online", online, "pending", e.queue.Len())
	if online && !attempted {
		e.drainAsync(ctx)
	}

	return SubmitResult{ActionID: action.ID, Queued: true}, nil
}

// drainAsync runs a drain on the engine lifetime context, or on a detached copy of
// ctx before Start.
func (e *Engine) drainAsync(ctx context.Context) {
	e.mu.Lock()
	runCtx := e.runCtx
	e.mu.Unlock()
	if runCtx == nil {
		runCtx = context.WithoutCancel(ctx)
	}

	e.drains.Add(1)
	go func() {
		defer e.drains.Done()
		if _, err := e.Drain(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			e.logger.Warn("drain offline queue", "error", err)
		}
	}()
}

// Drain replays queued actions one at a time in submission order. A call while
// another drain runs is a no-op. Each action is attempted at most once per drain;
// a transient failure stops the pass so later actions never overtake it.
func (e *Engine) Drain(ctx context.Context) (res DrainResult, err error) {
	if !e.draining.CompareAndSwap(false, true) {
		e.logger.Debug("drain already in progress")

		return DrainResult{Skipped: true}, nil
	}
	defer e.draining.Store(false)

	defer func() { res.Remaining = e.queue.Len() }()

	for _, action := range e.queue.Snapshot() {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		if !e.monitor.Online() {
			e.logger.Info("went offline during drain", "remaining", e.queue.Len())

			break
		}

		res.Attempted++
		dispatchErr := e.dispatch(ctx, action)
		if dispatchErr == nil {
			res.Succeeded++
			if _, err := e.queue.Remove(ctx, action.ID); err != nil {
				return res, fmt.Errorf("remove replayed action: %w", err)
			}
			e.publishPending()

			continue
		}

		res.Failed++
		stop, storeErr := e.recordAttemptFailure(ctx, action, dispatchErr, &res)
		if storeErr != nil {
			return res, storeErr
		}
		if stop {
			break
		}
	}

	if res.Succeeded > 0 && e.bus != nil {
		e.bus.Publish(connectors.TopicSyncCompleted, res)
	}
	e.logger.Info("offline queue drained", "attempted", res.Attempted, "succeeded", res.Succeeded,
		"dropped", res.Dropped, "remaining", e.queue.Len())

	return res, nil
}

// recordAttemptFailure bumps the retry count, dropping the action once it exceeds the
// budget. It reports whether the drain should stop.
func (e *Engine) recordAttemptFailure(ctx context.Context, action domain.PendingAction, cause error, res *DrainResult) (bool, error) {
	retries, err := e.queue.IncrementRetry(ctx, action.ID)
	if err != nil {
		return true, fmt.Errorf("persist retry count: %w", err)
	}
	log := e.logger.With("action_id", action.ID, "action_type", action.Type, "retry_count", retries)

	if retries <= e.maxRetries {
		log.Warn("replay failed", "error", cause)

		return transport.IsTransient(cause), nil
	}

	res.Dropped++
	if _, err := e.queue.Remove(ctx, action.ID); err != nil {
		return true, fmt.Errorf("drop exhausted action: %w", err)
	}
	e.publishPending()
	e.dropped.Inc()

	action.RetryCount = retries
	failed := domain.FailedAction{Action: action, LastError: cause.Error(), FailedAt: e.now()}
	if err := e.queue.RecordFailure(ctx, failed); err != nil {
		log.Error("record failed action", "error", err)
	}
	if e.bus != nil {
		e.bus.Publish(connectors.TopicSyncFailed, failed)
	}
	log.Error("dropping action after exhausting retries", "error", cause)

	return false, nil
}

func (e *Engine) dispatch(ctx context.Context, action domain.PendingAction) error {
	switch action.Type {
	case domain.ActionStatusUpdate:
		var p domain.StatusUpdate
		if err := json.Unmarshal(action.Payload, &p); err != nil {
			return fmt.Errorf("decode %s: %w", action.Type, err)
		}

		return e.api.UpdateStatus(ctx, p)
	case domain.ActionLocationUpdate:
		var p domain.LocationUpdate
		if err := json.Unmarshal(action.Payload, &p); err != nil {
			return fmt.Errorf("decode %s: %w", action.Type, err)
		}

		return e.api.UpdateLocation(ctx, p)
	case domain.ActionJobStateUpdate:
		var p domain.JobStateUpdate
		if err := json.Unmarshal(action.Payload, &p); err != nil {
			return fmt.Errorf("decode %s: %w", action.Type, err)
		}

		return e.api.UpdateJobState(ctx, p)
	case domain.ActionAppointmentResponse:
		var p domain.AppointmentResponse
		if err := json.Unmarshal(action.Payload, &p); err != nil {
			return fmt.Errorf("decode %s: %w", action.Type, err)
		}

		return e.api.RespondToAppointment(ctx, p)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownAction, action.Type)
	}
}

func (e *Engine) publishPending() {
	n := e.queue.Len()
	e.gauge.Set(float64(n))
	e.pending.Set(n)
}
