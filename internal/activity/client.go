package activity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/skobkin/fieldsync/internal/bus"
	"github.com/skobkin/fieldsync/internal/connectors"
	"github.com/skobkin/fieldsync/internal/domain"
	"github.com/skobkin/fieldsync/internal/transport"
)

const (
	DefaultBaseDelay   = 3 * time.Second
	DefaultMaxAttempts = 10
	maxBackoffSteps    = 5

	EventConnected      = "connected"
	EventLocationUpdate = "location_update"
	EventStatusChange   = "status_change"
)

var errUnauthorized = errors.New("event stream rejected credentials")

// Hydrator loads the full current state after the stream (re)connects.
type Hydrator interface {
	CurrentActivity(ctx context.Context) ([]domain.ActivityUpdate, error)
}

type Config struct {
	URL        string
	HTTPClient transport.HTTPDoer
	Tokens     transport.TokenSource
	Hydrator   Hydrator
	Store      *Store
	Bus        bus.MessageBus
	Logger     *slog.Logger

	BaseDelay   time.Duration
	MaxAttempts int
	// After returns a channel that fires once d has elapsed; tests replace it to skip waits.
	After func(d time.Duration) <-chan time.Time
	Now   func() time.Time
}

// Client keeps a server-sent event stream open and feeds its events into a Store.
type Client struct {
	url         string
	httpClient  transport.HTTPDoer
	tokens      transport.TokenSource
	hydrator    Hydrator
	store       *Store
	bus         bus.MessageBus
	logger      *slog.Logger
	baseDelay   time.Duration
	maxAttempts int
	after       func(d time.Duration) <-chan time.Time
	now         func() time.Time

	status    *bus.Value[connectors.ConnectionStatus]
	reconnect chan struct{}

	mu     sync.Mutex
	parent context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func NewClient(cfg Config) *Client {
	c := &Client{
		url:         cfg.URL,
		httpClient:  cfg.HTTPClient,
		tokens:      cfg.Tokens,
		hydrator:    cfg.Hydrator,
		store:       cfg.Store,
		bus:         cfg.Bus,
		logger:      cfg.Logger,
		baseDelay:   cfg.BaseDelay,
		maxAttempts: cfg.MaxAttempts,
		after:       cfg.After,
		now:         cfg.Now,
		reconnect:   make(chan struct{}, 1),
	}
	if c.httpClient == nil {
		c.httpClient = http.DefaultClient
	}
	if c.store == nil {
		c.store = NewStore(nil, cfg.Now)
	}
	if c.logger == nil {
		c.logger = slog.Default().With("component", "activity")
	}
	if c.baseDelay <= 0 {
		c.baseDelay = DefaultBaseDelay
	}
	if c.maxAttempts <= 0 {
		c.maxAttempts = DefaultMaxAttempts
	}
	if c.after == nil {
		c.after = time.After
	}
	if c.now == nil {
		c.now = time.Now
	}
	c.status = bus.NewValue(connectors.ConnectionStatus{
		State:         connectors.ConnectionStateDisconnected,
		TransportName: connectors.TransportEventStream,
		Target:        c.url,
		Timestamp:     c.now(),
	})

	return c
}

func (c *Client) Store() *Store {
	return c.store
}

// Status exposes the current connection state. Every change is also published on the bus.
func (c *Client) Status() *bus.Value[connectors.ConnectionStatus] {
	return c.status
}

// Delay returns the wait before the next attempt after failures consecutive failures.
func (c *Client) Delay(failures int) time.Duration {
	return c.baseDelay * time.Duration(max(1, min(failures, maxBackoffSteps)))
}

// Start opens the stream in the background. It returns immediately.
func (c *Client) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.parent = ctx
	c.startLocked()
}

func (c *Client) startLocked() {
	if c.cancel != nil || c.parent == nil {
		return
	}
	runCtx, cancel := context.WithCancel(c.parent)
	done := make(chan struct{})
	c.cancel = cancel
	c.done = done
	go func() {
		defer close(done)
		c.run(runCtx)
	}()
}

// Reconnect retries immediately with a fresh attempt budget. It revives a client in
// the failed state and restarts one stopped by Disconnect.
func (c *Client) Reconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cancel == nil {
		c.startLocked()

		return
	}
	select {
	case c.reconnect <- struct{}{}:
	default:
	}
}

// Disconnect closes the stream and waits for the loop to exit. With clear set it
// also drops entity state, trails and history.
func (c *Client) Disconnect(clear bool) {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	c.setStatus(connectors.ConnectionStateDisconnected, nil, 0, 0)
	if clear {
		c.store.Reset()
	}
}

func (c *Client) run(ctx context.Context) {
	failures := 0
	for {
		if ctx.Err() != nil {
			return
		}

		c.setStatus(connectors.ConnectionStateConnecting, nil, failures+1, 0)
		connected, err := c.stream(ctx)
		if ctx.Err() != nil {
			return
		}
		if connected {
			failures = 0
		}
		failures++
		c.logger.Warn("event stream closed", "error", err, "failures", failures)

		if failures >= c.maxAttempts {
			c.setStatus(connectors.ConnectionStateFailed, err, failures, 0)
			c.logger.Error("event stream gave up", "attempts", failures)
			select {
			case <-ctx.Done():
				return
			case <-c.reconnect:
				failures = 0

				continue
			}
		}

		delay := c.Delay(failures)
		c.setStatus(connectors.ConnectionStateReconnectScheduled, err, failures, delay)
		select {
		case <-ctx.Done():
			return
		case <-c.after(delay):
		case <-c.reconnect:
			failures = 0
		}
	}
}

// stream performs one connection attempt. connected reports whether the server accepted
// the stream before it ended.
func (c *Client) stream(ctx context.Context) (connected bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return false, fmt.Errorf("build stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	var token string
	if c.tokens != nil {
		token, err = c.tokens.Token(ctx)
		if err != nil {
			return false, fmt.Errorf("stream token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("open stream: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		if c.tokens != nil {
			if _, refreshErr := c.tokens.ForceRefresh(ctx, token); refreshErr != nil {
				return false, fmt.Errorf("%w: %w", errUnauthorized, refreshErr)
			}
		}

		return false, errUnauthorized
	case resp.StatusCode != http.StatusOK:
		return false, fmt.Errorf("open stream: unexpected status %d", resp.StatusCode)
	}

	c.setStatus(connectors.ConnectionStateConnected, nil, 0, 0)
	c.logger.Info("event stream connected", "url", c.url)
	dec := newDecoder(resp.Body)
	for {
		ev, err := dec.Next()
		if err != nil {
			return true, err
		}
		c.handle(ctx, ev)
	}
}

type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func (c *Client) handle(ctx context.Context, ev Event) {
	name := ev.Name
	payload := []byte(ev.Data)
	var env envelope
	if len(payload) > 0 && json.Unmarshal(payload, &env) == nil {
		if name == "" || name == "message" {
			name = env.Type
		}
		if len(env.Data) > 0 && string(env.Data) != "null" {
			payload = env.Data
		}
	}

	switch name {
	case EventConnected:
		c.hydrate(ctx)
	case EventLocationUpdate:
		var u domain.ActivityUpdate
		if err := json.Unmarshal(payload, &u); err != nil || u.EntityID == "" {
			c.logger.Warn("drop malformed location update", "error", err)

			return
		}
		c.store.ApplyUpdate(u)
		c.publish(connectors.TopicActivityUpdate, u)
	case EventStatusChange:
		var s domain.StatusChange
		if err := json.Unmarshal(payload, &s); err != nil || s.EntityID == "" {
			c.logger.Warn("drop malformed status change", "error", err)

			return
		}
		c.store.ApplyStatus(s)
		c.publish(connectors.TopicActivityNotable, s)
	default:
		c.logger.Debug("ignore stream event", "event", name)
	}
}

func (c *Client) hydrate(ctx context.Context) {
	if c.hydrator == nil {
		return
	}
	updates, err := c.hydrator.CurrentActivity(ctx)
	if err != nil {
		c.logger.Warn("hydrate activity failed", "error", err)

		return
	}
	c.store.Hydrate(updates)
	c.logger.Debug("activity hydrated", "entities", len(updates))
}

func (c *Client) publish(topic string, msg any) {
	if c.bus != nil {
		c.bus.Publish(topic, msg)
	}
}

func (c *Client) setStatus(state connectors.ConnectionState, err error, attempt int, retryIn time.Duration) {
	status := connectors.ConnectionStatus{
		State:         state,
		TransportName: connectors.TransportEventStream,
		Target:        c.url,
		Attempt:       attempt,
		RetryIn:       retryIn,
		Timestamp:     c.now(),
	}
	if err != nil {
		status.Err = err.Error()
	}
	c.status.Set(status)
	c.publish(connectors.TopicConnStatus, status)
}
