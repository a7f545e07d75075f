package duplex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/skobkin/fieldsync/internal/bus"
	"github.com/skobkin/fieldsync/internal/connectors"
	"github.com/skobkin/fieldsync/internal/transport"
)

const (
	DefaultReconnectDelay = 5 * time.Second
	DefaultHeartbeat      = 10 * time.Second
	writeTimeout          = 5 * time.Second
	dialTimeout           = 10 * time.Second
)

// Frame commands.
const (
	CommandSubscribe   = "SUBSCRIBE"
	CommandUnsubscribe = "UNSUBSCRIBE"
	CommandSend        = "SEND"
	CommandMessage     = "MESSAGE"
	CommandError       = "ERROR"
)

var ErrNotConnected = errors.New("messaging channel is not connected")

// Frame is the JSON envelope exchanged over the socket.
type Frame struct {
	Command     string          `json:"command"`
	Destination string          `json:"destination,omitempty"`
	ID          string          `json:"id,omitempty"`
	Body        json.RawMessage `json:"body,omitempty"`
}

// Handler receives the body of a MESSAGE frame for a subscribed destination.
type Handler func(body json.RawMessage)

type Config struct {
	URL            string
	Dialer         *websocket.Dialer
	Tokens         transport.TokenSource
	ReconnectDelay time.Duration
	Heartbeat      time.Duration
	Bus            bus.MessageBus
	Logger         *slog.Logger
}

type subscription struct {
	id      string
	handler Handler
}

// Channel is a reconnecting publish/subscribe connection. Subscriptions survive
// reconnects and are replayed on every new connection.
type Channel struct {
	url            string
	dialer         *websocket.Dialer
	tokens         transport.TokenSource
	reconnectDelay time.Duration
	heartbeat      time.Duration
	bus            bus.MessageBus
	logger         *slog.Logger
	status         *bus.Value[connectors.ConnectionStatus]

	mu        sync.Mutex
	conn      *websocket.Conn
	subs      map[string]subscription
	nextSubID int
	hooks     []func(ctx context.Context)

	writeMu sync.Mutex
}

func New(cfg Config) *Channel {
	c := &Channel{
		url:            cfg.URL,
		dialer:         cfg.Dialer,
		tokens:         cfg.Tokens,
		reconnectDelay: cfg.ReconnectDelay,
		heartbeat:      cfg.Heartbeat,
		bus:            cfg.Bus,
		logger:         cfg.Logger,
		subs:           make(map[string]subscription),
	}
	if c.dialer == nil {
		c.dialer = &websocket.Dialer{HandshakeTimeout: dialTimeout, Proxy: http.ProxyFromEnvironment}
	}
	if c.reconnectDelay <= 0 {
		c.reconnectDelay = DefaultReconnectDelay
	}
	if c.heartbeat <= 0 {
		c.heartbeat = DefaultHeartbeat
	}
	if c.logger == nil {
		c.logger = slog.Default().With("component", "duplex")
	}
	c.status = bus.NewValue(connectors.ConnectionStatus{
		State:         connectors.ConnectionStateDisconnected,
		TransportName: connectors.TransportMessaging,
		Target:        c.url,
		Timestamp:     time.Now(),
	})

	return c
}

func (c *Channel) Status() *bus.Value[connectors.ConnectionStatus] {
	return c.status
}

func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.conn != nil
}

// OnConnect registers fn to run after every successful (re)connect and resubscription.
func (c *Channel) OnConnect(fn func(ctx context.Context)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks = append(c.hooks, fn)
}

// Start runs the connect loop until ctx is done.
func (c *Channel) Start(ctx context.Context) {
	go c.runConnector(ctx)
}

// Subscribe registers h for destination and returns a function removing it.
func (c *Channel) Subscribe(destination string, h Handler) (unsubscribe func()) {
	c.mu.Lock()
	c.nextSubID++
	sub := subscription{id: "sub-" + strconv.Itoa(c.nextSubID), handler: h}
	c.subs[destination] = sub
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		if err := c.write(conn, Frame{Command: CommandSubscribe, Destination: destination, ID: sub.id}); err != nil {
			c.logger.Warn("subscribe failed", "destination", destination, "error", err)
		}
	}

	var once sync.Once

	return func() {
		once.Do(func() {
			c.mu.Lock()
			current, ok := c.subs[destination]
			if ok && current.id == sub.id {
				delete(c.subs, destination)
			}
			conn := c.conn
			c.mu.Unlock()
			if ok && conn != nil {
				_ = c.write(conn, Frame{Command: CommandUnsubscribe, Destination: destination, ID: sub.id})
			}
		})
	}
}

// Publish sends body as JSON to destination. It fails fast with ErrNotConnected.
func (c *Channel) Publish(destination string, body any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode %s body: %w", destination, err)
	}
	if err := c.write(conn, Frame{Command: CommandSend, Destination: destination, Body: raw}); err != nil {
		return fmt.Errorf("%w: %w", ErrNotConnected, err)
	}

	return nil
}

func (c *Channel) runConnector(ctx context.Context) {
	attempt := 0
	for {
		if err := ctx.Err(); err != nil {
			c.publishStatus(connectors.ConnectionStateDisconnected, nil, 0, 0)

			return
		}

		attempt++
		c.publishStatus(connectors.ConnectionStateConnecting, nil, attempt, 0)
		conn, err := c.dial(ctx)
		if err != nil {
			c.logger.Warn("messaging connect failed", "error", err, "attempt", attempt)
			c.publishStatus(connectors.ConnectionStateReconnectScheduled, err, attempt, c.reconnectDelay)
			if !sleepWithContext(ctx, c.reconnectDelay) {
				c.publishStatus(connectors.ConnectionStateDisconnected, nil, 0, 0)

				return
			}

			continue
		}

		attempt = 0
		connCtx, cancelConn := context.WithCancel(ctx)
		stopClose := context.AfterFunc(connCtx, func() { _ = conn.Close() })
		hooks := c.attach(conn)
		c.publishStatus(connectors.ConnectionStateConnected, nil, 0, 0)
		c.logger.Info("messaging connected", "url", c.url)
		for _, hook := range hooks {
			go hook(connCtx)
		}

		go c.runKeepAlive(connCtx, conn)
		err = c.runReader(conn)
		c.detach(conn)
		cancelConn()
		stopClose()
		_ = conn.Close()
		if ctx.Err() != nil {
			c.publishStatus(connectors.ConnectionStateDisconnected, nil, 0, 0)

			return
		}

		c.logger.Warn("messaging connection lost", "error", err)
		c.publishStatus(connectors.ConnectionStateReconnectScheduled, err, 0, c.reconnectDelay)
		if !sleepWithContext(ctx, c.reconnectDelay) {
			c.publishStatus(connectors.ConnectionStateDisconnected, nil, 0, 0)

			return
		}
	}
}

func (c *Channel) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	var token string
	if c.tokens != nil {
		var err error
		if token, err = c.tokens.Token(ctx); err != nil {
			return nil, fmt.Errorf("messaging token: %w", err)
		}
		header.Set("Authorization", "Bearer "+token)
	}

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	conn, resp, err := c.dialer.DialContext(dialCtx, c.url, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err == nil {
		return conn, nil
	}
	if resp != nil && resp.StatusCode == http.StatusUnauthorized && c.tokens != nil {
		if _, refreshErr := c.tokens.ForceRefresh(ctx, token); refreshErr != nil {
			return nil, fmt.Errorf("dial %s: %w: %w", c.url, err, refreshErr)
		}
	}

	return nil, fmt.Errorf("dial %s: %w", c.url, err)
}

// attach makes conn current, replays every subscription and returns the connect hooks.
func (c *Channel) attach(conn *websocket.Conn) []func(ctx context.Context) {
	c.mu.Lock()
	c.conn = conn
	frames := make([]Frame, 0, len(c.subs))
	for destination, sub := range c.subs {
		frames = append(frames, Frame{Command: CommandSubscribe, Destination: destination, ID: sub.id})
	}
	hooks := slices.Clone(c.hooks)
	c.mu.Unlock()

	for _, f := range frames {
		if err := c.write(conn, f); err != nil {
			c.logger.Warn("resubscribe failed", "destination", f.Destination, "error", err)
		}
	}

	return hooks
}

func (c *Channel) detach(conn *websocket.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == conn {
		c.conn = nil
	}
}

func (c *Channel) runReader(conn *websocket.Conn) error {
	liveness := c.heartbeat * 5 / 2
	_ = conn.SetReadDeadline(time.Now().Add(liveness))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(liveness))
	})

	for {
		var frame Frame
		if err := conn.ReadJSON(&frame); err != nil {
			var syntaxErr *json.SyntaxError
			if errors.As(err, &syntaxErr) {
				c.logger.Warn("drop malformed frame", "error", err)

				continue
			}

			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(liveness))

		switch frame.Command {
		case CommandMessage:
			c.mu.Lock()
			sub, ok := c.subs[frame.Destination]
			c.mu.Unlock()
			if !ok {
				c.logger.Debug("message for unknown destination", "destination", frame.Destination)

				continue
			}
			sub.handler(frame.Body)
		case CommandError:
			c.logger.Warn("server reported error", "destination", frame.Destination, "body", string(frame.Body))
		default:
			c.logger.Debug("ignore frame", "command", frame.Command)
		}
	}
}

func (c *Channel) runKeepAlive(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				c.logger.Debug("heartbeat write failed", "error", err)
			}
		}
	}
}

func (c *Channel) write(conn *websocket.Conn, f Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))

	return conn.WriteJSON(f)
}

func (c *Channel) publishStatus(state connectors.ConnectionState, err error, attempt int, retryIn time.Duration) {
	status := connectors.ConnectionStatus{
		State:         state,
		TransportName: connectors.TransportMessaging,
		Target:        c.url,
		Attempt:       attempt,
		RetryIn:       retryIn,
		Timestamp:     time.Now(),
	}
	if err != nil {
		status.Err = err.Error()
	}
	c.status.Set(status)
	if c.bus != nil {
		c.bus.Publish(connectors.TopicConnStatus, status)
	}
}

func sleepWithContext(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
