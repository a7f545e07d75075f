package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/skobkin/fieldsync/internal/bus"
	"github.com/skobkin/fieldsync/internal/connectors"
	"github.com/skobkin/fieldsync/internal/domain"
	"github.com/skobkin/fieldsync/internal/duplex"
)

const (
	DefaultTypingTimeout = 3 * time.Second
	DefaultPageSize      = 50

	destSend = "/app/chat.send"
	destType = "/app/chat.typing"
	destRead = "/app/chat.read"
)

var ErrNoActiveConversation = errors.New("no active conversation")

// API is the request/response side of messaging, used for listing and as the
// fallback while the duplex channel is down.
type API interface {
	Conversations(ctx context.Context) ([]domain.ChatConversation, error)
	UnreadCount(ctx context.Context) (int, error)
	Messages(ctx context.Context, conversationID string, limit, offset int) ([]domain.ChatMessage, error)
	SendMessage(ctx context.Context, msg domain.ChatMessage) (domain.ChatMessage, error)
	MarkConversationRead(ctx context.Context, conversationID string) error
}

// Channel is the duplex connection the client rides on.
type Channel interface {
	Subscribe(destination string, h duplex.Handler) (unsubscribe func())
	Publish(destination string, body any) error
	OnConnect(fn func(ctx context.Context))
	Connected() bool
}

// State is the snapshot published after every change.
type State struct {
	Conversations        []domain.ChatConversation
	ActiveConversationID string
	// Messages of the active conversation, newest first.
	Messages    []domain.ChatMessage
	UnreadCount int
	Typing      bool
}

// IncomingMessage is published on the bus for every new message from someone else.
type IncomingMessage struct {
	Message domain.ChatMessage
	Active  bool
}

type Config struct {
	Self          domain.Participant
	API           API
	Channel       Channel
	Bus           bus.MessageBus
	TypingTimeout time.Duration
	Logger        *slog.Logger
	Now           func() time.Time
}

type Client struct {
	self          domain.Participant
	api           API
	channel       Channel
	bus           bus.MessageBus
	store         *Store
	typingTimeout time.Duration
	logger        *slog.Logger
	now           func() time.Time
	state         *bus.Value[State]

	mu          sync.Mutex
	typing      bool
	typingGen   uint64
	typingTimer *time.Timer
	unsubs      []func()
}

func NewClient(cfg Config) *Client {
	c := &Client{
		self:          cfg.Self,
		api:           cfg.API,
		channel:       cfg.Channel,
		bus:           cfg.Bus,
		store:         NewStore(cfg.Self),
		typingTimeout: cfg.TypingTimeout,
		logger:        cfg.Logger,
		now:           cfg.Now,
		state:         bus.NewValue(State{}),
	}
	if c.typingTimeout <= 0 {
		c.typingTimeout = DefaultTypingTimeout
	}
	if c.logger == nil {
		c.logger = slog.Default().With("component", "messaging")
	}
	if c.now == nil {
		c.now = time.Now
	}

	return c
}

func (c *Client) Store() *Store {
	return c.store
}

func (c *Client) State() *bus.Value[State] {
	return c.state
}

func (c *Client) queue(name string) string {
	return "/user/" + c.self.ID + "/queue/" + name
}

// Start subscribes to the personal queues and refreshes the conversation list on
// every (re)connect of the channel.
func (c *Client) Start() {
	c.mu.Lock()
	c.unsubs = append(c.unsubs,
		c.channel.Subscribe(c.queue("messages"), c.handleMessage),
		c.channel.Subscribe(c.queue("typing"), c.handleTyping),
		c.channel.Subscribe(c.queue("read-receipts"), c.handleReadReceipt),
	)
	c.mu.Unlock()

	c.channel.OnConnect(func(ctx context.Context) {
		if err := c.Refresh(ctx); err != nil {
			c.logger.Warn("refresh after connect failed", "error", err)
		}
	})
}

// Close drops subscriptions and pending timers.
func (c *Client) Close() {
	c.mu.Lock()
	unsubs := c.unsubs
	c.unsubs = nil
	if c.typingTimer != nil {
		c.typingTimer.Stop()
		c.typingTimer = nil
	}
	c.mu.Unlock()

	for _, fn := range unsubs {
		fn()
	}
}

// Refresh reloads conversations and the total unread count.
func (c *Client) Refresh(ctx context.Context) error {
	conversations, err := c.api.Conversations(ctx)
	if err != nil {
		return err
	}
	c.store.LoadConversations(conversations)

	unread, err := c.api.UnreadCount(ctx)
	if err != nil {
		c.publishState()

		return err
	}
	c.store.SetUnread(unread)
	c.publishState()

	return nil
}

// Open makes the conversation with other active, loads its first page and marks it read.
func (c *Client) Open(ctx context.Context, other domain.Participant) (string, error) {
	id, err := domain.ConversationID(c.self, other)
	if err != nil {
		return "", err
	}
	c.SetActive(id)
	if _, err := c.LoadHistory(ctx, DefaultPageSize, 0); err != nil {
		return id, err
	}
	if err := c.MarkRead(ctx, id); err != nil {
		return id, err
	}

	return id, nil
}

// SetActive switches the displayed conversation. The typing flag belongs to the
// previous conversation and is cleared.
func (c *Client) SetActive(conversationID string) {
	c.store.SetActive(conversationID)
	c.clearTyping()
	c.publishState()
}

// LoadHistory fetches one page of the active conversation and merges it.
func (c *Client) LoadHistory(ctx context.Context, limit, offset int) (int, error) {
	active := c.store.Active()
	if active == "" {
		return 0, ErrNoActiveConversation
	}
	if limit <= 0 {
		limit = DefaultPageSize
	}
	page, err := c.api.Messages(ctx, active, limit, max(0, offset))
	if err != nil {
		return 0, err
	}
	added := c.store.MergeHistory(active, page)
	c.publishState()

	return added, nil
}

// Send delivers content to the counterpart of the active conversation. It goes over the
// channel when connected and falls back to the request/response API otherwise.
func (c *Client) Send(ctx context.Context, content string) (domain.ChatMessage, error) {
	active := c.store.Active()
	if active == "" {
		return domain.ChatMessage{}, ErrNoActiveConversation
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return domain.ChatMessage{}, errors.New("message content is empty")
	}
	other, ok := domain.Counterpart(active, c.self)
	if !ok {
		return domain.ChatMessage{}, fmt.Errorf("cannot resolve counterpart of %q", active)
	}

	msg := domain.ChatMessage{
		ID:             uuid.NewString(),
		ConversationID: active,
		SenderID:       c.self.ID,
		SenderType:     c.self.Type,
		RecipientID:    other.ID,
		RecipientType:  other.Type,
		Content:        content,
		SentAt:         c.now(),
		Status:         domain.MessageStatusSending,
	}
	c.store.AddMessage(msg)
	c.publishState()
	localID := msg.ID

	if c.channel.Connected() {
		err := c.channel.Publish(destSend, msg)
		if err == nil {
			msg.Status = domain.MessageStatusSent
			c.store.UpdateMessage(localID, msg)
			c.publishState()

			return msg, nil
		}
		if !errors.Is(err, duplex.ErrNotConnected) {
			return c.failSend(localID, msg, err)
		}
	}

	sent, err := c.api.SendMessage(ctx, msg)
	if err != nil {
		return c.failSend(localID, msg, err)
	}
	if sent.Status == "" || sent.Status == domain.MessageStatusSending {
		sent.Status = domain.MessageStatusSent
	}
	c.store.UpdateMessage(localID, sent)
	c.publishState()

	return sent, nil
}

func (c *Client) failSend(localID string, msg domain.ChatMessage, err error) (domain.ChatMessage, error) {
	msg.Status = domain.MessageStatusFailed
	c.store.UpdateMessage(localID, msg)
	c.publishState()

	return msg, fmt.Errorf("send message: %w", err)
}

// SendTyping notifies the counterpart. It is dropped silently while disconnected.
func (c *Client) SendTyping(typing bool) {
	active := c.store.Active()
	if active == "" || !c.channel.Connected() {
		return
	}
	indicator := domain.TypingIndicator{ConversationID: active, SenderID: c.self.ID, SenderType: c.self.Type, Typing: typing}
	if err := c.channel.Publish(destType, indicator); err != nil {
		c.logger.Debug("typing indicator dropped", "error", err)
	}
}

// MarkRead clears unread state, flips messages addressed to self to read and tells the
// server, over the channel when connected and through the API otherwise.
func (c *Client) MarkRead(ctx context.Context, conversationID string) error {
	receipt := domain.ReadReceipt{ConversationID: conversationID, ReaderID: c.self.ID, ReaderType: c.self.Type, ReadAt: c.now()}
	c.store.MarkRead(conversationID)
	c.store.ApplyReadReceipt(receipt, receipt.ReadAt)
	c.publishState()

	if c.channel.Connected() {
		if err := c.channel.Publish(destRead, receipt); err == nil {
			return nil
		}
	}

	return c.api.MarkConversationRead(ctx, conversationID)
}

func (c *Client) handleMessage(body json.RawMessage) {
	var msg domain.ChatMessage
	if err := json.Unmarshal(body, &msg); err != nil || msg.ConversationID == "" {
		c.logger.Warn("drop malformed chat message", "error", err)

		return
	}
	if msg.SentAt.IsZero() {
		msg.SentAt = c.now()
	}
	if !c.store.AddMessage(msg) {
		c.publishState()

		return
	}
	fromOther := msg.SenderID != c.self.ID || msg.SenderType != c.self.Type
	active := msg.ConversationID == c.store.Active()
	if fromOther && active {
		c.clearTyping()
	}
	c.publishState()

	if fromOther && c.bus != nil {
		c.bus.Publish(connectors.TopicChatMessage, IncomingMessage{Message: msg, Active: active})
	}
}

func (c *Client) handleTyping(body json.RawMessage) {
	var ind domain.TypingIndicator
	if err := json.Unmarshal(body, &ind); err != nil {
		c.logger.Warn("drop malformed typing indicator", "error", err)

		return
	}
	if ind.ConversationID != c.store.Active() || ind.SenderID == c.self.ID {
		return
	}
	if !ind.Typing {
		c.clearTyping()
		c.publishState()

		return
	}

	c.mu.Lock()
	c.typing = true
	c.typingGen++
	gen := c.typingGen
	if c.typingTimer != nil {
		c.typingTimer.Stop()
	}
	c.typingTimer = time.AfterFunc(c.typingTimeout, func() {
		c.expireTyping(gen)
	})
	c.mu.Unlock()
	c.publishState()
}

// expireTyping clears the indicator only when no newer one arrived since gen was armed.
func (c *Client) expireTyping(gen uint64) {
	c.mu.Lock()
	if gen != c.typingGen {
		c.mu.Unlock()

		return
	}
	c.typing = false
	c.typingTimer = nil
	c.mu.Unlock()
	c.publishState()
}

func (c *Client) handleReadReceipt(body json.RawMessage) {
	var r domain.ReadReceipt
	if err := json.Unmarshal(body, &r); err != nil || r.ConversationID == "" {
		c.logger.Warn("drop malformed read receipt", "error", err)

		return
	}
	if c.store.ApplyReadReceipt(r, c.now()) > 0 {
		c.publishState()
	}
}

func (c *Client) clearTyping() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.typing = false
	c.typingGen++
	if c.typingTimer != nil {
		c.typingTimer.Stop()
		c.typingTimer = nil
	}
}

func (c *Client) Typing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.typing
}

func (c *Client) publishState() {
	active := c.store.Active()
	c.state.Set(State{
		Conversations:        c.store.Conversations(),
		ActiveConversationID: active,
		Messages:             c.store.Messages(active),
		UnreadCount:          c.store.Unread(),
		Typing:               c.Typing(),
	})
}
