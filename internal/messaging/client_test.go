package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/skobkin/fieldsync/internal/bus"
	"github.com/skobkin/fieldsync/internal/connectors"
	"github.com/skobkin/fieldsync/internal/domain"
	"github.com/skobkin/fieldsync/internal/duplex"
	"github.com/skobkin/fieldsync/internal/logging"
)

type published struct {
	destination string
	body        any
}

type fakeChannel struct {
	mu        sync.Mutex
	connected bool
	handlers  map[string]duplex.Handler
	published []published
	hooks     []func(context.Context)
}

func newFakeChannel(connected bool) *fakeChannel {
	return &fakeChannel{connected: connected, handlers: make(map[string]duplex.Handler)}
}

func (f *fakeChannel) Subscribe(destination string, h duplex.Handler) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[destination] = h

	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.handlers, destination)
	}
}

func (f *fakeChannel) Publish(destination string, body any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return duplex.ErrNotConnected
	}
	f.published = append(f.published, published{destination: destination, body: body})

	return nil
}

func (f *fakeChannel) OnConnect(fn func(context.Context)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hooks = append(f.hooks, fn)
}

func (f *fakeChannel) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.connected
}

func (f *fakeChannel) deliver(t *testing.T, destination string, v any) {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	f.mu.Lock()
	h, ok := f.handlers[destination]
	f.mu.Unlock()
	if !ok {
		t.Fatalf("no handler for %s", destination)
	}
	h(raw)
}

func (f *fakeChannel) connect() {
	f.mu.Lock()
	f.connected = true
	hooks := slices.Clone(f.hooks)
	f.mu.Unlock()
	for _, h := range hooks {
		h(context.Background())
	}
}

func (f *fakeChannel) sent() []published {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]published(nil), f.published...)
}

type fakeAPI struct {
	mu            sync.Mutex
	conversations []domain.ChatConversation
	unread        int
	pages         map[int][]domain.ChatMessage
	sent          []domain.ChatMessage
	markedRead    []string
	refreshes     int
	sendErr       error
}

func (a *fakeAPI) Conversations(context.Context) ([]domain.ChatConversation, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.refreshes++

	return a.conversations, nil
}

func (a *fakeAPI) UnreadCount(context.Context) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.unread, nil
}

func (a *fakeAPI) Messages(_ context.Context, _ string, _, offset int) ([]domain.ChatMessage, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.pages[offset], nil
}

func (a *fakeAPI) SendMessage(_ context.Context, msg domain.ChatMessage) (domain.ChatMessage, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sendErr != nil {
		return domain.ChatMessage{}, a.sendErr
	}
	a.sent = append(a.sent, msg)
	msg.ID = "srv-1"
	msg.Status = domain.MessageStatusDelivered

	return msg, nil
}

func (a *fakeAPI) MarkConversationRead(_ context.Context, id string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.markedRead = append(a.markedRead, id)

	return nil
}

var (
	dispatcher = domain.Participant{ID: "7", Type: domain.ParticipantDispatcher}
	surveyor   = domain.Participant{ID: "12", Type: domain.ParticipantSurveyor}
	convID     = "surveyor_12_dispatcher_7"
)

func newTestClient(ch *fakeChannel, api *fakeAPI, b bus.MessageBus) *Client {
	c := NewClient(Config{
		Self:          dispatcher,
		API:           api,
		Channel:       ch,
		Bus:           b,
		TypingTimeout: 30 * time.Millisecond,
		Logger:        logging.Discard(),
		Now:           func() time.Time { return time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC) },
	})
	c.Start()

	return c
}

func incoming(id string, at time.Time) domain.ChatMessage {
	return domain.ChatMessage{
		ID:             id,
		ConversationID: convID,
		SenderID:       surveyor.ID,
		SenderType:     surveyor.Type,
		RecipientID:    dispatcher.ID,
		RecipientType:  dispatcher.Type,
		Content:        "msg " + id,
		SentAt:         at,
		Status:         domain.MessageStatusSent,
	}
}

func TestClient_RefreshOnEveryConnect(t *testing.T) {
	ch := newFakeChannel(false)
	api := &fakeAPI{conversations: []domain.ChatConversation{{ConversationID: convID, UnreadCount: 2}}, unread: 2}
	c := newTestClient(ch, api, nil)

	ch.connect()
	ch.connect()

	if api.refreshes != 2 {
		t.Fatalf("expected refresh per connect, got %d", api.refreshes)
	}
	state := c.State().Get()
	if state.UnreadCount != 2 || len(state.Conversations) != 1 {
		t.Fatalf("unexpected state after refresh: %+v", state)
	}
}

func TestClient_IncomingMessagesDedupeAndCountUnread(t *testing.T) {
	ch := newFakeChannel(true)
	b := bus.New(logging.Discard())
	defer b.Close()
	sub := b.Subscribe(connectors.TopicChatMessage)
	c := newTestClient(ch, &fakeAPI{}, b)

	base := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	ch.deliver(t, "/user/7/queue/messages", incoming("m1", base))
	ch.deliver(t, "/user/7/queue/messages", incoming("m1", base))
	ch.deliver(t, "/user/7/queue/messages", incoming("m2", base.Add(time.Minute)))

	msgs := c.Store().Messages(convID)
	if len(msgs) != 2 {
		t.Fatalf("expected dedup to keep 2 messages, got %d", len(msgs))
	}
	if msgs[0].ID != "m2" {
		t.Fatalf("expected newest first, got %s", msgs[0].ID)
	}
	if got := c.State().Get().UnreadCount; got != 2 {
		t.Fatalf("expected unread 2 for inactive conversation, got %d", got)
	}

	select {
	case raw := <-sub:
		in, ok := raw.(IncomingMessage)
		if !ok || in.Message.ID != "m1" || in.Active {
			t.Fatalf("unexpected bus payload %#v", raw)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected chat message on bus")
	}
}

func TestClient_ActiveConversationDoesNotCountUnread(t *testing.T) {
	ch := newFakeChannel(true)
	c := newTestClient(ch, &fakeAPI{}, nil)
	c.SetActive(convID)

	ch.deliver(t, "/user/7/queue/messages", incoming("m1", time.Now()))
	if got := c.State().Get().UnreadCount; got != 0 {
		t.Fatalf("expected no unread for active conversation, got %d", got)
	}

	mine := incoming("m2", time.Now())
	mine.SenderID, mine.SenderType = dispatcher.ID, dispatcher.Type
	mine.RecipientID, mine.RecipientType = surveyor.ID, surveyor.Type
	mine.ConversationID = "surveyor_99_dispatcher_7"
	ch.deliver(t, "/user/7/queue/messages", mine)
	if got := c.State().Get().UnreadCount; got != 0 {
		t.Fatalf("messages addressed to others must not count as unread, got %d", got)
	}
}

func TestClient_SendUsesChannelThenFallsBackToAPI(t *testing.T) {
	ch := newFakeChannel(true)
	api := &fakeAPI{}
	c := newTestClient(ch, api, nil)
	c.SetActive(convID)

	msg, err := c.Send(context.Background(), " hello ")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if msg.Status != domain.MessageStatusSent || msg.RecipientID != "12" || msg.Content != "hello" {
		t.Fatalf("unexpected message: %+v", msg)
	}
	if sent := ch.sent(); len(sent) != 1 || sent[0].destination != "/app/chat.send" {
		t.Fatalf("expected one channel publish, got %+v", sent)
	}

	ch.mu.Lock()
	ch.connected = false
	ch.mu.Unlock()
	msg, err = c.Send(context.Background(), "offline")
	if err != nil {
		t.Fatalf("fallback send: %v", err)
	}
	if msg.ID != "srv-1" || msg.Status != domain.MessageStatusDelivered {
		t.Fatalf("expected server copy, got %+v", msg)
	}
	if len(api.sent) != 1 {
		t.Fatalf("expected API fallback, got %d calls", len(api.sent))
	}
	if n := len(c.Store().Messages(convID)); n != 2 {
		t.Fatalf("expected local copy replaced by server copy, got %d messages", n)
	}
}

func TestClient_SendFailureMarksMessageFailed(t *testing.T) {
	ch := newFakeChannel(false)
	api := &fakeAPI{sendErr: errors.New("boom")}
	c := newTestClient(ch, api, nil)
	c.SetActive(convID)

	if _, err := c.Send(context.Background(), "hi"); err == nil {
		t.Fatalf("expected send error")
	}
	msgs := c.Store().Messages(convID)
	if len(msgs) != 1 || msgs[0].Status != domain.MessageStatusFailed {
		t.Fatalf("expected one failed message, got %+v", msgs)
	}

	if _, err := newTestClient(ch, api, nil).Send(context.Background(), "x"); !errors.Is(err, ErrNoActiveConversation) {
		t.Fatalf("expected ErrNoActiveConversation, got %v", err)
	}
}

func TestClient_TypingAutoClears(t *testing.T) {
	ch := newFakeChannel(true)
	c := newTestClient(ch, &fakeAPI{}, nil)
	c.SetActive(convID)

	ch.deliver(t, "/user/7/queue/typing", domain.TypingIndicator{ConversationID: "surveyor_99_dispatcher_7", SenderID: "99", Typing: true})
	if c.Typing() {
		t.Fatalf("indicator for another conversation must be ignored")
	}

	ch.deliver(t, "/user/7/queue/typing", domain.TypingIndicator{ConversationID: convID, SenderID: "12", Typing: true})
	if !c.State().Get().Typing {
		t.Fatalf("expected typing flag")
	}
	deadline := time.Now().Add(time.Second)
	for c.State().Get().Typing && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if c.Typing() || c.State().Get().Typing {
		t.Fatalf("expected typing flag to clear")
	}
}

func TestClient_MarkReadUsesReceiptOrFallback(t *testing.T) {
	ch := newFakeChannel(true)
	api := &fakeAPI{}
	c := newTestClient(ch, api, nil)
	ch.deliver(t, "/user/7/queue/messages", incoming("m1", time.Now()))

	if err := c.MarkRead(context.Background(), convID); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if got := c.State().Get().UnreadCount; got != 0 {
		t.Fatalf("expected unread cleared, got %d", got)
	}
	sent := ch.sent()
	if len(sent) != 1 || sent[0].destination != "/app/chat.read" {
		t.Fatalf("expected read receipt on channel, got %+v", sent)
	}
	if len(api.markedRead) != 0 {
		t.Fatalf("expected no API call while connected")
	}

	ch.mu.Lock()
	ch.connected = false
	ch.mu.Unlock()
	if err := c.MarkRead(context.Background(), convID); err != nil {
		t.Fatalf("mark read fallback: %v", err)
	}
	if len(api.markedRead) != 1 || api.markedRead[0] != convID {
		t.Fatalf("expected API fallback, got %v", api.markedRead)
	}
}

func TestClient_MarkReadFlipsMessagesAddressedToMe(t *testing.T) {
	ch := newFakeChannel(true)
	c := newTestClient(ch, &fakeAPI{}, nil)
	ch.deliver(t, "/user/7/queue/messages", incoming("m1", time.Now()))

	mine := incoming("m2", time.Now())
	mine.SenderID, mine.SenderType = dispatcher.ID, dispatcher.Type
	mine.RecipientID, mine.RecipientType = surveyor.ID, surveyor.Type
	ch.deliver(t, "/user/7/queue/messages", mine)

	if err := c.MarkRead(context.Background(), convID); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	for _, m := range c.Store().Messages(convID) {
		switch m.ID {
		case "m1":
			if m.Status != domain.MessageStatusRead || m.ReadAt == nil {
				t.Fatalf("expected incoming message read, got %+v", m)
			}
		case "m2":
			if m.Status == domain.MessageStatusRead {
				t.Fatalf("own message must stay unread until the counterpart reads it: %+v", m)
			}
		}
	}
}

func TestClient_StaleTypingTimerKeepsFreshIndicator(t *testing.T) {
	ch := newFakeChannel(true)
	c := NewClient(Config{
		Self:          dispatcher,
		API:           &fakeAPI{},
		Channel:       ch,
		TypingTimeout: time.Hour,
		Logger:        logging.Discard(),
	})
	c.Start()
	defer c.Close()
	c.SetActive(convID)

	indicator := domain.TypingIndicator{ConversationID: convID, SenderID: "12", Typing: true}
	ch.deliver(t, "/user/7/queue/typing", indicator)
	c.mu.Lock()
	stale := c.typingGen
	c.mu.Unlock()
	ch.deliver(t, "/user/7/queue/typing", indicator)

	// the first timer fired after the second indicator re-armed it
	c.expireTyping(stale)
	if !c.Typing() || !c.State().Get().Typing {
		t.Fatalf("fresh indicator cleared by an expired timer")
	}

	c.mu.Lock()
	current := c.typingGen
	c.mu.Unlock()
	c.expireTyping(current)
	if c.Typing() || c.State().Get().Typing {
		t.Fatalf("expected current timer to clear the indicator")
	}
}

func TestClient_ReadReceiptUpdatesMyMessages(t *testing.T) {
	ch := newFakeChannel(true)
	c := newTestClient(ch, &fakeAPI{}, nil)
	c.SetActive(convID)
	if _, err := c.Send(context.Background(), "are you there"); err != nil {
		t.Fatalf("send: %v", err)
	}

	ch.deliver(t, "/user/7/queue/read-receipts", domain.ReadReceipt{ConversationID: convID, ReaderID: "12", ReaderType: domain.ParticipantSurveyor})
	msgs := c.State().Get().Messages
	if len(msgs) != 1 || msgs[0].Status != domain.MessageStatusRead || msgs[0].ReadAt == nil {
		t.Fatalf("expected message read, got %+v", msgs)
	}
}

func TestClient_LoadHistoryMergesPages(t *testing.T) {
	base := time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)
	api := &fakeAPI{pages: map[int][]domain.ChatMessage{
		0: {incoming("m3", base.Add(3*time.Minute)), incoming("m2", base.Add(2*time.Minute))},
		2: {incoming("m2", base.Add(2*time.Minute)), incoming("m1", base.Add(time.Minute))},
	}}
	c := newTestClient(newFakeChannel(true), api, nil)

	id, err := c.Open(context.Background(), surveyor)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if id != convID {
		t.Fatalf("unexpected conversation id %q", id)
	}
	added, err := c.LoadHistory(context.Background(), 2, 2)
	if err != nil {
		t.Fatalf("load history: %v", err)
	}
	if added != 1 {
		t.Fatalf("expected one new message from second page, got %d", added)
	}
	msgs := c.State().Get().Messages
	if len(msgs) != 3 || msgs[0].ID != "m3" || msgs[2].ID != "m1" {
		t.Fatalf("unexpected history order: %+v", msgs)
	}
}
