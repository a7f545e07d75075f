package app

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/skobkin/fieldsync/internal/bus"
	"github.com/skobkin/fieldsync/internal/config"
	"github.com/skobkin/fieldsync/internal/connectors"
	"github.com/skobkin/fieldsync/internal/domain"
	"github.com/skobkin/fieldsync/internal/messaging"
	"github.com/skobkin/fieldsync/internal/notifications"
)

func startTestNotificationService(t *testing.T, cfg func() config.AppConfig) (*bus.PubSubBus, *collectingNotificationSender) {
	t.Helper()

	messageBus := newTestMessageBus(t)
	sender := newCollectingNotificationSender()
	names := map[string]string{"12": "Alice"}
	service := NewNotificationService(
		messageBus,
		cfg,
		func(id string) string { return names[id] },
		sender,
		nil,
	)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	service.Start(ctx)

	return messageBus, sender
}

func TestNotificationServiceIncomingMessage(t *testing.T) {
	messageBus, sender := startTestNotificationService(t, config.Default)

	messageBus.Publish(connectors.TopicChatMessage, messaging.IncomingMessage{
		Message: domain.ChatMessage{ID: "m1", SenderID: "12", Content: " Gate is locked "},
	})

	got := sender.waitForCount(t, 1)
	if got[0].Title != "@Alice" {
		t.Fatalf("expected title @Alice, got %q", got[0].Title)
	}
	if got[0].Content != "Gate is locked" {
		t.Fatalf("unexpected content %q", got[0].Content)
	}
}

func TestNotificationServiceSkipsActiveConversation(t *testing.T) {
	messageBus, sender := startTestNotificationService(t, config.Default)

	messageBus.Publish(connectors.TopicChatMessage, messaging.IncomingMessage{
		Message: domain.ChatMessage{ID: "m1", SenderID: "12", Content: "hi"},
		Active:  true,
	})
	sender.assertCount(t, 0)
}

func TestNotificationServiceSyncFailed(t *testing.T) {
	messageBus, sender := startTestNotificationService(t, config.Default)

	messageBus.Publish(connectors.TopicSyncFailed, domain.FailedAction{
		Action:    domain.PendingAction{ID: "a1", Type: domain.ActionJobStateUpdate, RetryCount: 4},
		LastError: "job is closed",
	})

	got := sender.waitForCount(t, 1)
	if got[0].Title != notificationTitleSyncFailed {
		t.Fatalf("unexpected title %q", got[0].Title)
	}
	if want := "job state update dropped after 4 attempts: job is closed"; got[0].Content != want {
		t.Fatalf("expected content %q, got %q", want, got[0].Content)
	}
	if !got[0].Urgent() {
		t.Fatalf("expected sync failure to be urgent, category %q", got[0].Category)
	}
}

func TestNotificationServiceNotableActivityUsesKnownName(t *testing.T) {
	messageBus, sender := startTestNotificationService(t, config.Default)

	messageBus.Publish(connectors.TopicActivityNotable, domain.StatusChange{EntityID: "12", Status: "on_site"})
	messageBus.Publish(connectors.TopicActivityNotable, domain.StatusChange{EntityID: "99", DisplayName: "Bob", Status: "travelling"})

	got := sender.waitForCount(t, 2)
	if got[0].Content != "Alice is now on site" {
		t.Fatalf("unexpected first content %q", got[0].Content)
	}
	if got[1].Content != "Bob is now travelling" {
		t.Fatalf("unexpected second content %q", got[1].Content)
	}
}

func TestNotificationServiceConnectionStatusFilteringAndFormatting(t *testing.T) {
	cfg := config.Default()
	cfg.Notifications.Events.ConnectionStatus = true
	messageBus, sender := startTestNotificationService(t, func() config.AppConfig { return cfg })

	messageBus.Publish(connectors.TopicConnStatus, connectors.ConnectionStatus{
		State:         connectors.ConnectionStateConnecting,
		TransportName: connectors.TransportEventStream,
		Target:        "https://api.example.com/activity/stream",
	})
	messageBus.Publish(connectors.TopicConnStatus, connectors.ConnectionStatus{
		State:         connectors.ConnectionStateConnected,
		TransportName: connectors.TransportEventStream,
		Target:        "https://api.example.com/activity/stream",
	})
	messageBus.Publish(connectors.TopicConnStatus, connectors.ConnectionStatus{
		State:         connectors.ConnectionStateConnected,
		TransportName: connectors.TransportEventStream,
		Target:        "https://api.example.com/activity/stream",
	})

	got := sender.waitForCount(t, 1)
	if got[0].Title != "Activity stream - connected" {
		t.Fatalf("unexpected title %q", got[0].Title)
	}
	if got[0].Content != "https://api.example.com/activity/stream" {
		t.Fatalf("unexpected content %q", got[0].Content)
	}

	messageBus.Publish(connectors.TopicConnStatus, connectors.ConnectionStatus{
		State:         connectors.ConnectionStateFailed,
		TransportName: connectors.TransportMessaging,
		Target:        "wss://api.example.com/ws/chat",
		Err:           "dial timeout",
	})
	got = sender.waitForCount(t, 2)
	if got[1].Title != "Messaging - failed" {
		t.Fatalf("unexpected title %q", got[1].Title)
	}
	if got[1].Content != "wss://api.example.com/ws/chat (error: dial timeout)" {
		t.Fatalf("unexpected content %q", got[1].Content)
	}
	sender.assertCount(t, 2)
}

func TestNotificationServicePerTypeSettings(t *testing.T) {
	var cfgMu sync.Mutex
	cfg := config.Default()
	cfg.Notifications.Events.SyncFailed = false
	messageBus, sender := startTestNotificationService(t, func() config.AppConfig {
		cfgMu.Lock()
		defer cfgMu.Unlock()

		return cfg
	})

	failed := domain.FailedAction{Action: domain.PendingAction{Type: domain.ActionStatusUpdate, RetryCount: 4}}
	messageBus.Publish(connectors.TopicSyncFailed, failed)
	sender.assertCount(t, 0)

	cfgMu.Lock()
	cfg.Notifications.Events.SyncFailed = true
	cfg.Notifications.Enabled = false
	cfgMu.Unlock()
	messageBus.Publish(connectors.TopicSyncFailed, failed)
	sender.assertCount(t, 0)

	cfgMu.Lock()
	cfg.Notifications.Enabled = true
	cfgMu.Unlock()
	messageBus.Publish(connectors.TopicSyncFailed, failed)
	sender.waitForCount(t, 1)
}

func newTestMessageBus(t *testing.T) *bus.PubSubBus {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	messageBus := bus.New(logger)
	t.Cleanup(func() {
		messageBus.Close()
	})

	return messageBus
}

type collectingNotificationSender struct {
	mu            sync.Mutex
	notifications []notifications.Payload
	changes       chan struct{}
}

func newCollectingNotificationSender() *collectingNotificationSender {
	return &collectingNotificationSender{
		changes: make(chan struct{}, 1),
	}
}

func (s *collectingNotificationSender) Send(notification notifications.Payload) {
	s.mu.Lock()
	s.notifications = append(s.notifications, notification)
	s.mu.Unlock()

	select {
	case s.changes <- struct{}{}:
	default:
	}
}

func (s *collectingNotificationSender) snapshot() []notifications.Payload {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]notifications.Payload, len(s.notifications))
	copy(out, s.notifications)

	return out
}

func (s *collectingNotificationSender) waitForCount(t *testing.T, expected int) []notifications.Payload {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		current := s.snapshot()
		if len(current) >= expected {
			return current
		}
		select {
		case <-s.changes:
		case <-time.After(10 * time.Millisecond):
		}
	}

	t.Fatalf("timed out waiting for %d notifications", expected)

	return nil
}

func (s *collectingNotificationSender) assertCount(t *testing.T, expected int) {
	t.Helper()

	time.Sleep(100 * time.Millisecond)
	current := s.snapshot()
	if len(current) != expected {
		t.Fatalf("expected %d notifications, got %d", expected, len(current))
	}
}
