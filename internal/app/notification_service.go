package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/skobkin/fieldsync/internal/bus"
	"github.com/skobkin/fieldsync/internal/config"
	"github.com/skobkin/fieldsync/internal/connectors"
	"github.com/skobkin/fieldsync/internal/domain"
	"github.com/skobkin/fieldsync/internal/messaging"
	"github.com/skobkin/fieldsync/internal/notifications"
)

const (
	notificationTitleSyncFailed = "Sync failed"
	notificationTitleActivity   = "Status change"
)

// NotificationService listens to bus events and emits user-facing notifications.
type NotificationService struct {
	bus           bus.MessageBus
	currentConfig func() config.AppConfig
	displayName   func(id string) string
	sender        notifications.Sender
	logger        *slog.Logger

	connStatusMu  sync.Mutex
	lastConnState map[string]connectors.ConnectionState
}

func NewNotificationService(
	messageBus bus.MessageBus,
	currentConfig func() config.AppConfig,
	displayName func(id string) string,
	sender notifications.Sender,
	logger *slog.Logger,
) *NotificationService {
	if logger == nil {
		logger = slog.Default().With("component", "app.notifications")
	}

	return &NotificationService{
		bus:           messageBus,
		currentConfig: currentConfig,
		displayName:   displayName,
		sender:        sender,
		logger:        logger,
		lastConnState: make(map[string]connectors.ConnectionState),
	}
}

func (s *NotificationService) Start(ctx context.Context) {
	if s == nil || s.bus == nil || s.sender == nil {
		return
	}

	bus.Listen(ctx, s.bus, connectors.TopicChatMessage, s.handleIncomingMessage)
	bus.Listen(ctx, s.bus, connectors.TopicActivityNotable, s.handleNotableActivity)
	bus.Listen(ctx, s.bus, connectors.TopicSyncFailed, s.handleSyncFailed)
	bus.Listen(ctx, s.bus, connectors.TopicConnStatus, s.handleConnectionStatus)
}

func (s *NotificationService) handleIncomingMessage(in messaging.IncomingMessage) {
	prefs := s.notificationPrefs()
	if in.Active || !prefs.Enabled || !prefs.Events.IncomingMessage {
		return
	}

	msg := in.Message
	senderName := s.name(msg.SenderID)
	if senderName == "" {
		senderName = "unknown"
	}
	body := strings.TrimSpace(msg.Content)
	if body == "" {
		body = "(empty)"
	}

	s.send(notifications.Payload{
		Title:    "@" + senderName,
		Content:  body,
		Category: notifications.CategoryMessage,
	})
}

func (s *NotificationService) handleNotableActivity(change domain.StatusChange) {
	prefs := s.notificationPrefs()
	if !prefs.Enabled || !prefs.Events.NotableActivity {
		return
	}

	who := strings.TrimSpace(change.DisplayName)
	if who == "" {
		who = s.name(change.EntityID)
	}
	if who == "" {
		who = change.EntityID
	}
	status := strings.TrimSpace(change.Status)
	if status == "" {
		return
	}

	s.send(notifications.Payload{
		Title:    notificationTitleActivity,
		Content:  fmt.Sprintf("%s is now %s", who, strings.ReplaceAll(status, "_", " ")),
		Category: notifications.CategoryActivity,
	})
}

func (s *NotificationService) handleSyncFailed(failed domain.FailedAction) {
	prefs := s.notificationPrefs()
	if !prefs.Enabled || !prefs.Events.SyncFailed {
		return
	}

	content := fmt.Sprintf("%s dropped after %d attempts", strings.ReplaceAll(string(failed.Action.Type), "_", " "), failed.Action.RetryCount)
	if reason := strings.TrimSpace(failed.LastError); reason != "" {
		content = fmt.Sprintf("%s: %s", content, reason)
	}
	s.send(notifications.Payload{
		Title:    notificationTitleSyncFailed,
		Content:  content,
		Category: notifications.CategorySync,
	})
}

func (s *NotificationService) handleConnectionStatus(status connectors.ConnectionStatus) {
	prefs := s.notificationPrefs()
	if status.State == "" {
		return
	}

	s.connStatusMu.Lock()
	last, seen := s.lastConnState[status.TransportName]
	if seen && last == status.State {
		s.connStatusMu.Unlock()

		return
	}
	s.lastConnState[status.TransportName] = status.State
	s.connStatusMu.Unlock()

	switch status.State {
	case connectors.ConnectionStateConnected, connectors.ConnectionStateDisconnected, connectors.ConnectionStateFailed:
	default:
		return
	}
	if !prefs.Enabled || !prefs.Events.ConnectionStatus {
		return
	}

	label := TransportLabel(status.TransportName)
	if label == "" {
		label = "Unknown"
	}
	details := strings.TrimSpace(status.Target)
	if details == "" {
		details = "No connection details"
	}
	if status.State != connectors.ConnectionStateConnected {
		if errText := strings.TrimSpace(status.Err); errText != "" {
			details = fmt.Sprintf("%s (error: %s)", details, errText)
		}
	}

	s.send(notifications.Payload{
		Title:    fmt.Sprintf("%s - %s", label, status.State),
		Content:  details,
		Category: notifications.CategoryConnection,
	})
}

func (s *NotificationService) notificationPrefs() config.NotificationConfig {
	cfg := config.Default()
	if s.currentConfig != nil {
		cfg = s.currentConfig()
	}

	return cfg.Notifications
}

func (s *NotificationService) name(id string) string {
	if s.displayName == nil || strings.TrimSpace(id) == "" {
		return ""
	}

	return strings.TrimSpace(s.displayName(id))
}

func (s *NotificationService) send(notification notifications.Payload) {
	title := strings.TrimSpace(notification.Title)
	content := strings.TrimSpace(notification.Content)
	if title == "" && content == "" {
		return
	}
	s.logger.Debug("sending notification", "category", notification.Category, "title", title)
	s.sender.Send(notifications.Payload{
		Title:    title,
		Content:  content,
		Category: notification.Category,
	})
}
