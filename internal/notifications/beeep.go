package notifications

import (
	"log/slog"
	"strings"

	"github.com/gen2brain/beeep"
)

// BeeepSender shows payloads as native desktop notifications.
type BeeepSender struct {
	icon   string
	logger *slog.Logger
	notify func(title, message string, icon any) error
	alert  func(title, message string, icon any) error
}

func NewBeeepSender(appName, icon string, logger *slog.Logger) *BeeepSender {
	if logger == nil {
		logger = slog.Default().With("component", "notifications")
	}
	if appName = strings.TrimSpace(appName); appName != "" {
		beeep.AppName = appName
	}

	return &BeeepSender{icon: icon, logger: logger, notify: beeep.Notify, alert: beeep.Alert}
}

func (s *BeeepSender) Send(payload Payload) {
	if s == nil {
		return
	}
	title := strings.TrimSpace(payload.Title)
	content := strings.TrimSpace(payload.Content)
	if title == "" && content == "" {
		return
	}
	show := s.notify
	if payload.Urgent() && s.alert != nil {
		show = s.alert
	}
	if err := show(title, content, s.icon); err != nil {
		s.logger.Warn("desktop notification failed", "title", title, "error", err)
	}
}

// LogSender writes payloads to the log. It is used when no desktop session is available.
type LogSender struct {
	Logger *slog.Logger
}

func (s LogSender) Send(payload Payload) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("notification", "category", payload.Category, "title", payload.Title, "content", payload.Content)
}
