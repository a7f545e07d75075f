package app

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/skobkin/fieldsync/internal/bus"
	"github.com/skobkin/fieldsync/internal/connectors"
)

// StatusBoard keeps the last known status of every streaming transport.
type StatusBoard struct {
	mu       sync.RWMutex
	statuses map[string]connectors.ConnectionStatus
	online   bool
	known    bool
}

func NewStatusBoard() *StatusBoard {
	return &StatusBoard{statuses: make(map[string]connectors.ConnectionStatus)}
}

// Start follows connection and network status events on b until ctx is done.
func (s *StatusBoard) Start(ctx context.Context, b bus.MessageBus) {
	bus.Listen(ctx, b, connectors.TopicConnStatus, s.Set)
	bus.Listen(ctx, b, connectors.TopicNetworkStatus, func(n connectors.NetworkStatus) {
		s.mu.Lock()
		s.online = n.Online
		s.known = true
		s.mu.Unlock()
	})
}

func (s *StatusBoard) Set(status connectors.ConnectionStatus) {
	name := strings.TrimSpace(status.TransportName)
	if name == "" {
		return
	}
	s.mu.Lock()
	s.statuses[name] = status
	s.mu.Unlock()
}

func (s *StatusBoard) Get(transportName string) (connectors.ConnectionStatus, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	status, ok := s.statuses[transportName]

	return status, ok
}

// Online reports the last network status, and whether one was ever seen.
func (s *StatusBoard) Online() (online, known bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.online, s.known
}

// All returns every known transport status ordered by transport name.
func (s *StatusBoard) All() []connectors.ConnectionStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]connectors.ConnectionStatus, 0, len(s.statuses))
	for _, st := range s.statuses {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TransportName < out[j].TransportName })

	return out
}

// TransportLabel is the human-readable name of a streaming transport.
func TransportLabel(name string) string {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case connectors.TransportEventStream:
		return "Activity stream"
	case connectors.TransportMessaging:
		return "Messaging"
	default:
		return strings.TrimSpace(name)
	}
}
