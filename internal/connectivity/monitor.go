// Package connectivity provides network-status providers for components that react
// to the device going offline and back online.
package connectivity

import (
	"sync"
	"time"

	"github.com/skobkin/fieldsync/internal/bus"
	"github.com/skobkin/fieldsync/internal/connectors"
)

// Monitor reports network reachability. Subscribe delivers the current value first,
// then every transition, until unsubscribe is called.
type Monitor interface {
	Online() bool
	Subscribe(fn func(online bool)) (unsubscribe func())
}

// Manual is a Monitor whose state is set by the caller.
type Manual struct {
	mu    sync.Mutex
	state *bus.Value[bool]
}

func NewManual(online bool) *Manual {
	return &Manual{state: bus.NewValue(online)}
}

func (m *Manual) Online() bool {
	return m.state.Get()
}

// Set changes the state. Listeners are only called on an actual transition.
func (m *Manual) Set(online bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state.Get() == online {
		return
	}
	m.state.Set(online)
}

func (m *Manual) Subscribe(fn func(online bool)) func() {
	return m.state.Subscribe(fn)
}

// Publish mirrors every transition of m onto the bus as connectors.NetworkStatus.
func Publish(m Monitor, b bus.MessageBus) (stop func()) {
	first := true

	return m.Subscribe(func(online bool) {
		if first {
			first = false

			return
		}
		b.Publish(connectors.TopicNetworkStatus, connectors.NetworkStatus{Online: online, Timestamp: time.Now()})
	})
}
