// Package connectivity tracks whether the remote backend is reachable.
//
// The Monitor holds a single online/offline flag and publishes an Event to
// every subscriber when the flag changes. Repeated signals for the state the
// monitor is already in are ignored, so subscribers see edges only.
//
// The monitor never probes the network itself. Sources (ProbeSource,
// FileSource) classify some external signal and call Set.
package connectivity

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// subscriberBuffer is the per-subscriber event backlog. Events for a
// subscriber whose buffer is full are dropped.
const subscriberBuffer = 16

// Event is a connectivity transition.
type Event struct {
	Online bool
	At     time.Time
}

// Source feeds a Monitor until ctx is cancelled.
type Source interface {
	Run(ctx context.Context) error
}

// Monitor is the process-wide connectivity state.
type Monitor struct {
	mu     sync.Mutex
	online bool
	subs   map[int]chan Event
	nextID int

	logger *zap.Logger
	now    func() time.Time
}

// NewMonitor creates a monitor with the given initial state. A nil logger
// disables logging.
func NewMonitor(initialOnline bool, logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		online: initialOnline,
		subs:   make(map[int]chan Event),
		logger: logger.Named("connectivity"),
		now:    time.Now,
	}
}

// IsOnline reports the current state.
func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Set records a connectivity signal. It reports whether the state changed.
func (m *Monitor) Set(online bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.online == online {
		return false
	}
	m.online = online

	ev := Event{Online: online, At: m.now()}
	m.logger.Info("connectivity changed", zap.Bool("online", online))

	for id, ch := range m.subs {
		select {
		case ch <- ev:
		default:
			m.logger.Warn("dropping connectivity event for slow subscriber",
				zap.Int("subscriber", id), zap.Bool("online", online))
		}
	}
	return true
}

// Subscribe registers a listener. The returned function unsubscribes and
// closes the channel; calling it more than once is safe.
func (m *Monitor) Subscribe() (<-chan Event, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++
	ch := make(chan Event, subscriberBuffer)
	m.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			delete(m.subs, id)
			close(ch)
		})
	}
	return ch, cancel
}

// SubscriberCount returns the number of active subscribers.
func (m *Monitor) SubscriberCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}
