package session

import (
	"sync"
	"time"

	"github.com/resonate-labs/cohered/internal/model"
)

type EventType string

const (
	EventSessionCreated EventType = "session_created"
	EventMetricsUpdated EventType = "metrics_updated"
	EventPhaseChanged   EventType = "phase_changed"
)

// Event is what the transport adapter observes: every join/leave/update
// produces a metrics event, and each lifecycle boundary a phase event.
type Event struct {
	Type             EventType
	SessionID        string
	Phase            model.SessionPhase
	ParticipantCount int
	Metrics          *model.GroupMetrics
	At               time.Time
}

const subscriberBuffer = 64

type hub struct {
	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

func newHub() *hub {
	return &hub{subs: map[int]chan Event{}}
}

// Subscribe registers a listener for manager events. The returned cancel
// closes the channel and must be called exactly once. A subscriber that falls
// behind loses events rather than blocking session mutations.
func (m *Manager) Subscribe() (<-chan Event, func()) {
	h := m.hub
	h.mu.Lock()
	id := h.next
	h.next++
	ch := make(chan Event, subscriberBuffer)
	h.subs[id] = ch
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		if sub, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(sub)
		}
		h.mu.Unlock()
	}
	return ch, cancel
}

func (h *hub) publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
