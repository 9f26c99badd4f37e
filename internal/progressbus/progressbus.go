// Package progressbus implements the abstract ProgressBus the
// Generation Orchestrator publishes to (spec §4.13's "the orchestrator
// emits progress events ... via an abstract ProgressBus"). Channel-
// fanout pub/sub, the same shape as the teacher's session/event
// plumbing (internal/browser's session manager keeps a per-session
// event channel per subscriber rather than a single shared stream).
package progressbus

import (
	"sync"

	"github.com/google/uuid"

	"nodeframe/internal/model"
)

// Phase is the lifecycle stage a generation request is in when an
// Event is published.
type Phase int

const (
	PhaseEnqueued Phase = iota
	PhaseRunning
	PhaseCompleted
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseEnqueued:
		return "enqueued"
	case PhaseRunning:
		return "running"
	case PhaseCompleted:
		return "completed"
	case PhaseFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Event is one progress notification (spec §4.13):
// {session_id, node_id, phase, level, total}.
type Event struct {
	EventID   string
	SessionID string
	NodeID    model.NodeID
	Phase     Phase
	Level     int
	Total     int
	Err       error
}

// Bus is a channel-based, fan-out pub/sub progress bus. Safe for
// concurrent use. Each Subscribe call gets its own buffered channel;
// a slow or absent subscriber never blocks Publish (a full subscriber
// channel just drops the event for that subscriber, matching the
// teacher's non-blocking session-event-channel send).
type Bus struct {
	mu   sync.RWMutex
	subs map[string]chan Event
}

// New returns an empty Bus.
func New() *Bus {
	return &Bus{subs: make(map[string]chan Event)}
}

// Subscribe registers a new listener and returns its channel plus an
// unsubscribe function. bufferSize <= 0 defaults to 64.
func (b *Bus) Subscribe(bufferSize int) (<-chan Event, func()) {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	id := uuid.New().String()
	ch := make(chan Event, bufferSize)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if existing, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(existing)
		}
	}
	return ch, unsubscribe
}

// Publish fans an event out to every current subscriber. A generated
// EventID is assigned if the caller left one unset.
func (b *Bus) Publish(ev Event) {
	if ev.EventID == "" {
		ev.EventID = uuid.New().String()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Close shuts down every subscriber channel. The Bus is unusable
// afterward.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
