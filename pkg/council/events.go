package council

import (
	"sync"
	"time"
)

// EventKind names a pipeline lifecycle transition.
type EventKind string

const (
	EventIntentDecided  EventKind = "intent_decided"
	EventToolsDone      EventKind = "tools_done"
	EventStage1Response EventKind = "stage1_response"
	EventStage1Done     EventKind = "stage1_done"
	EventStage2Ranking  EventKind = "stage2_ranking"
	EventStage2Done     EventKind = "stage2_done"
	EventSynthesisDone  EventKind = "synthesis_done"
	EventJudgeDone      EventKind = "judge_done"
	EventCostSummary    EventKind = "cost_summary"
	EventDone           EventKind = "done"
	EventError          EventKind = "error"
)

// Event is one lifecycle notification. Payload contents vary by kind and
// are safe to serialize.
type Event struct {
	Kind    EventKind      `json:"kind"`
	QueryID string         `json:"query_id"`
	At      time.Time      `json:"at"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Emitter fan-outs events to subscribers over buffered channels. Emission
// never blocks the pipeline: a subscriber that falls behind loses events
// rather than stalling deliberation.
type Emitter struct {
	mu   sync.Mutex
	subs []chan Event
	size int
}

// NewEmitter builds an emitter whose subscriber channels buffer size events.
func NewEmitter(size int) *Emitter {
	if size < 1 {
		size = 64
	}
	return &Emitter{size: size}
}

// Subscribe registers a new listener. The channel is closed by Close.
func (e *Emitter) Subscribe() <-chan Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	ch := make(chan Event, e.size)
	e.subs = append(e.subs, ch)
	return ch
}

// Emit delivers the event to every subscriber with room.
func (e *Emitter) Emit(kind EventKind, queryID string, payload map[string]any) {
	if e == nil {
		return
	}
	ev := Event{Kind: kind, QueryID: queryID, At: time.Now(), Payload: payload}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ch := range e.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Close closes all subscriber channels.
func (e *Emitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ch := range e.subs {
		close(ch)
	}
	e.subs = nil
}
