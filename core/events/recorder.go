package events

import (
	"sync"

	"arbescrow/core/types"
)

// Record is a single entry in a Recorder.
type Record struct {
	Sequence uint64       `json:"sequence"`
	Event    *types.Event `json:"event"`
}

// Recorder is an append-only, in-memory event log. Events that do not render
// into a payload are stored with only their type.
type Recorder struct {
	mu      sync.RWMutex
	records []Record
	limit   int
	next    uint64
}

// NewRecorder builds a recorder retaining at most limit entries. A
// non-positive limit keeps every entry.
func NewRecorder(limit int) *Recorder {
	return &Recorder{limit: limit, next: 1}
}

// Emit implements the Emitter interface.
func (r *Recorder) Emit(evt Event) {
	if r == nil || evt == nil {
		return
	}
	var payload *types.Event
	if p, ok := evt.(Payload); ok {
		payload = p.Event()
	}
	if payload == nil {
		payload = &types.Event{Type: evt.EventType(), Attributes: map[string]string{}}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, Record{Sequence: r.next, Event: payload})
	r.next++
	if r.limit > 0 && len(r.records) > r.limit {
		r.records = append([]Record(nil), r.records[len(r.records)-r.limit:]...)
	}
}

// Since returns copies of the records with a sequence strictly greater than
// after, oldest first.
func (r *Recorder) Since(after uint64) []Record {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Record, 0, len(r.records))
	for _, rec := range r.records {
		if rec.Sequence <= after {
			continue
		}
		out = append(out, Record{Sequence: rec.Sequence, Event: rec.Event.Clone()})
	}
	return out
}

// Types lists the event types recorded so far, oldest first.
func (r *Recorder) Types() []string {
	records := r.Since(0)
	out := make([]string, 0, len(records))
	for _, rec := range records {
		out = append(out, rec.Event.Type)
	}
	return out
}
