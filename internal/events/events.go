// Package events carries the raffle's observable notifications. A Journal
// numbers every event, keeps a bounded window of the latest ones for
// inspection and catch-up, and fans each one out to subscribers.
package events

import (
	"encoding/json"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType classifies a raffle notification.
type EventType string

const (
	EventEntered             EventType = "raffle.entered"
	EventRandomnessRequested EventType = "raffle.randomness_requested"
	EventWinnerPicked        EventType = "raffle.winner_picked"
	EventPayoutFailed        EventType = "raffle.payout_failed"
)

// Event is one raffle notification.
type Event struct {
	ID string `json:"id"`
	// Seq is assigned by the Journal and increases by one per event.
	Seq         uint64    `json:"seq"`
	Type        EventType `json:"type"`
	Timestamp   time.Time `json:"timestamp"`
	Round       uint64    `json:"round"`
	Participant string    `json:"participant,omitempty"`
	RequestID   string    `json:"request_id,omitempty"`
	Amount      int64     `json:"amount,omitempty"`
	// Players and RandomValue are set on WinnerPicked so the draw can be
	// recomputed from the event alone.
	Players     int    `json:"players,omitempty"`
	RandomValue string `json:"random_value,omitempty"`
	Error       string `json:"error,omitempty"`
}

// String returns the JSON form of the event.
func (e Event) String() string {
	data, _ := json.Marshal(e)
	return string(data)
}

// Handler receives events as they are logged.
type Handler func(Event)

// Filter decides whether an event is selected. A nil Filter selects all.
type Filter func(Event) bool

// OfType returns a filter matching the given event types. With no types it
// returns nil.
func OfType(types ...EventType) Filter {
	if len(types) == 0 {
		return nil
	}
	return func(e Event) bool {
		return slices.Contains(types, e.Type)
	}
}

func (f Filter) match(e Event) bool {
	return f == nil || f(e)
}

const defaultWindow = 1000

// Journal is safe for concurrent use.
type Journal struct {
	mu     sync.RWMutex
	window []Event
	start  int // index of the oldest retained event
	seq    uint64

	subs    map[uint64]subscription
	nextSub uint64
}

type subscription struct {
	filter Filter
	fn     Handler
}

// NewJournal retains up to capacity events; non-positive means the default.
func NewJournal(capacity int) *Journal {
	if capacity <= 0 {
		capacity = defaultWindow
	}
	return &Journal{
		window: make([]Event, 0, capacity),
		subs:   make(map[uint64]subscription),
	}
}

// Log numbers the event, retains it and hands it to matching subscribers
// after releasing the lock. Subscribers run in subscription order on the
// caller's goroutine.
func (j *Journal) Log(ev Event) {
	j.mu.Lock()
	j.seq++
	ev.Seq = j.seq
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if len(j.window) < cap(j.window) {
		j.window = append(j.window, ev)
	} else {
		j.window[j.start] = ev
		j.start = (j.start + 1) % len(j.window)
	}

	ids := make([]uint64, 0, len(j.subs))
	for id := range j.subs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	targets := make([]subscription, 0, len(ids))
	for _, id := range ids {
		targets = append(targets, j.subs[id])
	}
	j.mu.Unlock()

	for _, s := range targets {
		if s.filter.match(ev) {
			s.fn(ev)
		}
	}
}

// Subscribe registers fn for events selected by filter and returns a func
// that removes it.
func (j *Journal) Subscribe(filter Filter, fn Handler) (cancel func()) {
	j.mu.Lock()
	j.nextSub++
	id := j.nextSub
	j.subs[id] = subscription{filter: filter, fn: fn}
	j.mu.Unlock()

	return func() {
		j.mu.Lock()
		delete(j.subs, id)
		j.mu.Unlock()
	}
}

// Recent returns up to n retained events selected by filter, newest first.
func (j *Journal) Recent(n int, filter Filter) []Event {
	j.mu.RLock()
	defer j.mu.RUnlock()

	var out []Event
	for i := len(j.window) - 1; i >= 0 && len(out) < n; i-- {
		if ev := j.at(i); filter.match(ev) {
			out = append(out, ev)
		}
	}
	return out
}

// Since returns the retained events after seq selected by filter, oldest
// first. Events that already left the window are not reported.
func (j *Journal) Since(seq uint64, filter Filter) []Event {
	j.mu.RLock()
	defer j.mu.RUnlock()

	var out []Event
	for i := 0; i < len(j.window); i++ {
		if ev := j.at(i); ev.Seq > seq && filter.match(ev) {
			out = append(out, ev)
		}
	}
	return out
}

// Seq returns the sequence number of the last logged event.
func (j *Journal) Seq() uint64 {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.seq
}

// at returns the i-th retained event counting from the oldest.
func (j *Journal) at(i int) Event {
	return j.window[(j.start+i)%len(j.window)]
}

// Discard drops every event.
type Discard struct{}

func (Discard) Log(Event) {}
