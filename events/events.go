// Package events provides typed observability events for the translation table
// and the traffic simulator.
package events

import (
	"sync"
	"time"
)

// EventType identifies the kind of event. Types are bit flags so that
// subscribers can select several of them with a mask.
type EventType int

const (
	EntryCreated EventType = 1 << iota
	EntryRefreshed
	EntryExpired
	SessionStarted
	TranslationRejected
	TableChanged

	AllEvents = (1 << iota) - 1
)

func (t EventType) String() string {
	switch t {
	case EntryCreated:
		return "EntryCreated"
	case EntryRefreshed:
		return "EntryRefreshed"
	case EntryExpired:
		return "EntryExpired"
	case SessionStarted:
		return "SessionStarted"
	case TranslationRejected:
		return "TranslationRejected"
	case TableChanged:
		return "TableChanged"
	default:
		return "Unknown"
	}
}

// MarshalText encodes the type by name for JSON consumers.
func (t EventType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// BufferSize is the channel capacity of each subscription.
const BufferSize = 64

// DefaultRecentSize is the number of events kept for Recent.
const DefaultRecentSize = 32

// Event is a single published event.
type Event struct {
	ID   int         `json:"id"`
	Time time.Time   `json:"time"`
	Type EventType   `json:"type"`
	Data interface{} `json:"data"`
}

// Subscription receives the events matching its mask.
type Subscription struct {
	mask   EventType
	events chan Event
}

// C returns the event channel. It is closed on Unsubscribe.
func (s *Subscription) C() <-chan Event {
	return s.events
}

// Logger fans events out to subscribers and remembers the most recent ones.
// A nil *Logger discards everything, so publishers may hold an optional one.
type Logger struct {
	mu         sync.Mutex
	subs       []*Subscription
	nextID     int
	recent     []Event
	next       int
	full       bool
	recentMask EventType
	now        func() time.Time
}

// NewLogger creates a logger remembering up to recentSize events whose type
// matches recentMask.
func NewLogger(recentSize int, recentMask EventType) *Logger {
	if recentSize <= 0 {
		recentSize = DefaultRecentSize
	}
	return &Logger{
		recent:     make([]Event, recentSize),
		recentMask: recentMask,
		now:        time.Now,
	}
}

// SetNow overrides the time source used to stamp events.
func (l *Logger) SetNow(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

// Log publishes an event. Slow subscribers miss events rather than block
// the publisher.
func (l *Logger) Log(t EventType, data interface{}) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	l.nextID++
	e := Event{
		ID:   l.nextID,
		Time: l.now(),
		Type: t,
		Data: data,
	}

	if l.recentMask&t != 0 {
		l.recent[l.next] = e
		l.next = (l.next + 1) % len(l.recent)
		if l.next == 0 {
			l.full = true
		}
	}

	for _, s := range l.subs {
		if s.mask&t == 0 {
			continue
		}
		select {
		case s.events <- e:
		default:
		}
	}
}

// Subscribe registers a new subscription for the types in mask.
func (l *Logger) Subscribe(mask EventType) *Subscription {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := &Subscription{
		mask:   mask,
		events: make(chan Event, BufferSize),
	}
	l.subs = append(l.subs, s)
	return s
}

// Unsubscribe removes s and closes its channel.
func (l *Logger) Unsubscribe(s *Subscription) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i, ss := range l.subs {
		if ss == s {
			last := len(l.subs) - 1
			l.subs[i] = l.subs[last]
			l.subs[last] = nil
			l.subs = l.subs[:last]
			close(s.events)
			return
		}
	}
}

// Recent returns the remembered events, oldest first.
func (l *Logger) Recent() []Event {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []Event
	if l.full {
		out = append(out, l.recent[l.next:]...)
	}
	out = append(out, l.recent[:l.next]...)
	return out
}
