// Copyright 2024-2026 Aiku AI

package streamable

import (
	"sync"

	"github.com/oklog/ulid/v2"
)

// StandaloneStream is the stream ID of the GET event stream.
const StandaloneStream = "standalone"

// Event is one message written to an event stream.
type Event struct {
	ID     string
	Stream string
	Data   []byte
}

// eventLog is an append-only history of a session's stream events, capped
// at max entries. IDs are ULIDs, so they sort in append order.
type eventLog struct {
	mu      sync.Mutex
	entries []Event
	max     int
	evicted func()
}

func newEventLog(max int, evicted func()) *eventLog {
	return &eventLog{max: max, evicted: evicted}
}

func (l *eventLog) Append(stream string, data []byte) Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	evt := Event{ID: ulid.Make().String(), Stream: stream, Data: data}
	if l.max > 0 && len(l.entries) >= l.max {
		drop := len(l.entries) - l.max + 1
		l.entries = append(l.entries[:0], l.entries[drop:]...)
		if l.evicted != nil {
			for range drop {
				l.evicted()
			}
		}
	}
	l.entries = append(l.entries, evt)
	return evt
}

// After returns the events of lastID's stream that were appended after it.
// found is false if lastID is not, or no longer, in the history.
func (l *eventLog) After(lastID string) (stream string, events []Event, found bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, evt := range l.entries {
		if evt.ID != lastID {
			continue
		}
		for _, next := range l.entries[i+1:] {
			if next.Stream == evt.Stream {
				events = append(events, next)
			}
		}
		return evt.Stream, events, true
	}
	return "", nil, false
}

func (l *eventLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
