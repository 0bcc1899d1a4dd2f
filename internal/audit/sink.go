package audit

import (
	"context"
	"sync"
	"time"
)

// Discard drops every event.
type Discard struct{}

// Record implements Sink.
func (Discard) Record(context.Context, string, map[string]any) error { return nil }

// Memory keeps events in memory.
type Memory struct {
	mu      sync.Mutex
	entries []Entry
}

// Record implements Sink.
func (m *Memory) Record(_ context.Context, event string, detail map[string]any) error {
	cp := make(map[string]any, len(detail))
	for k, v := range detail {
		cp[k] = v
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, Entry{Timestamp: time.Now().UTC(), Event: event, Detail: cp})
	return nil
}

// Entries returns a copy of everything recorded so far.
func (m *Memory) Entries() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Entry, len(m.entries))
	copy(out, m.entries)
	return out
}

// Events returns the entries with the given event name.
func (m *Memory) Events(event string) []Entry {
	var out []Entry
	for _, e := range m.Entries() {
		if e.Event == event {
			out = append(out, e)
		}
	}
	return out
}

// Tee fans one event out to several sinks and returns the first error.
type Tee []Sink

// Record implements Sink.
func (t Tee) Record(ctx context.Context, event string, detail map[string]any) error {
	var first error
	for _, s := range t {
		if s == nil {
			continue
		}
		if err := s.Record(ctx, event, detail); err != nil && first == nil {
			first = err
		}
	}
	return first
}
