package audit

import (
	"context"
	"sync"
)

// MemoryLog keeps events in process. Used by tests and local development.
type MemoryLog struct {
	mu       sync.Mutex
	events   []Event
	failures []error
	err      error
}

// NewMemoryLog creates an empty log
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{}
}

// Record implements Log
func (m *MemoryLog) Record(ctx context.Context, event Event) error {
	stamp(ctx, &event)
	if err := event.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.events = append(m.events, event)
	return nil
}

// Failure implements FailureRecorder
func (m *MemoryLog) Failure(_ context.Context, err error, _ map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = append(m.failures, err)
}

// FailWith makes subsequent Record calls return err; nil restores normal operation
func (m *MemoryLog) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Events returns a copy of recorded events
func (m *MemoryLog) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events...)
}

// ByAction returns recorded events with the given action
func (m *MemoryLog) ByAction(action string) []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Event
	for _, e := range m.events {
		if e.Action == action {
			out = append(out, e)
		}
	}
	return out
}

// Failures returns errors passed to Failure
func (m *MemoryLog) Failures() []error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]error(nil), m.failures...)
}
