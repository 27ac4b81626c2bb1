package events

import (
	"sort"
	"time"
)

// Event is a structured notification describing a committed state change.
type Event struct {
	Type       string
	Attributes map[string]string
	OccurredAt time.Time
}

// Attribute returns the named attribute or "" when absent.
func (e Event) Attribute(key string) string {
	if e.Attributes == nil {
		return ""
	}
	return e.Attributes[key]
}

// Keys returns the attribute keys in sorted order.
func (e Event) Keys() []string {
	keys := make([]string, 0, len(e.Attributes))
	for k := range e.Attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Emitter broadcasts events to downstream subscribers.
type Emitter interface {
	Emit(Event)
}

// NoopEmitter discards all events. Components default to it when no emitter
// is configured.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(Event) {}

// EmitterFunc adapts a function to the Emitter interface.
type EmitterFunc func(Event)

// Emit implements the Emitter interface.
func (f EmitterFunc) Emit(evt Event) {
	if f != nil {
		f(evt)
	}
}
