package events

import "pricewager/core/types"

// Event represents a structured state change emitted by the engine.
type Event interface {
	EventType() string
}

// Payloader is implemented by events that can render themselves into the
// generic attribute representation consumed by indexers and streams.
type Payloader interface {
	Event() *types.Event
}

// Emitter broadcasts events to downstream subscribers (e.g. RPC, indexers).
type Emitter interface {
	Emit(Event)
}

// NoopEmitter is a helper that satisfies the Emitter interface while discarding
// all events. It is useful when a component wants to optionally expose events.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(Event) {}

// EmitterFunc adapts a plain function into an Emitter.
type EmitterFunc func(Event)

// Emit implements the Emitter interface.
func (f EmitterFunc) Emit(evt Event) {
	if f != nil {
		f(evt)
	}
}

// MultiEmitter fans every event out to each configured emitter in order.
type MultiEmitter []Emitter

// Emit implements the Emitter interface.
func (m MultiEmitter) Emit(evt Event) {
	for _, emitter := range m {
		if emitter != nil {
			emitter.Emit(evt)
		}
	}
}

// Payload extracts the attribute representation from evt when available.
func Payload(evt Event) (*types.Event, bool) {
	if evt == nil {
		return nil, false
	}
	p, ok := evt.(Payloader)
	if !ok {
		return nil, false
	}
	payload := p.Event()
	if payload == nil {
		return nil, false
	}
	return payload, true
}
