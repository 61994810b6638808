package events

// Event represents a structured state change emitted by the market.
type Event interface {
	EventType() string
}

// Emitter broadcasts events to downstream subscribers (e.g. logs, metrics,
// archives, websocket clients).
type Emitter interface {
	Emit(Event)
}

// NoopEmitter is a helper that satisfies the Emitter interface while discarding
// all events. It is useful when a component wants to optionally expose events.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(Event) {}

// Multi fans every event out to each wrapped emitter in order. Nil entries are
// skipped.
type Multi []Emitter

// Emit implements the Emitter interface.
func (m Multi) Emit(evt Event) {
	for _, emitter := range m {
		if emitter == nil {
			continue
		}
		emitter.Emit(evt)
	}
}

// EmitterFunc adapts a plain function into an Emitter.
type EmitterFunc func(Event)

// Emit implements the Emitter interface.
func (f EmitterFunc) Emit(evt Event) {
	if f != nil {
		f(evt)
	}
}
