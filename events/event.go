package events

// Event is a structured state-change notification produced by the escrow
// engine. Attributes carry the identifier and the parties/amounts relevant to
// the transition.
type Event struct {
	Type       string
	Attributes map[string]string
}

// Emitter broadcasts events to downstream subscribers (gateway webhooks,
// metrics, indexers). The engine never consumes its own events.
type Emitter interface {
	Emit(Event)
}

// NoopEmitter satisfies the Emitter interface while discarding all events. It
// is the default emitter when a component does not wire a subscriber.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(Event) {}
