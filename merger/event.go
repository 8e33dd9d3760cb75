package merger

// StreamID identifies one source stream for the lifetime of a Merger. In the
// reference system this is the file descriptor a ring buffer is read from;
// callers must not assume any numeric structure beyond stability.
type StreamID uint64

// Event is an opaque record with a required monotonic nanosecond timestamp.
// Payload is opaque to the merger: callers attach whatever they need via
// Data and the merger never inspects it.
type Event struct {
	TS   uint64
	Data any
}

// Visitor receives emitted events in insertion order. Visitors are stored in
// the order AddVisitor was called and invoked in that order for every event.
type Visitor interface {
	VisitEvent(stream StreamID, event Event)
}

// VisitorFunc adapts a plain function to the Visitor interface.
type VisitorFunc func(stream StreamID, event Event)

func (f VisitorFunc) VisitEvent(stream StreamID, event Event) { f(stream, event) }
