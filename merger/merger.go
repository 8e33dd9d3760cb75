// Package merger implements a time-ordered event merger for many
// pre-sorted perf-event streams, gated by a lateness watermark.
//
// A single global priority queue over every pending event would cost
// O(log total_events) per operation. Because each stream is already
// sorted, keeping a priority queue of per-stream FIFOs instead costs
// O(log S) per event, where S is the stream count — small even when
// total event volume is huge. Decreasing a stream's priority after
// popping one of its events is done by removing and re-inserting its
// heap entry, since container/heap (like a conventional binary heap)
// has no in-place decrease-key; heap.Fix would be an equivalent
// alternative, as would an ordered map keyed by (front-ts, stream).
package merger

import (
	"container/heap"
	"math"
	"sync/atomic"
)

// DefaultLatenessWindowNs is the design default lateness window D,
// expressed in nanoseconds: 100ms.
const DefaultLatenessWindowNs uint64 = 100 * 1_000_000

type streamQueue struct {
	events []Event
}

func (q *streamQueue) empty() bool { return len(q.events) == 0 }

func (q *streamQueue) front() Event { return q.events[0] }

func (q *streamQueue) pushBack(e Event) { q.events = append(q.events, e) }

func (q *streamQueue) popFront() Event {
	e := q.events[0]
	q.events = q.events[1:]
	return e
}

// streamHeap is a min-heap over StreamIDs ordered by their queue's front
// timestamp. It never itself stores events; it only orders references
// into Merger.queues.
type streamHeap struct {
	ids    []StreamID
	queues map[StreamID]*streamQueue
}

func (h *streamHeap) Len() int { return len(h.ids) }

func (h *streamHeap) Less(i, j int) bool {
	return h.queues[h.ids[i]].front().TS < h.queues[h.ids[j]].front().TS
}

func (h *streamHeap) Swap(i, j int) { h.ids[i], h.ids[j] = h.ids[j], h.ids[i] }

func (h *streamHeap) Push(x any) { h.ids = append(h.ids, x.(StreamID)) }

func (h *streamHeap) Pop() any {
	n := len(h.ids)
	id := h.ids[n-1]
	h.ids = h.ids[:n-1]
	return id
}

// Merger merges N pre-sorted streams into one monotonically
// non-decreasing stream of events. It is not safe for concurrent use: a
// Merger is single-threaded per instance, with ownership of events
// transferring in on Push and out on Pop/ProcessUntil/ProcessAll/DrainOld.
type Merger struct {
	queues   map[StreamID]*streamQueue
	h        *streamHeap
	visitors []Visitor

	lastEmittedTS uint64
	everEmitted   bool
	latenessNs    uint64

	// DiscardedOutOfOrder is incremented, never dispatched, for every
	// event pushed with ts < lastEmittedTS. It lives on the Merger but
	// is exported so callers can read/export it (e.g. into Prometheus)
	// without the merger depending on a metrics package.
	DiscardedOutOfOrder atomic.Uint64
}

// New creates a Merger with the given lateness window. With a zero
// window, DrainOld(now) processes every event with ts <= now; callers
// typically pass DefaultLatenessWindowNs.
func New(latenessNs uint64) *Merger {
	queues := make(map[StreamID]*streamQueue)
	return &Merger{
		queues:     queues,
		h:          &streamHeap{queues: queues},
		latenessNs: latenessNs,
	}
}

// AddVisitor registers a visitor to be invoked, in registration order,
// for every event dispatched by ProcessUntil/ProcessAll/DrainOld.
func (m *Merger) AddVisitor(v Visitor) {
	m.visitors = append(m.visitors, v)
}

// ClearVisitors removes every registered visitor.
func (m *Merger) ClearVisitors() {
	m.visitors = nil
}

// Push enqueues event on the stream's queue. The caller must push
// events for a given stream in non-decreasing timestamp order; Push
// does not itself re-sort a stream's queue.
//
// If the event is older than the last event this Merger has emitted,
// it is a soft out-of-order drop: DiscardedOutOfOrder is incremented
// and the event is not enqueued. An event whose timestamp equals the
// last emitted one is accepted, since emitting it keeps the output
// non-decreasing.
func (m *Merger) Push(stream StreamID, event Event) {
	if m.everEmitted && event.TS < m.lastEmittedTS {
		m.DiscardedOutOfOrder.Add(1)
		return
	}
	q, ok := m.queues[stream]
	if !ok {
		q = &streamQueue{}
		m.queues[stream] = q
	}
	wasEmpty := q.empty()
	q.pushBack(event)
	if wasEmpty {
		heap.Push(m.h, stream)
	}
}

// HasEvent reports whether any stream has a pending event.
func (m *Merger) HasEvent() bool {
	return m.h.Len() > 0
}

// Top returns the oldest pending event without removing it, and the
// stream it came from. ok is false if no stream has a pending event.
func (m *Merger) Top() (stream StreamID, event Event, ok bool) {
	if m.h.Len() == 0 {
		return 0, Event{}, false
	}
	stream = m.h.ids[0]
	event = m.queues[stream].front()
	return stream, event, true
}

// Pop removes and returns the globally oldest pending event. It panics
// if called when HasEvent() is false, matching the reference's
// contract that Pop is only called after checking HasEvent/Top.
func (m *Merger) Pop() (stream StreamID, event Event) {
	if m.h.Len() == 0 {
		panic("merger: Pop called on empty merger")
	}
	stream = m.h.ids[0]
	q := m.queues[stream]
	event = q.popFront()

	// Remove-and-reinsert: the root is stale the moment its queue's
	// front timestamp changes, and a binary heap cannot decrease a key
	// in place.
	heap.Pop(m.h)
	if !q.empty() {
		heap.Push(m.h, stream)
	} else {
		delete(m.queues, stream)
	}

	m.lastEmittedTS = event.TS
	m.everEmitted = true
	return stream, event
}

func (m *Merger) dispatch(stream StreamID, event Event) {
	for _, v := range m.visitors {
		v.VisitEvent(stream, event)
	}
}

// ProcessUntil pops and dispatches events, oldest first, while the
// pending top event's timestamp is <= watermark.
func (m *Merger) ProcessUntil(watermark uint64) {
	for {
		stream, event, ok := m.Top()
		if !ok || event.TS > watermark {
			return
		}
		m.Pop()
		m.dispatch(stream, event)
	}
}

// ProcessAll drains and dispatches every pending event regardless of
// timestamp.
func (m *Merger) ProcessAll() {
	m.ProcessUntil(math.MaxUint64)
}

// DrainOld processes every event older than the lateness window as of
// wall-clock time now. Callers must have pushed every event with
// ts <= now-D before calling DrainOld(now) for the non-decreasing
// ordering guarantee to hold.
func (m *Merger) DrainOld(now uint64) {
	var watermark uint64
	if now > m.latenessNs {
		watermark = now - m.latenessNs
	}
	m.ProcessUntil(watermark)
}

// LastEmittedTS returns the timestamp of the most recently emitted
// event, or 0 if nothing has been emitted yet.
func (m *Merger) LastEmittedTS() uint64 {
	return m.lastEmittedTS
}
