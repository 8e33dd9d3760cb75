package merger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(m *Merger) *[]string {
	out := &[]string{}
	m.AddVisitor(VisitorFunc(func(_ StreamID, e Event) {
		*out = append(*out, e.Data.(string))
	}))
	return out
}

func TestTwoStreamMerge(t *testing.T) {
	m := New(DefaultLatenessWindowNs)
	out := collect(m)

	const streamA, streamB StreamID = 1, 2
	m.Push(streamA, Event{TS: 10, Data: "a"})
	m.Push(streamA, Event{TS: 30, Data: "c"})
	m.Push(streamB, Event{TS: 20, Data: "b"})
	m.Push(streamB, Event{TS: 40, Data: "d"})

	m.ProcessAll()

	assert.Equal(t, []string{"a", "b", "c", "d"}, *out)
	assert.False(t, m.HasEvent())
}

func TestLatenessWindow(t *testing.T) {
	m := New(100 * 1_000_000)
	out := collect(m)

	const stream StreamID = 1
	m.Push(stream, Event{TS: 50 * 1_000_000, Data: "a"})
	m.Push(stream, Event{TS: 150 * 1_000_000, Data: "b"})
	m.Push(stream, Event{TS: 210 * 1_000_000, Data: "c"})

	m.DrainOld(200 * 1_000_000)
	assert.Equal(t, []string{"a"}, *out)

	m.DrainOld(350 * 1_000_000)
	assert.Equal(t, []string{"a", "b", "c"}, *out)
}

func TestOutOfOrderDrop(t *testing.T) {
	m := New(DefaultLatenessWindowNs)
	out := collect(m)

	const streamA, streamB StreamID = 1, 2
	m.Push(streamA, Event{TS: 100, Data: "x"})
	m.ProcessAll()
	require.Equal(t, []string{"x"}, *out)

	m.Push(streamB, Event{TS: 90, Data: "late"})
	assert.EqualValues(t, 1, m.DiscardedOutOfOrder.Load())

	m.Push(streamB, Event{TS: 100, Data: "y"})
	m.Push(streamB, Event{TS: 120, Data: "z"})
	m.ProcessAll()
	assert.Equal(t, []string{"x", "y", "z"}, *out)
	assert.EqualValues(t, 1, m.DiscardedOutOfOrder.Load())
}

func TestPopPanicsOnEmpty(t *testing.T) {
	m := New(DefaultLatenessWindowNs)
	assert.Panics(t, func() { m.Pop() })
}

func TestTopIsBorrowedView(t *testing.T) {
	m := New(DefaultLatenessWindowNs)
	const stream StreamID = 7
	m.Push(stream, Event{TS: 5, Data: "only"})

	_, e, ok := m.Top()
	require.True(t, ok)
	assert.Equal(t, uint64(5), e.TS)
	// Top must not remove the event.
	assert.True(t, m.HasEvent())
}

func TestProcessUntilPermutationNoDuplicates(t *testing.T) {
	m := New(DefaultLatenessWindowNs)
	var seen []uint64
	m.AddVisitor(VisitorFunc(func(_ StreamID, e Event) { seen = append(seen, e.TS) }))

	streams := map[StreamID][]uint64{
		1: {1, 4, 9, 20},
		2: {2, 3, 15},
		3: {5, 6, 7, 8},
	}
	total := 0
	var pushed []uint64
	for s, tss := range streams {
		for _, ts := range tss {
			m.Push(s, Event{TS: ts})
			pushed = append(pushed, ts)
			total++
		}
	}

	m.ProcessUntil(^uint64(0))

	require.Len(t, seen, total)
	assert.ElementsMatch(t, pushed, seen)
	for i := 1; i < len(seen); i++ {
		assert.LessOrEqual(t, seen[i-1], seen[i])
	}
}
