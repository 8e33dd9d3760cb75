package gputrack

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeInterner struct {
	next uint64
	keys map[string]uint64
}

func newFakeInterner() *fakeInterner {
	return &fakeInterner{keys: make(map[string]uint64)}
}

func (f *fakeInterner) Intern(s string) uint64 {
	if k, ok := f.keys[s]; ok {
		return k
	}
	f.next++
	f.keys[s] = f.next
	return f.next
}

type fakeSink struct {
	events []SubmissionEvent
}

func (f *fakeSink) EmitSubmission(ev SubmissionEvent) { f.events = append(f.events, ev) }

func newTestTracker(capturing bool) (*Tracker, *fakeDispatcher, *fakeSink) {
	disp := newFakeDispatcher()
	pool := NewSlotPool(disp, 16, 0)
	sink := &fakeSink{}
	cap := capturing
	tr := NewTracker(disp, pool, fakeDeviceProperties{period: 1.0, offset: 0}, func() bool { return cap }, newFakeInterner(), sink, uuid.Nil)
	var tick uint64
	tr.Now = func() uint64 { tick++; return tick }
	tr.ThreadIDFunc = func() int32 { return 42 }
	return tr, disp, sink
}

func TestCommandBufferSpanHappyPath(t *testing.T) {
	tr, disp, sink := newTestTracker(true)
	const device Device = 1
	const pool CommandPool = 1
	const cb CommandBuffer = 1
	const queue Queue = 1

	require.NoError(t, tr.TrackCommandBuffers(device, pool, []CommandBuffer{cb}))
	require.NoError(t, tr.MarkCommandBufferBegin(cb))
	require.NoError(t, tr.MarkCommandBufferEnd(cb))

	state := tr.cbToState[cb]
	require.NotNil(t, state.BeginSlot)
	require.NotNil(t, state.EndSlot)
	assert.NotEqual(t, *state.BeginSlot, *state.EndSlot)

	si := []SubmitInfo{{CommandBuffers: []CommandBuffer{cb}}}
	require.NoError(t, tr.PreSubmit(queue, si))
	require.NoError(t, tr.PostSubmit(queue, si))

	_, ok := tr.cbToState[cb]
	assert.False(t, ok, "PostSubmit erases CommandBufferState")

	require.NoError(t, tr.CompleteSubmits(device))
	require.Len(t, sink.events, 1)
	ev := sink.events[0]
	require.Len(t, ev.Groups, 1)
	require.Len(t, ev.Groups[0], 1)
	assert.Less(t, ev.Groups[0][0].BeginGPUNs, ev.Groups[0][0].EndGPUNs)
	assert.Equal(t, int32(42), ev.ThreadID)

	// newTestTracker's pool has no reset-batch threshold, so the consumed
	// slots wait for an explicit maintenance reset.
	require.NoError(t, tr.slotPool.MaintenanceReset(device))
	assert.NotEmpty(t, disp.resets)
	snap := tr.slotPool.Snapshot(device)
	assert.Equal(t, 0, snap.PendingOnGPU)
}

func TestCompleteSubmitsStopsAtFirstNotReady(t *testing.T) {
	tr, disp, sink := newTestTracker(true)
	const device Device = 1
	const poolH CommandPool = 1
	const queue Queue = 1
	cbA, cbB := CommandBuffer(1), CommandBuffer(2)

	require.NoError(t, tr.TrackCommandBuffers(device, poolH, []CommandBuffer{cbA, cbB}))

	for _, cb := range []CommandBuffer{cbA, cbB} {
		require.NoError(t, tr.MarkCommandBufferBegin(cb))
		require.NoError(t, tr.MarkCommandBufferEnd(cb))
		si := []SubmitInfo{{CommandBuffers: []CommandBuffer{cb}}}
		require.NoError(t, tr.PreSubmit(queue, si))
		require.NoError(t, tr.PostSubmit(queue, si))
	}

	// Mark the second submission's end-slot not ready; the first remains
	// ready and should still be extracted and emitted, the second should
	// stop the scan.
	secondEnd := tr.queues[queue].state.Pending[1].Groups[0][0].EndSlot
	disp.setNotReady(device, secondEnd*2, true)

	require.NoError(t, tr.CompleteSubmits(device))
	require.Len(t, sink.events, 1, "only the first, ready submission is emitted")
	assert.Len(t, tr.queues[queue].state.Pending, 1, "the second submission remains pending")
}

func TestNestedMarkersAcrossSubmissions(t *testing.T) {
	tr, _, sink := newTestTracker(true)
	const device Device = 1
	const poolH CommandPool = 1
	const queue Queue = 1
	const cb CommandBuffer = 1

	require.NoError(t, tr.TrackCommandBuffers(device, poolH, []CommandBuffer{cb}))

	// Submission 1: open "outer" then "inner", both nested on the same CB,
	// neither closed yet.
	require.NoError(t, tr.MarkCommandBufferBegin(cb))
	require.NoError(t, tr.MarkMarkerBegin(cb, "outer"))
	require.NoError(t, tr.MarkMarkerBegin(cb, "inner"))
	require.NoError(t, tr.MarkCommandBufferEnd(cb))
	si1 := []SubmitInfo{{CommandBuffers: []CommandBuffer{cb}}}
	require.NoError(t, tr.PreSubmit(queue, si1))
	require.NoError(t, tr.PostSubmit(queue, si1))

	require.Len(t, tr.queues[queue].state.Stack, 2)
	assert.Equal(t, "outer", tr.queues[queue].state.Stack[0].Text)
	assert.Equal(t, 0, tr.queues[queue].state.Stack[0].Depth)
	assert.Equal(t, "inner", tr.queues[queue].state.Stack[1].Text)
	assert.Equal(t, 1, tr.queues[queue].state.Stack[1].Depth)

	// Submission 2: close both, LIFO — inner first, then outer.
	require.NoError(t, tr.MarkCommandBufferBegin(cb))
	require.NoError(t, tr.MarkMarkerEnd(cb))
	require.NoError(t, tr.MarkMarkerEnd(cb))
	require.NoError(t, tr.MarkCommandBufferEnd(cb))
	si2 := []SubmitInfo{{CommandBuffers: []CommandBuffer{cb}}}
	require.NoError(t, tr.PreSubmit(queue, si2))
	require.NoError(t, tr.PostSubmit(queue, si2))

	assert.Empty(t, tr.queues[queue].state.Stack)

	require.NoError(t, tr.CompleteSubmits(device))
	require.Len(t, sink.events, 2)

	opened, closed := sink.events[0], sink.events[1]
	assert.Equal(t, 2, opened.NumBeginMarkers)
	assert.Empty(t, opened.CompletedMarkers)

	assert.Equal(t, 0, closed.NumBeginMarkers)
	require.Len(t, closed.CompletedMarkers, 2)

	inner, outer := closed.CompletedMarkers[0], closed.CompletedMarkers[1]
	assert.Equal(t, 1, inner.Depth)
	assert.Equal(t, 0, outer.Depth)
	require.NotNil(t, outer.Begin, "outer's begin-block carries submission-1's cpu timestamps")
	assert.Equal(t, opened.PreSubmitCPUNs, outer.Begin.PreSubmitCPUNs)
	assert.Equal(t, opened.PostSubmitCPUNs, outer.Begin.PostSubmitCPUNs)
	require.NotNil(t, inner.Begin, "inner's begin-block also carries submission-1's cpu timestamps")
	assert.Equal(t, opened.PreSubmitCPUNs, inner.Begin.PreSubmitCPUNs)
}

func TestResetCBBeforeSubmitRollsBackWithoutHardwareReset(t *testing.T) {
	tr, disp, _ := newTestTracker(true)
	const device Device = 1
	const poolH CommandPool = 1
	const cb CommandBuffer = 1

	require.NoError(t, tr.TrackCommandBuffers(device, poolH, []CommandBuffer{cb}))
	require.NoError(t, tr.MarkCommandBufferBegin(cb))
	require.NoError(t, tr.MarkCommandBufferEnd(cb))

	snapBefore := tr.slotPool.Snapshot(device)
	require.Equal(t, 2, snapBefore.PendingOnGPU)

	require.NoError(t, tr.ResetCB(cb))

	snapAfter := tr.slotPool.Snapshot(device)
	assert.Equal(t, 0, snapAfter.PendingOnGPU)
	assert.Equal(t, 16, snapAfter.Ready)
	assert.Empty(t, disp.resets, "rollback never issues a hardware reset")

	_, tracked := tr.cbToState[cb]
	assert.False(t, tracked)
}

func TestMarkersRecordedWithoutCapturingCarryNoSlot(t *testing.T) {
	tr, _, sink := newTestTracker(false)
	const device Device = 1
	const poolH CommandPool = 1
	const queue Queue = 1
	const cb CommandBuffer = 1

	require.NoError(t, tr.TrackCommandBuffers(device, poolH, []CommandBuffer{cb}))
	require.NoError(t, tr.MarkCommandBufferBegin(cb))
	require.NoError(t, tr.MarkMarkerBegin(cb, "quiet"))
	require.NoError(t, tr.MarkMarkerEnd(cb))
	require.NoError(t, tr.MarkCommandBufferEnd(cb))

	state := tr.cbToState[cb]
	assert.Nil(t, state.BeginSlot, "no slot allocated while not capturing")
	require.Len(t, state.Markers, 2, "markers are recorded even while not capturing")
	assert.Nil(t, state.Markers[0].Slot)
	assert.Nil(t, state.Markers[1].Slot)

	si := []SubmitInfo{{CommandBuffers: []CommandBuffer{cb}}}
	require.NoError(t, tr.PreSubmit(queue, si))
	require.NoError(t, tr.PostSubmit(queue, si))

	assert.Empty(t, tr.queues[queue].state.Stack, "stack still balances even without slots")
	assert.Empty(t, tr.queues[queue].state.Pending, "PreSubmit is a no-op entirely while not capturing")
	assert.Empty(t, sink.events, "no submission is emitted while not capturing")
}

func TestUntrackCommandBuffersRemovesPoolAndCBState(t *testing.T) {
	tr, _, _ := newTestTracker(true)
	const device Device = 1
	const poolH CommandPool = 1
	cbA, cbB := CommandBuffer(1), CommandBuffer(2)

	require.NoError(t, tr.TrackCommandBuffers(device, poolH, []CommandBuffer{cbA, cbB}))
	require.NoError(t, tr.MarkCommandBufferBegin(cbA))

	require.NoError(t, tr.UntrackCommandBuffers(device, poolH, []CommandBuffer{cbA}))

	_, stillDevice := tr.cbToDevice[cbA]
	assert.False(t, stillDevice, "untracked CB no longer maps to a device")
	_, stillState := tr.cbToState[cbA]
	assert.False(t, stillState, "untracked CB's begin-in-progress state is discarded too")
	_, poolStillHasA := tr.poolToCBs[poolH][cbA]
	assert.False(t, poolStillHasA)
	_, poolStillHasB := tr.poolToCBs[poolH][cbB]
	assert.True(t, poolStillHasB, "untracking one CB leaves the pool's other CB tracked")

	require.NoError(t, tr.UntrackCommandBuffers(device, poolH, []CommandBuffer{cbB}))
	_, poolEntryRemains := tr.poolToCBs[poolH]
	assert.False(t, poolEntryRemains, "pool entry is removed once its CB set empties")
}

func TestUntrackCommandBuffersRejectsDeviceMismatch(t *testing.T) {
	tr, _, _ := newTestTracker(true)
	const poolH CommandPool = 1
	const cb CommandBuffer = 1

	require.NoError(t, tr.TrackCommandBuffers(Device(1), poolH, []CommandBuffer{cb}))

	err := tr.UntrackCommandBuffers(Device(2), poolH, []CommandBuffer{cb})
	require.Error(t, err)
	var fault *Fault
	require.ErrorAs(t, err, &fault)
}

func TestResetPoolRollsBackEveryTrackedCB(t *testing.T) {
	tr, disp, _ := newTestTracker(true)
	const device Device = 1
	const poolH CommandPool = 1
	cbA, cbB := CommandBuffer(1), CommandBuffer(2)

	require.NoError(t, tr.TrackCommandBuffers(device, poolH, []CommandBuffer{cbA, cbB}))
	require.NoError(t, tr.MarkCommandBufferBegin(cbA))
	require.NoError(t, tr.MarkCommandBufferEnd(cbA))
	require.NoError(t, tr.MarkCommandBufferBegin(cbB))

	snapBefore := tr.slotPool.Snapshot(device)
	require.Equal(t, 3, snapBefore.PendingOnGPU, "two slots for cbA's span, one for cbB's begin")

	require.NoError(t, tr.ResetPool(poolH))

	snapAfter := tr.slotPool.Snapshot(device)
	assert.Equal(t, 0, snapAfter.PendingOnGPU)
	assert.Equal(t, 16, snapAfter.Ready)
	assert.Empty(t, disp.resets, "rollback never issues a hardware reset")

	_, trackedA := tr.cbToState[cbA]
	_, trackedB := tr.cbToState[cbB]
	assert.False(t, trackedA)
	assert.False(t, trackedB)
}
