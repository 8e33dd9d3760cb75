package gputrack

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlotPoolAllocateAndRollback(t *testing.T) {
	disp := newFakeDispatcher()
	pool := NewSlotPool(disp, 4, 0)
	const device Device = 1

	slot, ok, err := pool.NextReadySlot(device)
	require.NoError(t, err)
	require.True(t, ok)
	assert.EqualValues(t, 0, slot)

	snap := pool.Snapshot(device)
	assert.Equal(t, 1, snap.PendingOnGPU)
	assert.Equal(t, 3, snap.Ready)

	require.NoError(t, pool.RollbackPending(device, []uint32{slot}))
	snap = pool.Snapshot(device)
	assert.Equal(t, 0, snap.PendingOnGPU)
	assert.Equal(t, 4, snap.Ready)
	assert.Empty(t, disp.resets)
}

func TestSlotPoolExhaustion(t *testing.T) {
	disp := newFakeDispatcher()
	pool := NewSlotPool(disp, 2, 0)
	const device Device = 1

	_, ok, err := pool.NextReadySlot(device)
	require.NoError(t, err)
	require.True(t, ok)
	_, ok, err = pool.NextReadySlot(device)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = pool.NextReadySlot(device)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSlotPoolResetBatching(t *testing.T) {
	disp := newFakeDispatcher()
	pool := NewSlotPool(disp, 4, 2)
	const device Device = 1

	s0, _, _ := pool.NextReadySlot(device)
	s1, _, _ := pool.NextReadySlot(device)

	require.NoError(t, pool.ResetSlots(device, []uint32{s0}))
	assert.Empty(t, disp.resets, "below threshold, no hardware reset yet")
	snap := pool.Snapshot(device)
	assert.Equal(t, 1, snap.PendingHWReset)

	require.NoError(t, pool.ResetSlots(device, []uint32{s1}))
	assert.Len(t, disp.resets, 2, "threshold reached, batched reset issued")
	snap = pool.Snapshot(device)
	assert.Equal(t, 0, snap.PendingOnGPU)
	assert.Equal(t, 0, snap.PendingHWReset)
	assert.Equal(t, 4, snap.Ready)
}

func TestSlotPoolMaintenanceResetFlushesBelowThreshold(t *testing.T) {
	disp := newFakeDispatcher()
	pool := NewSlotPool(disp, 4, 10)
	const device Device = 1

	slot, _, _ := pool.NextReadySlot(device)
	require.NoError(t, pool.ResetSlots(device, []uint32{slot}))
	assert.Empty(t, disp.resets)

	require.NoError(t, pool.MaintenanceReset(device))
	assert.Len(t, disp.resets, 1)
	snap := pool.Snapshot(device)
	assert.Equal(t, 4, snap.Ready)
}

func TestSlotPoolRollbackWrongStateFaults(t *testing.T) {
	disp := newFakeDispatcher()
	pool := NewSlotPool(disp, 4, 0)
	const device Device = 1

	err := pool.RollbackPending(device, []uint32{0})
	require.Error(t, err)
	var fault *Fault
	assert.ErrorAs(t, err, &fault)
}
