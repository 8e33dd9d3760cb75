package gputrack

import "sync"

// DefaultNumLogicalSlots is the default number of logical query slots
// per device, backed by 2x that many physical query-pool entries
// (begin at 2*i, end at 2*i+1).
const DefaultNumLogicalSlots = 16384

// SlotState is the lifecycle state of one logical query slot.
type SlotState int

const (
	SlotReady SlotState = iota
	SlotPendingOnGPU
	// SlotPendingHWReset is a slot whose GPU result has been consumed
	// and which is queued for a batched hardware reset, but has not
	// been reset yet. It is kept distinct from SlotPendingOnGPU so
	// that "no slot remains PendingOnGPU after completion" is an
	// observable invariant rather than conflated with reset bookkeeping.
	SlotPendingHWReset
)

type deviceSlots struct {
	pool         QueryPool
	states       []SlotState
	cursor       uint32
	pendingReset []uint32 // logical slot indices awaiting a hardware reset
	exhausted    uint64   // NextReadySlot calls that found no slot Ready
}

// SlotPool hands out GPU timer-query slot indices per device, tracks
// their lifecycle (Ready -> PendingOnGPU -> back to Ready once
// hardware-reset), and batches the physical hardware resets.
//
// All slot-state manipulation for every device goes through the same
// mutex: contention across devices is assumed to be low enough that a
// single lock is simpler and cheap than one per device.
type SlotPool struct {
	mu         sync.Mutex
	dispatcher Dispatcher
	numLogical uint32

	// resetBatchThreshold is how many logical slots accumulate in a
	// device's pendingReset list before ResetSlots issues the hardware
	// reset automatically, instead of waiting for a MaintenanceReset
	// call.
	resetBatchThreshold int

	devices map[Device]*deviceSlots
}

// NewSlotPool constructs a SlotPool. numLogical should normally be
// DefaultNumLogicalSlots; resetBatchThreshold of 0 disables automatic
// batching (every reset waits for an explicit MaintenanceReset).
func NewSlotPool(dispatcher Dispatcher, numLogical uint32, resetBatchThreshold int) *SlotPool {
	if numLogical == 0 {
		numLogical = DefaultNumLogicalSlots
	}
	return &SlotPool{
		dispatcher:          dispatcher,
		numLogical:          numLogical,
		resetBatchThreshold: resetBatchThreshold,
		devices:             make(map[Device]*deviceSlots),
	}
}

// numPhysical returns 2*numLogical, the hardware query-pool size.
func (p *SlotPool) numPhysical() uint32 { return p.numLogical * 2 }

func (p *SlotPool) ensureDevice(device Device) (*deviceSlots, error) {
	if ds, ok := p.devices[device]; ok {
		return ds, nil
	}
	pool, err := p.dispatcher.CreateQueryPool(device, p.numPhysical())
	if err != nil {
		return nil, fault("SlotPool.ensureDevice", err)
	}
	ds := &deviceSlots{
		pool:   pool,
		states: make([]SlotState, p.numLogical),
	}
	p.devices[device] = ds
	return ds, nil
}

// QueryPool returns device's hardware query-pool handle, lazily
// creating it on first use.
func (p *SlotPool) QueryPool(device Device) (QueryPool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ds, err := p.ensureDevice(device)
	if err != nil {
		return 0, err
	}
	return ds.pool, nil
}

// NextReadySlot scans from the rotating cursor forward, wrapping, for
// the first logical slot in state Ready, marks it PendingOnGPU, and
// returns its logical index. ok is false if no slot is currently Ready
// (every slot is PendingOnGPU or awaiting its hardware reset) — callers
// must treat that as fatal for capture quality.
func (p *SlotPool) NextReadySlot(device Device) (slot uint32, ok bool, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ds, err := p.ensureDevice(device)
	if err != nil {
		return 0, false, err
	}

	start := ds.cursor
	cur := start
	for {
		if ds.states[cur] == SlotReady {
			ds.states[cur] = SlotPendingOnGPU
			ds.cursor = (cur + 1) % p.numLogical
			return cur, true, nil
		}
		cur = (cur + 1) % p.numLogical
		if cur == start {
			ds.exhausted++
			return 0, false, nil
		}
	}
}

// ResetSlots records logical slot indices whose results have already
// been read as awaiting a hardware reset. Once a device's pending-reset
// count reaches resetBatchThreshold, the hardware reset is issued
// immediately and the slots flip back to Ready; otherwise they remain
// in SlotPendingHWReset until MaintenanceReset is called.
func (p *SlotPool) ResetSlots(device Device, logicalIndices []uint32) error {
	if len(logicalIndices) == 0 {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	ds, err := p.ensureDevice(device)
	if err != nil {
		return err
	}
	for _, idx := range logicalIndices {
		if ds.states[idx] != SlotPendingOnGPU {
			return faultf("SlotPool.ResetSlots", "slot %d not PendingOnGPU", idx)
		}
	}
	for _, idx := range logicalIndices {
		ds.states[idx] = SlotPendingHWReset
	}
	ds.pendingReset = append(ds.pendingReset, logicalIndices...)
	if p.resetBatchThreshold > 0 && len(ds.pendingReset) >= p.resetBatchThreshold {
		return p.flushPendingResetLocked(device, ds)
	}
	return nil
}

// MaintenanceReset forces any slots queued by ResetSlots to be
// hardware-reset right now, regardless of the batch threshold. Callers
// drive this on a timer or between capture sessions so slots queued
// below the threshold don't stay pending forever.
func (p *SlotPool) MaintenanceReset(device Device) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	ds, err := p.ensureDevice(device)
	if err != nil {
		return err
	}
	return p.flushPendingResetLocked(device, ds)
}

func (p *SlotPool) flushPendingResetLocked(device Device, ds *deviceSlots) error {
	if len(ds.pendingReset) == 0 {
		return nil
	}
	for _, idx := range ds.pendingReset {
		base := idx * 2
		if err := p.dispatcher.ResetQueryPool(device, ds.pool, base, 2); err != nil {
			return fault("SlotPool.flushPendingReset", err)
		}
		ds.states[idx] = SlotReady
	}
	ds.pendingReset = ds.pendingReset[:0]
	return nil
}

// RollbackPending returns slots that were allocated but never submitted
// to hardware (e.g. a command buffer was reset before submission) to
// Ready without issuing a hardware reset.
func (p *SlotPool) RollbackPending(device Device, logicalIndices []uint32) error {
	if len(logicalIndices) == 0 {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	ds, err := p.ensureDevice(device)
	if err != nil {
		return err
	}
	for _, idx := range logicalIndices {
		if ds.states[idx] != SlotPendingOnGPU {
			return faultf("SlotPool.RollbackPending", "slot %d not PendingOnGPU", idx)
		}
		ds.states[idx] = SlotReady
	}
	return nil
}

// Snapshot reports per-state slot counts for device, for diagnostics
// and metrics export.
type Snapshot struct {
	Ready          int
	PendingOnGPU   int
	PendingHWReset int
}

// ExhaustedCount returns the running total of NextReadySlot calls that
// found no logical slot Ready for device, for callers that
// export it as a cumulative counter (e.g. via Prometheus Add-delta).
func (p *SlotPool) ExhaustedCount(device Device) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	ds, ok := p.devices[device]
	if !ok {
		return 0
	}
	return ds.exhausted
}

func (p *SlotPool) Snapshot(device Device) Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	ds, ok := p.devices[device]
	if !ok {
		return Snapshot{}
	}
	var snap Snapshot
	for _, s := range ds.states {
		switch s {
		case SlotPendingOnGPU:
			snap.PendingOnGPU++
		case SlotPendingHWReset:
			snap.PendingHWReset++
		default:
			snap.Ready++
		}
	}
	return snap
}
