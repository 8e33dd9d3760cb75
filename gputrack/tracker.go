package gputrack

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"golang.org/x/sys/unix"
)

type queueEntry struct {
	state              QueueState
	awaitingPostSubmit *Submission
}

// Tracker is a concurrent state machine that owns four tables —
// pool-to-CBs, CB-to-device, CB-to-state, and
// queue-to-(submissions, marker-stack) — all guarded by a single
// reader/writer mutex, plus a SlotPool it drives but does not own.
type Tracker struct {
	mu sync.RWMutex

	dispatcher  Dispatcher
	slotPool    *SlotPool
	deviceProps DeviceProperties
	isCapturing CapturePredicate
	interner    Interner
	sink        SubmissionSink
	sessionID   uuid.UUID

	poolToCBs     map[CommandPool]map[CommandBuffer]struct{}
	cbToDevice    map[CommandBuffer]Device
	cbToState     map[CommandBuffer]*CommandBufferState
	queues        map[Queue]*queueEntry
	queueToDevice map[Queue]Device

	// submissionsEmitted is the running per-device total of Submissions
	// CompleteSubmits has handed to sink, for callers that export it as
	// a cumulative counter (e.g. via Prometheus Add-delta).
	submissionsEmitted map[Device]uint64

	// Now and ThreadIDFunc are overridable for tests; they default to
	// the wall clock and the calling OS thread id.
	Now          func() uint64
	ThreadIDFunc func() int32
}

// NewTracker constructs a Tracker. sessionID tags every emitted
// submission so a downstream consumer can recognize a capture-session
// boundary, since submissions are never reordered across unrelated
// sessions.
func NewTracker(dispatcher Dispatcher, slotPool *SlotPool, deviceProps DeviceProperties, isCapturing CapturePredicate, interner Interner, sink SubmissionSink, sessionID uuid.UUID) *Tracker {
	return &Tracker{
		dispatcher:         dispatcher,
		slotPool:           slotPool,
		deviceProps:        deviceProps,
		isCapturing:        isCapturing,
		interner:           interner,
		sink:               sink,
		sessionID:          sessionID,
		poolToCBs:          make(map[CommandPool]map[CommandBuffer]struct{}),
		cbToDevice:         make(map[CommandBuffer]Device),
		cbToState:          make(map[CommandBuffer]*CommandBufferState),
		queues:             make(map[Queue]*queueEntry),
		queueToDevice:      make(map[Queue]Device),
		submissionsEmitted: make(map[Device]uint64),
		Now:                func() uint64 { return uint64(time.Now().UnixNano()) },
		ThreadIDFunc:       func() int32 { return int32(unix.Gettid()) },
	}
}

func (t *Tracker) ensureQueue(queue Queue) *queueEntry {
	qe, ok := t.queues[queue]
	if !ok {
		qe = &queueEntry{}
		t.queues[queue] = qe
	}
	return qe
}

// TrackCommandBuffers registers each command buffer as belonging to
// pool and device. Every command buffer must be non-null and not
// already tracked for that pool.
func (t *Tracker) TrackCommandBuffers(device Device, pool CommandPool, cbs []CommandBuffer) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	set, ok := t.poolToCBs[pool]
	if !ok {
		set = make(map[CommandBuffer]struct{})
	}
	for _, cb := range cbs {
		if cb == 0 {
			return faultf("TrackCommandBuffers", "null command buffer handle")
		}
		if _, already := set[cb]; already {
			return faultf("TrackCommandBuffers", "command buffer %v already tracked for pool %v", cb, pool)
		}
		set[cb] = struct{}{}
		t.cbToDevice[cb] = device
	}
	t.poolToCBs[pool] = set
	return nil
}

// UntrackCommandBuffers is the inverse of TrackCommandBuffers. It
// asserts the stored device matches and removes the pool's entry
// entirely once it becomes empty.
func (t *Tracker) UntrackCommandBuffers(device Device, pool CommandPool, cbs []CommandBuffer) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	set, ok := t.poolToCBs[pool]
	if !ok {
		return faultf("UntrackCommandBuffers", "command pool %v not tracked", pool)
	}
	for _, cb := range cbs {
		d, tracked := t.cbToDevice[cb]
		if !tracked {
			return faultf("UntrackCommandBuffers", "command buffer %v not tracked", cb)
		}
		if d != device {
			return faultf("UntrackCommandBuffers", "device mismatch untracking command buffer %v", cb)
		}
		delete(set, cb)
		delete(t.cbToDevice, cb)
		delete(t.cbToState, cb)
	}
	if len(set) == 0 {
		delete(t.poolToCBs, pool)
	} else {
		t.poolToCBs[pool] = set
	}
	return nil
}

// MarkCommandBufferBegin creates an empty CommandBufferState for cb.
// If capturing is off, it returns immediately; otherwise it allocates a
// slot and records a top-of-pipe timestamp write, stashing the slot as
// the span's begin-slot.
func (t *Tracker) MarkCommandBufferBegin(cb CommandBuffer) error {
	t.mu.Lock()
	t.cbToState[cb] = &CommandBufferState{}
	capturing := t.isCapturing()
	device, tracked := t.cbToDevice[cb]
	t.mu.Unlock()

	if !capturing {
		return nil
	}
	if !tracked {
		return faultf("MarkCommandBufferBegin", "command buffer %v not tracked", cb)
	}

	slot, pool, err := t.allocateAndWrite(device, cb, StageTopOfPipe)
	if err != nil {
		return err
	}

	t.mu.Lock()
	state := t.cbToState[cb]
	s := slot
	state.BeginSlot = &s
	t.mu.Unlock()
	_ = pool
	return nil
}

// MarkCommandBufferEnd allocates a slot and records a bottom-of-pipe
// timestamp write if capturing is on and a begin-slot was recorded; it
// is a no-op otherwise. Its single mutation of the CB's end-slot is
// made while holding only a reader lock: safe because the graphics API
// forbids concurrent recording into the same command buffer, so no
// other writer can target this particular state concurrently. An
// implementation without that external guarantee must upgrade this to
// a writer lock.
func (t *Tracker) MarkCommandBufferEnd(cb CommandBuffer) error {
	t.mu.RLock()
	state, ok := t.cbToState[cb]
	if !ok {
		t.mu.RUnlock()
		return faultf("MarkCommandBufferEnd", "command buffer %v not tracked", cb)
	}
	capturing := t.isCapturing()
	if !capturing || state.BeginSlot == nil {
		t.mu.RUnlock()
		return nil
	}
	device := t.cbToDevice[cb]
	t.mu.RUnlock()

	slot, _, err := t.allocateAndWrite(device, cb, StageBottomOfPipe)
	if err != nil {
		return err
	}

	t.mu.RLock()
	s := slot
	state.EndSlot = &s
	t.mu.RUnlock()
	return nil
}

func (t *Tracker) allocateAndWrite(device Device, cb CommandBuffer, stage TimestampStage) (uint32, QueryPool, error) {
	slot, found, err := t.slotPool.NextReadySlot(device)
	if err != nil {
		return 0, 0, err
	}
	if !found {
		return 0, 0, faultf("allocateAndWrite", "slot pool exhausted for device %v", device)
	}
	pool, err := t.slotPool.QueryPool(device)
	if err != nil {
		return 0, 0, err
	}
	if err := t.dispatcher.RecordTimestampWrite(device, cb, pool, slot*2, stage); err != nil {
		return 0, 0, fault("allocateAndWrite", err)
	}
	return slot, pool, nil
}

// MarkMarkerBegin appends a Begin marker to cb's state. Text is always
// recorded regardless of capturing, so nested-marker depth survives a
// capture-state toggle; a slot is additionally allocated and written
// only while capturing.
func (t *Tracker) MarkMarkerBegin(cb CommandBuffer, text string) error {
	t.mu.Lock()
	state, ok := t.cbToState[cb]
	if !ok {
		t.mu.Unlock()
		return faultf("MarkMarkerBegin", "command buffer %v not tracked", cb)
	}
	capturing := t.isCapturing()
	device := t.cbToDevice[cb]
	state.Markers = append(state.Markers, Marker{Kind: MarkerBegin, Text: text})
	idx := len(state.Markers) - 1
	t.mu.Unlock()

	if !capturing {
		return nil
	}
	slot, _, err := t.allocateAndWrite(device, cb, StageTopOfPipe)
	if err != nil {
		return err
	}
	t.mu.Lock()
	s := slot
	state.Markers[idx].Slot = &s
	t.mu.Unlock()
	return nil
}

// MarkMarkerEnd appends an End marker to cb's state, symmetrically to
// MarkMarkerBegin.
func (t *Tracker) MarkMarkerEnd(cb CommandBuffer) error {
	t.mu.Lock()
	state, ok := t.cbToState[cb]
	if !ok {
		t.mu.Unlock()
		return faultf("MarkMarkerEnd", "command buffer %v not tracked", cb)
	}
	capturing := t.isCapturing()
	device := t.cbToDevice[cb]
	state.Markers = append(state.Markers, Marker{Kind: MarkerEnd})
	idx := len(state.Markers) - 1
	t.mu.Unlock()

	if !capturing {
		return nil
	}
	slot, _, err := t.allocateAndWrite(device, cb, StageBottomOfPipe)
	if err != nil {
		return err
	}
	t.mu.Lock()
	s := slot
	state.Markers[idx].Slot = &s
	t.mu.Unlock()
	return nil
}

// PreSubmit runs only while capturing. It snapshots each command
// buffer's span (only for CBs with a begin-slot) into a new Submission
// appended to the queue, and stamps thread-id/pre-submit-cpu-ns. A
// command buffer with a begin-slot but no end-slot is a fatal
// invariant violation.
func (t *Tracker) PreSubmit(queue Queue, submitInfos []SubmitInfo) error {
	if !t.isCapturing() {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	sub := &Submission{
		Meta: SubmissionMeta{
			ThreadID:       t.ThreadIDFunc(),
			PreSubmitCPUNs: t.Now(),
		},
	}
	for _, si := range submitInfos {
		var group []SubmittedSpan
		for _, cb := range si.CommandBuffers {
			if cb == 0 {
				return faultf("PreSubmit", "null command buffer handle")
			}
			state, ok := t.cbToState[cb]
			if !ok || state.BeginSlot == nil {
				continue
			}
			if state.EndSlot == nil {
				return faultf("PreSubmit", "command buffer %v has begin-slot without end-slot", cb)
			}
			group = append(group, SubmittedSpan{BeginSlot: *state.BeginSlot, EndSlot: *state.EndSlot})
		}
		sub.Groups = append(sub.Groups, group)
	}

	qe := t.ensureQueue(queue)
	qe.state.Pending = append(qe.state.Pending, sub)
	qe.awaitingPostSubmit = sub
	return nil
}

// PostSubmit stamps post-submit-cpu-ns onto the Submission PreSubmit
// just appended for this queue, if any, then unconditionally — whether
// or not capturing is on — folds every CB's markers into the queue's
// marker stack and erases the CB's CommandBufferState. This is the only
// path that removes CommandBufferState under normal operation.
func (t *Tracker) PostSubmit(queue Queue, submitInfos []SubmitInfo) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	qe := t.ensureQueue(queue)
	var sub *Submission
	if qe.awaitingPostSubmit != nil {
		sub = qe.awaitingPostSubmit
		sub.Meta.PostSubmitCPUNs = t.Now()
		qe.awaitingPostSubmit = nil
	}

	// A queue's device is learned lazily from any CB it submits, since
	// there is no dedicated track-queue operation; CompleteSubmits(device)
	// relies on this to find a queue's pending submissions.
	for _, si := range submitInfos {
		for _, cb := range si.CommandBuffers {
			if d, ok := t.cbToDevice[cb]; ok {
				if _, known := t.queueToDevice[queue]; !known {
					t.queueToDevice[queue] = d
				}
			}
			state, ok := t.cbToState[cb]
			if !ok {
				continue
			}
			for _, marker := range state.Markers {
				switch marker.Kind {
				case MarkerBegin:
					var info *MarkerInfo
					if marker.Slot != nil && sub != nil {
						info = &MarkerInfo{Meta: sub.Meta, Slot: *marker.Slot}
						sub.NumBeginMarkers++
					}
					qe.state.Stack = append(qe.state.Stack, markerStackEntry{
						Text:  marker.Text,
						Begin: info,
						Depth: len(qe.state.Stack),
					})
				case MarkerEnd:
					if len(qe.state.Stack) == 0 {
						return faultf("PostSubmit", "marker End popped an empty stack on queue %v", queue)
					}
					top := qe.state.Stack[len(qe.state.Stack)-1]
					qe.state.Stack = qe.state.Stack[:len(qe.state.Stack)-1]
					if marker.Slot != nil && sub != nil {
						end := MarkerInfo{Meta: sub.Meta, Slot: *marker.Slot}
						sub.CompletedMarkers = append(sub.CompletedMarkers, CompletedMarker{
							Text:  top.Text,
							Depth: top.Depth,
							Begin: top.Begin,
							End:   end,
						})
					}
				}
			}
			delete(t.cbToState, cb)
		}
	}
	return nil
}

// ResetCB discards cb's pending CommandBufferState, if any, rolling
// back every slot it had allocated without issuing a hardware reset —
// the command was never submitted to the GPU.
func (t *Tracker) ResetCB(cb CommandBuffer) error {
	t.mu.Lock()
	state, ok := t.cbToState[cb]
	if !ok {
		t.mu.Unlock()
		return nil
	}
	var slots []uint32
	if state.BeginSlot != nil {
		slots = append(slots, *state.BeginSlot)
	}
	if state.EndSlot != nil {
		slots = append(slots, *state.EndSlot)
	}
	for _, m := range state.Markers {
		if m.Slot != nil {
			slots = append(slots, *m.Slot)
		}
	}
	device := t.cbToDevice[cb]
	delete(t.cbToState, cb)
	t.mu.Unlock()

	if len(slots) == 0 {
		return nil
	}
	return t.slotPool.RollbackPending(device, slots)
}

// ResetPool discards every tracked command buffer's pending state for
// pool via ResetCB.
func (t *Tracker) ResetPool(pool CommandPool) error {
	t.mu.Lock()
	set, ok := t.poolToCBs[pool]
	if !ok {
		t.mu.Unlock()
		return nil
	}
	cbs := make([]CommandBuffer, 0, len(set))
	for cb := range set {
		cbs = append(cbs, cb)
	}
	t.mu.Unlock()

	for _, cb := range cbs {
		if err := t.ResetCB(cb); err != nil {
			return err
		}
	}
	return nil
}

// CompleteSubmits is the reclamation pass: for every queue known to
// belong to device, it walks the pending-submission FIFO oldest-first,
// probing the hardware query pool for the last CB's end-slot in the
// last non-empty submit-info group. A Submission whose every
// submit-info is empty is pruned without reading any timestamps. The
// first not-ready Submission on a queue stops the scan for that queue —
// later Submissions on the same queue cannot be ready earlier, because
// GPU completion follows submission order on a queue.
func (t *Tracker) CompleteSubmits(device Device) error {
	pool, err := t.slotPool.QueryPool(device)
	if err != nil {
		return err
	}

	type extracted struct {
		queue Queue
		sub   *Submission
	}
	var toEmit []extracted

	t.mu.Lock()
	for queue, qe := range t.queues {
		if t.queueToDevice[queue] != device {
			continue
		}
		for len(qe.state.Pending) > 0 {
			sub := qe.state.Pending[0]
			lastGroup := lastNonEmptyGroup(sub.Groups)
			if lastGroup == nil {
				qe.state.Pending = qe.state.Pending[1:]
				continue
			}
			lastSpan := lastGroup[len(lastGroup)-1]
			_, ready, err := t.dispatcher.ReadQueryResult(device, pool, lastSpan.EndSlot*2)
			if err != nil {
				t.mu.Unlock()
				return fault("CompleteSubmits", err)
			}
			if !ready {
				break
			}
			qe.state.Pending = qe.state.Pending[1:]
			toEmit = append(toEmit, extracted{queue: queue, sub: sub})
		}
	}
	t.mu.Unlock()

	if len(toEmit) == 0 {
		return nil
	}

	period := t.deviceProps.TimestampPeriod(device)
	offset := t.deviceProps.ApproxCPUGPUOffsetNs(device)
	var resetList []uint32

	for _, item := range toEmit {
		sub := item.sub
		groupsResult := make([][]SpanResult, len(sub.Groups))
		for gi, group := range sub.Groups {
			res := make([]SpanResult, len(group))
			for si, span := range group {
				beginVal, _, err := t.dispatcher.ReadQueryResult(device, pool, span.BeginSlot*2)
				if err != nil {
					return fault("CompleteSubmits", err)
				}
				endVal, _, err := t.dispatcher.ReadQueryResult(device, pool, span.EndSlot*2)
				if err != nil {
					return fault("CompleteSubmits", err)
				}
				res[si] = SpanResult{
					BeginGPUNs: scaleToNs(beginVal, period),
					EndGPUNs:   scaleToNs(endVal, period),
				}
				resetList = append(resetList, span.BeginSlot, span.EndSlot)
			}
			groupsResult[gi] = res
		}

		completedMarkers := make([]CompletedMarkerResult, len(sub.CompletedMarkers))
		for i, cm := range sub.CompletedMarkers {
			endVal, _, err := t.dispatcher.ReadQueryResult(device, pool, cm.End.Slot*2)
			if err != nil {
				return fault("CompleteSubmits", err)
			}
			var begin *BeginBlock
			if cm.Begin != nil {
				beginVal, _, err := t.dispatcher.ReadQueryResult(device, pool, cm.Begin.Slot*2)
				if err != nil {
					return fault("CompleteSubmits", err)
				}
				begin = &BeginBlock{
					ThreadID:        cm.Begin.Meta.ThreadID,
					PreSubmitCPUNs:  cm.Begin.Meta.PreSubmitCPUNs,
					PostSubmitCPUNs: cm.Begin.Meta.PostSubmitCPUNs,
					BeginGPUNs:      scaleToNs(beginVal, period),
				}
				resetList = append(resetList, cm.Begin.Slot)
			}
			completedMarkers[i] = CompletedMarkerResult{
				TextKey:  t.interner.Intern(cm.Text),
				Depth:    cm.Depth,
				EndGPUNs: scaleToNs(endVal, period),
				Begin:    begin,
			}
			resetList = append(resetList, cm.End.Slot)
		}

		t.sink.EmitSubmission(SubmissionEvent{
			SessionID:        t.sessionID,
			Device:           device,
			Queue:            item.queue,
			ThreadID:         sub.Meta.ThreadID,
			PreSubmitCPUNs:   sub.Meta.PreSubmitCPUNs,
			PostSubmitCPUNs:  sub.Meta.PostSubmitCPUNs,
			GPUCPUOffsetNs:   offset,
			Groups:           groupsResult,
			NumBeginMarkers:  sub.NumBeginMarkers,
			CompletedMarkers: completedMarkers,
		})
	}

	t.mu.Lock()
	t.submissionsEmitted[device] += uint64(len(toEmit))
	t.mu.Unlock()

	return t.slotPool.ResetSlots(device, resetList)
}

// SubmissionsEmitted returns the running total of Submissions
// CompleteSubmits has handed to sink for device, for callers that
// export it as a cumulative counter (e.g. via Prometheus Add-delta).
func (t *Tracker) SubmissionsEmitted(device Device) uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.submissionsEmitted[device]
}

// Devices returns every device this Tracker has observed, through
// either a tracked command buffer or a queue that has submitted at
// least once. Callers use it to know which devices to pass to
// CompleteSubmits/MaintenanceReset without keeping their own registry.
func (t *Tracker) Devices() []Device {
	t.mu.RLock()
	defer t.mu.RUnlock()

	seen := make(map[Device]struct{})
	for _, d := range t.cbToDevice {
		seen[d] = struct{}{}
	}
	for _, d := range t.queueToDevice {
		seen[d] = struct{}{}
	}
	devices := make([]Device, 0, len(seen))
	for d := range seen {
		devices = append(devices, d)
	}
	return devices
}

// Close flushes every known device's pending hardware resets via
// MaintenanceReset, so that slots a shutting-down capture queued for
// reset but never hit the batch threshold on don't stay parked in
// SlotPendingHWReset. Per-device errors are aggregated with
// multierr.Combine rather than stopping at the first failing device.
func (t *Tracker) Close() error {
	var errs []error
	for _, device := range t.Devices() {
		if err := t.slotPool.MaintenanceReset(device); err != nil {
			errs = append(errs, err)
		}
	}
	return multierr.Combine(errs...)
}

func lastNonEmptyGroup(groups [][]SubmittedSpan) []SubmittedSpan {
	for i := len(groups) - 1; i >= 0; i-- {
		if len(groups[i]) > 0 {
			return groups[i]
		}
	}
	return nil
}

func scaleToNs(ticks uint64, period float64) uint64 {
	return uint64(float64(ticks) * period)
}
