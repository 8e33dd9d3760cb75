package gputrack

import "sync"

// fakeDispatcher is a minimal in-memory Dispatcher used by tests in
// place of a real graphics-API driver. Timestamp values are just
// monotonically increasing counters keyed by (device, physical slot).
type fakeDispatcher struct {
	mu        sync.Mutex
	nextPool  QueryPool
	resets    []resetCall
	writes    []writeCall
	values    map[Device]map[uint32]uint64
	notReady  map[Device]map[uint32]bool
	nextValue uint64
}

type resetCall struct {
	Device Device
	Base   uint32
	Count  uint32
}

type writeCall struct {
	Device Device
	CB     CommandBuffer
	Slot   uint32
	Stage  TimestampStage
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{
		values:   make(map[Device]map[uint32]uint64),
		notReady: make(map[Device]map[uint32]bool),
	}
}

func (f *fakeDispatcher) CreateQueryPool(device Device, numPhysicalSlots uint32) (QueryPool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextPool++
	return f.nextPool, nil
}

func (f *fakeDispatcher) ResetQueryPool(device Device, pool QueryPool, base uint32, count uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets = append(f.resets, resetCall{Device: device, Base: base, Count: count})
	return nil
}

func (f *fakeDispatcher) RecordTimestampWrite(device Device, cb CommandBuffer, pool QueryPool, physicalSlot uint32, stage TimestampStage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, writeCall{Device: device, CB: cb, Slot: physicalSlot, Stage: stage})
	if f.values[device] == nil {
		f.values[device] = make(map[uint32]uint64)
	}
	f.nextValue++
	f.values[device][physicalSlot] = f.nextValue
	return nil
}

// setNotReady marks a physical slot as not-yet-available for the next
// ReadQueryResult call, simulating GPU work still in flight.
func (f *fakeDispatcher) setNotReady(device Device, physicalSlot uint32, notReady bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.notReady[device] == nil {
		f.notReady[device] = make(map[uint32]bool)
	}
	f.notReady[device][physicalSlot] = notReady
}

func (f *fakeDispatcher) ReadQueryResult(device Device, pool QueryPool, physicalSlot uint32) (uint64, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.notReady[device] != nil && f.notReady[device][physicalSlot] {
		return 0, false, nil
	}
	v, ok := f.values[device][physicalSlot]
	if !ok {
		return 0, false, nil
	}
	return v, true, nil
}

type fakeDeviceProperties struct {
	period float64
	offset int64
}

func (f fakeDeviceProperties) TimestampPeriod(Device) float64    { return f.period }
func (f fakeDeviceProperties) ApproxCPUGPUOffsetNs(Device) int64 { return f.offset }
