// Package vkshim stands in for the graphics-API interception shim: the
// driver entry-point trampolines that turn command-buffer recording and
// queue submission into calls on a gputrack.Tracker. That shim itself
// is an external collaborator and out of scope here. This package
// instead supplies a concrete gputrack.Dispatcher and
// gputrack.DeviceProperties: a software-simulated timer-query backend
// good enough to drive the tracker end-to-end without a real GPU, and
// the shape a real driver-backed implementation would fill in.
package vkshim

import (
	"sync"
	"time"

	"github.com/orbitlike/gputrace/gputrack"
)

// SimulatedDispatcher implements gputrack.Dispatcher by recording
// timestamp writes against a simulated monotonic GPU clock and making
// results available after a configurable artificial latency, so that
// CompleteSubmits' "not ready yet" path is exercisable without real
// hardware.
type SimulatedDispatcher struct {
	mu       sync.Mutex
	latency  time.Duration
	nextPool gputrack.QueryPool
	pools    map[gputrack.Device]gputrack.QueryPool
	results  map[gputrack.Device]map[uint32]pendingResult
	now      func() time.Time
}

type pendingResult struct {
	value   uint64
	readyAt time.Time
}

// NewSimulatedDispatcher constructs a SimulatedDispatcher. latency is
// how long a query result stays not-ready after being written,
// simulating in-flight GPU work.
func NewSimulatedDispatcher(latency time.Duration) *SimulatedDispatcher {
	return &SimulatedDispatcher{
		latency: latency,
		pools:   make(map[gputrack.Device]gputrack.QueryPool),
		results: make(map[gputrack.Device]map[uint32]pendingResult),
		now:     time.Now,
	}
}

func (d *SimulatedDispatcher) CreateQueryPool(device gputrack.Device, numPhysicalSlots uint32) (gputrack.QueryPool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if p, ok := d.pools[device]; ok {
		return p, nil
	}
	d.nextPool++
	d.pools[device] = d.nextPool
	d.results[device] = make(map[uint32]pendingResult)
	return d.nextPool, nil
}

func (d *SimulatedDispatcher) ResetQueryPool(device gputrack.Device, pool gputrack.QueryPool, base uint32, count uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := base; i < base+count; i++ {
		delete(d.results[device], i)
	}
	return nil
}

func (d *SimulatedDispatcher) RecordTimestampWrite(device gputrack.Device, cb gputrack.CommandBuffer, pool gputrack.QueryPool, physicalSlot uint32, stage gputrack.TimestampStage) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	if d.results[device] == nil {
		d.results[device] = make(map[uint32]pendingResult)
	}
	d.results[device][physicalSlot] = pendingResult{
		value:   uint64(now.UnixNano()),
		readyAt: now.Add(d.latency),
	}
	return nil
}

func (d *SimulatedDispatcher) ReadQueryResult(device gputrack.Device, pool gputrack.QueryPool, physicalSlot uint32) (uint64, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.results[device][physicalSlot]
	if !ok {
		return 0, false, nil
	}
	if d.now().Before(r.readyAt) {
		return 0, false, nil
	}
	return r.value, true, nil
}

// StaticClockOffsetProperties is a gputrack.DeviceProperties where
// every device shares the same timestamp period and a zero CPU/GPU
// offset, appropriate for SimulatedDispatcher since its "GPU clock" is
// already host nanoseconds.
type StaticClockOffsetProperties struct{}

func (StaticClockOffsetProperties) TimestampPeriod(gputrack.Device) float64    { return 1.0 }
func (StaticClockOffsetProperties) ApproxCPUGPUOffsetNs(gputrack.Device) int64 { return 0 }
