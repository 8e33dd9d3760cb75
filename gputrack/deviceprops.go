package gputrack

import "sync"

// StaticDeviceProperties is a concurrency-safe DeviceProperties backed
// by a per-device table: one place that remembers each device's
// timestampPeriod and its calibrated CPU/GPU offset.
type StaticDeviceProperties struct {
	mu      sync.RWMutex
	periods map[Device]float64
	offsets map[Device]int64
}

func NewStaticDeviceProperties() *StaticDeviceProperties {
	return &StaticDeviceProperties{
		periods: make(map[Device]float64),
		offsets: make(map[Device]int64),
	}
}

// RegisterTimestampPeriod records device's nanoseconds-per-tick, read
// once from the graphics API's physical-device limits at device
// creation time.
func (p *StaticDeviceProperties) RegisterTimestampPeriod(device Device, period float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.periods[device] = period
}

// RegisterApproxCpuTimestampOffset stores the offset a Calibrator run
// produced for device.
func (p *StaticDeviceProperties) RegisterApproxCpuTimestampOffset(device Device, offsetNs int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.offsets[device] = offsetNs
}

func (p *StaticDeviceProperties) TimestampPeriod(device Device) float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.periods[device]
}

func (p *StaticDeviceProperties) ApproxCPUGPUOffsetNs(device Device) int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.offsets[device]
}
