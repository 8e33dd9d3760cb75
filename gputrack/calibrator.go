package gputrack

// RawCalibrationSample is one bracketed CPU/GPU timestamp pair: a
// monotonic CPU clock read taken immediately around a GPU timestamp
// write whose raw tick value was GPUTicks. Acquiring these samples
// requires driving the graphics API's own event/fence primitives to
// bracket the write tightly, which sits in the (out-of-scope)
// interception shim; Calibrator only does the averaging.
type RawCalibrationSample struct {
	CPUNs    uint64
	GPUTicks uint64
}

// Calibrator derives the approximate CPU-minus-GPU clock offset for a
// device from a handful of bracketed samples: each sample pairs a
// monotonic CPU clock read with a GPU timestamp write taken around the
// same instant, and the offset is the mean of their per-sample
// differences.
type Calibrator struct {
	deviceProps DeviceProperties
}

func NewCalibrator(deviceProps DeviceProperties) *Calibrator {
	return &Calibrator{deviceProps: deviceProps}
}

// Calibrate scales each sample's raw GPU ticks to nanoseconds using
// device's timestamp period, takes cpu-minus-gpu for each, and returns
// the mean. At least one sample is required.
func (c *Calibrator) Calibrate(device Device, samples []RawCalibrationSample) (int64, error) {
	if len(samples) == 0 {
		return 0, faultf("Calibrator.Calibrate", "no calibration samples for device %v", device)
	}
	period := c.deviceProps.TimestampPeriod(device)
	var sum int64
	for _, s := range samples {
		gpuNs := int64(scaleToNs(s.GPUTicks, period))
		sum += int64(s.CPUNs) - gpuNs
	}
	return sum / int64(len(samples)), nil
}
