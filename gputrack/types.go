// Package gputrack tracks graphics-API command-buffer lifetimes and
// converts the intercepted command stream into a time-ordered sequence
// of completed submissions, each annotated with correlated CPU and GPU
// timestamps, independent of any one graphics API.
package gputrack

import "github.com/google/uuid"

// Device, CommandPool, CommandBuffer and Queue are opaque handles
// supplied by the (out-of-scope) interception shim. The zero value of
// each is the "null handle" sentinel, mirroring VK_NULL_HANDLE.
type (
	Device        uintptr
	CommandPool   uintptr
	CommandBuffer uintptr
	Queue         uintptr
)

// TimestampStage distinguishes the two timestamp writes a Span needs.
type TimestampStage int

const (
	StageTopOfPipe TimestampStage = iota
	StageBottomOfPipe
)

// MarkerKind distinguishes the two halves of a nested debug marker.
type MarkerKind int

const (
	MarkerBegin MarkerKind = iota
	MarkerEnd
)

// Marker belongs to a command buffer and is consumed at submit time. Text
// is only meaningful for Begin markers; Slot is absent when capturing was
// off at the time mark_marker_begin/end was called.
type Marker struct {
	Kind MarkerKind
	Text string
	Slot *uint32
}

// CommandBufferState exists only between MarkCommandBufferBegin and the
// owning submission's PostSubmit step (or until Reset discards it).
// EndSlot is non-nil only if BeginSlot is non-nil.
type CommandBufferState struct {
	BeginSlot *uint32
	EndSlot   *uint32
	Markers   []Marker
}

// SubmittedSpan is a snapshot of a command buffer's span taken at submit
// time.
type SubmittedSpan struct {
	BeginSlot uint32
	EndSlot   uint32
}

// SubmissionMeta is host-side metadata stamped around a submit call.
type SubmissionMeta struct {
	ThreadID        int32
	PreSubmitCPUNs  uint64
	PostSubmitCPUNs uint64
}

// MarkerInfo pairs a SubmissionMeta with the slot index that was
// allocated for one half of a marker.
type MarkerInfo struct {
	Meta SubmissionMeta
	Slot uint32
}

// CompletedMarker is a fully or partially resolved nested debug marker.
// End is always present; Begin is absent when capture started mid-marker
// (no matching Begin was recorded with a slot).
type CompletedMarker struct {
	Text  string
	Depth int
	Begin *MarkerInfo
	End   MarkerInfo
}

// markerStackEntry is what QueueState.Stack holds between a Begin and its
// matching End.
type markerStackEntry struct {
	Text  string
	Begin *MarkerInfo
	Depth int
}

// Submission is one record corresponding to one graphics-API submit
// call: host metadata, every command-buffer span grouped by the
// original submit-info it belonged to, and any markers that closed
// during this submission.
type Submission struct {
	Meta             SubmissionMeta
	Groups           [][]SubmittedSpan
	NumBeginMarkers  int
	CompletedMarkers []CompletedMarker
}

// QueueState is the per-queue FIFO of pending Submissions plus the stack
// of in-flight markers, ordered by nesting depth.
type QueueState struct {
	Pending []*Submission
	Stack   []markerStackEntry
}

// SubmitInfo is one submit-info group: the command buffers submitted
// together in a single graphics-API submit-info entry. An empty
// SubmitInfo (no command buffers) is allowed.
type SubmitInfo struct {
	CommandBuffers []CommandBuffer
}

// CapturePredicate reports whether the tracker should currently be
// allocating slots and recording timestamp writes. Marker bookkeeping
// always happens regardless of this predicate's value.
type CapturePredicate func() bool

// Dispatcher supplies the timestamp-write and query-result-read
// primitives for a given device, standing in for the (out-of-scope)
// graphics-API interception shim.
type Dispatcher interface {
	// CreateQueryPool allocates a hardware query pool with room for
	// numPhysicalSlots timestamp queries on device.
	CreateQueryPool(device Device, numPhysicalSlots uint32) (QueryPool, error)
	// ResetQueryPool issues a hardware reset over [base, base+count).
	ResetQueryPool(device Device, pool QueryPool, base uint32, count uint32) error
	// RecordTimestampWrite records a timestamp-write command for stage
	// into cb, targeting the given physical slot of device's query
	// pool.
	RecordTimestampWrite(device Device, cb CommandBuffer, pool QueryPool, physicalSlot uint32, stage TimestampStage) error
	// ReadQueryResult performs a non-blocking read of one physical
	// slot's timestamp value. ready is false if the GPU has not yet
	// completed the corresponding write.
	ReadQueryResult(device Device, pool QueryPool, physicalSlot uint32) (value uint64, ready bool, err error)
}

// QueryPool is an opaque handle to a device's hardware query pool.
type QueryPool uintptr

// DeviceProperties supplies per-physical-device timing facts needed to
// correlate GPU ticks with the host clock.
type DeviceProperties interface {
	// TimestampPeriod returns nanoseconds per GPU timestamp-query tick.
	TimestampPeriod(device Device) float64
	// ApproxCPUGPUOffsetNs returns the approximate CPU-clock minus
	// GPU-clock offset in nanoseconds, as calibrated for device.
	ApproxCPUGPUOffsetNs(device Device) int64
}

// SpanResult is a begin/end pair of GPU timestamps already scaled to
// nanoseconds.
type SpanResult struct {
	BeginGPUNs uint64
	EndGPUNs   uint64
}

// BeginBlock carries the host metadata and GPU timestamp of the
// submission in which a marker's Begin half was recorded.
type BeginBlock struct {
	ThreadID        int32
	PreSubmitCPUNs  uint64
	PostSubmitCPUNs uint64
	BeginGPUNs      uint64
}

// CompletedMarkerResult is the serialized form of a CompletedMarker,
// with the marker's text already interned to a key.
type CompletedMarkerResult struct {
	TextKey  uint64
	Depth    int
	EndGPUNs uint64
	Begin    *BeginBlock
}

// SubmissionEvent is the fully correlated, ready-to-serialize form of a
// Submission: one event per completed graphics-API submit call.
type SubmissionEvent struct {
	SessionID        uuid.UUID
	Device           Device
	Queue            Queue
	ThreadID         int32
	PreSubmitCPUNs   uint64
	PostSubmitCPUNs  uint64
	GPUCPUOffsetNs   int64
	Groups           [][]SpanResult
	NumBeginMarkers  int
	CompletedMarkers []CompletedMarkerResult
}

// SubmissionSink receives one SubmissionEvent per completed Submission.
type SubmissionSink interface {
	EmitSubmission(ev SubmissionEvent)
}

// Interner maps marker text to a stable 64-bit key, so submission events
// carry keys instead of raw strings on the wire.
type Interner interface {
	Intern(text string) uint64
}
