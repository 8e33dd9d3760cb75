// Package pb holds the wire messages and hand-written gRPC service
// stubs exchanged between gputraced and its collector.
package pb

// SpanMessage is one SpanResult on the wire.
type SpanMessage struct {
	BeginGPUNs uint64 `json:"begin_gpu_ns"`
	EndGPUNs   uint64 `json:"end_gpu_ns"`
}

// BeginBlockMessage is one BeginBlock on the wire.
type BeginBlockMessage struct {
	ThreadID        int32  `json:"thread_id"`
	PreSubmitCPUNs  uint64 `json:"pre_submit_cpu_ns"`
	PostSubmitCPUNs uint64 `json:"post_submit_cpu_ns"`
	BeginGPUNs      uint64 `json:"begin_gpu_ns"`
}

// CompletedMarkerMessage is one CompletedMarkerResult on the wire.
type CompletedMarkerMessage struct {
	TextKey  uint64             `json:"text_key"`
	Depth    int                `json:"depth"`
	EndGPUNs uint64             `json:"end_gpu_ns"`
	Begin    *BeginBlockMessage `json:"begin,omitempty"`
}

// SubmissionMessage is one gputrack.SubmissionEvent on the wire.
type SubmissionMessage struct {
	SessionID        string                    `json:"session_id"`
	Device           uint64                    `json:"device"`
	Queue            uint64                    `json:"queue"`
	ThreadID         int32                     `json:"thread_id"`
	PreSubmitCPUNs   uint64                    `json:"pre_submit_cpu_ns"`
	PostSubmitCPUNs  uint64                    `json:"post_submit_cpu_ns"`
	GPUCPUOffsetNs   int64                     `json:"gpu_cpu_offset_ns"`
	Groups           [][]SpanMessage           `json:"groups"`
	NumBeginMarkers  int                       `json:"num_begin_markers"`
	CompletedMarkers []CompletedMarkerMessage  `json:"completed_markers"`
}

// MergerEventMessage is one merged perf event on the wire: the
// merger's StreamID plus a flattened copy of whatever Event.Data
// carried, already rendered to a string by the caller since
// merger.Event.Data is domain-specific and not itself wire-shaped.
type MergerEventMessage struct {
	Stream    uint64 `json:"stream"`
	Timestamp uint64 `json:"timestamp_ns"`
	Payload   string `json:"payload"`
}

// InternedString is one entry of the string-interning table, exported
// alongside a batch so the collector can resolve CompletedMarkerMessage
// TextKeys back to text.
type InternedString struct {
	Key  uint64 `json:"key"`
	Text string `json:"text"`
}

// Batch is the top-level message gputraced sends: everything observed
// in one export window, from one node.
type Batch struct {
	NodeName     string                `json:"node_name"`
	Submissions  []SubmissionMessage   `json:"submissions,omitempty"`
	MergerEvents []MergerEventMessage  `json:"merger_events,omitempty"`
	Interned     []InternedString      `json:"interned,omitempty"`
}

// Ack is the collector's response to a Batch.
type Ack struct {
	Accepted int32  `json:"accepted"`
	Message  string `json:"message,omitempty"`
}
