// Package sink turns merger and gputrack domain events into wire
// messages and batches them for transport.
package sink

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/orbitlike/gputrace/gputrack"
	"github.com/orbitlike/gputrace/internal/grpc/pb"
	"github.com/orbitlike/gputrace/intern"
	"github.com/orbitlike/gputrace/merger"
)

// ExportVisitor implements merger.Visitor, converting every emitted
// merger.Event into a pb.MergerEventMessage and buffering it for the
// next Batcher flush. Data is rendered with fmt.Sprintf("%v", ...)
// since merger.Event.Data is intentionally domain-agnostic.
type ExportVisitor struct {
	mu     sync.Mutex
	events []pb.MergerEventMessage
}

func NewExportVisitor() *ExportVisitor {
	return &ExportVisitor{}
}

func (v *ExportVisitor) VisitEvent(stream merger.StreamID, event merger.Event) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.events = append(v.events, pb.MergerEventMessage{
		Stream:    uint64(stream),
		Timestamp: event.TS,
		Payload:   fmt.Sprintf("%v", event.Data),
	})
}

// Drain returns and clears the buffered events.
func (v *ExportVisitor) Drain() []pb.MergerEventMessage {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := v.events
	v.events = nil
	return out
}

// ExportSink implements gputrack.SubmissionSink, converting every
// emitted SubmissionEvent into a pb.SubmissionMessage and buffering it
// for the next Batcher flush.
type ExportSink struct {
	mu          sync.Mutex
	submissions []pb.SubmissionMessage
	interner    *intern.Table
}

func NewExportSink(interner *intern.Table) *ExportSink {
	return &ExportSink{interner: interner}
}

func (s *ExportSink) EmitSubmission(ev gputrack.SubmissionEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submissions = append(s.submissions, toSubmissionMessage(ev))
}

// Drain returns and clears the buffered submissions.
func (s *ExportSink) Drain() []pb.SubmissionMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.submissions
	s.submissions = nil
	return out
}

func toSubmissionMessage(ev gputrack.SubmissionEvent) pb.SubmissionMessage {
	groups := make([][]pb.SpanMessage, len(ev.Groups))
	for i, g := range ev.Groups {
		spans := make([]pb.SpanMessage, len(g))
		for j, s := range g {
			spans[j] = pb.SpanMessage{BeginGPUNs: s.BeginGPUNs, EndGPUNs: s.EndGPUNs}
		}
		groups[i] = spans
	}

	markers := make([]pb.CompletedMarkerMessage, len(ev.CompletedMarkers))
	for i, m := range ev.CompletedMarkers {
		var begin *pb.BeginBlockMessage
		if m.Begin != nil {
			begin = &pb.BeginBlockMessage{
				ThreadID:        m.Begin.ThreadID,
				PreSubmitCPUNs:  m.Begin.PreSubmitCPUNs,
				PostSubmitCPUNs: m.Begin.PostSubmitCPUNs,
				BeginGPUNs:      m.Begin.BeginGPUNs,
			}
		}
		markers[i] = pb.CompletedMarkerMessage{
			TextKey:  m.TextKey,
			Depth:    m.Depth,
			EndGPUNs: m.EndGPUNs,
			Begin:    begin,
		}
	}

	var sessionID string
	if ev.SessionID != uuid.Nil {
		sessionID = ev.SessionID.String()
	}

	return pb.SubmissionMessage{
		SessionID:        sessionID,
		Device:           uint64(ev.Device),
		Queue:            uint64(ev.Queue),
		ThreadID:         ev.ThreadID,
		PreSubmitCPUNs:   ev.PreSubmitCPUNs,
		PostSubmitCPUNs:  ev.PostSubmitCPUNs,
		GPUCPUOffsetNs:   ev.GPUCPUOffsetNs,
		Groups:           groups,
		NumBeginMarkers:  ev.NumBeginMarkers,
		CompletedMarkers: markers,
	}
}
