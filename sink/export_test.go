package sink

import (
	"testing"

	"github.com/google/uuid"
	"github.com/orbitlike/gputrace/gputrack"
	"github.com/orbitlike/gputrace/intern"
	"github.com/orbitlike/gputrace/merger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExportVisitorDrain(t *testing.T) {
	v := NewExportVisitor()
	v.VisitEvent(merger.StreamID(1), merger.Event{TS: 10, Data: "hello"})
	v.VisitEvent(merger.StreamID(2), merger.Event{TS: 20, Data: 42})

	events := v.Drain()
	require.Len(t, events, 2)
	assert.Equal(t, uint64(1), events[0].Stream)
	assert.Equal(t, "hello", events[0].Payload)
	assert.Equal(t, "42", events[1].Payload)

	assert.Empty(t, v.Drain(), "Drain clears the buffer")
}

func TestExportSinkToSubmissionMessage(t *testing.T) {
	tbl := intern.New()
	s := NewExportSink(tbl)
	key := tbl.Intern("outer")

	s.EmitSubmission(gputrack.SubmissionEvent{
		SessionID:       uuid.Nil,
		Device:          1,
		Queue:           2,
		ThreadID:        99,
		PreSubmitCPUNs:  100,
		PostSubmitCPUNs: 200,
		GPUCPUOffsetNs:  -5,
		Groups: [][]gputrack.SpanResult{
			{{BeginGPUNs: 1000, EndGPUNs: 2000}},
		},
		NumBeginMarkers: 1,
		CompletedMarkers: []gputrack.CompletedMarkerResult{
			{TextKey: key, Depth: 0, EndGPUNs: 1500},
		},
	})

	msgs := s.Drain()
	require.Len(t, msgs, 1)
	m := msgs[0]
	assert.Equal(t, "", m.SessionID, "uuid.Nil serializes as empty")
	assert.Equal(t, uint64(1), m.Device)
	require.Len(t, m.Groups, 1)
	assert.Equal(t, uint64(1000), m.Groups[0][0].BeginGPUNs)
	require.Len(t, m.CompletedMarkers, 1)
	assert.Nil(t, m.CompletedMarkers[0].Begin)

	assert.Empty(t, s.Drain())
}
