// Package perfstream adapts kernel ring buffers into merger.Merger
// pushes.
package perfstream

import (
	"context"
	"errors"

	"github.com/cilium/ebpf/ringbuf"
	"go.uber.org/zap"

	"github.com/orbitlike/gputrace/merger"
)

// Decoder turns one raw ring-buffer record into a merger.Event. It
// returns an error for a malformed record; the source logs and skips
// it rather than treating it as fatal.
type Decoder func(raw []byte) (merger.Event, error)

// Source pumps one pre-sorted perf-event stream into a Merger.
type Source interface {
	// Run reads until ctx is cancelled or the underlying stream closes,
	// pushing every decoded event onto push.
	Run(ctx context.Context, push func(event merger.Event)) error
}

// RingBufferSource wraps a *ringbuf.Reader from one kernel ring buffer,
// decoding each record with Decode and feeding the result to the
// Merger via the push callback.
type RingBufferSource struct {
	Reader *ringbuf.Reader
	Decode Decoder
	Logger *zap.Logger
}

func NewRingBufferSource(reader *ringbuf.Reader, decode Decoder, logger *zap.Logger) *RingBufferSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RingBufferSource{Reader: reader, Decode: decode, Logger: logger}
}

func (s *RingBufferSource) Run(ctx context.Context, push func(event merger.Event)) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		record, err := s.Reader.Read()
		if err != nil {
			if errors.Is(err, ringbuf.ErrClosed) {
				return nil
			}
			s.Logger.Error("ring buffer read error", zap.Error(err))
			continue
		}

		if len(record.RawSample) == 0 {
			s.Logger.Warn("empty ring buffer record")
			continue
		}

		event, err := s.Decode(record.RawSample)
		if err != nil {
			s.Logger.Error("decoding ring buffer record", zap.Error(err))
			continue
		}
		push(event)
	}
}
