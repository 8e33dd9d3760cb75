package sink

import (
	"context"
	"time"

	"github.com/orbitlike/gputrace/intern"
	"github.com/orbitlike/gputrace/internal/grpc/pb"
)

// Batcher periodically drains an ExportVisitor and ExportSink into a
// pb.Batch and emits it on a channel.
type Batcher struct {
	nodeName string
	window   time.Duration
	visitor  *ExportVisitor
	submits  *ExportSink
	interner *intern.Table
}

func NewBatcher(nodeName string, window time.Duration, visitor *ExportVisitor, submits *ExportSink, interner *intern.Table) *Batcher {
	return &Batcher{nodeName: nodeName, window: window, visitor: visitor, submits: submits, interner: interner}
}

// Run starts the flush loop and returns a channel of batches; it closes
// the channel once ctx is cancelled, after a final flush.
func (b *Batcher) Run(ctx context.Context) <-chan *pb.Batch {
	out := make(chan *pb.Batch)

	go func() {
		defer close(out)
		ticker := time.NewTicker(b.window)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				if batch := b.flush(); batch != nil {
					out <- batch
				}
				return
			case <-ticker.C:
				if batch := b.flush(); batch != nil {
					out <- batch
				}
			}
		}
	}()

	return out
}

func (b *Batcher) flush() *pb.Batch {
	mergerEvents := b.visitor.Drain()
	submissions := b.submits.Drain()
	if len(mergerEvents) == 0 && len(submissions) == 0 {
		return nil
	}

	var interned []pb.InternedString
	for text, key := range b.interner.Lookup() {
		interned = append(interned, pb.InternedString{Key: key, Text: text})
	}

	return &pb.Batch{
		NodeName:     b.nodeName,
		Submissions:  submissions,
		MergerEvents: mergerEvents,
		Interned:     interned,
	}
}
