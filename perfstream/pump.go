package perfstream

import (
	"context"
	"sync"
	"time"

	"github.com/orbitlike/gputrace/merger"
	"github.com/orbitlike/gputrace/pkg/metrics"
)

type taggedEvent struct {
	stream merger.StreamID
	event  merger.Event
}

// Pump runs one Source per stream concurrently and funnels every
// decoded event through a single channel into one consumer goroutine,
// so the not-concurrency-safe Merger is only ever touched from that one
// goroutine — sources themselves may run on as many goroutines as there
// are streams. It drains the merger on a ticker.
type Pump struct {
	Merger        *merger.Merger
	DrainInterval time.Duration
	NodeName      string

	mu            sync.Mutex
	sources       map[merger.StreamID]Source
	lastDiscarded uint64
}

func NewPump(m *merger.Merger, drainInterval time.Duration, nodeName string) *Pump {
	return &Pump{Merger: m, DrainInterval: drainInterval, NodeName: nodeName, sources: make(map[merger.StreamID]Source)}
}

// AddSource registers src under stream. Call before Run.
func (p *Pump) AddSource(stream merger.StreamID, src Source) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sources[stream] = src
}

// Run starts every registered source in its own goroutine and drains
// the merger on a ticker until every source's Run has returned (on ctx
// cancellation or when its stream closes), then performs a final
// ProcessAll so nothing is left stranded in the queues. With no
// sources registered it returns right away.
func (p *Pump) Run(ctx context.Context) {
	p.mu.Lock()
	sources := make(map[merger.StreamID]Source, len(p.sources))
	for id, s := range p.sources {
		sources[id] = s
	}
	p.mu.Unlock()

	events := make(chan taggedEvent)
	var producers sync.WaitGroup
	for id, src := range sources {
		producers.Add(1)
		go func(id merger.StreamID, src Source) {
			defer producers.Done()
			_ = src.Run(ctx, func(event merger.Event) {
				select {
				case events <- taggedEvent{stream: id, event: event}:
				case <-ctx.Done():
				}
			})
		}(id, src)
	}

	done := make(chan struct{})
	go func() {
		producers.Wait()
		close(done)
	}()

	ticker := time.NewTicker(p.DrainInterval)
	defer ticker.Stop()

	for {
		select {
		case te := <-events:
			p.Merger.Push(te.stream, te.event)
		case now := <-ticker.C:
			p.Merger.DrainOld(uint64(now.UnixNano()))
			p.reportDiscarded()
		case <-done:
			p.Merger.ProcessAll()
			p.reportDiscarded()
			return
		}
	}
}

// reportDiscarded adds the delta since the last report to the
// gputrace_merger_discarded_out_of_order_total counter. DiscardedOutOfOrder
// only grows, so a delta-since-last-read keeps the counter's semantics
// intact across repeated calls.
func (p *Pump) reportDiscarded() {
	current := p.Merger.DiscardedOutOfOrder.Load()
	if delta := current - p.lastDiscarded; delta > 0 {
		metrics.DiscardedOutOfOrder.WithLabelValues(p.NodeName).Add(float64(delta))
	}
	p.lastDiscarded = current
}
