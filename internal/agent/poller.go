package agent

import (
	"context"
	"time"

	"maf/internal/bus"
	"maf/internal/events"
)

// Poller feeds an Adapter from bus history instead of a subscription. Each
// poll reads task.assigned events from its cursor onward; the adapter's
// attempt dedupe absorbs the overlap at the cursor.
type Poller struct {
	adapter  *Adapter
	bus      bus.Bus
	interval time.Duration
	cursor   time.Time
}

func NewPoller(a *Adapter, b bus.Bus, interval time.Duration) *Poller {
	return &Poller{adapter: a, bus: b, interval: interval}
}

// Run polls until ctx is done.
func (p *Poller) Run(ctx context.Context) {
	t := time.NewTicker(p.interval)
	defer t.Stop()
	for {
		if _, err := p.Poll(ctx); err != nil && ctx.Err() == nil {
			p.adapter.log.Warn("poll failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// Poll hands every assignment since the cursor to the adapter and returns
// how many events it saw.
func (p *Poller) Poll(ctx context.Context) (int, error) {
	n := 0
	for e := range p.bus.History(ctx, bus.Query{Since: p.cursor, Type: events.TaskAssigned}) {
		if err := p.adapter.Handle(ctx, e); err != nil {
			return n, err
		}
		if e.Timestamp.After(p.cursor) {
			p.cursor = e.Timestamp
		}
		n++
	}
	return n, ctx.Err()
}
