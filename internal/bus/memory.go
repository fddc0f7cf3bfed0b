package bus

import (
	"context"
	"iter"
	"sync"
	"time"

	"maf/internal/events"
	"maf/internal/logging"
	"maf/internal/metrics"
)

const DefaultHistorySize = 1000

// MemoryBus delivers in process. Each subscription owns a goroutine and an
// unbounded FIFO mailbox, so a slow handler delays only its own queue.
type MemoryBus struct {
	*hub

	historySize    int
	handlerTimeout time.Duration

	mu      sync.Mutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	ring    []events.Event
	head    int
	size    int

	inflight *inflight
	workers  sync.WaitGroup
}

type MemoryOption func(*MemoryBus)

// WithHandlerTimeout bounds each handler call; zero means no deadline.
func WithHandlerTimeout(d time.Duration) MemoryOption {
	return func(b *MemoryBus) { b.handlerTimeout = d }
}

func NewMemory(historySize int, log *logging.Logger, m *metrics.Metrics, opts ...MemoryOption) *MemoryBus {
	if historySize <= 0 {
		historySize = DefaultHistorySize
	}
	b := &MemoryBus{
		hub:         newHub("memory", log, m),
		historySize: historySize,
		ring:        make([]events.Event, historySize),
		inflight:    newInflight(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *MemoryBus) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return nil
	}
	b.ctx, b.cancel = context.WithCancel(context.WithoutCancel(ctx))
	b.running = true
	for _, s := range b.all() {
		s.box.reopen()
		b.spawn(s)
	}
	b.log.Info("event bus started", "history_size", b.historySize)
	return nil
}

// Stop drains every mailbox, then stops the workers. Events still queued
// when ctx expires are discarded.
func (b *MemoryBus) Stop(ctx context.Context) error {
	b.mu.Lock()
	running := b.running
	b.mu.Unlock()
	if !running {
		return nil
	}

	err := b.inflight.wait(ctx)
	b.mu.Lock()
	b.running = false
	b.mu.Unlock()
	for _, s := range b.all() {
		for range s.box.close() {
			b.inflight.done()
		}
	}
	b.cancel()
	b.workers.Wait()
	b.log.Info("event bus stopped")
	return err
}

// Flush blocks until no delivery is queued or running.
func (b *MemoryBus) Flush(ctx context.Context) error {
	return b.inflight.wait(ctx)
}

func (b *MemoryBus) Publish(ctx context.Context, e events.Event) error {
	if err := e.Validate(); err != nil {
		return err
	}
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return ErrNotRunning
	}
	b.mu.Unlock()

	if !b.admit(e) {
		b.drop(e)
		return nil
	}
	b.mu.Lock()
	b.record(e)
	b.mu.Unlock()
	b.published.Add(1)
	b.metrics.EventPublished(string(e.Type))

	for _, s := range b.matching(e) {
		b.inflight.add()
		if !s.box.push(e) {
			b.inflight.done()
		}
	}
	return nil
}

// record appends to the ring; b.mu must be held.
func (b *MemoryBus) record(e events.Event) {
	idx := (b.head + b.size) % b.historySize
	b.ring[idx] = e
	if b.size < b.historySize {
		b.size++
		return
	}
	b.head = (b.head + 1) % b.historySize
}

func (b *MemoryBus) Subscribe(t events.Type, h Handler, opts ...SubscribeOption) (string, error) {
	s, err := b.add(t, h, opts)
	if err != nil {
		return "", err
	}
	b.mu.Lock()
	if b.running {
		b.spawn(s)
	}
	b.mu.Unlock()
	return s.id, nil
}

func (b *MemoryBus) Unsubscribe(id string) bool {
	s := b.remove(id)
	if s == nil {
		return false
	}
	for range s.box.close() {
		b.inflight.done()
	}
	return true
}

// spawn starts the worker for s; b.mu must be held and the bus running.
func (b *MemoryBus) spawn(s *subscription) {
	b.workers.Add(1)
	go func() {
		defer b.workers.Done()
		b.work(b.ctx, s)
	}()
}

func (b *MemoryBus) work(ctx context.Context, s *subscription) {
	for {
		e, ok := s.box.pop(ctx)
		if !ok {
			return
		}
		b.handle(ctx, s, e)
		b.inflight.done()
	}
}

func (b *MemoryBus) handle(ctx context.Context, s *subscription, e events.Event) {
	hctx := ctx
	if b.handlerTimeout > 0 {
		var cancel context.CancelFunc
		hctx, cancel = context.WithTimeout(ctx, b.handlerTimeout)
		defer cancel()
	}
	if err := invoke(hctx, s, e); err != nil {
		report, ok := b.failure(s, e, err)
		if !ok {
			return
		}
		if perr := b.Publish(ctx, report); perr != nil {
			b.log.Warn("agent error not published", "event_id", e.ID, "error", perr.Error())
		}
		return
	}
	b.delivered.Add(1)
}

// History returns a snapshot taken at call time, ordered by timestamp.
func (b *MemoryBus) History(ctx context.Context, q Query) iter.Seq[events.Event] {
	b.mu.Lock()
	snap := make([]events.Event, 0, b.size)
	for i := 0; i < b.size; i++ {
		snap = append(snap, b.ring[(b.head+i)%b.historySize])
	}
	b.mu.Unlock()
	sortByTimestamp(snap)

	return func(yield func(events.Event) bool) {
		n := 0
		for _, e := range snap {
			if ctx.Err() != nil {
				return
			}
			if !q.match(e) {
				continue
			}
			if !yield(e) {
				return
			}
			n++
			if q.Limit > 0 && n >= q.Limit {
				return
			}
		}
	}
}

func (b *MemoryBus) Replay(ctx context.Context, seq iter.Seq[events.Event]) error {
	return replay(ctx, seq, b.Publish)
}

func (b *MemoryBus) Stats() Stats {
	st := b.stats()
	b.mu.Lock()
	st.Running = b.running
	st.HistorySize = b.size
	b.mu.Unlock()
	return st
}

type mailbox struct {
	mu     sync.Mutex
	queue  []events.Event
	signal chan struct{}
	closed bool
}

func newMailbox() *mailbox {
	return &mailbox{signal: make(chan struct{}, 1)}
}

func (m *mailbox) push(e events.Event) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.queue = append(m.queue, e)
	m.mu.Unlock()
	select {
	case m.signal <- struct{}{}:
	default:
	}
	return true
}

// pop waits for the next event. It returns false once the mailbox is
// closed and empty or ctx is done.
func (m *mailbox) pop(ctx context.Context) (events.Event, bool) {
	for {
		m.mu.Lock()
		if len(m.queue) > 0 {
			e := m.queue[0]
			m.queue[0] = events.Event{}
			m.queue = m.queue[1:]
			m.mu.Unlock()
			return e, true
		}
		closed := m.closed
		m.mu.Unlock()
		if closed {
			return events.Event{}, false
		}
		select {
		case <-m.signal:
		case <-ctx.Done():
			return events.Event{}, false
		}
	}
}

// close rejects further pushes and returns what was still queued.
func (m *mailbox) close() []events.Event {
	m.mu.Lock()
	m.closed = true
	left := m.queue
	m.queue = nil
	m.mu.Unlock()
	select {
	case m.signal <- struct{}{}:
	default:
	}
	return left
}

func (m *mailbox) reopen() {
	m.mu.Lock()
	m.closed = false
	m.mu.Unlock()
}

// inflight counts queued plus running deliveries.
type inflight struct {
	mu   sync.Mutex
	n    int
	idle chan struct{}
}

func newInflight() *inflight {
	idle := make(chan struct{})
	close(idle)
	return &inflight{idle: idle}
}

func (f *inflight) add() {
	f.mu.Lock()
	if f.n == 0 {
		f.idle = make(chan struct{})
	}
	f.n++
	f.mu.Unlock()
}

func (f *inflight) done() {
	f.mu.Lock()
	f.n--
	if f.n == 0 {
		close(f.idle)
	}
	f.mu.Unlock()
}

func (f *inflight) wait(ctx context.Context) error {
	f.mu.Lock()
	idle := f.idle
	f.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
