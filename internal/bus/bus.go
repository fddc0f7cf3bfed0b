// Package bus delivers events between the orchestrator and agents.
//
// Two backends share one contract: MemoryBus keeps everything in process,
// LogBus appends to a partitioned log in SQLite and consumes it through
// consumer groups so several processes can cooperate.
package bus

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"maf/internal/events"
	"maf/internal/logging"
	"maf/internal/metrics"
)

// AllTypes subscribes a handler to every event type.
const AllTypes events.Type = "*"

var (
	ErrNotRunning = errors.New("bus is not running")
	ErrNilHandler = errors.New("handler is required")
)

// Handler processes one event. Returning an error or panicking is reported
// as an agent.error event; it never stops delivery to other handlers.
type Handler func(ctx context.Context, e events.Event) error

// Filter admits an event when it returns true. An event is delivered only
// when every registered filter admits it.
type Filter func(e events.Event) bool

// Query selects history. Zero fields match everything.
type Query struct {
	Since  time.Time
	Source string
	Type   events.Type
	Limit  int
}

func (q Query) match(e events.Event) bool {
	if !q.Since.IsZero() && e.Timestamp.Before(q.Since) {
		return false
	}
	if q.Source != "" && e.Source != q.Source {
		return false
	}
	if q.Type != "" && q.Type != AllTypes && e.Type != q.Type {
		return false
	}
	return true
}

type Stats struct {
	Backend             string              `json:"backend"`
	Running             bool                `json:"running"`
	Published           uint64              `json:"published"`
	Delivered           uint64              `json:"delivered"`
	Dropped             uint64              `json:"dropped"`
	HandlerErrors       uint64              `json:"handler_errors"`
	Subscriptions       int                 `json:"subscriptions"`
	SubscriptionsByType map[events.Type]int `json:"subscriptions_by_type"`
	HistorySize         int                 `json:"history_size"`
	Partitions          []int               `json:"partitions,omitempty"`
}

type Bus interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Publish(ctx context.Context, e events.Event) error
	Subscribe(t events.Type, h Handler, opts ...SubscribeOption) (string, error)
	Unsubscribe(id string) bool
	AddFilter(f Filter)
	History(ctx context.Context, q Query) iter.Seq[events.Event]
	Replay(ctx context.Context, seq iter.Seq[events.Event]) error
	Stats() Stats
}

type subscribeOptions struct {
	consumer string
}

type SubscribeOption func(*subscribeOptions)

// AsConsumer names the subscriber. Events with a Target are delivered only
// to subscriptions whose consumer name equals the target.
func AsConsumer(name string) SubscribeOption {
	return func(o *subscribeOptions) { o.consumer = name }
}

type subscription struct {
	id       string
	typ      events.Type
	consumer string
	handler  Handler
	// box is used only by MemoryBus.
	box *mailbox
}

func (s *subscription) accepts(e events.Event) bool {
	if s.typ != AllTypes && s.typ != e.Type {
		return false
	}
	return e.Target == "" || e.Target == s.consumer
}

func (s *subscription) name() string {
	if s.consumer != "" {
		return s.consumer
	}
	return s.id
}

// hub is the subscription registry, filter chain and counters shared by
// both backends.
type hub struct {
	backend string
	log     *logging.Logger
	metrics *metrics.Metrics

	mu      sync.RWMutex
	subs    map[string]*subscription
	order   []string
	filters []Filter

	published     atomic.Uint64
	delivered     atomic.Uint64
	dropped       atomic.Uint64
	handlerErrors atomic.Uint64
}

func newHub(backend string, log *logging.Logger, m *metrics.Metrics) *hub {
	if log == nil {
		log = logging.NopLogger()
	}
	return &hub{
		backend: backend,
		log:     log.WithComponent("bus").With("backend", backend),
		metrics: m,
		subs:    map[string]*subscription{},
	}
}

func (h *hub) add(t events.Type, handler Handler, opts []SubscribeOption) (*subscription, error) {
	if handler == nil {
		return nil, ErrNilHandler
	}
	if t == "" {
		return nil, fmt.Errorf("event type is required")
	}
	var o subscribeOptions
	for _, opt := range opts {
		opt(&o)
	}
	s := &subscription{id: uuid.NewString(), typ: t, consumer: o.consumer, handler: handler, box: newMailbox()}
	h.mu.Lock()
	h.subs[s.id] = s
	h.order = append(h.order, s.id)
	n := len(h.subs)
	h.mu.Unlock()
	h.metrics.SetSubscriptions(n)
	return s, nil
}

func (h *hub) remove(id string) *subscription {
	h.mu.Lock()
	s, ok := h.subs[id]
	if ok {
		delete(h.subs, id)
		for i, sid := range h.order {
			if sid == id {
				h.order = append(h.order[:i], h.order[i+1:]...)
				break
			}
		}
	}
	n := len(h.subs)
	h.mu.Unlock()
	if !ok {
		return nil
	}
	h.metrics.SetSubscriptions(n)
	return s
}

func (h *hub) AddFilter(f Filter) {
	if f == nil {
		return
	}
	h.mu.Lock()
	h.filters = append(h.filters, f)
	h.mu.Unlock()
}

// admit runs the filter chain; a panicking filter rejects the event.
func (h *hub) admit(e events.Event) (ok bool) {
	h.mu.RLock()
	filters := h.filters
	h.mu.RUnlock()
	defer func() {
		if r := recover(); r != nil {
			h.log.Error("filter panicked", "event_id", e.ID, "event_type", string(e.Type), "panic", fmt.Sprint(r))
			ok = false
		}
	}()
	for _, f := range filters {
		if !f(e) {
			return false
		}
	}
	return true
}

func (h *hub) drop(e events.Event) {
	h.dropped.Add(1)
	h.metrics.EventDropped(string(e.Type))
	h.log.Debug("event filtered", "event_id", e.ID, "event_type", string(e.Type))
}

func (h *hub) matching(e events.Event) []*subscription {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []*subscription
	for _, id := range h.order {
		if s := h.subs[id]; s.accepts(e) {
			out = append(out, s)
		}
	}
	return out
}

func (h *hub) all() []*subscription {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*subscription, 0, len(h.order))
	for _, id := range h.order {
		out = append(out, h.subs[id])
	}
	return out
}

func (h *hub) stats() Stats {
	h.mu.RLock()
	byType := make(map[events.Type]int, len(h.subs))
	for _, s := range h.subs {
		byType[s.typ]++
	}
	n := len(h.subs)
	h.mu.RUnlock()
	return Stats{
		Backend:             h.backend,
		Published:           h.published.Load(),
		Delivered:           h.delivered.Load(),
		Dropped:             h.dropped.Load(),
		HandlerErrors:       h.handlerErrors.Load(),
		Subscriptions:       n,
		SubscriptionsByType: byType,
	}
}

// invoke runs the handler and converts a panic into an error.
func invoke(ctx context.Context, s *subscription, e events.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return s.handler(ctx, e)
}

// failure records a handler error and builds the agent.error event to
// publish, if any. Failures while handling agent.error or system.error are
// only logged.
func (h *hub) failure(s *subscription, e events.Event, err error) (events.Event, bool) {
	h.handlerErrors.Add(1)
	h.metrics.HandlerError(string(e.Type))
	h.log.Error("handler failed",
		"subscription", s.id,
		"consumer", s.consumer,
		"event_id", e.ID,
		"event_type", string(e.Type),
		"error", err.Error(),
	)
	if e.Type == events.AgentError || e.Type == events.SystemError {
		return events.Event{}, false
	}
	report := events.New("bus", events.AgentErrorPayload{
		Consumer:   s.name(),
		EventID:    e.ID,
		FailedType: e.Type,
		TaskID:     e.TaskID(),
		Error:      err.Error(),
	}, events.WithCorrelation(e.CorrelationID))
	return report, true
}

func sortByTimestamp(evs []events.Event) {
	sort.SliceStable(evs, func(i, j int) bool { return evs[i].Timestamp.Before(evs[j].Timestamp) })
}

// replay republishes every event of seq through publish.
func replay(ctx context.Context, seq iter.Seq[events.Event], publish func(context.Context, events.Event) error) error {
	for e := range seq {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := publish(ctx, e); err != nil {
			return fmt.Errorf("replay %s: %w", e.ID, err)
		}
	}
	return nil
}
