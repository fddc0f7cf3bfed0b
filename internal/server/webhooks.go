package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"maf/internal/bus"
	"maf/internal/config"
	"maf/internal/events"
	"maf/internal/logging"
)

const (
	defaultWebhookTimeout = 5 * time.Second
	defaultWebhookQueue   = 256
	webhookConsumer       = "webhooks"
)

type delivery struct {
	hook  config.WebhookConfig
	event events.Event
}

// WebhookForwarder posts selected bus events to HTTP endpoints. Events
// addressed to a specific consumer are not forwarded. Deliveries are queued
// so a slow endpoint never holds up the bus.
type WebhookForwarder struct {
	bus        bus.Bus
	hooks      []config.WebhookConfig
	filters    []eventFilter
	client     *http.Client
	log        *logging.Logger
	newBackOff func() backoff.BackOff

	mu      sync.Mutex
	running bool
	sub     string
	queue   chan delivery
	done    chan struct{}
}

func NewWebhookForwarder(b bus.Bus, hooks []config.WebhookConfig, log *logging.Logger) *WebhookForwarder {
	var active []config.WebhookConfig
	for _, h := range hooks {
		if h.Enabled != nil && !*h.Enabled {
			continue
		}
		if strings.TrimSpace(h.URL) == "" {
			continue
		}
		active = append(active, h)
	}
	f := &WebhookForwarder{
		bus:    b,
		hooks:  active,
		client: &http.Client{},
		log:    log.WithComponent("webhooks"),
		newBackOff: func() backoff.BackOff {
			exp := backoff.NewExponentialBackOff()
			exp.InitialInterval = 200 * time.Millisecond
			exp.MaxElapsedTime = 30 * time.Second
			return backoff.WithMaxRetries(exp, 5)
		},
	}
	for _, h := range active {
		f.filters = append(f.filters, newEventFilter(h.Events))
	}
	return f
}

// Start subscribes to the bus. It is a no-op when no webhook is enabled.
func (f *WebhookForwarder) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running || len(f.hooks) == 0 {
		return nil
	}
	id, err := f.bus.Subscribe(bus.AllTypes, f.enqueue, bus.AsConsumer(webhookConsumer))
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	f.sub = id
	f.queue = make(chan delivery, defaultWebhookQueue)
	f.done = make(chan struct{})
	f.running = true
	go f.run(context.WithoutCancel(ctx), f.queue, f.done)
	f.log.Info("webhooks enabled", "count", len(f.hooks))
	return nil
}

// Stop unsubscribes and drains queued deliveries until ctx ends.
func (f *WebhookForwarder) Stop(ctx context.Context) error {
	f.mu.Lock()
	if !f.running {
		f.mu.Unlock()
		return nil
	}
	f.running = false
	f.bus.Unsubscribe(f.sub)
	close(f.queue)
	done := f.done
	f.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *WebhookForwarder) enqueue(_ context.Context, e events.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.running {
		return nil
	}
	for i, hook := range f.hooks {
		if !f.filters[i].match(string(e.Type)) {
			continue
		}
		select {
		case f.queue <- delivery{hook: hook, event: e}:
		default:
			f.log.Warn("webhook queue full, dropping event", "url", hook.URL, "type", e.Type, "event_id", e.ID)
		}
	}
	return nil
}

func (f *WebhookForwarder) run(ctx context.Context, queue <-chan delivery, done chan<- struct{}) {
	defer close(done)
	for d := range queue {
		if err := f.deliver(ctx, d.hook, d.event); err != nil {
			f.log.Error("webhook delivery failed", "url", d.hook.URL, "type", d.event.Type, "event_id", d.event.ID, "error", err)
		}
	}
}

func (f *WebhookForwarder) deliver(ctx context.Context, hook config.WebhookConfig, e events.Event) error {
	data, err := json.Marshal(eventResponse(e))
	if err != nil {
		return backoff.Permanent(err)
	}
	timeout := defaultWebhookTimeout
	if hook.Timeout > 0 {
		timeout = hook.Timeout
	}
	return backoff.Retry(func() error {
		reqCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return f.post(reqCtx, hook.URL, e, data)
	}, backoff.WithContext(f.newBackOff(), ctx))
}

func (f *WebhookForwarder) post(ctx context.Context, url string, e events.Event, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Maf-Event", string(e.Type))
	req.Header.Set("X-Maf-Delivery", e.ID)
	res, err := f.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode >= 200 && res.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
	err = fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	// client errors will not improve on retry
	if res.StatusCode >= 400 && res.StatusCode < 500 && res.StatusCode != http.StatusTooManyRequests {
		return backoff.Permanent(err)
	}
	return err
}

type eventFilter struct {
	all      bool
	set      map[string]struct{}
	prefixes []string
}

// newEventFilter matches exact types ("task.failed") or a whole family
// ("task.*"). An empty list matches everything.
func newEventFilter(types []string) eventFilter {
	if len(types) == 0 {
		return eventFilter{all: true}
	}
	f := eventFilter{set: make(map[string]struct{}, len(types))}
	for _, t := range types {
		key := strings.TrimSpace(t)
		switch {
		case key == "":
			continue
		case key == "*":
			return eventFilter{all: true}
		case strings.HasSuffix(key, ".*"):
			f.prefixes = append(f.prefixes, strings.TrimSuffix(key, "*"))
		default:
			f.set[key] = struct{}{}
		}
	}
	if len(f.set) == 0 && len(f.prefixes) == 0 {
		return eventFilter{all: true}
	}
	return f
}

func (f eventFilter) match(t string) bool {
	if f.all {
		return true
	}
	if _, ok := f.set[t]; ok {
		return true
	}
	for _, p := range f.prefixes {
		if strings.HasPrefix(t, p) {
			return true
		}
	}
	return false
}
