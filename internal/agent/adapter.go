// Package agent connects task workers to the bus. An Adapter receives
// task.assigned events for one role, runs the work off the bus goroutine
// and reports the outcome back as task events.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"maf/internal/bus"
	"maf/internal/config"
	"maf/internal/domain"
	"maf/internal/events"
	"maf/internal/logging"
)

const (
	ModeEvent = "event"
	ModePoll  = "poll"

	DefaultDedupeSize = 1024
)

// Assignment is the work handed to a Worker.
type Assignment struct {
	TaskID        string
	FeatureID     string
	Role          string
	Description   string
	RetryCount    int
	CorrelationID string
}

type Result struct {
	Output string
}

type Worker interface {
	Execute(ctx context.Context, a Assignment) (Result, error)
}

// WorkerFunc adapts a function to Worker.
type WorkerFunc func(ctx context.Context, a Assignment) (Result, error)

func (f WorkerFunc) Execute(ctx context.Context, a Assignment) (Result, error) { return f(ctx, a) }

type Config struct {
	// Name identifies this agent instance in events; defaults to Role.
	Name              string
	Role              string
	Mode              string
	MaxConcurrent     int
	HeartbeatInterval time.Duration
	PollInterval      time.Duration
	// Timeout bounds one execution; zero means no limit.
	Timeout    time.Duration
	DedupeSize int
}

func ConfigFrom(role string, c config.AgentConfig) Config {
	return Config{
		Role:              role,
		Mode:              c.Mode,
		MaxConcurrent:     c.MaxConcurrent,
		HeartbeatInterval: c.HeartbeatInterval,
		PollInterval:      c.PollInterval,
		Timeout:           c.Timeout,
	}
}

type Adapter struct {
	cfg    Config
	bus    bus.Bus
	worker Worker
	log    *logging.Logger

	seen *lru.Cache[string, struct{}]
	sem  chan struct{}
	wg   sync.WaitGroup

	active    atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64

	mu      sync.Mutex
	running bool
	subs    []string
	runCtx  context.Context
	cancel  context.CancelFunc
	loops   sync.WaitGroup
	stopBg  context.CancelFunc
}

func NewAdapter(cfg Config, b bus.Bus, w Worker, log *logging.Logger) (*Adapter, error) {
	cfg.Role = domain.NormalizeRole(cfg.Role)
	if cfg.Role == "" {
		return nil, errors.New("agent role is required")
	}
	if b == nil || w == nil {
		return nil, errors.New("bus and worker are required")
	}
	if cfg.Name == "" {
		cfg.Name = cfg.Role
	}
	switch cfg.Mode {
	case "":
		cfg.Mode = ModeEvent
	case ModeEvent, ModePoll:
	default:
		return nil, fmt.Errorf("unknown agent mode %q", cfg.Mode)
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.DedupeSize <= 0 {
		cfg.DedupeSize = DefaultDedupeSize
	}
	if cfg.Mode == ModePoll && cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	seen, err := lru.New[string, struct{}](cfg.DedupeSize)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = logging.NopLogger()
	}
	return &Adapter{
		cfg:    cfg,
		bus:    b,
		worker: w,
		log:    log.WithComponent(cfg.Name).With("role", cfg.Role),
		seen:   seen,
		sem:    make(chan struct{}, cfg.MaxConcurrent),
	}, nil
}

func (a *Adapter) Name() string { return a.cfg.Name }
func (a *Adapter) Role() string { return a.cfg.Role }

// Start subscribes (event mode) or starts polling (poll mode), announces
// agent.started and begins heartbeats.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return nil
	}
	a.runCtx, a.cancel = context.WithCancel(context.WithoutCancel(ctx))
	bg, stopBg := context.WithCancel(a.runCtx)
	a.stopBg = stopBg

	if a.cfg.Mode == ModeEvent {
		id, err := a.bus.Subscribe(events.TaskAssigned, a.Handle, bus.AsConsumer(a.cfg.Role))
		if err != nil {
			stopBg()
			a.cancel()
			return fmt.Errorf("subscribe: %w", err)
		}
		a.subs = append(a.subs, id)
	} else {
		p := NewPoller(a, a.bus, a.cfg.PollInterval)
		a.loops.Add(1)
		go func() {
			defer a.loops.Done()
			p.Run(bg)
		}()
	}
	id, err := a.bus.Subscribe(events.SystemHealthCheck, func(ctx context.Context, _ events.Event) error {
		a.heartbeat(ctx)
		return nil
	}, bus.AsConsumer(a.cfg.Role))
	if err == nil {
		a.subs = append(a.subs, id)
	}

	if a.cfg.HeartbeatInterval > 0 {
		a.loops.Add(1)
		go func() {
			defer a.loops.Done()
			a.heartbeats(bg)
		}()
	}
	a.running = true
	a.publish(ctx, events.AgentStartedPayload{Agent: a.cfg.Name, Role: a.cfg.Role})
	a.log.Info("agent started", "mode", a.cfg.Mode, "max_concurrent", a.cfg.MaxConcurrent)
	return nil
}

// Stop stops taking new work and waits for running executions. If ctx ends
// first the executions are cancelled and their failures reported.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = false
	for _, id := range a.subs {
		a.bus.Unsubscribe(id)
	}
	a.subs = nil
	stopBg, cancel := a.stopBg, a.cancel
	a.mu.Unlock()

	stopBg()
	a.loops.Wait()

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
		cancel()
		<-done
	}
	cancel()
	a.publish(context.WithoutCancel(ctx), events.AgentStoppedPayload{Agent: a.cfg.Name, Role: a.cfg.Role, Reason: "stopped"})
	a.log.Info("agent stopped", "completed", a.completed.Load(), "failed", a.failed.Load())
	return err
}

// Wait blocks until no execution is running.
func (a *Adapter) Wait() { a.wg.Wait() }

// Handle accepts a task.assigned event. Assignments for other roles and
// repeated deliveries of the same attempt are ignored. Execution happens on
// its own goroutine.
func (a *Adapter) Handle(_ context.Context, e events.Event) error {
	p, ok := e.Payload.(events.TaskAssignedPayload)
	if !ok || domain.NormalizeRole(p.AgentRole) != a.cfg.Role {
		return nil
	}
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return nil
	}
	runCtx := a.runCtx
	a.wg.Add(1)
	a.mu.Unlock()

	key := fmt.Sprintf("%s#%d", p.TaskID, p.RetryCount)
	if seen, _ := a.seen.ContainsOrAdd(key, struct{}{}); seen {
		a.wg.Done()
		a.log.Debug("duplicate assignment ignored", "task_id", p.TaskID, "retry_count", p.RetryCount)
		return nil
	}
	corr := e.CorrelationID
	if corr == "" {
		corr = p.TaskID
	}
	asg := Assignment{
		TaskID:        p.TaskID,
		FeatureID:     p.FeatureID,
		Role:          a.cfg.Role,
		Description:   p.Description,
		RetryCount:    p.RetryCount,
		CorrelationID: corr,
	}
	go a.execute(runCtx, key, asg)
	return nil
}

func (a *Adapter) execute(ctx context.Context, key string, asg Assignment) {
	defer a.wg.Done()
	log := a.log.WithTask(asg.TaskID)
	select {
	case a.sem <- struct{}{}:
	case <-ctx.Done():
		// never started; let a redelivery run it
		a.seen.Remove(key)
		return
	}
	defer func() { <-a.sem }()
	a.active.Add(1)
	defer a.active.Add(-1)

	corr := events.WithCorrelation(asg.CorrelationID)
	a.publish(ctx, events.TaskStartedPayload{TaskID: asg.TaskID, FeatureID: asg.FeatureID, Agent: a.cfg.Name}, corr)
	log.Info("task started", "retry_count", asg.RetryCount)

	execCtx := ctx
	if a.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, a.cfg.Timeout)
		defer cancel()
	}
	res, err := a.run(execCtx, asg)
	report := context.WithoutCancel(ctx)
	if err != nil {
		a.failed.Add(1)
		log.Warn("task failed", "error", err)
		a.publish(report, events.TaskFailedPayload{TaskID: asg.TaskID, FeatureID: asg.FeatureID, Agent: a.cfg.Name, Error: err.Error()}, corr)
		return
	}
	a.completed.Add(1)
	log.Info("task completed")
	a.publish(report, events.TaskCompletedPayload{TaskID: asg.TaskID, FeatureID: asg.FeatureID, Agent: a.cfg.Name, Result: res.Output}, corr)
}

// run shields the adapter from worker panics.
func (a *Adapter) run(ctx context.Context, asg Assignment) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker panic: %v", r)
		}
	}()
	return a.worker.Execute(ctx, asg)
}

func (a *Adapter) heartbeats(ctx context.Context) {
	t := time.NewTicker(a.cfg.HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			a.heartbeat(ctx)
		}
	}
}

func (a *Adapter) heartbeat(ctx context.Context) {
	a.publish(ctx, events.AgentHeartbeatPayload{
		Agent:       a.cfg.Name,
		Role:        a.cfg.Role,
		ActiveTasks: int(a.active.Load()),
		Completed:   int(a.completed.Load()),
		Failed:      int(a.failed.Load()),
	})
}

func (a *Adapter) publish(ctx context.Context, p events.Payload, opts ...events.Option) {
	e := events.New(a.cfg.Name, p, opts...)
	if err := a.bus.Publish(ctx, e); err != nil {
		a.log.Error("publish failed", "type", e.Type, "error", err)
	}
}
