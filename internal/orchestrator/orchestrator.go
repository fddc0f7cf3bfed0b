// Package orchestrator drives features through decomposition, dispatch and
// recovery. It reacts to bus events and runs the periodic health and
// recovery loops; all record changes go through the engine.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"

	"maf/internal/bus"
	"maf/internal/config"
	"maf/internal/decompose"
	"maf/internal/domain"
	"maf/internal/engine"
	"maf/internal/events"
	"maf/internal/logging"
	"maf/internal/metrics"
	"maf/internal/repo"
)

const (
	DefaultName       = "orchestrator"
	DefaultDedupeSize = 4096

	// NewFeatureRequest is the custom event name that asks for a new feature.
	NewFeatureRequest = "new_feature_request"
)

type Config struct {
	Name             string
	HealthInterval   time.Duration
	RecoveryInterval time.Duration
	StallTimeout     time.Duration
	AssignTimeout    time.Duration
	MaxRetries       int
	CleanupInterval  time.Duration
	Retention        time.Duration
	// Roles restricts planned tasks to known agent roles. Empty accepts any.
	Roles      []string
	DedupeSize int
}

func ConfigFrom(c config.OrchestratorConfig) Config {
	return Config{
		Name:             c.Name,
		HealthInterval:   c.HealthInterval,
		RecoveryInterval: c.RecoveryInterval,
		StallTimeout:     c.StallTimeout,
		AssignTimeout:    c.AssignTimeout,
		MaxRetries:       c.MaxRetries,
		CleanupInterval:  c.CleanupInterval,
		Retention:        c.Retention,
		Roles:            c.Roles,
	}
}

type Orchestrator struct {
	cfg        Config
	bus        bus.Bus
	engine     engine.Engine
	decomposer decompose.Decomposer
	log        *logging.Logger
	metrics    *metrics.Metrics

	seen *lru.Cache[string, struct{}]

	// dispatchMu keeps dispatch passes from interleaving; featureMu does the
	// same for decomposition of a feature.
	dispatchMu sync.Mutex
	featureMu  sync.Mutex

	mu      sync.Mutex
	running bool
	subs    []string
	cancel  context.CancelFunc
	group   *errgroup.Group

	// decompositions run on the orchestrator's own group, never on the bus
	// callback; inflight holds the features being decomposed.
	workMu   sync.Mutex
	runCtx   context.Context
	work     *errgroup.Group
	inflight map[string]struct{}
	idle     chan struct{}
}

func New(cfg Config, b bus.Bus, eng engine.Engine, d decompose.Decomposer, log *logging.Logger, m *metrics.Metrics) (*Orchestrator, error) {
	if b == nil {
		return nil, errors.New("bus is required")
	}
	if d == nil {
		return nil, errors.New("decomposer is required")
	}
	if cfg.Name == "" {
		cfg.Name = DefaultName
	}
	if cfg.DedupeSize <= 0 {
		cfg.DedupeSize = DefaultDedupeSize
	}
	if cfg.StallTimeout <= 0 {
		return nil, errors.New("stall timeout must be positive")
	}
	seen, err := lru.New[string, struct{}](cfg.DedupeSize)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = logging.NopLogger()
	}
	eng.MaxRetries = cfg.MaxRetries
	if eng.Metrics == nil {
		eng.Metrics = m
	}
	return &Orchestrator{
		cfg:        cfg,
		bus:        b,
		engine:     eng,
		decomposer: d,
		log:        log.WithComponent(cfg.Name),
		metrics:    m,
		seen:       seen,
	}, nil
}

func (o *Orchestrator) Name() string { return o.cfg.Name }

// Engine returns the engine the orchestrator mutates state through.
func (o *Orchestrator) Engine() engine.Engine { return o.engine }

// Start subscribes to the protocol events, announces work left over from a
// previous run and starts the timers. The bus must already be running.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		return nil
	}
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	g, gctx := errgroup.WithContext(loopCtx)
	o.workMu.Lock()
	o.runCtx, o.work = gctx, g
	o.workMu.Unlock()

	handlers := []struct {
		typ events.Type
		h   bus.Handler
	}{
		{events.FeatureCreated, o.handleFeatureCreated},
		{events.TaskStarted, o.handleTaskStarted},
		{events.TaskCompleted, o.handleTaskCompleted},
		{events.TaskFailed, o.handleTaskFailed},
		{events.Custom, o.handleCustom},
		{events.AgentError, o.handleAgentError},
	}
	for _, s := range handlers {
		id, err := o.bus.Subscribe(s.typ, o.once(s.h), bus.AsConsumer(o.cfg.Name))
		if err != nil {
			o.unsubscribe()
			o.stopWork()
			cancel()
			_ = g.Wait()
			return fmt.Errorf("subscribe %s: %w", s.typ, err)
		}
		o.subs = append(o.subs, id)
	}

	// assignments left from a previous run go out before anything new is
	// dispatched, so no task is announced twice
	if err := o.reannounce(ctx); err != nil {
		o.log.Warn("re-announcing assigned tasks failed", "error", err)
	}
	if _, err := o.resumePending(ctx); err != nil {
		o.log.Warn("resuming undecomposed features failed", "error", err)
	}
	if _, err := o.Dispatch(ctx); err != nil {
		o.log.Warn("initial dispatch failed", "error", err)
	}

	g.Go(func() error { return o.every(gctx, o.cfg.HealthInterval, "health check", o.healthTick) })
	g.Go(func() error { return o.every(gctx, o.cfg.RecoveryInterval, "recovery", o.recoveryTick) })
	if o.cfg.CleanupInterval > 0 {
		g.Go(func() error { return o.every(gctx, o.cfg.CleanupInterval, "cleanup", o.cleanupTick) })
	}
	o.cancel, o.group, o.running = cancel, g, true
	o.log.Info("orchestrator started", "health_interval", o.cfg.HealthInterval, "recovery_interval", o.cfg.RecoveryInterval)
	return nil
}

// Stop cancels the timers, waits for them and announces the shutdown.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return nil
	}
	cancel, g := o.cancel, o.group
	o.running = false
	o.mu.Unlock()

	o.stopWork()
	cancel()
	done := make(chan error, 1)
	go func() { done <- g.Wait() }()
	select {
	case err := <-done:
		if err != nil {
			o.log.Warn("timer exited with error", "error", err)
		}
	case <-ctx.Done():
		return ctx.Err()
	}

	o.publish(ctx, events.SystemShutdownPayload{Reason: o.cfg.Name + " stopped"})
	o.mu.Lock()
	o.unsubscribe()
	o.mu.Unlock()
	o.log.Info("orchestrator stopped")
	return nil
}

func (o *Orchestrator) stopWork() {
	o.workMu.Lock()
	o.runCtx, o.work = nil, nil
	o.workMu.Unlock()
}

func (o *Orchestrator) unsubscribe() {
	for _, id := range o.subs {
		o.bus.Unsubscribe(id)
	}
	o.subs = nil
}

func (o *Orchestrator) every(ctx context.Context, d time.Duration, name string, fn func(context.Context) error) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTicker(d)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if err := fn(ctx); err != nil && ctx.Err() == nil {
				o.log.Error(name+" failed", "error", err)
			}
		}
	}
}

// once skips events already handled successfully, so replays and
// redeliveries are no-ops.
func (o *Orchestrator) once(h bus.Handler) bus.Handler {
	return func(ctx context.Context, e events.Event) error {
		if o.seen.Contains(e.ID) {
			o.log.Debug("duplicate event ignored", "event_id", e.ID, "type", e.Type)
			return nil
		}
		if err := h(ctx, e); err != nil {
			return err
		}
		o.seen.Add(e.ID, struct{}{})
		return nil
	}
}

func (o *Orchestrator) publish(ctx context.Context, p events.Payload, opts ...events.Option) bool {
	e := events.New(o.cfg.Name, p, opts...)
	if err := o.bus.Publish(ctx, e); err != nil {
		o.log.Error("publish failed", "type", e.Type, "event_id", e.ID, "error", err)
		return false
	}
	return true
}

// RequestFeature records a new feature and publishes feature.created for it.
func (o *Orchestrator) RequestFeature(ctx context.Context, description string) (domain.Feature, error) {
	return o.requestFeature(ctx, "", description)
}

func (o *Orchestrator) requestFeature(ctx context.Context, id, description string) (domain.Feature, error) {
	f, err := o.engine.CreateFeature(ctx, engine.FeatureCreateOptions{ID: id, Description: description})
	if err != nil {
		return f, err
	}
	o.log.Info("feature requested", "feature_id", f.ID)
	e := events.New(o.cfg.Name, events.FeatureCreatedPayload{FeatureID: f.ID, Description: f.Description}, events.WithCorrelation(f.ID))
	if err := o.bus.Publish(ctx, e); err != nil {
		return f, fmt.Errorf("publish feature.created: %w", err)
	}
	return f, nil
}

func (o *Orchestrator) handleFeatureCreated(ctx context.Context, e events.Event) error {
	p, ok := e.Payload.(events.FeatureCreatedPayload)
	if !ok {
		return nil
	}
	f, err := o.ensureFeature(ctx, p)
	if err != nil {
		return err
	}
	if !undecomposed(f) {
		o.log.WithFeature(f.ID).Debug("feature already decomposed", "status", f.Status)
		return nil
	}
	o.scheduleDecompose(f.ID)
	return nil
}

func undecomposed(f domain.Feature) bool {
	return f.Status == domain.FeaturePending && len(f.TaskIDs) == 0
}

// scheduleDecompose starts decomposing featureID on the orchestrator's
// group unless it is already in flight or the orchestrator is stopped.
func (o *Orchestrator) scheduleDecompose(featureID string) bool {
	o.workMu.Lock()
	defer o.workMu.Unlock()
	if o.work == nil {
		return false
	}
	if _, busy := o.inflight[featureID]; busy {
		return false
	}
	if o.inflight == nil {
		o.inflight = map[string]struct{}{}
	}
	if len(o.inflight) == 0 {
		o.idle = make(chan struct{})
	}
	o.inflight[featureID] = struct{}{}
	ctx := o.runCtx
	o.work.Go(func() error {
		defer o.finishDecompose(featureID)
		if err := o.decompose(ctx, featureID); err != nil && ctx.Err() == nil {
			o.log.WithFeature(featureID).Error("decomposition aborted", "error", err)
		}
		return nil
	})
	return true
}

func (o *Orchestrator) finishDecompose(featureID string) {
	o.workMu.Lock()
	defer o.workMu.Unlock()
	delete(o.inflight, featureID)
	if len(o.inflight) == 0 {
		close(o.idle)
	}
}

// WaitIdle blocks until no feature is being decomposed.
func (o *Orchestrator) WaitIdle(ctx context.Context) error {
	o.workMu.Lock()
	if len(o.inflight) == 0 {
		o.workMu.Unlock()
		return nil
	}
	idle := o.idle
	o.workMu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// decompose turns a pending feature into tasks and dispatches the ready
// ones. A feature interrupted by shutdown stays pending for the next sweep.
func (o *Orchestrator) decompose(ctx context.Context, featureID string) error {
	f, err := o.engine.GetFeature(ctx, featureID)
	if err != nil {
		return err
	}
	if !undecomposed(f) {
		return nil
	}
	log := o.log.WithFeature(f.ID)

	steps, err := o.decomposer.Decompose(ctx, f.ID, f.Description)
	if err == nil {
		steps, err = decompose.Validate(steps)
	}
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return o.failFeature(ctx, f.ID, fmt.Errorf("decomposition failed: %w", err))
	}

	o.featureMu.Lock()
	defer o.featureMu.Unlock()
	if f, err = o.engine.GetFeature(ctx, featureID); err != nil {
		return err
	}
	if !undecomposed(f) {
		return nil
	}

	planned := len(steps)
	steps = o.knownRoles(steps)
	if planned > 0 && len(steps) == 0 {
		return o.failFeature(ctx, f.ID, errors.New("decomposition produced no tasks for known agents"))
	}
	if len(steps) == 0 {
		f, changed, err := o.engine.SetFeatureStatus(ctx, f.ID, domain.FeatureCompleted, "")
		if err != nil {
			return err
		}
		if changed {
			log.Info("feature has no tasks; completed")
			o.publish(ctx, events.FeatureCompletedPayload{FeatureID: f.ID}, events.WithCorrelation(f.ID))
		}
		return nil
	}

	opts := make([]engine.TaskCreateOptions, len(steps))
	for i, s := range steps {
		deps := make([]string, 0, len(s.DependsOn))
		for _, d := range s.DependsOn {
			deps = append(deps, taskID(f.ID, d))
		}
		opts[i] = engine.TaskCreateOptions{
			ID:           taskID(f.ID, i),
			AgentRole:    s.Role,
			Description:  s.Description,
			Dependencies: deps,
		}
	}
	tasks, err := o.engine.CreateTasks(ctx, f.ID, opts)
	if err != nil {
		return o.failFeature(ctx, f.ID, fmt.Errorf("creating tasks: %w", err))
	}
	log.Info("feature decomposed", "tasks", len(tasks))
	for _, t := range tasks {
		o.publish(ctx, events.TaskCreatedPayload{
			TaskID:       t.ID,
			FeatureID:    t.FeatureID,
			AgentRole:    t.AgentRole,
			Description:  t.Description,
			Dependencies: t.Dependencies,
		}, events.WithCorrelation(t.FeatureID))
	}
	_, err = o.Dispatch(ctx)
	return err
}

func (o *Orchestrator) ensureFeature(ctx context.Context, p events.FeatureCreatedPayload) (domain.Feature, error) {
	if p.FeatureID != "" {
		f, err := o.engine.GetFeature(ctx, p.FeatureID)
		if err == nil || !errors.Is(err, repo.ErrNotFound) {
			return f, err
		}
	}
	f, err := o.engine.CreateFeature(ctx, engine.FeatureCreateOptions{ID: p.FeatureID, Description: p.Description})
	if errors.Is(err, engine.ErrAlreadyExists) {
		return o.engine.GetFeature(ctx, p.FeatureID)
	}
	return f, err
}

func taskID(featureID string, index int) string {
	return fmt.Sprintf("%s-%03d", featureID, index+1)
}

// knownRoles drops steps for roles outside the configured set, along with
// every step that depends on a dropped one, and renumbers dependencies.
// Steps must already be validated.
func (o *Orchestrator) knownRoles(steps []decompose.Step) []decompose.Step {
	if len(o.cfg.Roles) == 0 {
		return steps
	}
	index := make([]int, len(steps))
	out := make([]decompose.Step, 0, len(steps))
	for i, s := range steps {
		keep := slices.Contains(o.cfg.Roles, domain.NormalizeRole(s.Role))
		deps := make([]int, 0, len(s.DependsOn))
		for _, d := range s.DependsOn {
			if index[d] < 0 {
				keep = false
				break
			}
			deps = append(deps, index[d])
		}
		if !keep {
			index[i] = -1
			o.log.Warn("skipping planned task", "role", s.Role, "description", s.Description)
			continue
		}
		s.DependsOn = deps
		index[i] = len(out)
		out = append(out, s)
	}
	return out
}

func (o *Orchestrator) failFeature(ctx context.Context, featureID string, cause error) error {
	o.log.WithFeature(featureID).Error("feature failed", "error", cause)
	_, changed, err := o.engine.SetFeatureStatus(ctx, featureID, domain.FeatureFailed, cause.Error())
	if err != nil {
		return err
	}
	if changed {
		o.publish(ctx, events.FeatureFailedPayload{FeatureID: featureID, Error: cause.Error()}, events.WithCorrelation(featureID))
	}
	return nil
}

// Dispatch assigns every eligible pending task, oldest first, and publishes
// task.assigned targeted at its role. A task whose announcement cannot be
// published goes back to pending.
func (o *Orchestrator) Dispatch(ctx context.Context) (int, error) {
	o.dispatchMu.Lock()
	defer o.dispatchMu.Unlock()

	ready, err := o.engine.ListDispatchable(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, t := range ready {
		out, err := o.engine.Transition(ctx, t.ID, domain.TaskAssigned, "")
		if errors.Is(err, engine.ErrInvalidTransition) || errors.Is(err, engine.ErrDependenciesPending) {
			continue
		}
		if err != nil {
			return n, err
		}
		o.featureStarted(ctx, out)
		if err := o.announce(ctx, out.Task); err != nil {
			o.log.WithTask(t.ID).Warn("assignment not delivered; releasing", "error", err)
			if _, rerr := o.engine.Transition(ctx, t.ID, domain.TaskPending, ""); rerr != nil {
				o.log.WithTask(t.ID).Error("release failed", "error", rerr)
			}
			continue
		}
		n++
	}
	return n, nil
}

func (o *Orchestrator) announce(ctx context.Context, t domain.Task) error {
	e := events.New(o.cfg.Name, events.TaskAssignedPayload{
		TaskID:      t.ID,
		FeatureID:   t.FeatureID,
		AgentRole:   t.AgentRole,
		Description: t.Description,
		RetryCount:  t.RetryCount,
	}, events.WithTarget(t.AgentRole), events.WithCorrelation(t.FeatureID))
	if err := o.bus.Publish(ctx, e); err != nil {
		return err
	}
	o.log.WithTask(t.ID).Info("task assigned", "role", t.AgentRole, "retry_count", t.RetryCount)
	return nil
}

// resumePending schedules decomposition of pending features that have no
// tasks yet: ones recorded while no orchestrator was consuming, or whose
// decomposition was interrupted.
func (o *Orchestrator) resumePending(ctx context.Context) ([]string, error) {
	pending, err := o.engine.ListFeatures(ctx, repo.FeatureFilters{Status: domain.FeaturePending})
	if err != nil {
		return nil, err
	}
	var resumed []string
	for _, f := range pending {
		if undecomposed(f) && o.scheduleDecompose(f.ID) {
			resumed = append(resumed, f.ID)
		}
	}
	return resumed, nil
}

// reannounce publishes task.assigned again for tasks that were assigned
// before a restart and never acknowledged.
func (o *Orchestrator) reannounce(ctx context.Context) error {
	assigned, err := o.engine.ListTasks(ctx, repo.TaskFilters{Status: domain.TaskAssigned})
	if err != nil {
		return err
	}
	for _, t := range assigned {
		if err := o.announce(ctx, t); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) featureStarted(ctx context.Context, out engine.Outcome) {
	if out.FeatureChanged && out.FeatureFrom == domain.FeaturePending && out.Feature.Status == domain.FeatureInProgress {
		o.publish(ctx, events.FeatureStartedPayload{FeatureID: out.Feature.ID}, events.WithCorrelation(out.Feature.ID))
	}
}

func (o *Orchestrator) handleTaskStarted(ctx context.Context, e events.Event) error {
	p, ok := e.Payload.(events.TaskStartedPayload)
	if !ok {
		return nil
	}
	out, err := o.engine.Transition(ctx, p.TaskID, domain.TaskInProgress, "")
	if err != nil {
		return o.ignoreStale(p.TaskID, e, err)
	}
	o.featureStarted(ctx, out)
	return nil
}

func (o *Orchestrator) handleTaskCompleted(ctx context.Context, e events.Event) error {
	p, ok := e.Payload.(events.TaskCompletedPayload)
	if !ok {
		return nil
	}
	out, err := o.engine.Complete(ctx, p.TaskID)
	if err != nil {
		return o.ignoreStale(p.TaskID, e, err)
	}
	o.log.WithTask(p.TaskID).Info("task completed", "agent", e.Source)
	o.featureStarted(ctx, out)
	if out.FeatureChanged && out.Feature.Status == domain.FeatureCompleted {
		o.log.WithFeature(out.Feature.ID).Info("feature completed")
		o.publish(ctx, events.FeatureCompletedPayload{FeatureID: out.Feature.ID, TaskCount: len(out.Feature.TaskIDs)}, events.WithCorrelation(out.Feature.ID))
	}
	_, err = o.Dispatch(ctx)
	return err
}

func (o *Orchestrator) handleTaskFailed(ctx context.Context, e events.Event) error {
	p, ok := e.Payload.(events.TaskFailedPayload)
	if !ok {
		return nil
	}
	if _, err := o.engine.Fail(ctx, p.TaskID, p.Error); err != nil {
		return o.ignoreStale(p.TaskID, e, err)
	}
	o.log.WithTask(p.TaskID).Warn("task failed", "agent", e.Source, "error", p.Error)
	return o.retryReported(ctx, p.TaskID, e)
}

// retryReported applies the retry rule to a task just reported failed. A
// recovery pass may have retried it in between, which is not an error.
func (o *Orchestrator) retryReported(ctx context.Context, taskID string, e events.Event) error {
	sum, err := o.engine.RetryTask(ctx, taskID, o.cfg.MaxRetries)
	if err != nil {
		return o.ignoreStale(taskID, e, err)
	}
	o.announceRetries(ctx, sum)
	if len(sum.Retried) > 0 {
		_, err = o.Dispatch(ctx)
	}
	return err
}

// ignoreStale swallows reports that no longer apply: unknown tasks and
// transitions the task has already moved past.
func (o *Orchestrator) ignoreStale(taskID string, e events.Event, err error) error {
	if errors.Is(err, engine.ErrInvalidTransition) || errors.Is(err, repo.ErrNotFound) {
		o.log.WithTask(taskID).Debug("stale report ignored", "type", e.Type, "event_id", e.ID, "reason", err)
		return nil
	}
	return err
}

func (o *Orchestrator) handleCustom(ctx context.Context, e events.Event) error {
	p, ok := e.Payload.(events.CustomPayload)
	if !ok || p.Name != NewFeatureRequest {
		return nil
	}
	desc, _ := p.Data["description"].(string)
	id, _ := p.Data["feature_id"].(string)
	if _, err := o.requestFeature(ctx, id, desc); err != nil {
		if errors.Is(err, engine.ErrAlreadyExists) {
			return nil
		}
		o.log.Warn("feature request rejected", "event_id", e.ID, "error", err)
	}
	return nil
}

func (o *Orchestrator) handleAgentError(_ context.Context, e events.Event) error {
	p, ok := e.Payload.(events.AgentErrorPayload)
	if !ok {
		return nil
	}
	o.log.Warn("agent reported handler error", "consumer", p.Consumer, "event_type", p.FailedType, "task_id", p.TaskID, "error", p.Error)
	return nil
}

// announceRetries publishes task.retry for retried tasks and
// feature.blocked for features a sweep has just blocked.
func (o *Orchestrator) announceRetries(ctx context.Context, sum engine.RetrySummary) {
	for _, t := range sum.Retried {
		o.publish(ctx, events.TaskRetryPayload{
			TaskID:     t.ID,
			FeatureID:  t.FeatureID,
			RetryCount: t.RetryCount,
			Reason:     t.LastError,
		}, events.WithCorrelation(t.FeatureID))
	}
	for _, fid := range sum.ResumedFeatures {
		o.log.WithFeature(fid).Info("blocked feature resumed")
		o.publish(ctx, events.FeatureStartedPayload{FeatureID: fid}, events.WithCorrelation(fid))
	}
	if len(sum.BlockedFeatures) == 0 {
		return
	}
	exhausted := map[string][]string{}
	for _, id := range sum.Exhausted {
		t, err := o.engine.GetTask(ctx, id)
		if err != nil {
			continue
		}
		exhausted[t.FeatureID] = append(exhausted[t.FeatureID], id)
	}
	for _, fid := range sum.BlockedFeatures {
		reason := ""
		if f, err := o.engine.GetFeature(ctx, fid); err == nil {
			reason = f.LastError
		}
		o.log.WithFeature(fid).Warn("feature blocked", "tasks", exhausted[fid], "reason", reason)
		o.publish(ctx, events.FeatureBlockedPayload{FeatureID: fid, TaskIDs: exhausted[fid], Reason: reason}, events.WithCorrelation(fid))
	}
}
