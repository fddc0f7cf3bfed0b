package orchestrator_test

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"maf/internal/bus"
	"maf/internal/config"
	"maf/internal/db"
	"maf/internal/decompose"
	"maf/internal/domain"
	"maf/internal/engine"
	"maf/internal/events"
	"maf/internal/logging"
	"maf/internal/migrate"
	"maf/internal/orchestrator"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type harness struct {
	t     *testing.T
	ctx   context.Context
	bus   *bus.MemoryBus
	orch  *orchestrator.Orchestrator
	eng   engine.Engine
	clock *clock
}

func plan(steps ...decompose.Step) decompose.Decomposer {
	return decompose.Func(func(context.Context, string, string) ([]decompose.Step, error) {
		return slices.Clone(steps), nil
	})
}

func newHarness(t *testing.T, d decompose.Decomposer, mutate ...func(*orchestrator.Config)) *harness {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	clk := &clock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	eng := engine.New(conn, config.Default())
	eng.Now = clk.Now

	ctx := context.Background()
	b := bus.NewMemory(1000, logging.NopLogger(), nil)
	if err := b.Start(ctx); err != nil {
		t.Fatalf("start bus: %v", err)
	}
	t.Cleanup(func() { _ = b.Stop(context.Background()) })

	cfg := orchestrator.Config{
		Name:             "orchestrator",
		HealthInterval:   time.Hour,
		RecoveryInterval: time.Hour,
		StallTimeout:     30 * time.Minute,
		AssignTimeout:    30 * time.Minute,
		MaxRetries:       3,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	orch, err := orchestrator.New(cfg, b, eng, d, logging.NopLogger(), nil)
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	if err := orch.Start(ctx); err != nil {
		t.Fatalf("start orchestrator: %v", err)
	}
	t.Cleanup(func() { _ = orch.Stop(context.Background()) })
	return &harness{t: t, ctx: ctx, bus: b, orch: orch, eng: orch.Engine(), clock: clk}
}

func (h *harness) flush() {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(h.ctx, 5*time.Second)
	defer cancel()
	// decomposition runs off the bus, and its events need another flush
	for range 3 {
		if err := h.bus.Flush(ctx); err != nil {
			h.t.Fatalf("flush: %v", err)
		}
		if err := h.orch.WaitIdle(ctx); err != nil {
			h.t.Fatalf("wait for decomposition: %v", err)
		}
	}
}

// report publishes an agent report and waits for it to be handled.
func (h *harness) report(p events.Payload) {
	h.t.Helper()
	if err := h.bus.Publish(h.ctx, events.New("test_agent", p)); err != nil {
		h.t.Fatalf("publish: %v", err)
	}
	h.flush()
}

func (h *harness) history(typ events.Type) []events.Event {
	var out []events.Event
	for e := range h.bus.History(h.ctx, bus.Query{Type: typ}) {
		out = append(out, e)
	}
	return out
}

func (h *harness) assignments(taskID string) []events.TaskAssignedPayload {
	var out []events.TaskAssignedPayload
	for _, e := range h.history(events.TaskAssigned) {
		p := e.Payload.(events.TaskAssignedPayload)
		if taskID == "" || p.TaskID == taskID {
			out = append(out, p)
		}
	}
	return out
}

func (h *harness) request(desc string) domain.Feature {
	h.t.Helper()
	f, err := h.orch.RequestFeature(h.ctx, desc)
	if err != nil {
		h.t.Fatalf("request feature: %v", err)
	}
	h.flush()
	return f
}

func (h *harness) feature(id string) domain.Feature {
	h.t.Helper()
	f, err := h.eng.GetFeature(h.ctx, id)
	if err != nil {
		h.t.Fatalf("get feature: %v", err)
	}
	return f
}

func TestDependentTaskDispatchedAfterPrerequisite(t *testing.T) {
	h := newHarness(t, plan(
		decompose.Step{Role: "backend_agent", Description: "A"},
		decompose.Step{Role: "frontend_agent", Description: "B", DependsOn: []int{0}},
	))
	f := h.request("login page")
	a, b := f.ID+"-001", f.ID+"-002"

	if got := h.history(events.TaskCreated); len(got) != 2 {
		t.Fatalf("expected 2 task.created, got %d", len(got))
	}
	assigned := h.history(events.TaskAssigned)
	if len(assigned) != 1 {
		t.Fatalf("expected only A assigned, got %d", len(assigned))
	}
	if p := assigned[0].Payload.(events.TaskAssignedPayload); p.TaskID != a || assigned[0].Target != "backend_agent" {
		t.Fatalf("unexpected assignment %+v target=%s", p, assigned[0].Target)
	}
	if len(h.history(events.FeatureStarted)) != 1 {
		t.Fatalf("expected feature.started once")
	}

	h.report(events.TaskStartedPayload{TaskID: a})
	h.report(events.TaskCompletedPayload{TaskID: a, Result: "api done"})
	if got := h.assignments(b); len(got) != 1 {
		t.Fatalf("expected exactly one assignment for B, got %d", len(got))
	}
	if len(h.history(events.FeatureCompleted)) != 0 {
		t.Fatalf("feature completed too early")
	}

	// completion reported straight from assigned
	h.report(events.TaskCompletedPayload{TaskID: b})
	completed := h.history(events.FeatureCompleted)
	if len(completed) != 1 {
		t.Fatalf("expected feature.completed once, got %d", len(completed))
	}
	if p := completed[0].Payload.(events.FeatureCompletedPayload); p.TaskCount != 2 {
		t.Fatalf("unexpected completion payload %+v", p)
	}
	if got := h.feature(f.ID).Status; got != domain.FeatureCompleted {
		t.Fatalf("expected completed feature, got %s", got)
	}

	// a late duplicate report is ignored
	h.report(events.TaskCompletedPayload{TaskID: b})
	if len(h.history(events.FeatureCompleted)) != 1 {
		t.Fatalf("feature completion announced twice")
	}
}

func TestDecompositionFailureFailsFeature(t *testing.T) {
	h := newHarness(t, decompose.Func(func(context.Context, string, string) ([]decompose.Step, error) {
		return nil, errors.New("generator unavailable")
	}))
	f := h.request("search")
	got := h.feature(f.ID)
	if got.Status != domain.FeatureFailed || !strings.Contains(got.LastError, "generator unavailable") {
		t.Fatalf("unexpected feature %+v", got)
	}
	if len(got.TaskIDs) != 0 {
		t.Fatalf("no tasks expected, got %v", got.TaskIDs)
	}
	failed := h.history(events.FeatureFailed)
	if len(failed) != 1 || failed[0].Payload.(events.FeatureFailedPayload).FeatureID != f.ID {
		t.Fatalf("expected one feature.failed, got %+v", failed)
	}
}

func TestEmptyPlanCompletesFeature(t *testing.T) {
	h := newHarness(t, plan())
	f := h.request("nothing to do")
	if got := h.feature(f.ID).Status; got != domain.FeatureCompleted {
		t.Fatalf("expected completed, got %s", got)
	}
	if len(h.history(events.FeatureCompleted)) != 1 {
		t.Fatalf("expected feature.completed")
	}
}

func TestFailedTaskIsRetriedAndRedispatched(t *testing.T) {
	h := newHarness(t, plan(decompose.Step{Role: "backend_agent", Description: "A"}))
	f := h.request("retry me")
	a := f.ID + "-001"

	h.report(events.TaskStartedPayload{TaskID: a})
	h.report(events.TaskFailedPayload{TaskID: a, Error: "compile error"})

	retries := h.history(events.TaskRetry)
	if len(retries) != 1 {
		t.Fatalf("expected one task.retry, got %d", len(retries))
	}
	if p := retries[0].Payload.(events.TaskRetryPayload); p.RetryCount != 1 || p.Reason != "compile error" {
		t.Fatalf("unexpected retry payload %+v", p)
	}
	assigned := h.assignments(a)
	if len(assigned) != 2 || assigned[1].RetryCount != 1 {
		t.Fatalf("expected re-dispatch with retry count 1, got %+v", assigned)
	}
}

func TestExhaustedRetriesBlockFeature(t *testing.T) {
	h := newHarness(t, plan(decompose.Step{Role: "backend_agent", Description: "A"}),
		func(c *orchestrator.Config) { c.MaxRetries = 0 })
	f := h.request("fragile")
	a := f.ID + "-001"

	h.report(events.TaskFailedPayload{TaskID: a, Error: "boom"})
	if len(h.history(events.TaskRetry)) != 0 {
		t.Fatalf("no retry expected")
	}
	blocked := h.history(events.FeatureBlocked)
	if len(blocked) != 1 {
		t.Fatalf("expected feature.blocked once, got %d", len(blocked))
	}
	if p := blocked[0].Payload.(events.FeatureBlockedPayload); len(p.TaskIDs) != 1 || p.TaskIDs[0] != a {
		t.Fatalf("unexpected blocked payload %+v", p)
	}
	if got := h.feature(f.ID).Status; got != domain.FeatureBlocked {
		t.Fatalf("expected blocked, got %s", got)
	}
	// a later recovery pass does not announce the block again
	if _, err := h.orch.Recover(h.ctx); err != nil {
		t.Fatal(err)
	}
	h.flush()
	if len(h.history(events.FeatureBlocked)) != 1 {
		t.Fatalf("feature.blocked repeated")
	}
}

func TestReplayedEventsAreNoOps(t *testing.T) {
	h := newHarness(t, plan(
		decompose.Step{Role: "backend_agent", Description: "A"},
		decompose.Step{Role: "qa_agent", Description: "B", DependsOn: []int{0}},
	))
	f := h.request("replayable")
	h.report(events.TaskCompletedPayload{TaskID: f.ID + "-001"})

	distinct := func() map[string]bool {
		ids := map[string]bool{}
		for e := range h.bus.History(h.ctx, bus.Query{}) {
			ids[e.ID] = true
		}
		return ids
	}
	before := distinct()
	var recorded []events.Event
	for e := range h.bus.History(h.ctx, bus.Query{}) {
		recorded = append(recorded, e)
	}
	if err := h.bus.Replay(h.ctx, slices.Values(recorded)); err != nil {
		t.Fatalf("replay: %v", err)
	}
	h.flush()
	after := distinct()
	if len(after) != len(before) {
		t.Fatalf("replay produced new events: %d -> %d", len(before), len(after))
	}
	stats, err := h.eng.GetTaskStatistics(h.ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Count(domain.TaskCompleted) != 1 || stats.Count(domain.TaskAssigned) != 1 {
		t.Fatalf("state changed by replay: %+v", stats.ByStatus)
	}
}

func TestRecoveryRedispatchesStalledTask(t *testing.T) {
	h := newHarness(t, plan(decompose.Step{Role: "backend_agent", Description: "A"}))
	f := h.request("slow")
	a := f.ID + "-001"
	h.report(events.TaskStartedPayload{TaskID: a})

	h.clock.Advance(31 * time.Minute)
	rep, err := h.orch.Recover(h.ctx)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	h.flush()
	if len(rep.Stalled) != 1 || rep.Stalled[0] != a || rep.Dispatched != 1 {
		t.Fatalf("unexpected report %+v", rep)
	}
	assigned := h.assignments(a)
	if len(assigned) != 2 || assigned[1].RetryCount != 1 {
		t.Fatalf("expected immediate re-dispatch, got %+v", assigned)
	}
	task, err := h.eng.GetTask(h.ctx, a)
	if err != nil {
		t.Fatal(err)
	}
	if task.Status != domain.TaskAssigned || task.LastError != engine.StallError {
		t.Fatalf("unexpected task %+v", task)
	}

	// nothing more to do on an immediate second pass
	rep, err = h.orch.Recover(h.ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(rep.Stalled) != 0 || rep.Dispatched != 0 {
		t.Fatalf("second pass not idempotent: %+v", rep)
	}
}

func TestRecoveryReleasesUnacknowledgedAssignment(t *testing.T) {
	h := newHarness(t, plan(decompose.Step{Role: "backend_agent", Description: "A"}))
	f := h.request("lost")
	h.clock.Advance(time.Hour)
	rep, err := h.orch.Recover(h.ctx)
	if err != nil {
		t.Fatal(err)
	}
	h.flush()
	if len(rep.Released) != 1 || rep.Dispatched != 1 {
		t.Fatalf("unexpected report %+v", rep)
	}
	if got := h.assignments(f.ID + "-001"); len(got) != 2 || got[1].RetryCount != 0 {
		t.Fatalf("expected re-announcement without retry, got %+v", got)
	}
}

func TestHealthCheckPublishesSnapshot(t *testing.T) {
	h := newHarness(t, plan(
		decompose.Step{Role: "backend_agent", Description: "A"},
		decompose.Step{Role: "frontend_agent", Description: "B"},
	))
	h.request("two tasks")
	p, err := h.orch.HealthCheck(h.ctx)
	if err != nil {
		t.Fatal(err)
	}
	h.flush()
	if p.Stats.Total != 2 || !p.Healthy {
		t.Fatalf("unexpected snapshot %+v", p)
	}
	checks := h.history(events.SystemHealthCheck)
	if len(checks) != 1 || checks[0].Source != "orchestrator" {
		t.Fatalf("expected one health check event, got %+v", checks)
	}
}

func TestNewFeatureRequestEvent(t *testing.T) {
	h := newHarness(t, plan(decompose.Step{Role: "docs", Description: "write"}))
	h.report(events.CustomPayload{Name: orchestrator.NewFeatureRequest, Data: map[string]any{
		"feature_id":  "req-1",
		"description": "document the API",
	}})
	f := h.feature("req-1")
	if len(f.TaskIDs) != 1 || f.Status != domain.FeatureInProgress {
		t.Fatalf("unexpected feature %+v", f)
	}
	if got := h.assignments("req-1-001"); len(got) != 1 {
		t.Fatalf("expected docs task assigned")
	}
	// unrelated custom events are ignored
	h.report(events.CustomPayload{Name: "something_else"})
}

func TestExternallyPublishedFeatureIsCreated(t *testing.T) {
	h := newHarness(t, plan(decompose.Step{Role: "qa", Description: "test"}))
	h.report(events.FeatureCreatedPayload{FeatureID: "ext-1", Description: "from outside"})
	f := h.feature("ext-1")
	if f.Description != "from outside" || len(f.TaskIDs) != 1 {
		t.Fatalf("unexpected feature %+v", f)
	}
	// a second feature.created for the same feature is not decomposed again
	h.report(events.FeatureCreatedPayload{FeatureID: "ext-1", Description: "from outside"})
	if got := h.feature("ext-1"); len(got.TaskIDs) != 1 {
		t.Fatalf("feature decomposed twice: %v", got.TaskIDs)
	}
}

func TestUnknownRolesAreSkipped(t *testing.T) {
	h := newHarness(t, plan(
		decompose.Step{Role: "backend", Description: "A"},
		decompose.Step{Role: "mystery", Description: "B", DependsOn: []int{0}},
		decompose.Step{Role: "backend", Description: "C", DependsOn: []int{1}},
		decompose.Step{Role: "backend", Description: "D", DependsOn: []int{0}},
	), func(c *orchestrator.Config) { c.Roles = []string{"backend_agent"} })
	f := h.request("partial")
	tasks, err := h.eng.ListFeatureTasks(h.ctx, f.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 2 || tasks[0].Description != "A" || tasks[1].Description != "D" {
		t.Fatalf("unexpected tasks %+v", tasks)
	}
	if len(tasks[1].Dependencies) != 1 || tasks[1].Dependencies[0] != tasks[0].ID {
		t.Fatalf("dependencies not renumbered: %+v", tasks[1])
	}
}

func TestRestartReannouncesAssignedTasks(t *testing.T) {
	h := newHarness(t, plan(decompose.Step{Role: "backend_agent", Description: "A"}))
	f := h.request("restart")
	if err := h.orch.Stop(h.ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	h.flush()
	if len(h.history(events.SystemShutdown)) != 1 {
		t.Fatalf("expected system.shutdown on stop")
	}
	if err := h.orch.Start(h.ctx); err != nil {
		t.Fatalf("restart: %v", err)
	}
	h.flush()
	if got := h.assignments(f.ID + "-001"); len(got) != 2 {
		t.Fatalf("expected assignment re-announced, got %d", len(got))
	}
}

func TestStartDecomposesFeaturesRecordedWhileStopped(t *testing.T) {
	h := newHarness(t, plan(decompose.Step{Role: "qa_agent", Description: "check"}))
	if err := h.orch.Stop(h.ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	f, err := h.eng.CreateFeature(h.ctx, engine.FeatureCreateOptions{ID: "offline", Description: "queued while down"})
	if err != nil {
		t.Fatalf("create feature: %v", err)
	}
	if err := h.orch.Start(h.ctx); err != nil {
		t.Fatalf("restart: %v", err)
	}
	h.flush()
	if got := h.assignments(f.ID + "-001"); len(got) != 1 {
		t.Fatalf("expected the offline feature to be decomposed and dispatched, got %d assignments", len(got))
	}
	if h.feature(f.ID).Status != domain.FeatureInProgress {
		t.Fatalf("feature not started")
	}
}

func TestInvalidPlanFailsFeature(t *testing.T) {
	h := newHarness(t, plan(
		decompose.Step{Role: "backend_agent", Description: "A"},
		decompose.Step{Role: "backend_agent", Description: "B", DependsOn: []int{5}},
	))
	f := h.request("broken plan")
	got := h.feature(f.ID)
	if got.Status != domain.FeatureFailed || !strings.Contains(got.LastError, "invalid plan") {
		t.Fatalf("expected failed feature with invalid plan, got %s %q", got.Status, got.LastError)
	}
	if len(got.TaskIDs) != 0 {
		t.Fatalf("no tasks should be created: %v", got.TaskIDs)
	}
	if len(h.history(events.FeatureFailed)) != 1 {
		t.Fatalf("expected feature.failed")
	}
}

func TestTaskEventsCorrelateByFeature(t *testing.T) {
	h := newHarness(t, plan(decompose.Step{Role: "backend_agent", Description: "A"}))
	f := h.request("correlated")
	h.report(events.TaskStartedPayload{TaskID: f.ID + "-001"})
	h.report(events.TaskFailedPayload{TaskID: f.ID + "-001", Error: "boom"})
	for _, typ := range []events.Type{events.TaskCreated, events.TaskAssigned, events.TaskRetry} {
		got := h.history(typ)
		if len(got) == 0 {
			t.Fatalf("no %s events", typ)
		}
		for _, e := range got {
			if e.CorrelationID != f.ID {
				t.Fatalf("%s correlated with %q, want %q", typ, e.CorrelationID, f.ID)
			}
		}
	}
}

func TestRecoverySweepDecomposesStrandedFeature(t *testing.T) {
	h := newHarness(t, plan(decompose.Step{Role: "qa_agent", Description: "check"}))
	// recorded without feature.created, like a decomposition cut short
	f, err := h.eng.CreateFeature(h.ctx, engine.FeatureCreateOptions{ID: "stranded", Description: "left pending"})
	if err != nil {
		t.Fatalf("create feature: %v", err)
	}
	rep, err := h.orch.Recover(h.ctx)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if len(rep.Resumed) != 1 || rep.Resumed[0] != f.ID {
		t.Fatalf("expected stranded feature resumed, got %v", rep.Resumed)
	}
	h.flush()
	if got := h.assignments(f.ID + "-001"); len(got) != 1 {
		t.Fatalf("expected one assignment, got %d", len(got))
	}
	if h.feature(f.ID).Status != domain.FeatureInProgress {
		t.Fatalf("feature not started")
	}

	rep, err = h.orch.Recover(h.ctx)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if len(rep.Resumed) != 0 {
		t.Fatalf("decomposed feature resumed again: %v", rep.Resumed)
	}
}

func TestSlowDecompositionOverLogBus(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	ctx := context.Background()
	b, err := bus.NewLog(conn, bus.LogConfig{
		Partitions:     2,
		Group:          "orchestrator",
		PollInterval:   20 * time.Millisecond,
		HandlerTimeout: 100 * time.Millisecond,
	}, logging.NopLogger(), nil)
	if err != nil {
		t.Fatalf("new log bus: %v", err)
	}
	if err := b.Start(ctx); err != nil {
		t.Fatalf("start bus: %v", err)
	}
	t.Cleanup(func() { _ = b.Stop(context.Background()) })

	// slower than the bus handler timeout
	slow := decompose.Func(func(ctx context.Context, _, _ string) ([]decompose.Step, error) {
		select {
		case <-time.After(300 * time.Millisecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return []decompose.Step{{Role: "backend_agent", Description: "A"}}, nil
	})
	orch, err := orchestrator.New(orchestrator.Config{
		HealthInterval:   time.Hour,
		RecoveryInterval: time.Hour,
		StallTimeout:     30 * time.Minute,
		AssignTimeout:    30 * time.Minute,
		MaxRetries:       3,
	}, b, engine.New(conn, config.Default()), slow, logging.NopLogger(), nil)
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	if err := orch.Start(ctx); err != nil {
		t.Fatalf("start orchestrator: %v", err)
	}
	t.Cleanup(func() { _ = orch.Stop(context.Background()) })

	f, err := orch.RequestFeature(ctx, "takes a while")
	if err != nil {
		t.Fatalf("request feature: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	var got domain.Feature
	for time.Now().Before(deadline) {
		if got, err = orch.Engine().GetFeature(ctx, f.ID); err != nil {
			t.Fatalf("get feature: %v", err)
		}
		if got.Status == domain.FeatureInProgress {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if got.Status != domain.FeatureInProgress || len(got.TaskIDs) != 1 {
		t.Fatalf("feature status=%s tasks=%d last_error=%q", got.Status, len(got.TaskIDs), got.LastError)
	}

	var assigned []events.Event
	for e := range b.History(ctx, bus.Query{Type: events.TaskAssigned}) {
		assigned = append(assigned, e)
	}
	if len(assigned) != 1 || assigned[0].CorrelationID != f.ID || assigned[0].Target != "backend_agent" {
		t.Fatalf("unexpected assignments %+v", assigned)
	}
	for e := range b.History(ctx, bus.Query{Type: events.AgentError}) {
		t.Fatalf("unexpected agent.error %+v", e.Payload)
	}
}
