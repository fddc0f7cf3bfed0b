package engine_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"pgregory.net/rapid"

	"maf/internal/config"
	"maf/internal/db"
	"maf/internal/domain"
	"maf/internal/engine"
	"maf/internal/migrate"
	"maf/internal/repo"
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

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	Clock  *clock
	Dir    string
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	return openTestEnv(t, dir)
}

func openTestEnv(t *testing.T, dir string) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: dir})
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
	return testEnv{Engine: eng, Ctx: context.Background(), Clock: clk, Dir: dir}
}

func (env testEnv) feature(t *testing.T, id string, tasks ...engine.TaskCreateOptions) []domain.Task {
	t.Helper()
	if _, err := env.Engine.CreateFeature(env.Ctx, engine.FeatureCreateOptions{ID: id, Description: "feature " + id}); err != nil {
		t.Fatalf("create feature: %v", err)
	}
	if len(tasks) == 0 {
		return nil
	}
	created, err := env.Engine.CreateTasks(env.Ctx, id, tasks)
	if err != nil {
		t.Fatalf("create tasks: %v", err)
	}
	return created
}

func (env testEnv) move(t *testing.T, id string, steps ...domain.TaskStatus) engine.Outcome {
	t.Helper()
	var out engine.Outcome
	for _, to := range steps {
		var err error
		out, err = env.Engine.Transition(env.Ctx, id, to, "")
		if err != nil {
			t.Fatalf("%s -> %s: %v", id, to, err)
		}
	}
	return out
}

func (env testEnv) status(t *testing.T, id string) domain.TaskStatus {
	t.Helper()
	task, err := env.Engine.GetTask(env.Ctx, id)
	if err != nil {
		t.Fatalf("get task %s: %v", id, err)
	}
	return task.Status
}

func TestCreateTasksAssignsIDsAndNormalizesRoles(t *testing.T) {
	env := newTestEnv(t)
	tasks := env.feature(t, "f1",
		engine.TaskCreateOptions{AgentRole: "Backend Developer", Description: "api"},
		engine.TaskCreateOptions{AgentRole: "frontend", Description: "ui", Dependencies: []string{"f1-001"}},
	)
	if tasks[0].ID != "f1-001" || tasks[1].ID != "f1-002" {
		t.Fatalf("unexpected ids %s %s", tasks[0].ID, tasks[1].ID)
	}
	if tasks[0].AgentRole != "backend_agent" || tasks[1].AgentRole != "frontend_agent" {
		t.Fatalf("roles not normalized: %s %s", tasks[0].AgentRole, tasks[1].AgentRole)
	}
	f, err := env.Engine.GetFeature(env.Ctx, "f1")
	if err != nil {
		t.Fatal(err)
	}
	if len(f.TaskIDs) != 2 || f.TaskIDs[0] != "f1-001" || f.Status != domain.FeaturePending {
		t.Fatalf("unexpected feature %+v", f)
	}
	more, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{FeatureID: "f1", AgentRole: "qa", Description: "tests"})
	if err != nil {
		t.Fatal(err)
	}
	if more.ID != "f1-003" {
		t.Fatalf("expected position to continue, got %s", more.ID)
	}
}

func TestCreateValidation(t *testing.T) {
	env := newTestEnv(t)
	env.feature(t, "f1")
	if _, err := env.Engine.CreateFeature(env.Ctx, engine.FeatureCreateOptions{ID: "f1", Description: "again"}); !errors.Is(err, engine.ErrAlreadyExists) {
		t.Fatalf("expected duplicate feature error, got %v", err)
	}
	if _, err := env.Engine.CreateFeature(env.Ctx, engine.FeatureCreateOptions{Description: "  "}); err == nil {
		t.Fatalf("expected description error")
	}
	_, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{FeatureID: "f1", AgentRole: "backend", Description: "x", Dependencies: []string{"nope"}})
	if !errors.Is(err, engine.ErrUnknownDependency) {
		t.Fatalf("expected unknown dependency, got %v", err)
	}
	if _, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{FeatureID: "f1", Description: "x"}); err == nil {
		t.Fatalf("expected role error")
	}
	if _, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{FeatureID: "missing", AgentRole: "qa", Description: "x"}); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected missing feature, got %v", err)
	}

	// a bad entry rolls back the whole batch
	_, err = env.Engine.CreateTasks(env.Ctx, "f1", []engine.TaskCreateOptions{
		{AgentRole: "backend", Description: "ok"},
		{AgentRole: "backend", Description: "bad", Dependencies: []string{"ghost"}},
	})
	if err == nil {
		t.Fatalf("expected batch error")
	}
	tasks, err := env.Engine.ListFeatureTasks(env.Ctx, "f1")
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 0 {
		t.Fatalf("expected no tasks after rollback, got %d", len(tasks))
	}
}

func TestTaskStatusTransitions(t *testing.T) {
	env := newTestEnv(t)
	tasks := env.feature(t, "f1", engine.TaskCreateOptions{AgentRole: "backend", Description: "work"})
	id := tasks[0].ID

	out := env.move(t, id, domain.TaskAssigned)
	if !out.FeatureChanged || out.Feature.Status != domain.FeatureInProgress {
		t.Fatalf("first assignment should start the feature: %+v", out)
	}
	out = env.move(t, id, domain.TaskInProgress)
	if out.Task.StartedAt == nil || out.FeatureChanged {
		t.Fatalf("unexpected outcome %+v", out)
	}
	// invalid transition leaves the task untouched
	_, err := env.Engine.Transition(env.Ctx, id, domain.TaskPending, "")
	var te *engine.TransitionError
	if !errors.As(err, &te) || !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("expected transition error, got %v", err)
	}
	if te.From != "in_progress" || te.To != "pending" {
		t.Fatalf("unexpected error detail %+v", te)
	}
	if env.status(t, id) != domain.TaskInProgress {
		t.Fatalf("status changed after rejected transition")
	}
	out, err = env.Engine.Transition(env.Ctx, id, domain.TaskFailed, "boom")
	if err != nil {
		t.Fatal(err)
	}
	if out.Task.LastError != "boom" {
		t.Fatalf("expected last error, got %q", out.Task.LastError)
	}
	out = env.move(t, id, domain.TaskPending)
	if out.Task.RetryCount != 1 || out.Task.StartedAt != nil {
		t.Fatalf("retry should bump count and clear start: %+v", out.Task)
	}
	if _, err := env.Engine.Transition(env.Ctx, id, "done", ""); err == nil {
		t.Fatalf("expected unknown status error")
	}
}

func TestTransitionMatchesStateMachine(t *testing.T) {
	env := newTestEnv(t)
	n := 0
	rapid.Check(t, func(rt *rapid.T) {
		n++
		featureID := fmt.Sprintf("prop-%d", n)
		if _, err := env.Engine.CreateFeature(env.Ctx, engine.FeatureCreateOptions{ID: featureID, Description: "property"}); err != nil {
			rt.Fatalf("create feature: %v", err)
		}
		task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{FeatureID: featureID, AgentRole: "qa", Description: "p"})
		if err != nil {
			rt.Fatalf("create: %v", err)
		}
		state, retries := domain.TaskPending, 0
		steps := rapid.SliceOfN(rapid.SampledFrom(domain.TaskStatuses), 1, 12).Draw(rt, "steps")
		for _, to := range steps {
			out, err := env.Engine.Transition(env.Ctx, task.ID, to, "")
			legal := domain.CanTransitionTask(state, to)
			if legal != (err == nil) {
				rt.Fatalf("%s -> %s: legal=%v err=%v", state, to, legal, err)
			}
			if !legal {
				if !errors.Is(err, engine.ErrInvalidTransition) {
					rt.Fatalf("expected ErrInvalidTransition, got %v", err)
				}
				continue
			}
			if state == domain.TaskFailed && to == domain.TaskPending {
				retries++
			}
			state = to
			if out.Task.Status != state || out.Task.RetryCount != retries {
				rt.Fatalf("outcome %+v, want %s/%d", out.Task, state, retries)
			}
		}
		got, err := env.Engine.GetTask(env.Ctx, task.ID)
		if err != nil {
			rt.Fatal(err)
		}
		if got.Status != state || got.RetryCount != retries {
			rt.Fatalf("stored %s/%d, want %s/%d", got.Status, got.RetryCount, state, retries)
		}
	})
}

func TestFeatureCompletesExactlyOnce(t *testing.T) {
	env := newTestEnv(t)
	env.feature(t, "f1",
		engine.TaskCreateOptions{AgentRole: "backend", Description: "a"},
		engine.TaskCreateOptions{AgentRole: "frontend", Description: "b"},
	)
	env.move(t, "f1-001", domain.TaskAssigned, domain.TaskInProgress)
	env.move(t, "f1-002", domain.TaskAssigned)

	out, err := env.Engine.Complete(env.Ctx, "f1-001")
	if err != nil {
		t.Fatal(err)
	}
	if out.FeatureChanged || out.Feature.Status != domain.FeatureInProgress {
		t.Fatalf("feature should stay in progress: %+v", out.Feature)
	}
	// completion straight from assigned passes through in_progress
	out, err = env.Engine.Complete(env.Ctx, "f1-002")
	if err != nil {
		t.Fatal(err)
	}
	if !out.FeatureChanged || out.Feature.Status != domain.FeatureCompleted || out.FeatureFrom != domain.FeatureInProgress {
		t.Fatalf("last completion should complete feature: %+v", out)
	}
	if _, err := env.Engine.Complete(env.Ctx, "f1-002"); !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("expected repeat completion to be rejected, got %v", err)
	}

	history, err := env.Engine.History(env.Ctx, "f1", 0)
	if err != nil {
		t.Fatal(err)
	}
	completions := 0
	for _, h := range history {
		if h.ToStatus == string(domain.FeatureCompleted) {
			completions++
		}
	}
	if completions != 1 {
		t.Fatalf("expected one completion entry, got %d", completions)
	}
}

func TestDependencyGating(t *testing.T) {
	env := newTestEnv(t)
	env.feature(t, "f1",
		engine.TaskCreateOptions{AgentRole: "backend", Description: "api"},
		engine.TaskCreateOptions{AgentRole: "frontend", Description: "ui", Dependencies: []string{"f1-001"}},
	)
	ready, err := env.Engine.GetPendingTasksByAgent(env.Ctx, "frontend_agent")
	if err != nil {
		t.Fatal(err)
	}
	if len(ready) != 0 {
		t.Fatalf("blocked task reported eligible: %+v", ready)
	}
	if _, err := env.Engine.Transition(env.Ctx, "f1-002", domain.TaskAssigned, ""); !errors.Is(err, engine.ErrDependenciesPending) {
		t.Fatalf("expected dependency error, got %v", err)
	}
	env.move(t, "f1-001", domain.TaskAssigned, domain.TaskInProgress, domain.TaskCompleted)

	ready, err = env.Engine.GetPendingTasksByAgent(env.Ctx, "Frontend")
	if err != nil {
		t.Fatal(err)
	}
	if len(ready) != 1 || ready[0].ID != "f1-002" {
		t.Fatalf("expected f1-002 eligible, got %+v", ready)
	}
	if _, err := env.Engine.GetPendingTasksByAgent(env.Ctx, " "); err == nil {
		t.Fatalf("expected empty role error")
	}
}

func TestPendingTasksOrderedByCreation(t *testing.T) {
	env := newTestEnv(t)
	env.feature(t, "b", engine.TaskCreateOptions{AgentRole: "qa", Description: "later id, same time"})
	env.feature(t, "a", engine.TaskCreateOptions{AgentRole: "qa", Description: "earlier id, same time"})
	env.Clock.Advance(time.Minute)
	env.feature(t, "0", engine.TaskCreateOptions{AgentRole: "qa", Description: "created last"})

	ready, err := env.Engine.GetPendingTasksByAgent(env.Ctx, "qa_agent")
	if err != nil {
		t.Fatal(err)
	}
	var ids []string
	for _, task := range ready {
		ids = append(ids, task.ID)
	}
	want := []string{"a-001", "b-001", "0-001"}
	if fmt.Sprint(ids) != fmt.Sprint(want) {
		t.Fatalf("order %v, want %v", ids, want)
	}
}

func TestRecoverStalledTasks(t *testing.T) {
	env := newTestEnv(t)
	env.feature(t, "f1", engine.TaskCreateOptions{AgentRole: "backend", Description: "slow"})
	env.move(t, "f1-001", domain.TaskAssigned, domain.TaskInProgress)

	env.Clock.Advance(29 * time.Minute)
	sum, err := env.Engine.RecoverStalledTasks(env.Ctx, 30*time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if len(sum.Stalled) != 0 {
		t.Fatalf("recovered too early: %+v", sum)
	}

	env.Clock.Advance(2 * time.Minute)
	sum, err = env.Engine.RecoverStalledTasks(env.Ctx, 30*time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if len(sum.Stalled) != 1 || len(sum.Retry.Retried) != 1 {
		t.Fatalf("expected one stalled and retried task: %+v", sum)
	}
	task, err := env.Engine.GetTask(env.Ctx, "f1-001")
	if err != nil {
		t.Fatal(err)
	}
	if task.Status != domain.TaskPending || task.RetryCount != 1 || task.LastError != engine.StallError {
		t.Fatalf("unexpected task after recovery %+v", task)
	}

	again, err := env.Engine.RecoverStalledTasks(env.Ctx, 30*time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if len(again.Stalled) != 0 || len(again.Retry.Retried) != 0 {
		t.Fatalf("second sweep changed state: %+v", again)
	}
	if _, err := env.Engine.RecoverStalledTasks(env.Ctx, 0); err == nil {
		t.Fatalf("expected zero timeout to be rejected")
	}
}

func TestRetryExhaustionBlocksFeature(t *testing.T) {
	env := newTestEnv(t)
	env.feature(t, "f1",
		engine.TaskCreateOptions{AgentRole: "backend", Description: "flaky"},
		engine.TaskCreateOptions{AgentRole: "qa", Description: "fine"},
	)
	var last engine.RetrySummary
	for attempt := 0; attempt <= env.Engine.MaxRetries; attempt++ {
		env.move(t, "f1-001", domain.TaskAssigned, domain.TaskInProgress)
		if _, err := env.Engine.Fail(env.Ctx, "f1-001", fmt.Sprintf("attempt %d", attempt)); err != nil {
			t.Fatal(err)
		}
		sum, err := env.Engine.RetryFailedTasks(env.Ctx, env.Engine.MaxRetries)
		if err != nil {
			t.Fatal(err)
		}
		last = sum
		if attempt < env.Engine.MaxRetries && len(sum.Retried) != 1 {
			t.Fatalf("attempt %d should be retried: %+v", attempt, sum)
		}
	}
	if len(last.Exhausted) != 1 || len(last.BlockedFeatures) != 1 || last.BlockedFeatures[0] != "f1" {
		t.Fatalf("expected exhaustion to block f1: %+v", last)
	}
	f, err := env.Engine.GetFeature(env.Ctx, "f1")
	if err != nil {
		t.Fatal(err)
	}
	if f.Status != domain.FeatureBlocked || f.LastError == "" {
		t.Fatalf("unexpected feature %+v", f)
	}
	stats, err := env.Engine.GetTaskStatistics(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Count(domain.TaskFailed) != 1 {
		t.Fatalf("expected one failed task, got %d", stats.Count(domain.TaskFailed))
	}

	// blocking is reported once
	sum, err := env.Engine.RetryFailedTasks(env.Ctx, env.Engine.MaxRetries)
	if err != nil {
		t.Fatal(err)
	}
	if len(sum.BlockedFeatures) != 0 || len(sum.Exhausted) != 1 {
		t.Fatalf("unexpected repeat sweep %+v", sum)
	}

	rep, err := env.Engine.HealthReport(env.Ctx, 30*time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Healthy || len(rep.Failed) != 1 {
		t.Fatalf("expected unhealthy report: %+v", rep)
	}

	// a manual retry with a larger budget resumes the feature
	sum, err = env.Engine.RetryTask(env.Ctx, "f1-001", env.Engine.MaxRetries+1)
	if err != nil {
		t.Fatal(err)
	}
	if len(sum.ResumedFeatures) != 1 {
		t.Fatalf("expected feature resumed: %+v", sum)
	}
	f, err = env.Engine.GetFeature(env.Ctx, "f1")
	if err != nil {
		t.Fatal(err)
	}
	if f.Status != domain.FeatureInProgress {
		t.Fatalf("expected in_progress, got %s", f.Status)
	}
}

func TestReleaseStaleAssignments(t *testing.T) {
	env := newTestEnv(t)
	env.feature(t, "f1", engine.TaskCreateOptions{AgentRole: "backend", Description: "lost"})
	env.move(t, "f1-001", domain.TaskAssigned)
	env.Clock.Advance(time.Hour)
	released, err := env.Engine.ReleaseStaleAssignments(env.Ctx, 30*time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if len(released) != 1 || released[0].Status != domain.TaskPending || released[0].RetryCount != 0 {
		t.Fatalf("unexpected release %+v", released)
	}
	released, err = env.Engine.ReleaseStaleAssignments(env.Ctx, 0)
	if err != nil || released != nil {
		t.Fatalf("disabled sweep should do nothing: %v %v", released, err)
	}
}

func TestCleanupCompletedTasks(t *testing.T) {
	env := newTestEnv(t)
	env.feature(t, "old", engine.TaskCreateOptions{AgentRole: "backend", Description: "done"})
	env.move(t, "old-001", domain.TaskAssigned, domain.TaskInProgress, domain.TaskCompleted)
	env.Clock.Advance(7 * 24 * time.Hour)
	env.feature(t, "recent", engine.TaskCreateOptions{AgentRole: "backend", Description: "done"})
	env.move(t, "recent-001", domain.TaskAssigned, domain.TaskInProgress, domain.TaskCompleted)
	env.feature(t, "open", engine.TaskCreateOptions{AgentRole: "backend", Description: "pending"})
	env.Clock.Advance(24 * time.Hour)

	sum, err := env.Engine.CleanupCompletedTasks(env.Ctx, 7*24*time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if len(sum.Features) != 1 || sum.Features[0] != "old" || sum.Tasks != 1 {
		t.Fatalf("unexpected cleanup %+v", sum)
	}
	if _, err := env.Engine.GetTask(env.Ctx, "old-001"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("archived task still active: %v", err)
	}
	f, err := env.Engine.GetFeature(env.Ctx, "old")
	if err != nil {
		t.Fatalf("archived feature lookup: %v", err)
	}
	if f.Status != domain.FeatureCompleted || len(f.TaskIDs) != 1 {
		t.Fatalf("unexpected archived snapshot %+v", f)
	}
	if env.status(t, "recent-001") != domain.TaskCompleted {
		t.Fatalf("recent feature should survive cleanup")
	}
	if _, err := env.Engine.CleanupCompletedTasks(env.Ctx, -time.Second); err == nil {
		t.Fatalf("expected negative retention error")
	}
}

func TestHealthReportLongRunning(t *testing.T) {
	env := newTestEnv(t)
	env.feature(t, "f1",
		engine.TaskCreateOptions{AgentRole: "backend", Description: "a"},
		engine.TaskCreateOptions{AgentRole: "backend", Description: "b"},
	)
	env.move(t, "f1-001", domain.TaskAssigned, domain.TaskInProgress)
	env.Clock.Advance(20 * time.Minute)
	env.move(t, "f1-002", domain.TaskAssigned, domain.TaskInProgress)
	env.Clock.Advance(16 * time.Minute)

	rep, err := env.Engine.HealthReport(env.Ctx, 30*time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if fmt.Sprint(rep.Stalled) != "[f1-001]" || fmt.Sprint(rep.LongRunning) != "[f1-002]" || rep.Healthy {
		t.Fatalf("unexpected report %+v", rep)
	}
}

func TestTaskStatistics(t *testing.T) {
	env := newTestEnv(t)
	env.feature(t, "f1",
		engine.TaskCreateOptions{AgentRole: "backend", Description: "a"},
		engine.TaskCreateOptions{AgentRole: "frontend", Description: "b"},
		engine.TaskCreateOptions{AgentRole: "frontend", Description: "c"},
	)
	env.move(t, "f1-001", domain.TaskAssigned, domain.TaskInProgress, domain.TaskCompleted)
	stats, err := env.Engine.GetTaskStatistics(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Total != 3 || stats.Count(domain.TaskCompleted) != 1 || stats.Count(domain.TaskPending) != 2 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if stats.PendingByAgent["frontend_agent"] != 2 {
		t.Fatalf("unexpected pending by agent %+v", stats.PendingByAgent)
	}
}

func TestStatePersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	env := openTestEnv(t, dir)
	env.feature(t, "f1", engine.TaskCreateOptions{AgentRole: "backend", Description: "a"})
	env.move(t, "f1-001", domain.TaskAssigned, domain.TaskInProgress)
	if err := env.Engine.DB.Close(); err != nil {
		t.Fatal(err)
	}

	reopened := openTestEnv(t, dir)
	task, err := reopened.Engine.GetTask(reopened.Ctx, "f1-001")
	if err != nil {
		t.Fatal(err)
	}
	if task.Status != domain.TaskInProgress || task.StartedAt == nil {
		t.Fatalf("state lost across reopen: %+v", task)
	}
	f, err := reopened.Engine.GetFeature(reopened.Ctx, "f1")
	if err != nil {
		t.Fatal(err)
	}
	if f.Status != domain.FeatureInProgress {
		t.Fatalf("feature state lost: %s", f.Status)
	}
}

func TestConcurrentAssignmentHasOneWinner(t *testing.T) {
	env := newTestEnv(t)
	env.feature(t, "f1", engine.TaskCreateOptions{AgentRole: "backend", Description: "contended"})

	const workers = 8
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.Engine.Transition(env.Ctx, "f1-001", domain.TaskAssigned, "")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	wins := 0
	for err := range errs {
		switch {
		case err == nil:
			wins++
		case !errors.Is(err, engine.ErrInvalidTransition):
			t.Fatalf("unexpected error %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
}
