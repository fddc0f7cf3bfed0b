package orchestrator

import (
	"context"
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
)

func TestRetryReportedAfterRecoveryRetriedIsIgnored(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	ctx := context.Background()
	b := bus.NewMemory(100, logging.NopLogger(), nil)
	none := decompose.Func(func(context.Context, string, string) ([]decompose.Step, error) { return nil, nil })
	o, err := New(Config{StallTimeout: time.Minute, MaxRetries: 3}, b, engine.New(conn, config.Default()), none, logging.NopLogger(), nil)
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}

	eng := o.Engine()
	if _, err := eng.CreateFeature(ctx, engine.FeatureCreateOptions{ID: "f", Description: "race"}); err != nil {
		t.Fatalf("create feature: %v", err)
	}
	if _, err := eng.CreateTasks(ctx, "f", []engine.TaskCreateOptions{{ID: "f-001", AgentRole: "backend_agent", Description: "A"}}); err != nil {
		t.Fatalf("create tasks: %v", err)
	}
	for _, to := range []domain.TaskStatus{domain.TaskAssigned, domain.TaskInProgress} {
		if _, err := eng.Transition(ctx, "f-001", to, ""); err != nil {
			t.Fatalf("transition to %s: %v", to, err)
		}
	}
	if _, err := eng.Fail(ctx, "f-001", "boom"); err != nil {
		t.Fatalf("fail: %v", err)
	}
	// a recovery pass retries the task before the report handler gets to it
	if _, err := eng.RetryTask(ctx, "f-001", 3); err != nil {
		t.Fatalf("retry: %v", err)
	}

	report := events.New("backend_agent", events.TaskFailedPayload{TaskID: "f-001", Error: "boom"})
	if err := o.retryReported(ctx, "f-001", report); err != nil {
		t.Fatalf("expected the already retried task to be ignored, got %v", err)
	}
	task, err := eng.GetTask(ctx, "f-001")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != domain.TaskPending || task.RetryCount != 1 {
		t.Fatalf("task retried twice: %s retry_count=%d", task.Status, task.RetryCount)
	}
}
