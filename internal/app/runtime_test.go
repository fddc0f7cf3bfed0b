package app

import (
	"context"
	"testing"
	"time"

	"maf/internal/config"
	"maf/internal/domain"
	"maf/internal/logging"
)

func TestRuntimeRunsFeatureEndToEnd(t *testing.T) {
	ctx := context.Background()
	cfg := config.Default()
	cfg.Decomposer.Plan = []config.PlanStep{
		{Agent: "db", Description: "schema"},
		{Agent: "backend", Description: "api", DependsOn: []int{0}},
	}
	cfg.Agents = map[string]config.AgentConfig{
		"db":      {Command: "cat"},
		"backend": {Command: "cat", MaxConcurrent: 2},
	}
	rt, err := Open(ctx, Options{Workspace: t.TempDir(), Config: cfg, Logger: logging.NopLogger()})
	if err != nil {
		t.Fatalf("open runtime: %v", err)
	}
	defer rt.Close(ctx)
	if err := rt.Bus.Start(ctx); err != nil {
		t.Fatalf("start bus: %v", err)
	}
	orch, err := rt.Orchestrator()
	if err != nil {
		t.Fatalf("orchestrator: %v", err)
	}
	agents, err := rt.Agents()
	if err != nil {
		t.Fatalf("agents: %v", err)
	}
	if len(agents) != 2 {
		t.Fatalf("expected 2 agents, got %d", len(agents))
	}
	for _, a := range agents {
		if err := a.Start(ctx); err != nil {
			t.Fatalf("start agent: %v", err)
		}
		defer a.Stop(ctx)
	}
	if err := orch.Start(ctx); err != nil {
		t.Fatalf("start orchestrator: %v", err)
	}
	defer orch.Stop(ctx)

	f, err := orch.RequestFeature(ctx, "orders")
	if err != nil {
		t.Fatalf("request feature: %v", err)
	}
	deadline := time.Now().Add(10 * time.Second)
	for {
		got, err := rt.Engine.GetFeature(ctx, f.ID)
		if err != nil {
			t.Fatalf("get feature: %v", err)
		}
		if got.Status == domain.FeatureCompleted {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("feature still %s", got.Status)
		}
		time.Sleep(20 * time.Millisecond)
	}
	tasks, err := rt.Engine.ListFeatureTasks(ctx, f.ID)
	if err != nil {
		t.Fatal(err)
	}
	for _, task := range tasks {
		if task.Status != domain.TaskCompleted {
			t.Fatalf("task %s is %s", task.ID, task.Status)
		}
	}
}

func TestAgentsSelection(t *testing.T) {
	cfg := config.Default()
	cfg.Agents = map[string]config.AgentConfig{"qa": {Command: "true"}}
	rt, err := Open(context.Background(), Options{Workspace: t.TempDir(), Config: cfg, Logger: logging.NopLogger()})
	if err != nil {
		t.Fatal(err)
	}
	defer rt.Close(context.Background())

	if got, err := rt.Agents("qa_agent"); err != nil || len(got) != 1 || got[0].Role() != "qa_agent" {
		t.Fatalf("select qa: %v %d", err, len(got))
	}
	if _, err := rt.Agents("docs"); err == nil {
		t.Fatalf("expected error for unconfigured role")
	}
}
