// Package decompose turns a feature description into an ordered task plan.
// The plan itself comes from an external generator; this package only
// invokes it and validates what comes back.
package decompose

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kaptinlin/jsonrepair"

	"maf/internal/config"
	"maf/internal/domain"
	"maf/internal/logging"
	"maf/internal/runner"
)

// Step is one planned task. DependsOn holds indices of earlier steps.
type Step struct {
	Role        string `json:"agent"`
	Description string `json:"description"`
	DependsOn   []int  `json:"depends_on,omitempty"`
}

type Decomposer interface {
	Decompose(ctx context.Context, featureID, description string) ([]Step, error)
}

// Func adapts a function to Decomposer.
type Func func(ctx context.Context, featureID, description string) ([]Step, error)

func (f Func) Decompose(ctx context.Context, featureID, description string) ([]Step, error) {
	return f(ctx, featureID, description)
}

var ErrInvalidPlan = errors.New("invalid plan")

// New returns a Command decomposer when a command is configured, otherwise
// the static plan from configuration.
func New(cfg config.DecomposerConfig, log *logging.Logger) Decomposer {
	if strings.TrimSpace(cfg.Command) != "" {
		return &Command{Command: cfg.Command, Timeout: cfg.Timeout, Log: log}
	}
	return NewStatic(cfg.Plan)
}

// Static returns the same plan for every feature, with the feature
// description appended to each step.
type Static struct {
	Plan []Step
}

func NewStatic(plan []config.PlanStep) Static {
	steps := make([]Step, 0, len(plan))
	for _, p := range plan {
		steps = append(steps, Step{Role: p.Agent, Description: p.Description, DependsOn: p.DependsOn})
	}
	return Static{Plan: steps}
}

func (s Static) Decompose(_ context.Context, _ string, description string) ([]Step, error) {
	out := make([]Step, 0, len(s.Plan))
	for _, step := range s.Plan {
		step.Description = strings.TrimSpace(step.Description + ": " + description)
		step.DependsOn = append([]int(nil), step.DependsOn...)
		out = append(out, step)
	}
	return Validate(out)
}

// Command runs an external generator. The feature description is written to
// its stdin and MAF_FEATURE_ID is set in its environment; stdout must hold a
// JSON plan.
type Command struct {
	Command string
	Timeout time.Duration
	Log     *logging.Logger
}

func (c *Command) Decompose(ctx context.Context, featureID, description string) ([]Step, error) {
	res, err := runner.Run(ctx, c.Command, description, c.Timeout, "MAF_FEATURE_ID="+featureID)
	if err != nil {
		return nil, fmt.Errorf("decomposer: %w", err)
	}
	steps, err := Parse([]byte(res.Stdout))
	if err != nil {
		c.Log.Warn("decomposer output rejected", "feature_id", featureID, "output", truncate(res.Stdout, 500), "error", err)
		return nil, err
	}
	c.Log.Debug("feature decomposed", "feature_id", featureID, "steps", len(steps))
	return steps, nil
}

type planEntry struct {
	Agent        string `json:"agent"`
	AgentRole    string `json:"agent_role"`
	Description  string `json:"description"`
	DependsOn    []int  `json:"depends_on"`
	Dependencies []int  `json:"dependencies"`
}

// Parse reads a generator response: a JSON array of steps or an object with
// a "tasks" array, optionally wrapped in a markdown code fence. Malformed
// JSON is repaired once before giving up. Roles are normalized.
func Parse(raw []byte) ([]Step, error) {
	text := stripFence(string(raw))
	if text == "" {
		return nil, fmt.Errorf("%w: empty output", ErrInvalidPlan)
	}
	entries, err := unmarshalPlan([]byte(text))
	if err != nil {
		repaired, rerr := jsonrepair.JSONRepair(text)
		if rerr != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPlan, err)
		}
		if entries, err = unmarshalPlan([]byte(repaired)); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPlan, err)
		}
	}
	steps := make([]Step, 0, len(entries))
	for _, e := range entries {
		role := e.Agent
		if role == "" {
			role = e.AgentRole
		}
		deps := e.DependsOn
		if len(deps) == 0 {
			deps = e.Dependencies
		}
		steps = append(steps, Step{Role: role, Description: e.Description, DependsOn: deps})
	}
	return Validate(steps)
}

func unmarshalPlan(data []byte) ([]planEntry, error) {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '{' {
		var wrapped struct {
			Tasks []planEntry `json:"tasks"`
		}
		if err := json.Unmarshal(data, &wrapped); err != nil {
			return nil, err
		}
		return wrapped.Tasks, nil
	}
	var entries []planEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		if i := strings.IndexByte(s, '\n'); i >= 0 {
			s = s[i+1:]
		} else {
			s = strings.TrimPrefix(s, "```")
		}
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// Validate normalizes roles and checks descriptions and dependency indices.
// Dependencies may only point at earlier steps, so a plan is always acyclic.
func Validate(steps []Step) ([]Step, error) {
	for i := range steps {
		s := &steps[i]
		s.Role = domain.NormalizeRole(s.Role)
		s.Description = strings.TrimSpace(s.Description)
		if s.Role == "" {
			return nil, fmt.Errorf("%w: step %d has no agent", ErrInvalidPlan, i)
		}
		if s.Description == "" {
			return nil, fmt.Errorf("%w: step %d has no description", ErrInvalidPlan, i)
		}
		for _, dep := range s.DependsOn {
			if dep < 0 || dep >= i {
				return nil, fmt.Errorf("%w: step %d depends on %d", ErrInvalidPlan, i, dep)
			}
		}
	}
	return steps, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
