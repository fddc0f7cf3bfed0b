package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"maf/internal/config"
	"maf/internal/domain"
	"maf/internal/journal"
	"maf/internal/metrics"
	"maf/internal/repo"
)

const (
	DefaultMaxRetries = 3
	// StallError is recorded as last_error when recovery fails a silent task.
	StallError = "stalled"
)

// Engine owns task and feature records. Every mutation runs in one SQLite
// transaction on a single-connection pool, and every status write is a
// compare-and-swap on the previous status and retry count.
type Engine struct {
	DB         *sql.DB
	Repo       repo.Repo
	Metrics    *metrics.Metrics
	MaxRetries int
	Now        func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	maxRetries := DefaultMaxRetries
	if cfg != nil {
		maxRetries = cfg.Orchestrator.MaxRetries
	}
	return Engine{
		DB:         db,
		Repo:       repo.Repo{DB: db},
		MaxRetries: maxRetries,
		Now:        time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) journal() journal.Writer {
	return journal.Writer{Now: e.now}
}

// Outcome is the result of a task transition. FeatureChanged is set only
// when this call moved the owning feature, so callers can announce feature
// changes exactly once.
type Outcome struct {
	Task           domain.Task          `json:"task"`
	Feature        domain.Feature       `json:"feature"`
	FeatureChanged bool                 `json:"feature_changed"`
	FeatureFrom    domain.FeatureStatus `json:"feature_from,omitempty"`
}

// FeatureCreateOptions are parameters for creating a feature.
type FeatureCreateOptions struct {
	ID          string
	Description string
}

func (e Engine) CreateFeature(ctx context.Context, opts FeatureCreateOptions) (domain.Feature, error) {
	desc := strings.TrimSpace(opts.Description)
	if desc == "" {
		return domain.Feature{}, errors.New("description is required")
	}
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := e.now()
	f := domain.Feature{
		ID:          id,
		Description: desc,
		Status:      domain.FeaturePending,
		TaskIDs:     []string{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Feature{}, err
	}
	defer tx.Rollback()

	if _, err := e.Repo.GetFeature(ctx, tx, id); err == nil {
		return domain.Feature{}, fmt.Errorf("feature %s: %w", id, ErrAlreadyExists)
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Feature{}, err
	}
	if err := e.Repo.InsertFeature(ctx, tx, f); err != nil {
		return domain.Feature{}, fmt.Errorf("insert feature: %w", err)
	}
	if err := e.journal().Append(ctx, tx, "feature", id, "", string(f.Status), journal.Detail{"description": desc}); err != nil {
		return domain.Feature{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Feature{}, err
	}
	e.Metrics.Transition("feature", string(f.Status))
	return f, nil
}

// TaskCreateOptions are parameters for creating a task.
type TaskCreateOptions struct {
	ID           string
	FeatureID    string
	AgentRole    string
	Description  string
	Dependencies []string
}

func (e Engine) CreateTask(ctx context.Context, opts TaskCreateOptions) (domain.Task, error) {
	tasks, err := e.CreateTasks(ctx, opts.FeatureID, []TaskCreateOptions{opts})
	if err != nil {
		return domain.Task{}, err
	}
	return tasks[0], nil
}

// CreateTasks inserts a decomposition atomically. Dependencies may name
// tasks that already exist in the feature or earlier entries of the batch.
func (e Engine) CreateTasks(ctx context.Context, featureID string, specs []TaskCreateOptions) ([]domain.Task, error) {
	if featureID == "" {
		return nil, errors.New("feature is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	f, err := e.Repo.GetFeature(ctx, tx, featureID)
	if err != nil {
		return nil, fmt.Errorf("feature %s: %w", featureID, err)
	}
	if f.Status.Terminal() {
		return nil, fmt.Errorf("feature %s is %s; tasks cannot be added", featureID, f.Status)
	}
	pos, err := e.Repo.NextTaskPosition(ctx, tx, featureID)
	if err != nil {
		return nil, err
	}
	now := e.now()
	out := make([]domain.Task, 0, len(specs))
	for i, spec := range specs {
		t, err := e.insertTask(ctx, tx, featureID, spec, pos+i, now)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	for range out {
		e.Metrics.Transition("task", string(domain.TaskPending))
	}
	return out, nil
}

func (e Engine) insertTask(ctx context.Context, tx *sql.Tx, featureID string, opts TaskCreateOptions, position int, now time.Time) (domain.Task, error) {
	if opts.FeatureID != "" && opts.FeatureID != featureID {
		return domain.Task{}, fmt.Errorf("task for feature %s created under feature %s", opts.FeatureID, featureID)
	}
	role := domain.NormalizeRole(opts.AgentRole)
	if role == "" {
		return domain.Task{}, errors.New("agent role is required")
	}
	desc := strings.TrimSpace(opts.Description)
	if desc == "" {
		return domain.Task{}, errors.New("description is required")
	}
	id := opts.ID
	if id == "" {
		id = fmt.Sprintf("%s-%03d", featureID, position+1)
	}
	if _, err := e.Repo.GetTask(ctx, tx, id); err == nil {
		return domain.Task{}, fmt.Errorf("task %s: %w", id, ErrAlreadyExists)
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Task{}, err
	}

	deps := uniqueStrings(opts.Dependencies)
	for _, dep := range deps {
		if dep == id {
			return domain.Task{}, fmt.Errorf("task %s cannot depend on itself", id)
		}
		d, err := e.Repo.GetTask(ctx, tx, dep)
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Task{}, fmt.Errorf("task %s: %w %s", id, ErrUnknownDependency, dep)
		}
		if err != nil {
			return domain.Task{}, err
		}
		if d.FeatureID != featureID {
			return domain.Task{}, fmt.Errorf("task %s: %w %s (feature %s)", id, ErrUnknownDependency, dep, d.FeatureID)
		}
	}

	t := domain.Task{
		ID:           id,
		FeatureID:    featureID,
		AgentRole:    role,
		Description:  desc,
		Dependencies: deps,
		Status:       domain.TaskPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := e.Repo.InsertTask(ctx, tx, t, position); err != nil {
		return domain.Task{}, fmt.Errorf("insert task: %w", err)
	}
	if err := e.Repo.AddDependencies(ctx, tx, id, deps); err != nil {
		return domain.Task{}, fmt.Errorf("insert dependencies: %w", err)
	}
	detail := journal.Detail{"feature_id": featureID, "agent_role": role}
	if err := e.journal().Append(ctx, tx, "task", id, "", string(t.Status), detail); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// Transition moves a task along one edge of the state machine. Illegal
// requests return a *TransitionError and change nothing. Moving to assigned
// also requires every dependency to be completed.
func (e Engine) Transition(ctx context.Context, taskID string, to domain.TaskStatus, errMsg string) (Outcome, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return Outcome{}, err
	}
	defer tx.Rollback()

	out, err := e.transitionTx(ctx, tx, taskID, to, errMsg)
	if err != nil {
		return Outcome{}, err
	}
	if err := tx.Commit(); err != nil {
		return Outcome{}, err
	}
	e.observe(out)
	return out, nil
}

// Complete records a worker's success report. An assigned task whose start
// report was missed passes through in_progress first.
func (e Engine) Complete(ctx context.Context, taskID string) (Outcome, error) {
	return e.finish(ctx, taskID, domain.TaskCompleted, "")
}

// Fail records a worker's failure report, passing through in_progress like Complete.
func (e Engine) Fail(ctx context.Context, taskID, errMsg string) (Outcome, error) {
	return e.finish(ctx, taskID, domain.TaskFailed, errMsg)
}

func (e Engine) finish(ctx context.Context, taskID string, to domain.TaskStatus, errMsg string) (Outcome, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return Outcome{}, err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTask(ctx, tx, taskID)
	if err != nil {
		return Outcome{}, fmt.Errorf("task %s: %w", taskID, err)
	}
	var started Outcome
	if t.Status == domain.TaskAssigned {
		if started, err = e.transitionTx(ctx, tx, taskID, domain.TaskInProgress, ""); err != nil {
			return Outcome{}, err
		}
	}
	out, err := e.transitionTx(ctx, tx, taskID, to, errMsg)
	if err != nil {
		return Outcome{}, err
	}
	if !out.FeatureChanged && started.FeatureChanged {
		out.FeatureChanged, out.FeatureFrom = true, started.FeatureFrom
	}
	if err := tx.Commit(); err != nil {
		return Outcome{}, err
	}
	if started.Task.ID != "" {
		e.Metrics.Transition("task", string(domain.TaskInProgress))
	}
	e.observe(out)
	return out, nil
}

func (e Engine) observe(out Outcome) {
	e.Metrics.Transition("task", string(out.Task.Status))
	if out.FeatureChanged {
		e.Metrics.Transition("feature", string(out.Feature.Status))
	}
}

func (e Engine) transitionTx(ctx context.Context, tx *sql.Tx, taskID string, to domain.TaskStatus, errMsg string) (Outcome, error) {
	if !to.Valid() {
		return Outcome{}, fmt.Errorf("unknown task status %q", to)
	}
	t, err := e.Repo.GetTask(ctx, tx, taskID)
	if err != nil {
		return Outcome{}, fmt.Errorf("task %s: %w", taskID, err)
	}
	if !domain.CanTransitionTask(t.Status, to) {
		return Outcome{}, &TransitionError{Entity: "task", ID: t.ID, From: string(t.Status), To: string(to)}
	}
	if to == domain.TaskAssigned {
		pending, err := e.Repo.UnfinishedDependencies(ctx, tx, t.ID)
		if err != nil {
			return Outcome{}, err
		}
		if len(pending) > 0 {
			return Outcome{}, fmt.Errorf("task %s: %w: %s", t.ID, ErrDependenciesPending, strings.Join(pending, ", "))
		}
	}

	now := e.now()
	u := repo.TaskUpdate{
		ID:          t.ID,
		From:        t.Status,
		ExpectRetry: t.RetryCount,
		To:          to,
		RetryCount:  t.RetryCount,
		LastError:   t.LastError,
		StartedAt:   t.StartedAt,
		UpdatedAt:   now,
	}
	detail := journal.Detail{}
	switch to {
	case domain.TaskInProgress:
		u.StartedAt = &now
	case domain.TaskFailed:
		if errMsg == "" {
			errMsg = "failed"
		}
		u.LastError = errMsg
		detail["error"] = errMsg
	case domain.TaskPending:
		u.StartedAt = nil
		if t.Status == domain.TaskFailed {
			u.RetryCount++
			detail["retry_count"] = u.RetryCount
		}
	}
	ok, err := e.Repo.CompareAndSetTask(ctx, tx, u)
	if err != nil {
		return Outcome{}, fmt.Errorf("update task %s: %w", t.ID, err)
	}
	if !ok {
		cur, _ := e.Repo.GetTask(ctx, tx, t.ID)
		return Outcome{}, &TransitionError{Entity: "task", ID: t.ID, From: string(cur.Status), To: string(to)}
	}
	if err := e.journal().Append(ctx, tx, "task", t.ID, string(t.Status), string(to), detail); err != nil {
		return Outcome{}, err
	}

	t.Status, t.RetryCount, t.LastError, t.StartedAt, t.UpdatedAt = to, u.RetryCount, u.LastError, u.StartedAt, now
	out := Outcome{Task: t}
	out.Feature, out.FeatureChanged, out.FeatureFrom, err = e.settleFeature(ctx, tx, t)
	return out, err
}

// settleFeature applies the feature consequences of a task change: first
// activity starts the feature, the last completion completes it, and a
// retried task resumes a blocked feature once no failed task remains.
func (e Engine) settleFeature(ctx context.Context, tx *sql.Tx, t domain.Task) (domain.Feature, bool, domain.FeatureStatus, error) {
	f, err := e.Repo.GetFeature(ctx, tx, t.FeatureID)
	if err != nil {
		return f, false, "", fmt.Errorf("feature %s: %w", t.FeatureID, err)
	}
	var next domain.FeatureStatus
	switch t.Status {
	case domain.TaskAssigned, domain.TaskInProgress:
		if f.Status == domain.FeaturePending {
			next = domain.FeatureInProgress
		}
	case domain.TaskCompleted:
		if f.Status != domain.FeaturePending && f.Status != domain.FeatureInProgress {
			break
		}
		open, err := e.Repo.CountTasksNotIn(ctx, tx, f.ID, domain.TaskCompleted)
		if err != nil {
			return f, false, "", err
		}
		if open == 0 {
			next = domain.FeatureCompleted
		}
	case domain.TaskPending:
		if f.Status != domain.FeatureBlocked {
			break
		}
		failed, err := e.Repo.CountTasksNotIn(ctx, tx, f.ID, domain.TaskPending, domain.TaskAssigned, domain.TaskInProgress, domain.TaskCompleted)
		if err != nil {
			return f, false, "", err
		}
		if failed == 0 {
			next = domain.FeatureInProgress
		}
	}
	if next == "" {
		return f, false, "", nil
	}
	from := f.Status
	f, changed, err := e.moveFeature(ctx, tx, f, next, "")
	return f, changed, from, err
}

func (e Engine) moveFeature(ctx context.Context, tx *sql.Tx, f domain.Feature, to domain.FeatureStatus, reason string) (domain.Feature, bool, error) {
	if f.Status == to {
		return f, false, nil
	}
	if !domain.CanTransitionFeature(f.Status, to) {
		return f, false, &TransitionError{Entity: "feature", ID: f.ID, From: string(f.Status), To: string(to)}
	}
	now := e.now()
	ok, err := e.Repo.CompareAndSetFeatureStatus(ctx, tx, f.ID, f.Status, to, reason, now)
	if err != nil {
		return f, false, fmt.Errorf("update feature %s: %w", f.ID, err)
	}
	if !ok {
		return f, false, &TransitionError{Entity: "feature", ID: f.ID, From: string(f.Status), To: string(to)}
	}
	detail := journal.Detail{}
	if reason != "" {
		detail["reason"] = reason
	}
	if err := e.journal().Append(ctx, tx, "feature", f.ID, string(f.Status), string(to), detail); err != nil {
		return f, false, err
	}
	f.Status, f.UpdatedAt = to, now
	if reason != "" {
		f.LastError = reason
	}
	return f, true, nil
}

// SetFeatureStatus moves a feature directly. Setting the current status is
// a no-op reported as unchanged.
func (e Engine) SetFeatureStatus(ctx context.Context, featureID string, to domain.FeatureStatus, reason string) (domain.Feature, bool, error) {
	if !to.Valid() {
		return domain.Feature{}, false, fmt.Errorf("unknown feature status %q", to)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Feature{}, false, err
	}
	defer tx.Rollback()

	f, err := e.Repo.GetFeature(ctx, tx, featureID)
	if err != nil {
		return f, false, fmt.Errorf("feature %s: %w", featureID, err)
	}
	f, changed, err := e.moveFeature(ctx, tx, f, to, reason)
	if err != nil {
		return f, false, err
	}
	if err := tx.Commit(); err != nil {
		return f, false, err
	}
	if changed {
		e.Metrics.Transition("feature", string(to))
	}
	return f, changed, nil
}

func (e Engine) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return e.Repo.GetTask(ctx, nil, id)
}

// GetFeature returns the active feature, or its archived snapshot once
// cleanup has removed it.
func (e Engine) GetFeature(ctx context.Context, id string) (domain.Feature, error) {
	f, err := e.Repo.GetFeature(ctx, nil, id)
	if errors.Is(err, repo.ErrNotFound) {
		return e.Repo.GetArchivedFeature(ctx, nil, id)
	}
	return f, err
}

func (e Engine) ListFeatures(ctx context.Context, f repo.FeatureFilters) ([]domain.Feature, error) {
	return e.Repo.ListFeatures(ctx, nil, f)
}

// ListFeatureTasks returns a feature's tasks in decomposition order.
func (e Engine) ListFeatureTasks(ctx context.Context, featureID string) ([]domain.Task, error) {
	return e.Repo.ListTasks(ctx, nil, repo.TaskFilters{FeatureID: featureID})
}

func (e Engine) ListTasks(ctx context.Context, f repo.TaskFilters) ([]domain.Task, error) {
	return e.Repo.ListTasks(ctx, nil, f)
}

// GetPendingTasksByAgent returns pending tasks for role whose dependencies
// are all completed, oldest first. It never mutates.
func (e Engine) GetPendingTasksByAgent(ctx context.Context, role string) ([]domain.Task, error) {
	normalized := domain.NormalizeRole(role)
	if normalized == "" {
		return nil, errors.New("agent role is required")
	}
	return e.Repo.ListEligible(ctx, nil, normalized)
}

// ListDispatchable is GetPendingTasksByAgent across every role.
func (e Engine) ListDispatchable(ctx context.Context) ([]domain.Task, error) {
	return e.Repo.ListEligible(ctx, nil, "")
}

func (e Engine) GetTaskStatistics(ctx context.Context) (domain.TaskStatistics, error) {
	return e.Repo.TaskStatistics(ctx, nil)
}

// History returns journal entries for one task or feature, newest first.
// An empty id returns the whole journal.
func (e Engine) History(ctx context.Context, entityID string, limit int) ([]domain.StateChange, error) {
	return e.Repo.ListStateChanges(ctx, nil, entityID, limit)
}

func uniqueStrings(in []string) []string {
	seen := make(map[string]bool, len(in))
	var out []string
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
