package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"maf/internal/domain"
	"maf/internal/journal"
	"maf/internal/repo"
)

// RetrySummary reports what a retry sweep did. BlockedFeatures lists only
// features this sweep moved to blocked.
type RetrySummary struct {
	Retried         []domain.Task `json:"retried"`
	Exhausted       []string      `json:"exhausted"`
	BlockedFeatures []string      `json:"blocked_features"`
	ResumedFeatures []string      `json:"resumed_features,omitempty"`
}

type RecoverySummary struct {
	Stalled []string     `json:"stalled"`
	Retry   RetrySummary `json:"retry"`
}

type CleanupSummary struct {
	Features []string `json:"features"`
	Tasks    int      `json:"tasks"`
}

// RecoverStalledTasks fails every in_progress task not updated within
// timeout and immediately applies the retry rule to it. Running it twice
// with no time passing changes nothing the second time.
func (e Engine) RecoverStalledTasks(ctx context.Context, timeout time.Duration) (RecoverySummary, error) {
	sum := RecoverySummary{Stalled: []string{}}
	if timeout <= 0 {
		return sum, errors.New("stall timeout must be positive")
	}
	cutoff := e.now().Add(-timeout)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return sum, err
	}
	defer tx.Rollback()

	stalled, err := e.Repo.ListTasks(ctx, tx, repo.TaskFilters{Status: domain.TaskInProgress, UpdatedBefore: cutoff})
	if err != nil {
		return sum, err
	}
	for _, t := range stalled {
		out, err := e.transitionTx(ctx, tx, t.ID, domain.TaskFailed, StallError)
		if err != nil {
			return sum, err
		}
		sum.Stalled = append(sum.Stalled, t.ID)
		if err := e.retryTx(ctx, tx, out.Task, e.MaxRetries, &sum.Retry); err != nil {
			return sum, err
		}
	}
	if err := tx.Commit(); err != nil {
		return sum, err
	}
	e.Metrics.Recovery("stalled", len(sum.Stalled))
	e.observeRetry(sum.Retry)
	return sum, nil
}

// RetryFailedTasks returns every failed task with retries left to pending
// and blocks the features of tasks that have none.
func (e Engine) RetryFailedTasks(ctx context.Context, maxRetries int) (RetrySummary, error) {
	var sum RetrySummary
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return sum, err
	}
	defer tx.Rollback()

	failed, err := e.Repo.ListTasks(ctx, tx, repo.TaskFilters{Status: domain.TaskFailed})
	if err != nil {
		return sum, err
	}
	for _, t := range failed {
		if err := e.retryTx(ctx, tx, t, maxRetries, &sum); err != nil {
			return sum, err
		}
	}
	if err := tx.Commit(); err != nil {
		return sum, err
	}
	e.observeRetry(sum)
	return sum, nil
}

// RetryTask applies the retry rule to a single failed task.
func (e Engine) RetryTask(ctx context.Context, taskID string, maxRetries int) (RetrySummary, error) {
	var sum RetrySummary
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return sum, err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTask(ctx, tx, taskID)
	if err != nil {
		return sum, fmt.Errorf("task %s: %w", taskID, err)
	}
	if err := e.retryTx(ctx, tx, t, maxRetries, &sum); err != nil {
		return sum, err
	}
	if err := tx.Commit(); err != nil {
		return sum, err
	}
	e.observeRetry(sum)
	return sum, nil
}

func (e Engine) retryTx(ctx context.Context, tx *sql.Tx, t domain.Task, maxRetries int, sum *RetrySummary) error {
	if t.Status != domain.TaskFailed {
		return &TransitionError{Entity: "task", ID: t.ID, From: string(t.Status), To: string(domain.TaskPending)}
	}
	if t.RetryCount < maxRetries {
		out, err := e.transitionTx(ctx, tx, t.ID, domain.TaskPending, "")
		if err != nil {
			return err
		}
		sum.Retried = append(sum.Retried, out.Task)
		if out.FeatureChanged && out.FeatureFrom == domain.FeatureBlocked {
			sum.ResumedFeatures = append(sum.ResumedFeatures, out.Feature.ID)
		}
		return nil
	}

	sum.Exhausted = append(sum.Exhausted, t.ID)
	f, err := e.Repo.GetFeature(ctx, tx, t.FeatureID)
	if err != nil {
		return fmt.Errorf("feature %s: %w", t.FeatureID, err)
	}
	if f.Status != domain.FeatureInProgress {
		return nil
	}
	reason := fmt.Sprintf("task %s failed after %d retries: %s", t.ID, t.RetryCount, t.LastError)
	_, moved, err := e.moveFeature(ctx, tx, f, domain.FeatureBlocked, reason)
	if err != nil {
		return err
	}
	if moved {
		sum.BlockedFeatures = append(sum.BlockedFeatures, f.ID)
	}
	return nil
}

func (e Engine) observeRetry(sum RetrySummary) {
	for _, t := range sum.Retried {
		e.Metrics.Transition("task", string(t.Status))
	}
	for range sum.BlockedFeatures {
		e.Metrics.Transition("feature", string(domain.FeatureBlocked))
	}
	for range sum.ResumedFeatures {
		e.Metrics.Transition("feature", string(domain.FeatureInProgress))
	}
	e.Metrics.Recovery("retried", len(sum.Retried))
	e.Metrics.Recovery("exhausted", len(sum.Exhausted))
}

// ReleaseStaleAssignments returns tasks stuck in assigned for longer than
// timeout to pending so they can be dispatched again. A non-positive
// timeout disables the sweep.
func (e Engine) ReleaseStaleAssignments(ctx context.Context, timeout time.Duration) ([]domain.Task, error) {
	if timeout <= 0 {
		return nil, nil
	}
	cutoff := e.now().Add(-timeout)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	stale, err := e.Repo.ListTasks(ctx, tx, repo.TaskFilters{Status: domain.TaskAssigned, UpdatedBefore: cutoff})
	if err != nil {
		return nil, err
	}
	var released []domain.Task
	for _, t := range stale {
		out, err := e.transitionTx(ctx, tx, t.ID, domain.TaskPending, "")
		if err != nil {
			return nil, err
		}
		released = append(released, out.Task)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	for _, t := range released {
		e.Metrics.Transition("task", string(t.Status))
	}
	e.Metrics.Recovery("released", len(released))
	return released, nil
}

// CleanupCompletedTasks archives features that reached a terminal state
// more than retention ago, together with their tasks.
func (e Engine) CleanupCompletedTasks(ctx context.Context, retention time.Duration) (CleanupSummary, error) {
	sum := CleanupSummary{Features: []string{}}
	if retention < 0 {
		return sum, errors.New("retention must not be negative")
	}
	now := e.now()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return sum, err
	}
	defer tx.Rollback()

	candidates, err := e.Repo.CleanupCandidates(ctx, tx, now.Add(-retention))
	if err != nil {
		return sum, err
	}
	for _, f := range candidates {
		tasks, err := e.Repo.ListTasks(ctx, tx, repo.TaskFilters{FeatureID: f.ID})
		if err != nil {
			return sum, err
		}
		if f.TaskIDs, err = e.Repo.FeatureTaskIDs(ctx, tx, f.ID); err != nil {
			return sum, err
		}
		if err := e.Repo.ArchiveFeature(ctx, tx, f, tasks, now); err != nil {
			return sum, fmt.Errorf("archive feature %s: %w", f.ID, err)
		}
		if err := e.journal().Append(ctx, tx, "feature", f.ID, string(f.Status), "archived", journal.Detail{"tasks": len(tasks)}); err != nil {
			return sum, err
		}
		sum.Features = append(sum.Features, f.ID)
		sum.Tasks += len(tasks)
	}
	if err := tx.Commit(); err != nil {
		return sum, err
	}
	e.Metrics.Recovery("archived", len(sum.Features))
	return sum, nil
}

// HealthReport classifies in-progress tasks against the stall timeout.
// Tasks running for more than half of it are reported as long running
// before recovery would fail them. Failed lists tasks with no retries left.
func (e Engine) HealthReport(ctx context.Context, stallTimeout time.Duration) (domain.HealthReport, error) {
	now := e.now()
	rep := domain.HealthReport{
		Stalled:     []string{},
		LongRunning: []string{},
		Failed:      []string{},
		CheckedAt:   repo.FormatTime(now),
	}
	running, err := e.Repo.ListTasks(ctx, nil, repo.TaskFilters{Status: domain.TaskInProgress})
	if err != nil {
		return rep, err
	}
	for _, t := range running {
		switch {
		case now.Sub(t.UpdatedAt) > stallTimeout:
			rep.Stalled = append(rep.Stalled, t.ID)
		case t.StartedAt != nil && now.Sub(*t.StartedAt) > stallTimeout/2:
			rep.LongRunning = append(rep.LongRunning, t.ID)
		}
	}
	failed, err := e.Repo.ListTasks(ctx, nil, repo.TaskFilters{Status: domain.TaskFailed})
	if err != nil {
		return rep, err
	}
	for _, t := range failed {
		if t.RetryCount >= e.MaxRetries {
			rep.Failed = append(rep.Failed, t.ID)
		}
	}
	rep.Healthy = len(rep.Stalled) == 0 && len(rep.Failed) == 0
	return rep, nil
}
