package orchestrator

import (
	"context"
	"time"

	"maf/internal/domain"
	"maf/internal/engine"
	"maf/internal/events"
)

// RecoveryReport summarizes one recovery pass.
type RecoveryReport struct {
	Stalled    []string            `json:"stalled"`
	Retry      engine.RetrySummary `json:"retry"`
	Released   []string            `json:"released"`
	Resumed    []string            `json:"resumed"`
	Dispatched int                 `json:"dispatched"`
}

// HealthCheck publishes system.health_check with the current statistics.
func (o *Orchestrator) HealthCheck(ctx context.Context) (events.HealthCheckPayload, error) {
	stats, err := o.engine.GetTaskStatistics(ctx)
	if err != nil {
		return events.HealthCheckPayload{}, err
	}
	rep, err := o.engine.HealthReport(ctx, o.cfg.StallTimeout)
	if err != nil {
		return events.HealthCheckPayload{}, err
	}
	counts := make(map[string]int, len(domain.TaskStatuses))
	for _, s := range domain.TaskStatuses {
		counts[string(s)] = stats.Count(s)
	}
	o.metrics.SetTaskCounts(counts)

	p := events.HealthCheckPayload{Stats: stats, Healthy: rep.Healthy}
	if !rep.Healthy {
		o.log.Warn("health check", "stalled", rep.Stalled, "failed", rep.Failed, "long_running", rep.LongRunning)
	} else {
		o.log.Debug("health check", "total", stats.Total)
	}
	o.publish(ctx, p)
	return p, nil
}

// TaskHealth reports stalled, long-running and exhausted tasks against the
// configured stall timeout.
func (o *Orchestrator) TaskHealth(ctx context.Context) (domain.HealthReport, error) {
	return o.engine.HealthReport(ctx, o.cfg.StallTimeout)
}

// Recover runs a full recovery pass: stalled tasks, failed tasks, stale
// assignments and undecomposed features, then a dispatch pass so every task
// that re-entered pending is announced immediately.
func (o *Orchestrator) Recover(ctx context.Context) (RecoveryReport, error) {
	rep := RecoveryReport{Released: []string{}, Resumed: []string{}}
	stalled, err := o.engine.RecoverStalledTasks(ctx, o.cfg.StallTimeout)
	if err != nil {
		return rep, err
	}
	rep.Stalled = stalled.Stalled
	retry, err := o.engine.RetryFailedTasks(ctx, o.cfg.MaxRetries)
	if err != nil {
		return rep, err
	}
	rep.Retry = mergeRetry(stalled.Retry, retry)

	released, err := o.engine.ReleaseStaleAssignments(ctx, o.cfg.AssignTimeout)
	if err != nil {
		return rep, err
	}
	for _, t := range released {
		rep.Released = append(rep.Released, t.ID)
	}
	o.announceRetries(ctx, rep.Retry)

	resumed, err := o.resumePending(ctx)
	if err != nil {
		return rep, err
	}
	rep.Resumed = append(rep.Resumed, resumed...)

	if rep.Dispatched, err = o.Dispatch(ctx); err != nil {
		return rep, err
	}
	if len(rep.Stalled)+len(rep.Retry.Retried)+len(rep.Released)+len(rep.Resumed) > 0 {
		o.log.Info("recovery pass", "stalled", len(rep.Stalled), "retried", len(rep.Retry.Retried),
			"exhausted", len(rep.Retry.Exhausted), "released", len(rep.Released), "resumed", len(rep.Resumed),
			"dispatched", rep.Dispatched)
	}
	return rep, nil
}

// RecoverStalled fails silent in_progress tasks, applies the retry rule and
// re-dispatches.
func (o *Orchestrator) RecoverStalled(ctx context.Context) (engine.RecoverySummary, error) {
	sum, err := o.engine.RecoverStalledTasks(ctx, o.cfg.StallTimeout)
	if err != nil {
		return sum, err
	}
	o.announceRetries(ctx, sum.Retry)
	_, err = o.Dispatch(ctx)
	return sum, err
}

// RetryFailed re-queues failed tasks with retries left and re-dispatches.
func (o *Orchestrator) RetryFailed(ctx context.Context) (engine.RetrySummary, error) {
	sum, err := o.engine.RetryFailedTasks(ctx, o.cfg.MaxRetries)
	if err != nil {
		return sum, err
	}
	o.announceRetries(ctx, sum)
	_, err = o.Dispatch(ctx)
	return sum, err
}

// Cleanup archives terminal features older than retention. A zero retention
// uses the configured one.
func (o *Orchestrator) Cleanup(ctx context.Context, retention time.Duration) (engine.CleanupSummary, error) {
	if retention == 0 {
		retention = o.cfg.Retention
	}
	sum, err := o.engine.CleanupCompletedTasks(ctx, retention)
	if err != nil {
		return sum, err
	}
	if len(sum.Features) > 0 {
		o.log.Info("archived features", "features", len(sum.Features), "tasks", sum.Tasks)
	}
	return sum, nil
}

func (o *Orchestrator) healthTick(ctx context.Context) error {
	_, err := o.HealthCheck(ctx)
	return err
}

func (o *Orchestrator) recoveryTick(ctx context.Context) error {
	_, err := o.Recover(ctx)
	return err
}

func (o *Orchestrator) cleanupTick(ctx context.Context) error {
	_, err := o.Cleanup(ctx, 0)
	return err
}

func mergeRetry(a, b engine.RetrySummary) engine.RetrySummary {
	return engine.RetrySummary{
		Retried:         append(a.Retried, b.Retried...),
		Exhausted:       append(a.Exhausted, b.Exhausted...),
		BlockedFeatures: append(a.BlockedFeatures, b.BlockedFeatures...),
		ResumedFeatures: append(a.ResumedFeatures, b.ResumedFeatures...),
	}
}
