package repo

import (
	"context"

	"maf/internal/domain"
)

// TaskStatistics aggregates the active store in a handful of grouped queries.
func (r Repo) TaskStatistics(ctx context.Context, tx Querier) (domain.TaskStatistics, error) {
	stats := domain.TaskStatistics{
		ByStatus:         map[domain.TaskStatus]int{},
		PendingByAgent:   map[string]int{},
		ByAgent:          map[string]int{},
		FeaturesByStatus: map[domain.FeatureStatus]int{},
	}
	for _, s := range domain.TaskStatuses {
		stats.ByStatus[s] = 0
	}
	for _, s := range domain.FeatureStatuses {
		stats.FeaturesByStatus[s] = 0
	}

	var retries int
	err := r.groupCount(ctx, tx, `SELECT status, count(*), COALESCE(SUM(retry_count),0) FROM tasks GROUP BY status`, func(key string, n, sum int) {
		stats.ByStatus[domain.TaskStatus(key)] = n
		stats.Total += n
		retries += sum
	})
	if err != nil {
		return stats, err
	}
	err = r.groupCount(ctx, tx, `SELECT agent_role, count(*), SUM(CASE WHEN status='pending' THEN 1 ELSE 0 END) FROM tasks GROUP BY agent_role`, func(key string, n, pending int) {
		stats.ByAgent[key] = n
		if pending > 0 {
			stats.PendingByAgent[key] = pending
		}
	})
	if err != nil {
		return stats, err
	}
	err = r.groupCount(ctx, tx, `SELECT status, count(*), 0 FROM features GROUP BY status`, func(key string, n, _ int) {
		stats.FeaturesByStatus[domain.FeatureStatus(key)] = n
	})
	if err != nil {
		return stats, err
	}
	if err := r.q(tx).QueryRowContext(ctx, `SELECT count(*) FROM tasks WHERE last_error IS NOT NULL AND last_error != ''`).Scan(&stats.TasksWithErrors); err != nil {
		return stats, err
	}
	if stats.Total > 0 {
		stats.MeanRetryCount = float64(retries) / float64(stats.Total)
		stats.CompletionRate = float64(stats.ByStatus[domain.TaskCompleted]) / float64(stats.Total)
	}
	return stats, nil
}

func (r Repo) groupCount(ctx context.Context, tx Querier, query string, fn func(key string, n, extra int)) error {
	rows, err := r.q(tx).QueryContext(ctx, query)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			key      string
			n, extra int
		)
		if err := rows.Scan(&key, &n, &extra); err != nil {
			return err
		}
		fn(key, n, extra)
	}
	return rows.Err()
}
