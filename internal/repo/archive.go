package repo

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"maf/internal/domain"
)

// CleanupCandidates lists terminal features last touched before cutoff whose
// tasks have all settled.
func (r Repo) CleanupCandidates(ctx context.Context, tx Querier, cutoff time.Time) ([]domain.Feature, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT `+featureColumns+` FROM features f
WHERE f.status IN ('completed','failed','blocked') AND f.updated_at < ?
AND NOT EXISTS (SELECT 1 FROM tasks t WHERE t.feature_id=f.id AND t.status NOT IN ('completed','failed'))
ORDER BY f.updated_at ASC, f.id ASC`, FormatTime(cutoff))
	if err != nil {
		return nil, err
	}
	var res []domain.Feature
	for rows.Next() {
		f, err := scanFeature(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		res = append(res, f)
	}
	return res, rows.Close()
}

// ArchiveFeature snapshots a feature and its tasks into the archive tables and
// removes them from the active store.
func (r Repo) ArchiveFeature(ctx context.Context, tx Querier, f domain.Feature, tasks []domain.Task, at time.Time) error {
	ts := FormatTime(at)
	for _, t := range tasks {
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("marshal task %s: %w", t.ID, err)
		}
		if _, err := r.q(tx).ExecContext(ctx, `INSERT OR REPLACE INTO archived_tasks(id,feature_id,archived_at,payload_json) VALUES (?,?,?,?)`,
			t.ID, t.FeatureID, ts, string(data)); err != nil {
			return err
		}
	}
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal feature %s: %w", f.ID, err)
	}
	if _, err := r.q(tx).ExecContext(ctx, `INSERT OR REPLACE INTO archived_features(id,status,archived_at,payload_json) VALUES (?,?,?,?)`,
		f.ID, string(f.Status), ts, string(data)); err != nil {
		return err
	}
	res, err := r.q(tx).ExecContext(ctx, `DELETE FROM features WHERE id=?`, f.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetArchivedFeature returns the archived snapshot of a feature.
func (r Repo) GetArchivedFeature(ctx context.Context, tx Querier, id string) (domain.Feature, error) {
	var payload string
	err := r.q(tx).QueryRowContext(ctx, `SELECT payload_json FROM archived_features WHERE id=?`, id).Scan(&payload)
	if err != nil {
		return domain.Feature{}, notFound(err)
	}
	var f domain.Feature
	if err := json.Unmarshal([]byte(payload), &f); err != nil {
		return f, fmt.Errorf("decode archived feature %s: %w", id, err)
	}
	return f, nil
}

// --- journal ---

// ListStateChanges returns the newest journal entries first.
func (r Repo) ListStateChanges(ctx context.Context, tx Querier, entityID string, limit int) ([]domain.StateChange, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id,ts,entity_kind,entity_id,COALESCE(from_status,''),to_status,detail_json FROM state_log`
	var args []any
	if entityID != "" {
		query += ` WHERE entity_id=?`
		args = append(args, entityID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := r.q(tx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.StateChange
	for rows.Next() {
		var c domain.StateChange
		if err := rows.Scan(&c.ID, &c.TS, &c.EntityKind, &c.EntityID, &c.FromStatus, &c.ToStatus, &c.Detail); err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}
