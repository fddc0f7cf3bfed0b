package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"maf/internal/domain"
)

// Querier is satisfied by both *sql.DB and *sql.Tx so every function here can
// run inside or outside a transaction.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// TimeLayout is fixed width so that stored timestamps sort lexically.
const TimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

func ParseTime(s string) (time.Time, error) {
	t, err := time.Parse(TimeLayout, s)
	if err != nil {
		// rows written by other tools may use plain RFC3339
		return time.Parse(time.RFC3339Nano, s)
	}
	return t, nil
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return FormatTime(*t)
}

// q returns the transaction when given one, the pool otherwise.
func (r Repo) q(tx Querier) Querier {
	if tx != nil {
		return tx
	}
	return r.DB
}

// --- features ---

const featureColumns = `id,description,status,last_error,created_at,updated_at`

func (r Repo) InsertFeature(ctx context.Context, tx Querier, f domain.Feature) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO features(`+featureColumns+`) VALUES (?,?,?,?,?,?)`,
		f.ID, f.Description, string(f.Status), nullable(f.LastError), FormatTime(f.CreatedAt), FormatTime(f.UpdatedAt))
	return err
}

// CompareAndSetFeatureStatus moves a feature from one status to another and
// reports whether this call performed the change.
func (r Repo) CompareAndSetFeatureStatus(ctx context.Context, tx Querier, id string, from, to domain.FeatureStatus, lastError string, at time.Time) (bool, error) {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE features SET status=?, last_error=COALESCE(?, last_error), updated_at=? WHERE id=? AND status=?`,
		string(to), nullable(lastError), FormatTime(at), id, string(from))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func scanFeature(row interface{ Scan(...any) error }) (domain.Feature, error) {
	var (
		f                    domain.Feature
		status               string
		lastError            sql.NullString
		createdAt, updatedAt string
	)
	if err := row.Scan(&f.ID, &f.Description, &status, &lastError, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return f, ErrNotFound
		}
		return f, err
	}
	f.Status = domain.FeatureStatus(status)
	f.LastError = lastError.String
	var err error
	if f.CreatedAt, err = ParseTime(createdAt); err != nil {
		return f, fmt.Errorf("feature %s created_at: %w", f.ID, err)
	}
	if f.UpdatedAt, err = ParseTime(updatedAt); err != nil {
		return f, fmt.Errorf("feature %s updated_at: %w", f.ID, err)
	}
	return f, nil
}

func (r Repo) GetFeature(ctx context.Context, tx Querier, id string) (domain.Feature, error) {
	f, err := scanFeature(r.q(tx).QueryRowContext(ctx, `SELECT `+featureColumns+` FROM features WHERE id=?`, id))
	if err != nil {
		return f, err
	}
	f.TaskIDs, err = r.FeatureTaskIDs(ctx, tx, id)
	return f, err
}

// FeatureTaskIDs returns task ids in decomposition order.
func (r Repo) FeatureTaskIDs(ctx context.Context, tx Querier, featureID string) ([]string, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT id FROM tasks WHERE feature_id=? ORDER BY position ASC`, featureID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

type FeatureFilters struct {
	Status        domain.FeatureStatus
	UpdatedBefore time.Time
	Limit         int
}

func (r Repo) ListFeatures(ctx context.Context, tx Querier, f FeatureFilters) ([]domain.Feature, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, string(f.Status))
	}
	if !f.UpdatedBefore.IsZero() {
		clauses = append(clauses, "updated_at<?")
		args = append(args, FormatTime(f.UpdatedBefore))
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + featureColumns + ` FROM features ` + where + ` ORDER BY created_at ASC, id ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.q(tx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var res []domain.Feature
	for rows.Next() {
		feat, err := scanFeature(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		res = append(res, feat)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	for i := range res {
		if res[i].TaskIDs, err = r.FeatureTaskIDs(ctx, tx, res[i].ID); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// --- tasks ---

const taskColumns = `id,feature_id,agent_role,description,status,retry_count,last_error,created_at,updated_at,started_at`

func (r Repo) InsertTask(ctx context.Context, tx Querier, t domain.Task, position int) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO tasks(id,feature_id,position,agent_role,description,status,retry_count,last_error,created_at,updated_at,started_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.FeatureID, position, t.AgentRole, t.Description, string(t.Status), t.RetryCount, nullable(t.LastError),
		FormatTime(t.CreatedAt), FormatTime(t.UpdatedAt), nullableTime(t.StartedAt))
	return err
}

func (r Repo) NextTaskPosition(ctx context.Context, tx Querier, featureID string) (int, error) {
	var pos int
	err := r.q(tx).QueryRowContext(ctx, `SELECT COALESCE(MAX(position),-1)+1 FROM tasks WHERE feature_id=?`, featureID).Scan(&pos)
	return pos, err
}

// TaskUpdate is a compare-and-swap on a task's status. The row changes only
// if it is still in From with ExpectRetry retries.
type TaskUpdate struct {
	ID          string
	From        domain.TaskStatus
	ExpectRetry int
	To          domain.TaskStatus
	RetryCount  int
	LastError   string
	StartedAt   *time.Time
	UpdatedAt   time.Time
}

func (r Repo) CompareAndSetTask(ctx context.Context, tx Querier, u TaskUpdate) (bool, error) {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE tasks SET status=?, retry_count=?, last_error=?, started_at=?, updated_at=?
WHERE id=? AND status=? AND retry_count=?`,
		string(u.To), u.RetryCount, nullable(u.LastError), nullableTime(u.StartedAt), FormatTime(u.UpdatedAt),
		u.ID, string(u.From), u.ExpectRetry)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func scanTask(row interface{ Scan(...any) error }) (domain.Task, error) {
	var (
		t                    domain.Task
		status               string
		lastError, startedAt sql.NullString
		createdAt, updatedAt string
	)
	err := row.Scan(&t.ID, &t.FeatureID, &t.AgentRole, &t.Description, &status, &t.RetryCount, &lastError, &createdAt, &updatedAt, &startedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return t, ErrNotFound
		}
		return t, err
	}
	t.Status = domain.TaskStatus(status)
	t.LastError = lastError.String
	if t.CreatedAt, err = ParseTime(createdAt); err != nil {
		return t, fmt.Errorf("task %s created_at: %w", t.ID, err)
	}
	if t.UpdatedAt, err = ParseTime(updatedAt); err != nil {
		return t, fmt.Errorf("task %s updated_at: %w", t.ID, err)
	}
	if startedAt.Valid {
		ts, err := ParseTime(startedAt.String)
		if err != nil {
			return t, fmt.Errorf("task %s started_at: %w", t.ID, err)
		}
		t.StartedAt = &ts
	}
	return t, nil
}

func (r Repo) GetTask(ctx context.Context, tx Querier, id string) (domain.Task, error) {
	t, err := scanTask(r.q(tx).QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
	if err != nil {
		return t, err
	}
	t.Dependencies, err = r.ListTaskDependencies(ctx, tx, id)
	return t, err
}

type TaskFilters struct {
	FeatureID     string
	Status        domain.TaskStatus
	AgentRole     string
	UpdatedBefore time.Time
	Limit         int
}

// ListTasks returns matching tasks oldest first.
func (r Repo) ListTasks(ctx context.Context, tx Querier, f TaskFilters) ([]domain.Task, error) {
	var clauses []string
	var args []any
	if f.FeatureID != "" {
		clauses = append(clauses, "feature_id=?")
		args = append(args, f.FeatureID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, string(f.Status))
	}
	if f.AgentRole != "" {
		clauses = append(clauses, "agent_role=?")
		args = append(args, f.AgentRole)
	}
	if !f.UpdatedBefore.IsZero() {
		clauses = append(clauses, "updated_at<?")
		args = append(args, FormatTime(f.UpdatedBefore))
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	order := ` ORDER BY created_at ASC, id ASC`
	if f.FeatureID != "" {
		order = ` ORDER BY position ASC`
	}
	query := `SELECT ` + taskColumns + ` FROM tasks ` + where + order
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	return r.queryTasks(ctx, tx, query, args...)
}

// ListEligible returns pending tasks whose dependencies are all completed,
// oldest first. An empty role matches every role.
func (r Repo) ListEligible(ctx context.Context, tx Querier, role string) ([]domain.Task, error) {
	clauses := []string{"status=?"}
	args := []any{string(domain.TaskPending)}
	if role != "" {
		clauses = append(clauses, "agent_role=?")
		args = append(args, role)
	}
	clauses = append(clauses, `NOT EXISTS (
		SELECT 1 FROM task_deps d
		JOIN tasks dep ON dep.id=d.depends_on_task_id
		WHERE d.task_id=tasks.id AND dep.status != 'completed'
	)`)
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at ASC, id ASC`
	return r.queryTasks(ctx, tx, query, args...)
}

func (r Repo) queryTasks(ctx context.Context, tx Querier, query string, args ...any) ([]domain.Task, error) {
	rows, err := r.q(tx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		res = append(res, t)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	// dependencies are read after the cursor is closed; the pool has one connection
	for i := range res {
		if res[i].Dependencies, err = r.ListTaskDependencies(ctx, tx, res[i].ID); err != nil {
			return nil, err
		}
	}
	return res, nil
}

func (r Repo) ListTaskDependencies(ctx context.Context, tx Querier, taskID string) ([]string, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT depends_on_task_id FROM task_deps WHERE task_id=? ORDER BY depends_on_task_id`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var deps []string
	for rows.Next() {
		var dep string
		if err := rows.Scan(&dep); err != nil {
			return nil, err
		}
		deps = append(deps, dep)
	}
	return deps, rows.Err()
}

func (r Repo) AddDependencies(ctx context.Context, tx Querier, taskID string, deps []string) error {
	for _, d := range deps {
		if _, err := r.q(tx).ExecContext(ctx, `INSERT OR IGNORE INTO task_deps(task_id, depends_on_task_id) VALUES (?,?)`, taskID, d); err != nil {
			return err
		}
	}
	return nil
}

// CountTasksNotIn counts a feature's tasks whose status is not one of statuses.
func (r Repo) CountTasksNotIn(ctx context.Context, tx Querier, featureID string, statuses ...domain.TaskStatus) (int, error) {
	query := `SELECT count(*) FROM tasks WHERE feature_id=?`
	args := []any{featureID}
	if len(statuses) > 0 {
		marks := make([]string, len(statuses))
		for i, s := range statuses {
			marks[i] = "?"
			args = append(args, string(s))
		}
		query += ` AND status NOT IN (` + strings.Join(marks, ",") + `)`
	}
	var n int
	err := r.q(tx).QueryRowContext(ctx, query, args...).Scan(&n)
	return n, err
}

// UnfinishedDependencies returns the dependencies of taskID that are not completed.
func (r Repo) UnfinishedDependencies(ctx context.Context, tx Querier, taskID string) ([]string, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT d.depends_on_task_id FROM task_deps d
JOIN tasks dep ON dep.id=d.depends_on_task_id
WHERE d.task_id=? AND dep.status != 'completed' ORDER BY d.depends_on_task_id`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
