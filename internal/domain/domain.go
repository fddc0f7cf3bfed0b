package domain

import "time"

type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskAssigned   TaskStatus = "assigned"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
)

// TaskStatuses lists every task status in lifecycle order.
var TaskStatuses = []TaskStatus{TaskPending, TaskAssigned, TaskInProgress, TaskCompleted, TaskFailed}

func (s TaskStatus) Valid() bool {
	for _, v := range TaskStatuses {
		if v == s {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is expected without a retry.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

type FeatureStatus string

const (
	FeaturePending    FeatureStatus = "pending"
	FeatureInProgress FeatureStatus = "in_progress"
	FeatureCompleted  FeatureStatus = "completed"
	FeatureFailed     FeatureStatus = "failed"
	FeatureBlocked    FeatureStatus = "blocked"
)

var FeatureStatuses = []FeatureStatus{FeaturePending, FeatureInProgress, FeatureCompleted, FeatureFailed, FeatureBlocked}

func (s FeatureStatus) Valid() bool {
	for _, v := range FeatureStatuses {
		if v == s {
			return true
		}
	}
	return false
}

func (s FeatureStatus) Terminal() bool {
	return s == FeatureCompleted || s == FeatureFailed || s == FeatureBlocked
}

var taskEdges = map[TaskStatus][]TaskStatus{
	TaskPending:    {TaskAssigned},
	TaskAssigned:   {TaskInProgress, TaskPending},
	TaskInProgress: {TaskCompleted, TaskFailed},
	TaskFailed:     {TaskPending},
}

var featureEdges = map[FeatureStatus][]FeatureStatus{
	FeaturePending:    {FeatureInProgress, FeatureCompleted, FeatureFailed},
	FeatureInProgress: {FeatureCompleted, FeatureBlocked, FeatureFailed},
	FeatureBlocked:    {FeatureInProgress},
}

// CanTransitionTask reports whether from -> to is an edge of the task state machine.
func CanTransitionTask(from, to TaskStatus) bool {
	for _, next := range taskEdges[from] {
		if next == to {
			return true
		}
	}
	return false
}

func CanTransitionFeature(from, to FeatureStatus) bool {
	for _, next := range featureEdges[from] {
		if next == to {
			return true
		}
	}
	return false
}

type Task struct {
	ID           string     `json:"id"`
	FeatureID    string     `json:"feature_id"`
	AgentRole    string     `json:"agent_role"`
	Description  string     `json:"description"`
	Dependencies []string   `json:"dependencies,omitempty"`
	Status       TaskStatus `json:"status" enum:"pending,assigned,in_progress,completed,failed"`
	RetryCount   int        `json:"retry_count"`
	LastError    string     `json:"last_error,omitempty"`
	CreatedAt    time.Time  `json:"created_at" format:"date-time"`
	UpdatedAt    time.Time  `json:"updated_at" format:"date-time"`
	StartedAt    *time.Time `json:"started_at,omitempty" format:"date-time"`
}

type Feature struct {
	ID          string        `json:"id"`
	Description string        `json:"description"`
	Status      FeatureStatus `json:"status" enum:"pending,in_progress,completed,failed,blocked"`
	TaskIDs     []string      `json:"task_ids"`
	LastError   string        `json:"last_error,omitempty"`
	CreatedAt   time.Time     `json:"created_at" format:"date-time"`
	UpdatedAt   time.Time     `json:"updated_at" format:"date-time"`
}

// TaskStatistics is the health snapshot of the active store.
type TaskStatistics struct {
	Total            int                   `json:"total"`
	ByStatus         map[TaskStatus]int    `json:"by_status"`
	MeanRetryCount   float64               `json:"mean_retry_count"`
	PendingByAgent   map[string]int        `json:"pending_by_agent"`
	ByAgent          map[string]int        `json:"by_agent"`
	FeaturesByStatus map[FeatureStatus]int `json:"features_by_status"`
	CompletionRate   float64               `json:"completion_rate"`
	TasksWithErrors  int                   `json:"tasks_with_errors"`
}

// Count returns the number of tasks in status s.
func (s TaskStatistics) Count(status TaskStatus) int {
	return s.ByStatus[status]
}

type HealthReport struct {
	Healthy     bool     `json:"healthy"`
	Stalled     []string `json:"stalled"`
	LongRunning []string `json:"long_running"`
	Failed      []string `json:"failed"`
	CheckedAt   string   `json:"checked_at" format:"date-time"`
}

// StateChange is one journal entry.
type StateChange struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id"`
	FromStatus string `json:"from_status,omitempty"`
	ToStatus   string `json:"to_status"`
	Detail     string `json:"detail_json,omitempty"`
}
