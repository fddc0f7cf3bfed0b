package events

import (
	"encoding/json"

	"maf/internal/domain"
)

// Payload is the per-type body of an Event. The concrete type is fixed by
// the event Type it reports.
type Payload interface {
	EventType() Type
}

type TaskCreatedPayload struct {
	TaskID       string   `json:"task_id"`
	FeatureID    string   `json:"feature_id"`
	AgentRole    string   `json:"agent_role"`
	Description  string   `json:"description"`
	Dependencies []string `json:"dependencies,omitempty"`
}

type TaskAssignedPayload struct {
	TaskID      string `json:"task_id"`
	FeatureID   string `json:"feature_id"`
	AgentRole   string `json:"agent_role"`
	Description string `json:"description"`
	RetryCount  int    `json:"retry_count"`
}

type TaskStartedPayload struct {
	TaskID    string `json:"task_id"`
	FeatureID string `json:"feature_id,omitempty"`
	Agent     string `json:"agent,omitempty"`
}

type TaskCompletedPayload struct {
	TaskID    string `json:"task_id"`
	FeatureID string `json:"feature_id,omitempty"`
	Agent     string `json:"agent,omitempty"`
	Result    string `json:"result,omitempty"`
}

type TaskFailedPayload struct {
	TaskID    string `json:"task_id"`
	FeatureID string `json:"feature_id,omitempty"`
	Agent     string `json:"agent,omitempty"`
	Error     string `json:"error"`
}

type TaskRetryPayload struct {
	TaskID     string `json:"task_id"`
	FeatureID  string `json:"feature_id"`
	RetryCount int    `json:"retry_count"`
	Reason     string `json:"reason,omitempty"`
}

type FeatureCreatedPayload struct {
	FeatureID   string `json:"feature_id"`
	Description string `json:"description"`
}

type FeatureStartedPayload struct {
	FeatureID string `json:"feature_id"`
}

type FeatureCompletedPayload struct {
	FeatureID string `json:"feature_id"`
	TaskCount int    `json:"task_count"`
}

type FeatureBlockedPayload struct {
	FeatureID string   `json:"feature_id"`
	TaskIDs   []string `json:"task_ids"`
	Reason    string   `json:"reason,omitempty"`
}

type FeatureFailedPayload struct {
	FeatureID string `json:"feature_id"`
	Error     string `json:"error"`
}

type AgentStartedPayload struct {
	Agent string `json:"agent"`
	Role  string `json:"role"`
}

type AgentStoppedPayload struct {
	Agent  string `json:"agent"`
	Role   string `json:"role"`
	Reason string `json:"reason,omitempty"`
}

type AgentHeartbeatPayload struct {
	Agent       string `json:"agent"`
	Role        string `json:"role"`
	ActiveTasks int    `json:"active_tasks"`
	Completed   int    `json:"completed"`
	Failed      int    `json:"failed"`
}

// AgentErrorPayload reports a handler that failed or panicked on an event.
type AgentErrorPayload struct {
	Consumer   string `json:"consumer"`
	EventID    string `json:"event_id"`
	FailedType Type   `json:"event_type"`
	TaskID     string `json:"task_id,omitempty"`
	Error      string `json:"error"`
}

type SystemShutdownPayload struct {
	Reason string `json:"reason,omitempty"`
}

type HealthCheckPayload struct {
	Stats   domain.TaskStatistics `json:"stats"`
	Healthy bool                  `json:"healthy"`
}

// SystemErrorPayload reports a transport failure that outlived its retries.
type SystemErrorPayload struct {
	Component string `json:"component"`
	Operation string `json:"operation"`
	EventID   string `json:"event_id,omitempty"`
	Error     string `json:"error"`
}

type CustomPayload struct {
	Name string         `json:"name"`
	Data map[string]any `json:"data,omitempty"`
}

// Unknown holds a payload whose type tag this build does not recognise.
type Unknown struct {
	Tag Type
	Raw json.RawMessage
}

func (TaskCreatedPayload) EventType() Type      { return TaskCreated }
func (TaskAssignedPayload) EventType() Type     { return TaskAssigned }
func (TaskStartedPayload) EventType() Type      { return TaskStarted }
func (TaskCompletedPayload) EventType() Type    { return TaskCompleted }
func (TaskFailedPayload) EventType() Type       { return TaskFailed }
func (TaskRetryPayload) EventType() Type        { return TaskRetry }
func (FeatureCreatedPayload) EventType() Type   { return FeatureCreated }
func (FeatureStartedPayload) EventType() Type   { return FeatureStarted }
func (FeatureCompletedPayload) EventType() Type { return FeatureCompleted }
func (FeatureBlockedPayload) EventType() Type   { return FeatureBlocked }
func (FeatureFailedPayload) EventType() Type    { return FeatureFailed }
func (AgentStartedPayload) EventType() Type     { return AgentStarted }
func (AgentStoppedPayload) EventType() Type     { return AgentStopped }
func (AgentHeartbeatPayload) EventType() Type   { return AgentHeartbeat }
func (AgentErrorPayload) EventType() Type       { return AgentError }
func (SystemShutdownPayload) EventType() Type   { return SystemShutdown }
func (HealthCheckPayload) EventType() Type      { return SystemHealthCheck }
func (SystemErrorPayload) EventType() Type      { return SystemError }
func (CustomPayload) EventType() Type           { return Custom }
func (u Unknown) EventType() Type               { return u.Tag }

func (p TaskCreatedPayload) taskRef() string   { return p.TaskID }
func (p TaskAssignedPayload) taskRef() string  { return p.TaskID }
func (p TaskStartedPayload) taskRef() string   { return p.TaskID }
func (p TaskCompletedPayload) taskRef() string { return p.TaskID }
func (p TaskFailedPayload) taskRef() string    { return p.TaskID }
func (p TaskRetryPayload) taskRef() string     { return p.TaskID }
func (p AgentErrorPayload) taskRef() string    { return p.TaskID }

func (p TaskCreatedPayload) featureRef() string      { return p.FeatureID }
func (p TaskAssignedPayload) featureRef() string     { return p.FeatureID }
func (p TaskStartedPayload) featureRef() string      { return p.FeatureID }
func (p TaskCompletedPayload) featureRef() string    { return p.FeatureID }
func (p TaskFailedPayload) featureRef() string       { return p.FeatureID }
func (p TaskRetryPayload) featureRef() string        { return p.FeatureID }
func (p FeatureCreatedPayload) featureRef() string   { return p.FeatureID }
func (p FeatureStartedPayload) featureRef() string   { return p.FeatureID }
func (p FeatureCompletedPayload) featureRef() string { return p.FeatureID }
func (p FeatureBlockedPayload) featureRef() string   { return p.FeatureID }
func (p FeatureFailedPayload) featureRef() string    { return p.FeatureID }
