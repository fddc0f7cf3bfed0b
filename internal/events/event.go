// Package events defines the immutable records exchanged over the bus.
//
// An Event carries a Type tag and a Payload whose concrete Go type is owned
// by that tag. Consumers switch on the payload type; types they do not know
// decode to Unknown and are ignored.
package events

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/ksuid"
)

type Type string

const (
	TaskCreated   Type = "task.created"
	TaskAssigned  Type = "task.assigned"
	TaskStarted   Type = "task.started"
	TaskCompleted Type = "task.completed"
	TaskFailed    Type = "task.failed"
	TaskRetry     Type = "task.retry"

	FeatureCreated   Type = "feature.created"
	FeatureStarted   Type = "feature.started"
	FeatureCompleted Type = "feature.completed"
	FeatureBlocked   Type = "feature.blocked"
	FeatureFailed    Type = "feature.failed"

	AgentStarted   Type = "agent.started"
	AgentStopped   Type = "agent.stopped"
	AgentHeartbeat Type = "agent.heartbeat"
	AgentError     Type = "agent.error"

	SystemShutdown    Type = "system.shutdown"
	SystemHealthCheck Type = "system.health_check"
	SystemError       Type = "system.error"

	Custom Type = "custom"
)

// Types lists the closed enumeration.
var Types = []Type{
	TaskCreated, TaskAssigned, TaskStarted, TaskCompleted, TaskFailed, TaskRetry,
	FeatureCreated, FeatureStarted, FeatureCompleted, FeatureBlocked, FeatureFailed,
	AgentStarted, AgentStopped, AgentHeartbeat, AgentError,
	SystemShutdown, SystemHealthCheck, SystemError,
	Custom,
}

func (t Type) Known() bool {
	for _, k := range Types {
		if k == t {
			return true
		}
	}
	return false
}

// Category is the lifecycle family: task, feature, agent, system or custom.
func (t Type) Category() string {
	if i := strings.IndexByte(string(t), '.'); i > 0 {
		return string(t)[:i]
	}
	return string(t)
}

var ErrPayloadMismatch = errors.New("payload does not match event type")

type Event struct {
	ID            string
	Type          Type
	Source        string
	Target        string
	Timestamp     time.Time
	CorrelationID string
	Payload       Payload
}

type Option func(*Event)

func WithTarget(target string) Option {
	return func(e *Event) { e.Target = target }
}

func WithCorrelation(id string) Option {
	return func(e *Event) { e.CorrelationID = id }
}

// WithTimestamp pins the creation time; used by tests and replays of external logs.
func WithTimestamp(ts time.Time) Option {
	return func(e *Event) { e.Timestamp = ts }
}

func WithID(id string) Option {
	return func(e *Event) { e.ID = id }
}

// New builds an event of payload's type. Generated timestamps never go
// backwards for a given source within the process.
func New(source string, p Payload, opts ...Option) Event {
	e := Event{
		ID:      ksuid.New().String(),
		Type:    p.EventType(),
		Source:  source,
		Payload: p,
	}
	for _, opt := range opts {
		opt(&e)
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = clock.next(source, time.Now().UTC())
	}
	return e
}

// Validate checks the fields every transport relies on.
func (e Event) Validate() error {
	if e.ID == "" {
		return errors.New("event id is required")
	}
	if e.Type == "" {
		return errors.New("event type is required")
	}
	if e.Payload == nil {
		return fmt.Errorf("event %s: payload is required", e.ID)
	}
	if _, unknown := e.Payload.(Unknown); unknown {
		return nil
	}
	if e.Payload.EventType() != e.Type {
		return fmt.Errorf("event %s: %w: %s carries %s payload", e.ID, ErrPayloadMismatch, e.Type, e.Payload.EventType())
	}
	return nil
}

// TaskID returns the task referenced by the payload, if any.
func (e Event) TaskID() string {
	if p, ok := e.Payload.(interface{ taskRef() string }); ok {
		return p.taskRef()
	}
	return ""
}

// FeatureID returns the feature referenced by the payload, if any.
func (e Event) FeatureID() string {
	if p, ok := e.Payload.(interface{ featureRef() string }); ok {
		return p.featureRef()
	}
	return ""
}

// PartitionKey keeps a feature's events together on partitioned transports.
func (e Event) PartitionKey() string {
	switch {
	case e.FeatureID() != "":
		return e.FeatureID()
	case e.CorrelationID != "":
		return e.CorrelationID
	case e.Target != "":
		return e.Target
	default:
		return e.Source
	}
}

type sourceClock struct {
	mu   sync.Mutex
	last map[string]time.Time
}

var clock = &sourceClock{last: map[string]time.Time{}}

func (c *sourceClock) next(source string, ts time.Time) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if prev, ok := c.last[source]; ok && ts.Before(prev) {
		ts = prev
	}
	c.last[source] = ts
	return ts
}
