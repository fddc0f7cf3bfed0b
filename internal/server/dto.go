package server

import (
	"encoding/json"
	"time"

	"maf/internal/bus"
	"maf/internal/domain"
	"maf/internal/events"
)

// Request payloads

type CreateFeatureRequest struct {
	Description string `json:"description" minLength:"1" doc:"What the feature should do"`
}

type CleanupRequest struct {
	// Retention is a Go duration; empty uses the configured retention.
	Retention string `json:"retention,omitempty" example:"168h"`
}

// Response payloads

type HealthResponse struct {
	Status string `json:"status" example:"ok"`
}

type StatsResponse struct {
	Tasks domain.TaskStatistics `json:"tasks"`
	Bus   bus.Stats             `json:"bus"`
}

type FeatureResponse struct {
	domain.Feature
	Tasks []domain.Task `json:"tasks"`
}

type TaskResponse struct {
	domain.Task
	History []domain.StateChange `json:"history"`
}

type ListFeaturesResponse struct {
	Items []domain.Feature `json:"items"`
}

type PendingTasksResponse struct {
	Role  string        `json:"role"`
	Items []domain.Task `json:"items"`
}

// EventResponse is the wire form of a bus event.
type EventResponse struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	Source        string          `json:"source"`
	Target        string          `json:"target,omitempty"`
	Timestamp     time.Time       `json:"timestamp" format:"date-time"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}

type EventsResponse struct {
	Items []EventResponse `json:"items"`
	// NextSince resumes the listing; the cursor is inclusive.
	NextSince string `json:"next_since,omitempty" format:"date-time"`
}

func eventResponse(e events.Event) EventResponse {
	payload, err := events.EncodePayload(e.Payload)
	if err != nil || len(payload) == 0 {
		payload = []byte("{}")
	}
	return EventResponse{
		ID:            e.ID,
		Type:          string(e.Type),
		Source:        e.Source,
		Target:        e.Target,
		Timestamp:     e.Timestamp,
		CorrelationID: e.CorrelationID,
		Payload:       json.RawMessage(payload),
	}
}

func nonNilTasks(items []domain.Task) []domain.Task {
	if items == nil {
		return []domain.Task{}
	}
	return items
}
