package events

import (
	"encoding/json"
	"fmt"
	"time"
)

// envelope is the wire form shared by every persistent transport.
type envelope struct {
	ID            string          `json:"id"`
	Type          Type            `json:"type"`
	Source        string          `json:"source"`
	Target        string          `json:"target,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}

func decodeAs[P Payload](raw json.RawMessage) (Payload, error) {
	var p P
	if len(raw) == 0 || string(raw) == "null" {
		return p, nil
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	return p, nil
}

var decoders = map[Type]func(json.RawMessage) (Payload, error){
	TaskCreated:       decodeAs[TaskCreatedPayload],
	TaskAssigned:      decodeAs[TaskAssignedPayload],
	TaskStarted:       decodeAs[TaskStartedPayload],
	TaskCompleted:     decodeAs[TaskCompletedPayload],
	TaskFailed:        decodeAs[TaskFailedPayload],
	TaskRetry:         decodeAs[TaskRetryPayload],
	FeatureCreated:    decodeAs[FeatureCreatedPayload],
	FeatureStarted:    decodeAs[FeatureStartedPayload],
	FeatureCompleted:  decodeAs[FeatureCompletedPayload],
	FeatureBlocked:    decodeAs[FeatureBlockedPayload],
	FeatureFailed:     decodeAs[FeatureFailedPayload],
	AgentStarted:      decodeAs[AgentStartedPayload],
	AgentStopped:      decodeAs[AgentStoppedPayload],
	AgentHeartbeat:    decodeAs[AgentHeartbeatPayload],
	AgentError:        decodeAs[AgentErrorPayload],
	SystemShutdown:    decodeAs[SystemShutdownPayload],
	SystemHealthCheck: decodeAs[HealthCheckPayload],
	SystemError:       decodeAs[SystemErrorPayload],
	Custom:            decodeAs[CustomPayload],
}

// EncodePayload marshals only the payload body.
func EncodePayload(p Payload) ([]byte, error) {
	if u, ok := p.(Unknown); ok {
		if len(u.Raw) == 0 {
			return []byte("null"), nil
		}
		return u.Raw, nil
	}
	return json.Marshal(p)
}

// DecodePayload selects the payload shape from t. Unrecognised types are
// returned as Unknown rather than an error.
func DecodePayload(t Type, raw json.RawMessage) (Payload, error) {
	dec, ok := decoders[t]
	if !ok {
		return Unknown{Tag: t, Raw: append(json.RawMessage(nil), raw...)}, nil
	}
	p, err := dec(raw)
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", t, err)
	}
	return p, nil
}

func Encode(e Event) ([]byte, error) {
	body, err := EncodePayload(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", e.Type, err)
	}
	return json.Marshal(envelope{
		ID:            e.ID,
		Type:          e.Type,
		Source:        e.Source,
		Target:        e.Target,
		Timestamp:     e.Timestamp.UTC(),
		CorrelationID: e.CorrelationID,
		Payload:       body,
	})
}

func Decode(data []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	p, err := DecodePayload(env.Type, env.Payload)
	if err != nil {
		return Event{}, err
	}
	return Event{
		ID:            env.ID,
		Type:          env.Type,
		Source:        env.Source,
		Target:        env.Target,
		Timestamp:     env.Timestamp,
		CorrelationID: env.CorrelationID,
		Payload:       p,
	}, nil
}

// MarshalJSON renders the wire envelope so events can be embedded in API responses.
func (e Event) MarshalJSON() ([]byte, error) {
	return Encode(e)
}

func (e *Event) UnmarshalJSON(data []byte) error {
	dec, err := Decode(data)
	if err != nil {
		return err
	}
	*e = dec
	return nil
}
