// Package audit records append-only compliance events for every security-relevant
// action in the prescription pipeline.
package audit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Actions written by the prescription workflow
const (
	ActionPrescriptionCreated  = "prescription_created"
	ActionPrescriptionAccessed = "prescription_accessed"
	ActionPrescriptionSent     = "prescription_sent"
	ActionDocumentRegenerated  = "prescription_document_regenerated"
	ActionTokenIssued          = "auth_token_issued"
)

// ResourcePrescription is the resource type of prescription events
const ResourcePrescription = "Prescription"

// Event is a single immutable audit record
type Event struct {
	ID           string         `json:"id"`
	Action       string         `json:"action"`
	ActorID      string         `json:"acting_identity"`
	ResourceType string         `json:"resource_type"`
	ResourceID   string         `json:"resource_id"`
	Detail       map[string]any `json:"detail,omitempty"`
	RequestID    string         `json:"request_id,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
}

// NewEvent creates an event stamped with a fresh id and the current time
func NewEvent(action, actorID, resourceType, resourceID string, detail map[string]any) Event {
	return Event{
		ID:           uuid.New().String(),
		Action:       action,
		ActorID:      actorID,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Detail:       detail,
		Timestamp:    time.Now().UTC(),
	}
}

// Validate checks required fields
func (e Event) Validate() error {
	switch {
	case e.Action == "":
		return errors.New("audit event: action is required")
	case e.ActorID == "":
		return errors.New("audit event: acting identity is required")
	case e.ResourceType == "":
		return errors.New("audit event: resource type is required")
	}
	return nil
}

type requestIDKey struct{}

// WithRequestID attaches the request id stamped onto events recorded under ctx
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestID returns the request id attached to ctx
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func stamp(ctx context.Context, event *Event) {
	if event.RequestID == "" {
		event.RequestID = RequestID(ctx)
	}
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
}

// Log is an append-only audit sink
type Log interface {
	Record(ctx context.Context, event Event) error
}

// FailureRecorder writes error-class entries to the error audit stream
type FailureRecorder interface {
	Failure(ctx context.Context, err error, context map[string]any)
}

// Multi fans an event out to its logs in order, durable log first. It stops
// at the first failure and returns it, so later logs never show an action
// whose durable record is missing.
type Multi []Log

// Record implements Log
func (m Multi) Record(ctx context.Context, event Event) error {
	stamp(ctx, &event)
	for _, l := range m {
		if err := l.Record(ctx, event); err != nil {
			return err
		}
	}
	return nil
}

// Failure forwards to every member that records failures
func (m Multi) Failure(ctx context.Context, err error, fields map[string]any) {
	for _, l := range m {
		if fr, ok := l.(FailureRecorder); ok {
			fr.Failure(ctx, err, fields)
		}
	}
}
