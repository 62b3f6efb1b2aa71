package workflow

import (
	"github.com/google/uuid"

	"github.com/xscopehub/grantflow/internal/fsm"
)

type EventKind string

const (
	KindStart   EventKind = "start"
	KindProcess EventKind = "process"
)

// StartEvent asks the engine to create a workflow of WorkflowType bound to
// Entities. IdempotencyKey, when set, replaces the message id as dedupe key.
type StartEvent struct {
	WorkflowType   string      `json:"workflow_type"`
	ActingUserID   uuid.UUID   `json:"acting_user_id"`
	Entities       []EntityRef `json:"entities"`
	IdempotencyKey string      `json:"idempotency_key,omitempty"`
}

// ProcessEvent asks the engine to apply Transition to an existing workflow.
type ProcessEvent struct {
	WorkflowID   uuid.UUID      `json:"workflow_id"`
	ActingUserID uuid.UUID      `json:"acting_user_id"`
	Transition   fsm.Event      `json:"transition_event"`
	Payload      map[string]any `json:"payload,omitempty"`
}

// Event is the decoded queue payload. Exactly one of Start/Process is set,
// matching Kind.
type Event struct {
	Kind     EventKind
	Start    *StartEvent
	Process  *ProcessEvent
	Metadata map[string]string
}

func (e Event) ActingUserID() uuid.UUID {
	switch {
	case e.Start != nil:
		return e.Start.ActingUserID
	case e.Process != nil:
		return e.Process.ActingUserID
	}
	return uuid.Nil
}
