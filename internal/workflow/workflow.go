// Package workflow holds the durable records of the orchestration engine:
// workflow instances, their entity references, audit and approval rows.
package workflow

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/xscopehub/grantflow/internal/fsm"
)

type EntityType string

const (
	EntityOpportunity EntityType = "opportunity"
	EntityApplication EntityType = "application"
)

// MaxEntities bounds the number of entity references a start event may carry.
const MaxEntities = 5

var (
	ErrInvalidEntityForWorkflow = errors.New("invalid entities for workflow")
	ErrUnknownWorkflowInstance  = errors.New("unknown workflow instance")
	ErrUnexpectedState          = errors.New("workflow record has an unexpected state")
)

// EntityRef is a weak reference into the surrounding domain model.
type EntityRef struct {
	Type EntityType `json:"entity_type" yaml:"entity_type"`
	ID   uuid.UUID  `json:"entity_id" yaml:"entity_id"`
}

func (r EntityRef) String() string { return fmt.Sprintf("%s:%s", r.Type, r.ID) }

// Instance is one workflow run. CurrentState and IsActive change only through
// Advance.
type Instance struct {
	ID           uuid.UUID   `json:"workflow_id"`
	Type         string      `json:"workflow_type"`
	CurrentState fsm.State   `json:"current_state"`
	IsActive     bool        `json:"is_active"`
	Entities     []EntityRef `json:"entities"`
	Version      int64       `json:"version"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// NewInstance binds a fresh instance to refs. Each required entity type must
// be present exactly once and nothing else may be attached.
func NewInstance(workflowType string, table *fsm.Table, required []EntityType, refs []EntityRef, now time.Time) (*Instance, error) {
	if err := ValidateEntities(required, refs); err != nil {
		return nil, err
	}
	return &Instance{
		ID:           uuid.New(),
		Type:         workflowType,
		CurrentState: table.Initial(),
		IsActive:     !table.IsTerminal(table.Initial()),
		Entities:     append([]EntityRef(nil), refs...),
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

// ValidateEntities checks refs against the required entity types.
func ValidateEntities(required []EntityType, refs []EntityRef) error {
	if len(refs) == 0 || len(refs) > MaxEntities {
		return fmt.Errorf("%w: expected 1-%d entities, got %d", ErrInvalidEntityForWorkflow, MaxEntities, len(refs))
	}
	if len(refs) != len(required) {
		return fmt.Errorf("%w: expected %d entities, got %d", ErrInvalidEntityForWorkflow, len(required), len(refs))
	}
	want := make(map[EntityType]int, len(required))
	for _, t := range required {
		want[t]++
	}
	for _, ref := range refs {
		if ref.ID == uuid.Nil {
			return fmt.Errorf("%w: %s has no id", ErrInvalidEntityForWorkflow, ref.Type)
		}
		if want[ref.Type] == 0 {
			return fmt.Errorf("%w: unexpected or repeated entity type %q", ErrInvalidEntityForWorkflow, ref.Type)
		}
		want[ref.Type]--
	}
	return nil
}

// Advance is the post-transition hook: it moves the instance to next and
// recomputes IsActive against the table's terminal set.
func (i *Instance) Advance(table *fsm.Table, next fsm.State, now time.Time) {
	i.CurrentState = next
	i.IsActive = !table.IsTerminal(next)
	i.UpdatedAt = now
	i.Version++
}

// Clone returns a deep copy.
func (i *Instance) Clone() *Instance {
	if i == nil {
		return nil
	}
	cp := *i
	cp.Entities = append([]EntityRef(nil), i.Entities...)
	return &cp
}

// AuditRecord is the append-only log entry for one committed transition.
type AuditRecord struct {
	ID          uuid.UUID      `json:"audit_id"`
	WorkflowID  uuid.UUID      `json:"workflow_id"`
	Event       fsm.Event      `json:"transition_event"`
	ActorID     uuid.UUID      `json:"actor_id"`
	SourceState fsm.State      `json:"source_state"`
	TargetState fsm.State      `json:"target_state"`
	MessageID   string         `json:"message_id,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}

type Decision string

const (
	DecisionApproved             Decision = "approved"
	DecisionDeclined             Decision = "declined"
	DecisionRequiresModification Decision = "requires_modification"
)

func (d Decision) Positive() bool { return d == DecisionApproved }

// ApprovalRecord is unique on (WorkflowID, ActorID); a later decision by the
// same actor replaces the earlier one.
type ApprovalRecord struct {
	WorkflowID uuid.UUID `json:"workflow_id"`
	ActorID    uuid.UUID `json:"actor_id"`
	Decision   Decision  `json:"decision"`
	Comment    string    `json:"comment,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// ProcessedEvent remembers a dedupe key so redelivered messages are no-ops.
type ProcessedEvent struct {
	Key         string
	WorkflowID  uuid.UUID
	Outcome     string
	ProcessedAt time.Time
}

// OutboxMessage is published after commit by the outbox publisher.
type OutboxMessage struct {
	ID          int64
	Aggregate   string
	AggregateID string
	Topic       string
	Payload     []byte
	CreatedAt   time.Time
}
