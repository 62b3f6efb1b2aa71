// Package repository persists workflow instances, audit trails, approval
// rows, dedupe keys and outbox messages. Every write the engine performs for
// one event happens inside a single Store.InTx call.
package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/xscopehub/grantflow/internal/fsm"
	"github.com/xscopehub/grantflow/internal/workflow"
)

var (
	ErrNotFound         = errors.New("record not found")
	ErrConcurrentUpdate = errors.New("workflow was modified concurrently")
	ErrDuplicateKey     = errors.New("duplicate key")
)

// Store opens transactions. fn's writes are committed only if it returns
// nil; any error rolls everything back.
type Store interface {
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	Ping(ctx context.Context) error
	Close()
}

// Tx is the set of operations available inside one transaction.
type Tx interface {
	LookupProcessed(ctx context.Context, key string) (workflow.ProcessedEvent, bool, error)
	MarkProcessed(ctx context.Context, ev workflow.ProcessedEvent) error

	CreateInstance(ctx context.Context, inst *workflow.Instance) error
	// GetInstanceForUpdate loads and locks the instance row.
	GetInstanceForUpdate(ctx context.Context, id uuid.UUID) (*workflow.Instance, error)
	// SaveState persists CurrentState, IsActive, UpdatedAt and Version. It
	// fails with ErrConcurrentUpdate when the stored version is not
	// expectedVersion.
	SaveState(ctx context.Context, inst *workflow.Instance, expectedVersion int64) error

	AppendAudit(ctx context.Context, rec workflow.AuditRecord) error
	HasAudit(ctx context.Context, workflowID uuid.UUID, ev fsm.Event, actor uuid.UUID) (bool, error)
	ListAudit(ctx context.Context, workflowID uuid.UUID) ([]workflow.AuditRecord, error)

	UpsertApproval(ctx context.Context, rec workflow.ApprovalRecord) error
	ListApprovals(ctx context.Context, workflowID uuid.UUID) ([]workflow.ApprovalRecord, error)

	InsertOutbox(ctx context.Context, msg workflow.OutboxMessage) error
	ListUnpublishedOutbox(ctx context.Context, limit int) ([]workflow.OutboxMessage, error)
	MarkOutboxPublished(ctx context.Context, ids []int64) error
}
