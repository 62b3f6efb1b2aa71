// Package approval implements quorum tracking for approval workflows.
package approval

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/xscopehub/grantflow/internal/fsm"
	"github.com/xscopehub/grantflow/internal/workflow"
)

// Hook names usable from transition tables.
const (
	RecordApproval            = "record_approval"
	RecordRejection           = "record_rejection"
	RecordModificationRequest = "record_modification_request"
	HasEnoughApprovals        = "has_enough_approvals"
	OnApproved                = "on_approved"
	OnDeclined                = "on_declined"
	OnRequiresModification    = "on_requires_modification"
)

// DecisionTopic carries the fan-out of a final approval decision.
const DecisionTopic = "evt.workflow.decision.v1"

var (
	Guards          = []string{HasEnoughApprovals}
	ThresholdGuards = []string{HasEnoughApprovals}
	Actions         = []string{RecordApproval, RecordRejection, RecordModificationRequest, OnApproved, OnDeclined, OnRequiresModification}
)

var ErrNoThreshold = errors.New("approval threshold not configured")

// Store is the slice of the persistence transaction the policy needs.
type Store interface {
	UpsertApproval(ctx context.Context, rec workflow.ApprovalRecord) error
	ListApprovals(ctx context.Context, workflowID uuid.UUID) ([]workflow.ApprovalRecord, error)
}

// Policy evaluates approval quorum against a transaction-bound Store.
type Policy struct {
	store Store
}

func New(store Store) *Policy {
	return &Policy{store: store}
}

// Hooks returns the guard and action bindings backed by this policy.
func (p *Policy) Hooks() fsm.Hooks {
	return fsm.Hooks{
		Guards: map[string]fsm.GuardFunc{
			HasEnoughApprovals: p.hasEnoughApprovals,
		},
		Actions: map[string]fsm.ActionFunc{
			RecordApproval:            p.record(workflow.DecisionApproved),
			RecordRejection:           p.record(workflow.DecisionDeclined),
			RecordModificationRequest: p.record(workflow.DecisionRequiresModification),
			OnApproved:                p.fanOut(workflow.DecisionApproved),
			OnDeclined:                p.fanOut(workflow.DecisionDeclined),
			OnRequiresModification:    p.fanOut(workflow.DecisionRequiresModification),
		},
	}
}

// Approvers returns the distinct actors with a positive decision, sorted.
func Approvers(records []workflow.ApprovalRecord) []uuid.UUID {
	seen := make(map[uuid.UUID]bool, len(records))
	var out []uuid.UUID
	for _, r := range records {
		if r.Decision.Positive() && !seen[r.ActorID] {
			seen[r.ActorID] = true
			out = append(out, r.ActorID)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// Satisfied reports whether workflowID has at least threshold distinct
// approvers.
func (p *Policy) Satisfied(ctx context.Context, workflowID uuid.UUID, threshold int) (bool, error) {
	records, err := p.store.ListApprovals(ctx, workflowID)
	if err != nil {
		return false, fmt.Errorf("list approvals: %w", err)
	}
	return len(Approvers(records)) >= threshold, nil
}

func (p *Policy) hasEnoughApprovals(ctx context.Context, c *fsm.Context) (bool, error) {
	if c.Threshold == nil {
		return false, ErrNoThreshold
	}
	id, err := uuid.Parse(c.WorkflowID)
	if err != nil {
		return false, fmt.Errorf("workflow id: %w", err)
	}
	return p.Satisfied(ctx, id, *c.Threshold)
}

func (p *Policy) record(decision workflow.Decision) fsm.ActionFunc {
	return func(ctx context.Context, c *fsm.Context) error {
		wfID, err := uuid.Parse(c.WorkflowID)
		if err != nil {
			return fmt.Errorf("workflow id: %w", err)
		}
		actor, err := uuid.Parse(c.Actor)
		if err != nil {
			return fmt.Errorf("actor id: %w", err)
		}
		comment, _ := c.Payload["comment"].(string)
		return p.store.UpsertApproval(ctx, workflow.ApprovalRecord{
			WorkflowID: wfID,
			ActorID:    actor,
			Decision:   decision,
			Comment:    comment,
			Timestamp:  c.Now,
		})
	}
}

func (p *Policy) fanOut(decision workflow.Decision) fsm.ActionFunc {
	return func(ctx context.Context, c *fsm.Context) error {
		wfID, err := uuid.Parse(c.WorkflowID)
		if err != nil {
			return fmt.Errorf("workflow id: %w", err)
		}
		records, err := p.store.ListApprovals(ctx, wfID)
		if err != nil {
			return fmt.Errorf("list approvals: %w", err)
		}
		approvers := Approvers(records)
		ids := make([]string, 0, len(approvers))
		for _, a := range approvers {
			ids = append(ids, a.String())
		}
		c.Emit(DecisionTopic, map[string]any{
			"workflow_id":   c.WorkflowID,
			"workflow_type": c.WorkflowType,
			"decision":      string(decision),
			"decided_by":    c.Actor,
			"approvers":     ids,
			"at":            c.Now.UTC(),
		})
		return nil
	}
}
