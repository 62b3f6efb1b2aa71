package registry

import (
	"github.com/xscopehub/grantflow/internal/approval"
	"github.com/xscopehub/grantflow/internal/fsm"
	"github.com/xscopehub/grantflow/internal/workflow"
)

const (
	OpportunityApproval = "opportunity_approval"
	OpportunityPublish  = "opportunity_publish"
	ApplicationReview   = "application_review"
)

// FileDefinition is the declarative form of a Definition used by the
// built-in catalog and by definitions files.
type FileDefinition struct {
	WorkflowType        string                `yaml:"workflow_type"`
	Table               fsm.TableSpec         `yaml:",inline"`
	RequiredEntityTypes []workflow.EntityType `yaml:"required_entity_types"`
	ApprovalThreshold   *int                  `yaml:"approval_threshold,omitempty"`
}

// Build turns the declarative form into a Definition.
func (fd FileDefinition) Build() (Definition, error) {
	table, err := fsm.NewTable(fd.Table)
	if err != nil {
		return Definition{}, &ConfigurationError{WorkflowType: fd.WorkflowType, Reason: err.Error()}
	}
	return Definition{
		Type:                fd.WorkflowType,
		Table:               table,
		RequiredEntityTypes: fd.RequiredEntityTypes,
		ApprovalThreshold:   fd.ApprovalThreshold,
	}, nil
}

func intPtr(v int) *int { return &v }

// Builtin returns the workflow types shipped with the service, in
// registration order.
func Builtin() []FileDefinition {
	return []FileDefinition{
		{
			WorkflowType: OpportunityApproval,
			Table: fsm.TableSpec{
				Initial:  "draft",
				States:   []fsm.State{"draft", "pending_approval", "approved", "rejected"},
				Terminal: []fsm.State{"approved", "rejected"},
				Transitions: []fsm.Transition{
					{From: "draft", Event: fsm.StartEvent, To: "pending_approval"},
					{
						From:    "pending_approval",
						Event:   "receive_approval",
						To:      "approved",
						Before:  []string{approval.RecordApproval},
						Guard:   approval.HasEnoughApprovals,
						Actions: []string{approval.OnApproved},
					},
					{
						From:    "pending_approval",
						Event:   "receive_rejection",
						To:      "rejected",
						Before:  []string{approval.RecordRejection},
						Actions: []string{approval.OnDeclined},
					},
				},
			},
			RequiredEntityTypes: []workflow.EntityType{workflow.EntityOpportunity},
			ApprovalThreshold:   intPtr(2),
		},
		{
			WorkflowType: OpportunityPublish,
			Table: fsm.TableSpec{
				Initial:  "draft",
				States:   []fsm.State{"draft", "pending_publish", "published", "cancelled"},
				Terminal: []fsm.State{"published", "cancelled"},
				Transitions: []fsm.Transition{
					{From: "draft", Event: fsm.StartEvent, To: "pending_publish"},
					{From: "pending_publish", Event: "publish", To: "published"},
					{From: "pending_publish", Event: "cancel", To: "cancelled"},
				},
			},
			RequiredEntityTypes: []workflow.EntityType{workflow.EntityOpportunity},
		},
		{
			WorkflowType: ApplicationReview,
			Table: fsm.TableSpec{
				Initial:  "submitted",
				States:   []fsm.State{"submitted", "under_review", "modification_requested", "accepted", "declined"},
				Terminal: []fsm.State{"accepted", "declined"},
				Transitions: []fsm.Transition{
					{From: "submitted", Event: fsm.StartEvent, To: "under_review"},
					{
						From:    "under_review",
						Event:   "receive_approval",
						To:      "accepted",
						Before:  []string{approval.RecordApproval},
						Guard:   approval.HasEnoughApprovals,
						Actions: []string{approval.OnApproved},
					},
					{
						From:    "under_review",
						Event:   "receive_rejection",
						To:      "declined",
						Before:  []string{approval.RecordRejection},
						Actions: []string{approval.OnDeclined},
					},
					{
						From:    "under_review",
						Event:   "request_modification",
						To:      "modification_requested",
						Before:  []string{approval.RecordModificationRequest},
						Actions: []string{approval.OnRequiresModification},
					},
					{From: "modification_requested", Event: "resubmit", To: "under_review"},
				},
			},
			RequiredEntityTypes: []workflow.EntityType{workflow.EntityOpportunity, workflow.EntityApplication},
			ApprovalThreshold:   intPtr(1),
		},
	}
}

// DefaultCatalog lists the hooks provided by the approval policy.
func DefaultCatalog() HookCatalog {
	return HookCatalog{
		Guards:          approval.Guards,
		Actions:         approval.Actions,
		ThresholdGuards: approval.ThresholdGuards,
	}
}
