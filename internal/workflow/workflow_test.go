package workflow

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/xscopehub/grantflow/internal/fsm"
)

func testTable(t *testing.T) *fsm.Table {
	t.Helper()
	table, err := fsm.NewTable(fsm.TableSpec{
		Initial:  "draft",
		States:   []fsm.State{"draft", "pending", "done"},
		Terminal: []fsm.State{"done"},
		Transitions: []fsm.Transition{
			{From: "draft", Event: fsm.StartEvent, To: "pending"},
			{From: "pending", Event: "finish", To: "done"},
		},
	})
	if err != nil {
		t.Fatalf("table: %v", err)
	}
	return table
}

func TestValidateEntities(t *testing.T) {
	opp := EntityRef{Type: EntityOpportunity, ID: uuid.New()}
	app := EntityRef{Type: EntityApplication, ID: uuid.New()}
	cases := []struct {
		name     string
		required []EntityType
		refs     []EntityRef
		ok       bool
	}{
		{"exact_single", []EntityType{EntityOpportunity}, []EntityRef{opp}, true},
		{"exact_pair", []EntityType{EntityOpportunity, EntityApplication}, []EntityRef{app, opp}, true},
		{"none", []EntityType{EntityOpportunity}, nil, false},
		{"too_many", []EntityType{EntityOpportunity}, []EntityRef{opp, app}, false},
		{"wrong_type", []EntityType{EntityOpportunity}, []EntityRef{app}, false},
		{"repeated_type", []EntityType{EntityOpportunity, EntityApplication}, []EntityRef{opp, opp}, false},
		{"nil_id", []EntityType{EntityOpportunity}, []EntityRef{{Type: EntityOpportunity}}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateEntities(tc.required, tc.refs)
			if tc.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tc.ok && !errors.Is(err, ErrInvalidEntityForWorkflow) {
				t.Fatalf("expected ErrInvalidEntityForWorkflow got %v", err)
			}
		})
	}
}

func TestNewInstanceAndAdvance(t *testing.T) {
	table := testTable(t)
	now := time.Unix(100, 0)
	ref := EntityRef{Type: EntityOpportunity, ID: uuid.New()}
	inst, err := NewInstance("review", table, []EntityType{EntityOpportunity}, []EntityRef{ref}, now)
	if err != nil {
		t.Fatalf("new instance: %v", err)
	}
	if inst.CurrentState != "draft" || !inst.IsActive {
		t.Fatalf("unexpected initial instance %+v", inst)
	}

	inst.Advance(table, "pending", now.Add(time.Second))
	if !inst.IsActive || inst.Version != 1 {
		t.Fatalf("pending should be active at version 1, got %+v", inst)
	}
	inst.Advance(table, "done", now.Add(2*time.Second))
	if inst.IsActive {
		t.Fatalf("terminal state must deactivate the instance")
	}
	if inst.Version != 2 || !inst.UpdatedAt.Equal(now.Add(2*time.Second)) {
		t.Fatalf("unexpected bookkeeping %+v", inst)
	}
}

func TestCloneIsDeep(t *testing.T) {
	inst := &Instance{Entities: []EntityRef{{Type: EntityOpportunity, ID: uuid.New()}}}
	cp := inst.Clone()
	cp.Entities[0].Type = EntityApplication
	if inst.Entities[0].Type != EntityOpportunity {
		t.Fatalf("clone shares entity slice")
	}
}
