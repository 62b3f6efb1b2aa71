package registry

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/xscopehub/grantflow/internal/fsm"
	"github.com/xscopehub/grantflow/internal/workflow"
)

func TestBootBuiltin(t *testing.T) {
	r := New(DefaultCatalog())
	if err := Boot(r, Builtin()); err != nil {
		t.Fatalf("boot: %v", err)
	}
	for _, typ := range []string{OpportunityApproval, OpportunityPublish, ApplicationReview} {
		def, err := r.Lookup(typ)
		if err != nil {
			t.Fatalf("lookup %s: %v", typ, err)
		}
		if _, ok := def.Table.Lookup(def.Table.Initial(), fsm.StartEvent); !ok {
			t.Fatalf("%s: initial state does not accept start_workflow", typ)
		}
	}
	if got := r.Types(); len(got) != 3 || got[0] != OpportunityApproval {
		t.Fatalf("types = %v", got)
	}
}

func TestRegisterRequiresStartWorkflow(t *testing.T) {
	r := New(DefaultCatalog())
	table, err := fsm.NewTable(fsm.TableSpec{
		Initial:     "draft",
		States:      []fsm.State{"draft", "done"},
		Terminal:    []fsm.State{"done"},
		Transitions: []fsm.Transition{{From: "draft", Event: "finish", To: "done"}},
	})
	if err != nil {
		t.Fatalf("table: %v", err)
	}
	err = r.Register(Definition{Type: "broken", Table: table, RequiredEntityTypes: []workflow.EntityType{workflow.EntityOpportunity}})
	var cfgErr *ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigurationError got %v", err)
	}
	if cfgErr.WorkflowType != "broken" {
		t.Fatalf("workflow type = %q", cfgErr.WorkflowType)
	}
}

func TestRegisterValidation(t *testing.T) {
	base := func() FileDefinition { return Builtin()[0] }
	cases := []struct {
		name   string
		mutate func(*FileDefinition)
	}{
		{"unknown_guard", func(fd *FileDefinition) { fd.Table.Transitions[1].Guard = "is_tuesday" }},
		{"unknown_action", func(fd *FileDefinition) { fd.Table.Transitions[2].Actions = []string{"send_fax"} }},
		{"missing_threshold", func(fd *FileDefinition) { fd.ApprovalThreshold = nil }},
		{"zero_threshold", func(fd *FileDefinition) { fd.ApprovalThreshold = intPtr(0) }},
		{"no_entities", func(fd *FileDefinition) { fd.RequiredEntityTypes = nil }},
		{"empty_type", func(fd *FileDefinition) { fd.WorkflowType = "" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fd := base()
			tc.mutate(&fd)
			def, err := fd.Build()
			if err != nil {
				t.Fatalf("build: %v", err)
			}
			var cfgErr *ConfigurationError
			if err := New(DefaultCatalog()).Register(def); !errors.As(err, &cfgErr) {
				t.Fatalf("expected ConfigurationError got %v", err)
			}
		})
	}
}

func TestRegistryFreeze(t *testing.T) {
	r := New(DefaultCatalog())
	def, err := Builtin()[1].Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if err := r.Register(def); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := r.Lookup(OpportunityPublish); !errors.Is(err, ErrRegistryNotFrozen) {
		t.Fatalf("lookup before freeze: %v", err)
	}
	var dup *ConfigurationError
	if err := r.Register(def); !errors.As(err, &dup) {
		t.Fatalf("duplicate register: %v", err)
	}
	if err := r.Freeze(); err != nil {
		t.Fatalf("freeze: %v", err)
	}
	if err := r.Register(def); !errors.Is(err, ErrRegistryFrozen) {
		t.Fatalf("register after freeze: %v", err)
	}
	if _, err := r.Lookup("grant_closeout"); !errors.Is(err, ErrUnknownWorkflowType) {
		t.Fatalf("expected ErrUnknownWorkflowType got %v", err)
	}
}

func TestFreezeEmpty(t *testing.T) {
	var cfgErr *ConfigurationError
	if err := New(DefaultCatalog()).Freeze(); !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigurationError got %v", err)
	}
}

const definitionsYAML = `
workflows:
  - workflow_type: grant_closeout
    initial: open
    states: [open, reviewing, closed]
    terminal_states: [closed]
    required_entity_types: [opportunity]
    approval_threshold: 3
    transitions:
      - {from: open, event: start_workflow, to: reviewing}
      - from: reviewing
        event: receive_approval
        to: closed
        before: [record_approval]
        guard: has_enough_approvals
        actions: [on_approved]
`

func TestLoadDefinitionsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "workflows.yaml")
	if err := os.WriteFile(path, []byte(definitionsYAML), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	defs, err := LoadDefinitionsFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(defs) != 1 || defs[0].WorkflowType != "grant_closeout" {
		t.Fatalf("defs = %+v", defs)
	}
	r := New(DefaultCatalog())
	if err := Boot(r, Builtin(), defs); err != nil {
		t.Fatalf("boot: %v", err)
	}
	def, err := r.Lookup("grant_closeout")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if def.ApprovalThreshold == nil || *def.ApprovalThreshold != 3 {
		t.Fatalf("threshold = %v", def.ApprovalThreshold)
	}
	if !def.Table.IsTerminal("closed") {
		t.Fatalf("closed should be terminal")
	}
}

func TestParseDefinitionsRejectsUnknownKeys(t *testing.T) {
	if _, err := ParseDefinitions([]byte("workflows:\n  - workflow_typo: x\n")); err == nil {
		t.Fatalf("expected error for unknown key")
	}
}
