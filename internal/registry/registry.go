// Package registry catalogs workflow definitions by workflow type.
//
// Definitions are registered explicitly during process boot, validated, and
// then frozen. A frozen registry is read-only and safe for concurrent use.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/xscopehub/grantflow/internal/fsm"
	"github.com/xscopehub/grantflow/internal/workflow"
)

var (
	ErrUnknownWorkflowType = errors.New("unknown workflow type")
	ErrRegistryFrozen      = errors.New("registry is frozen")
	ErrRegistryNotFrozen   = errors.New("registry is not frozen")
)

// ConfigurationError reports a definition that cannot be registered.
type ConfigurationError struct {
	WorkflowType string
	Reason       string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("workflow %q misconfigured: %s", e.WorkflowType, e.Reason)
}

// Definition describes one workflow type. It must not be modified after it
// is registered.
type Definition struct {
	Type                string
	Table               *fsm.Table
	RequiredEntityTypes []workflow.EntityType
	ApprovalThreshold   *int
}

// HookCatalog names the guards and actions available at runtime.
// ThresholdGuards lists guards that need an approval threshold.
type HookCatalog struct {
	Guards          []string
	Actions         []string
	ThresholdGuards []string
}

type Registry struct {
	mu      sync.RWMutex
	frozen  bool
	defs    map[string]Definition
	order   []string
	guards  map[string]bool
	actions map[string]bool
	needThr map[string]bool
}

// New returns an empty registry that accepts definitions referencing hooks
// from catalog.
func New(catalog HookCatalog) *Registry {
	r := &Registry{
		defs:    make(map[string]Definition),
		guards:  make(map[string]bool),
		actions: make(map[string]bool),
		needThr: make(map[string]bool),
	}
	for _, g := range catalog.Guards {
		r.guards[g] = true
	}
	for _, a := range catalog.Actions {
		r.actions[a] = true
	}
	for _, g := range catalog.ThresholdGuards {
		r.needThr[g] = true
	}
	return r
}

// Register adds def. It fails fast with a *ConfigurationError on any
// structural problem.
func (r *Registry) Register(def Definition) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return ErrRegistryFrozen
	}
	if err := r.check(def); err != nil {
		return err
	}
	def.RequiredEntityTypes = append([]workflow.EntityType(nil), def.RequiredEntityTypes...)
	if def.ApprovalThreshold != nil {
		thr := *def.ApprovalThreshold
		def.ApprovalThreshold = &thr
	}
	r.defs[def.Type] = def
	r.order = append(r.order, def.Type)
	return nil
}

func (r *Registry) check(def Definition) error {
	cfgErr := func(format string, args ...any) error {
		return &ConfigurationError{WorkflowType: def.Type, Reason: fmt.Sprintf(format, args...)}
	}
	if def.Type == "" {
		return cfgErr("workflow type is empty")
	}
	if _, dup := r.defs[def.Type]; dup {
		return cfgErr("already registered")
	}
	if def.Table == nil {
		return cfgErr("no transition table")
	}
	if !def.Table.HasEvent(fsm.StartEvent) {
		return cfgErr("no transition triggered by %q", fsm.StartEvent)
	}
	if _, ok := def.Table.Lookup(def.Table.Initial(), fsm.StartEvent); !ok {
		return cfgErr("initial state %q does not accept %q", def.Table.Initial(), fsm.StartEvent)
	}
	if len(def.RequiredEntityTypes) == 0 || len(def.RequiredEntityTypes) > workflow.MaxEntities {
		return cfgErr("expected 1-%d required entity types, got %d", workflow.MaxEntities, len(def.RequiredEntityTypes))
	}
	if def.ApprovalThreshold != nil && *def.ApprovalThreshold < 1 {
		return cfgErr("approval threshold must be positive, got %d", *def.ApprovalThreshold)
	}
	guards, actions := def.Table.HookNames()
	for _, g := range guards {
		if !r.guards[g] {
			return cfgErr("unknown guard %q", g)
		}
		if r.needThr[g] && def.ApprovalThreshold == nil {
			return cfgErr("guard %q requires an approval threshold", g)
		}
	}
	for _, a := range actions {
		if !r.actions[a] {
			return cfgErr("unknown action %q", a)
		}
	}
	return nil
}

// Freeze ends registration. It fails when nothing was registered.
func (r *Registry) Freeze() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.defs) == 0 {
		return &ConfigurationError{Reason: "no workflow types registered"}
	}
	r.frozen = true
	return nil
}

func (r *Registry) Frozen() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.frozen
}

// Lookup returns the definition for workflowType. It is only valid on a
// frozen registry.
func (r *Registry) Lookup(workflowType string) (Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.frozen {
		return Definition{}, ErrRegistryNotFrozen
	}
	def, ok := r.defs[workflowType]
	if !ok {
		return Definition{}, fmt.Errorf("%w: %q", ErrUnknownWorkflowType, workflowType)
	}
	return def, nil
}

// Types returns the registered workflow types in registration order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := append([]string(nil), r.order...)
	return out
}

// Describe returns a printable summary, sorted by type.
func (r *Registry) Describe() []Summary {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Summary, 0, len(r.defs))
	for _, def := range r.defs {
		s := Summary{
			Type:        def.Type,
			Initial:     def.Table.Initial(),
			States:      def.Table.States(),
			Transitions: len(def.Table.Transitions()),
			Entities:    def.RequiredEntityTypes,
		}
		if def.ApprovalThreshold != nil {
			s.Threshold = *def.ApprovalThreshold
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}

// Summary is a read-only view of a definition for CLI and admin output.
type Summary struct {
	Type        string                `json:"workflow_type"`
	Initial     fsm.State             `json:"initial"`
	States      []fsm.State           `json:"states"`
	Transitions int                   `json:"transitions"`
	Entities    []workflow.EntityType `json:"required_entity_types"`
	Threshold   int                   `json:"approval_threshold,omitempty"`
}
