package fsm

import (
	"errors"
	"fmt"
	"sort"
)

type State string
type Event string

// StartEvent is the reserved event every workflow table must accept.
const StartEvent Event = "start_workflow"

var ErrInvalidTable = errors.New("invalid transition table")

// Transition is one row of a transition table. Guard, Before and Actions are
// hook names resolved through Hooks at apply time.
type Transition struct {
	From    State    `yaml:"from" json:"from"`
	Event   Event    `yaml:"event" json:"event"`
	To      State    `yaml:"to" json:"to"`
	Guard   string   `yaml:"guard,omitempty" json:"guard,omitempty"`
	Before  []string `yaml:"before,omitempty" json:"before,omitempty"`
	Actions []string `yaml:"actions,omitempty" json:"actions,omitempty"`
}

// TableSpec is the declarative form of a table, as written in code or in a
// definitions file.
type TableSpec struct {
	Initial     State        `yaml:"initial" json:"initial"`
	States      []State      `yaml:"states" json:"states"`
	Terminal    []State      `yaml:"terminal_states" json:"terminal_states"`
	Transitions []Transition `yaml:"transitions" json:"transitions"`
}

type key struct {
	from  State
	event Event
}

// Table maps (state, event) to a transition. It is immutable once built.
type Table struct {
	initial     State
	states      map[State]struct{}
	terminal    map[State]struct{}
	transitions map[key]Transition
	order       []key
}

// NewTable validates spec and builds the lookup table.
func NewTable(spec TableSpec) (*Table, error) {
	t := &Table{
		initial:     spec.Initial,
		states:      make(map[State]struct{}, len(spec.States)),
		terminal:    make(map[State]struct{}, len(spec.Terminal)),
		transitions: make(map[key]Transition, len(spec.Transitions)),
	}
	for _, s := range spec.States {
		if s == "" {
			return nil, fmt.Errorf("%w: empty state name", ErrInvalidTable)
		}
		t.states[s] = struct{}{}
	}
	if _, ok := t.states[t.initial]; !ok {
		return nil, fmt.Errorf("%w: initial state %q is not declared", ErrInvalidTable, t.initial)
	}
	if len(spec.Terminal) == 0 {
		return nil, fmt.Errorf("%w: no terminal states declared", ErrInvalidTable)
	}
	for _, s := range spec.Terminal {
		if _, ok := t.states[s]; !ok {
			return nil, fmt.Errorf("%w: terminal state %q is not declared", ErrInvalidTable, s)
		}
		t.terminal[s] = struct{}{}
	}
	for _, tr := range spec.Transitions {
		if tr.Event == "" {
			return nil, fmt.Errorf("%w: transition from %q has no event", ErrInvalidTable, tr.From)
		}
		if _, ok := t.states[tr.From]; !ok {
			return nil, fmt.Errorf("%w: transition %q from undeclared state %q", ErrInvalidTable, tr.Event, tr.From)
		}
		if _, ok := t.states[tr.To]; !ok {
			return nil, fmt.Errorf("%w: transition %q to undeclared state %q", ErrInvalidTable, tr.Event, tr.To)
		}
		if _, ok := t.terminal[tr.From]; ok {
			return nil, fmt.Errorf("%w: terminal state %q has outgoing transition %q", ErrInvalidTable, tr.From, tr.Event)
		}
		k := key{from: tr.From, event: tr.Event}
		if _, dup := t.transitions[k]; dup {
			return nil, fmt.Errorf("%w: duplicate transition (%s, %s)", ErrInvalidTable, tr.From, tr.Event)
		}
		tr.Before = append([]string(nil), tr.Before...)
		tr.Actions = append([]string(nil), tr.Actions...)
		t.transitions[k] = tr
		t.order = append(t.order, k)
	}
	return t, nil
}

// Initial is the state a workflow sits in before start_workflow is applied.
func (t *Table) Initial() State { return t.initial }

func (t *Table) IsTerminal(s State) bool {
	_, ok := t.terminal[s]
	return ok
}

func (t *Table) HasState(s State) bool {
	_, ok := t.states[s]
	return ok
}

// Lookup returns the transition for (from, ev), if any.
func (t *Table) Lookup(from State, ev Event) (Transition, bool) {
	tr, ok := t.transitions[key{from: from, event: ev}]
	return tr, ok
}

// HasEvent reports whether any transition is triggered by ev.
func (t *Table) HasEvent(ev Event) bool {
	for _, k := range t.order {
		if k.event == ev {
			return true
		}
	}
	return false
}

// Transitions returns the table rows in declaration order.
func (t *Table) Transitions() []Transition {
	out := make([]Transition, 0, len(t.order))
	for _, k := range t.order {
		out = append(out, t.transitions[k])
	}
	return out
}

// States returns the declared states sorted by name.
func (t *Table) States() []State {
	out := make([]State, 0, len(t.states))
	for s := range t.states {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// HookNames lists every guard and action name the table references.
func (t *Table) HookNames() (guards, actions []string) {
	seenG := map[string]bool{}
	seenA := map[string]bool{}
	for _, tr := range t.Transitions() {
		if tr.Guard != "" && !seenG[tr.Guard] {
			seenG[tr.Guard] = true
			guards = append(guards, tr.Guard)
		}
		for _, a := range append(append([]string(nil), tr.Before...), tr.Actions...) {
			if !seenA[a] {
				seenA[a] = true
				actions = append(actions, a)
			}
		}
	}
	return guards, actions
}
