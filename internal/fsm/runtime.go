package fsm

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidTransition = errors.New("invalid transition")
	ErrUnknownHook       = errors.New("unknown hook")
)

// TransitionTopic carries one message per committed transition.
const TransitionTopic = "evt.workflow.transition.v1"

type OutcomeKind string

const (
	OutcomeTransitioned      OutcomeKind = "transitioned"
	OutcomeGuardNotSatisfied OutcomeKind = "guard_not_satisfied"
)

// Context is the per-attempt input visible to guards and actions.
type Context struct {
	Now          time.Time
	WorkflowID   string
	WorkflowType string
	Actor        string
	Threshold    *int
	Payload      map[string]any

	messages []OutboxMsg
}

// Emit queues an outbox message. Messages are only persisted if the
// transition commits.
func (c *Context) Emit(topic string, payload map[string]any) {
	c.messages = append(c.messages, OutboxMsg{Topic: topic, Payload: payload})
}

type OutboxMsg struct {
	Topic   string
	Payload map[string]any
}

type GuardFunc func(ctx context.Context, c *Context) (bool, error)
type ActionFunc func(ctx context.Context, c *Context) error

// Hooks binds hook names used in tables to implementations.
type Hooks struct {
	Guards  map[string]GuardFunc
	Actions map[string]ActionFunc
}

// Merge returns a new Hooks holding h and other; other wins on conflicts.
func (h Hooks) Merge(other Hooks) Hooks {
	out := Hooks{Guards: map[string]GuardFunc{}, Actions: map[string]ActionFunc{}}
	for _, src := range []Hooks{h, other} {
		for k, v := range src.Guards {
			out.Guards[k] = v
		}
		for k, v := range src.Actions {
			out.Actions[k] = v
		}
	}
	return out
}

// Outcome reports what Apply decided. For OutcomeGuardNotSatisfied, To equals
// From and no actions ran, but Messages may hold output of Before hooks.
type Outcome struct {
	Kind     OutcomeKind
	From     State
	To       State
	Event    Event
	Guard    string
	Actions  []string
	Messages []OutboxMsg
}

func (o Outcome) Changed() bool { return o.Kind == OutcomeTransitioned }

// Apply evaluates ev against the table from the current state.
func Apply(ctx context.Context, t *Table, current State, ev Event, hooks Hooks, c *Context) (Outcome, error) {
	tr, ok := t.Lookup(current, ev)
	if !ok {
		return Outcome{From: current, To: current, Event: ev},
			fmt.Errorf("%w: no transition for event %q from state %q", ErrInvalidTransition, ev, current)
	}
	if c == nil {
		c = &Context{}
	}
	c.messages = nil

	for _, name := range tr.Before {
		fn, ok := hooks.Actions[name]
		if !ok {
			return Outcome{From: current, To: current, Event: ev}, fmt.Errorf("%w: action %q", ErrUnknownHook, name)
		}
		if err := fn(ctx, c); err != nil {
			return Outcome{From: current, To: current, Event: ev}, fmt.Errorf("before %q: %w", name, err)
		}
	}

	if tr.Guard != "" {
		g, ok := hooks.Guards[tr.Guard]
		if !ok {
			return Outcome{From: current, To: current, Event: ev}, fmt.Errorf("%w: guard %q", ErrUnknownHook, tr.Guard)
		}
		pass, err := g(ctx, c)
		if err != nil {
			return Outcome{From: current, To: current, Event: ev}, fmt.Errorf("guard %q: %w", tr.Guard, err)
		}
		if !pass {
			return Outcome{
				Kind:     OutcomeGuardNotSatisfied,
				From:     current,
				To:       current,
				Event:    ev,
				Guard:    tr.Guard,
				Messages: c.messages,
			}, nil
		}
	}

	for _, name := range tr.Actions {
		fn, ok := hooks.Actions[name]
		if !ok {
			return Outcome{From: current, To: current, Event: ev}, fmt.Errorf("%w: action %q", ErrUnknownHook, name)
		}
		if err := fn(ctx, c); err != nil {
			return Outcome{From: current, To: current, Event: ev}, fmt.Errorf("action %q: %w", name, err)
		}
	}

	msgs := append(c.messages, OutboxMsg{Topic: TransitionTopic, Payload: map[string]any{
		"workflow_id":   c.WorkflowID,
		"workflow_type": c.WorkflowType,
		"from":          current,
		"to":            tr.To,
		"event":         ev,
		"actor":         c.Actor,
		"at":            c.Now.UTC(),
	}})
	return Outcome{
		Kind:     OutcomeTransitioned,
		From:     current,
		To:       tr.To,
		Event:    ev,
		Guard:    tr.Guard,
		Actions:  append([]string(nil), tr.Actions...),
		Messages: msgs,
	}, nil
}
