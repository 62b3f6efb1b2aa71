package queue

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/xscopehub/grantflow/internal/workflow"
)

var ErrMalformedEvent = errors.New("malformed event")

type header struct {
	Kind     workflow.EventKind `json:"kind"`
	Metadata map[string]string  `json:"metadata,omitempty"`
}

type startWire struct {
	Kind workflow.EventKind `json:"kind"`
	workflow.StartEvent
	Metadata map[string]string `json:"metadata,omitempty"`
}

type processWire struct {
	Kind workflow.EventKind `json:"kind"`
	workflow.ProcessEvent
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Encode renders ev as the {"kind": "start"|"process", ...} queue payload.
func Encode(ev workflow.Event) ([]byte, error) {
	switch ev.Kind {
	case workflow.KindStart:
		if ev.Start == nil {
			return nil, fmt.Errorf("%w: start event without body", ErrMalformedEvent)
		}
		return json.Marshal(startWire{Kind: ev.Kind, StartEvent: *ev.Start, Metadata: ev.Metadata})
	case workflow.KindProcess:
		if ev.Process == nil {
			return nil, fmt.Errorf("%w: process event without body", ErrMalformedEvent)
		}
		return json.Marshal(processWire{Kind: ev.Kind, ProcessEvent: *ev.Process, Metadata: ev.Metadata})
	}
	return nil, fmt.Errorf("%w: unknown kind %q", ErrMalformedEvent, ev.Kind)
}

// Decode parses a queue payload and checks the fields every handler relies
// on. Entity cardinality is left to the engine.
func Decode(body []byte) (workflow.Event, error) {
	var h header
	if err := json.Unmarshal(body, &h); err != nil {
		return workflow.Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	ev := workflow.Event{Kind: h.Kind, Metadata: h.Metadata}
	switch h.Kind {
	case workflow.KindStart:
		var w startWire
		if err := json.Unmarshal(body, &w); err != nil {
			return workflow.Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		if w.WorkflowType == "" {
			return workflow.Event{}, fmt.Errorf("%w: workflow_type required", ErrMalformedEvent)
		}
		if w.ActingUserID == uuid.Nil {
			return workflow.Event{}, fmt.Errorf("%w: acting_user_id required", ErrMalformedEvent)
		}
		start := w.StartEvent
		ev.Start = &start
	case workflow.KindProcess:
		var w processWire
		if err := json.Unmarshal(body, &w); err != nil {
			return workflow.Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		if w.WorkflowID == uuid.Nil {
			return workflow.Event{}, fmt.Errorf("%w: workflow_id required", ErrMalformedEvent)
		}
		if w.ActingUserID == uuid.Nil {
			return workflow.Event{}, fmt.Errorf("%w: acting_user_id required", ErrMalformedEvent)
		}
		if w.Transition == "" {
			return workflow.Event{}, fmt.Errorf("%w: transition_event required", ErrMalformedEvent)
		}
		proc := w.ProcessEvent
		ev.Process = &proc
	default:
		return workflow.Event{}, fmt.Errorf("%w: unknown kind %q", ErrMalformedEvent, h.Kind)
	}
	return ev, nil
}
