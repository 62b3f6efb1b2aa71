package queue

import (
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xscopehub/grantflow/internal/workflow"
)

func TestEncodeDecodeStart(t *testing.T) {
	ev := workflow.Event{
		Kind: workflow.KindStart,
		Start: &workflow.StartEvent{
			WorkflowType: "opportunity_approval",
			ActingUserID: uuid.New(),
			Entities:     []workflow.EntityRef{{Type: workflow.EntityOpportunity, ID: uuid.New()}},
		},
		Metadata: map[string]string{"request_id": "r-1"},
	}
	body, err := Encode(ev)
	require.NoError(t, err)
	assert.Contains(t, string(body), `"kind":"start"`)

	got, err := Decode(body)
	require.NoError(t, err)
	assert.Equal(t, ev, got)
}

func TestDecodeProcess(t *testing.T) {
	wf, actor := uuid.New(), uuid.New()
	body := []byte(`{"kind":"process","workflow_id":"` + wf.String() + `","acting_user_id":"` + actor.String() +
		`","transition_event":"receive_approval","payload":{"comment":"ok"}}`)
	ev, err := Decode(body)
	require.NoError(t, err)
	require.NotNil(t, ev.Process)
	assert.Nil(t, ev.Start)
	assert.Equal(t, wf, ev.Process.WorkflowID)
	assert.Equal(t, "receive_approval", string(ev.Process.Transition))
	assert.Equal(t, "ok", ev.Process.Payload["comment"])
	assert.Equal(t, actor, ev.ActingUserID())
}

func TestDecodeMalformed(t *testing.T) {
	actor := uuid.NewString()
	cases := map[string]string{
		"not_json":         `{`,
		"unknown_kind":     `{"kind":"cancel"}`,
		"missing_kind":     `{"workflow_type":"x"}`,
		"start_no_type":    `{"kind":"start","acting_user_id":"` + actor + `"}`,
		"start_no_user":    `{"kind":"start","workflow_type":"x"}`,
		"process_no_id":    `{"kind":"process","acting_user_id":"` + actor + `","transition_event":"go"}`,
		"process_no_event": `{"kind":"process","workflow_id":"` + uuid.NewString() + `","acting_user_id":"` + actor + `"}`,
		"bad_uuid":         `{"kind":"process","workflow_id":"nope","acting_user_id":"` + actor + `","transition_event":"go"}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(body))
			if !errors.Is(err, ErrMalformedEvent) {
				t.Fatalf("expected ErrMalformedEvent got %v", err)
			}
		})
	}
}

func TestEncodeRejectsMismatchedBody(t *testing.T) {
	_, err := Encode(workflow.Event{Kind: workflow.KindProcess})
	require.ErrorIs(t, err, ErrMalformedEvent)
}
