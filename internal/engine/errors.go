package engine

import (
	"errors"

	"github.com/xscopehub/grantflow/internal/approval"
	"github.com/xscopehub/grantflow/internal/fsm"
	"github.com/xscopehub/grantflow/internal/queue"
	"github.com/xscopehub/grantflow/internal/registry"
	"github.com/xscopehub/grantflow/internal/repository"
	"github.com/xscopehub/grantflow/internal/workflow"
)

var nonRetryable = []error{
	queue.ErrMalformedEvent,
	registry.ErrUnknownWorkflowType,
	registry.ErrRegistryNotFrozen,
	workflow.ErrInvalidEntityForWorkflow,
	workflow.ErrUnknownWorkflowInstance,
	workflow.ErrUnexpectedState,
	fsm.ErrInvalidTransition,
	fsm.ErrUnknownHook,
	repository.ErrEntityNotFound,
	repository.ErrUserNotFound,
	approval.ErrNoThreshold,
}

// IsRetryable reports whether redelivering the event may succeed. Data and
// configuration errors are final; storage, transport and concurrency
// failures are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	for _, target := range nonRetryable {
		if errors.Is(err, target) {
			return false
		}
	}
	var cfgErr *registry.ConfigurationError
	return !errors.As(err, &cfgErr)
}

// Reason is a short label for err used in metrics and dead-letter metadata.
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, queue.ErrMalformedEvent):
		return "malformed_event"
	case errors.Is(err, registry.ErrUnknownWorkflowType):
		return "unknown_workflow_type"
	case errors.Is(err, workflow.ErrInvalidEntityForWorkflow):
		return "invalid_entity_for_workflow"
	case errors.Is(err, workflow.ErrUnknownWorkflowInstance):
		return "unknown_workflow_instance"
	case errors.Is(err, workflow.ErrUnexpectedState):
		return "unexpected_state"
	case errors.Is(err, fsm.ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, repository.ErrEntityNotFound):
		return "entity_not_found"
	case errors.Is(err, repository.ErrUserNotFound):
		return "user_not_found"
	case errors.Is(err, repository.ErrConcurrentUpdate):
		return "concurrent_update"
	case !IsRetryable(err):
		return "configuration"
	}
	return "transient"
}
