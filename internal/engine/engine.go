// Package engine dispatches one queue message through the registry, the
// state machine runtime and the store. Every write caused by a message
// happens in a single transaction.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/xscopehub/grantflow/internal/approval"
	"github.com/xscopehub/grantflow/internal/fsm"
	"github.com/xscopehub/grantflow/internal/idempotency"
	"github.com/xscopehub/grantflow/internal/queue"
	"github.com/xscopehub/grantflow/internal/registry"
	"github.com/xscopehub/grantflow/internal/repository"
	"github.com/xscopehub/grantflow/internal/workflow"
)

type Outcome string

const (
	OutcomeTransitioned      Outcome = "transitioned"
	OutcomeGuardNotSatisfied Outcome = "guard_not_satisfied"
	// OutcomeDuplicate: the dedupe key was already committed.
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomeAlreadyApplied: the requested transition is no longer defined
	// from the current state but the same actor already committed it.
	OutcomeAlreadyApplied Outcome = "already_applied"
)

// Result describes how one message was handled.
type Result struct {
	MessageID    string
	DedupeKey    string
	Kind         workflow.EventKind
	WorkflowID   uuid.UUID
	WorkflowType string
	Event        fsm.Event
	Outcome      Outcome
	From         fsm.State
	To           fsm.State
}

// dedupeNamespace derives keys for messages that arrive without an id.
var dedupeNamespace = uuid.MustParse("6f1b0c7e-3d0a-4d55-9a43-0d7c1c2f8a11")

var errAlreadyProcessed = errors.New("dedupe key committed concurrently")

type Engine struct {
	registry  *registry.Registry
	store     repository.Store
	directory repository.Directory
	cache     *idempotency.Cache
	logger    *slog.Logger
	tracer    trace.Tracer
	now       func() time.Time
}

type Option func(*Engine)

// WithDirectory enables entity and acting-user existence checks.
func WithDirectory(d repository.Directory) Option { return func(e *Engine) { e.directory = d } }

func WithCache(c *idempotency.Cache) Option { return func(e *Engine) { e.cache = c } }

func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.logger = l } }

func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// New builds an engine over a frozen registry.
func New(reg *registry.Registry, store repository.Store, opts ...Option) (*Engine, error) {
	if reg == nil || !reg.Frozen() {
		return nil, registry.ErrRegistryNotFrozen
	}
	if store == nil {
		return nil, errors.New("engine: store required")
	}
	e := &Engine{
		registry: reg,
		store:    store,
		logger:   slog.Default(),
		tracer:   otel.Tracer("github.com/xscopehub/grantflow/internal/engine"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Handle processes one message. A nil error means the message may be
// acknowledged; otherwise IsRetryable tells whether it should be redelivered.
func (e *Engine) Handle(ctx context.Context, msg queue.Message) (Result, error) {
	res := Result{MessageID: msg.ID}
	ctx, span := e.tracer.Start(ctx, "engine.Handle", trace.WithAttributes(attribute.String("message.id", msg.ID)))
	defer span.End()

	res, err := e.handle(ctx, msg, res)
	span.SetAttributes(
		attribute.String("workflow.id", res.WorkflowID.String()),
		attribute.String("workflow.type", res.WorkflowType),
		attribute.String("workflow.outcome", string(res.Outcome)),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, Reason(err))
	}
	return res, err
}

func (e *Engine) handle(ctx context.Context, msg queue.Message, res Result) (Result, error) {
	ev, err := queue.Decode(msg.Body)
	if err != nil {
		return res, err
	}
	res.Kind = ev.Kind
	res.DedupeKey = dedupeKey(msg, ev)

	seen, err := e.cache.Seen(ctx, res.DedupeKey)
	if err != nil {
		e.logger.WarnContext(ctx, "processed cache unavailable", "message_id", msg.ID, "error", err)
	}
	if seen {
		res.Outcome = OutcomeDuplicate
		return res, nil
	}

	var def registry.Definition
	switch ev.Kind {
	case workflow.KindStart:
		res.WorkflowType = ev.Start.WorkflowType
		res.Event = fsm.StartEvent
		if def, err = e.registry.Lookup(ev.Start.WorkflowType); err != nil {
			return res, err
		}
		if err := workflow.ValidateEntities(def.RequiredEntityTypes, ev.Start.Entities); err != nil {
			return res, err
		}
		if err := e.checkStart(ctx, ev.Start); err != nil {
			return res, err
		}
	case workflow.KindProcess:
		res.WorkflowID = ev.Process.WorkflowID
		res.Event = ev.Process.Transition
		if err := e.checkUser(ctx, ev.Process.ActingUserID); err != nil {
			return res, err
		}
	}

	// A transaction that has started always runs to commit or rollback.
	txCtx := context.WithoutCancel(ctx)
	err = e.store.InTx(txCtx, func(ctx context.Context, tx repository.Tx) error {
		prev, found, err := tx.LookupProcessed(ctx, res.DedupeKey)
		if err != nil {
			return fmt.Errorf("lookup processed: %w", err)
		}
		if found {
			res.WorkflowID = prev.WorkflowID
			res.Outcome = OutcomeDuplicate
			return nil
		}
		switch ev.Kind {
		case workflow.KindStart:
			res, err = e.start(ctx, tx, def, msg, ev, res)
		default:
			res, err = e.process(ctx, tx, msg, ev, res)
		}
		if err != nil {
			return err
		}
		err = tx.MarkProcessed(ctx, workflow.ProcessedEvent{
			Key:         res.DedupeKey,
			WorkflowID:  res.WorkflowID,
			Outcome:     string(res.Outcome),
			ProcessedAt: e.now().UTC(),
		})
		if errors.Is(err, repository.ErrDuplicateKey) {
			return errAlreadyProcessed
		}
		return err
	})
	if errors.Is(err, errAlreadyProcessed) {
		res.Outcome = OutcomeDuplicate
		res.From, res.To = "", ""
		return res, nil
	}
	if err != nil {
		return res, err
	}
	if err := e.cache.Mark(ctx, res.DedupeKey); err != nil {
		e.logger.WarnContext(ctx, "processed cache mark failed", "message_id", msg.ID, "error", err)
	}
	return res, nil
}

func (e *Engine) checkStart(ctx context.Context, start *workflow.StartEvent) error {
	if err := e.checkUser(ctx, start.ActingUserID); err != nil {
		return err
	}
	if e.directory == nil {
		return nil
	}
	for _, ref := range start.Entities {
		ok, err := e.directory.EntityExists(ctx, ref)
		if err != nil {
			return fmt.Errorf("lookup entity %s: %w", ref, err)
		}
		if !ok {
			return fmt.Errorf("%w: %s", repository.ErrEntityNotFound, ref)
		}
	}
	return nil
}

func (e *Engine) checkUser(ctx context.Context, id uuid.UUID) error {
	if e.directory == nil {
		return nil
	}
	ok, err := e.directory.UserExists(ctx, id)
	if err != nil {
		return fmt.Errorf("lookup user %s: %w", id, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", repository.ErrUserNotFound, id)
	}
	return nil
}

func (e *Engine) start(ctx context.Context, tx repository.Tx, def registry.Definition, msg queue.Message, ev workflow.Event, res Result) (Result, error) {
	inst, err := workflow.NewInstance(def.Type, def.Table, def.RequiredEntityTypes, ev.Start.Entities, e.now().UTC())
	if err != nil {
		return res, err
	}
	if err := tx.CreateInstance(ctx, inst); err != nil {
		return res, fmt.Errorf("create workflow: %w", err)
	}
	res.WorkflowID = inst.ID
	return e.transition(ctx, tx, def, inst, fsm.StartEvent, ev.Start.ActingUserID, nil, msg, ev.Metadata, res)
}

func (e *Engine) process(ctx context.Context, tx repository.Tx, msg queue.Message, ev workflow.Event, res Result) (Result, error) {
	p := ev.Process
	inst, err := tx.GetInstanceForUpdate(ctx, p.WorkflowID)
	if errors.Is(err, repository.ErrNotFound) {
		return res, fmt.Errorf("%w: %s", workflow.ErrUnknownWorkflowInstance, p.WorkflowID)
	}
	if err != nil {
		return res, fmt.Errorf("load workflow: %w", err)
	}
	res.WorkflowType = inst.Type
	def, err := e.registry.Lookup(inst.Type)
	if err != nil {
		return res, err
	}
	if !def.Table.HasState(inst.CurrentState) {
		return res, fmt.Errorf("%w: %q is not a state of %s", workflow.ErrUnexpectedState, inst.CurrentState, inst.Type)
	}

	res, err = e.transition(ctx, tx, def, inst, p.Transition, p.ActingUserID, p.Payload, msg, ev.Metadata, res)
	if errors.Is(err, fsm.ErrInvalidTransition) {
		applied, aerr := tx.HasAudit(ctx, inst.ID, p.Transition, p.ActingUserID)
		if aerr != nil {
			return res, fmt.Errorf("lookup audit: %w", aerr)
		}
		if applied {
			res.Outcome = OutcomeAlreadyApplied
			res.From, res.To = inst.CurrentState, inst.CurrentState
			return res, nil
		}
	}
	return res, err
}

// transition applies ev and, when it commits, runs the post-transition hook
// that persists state, IsActive, the audit record and outbox messages.
func (e *Engine) transition(ctx context.Context, tx repository.Tx, def registry.Definition, inst *workflow.Instance, ev fsm.Event, actor uuid.UUID, payload map[string]any, msg queue.Message, metadata map[string]string, res Result) (Result, error) {
	now := e.now().UTC()
	fc := &fsm.Context{
		Now:          now,
		WorkflowID:   inst.ID.String(),
		WorkflowType: inst.Type,
		Actor:        actor.String(),
		Threshold:    def.ApprovalThreshold,
		Payload:      payload,
	}
	out, err := fsm.Apply(ctx, def.Table, inst.CurrentState, ev, approval.New(tx).Hooks(), fc)
	res.From, res.To = out.From, out.To
	if err != nil {
		return res, err
	}
	for _, m := range out.Messages {
		if err := e.insertOutbox(ctx, tx, inst, m); err != nil {
			return res, err
		}
	}
	if !out.Changed() {
		res.Outcome = OutcomeGuardNotSatisfied
		return res, nil
	}

	expected := inst.Version
	inst.Advance(def.Table, out.To, now)
	if err := tx.SaveState(ctx, inst, expected); err != nil {
		return res, fmt.Errorf("save state: %w", err)
	}
	if err := tx.AppendAudit(ctx, workflow.AuditRecord{
		ID:          uuid.New(),
		WorkflowID:  inst.ID,
		Event:       ev,
		ActorID:     actor,
		SourceState: out.From,
		TargetState: out.To,
		MessageID:   msg.ID,
		Payload:     auditPayload(payload, metadata),
		Timestamp:   now,
	}); err != nil {
		return res, fmt.Errorf("append audit: %w", err)
	}
	res.Outcome = OutcomeTransitioned
	return res, nil
}

func (e *Engine) insertOutbox(ctx context.Context, tx repository.Tx, inst *workflow.Instance, m fsm.OutboxMsg) error {
	body, err := json.Marshal(m.Payload)
	if err != nil {
		return fmt.Errorf("encode outbox %s: %w", m.Topic, err)
	}
	if err := tx.InsertOutbox(ctx, workflow.OutboxMessage{
		Aggregate:   "workflow",
		AggregateID: inst.ID.String(),
		Topic:       m.Topic,
		Payload:     body,
	}); err != nil {
		return fmt.Errorf("insert outbox: %w", err)
	}
	return nil
}

func auditPayload(payload map[string]any, metadata map[string]string) map[string]any {
	if len(payload) == 0 && len(metadata) == 0 {
		return nil
	}
	out := make(map[string]any, 2)
	if len(payload) > 0 {
		out["payload"] = payload
	}
	if len(metadata) > 0 {
		out["metadata"] = metadata
	}
	return out
}

// dedupeKey prefers a producer-supplied idempotency key, then the queue
// message id, then a hash of the body.
func dedupeKey(msg queue.Message, ev workflow.Event) string {
	if ev.Start != nil && ev.Start.IdempotencyKey != "" {
		return "start:" + ev.Start.IdempotencyKey
	}
	if msg.ID != "" {
		return "msg:" + msg.ID
	}
	return "body:" + uuid.NewSHA1(dedupeNamespace, msg.Body).String()
}

// Snapshot is a read view of one workflow for operators.
type Snapshot struct {
	Instance  *workflow.Instance        `json:"instance"`
	Audit     []workflow.AuditRecord    `json:"audit"`
	Approvals []workflow.ApprovalRecord `json:"approvals"`
}

func (e *Engine) Inspect(ctx context.Context, id uuid.UUID) (Snapshot, error) {
	var snap Snapshot
	err := e.store.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		inst, err := tx.GetInstanceForUpdate(ctx, id)
		if errors.Is(err, repository.ErrNotFound) {
			return fmt.Errorf("%w: %s", workflow.ErrUnknownWorkflowInstance, id)
		}
		if err != nil {
			return err
		}
		snap.Instance = inst
		if snap.Audit, err = tx.ListAudit(ctx, id); err != nil {
			return err
		}
		snap.Approvals, err = tx.ListApprovals(ctx, id)
		return err
	})
	return snap, err
}
