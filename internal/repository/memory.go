package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/xscopehub/grantflow/internal/fsm"
	"github.com/xscopehub/grantflow/internal/workflow"
)

type memData struct {
	instances map[uuid.UUID]*workflow.Instance
	audit     map[uuid.UUID][]workflow.AuditRecord
	approvals map[uuid.UUID]map[uuid.UUID]workflow.ApprovalRecord
	processed map[string]workflow.ProcessedEvent
	outbox    []workflow.OutboxMessage
	published map[int64]bool
	outboxSeq int64
}

func newMemData() *memData {
	return &memData{
		instances: map[uuid.UUID]*workflow.Instance{},
		audit:     map[uuid.UUID][]workflow.AuditRecord{},
		approvals: map[uuid.UUID]map[uuid.UUID]workflow.ApprovalRecord{},
		processed: map[string]workflow.ProcessedEvent{},
		published: map[int64]bool{},
	}
}

func (d *memData) clone() *memData {
	cp := newMemData()
	for id, inst := range d.instances {
		cp.instances[id] = inst.Clone()
	}
	for id, recs := range d.audit {
		cp.audit[id] = append([]workflow.AuditRecord(nil), recs...)
	}
	for id, byActor := range d.approvals {
		m := make(map[uuid.UUID]workflow.ApprovalRecord, len(byActor))
		for a, r := range byActor {
			m[a] = r
		}
		cp.approvals[id] = m
	}
	for k, v := range d.processed {
		cp.processed[k] = v
	}
	cp.outbox = append([]workflow.OutboxMessage(nil), d.outbox...)
	for k, v := range d.published {
		cp.published[k] = v
	}
	cp.outboxSeq = d.outboxSeq
	return cp
}

// MemoryStore is an in-process Store. Transactions are serialized and work on
// a private copy that replaces the committed data only on success.
type MemoryStore struct {
	mu         sync.Mutex
	data       *memData
	failCommit []error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: newMemData()}
}

// FailNextCommits makes the next len(errs) transactions roll back with the
// given errors after fn has run.
func (s *MemoryStore) FailNextCommits(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failCommit = append(s.failCommit, errs...)
}

func (s *MemoryStore) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx := &memTx{data: s.data.clone()}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if len(s.failCommit) > 0 {
		err := s.failCommit[0]
		s.failCommit = s.failCommit[1:]
		return fmt.Errorf("commit: %w", err)
	}
	s.data = tx.data
	return nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }
func (s *MemoryStore) Close()                     {}

// Instances returns a snapshot of all committed instances.
func (s *MemoryStore) Instances() []*workflow.Instance {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*workflow.Instance, 0, len(s.data.instances))
	for _, inst := range s.data.instances {
		out = append(out, inst.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

type memTx struct {
	data *memData
}

func (t *memTx) LookupProcessed(_ context.Context, key string) (workflow.ProcessedEvent, bool, error) {
	ev, ok := t.data.processed[key]
	return ev, ok, nil
}

func (t *memTx) MarkProcessed(_ context.Context, ev workflow.ProcessedEvent) error {
	if _, ok := t.data.processed[ev.Key]; ok {
		return fmt.Errorf("%w: processed event %q", ErrDuplicateKey, ev.Key)
	}
	t.data.processed[ev.Key] = ev
	return nil
}

func (t *memTx) CreateInstance(_ context.Context, inst *workflow.Instance) error {
	if _, ok := t.data.instances[inst.ID]; ok {
		return fmt.Errorf("%w: workflow %s", ErrDuplicateKey, inst.ID)
	}
	t.data.instances[inst.ID] = inst.Clone()
	return nil
}

func (t *memTx) GetInstanceForUpdate(_ context.Context, id uuid.UUID) (*workflow.Instance, error) {
	inst, ok := t.data.instances[id]
	if !ok {
		return nil, ErrNotFound
	}
	return inst.Clone(), nil
}

func (t *memTx) SaveState(_ context.Context, inst *workflow.Instance, expectedVersion int64) error {
	cur, ok := t.data.instances[inst.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != expectedVersion {
		return ErrConcurrentUpdate
	}
	cur.CurrentState = inst.CurrentState
	cur.IsActive = inst.IsActive
	cur.UpdatedAt = inst.UpdatedAt
	cur.Version = inst.Version
	return nil
}

func (t *memTx) AppendAudit(_ context.Context, rec workflow.AuditRecord) error {
	if _, ok := t.data.instances[rec.WorkflowID]; !ok {
		return ErrNotFound
	}
	t.data.audit[rec.WorkflowID] = append(t.data.audit[rec.WorkflowID], rec)
	return nil
}

func (t *memTx) HasAudit(_ context.Context, workflowID uuid.UUID, ev fsm.Event, actor uuid.UUID) (bool, error) {
	for _, rec := range t.data.audit[workflowID] {
		if rec.Event == ev && rec.ActorID == actor {
			return true, nil
		}
	}
	return false, nil
}

func (t *memTx) ListAudit(_ context.Context, workflowID uuid.UUID) ([]workflow.AuditRecord, error) {
	return append([]workflow.AuditRecord(nil), t.data.audit[workflowID]...), nil
}

func (t *memTx) UpsertApproval(_ context.Context, rec workflow.ApprovalRecord) error {
	if t.data.approvals[rec.WorkflowID] == nil {
		t.data.approvals[rec.WorkflowID] = map[uuid.UUID]workflow.ApprovalRecord{}
	}
	t.data.approvals[rec.WorkflowID][rec.ActorID] = rec
	return nil
}

func (t *memTx) ListApprovals(_ context.Context, workflowID uuid.UUID) ([]workflow.ApprovalRecord, error) {
	out := make([]workflow.ApprovalRecord, 0, len(t.data.approvals[workflowID]))
	for _, r := range t.data.approvals[workflowID] {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (t *memTx) InsertOutbox(_ context.Context, msg workflow.OutboxMessage) error {
	t.data.outboxSeq++
	msg.ID = t.data.outboxSeq
	t.data.outbox = append(t.data.outbox, msg)
	return nil
}

func (t *memTx) ListUnpublishedOutbox(_ context.Context, limit int) ([]workflow.OutboxMessage, error) {
	var out []workflow.OutboxMessage
	for _, m := range t.data.outbox {
		if t.data.published[m.ID] {
			continue
		}
		out = append(out, m)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (t *memTx) MarkOutboxPublished(_ context.Context, ids []int64) error {
	for _, id := range ids {
		t.data.published[id] = true
	}
	return nil
}
