package repository

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sqlc-dev/pqtype"

	"github.com/xscopehub/grantflow/internal/fsm"
	"github.com/xscopehub/grantflow/internal/workflow"
)

//go:embed schema.sql
var schemaSQL string

// PostgresConfig mirrors the database section of the service config.
type PostgresConfig struct {
	DSN             string
	MaxConnections  int32
	MaxConnIdleTime time.Duration
	ConnectTimeout  time.Duration
}

type PostgresStore struct {
	pool    *pgxpool.Pool
	queries *queries
}

// NewPostgresStore connects and pings the database.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("database dsn required")
	}
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse database dsn: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolConfig.MaxConns = cfg.MaxConnections
	}
	if cfg.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return NewPostgresStoreFromPool(pool), nil
}

func NewPostgresStoreFromPool(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, queries: &queries{db: pool}}
}

// Migrate creates the engine tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *PostgresStore) Pool() *pgxpool.Pool { return s.pool }

func (s *PostgresStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *PostgresStore) Close() { s.pool.Close() }

func (s *PostgresStore) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(ctx, s.queries.withTx(tx)); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", mapPgError(err))
	}
	return nil
}

type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type queries struct {
	db dbtx
}

func (q *queries) withTx(tx pgx.Tx) *queries { return &queries{db: tx} }

func mapPgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return fmt.Errorf("%w: %s", ErrDuplicateKey, pgErr.ConstraintName)
		case "40001", "40P01":
			return fmt.Errorf("%w: %s", ErrConcurrentUpdate, pgErr.Message)
		}
	}
	return err
}

func (q *queries) LookupProcessed(ctx context.Context, key string) (workflow.ProcessedEvent, bool, error) {
	var (
		ev   workflow.ProcessedEvent
		wfID *uuid.UUID
	)
	err := q.db.QueryRow(ctx,
		`SELECT dedupe_key, workflow_id, outcome, processed_at FROM workflow_processed_event WHERE dedupe_key = $1`,
		key).Scan(&ev.Key, &wfID, &ev.Outcome, &ev.ProcessedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return workflow.ProcessedEvent{}, false, nil
	}
	if err != nil {
		return workflow.ProcessedEvent{}, false, err
	}
	if wfID != nil {
		ev.WorkflowID = *wfID
	}
	return ev, true, nil
}

func (q *queries) MarkProcessed(ctx context.Context, ev workflow.ProcessedEvent) error {
	var wfID *uuid.UUID
	if ev.WorkflowID != uuid.Nil {
		wfID = &ev.WorkflowID
	}
	_, err := q.db.Exec(ctx,
		`INSERT INTO workflow_processed_event (dedupe_key, workflow_id, outcome, processed_at) VALUES ($1, $2, $3, $4)`,
		ev.Key, wfID, ev.Outcome, ev.ProcessedAt)
	return mapPgError(err)
}

func (q *queries) CreateInstance(ctx context.Context, inst *workflow.Instance) error {
	_, err := q.db.Exec(ctx,
		`INSERT INTO workflow (workflow_id, workflow_type, current_workflow_state, is_active, version, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		inst.ID, inst.Type, string(inst.CurrentState), inst.IsActive, inst.Version, inst.CreatedAt, inst.UpdatedAt)
	if err != nil {
		return mapPgError(err)
	}
	for i, ref := range inst.Entities {
		if _, err := q.db.Exec(ctx,
			`INSERT INTO workflow_entity (workflow_id, position, entity_type, entity_id) VALUES ($1, $2, $3, $4)`,
			inst.ID, i, string(ref.Type), ref.ID); err != nil {
			return mapPgError(err)
		}
	}
	return nil
}

func (q *queries) GetInstanceForUpdate(ctx context.Context, id uuid.UUID) (*workflow.Instance, error) {
	inst := &workflow.Instance{}
	var state string
	err := q.db.QueryRow(ctx,
		`SELECT workflow_id, workflow_type, current_workflow_state, is_active, version, created_at, updated_at
		 FROM workflow WHERE workflow_id = $1 FOR UPDATE`, id).
		Scan(&inst.ID, &inst.Type, &state, &inst.IsActive, &inst.Version, &inst.CreatedAt, &inst.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, mapPgError(err)
	}
	inst.CurrentState = fsm.State(state)

	rows, err := q.db.Query(ctx,
		`SELECT entity_type, entity_id FROM workflow_entity WHERE workflow_id = $1 ORDER BY position`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			typ string
			ref workflow.EntityRef
		)
		if err := rows.Scan(&typ, &ref.ID); err != nil {
			return nil, err
		}
		ref.Type = workflow.EntityType(typ)
		inst.Entities = append(inst.Entities, ref)
	}
	return inst, rows.Err()
}

func (q *queries) SaveState(ctx context.Context, inst *workflow.Instance, expectedVersion int64) error {
	tag, err := q.db.Exec(ctx,
		`UPDATE workflow SET current_workflow_state = $2, is_active = $3, updated_at = $4, version = $5
		 WHERE workflow_id = $1 AND version = $6`,
		inst.ID, string(inst.CurrentState), inst.IsActive, inst.UpdatedAt, inst.Version, expectedVersion)
	if err != nil {
		return mapPgError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConcurrentUpdate
	}
	return nil
}

func jsonColumn(v any) (pqtype.NullRawMessage, error) {
	if v == nil {
		return pqtype.NullRawMessage{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return pqtype.NullRawMessage{}, err
	}
	return pqtype.NullRawMessage{RawMessage: b, Valid: true}, nil
}

func (q *queries) AppendAudit(ctx context.Context, rec workflow.AuditRecord) error {
	var payload pqtype.NullRawMessage
	if len(rec.Payload) > 0 {
		var err error
		if payload, err = jsonColumn(rec.Payload); err != nil {
			return fmt.Errorf("encode audit payload: %w", err)
		}
	}
	_, err := q.db.Exec(ctx,
		`INSERT INTO workflow_audit (audit_id, workflow_id, transition_event, acting_user_id, source_state, target_state, message_id, payload, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		rec.ID, rec.WorkflowID, string(rec.Event), rec.ActorID, string(rec.SourceState), string(rec.TargetState),
		rec.MessageID, payload, rec.Timestamp)
	return mapPgError(err)
}

func (q *queries) HasAudit(ctx context.Context, workflowID uuid.UUID, ev fsm.Event, actor uuid.UUID) (bool, error) {
	var exists bool
	err := q.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM workflow_audit WHERE workflow_id = $1 AND transition_event = $2 AND acting_user_id = $3)`,
		workflowID, string(ev), actor).Scan(&exists)
	return exists, err
}

func (q *queries) ListAudit(ctx context.Context, workflowID uuid.UUID) ([]workflow.AuditRecord, error) {
	rows, err := q.db.Query(ctx,
		`SELECT audit_id, workflow_id, transition_event, acting_user_id, source_state, target_state, coalesce(message_id, ''), payload, created_at
		 FROM workflow_audit WHERE workflow_id = $1 ORDER BY seq`, workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []workflow.AuditRecord
	for rows.Next() {
		var (
			rec          workflow.AuditRecord
			ev, src, dst string
			payload      []byte
		)
		if err := rows.Scan(&rec.ID, &rec.WorkflowID, &ev, &rec.ActorID, &src, &dst, &rec.MessageID, &payload, &rec.Timestamp); err != nil {
			return nil, err
		}
		rec.Event, rec.SourceState, rec.TargetState = fsm.Event(ev), fsm.State(src), fsm.State(dst)
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &rec.Payload); err != nil {
				return nil, fmt.Errorf("decode audit payload: %w", err)
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (q *queries) UpsertApproval(ctx context.Context, rec workflow.ApprovalRecord) error {
	_, err := q.db.Exec(ctx,
		`INSERT INTO workflow_approval (workflow_id, acting_user_id, decision, comment, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (workflow_id, acting_user_id)
		 DO UPDATE SET decision = EXCLUDED.decision, comment = EXCLUDED.comment, created_at = EXCLUDED.created_at`,
		rec.WorkflowID, rec.ActorID, string(rec.Decision), rec.Comment, rec.Timestamp)
	return mapPgError(err)
}

func (q *queries) ListApprovals(ctx context.Context, workflowID uuid.UUID) ([]workflow.ApprovalRecord, error) {
	rows, err := q.db.Query(ctx,
		`SELECT workflow_id, acting_user_id, decision, comment, created_at
		 FROM workflow_approval WHERE workflow_id = $1 ORDER BY created_at`, workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []workflow.ApprovalRecord
	for rows.Next() {
		var (
			rec      workflow.ApprovalRecord
			decision string
		)
		if err := rows.Scan(&rec.WorkflowID, &rec.ActorID, &decision, &rec.Comment, &rec.Timestamp); err != nil {
			return nil, err
		}
		rec.Decision = workflow.Decision(decision)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (q *queries) InsertOutbox(ctx context.Context, msg workflow.OutboxMessage) error {
	payload := pqtype.NullRawMessage{RawMessage: msg.Payload, Valid: len(msg.Payload) > 0}
	_, err := q.db.Exec(ctx,
		`INSERT INTO workflow_outbox (aggregate, aggregate_id, topic, payload) VALUES ($1, $2, $3, $4)`,
		msg.Aggregate, msg.AggregateID, msg.Topic, payload)
	return mapPgError(err)
}

func (q *queries) ListUnpublishedOutbox(ctx context.Context, limit int) ([]workflow.OutboxMessage, error) {
	rows, err := q.db.Query(ctx,
		`SELECT id, coalesce(aggregate, ''), coalesce(aggregate_id, ''), topic, payload, created_at
		 FROM workflow_outbox WHERE published_at IS NULL ORDER BY id LIMIT $1 FOR UPDATE SKIP LOCKED`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []workflow.OutboxMessage
	for rows.Next() {
		var m workflow.OutboxMessage
		if err := rows.Scan(&m.ID, &m.Aggregate, &m.AggregateID, &m.Topic, &m.Payload, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (q *queries) MarkOutboxPublished(ctx context.Context, ids []int64) error {
	_, err := q.db.Exec(ctx, `UPDATE workflow_outbox SET published_at = now() WHERE id = ANY($1)`, ids)
	return err
}
