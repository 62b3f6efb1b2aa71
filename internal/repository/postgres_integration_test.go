//go:build integration

package repository

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/xscopehub/grantflow/internal/fsm"
	"github.com/xscopehub/grantflow/internal/workflow"
)

func TestPostgresStore(t *testing.T) {
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("grantflow"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2)),
	)
	if err != nil {
		t.Fatal(err)
	}
	defer func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Fatalf("failed to terminate container: %s", err)
		}
	}()

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatal(err)
	}
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		t.Fatal(err)
	}
	defer pool.Close()

	store := NewPostgresStoreFromPool(pool)
	require.NoError(t, store.Migrate(ctx))
	require.NoError(t, store.Migrate(ctx), "migrate must be repeatable")

	inst := newTestInstance()
	actor := uuid.New()

	t.Run("create and lock", func(t *testing.T) {
		require.NoError(t, store.InTx(ctx, func(ctx context.Context, tx Tx) error {
			return tx.CreateInstance(ctx, inst)
		}))
		require.NoError(t, store.InTx(ctx, func(ctx context.Context, tx Tx) error {
			got, err := tx.GetInstanceForUpdate(ctx, inst.ID)
			require.NoError(t, err)
			assert.Equal(t, inst.Type, got.Type)
			assert.Equal(t, inst.Entities, got.Entities)
			assert.True(t, got.IsActive)
			return nil
		}))
		err := store.InTx(ctx, func(ctx context.Context, tx Tx) error {
			_, err := tx.GetInstanceForUpdate(ctx, uuid.New())
			return err
		})
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("version check", func(t *testing.T) {
		err := store.InTx(ctx, func(ctx context.Context, tx Tx) error {
			cur, err := tx.GetInstanceForUpdate(ctx, inst.ID)
			if err != nil {
				return err
			}
			cur.CurrentState = "pending_approval"
			cur.Version++
			return tx.SaveState(ctx, cur, 42)
		})
		require.ErrorIs(t, err, ErrConcurrentUpdate)
	})

	t.Run("state and audit in one tx", func(t *testing.T) {
		require.NoError(t, store.InTx(ctx, func(ctx context.Context, tx Tx) error {
			cur, err := tx.GetInstanceForUpdate(ctx, inst.ID)
			if err != nil {
				return err
			}
			expected := cur.Version
			cur.CurrentState = "pending_approval"
			cur.UpdatedAt = time.Now().UTC()
			cur.Version++
			if err := tx.SaveState(ctx, cur, expected); err != nil {
				return err
			}
			if err := tx.AppendAudit(ctx, workflow.AuditRecord{
				ID: uuid.New(), WorkflowID: inst.ID, Event: fsm.StartEvent, ActorID: actor,
				SourceState: "draft", TargetState: "pending_approval", MessageID: "m-1",
				Payload: map[string]any{"source": "test"}, Timestamp: time.Now().UTC(),
			}); err != nil {
				return err
			}
			return tx.InsertOutbox(ctx, workflow.OutboxMessage{Aggregate: "workflow", AggregateID: inst.ID.String(), Topic: fsm.TransitionTopic, Payload: []byte(`{"to":"pending_approval"}`)})
		}))
		require.NoError(t, store.InTx(ctx, func(ctx context.Context, tx Tx) error {
			recs, err := tx.ListAudit(ctx, inst.ID)
			require.NoError(t, err)
			require.Len(t, recs, 1)
			assert.Equal(t, "test", recs[0].Payload["source"])
			ok, err := tx.HasAudit(ctx, inst.ID, fsm.StartEvent, actor)
			require.NoError(t, err)
			assert.True(t, ok)

			msgs, err := tx.ListUnpublishedOutbox(ctx, 10)
			require.NoError(t, err)
			require.Len(t, msgs, 1)
			return tx.MarkOutboxPublished(ctx, []int64{msgs[0].ID})
		}))
	})

	t.Run("approval upsert", func(t *testing.T) {
		for _, d := range []workflow.Decision{workflow.DecisionApproved, workflow.DecisionDeclined} {
			d := d
			require.NoError(t, store.InTx(ctx, func(ctx context.Context, tx Tx) error {
				return tx.UpsertApproval(ctx, workflow.ApprovalRecord{WorkflowID: inst.ID, ActorID: actor, Decision: d, Timestamp: time.Now().UTC()})
			}))
		}
		require.NoError(t, store.InTx(ctx, func(ctx context.Context, tx Tx) error {
			recs, err := tx.ListApprovals(ctx, inst.ID)
			require.NoError(t, err)
			require.Len(t, recs, 1)
			assert.Equal(t, workflow.DecisionDeclined, recs[0].Decision)
			return nil
		}))
	})

	t.Run("duplicate processed key", func(t *testing.T) {
		ev := workflow.ProcessedEvent{Key: "dedupe-1", WorkflowID: inst.ID, Outcome: "transitioned", ProcessedAt: time.Now().UTC()}
		require.NoError(t, store.InTx(ctx, func(ctx context.Context, tx Tx) error {
			return tx.MarkProcessed(ctx, ev)
		}))
		err := store.InTx(ctx, func(ctx context.Context, tx Tx) error {
			return tx.MarkProcessed(ctx, ev)
		})
		require.ErrorIs(t, err, ErrDuplicateKey)
	})
}
