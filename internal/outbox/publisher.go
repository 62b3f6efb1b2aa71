// Package outbox relays committed outbox rows to NATS.
package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/xscopehub/grantflow/internal/repository"
)

// Conn is the slice of *nats.Conn the publisher needs.
type Conn interface {
	Publish(subj string, data []byte) error
	Flush() error
}

var _ Conn = (*nats.Conn)(nil)

type Publisher struct {
	store     repository.Store
	nc        Conn
	interval  time.Duration
	batchSize int
	logger    *slog.Logger
}

func NewPublisher(store repository.Store, nc Conn, interval time.Duration, batchSize int, logger *slog.Logger) *Publisher {
	if interval <= 0 {
		interval = time.Second
	}
	if batchSize <= 0 {
		batchSize = 10
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{store: store, nc: nc, interval: interval, batchSize: batchSize, logger: logger}
}

func (p *Publisher) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.Flush(ctx); err != nil {
				p.logger.ErrorContext(ctx, "outbox flush failed", "error", err)
			}
		}
	}
}

// Flush publishes one batch of unpublished rows and marks them published in
// the same transaction. A publish failure rolls the batch back so it is
// retried on the next tick; subscribers must tolerate duplicates.
func (p *Publisher) Flush(ctx context.Context) (int, error) {
	var sent int
	err := p.store.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		rows, err := tx.ListUnpublishedOutbox(ctx, p.batchSize)
		if err != nil {
			return fmt.Errorf("list outbox: %w", err)
		}
		if len(rows) == 0 {
			return nil
		}
		ids := make([]int64, 0, len(rows))
		for _, r := range rows {
			if err := p.nc.Publish(r.Topic, r.Payload); err != nil {
				return fmt.Errorf("publish %s: %w", r.Topic, err)
			}
			ids = append(ids, r.ID)
		}
		if err := tx.MarkOutboxPublished(ctx, ids); err != nil {
			return fmt.Errorf("mark published: %w", err)
		}
		sent = len(ids)
		return nil
	})
	if err != nil {
		return 0, err
	}
	if sent > 0 {
		if err := p.nc.Flush(); err != nil {
			return sent, fmt.Errorf("flush nats: %w", err)
		}
	}
	return sent, nil
}
