// Package queue abstracts the durable at-least-once queue the manager drains.
// A fetched message stays hidden from other consumers for the source's
// visibility window and is redelivered unless it is acknowledged in time.
package queue

import (
	"context"
	"errors"
)

var ErrSourceClosed = errors.New("event source closed")

// Message is one delivery. ID is stable across redeliveries of the same
// payload; ReceiveCount starts at 1.
type Message struct {
	ID           string
	Body         []byte
	ReceiveCount int

	handle any
}

// Source is the minimal queue contract.
type Source interface {
	Fetch(ctx context.Context, max int) ([]Message, error)
	Ack(ctx context.Context, m Message) error
}

// Rejecter is implemented by sources that can dead-letter a message so it
// is never redelivered.
type Rejecter interface {
	Reject(ctx context.Context, m Message, reason string) error
}

// Reject dead-letters m when src supports it and acknowledges it otherwise.
func Reject(ctx context.Context, src Source, m Message, reason string) error {
	if r, ok := src.(Rejecter); ok {
		return r.Reject(ctx, m, reason)
	}
	return src.Ack(ctx, m)
}

// Requeuer is implemented by sources that do not redeliver an
// unacknowledged message on their own. Requeue schedules another delivery of
// m with a higher ReceiveCount and releases the current one.
type Requeuer interface {
	Requeue(ctx context.Context, m Message) error
}

// Release hands a message that failed with a retryable error back to src.
// Sources with their own redelivery need nothing and return nil.
func Release(ctx context.Context, src Source, m Message) error {
	if r, ok := src.(Requeuer); ok {
		return r.Requeue(ctx, m)
	}
	return nil
}
