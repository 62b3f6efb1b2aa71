package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

type JetStreamConfig struct {
	Stream     string
	Subject    string
	Durable    string
	Visibility time.Duration
	FetchWait  time.Duration
	MaxDeliver int
}

// JetStreamSource pulls from a durable JetStream consumer. AckWait is the
// visibility window; rejected messages are terminated.
type JetStreamSource struct {
	js        jetstream.JetStream
	consumer  jetstream.Consumer
	subject   string
	fetchWait time.Duration
}

func NewJetStreamSource(ctx context.Context, nc *nats.Conn, cfg JetStreamConfig) (*JetStreamSource, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("jetstream: %w", err)
	}
	if _, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     cfg.Stream,
		Subjects: []string{cfg.Subject},
	}); err != nil {
		return nil, fmt.Errorf("ensure stream %s: %w", cfg.Stream, err)
	}
	cons, err := js.CreateOrUpdateConsumer(ctx, cfg.Stream, jetstream.ConsumerConfig{
		Durable:       cfg.Durable,
		FilterSubject: cfg.Subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       cfg.Visibility,
		MaxDeliver:    cfg.MaxDeliver,
	})
	if err != nil {
		return nil, fmt.Errorf("ensure consumer %s: %w", cfg.Durable, err)
	}
	return newJetStreamSource(js, cons, cfg), nil
}

func newJetStreamSource(js jetstream.JetStream, cons jetstream.Consumer, cfg JetStreamConfig) *JetStreamSource {
	wait := cfg.FetchWait
	if wait <= 0 {
		wait = time.Second
	}
	return &JetStreamSource{js: js, consumer: cons, subject: cfg.Subject, fetchWait: wait}
}

func (s *JetStreamSource) Fetch(ctx context.Context, max int) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	batch, err := s.consumer.Fetch(max, jetstream.FetchMaxWait(s.fetchWait))
	if err != nil {
		return nil, fmt.Errorf("jetstream fetch: %w", err)
	}
	var out []Message
	for msg := range batch.Messages() {
		out = append(out, jetStreamMessage(msg))
	}
	if err := batch.Error(); err != nil && !errors.Is(err, nats.ErrTimeout) && !errors.Is(err, jetstream.ErrNoMessages) {
		return out, fmt.Errorf("jetstream fetch: %w", err)
	}
	return out, nil
}

func jetStreamMessage(msg jetstream.Msg) Message {
	m := Message{Body: msg.Data(), ReceiveCount: 1, handle: msg}
	if md, err := msg.Metadata(); err == nil {
		m.ID = fmt.Sprintf("%s:%d", md.Stream, md.Sequence.Stream)
		m.ReceiveCount = int(md.NumDelivered)
	}
	if id := msg.Headers().Get(nats.MsgIdHdr); id != "" {
		m.ID = id
	}
	return m
}

func (s *JetStreamSource) Ack(_ context.Context, m Message) error {
	msg, ok := m.handle.(jetstream.Msg)
	if !ok {
		return fmt.Errorf("ack %s: foreign message", m.ID)
	}
	return msg.Ack()
}

func (s *JetStreamSource) Reject(_ context.Context, m Message, reason string) error {
	msg, ok := m.handle.(jetstream.Msg)
	if !ok {
		return fmt.Errorf("reject %s: foreign message", m.ID)
	}
	return msg.TermWithReason(reason)
}

// Publish enqueues body with id as the JetStream dedupe id.
func (s *JetStreamSource) Publish(ctx context.Context, id string, body []byte) error {
	_, err := s.js.Publish(ctx, s.subject, body, jetstream.WithMsgID(id))
	return err
}
