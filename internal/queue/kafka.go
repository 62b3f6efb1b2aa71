package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

const (
	// MessageIDHeader carries the producer-assigned message id on Kafka
	// records.
	MessageIDHeader = "message-id"
	// DeliveryAttemptHeader counts deliveries that happened before a record
	// was requeued.
	DeliveryAttemptHeader = "delivery-attempt"
)

type KafkaConfig struct {
	Brokers     []string
	Topic       string
	GroupID     string
	DeadLetter  string
	FetchWait   time.Duration
	MaxAttempts int
}

type kafkaReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type partitionKey struct {
	topic     string
	partition int
}

// partitionOffsets tracks records of one partition that were fetched but
// not yet resolved, and resolved records waiting for every lower offset.
type partitionOffsets struct {
	open map[int64]struct{}
	done map[int64]kafka.Message
}

// KafkaSource consumes a topic through a consumer group. A consumer group
// keeps one committed offset per partition, so a record is committed only
// once every lower fetched offset of its partition is resolved. A record
// that must be retried is written back to the topic with its attempt count
// and then resolved.
type KafkaSource struct {
	reader    kafkaReader
	retry     kafkaWriter
	dlq       kafkaWriter
	fetchWait time.Duration

	mu      sync.Mutex
	offsets map[partitionKey]*partitionOffsets
}

func NewKafkaSource(cfg KafkaConfig) *KafkaSource {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		Topic:       cfg.Topic,
		GroupID:     cfg.GroupID,
		MaxAttempts: cfg.MaxAttempts,
	})
	retry := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		MaxAttempts:  cfg.MaxAttempts,
	}
	var dlq kafkaWriter
	if cfg.DeadLetter != "" {
		dlq = &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        cfg.DeadLetter,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			MaxAttempts:  cfg.MaxAttempts,
		}
	}
	return newKafkaSource(reader, retry, dlq, cfg.FetchWait)
}

func newKafkaSource(r kafkaReader, retry, dlq kafkaWriter, wait time.Duration) *KafkaSource {
	if wait <= 0 {
		wait = time.Second
	}
	return &KafkaSource{
		reader:    r,
		retry:     retry,
		dlq:       dlq,
		fetchWait: wait,
		offsets:   map[partitionKey]*partitionOffsets{},
	}
}

// Fetch collects up to max records or whatever arrived within the fetch
// wait, whichever comes first.
func (s *KafkaSource) Fetch(ctx context.Context, max int) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	fetchCtx, cancel := context.WithTimeout(ctx, s.fetchWait)
	defer cancel()

	var out []Message
	for max <= 0 || len(out) < max {
		rec, err := s.reader.FetchMessage(fetchCtx)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				break
			}
			return out, fmt.Errorf("kafka fetch: %w", err)
		}
		s.track(rec)
		out = append(out, kafkaMessage(rec))
	}
	return out, nil
}

func kafkaMessage(rec kafka.Message) Message {
	m := Message{
		ID:           fmt.Sprintf("%s/%d/%d", rec.Topic, rec.Partition, rec.Offset),
		Body:         rec.Value,
		ReceiveCount: 1,
		handle:       rec,
	}
	for _, h := range rec.Headers {
		switch h.Key {
		case MessageIDHeader:
			if len(h.Value) > 0 {
				m.ID = string(h.Value)
			}
		case DeliveryAttemptHeader:
			if n, err := strconv.Atoi(string(h.Value)); err == nil && n > 0 {
				m.ReceiveCount = n + 1
			}
		}
	}
	return m
}

func (s *KafkaSource) track(rec kafka.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := partitionKey{rec.Topic, rec.Partition}
	p, ok := s.offsets[key]
	if !ok {
		p = &partitionOffsets{open: map[int64]struct{}{}, done: map[int64]kafka.Message{}}
		s.offsets[key] = p
	}
	p.open[rec.Offset] = struct{}{}
}

// resolve marks rec handled and commits the highest resolved record below
// the lowest offset still open in its partition.
func (s *KafkaSource) resolve(ctx context.Context, rec kafka.Message) error {
	s.mu.Lock()
	p, ok := s.offsets[partitionKey{rec.Topic, rec.Partition}]
	if !ok {
		s.mu.Unlock()
		return s.reader.CommitMessages(ctx, rec)
	}
	delete(p.open, rec.Offset)
	p.done[rec.Offset] = rec

	lowestOpen := int64(-1)
	for off := range p.open {
		if lowestOpen < 0 || off < lowestOpen {
			lowestOpen = off
		}
	}
	var (
		commit kafka.Message
		found  bool
	)
	for off, m := range p.done {
		if lowestOpen >= 0 && off > lowestOpen {
			continue
		}
		if !found || off > commit.Offset {
			commit, found = m, true
		}
		delete(p.done, off)
	}
	s.mu.Unlock()

	if !found {
		return nil
	}
	return s.reader.CommitMessages(ctx, commit)
}

func (s *KafkaSource) Ack(ctx context.Context, m Message) error {
	rec, ok := m.handle.(kafka.Message)
	if !ok {
		return fmt.Errorf("ack %s: foreign message", m.ID)
	}
	return s.resolve(ctx, rec)
}

// Requeue writes the record back to its topic with the delivery count so
// far, then resolves the original. The message id is preserved so the
// engine's dedupe key does not change.
func (s *KafkaSource) Requeue(ctx context.Context, m Message) error {
	rec, ok := m.handle.(kafka.Message)
	if !ok {
		return fmt.Errorf("requeue %s: foreign message", m.ID)
	}
	again := kafka.Message{
		Key:   rec.Key,
		Value: rec.Value,
		Headers: withHeaders(rec.Headers,
			kafka.Header{Key: MessageIDHeader, Value: []byte(m.ID)},
			kafka.Header{Key: DeliveryAttemptHeader, Value: []byte(strconv.Itoa(m.ReceiveCount))},
		),
	}
	if err := s.retry.WriteMessages(ctx, again); err != nil {
		return fmt.Errorf("requeue %s: %w", m.ID, err)
	}
	return s.resolve(ctx, rec)
}

// Reject copies the record to the dead-letter topic, when one is configured,
// and resolves it.
func (s *KafkaSource) Reject(ctx context.Context, m Message, reason string) error {
	rec, ok := m.handle.(kafka.Message)
	if !ok {
		return fmt.Errorf("reject %s: foreign message", m.ID)
	}
	if s.dlq != nil {
		dead := kafka.Message{
			Key:   rec.Key,
			Value: rec.Value,
			Headers: withHeaders(rec.Headers,
				kafka.Header{Key: "reject-reason", Value: []byte(reason)},
				kafka.Header{Key: MessageIDHeader, Value: []byte(m.ID)},
			),
		}
		if err := s.dlq.WriteMessages(ctx, dead); err != nil {
			return fmt.Errorf("dead-letter %s: %w", m.ID, err)
		}
	}
	return s.resolve(ctx, rec)
}

// withHeaders returns headers with each of set replacing any header of the
// same key.
func withHeaders(headers []kafka.Header, set ...kafka.Header) []kafka.Header {
	out := make([]kafka.Header, 0, len(headers)+len(set))
	for _, h := range headers {
		replaced := false
		for _, s := range set {
			if s.Key == h.Key {
				replaced = true
				break
			}
		}
		if !replaced {
			out = append(out, h)
		}
	}
	return append(out, set...)
}

func (s *KafkaSource) Close() error {
	var errs []error
	for _, c := range []interface{ Close() error }{s.reader, s.retry, s.dlq} {
		if c == nil {
			continue
		}
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
