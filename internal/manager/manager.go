// Package manager runs the polling loop that drains the event queue in
// fixed-length cycles and hands every message to the engine.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/xscopehub/grantflow/internal/engine"
	"github.com/xscopehub/grantflow/internal/queue"
)

type Phase string

const (
	PhaseIdle            Phase = "idle"
	PhaseFetchingBatch   Phase = "fetching_batch"
	PhaseProcessingBatch Phase = "processing_batch"
	PhaseCycleComplete   Phase = "cycle_complete"
	PhaseStopped         Phase = "stopped"
)

var allPhases = []Phase{PhaseIdle, PhaseFetchingBatch, PhaseProcessingBatch, PhaseCycleComplete, PhaseStopped}

var ErrAlreadyRunning = errors.New("manager already running")

// Config is the loop configuration. MaximumBatchCount 0 runs until stopped.
type Config struct {
	CycleDuration     time.Duration
	MaximumBatchCount int
	BatchSize         int
	// MaxDeliveries dead-letters a message that keeps failing with retryable
	// errors once it has been received this many times. 0 disables it.
	MaxDeliveries int
	// DispatchRate bounds events handed to the engine per second. 0 is
	// unlimited.
	DispatchRate  float64
	DispatchBurst int
}

// Handler is the per-message dispatch the loop drives.
type Handler interface {
	Handle(ctx context.Context, msg queue.Message) (engine.Result, error)
}

// Stats are process-lifetime counters.
type Stats struct {
	BatchesProcessed int64 `json:"batches_processed"`
	EventsProcessed  int64 `json:"events_processed"`
	EventsFailed     int64 `json:"events_failed"`
	EventsRetried    int64 `json:"events_retried"`
	Phase            Phase `json:"phase"`
}

type Manager struct {
	cfg     Config
	source  queue.Source
	handler Handler
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *metrics
	limiter *rate.Limiter
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration, stop <-chan struct{})

	mu      sync.Mutex
	stats   Stats
	running bool

	stopOnce sync.Once
	stop     chan struct{}
}

type Option func(*Manager)

func WithLogger(l *slog.Logger) Option { return func(m *Manager) { m.logger = l } }

// WithRegisterer exports loop metrics to reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(m *Manager) {
		mt, err := newMetrics(reg)
		if err != nil {
			m.logger.Warn("metrics registration failed", "error", err)
			return
		}
		m.metrics = mt
	}
}

func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

func New(cfg Config, source queue.Source, handler Handler, opts ...Option) *Manager {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.CycleDuration < 0 {
		cfg.CycleDuration = 0
	}
	m := &Manager{
		cfg:     cfg,
		source:  source,
		handler: handler,
		logger:  slog.Default(),
		tracer:  otel.Tracer("github.com/xscopehub/grantflow/internal/manager"),
		now:     time.Now,
		sleep:   sleepUntil,
		stop:    make(chan struct{}),
		stats:   Stats{Phase: PhaseIdle},
	}
	m.metrics, _ = newMetrics(nil)
	for _, opt := range opts {
		opt(m)
	}
	limit := rate.Inf
	if cfg.DispatchRate > 0 {
		limit = rate.Limit(cfg.DispatchRate)
	}
	burst := cfg.DispatchBurst
	if burst <= 0 {
		burst = cfg.BatchSize
	}
	m.limiter = rate.NewLimiter(limit, burst)
	return m
}

// Stop asks the loop to exit once the current batch is finished. It does
// not interrupt a batch in progress.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		m.logger.Info("stop requested, finishing current batch before exiting")
		close(m.stop)
	})
}

func (m *Manager) stopped() bool {
	select {
	case <-m.stop:
		return true
	default:
		return false
	}
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

func (m *Manager) setPhase(p Phase) {
	m.mu.Lock()
	m.stats.Phase = p
	m.mu.Unlock()
	m.metrics.setPhase(p)
}

// Run drives cycles until the batch limit is reached, Stop is called or ctx
// is cancelled. A queue fetch failure ends the run with that error.
// Cancelling ctx abandons the rest of the current batch; the message being
// handled still commits or rolls back.
func (m *Manager) Run(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return ErrAlreadyRunning
	}
	m.running = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
		m.setPhase(PhaseStopped)
	}()

	m.setPhase(PhaseIdle)
	m.logger.InfoContext(ctx, "processing workflow events",
		"cycle_duration", m.cfg.CycleDuration, "maximum_batch_count", m.cfg.MaximumBatchCount, "batch_size", m.cfg.BatchSize)

	var cycles int
	for {
		if m.stopped() || ctx.Err() != nil {
			m.logger.InfoContext(ctx, "exiting manager loop")
			return nil
		}
		start := m.now()
		if err := m.cycle(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		cycles++
		elapsed := m.now().Sub(start)
		m.metrics.batchDuration.Observe(elapsed.Seconds())
		m.logger.InfoContext(ctx, "finished running workflow batch", "batch_duration_sec", elapsed.Seconds())

		if m.stopped() {
			m.logger.InfoContext(ctx, "exiting after stop request")
			return nil
		}
		if m.cfg.MaximumBatchCount > 0 && cycles >= m.cfg.MaximumBatchCount {
			m.logger.InfoContext(ctx, "exiting after batch limit reached", "batches", cycles)
			return nil
		}
		if wait := m.cfg.CycleDuration - elapsed; wait > 0 {
			m.logger.DebugContext(ctx, "sleeping after processing events", "time_to_sleep", wait.Seconds())
			m.sleep(ctx, wait, m.stop)
		}
	}
}

func (m *Manager) cycle(ctx context.Context) error {
	ctx, span := m.tracer.Start(ctx, "manager.cycle")
	defer span.End()

	m.setPhase(PhaseFetchingBatch)
	msgs, err := m.source.Fetch(ctx, m.cfg.BatchSize)
	if err != nil {
		span.RecordError(err)
		m.logger.ErrorContext(ctx, "fetch batch failed", "error", err)
		return fmt.Errorf("fetch batch: %w", err)
	}
	span.SetAttributes(attribute.Int("batch.size", len(msgs)))

	m.setPhase(PhaseProcessingBatch)
	drained := 0
	for _, msg := range msgs {
		if err := m.limiter.Wait(ctx); err != nil {
			break
		}
		m.dispatch(ctx, msg)
		drained++
	}

	m.setPhase(PhaseCycleComplete)
	m.mu.Lock()
	m.stats.BatchesProcessed++
	m.stats.EventsProcessed += int64(drained)
	m.mu.Unlock()
	m.metrics.batches.Inc()
	return nil
}

// dispatch handles one message in isolation; nothing it does can fail the
// batch.
func (m *Manager) dispatch(ctx context.Context, msg queue.Message) {
	res, err := m.handle(ctx, msg)
	log := m.logger.With(
		"message_id", msg.ID,
		"event_kind", res.Kind,
		"workflow_id", res.WorkflowID,
		"workflow_type", res.WorkflowType,
	)

	// acknowledgement must not be skipped because the caller gave up
	ackCtx := context.WithoutCancel(ctx)
	switch {
	case err == nil:
		log.InfoContext(ctx, "processed event", "outcome", res.Outcome, "from", res.From, "to", res.To)
		m.record("ok")
		if aerr := m.source.Ack(ackCtx, msg); aerr != nil {
			log.ErrorContext(ctx, "ack failed", "error", aerr)
		}
	case engine.IsRetryable(err) && (m.cfg.MaxDeliveries <= 0 || msg.ReceiveCount < m.cfg.MaxDeliveries):
		log.WarnContext(ctx, "encountered retryable workflow error", "receive_count", msg.ReceiveCount, "error", err)
		m.record("retried")
		if rerr := queue.Release(ackCtx, m.source, msg); rerr != nil {
			log.ErrorContext(ctx, "requeue failed", "error", rerr)
		}
	default:
		reason := engine.Reason(err)
		log.ErrorContext(ctx, "encountered non-retryable workflow error", "reason", reason, "receive_count", msg.ReceiveCount, "error", err)
		m.record("failed")
		if rerr := queue.Reject(ackCtx, m.source, msg, reason); rerr != nil {
			log.ErrorContext(ctx, "reject failed", "error", rerr)
		}
	}
}

func (m *Manager) handle(ctx context.Context, msg queue.Message) (res engine.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic handling message %s: %v", msg.ID, r)
		}
	}()
	return m.handler.Handle(ctx, msg)
}

func (m *Manager) record(result string) {
	m.mu.Lock()
	switch result {
	case "failed":
		m.stats.EventsFailed++
	case "retried":
		m.stats.EventsRetried++
	}
	m.mu.Unlock()
	m.metrics.events.WithLabelValues(result).Inc()
}

func sleepUntil(ctx context.Context, d time.Duration, stop <-chan struct{}) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-stop:
	case <-t.C:
	}
}
