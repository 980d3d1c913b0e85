package service

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/devrev/riptide-persistence/internal/config"
	perrors "github.com/devrev/riptide-persistence/internal/errors"
	"github.com/devrev/riptide-persistence/internal/metrics"
	"github.com/devrev/riptide-persistence/internal/model"
	"github.com/devrev/riptide-persistence/internal/store"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// EventSink records domain events for later delivery
type EventSink interface {
	Emit(ctx context.Context, eventType, aggregateID string, payload interface{}) error
}

type nopSink struct{}

func (nopSink) Emit(context.Context, string, string, interface{}) error { return nil }

// NopEventSink drops every event
func NopEventSink() EventSink {
	return nopSink{}
}

// OutboxSink appends events to an outbox store
type OutboxSink struct {
	outbox store.OutboxStore
	nodeID string
	now    func() time.Time
}

// NewOutboxSink tags every event with the emitting node
func NewOutboxSink(outbox store.OutboxStore, nodeID string) *OutboxSink {
	return &OutboxSink{outbox: outbox, nodeID: nodeID, now: time.Now}
}

// Emit appends one event
func (s *OutboxSink) Emit(ctx context.Context, eventType, aggregateID string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return perrors.Serialization("failed to encode event payload", err).WithDetail("event_type", eventType)
	}
	event := &model.DomainEvent{
		ID:          uuid.New().String(),
		Type:        eventType,
		AggregateID: aggregateID,
		Payload:     data,
		Metadata:    map[string]string{"node_id": s.nodeID},
		CreatedAt:   s.now().UTC(),
	}
	if err := s.outbox.Append(ctx, event); err != nil {
		return perrors.State("failed to append outbox event", err).WithDetail("event_type", eventType)
	}
	return nil
}

// OutboxPublisher drains the outbox onto the coordinator events channel
type OutboxPublisher struct {
	outbox     store.OutboxStore
	coord      store.Coordinator
	channel    string
	interval   time.Duration
	batchSize  int
	maxRetries int
	minBackoff time.Duration
	maxBackoff time.Duration
	metrics    *metrics.Metrics
	logger     *zap.Logger
	now        func() time.Time

	started  atomic.Bool
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// NewOutboxPublisher creates a publisher; zero config values fall back to defaults
func NewOutboxPublisher(cfg config.OutboxConfig, outbox store.OutboxStore, coord store.Coordinator, keys store.KeySpace, m *metrics.Metrics, logger *zap.Logger) *OutboxPublisher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 5 * time.Minute
	}

	return &OutboxPublisher{
		outbox:     outbox,
		coord:      coord,
		channel:    keys.EventsChannel(),
		interval:   cfg.PollInterval,
		batchSize:  cfg.BatchSize,
		maxRetries: cfg.MaxRetries,
		minBackoff: cfg.MinBackoff,
		maxBackoff: cfg.MaxBackoff,
		metrics:    m,
		logger:     logger,
		now:        time.Now,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// Backoff returns the delay before attempt retryCount+1
func (p *OutboxPublisher) Backoff(retryCount int) time.Duration {
	d := p.minBackoff
	for i := 0; i < retryCount; i++ {
		d *= 2
		if d >= p.maxBackoff {
			return p.maxBackoff
		}
	}
	return d
}

// PublishPending publishes one batch and returns how many events went out.
// Per-event failures are rescheduled, not returned.
func (p *OutboxPublisher) PublishPending(ctx context.Context) (int, error) {
	records, err := p.outbox.ClaimPending(ctx, p.batchSize, p.maxRetries, p.maxBackoff)
	if err != nil {
		return 0, perrors.State("failed to claim outbox events", err)
	}
	if len(records) == 0 {
		return 0, nil
	}

	published := 0
	for _, r := range records {
		if err := p.publish(ctx, &r.Event); err != nil {
			p.metrics.OutboxFailuresTotal.Inc()
			next := p.now().Add(p.Backoff(r.RetryCount))
			p.logger.Warn("Failed to publish outbox event",
				zap.String("event_id", r.Event.ID),
				zap.String("event_type", r.Event.Type),
				zap.Int("retry_count", r.RetryCount),
				zap.Time("next_attempt", next),
				zap.Error(err))
			if err := p.outbox.MarkFailed(ctx, r.Event.ID, next, err.Error()); err != nil {
				return published, perrors.State("failed to reschedule outbox event", err)
			}
			if r.RetryCount+1 >= p.maxRetries {
				p.logger.Error("Outbox event exhausted retries",
					zap.String("event_id", r.Event.ID),
					zap.String("event_type", r.Event.Type))
			}
			continue
		}

		if err := p.outbox.MarkPublished(ctx, r.Event.ID); err != nil {
			return published, perrors.State("failed to mark outbox event published", err)
		}
		p.metrics.OutboxPublishedTotal.Inc()
		published++
	}

	p.logger.Debug("Published outbox batch", zap.Int("claimed", len(records)), zap.Int("published", published))
	return published, nil
}

func (p *OutboxPublisher) publish(ctx context.Context, event *model.DomainEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return perrors.Serialization("failed to encode domain event", err)
	}
	if err := p.coord.Publish(ctx, p.channel, data); err != nil {
		return err
	}
	p.metrics.EventsPublishedTotal.WithLabelValues("domain").Inc()
	return nil
}

// Start polls until Stop or ctx is done
func (p *OutboxPublisher) Start(ctx context.Context) {
	p.started.Store(true)
	go p.run(ctx)
}

func (p *OutboxPublisher) run(ctx context.Context) {
	defer close(p.doneCh)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.logger.Info("Outbox publisher started",
		zap.Duration("poll_interval", p.interval),
		zap.Int("batch_size", p.batchSize),
		zap.Int("max_retries", p.maxRetries))

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			if _, err := p.PublishPending(ctx); err != nil {
				p.logger.Error("Outbox poll failed", zap.Error(err))
			}
		}
	}
}

// Stop waits for an in-flight batch to finish
func (p *OutboxPublisher) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopCh)
		if p.started.Load() {
			<-p.doneCh
		}
		p.logger.Info("Outbox publisher stopped")
	})
}
