package coordination

import (
	"context"
	"encoding/json"
	"sync"

	perrors "github.com/devrev/riptide-persistence/internal/errors"
	"github.com/devrev/riptide-persistence/internal/metrics"
	"github.com/devrev/riptide-persistence/internal/model"
	"github.com/devrev/riptide-persistence/internal/store"
	"go.uber.org/zap"
)

// InvalidationHandler reacts to a peer's invalidation message
type InvalidationHandler func(msg model.InvalidationMessage)

// InvalidationBus fans cache invalidations out to peers and dispatches theirs locally
type InvalidationBus struct {
	coord   store.Coordinator
	channel string
	nodeID  string
	metrics *metrics.Metrics
	logger  *zap.Logger

	mu       sync.RWMutex
	handlers []InvalidationHandler

	sub  store.Subscription
	done chan struct{}
}

// NewInvalidationBus creates a bus on <prefix>:invalidate
func NewInvalidationBus(coord store.Coordinator, keys store.KeySpace, m *metrics.Metrics, logger *zap.Logger) *InvalidationBus {
	return &InvalidationBus{
		coord:   coord,
		channel: keys.InvalidateChannel(),
		nodeID:  coord.NodeID(),
		metrics: m,
		logger:  logger,
	}
}

// Handle registers a handler for peer invalidations
func (b *InvalidationBus) Handle(h InvalidationHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

// Publish announces stale keys or a stale pattern to peers
func (b *InvalidationBus) Publish(ctx context.Context, msg model.InvalidationMessage) error {
	msg.Origin = b.nodeID
	payload, err := json.Marshal(msg)
	if err != nil {
		return perrors.Serialization("failed to encode invalidation", err)
	}
	if err := b.coord.Publish(ctx, b.channel, payload); err != nil {
		return err
	}
	b.metrics.EventsPublishedTotal.WithLabelValues("invalidate").Inc()
	return nil
}

// Start subscribes and dispatches until Stop or ctx is done
func (b *InvalidationBus) Start(ctx context.Context) error {
	sub, err := b.coord.Subscribe(ctx, b.channel)
	if err != nil {
		return perrors.Coordination("failed to subscribe to invalidations", err)
	}
	b.sub = sub
	b.done = make(chan struct{})

	go b.dispatch(ctx)
	return nil
}

func (b *InvalidationBus) dispatch(ctx context.Context) {
	defer close(b.done)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-b.sub.Events():
			if !ok {
				return
			}
			if ev.NodeID == b.nodeID {
				continue
			}

			var msg model.InvalidationMessage
			if err := json.Unmarshal(ev.Payload, &msg); err != nil {
				b.logger.Warn("Ignoring malformed invalidation", zap.String("from", ev.NodeID), zap.Error(err))
				continue
			}
			b.metrics.InvalidationsReceivedTotal.Inc()

			b.mu.RLock()
			handlers := b.handlers
			b.mu.RUnlock()
			for _, h := range handlers {
				h(msg)
			}
		}
	}
}

// Stop closes the subscription and waits for the dispatcher
func (b *InvalidationBus) Stop() error {
	if b.sub == nil {
		return nil
	}
	err := b.sub.Close()
	<-b.done
	return err
}
