package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const publishQueueSize = 4096

type publishRequest struct {
	topic string
	event Event
}

type subscription struct {
	bus   *LocalBus
	topic string // empty for SubscribeAll
	id    uint64
}

func (s *subscription) Unsubscribe() {
	s.bus.remove(s.topic, s.id)
}

// LocalBus is an in-process Bus. Publish never blocks; events are dropped
// when the queue is full.
type LocalBus struct {
	ctx    context.Context
	cancel context.CancelFunc
	logger *zap.Logger

	mu     sync.RWMutex
	subs   map[string]map[uint64]Handler
	global map[uint64]Handler
	nextID atomic.Uint64

	publishCh chan publishRequest
	published atomic.Uint64
	dropped   atomic.Uint64
	done      chan struct{}
}

// NewLocalBus starts a bus
func NewLocalBus(logger *zap.Logger) *LocalBus {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &LocalBus{
		ctx:       ctx,
		cancel:    cancel,
		logger:    logger,
		subs:      make(map[string]map[uint64]Handler),
		global:    make(map[uint64]Handler),
		publishCh: make(chan publishRequest, publishQueueSize),
		done:      make(chan struct{}),
	}
	go b.publishLoop()
	return b
}

// Publish queues an event for delivery
func (b *LocalBus) Publish(topic string, event Event) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.Type == "" {
		event.Type = topic
	}

	select {
	case b.publishCh <- publishRequest{topic: topic, event: event}:
		b.published.Add(1)
	default:
		b.dropped.Add(1)
		b.logger.Warn("Publish queue full, dropping event", zap.String("topic", topic))
	}
}

func (b *LocalBus) publishLoop() {
	defer close(b.done)
	for {
		select {
		case <-b.ctx.Done():
			return
		case req := <-b.publishCh:
			b.mu.RLock()
			handlers := make([]Handler, 0, len(b.subs[req.topic])+len(b.global))
			for _, h := range b.subs[req.topic] {
				handlers = append(handlers, h)
			}
			for _, h := range b.global {
				handlers = append(handlers, h)
			}
			b.mu.RUnlock()

			for _, h := range handlers {
				go h(req.event)
			}
		}
	}
}

// Subscribe registers handler for one topic
func (b *LocalBus) Subscribe(topic string, handler Handler) Subscription {
	id := b.nextID.Add(1)
	b.mu.Lock()
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[uint64]Handler)
	}
	b.subs[topic][id] = handler
	b.mu.Unlock()

	b.logger.Debug("Subscribed to topic", zap.String("topic", topic))
	return &subscription{bus: b, topic: topic, id: id}
}

// SubscribeAll registers handler for every topic
func (b *LocalBus) SubscribeAll(handler Handler) Subscription {
	id := b.nextID.Add(1)
	b.mu.Lock()
	b.global[id] = handler
	b.mu.Unlock()
	return &subscription{bus: b, id: id}
}

func (b *LocalBus) remove(topic string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if topic == "" {
		delete(b.global, id)
		return
	}
	if subs, ok := b.subs[topic]; ok {
		delete(subs, id)
		if len(subs) == 0 {
			delete(b.subs, topic)
		}
	}
}

// Stats returns delivery counters
func (b *LocalBus) Stats() Stats {
	b.mu.RLock()
	n := len(b.global)
	for _, subs := range b.subs {
		n += len(subs)
	}
	b.mu.RUnlock()
	return Stats{
		Subscribers: n,
		Published:   b.published.Load(),
		Dropped:     b.dropped.Load(),
	}
}

// Close stops delivery. Queued events are discarded.
func (b *LocalBus) Close() error {
	b.cancel()
	<-b.done
	return nil
}
