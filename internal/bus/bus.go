// Package bus is the in-process message fabric: named topics, multi-
// subscriber fan-out, per-subscriber FIFO delivery, and handler isolation.
// Queues are ephemeral; nothing survives a restart.
package bus

import (
	"context"
	"log/slog"
	"runtime/debug"
	"slices"
	"sync"

	"github.com/nextlevelbuilder/nexus/internal/models"
)

// Handler consumes one message. Handlers must not panic across the call
// boundary; if they do the worker recovers and logs. A handler that needs
// per-message concurrency spawns its own goroutine and returns.
type Handler func(ctx context.Context, msg *models.Message)

// defaultQueueSize caps each topic queue and each subscriber queue. A full
// topic queue applies backpressure to publishers; a full subscriber queue
// stalls only that subscriber's lane in the dispatcher.
const defaultQueueSize = 1024

type subscriber struct {
	handler Handler
	queue   chan *models.Message
}

type topic struct {
	name  string
	queue chan *models.Message

	mu   sync.RWMutex
	subs []*subscriber
}

// Bus routes messages between services. Subscribe before Run; topics that
// appear after Run has started get no dispatcher loop.
type Bus struct {
	log *slog.Logger

	mu      sync.RWMutex
	topics  map[string]*topic
	runCtx  context.Context
	started bool
}

// New builds an idle bus. Call Subscribe for every service, then Run.
func New(log *slog.Logger) *Bus {
	if log == nil {
		log = slog.Default()
	}
	return &Bus{
		log:    log,
		topics: make(map[string]*topic),
	}
}

// Subscribe registers a handler on a topic, creating the topic queue on
// first use. Multiple handlers per topic are supported; every message on
// the topic reaches each of them exactly once, in publish order.
func (b *Bus) Subscribe(name string, h Handler) {
	b.mu.Lock()
	t, ok := b.topics[name]
	if !ok {
		t = &topic{
			name:  name,
			queue: make(chan *models.Message, defaultQueueSize),
		}
		b.topics[name] = t
		if b.started {
			b.log.Warn("topic registered after bus start, no dispatcher will run for it", "topic", name)
		}
	}
	started := b.started
	ctx := b.runCtx
	b.mu.Unlock()

	sub := &subscriber{
		handler: h,
		queue:   make(chan *models.Message, defaultQueueSize),
	}
	t.mu.Lock()
	t.subs = append(t.subs, sub)
	t.mu.Unlock()

	// Late joiner on a live topic still gets its own worker.
	if started && ok {
		go sub.work(ctx, name, b.log)
	}
}

// Publish enqueues a message on a topic. Publishing to a topic nobody has
// subscribed to is not an error; the message is dropped with a log line.
// Publish blocks only on topic-queue backpressure or context cancellation.
func (b *Bus) Publish(ctx context.Context, name string, msg *models.Message) error {
	b.mu.RLock()
	t := b.topics[name]
	b.mu.RUnlock()
	if t == nil {
		b.log.Debug("publish to topic with no subscribers", "topic", name, "message_id", msg.ID)
		return nil
	}
	select {
	case t.queue <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run starts one dispatcher loop per topic known at this point plus one
// worker per subscriber, then blocks until ctx is cancelled. Messages left
// in queues at cancellation are dropped.
func (b *Bus) Run(ctx context.Context) error {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return nil
	}
	b.started = true
	b.runCtx = ctx
	topics := make([]*topic, 0, len(b.topics))
	for _, t := range b.topics {
		topics = append(topics, t)
	}
	b.mu.Unlock()

	for _, t := range topics {
		t.mu.RLock()
		subs := slices.Clone(t.subs)
		t.mu.RUnlock()
		for _, s := range subs {
			go s.work(ctx, t.name, b.log)
		}
		go t.dispatch(ctx)
	}
	b.log.Info("bus running", "topics", len(topics))

	<-ctx.Done()
	return ctx.Err()
}

// dispatch drains the topic queue and forwards each message to every
// subscriber queue, preserving publish order per subscriber.
func (t *topic) dispatch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-t.queue:
			t.mu.RLock()
			subs := slices.Clone(t.subs)
			t.mu.RUnlock()
			for _, s := range subs {
				select {
				case s.queue <- msg:
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

// work drains one subscriber queue. Handler failures never escape: a panic
// is recovered and logged, and the worker moves to the next message.
func (s *subscriber) work(ctx context.Context, topicName string, log *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-s.queue:
			s.invoke(ctx, topicName, msg, log)
		}
	}
}

func (s *subscriber) invoke(ctx context.Context, topicName string, msg *models.Message, log *slog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("bus handler panicked",
				"topic", topicName,
				"message_id", msg.ID,
				"panic", r,
				"stack", string(debug.Stack()))
		}
	}()
	s.handler(ctx, msg)
}
