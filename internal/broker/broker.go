// Package broker implements the in-process pub/sub core: named topics,
// selector-filtered subscriptions, and non-blocking fan-out with priority
// admission. Delivery is best effort; a subscriber that cannot keep up
// loses messages and the loss is counted, never blocked on.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/gameoverstudios/deeperhub/internal/domain"
	"github.com/gameoverstudios/deeperhub/pkg/protocol"
)

var meter = otel.Meter("broker")

// Subscriber receives topic broadcasts. Deliver must not block; a full
// subscriber reports the drop through its error.
type Subscriber interface {
	SubscriberID() string
	Deliver(b protocol.Broadcast) error
}

// Selector optionally filters a subscription. Keys are matched for string
// equality against the broadcast payload's top-level fields; an empty
// selector matches everything.
type Selector map[string]string

// Matches reports whether the payload satisfies every selector key.
func (s Selector) Matches(payload json.RawMessage) bool {
	if len(s) == 0 {
		return true
	}
	var fields map[string]any
	if err := json.Unmarshal(payload, &fields); err != nil {
		return false
	}
	for k, want := range s {
		got, ok := fields[k].(string)
		if !ok || got != want {
			return false
		}
	}
	return true
}

type subscription struct {
	sub      Subscriber
	selector Selector
	dropped  uint64
}

type topic struct {
	name         string
	ownerID      domain.UserID
	createdAt    time.Time
	subs         map[string]*subscription
	messageCount uint64
	lastActivity time.Time
}

type job struct {
	topic     string
	broadcast protocol.Broadcast
}

// Broker is the channel registry and fan-out engine. Each topic is pinned
// to one fan-out worker by name hash, so deliveries for a given
// (topic, subscriber) pair arrive in publish order.
type Broker struct {
	clock  domain.Clock
	logger *slog.Logger

	threshold int
	queues    []chan job
	wg        sync.WaitGroup
	stop      chan struct{}
	stopOnce  sync.Once

	mu     sync.RWMutex
	topics map[string]*topic

	published metric.Int64Counter
	rejected  metric.Int64Counter
	dropped   metric.Int64Counter
}

// New creates a broker with the given admission threshold and worker count
// and starts its fan-out workers.
func New(threshold, workers int, clock domain.Clock, logger *slog.Logger) *Broker {
	if workers < 1 {
		workers = 1
	}

	published, _ := meter.Int64Counter("broker_published_total",
		metric.WithDescription("Messages accepted for fan-out"))
	rejected, _ := meter.Int64Counter("broker_rejected_total",
		metric.WithDescription("Publishes rejected by priority admission"))
	dropped, _ := meter.Int64Counter("broker_dropped_total",
		metric.WithDescription("Deliveries dropped on slow subscribers"))

	b := &Broker{
		clock:     clock,
		logger:    logger,
		threshold: threshold,
		queues:    make([]chan job, workers),
		stop:      make(chan struct{}),
		topics:    make(map[string]*topic),
		published: published,
		rejected:  rejected,
		dropped:   dropped,
	}
	for i := range b.queues {
		b.queues[i] = make(chan job, 4*threshold)
		b.wg.Add(1)
		go b.fanout(b.queues[i])
	}
	return b
}

// Close stops the fan-out workers after draining queued jobs.
func (b *Broker) Close() {
	b.stopOnce.Do(func() {
		close(b.stop)
		for _, q := range b.queues {
			close(q)
		}
	})
	b.wg.Wait()
}

func (b *Broker) queueFor(name string) chan job {
	h := fnv.New32a()
	h.Write([]byte(name))
	return b.queues[int(h.Sum32())%len(b.queues)]
}

// Create registers a topic owned by ownerID.
func (b *Broker) Create(name string, ownerID domain.UserID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.topics[name]; ok {
		return fmt.Errorf("topic %q: %w", name, domain.ErrAlreadyExists)
	}
	b.topics[name] = &topic{
		name:      name,
		ownerID:   ownerID,
		createdAt: b.clock.Now().UTC(),
		subs:      make(map[string]*subscription),
	}
	return nil
}

// Remove deletes a topic. Only the owner may remove it; remaining
// subscribers are notified with a channel.closed broadcast first.
func (b *Broker) Remove(name string, requester domain.UserID) error {
	b.mu.Lock()
	t, ok := b.topics[name]
	if !ok {
		b.mu.Unlock()
		return fmt.Errorf("topic %q: %w", name, domain.ErrNotFound)
	}
	if t.ownerID != requester {
		b.mu.Unlock()
		return fmt.Errorf("topic %q owned by another user: %w", name, domain.ErrForbidden)
	}
	subs := make([]*subscription, 0, len(t.subs))
	for _, s := range t.subs {
		subs = append(subs, s)
	}
	delete(b.topics, name)
	b.mu.Unlock()

	closed := protocol.Broadcast{
		Type:      protocol.TypeChannelClosed,
		Topic:     name,
		Timestamp: b.clock.Now().UTC().Format(time.RFC3339),
	}
	for _, s := range subs {
		if err := s.sub.Deliver(closed); err != nil {
			b.logger.Debug("channel.closed notify dropped",
				slog.String("topic", name),
				slog.String("subscriber", s.sub.SubscriberID()))
		}
	}
	return nil
}

// Subscribe adds sub to a topic with an optional selector, creating the
// topic lazily on first subscribe. Implicitly created topics have no
// owner; only an explicit Create assigns one. Re-subscribing replaces the
// previous selector.
func (b *Broker) Subscribe(name string, sub Subscriber, selector Selector) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[name]
	if !ok {
		t = &topic{
			name:      name,
			createdAt: b.clock.Now().UTC(),
			subs:      make(map[string]*subscription),
		}
		b.topics[name] = t
	}
	t.subs[sub.SubscriberID()] = &subscription{sub: sub, selector: selector}
	return nil
}

// Unsubscribe removes one subscription. Unknown topic or subscriber is a
// no-op.
func (b *Broker) Unsubscribe(name, subscriberID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.topics[name]; ok {
		delete(t.subs, subscriberID)
	}
}

// UnsubscribeAll removes a subscriber from every topic. Called when its
// connection closes.
func (b *Broker) UnsubscribeAll(subscriberID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range b.topics {
		delete(t.subs, subscriberID)
	}
}

// Publish admits a message to a topic under the priority policy and
// enqueues it for fan-out. High priority is admitted while the queue has
// any room; normal is rejected above twice the threshold; low is rejected
// at the threshold.
func (b *Broker) Publish(ctx context.Context, name string, payload json.RawMessage, priority domain.Priority) (domain.MessageID, error) {
	b.mu.Lock()
	t, ok := b.topics[name]
	if !ok {
		b.mu.Unlock()
		return domain.MessageID{}, fmt.Errorf("topic %q: %w", name, domain.ErrNotFound)
	}

	q := b.queueFor(name)
	depth := len(q)
	if !b.admit(priority, depth) {
		b.mu.Unlock()
		b.rejected.Add(ctx, 1, metric.WithAttributes(attribute.String("priority", string(priority))))
		return domain.MessageID{}, fmt.Errorf("queue depth %d: %w", depth, domain.ErrBackpressure)
	}

	t.messageCount++
	t.lastActivity = b.clock.Now().UTC()
	b.mu.Unlock()

	id := domain.GenerateMessageID()
	bc := protocol.NewBroadcast(name, payload, b.clock.Now())

	select {
	case q <- job{topic: name, broadcast: bc}:
	default:
		// High priority raced a full queue.
		b.rejected.Add(ctx, 1, metric.WithAttributes(attribute.String("priority", string(priority))))
		return domain.MessageID{}, fmt.Errorf("fanout queue full: %w", domain.ErrBackpressure)
	}

	b.published.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", name)))
	return id, nil
}

func (b *Broker) admit(priority domain.Priority, depth int) bool {
	switch priority {
	case domain.PriorityHigh:
		return true
	case domain.PriorityLow:
		return depth < b.threshold
	default:
		return depth < 2*b.threshold
	}
}

// fanout delivers queued broadcasts to every matching subscriber of the
// topic. A failed delivery increments the subscription's drop counter and
// moves on.
func (b *Broker) fanout(q chan job) {
	defer b.wg.Done()
	for j := range q {
		b.mu.RLock()
		t, ok := b.topics[j.topic]
		if !ok {
			b.mu.RUnlock()
			continue
		}
		subs := make([]*subscription, 0, len(t.subs))
		for _, s := range t.subs {
			subs = append(subs, s)
		}
		b.mu.RUnlock()

		for _, s := range subs {
			if !s.selector.Matches(j.broadcast.Payload) {
				continue
			}
			if err := s.sub.Deliver(j.broadcast); err != nil {
				b.mu.Lock()
				s.dropped++
				b.mu.Unlock()
				b.dropped.Add(context.Background(), 1,
					metric.WithAttributes(attribute.String("topic", j.topic)))
			}
		}
	}
}

// List describes every topic for channel.list.
func (b *Broker) List() []protocol.ChannelInfo {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]protocol.ChannelInfo, 0, len(b.topics))
	for _, t := range b.topics {
		info := protocol.ChannelInfo{
			Name:            t.name,
			OwnerID:         t.ownerID.String(),
			SubscriberCount: len(t.subs),
			MessageCount:    t.messageCount,
		}
		if !t.lastActivity.IsZero() {
			info.LastActivity = t.lastActivity.Format(time.RFC3339)
		}
		out = append(out, info)
	}
	return out
}

// Dropped returns a subscriber's drop count for a topic. Zero when the
// subscription does not exist.
func (b *Broker) Dropped(name, subscriberID string) uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if t, ok := b.topics[name]; ok {
		if s, ok := t.subs[subscriberID]; ok {
			return s.dropped
		}
	}
	return 0
}
