package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/kenkyu/internal/model"
	"github.com/ashita-ai/kenkyu/internal/telemetry"
)

// Conn is one live subscriber connection. Send must not block on a slow
// peer; it returns an error instead, which unsubscribes the connection.
type Conn interface {
	Send(frame []byte) error
	Close()
}

// Broker fans pipeline events out to the live subscribers of each topic.
// Delivery is at-most-once: a subscriber that cannot take a frame is
// dropped, and it catches up through a fresh snapshot when it reconnects.
type Broker struct {
	logger      *slog.Logger
	subscribers metric.Int64UpDownCounter
	dropped     metric.Int64Counter

	mu     sync.Mutex
	topics map[string]map[Conn]struct{}
}

// NewBroker creates an empty Broker.
func NewBroker(logger *slog.Logger) *Broker {
	meter := telemetry.Meter("kenkyu/broker")
	subscribers, _ := meter.Int64UpDownCounter("kenkyu.stream.subscribers",
		metric.WithDescription("Live event stream subscribers"))
	dropped, _ := meter.Int64Counter("kenkyu.stream.dropped",
		metric.WithDescription("Subscribers dropped because a send failed"))
	return &Broker{
		logger:      logger,
		subscribers: subscribers,
		dropped:     dropped,
		topics:      make(map[string]map[Conn]struct{}),
	}
}

// Subscribe registers c for events of topicID.
func (b *Broker) Subscribe(topicID string, c Conn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs, ok := b.topics[topicID]
	if !ok {
		subs = make(map[Conn]struct{})
		b.topics[topicID] = subs
	}
	if _, dup := subs[c]; dup {
		return
	}
	subs[c] = struct{}{}
	b.subscribers.Add(context.Background(), 1)
}

// Unsubscribe removes c from topicID. Removing an unknown connection is a
// no-op.
func (b *Broker) Unsubscribe(topicID string, c Conn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(topicID, c)
}

func (b *Broker) removeLocked(topicID string, c Conn) {
	subs, ok := b.topics[topicID]
	if !ok {
		return
	}
	if _, ok := subs[c]; !ok {
		return
	}
	delete(subs, c)
	b.subscribers.Add(context.Background(), -1)
	if len(subs) == 0 {
		delete(b.topics, topicID)
	}
}

// Subscribers returns the number of live subscribers of topicID.
func (b *Broker) Subscribers(topicID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.topics[topicID])
}

// Publish sends ev to every subscriber of topicID in the order Publish is
// called. The event is encoded once; sends happen outside the lock and
// every connection whose send fails is removed and closed.
func (b *Broker) Publish(topicID string, ev model.Event) {
	frame, err := json.Marshal(ev)
	if err != nil {
		b.logger.Error("broker: encode event", "topic_id", topicID, "event_id", ev.EventID, "error", err)
		return
	}

	b.mu.Lock()
	conns := make([]Conn, 0, len(b.topics[topicID]))
	for c := range b.topics[topicID] {
		conns = append(conns, c)
	}
	b.mu.Unlock()

	var dead []Conn
	for _, c := range conns {
		if err := c.Send(frame); err != nil {
			dead = append(dead, c)
		}
	}
	if len(dead) == 0 {
		return
	}

	b.mu.Lock()
	for _, c := range dead {
		b.removeLocked(topicID, c)
	}
	b.mu.Unlock()
	for _, c := range dead {
		c.Close()
	}
	b.dropped.Add(context.Background(), int64(len(dead)))
	b.logger.Debug("broker: dropped subscribers", "topic_id", topicID, "count", len(dead))
}

// SendDirect sends ev to a single connection without touching the
// subscriber set.
func (b *Broker) SendDirect(c Conn, ev model.Event) error {
	frame, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("broker: encode event: %w", err)
	}
	return c.Send(frame)
}
