package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/depannage/dispatch/internal/contracts"
	"github.com/depannage/dispatch/internal/sharding"
)

// Publisher is satisfied by *natsutil.Client.
type Publisher interface {
	Publish(subject string, payload []byte) error
}

// BridgeStats is satisfied by *metrics.Dispatch.
type BridgeStats interface {
	BridgeForwarded(kind string)
	BridgeDropped(kind string)
}

// Bridge forwards bus events to JetStream from a single goroutine. When the
// buffer is full the event is dropped and counted.
type Bridge struct {
	pub    Publisher
	stats  BridgeStats
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
	queue  chan contracts.DomainEvent
	done   chan struct{}
}

func NewBridge(pub Publisher, buffer int, stats BridgeStats, logger *slog.Logger) *Bridge {
	if buffer <= 0 {
		buffer = 1024
	}
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bridge{
		pub:    pub,
		stats:  stats,
		logger: logger.With("component", "nats-bridge"),
		queue:  make(chan contracts.DomainEvent, buffer),
		done:   make(chan struct{}),
	}
	go b.run()
	return b
}

// Handle is registered with Bus.SubscribeAll.
func (b *Bridge) Handle(_ context.Context, e Event) {
	env, err := Envelope(e)
	if err != nil {
		b.logger.Error("encode event", "kind", e.Kind, "event_id", e.ID, "err", err)
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	select {
	case b.queue <- env:
	default:
		b.logger.Warn("event bridge full; dropping event", "kind", e.Kind, "event_id", e.ID)
		if b.stats != nil {
			b.stats.BridgeDropped(string(e.Kind))
		}
	}
}

func (b *Bridge) run() {
	defer close(b.done)
	for env := range b.queue {
		body, err := json.Marshal(env)
		if err != nil {
			b.logger.Error("marshal envelope", "event_id", env.EventID, "err", err)
			continue
		}
		if err := b.pub.Publish(Subject(env), body); err != nil {
			b.logger.Warn("publish event", "kind", env.Kind, "event_id", env.EventID, "err", err)
			if b.stats != nil {
				b.stats.BridgeDropped(env.Kind)
			}
			continue
		}
		if b.stats != nil {
			b.stats.BridgeForwarded(env.Kind)
		}
	}
}

// Close stops accepting events, flushes the buffer and waits for the
// publisher goroutine to exit.
func (b *Bridge) Close() {
	b.mu.Lock()
	if !b.closed {
		b.closed = true
		close(b.queue)
	}
	b.mu.Unlock()
	<-b.done
}

// Envelope converts a bus event to its wire form.
func Envelope(e Event) (contracts.DomainEvent, error) {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return contracts.DomainEvent{}, err
	}
	entity := e.RequestID
	if entity == "" {
		entity = e.ID
	}
	return contracts.DomainEvent{
		EventID:    e.ID,
		Kind:       string(e.Kind),
		RequestID:  e.RequestID,
		ShardID:    sharding.GetShardID(entity),
		OccurredAt: e.EmittedAt,
		Payload:    payload,
	}, nil
}

// Subject routes events about a request to that request's shard so a
// consumer sees them in order; others are keyed by event id.
func Subject(env contracts.DomainEvent) string {
	if env.RequestID != "" {
		return sharding.EventSubject("request", env.RequestID)
	}
	return sharding.EventSubject("engine", env.EventID)
}
