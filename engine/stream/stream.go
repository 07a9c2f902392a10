// Package stream implements the Event Stream Producer/Consumer (C11): a
// NATS JetStream-backed append-only log of memory-engine events, an
// idempotent consumer group that replays pending events before new ones,
// and global/per-scope Prometheus-style counters. Every other component
// (recall, reward, decay, feedback, persistence) depends only on the
// narrow EventSink surface a Producer satisfies.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/synapseai/synapse-mvp/pkg/metrics"
)

// Event kinds the engine emits (spec §4.11).
const (
	KindTurnStored              = "turn_stored"
	KindTurnStoreFailed         = "turn_store_failed"
	KindConsolidationEnqueued   = "consolidation_enqueued"
	KindConsolidationStored     = "consolidation_stored"
	KindConsolidationFailed     = "consolidation_store_failed"
	KindRecallSnapshotUpdated   = "recall_snapshot_updated"
	KindRecallFeedbackBias      = "recall_feedback_bias_updated"
	KindRecallPlanned           = "recall_planned"
	KindRecallInjected          = "recall_injected"
	KindRecallSkipped           = "recall_skipped"
)

// Event is one entry in the engine's ordered, durable event stream.
type Event struct {
	Kind      string         `json:"kind"`
	ScopeKey  string         `json:"scope_key"`
	Payload   map[string]any `json:"payload"`
	LogicalID string         `json:"logical_id"`
	Timestamp time.Time      `json:"timestamp"`
}

// jsContext is the minimal JetStreamContext surface the package depends
// on, narrow enough to substitute a fake in tests.
type jsContext interface {
	PublishMsg(m *nats.Msg, opts ...nats.PubOpt) (*nats.PubAck, error)
	AddStream(cfg *nats.StreamConfig, opts ...nats.JSOpt) (*nats.StreamInfo, error)
	AddConsumer(stream string, cfg *nats.ConsumerConfig, opts ...nats.JSOpt) (*nats.ConsumerInfo, error)
	PullSubscribe(subj, durable string, opts ...nats.SubOpt) (*nats.Subscription, error)
}

// Producer appends events to the durable stream. It is also this
// package's implementation of every other component's EventSink
// interface: Emit never blocks the caller's request path on a publish
// failure — a failed append only degrades observability, never the
// memory operation that triggered it.
type Producer struct {
	js         jsContext
	streamName string
	subject    string
}

// NewProducer ensures the configured stream exists (idempotent) and
// returns a Producer publishing to subject.
func NewProducer(js jsContext, streamName, subject string) (*Producer, error) {
	_, err := js.AddStream(&nats.StreamConfig{
		Name:     streamName,
		Subjects: []string{subject},
		Storage:  nats.FileStorage,
	})
	if err != nil && err != nats.ErrStreamNameAlreadyInUse {
		return nil, fmt.Errorf("stream: ensure stream %s: %w", streamName, err)
	}
	return &Producer{js: js, streamName: streamName, subject: subject}, nil
}

// Append publishes one event, deduplicated by its LogicalID via the
// Nats-Msg-Id header.
func (p *Producer) Append(ctx context.Context, e Event) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	if e.LogicalID == "" {
		e.LogicalID = uuid.NewString()
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("stream: marshal event: %w", err)
	}
	msg := nats.NewMsg(p.subject)
	msg.Data = data
	msg.Header.Set(nats.MsgIdHdr, e.LogicalID)

	_, err = p.js.PublishMsg(msg)
	if err != nil {
		return fmt.Errorf("stream: publish %s: %w", e.Kind, err)
	}
	return nil
}

// Emit implements every component's EventSink interface. It publishes
// once; a publish failure is swallowed without retry (the event is
// observability, not the operation itself).
func (p *Producer) Emit(kind string, fields map[string]any) {
	scopeKey, _ := fields["scope_key"].(string)
	e := Event{Kind: kind, ScopeKey: scopeKey, Payload: fields}
	_ = p.Append(context.Background(), e)
}

// Handler processes one event. Returning an error leaves the event
// unacked for redelivery.
type Handler func(ctx context.Context, e Event) error

// Counters are the consumer's global and per-scope event counters. It
// dedupes by Event.LogicalID so a redelivery of an event that was
// processed but never acked (ack failure, consumer restart mid-batch)
// doesn't double-count, matching the stream's replay-idempotence
// guarantee.
type Counters struct {
	registry *metrics.Registry

	mu   sync.Mutex
	seen map[string]struct{}
}

// NewCounters builds a Counters backed by registry.
func NewCounters(registry *metrics.Registry) *Counters {
	return &Counters{registry: registry, seen: make(map[string]struct{})}
}

func (c *Counters) recordProcessed(logicalID, kind, scopeKey string) {
	if logicalID != "" {
		c.mu.Lock()
		if _, dup := c.seen[logicalID]; dup {
			c.mu.Unlock()
			return
		}
		c.seen[logicalID] = struct{}{}
		c.mu.Unlock()
	}
	if c.registry == nil {
		return
	}
	c.registry.Counter("memory_stream_events_total", "total events processed by the consumer").Inc()
	name := metrics.WithLabels("memory_stream_events_total", "kind", kind)
	c.registry.Counter(name, "").Inc()
	if scopeKey != "" {
		scoped := metrics.WithLabels("memory_stream_scope_events_total", "scope_key", scopeKey)
		c.registry.Counter(scoped, "").Inc()
	}
}

func (c *Counters) recordReadFailure() {
	if c.registry == nil {
		return
	}
	c.registry.Counter("memory_stream_read_failures_total", "stream read failures").Inc()
}

// ConsumerOptions configures a Consumer.
type ConsumerOptions struct {
	StreamName       string
	Subject          string
	ConsumerGroup    string
	ConsumerPrefix   string
	BatchSize        int
	BlockMs          int
	MaxBackoff       time.Duration
}

// Consumer replays pending events from checkpoint 0, then consumes new
// ones, acking after the handler succeeds and retrying with bounded
// backoff on read failure.
type Consumer struct {
	js       jsContext
	opts     ConsumerOptions
	counters *Counters
	events   interface{ Emit(kind string, fields map[string]any) }
}

// NewConsumer creates the durable consumer group idempotently (AddConsumer
// is a no-op if the durable name already exists with the same config) and
// configured to deliver all events from the start of the stream.
func NewConsumer(js jsContext, opts ConsumerOptions, counters *Counters, events interface {
	Emit(kind string, fields map[string]any)
}) (*Consumer, error) {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 32
	}
	if opts.BlockMs <= 0 {
		opts.BlockMs = 5000
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 30 * time.Second
	}
	durable := opts.ConsumerPrefix + opts.ConsumerGroup

	_, err := js.AddConsumer(opts.StreamName, &nats.ConsumerConfig{
		Durable:       durable,
		DeliverPolicy: nats.DeliverAllPolicy,
		AckPolicy:     nats.AckExplicitPolicy,
	})
	if err != nil && err != nats.ErrConsumerNameAlreadyInUse {
		return nil, fmt.Errorf("stream: create consumer group %s: %w", durable, err)
	}

	return &Consumer{js: js, opts: opts, counters: counters, events: events}, nil
}

// Run pulls batches of events and dispatches them to handler until ctx
// is canceled. A pull/read failure emits stream_consumer_read_failed and
// retries with exponential backoff, never propagating the fault to the
// memory engine's request path.
func (c *Consumer) Run(ctx context.Context, handler Handler) error {
	durable := c.opts.ConsumerPrefix + c.opts.ConsumerGroup
	sub, err := c.js.PullSubscribe(c.opts.Subject, durable)
	if err != nil {
		return fmt.Errorf("stream: pull subscribe %s: %w", durable, err)
	}

	c.emitEvent("stream_consumer_started", "", map[string]any{"consumer_group": c.opts.ConsumerGroup})
	c.emitEvent("stream_consumer_group_ready", "", map[string]any{"consumer_group": c.opts.ConsumerGroup})

	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		msgs, err := sub.Fetch(c.opts.BatchSize, nats.MaxWait(time.Duration(c.opts.BlockMs)*time.Millisecond))
		if err != nil {
			if err == nats.ErrTimeout {
				backoff = time.Second
				continue
			}
			c.counters.recordReadFailure()
			c.emitEvent("stream_consumer_read_failed", "", map[string]any{"reason": err.Error()})
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > c.opts.MaxBackoff {
				backoff = c.opts.MaxBackoff
			}
			continue
		}
		backoff = time.Second

		for _, msg := range msgs {
			var e Event
			if err := json.Unmarshal(msg.Data, &e); err != nil {
				_ = msg.Ack()
				continue
			}
			if err := handler(ctx, e); err != nil {
				_ = msg.Nak()
				continue
			}
			_ = msg.Ack()
			c.counters.recordProcessed(e.LogicalID, e.Kind, e.ScopeKey)
			c.emitEvent("stream_consumer_event_processed", e.ScopeKey, map[string]any{"kind": e.Kind})
		}
	}
}

func (c *Consumer) emitEvent(kind, scopeKey string, fields map[string]any) {
	if c.events == nil {
		return
	}
	if fields == nil {
		fields = map[string]any{}
	}
	fields["scope_key"] = scopeKey
	c.events.Emit(kind, fields)
}
