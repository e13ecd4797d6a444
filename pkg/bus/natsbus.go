package bus

import (
	"context"
	"sync"

	"github.com/cxdbhq/cxdb/pkg/core"
	"github.com/cxdbhq/cxdb/pkg/types"
)

// NATSConfig configures a cluster-backed Bus (SPEC_FULL.md §6.8's
// CXDB_NATS_URL, optional).
type NATSConfig struct {
	// URL is the NATS server URL. Empty uses core.NewClusterEventBusNATS's
	// own default.
	URL string

	// Prefix is prepended to every subject. Empty uses that constructor's
	// own default ("fluxor").
	Prefix string
}

// natsBus adapts pkg/core's NATS-clustered EventBus to this package's Bus
// interface, so pkg/store, pkg/facade, and pkg/s3mirror can share
// turn_appended across processes instead of only within one. A topic
// Subscribe becomes a Consumer whose handler decodes the wire message back
// into a types.Message and forwards it onto the caller's mailbox exactly as
// localBus.Publish does: non-blocking, dropped if the mailbox is full.
//
// Message.Payload crosses the wire as JSON, so a cross-process subscriber
// receives it back as a map[string]interface{} rather than its original
// concrete type (store.TurnAppendedEvent's own struct shape, say) — a
// consumer that relies on a type assertion against Payload (pkg/facade's
// SSE handler does) only works against this bus when it's also the
// publisher, i.e. within one process. Clustering is for fanout across
// façade replicas subscribing to a single writer's events, not for
// round-tripping arbitrary payload types.
type natsBus struct {
	eventBus core.EventBus

	mu        sync.Mutex
	consumers map[string]core.Consumer // topic+"/"+componentName -> consumer
}

// NewClusterBus dials cfg.URL and returns a Bus backed by it.
func NewClusterBus(ctx context.Context, vertx core.Vertx, cfg NATSConfig) (Bus, error) {
	eb, err := core.NewClusterEventBusNATS(ctx, vertx, core.ClusterNATSConfig{
		URL:    cfg.URL,
		Prefix: cfg.Prefix,
	})
	if err != nil {
		return nil, err
	}
	return &natsBus{eventBus: eb, consumers: make(map[string]core.Consumer)}, nil
}

// SetExecutorProvider is a no-op: delivery ordering for a NATS-backed bus is
// the subject's own, not an in-process executor's.
func (b *natsBus) SetExecutorProvider(ExecutorProvider) {}

func (b *natsBus) Publish(topic string, msg types.Message) {
	_ = b.eventBus.Publish(topic, msg)
}

func (b *natsBus) Subscribe(topic, componentName string, mailbox types.Mailbox) error {
	consumer := b.eventBus.Consumer(topic)
	consumer.Handler(func(_ core.FluxorContext, m core.Message) error {
		var msg types.Message
		if err := m.DecodeBody(&msg); err != nil {
			return nil
		}
		select {
		case mailbox <- msg:
		default:
		}
		return nil
	})

	b.mu.Lock()
	b.consumers[topic+"/"+componentName] = consumer
	b.mu.Unlock()
	return nil
}

func (b *natsBus) Unsubscribe(topic, componentName string, _ types.Mailbox) error {
	key := topic + "/" + componentName
	b.mu.Lock()
	consumer, ok := b.consumers[key]
	if ok {
		delete(b.consumers, key)
	}
	b.mu.Unlock()
	if !ok {
		return ErrNoSubscribers
	}
	return consumer.Unregister()
}
