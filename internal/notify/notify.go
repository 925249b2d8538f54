// Package notify is the Notification Consumer (C5): it subscribes to Redis
// keyspace notifications, fans each event out to every loaded library's
// notification consumers whose key prefix matches, and dispatches the
// handler either inline or onto the Async Executor's background pool. A
// single pattern subscription covers every keyspace, with the consumer
// prefix match demultiplexed in Go rather than per-queue in Redis.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/gearsrt/runtime/internal/async"
	"github.com/gearsrt/runtime/internal/domain"
	"github.com/gearsrt/runtime/internal/logging"
	"github.com/gearsrt/runtime/internal/metrics"
	"github.com/gearsrt/runtime/internal/observability"
	"github.com/gearsrt/runtime/internal/registry"
	"github.com/gearsrt/runtime/internal/sandbox"
)

// keyeventPattern subscribes to every keyspace event across every logical
// database; the consumer prefix match happens in Go, not in Redis.
const keyeventPattern = "__keyevent@*__:*"

// Config configures the keyspace notification listener.
type Config struct {
	Channel string
}

func DefaultConfig() Config {
	return Config{Channel: keyeventPattern}
}

// status is the in-memory runtime state LIST reports for one consumer: the
// notification protocol has no cursor, only a last_error slot.
type status struct {
	mu        sync.Mutex
	lastError string
}

// Manager is the Notification Consumer.
type Manager struct {
	cfg      Config
	client   *redis.Client
	registry *registry.Registry
	sandbox  *sandbox.Manager
	async    *async.Executor

	mu       sync.Mutex
	statuses map[string]*status // "library.consumer" -> status

	pubsub *redis.PubSub
	stopCh chan struct{}
	wg     sync.WaitGroup
}

func New(client *redis.Client, reg *registry.Registry, sb *sandbox.Manager, exec *async.Executor, cfg Config) *Manager {
	if cfg.Channel == "" {
		cfg = DefaultConfig()
	}
	return &Manager{
		cfg:      cfg,
		client:   client,
		registry: reg,
		sandbox:  sb,
		async:    exec,
		statuses: make(map[string]*status),
		stopCh:   make(chan struct{}),
	}
}

// Start subscribes to keyspace notifications and begins fan-out. Returns
// once the subscription is confirmed established.
func (m *Manager) Start(ctx context.Context) error {
	m.pubsub = m.client.PSubscribe(ctx, m.cfg.Channel)
	if _, err := m.pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe keyspace notifications: %w", err)
	}

	m.wg.Add(1)
	go m.loop(ctx)
	logging.Op().Info("notification consumer started", "channel", m.cfg.Channel)
	return nil
}

func (m *Manager) loop(ctx context.Context) {
	defer m.wg.Done()
	msgCh := m.pubsub.Channel()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		case msg, ok := <-msgCh:
			if !ok {
				return
			}
			m.handleEvent(ctx, msg)
		}
	}
}

// handleEvent parses a "__keyevent@<db>__:<event>" channel whose payload is
// the mutated key, then fans it out to every matching registered consumer.
func (m *Manager) handleEvent(ctx context.Context, msg *redis.Message) {
	idx := strings.LastIndex(msg.Channel, ":")
	if idx < 0 {
		return
	}
	event := msg.Channel[idx+1:]
	key := msg.Payload

	for _, lib := range m.registry.List(registry.VerbosityV) {
		for _, consumer := range lib.Notifications {
			if !strings.HasPrefix(key, consumer.KeyPrefix) {
				continue
			}
			m.dispatch(ctx, lib, consumer, event, key)
		}
	}
}

func (m *Manager) dispatch(ctx context.Context, lib domain.Library, consumer domain.NotificationConsumerDecl, event, key string) {
	payload, _ := json.Marshal(map[string]string{"event": event, "key": key})

	ictx := domain.InvocationContext{
		RequestID: uuid.New().String()[:8],
		Library:   lib.Name, Function: consumer.Name,
		Trigger:   domain.TriggerNotification,
		User:      domain.DefaultRole,
		NoWrites:  consumer.HasFlag(domain.FlagNoWrites),
		AllowOOM:  consumer.HasFlag(domain.FlagAllowOOM),
		StartedAt: time.Now(),
	}

	invoke := func(ctx context.Context) (any, error) {
		ctx, span := observability.StartSpan(ctx, "gears.notify.dispatch",
			observability.AttrLibrary.String(lib.Name),
			observability.AttrFunction.String(consumer.Name),
			observability.AttrTrigger.String(string(domain.TriggerNotification)),
			observability.AttrRequestID.String(ictx.RequestID),
			observability.AttrAsync.Bool(consumer.Mode == domain.ModeAsync),
		)
		defer span.End()
		out, err := m.sandbox.Invoke(ctx, ictx, payload)
		if err != nil {
			observability.SetSpanError(span, err)
		} else {
			observability.SetSpanOK(span)
		}
		return out, err
	}

	if consumer.Mode == domain.ModeAsync {
		m.async.RunOnBackground(ictx, func(ctx context.Context) (any, error) {
			out, err := invoke(context.Background())
			m.recordOutcome(lib.Name, consumer.Name, err)
			return out, err
		})
		return
	}

	_, err := invoke(ctx)
	m.recordOutcome(lib.Name, consumer.Name, err)
}

func (m *Manager) recordOutcome(library, consumer string, err error) {
	metrics.RecordNotificationProcessed(library, consumer, err == nil)

	k := library + "." + consumer
	m.mu.Lock()
	st, ok := m.statuses[k]
	if !ok {
		st = &status{}
		m.statuses[k] = st
	}
	m.mu.Unlock()

	st.mu.Lock()
	defer st.mu.Unlock()
	if err != nil {
		st.lastError = err.Error()
		logging.Op().Warn("notification consumer handler failed", "library", library, "consumer", consumer, "error", err)
		return
	}
	st.lastError = ""
}

// LastError returns the most recent handler error recorded for a consumer,
// surfaced by LIST at vv+ verbosity.
func (m *Manager) LastError(library, consumer string) string {
	m.mu.Lock()
	st, ok := m.statuses[library+"."+consumer]
	m.mu.Unlock()
	if !ok {
		return ""
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.lastError
}

// Shutdown stops the subscription loop and waits for it to exit.
func (m *Manager) Shutdown() error {
	close(m.stopCh)
	if m.pubsub != nil {
		m.pubsub.Close()
	}
	m.wg.Wait()
	return nil
}
