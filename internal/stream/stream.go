// Package stream is the Stream Consumer (C6): for each stream key matching
// a library's registered prefix, it runs the pull loop described by the
// windowing protocol — read while the pending set has room, dispatch the
// handler, advance and trim on success, record last_error on failure — and
// replicates cursor progress so a promoted replica resumes from the same
// id.
package stream

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/gearsrt/runtime/internal/async"
	"github.com/gearsrt/runtime/internal/domain"
	"github.com/gearsrt/runtime/internal/logging"
	"github.com/gearsrt/runtime/internal/metrics"
	"github.com/gearsrt/runtime/internal/observability"
	"github.com/gearsrt/runtime/internal/policy"
	"github.com/gearsrt/runtime/internal/registry"
	"github.com/gearsrt/runtime/internal/sandbox"
)

// Config controls the discovery/pull loop's polling cadence.
type Config struct {
	PollInterval time.Duration
}

func DefaultConfig() Config {
	return Config{PollInterval: 200 * time.Millisecond}
}

// cursorState is one (consumer, key) pair's live bookkeeping: the
// replicated cursor value plus the out-of-order completion set needed to
// advance total_record_processed and the trim point strictly oldest-first.
type cursorState struct {
	mu     sync.Mutex
	cursor domain.StreamCursor
	done   map[string]bool
}

// Manager is the Stream Consumer.
type Manager struct {
	cfg      Config
	client   *redis.Client
	registry *registry.Registry
	sandbox  *sandbox.Manager
	async    *async.Executor
	policy   *policy.Enforcer
	replica  *Replicator

	mu      sync.Mutex
	cursors map[string]*cursorState

	stopCh   chan struct{}
	wg       sync.WaitGroup
	unsubRep func()
}

func New(client *redis.Client, reg *registry.Registry, sb *sandbox.Manager, exec *async.Executor, enforcer *policy.Enforcer, cfg Config) *Manager {
	if cfg.PollInterval <= 0 {
		cfg = DefaultConfig()
	}
	return &Manager{
		cfg:      cfg,
		client:   client,
		registry: reg,
		sandbox:  sb,
		async:    exec,
		policy:   enforcer,
		replica:  NewReplicator(client),
		cursors:  make(map[string]*cursorState),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the pull loop and the replication-ingest loop.
func (m *Manager) Start(ctx context.Context) {
	m.wg.Add(1)
	go m.pullLoop(ctx)

	updates, unsub := m.replica.Subscribe(ctx)
	m.unsubRep = unsub
	m.wg.Add(1)
	go m.applyReplicatedUpdates(updates)

	logging.Op().Info("stream consumer started", "poll_interval", m.cfg.PollInterval)
}

func (m *Manager) pullLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

// tick discovers every registered stream consumer and pulls its window.
// Only the primary pulls; a replica only ingests replicated cursor state.
func (m *Manager) tick(ctx context.Context) {
	if m.policy.Role() != domain.RolePrimary {
		return
	}
	for _, lib := range m.registry.List(registry.VerbosityV) {
		for _, decl := range lib.Streams {
			cs := m.ensureCursor(lib.Name, decl)
			m.pullWindow(ctx, lib, decl, cs)
		}
	}
}

func cursorKey(library string, decl domain.StreamConsumerDecl) string {
	return library + "." + decl.Name
}

func (m *Manager) ensureCursor(library string, decl domain.StreamConsumerDecl) *cursorState {
	k := cursorKey(library, decl)
	m.mu.Lock()
	defer m.mu.Unlock()
	if cs, ok := m.cursors[k]; ok {
		return cs
	}
	cs := &cursorState{
		cursor: domain.StreamCursor{
			Library:      library,
			Consumer:     decl.Name,
			Key:          decl.Key,
			IDToReadFrom: "0",
			UpdatedAt:    time.Now(),
		},
		done: make(map[string]bool),
	}
	m.cursors[k] = cs
	return cs
}

// pullWindow reads and dispatches entries while the pending set has room,
// per the windowing protocol: |pending_ids| < W and unread entries exist.
func (m *Manager) pullWindow(ctx context.Context, lib domain.Library, decl domain.StreamConsumerDecl, cs *cursorState) {
	window := decl.Window
	if window <= 0 {
		window = 1
	}

	for {
		cs.mu.Lock()
		full := len(cs.cursor.PendingIDs) >= window
		start := "(" + cs.cursor.IDToReadFrom
		cs.mu.Unlock()
		if full {
			return
		}

		entries, err := m.client.XRangeN(ctx, decl.Key, start, "+", 1).Result()
		if err != nil {
			logging.Op().Warn("stream xrange failed", "key", decl.Key, "error", err)
			return
		}
		if len(entries) == 0 {
			return
		}
		entry := entries[0]

		cs.mu.Lock()
		cs.cursor = cs.cursor.Enqueue(entry.ID)
		snapshot := cs.cursor
		cs.mu.Unlock()
		m.replicate(ctx, snapshot)
		m.updateLag(ctx, lib.Name, decl)

		m.dispatchEntry(lib, decl, cs, entry)
	}
}

func (m *Manager) dispatchEntry(lib domain.Library, decl domain.StreamConsumerDecl, cs *cursorState, entry redis.XMessage) {
	payload, _ := json.Marshal(map[string]any{
		"id":     entry.ID,
		"stream": decl.Key,
		"record": entry.Values,
	})

	ictx := domain.InvocationContext{
		RequestID: uuid.New().String()[:8],
		Library:   lib.Name, Function: decl.Name,
		Trigger:   domain.TriggerStream,
		User:      domain.DefaultRole,
		NoWrites:  decl.HasFlag(domain.FlagNoWrites),
		AllowOOM:  decl.HasFlag(domain.FlagAllowOOM),
		StartedAt: time.Now(),
	}

	invoke := func(ctx context.Context) (any, error) {
		ctx, span := observability.StartSpan(ctx, "gears.stream.dispatch",
			observability.AttrLibrary.String(lib.Name),
			observability.AttrFunction.String(decl.Name),
			observability.AttrTrigger.String(string(domain.TriggerStream)),
			observability.AttrRequestID.String(ictx.RequestID),
			observability.AttrAsync.Bool(decl.Mode == domain.ModeAsync),
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

	if decl.Mode == domain.ModeAsync {
		m.async.RunOnBackground(ictx, func(ctx context.Context) (any, error) {
			out, err := invoke(context.Background())
			m.complete(context.Background(), lib, decl, cs, entry.ID, err)
			return out, err
		})
		return
	}

	_, err := invoke(context.Background())
	m.complete(context.Background(), lib, decl, cs, entry.ID, err)
}

// complete applies one entry's handler outcome: on success it marks the id
// done and pops the pending set's front while the front is done, so
// total_record_processed and the trim point advance strictly oldest-first
// even when handlers finish out of order. On failure the id stays pending
// and last_error is recorded; the entry is not re-dispatched, so it keeps its
// window slot and later completions cannot advance past it.
func (m *Manager) complete(ctx context.Context, lib domain.Library, decl domain.StreamConsumerDecl, cs *cursorState, id string, err error) {
	cs.mu.Lock()
	if err != nil {
		cs.cursor = cs.cursor.WithError(err.Error())
		logging.Op().Warn("stream consumer handler failed", "library", lib.Name, "consumer", decl.Name, "id", id, "error", err)
		snapshot := cs.cursor
		cs.mu.Unlock()
		m.replicate(ctx, snapshot)
		return
	}

	cs.done[id] = true
	var trimmed []string
	for len(cs.cursor.PendingIDs) > 0 && cs.done[cs.cursor.PendingIDs[0]] {
		front := cs.cursor.PendingIDs[0]
		delete(cs.done, front)
		cs.cursor = cs.cursor.CompleteFront()
		if decl.Trim {
			trimmed = append(trimmed, front)
		}
	}
	snapshot := cs.cursor
	cs.mu.Unlock()

	for _, trimmedID := range trimmed {
		if err := m.client.XDel(ctx, decl.Key, trimmedID).Err(); err != nil {
			logging.Op().Warn("stream trim failed", "key", decl.Key, "id", trimmedID, "error", err)
		}
	}
	m.replicate(ctx, snapshot)
	m.updateLag(ctx, lib.Name, decl)
}

func (m *Manager) replicate(ctx context.Context, cursor domain.StreamCursor) {
	if err := m.replica.Publish(ctx, cursor); err != nil {
		logging.Op().Warn("stream cursor replication failed", "consumer", cursor.Consumer, "key", cursor.Key, "error", err)
	}
}

func (m *Manager) updateLag(ctx context.Context, library string, decl domain.StreamConsumerDecl) {
	length, err := m.client.XLen(ctx, decl.Key).Result()
	if err != nil {
		return
	}
	cs := m.ensureCursor(library, decl)
	cs.mu.Lock()
	processed := uint64(len(cs.cursor.PendingIDs))
	if !decl.Trim {
		// With trim enabled, processed entries are already gone from the stream.
		processed += cs.cursor.TotalRecordsProcessed
	}
	cs.mu.Unlock()
	lag := length - int64(processed)
	if lag < 0 {
		lag = 0
	}
	metrics.SetStreamLag(library, decl.Name, decl.Key, lag)
}

// applyReplicatedUpdates ingests cursor advances published by a primary so
// that, on promotion, this instance's cursors already reflect the last
// acknowledged id rather than starting over.
func (m *Manager) applyReplicatedUpdates(updates <-chan domain.StreamCursor) {
	defer m.wg.Done()
	for cursor := range updates {
		if m.policy.Role() == domain.RolePrimary {
			continue
		}
		k := cursor.Library + "." + cursor.Consumer
		m.mu.Lock()
		if cs, ok := m.cursors[k]; ok {
			cs.mu.Lock()
			cs.cursor = cursor
			cs.mu.Unlock()
		} else {
			m.cursors[k] = &cursorState{cursor: cursor, done: make(map[string]bool)}
		}
		m.mu.Unlock()
	}
}

// Cursor returns the current state of one (consumer, key) pair, for LIST
// output at higher verbosity.
func (m *Manager) Cursor(library string, decl domain.StreamConsumerDecl) (domain.StreamCursor, bool) {
	m.mu.Lock()
	cs, ok := m.cursors[cursorKey(library, decl)]
	m.mu.Unlock()
	if !ok {
		return domain.StreamCursor{}, false
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.cursor, true
}

// Shutdown stops the pull and replication-ingest loops.
func (m *Manager) Shutdown() {
	close(m.stopCh)
	if m.unsubRep != nil {
		m.unsubRep()
	}
	m.wg.Wait()
}
