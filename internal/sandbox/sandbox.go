// Package sandbox is the Sandbox Adapter (C1): it treats the script engine
// as an opaque out-of-process worker and exposes the four operations the
// rest of the runtime needs from it — Compile, RegisterHost, Invoke, Resume —
// over a length-prefixed framed protocol driving a host-process agent.
package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/gearsrt/runtime/internal/domain"
	"github.com/gearsrt/runtime/internal/logging"
	"github.com/gearsrt/runtime/internal/metrics"
)

// Sentinel error strings. These are carried verbatim so that substring
// assertions in calling code and in tests match exactly.
const (
	ErrUnknownBackend       = "Unknown backend"
	ErrFailedFindNameProp   = "Failed find 'name' property"
	ErrMustBeString         = "must be a string"
	ErrMustBeFunction       = "must be a function"
	ErrNoFunctionRegistered = "No function nor registrations was registered"
)

// ErrFunctionExists formats the "Function <n> already exists" sentinel for
// a duplicate registration within one LOAD.
func ErrFunctionExists(name string) error {
	return fmt.Errorf("Function %s already exists", name)
}

// NullValue is the distinguished sentinel the sandbox renders as the
// engine-specific null token (the JS engine renders it as the literal string
// "undefined") when a host callback returns a missing key.
type NullValue struct{}

const jsUndefined = "undefined"

// RenderNull renders NullValue the way the named engine's script code
// expects to see a missing value.
func RenderNull(engine domain.Engine) string {
	switch engine {
	case domain.EngineJS:
		return jsUndefined
	default:
		return jsUndefined
	}
}

// HostCallback is a Go-side function the sandbox can invoke from script code
// (e.g. client.call(...) reaching back into the store), given the identity
// snapshot the invocation started with.
type HostCallback func(ctx context.Context, ictx domain.InvocationContext, args []string) (json.RawMessage, error)

// Blocker grants and releases the store's single global write lock for
// client.block: the Async Executor satisfies this.
type Blocker interface {
	Block(ctx context.Context, role domain.Role, noWrites, allowOOM bool) (func(), error)
}

// CompiledLibrary is the sandbox's internal record of one successfully
// compiled library: its declared functions/consumers plus the worker that
// will execute invocations against it.
type CompiledLibrary struct {
	Name    string
	Engine  domain.Engine
	Worker  *worker
	Decl    domain.Library
}

// Manager is the Sandbox Adapter. One worker process is kept per engine tag;
// compiling a library under an engine that has no worker configured fails
// with ErrUnknownBackend.
type Manager struct {
	mu        sync.RWMutex
	cfg       Config
	workers   map[domain.Engine]*worker
	libraries map[string]*CompiledLibrary
	hostFns   map[string]HostCallback
	blocker   Blocker

	activeIsolates    int64
	notActiveIsolates int64

	spawnGroup singleflight.Group
}

// Config holds Sandbox Adapter configuration.
type Config struct {
	WorkerBinaryPath map[domain.Engine]string
	PortRangeMin     int
	PortRangeMax     int
	BootTimeout      time.Duration
	InvokeTimeout    time.Duration
}

func DefaultConfig() Config {
	return Config{
		WorkerBinaryPath: map[domain.Engine]string{
			domain.EngineJS: "/opt/gearsrt/bin/js-worker",
		},
		PortRangeMin:  31000,
		PortRangeMax:  40000,
		BootTimeout:   10 * time.Second,
		InvokeTimeout: 30 * time.Second,
	}
}

func NewManager(cfg Config) *Manager {
	return &Manager{
		cfg:       cfg,
		workers:   make(map[domain.Engine]*worker),
		libraries: make(map[string]*CompiledLibrary),
		hostFns:   make(map[string]HostCallback),
	}
}

// RegisterHost makes a Go callback reachable from sandboxed script code
// under the given name (e.g. "call", "run_on_background").
func (m *Manager) RegisterHost(name string, fn HostCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hostFns[name] = fn
}

// SetBlocker wires the write-lock grantor client.block re-enters through.
func (m *Manager) SetBlocker(b Blocker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blocker = b
}

// hostDispatch builds the host_call router for one invocation: "block_acquire"
// and "block_release" are handled here directly since granting the write
// lock needs to outlive any single host_call frame, while every other name
// is routed to a registered HostCallback under the invocation's identity
// snapshot. cleanup releases an acquired lock the worker never explicitly
// released (e.g. because the invocation errored out).
func (m *Manager) hostDispatch(ictx domain.InvocationContext) (dispatch HostDispatch, cleanup func()) {
	var unlock func()
	dispatch = func(ctx context.Context, name string, args []string) (json.RawMessage, error) {
		switch name {
		case "block_acquire":
			m.mu.RLock()
			blocker := m.blocker
			m.mu.RUnlock()
			if blocker == nil {
				return nil, fmt.Errorf("client.block is not available")
			}
			u, err := blocker.Block(ctx, ictx.User, ictx.NoWrites, ictx.AllowOOM)
			if err != nil {
				return nil, err
			}
			unlock = u
			return json.Marshal(true)
		case "block_release":
			if unlock != nil {
				unlock()
				unlock = nil
			}
			return json.Marshal(true)
		default:
			m.mu.RLock()
			fn, ok := m.hostFns[name]
			m.mu.RUnlock()
			if !ok {
				return nil, fmt.Errorf("unknown host capability: %s", name)
			}
			return fn(ctx, ictx, args)
		}
	}
	cleanup = func() {
		if unlock != nil {
			unlock()
			unlock = nil
		}
	}
	return dispatch, cleanup
}

// Compile loads library source under the given engine, validates its
// registrations, and swaps it into the active set atomically: a failing
// compile never disturbs a previously loaded library of the same name
// (LOAD UPGRADE semantics).
func (m *Manager) Compile(ctx context.Context, lib domain.Library) (*CompiledLibrary, error) {
	w, err := m.ensureWorker(ctx, lib.Engine)
	if err != nil {
		return nil, err
	}

	decl, err := w.compile(ctx, lib)
	if err != nil {
		return nil, err
	}
	if len(decl.Functions) == 0 && len(decl.Notifications) == 0 && len(decl.Streams) == 0 {
		return nil, fmt.Errorf(ErrNoFunctionRegistered)
	}
	if err := validateRegistrations(decl); err != nil {
		return nil, err
	}

	compiled := &CompiledLibrary{Name: lib.Name, Engine: lib.Engine, Worker: w, Decl: decl}

	m.mu.Lock()
	prev := m.libraries[lib.Name]
	m.libraries[lib.Name] = compiled
	m.mu.Unlock()

	atomic.AddInt64(&m.activeIsolates, 1)
	if prev != nil {
		// The superseded worker's isolate drains once in-flight calls
		// finish, not immediately on replacement.
		go m.retireIsolate(prev)
	}
	stats := m.IsolatesStats()
	metrics.SetActiveIsolates(stats.Active, stats.NotActive)

	logging.Op().Info("sandbox library compiled", "library", lib.Name, "engine", lib.Engine)
	return compiled, nil
}

// validateRegistrations enforces the structural invariants a worker's
// compile result must satisfy: every declared function/consumer names
// itself (a missing name means the registration call never received its
// required {name} config property), and no two functions within one library
// share a name.
func validateRegistrations(lib domain.Library) error {
	seen := make(map[string]bool, len(lib.Functions))
	for _, f := range lib.Functions {
		if f.Name == "" {
			return fmt.Errorf(ErrFailedFindNameProp)
		}
		if seen[f.Name] {
			return ErrFunctionExists(f.Name)
		}
		seen[f.Name] = true
	}
	for _, n := range lib.Notifications {
		if n.Name == "" {
			return fmt.Errorf(ErrFailedFindNameProp)
		}
	}
	for _, s := range lib.Streams {
		if s.Name == "" {
			return fmt.Errorf(ErrFailedFindNameProp)
		}
	}
	return nil
}

func (m *Manager) retireIsolate(prev *CompiledLibrary) {
	prev.Worker.drainLastCall()
	atomic.AddInt64(&m.activeIsolates, -1)
	atomic.AddInt64(&m.notActiveIsolates, 1)
	stats := m.IsolatesStats()
	metrics.SetActiveIsolates(stats.Active, stats.NotActive)
}

// Invoke dispatches a single call into the compiled library's worker under
// the given identity snapshot and blocks for the result, answering any
// client.call/client.block/run_on_background re-entry the worker raises
// along the way.
func (m *Manager) Invoke(ctx context.Context, ictx domain.InvocationContext, args []byte) ([]byte, error) {
	m.mu.RLock()
	lib, ok := m.libraries[ictx.Library]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("library not found: %s", ictx.Library)
	}
	dispatch, cleanup := m.hostDispatch(ictx)
	defer cleanup()
	return lib.Worker.invoke(ctx, ictx.Library, ictx.Function, args, dispatch)
}

// Resume delivers a host-side promise resolution/rejection (or, with a nil
// result and empty resumeErr, a request to begin running it) back into a
// suspended invocation, continuing its execution inside the sandbox under
// the same identity snapshot the originating CALL carried.
func (m *Manager) Resume(ctx context.Context, ictx domain.InvocationContext, taskID string, result []byte, resumeErr string) ([]byte, error) {
	m.mu.RLock()
	lib, ok := m.libraries[ictx.Library]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("library not found: %s", ictx.Library)
	}
	dispatch, cleanup := m.hostDispatch(ictx)
	defer cleanup()
	return lib.Worker.resume(ctx, taskID, result, resumeErr, dispatch)
}

// Delete removes a compiled library and retires its isolate.
func (m *Manager) Delete(name string) error {
	m.mu.Lock()
	lib, ok := m.libraries[name]
	if ok {
		delete(m.libraries, name)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("library not found: %s", name)
	}
	go m.retireIsolate(lib)
	return nil
}

func (m *Manager) Library(name string) (*CompiledLibrary, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	lib, ok := m.libraries[name]
	return lib, ok
}

func (m *Manager) List() []*CompiledLibrary {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*CompiledLibrary, 0, len(m.libraries))
	for _, lib := range m.libraries {
		out = append(out, lib)
	}
	return out
}

// IsolatesStats implements `RG.FUNCTION DEBUG <engine> isolates_stats`.
type IsolatesStats struct {
	Active    int64 `json:"active"`
	NotActive int64 `json:"not_active"`
}

func (m *Manager) IsolatesStats() IsolatesStats {
	return IsolatesStats{
		Active:    atomic.LoadInt64(&m.activeIsolates),
		NotActive: atomic.LoadInt64(&m.notActiveIsolates),
	}
}

// ensureWorker returns the running worker for an engine, spawning one on
// first use. Concurrent first-use callers for the same engine (e.g. two
// libraries compiling under a cold engine at once) share a single spawn via
// spawnGroup instead of racing to start two worker processes and leaking
// whichever one loses the map-store race.
func (m *Manager) ensureWorker(ctx context.Context, engine domain.Engine) (*worker, error) {
	if !engine.IsValid() {
		return nil, fmt.Errorf(ErrUnknownBackend)
	}
	m.mu.RLock()
	w, ok := m.workers[engine]
	m.mu.RUnlock()
	if ok {
		return w, nil
	}

	path, ok := m.cfg.WorkerBinaryPath[engine]
	if !ok {
		return nil, fmt.Errorf(ErrUnknownBackend)
	}

	v, err, _ := m.spawnGroup.Do(string(engine), func() (any, error) {
		m.mu.RLock()
		if w, ok := m.workers[engine]; ok {
			m.mu.RUnlock()
			return w, nil
		}
		m.mu.RUnlock()

		bootCtx, cancel := context.WithTimeout(ctx, m.cfg.BootTimeout)
		defer cancel()

		w, err := spawnWorker(bootCtx, engine, path, m.cfg.InvokeTimeout)
		if err != nil {
			return nil, fmt.Errorf("start %s worker: %w", engine, err)
		}

		m.mu.Lock()
		m.workers[engine] = w
		m.mu.Unlock()
		return w, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*worker), nil
}

// Shutdown stops every worker process.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, w := range m.workers {
		w.stop()
	}
}
