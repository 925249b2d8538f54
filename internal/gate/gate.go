// Package gate is the Invocation Gate (C3): the single entry point for CALL.
// It resolves the target library and function, snapshots the caller's
// identity, runs every Policy Enforcer check, dispatches into the sandbox,
// and marshals the result back onto the wire, fronted by a per-function
// circuit breaker so a function whose sandbox keeps failing stops being
// dispatched.
package gate

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/gearsrt/runtime/internal/async"
	"github.com/gearsrt/runtime/internal/circuitbreaker"
	"github.com/gearsrt/runtime/internal/domain"
	"github.com/gearsrt/runtime/internal/logging"
	"github.com/gearsrt/runtime/internal/metrics"
	"github.com/gearsrt/runtime/internal/observability"
	"github.com/gearsrt/runtime/internal/policy"
	"github.com/gearsrt/runtime/internal/registry"
	"github.com/gearsrt/runtime/internal/sandbox"
)

// ErrCircuitOpen is returned when a function's breaker has tripped and is
// rejecting calls without touching the sandbox.
var ErrCircuitOpen = fmt.Errorf("circuit breaker is open")

// breakerConfig is applied to every per-function breaker the gate creates.
var breakerConfig = circuitbreaker.Config{
	ErrorPct:       50,
	WindowDuration: 30 * time.Second,
	OpenDuration:   10 * time.Second,
	HalfOpenProbes: 3,
}

// Gate is the Invocation Gate. It also owns wiring the client capability
// (call/block/run_on_background) scripts re-enter the store through: New
// registers those host callbacks on the sandbox so every later Call can
// exercise them.
type Gate struct {
	registry *registry.Registry
	sandbox  *sandbox.Manager
	policy   *policy.Enforcer
	async    *async.Executor
	client   *redis.Client
	breakers *circuitbreaker.Registry

	inflight sync.WaitGroup
	closing  atomic.Bool
}

func New(reg *registry.Registry, sb *sandbox.Manager, enforcer *policy.Enforcer, exec *async.Executor, client *redis.Client) *Gate {
	g := &Gate{
		registry: reg,
		sandbox:  sb,
		policy:   enforcer,
		async:    exec,
		client:   client,
		breakers: circuitbreaker.NewRegistry(),
	}
	sb.SetBlocker(exec)
	sb.RegisterHost("call", g.hostCall)
	sb.RegisterHost("run_on_background", g.hostRunOnBackground)
	return g
}

// hostCall implements client.call(cmd, ...args): ACL-verify cmd (and, when
// given, the key it targets) against the identity snapshotted at CALL entry,
// then execute it against the store and convert the reply losslessly. A nil
// reply surfaces as the sandbox's null sentinel rather than a Go nil.
func (g *Gate) hostCall(ctx context.Context, ictx domain.InvocationContext, args []string) (json.RawMessage, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("client.call requires a command name")
	}
	key := ""
	if len(args) > 1 {
		key = args[1]
	}
	if err := g.policy.CheckCommand(ictx.User, args[0], key); err != nil {
		return nil, err
	}

	cmdArgs := make([]any, len(args))
	for i, a := range args {
		cmdArgs[i] = a
	}
	reply, err := g.client.Do(ctx, cmdArgs...).Result()
	if err != nil {
		if err == redis.Nil {
			return json.Marshal(sandbox.RenderNull(domain.EngineJS))
		}
		return nil, err
	}
	return json.Marshal(reply)
}

// hostRunOnBackground implements run_on_background(async_fn): it schedules
// a BackgroundTask on the Async Executor that re-enters the sandbox via
// Resume to run the continuation identified by taskID off the store's main
// loop, under the same identity the originating CALL carried.
func (g *Gate) hostRunOnBackground(ctx context.Context, ictx domain.InvocationContext, args []string) (json.RawMessage, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("run_on_background requires a continuation id")
	}
	taskID := args[0]
	t := g.async.RunOnBackground(ictx, func(bgCtx context.Context) (any, error) {
		return g.sandbox.Resume(bgCtx, ictx, taskID, nil, "")
	})
	return json.Marshal(map[string]string{"task_id": t.ID})
}

// Call implements CALL: resolve library+function, verify policy, snapshot
// the caller's identity into an InvocationContext, dispatch into the
// sandbox under it, and return a structured response.
func (g *Gate) Call(ctx context.Context, library, function string, args json.RawMessage, caller domain.Role) (*domain.InvokeResponse, error) {
	if g.closing.Load() {
		return nil, fmt.Errorf("gate is shutting down")
	}
	g.inflight.Add(1)
	defer g.inflight.Done()

	found, ok := g.registry.Get(library)
	if !ok {
		return nil, fmt.Errorf("library not found: %s", library)
	}
	decl, ok := found.Function(function)
	if !ok {
		return nil, fmt.Errorf("function not found: %s.%s", library, function)
	}

	breaker := g.breakers.Get(library+"."+function, breakerConfig)
	if breaker != nil {
		metrics.SetCircuitBreakerState(library, function, float64(breaker.State()))
		if !breaker.Allow() {
			return nil, ErrCircuitOpen
		}
	}

	if err := g.policy.Verify(caller, decl.HasFlag(domain.FlagNoWrites), decl.HasFlag(domain.FlagAllowOOM), true); err != nil {
		if breaker != nil {
			breaker.RecordFailure()
			g.recordBreakerTrip(library, function, breaker)
		}
		return nil, err
	}

	requestID := uuid.New().String()[:8]
	ictx := domain.InvocationContext{
		RequestID: requestID,
		Library:   library,
		Function:  function,
		Trigger:   domain.TriggerCall,
		User:      caller,
		NoWrites:  decl.HasFlag(domain.FlagNoWrites),
		AllowOOM:  decl.HasFlag(domain.FlagAllowOOM),
		StartedAt: time.Now(),
	}
	start := ictx.StartedAt

	ctx, span := observability.StartSpan(ctx, "gears.call",
		observability.AttrLibrary.String(library),
		observability.AttrFunction.String(function),
		observability.AttrTrigger.String(string(domain.TriggerCall)),
		observability.AttrRequestID.String(requestID),
	)
	defer span.End()

	output, err := g.sandbox.Invoke(ctx, ictx, args)
	duration := time.Since(start)
	span.SetAttributes(observability.AttrDurationMs.Int64(duration.Milliseconds()))

	metrics.Global().RecordInvocation(library, function, duration.Milliseconds(), err == nil)

	if err != nil {
		observability.SetSpanError(span, err)
		if breaker != nil {
			breaker.RecordFailure()
			g.recordBreakerTrip(library, function, breaker)
		}
		logging.Invocations().Log(logging.InvocationRecord{
			RequestID: requestID, Library: library, Function: function,
			Success: false, Error: err.Error(), DurationMs: duration.Milliseconds(),
		})
		return &domain.InvokeResponse{RequestID: requestID, Error: err.Error(), DurationMs: duration.Milliseconds()}, err
	}
	observability.SetSpanOK(span)

	if breaker != nil {
		breaker.RecordSuccess()
		metrics.SetCircuitBreakerState(library, function, float64(breaker.State()))
	}
	logging.Invocations().Log(logging.InvocationRecord{
		RequestID: requestID, Library: library, Function: function,
		Success: true, DurationMs: duration.Milliseconds(),
	})

	return &domain.InvokeResponse{
		RequestID:  requestID,
		Output:     output,
		DurationMs: duration.Milliseconds(),
	}, nil
}

// recordBreakerTrip updates the breaker-state gauge and, on the transition
// into the open state, the trip counter.
func (g *Gate) recordBreakerTrip(library, function string, breaker *circuitbreaker.Breaker) {
	state := breaker.State()
	metrics.SetCircuitBreakerState(library, function, float64(state))
	if state == circuitbreaker.StateOpen {
		metrics.RecordCircuitBreakerTrip(library, function)
	}
}

// Shutdown blocks until every in-flight Call has returned.
func (g *Gate) Shutdown(ctx context.Context) error {
	g.closing.Store(true)
	done := make(chan struct{})
	go func() {
		g.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
