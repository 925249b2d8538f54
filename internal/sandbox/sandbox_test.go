package sandbox

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gearsrt/runtime/internal/domain"
)

// newEngineStub wires a worker to one end of an in-memory pipe and returns
// the other end as a plain worker, so a test can script the script-engine
// side of the framed protocol without spawning a real worker process.
func newEngineStub(t *testing.T) (*worker, *worker) {
	t.Helper()
	clientConn, serverConn := net.Pipe()
	t.Cleanup(func() {
		clientConn.Close()
		serverConn.Close()
	})
	w := &worker{engine: domain.EngineJS, conn: clientConn, timeout: 2 * time.Second, drained: make(chan struct{})}
	stub := &worker{conn: serverConn}
	return w, stub
}

func TestSandboxCompileAndInvokeRoundTrip(t *testing.T) {
	mgr := NewManager(DefaultConfig())
	w, stub := newEngineStub(t)
	mgr.mu.Lock()
	mgr.workers[domain.EngineJS] = w
	mgr.mu.Unlock()

	go func() {
		msg, err := stub.recv()
		require.NoError(t, err)
		require.Equal(t, msgCompile, msg.Type)
		result, _ := json.Marshal(compileResult{Functions: []domain.FunctionDecl{{Name: "handler"}}})
		require.NoError(t, stub.send(wireMessage{Type: msgResult, Payload: result}))

		msg, err = stub.recv()
		require.NoError(t, err)
		require.Equal(t, msgInvoke, msg.Type)
		require.NoError(t, stub.send(wireMessage{Type: msgResult, Payload: json.RawMessage(`1`)}))
	}()

	ctx := context.Background()
	compiled, err := mgr.Compile(ctx, domain.Library{Name: "test", Engine: domain.EngineJS, Source: "return 1"})
	require.NoError(t, err)
	require.Len(t, compiled.Decl.Functions, 1)
	require.Equal(t, "handler", compiled.Decl.Functions[0].Name)

	ictx := domain.InvocationContext{Library: "test", Function: "handler", User: domain.DefaultRole}
	out, err := mgr.Invoke(ctx, ictx, []byte(`{}`))
	require.NoError(t, err)
	require.Equal(t, "1", string(out))
}

// TestSandboxHostCallBridgeEndToEnd drives a full client.call(...) re-entry:
// the stubbed engine suspends mid-invoke with a host_call frame, the
// registered HostCallback answers it, and the engine resumes to a final
// result. This is the bridge maintainer review item 1 required.
func TestSandboxHostCallBridgeEndToEnd(t *testing.T) {
	mgr := NewManager(DefaultConfig())
	w, stub := newEngineStub(t)
	mgr.mu.Lock()
	mgr.workers[domain.EngineJS] = w
	mgr.libraries["lib"] = &CompiledLibrary{
		Name: "lib", Engine: domain.EngineJS, Worker: w,
		Decl: domain.Library{Name: "lib", Functions: []domain.FunctionDecl{{Name: "fn"}}},
	}
	mgr.mu.Unlock()

	var gotUser domain.Role
	var gotArgs []string
	mgr.RegisterHost("call", func(ctx context.Context, ictx domain.InvocationContext, args []string) (json.RawMessage, error) {
		gotUser = ictx.User
		gotArgs = args
		return json.Marshal("1")
	})

	go func() {
		msg, err := stub.recv()
		require.NoError(t, err)
		require.Equal(t, msgInvoke, msg.Type)

		callPayload, _ := json.Marshal(hostCallPayload{Name: "call", Args: []string{"get", "x"}})
		require.NoError(t, stub.send(wireMessage{Type: msgHostCall, Payload: callPayload}))

		msg, err = stub.recv()
		require.NoError(t, err)
		require.Equal(t, msgHostResult, msg.Type)
		var hr hostResultPayload
		require.NoError(t, json.Unmarshal(msg.Payload, &hr))
		require.Empty(t, hr.Error)
		require.Equal(t, `"1"`, string(hr.Result))

		require.NoError(t, stub.send(wireMessage{Type: msgResult, Payload: hr.Result}))
	}()

	ictx := domain.InvocationContext{Library: "lib", Function: "fn", User: "alice"}
	out, err := mgr.Invoke(context.Background(), ictx, []byte(`{}`))
	require.NoError(t, err)
	require.Equal(t, `"1"`, string(out))
	require.Equal(t, []string{"get", "x"}, gotArgs)
	require.Equal(t, domain.Role("alice"), gotUser, "the host callback must see the caller's identity, not a default")
}

// fakeBlocker satisfies the Blocker interface for testing client.block
// without the real Async Executor's write-lock machinery.
type fakeBlocker struct {
	unlocked bool
}

func (b *fakeBlocker) Block(ctx context.Context, role domain.Role, noWrites, allowOOM bool) (func(), error) {
	return func() { b.unlocked = true }, nil
}

func TestSandboxBlockAcquireReleaseBridge(t *testing.T) {
	mgr := NewManager(DefaultConfig())
	w, stub := newEngineStub(t)
	blocker := &fakeBlocker{}
	mgr.SetBlocker(blocker)
	mgr.mu.Lock()
	mgr.workers[domain.EngineJS] = w
	mgr.libraries["lib"] = &CompiledLibrary{Name: "lib", Engine: domain.EngineJS, Worker: w}
	mgr.mu.Unlock()

	go func() {
		msg, err := stub.recv()
		require.NoError(t, err)
		require.Equal(t, msgInvoke, msg.Type)

		acquirePayload, _ := json.Marshal(hostCallPayload{Name: "block_acquire"})
		require.NoError(t, stub.send(wireMessage{Type: msgHostCall, Payload: acquirePayload}))
		msg, err = stub.recv()
		require.NoError(t, err)
		require.Equal(t, msgHostResult, msg.Type)

		releasePayload, _ := json.Marshal(hostCallPayload{Name: "block_release"})
		require.NoError(t, stub.send(wireMessage{Type: msgHostCall, Payload: releasePayload}))
		msg, err = stub.recv()
		require.NoError(t, err)
		require.Equal(t, msgHostResult, msg.Type)

		require.NoError(t, stub.send(wireMessage{Type: msgResult, Payload: json.RawMessage(`null`)}))
	}()

	ictx := domain.InvocationContext{Library: "lib", Function: "fn", User: domain.DefaultRole}
	_, err := mgr.Invoke(context.Background(), ictx, []byte(`{}`))
	require.NoError(t, err)
	require.True(t, blocker.unlocked, "block_release must invoke the unlock func the Blocker returned")
}

// TestSandboxUpgradeSuccessSwapsIsolateAndUpdatesStats covers the upgrade
// success scenario: isolates_stats shows active=1 not_active=0 after the
// first load, then active=1 not_active=1 once the superseded isolate drains.
func TestSandboxUpgradeSuccessSwapsIsolateAndUpdatesStats(t *testing.T) {
	mgr := NewManager(DefaultConfig())
	w, stub := newEngineStub(t)
	mgr.mu.Lock()
	mgr.workers[domain.EngineJS] = w
	mgr.mu.Unlock()

	go func() {
		for i := 0; i < 2; i++ {
			msg, err := stub.recv()
			require.NoError(t, err)
			require.Equal(t, msgCompile, msg.Type)
			result, _ := json.Marshal(compileResult{Functions: []domain.FunctionDecl{{Name: "fn"}}})
			require.NoError(t, stub.send(wireMessage{Type: msgResult, Payload: result}))
		}
	}()

	_, err := mgr.Compile(context.Background(), domain.Library{Name: "test", Engine: domain.EngineJS, Source: "v1"})
	require.NoError(t, err)
	require.Equal(t, IsolatesStats{Active: 1, NotActive: 0}, mgr.IsolatesStats())

	_, err = mgr.Compile(context.Background(), domain.Library{Name: "test", Engine: domain.EngineJS, Source: "v2"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		stats := mgr.IsolatesStats()
		return stats.Active == 1 && stats.NotActive == 1
	}, time.Second, 5*time.Millisecond, "the superseded isolate must retire once idle, not disappear immediately")
}

// TestSandboxUpgradeFailureKeepsPreviousLibraryActive covers the upgrade
// failure scenario: a LOAD UPGRADE whose new source fails to compile must
// leave the previously active library and isolates_stats untouched.
func TestSandboxUpgradeFailureKeepsPreviousLibraryActive(t *testing.T) {
	mgr := NewManager(DefaultConfig())
	w, stub := newEngineStub(t)
	mgr.mu.Lock()
	mgr.workers[domain.EngineJS] = w
	mgr.mu.Unlock()

	go func() {
		msg, err := stub.recv()
		require.NoError(t, err)
		require.Equal(t, msgCompile, msg.Type)
		result, _ := json.Marshal(compileResult{Functions: []domain.FunctionDecl{{Name: "fn"}}})
		require.NoError(t, stub.send(wireMessage{Type: msgResult, Payload: result}))

		msg, err = stub.recv()
		require.NoError(t, err)
		require.Equal(t, msgCompile, msg.Type)
		errPayload, _ := json.Marshal(ErrMustBeFunction)
		require.NoError(t, stub.send(wireMessage{Type: msgError, Payload: errPayload}))
	}()

	first, err := mgr.Compile(context.Background(), domain.Library{Name: "test", Engine: domain.EngineJS, Source: "v1"})
	require.NoError(t, err)

	_, err = mgr.Compile(context.Background(), domain.Library{Name: "test", Engine: domain.EngineJS, Source: "v2 bad"})
	require.Error(t, err)
	require.Contains(t, err.Error(), ErrMustBeFunction)

	stillActive, ok := mgr.Library("test")
	require.True(t, ok)
	require.Equal(t, first.Decl.Functions, stillActive.Decl.Functions)
	require.Equal(t, IsolatesStats{Active: 1, NotActive: 0}, mgr.IsolatesStats())
}
