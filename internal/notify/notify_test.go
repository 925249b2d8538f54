package notify

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/gearsrt/runtime/internal/async"
	"github.com/gearsrt/runtime/internal/domain"
	"github.com/gearsrt/runtime/internal/policy"
	"github.com/gearsrt/runtime/internal/registry"
	"github.com/gearsrt/runtime/internal/sandbox"
)

// newTestManager wires a Manager against an in-process Redis. dispatch is
// exercised directly (white-box) rather than through handleEvent's
// registry.List scan, since populating the registry with a real entry needs
// a compiled library, which in turn needs a live engine worker process; the
// registry-side prefix-matching handleEvent performs is a thin loop over
// exactly the library/consumer shape dispatch already takes as arguments.
func newTestManager(t *testing.T) (*Manager, *async.Executor) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	sb := sandbox.NewManager(sandbox.DefaultConfig())
	enforcer := policy.New()
	exec := async.New(async.Config{Workers: 2}, enforcer)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		exec.Shutdown(ctx)
	})
	reg := registry.New(sb, nil, nil)

	m := New(client, reg, sb, exec, DefaultConfig())
	return m, exec
}

// TestDispatchSyncRecordsFailureLastError covers the synchronous dispatch
// path: with no library compiled into the sandbox, Invoke fails, and that
// failure must be visible through LastError before dispatch returns.
func TestDispatchSyncRecordsFailureLastError(t *testing.T) {
	m, _ := newTestManager(t)
	lib := domain.Library{Name: "lib"}
	consumer := domain.NotificationConsumerDecl{Name: "onset", KeyPrefix: "user:", Mode: domain.ModeSync}

	m.dispatch(context.Background(), lib, consumer, "set", "user:1")

	require.Eventually(t, func() bool {
		return m.LastError("lib", "onset") != ""
	}, time.Second, 5*time.Millisecond)
	require.Contains(t, m.LastError("lib", "onset"), "library not found")
}

// TestDispatchAsyncRunsOnBackgroundPool covers async mode: dispatch must
// return without blocking on the handler, with the outcome (and LastError)
// only settling once the background task completes.
func TestDispatchAsyncRunsOnBackgroundPool(t *testing.T) {
	m, _ := newTestManager(t)
	lib := domain.Library{Name: "lib"}
	consumer := domain.NotificationConsumerDecl{Name: "onset", KeyPrefix: "user:", Mode: domain.ModeAsync}

	start := time.Now()
	m.dispatch(context.Background(), lib, consumer, "set", "user:1")
	require.Less(t, time.Since(start), 500*time.Millisecond, "async dispatch must not block on the handler")

	require.Eventually(t, func() bool {
		return m.LastError("lib", "onset") != ""
	}, time.Second, 5*time.Millisecond)
}

// TestRecordOutcomeClearsPriorLastError covers recordOutcome's success path
// directly: a consumer that previously failed must show an empty LastError
// again once an outcome with a nil error is recorded (the outcome a
// successful Invoke produces).
func TestRecordOutcomeClearsPriorLastError(t *testing.T) {
	m, _ := newTestManager(t)
	m.recordOutcome("lib", "onset", fmt.Errorf("boom"))
	require.NotEmpty(t, m.LastError("lib", "onset"))

	m.recordOutcome("lib", "onset", nil)
	require.Empty(t, m.LastError("lib", "onset"))
}

func TestLastErrorUnknownConsumerIsEmpty(t *testing.T) {
	m, _ := newTestManager(t)
	require.Empty(t, m.LastError("absent", "absent"))
}
