package async

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gearsrt/runtime/internal/domain"
	"github.com/gearsrt/runtime/internal/policy"
)

func newTestExecutor(t *testing.T) (*Executor, *policy.Enforcer) {
	t.Helper()
	enforcer := policy.New()
	exec := New(Config{Workers: 2, BlockAcquireWait: 2 * time.Second}, enforcer)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		exec.Shutdown(ctx)
	})
	return exec, enforcer
}

func TestRunOnBackgroundResolvesTask(t *testing.T) {
	exec, _ := newTestExecutor(t)

	ictx := domain.InvocationContext{RequestID: "r1", Library: "lib", Function: "fn", Trigger: domain.TriggerCall, User: domain.DefaultRole}
	task := exec.RunOnBackground(ictx, func(ctx context.Context) (any, error) {
		return []byte(`"ok"`), nil
	})

	require.Eventually(t, func() bool {
		got, ok := exec.Task(task.ID)
		return ok && got.Done()
	}, time.Second, 10*time.Millisecond)

	got, _ := exec.Task(task.ID)
	require.Equal(t, domain.TaskResolved, got.State)
	require.Equal(t, `"ok"`, string(got.Result))
}

// TestBlockACLRevokedWhileQueued covers the "ACL revoked mid-flight" async
// scenario: block() must re-verify the caller's identity at acquisition
// time, not trust the snapshot a background task started with.
func TestBlockACLRevokedWhileQueued(t *testing.T) {
	exec, enforcer := newTestExecutor(t)
	enforcer.SetUser(domain.ACLUser{Name: "scripter", Enabled: true, Commands: []string{"allcommands"}, KeyPatterns: []string{"allkeys"}})

	unlock, err := exec.Block(context.Background(), "scripter", false, false)
	require.NoError(t, err)

	queued := make(chan error, 1)
	go func() {
		u, err := exec.Block(context.Background(), "scripter", false, false)
		if err == nil {
			u()
		}
		queued <- err
	}()
	time.Sleep(50 * time.Millisecond)

	enforcer.SetUser(domain.ACLUser{Name: "scripter", Enabled: false})
	unlock()
	err = <-queued
	require.Error(t, err, "a disabled identity must fail block() even though the task started under it while still enabled")
}

// TestBlockOOMDevelopsWhileQueued covers the "OOM on async block" scenario:
// memory pressure that develops after a background task starts must still
// fail its later block() call.
func TestBlockOOMDevelopsWhileQueued(t *testing.T) {
	exec, enforcer := newTestExecutor(t)

	unlock, err := exec.Block(context.Background(), domain.DefaultRole, false, false)
	require.NoError(t, err)

	queued := make(chan error, 1)
	go func() {
		u, err := exec.Block(context.Background(), domain.DefaultRole, false, false)
		if err == nil {
			u()
		}
		queued <- err
	}()
	time.Sleep(50 * time.Millisecond)

	enforcer.SetMemory(domain.MemoryState{MaxMemoryBytes: 1, UsedMemoryBytes: 1})
	unlock()
	err = <-queued
	require.Error(t, err)
	require.Contains(t, err.Error(), policy.ErrOOMNoLock)

	_, err = exec.Block(context.Background(), domain.DefaultRole, false, true)
	require.NoError(t, err, "allow-oom still acquires the lock under memory pressure")
}

// TestBlockReplicaDemotionMidFlight covers the "replica demotion mid-flight"
// scenario: a function without no-writes that successfully started on a
// primary must fail its block() call once the role flips to replica before
// it re-enters.
func TestBlockReplicaDemotionMidFlight(t *testing.T) {
	exec, enforcer := newTestExecutor(t)
	require.Equal(t, domain.RolePrimary, enforcer.Role())

	enforcer.SetRole(domain.RoleReplica)
	_, err := exec.Block(context.Background(), domain.DefaultRole, false, false)
	require.Error(t, err)
	require.Contains(t, err.Error(), policy.ErrReplicaNoLock)

	unlock, err := exec.Block(context.Background(), domain.DefaultRole, true, false)
	require.NoError(t, err, "a no-writes function is unaffected by the demotion")
	unlock()
}

func TestBlockSerializesAcrossConcurrentHolders(t *testing.T) {
	exec, _ := newTestExecutor(t)

	unlock, err := exec.Block(context.Background(), domain.DefaultRole, false, false)
	require.NoError(t, err)

	acquired := make(chan struct{})
	go func() {
		u, err := exec.Block(context.Background(), domain.DefaultRole, false, false)
		require.NoError(t, err)
		close(acquired)
		u()
	}()

	select {
	case <-acquired:
		t.Fatal("second Block acquired the lock while the first still held it")
	case <-time.After(100 * time.Millisecond):
	}

	unlock()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second Block never acquired the lock after release")
	}
}
