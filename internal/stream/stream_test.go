package stream

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gearsrt/runtime/internal/async"
	"github.com/gearsrt/runtime/internal/domain"
	"github.com/gearsrt/runtime/internal/policy"
	"github.com/gearsrt/runtime/internal/registry"
	"github.com/gearsrt/runtime/internal/sandbox"
)

func newTestManager(t *testing.T) (*Manager, *redis.Client) {
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

	m := New(client, reg, sb, exec, enforcer, Config{PollInterval: time.Hour})
	return m, client
}

// TestStreamWindow verifies the windowing protocol: pullWindow stops reading
// once the pending set reaches the configured window, regardless of whether
// dispatched handlers succeed.
func TestStreamWindow(t *testing.T) {
	m, client := newTestManager(t)
	ctx := context.Background()

	key := "events:incoming"
	for i := 0; i < 5; i++ {
		require.NoError(t, client.XAdd(ctx, &redis.XAddArgs{Stream: key, Values: map[string]any{"n": i}}).Err())
	}

	lib := domain.Library{Name: "mylib"}
	decl := domain.StreamConsumerDecl{Name: "consumer-a", Key: key, Window: 3, Mode: domain.ModeSync}
	cs := m.ensureCursor(lib.Name, decl)

	m.pullWindow(ctx, lib, decl, cs)

	cs.mu.Lock()
	pending := append([]string(nil), cs.cursor.PendingIDs...)
	cs.mu.Unlock()
	require.Len(t, pending, 3, "pullWindow must not read past the configured window")

	length, err := client.XLen(ctx, key).Result()
	require.NoError(t, err)
	require.EqualValues(t, 5, length, "unread entries are left on the stream, not consumed")
}

// TestStreamTrim verifies that a successful completion advances
// total_record_processed and, with trim enabled, deletes the entry from the
// stream.
func TestStreamTrim(t *testing.T) {
	m, client := newTestManager(t)
	ctx := context.Background()

	key := "events:incoming"
	id, err := client.XAdd(ctx, &redis.XAddArgs{Stream: key, Values: map[string]any{"n": 1}}).Result()
	require.NoError(t, err)

	lib := domain.Library{Name: "mylib"}
	decl := domain.StreamConsumerDecl{Name: "consumer-a", Key: key, Window: 3, Trim: true, Mode: domain.ModeSync}
	cs := m.ensureCursor(lib.Name, decl)
	cs.mu.Lock()
	cs.cursor = cs.cursor.Enqueue(id)
	cs.mu.Unlock()

	m.complete(ctx, lib, decl, cs, id, nil)

	cursor, ok := m.Cursor(lib.Name, decl)
	require.True(t, ok)
	require.Empty(t, cursor.PendingIDs)
	require.EqualValues(t, 1, cursor.TotalRecordsProcessed)
	require.Empty(t, cursor.LastError)

	length, err := client.XLen(ctx, key).Result()
	require.NoError(t, err)
	require.EqualValues(t, 0, length, "trim=true deletes a completed entry from the stream")
}

func TestStreamCompleteFailureRecordsLastErrorAndKeepsPending(t *testing.T) {
	m, client := newTestManager(t)
	ctx := context.Background()

	key := "events:incoming"
	id, err := client.XAdd(ctx, &redis.XAddArgs{Stream: key, Values: map[string]any{"n": 1}}).Result()
	require.NoError(t, err)

	lib := domain.Library{Name: "mylib"}
	decl := domain.StreamConsumerDecl{Name: "consumer-a", Key: key, Window: 3, Trim: true, Mode: domain.ModeSync}
	cs := m.ensureCursor(lib.Name, decl)
	cs.mu.Lock()
	cs.cursor = cs.cursor.Enqueue(id)
	cs.mu.Unlock()

	m.complete(ctx, lib, decl, cs, id, assert.AnError)

	cursor, ok := m.Cursor(lib.Name, decl)
	require.True(t, ok)
	require.Equal(t, []string{id}, cursor.PendingIDs, "a failed entry stays pending")
	require.EqualValues(t, 0, cursor.TotalRecordsProcessed)
	require.Equal(t, assert.AnError.Error(), cursor.LastError)

	length, err := client.XLen(ctx, key).Result()
	require.NoError(t, err)
	require.EqualValues(t, 1, length, "a failed entry is never trimmed")
}

// TestStreamCompleteOutOfOrderAdvancesOldestFirst verifies that out-of-order
// completions only advance total_record_processed and the trim point up to
// the oldest still-pending entry.
func TestStreamCompleteOutOfOrderAdvancesOldestFirst(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	lib := domain.Library{Name: "mylib"}
	decl := domain.StreamConsumerDecl{Name: "consumer-a", Key: "k", Window: 3, Mode: domain.ModeSync}
	cs := m.ensureCursor(lib.Name, decl)
	cs.mu.Lock()
	cs.cursor = cs.cursor.Enqueue("1-1").Enqueue("1-2").Enqueue("1-3")
	cs.mu.Unlock()

	m.complete(ctx, lib, decl, cs, "1-2", nil)
	cursor, _ := m.Cursor(lib.Name, decl)
	require.Equal(t, []string{"1-1", "1-2", "1-3"}, cursor.PendingIDs, "completing the middle entry cannot advance past the still-pending oldest one")
	require.EqualValues(t, 0, cursor.TotalRecordsProcessed)

	m.complete(ctx, lib, decl, cs, "1-1", nil)
	cursor, _ = m.Cursor(lib.Name, decl)
	require.Equal(t, []string{"1-3"}, cursor.PendingIDs, "both 1-1 and the already-done 1-2 pop together once 1-1 completes")
	require.EqualValues(t, 2, cursor.TotalRecordsProcessed)
}

// TestStreamReplicaResume verifies that a replica ingests the cursor state
// replicated by the primary, so the cursor it would resume from on promotion
// matches the primary's rather than the beginning of the stream.
func TestStreamReplicaResume(t *testing.T) {
	m, _ := newTestManager(t)
	m.policy.SetRole(domain.RoleReplica)

	updates := make(chan domain.StreamCursor, 1)
	done := make(chan struct{})
	m.wg.Add(1)
	go func() {
		defer close(done)
		m.applyReplicatedUpdates(updates)
	}()

	primaryCursor := domain.StreamCursor{
		Library:               "mylib",
		Consumer:              "consumer-a",
		Key:                   "events:incoming",
		IDToReadFrom:          "1700000000000-0",
		PendingIDs:            []string{"1699999999000-0"},
		TotalRecordsProcessed: 7,
	}
	updates <- primaryCursor
	close(updates)
	<-done

	decl := domain.StreamConsumerDecl{Name: "consumer-a", Key: "events:incoming"}
	resumed, ok := m.Cursor("mylib", decl)
	require.True(t, ok)
	require.Equal(t, primaryCursor.IDToReadFrom, resumed.IDToReadFrom)
	require.Equal(t, primaryCursor.PendingIDs, resumed.PendingIDs)
	require.EqualValues(t, 7, resumed.TotalRecordsProcessed)
}
