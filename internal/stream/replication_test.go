package stream

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/gearsrt/runtime/internal/domain"
)

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func TestReplicatorPublishSubscribeRoundTrip(t *testing.T) {
	client := newTestRedis(t)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	replicator := NewReplicator(client)
	updates, stop := replicator.Subscribe(ctx)
	defer stop()

	// Give the subscription goroutine time to establish before publishing;
	// miniredis delivers pub/sub synchronously once Subscribe has returned,
	// but the consuming goroutine still needs to be scheduled.
	time.Sleep(50 * time.Millisecond)

	cursor := domain.StreamCursor{
		Library:               "mylib",
		Consumer:              "consumer-a",
		Key:                   "events:incoming",
		IDToReadFrom:          "1700000000000-0",
		PendingIDs:            []string{"1699999999000-0"},
		TotalRecordsProcessed: 42,
		UpdatedAt:             time.Now().Truncate(time.Second),
	}

	require.NoError(t, replicator.Publish(ctx, cursor))

	select {
	case got := <-updates:
		require.Equal(t, cursor.Library, got.Library)
		require.Equal(t, cursor.Consumer, got.Consumer)
		require.Equal(t, cursor.Key, got.Key)
		require.Equal(t, cursor.IDToReadFrom, got.IDToReadFrom)
		require.Equal(t, cursor.PendingIDs, got.PendingIDs)
		require.Equal(t, cursor.TotalRecordsProcessed, got.TotalRecordsProcessed)
	case <-ctx.Done():
		t.Fatal("timed out waiting for replicated cursor")
	}
}

func TestReplicatorPublishWithErrorField(t *testing.T) {
	client := newTestRedis(t)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	replicator := NewReplicator(client)
	updates, stop := replicator.Subscribe(ctx)
	defer stop()
	time.Sleep(50 * time.Millisecond)

	cursor := domain.StreamCursor{Library: "mylib", Consumer: "consumer-b", Key: "k"}.WithError("boom")
	require.NoError(t, replicator.Publish(ctx, cursor))

	select {
	case got := <-updates:
		require.Equal(t, "boom", got.LastError)
	case <-ctx.Done():
		t.Fatal("timed out waiting for replicated cursor")
	}
}
