package stream

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/gearsrt/runtime/internal/domain"
)

// replicationChannel carries cursor advances from the primary so that a
// promoted replica resumes each stream consumer from the same id instead of
// re-reading from the start.
const replicationChannel = "gears:stream:cursor"

// Replicator publishes and ingests StreamCursor updates across the
// replication channel, using msgpack for a compact wire payload instead of
// the JSON already used for persistence.
type Replicator struct {
	client *redis.Client
}

func NewReplicator(client *redis.Client) *Replicator {
	return &Replicator{client: client}
}

// Publish broadcasts a cursor's current state. Best-effort: replication lag
// does not block the pull loop.
func (r *Replicator) Publish(ctx context.Context, cursor domain.StreamCursor) error {
	data, err := msgpack.Marshal(cursor)
	if err != nil {
		return fmt.Errorf("encode stream cursor: %w", err)
	}
	return r.client.Publish(ctx, replicationChannel, data).Err()
}

// Subscribe returns a channel of cursor updates ingested from the
// replication feed, for a replica to apply to its local cursor table ahead
// of promotion.
func (r *Replicator) Subscribe(ctx context.Context) (<-chan domain.StreamCursor, func()) {
	pubsub := r.client.Subscribe(ctx, replicationChannel)
	out := make(chan domain.StreamCursor, 32)

	go func() {
		defer close(out)
		msgCh := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgCh:
				if !ok {
					return
				}
				var cursor domain.StreamCursor
				if err := msgpack.Unmarshal([]byte(msg.Payload), &cursor); err != nil {
					continue
				}
				select {
				case out <- cursor:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, func() { pubsub.Close() }
}
