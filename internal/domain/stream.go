package domain

import "time"

// StreamCursor is the in-memory, replicated bookkeeping for one
// (consumer, key) pair of a stream consumer: the id the next read starts after,
// which entries are still in flight, and how many records this consumer has
// processed so far. It is the value a primary propagates to replicas on
// every window advance so that promotion does not re-deliver already
// processed records.
type StreamCursor struct {
	Library               string    `json:"library"`
	Consumer              string    `json:"consumer"`
	Key                   string    `json:"key"`
	IDToReadFrom          string    `json:"id_to_read_from"`
	PendingIDs            []string  `json:"pending_ids,omitempty"`
	TotalRecordsProcessed uint64    `json:"total_record_processed"`
	LastError             string    `json:"last_error,omitempty"`
	UpdatedAt             time.Time `json:"updated_at"`
}

// Enqueue records that id has been read and dispatched: it is appended to
// pending_ids (oldest first, since stream ids are monotonically increasing)
// and id_to_read_from is set to id itself. The next read starts strictly
// after id_to_read_from, so id_to_read_from equals the newest pending id
// rather than exceeding it.
func (c StreamCursor) Enqueue(id string) StreamCursor {
	c.PendingIDs = append(append([]string(nil), c.PendingIDs...), id)
	c.IDToReadFrom = id
	c.UpdatedAt = time.Now()
	return c
}

// CompleteFront removes the oldest pending id and counts it processed. The
// caller is responsible for only invoking this once id is actually the
// front of pending_ids, so completions advance total_record_processed and
// the trim point strictly oldest-first even when handlers finish out of
// program order.
func (c StreamCursor) CompleteFront() StreamCursor {
	if len(c.PendingIDs) > 0 {
		c.PendingIDs = c.PendingIDs[1:]
	}
	c.TotalRecordsProcessed++
	c.LastError = ""
	c.UpdatedAt = time.Now()
	return c
}

// WithError returns the cursor with last_error recorded, leaving the read
// position and pending set untouched: a failed entry stays in pending_ids
// and is not re-dispatched, since reads resume after id_to_read_from.
func (c StreamCursor) WithError(err string) StreamCursor {
	c.LastError = err
	c.UpdatedAt = time.Now()
	return c
}
