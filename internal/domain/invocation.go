package domain

import (
	"encoding/json"
	"time"
)

// TriggerKind records what caused an invocation, for logging and for the
// Policy Enforcer's re-verification logic (a background task re-checks
// identity/role/memory at every block() point, a synchronous call only
// once at entry).
type TriggerKind string

const (
	TriggerCall         TriggerKind = "call"
	TriggerNotification TriggerKind = "notification"
	TriggerStream       TriggerKind = "stream"
)

// InvocationContext is the identity and origin snapshot carried through one
// dispatch into the sandbox: who is calling, under what role, and whether
// the call arrived synchronously or from a consumer.
type InvocationContext struct {
	RequestID string      `json:"request_id"`
	Library   string      `json:"library"`
	Function  string      `json:"function"`
	Trigger   TriggerKind `json:"trigger"`
	User      Role        `json:"user"`
	NoWrites  bool        `json:"no_writes"`
	AllowOOM  bool        `json:"allow_oom"`
	StartedAt time.Time   `json:"started_at"`
}

// TaskState is the lifecycle of a BackgroundTask created by run_on_background
// or by a function that returns before resolving its promise.
type TaskState string

const (
	TaskPending   TaskState = "pending"
	TaskRunning   TaskState = "running"
	TaskBlocked   TaskState = "blocked"
	TaskResolved  TaskState = "resolved"
	TaskRejected  TaskState = "rejected"
)

// BackgroundTask is one async-executor unit of work: a suspended sandbox
// invocation waiting on a promise, or a callback registered via
// run_on_background that has not yet been scheduled onto a worker.
type BackgroundTask struct {
	ID         string            `json:"id"`
	Context    InvocationContext `json:"context"`
	State      TaskState         `json:"state"`
	Result     json.RawMessage   `json:"result,omitempty"`
	Error      string            `json:"error,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	ResolvedAt *time.Time        `json:"resolved_at,omitempty"`
}

func (t *BackgroundTask) Done() bool {
	return t.State == TaskResolved || t.State == TaskRejected
}
