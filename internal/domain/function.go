// Package domain holds the core value types shared by every component of the
// runtime: libraries, the functions and consumers they register, invocation
// context, and the background-task bookkeeping needed by the async executor.
package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// Engine identifies the sandbox backend a library's source is compiled for.
type Engine string

const (
	EngineJS Engine = "js"
)

func (e Engine) IsValid() bool {
	switch e {
	case EngineJS:
		return true
	}
	return false
}

// FunctionFlag modifies how the Invocation Gate and Policy Enforcer treat a
// callable function.
type FunctionFlag string

const (
	FlagNoWrites  FunctionFlag = "no-writes"
	FlagAllowOOM  FunctionFlag = "allow-oom"
	FlagRawArg    FunctionFlag = "raw-arguments"
)

// FunctionDecl is a single callable function exported by a library, created
// by script code calling register_function(name, callback, flags...).
type FunctionDecl struct {
	Name  string         `json:"name"`
	Flags []FunctionFlag `json:"flags,omitempty"`
}

func (f FunctionDecl) HasFlag(flag FunctionFlag) bool {
	for _, fl := range f.Flags {
		if fl == flag {
			return true
		}
	}
	return false
}

// NotificationConsumerDecl is a keyspace-event consumer created by script
// code calling register_notifications_consumer(prefix, callback, mode).
type NotificationConsumerDecl struct {
	Name      string         `json:"name"`
	KeyPrefix string         `json:"key_prefix"`
	Mode      ConsumerMode   `json:"mode"`
	Flags     []FunctionFlag `json:"flags,omitempty"`

	// LastError is populated only by LIST at vv+ verbosity; it is never set
	// by compilation and carries no meaning outside a listing response.
	LastError string `json:"last_error,omitempty"`
}

func (n NotificationConsumerDecl) HasFlag(flag FunctionFlag) bool {
	for _, fl := range n.Flags {
		if fl == flag {
			return true
		}
	}
	return false
}

// ConsumerMode selects whether a notification or stream consumer callback
// runs synchronously, inline with the triggering event, or is handed to the
// async executor's background worker pool.
type ConsumerMode string

const (
	ModeSync  ConsumerMode = "sync"
	ModeAsync ConsumerMode = "async"
)

// StreamConsumerDecl is an append-log consumer created by script code calling
// register_stream_consumer(key, callback, window, trim).
type StreamConsumerDecl struct {
	Name   string         `json:"name"`
	Key    string         `json:"key"`
	Window int            `json:"window"`
	Trim   bool           `json:"trim"`
	Mode   ConsumerMode   `json:"mode"`
	Flags  []FunctionFlag `json:"flags,omitempty"`

	// The fields below are populated only by LIST: LastError at vv+,
	// the rest of the cursor at vvv. Compilation never sets them.
	LastError             string   `json:"last_error,omitempty"`
	PendingIDs            []string `json:"pending_ids,omitempty"`
	IDToReadFrom          string   `json:"id_to_read_from,omitempty"`
	TotalRecordsProcessed uint64   `json:"total_record_processed,omitempty"`
}

func (s StreamConsumerDecl) HasFlag(flag FunctionFlag) bool {
	for _, fl := range s.Flags {
		if fl == flag {
			return true
		}
	}
	return false
}

// Library is a loaded unit of source code: one LOAD or LOAD UPGRADE call,
// registering one or more functions and consumers.
type Library struct {
	Name        string                     `json:"name"`
	Engine      Engine                     `json:"engine"`
	Source      string                     `json:"source"`
	SourceHash  string                     `json:"source_hash"`
	ConfigJSON  json.RawMessage            `json:"config,omitempty"`
	Functions   []FunctionDecl             `json:"functions,omitempty"`
	Notifications []NotificationConsumerDecl `json:"notifications,omitempty"`
	Streams     []StreamConsumerDecl       `json:"streams,omitempty"`
	User        string                     `json:"user,omitempty"`
	CreatedAt   time.Time                  `json:"created_at"`
	UpdatedAt   time.Time                  `json:"updated_at"`
}

func (l *Library) MarshalBinary() ([]byte, error) {
	return json.Marshal(l)
}

func (l *Library) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, l)
}

// Function looks up a declared function by name, returning ok=false if this
// library never registered it.
func (l *Library) Function(name string) (FunctionDecl, bool) {
	for _, f := range l.Functions {
		if f.Name == name {
			return f, true
		}
	}
	return FunctionDecl{}, false
}

// HashSource computes the content hash used for change detection on
// LOAD UPGRADE and for the isolates_stats bookkeeping in the sandbox.
func HashSource(source string) string {
	h := sha256.Sum256([]byte(source))
	return hex.EncodeToString(h[:])[:16]
}

// InvokeRequest is the wire shape of a CALL against a library function.
type InvokeRequest struct {
	Library  string          `json:"library"`
	Function string          `json:"function"`
	Args     json.RawMessage `json:"args"`
}

// InvokeResponse is the wire shape of a CALL result, synchronous or the
// terminal resolution of a background task.
type InvokeResponse struct {
	RequestID  string          `json:"request_id"`
	Output     json.RawMessage `json:"output"`
	Error      string          `json:"error,omitempty"`
	DurationMs int64           `json:"duration_ms"`
	Async      bool            `json:"async"`
}
