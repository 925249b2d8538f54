// Package registry is the Library Registry (C2): LOAD, LOAD UPGRADE, LIST,
// and DELETE against the set of compiled libraries, backed by Postgres so a
// restart reproduces what was loaded, via a JSONB-upsert-over-pgxpool
// persistence layer.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gearsrt/runtime/internal/domain"
	"github.com/gearsrt/runtime/internal/logging"
	"github.com/gearsrt/runtime/internal/sandbox"
)

// Persistence is the durable side of the registry. Satisfied by
// *PostgresPersistence.
type Persistence interface {
	Save(ctx context.Context, lib domain.Library) error
	Delete(ctx context.Context, name string) error
	List(ctx context.Context) ([]domain.Library, error)
}

// SourceArchiver optionally mirrors a library's source text off-box (e.g. to
// S3) on every LOAD/LOAD UPGRADE, for audit independent of the primary
// store. Off by default; nil is a valid, no-op archiver.
type SourceArchiver interface {
	Archive(ctx context.Context, lib domain.Library) error
}

// StreamStatus reports live stream-consumer cursor state for LIST. Satisfied
// by *stream.Manager; not imported directly to avoid a cycle (stream already
// imports registry).
type StreamStatus interface {
	Cursor(library string, decl domain.StreamConsumerDecl) (domain.StreamCursor, bool)
}

// NotifyStatus reports live notification-consumer error state for LIST.
// Satisfied by *notify.Manager, for the same reason as StreamStatus.
type NotifyStatus interface {
	LastError(library, consumer string) string
}

// Registry is the Library Registry.
type Registry struct {
	sandbox  *sandbox.Manager
	persist  Persistence
	archiver SourceArchiver

	mu   sync.RWMutex
	libs map[string]domain.Library

	statusMu     sync.RWMutex
	streamStatus StreamStatus
	notifyStatus NotifyStatus
}

func New(sb *sandbox.Manager, persist Persistence, archiver SourceArchiver) *Registry {
	return &Registry{
		sandbox:  sb,
		persist:  persist,
		archiver: archiver,
		libs:     make(map[string]domain.Library),
	}
}

// SetStreamStatus wires the live stream cursor source LIST reads at vv+
// (last_error) and vvv (full cursor).
// Only a running daemon with a started stream.Manager has one to offer; a
// one-off CLI invocation leaves this unset and LIST reports zero-value
// cursor fields.
func (r *Registry) SetStreamStatus(s StreamStatus) {
	r.statusMu.Lock()
	defer r.statusMu.Unlock()
	r.streamStatus = s
}

// SetNotifyStatus wires the live notification last_error source LIST reads
// at vv+, with the same running-daemon caveat as SetStreamStatus.
func (r *Registry) SetNotifyStatus(s NotifyStatus) {
	r.statusMu.Lock()
	defer r.statusMu.Unlock()
	r.notifyStatus = s
}

// Restore reloads every persisted library at startup, recompiling each one
// into the sandbox so the registry and the sandbox's isolate set agree.
func (r *Registry) Restore(ctx context.Context) error {
	libs, err := r.persist.List(ctx)
	if err != nil {
		return fmt.Errorf("restore registry: %w", err)
	}
	for _, lib := range libs {
		if _, err := r.load(ctx, lib, true); err != nil {
			logging.Op().Warn("failed to restore library", "library", lib.Name, "error", err)
			continue
		}
	}
	return nil
}

// Load implements LOAD: fails if a library with this name already exists.
func (r *Registry) Load(ctx context.Context, name string, engine domain.Engine, source string, user domain.Role) (domain.Library, error) {
	r.mu.RLock()
	_, exists := r.libs[name]
	r.mu.RUnlock()
	if exists {
		return domain.Library{}, sandbox.ErrFunctionExists(name)
	}
	lib := domain.Library{
		Name:       name,
		Engine:     engine,
		Source:     source,
		SourceHash: domain.HashSource(source),
		User:       string(user),
		CreatedAt:  time.Now(),
		UpdatedAt:  time.Now(),
	}
	return r.load(ctx, lib, false)
}

// Upgrade implements LOAD UPGRADE: recompiles library name against new
// source, atomically replacing the previous version only if the new source
// compiles successfully.
func (r *Registry) Upgrade(ctx context.Context, name string, source string, user domain.Role) (domain.Library, error) {
	r.mu.RLock()
	existing, exists := r.libs[name]
	r.mu.RUnlock()
	if !exists {
		return domain.Library{}, fmt.Errorf("library not found: %s", name)
	}
	lib := existing
	lib.Source = source
	lib.SourceHash = domain.HashSource(source)
	lib.User = string(user)
	lib.UpdatedAt = time.Now()
	return r.load(ctx, lib, false)
}

func (r *Registry) load(ctx context.Context, lib domain.Library, restoring bool) (domain.Library, error) {
	compiled, err := r.sandbox.Compile(ctx, lib)
	if err != nil {
		return domain.Library{}, err
	}
	lib.Functions = compiled.Decl.Functions
	lib.Notifications = compiled.Decl.Notifications
	lib.Streams = compiled.Decl.Streams

	if !restoring {
		if err := r.persist.Save(ctx, lib); err != nil {
			return domain.Library{}, fmt.Errorf("persist library: %w", err)
		}
		if r.archiver != nil {
			if err := r.archiver.Archive(ctx, lib); err != nil {
				logging.Op().Warn("source archival failed", "library", lib.Name, "error", err)
			}
		}
	}

	r.mu.Lock()
	r.libs[lib.Name] = lib
	r.mu.Unlock()

	logging.Op().Info("library loaded", "library", lib.Name, "engine", lib.Engine, "functions", len(lib.Functions))
	return lib, nil
}

// Delete implements DELETE: removes the library from the registry,
// persistence, and the sandbox's active isolate set.
func (r *Registry) Delete(ctx context.Context, name string) error {
	r.mu.Lock()
	_, exists := r.libs[name]
	if exists {
		delete(r.libs, name)
	}
	r.mu.Unlock()
	if !exists {
		return fmt.Errorf("library not found: %s", name)
	}

	if err := r.sandbox.Delete(name); err != nil {
		logging.Op().Warn("sandbox delete failed", "library", name, "error", err)
	}
	if err := r.persist.Delete(ctx, name); err != nil {
		return fmt.Errorf("delete library: %w", err)
	}
	return nil
}

// Verbosity selects how much detail LIST returns, mirroring RG.FUNCTION
// LIST's v/vv/vvv flags.
type Verbosity int

const (
	VerbosityDefault Verbosity = iota
	VerbosityV
	VerbosityVV
	VerbosityVVV
)

// List implements LIST: names and engines at VerbosityDefault; function and
// consumer declarations at V; each notification/stream consumer's
// last_error at VV; each stream consumer's full cursor (pending_ids,
// id_to_read_from, total_record_processed) plus full source at VVV.
func (r *Registry) List(verbosity Verbosity) []domain.Library {
	r.mu.RLock()
	libs := make([]domain.Library, 0, len(r.libs))
	for _, lib := range r.libs {
		libs = append(libs, lib)
	}
	r.mu.RUnlock()

	r.statusMu.RLock()
	streamStatus := r.streamStatus
	notifyStatus := r.notifyStatus
	r.statusMu.RUnlock()

	out := make([]domain.Library, 0, len(libs))
	for _, lib := range libs {
		entry := domain.Library{Name: lib.Name, Engine: lib.Engine, User: lib.User, CreatedAt: lib.CreatedAt, UpdatedAt: lib.UpdatedAt}
		if verbosity >= VerbosityV {
			entry.Functions = lib.Functions
			entry.Notifications = append([]domain.NotificationConsumerDecl(nil), lib.Notifications...)
			entry.Streams = append([]domain.StreamConsumerDecl(nil), lib.Streams...)
			entry.SourceHash = lib.SourceHash
		}
		if verbosity >= VerbosityVV {
			for i := range entry.Notifications {
				if notifyStatus != nil {
					entry.Notifications[i].LastError = notifyStatus.LastError(lib.Name, entry.Notifications[i].Name)
				}
			}
			for i := range entry.Streams {
				if streamStatus != nil {
					if cursor, ok := streamStatus.Cursor(lib.Name, entry.Streams[i]); ok {
						entry.Streams[i].LastError = cursor.LastError
						if verbosity >= VerbosityVVV {
							entry.Streams[i].PendingIDs = cursor.PendingIDs
							entry.Streams[i].IDToReadFrom = cursor.IDToReadFrom
							entry.Streams[i].TotalRecordsProcessed = cursor.TotalRecordsProcessed
						}
					}
				}
			}
		}
		if verbosity >= VerbosityVVV {
			entry.Source = lib.Source
		}
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *Registry) Get(name string) (domain.Library, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	lib, ok := r.libs[name]
	return lib, ok
}

func (r *Registry) IsolatesStats() sandbox.IsolatesStats {
	return r.sandbox.IsolatesStats()
}
