// Package policy is the Policy Enforcer (C7): it holds the ACL table, the
// server's writability role, and the memory-pressure gauge, and answers the
// three questions every suspension point in the runtime must re-ask before
// letting script code touch the store: is this identity still allowed to
// run, can it write here, and is the store out of memory.
package policy

import (
	"fmt"
	"path"
	"sync"

	"github.com/gearsrt/runtime/internal/domain"
)

// Sentinel error strings preserved verbatim from the system this spec was
// distilled from, so `contains`-style assertions against them keep matching.
const (
	ErrACLVerificationFailed = "acl verification failed"
	ErrAuthFailed            = "Failed authenticating client"
	ErrReplicaWrite          = "can not run a function that might perform writes on a replica"
	ErrWriteNotAllowed       = "was called while write is not allowed"
	ErrOOMNoRun              = "OOM can not run the function when out of memory"
	ErrOOMNoLock             = "OOM Can not lock redis for write"
	ErrReplicaNoLock         = "Can not lock redis for write on replica"
)

// Enforcer is the Policy Enforcer. It is safe for concurrent use: the ACL
// table, role, and memory gauge can all be updated (e.g. by a CONFIG SET or
// a replication role flip) while invocations are in flight.
type Enforcer struct {
	mu      sync.RWMutex
	users   map[domain.Role]domain.ACLUser
	role    domain.ServerRole
	memory  domain.MemoryState
}

func New() *Enforcer {
	return &Enforcer{
		users: map[domain.Role]domain.ACLUser{
			domain.DefaultRole: {Name: domain.DefaultRole, Enabled: true, Commands: []string{"allcommands"}, KeyPatterns: []string{"allkeys"}},
		},
		role: domain.RolePrimary,
	}
}

// SetUser installs or replaces an ACL user definition.
func (e *Enforcer) SetUser(u domain.ACLUser) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.users[u.Name] = u
}

func (e *Enforcer) User(role domain.Role) (domain.ACLUser, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	u, ok := e.users[role]
	return u, ok
}

// SetRole updates the server's replication role. A live flip to replica
// takes effect immediately for any invocation that next calls block().
func (e *Enforcer) SetRole(role domain.ServerRole) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.role = role
}

func (e *Enforcer) Role() domain.ServerRole {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.role
}

// SetMemory updates the memory-pressure gauge the OOM predicate reads.
func (e *Enforcer) SetMemory(state domain.MemoryState) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.memory = state
}

func (e *Enforcer) Memory() domain.MemoryState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.memory
}

// Authenticate verifies that role names an enabled ACL user.
func (e *Enforcer) Authenticate(role domain.Role) error {
	u, ok := e.User(role)
	if !ok || !u.Enabled {
		return fmt.Errorf(ErrAuthFailed)
	}
	return nil
}

// CheckCommand verifies role's ACL user permits invoking the given command
// name against the given key (empty key skips key-pattern matching).
func (e *Enforcer) CheckCommand(role domain.Role, command, key string) error {
	u, ok := e.User(role)
	if !ok || !u.Enabled {
		return fmt.Errorf(ErrACLVerificationFailed)
	}
	if !matchAny(u.Commands, command, "allcommands", "+") {
		return fmt.Errorf(ErrACLVerificationFailed)
	}
	if key != "" && !matchAny(u.KeyPatterns, key, "allkeys", "~") {
		return fmt.Errorf(ErrACLVerificationFailed)
	}
	return nil
}

// matchAny reports whether any pattern in patterns allows name, where
// allPattern (e.g. "allcommands"/"allkeys") grants everything and prefix
// (e.g. "+"/"~") strips a RESP ACL sigil before glob-matching via path.Match.
func matchAny(patterns []string, name, allPattern, prefix string) bool {
	if len(patterns) == 0 {
		return false
	}
	for _, p := range patterns {
		if p == allPattern {
			return true
		}
		trimmed := p
		if len(trimmed) > 0 && trimmed[:1] == prefix {
			trimmed = trimmed[1:]
		} else if len(trimmed) > 0 && trimmed[:1] == "-" {
			continue
		}
		if trimmed == name {
			return true
		}
		if matched, _ := path.Match(trimmed, name); matched {
			return true
		}
	}
	return false
}

// CheckWritability enforces the three-way replica distinction: a function
// without no-writes fails synchronously on a replica; a no-writes function
// always succeeds here regardless of role.
func (e *Enforcer) CheckWritability(noWrites bool) error {
	if noWrites {
		return nil
	}
	if e.Role() == domain.RoleReplica {
		return fmt.Errorf(ErrReplicaWrite)
	}
	return nil
}

// CheckBlockWritability is the re-verification CheckWritability performs at
// every block() suspension point inside an already-running invocation,
// where the distinct "...on replica" wording is required instead of the
// generic write-not-allowed message.
func (e *Enforcer) CheckBlockWritability(noWrites bool) error {
	if noWrites {
		return nil
	}
	if e.Role() == domain.RoleReplica {
		return fmt.Errorf(ErrReplicaNoLock)
	}
	return nil
}

// CheckWriteAllowed enforces the "was called while write is not allowed"
// invariant: a write-performing function invoked while the server has
// writes administratively disabled (e.g. loading an RDB, a paused AOF
// rewrite) is rejected.
func (e *Enforcer) CheckWriteAllowed(noWrites, writesEnabled bool) error {
	if noWrites || writesEnabled {
		return nil
	}
	return fmt.Errorf(ErrWriteNotAllowed)
}

// CheckMemory enforces the OOM invariant for invocation entry: a function
// without allow-oom fails to even start while the store is out of memory.
func (e *Enforcer) CheckMemory(allowOOM bool) error {
	if allowOOM {
		return nil
	}
	if e.Memory().OverLimit() {
		return fmt.Errorf(ErrOOMNoRun)
	}
	return nil
}

// CheckBlockMemory is CheckMemory's block()-point counterpart, using the
// distinct "OOM Can not lock redis for write" wording a suspended
// invocation sees when memory pressure developed after it started.
func (e *Enforcer) CheckBlockMemory(allowOOM bool) error {
	if allowOOM {
		return nil
	}
	if e.Memory().OverLimit() {
		return fmt.Errorf(ErrOOMNoLock)
	}
	return nil
}

// Verify runs every entry-point check for one invocation.
func (e *Enforcer) Verify(role domain.Role, noWrites, allowOOM, writesEnabled bool) error {
	if err := e.Authenticate(role); err != nil {
		return err
	}
	if err := e.CheckWritability(noWrites); err != nil {
		return err
	}
	if err := e.CheckWriteAllowed(noWrites, writesEnabled); err != nil {
		return err
	}
	if err := e.CheckMemory(allowOOM); err != nil {
		return err
	}
	return nil
}

// VerifyBlock runs every re-verification check a background task must pass
// each time it calls block() to acquire the global write lock.
func (e *Enforcer) VerifyBlock(role domain.Role, noWrites, allowOOM bool) error {
	if err := e.Authenticate(role); err != nil {
		return err
	}
	if err := e.CheckBlockWritability(noWrites); err != nil {
		return err
	}
	if err := e.CheckBlockMemory(allowOOM); err != nil {
		return err
	}
	return nil
}
