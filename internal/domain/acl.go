package domain

// Role is a Redis-ACL-shaped named identity under which a library or an
// ad-hoc client call executes. DefaultRole names the unrestricted default
// user; the zero value "" names no user and is not a valid role.
type Role string

const DefaultRole Role = "default"

// ACLUser describes one identity's authorization surface: whether it is
// enabled at all, which commands it may call, and which key patterns it may
// touch. Both command and key checks are glob-matched with path.Match,
// mirroring RESP ACL SETUSER syntax.
type ACLUser struct {
	Name         Role     `json:"name"`
	Enabled      bool     `json:"enabled"`
	Commands     []string `json:"commands,omitempty"`      // e.g. "+get", "+set", "-flushall", "allcommands"
	KeyPatterns  []string `json:"key_patterns,omitempty"`   // e.g. "~foo:*", "allkeys"
	NoPassRequired bool   `json:"nopass,omitempty"`
}

// ValidRole reports whether r names a known, non-empty role identifier.
func ValidRole(r Role) bool {
	return r != ""
}

// MemoryState is the settable view of the store's memory pressure used by
// the Policy Enforcer's OOM predicate. It is a plain gauge rather than a
// real allocator hook: the allocator itself is outside this runtime's scope.
type MemoryState struct {
	MaxMemoryBytes  int64 `json:"max_memory_bytes"`
	UsedMemoryBytes int64 `json:"used_memory_bytes"`
}

// OverLimit reports whether the store is currently considered out of memory.
// MaxMemoryBytes of 0 means no limit is configured.
func (m MemoryState) OverLimit() bool {
	return m.MaxMemoryBytes > 0 && m.UsedMemoryBytes >= m.MaxMemoryBytes
}

// Role the store currently believes itself to hold. A function without the
// no-writes flag may run on RolePrimary only.
type ServerRole string

const (
	RolePrimary ServerRole = "primary"
	RoleReplica ServerRole = "replica"
)
