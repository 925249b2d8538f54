package policy

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gearsrt/runtime/internal/domain"
)

func TestACLCommandAndKeyPatterns(t *testing.T) {
	e := New()
	e.SetUser(domain.ACLUser{
		Name:        "reader",
		Enabled:     true,
		Commands:    []string{"+get", "+mget"},
		KeyPatterns: []string{"~events:*"},
	})

	require.NoError(t, e.CheckCommand("reader", "get", "events:1"))
	require.Error(t, e.CheckCommand("reader", "set", "events:1"), "set is not granted")
	require.Error(t, e.CheckCommand("reader", "get", "other:1"), "key outside the granted pattern")
	require.Error(t, e.CheckCommand("unknown-user", "get", "events:1"))
}

func TestACLDisabledUserFailsEverything(t *testing.T) {
	e := New()
	e.SetUser(domain.ACLUser{Name: "disabled", Enabled: false, Commands: []string{"allcommands"}, KeyPatterns: []string{"allkeys"}})

	require.Error(t, e.Authenticate("disabled"))
	require.Error(t, e.CheckCommand("disabled", "get", "k"))
}

func TestACLAllcommandsAllkeysDefaultUser(t *testing.T) {
	e := New()
	require.NoError(t, e.CheckCommand(domain.DefaultRole, "set", "any:key"))
}

func TestCheckWritabilityReplicaDistinction(t *testing.T) {
	e := New()
	e.SetRole(domain.RolePrimary)
	require.NoError(t, e.CheckWritability(false))

	e.SetRole(domain.RoleReplica)
	require.NoError(t, e.CheckWritability(true), "no-writes functions always run on a replica")
	err := e.CheckWritability(false)
	require.Error(t, err)
	require.Contains(t, err.Error(), ErrReplicaWrite)
}

func TestCheckBlockWritabilityDistinctMessage(t *testing.T) {
	e := New()
	e.SetRole(domain.RoleReplica)
	err := e.CheckBlockWritability(false)
	require.Error(t, err)
	require.Contains(t, err.Error(), ErrReplicaNoLock, "a block() re-check on a replica uses the lock-specific wording, not the entry one")
}

func TestCheckMemoryAndBlockMemoryDistinctMessages(t *testing.T) {
	e := New()
	e.SetMemory(domain.MemoryState{MaxMemoryBytes: 100, UsedMemoryBytes: 100})

	err := e.CheckMemory(false)
	require.Error(t, err)
	require.Contains(t, err.Error(), ErrOOMNoRun)

	err = e.CheckBlockMemory(false)
	require.Error(t, err)
	require.Contains(t, err.Error(), ErrOOMNoLock)

	require.NoError(t, e.CheckMemory(true))
	require.NoError(t, e.CheckBlockMemory(true))
}

func TestVerifyAndVerifyBlock(t *testing.T) {
	e := New()
	require.NoError(t, e.Verify(domain.DefaultRole, false, false, true))

	e.SetMemory(domain.MemoryState{MaxMemoryBytes: 10, UsedMemoryBytes: 10})
	require.Error(t, e.Verify(domain.DefaultRole, false, false, true))
	require.NoError(t, e.Verify(domain.DefaultRole, false, true, true), "allow-oom function still passes entry")

	e.SetMemory(domain.MemoryState{})
	e.SetRole(domain.RoleReplica)
	require.Error(t, e.VerifyBlock(domain.DefaultRole, false, false))
	require.NoError(t, e.VerifyBlock(domain.DefaultRole, true, false))
}
