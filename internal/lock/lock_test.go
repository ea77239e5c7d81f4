package lock

import (
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaibhav-blitzy/task-manager-collab/internal/realtime"
)

func testManager(t *testing.T, opts Options) *Manager {
	t.Helper()
	return NewManager(slog.Default(), opts)
}

var (
	alice = realtime.Member{UserID: 1, Username: "alice"}
	bob   = realtime.Member{UserID: 2, Username: "bob"}
)

func TestExclusiveConflictNamesHolder(t *testing.T) {
	m := testManager(t, Options{})

	grant, conflict := m.Acquire("task:t-1", 10, alice, realtime.LockExclusive)
	require.Nil(t, conflict)
	require.NotEmpty(t, grant.Token)

	_, conflict = m.Acquire("task:t-1", 20, bob, realtime.LockExclusive)
	require.NotNil(t, conflict)
	assert.Equal(t, alice, conflict.Holder)
	assert.Equal(t, realtime.LockExclusive, conflict.Mode)
}

func TestAdvisoryLocksCoexist(t *testing.T) {
	m := testManager(t, Options{})

	g1, c1 := m.Acquire("task:t-1", 10, alice, realtime.LockAdvisory)
	g2, c2 := m.Acquire("task:t-1", 20, bob, realtime.LockAdvisory)
	require.Nil(t, c1)
	require.Nil(t, c2)
	assert.NotEqual(t, g1.Token, g2.Token)

	// Advisory holders don't block an exclusive acquire.
	_, c3 := m.Acquire("task:t-1", 30, realtime.Member{UserID: 3}, realtime.LockExclusive)
	require.Nil(t, c3)
}

func TestReacquireBySameConnRefreshes(t *testing.T) {
	m := testManager(t, Options{})

	g1, _ := m.Acquire("task:t-1", 10, alice, realtime.LockExclusive)
	g2, conflict := m.Acquire("task:t-1", 10, alice, realtime.LockExclusive)
	require.Nil(t, conflict)
	assert.Equal(t, g1.Token, g2.Token)
	assert.False(t, g2.ExpiresAt.Before(g1.ExpiresAt))
}

func TestReleaseThenReacquireByOtherHolder(t *testing.T) {
	m := testManager(t, Options{})

	grant, _ := m.Acquire("task:t-1", 10, alice, realtime.LockExclusive)
	m.Release("task:t-1", grant.Token)

	_, conflict := m.Acquire("task:t-1", 20, bob, realtime.LockExclusive)
	require.Nil(t, conflict)
}

func TestReleaseIsIdempotent(t *testing.T) {
	m := testManager(t, Options{})

	grant, _ := m.Acquire("task:t-1", 10, alice, realtime.LockExclusive)
	m.Release("task:t-1", grant.Token)
	// Second release of the same token, and a release of a token that never
	// existed, are both no-ops.
	m.Release("task:t-1", grant.Token)
	m.Release("task:t-1", "no-such-token")

	_, held := m.Holder("task:t-1")
	assert.False(t, held)
}

func TestExpiryFreesLock(t *testing.T) {
	m := testManager(t, Options{TTL: 20 * time.Millisecond})

	_, conflict := m.Acquire("task:t-1", 10, alice, realtime.LockExclusive)
	require.Nil(t, conflict)

	time.Sleep(40 * time.Millisecond)

	// The opportunistic eviction on the acquire path frees the expired
	// grant without waiting for the sweep.
	_, conflict = m.Acquire("task:t-1", 20, bob, realtime.LockExclusive)
	require.Nil(t, conflict)
}

func TestRenewExtendsLease(t *testing.T) {
	m := testManager(t, Options{TTL: 60 * time.Millisecond})

	grant, _ := m.Acquire("task:t-1", 10, alice, realtime.LockExclusive)

	for i := 0; i < 3; i++ {
		time.Sleep(30 * time.Millisecond)
		_, ok := m.Renew("task:t-1", grant.Token)
		require.True(t, ok)
	}

	holder, held := m.Holder("task:t-1")
	require.True(t, held)
	assert.Equal(t, alice, holder)
}

func TestRenewExpiredTokenFails(t *testing.T) {
	m := testManager(t, Options{TTL: 20 * time.Millisecond})

	grant, _ := m.Acquire("task:t-1", 10, alice, realtime.LockExclusive)
	time.Sleep(40 * time.Millisecond)

	_, ok := m.Renew("task:t-1", grant.Token)
	assert.False(t, ok)
}

func TestCleanupConnReleasesAndReports(t *testing.T) {
	m := testManager(t, Options{})

	m.Acquire("task:t-1", 10, alice, realtime.LockExclusive)
	m.Acquire("task:t-2", 10, alice, realtime.LockAdvisory)
	m.Acquire("task:t-3", 20, bob, realtime.LockExclusive)

	revoked := m.CleanupConn(10)
	require.Len(t, revoked, 2)
	for _, r := range revoked {
		assert.Equal(t, alice, r.Holder)
	}

	// Bob's lock is untouched.
	holder, held := m.Holder("task:t-3")
	require.True(t, held)
	assert.Equal(t, bob, holder)

	// Alice's resources are immediately reacquirable.
	_, conflict := m.Acquire("task:t-1", 20, bob, realtime.LockExclusive)
	assert.Nil(t, conflict)
}

func TestRevocationEnvelopeTargetsResource(t *testing.T) {
	revoked := make(chan Revocation, 1)
	m := testManager(t, Options{
		TTL:           10 * time.Millisecond,
		SweepInterval: time.Hour,
		OnRevoke:      func(r Revocation) { revoked <- r },
	})

	grant, _ := m.Acquire("task:t-42", 10, alice, realtime.LockExclusive)
	time.Sleep(25 * time.Millisecond)
	m.sweep()

	r := <-revoked
	env := r.Envelope()
	// Clients correlate revocations by (resourceType, resourceID); an
	// envelope without them would be dropped on the floor.
	assert.Equal(t, realtime.TypeLockRevoked, env.Type)
	assert.Equal(t, "task", env.ResourceType)
	assert.Equal(t, "t-42", env.ResourceID)
	assert.Equal(t, alice.UserID, env.UserID)

	var payload realtime.LockRevokedPayload
	require.NoError(t, json.Unmarshal(env.Payload, &payload))
	assert.Equal(t, grant.Token, payload.Token)
}

func TestCleanupConnReleasesBothModesOnOneResource(t *testing.T) {
	m := testManager(t, Options{})

	// One connection can hold an exclusive and an advisory grant on the
	// same resource; cleanup must release both, not just the latest.
	gEx, _ := m.Acquire("task:t-1", 10, alice, realtime.LockExclusive)
	gAd, _ := m.Acquire("task:t-1", 10, alice, realtime.LockAdvisory)
	require.NotEqual(t, gEx.Token, gAd.Token)

	revoked := m.CleanupConn(10)
	require.Len(t, revoked, 2)
	tokens := map[string]bool{revoked[0].Token: true, revoked[1].Token: true}
	assert.True(t, tokens[gEx.Token])
	assert.True(t, tokens[gAd.Token])

	_, held := m.Holder("task:t-1")
	assert.False(t, held)
	_, conflict := m.Acquire("task:t-1", 20, bob, realtime.LockExclusive)
	assert.Nil(t, conflict)
}

func TestSweepInvokesOnRevoke(t *testing.T) {
	revoked := make(chan Revocation, 4)
	m := testManager(t, Options{
		TTL:           10 * time.Millisecond,
		SweepInterval: time.Hour, // drive the sweep by hand
		OnRevoke:      func(r Revocation) { revoked <- r },
	})

	m.Acquire("task:t-1", 10, alice, realtime.LockExclusive)
	time.Sleep(25 * time.Millisecond)
	m.sweep()

	select {
	case r := <-revoked:
		assert.Equal(t, "task:t-1", r.ResourceKey)
		assert.Equal(t, alice, r.Holder)
	default:
		t.Fatal("expected a revocation from the sweep")
	}
}
