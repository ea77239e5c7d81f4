package client

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaibhav-blitzy/task-manager-collab/internal/lock"
	"github.com/vaibhav-blitzy/task-manager-collab/internal/realtime"
)

func grantEnvelope(ref ResourceRef, token string, mode realtime.LockMode, ttl time.Duration) realtime.Envelope {
	return realtime.Envelope{
		Type:         realtime.TypeLockGranted,
		ResourceID:   ref.ID,
		ResourceType: ref.Type,
		Payload: realtime.MarshalPayload(realtime.LockGrantPayload{
			Token:     token,
			Mode:      mode,
			ExpiresAt: time.Now().Add(ttl),
		}),
	}
}

func acquireAsync(ctx context.Context, c *Client, ref ResourceRef, mode realtime.LockMode) chan struct {
	h   *LockHandle
	err error
} {
	ch := make(chan struct {
		h   *LockHandle
		err error
	}, 1)
	go func() {
		h, err := c.Locks().Acquire(ctx, ref, mode)
		ch <- struct {
			h   *LockHandle
			err error
		}{h, err}
	}()
	return ch
}

func TestLockAcquireGranted(t *testing.T) {
	c, d := newTestClient(t, Options{HeartbeatInterval: time.Hour})
	ref := ResourceRef{Type: "task", ID: "8"}
	tr := d.transport(0)

	res := acquireAsync(context.Background(), c, ref, realtime.LockExclusive)
	waitFor(t, func() bool {
		return len(tr.sentOfType(realtime.TypeLockAcquire)) == 1
	}, "acquire request sent")

	tr.push(grantEnvelope(ref, "tok-1", realtime.LockExclusive, time.Minute))
	got := <-res
	require.NoError(t, got.err)
	require.NotNil(t, got.h)
	assert.True(t, got.h.Valid())
	assert.Equal(t, realtime.LockExclusive, got.h.Mode())
	assert.Same(t, got.h, c.Locks().Held(ref))
}

func TestLockAcquireConflictNamesHolder(t *testing.T) {
	c, d := newTestClient(t, Options{HeartbeatInterval: time.Hour})
	ref := ResourceRef{Type: "task", ID: "8"}
	tr := d.transport(0)

	res := acquireAsync(context.Background(), c, ref, realtime.LockExclusive)
	waitFor(t, func() bool {
		return len(tr.sentOfType(realtime.TypeLockAcquire)) == 1
	}, "acquire request sent")

	tr.push(realtime.Envelope{
		Type:         realtime.TypeLockConflict,
		ResourceID:   ref.ID,
		ResourceType: ref.Type,
		Payload: realtime.MarshalPayload(realtime.LockConflictPayload{
			Holder: realtime.Member{UserID: 3, Username: "mia"},
			Mode:   realtime.LockExclusive,
		}),
	})

	got := <-res
	require.Nil(t, got.h)
	var conflict *ConflictError
	require.ErrorAs(t, got.err, &conflict)
	assert.Equal(t, uint64(3), conflict.Holder.UserID)
	assert.Equal(t, "mia", conflict.Holder.Username)
	assert.Nil(t, c.Locks().Held(ref))
}

func TestLockReleaseIdempotent(t *testing.T) {
	c, d := newTestClient(t, Options{HeartbeatInterval: time.Hour})
	ref := ResourceRef{Type: "task", ID: "8"}
	tr := d.transport(0)

	res := acquireAsync(context.Background(), c, ref, realtime.LockExclusive)
	waitFor(t, func() bool {
		return len(tr.sentOfType(realtime.TypeLockAcquire)) == 1
	}, "acquire request sent")
	tr.push(grantEnvelope(ref, "tok-1", realtime.LockExclusive, time.Minute))
	got := <-res
	require.NoError(t, got.err)

	require.NoError(t, got.h.Release())
	require.NoError(t, got.h.Release())
	assert.False(t, got.h.Valid())
	assert.Nil(t, c.Locks().Held(ref))

	releases := tr.sentOfType(realtime.TypeLockRelease)
	require.Len(t, releases, 1, "release sent exactly once")
	var payload realtime.LockRequestPayload
	require.NoError(t, unmarshalPayload(releases[0].Payload, &payload))
	assert.Equal(t, "tok-1", payload.Token)
}

func TestLockSecondAcquireWhilePendingRejected(t *testing.T) {
	c, d := newTestClient(t, Options{HeartbeatInterval: time.Hour})
	ref := ResourceRef{Type: "task", ID: "8"}
	tr := d.transport(0)

	res := acquireAsync(context.Background(), c, ref, realtime.LockExclusive)
	waitFor(t, func() bool {
		return len(tr.sentOfType(realtime.TypeLockAcquire)) == 1
	}, "acquire request sent")

	_, err := c.Locks().Acquire(context.Background(), ref, realtime.LockExclusive)
	assert.ErrorIs(t, err, ErrAcquireInFlight)

	tr.push(grantEnvelope(ref, "tok-1", realtime.LockExclusive, time.Minute))
	got := <-res
	require.NoError(t, got.err)
	got.h.Release()
}

func TestLockAbandonedGrantAutoReleased(t *testing.T) {
	c, d := newTestClient(t, Options{HeartbeatInterval: time.Hour})
	ref := ResourceRef{Type: "task", ID: "8"}
	tr := d.transport(0)

	ctx, cancel := context.WithCancel(context.Background())
	res := acquireAsync(ctx, c, ref, realtime.LockExclusive)
	waitFor(t, func() bool {
		return len(tr.sentOfType(realtime.TypeLockAcquire)) == 1
	}, "acquire request sent")

	cancel()
	got := <-res
	require.ErrorIs(t, got.err, context.Canceled)

	// The grant arrives after the caller gave up; it must be handed back.
	tr.push(grantEnvelope(ref, "tok-late", realtime.LockExclusive, time.Minute))
	waitFor(t, func() bool {
		return len(tr.sentOfType(realtime.TypeLockRelease)) == 1
	}, "late grant auto-released")
	var payload realtime.LockRequestPayload
	require.NoError(t, unmarshalPayload(tr.sentOfType(realtime.TypeLockRelease)[0].Payload, &payload))
	assert.Equal(t, "tok-late", payload.Token)
	assert.Nil(t, c.Locks().Held(ref))
}

func TestLockRenewExtendsExpiry(t *testing.T) {
	c, d := newTestClient(t, Options{HeartbeatInterval: time.Hour})
	ref := ResourceRef{Type: "task", ID: "8"}
	tr := d.transport(0)

	res := acquireAsync(context.Background(), c, ref, realtime.LockExclusive)
	waitFor(t, func() bool {
		return len(tr.sentOfType(realtime.TypeLockAcquire)) == 1
	}, "acquire request sent")
	tr.push(grantEnvelope(ref, "tok-1", realtime.LockExclusive, time.Minute))
	got := <-res
	require.NoError(t, got.err)
	first := got.h.ExpiresAt()

	require.NoError(t, got.h.Renew())
	waitFor(t, func() bool {
		return len(tr.sentOfType(realtime.TypeLockRenew)) == 1
	}, "renew request sent")

	tr.push(grantEnvelope(ref, "tok-1", realtime.LockExclusive, 10*time.Minute))
	waitFor(t, func() bool { return got.h.ExpiresAt().After(first) }, "expiry extended")
	assert.True(t, got.h.Valid())
}

func TestLockRevokedInvalidatesHandle(t *testing.T) {
	c, d := newTestClient(t, Options{HeartbeatInterval: time.Hour})
	ref := ResourceRef{Type: "task", ID: "8"}
	tr := d.transport(0)

	res := acquireAsync(context.Background(), c, ref, realtime.LockExclusive)
	waitFor(t, func() bool {
		return len(tr.sentOfType(realtime.TypeLockAcquire)) == 1
	}, "acquire request sent")
	tr.push(grantEnvelope(ref, "tok-1", realtime.LockExclusive, time.Minute))
	got := <-res
	require.NoError(t, got.err)

	tr.push(realtime.Envelope{
		Type:         realtime.TypeLockRevoked,
		ResourceID:   ref.ID,
		ResourceType: ref.Type,
		Payload:      realtime.MarshalPayload(realtime.LockRevokedPayload{Token: "tok-1"}),
	})
	waitFor(t, func() bool { return !got.h.Valid() }, "handle invalidated")
	assert.Nil(t, c.Locks().Held(ref))
	assert.ErrorIs(t, got.h.Renew(), ErrLockLost)
}

func TestLockServerSweepRevocationHonored(t *testing.T) {
	c, d := newTestClient(t, Options{HeartbeatInterval: time.Hour})
	ref := ResourceRef{Type: "task", ID: "8"}
	tr := d.transport(0)

	res := acquireAsync(context.Background(), c, ref, realtime.LockExclusive)
	waitFor(t, func() bool {
		return len(tr.sentOfType(realtime.TypeLockAcquire)) == 1
	}, "acquire request sent")
	tr.push(grantEnvelope(ref, "tok-1", realtime.LockExclusive, time.Minute))
	got := <-res
	require.NoError(t, got.err)

	// Push the exact envelope the server's TTL sweep broadcasts.
	tr.push(lock.Revocation{
		ResourceKey: "task:8",
		Token:       "tok-1",
		Holder:      realtime.Member{UserID: 1, Username: "alice"},
	}.Envelope())

	waitFor(t, func() bool { return !got.h.Valid() }, "sweep revocation honored")
	assert.Nil(t, c.Locks().Held(ref))
}

func TestLockConflictAfterCancelledAcquire(t *testing.T) {
	c, d := newTestClient(t, Options{HeartbeatInterval: time.Hour})
	ref := ResourceRef{Type: "task", ID: "8"}
	tr := d.transport(0)

	ctx, cancel := context.WithCancel(context.Background())
	res := acquireAsync(ctx, c, ref, realtime.LockExclusive)
	waitFor(t, func() bool {
		return len(tr.sentOfType(realtime.TypeLockAcquire)) == 1
	}, "acquire request sent")

	cancel()
	got := <-res
	require.ErrorIs(t, got.err, context.Canceled)

	// The conflict answers a request nobody is waiting on anymore; it must
	// be discarded and must clear the pending slot.
	tr.push(realtime.Envelope{
		Type:         realtime.TypeLockConflict,
		ResourceID:   ref.ID,
		ResourceType: ref.Type,
		Payload: realtime.MarshalPayload(realtime.LockConflictPayload{
			Holder: realtime.Member{UserID: 3, Username: "mia"},
			Mode:   realtime.LockExclusive,
		}),
	})
	waitFor(t, func() bool {
		c.Locks().mu.Lock()
		defer c.Locks().mu.Unlock()
		return len(c.Locks().pending) == 0
	}, "pending slot cleared")

	// A fresh acquire goes through as normal.
	res = acquireAsync(context.Background(), c, ref, realtime.LockExclusive)
	waitFor(t, func() bool {
		return len(tr.sentOfType(realtime.TypeLockAcquire)) == 2
	}, "second acquire request sent")
	tr.push(grantEnvelope(ref, "tok-2", realtime.LockExclusive, time.Minute))
	got = <-res
	require.NoError(t, got.err)
	assert.True(t, got.h.Valid())
}

func TestLockDisconnectInvalidatesHeld(t *testing.T) {
	c, d := newTestClient(t, Options{HeartbeatInterval: time.Hour})
	ref := ResourceRef{Type: "task", ID: "8"}
	tr := d.transport(0)

	res := acquireAsync(context.Background(), c, ref, realtime.LockExclusive)
	waitFor(t, func() bool {
		return len(tr.sentOfType(realtime.TypeLockAcquire)) == 1
	}, "acquire request sent")
	tr.push(grantEnvelope(ref, "tok-1", realtime.LockExclusive, time.Minute))
	got := <-res
	require.NoError(t, got.err)

	tr.Close()
	waitFor(t, func() bool { return !got.h.Valid() }, "handle dropped on disconnect")
}
