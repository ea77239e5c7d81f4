package client

import (
	"context"
	"sync"
	"time"

	"github.com/vaibhav-blitzy/task-manager-collab/internal/realtime"
)

type pendingAcquire struct {
	ch        chan acquireResult
	abandoned bool
}

type acquireResult struct {
	grant    *realtime.LockGrantPayload
	conflict *realtime.LockConflictPayload
	err      error
}

// LockHandle represents a granted edit lock. The holder must Renew before
// ExpiresAt or the server reclaims the lock; Release is idempotent.
type LockHandle struct {
	lc    *LockCoordinator
	ref   ResourceRef
	token string
	mode  realtime.LockMode

	mu        sync.Mutex
	expiresAt time.Time
	released  bool
}

func (h *LockHandle) Mode() realtime.LockMode { return h.mode }

func (h *LockHandle) ExpiresAt() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.expiresAt
}

// Valid reports whether the lock is still held: not released, not revoked,
// not past its expiry.
func (h *LockHandle) Valid() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.released && time.Now().Before(h.expiresAt)
}

// Renew asks the server to extend the lease. The server's lock_granted
// response updates ExpiresAt asynchronously.
func (h *LockHandle) Renew() error {
	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		return ErrLockLost
	}
	h.mu.Unlock()
	return h.lc.c.Send(realtime.Envelope{
		Type:         realtime.TypeLockRenew,
		ResourceID:   h.ref.ID,
		ResourceType: h.ref.Type,
		Payload:      realtime.MarshalPayload(realtime.LockRequestPayload{Token: h.token}),
	})
}

// Release gives the lock up. Safe to call more than once; only the first
// call sends anything.
func (h *LockHandle) Release() error {
	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		return nil
	}
	h.released = true
	h.mu.Unlock()

	h.lc.forget(h.ref.key(), h.token)
	return h.lc.c.Send(realtime.Envelope{
		Type:         realtime.TypeLockRelease,
		ResourceID:   h.ref.ID,
		ResourceType: h.ref.Type,
		Payload:      realtime.MarshalPayload(realtime.LockRequestPayload{Token: h.token}),
	})
}

func (h *LockHandle) invalidate() {
	h.mu.Lock()
	h.released = true
	h.mu.Unlock()
}

// LockCoordinator requests edit locks from the server and tracks the grants
// this client holds. All arbitration happens server-side; the coordinator
// never decides a winner locally.
type LockCoordinator struct {
	c *Client

	mu      sync.Mutex
	pending map[string]*pendingAcquire
	held    map[string]*LockHandle
}

func newLockCoordinator(c *Client) *LockCoordinator {
	lc := &LockCoordinator{
		c:       c,
		pending: make(map[string]*pendingAcquire),
		held:    make(map[string]*LockHandle),
	}
	c.on(realtime.TypeLockGranted, lc.handleGranted)
	c.on(realtime.TypeLockConflict, lc.handleConflict)
	c.on(realtime.TypeLockRevoked, lc.handleRevoked)
	return lc
}

// Acquire requests a lock on the resource and blocks until the server
// answers or ctx is done. A conflict is returned as *ConflictError naming
// the current holder. Only one acquire per resource may be in flight.
func (lc *LockCoordinator) Acquire(ctx context.Context, ref ResourceRef, mode realtime.LockMode) (*LockHandle, error) {
	if mode == "" {
		mode = realtime.LockExclusive
	}
	key := ref.key()

	lc.mu.Lock()
	if _, ok := lc.pending[key]; ok {
		lc.mu.Unlock()
		return nil, ErrAcquireInFlight
	}
	if h := lc.held[key]; h != nil && h.Valid() {
		lc.mu.Unlock()
		return h, nil
	}
	p := &pendingAcquire{ch: make(chan acquireResult, 1)}
	lc.pending[key] = p
	lc.mu.Unlock()

	err := lc.c.Send(realtime.Envelope{
		Type:         realtime.TypeLockAcquire,
		ResourceID:   ref.ID,
		ResourceType: ref.Type,
		Payload:      realtime.MarshalPayload(realtime.LockRequestPayload{Mode: mode}),
	})
	if err != nil {
		lc.mu.Lock()
		delete(lc.pending, key)
		lc.mu.Unlock()
		return nil, err
	}

	select {
	case res := <-p.ch:
		if res.err != nil {
			return nil, res.err
		}
		if res.conflict != nil {
			return nil, &ConflictError{Holder: res.conflict.Holder, Mode: res.conflict.Mode}
		}
		h := &LockHandle{
			lc:        lc,
			ref:       ref,
			token:     res.grant.Token,
			mode:      res.grant.Mode,
			expiresAt: res.grant.ExpiresAt,
		}
		lc.mu.Lock()
		lc.held[key] = h
		lc.mu.Unlock()
		return h, nil
	case <-ctx.Done():
		// A grant may still arrive after the caller gave up; mark the
		// request abandoned so handleGranted releases it immediately.
		lc.mu.Lock()
		p.abandoned = true
		lc.mu.Unlock()
		return nil, ctx.Err()
	}
}

// Held returns the live handle for the resource, or nil.
func (lc *LockCoordinator) Held(ref ResourceRef) *LockHandle {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	if h := lc.held[ref.key()]; h != nil && h.Valid() {
		return h
	}
	return nil
}

func (lc *LockCoordinator) handleGranted(env realtime.Envelope) {
	var grant realtime.LockGrantPayload
	if err := unmarshalPayload(env.Payload, &grant); err != nil {
		return
	}
	ref := refFromEnvelope(env)
	key := ref.key()

	lc.mu.Lock()
	if h := lc.held[key]; h != nil && h.token == grant.Token {
		// Renewal acknowledgement for a lock we already hold.
		lc.mu.Unlock()
		h.mu.Lock()
		h.expiresAt = grant.ExpiresAt
		h.mu.Unlock()
		return
	}
	p := lc.pending[key]
	if p == nil {
		lc.mu.Unlock()
		return
	}
	delete(lc.pending, key)
	abandoned := p.abandoned
	lc.mu.Unlock()

	if abandoned {
		// Nobody is waiting; give the grant straight back.
		_ = lc.c.Send(realtime.Envelope{
			Type:         realtime.TypeLockRelease,
			ResourceID:   ref.ID,
			ResourceType: ref.Type,
			Payload:      realtime.MarshalPayload(realtime.LockRequestPayload{Token: grant.Token}),
		})
		return
	}
	p.ch <- acquireResult{grant: &grant}
}

func (lc *LockCoordinator) handleConflict(env realtime.Envelope) {
	var conflict realtime.LockConflictPayload
	if err := unmarshalPayload(env.Payload, &conflict); err != nil {
		return
	}
	key := refFromEnvelope(env).key()

	lc.mu.Lock()
	p := lc.pending[key]
	delete(lc.pending, key)
	abandoned := p != nil && p.abandoned
	lc.mu.Unlock()

	if p != nil && !abandoned {
		p.ch <- acquireResult{conflict: &conflict}
	}
}

func (lc *LockCoordinator) handleRevoked(env realtime.Envelope) {
	var payload realtime.LockRevokedPayload
	if err := unmarshalPayload(env.Payload, &payload); err != nil {
		return
	}
	key := refFromEnvelope(env).key()

	lc.mu.Lock()
	h := lc.held[key]
	if h != nil && (payload.Token == "" || h.token == payload.Token) {
		delete(lc.held, key)
	} else {
		h = nil
	}
	lc.mu.Unlock()

	if h != nil {
		h.invalidate()
	}
}

// invalidateAll drops every held lock and fails every pending acquire. The
// run loop calls it on disconnect: the server reclaims connection-owned
// locks the moment the socket drops, so local handles are already dead.
func (lc *LockCoordinator) invalidateAll() {
	lc.mu.Lock()
	held := lc.held
	waiting := make([]*pendingAcquire, 0, len(lc.pending))
	for _, p := range lc.pending {
		if !p.abandoned {
			waiting = append(waiting, p)
		}
	}
	lc.held = make(map[string]*LockHandle)
	lc.pending = make(map[string]*pendingAcquire)
	lc.mu.Unlock()

	for _, h := range held {
		h.invalidate()
	}
	for _, p := range waiting {
		p.ch <- acquireResult{err: ErrLockLost}
	}
}

// abandonPending marks any in-flight acquire for the resource abandoned,
// so a late grant is auto-released. Called on unsubscribe.
func (lc *LockCoordinator) abandonPending(key string) {
	lc.mu.Lock()
	if p := lc.pending[key]; p != nil {
		p.abandoned = true
	}
	lc.mu.Unlock()
}

func (lc *LockCoordinator) forget(key, token string) {
	lc.mu.Lock()
	if h := lc.held[key]; h != nil && h.token == token {
		delete(lc.held, key)
	}
	lc.mu.Unlock()
}
