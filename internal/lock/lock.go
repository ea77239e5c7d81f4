package lock

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vaibhav-blitzy/task-manager-collab/internal/realtime"
)

// Grant is a successful acquisition. Token is the handle the holder must
// present to renew or release.
type Grant struct {
	Token     string
	Mode      realtime.LockMode
	ExpiresAt time.Time
}

// Conflict is the expected-failure outcome of an exclusive acquire: the
// resource is held by someone else. It names the holder so the caller can
// surface a choice, not an error.
type Conflict struct {
	Holder realtime.Member
	Mode   realtime.LockMode
}

// Revocation describes a lock that was taken away (expiry or connection
// cleanup) and needs to be announced to the resource's room.
type Revocation struct {
	ResourceKey string
	Token       string
	Holder      realtime.Member
}

// Envelope builds the lock_revoked push for the resource's room. Clients
// correlate revocations by resource, so the envelope must carry the split
// key, not just the token.
func (r Revocation) Envelope() realtime.Envelope {
	resourceType, resourceID := realtime.SplitKey(r.ResourceKey)
	return realtime.Envelope{
		Type:         realtime.TypeLockRevoked,
		ResourceID:   resourceID,
		ResourceType: resourceType,
		UserID:       r.Holder.UserID,
		Payload:      realtime.MarshalPayload(realtime.LockRevokedPayload{Token: r.Token}),
	}
}

type holder struct {
	token     string
	connID    uint64
	member    realtime.Member
	mode      realtime.LockMode
	expiresAt time.Time
}

type resourceState struct {
	exclusive *holder
	advisory  map[string]*holder // token -> holder
}

func (st *resourceState) empty() bool {
	return st.exclusive == nil && len(st.advisory) == 0
}

// Manager is the authoritative arbiter for edit locks. Acquire never blocks:
// an exclusive lock on a held resource comes back as a Conflict immediately,
// takeover-by-waiting is a client-side concern. Every grant carries an
// inactivity TTL; a holder that stops renewing loses the lock on the next
// sweep regardless of what its connection believes.
type Manager struct {
	mu        sync.Mutex
	resources map[string]*resourceState
	// connID -> resourceKey -> owned tokens. A set, not a single token: one
	// connection can hold an exclusive and an advisory grant on the same
	// resource at once.
	connOwned map[uint64]map[string]map[string]struct{}

	ttl           time.Duration
	sweepInterval time.Duration
	log           *slog.Logger

	// onRevoke is invoked outside the manager lock for every lock taken
	// away by the sweep. Wired to the hub broadcast at startup.
	onRevoke func(Revocation)
}

type Options struct {
	TTL           time.Duration
	SweepInterval time.Duration
	OnRevoke      func(Revocation)
}

func NewManager(log *slog.Logger, opts Options) *Manager {
	if opts.TTL <= 0 {
		opts.TTL = 5 * time.Minute
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 30 * time.Second
	}
	return &Manager{
		resources:     make(map[string]*resourceState),
		connOwned:     make(map[uint64]map[string]map[string]struct{}),
		ttl:           opts.TTL,
		sweepInterval: opts.SweepInterval,
		log:           log,
		onRevoke:      opts.OnRevoke,
	}
}

// Acquire grants a lock or reports the conflicting holder. A holder that
// re-acquires a resource it already holds gets its existing grant back with
// a refreshed expiry. Advisory locks never conflict; an advisory holder per
// (conn, resource) is deduplicated the same way.
func (m *Manager) Acquire(resourceKey string, connID uint64, member realtime.Member, mode realtime.LockMode) (Grant, *Conflict) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.resources[resourceKey]
	if st == nil {
		st = &resourceState{advisory: make(map[string]*holder)}
		m.resources[resourceKey] = st
	}
	m.evictExpiredLocked(resourceKey, st)

	now := time.Now()

	if mode == realtime.LockExclusive {
		if ex := st.exclusive; ex != nil {
			if ex.connID == connID {
				ex.expiresAt = now.Add(m.ttl)
				return Grant{Token: ex.token, Mode: mode, ExpiresAt: ex.expiresAt}, nil
			}
			return Grant{}, &Conflict{Holder: ex.member, Mode: realtime.LockExclusive}
		}
		h := &holder{
			token:     newToken(),
			connID:    connID,
			member:    member,
			mode:      mode,
			expiresAt: now.Add(m.ttl),
		}
		st.exclusive = h
		m.connAddOwnedLocked(connID, resourceKey, h.token)
		return Grant{Token: h.token, Mode: mode, ExpiresAt: h.expiresAt}, nil
	}

	// Advisory: coexists with everything. Reuse the grant if this conn
	// already holds one.
	for _, h := range st.advisory {
		if h.connID == connID {
			h.expiresAt = now.Add(m.ttl)
			return Grant{Token: h.token, Mode: mode, ExpiresAt: h.expiresAt}, nil
		}
	}
	h := &holder{
		token:     newToken(),
		connID:    connID,
		member:    member,
		mode:      mode,
		expiresAt: now.Add(m.ttl),
	}
	st.advisory[h.token] = h
	m.connAddOwnedLocked(connID, resourceKey, h.token)
	return Grant{Token: h.token, Mode: mode, ExpiresAt: h.expiresAt}, nil
}

// Renew pushes the expiry out by one TTL. Returns false if the token no
// longer names a live grant: the lock expired and the server-side revocation
// is authoritative.
func (m *Manager) Renew(resourceKey, token string) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.resources[resourceKey]
	if st == nil {
		return time.Time{}, false
	}
	m.evictExpiredLocked(resourceKey, st)

	h := st.lookup(token)
	if h == nil {
		return time.Time{}, false
	}
	h.expiresAt = time.Now().Add(m.ttl)
	return h.expiresAt, true
}

// Release is idempotent: releasing an expired, foreign or already-released
// token is a no-op, not an error.
func (m *Manager) Release(resourceKey, token string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.resources[resourceKey]
	if st == nil {
		return
	}
	h := st.lookup(token)
	if h == nil {
		return
	}
	m.removeLocked(resourceKey, st, h)
}

// Holder reports the current exclusive holder, if any, after pruning
// expired grants.
func (m *Manager) Holder(resourceKey string) (realtime.Member, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.resources[resourceKey]
	if st == nil {
		return realtime.Member{}, false
	}
	m.evictExpiredLocked(resourceKey, st)
	if st.exclusive == nil {
		return realtime.Member{}, false
	}
	return st.exclusive.member, true
}

// CleanupConn releases every lock the connection holds and returns the
// revocations to announce. Called on WebSocket close; the TTL sweep is the
// backstop for partitions where no close frame ever arrives.
func (m *Manager) CleanupConn(connID uint64) []Revocation {
	m.mu.Lock()
	defer m.mu.Unlock()

	owned := m.connOwned[connID]
	if len(owned) == 0 {
		delete(m.connOwned, connID)
		return nil
	}
	var revoked []Revocation
	for resourceKey, tokens := range owned {
		st := m.resources[resourceKey]
		if st == nil {
			continue
		}
		for token := range tokens {
			if h := st.lookup(token); h != nil {
				revoked = append(revoked, Revocation{ResourceKey: resourceKey, Token: token, Holder: h.member})
				m.removeLocked(resourceKey, st, h)
			}
		}
	}
	return revoked
}

// Run sweeps expired grants until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *Manager) sweep() {
	now := time.Now()
	var revoked []Revocation

	m.mu.Lock()
	for resourceKey, st := range m.resources {
		for _, h := range st.allHolders() {
			if now.Before(h.expiresAt) {
				continue
			}
			m.log.Warn("evicting expired edit lock",
				"resource", resourceKey, "user", h.member.UserID, "mode", h.mode)
			revoked = append(revoked, Revocation{ResourceKey: resourceKey, Token: h.token, Holder: h.member})
			m.removeLocked(resourceKey, st, h)
		}
	}
	m.mu.Unlock()

	if m.onRevoke != nil {
		for _, r := range revoked {
			m.onRevoke(r)
		}
	}
}

func (st *resourceState) lookup(token string) *holder {
	if st.exclusive != nil && st.exclusive.token == token {
		return st.exclusive
	}
	return st.advisory[token]
}

func (st *resourceState) allHolders() []*holder {
	hs := make([]*holder, 0, len(st.advisory)+1)
	if st.exclusive != nil {
		hs = append(hs, st.exclusive)
	}
	for _, h := range st.advisory {
		hs = append(hs, h)
	}
	return hs
}

// evictExpiredLocked drops expired holders opportunistically on the acquire
// and renew paths so callers don't wait for the sweep tick.
// Must be called with m.mu held.
func (m *Manager) evictExpiredLocked(resourceKey string, st *resourceState) {
	now := time.Now()
	for _, h := range st.allHolders() {
		if !now.Before(h.expiresAt) {
			m.removeLocked(resourceKey, st, h)
		}
	}
}

// Must be called with m.mu held.
func (m *Manager) removeLocked(resourceKey string, st *resourceState, h *holder) {
	if st.exclusive == h {
		st.exclusive = nil
	} else {
		delete(st.advisory, h.token)
	}
	if owned, ok := m.connOwned[h.connID]; ok {
		if tokens, ok := owned[resourceKey]; ok {
			delete(tokens, h.token)
			if len(tokens) == 0 {
				delete(owned, resourceKey)
			}
		}
		if len(owned) == 0 {
			delete(m.connOwned, h.connID)
		}
	}
	if st.empty() {
		delete(m.resources, resourceKey)
	}
}

// Must be called with m.mu held.
func (m *Manager) connAddOwnedLocked(connID uint64, resourceKey, token string) {
	owned, ok := m.connOwned[connID]
	if !ok {
		owned = make(map[string]map[string]struct{})
		m.connOwned[connID] = owned
	}
	if owned[resourceKey] == nil {
		owned[resourceKey] = make(map[string]struct{})
	}
	owned[resourceKey][token] = struct{}{}
}

func newToken() string {
	return uuid.NewString()
}
