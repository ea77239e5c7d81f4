package client

import (
	"sort"
	"sync"
	"time"

	"github.com/vaibhav-blitzy/task-manager-collab/internal/realtime"
)

// ResourceRef names one resource (task, project, comment thread).
type ResourceRef struct {
	Type string
	ID   string
}

func (r ResourceRef) key() string { return realtime.ResourceKey(r.Type, r.ID) }

func refFromEnvelope(env realtime.Envelope) ResourceRef {
	return ResourceRef{Type: env.ResourceType, ID: env.ResourceID}
}

type presenceEntry struct {
	username string
	lastSeen time.Time
}

type presenceSub struct {
	refs int
	stop chan struct{}
}

// PresenceTracker maintains who is viewing each subscribed resource.
// Server pushes are reconciled as full member lists; a local staleness sweep
// independently removes anyone whose updates stop arriving, so presence
// self-heals even when a "user left" push is dropped.
type PresenceTracker struct {
	c *Client

	mu       sync.Mutex
	subs     map[string]*presenceSub
	remote   map[string]map[uint64]presenceEntry
	watchers map[int]func(ResourceRef, []realtime.Member)
	nextID   int
}

func newPresenceTracker(c *Client) *PresenceTracker {
	pt := &PresenceTracker{
		c:        c,
		subs:     make(map[string]*presenceSub),
		remote:   make(map[string]map[uint64]presenceEntry),
		watchers: make(map[int]func(ResourceRef, []realtime.Member)),
	}
	c.on(realtime.TypePresence, pt.handlePresence)
	go pt.pruneLoop()
	return pt
}

// Subscribe starts tracking presence for a resource and returns an
// unsubscribe function. Multiple subscriptions to the same resource share
// one heartbeat stream; the last unsubscribe stops it and cancels the
// resource's timers immediately.
func (pt *PresenceTracker) Subscribe(ref ResourceRef) func() {
	key := ref.key()

	pt.mu.Lock()
	sub := pt.subs[key]
	if sub == nil {
		sub = &presenceSub{stop: make(chan struct{})}
		pt.subs[key] = sub
		pt.mu.Unlock()

		pt.c.trackResource(key, realtime.Envelope{
			Type:         realtime.TypeSubscribe,
			ResourceID:   ref.ID,
			ResourceType: ref.Type,
		})
		go pt.heartbeatLoop(ref, sub.stop)

		pt.mu.Lock()
	}
	sub.refs++
	pt.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { pt.unsubscribe(ref) })
	}
}

func (pt *PresenceTracker) unsubscribe(ref ResourceRef) {
	key := ref.key()

	pt.mu.Lock()
	sub := pt.subs[key]
	if sub == nil {
		pt.mu.Unlock()
		return
	}
	sub.refs--
	if sub.refs > 0 {
		pt.mu.Unlock()
		return
	}
	delete(pt.subs, key)
	delete(pt.remote, key)
	close(sub.stop)
	pt.mu.Unlock()

	// Any lock acquire still in flight for this resource must not leave a
	// dangling grant behind.
	pt.c.locks.abandonPending(key)
	pt.c.untrackResource(key, realtime.Envelope{
		Type:         realtime.TypeUnsubscribe,
		ResourceID:   ref.ID,
		ResourceType: ref.Type,
	})
}

// Presence returns the members currently viewing the resource, sorted by
// user ID.
func (pt *PresenceTracker) Presence(ref ResourceRef) []realtime.Member {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	return membersLocked(pt.remote[ref.key()])
}

// OnChange subscribes to presence-changed notifications; the returned
// function unsubscribes.
func (pt *PresenceTracker) OnChange(fn func(ResourceRef, []realtime.Member)) func() {
	pt.mu.Lock()
	id := pt.nextID
	pt.nextID++
	pt.watchers[id] = fn
	pt.mu.Unlock()
	return func() {
		pt.mu.Lock()
		delete(pt.watchers, id)
		pt.mu.Unlock()
	}
}

func (pt *PresenceTracker) heartbeatLoop(ref ResourceRef, stop chan struct{}) {
	ticker := time.NewTicker(pt.c.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-pt.c.closedCh:
			return
		case <-ticker.C:
			_ = pt.c.Send(realtime.Envelope{
				Type:         realtime.TypeHeartbeat,
				ResourceID:   ref.ID,
				ResourceType: ref.Type,
			})
		}
	}
}

// handlePresence reconciles a full member list push: members present are
// touched, members absent are dropped.
func (pt *PresenceTracker) handlePresence(env realtime.Envelope) {
	var payload realtime.PresencePayload
	if err := unmarshalPayload(env.Payload, &payload); err != nil {
		return
	}
	ref := refFromEnvelope(env)
	key := ref.key()
	now := time.Now()

	pt.mu.Lock()
	entries := pt.remote[key]
	if entries == nil {
		entries = make(map[uint64]presenceEntry)
		pt.remote[key] = entries
	}
	changed := false
	listed := make(map[uint64]struct{}, len(payload.Members))
	for _, m := range payload.Members {
		listed[m.UserID] = struct{}{}
		if _, ok := entries[m.UserID]; !ok {
			changed = true
		}
		entries[m.UserID] = presenceEntry{username: m.Username, lastSeen: now}
	}
	for id := range entries {
		if _, ok := listed[id]; !ok {
			delete(entries, id)
			changed = true
		}
	}
	var members []realtime.Member
	if changed {
		members = membersLocked(entries)
	}
	pt.mu.Unlock()

	if changed {
		pt.notify(ref, members)
	}
}

// pruneLoop is the local self-healing sweep: entries whose last update is
// older than the staleness window disappear even if no push said so.
func (pt *PresenceTracker) pruneLoop() {
	interval := sweepInterval(pt.c.opts.PresenceStaleAfter)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-pt.c.closedCh:
			return
		case <-ticker.C:
			pt.prune(time.Now())
		}
	}
}

func (pt *PresenceTracker) prune(now time.Time) {
	type change struct {
		ref     ResourceRef
		members []realtime.Member
	}
	var changes []change

	pt.mu.Lock()
	for key, entries := range pt.remote {
		changed := false
		for id, e := range entries {
			if now.Sub(e.lastSeen) > pt.c.opts.PresenceStaleAfter {
				delete(entries, id)
				changed = true
			}
		}
		if changed {
			resourceType, resourceID := realtime.SplitKey(key)
			changes = append(changes, change{
				ref:     ResourceRef{Type: resourceType, ID: resourceID},
				members: membersLocked(entries),
			})
		}
	}
	pt.mu.Unlock()

	for _, ch := range changes {
		pt.notify(ch.ref, ch.members)
	}
}

func (pt *PresenceTracker) notify(ref ResourceRef, members []realtime.Member) {
	pt.mu.Lock()
	fns := make([]func(ResourceRef, []realtime.Member), 0, len(pt.watchers))
	for _, fn := range pt.watchers {
		fns = append(fns, fn)
	}
	pt.mu.Unlock()
	for _, fn := range fns {
		fn(ref, members)
	}
}

func membersLocked(entries map[uint64]presenceEntry) []realtime.Member {
	if len(entries) == 0 {
		return nil
	}
	members := make([]realtime.Member, 0, len(entries))
	for id, e := range entries {
		members = append(members, realtime.Member{UserID: id, Username: e.username})
	}
	sortMembers(members)
	return members
}

func sortMembers(members []realtime.Member) {
	sort.Slice(members, func(i, j int) bool { return members[i].UserID < members[j].UserID })
}

// sweepInterval keeps prune latency proportional to the TTL it enforces,
// which also lets tests run with millisecond windows.
func sweepInterval(ttl time.Duration) time.Duration {
	interval := ttl / 5
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	if interval > time.Second {
		interval = time.Second
	}
	return interval
}

