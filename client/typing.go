package client

import (
	"sync"
	"time"

	"github.com/vaibhav-blitzy/task-manager-collab/internal/realtime"
)

type typingEntry struct {
	username  string
	expiresAt time.Time
}

// TypingNotifier debounces outgoing typing signals and tracks which remote
// users are typing on each resource. Remote indicators expire after a fixed
// window rather than waiting for an explicit "stopped typing" message.
type TypingNotifier struct {
	c *Client

	mu       sync.Mutex
	lastSent map[string]time.Time
	remote   map[string]map[uint64]typingEntry
	watchers map[int]func(ResourceRef, []realtime.Member)
	nextID   int
}

func newTypingNotifier(c *Client) *TypingNotifier {
	tn := &TypingNotifier{
		c:        c,
		lastSent: make(map[string]time.Time),
		remote:   make(map[string]map[uint64]typingEntry),
		watchers: make(map[int]func(ResourceRef, []realtime.Member)),
	}
	c.on(realtime.TypeTyping, tn.handleTyping)
	go tn.pruneLoop()
	return tn
}

// NotifyTyping records local typing activity on a resource. Calls inside the
// debounce window are coalesced into the broadcast already sent; callers can
// invoke it on every keystroke.
func (tn *TypingNotifier) NotifyTyping(ref ResourceRef) {
	key := ref.key()
	now := time.Now()

	tn.mu.Lock()
	if now.Sub(tn.lastSent[key]) < tn.c.opts.TypingDebounce {
		tn.mu.Unlock()
		return
	}
	tn.lastSent[key] = now
	tn.mu.Unlock()

	_ = tn.c.Send(realtime.Envelope{
		Type:         realtime.TypeTyping,
		ResourceID:   ref.ID,
		ResourceType: ref.Type,
	})
}

// TypingUsers returns the remote users currently typing on the resource,
// sorted by user ID. The local user is never included.
func (tn *TypingNotifier) TypingUsers(ref ResourceRef) []realtime.Member {
	tn.mu.Lock()
	defer tn.mu.Unlock()
	entries := tn.remote[ref.key()]
	if len(entries) == 0 {
		return nil
	}
	now := time.Now()
	members := make([]realtime.Member, 0, len(entries))
	for id, e := range entries {
		if e.expiresAt.After(now) {
			members = append(members, realtime.Member{UserID: id, Username: e.username})
		}
	}
	sortMembers(members)
	if len(members) == 0 {
		return nil
	}
	return members
}

// OnChange subscribes to typing-set changes; the returned function
// unsubscribes.
func (tn *TypingNotifier) OnChange(fn func(ResourceRef, []realtime.Member)) func() {
	tn.mu.Lock()
	id := tn.nextID
	tn.nextID++
	tn.watchers[id] = fn
	tn.mu.Unlock()
	return func() {
		tn.mu.Lock()
		delete(tn.watchers, id)
		tn.mu.Unlock()
	}
}

func (tn *TypingNotifier) handleTyping(env realtime.Envelope) {
	if env.UserID == 0 {
		return
	}
	ref := refFromEnvelope(env)
	key := ref.key()
	expiresAt := time.Now().Add(tn.c.opts.TypingTTL)

	tn.mu.Lock()
	entries := tn.remote[key]
	if entries == nil {
		entries = make(map[uint64]typingEntry)
		tn.remote[key] = entries
	}
	prev, existed := entries[env.UserID]
	// Expiry only ever moves forward; a reordered stale signal must not
	// shorten an indicator that a fresher signal extended.
	if existed && prev.expiresAt.After(expiresAt) {
		expiresAt = prev.expiresAt
	}
	entries[env.UserID] = typingEntry{username: env.Username, expiresAt: expiresAt}
	var members []realtime.Member
	if !existed {
		members = typingMembersLocked(entries, time.Now())
	}
	tn.mu.Unlock()

	if !existed {
		tn.notify(ref, members)
	}
}

func (tn *TypingNotifier) pruneLoop() {
	ticker := time.NewTicker(sweepInterval(tn.c.opts.TypingTTL))
	defer ticker.Stop()
	for {
		select {
		case <-tn.c.closedCh:
			return
		case <-ticker.C:
			tn.prune(time.Now())
		}
	}
}

func (tn *TypingNotifier) prune(now time.Time) {
	type change struct {
		ref     ResourceRef
		members []realtime.Member
	}
	var changes []change

	tn.mu.Lock()
	for key, entries := range tn.remote {
		changed := false
		for id, e := range entries {
			if !e.expiresAt.After(now) {
				delete(entries, id)
				changed = true
			}
		}
		if len(entries) == 0 {
			delete(tn.remote, key)
		}
		if changed {
			resourceType, resourceID := realtime.SplitKey(key)
			changes = append(changes, change{
				ref:     ResourceRef{Type: resourceType, ID: resourceID},
				members: typingMembersLocked(entries, now),
			})
		}
	}
	tn.mu.Unlock()

	for _, ch := range changes {
		tn.notify(ch.ref, ch.members)
	}
}

func (tn *TypingNotifier) notify(ref ResourceRef, members []realtime.Member) {
	tn.mu.Lock()
	fns := make([]func(ResourceRef, []realtime.Member), 0, len(tn.watchers))
	for _, fn := range tn.watchers {
		fns = append(fns, fn)
	}
	tn.mu.Unlock()
	for _, fn := range fns {
		fn(ref, members)
	}
}

func typingMembersLocked(entries map[uint64]typingEntry, now time.Time) []realtime.Member {
	if len(entries) == 0 {
		return nil
	}
	members := make([]realtime.Member, 0, len(entries))
	for id, e := range entries {
		if e.expiresAt.After(now) {
			members = append(members, realtime.Member{UserID: id, Username: e.username})
		}
	}
	sortMembers(members)
	if len(members) == 0 {
		return nil
	}
	return members
}
