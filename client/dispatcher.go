package client

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/vaibhav-blitzy/task-manager-collab/internal/realtime"
)

type gapBuffer struct {
	events []realtime.ChangeEvent
	timer  *time.Timer
}

func (g *gapBuffer) insert(ev realtime.ChangeEvent) {
	for _, buffered := range g.events {
		if buffered.Seq == ev.Seq {
			return
		}
	}
	g.events = append(g.events, ev)
	sort.Slice(g.events, func(i, j int) bool { return g.events[i].Seq < g.events[j].Seq })
}

// UpdateDispatcher applies incoming change events to handlers in strict
// per-resource sequence order. A missing sequence number is held for a short
// window in case it was merely reordered in flight; if it never shows up the
// resource is refetched from the snapshot endpoint and incremental delivery
// restarts from there.
type UpdateDispatcher struct {
	c  *Client
	sf singleflight.Group

	mu       sync.Mutex
	handlers map[string]map[int]func(realtime.ChangeEvent)
	nextID   int
	lastSeq  map[string]uint64
	gaps     map[string]*gapBuffer
}

func newUpdateDispatcher(c *Client) *UpdateDispatcher {
	ud := &UpdateDispatcher{
		c:        c,
		handlers: make(map[string]map[int]func(realtime.ChangeEvent)),
		lastSeq:  make(map[string]uint64),
		gaps:     make(map[string]*gapBuffer),
	}
	c.on(realtime.TypeChangeEvent, ud.handleChangeEvent)
	c.on(realtime.TypeResync, ud.handleResync)
	return ud
}

// handleResync is the server telling us it dropped messages for this
// connection. A resource-scoped hint refetches that resource, a bare one
// means the whole stream is suspect.
func (ud *UpdateDispatcher) handleResync(env realtime.Envelope) {
	if env.ResourceID != "" {
		ud.refetch(env.ResourceType, env.ResourceID)
		return
	}
	ud.forceResync()
}

// Subscribe registers a handler for all change events of one resource type
// ("task", "project", "comment"). Handlers run on the read loop goroutine
// and should hand heavy work off. The returned function unsubscribes.
func (ud *UpdateDispatcher) Subscribe(resourceType string, fn func(realtime.ChangeEvent)) func() {
	ud.mu.Lock()
	byID := ud.handlers[resourceType]
	if byID == nil {
		byID = make(map[int]func(realtime.ChangeEvent))
		ud.handlers[resourceType] = byID
	}
	id := ud.nextID
	ud.nextID++
	byID[id] = fn
	ud.mu.Unlock()

	return func() {
		ud.mu.Lock()
		if byID := ud.handlers[resourceType]; byID != nil {
			delete(byID, id)
			if len(byID) == 0 {
				delete(ud.handlers, resourceType)
			}
		}
		ud.mu.Unlock()
	}
}

// LastSeq returns the last sequence number applied for the resource, zero if
// none was seen yet.
func (ud *UpdateDispatcher) LastSeq(ref ResourceRef) uint64 {
	ud.mu.Lock()
	defer ud.mu.Unlock()
	return ud.lastSeq[ref.key()]
}

func (ud *UpdateDispatcher) handleChangeEvent(env realtime.Envelope) {
	var ev realtime.ChangeEvent
	if err := unmarshalPayload(env.Payload, &ev); err != nil {
		return
	}
	if ev.Seq == 0 || ev.ResourceID == "" {
		return
	}
	key := ev.Key()

	ud.mu.Lock()
	last, seen := ud.lastSeq[key]
	switch {
	case seen && ev.Seq <= last:
		// Duplicate or already superseded.
		ud.mu.Unlock()
		return
	case !seen || ev.Seq == last+1:
		ud.lastSeq[key] = ev.Seq
		deliveries := append([]realtime.ChangeEvent{ev}, ud.drainLocked(key)...)
		ud.mu.Unlock()
		ud.deliver(deliveries)
		return
	default:
		// Gap. Hold the event briefly; the missing one may just be late.
		g := ud.gaps[key]
		if g == nil {
			g = &gapBuffer{}
			ud.gaps[key] = g
			g.timer = time.AfterFunc(ud.c.opts.GapHoldWindow, func() {
				ud.resolveGap(key)
			})
		}
		g.insert(ev)
		ud.mu.Unlock()
	}
}

// drainLocked releases buffered events that have become consecutive with
// lastSeq. Clears the gap once the buffer empties.
func (ud *UpdateDispatcher) drainLocked(key string) []realtime.ChangeEvent {
	g := ud.gaps[key]
	if g == nil {
		return nil
	}
	var out []realtime.ChangeEvent
	for len(g.events) > 0 {
		next := g.events[0]
		if next.Seq <= ud.lastSeq[key] {
			g.events = g.events[1:]
			continue
		}
		if next.Seq != ud.lastSeq[key]+1 {
			break
		}
		ud.lastSeq[key] = next.Seq
		out = append(out, next)
		g.events = g.events[1:]
	}
	if len(g.events) == 0 {
		g.timer.Stop()
		delete(ud.gaps, key)
	}
	return out
}

// resolveGap fires when the hold window elapsed with the gap still open.
// Buffered events are discarded; the snapshot the refetch returns already
// reflects them.
func (ud *UpdateDispatcher) resolveGap(key string) {
	ud.mu.Lock()
	g := ud.gaps[key]
	if g == nil {
		ud.mu.Unlock()
		return
	}
	delete(ud.gaps, key)
	ud.mu.Unlock()

	resourceType, resourceID := realtime.SplitKey(key)
	ud.refetch(resourceType, resourceID)
}

func (ud *UpdateDispatcher) refetch(resourceType, resourceID string) {
	if ud.c.opts.Refetcher == nil {
		return
	}
	key := realtime.ResourceKey(resourceType, resourceID)
	seqAny, err, _ := ud.sf.Do(key, func() (any, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return ud.c.opts.Refetcher.Refetch(ctx, resourceType, resourceID)
	})
	if err != nil {
		ud.c.log.Warn("snapshot refetch failed", "resource", key, "error", err)
		return
	}
	seq := seqAny.(uint64)

	ud.mu.Lock()
	if seq > ud.lastSeq[key] {
		ud.lastSeq[key] = seq
	}
	// Anything still buffered is covered by the snapshot.
	if g := ud.gaps[key]; g != nil {
		g.timer.Stop()
		delete(ud.gaps, key)
	}
	ud.mu.Unlock()
}

// forceResync drops all per-resource tracking and refetches every resource
// that had incremental state. Called after a reconnect that lost buffered
// outbound messages, when the stream can no longer be assumed contiguous.
func (ud *UpdateDispatcher) forceResync() {
	ud.mu.Lock()
	keys := make([]string, 0, len(ud.lastSeq))
	for key := range ud.lastSeq {
		keys = append(keys, key)
	}
	ud.lastSeq = make(map[string]uint64)
	for key, g := range ud.gaps {
		g.timer.Stop()
		delete(ud.gaps, key)
	}
	ud.mu.Unlock()

	for _, key := range keys {
		resourceType, resourceID := realtime.SplitKey(key)
		ud.refetch(resourceType, resourceID)
	}
}

func (ud *UpdateDispatcher) deliver(events []realtime.ChangeEvent) {
	for _, ev := range events {
		ud.mu.Lock()
		fns := make([]func(realtime.ChangeEvent), 0, len(ud.handlers[ev.ResourceType]))
		for _, fn := range ud.handlers[ev.ResourceType] {
			fns = append(fns, fn)
		}
		ud.mu.Unlock()
		for _, fn := range fns {
			fn(ev)
		}
	}
}
