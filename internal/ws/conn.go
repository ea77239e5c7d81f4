package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vaibhav-blitzy/task-manager-collab/internal/cache"
	"github.com/vaibhav-blitzy/task-manager-collab/internal/lock"
	"github.com/vaibhav-blitzy/task-manager-collab/internal/realtime"
)

var connIDCounter atomic.Uint64

// Conn is one authenticated WebSocket connection. The read loop owns all
// per-connection state (subscriptions); outbound traffic goes through the
// send channel so the write loop is the only writer on the socket.
type Conn struct {
	ws       *websocket.Conn
	hub      *Hub
	presence cache.PresenceStore
	locks    *lock.Manager
	log      *slog.Logger

	id       uint64
	userID   uint64
	username string

	heartbeatTTL time.Duration

	// resource keys this connection has subscribed to; touched only by the
	// read loop.
	subscribed map[string]struct{}

	send chan realtime.Envelope
	done chan struct{}

	// Set when enqueue had to drop a message for this consumer; the write
	// loop turns it into a resync hint once the queue drains.
	lossy atomic.Bool
}

func NewConn(ws *websocket.Conn, hub *Hub, presence cache.PresenceStore, locks *lock.Manager, log *slog.Logger, userID uint64, username string, heartbeatTTL time.Duration) *Conn {
	return &Conn{
		ws:           ws,
		hub:          hub,
		presence:     presence,
		locks:        locks,
		log:          log,
		id:           connIDCounter.Add(1),
		userID:       userID,
		username:     username,
		heartbeatTTL: heartbeatTTL,
		subscribed:   make(map[string]struct{}),
		send:         make(chan realtime.Envelope, 32),
		done:         make(chan struct{}),
	}
}

func (c *Conn) member() realtime.Member {
	return realtime.Member{UserID: c.userID, Username: c.username}
}

// enqueue drops the message when the send queue is full: a consumer that far
// behind resynchronizes through its dispatcher anyway. The send channel is
// never closed; hub broadcasts may race with teardown, so the write loop is
// stopped through done instead.
func (c *Conn) enqueue(env realtime.Envelope) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.send <- env:
	default:
		c.lossy.Store(true)
	}
}

func (c *Conn) writeLoop() {
	for {
		select {
		case env := <-c.send:
			_ = c.ws.WriteJSON(env)
			// A consumer that fell behind has unknown holes in its stream.
			// Once it catches up, tell it to resync instead of letting it
			// trust whatever it happened to receive.
			if len(c.send) == 0 && c.lossy.Swap(false) {
				_ = c.ws.WriteJSON(realtime.Envelope{Type: realtime.TypeResync})
			}
		case <-c.done:
			return
		}
	}
}

func (c *Conn) readLoop(ctx context.Context) {
	defer c.teardown(ctx)

	for {
		var env realtime.Envelope
		if err := c.ws.ReadJSON(&env); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Debug("websocket read", "user", c.userID, "err", err)
			}
			return
		}

		key := realtime.ResourceKey(env.ResourceType, env.ResourceID)

		switch env.Type {
		case realtime.TypeSubscribe:
			c.handleSubscribe(ctx, key)
		case realtime.TypeUnsubscribe:
			c.handleUnsubscribe(ctx, key)
		case realtime.TypeHeartbeat:
			c.handleHeartbeat(ctx, key)
		case realtime.TypeTyping:
			c.handleTyping(env, key)
		case realtime.TypeLockAcquire:
			c.handleLockAcquire(env, key)
		case realtime.TypeLockRenew:
			c.handleLockRenew(env, key)
		case realtime.TypeLockRelease:
			c.handleLockRelease(env, key)
		default:
			c.enqueue(realtime.Envelope{
				Type: realtime.TypeError,
				Payload: realtime.MarshalPayload(realtime.ErrorPayload{
					Code:    "UNKNOWN_TYPE",
					Message: "unknown message type " + env.Type,
				}),
			})
		}
	}
}

func (c *Conn) handleSubscribe(ctx context.Context, key string) {
	c.subscribed[key] = struct{}{}
	c.hub.Join(key, c)
	if err := c.presence.Touch(ctx, key, c.userID, c.username, c.heartbeatTTL); err != nil {
		c.log.Error("presence touch", "resource", key, "err", err)
	}
	c.broadcastPresence(ctx, key)
}

func (c *Conn) handleUnsubscribe(ctx context.Context, key string) {
	delete(c.subscribed, key)
	c.hub.Leave(key, c)
	if err := c.presence.Remove(ctx, key, c.userID); err != nil {
		c.log.Error("presence remove", "resource", key, "err", err)
	}
	c.broadcastPresence(ctx, key)
}

func (c *Conn) handleHeartbeat(ctx context.Context, key string) {
	if _, ok := c.subscribed[key]; !ok {
		// Heartbeat for a resource this conn never subscribed to; a stale
		// client timer. Ignore rather than resurrect presence.
		return
	}
	if err := c.presence.Touch(ctx, key, c.userID, c.username, c.heartbeatTTL); err != nil {
		c.log.Error("presence touch", "resource", key, "err", err)
	}
	c.broadcastPresence(ctx, key)
}

func (c *Conn) handleTyping(env realtime.Envelope, key string) {
	// Re-stamp identity from the authenticated connection; clients don't get
	// to claim another user is typing.
	out := realtime.Envelope{
		Type:         realtime.TypeTyping,
		ResourceID:   env.ResourceID,
		ResourceType: env.ResourceType,
		UserID:       c.userID,
		Username:     c.username,
	}
	c.hub.BroadcastExcept(key, out, c)
}

func (c *Conn) handleLockAcquire(env realtime.Envelope, key string) {
	var req realtime.LockRequestPayload
	if err := json.Unmarshal(env.Payload, &req); err != nil || req.Mode == "" {
		req.Mode = realtime.LockExclusive
	}

	grant, conflict := c.locks.Acquire(key, c.id, c.member(), req.Mode)
	if conflict != nil {
		c.enqueue(realtime.Envelope{
			Type:         realtime.TypeLockConflict,
			ResourceID:   env.ResourceID,
			ResourceType: env.ResourceType,
			Payload: realtime.MarshalPayload(realtime.LockConflictPayload{
				Holder: conflict.Holder,
				Mode:   conflict.Mode,
			}),
		})
		return
	}
	c.enqueue(realtime.Envelope{
		Type:         realtime.TypeLockGranted,
		ResourceID:   env.ResourceID,
		ResourceType: env.ResourceType,
		Payload: realtime.MarshalPayload(realtime.LockGrantPayload{
			Token:     grant.Token,
			Mode:      grant.Mode,
			ExpiresAt: grant.ExpiresAt,
		}),
	})
}

func (c *Conn) handleLockRenew(env realtime.Envelope, key string) {
	var req realtime.LockRequestPayload
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		return
	}
	expiresAt, ok := c.locks.Renew(key, req.Token)
	if !ok {
		// Expired underneath the holder. The revocation push is
		// authoritative; the client must drop its ownership assumption.
		c.enqueue(realtime.Envelope{
			Type:         realtime.TypeLockRevoked,
			ResourceID:   env.ResourceID,
			ResourceType: env.ResourceType,
			Payload:      realtime.MarshalPayload(realtime.LockRevokedPayload{Token: req.Token}),
		})
		return
	}
	c.enqueue(realtime.Envelope{
		Type:         realtime.TypeLockGranted,
		ResourceID:   env.ResourceID,
		ResourceType: env.ResourceType,
		Payload: realtime.MarshalPayload(realtime.LockGrantPayload{
			Token:     req.Token,
			ExpiresAt: expiresAt,
		}),
	})
}

func (c *Conn) handleLockRelease(env realtime.Envelope, key string) {
	var req realtime.LockRequestPayload
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		return
	}
	c.locks.Release(key, req.Token)
	// Let the room know the lock is free so "locked by X" banners clear.
	c.hub.Broadcast(key, realtime.Envelope{
		Type:         realtime.TypeLockRelease,
		ResourceID:   env.ResourceID,
		ResourceType: env.ResourceType,
		UserID:       c.userID,
	})
}

func (c *Conn) broadcastPresence(ctx context.Context, key string) {
	members, err := c.presence.Members(ctx, key)
	if err != nil {
		c.log.Error("presence members", "resource", key, "err", err)
		return
	}
	resourceType, resourceID := realtime.SplitKey(key)
	c.hub.Broadcast(key, realtime.Envelope{
		Type:         realtime.TypePresence,
		ResourceID:   resourceID,
		ResourceType: resourceType,
		Payload:      realtime.MarshalPayload(realtime.PresencePayload{Members: members}),
	})
}

// teardown runs once the read loop exits: leave every room, clear presence,
// release owned locks and announce the revocations.
func (c *Conn) teardown(ctx context.Context) {
	for key := range c.subscribed {
		c.hub.Leave(key, c)
		if err := c.presence.Remove(ctx, key, c.userID); err != nil {
			c.log.Debug("presence remove on close", "resource", key, "err", err)
		}
		c.broadcastPresence(ctx, key)
	}

	for _, r := range c.locks.CleanupConn(c.id) {
		c.hub.Broadcast(r.ResourceKey, r.Envelope())
	}

	close(c.done)
}
