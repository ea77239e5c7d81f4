package client

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/vaibhav-blitzy/task-manager-collab/internal/realtime"
)

// State of the logical connection. Offline means the retry budget ran out;
// only a manual Reconnect() leaves it.
type State int

const (
	StateConnected State = iota
	StateReconnecting
	StateOffline
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateOffline:
		return "offline"
	default:
		return "closed"
	}
}

// TokenSource supplies a fresh bearer token when the server rejects the
// current one mid-reconnect (token rotation).
type TokenSource func(ctx context.Context) (string, error)

type Options struct {
	Dialer      Dialer
	Logger      *slog.Logger
	TokenSource TokenSource

	// Refetcher backs the update dispatcher's forced full refetches. Leave
	// nil only if Updates() is unused.
	Refetcher Refetcher

	// Reconnect behaviour. Defaults: 1s base, 30s cap, ±20% jitter, offline
	// after 10 consecutive failures.
	BackoffBase          time.Duration
	BackoffCap           time.Duration
	JitterFrac           float64
	MaxReconnectFailures int

	// SendBuffer bounds the outbound queue held during a reconnect; on
	// overflow the oldest message is dropped and the dispatcher is told to
	// resync instead of trusting incremental events. Default 100.
	SendBuffer int

	// Component tuning; every window is a default, not a contract.
	HeartbeatInterval  time.Duration // default 10s
	PresenceStaleAfter time.Duration // default 30s
	TypingDebounce     time.Duration // default 1s
	TypingTTL          time.Duration // default 3s
	GapHoldWindow      time.Duration // default 2s
}

func (o *Options) withDefaults() {
	if o.Dialer == nil {
		o.Dialer = newWSDialer()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = time.Second
	}
	if o.BackoffCap <= 0 {
		o.BackoffCap = 30 * time.Second
	}
	if o.JitterFrac <= 0 {
		o.JitterFrac = 0.2
	}
	if o.MaxReconnectFailures <= 0 {
		o.MaxReconnectFailures = 10
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 100
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 10 * time.Second
	}
	if o.PresenceStaleAfter <= 0 {
		o.PresenceStaleAfter = 30 * time.Second
	}
	if o.TypingDebounce <= 0 {
		o.TypingDebounce = time.Second
	}
	if o.TypingTTL <= 0 {
		o.TypingTTL = 3 * time.Second
	}
	if o.GapHoldWindow <= 0 {
		o.GapHoldWindow = 2 * time.Second
	}
}

// Client owns the single logical connection to the collaboration endpoint
// and the four feature components hanging off it. Construct one per process
// in application bootstrap and hand it to consumers; Close tears everything
// down.
type Client struct {
	opts Options
	log  *slog.Logger

	mu       sync.Mutex
	state    State
	tr       Transport
	endpoint string
	token    string
	pending  []realtime.Envelope
	lost     bool
	subs     map[string]realtime.Envelope // resource key -> subscribe envelope, replayed on reconnect
	closed   bool

	// writeMu serializes socket writes; the transport is not
	// concurrent-write safe.
	writeMu sync.Mutex

	closedCh chan struct{}
	wakeCh   chan struct{}

	handlerMu sync.Mutex
	handlers  map[string]map[int]func(realtime.Envelope)
	stateSubs map[int]func(State)
	nextID    int

	presence *PresenceTracker
	typing   *TypingNotifier
	locks    *LockCoordinator
	updates  *UpdateDispatcher
}

// Dial connects and returns a live client. The first dial is synchronous: a
// dead endpoint fails fast here instead of silently retrying.
func Dial(ctx context.Context, endpoint, token string, opts Options) (*Client, error) {
	opts.withDefaults()

	c := &Client{
		opts:      opts,
		log:       opts.Logger,
		state:     StateConnected,
		endpoint:  endpoint,
		token:     token,
		subs:      make(map[string]realtime.Envelope),
		closedCh:  make(chan struct{}),
		wakeCh:    make(chan struct{}, 1),
		handlers:  make(map[string]map[int]func(realtime.Envelope)),
		stateSubs: make(map[int]func(State)),
	}

	c.presence = newPresenceTracker(c)
	c.typing = newTypingNotifier(c)
	c.locks = newLockCoordinator(c)
	c.updates = newUpdateDispatcher(c)

	tr, err := opts.Dialer.Dial(ctx, endpoint, token)
	if err != nil {
		return nil, err
	}
	c.tr = tr

	go c.run(tr)
	return c, nil
}

func (c *Client) Presence() *PresenceTracker { return c.presence }
func (c *Client) Typing() *TypingNotifier    { return c.typing }
func (c *Client) Locks() *LockCoordinator    { return c.locks }
func (c *Client) Updates() *UpdateDispatcher { return c.updates }

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SetToken installs a rotated token. The next (re)connect authenticates with
// it; presence state lives server-side keyed by user and survives the swap.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// Reconnect wakes an Offline client for another round of attempts. No-op in
// any other state.
func (c *Client) Reconnect() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.mu.Unlock()
	select {
	case c.wakeCh <- struct{}{}:
	default:
	}
	return nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.state = StateClosed
	tr := c.tr
	c.tr = nil
	c.mu.Unlock()

	close(c.closedCh)
	if tr != nil {
		tr.Close()
	}
	return nil
}

// OnStateChange subscribes to connection state transitions; the returned
// function unsubscribes.
func (c *Client) OnStateChange(fn func(State)) func() {
	c.handlerMu.Lock()
	id := c.nextID
	c.nextID++
	c.stateSubs[id] = fn
	c.handlerMu.Unlock()
	return func() {
		c.handlerMu.Lock()
		delete(c.stateSubs, id)
		c.handlerMu.Unlock()
	}
}

// Send writes the envelope if connected, otherwise parks it in the bounded
// reconnect buffer. Overflow drops the oldest message and flags the stream
// as lossy so the dispatcher resyncs rather than trusting what follows.
func (c *Client) Send(env realtime.Envelope) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state != StateConnected || c.tr == nil {
		c.bufferLocked(env)
		c.mu.Unlock()
		return nil
	}
	tr := c.tr
	c.mu.Unlock()

	c.writeMu.Lock()
	err := tr.WriteEnvelope(env)
	c.writeMu.Unlock()
	if err != nil {
		// The read loop will notice the dead transport; keep the message
		// for the post-reconnect flush.
		c.mu.Lock()
		c.bufferLocked(env)
		c.mu.Unlock()
	}
	return nil
}

// bufferLocked appends to the reconnect buffer. Must hold c.mu.
func (c *Client) bufferLocked(env realtime.Envelope) {
	if len(c.pending) >= c.opts.SendBuffer {
		copy(c.pending, c.pending[1:])
		c.pending = c.pending[:len(c.pending)-1]
		c.lost = true
	}
	c.pending = append(c.pending, env)
}

// trackResource registers a subscription for replay after reconnect and
// sends it now.
func (c *Client) trackResource(key string, env realtime.Envelope) {
	c.mu.Lock()
	c.subs[key] = env
	c.mu.Unlock()
	_ = c.Send(env)
}

func (c *Client) untrackResource(key string, unsub realtime.Envelope) {
	c.mu.Lock()
	delete(c.subs, key)
	c.mu.Unlock()
	_ = c.Send(unsub)
}

// on registers an inbound-message handler; the returned function removes it.
func (c *Client) on(msgType string, fn func(realtime.Envelope)) func() {
	c.handlerMu.Lock()
	id := c.nextID
	c.nextID++
	if c.handlers[msgType] == nil {
		c.handlers[msgType] = make(map[int]func(realtime.Envelope))
	}
	c.handlers[msgType][id] = fn
	c.handlerMu.Unlock()
	return func() {
		c.handlerMu.Lock()
		delete(c.handlers[msgType], id)
		c.handlerMu.Unlock()
	}
}

func (c *Client) route(env realtime.Envelope) {
	c.handlerMu.Lock()
	fns := make([]func(realtime.Envelope), 0, len(c.handlers[env.Type]))
	for _, fn := range c.handlers[env.Type] {
		fns = append(fns, fn)
	}
	c.handlerMu.Unlock()
	for _, fn := range fns {
		fn(env)
	}
}

func (c *Client) notifyState(s State) {
	c.handlerMu.Lock()
	fns := make([]func(State), 0, len(c.stateSubs))
	for _, fn := range c.stateSubs {
		fns = append(fns, fn)
	}
	c.handlerMu.Unlock()
	for _, fn := range fns {
		fn(s)
	}
}

func (c *Client) isClosed() bool {
	select {
	case <-c.closedCh:
		return true
	default:
		return false
	}
}

// run owns the transport lifecycle: read until failure, reconnect with
// backoff, repeat until Close.
func (c *Client) run(tr Transport) {
	for {
		c.readAll(tr)
		if c.isClosed() {
			return
		}

		c.mu.Lock()
		c.state = StateReconnecting
		c.tr = nil
		c.mu.Unlock()
		c.notifyState(StateReconnecting)
		// No ownership assumption survives a disconnect: locally held locks
		// become draft state until re-acquired.
		c.locks.invalidateAll()

		next, ok := c.reconnect()
		if !ok {
			return
		}
		tr = next
	}
}

func (c *Client) readAll(tr Transport) {
	for {
		env, err := tr.ReadEnvelope()
		if err != nil {
			tr.Close()
			return
		}
		c.route(env)
	}
}

// reconnect retries with capped, jittered exponential backoff. After the
// failure budget it parks in Offline until Reconnect() or Close.
func (c *Client) reconnect() (Transport, bool) {
	attempts := 0
	for {
		if c.isClosed() {
			return nil, false
		}
		if attempts >= c.opts.MaxReconnectFailures {
			c.mu.Lock()
			c.state = StateOffline
			c.mu.Unlock()
			c.notifyState(StateOffline)
			c.log.Warn("collab offline, waiting for manual reconnect")
			select {
			case <-c.closedCh:
				return nil, false
			case <-c.wakeCh:
				attempts = 0
				c.mu.Lock()
				c.state = StateReconnecting
				c.mu.Unlock()
				c.notifyState(StateReconnecting)
				continue
			}
		}

		delay := backoffDelay(c.opts.BackoffBase, c.opts.BackoffCap, c.opts.JitterFrac, attempts)
		timer := time.NewTimer(delay)
		select {
		case <-c.closedCh:
			timer.Stop()
			return nil, false
		case <-timer.C:
		}

		c.mu.Lock()
		endpoint, token := c.endpoint, c.token
		c.mu.Unlock()

		tr, err := c.opts.Dialer.Dial(context.Background(), endpoint, token)
		if err != nil {
			if err == ErrAuthExpired && c.opts.TokenSource != nil {
				if fresh, terr := c.opts.TokenSource(context.Background()); terr == nil {
					c.SetToken(fresh)
					// A rotated token isn't a connectivity failure; retry
					// without spending the budget.
					continue
				}
			}
			attempts++
			c.log.Debug("reconnect attempt failed", "attempt", attempts, "err", err)
			continue
		}

		c.afterReconnect(tr)
		return tr, true
	}
}

func (c *Client) afterReconnect(tr Transport) {
	c.mu.Lock()
	c.tr = tr
	c.state = StateConnected
	replay := make([]realtime.Envelope, 0, len(c.subs)+len(c.pending))
	for _, env := range c.subs {
		replay = append(replay, env)
	}
	replay = append(replay, c.pending...)
	c.pending = nil
	lost := c.lost
	c.lost = false
	c.mu.Unlock()

	c.writeMu.Lock()
	for _, env := range replay {
		if err := tr.WriteEnvelope(env); err != nil {
			break
		}
	}
	c.writeMu.Unlock()

	c.notifyState(StateConnected)
	if lost {
		// Incremental events that raced the dropped messages can't be
		// trusted; force a full resync.
		c.updates.forceResync()
	}
}

func unmarshalPayload(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}

// backoffDelay is base*2^attempt capped at max, with ±frac jitter.
func backoffDelay(base, max time.Duration, frac float64, attempt int) time.Duration {
	d := base
	for i := 0; i < attempt && d < max; i++ {
		d *= 2
	}
	if d > max {
		d = max
	}
	jitter := 1 - frac + 2*frac*rand.Float64()
	return time.Duration(float64(d) * jitter)
}
