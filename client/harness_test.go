package client

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/vaibhav-blitzy/task-manager-collab/internal/realtime"
)

// fakeTransport is an in-memory Transport. Tests push server envelopes into
// inbound and inspect what the client wrote via sent.
type fakeTransport struct {
	mu   sync.Mutex
	sent []realtime.Envelope

	inbound   chan realtime.Envelope
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		inbound: make(chan realtime.Envelope, 64),
		closed:  make(chan struct{}),
	}
}

func (t *fakeTransport) ReadEnvelope() (realtime.Envelope, error) {
	select {
	case env := <-t.inbound:
		return env, nil
	case <-t.closed:
		return realtime.Envelope{}, errors.New("transport closed")
	}
}

func (t *fakeTransport) WriteEnvelope(env realtime.Envelope) error {
	select {
	case <-t.closed:
		return errors.New("transport closed")
	default:
	}
	t.mu.Lock()
	t.sent = append(t.sent, env)
	t.mu.Unlock()
	return nil
}

func (t *fakeTransport) Close() error {
	t.closeOnce.Do(func() { close(t.closed) })
	return nil
}

// push delivers a server-side envelope to the client's read loop.
func (t *fakeTransport) push(env realtime.Envelope) {
	t.inbound <- env
}

func (t *fakeTransport) sentOfType(msgType string) []realtime.Envelope {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []realtime.Envelope
	for _, env := range t.sent {
		if env.Type == msgType {
			out = append(out, env)
		}
	}
	return out
}

// fakeDialer hands out fakeTransports, optionally failing a number of dials
// first. failRemaining < 0 means fail forever until setFail resets it.
type fakeDialer struct {
	mu            sync.Mutex
	failRemaining int
	dialErr       error
	transports    []*fakeTransport
}

func (d *fakeDialer) Dial(_ context.Context, _, _ string) (Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failRemaining != 0 {
		if d.failRemaining > 0 {
			d.failRemaining--
		}
		if d.dialErr != nil {
			return nil, d.dialErr
		}
		return nil, errors.New("dial refused")
	}
	tr := newFakeTransport()
	d.transports = append(d.transports, tr)
	return tr, nil
}

func (d *fakeDialer) setFail(n int) {
	d.mu.Lock()
	d.failRemaining = n
	d.mu.Unlock()
}

func (d *fakeDialer) transport(i int) *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i < 0 {
		i = len(d.transports) + i
	}
	return d.transports[i]
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.transports)
}

// recordingRefetcher counts Refetch calls per resource key and returns a
// fixed sequence number.
type recordingRefetcher struct {
	mu    sync.Mutex
	calls map[string]int
	seq   uint64
}

func newRecordingRefetcher(seq uint64) *recordingRefetcher {
	return &recordingRefetcher{calls: make(map[string]int), seq: seq}
}

func (r *recordingRefetcher) Refetch(_ context.Context, resourceType, resourceID string) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[realtime.ResourceKey(resourceType, resourceID)]++
	return r.seq, nil
}

func (r *recordingRefetcher) count(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[key]
}

// newTestClient dials through a fakeDialer with aggressive timing so tests
// finish in milliseconds. Callers may pre-populate opts.
func newTestClient(t *testing.T, opts Options) (*Client, *fakeDialer) {
	t.Helper()
	d := &fakeDialer{}
	opts.Dialer = d
	if opts.BackoffBase == 0 {
		opts.BackoffBase = time.Millisecond
	}
	if opts.BackoffCap == 0 {
		opts.BackoffCap = 5 * time.Millisecond
	}
	c, err := Dial(context.Background(), "ws://collab.test/collab/ws", "tok", opts)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c, d
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}
