package client

import (
	"context"
	"errors"
	"net/http"
	"net/url"

	"github.com/gorilla/websocket"

	"github.com/vaibhav-blitzy/task-manager-collab/internal/realtime"
)

// Transport is one live duplex channel to the collaboration endpoint.
// The client owns exactly one at a time.
type Transport interface {
	ReadEnvelope() (realtime.Envelope, error)
	WriteEnvelope(env realtime.Envelope) error
	Close() error
}

// Dialer opens transports. The default dials WebSocket; tests inject fakes.
type Dialer interface {
	Dial(ctx context.Context, endpoint, token string) (Transport, error)
}

type wsDialer struct {
	dialer *websocket.Dialer
}

func newWSDialer() *wsDialer {
	return &wsDialer{dialer: websocket.DefaultDialer}
}

func (d *wsDialer) Dial(ctx context.Context, endpoint, token string) (Transport, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, err
	}
	// The token rides in the query as well as the header: browsers can't set
	// WebSocket headers, so the server accepts both and this client matches.
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, resp, err := d.dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if errors.Is(err, websocket.ErrBadHandshake) && resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, ErrAuthExpired
		}
		return nil, err
	}
	return &wsTransport{conn: conn}, nil
}

type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) ReadEnvelope() (realtime.Envelope, error) {
	var env realtime.Envelope
	err := t.conn.ReadJSON(&env)
	return env, err
}

func (t *wsTransport) WriteEnvelope(env realtime.Envelope) error {
	return t.conn.WriteJSON(env)
}

func (t *wsTransport) Close() error {
	return t.conn.Close()
}
