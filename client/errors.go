package client

import (
	"errors"
	"fmt"

	"github.com/vaibhav-blitzy/task-manager-collab/internal/realtime"
)

var (
	// ErrClosed: the client was torn down; no operation will succeed again.
	ErrClosed = errors.New("collab: client closed")
	// ErrOffline: the reconnect budget is exhausted. Realtime features are
	// unavailable until Reconnect() is called; core CRUD is unaffected.
	ErrOffline = errors.New("collab: offline, reconnect budget exhausted")
	// ErrAuthExpired: the server rejected the bearer token. Refresh and
	// reconnect.
	ErrAuthExpired = errors.New("collab: auth token rejected")
	// ErrAcquireInFlight: an acquire for this resource is already pending on
	// this client.
	ErrAcquireInFlight = errors.New("collab: lock acquire already in flight")
	// ErrLockLost: the handle no longer represents ownership (released,
	// revoked, or invalidated by a disconnect).
	ErrLockLost = errors.New("collab: lock no longer held")
)

// ConflictError is the expected outcome of an exclusive acquire on a held
// resource. It is a choice for the caller (read-only view, request
// takeover), not a failure.
type ConflictError struct {
	Holder realtime.Member
	Mode   realtime.LockMode
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("collab: resource locked by user %d (%s)", e.Holder.UserID, e.Holder.Username)
}
