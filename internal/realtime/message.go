package realtime

import (
	"encoding/json"
	"time"
)

// Message types carried in the Envelope.Type field. The same envelope format
// is used in both directions; which types are legal from which side is
// enforced by the server's read loop.
const (
	TypeHello        = "hello"
	TypeSubscribe    = "subscribe"
	TypeUnsubscribe  = "unsubscribe"
	TypeHeartbeat    = "heartbeat"
	TypePresence     = "presence"
	TypeTyping       = "typing"
	TypeLockAcquire  = "lock_acquire"
	TypeLockGranted  = "lock_granted"
	TypeLockConflict = "lock_conflict"
	TypeLockRelease  = "lock_release"
	TypeLockRenew    = "lock_renew"
	TypeLockRevoked  = "lock_revoked"
	TypeChangeEvent  = "change_event"
	TypeResync       = "resync"
	TypeError        = "error"
)

// Envelope is the wire format for every message on the collaboration channel.
// Payload is type-specific and stays raw until the receiver knows what to
// decode it into.
type Envelope struct {
	Type         string          `json:"type"`
	ResourceID   string          `json:"resourceId,omitempty"`
	ResourceType string          `json:"resourceType,omitempty"`
	UserID       uint64          `json:"userId,omitempty"`
	Username     string          `json:"username,omitempty"`
	Seq          uint64          `json:"seq,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
}

// ResourceKey joins resourceType and resourceID into the room / state key
// used everywhere on the server and in client-side maps.
func ResourceKey(resourceType, resourceID string) string {
	return resourceType + ":" + resourceID
}

// SplitKey is the inverse of ResourceKey. Resource IDs may themselves
// contain colons; only the first one separates the type.
func SplitKey(key string) (resourceType, resourceID string) {
	for i := 0; i < len(key); i++ {
		if key[i] == ':' {
			return key[:i], key[i+1:]
		}
	}
	return key, ""
}

type Member struct {
	UserID   uint64 `json:"userId"`
	Username string `json:"username,omitempty"`
}

// PresencePayload is the full member list for one resource, pushed by the
// server on every subscribe/heartbeat/leave so clients can reconcile rather
// than apply deltas.
type PresencePayload struct {
	Members []Member `json:"members"`
}

type LockMode string

const (
	LockExclusive LockMode = "exclusive"
	LockAdvisory  LockMode = "advisory"
)

// LockRequestPayload is sent with lock_acquire, lock_renew and lock_release.
// Token identifies the grant for renew/release; it is empty on acquire.
type LockRequestPayload struct {
	Mode  LockMode `json:"mode,omitempty"`
	Token string   `json:"token,omitempty"`
}

type LockGrantPayload struct {
	Token     string    `json:"token"`
	Mode      LockMode  `json:"mode"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// LockConflictPayload names the current holder so the caller can offer
// "view read-only" or "request takeover" instead of a bare failure.
type LockConflictPayload struct {
	Holder Member   `json:"holder"`
	Mode   LockMode `json:"mode"`
}

type LockRevokedPayload struct {
	Token string `json:"token"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func MarshalPayload(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}
