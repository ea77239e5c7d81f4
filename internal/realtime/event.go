package realtime

import (
	"encoding/json"
	"time"
)

const (
	ChangeCreated = "created"
	ChangeUpdated = "updated"
	ChangeDeleted = "deleted"
)

// ChangeEvent is the unit of realtime fan-out: one applied mutation of one
// resource, stamped with a per-resource monotonically increasing sequence
// number. Immutable once emitted; it is the same shape on the WebSocket
// channel, in the MySQL event log and on the Kafka audit topic.
type ChangeEvent struct {
	ResourceID   string          `json:"resourceId"`
	ResourceType string          `json:"resourceType"`
	ChangeType   string          `json:"changeType"`
	Seq          uint64          `json:"seq"`
	AuthorID     uint64          `json:"authorId,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	OccurredAt   time.Time       `json:"occurredAt"`
}

func (e ChangeEvent) Key() string {
	return ResourceKey(e.ResourceType, e.ResourceID)
}

// Envelope wraps the event for delivery on the collaboration channel.
func (e ChangeEvent) Envelope() Envelope {
	return Envelope{
		Type:         TypeChangeEvent,
		ResourceID:   e.ResourceID,
		ResourceType: e.ResourceType,
		UserID:       e.AuthorID,
		Seq:          e.Seq,
		Payload:      MarshalPayload(e),
	}
}
