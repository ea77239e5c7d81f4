package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

// ResourceSnapshot is the current materialized state of one task-manager
// resource (task, project, comment thread), served to clients performing a
// forced full refetch after a sequence gap or lost-messages resync.
type ResourceSnapshot struct {
	ResourceType string `gorm:"primaryKey;type:varchar(32)"`
	ResourceID   string `gorm:"primaryKey;type:varchar(64)"`
	Seq          uint64
	Payload      string `gorm:"type:json"`
	UpdatedAt    time.Time
}

func (ResourceSnapshot) TableName() string { return "resource_snapshots" }

type SnapshotStore struct {
	db *gorm.DB
}

func NewSnapshotStore(db *gorm.DB) *SnapshotStore {
	return &SnapshotStore{db: db}
}

// Get returns the snapshot, or (nil, nil) when the resource doesn't exist so
// the handler can answer 404 instead of 500.
func (s *SnapshotStore) Get(ctx context.Context, resourceType, resourceID string) (*ResourceSnapshot, error) {
	var snap ResourceSnapshot
	err := s.db.WithContext(ctx).
		Where("resource_type = ? AND resource_id = ?", resourceType, resourceID).
		First(&snap).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &snap, nil
}

// Upsert replaces the snapshot if the incoming seq is newer. Events can race
// here; the seq guard keeps a stale writer from clobbering a fresher state.
func (s *SnapshotStore) Upsert(ctx context.Context, snap ResourceSnapshot) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing ResourceSnapshot
		err := tx.Where("resource_type = ? AND resource_id = ?", snap.ResourceType, snap.ResourceID).
			First(&existing).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			return tx.Create(&snap).Error
		case err != nil:
			return err
		case existing.Seq >= snap.Seq:
			return nil
		default:
			return tx.Model(&ResourceSnapshot{}).
				Where("resource_type = ? AND resource_id = ?", snap.ResourceType, snap.ResourceID).
				Updates(map[string]any{"seq": snap.Seq, "payload": snap.Payload}).Error
		}
	})
}
