package pipeline

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Event types recognized by the relay.
const (
	EventAssetCommitted = "ASSET_COMMITTED"
)

// Per-event error codes recorded on the outbox row instead of thrown, so one
// bad event never aborts a batch.
const (
	ErrCodeMissingMediaID   = "MISSING_MEDIA_ID"
	ErrCodeThumbnailPending = "THUMBNAIL_PENDING"
	ErrCodeOutboxReadFailed = "OUTBOX_READ_FAILED"
)

// MediaAsset is the durable artifact of a committed upload. Created exactly
// once per committed job, inside the same transaction as the job transition.
type MediaAsset struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey"`
	JobID        uuid.UUID `gorm:"type:uuid;not null;uniqueIndex"`
	MimeType     string    `gorm:"not null"`
	Bucket       string    `gorm:"not null"`
	ObjectPath   string    `gorm:"not null"`
	SizeBytes    int64
	ThumbnailURL *string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// HasThumbnail reports whether the asset needs no further thumbnail work:
// static images are their own thumbnail, videos need one generated
// out-of-band.
func (a *MediaAsset) HasThumbnail() bool {
	if a.ThumbnailURL != nil && *a.ThumbnailURL != "" {
		return true
	}
	return isImageMime(a.MimeType)
}

func isImageMime(mime string) bool {
	return strings.HasPrefix(mime, "image")
}

// CatalogItem is the user-facing catalog entry attached to an asset.
type CatalogItem struct {
	ID        uuid.UUID      `gorm:"type:uuid;primaryKey"`
	AssetID   uuid.UUID      `gorm:"type:uuid;not null;index"`
	Title     string         `gorm:"not null"`
	Category  string         `gorm:"index"`
	Metadata  datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// OutboxEvent is one append-only domain event awaiting relay. A row becomes
// visible to the relay only if the transaction that produced it committed;
// processed_at is null while the event is pending.
type OutboxEvent struct {
	ID          uuid.UUID      `gorm:"type:uuid;primaryKey"`
	EventType   string         `gorm:"not null;index"`
	Payload     datatypes.JSON `gorm:"type:jsonb;not null"`
	ProcessedAt *time.Time     `gorm:"index"`
	LastError   *string
	RetryCount  int
	CreatedAt   time.Time `gorm:"index"`
	UpdatedAt   time.Time
}

// AssetCommittedPayload is the payload of an ASSET_COMMITTED event.
type AssetCommittedPayload struct {
	MediaID       uuid.UUID `json:"media_id"`
	CatalogItemID uuid.UUID `json:"catalog_item_id"`
	JobID         uuid.UUID `json:"job_id"`
}

// WorkerRun is one audit row per relay or reconciler execution, the primary
// operational trace for diagnosing a stuck pipeline.
type WorkerRun struct {
	ID        uuid.UUID      `gorm:"type:uuid;primaryKey"`
	Worker    string         `gorm:"not null;index"`
	Status    string         `gorm:"not null"`
	Details   datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt time.Time      `gorm:"index"`
}

// Worker run statuses.
const (
	RunStatusSuccess = "success"
	RunStatusError   = "error"
)

// Worker names recorded on WorkerRun rows.
const (
	WorkerRelay      = "outbox-relay"
	WorkerReconciler = "reconciler"
)
