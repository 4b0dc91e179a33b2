package pipeline

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// JobStatus is the lifecycle state of an upload job.
type JobStatus string

const (
	StatusPending   JobStatus = "PENDING"
	StatusUploading JobStatus = "UPLOADING"
	StatusUploaded  JobStatus = "UPLOADED"
	StatusCommitted JobStatus = "COMMITTED"
	StatusFailed    JobStatus = "FAILED"
	StatusExpired   JobStatus = "EXPIRED"
)

// Terminal reports whether no further transition is allowed from s.
func (s JobStatus) Terminal() bool {
	switch s {
	case StatusCommitted, StatusFailed, StatusExpired:
		return true
	}
	return false
}

// finalizableStates are the source states a Finalize call may commit from.
var finalizableStates = []JobStatus{StatusPending, StatusUploading, StatusUploaded}

// transientStates are the states the reconciler sweeps.
var transientStates = []JobStatus{StatusPending, StatusUploading}

// UploadJob is the durable record of one upload attempt. Rows are never
// deleted; a terminal status supersedes the job as an audit trail.
type UploadJob struct {
	ID               uuid.UUID `gorm:"type:uuid;primaryKey"`
	OriginalFilename string    `gorm:"not null"`
	MimeType         string
	SizeBytes        int64     `gorm:"not null"`
	Category         string    `gorm:"index"`
	Bucket           string    `gorm:"not null"`
	ObjectPath       string    `gorm:"not null;uniqueIndex"`
	Status           JobStatus `gorm:"type:varchar(16);not null;index"`
	LastError        string
	ReconcileNote    string
	CreatedAt        time.Time `gorm:"index"`
	UpdatedAt        time.Time
}

// ObjectPathFor derives the storage key for a job. The key is a function of
// the job id only, never of the client-supplied filename, so concurrent
// uploads cannot collide and a hostile filename cannot traverse paths.
func ObjectPathFor(jobID uuid.UUID, createdAt time.Time) string {
	return fmt.Sprintf("uploads/%s/%s", createdAt.UTC().Format("2006/01/02"), jobID)
}
