package pipeline

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// JobStore is the durable record of upload jobs. Every status change goes
// through Transition, which applies the caller's expected source states as a
// compare-and-swap precondition. That single chokepoint is what enforces the
// state machine when the finalizer and the reconciler race.
type JobStore interface {
	Create(ctx context.Context, job *UploadJob) error
	Get(ctx context.Context, id uuid.UUID) (*UploadJob, error)

	// Transition sets the job's status to `to` only if its current status
	// is one of `from`. Returns false (and no error) when the job already
	// left the expected source state: the lost race is a no-op by design.
	// A non-empty note is stored on the job's last_error column.
	Transition(ctx context.Context, id uuid.UUID, from []JobStatus, to JobStatus, note string) (bool, error)

	// Touch refreshes updated_at (restarting the TTL window) and records a
	// reconcile note without changing status.
	Touch(ctx context.Context, id uuid.UUID, note string) error

	// ListStale returns up to limit jobs in one of the given states whose
	// updated_at is before the cutoff, oldest first.
	ListStale(ctx context.Context, statuses []JobStatus, cutoff time.Time, limit int) ([]*UploadJob, error)

	CountByStatus(ctx context.Context) (map[JobStatus]int64, error)
}

// AssetStore persists media assets.
type AssetStore interface {
	Create(ctx context.Context, asset *MediaAsset) error
	Get(ctx context.Context, id uuid.UUID) (*MediaAsset, error)
}

// CatalogStore persists catalog items.
type CatalogStore interface {
	Create(ctx context.Context, item *CatalogItem) error
}

// OutboxStore is the append-only event log. Events are appended by the
// finalizer inside the committing transaction and mutated only by the relay.
type OutboxStore interface {
	Append(ctx context.Context, event *OutboxEvent) error

	// ListPending returns up to limit unprocessed events, oldest first.
	ListPending(ctx context.Context, limit int) ([]*OutboxEvent, error)

	// MarkProcessed sets processed_at and clears any prior error.
	MarkProcessed(ctx context.Context, id uuid.UUID, at time.Time) error

	// RecordFailure leaves the event pending, increments retry_count and
	// stores the error code.
	RecordFailure(ctx context.Context, id uuid.UUID, code string) error

	CountPending(ctx context.Context) (int64, error)
}

// RunStore persists one audit row per worker execution.
type RunStore interface {
	Record(ctx context.Context, run *WorkerRun) error
}

// Store bundles the pipeline repositories. Transaction runs fn against a
// store whose writes commit or roll back as one atomic unit; the finalizer
// relies on this for the outbox invariant.
type Store interface {
	Jobs() JobStore
	Assets() AssetStore
	Catalog() CatalogStore
	Outbox() OutboxStore
	Runs() RunStore

	Transaction(ctx context.Context, fn func(Store) error) error
}

// Clock abstracts time for the workers so the TTL sweep is testable.
type Clock interface {
	Now() time.Time
}

// SystemClock is the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }
