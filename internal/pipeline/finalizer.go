package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

// FinalizeRequest carries the caller-supplied catalog metadata for a job.
type FinalizeRequest struct {
	JobID    uuid.UUID
	Title    string
	Category string
	Metadata map[string]any
}

// FinalizeResult identifies the rows the commit created.
type FinalizeResult struct {
	AssetID       uuid.UUID
	CatalogItemID uuid.UUID
}

// Finalizer commits a finished upload: asset row, catalog item, job status
// and outbox event land in one transaction, or none of them do.
type Finalizer struct {
	store  Store
	clock  Clock
	logger *zap.Logger
}

type FinalizerParams struct {
	Store  Store
	Clock  Clock
	Logger *zap.Logger
}

func NewFinalizer(p FinalizerParams) *Finalizer {
	if p.Clock == nil {
		p.Clock = SystemClock{}
	}
	return &Finalizer{store: p.Store, clock: p.Clock, logger: p.Logger}
}

// Finalize verifies the job may still be committed and performs the commit
// atomically. A second call for the same job returns ErrAlreadyFinalized and
// never creates a second asset, so caller-side retries are safe.
func (f *Finalizer) Finalize(ctx context.Context, req FinalizeRequest) (*FinalizeResult, error) {
	job, err := f.store.Jobs().Get(ctx, req.JobID)
	if err != nil {
		return nil, err
	}
	if err := checkFinalizable(job); err != nil {
		return nil, err
	}

	metadata, err := json.Marshal(req.Metadata)
	if err != nil {
		return nil, validationErr("metadata", "not serializable")
	}

	title := req.Title
	if title == "" {
		title = job.OriginalFilename
	}
	category := req.Category
	if category == "" {
		category = job.Category
	}

	now := f.clock.Now()
	result := &FinalizeResult{}

	err = f.store.Transaction(ctx, func(tx Store) error {
		// The compare-and-swap is the race arbiter: if the reconciler
		// expired the job between our read and this write, zero rows
		// match and the whole transaction rolls back.
		swapped, err := tx.Jobs().Transition(ctx, job.ID, finalizableStates, StatusCommitted, "")
		if err != nil {
			return err
		}
		if !swapped {
			current, err := tx.Jobs().Get(ctx, job.ID)
			if err != nil {
				return err
			}
			return finalizeConflict(current)
		}

		asset := &MediaAsset{
			ID:         uuid.New(),
			JobID:      job.ID,
			MimeType:   job.MimeType,
			Bucket:     job.Bucket,
			ObjectPath: job.ObjectPath,
			SizeBytes:  job.SizeBytes,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := tx.Assets().Create(ctx, asset); err != nil {
			return fmt.Errorf("create media asset: %w", err)
		}

		item := &CatalogItem{
			ID:        uuid.New(),
			AssetID:   asset.ID,
			Title:     title,
			Category:  category,
			Metadata:  datatypes.JSON(metadata),
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := tx.Catalog().Create(ctx, item); err != nil {
			return fmt.Errorf("create catalog item: %w", err)
		}

		payload, err := json.Marshal(AssetCommittedPayload{
			MediaID:       asset.ID,
			CatalogItemID: item.ID,
			JobID:         job.ID,
		})
		if err != nil {
			return fmt.Errorf("marshal event payload: %w", err)
		}
		event := &OutboxEvent{
			ID:        uuid.New(),
			EventType: EventAssetCommitted,
			Payload:   datatypes.JSON(payload),
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := tx.Outbox().Append(ctx, event); err != nil {
			return fmt.Errorf("append outbox event: %w", err)
		}

		result.AssetID = asset.ID
		result.CatalogItemID = item.ID
		return nil
	})
	if err != nil {
		return nil, err
	}

	f.logger.Info("upload job committed",
		zap.String("job_id", job.ID.String()),
		zap.String("asset_id", result.AssetID.String()),
		zap.String("catalog_item_id", result.CatalogItemID.String()))

	return result, nil
}

func checkFinalizable(job *UploadJob) error {
	switch job.Status {
	case StatusCommitted:
		return fmt.Errorf("%w: job %s", ErrAlreadyFinalized, job.ID)
	case StatusFailed, StatusExpired:
		return fmt.Errorf("%w: job %s is %s", ErrInvalidState, job.ID, job.Status)
	}
	return nil
}

func finalizeConflict(job *UploadJob) error {
	if err := checkFinalizable(job); err != nil {
		return err
	}
	// The status changed under us but back into a finalizable state; the
	// caller can retry.
	return fmt.Errorf("%w: job %s changed state during finalize", ErrInvalidState, job.ID)
}

// IsRetryable reports whether a finalize error leaves the job in a state the
// caller may retry from.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransientDependency)
}
