package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/drivercagropecuaria-cyber/BibliotecaRC/pkg/storage/objectstore"
)

// BucketResolver maps an upload category to its target bucket. The empty
// category resolves to the default bucket.
type BucketResolver struct {
	Default    string
	ByCategory map[string]string
}

// Resolve returns the bucket for a category or false when none is configured.
func (r BucketResolver) Resolve(category string) (string, bool) {
	if category != "" {
		if bucket, ok := r.ByCategory[category]; ok && bucket != "" {
			return bucket, true
		}
	}
	if r.Default != "" {
		return r.Default, true
	}
	return "", false
}

// InitiateRequest is the caller-declared shape of an upload.
type InitiateRequest struct {
	OriginalFilename string
	MimeType         string
	SizeBytes        int64
	Category         string
}

// InitiateResult is the write target handed back to the client. The client
// transfers bytes directly to the object store; the pipeline never proxies
// them.
type InitiateResult struct {
	JobID      uuid.UUID
	Bucket     string
	ObjectPath string
	UploadURL  string
}

// Initiator creates upload jobs and issues write targets.
type Initiator struct {
	store         Store
	objects       objectstore.Client
	buckets       BucketResolver
	presignExpiry time.Duration
	clock         Clock
	logger        *zap.Logger
}

type InitiatorParams struct {
	Store         Store
	Objects       objectstore.Client
	Buckets       BucketResolver
	PresignExpiry time.Duration
	Clock         Clock
	Logger        *zap.Logger
}

func NewInitiator(p InitiatorParams) *Initiator {
	if p.Clock == nil {
		p.Clock = SystemClock{}
	}
	return &Initiator{
		store:         p.Store,
		objects:       p.Objects,
		buckets:       p.Buckets,
		presignExpiry: p.PresignExpiry,
		clock:         p.Clock,
		logger:        p.Logger,
	}
}

// Initiate validates the declared upload, persists a PENDING job and returns
// the job id plus its storage target. Fails closed: a validation or config
// error leaves no job behind.
func (i *Initiator) Initiate(ctx context.Context, req InitiateRequest) (*InitiateResult, error) {
	if req.OriginalFilename == "" {
		return nil, validationErr("original_filename", "must not be empty")
	}
	if req.SizeBytes <= 0 {
		return nil, validationErr("size_bytes", "must be positive")
	}

	bucket, ok := i.buckets.Resolve(req.Category)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrStorageConfig, req.Category)
	}

	now := i.clock.Now()
	job := &UploadJob{
		ID:               uuid.New(),
		OriginalFilename: req.OriginalFilename,
		MimeType:         req.MimeType,
		SizeBytes:        req.SizeBytes,
		Category:         req.Category,
		Bucket:           bucket,
		Status:           StatusPending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	job.ObjectPath = ObjectPathFor(job.ID, now)

	if err := i.store.Jobs().Create(ctx, job); err != nil {
		return nil, fmt.Errorf("create upload job: %w", err)
	}

	result := &InitiateResult{
		JobID:      job.ID,
		Bucket:     job.Bucket,
		ObjectPath: job.ObjectPath,
	}

	if i.objects != nil {
		url, err := i.objects.PresignPut(ctx, job.Bucket, job.ObjectPath, i.presignExpiry)
		if err != nil {
			// The target is still usable through storage-side credentials.
			i.logger.Warn("presign upload url failed",
				zap.String("job_id", job.ID.String()),
				zap.Error(err))
		} else {
			result.UploadURL = url
		}
	}

	i.logger.Info("upload job created",
		zap.String("job_id", job.ID.String()),
		zap.String("bucket", job.Bucket),
		zap.String("object_path", job.ObjectPath),
		zap.Int64("size_bytes", job.SizeBytes))

	return result, nil
}

// Start records the client's upload-start signal, moving the job from
// PENDING to UPLOADING. Starting twice, or after the reconciler already
// promoted the job, is a no-op.
func (i *Initiator) Start(ctx context.Context, jobID uuid.UUID) error {
	job, err := i.store.Jobs().Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return fmt.Errorf("%w: job %s is %s", ErrInvalidState, jobID, job.Status)
	}
	_, err = i.store.Jobs().Transition(ctx, jobID, []JobStatus{StatusPending}, StatusUploading, "")
	return err
}

// Fail records a client-reported upload failure. Terminal states other than
// FAILED reject the report.
func (i *Initiator) Fail(ctx context.Context, jobID uuid.UUID, reason string) error {
	job, err := i.store.Jobs().Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status == StatusFailed {
		return nil
	}
	if job.Status.Terminal() {
		return fmt.Errorf("%w: job %s is %s", ErrInvalidState, jobID, job.Status)
	}
	ok, err := i.store.Jobs().Transition(ctx, jobID, transientStates, StatusFailed, reason)
	if err != nil {
		return err
	}
	if ok {
		i.logger.Info("upload job failed by client",
			zap.String("job_id", jobID.String()),
			zap.String("reason", reason))
	}
	return nil
}
