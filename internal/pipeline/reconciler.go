package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"github.com/drivercagropecuaria-cyber/BibliotecaRC/pkg/storage/objectstore"
)

// Reconciler sweeps jobs stuck in a transient state past the TTL and
// resolves them against the object store: the object arrived, so the job is
// promoted toward finalization, or it never did, so the job expires. This is
// what keeps abandoned uploads from accumulating forever.
type Reconciler struct {
	store     Store
	objects   objectstore.Client
	jobTTL    time.Duration
	batchSize int
	clock     Clock
	notifier  AlertNotifier
	logger    *zap.Logger
}

type ReconcilerParams struct {
	Store     Store
	Objects   objectstore.Client
	JobTTL    time.Duration
	BatchSize int
	Clock     Clock
	Notifier  AlertNotifier
	Logger    *zap.Logger
}

func NewReconciler(p ReconcilerParams) *Reconciler {
	if p.BatchSize <= 0 {
		p.BatchSize = 100
	}
	if p.Clock == nil {
		p.Clock = SystemClock{}
	}
	return &Reconciler{
		store:     p.Store,
		objects:   p.Objects,
		jobTTL:    p.JobTTL,
		batchSize: p.BatchSize,
		clock:     p.Clock,
		notifier:  p.Notifier,
		logger:    p.Logger,
	}
}

// Run sweeps one batch of stale jobs. Each job is resolved independently; a
// probe failure skips that job until the next run.
func (r *Reconciler) Run(ctx context.Context) (RunSummary, error) {
	var summary RunSummary
	var promoted, expired int

	cutoff := r.clock.Now().Add(-r.jobTTL)
	jobs, err := r.store.Jobs().ListStale(ctx, transientStates, cutoff, r.batchSize)
	if err != nil {
		r.recordRun(ctx, RunStatusError, map[string]any{"code": "JOB_SCAN_FAILED"})
		r.notify(ctx, Alert{Worker: WorkerReconciler, Status: RunStatusError, Code: "JOB_SCAN_FAILED"})
		return summary, fmt.Errorf("%w: list stale jobs: %v", ErrTransientDependency, err)
	}

	for _, job := range jobs {
		info, err := r.objects.Stat(ctx, job.Bucket, job.ObjectPath)
		switch {
		case err == nil:
			// The bytes landed but the client never finalized. Promote
			// so a delayed finalize call still succeeds; UPLOADED jobs
			// are exempt from further expiry sweeps.
			note := fmt.Sprintf("object verified in storage (%d bytes)", info.Size)
			ok, terr := r.store.Jobs().Transition(ctx, job.ID, transientStates, StatusUploaded, "")
			if terr != nil {
				r.logger.Error("promote stale job failed",
					zap.String("job_id", job.ID.String()), zap.Error(terr))
				summary.Skipped++
				continue
			}
			if ok {
				if terr := r.store.Jobs().Touch(ctx, job.ID, note); terr != nil {
					r.logger.Warn("annotate promoted job failed",
						zap.String("job_id", job.ID.String()), zap.Error(terr))
				}
				r.logger.Info("stale job promoted",
					zap.String("job_id", job.ID.String()),
					zap.Int64("object_size", info.Size))
				promoted++
				summary.Processed++
			}
		case errors.Is(err, objectstore.ErrNotExist):
			// Nothing ever arrived: the client abandoned the upload.
			// Expiring loses no data since nothing was committed.
			ok, terr := r.store.Jobs().Transition(ctx, job.ID, transientStates, StatusExpired,
				"upload ttl exceeded and object never arrived")
			if terr != nil {
				r.logger.Error("expire stale job failed",
					zap.String("job_id", job.ID.String()), zap.Error(terr))
				summary.Skipped++
				continue
			}
			if ok {
				r.logger.Info("stale job expired",
					zap.String("job_id", job.ID.String()),
					zap.String("status_was", string(job.Status)))
				expired++
				summary.Processed++
			}
		default:
			r.logger.Error("object probe failed",
				zap.String("job_id", job.ID.String()),
				zap.String("bucket", job.Bucket),
				zap.String("object_path", job.ObjectPath),
				zap.Error(err))
			summary.Skipped++
		}
	}

	r.recordRun(ctx, RunStatusSuccess, map[string]any{
		"promoted": promoted,
		"expired":  expired,
		"skipped":  summary.Skipped,
	})

	return summary, nil
}

func (r *Reconciler) recordRun(ctx context.Context, status string, details map[string]any) {
	raw, err := json.Marshal(details)
	if err != nil {
		raw = []byte("{}")
	}
	run := &WorkerRun{
		ID:        uuid.New(),
		Worker:    WorkerReconciler,
		Status:    status,
		Details:   datatypes.JSON(raw),
		CreatedAt: r.clock.Now(),
	}
	if err := r.store.Runs().Record(ctx, run); err != nil {
		r.logger.Error("record reconciler run failed", zap.Error(err))
	}
}

func (r *Reconciler) notify(ctx context.Context, alert Alert) {
	if r.notifier == nil {
		return
	}
	if err := r.notifier.Notify(ctx, alert); err != nil {
		r.logger.Warn("alert notify failed", zap.Error(err))
	}
}
