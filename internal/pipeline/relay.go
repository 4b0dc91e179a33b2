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

// Alert is a best-effort operator notification about a worker run.
type Alert struct {
	Worker    string `json:"worker"`
	Status    string `json:"status"`
	Code      string `json:"code,omitempty"`
	Processed int    `json:"processed"`
	Skipped   int    `json:"skipped"`
}

// AlertNotifier delivers alerts to an external channel. Failures are logged
// and swallowed; alerting never fails a run.
type AlertNotifier interface {
	Notify(ctx context.Context, alert Alert) error
}

// EventPublisher pushes a drained event downstream. Matches the kafka
// producer's Publish signature.
type EventPublisher interface {
	Publish(ctx context.Context, key []byte, value []byte, headers map[string]string) error
}

// outcomeKind tags the result of handling one event, so the batch loop
// treats completion, waiting and permanent failure uniformly instead of
// catching per-case errors.
type outcomeKind int

const (
	outcomeDone outcomeKind = iota
	outcomeRetryLater
	outcomePermanentFailure
	outcomeSkipTransient
)

type outcome struct {
	kind outcomeKind
	code string
}

// RunSummary reports one relay or reconciler execution.
type RunSummary struct {
	Processed int `json:"processed"`
	Skipped   int `json:"skipped"`
}

// Relay drains unprocessed outbox events in bounded, oldest-first batches.
// It is stateless between runs; all progress lives in the outbox rows.
type Relay struct {
	store     Store
	batchSize int
	clock     Clock
	notifier  AlertNotifier
	publisher EventPublisher
	logger    *zap.Logger
}

type RelayParams struct {
	Store     Store
	BatchSize int
	Clock     Clock
	Notifier  AlertNotifier
	Publisher EventPublisher
	Logger    *zap.Logger
}

func NewRelay(p RelayParams) *Relay {
	if p.BatchSize <= 0 {
		p.BatchSize = 50
	}
	if p.Clock == nil {
		p.Clock = SystemClock{}
	}
	return &Relay{
		store:     p.Store,
		batchSize: p.BatchSize,
		clock:     p.Clock,
		notifier:  p.Notifier,
		publisher: p.Publisher,
		logger:    p.Logger,
	}
}

// Run drains one batch. Per-event failures are recorded on the event row and
// never abort the batch; only a failed batch fetch fails the run itself.
func (r *Relay) Run(ctx context.Context) (RunSummary, error) {
	var summary RunSummary

	events, err := r.store.Outbox().ListPending(ctx, r.batchSize)
	if err != nil {
		r.recordRun(ctx, RunStatusError, map[string]any{"code": ErrCodeOutboxReadFailed})
		r.notify(ctx, Alert{
			Worker: WorkerRelay,
			Status: RunStatusError,
			Code:   ErrCodeOutboxReadFailed,
		})
		return summary, fmt.Errorf("%w: list pending events: %v", ErrTransientDependency, err)
	}

	for _, event := range events {
		out := r.handle(ctx, event)
		switch out.kind {
		case outcomeDone:
			if err := r.store.Outbox().MarkProcessed(ctx, event.ID, r.clock.Now()); err != nil {
				r.logger.Error("mark event processed failed",
					zap.String("event_id", event.ID.String()), zap.Error(err))
				summary.Skipped++
				continue
			}
			summary.Processed++
		case outcomeRetryLater, outcomePermanentFailure:
			if err := r.store.Outbox().RecordFailure(ctx, event.ID, out.code); err != nil {
				r.logger.Error("record event failure failed",
					zap.String("event_id", event.ID.String()), zap.Error(err))
			}
			if out.kind == outcomePermanentFailure {
				r.logger.Warn("outbox event needs intervention",
					zap.String("event_id", event.ID.String()),
					zap.String("code", out.code))
			}
			summary.Skipped++
		case outcomeSkipTransient:
			// Row untouched; the event is re-picked next run.
			summary.Skipped++
		}
	}

	r.recordRun(ctx, RunStatusSuccess, map[string]any{
		"processed": summary.Processed,
		"skipped":   summary.Skipped,
	})
	if summary.Skipped > 0 {
		r.notify(ctx, Alert{
			Worker:    WorkerRelay,
			Status:    "warning",
			Processed: summary.Processed,
			Skipped:   summary.Skipped,
		})
	}

	return summary, nil
}

func (r *Relay) handle(ctx context.Context, event *OutboxEvent) outcome {
	if event.EventType != EventAssetCommitted {
		// Unknown types are drained as processed no-ops rather than
		// retried forever.
		r.logger.Info("draining unrecognized event type",
			zap.String("event_id", event.ID.String()),
			zap.String("event_type", event.EventType))
		return outcome{kind: outcomeDone}
	}

	var payload AssetCommittedPayload
	if err := json.Unmarshal(event.Payload, &payload); err != nil || payload.MediaID == uuid.Nil {
		return outcome{kind: outcomePermanentFailure, code: ErrCodeMissingMediaID}
	}

	asset, err := r.store.Assets().Get(ctx, payload.MediaID)
	if errors.Is(err, ErrNotFound) {
		return outcome{kind: outcomePermanentFailure, code: ErrCodeMissingMediaID}
	}
	if err != nil {
		r.logger.Error("asset lookup failed",
			zap.String("event_id", event.ID.String()),
			zap.String("media_id", payload.MediaID.String()),
			zap.Error(err))
		return outcome{kind: outcomeSkipTransient}
	}

	if !asset.HasThumbnail() {
		// A video whose thumbnail is generated out-of-band: poll again
		// next run. This wait is unbounded on purpose.
		return outcome{kind: outcomeRetryLater, code: ErrCodeThumbnailPending}
	}

	r.publishDownstream(ctx, event, asset)
	return outcome{kind: outcomeDone}
}

// publishDownstream forwards a satisfied event to the configured topic.
// Best-effort: downstream consumers get at-least-once delivery keyed by
// event id and must dedupe.
func (r *Relay) publishDownstream(ctx context.Context, event *OutboxEvent, asset *MediaAsset) {
	if r.publisher == nil {
		return
	}
	headers := map[string]string{
		"event_type": event.EventType,
		"media_id":   asset.ID.String(),
	}
	if err := r.publisher.Publish(ctx, []byte(event.ID.String()), event.Payload, headers); err != nil {
		r.logger.Warn("publish drained event failed",
			zap.String("event_id", event.ID.String()),
			zap.Error(err))
	}
}

func (r *Relay) recordRun(ctx context.Context, status string, details map[string]any) {
	raw, err := json.Marshal(details)
	if err != nil {
		raw = []byte("{}")
	}
	run := &WorkerRun{
		ID:        uuid.New(),
		Worker:    WorkerRelay,
		Status:    status,
		Details:   datatypes.JSON(raw),
		CreatedAt: r.clock.Now(),
	}
	if err := r.store.Runs().Record(ctx, run); err != nil {
		r.logger.Error("record relay run failed", zap.Error(err))
	}
}

func (r *Relay) notify(ctx context.Context, alert Alert) {
	if r.notifier == nil {
		return
	}
	if err := r.notifier.Notify(ctx, alert); err != nil {
		r.logger.Warn("alert notify failed", zap.Error(err))
	}
}
