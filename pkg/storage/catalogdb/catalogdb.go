// Package catalogdb implements the pipeline stores on a relational database
// through gorm. All status changes funnel through guarded UPDATE statements
// whose WHERE clause carries the expected source states, so the state machine
// is enforced by the database row itself.
package catalogdb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/drivercagropecuaria-cyber/BibliotecaRC/internal/pipeline"
)

// Config holds the postgres connection parameters.
type Config struct {
	Host     string
	Port     string
	User     string
	Password string
	Name     string
	SSLMode  string
}

// Open connects to postgres and returns the gorm handle.
func Open(cfg Config) (*gorm.DB, error) {
	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=UTC",
		cfg.Host, cfg.User, cfg.Password, cfg.Name, cfg.Port, cfg.SSLMode)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	return db, nil
}

// Migrate creates or updates the pipeline tables.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&pipeline.UploadJob{},
		&pipeline.MediaAsset{},
		&pipeline.CatalogItem{},
		&pipeline.OutboxEvent{},
		&pipeline.WorkerRun{},
	)
}

// DB bundles the gorm-backed stores behind the pipeline.Store interface.
type DB struct {
	db *gorm.DB
}

func New(db *gorm.DB) *DB {
	return &DB{db: db}
}

func (d *DB) Jobs() pipeline.JobStore { return &jobStore{db: d.db} }

func (d *DB) Assets() pipeline.AssetStore { return &assetStore{db: d.db} }

func (d *DB) Catalog() pipeline.CatalogStore { return &catalogStore{db: d.db} }

func (d *DB) Outbox() pipeline.OutboxStore { return &outboxStore{db: d.db} }

func (d *DB) Runs() pipeline.RunStore { return &runStore{db: d.db} }

// Transaction runs fn against stores bound to one database transaction.
func (d *DB) Transaction(ctx context.Context, fn func(pipeline.Store) error) error {
	return d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(New(tx))
	})
}

type jobStore struct {
	db *gorm.DB
}

func (s *jobStore) Create(ctx context.Context, job *pipeline.UploadJob) error {
	return s.db.WithContext(ctx).Create(job).Error
}

func (s *jobStore) Get(ctx context.Context, id uuid.UUID) (*pipeline.UploadJob, error) {
	var job pipeline.UploadJob
	err := s.db.WithContext(ctx).First(&job, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", pipeline.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (s *jobStore) Transition(ctx context.Context, id uuid.UUID, from []pipeline.JobStatus, to pipeline.JobStatus, note string) (bool, error) {
	updates := map[string]any{
		"status":     to,
		"updated_at": time.Now().UTC(),
	}
	if note != "" {
		updates["last_error"] = note
	}
	res := s.db.WithContext(ctx).
		Model(&pipeline.UploadJob{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (s *jobStore) Touch(ctx context.Context, id uuid.UUID, note string) error {
	return s.db.WithContext(ctx).
		Model(&pipeline.UploadJob{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"reconcile_note": note,
			"updated_at":     time.Now().UTC(),
		}).Error
}

func (s *jobStore) ListStale(ctx context.Context, statuses []pipeline.JobStatus, cutoff time.Time, limit int) ([]*pipeline.UploadJob, error) {
	var jobs []*pipeline.UploadJob
	err := s.db.WithContext(ctx).
		Where("status IN ? AND updated_at < ?", statuses, cutoff).
		Order("updated_at asc").
		Limit(limit).
		Find(&jobs).Error
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

func (s *jobStore) CountByStatus(ctx context.Context) (map[pipeline.JobStatus]int64, error) {
	var rows []struct {
		Status pipeline.JobStatus
		Total  int64
	}
	err := s.db.WithContext(ctx).
		Model(&pipeline.UploadJob{}).
		Select("status, count(*) as total").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	counts := make(map[pipeline.JobStatus]int64, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.Total
	}
	return counts, nil
}

type assetStore struct {
	db *gorm.DB
}

func (s *assetStore) Create(ctx context.Context, asset *pipeline.MediaAsset) error {
	return s.db.WithContext(ctx).Create(asset).Error
}

func (s *assetStore) Get(ctx context.Context, id uuid.UUID) (*pipeline.MediaAsset, error) {
	var asset pipeline.MediaAsset
	err := s.db.WithContext(ctx).First(&asset, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: asset %s", pipeline.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &asset, nil
}

type catalogStore struct {
	db *gorm.DB
}

func (s *catalogStore) Create(ctx context.Context, item *pipeline.CatalogItem) error {
	return s.db.WithContext(ctx).Create(item).Error
}

type outboxStore struct {
	db *gorm.DB
}

func (s *outboxStore) Append(ctx context.Context, event *pipeline.OutboxEvent) error {
	return s.db.WithContext(ctx).Create(event).Error
}

func (s *outboxStore) ListPending(ctx context.Context, limit int) ([]*pipeline.OutboxEvent, error) {
	var events []*pipeline.OutboxEvent
	err := s.db.WithContext(ctx).
		Where("processed_at IS NULL").
		Order("created_at asc").
		Limit(limit).
		Find(&events).Error
	if err != nil {
		return nil, err
	}
	return events, nil
}

func (s *outboxStore) MarkProcessed(ctx context.Context, id uuid.UUID, at time.Time) error {
	return s.db.WithContext(ctx).
		Model(&pipeline.OutboxEvent{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"processed_at": at,
			"last_error":   nil,
			"updated_at":   time.Now().UTC(),
		}).Error
}

func (s *outboxStore) RecordFailure(ctx context.Context, id uuid.UUID, code string) error {
	return s.db.WithContext(ctx).
		Model(&pipeline.OutboxEvent{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"last_error":  code,
			"retry_count": gorm.Expr("retry_count + 1"),
			"updated_at":  time.Now().UTC(),
		}).Error
}

func (s *outboxStore) CountPending(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&pipeline.OutboxEvent{}).
		Where("processed_at IS NULL").
		Count(&count).Error
	return count, err
}

type runStore struct {
	db *gorm.DB
}

func (s *runStore) Record(ctx context.Context, run *pipeline.WorkerRun) error {
	return s.db.WithContext(ctx).Create(run).Error
}
