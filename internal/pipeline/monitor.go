package pipeline

import (
	"context"
	"fmt"
)

// PipelineStats is the read-only operational snapshot served to dashboards.
type PipelineStats struct {
	Jobs          map[JobStatus]int64 `json:"jobs"`
	PendingEvents int64               `json:"pending_events"`
}

// Monitor aggregates job and event counts. It never mutates anything.
type Monitor struct {
	store Store
}

func NewMonitor(store Store) *Monitor {
	return &Monitor{store: store}
}

func (m *Monitor) Stats(ctx context.Context) (*PipelineStats, error) {
	jobs, err := m.store.Jobs().CountByStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	pending, err := m.store.Outbox().CountPending(ctx)
	if err != nil {
		return nil, fmt.Errorf("count pending events: %w", err)
	}
	return &PipelineStats{Jobs: jobs, PendingEvents: pending}, nil
}
