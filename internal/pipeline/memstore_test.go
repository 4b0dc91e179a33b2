package pipeline

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/drivercagropecuaria-cyber/BibliotecaRC/pkg/storage/objectstore"
)

// memStore is an in-memory Store with the same compare-and-swap contract as
// the gorm implementation. Transaction snapshots all state and restores it
// when fn fails, which is what lets the tests assert all-or-nothing commits.
type memStore struct {
	mu     sync.Mutex
	jobs   map[uuid.UUID]UploadJob
	assets map[uuid.UUID]MediaAsset
	items  map[uuid.UUID]CatalogItem
	events map[uuid.UUID]OutboxEvent
	runs   []WorkerRun

	listPendingErr error
	listStaleErr   error
	appendErr      error
	catalogErr     error
}

func newMemStore() *memStore {
	return &memStore{
		jobs:   map[uuid.UUID]UploadJob{},
		assets: map[uuid.UUID]MediaAsset{},
		items:  map[uuid.UUID]CatalogItem{},
		events: map[uuid.UUID]OutboxEvent{},
	}
}

func (s *memStore) Jobs() JobStore { return &memJobs{s} }

func (s *memStore) Assets() AssetStore { return &memAssets{s} }

func (s *memStore) Catalog() CatalogStore { return &memCatalog{s} }

func (s *memStore) Outbox() OutboxStore { return &memOutbox{s} }

func (s *memStore) Runs() RunStore { return &memRuns{s} }

func (s *memStore) Transaction(ctx context.Context, fn func(Store) error) error {
	s.mu.Lock()
	snapJobs := cloneMap(s.jobs)
	snapAssets := cloneMap(s.assets)
	snapItems := cloneMap(s.items)
	snapEvents := cloneMap(s.events)
	s.mu.Unlock()

	if err := fn(s); err != nil {
		s.mu.Lock()
		s.jobs = snapJobs
		s.assets = snapAssets
		s.items = snapItems
		s.events = snapEvents
		s.mu.Unlock()
		return err
	}
	return nil
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

type memJobs struct{ s *memStore }

func (m *memJobs) Create(ctx context.Context, job *UploadJob) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	m.s.jobs[job.ID] = *job
	return nil
}

func (m *memJobs) Get(ctx context.Context, id uuid.UUID) (*UploadJob, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	job, ok := m.s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return &job, nil
}

func (m *memJobs) Transition(ctx context.Context, id uuid.UUID, from []JobStatus, to JobStatus, note string) (bool, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	job, ok := m.s.jobs[id]
	if !ok {
		return false, nil
	}
	matched := false
	for _, st := range from {
		if job.Status == st {
			matched = true
			break
		}
	}
	if !matched {
		return false, nil
	}
	job.Status = to
	job.UpdatedAt = time.Now().UTC()
	if note != "" {
		job.LastError = note
	}
	m.s.jobs[id] = job
	return true, nil
}

func (m *memJobs) Touch(ctx context.Context, id uuid.UUID, note string) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	job, ok := m.s.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	job.ReconcileNote = note
	job.UpdatedAt = time.Now().UTC()
	m.s.jobs[id] = job
	return nil
}

func (m *memJobs) ListStale(ctx context.Context, statuses []JobStatus, cutoff time.Time, limit int) ([]*UploadJob, error) {
	if m.s.listStaleErr != nil {
		return nil, m.s.listStaleErr
	}
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	var out []*UploadJob
	for _, job := range m.s.jobs {
		for _, st := range statuses {
			if job.Status == st && job.UpdatedAt.Before(cutoff) {
				j := job
				out = append(out, &j)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memJobs) CountByStatus(ctx context.Context) (map[JobStatus]int64, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	counts := map[JobStatus]int64{}
	for _, job := range m.s.jobs {
		counts[job.Status]++
	}
	return counts, nil
}

type memAssets struct{ s *memStore }

func (m *memAssets) Create(ctx context.Context, asset *MediaAsset) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	m.s.assets[asset.ID] = *asset
	return nil
}

func (m *memAssets) Get(ctx context.Context, id uuid.UUID) (*MediaAsset, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	asset, ok := m.s.assets[id]
	if !ok {
		return nil, fmt.Errorf("%w: asset %s", ErrNotFound, id)
	}
	return &asset, nil
}

func (m *memAssets) setThumbnail(id uuid.UUID, url string) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	asset := m.s.assets[id]
	asset.ThumbnailURL = &url
	m.s.assets[id] = asset
}

type memCatalog struct{ s *memStore }

func (m *memCatalog) Create(ctx context.Context, item *CatalogItem) error {
	if m.s.catalogErr != nil {
		return m.s.catalogErr
	}
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	m.s.items[item.ID] = *item
	return nil
}

type memOutbox struct{ s *memStore }

func (m *memOutbox) Append(ctx context.Context, event *OutboxEvent) error {
	if m.s.appendErr != nil {
		return m.s.appendErr
	}
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	m.s.events[event.ID] = *event
	return nil
}

func (m *memOutbox) ListPending(ctx context.Context, limit int) ([]*OutboxEvent, error) {
	if m.s.listPendingErr != nil {
		return nil, m.s.listPendingErr
	}
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	var out []*OutboxEvent
	for _, event := range m.s.events {
		if event.ProcessedAt == nil {
			e := event
			out = append(out, &e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memOutbox) MarkProcessed(ctx context.Context, id uuid.UUID, at time.Time) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	event, ok := m.s.events[id]
	if !ok {
		return fmt.Errorf("%w: event %s", ErrNotFound, id)
	}
	event.ProcessedAt = &at
	event.LastError = nil
	m.s.events[id] = event
	return nil
}

func (m *memOutbox) RecordFailure(ctx context.Context, id uuid.UUID, code string) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	event, ok := m.s.events[id]
	if !ok {
		return fmt.Errorf("%w: event %s", ErrNotFound, id)
	}
	event.LastError = &code
	event.RetryCount++
	m.s.events[id] = event
	return nil
}

func (m *memOutbox) CountPending(ctx context.Context) (int64, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	var count int64
	for _, event := range m.s.events {
		if event.ProcessedAt == nil {
			count++
		}
	}
	return count, nil
}

type memRuns struct{ s *memStore }

func (m *memRuns) Record(ctx context.Context, run *WorkerRun) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	m.s.runs = append(m.s.runs, *run)
	return nil
}

func (s *memStore) pendingEvents() []OutboxEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []OutboxEvent
	for _, event := range s.events {
		if event.ProcessedAt == nil {
			out = append(out, event)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (s *memStore) allEvents() []OutboxEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []OutboxEvent
	for _, event := range s.events {
		out = append(out, event)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (s *memStore) runsFor(worker string) []WorkerRun {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []WorkerRun
	for _, run := range s.runs {
		if run.Worker == worker {
			out = append(out, run)
		}
	}
	return out
}

// fakeClock is a settable Clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(now time.Time) *fakeClock {
	return &fakeClock{now: now}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeObjects is an in-memory object store.
type fakeObjects struct {
	mu      sync.Mutex
	objects map[string]objectstore.ObjectInfo
	statErr error
}

func newFakeObjects() *fakeObjects {
	return &fakeObjects{objects: map[string]objectstore.ObjectInfo{}}
}

func (f *fakeObjects) put(bucket, key string, size int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[bucket+"/"+key] = objectstore.ObjectInfo{Size: size}
}

func (f *fakeObjects) Stat(ctx context.Context, bucket, key string) (objectstore.ObjectInfo, error) {
	if f.statErr != nil {
		return objectstore.ObjectInfo{}, f.statErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.objects[bucket+"/"+key]
	if !ok {
		return objectstore.ObjectInfo{}, objectstore.ErrNotExist
	}
	return info, nil
}

func (f *fakeObjects) PresignPut(ctx context.Context, bucket, key string, expiry time.Duration) (string, error) {
	return "https://storage.local/" + bucket + "/" + key, nil
}

func (f *fakeObjects) Close() error { return nil }

// fakeNotifier records alerts.
type fakeNotifier struct {
	mu     sync.Mutex
	alerts []Alert
	err    error
}

func (f *fakeNotifier) Notify(ctx context.Context, a Alert) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alerts = append(f.alerts, a)
	return nil
}

func (f *fakeNotifier) sent() []Alert {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Alert(nil), f.alerts...)
}

// fakePublisher records published messages.
type fakePublisher struct {
	mu       sync.Mutex
	messages [][]byte
}

func (f *fakePublisher) Publish(ctx context.Context, key, value []byte, headers map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, value)
	return nil
}

func (f *fakePublisher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.messages)
}
