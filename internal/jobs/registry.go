package jobs

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

var (
	// ErrJobNotFound is returned when a job is not in the registry
	ErrJobNotFound = errors.New("job not found")
	// ErrJobExists is returned when creating a job whose ID is taken
	ErrJobExists = errors.New("job already exists")
)

// DefaultTTL is how long finished jobs are kept when no TTL is configured.
const DefaultTTL = 24 * time.Hour

// Registry defines the interface for job registry operations
type Registry interface {
	// Create adds a new job
	Create(ctx context.Context, job *Job) error

	// Get retrieves a job by ID
	Get(ctx context.Context, id string) (*Job, error)

	// List returns all live jobs, oldest first
	List(ctx context.Context) ([]*Job, error)

	// Update replaces an existing job and refreshes its TTL
	Update(ctx context.Context, job *Job) error

	// Delete removes a job
	Delete(ctx context.Context, id string) error

	// Close releases any resources held by the registry
	Close() error
}

type memoryEntry struct {
	job     Job
	expires time.Time
}

// MemoryRegistry is an in-process registry for a single server.
type MemoryRegistry struct {
	mu   sync.RWMutex
	jobs map[string]memoryEntry
	ttl  time.Duration
	now  func() time.Time
}

// NewMemoryRegistry creates an in-memory registry.
func NewMemoryRegistry(ttl time.Duration) *MemoryRegistry {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryRegistry{
		jobs: make(map[string]memoryEntry),
		ttl:  ttl,
		now:  time.Now,
	}
}

// WithClock replaces the clock used for expiry.
func (m *MemoryRegistry) WithClock(now func() time.Time) *MemoryRegistry {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
	return m
}

func (m *MemoryRegistry) Create(ctx context.Context, job *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, exists := m.jobs[job.ID]; exists && m.now().Before(e.expires) {
		return ErrJobExists
	}
	m.jobs[job.ID] = memoryEntry{job: *job, expires: m.now().Add(m.ttl)}
	return nil
}

func (m *MemoryRegistry) Get(ctx context.Context, id string) (*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, exists := m.jobs[id]
	if !exists || !m.now().Before(e.expires) {
		return nil, ErrJobNotFound
	}
	job := e.job
	return &job, nil
}

func (m *MemoryRegistry) List(ctx context.Context) ([]*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	jobs := make([]*Job, 0, len(m.jobs))
	for id, e := range m.jobs {
		if !now.Before(e.expires) {
			delete(m.jobs, id)
			continue
		}
		job := e.job
		jobs = append(jobs, &job)
	}
	sortJobs(jobs)
	return jobs, nil
}

func (m *MemoryRegistry) Update(ctx context.Context, job *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, exists := m.jobs[job.ID]
	if !exists || !m.now().Before(e.expires) {
		return ErrJobNotFound
	}
	m.jobs[job.ID] = memoryEntry{job: *job, expires: m.now().Add(m.ttl)}
	return nil
}

func (m *MemoryRegistry) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.jobs[id]; !exists {
		return ErrJobNotFound
	}
	delete(m.jobs, id)
	return nil
}

func (m *MemoryRegistry) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs = make(map[string]memoryEntry)
	return nil
}

func sortJobs(jobs []*Job) {
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].ID < jobs[j].ID
		}
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})
}
