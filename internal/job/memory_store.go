package job

import (
	"context"
	"sort"
	"sync"
	"time"

	xerrors "THA-AgentHub/internal/errors"
)

// MemoryStore 以内存方式保存任务状态，主要用于测试与单机部署。
type MemoryStore struct {
	mu          sync.RWMutex
	jobs        map[string]*Job
	identifiers map[string]string
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:        make(map[string]*Job),
		identifiers: make(map[string]string),
	}
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, job *Job) error {
	if err := validateNew(job); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.ID]; ok {
		return ErrJobExists
	}
	if _, ok := m.identifiers[job.BlockchainIdentifier]; ok {
		return ErrJobExists
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	if job.UpdatedAt.IsZero() {
		job.UpdatedAt = job.CreatedAt
	}
	m.jobs[job.ID] = job.Clone()
	m.identifiers[job.BlockchainIdentifier] = job.ID
	return nil
}

// Get 返回任务。
func (m *MemoryStore) Get(_ context.Context, id string) (*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return job.Clone(), nil
}

// Apply 在持有写锁的情况下比较并修改任务状态。
func (m *MemoryStore) Apply(_ context.Context, id string, t Transition) (*Job, error) {
	if t.name == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "transition 必须通过构造函数创建")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	if job.Status != t.from {
		return job.Clone(), conflict(id, job.Status, t)
	}
	t.applyTo(job)
	return job.Clone(), nil
}

// List 返回符合条件的任务。
func (m *MemoryStore) List(_ context.Context, opts ListOptions) ([]*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.applyDefaults()

	results := make([]*Job, 0, len(m.jobs))
	for _, job := range m.jobs {
		if opts.matches(job) {
			results = append(results, job.Clone())
		}
	}

	sort.Slice(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.CreatedAt.Equal(b.CreatedAt) {
			if opts.Order == SortByCreatedAsc {
				return a.ID < b.ID
			}
			return a.ID > b.ID
		}
		if opts.Order == SortByCreatedAsc {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.CreatedAt.After(b.CreatedAt)
	})

	if opts.Offset >= len(results) {
		return []*Job{}, nil
	}
	results = results[opts.Offset:]
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

// Stats 统计符合过滤条件的任务数量与创建时间范围。
func (m *MemoryStore) Stats(_ context.Context, opts ListOptions) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.applyDefaults()

	stats := Stats{}
	for _, job := range m.jobs {
		if opts.matches(job) {
			stats.add(job)
		}
	}
	return stats, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

var _ Store = (*MemoryStore)(nil)
