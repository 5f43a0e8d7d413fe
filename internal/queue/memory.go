// internal/queue/memory.go
package queue

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryBackend keeps jobs in process memory. It is meant for tests and
// single-process setups; nothing survives a restart.
type MemoryBackend struct {
	mu     sync.Mutex
	jobs   map[string]*Job
	leases map[string]time.Time
	starts map[string][]time.Time
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		jobs:   make(map[string]*Job),
		leases: make(map[string]time.Time),
		starts: make(map[string][]time.Time),
	}
}

func memKey(queue, id string) string { return queue + "/" + id }

func (b *MemoryBackend) Create(ctx context.Context, job *Job) (*Job, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	k := memKey(job.Queue, job.ID)
	if existing, ok := b.jobs[k]; ok && (existing.State == StateDelayed || existing.State == StateActive) {
		cp := *existing
		return &cp, false, nil
	}
	cp := *job
	cp.State = StateDelayed
	b.jobs[k] = &cp
	return job, true, nil
}

func (b *MemoryBackend) Get(ctx context.Context, queue, id string) (*Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	j, ok := b.jobs[memKey(queue, id)]
	if !ok {
		return nil, nil
	}
	cp := *j
	return &cp, nil
}

func (b *MemoryBackend) Claim(ctx context.Context, queue string, now time.Time, limit int, lease time.Duration) ([]*Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var due []*Job
	for _, j := range b.jobs {
		if j.Queue == queue && j.State == StateDelayed && !j.RunAt.After(now) {
			due = append(due, j)
		}
	}
	sortDue(due)
	if len(due) > limit {
		due = due[:limit]
	}

	out := make([]*Job, 0, len(due))
	for _, j := range due {
		j.State = StateActive
		b.leases[memKey(j.Queue, j.ID)] = now.Add(lease)
		cp := *j
		out = append(out, &cp)
	}
	return out, nil
}

func (b *MemoryBackend) Reschedule(ctx context.Context, job *Job) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	k := memKey(job.Queue, job.ID)
	if _, ok := b.jobs[k]; !ok {
		// removed while running
		return nil
	}
	delete(b.leases, k)
	cp := *job
	cp.State = StateDelayed
	b.jobs[k] = &cp
	return nil
}

func (b *MemoryBackend) Finish(ctx context.Context, job *Job) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	k := memKey(job.Queue, job.ID)
	delete(b.leases, k)
	if _, ok := b.jobs[k]; !ok {
		return nil
	}
	if (job.State == StateCompleted && job.RemoveOnComplete) || (job.State == StateFailed && job.RemoveOnFail) {
		delete(b.jobs, k)
		return nil
	}
	cp := *job
	b.jobs[k] = &cp
	return nil
}

func (b *MemoryBackend) Remove(ctx context.Context, queue, id string) (RemoveResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	k := memKey(queue, id)
	j, ok := b.jobs[k]
	if !ok {
		return NotFound, nil
	}
	if j.State == StateActive {
		return Active, nil
	}
	delete(b.jobs, k)
	return Removed, nil
}

func (b *MemoryBackend) RecoverStalled(ctx context.Context, queue string, now time.Time) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for k, until := range b.leases {
		j, ok := b.jobs[k]
		if !ok || j.Queue != queue || until.After(now) {
			continue
		}
		j.State = StateDelayed
		j.RunAt = now
		delete(b.leases, k)
		n++
	}
	return n, nil
}

func (b *MemoryBackend) Clean(ctx context.Context, queue string, state State, olderThan time.Time) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for k, j := range b.jobs {
		if j.Queue != queue || j.State != state || j.FinishedAt == nil {
			continue
		}
		if j.FinishedAt.Before(olderThan) {
			delete(b.jobs, k)
			n++
		}
	}
	return n, nil
}

// sortDue orders due jobs by priority, then by due time.
func sortDue(jobs []*Job) {
	sort.SliceStable(jobs, func(i, k int) bool {
		if jobs[i].Priority != jobs[k].Priority {
			return jobs[i].Priority < jobs[k].Priority
		}
		return jobs[i].RunAt.Before(jobs[k].RunAt)
	})
}

var _ Backend = (*MemoryBackend)(nil)

func (b *MemoryBackend) Acquire(ctx context.Context, queue string, now time.Time, max int, window time.Duration) (bool, time.Time, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	cutoff := now.Add(-window)
	kept := b.starts[queue][:0]
	for _, t := range b.starts[queue] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	b.starts[queue] = kept
	if len(kept) < max {
		b.starts[queue] = append(kept, now)
		return true, time.Time{}, nil
	}
	return false, kept[0].Add(window), nil
}
