// internal/queue/backend.go
package queue

import (
	"context"
	"time"
)

// Backend is the durable store behind a Queue. Implementations must make
// Claim atomic: a due job is handed to exactly one caller until its lease
// expires.
type Backend interface {
	// Create stores a new delayed job. It returns false and the stored job
	// when the id already exists and has not finished.
	Create(ctx context.Context, job *Job) (*Job, bool, error)
	Get(ctx context.Context, queue, id string) (*Job, error)
	// Claim leases up to limit due jobs, highest priority first.
	Claim(ctx context.Context, queue string, now time.Time, limit int, lease time.Duration) ([]*Job, error)
	// Reschedule moves a claimed job back to delayed at job.RunAt.
	Reschedule(ctx context.Context, job *Job) error
	// Finish moves a claimed job to completed or failed, or deletes it when
	// its remove flag for that outcome is set.
	Finish(ctx context.Context, job *Job) error
	Remove(ctx context.Context, queue, id string) (RemoveResult, error)
	// RecoverStalled moves jobs whose lease expired back to delayed.
	RecoverStalled(ctx context.Context, queue string, now time.Time) (int, error)
	// Clean deletes finished jobs older than the cutoff.
	Clean(ctx context.Context, queue string, state State, olderThan time.Time) (int, error)
	// Acquire takes a slot of the queue's rate window: at most max job
	// starts in any window. When none is free it returns false and the
	// time the oldest start leaves the window.
	Acquire(ctx context.Context, queue string, now time.Time, max int, window time.Duration) (bool, time.Time, error)
}
