// internal/queue/job.go
package queue

import (
	"time"

	"github.com/goccy/go-json"
)

type State string

const (
	StateDelayed   State = "delayed"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Job is a unit of work stored in a Backend.
type Job struct {
	ID          string          `json:"id"`
	Queue       string          `json:"queue"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	State       State           `json:"state"`
	Priority    int             `json:"priority"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	Repeat      string          `json:"repeat,omitempty"`
	RunAt       time.Time       `json:"run_at"`
	LastError   string          `json:"last_error,omitempty"`
	// Progress is handler state carried from one attempt to the next.
	Progress         json.RawMessage `json:"progress,omitempty"`
	RemoveOnComplete bool            `json:"remove_on_complete,omitempty"`
	RemoveOnFail     bool            `json:"remove_on_fail,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	FinishedAt       *time.Time      `json:"finished_at,omitempty"`
}

// Decode unmarshals the job payload into v.
func (j *Job) Decode(v any) error {
	return json.Unmarshal(j.Payload, v)
}

// SetProgress stores v on the job. It is persisted when the job is
// rescheduled, so the next attempt can resume instead of starting over.
func (j *Job) SetProgress(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	j.Progress = data
	return nil
}

// AddOptions controls how a job is scheduled.
type AddOptions struct {
	// Delay postpones the first run.
	Delay time.Duration
	// Repeat is a cron expression. A repeating job is rescheduled at the
	// next matching time after every run.
	Repeat string
	// Priority orders jobs that are due at the same time, lower first.
	Priority int
	// Attempts overrides the queue default.
	Attempts int
	// JobID makes Add idempotent: adding an id that is still pending
	// returns the existing job.
	JobID            string
	RemoveOnComplete bool
	RemoveOnFail     bool
}

type RemoveResult string

const (
	Removed  RemoveResult = "removed"
	Active   RemoveResult = "active"
	NotFound RemoveResult = "not_found"
)
