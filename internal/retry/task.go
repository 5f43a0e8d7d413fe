// internal/retry/task.go
package retry

import (
	"fmt"
	"time"
)

type TaskState string

const (
	TaskAttempting TaskState = "ATTEMPTING"
	TaskDone       TaskState = "DONE"
	TaskAbandoned  TaskState = "ABANDONED"
)

// Task is a retry subject that travels as a job payload. Attempt is the
// number of the attempt currently running, starting at 1.
type Task struct {
	SubjectID     int       `json:"subject_id"`
	CompanyID     int       `json:"company_id"`
	Attempt       int       `json:"attempt"`
	MaxAttempts   int       `json:"max_attempts"`
	NextAttemptAt time.Time `json:"next_attempt_at"`
	State         TaskState `json:"state"`
	LastError     string    `json:"last_error,omitempty"`
}

func NewTask(subjectID, companyID, maxAttempts int, now time.Time) *Task {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Task{
		SubjectID:     subjectID,
		CompanyID:     companyID,
		Attempt:       1,
		MaxAttempts:   maxAttempts,
		NextAttemptAt: now,
		State:         TaskAttempting,
	}
}

// Succeed moves ATTEMPTING(n) to DONE.
func (t *Task) Succeed() error {
	if t.State != TaskAttempting {
		return fmt.Errorf("task %d: cannot succeed from %s", t.SubjectID, t.State)
	}
	t.State = TaskDone
	t.LastError = ""
	return nil
}

// Fail records a failed attempt. It returns true and schedules
// ATTEMPTING(n+1) while attempts remain, and moves to ABANDONED once the
// failed attempt was the last allowed one.
func (t *Task) Fail(err error, p Policy, now time.Time) (bool, error) {
	if t.State != TaskAttempting {
		return false, fmt.Errorf("task %d: cannot fail from %s", t.SubjectID, t.State)
	}
	if err != nil {
		t.LastError = err.Error()
	}
	if t.Attempt >= t.MaxAttempts {
		t.State = TaskAbandoned
		return false, nil
	}
	t.NextAttemptAt = now.Add(p.Delay(t.Attempt))
	t.Attempt++
	return true, nil
}
