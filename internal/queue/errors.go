// internal/queue/errors.go
package queue

import (
	"errors"
	"fmt"
	"time"
)

// permanentError fails a job without further attempts.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// retryAfterError puts a job back without counting an attempt.
type retryAfterError struct {
	delay  time.Duration
	reason string
}

func (e *retryAfterError) Error() string {
	return fmt.Sprintf("deferred for %s: %s", e.delay, e.reason)
}

// RetryAfter defers the job by d. Use it when the job is not ready yet
// rather than broken.
func RetryAfter(d time.Duration, reason string) error {
	return &retryAfterError{delay: d, reason: reason}
}

func deferral(err error) (time.Duration, bool) {
	var re *retryAfterError
	if errors.As(err, &re) {
		return re.delay, true
	}
	return 0, false
}
