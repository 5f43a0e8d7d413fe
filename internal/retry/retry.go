// internal/retry/retry.go
package retry

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Policy is an exponential backoff: Base * 2^attempt, capped at Max.
type Policy struct {
	Base        time.Duration
	Max         time.Duration
	MaxAttempts int
}

// DefaultPolicy is used for queue jobs and transient lookups.
var DefaultPolicy = Policy{Base: 2 * time.Second, Max: 5 * time.Minute, MaxAttempts: 5}

// ReconnectPolicy is used when a session has to reconnect. It gives up sooner
// because repeated logins can get a number throttled or banned.
var ReconnectPolicy = Policy{Base: time.Second, Max: 30 * time.Second, MaxAttempts: 3}

// Delay returns the wait before the attempt following "attempt" failures.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if p.Base <= 0 {
		return 0
	}
	d := p.Base
	for i := 0; i < attempt; i++ {
		d *= 2
		if p.Max > 0 && d >= p.Max {
			return p.Max
		}
	}
	if p.Max > 0 && d > p.Max {
		return p.Max
	}
	return d
}

// Next reports the delay before another attempt, or false when attempts
// made so far already reached MaxAttempts.
func (p Policy) Next(attempts int) (time.Duration, bool) {
	if p.MaxAttempts > 0 && attempts >= p.MaxAttempts {
		return 0, false
	}
	return p.Delay(attempts), true
}

// Do runs fn until it succeeds, ctx is done, or the policy runs out.
// It returns the last error from fn.
func Do(ctx context.Context, p Policy, op string, fn func(ctx context.Context) error) error {
	attempts := 0
	for {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		attempts++
		delay, ok := p.Next(attempts)
		if !ok {
			log.Error().Err(err).Str("op", op).Int("attempts", attempts).Msg("giving up")
			return err
		}
		log.Warn().Err(err).Str("op", op).Int("attempt", attempts).Dur("retry_in", delay).Msg("attempt failed")

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}
