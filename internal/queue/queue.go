// internal/queue/queue.go
package queue

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/omica1992/whatsapp-dispatch/internal/retry"
)

// HandlerFunc processes one job. Returning nil completes it.
type HandlerFunc func(ctx context.Context, job *Job) error

// FailedFunc is called once a job has failed for good.
type FailedFunc func(ctx context.Context, job *Job, err error)

// RateLimit allows at most Max job starts in any Duration window. The
// window lives in the Backend, so every worker sharing it shares the limit.
type RateLimit struct {
	Max      int
	Duration time.Duration
}

type Options struct {
	Concurrency  int
	PollInterval time.Duration
	Attempts     int
	Backoff      retry.Policy
	JobTimeout   time.Duration
	Limit        *RateLimit
	// KeepCompleted and KeepFailed bound how long finished jobs are kept.
	KeepCompleted time.Duration
	KeepFailed    time.Duration
	Clock         func() time.Time
}

func defaultOptions() Options {
	return Options{
		Concurrency:   1,
		PollInterval:  time.Second,
		Attempts:      retry.DefaultPolicy.MaxAttempts,
		Backoff:       retry.DefaultPolicy,
		JobTimeout:    time.Minute,
		KeepCompleted: 24 * time.Hour,
		KeepFailed:    7 * 24 * time.Hour,
		Clock:         time.Now,
	}
}

type Option func(*Options)

func WithConcurrency(n int) Option {
	return func(o *Options) {
		if n > 0 {
			o.Concurrency = n
		}
	}
}

func WithRateLimit(max int, per time.Duration) Option {
	return func(o *Options) {
		if max > 0 && per > 0 {
			o.Limit = &RateLimit{Max: max, Duration: per}
		}
	}
}

func WithAttempts(n int) Option {
	return func(o *Options) { o.Attempts = n }
}

func WithBackoff(p retry.Policy) Option {
	return func(o *Options) { o.Backoff = p }
}

func WithJobTimeout(d time.Duration) Option {
	return func(o *Options) { o.JobTimeout = d }
}

func WithPollInterval(d time.Duration) Option {
	return func(o *Options) { o.PollInterval = d }
}

func WithClock(now func() time.Time) Option {
	return func(o *Options) { o.Clock = now }
}

func WithRetention(completed, failed time.Duration) Option {
	return func(o *Options) {
		o.KeepCompleted = completed
		o.KeepFailed = failed
	}
}

// Queue is a named durable job queue.
type Queue struct {
	name    string
	backend Backend
	opts    Options
	now     func() time.Time

	mu       sync.RWMutex
	handlers map[string]HandlerFunc
	onFailed []FailedFunc
}

func New(name string, backend Backend, opts ...Option) *Queue {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	q := &Queue{
		name:     name,
		backend:  backend,
		opts:     o,
		now:      o.Clock,
		handlers: make(map[string]HandlerFunc),
	}
	return q
}

func (q *Queue) Name() string { return q.name }

// Process registers the handler for jobType.
func (q *Queue) Process(jobType string, h HandlerFunc) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[jobType] = h
}

// OnFailed registers a hook run after a job exhausted its attempts or
// failed permanently.
func (q *Queue) OnFailed(fn FailedFunc) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onFailed = append(q.onFailed, fn)
}

// Add stores a job. Adding an id that is still pending returns the
// existing job unchanged.
func (q *Queue) Add(ctx context.Context, jobType string, payload any, o AddOptions) (*Job, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", jobType, err)
	}

	now := q.now()
	runAt := now
	if o.Delay > 0 {
		runAt = now.Add(o.Delay)
	}
	if o.Repeat != "" {
		sched, err := cron.ParseStandard(o.Repeat)
		if err != nil {
			return nil, fmt.Errorf("parse repeat %q: %w", o.Repeat, err)
		}
		runAt = sched.Next(runAt)
	}

	id := o.JobID
	if id == "" {
		if o.Repeat != "" {
			id = fmt.Sprintf("repeat:%s:%s", jobType, o.Repeat)
		} else {
			id = uuid.NewString()
		}
	}
	attempts := o.Attempts
	if attempts <= 0 {
		attempts = q.opts.Attempts
	}

	job := &Job{
		ID:               id,
		Queue:            q.name,
		Type:             jobType,
		Payload:          data,
		Priority:         o.Priority,
		MaxAttempts:      attempts,
		Repeat:           o.Repeat,
		RunAt:            runAt,
		RemoveOnComplete: o.RemoveOnComplete,
		RemoveOnFail:     o.RemoveOnFail,
		CreatedAt:        now,
	}
	stored, created, err := q.backend.Create(ctx, job)
	if err != nil {
		return nil, fmt.Errorf("add %s job: %w", jobType, err)
	}
	if created {
		jobsAdded.WithLabelValues(q.name, jobType).Inc()
	}
	return stored, nil
}

// Remove deletes a job that has not started. Running jobs cannot be
// removed and report Active.
func (q *Queue) Remove(ctx context.Context, id string) (RemoveResult, error) {
	return q.backend.Remove(ctx, q.name, id)
}

func (q *Queue) Get(ctx context.Context, id string) (*Job, error) {
	return q.backend.Get(ctx, q.name, id)
}

// Clean prunes finished jobs past their retention.
func (q *Queue) Clean(ctx context.Context) (int, error) {
	now := q.now()
	total := 0
	for state, keep := range map[State]time.Duration{StateCompleted: q.opts.KeepCompleted, StateFailed: q.opts.KeepFailed} {
		if keep <= 0 {
			continue
		}
		n, err := q.backend.Clean(ctx, q.name, state, now.Add(-keep))
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

func (q *Queue) lease() time.Duration {
	return q.opts.JobTimeout + time.Minute
}

// Run polls for due jobs until ctx is cancelled, then waits for running
// handlers to return.
func (q *Queue) Run(ctx context.Context) error {
	log.Info().Str("queue", q.name).Int("concurrency", q.opts.Concurrency).Msg("queue worker started")

	sem := make(chan struct{}, q.opts.Concurrency)
	var wg sync.WaitGroup
	defer wg.Wait()

	ticker := time.NewTicker(q.opts.PollInterval)
	defer ticker.Stop()
	lastClean := time.Time{}

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("queue", q.name).Msg("queue worker stopping")
			return nil
		case <-ticker.C:
		}

		now := q.now()
		if n, err := q.backend.RecoverStalled(ctx, q.name, now); err != nil {
			log.Error().Err(err).Str("queue", q.name).Msg("recover stalled jobs")
		} else if n > 0 {
			log.Warn().Str("queue", q.name).Int("count", n).Msg("re-queued stalled jobs")
		}
		if now.Sub(lastClean) > time.Hour {
			lastClean = now
			if n, err := q.Clean(ctx); err != nil {
				log.Error().Err(err).Str("queue", q.name).Msg("clean finished jobs")
			} else if n > 0 {
				log.Debug().Str("queue", q.name).Int("count", n).Msg("cleaned finished jobs")
			}
		}

		free := cap(sem) - len(sem)
		if free == 0 {
			continue
		}
		jobs, err := q.backend.Claim(ctx, q.name, now, free, q.lease())
		if err != nil {
			log.Error().Err(err).Str("queue", q.name).Msg("claim jobs")
		}
		for _, job := range jobs {
			sem <- struct{}{}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer func() { <-sem }()
				q.handle(ctx, job)
			}()
		}
	}
}

// ProcessDue claims every job due now and runs it on the calling
// goroutine. It returns how many jobs ran. Jobs that become due again
// while it runs are picked up for a bounded number of rounds.
func (q *Queue) ProcessDue(ctx context.Context) (int, error) {
	total := 0
	for round := 0; round < 100; round++ {
		jobs, err := q.backend.Claim(ctx, q.name, q.now(), 100, q.lease())
		if err != nil {
			return total, err
		}
		if len(jobs) == 0 {
			return total, nil
		}
		for _, job := range jobs {
			q.handle(ctx, job)
			total++
		}
	}
	return total, nil
}

// handle runs one claimed job and settles its outcome.
func (q *Queue) handle(ctx context.Context, job *Job) {
	if !q.acquire(ctx, job) {
		return
	}

	q.mu.RLock()
	h := q.handlers[job.Type]
	q.mu.RUnlock()

	var err error
	start := time.Now()
	if h == nil {
		err = Permanent(fmt.Errorf("no handler registered for job type %q", job.Type))
	} else {
		err = q.call(ctx, h, job)
	}
	jobDuration.WithLabelValues(q.name, job.Type).Observe(time.Since(start).Seconds())

	if ctx.Err() != nil && errors.Is(err, context.Canceled) {
		job.RunAt = q.now()
		q.settleCtx(func(c context.Context) error { return q.backend.Reschedule(c, job) })
		return
	}
	q.settle(job, err)
}

// acquire takes a rate slot for job. Without one the job goes back to
// delayed until a slot frees, without counting an attempt.
func (q *Queue) acquire(ctx context.Context, job *Job) bool {
	l := q.opts.Limit
	if l == nil {
		return true
	}
	now := q.now()
	ok, free, err := q.backend.Acquire(ctx, q.name, now, l.Max, l.Duration)
	if err != nil {
		log.Error().Err(err).Str("queue", q.name).Str("job_id", job.ID).Msg("acquire rate slot")
		free = now.Add(q.opts.PollInterval)
	} else if ok {
		return true
	}
	jobsProcessed.WithLabelValues(q.name, job.Type, outcomeThrottled).Inc()
	job.RunAt = free
	q.settleCtx(func(c context.Context) error { return q.backend.Reschedule(c, job) })
	return false
}

func (q *Queue) call(ctx context.Context, h HandlerFunc, job *Job) (err error) {
	runCtx, cancel := context.WithTimeout(ctx, q.opts.JobTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("queue", q.name).Str("job_id", job.ID).Str("type", job.Type).
				Interface("panic", r).Bytes("stack", debug.Stack()).Msg("job handler panicked")
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(runCtx, job)
}

// settleCtx persists outcomes even when the worker context is already done.
func (q *Queue) settleCtx(fn func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := fn(ctx); err != nil {
		log.Error().Err(err).Str("queue", q.name).Msg("persist job outcome")
	}
}

func (q *Queue) settle(job *Job, err error) {
	now := q.now()
	logger := log.With().Str("queue", q.name).Str("job_id", job.ID).Str("type", job.Type).Int("attempt", job.Attempts+1).Logger()

	if err == nil {
		jobsProcessed.WithLabelValues(q.name, job.Type, outcomeCompleted).Inc()
		job.LastError = ""
		if q.repeatNext(job, now) {
			q.settleCtx(func(c context.Context) error { return q.backend.Reschedule(c, job) })
			return
		}
		job.State = StateCompleted
		job.FinishedAt = &now
		q.settleCtx(func(c context.Context) error { return q.backend.Finish(c, job) })
		return
	}

	job.LastError = err.Error()

	if d, ok := deferral(err); ok {
		jobsProcessed.WithLabelValues(q.name, job.Type, outcomeDeferred).Inc()
		logger.Debug().Dur("delay", d).Msg(err.Error())
		job.RunAt = now.Add(d)
		q.settleCtx(func(c context.Context) error { return q.backend.Reschedule(c, job) })
		return
	}

	job.Attempts++
	if !IsPermanent(err) && job.Attempts < job.MaxAttempts {
		delay := q.opts.Backoff.Delay(job.Attempts)
		jobsProcessed.WithLabelValues(q.name, job.Type, outcomeRetried).Inc()
		logger.Warn().Err(err).Dur("retry_in", delay).Msg("job failed, retrying")
		job.RunAt = now.Add(delay)
		q.settleCtx(func(c context.Context) error { return q.backend.Reschedule(c, job) })
		return
	}

	jobsProcessed.WithLabelValues(q.name, job.Type, outcomeFailed).Inc()
	logger.Error().Err(err).Int("max_attempts", job.MaxAttempts).Msg("job failed permanently")

	q.mu.RLock()
	hooks := append([]FailedFunc(nil), q.onFailed...)
	q.mu.RUnlock()
	for _, fn := range hooks {
		q.settleCtx(func(c context.Context) error {
			fn(c, job, err)
			return nil
		})
	}

	if q.repeatNext(job, now) {
		job.Attempts = 0
		q.settleCtx(func(c context.Context) error { return q.backend.Reschedule(c, job) })
		return
	}
	job.State = StateFailed
	job.FinishedAt = &now
	q.settleCtx(func(c context.Context) error { return q.backend.Finish(c, job) })
}

// repeatNext moves a repeating job to its next cron time.
func (q *Queue) repeatNext(job *Job, now time.Time) bool {
	if job.Repeat == "" {
		return false
	}
	sched, err := cron.ParseStandard(job.Repeat)
	if err != nil {
		log.Error().Err(err).Str("job_id", job.ID).Msg("invalid repeat expression")
		return false
	}
	job.Attempts = 0
	job.RunAt = sched.Next(now)
	return true
}
