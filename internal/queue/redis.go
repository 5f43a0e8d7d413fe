// internal/queue/redis.go
package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// moveScript moves a job between two sets and stores its new json, only
// if it was still in the first set. Two workers can never claim the same
// job, and the stored state always matches the set holding the id.
var moveScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 1 then
  redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
  redis.call('HSET', KEYS[3], ARGV[1], ARGV[3])
  return 1
end
return 0
`)

// acquireScript takes a slot of a sliding window of ARGV[2] ms holding at
// most ARGV[3] entries. It returns {1, 0} on success, or {0, t} where t is
// the time in ms the oldest entry leaves the window.
var acquireScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', now - window)
if redis.call('ZCARD', KEYS[1]) < tonumber(ARGV[3]) then
  redis.call('ZADD', KEYS[1], now, ARGV[4])
  redis.call('PEXPIRE', KEYS[1], window)
  return {1, 0}
end
local oldest = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
return {0, tonumber(oldest[2]) + window}
`)

// RedisBackend stores jobs in Redis so every worker process shares them.
//
//	{prefix}:{queue}:jobs       hash id -> job json
//	{prefix}:{queue}:delayed    zset scored by run time
//	{prefix}:{queue}:active     zset scored by lease expiry
//	{prefix}:{queue}:completed  zset scored by finish time
//	{prefix}:{queue}:failed     zset scored by finish time
//	{prefix}:{queue}:limiter    zset of job starts inside the rate window
type RedisBackend struct {
	rdb    redis.UniversalClient
	prefix string
}

func NewRedisBackend(rdb redis.UniversalClient, prefix string) *RedisBackend {
	if prefix == "" {
		prefix = "dispatch"
	}
	return &RedisBackend{rdb: rdb, prefix: prefix}
}

func (b *RedisBackend) key(queue, part string) string {
	return fmt.Sprintf("%s:%s:%s", b.prefix, queue, part)
}

func ms(t time.Time) float64 { return float64(t.UnixMilli()) }

func (b *RedisBackend) Create(ctx context.Context, job *Job) (*Job, bool, error) {
	job.State = StateDelayed
	data, err := json.Marshal(job)
	if err != nil {
		return nil, false, err
	}

	jobs := b.key(job.Queue, "jobs")
	ok, err := b.rdb.HSetNX(ctx, jobs, job.ID, data).Result()
	if err != nil {
		return nil, false, err
	}
	if !ok {
		existing, err := b.Get(ctx, job.Queue, job.ID)
		if err != nil {
			return nil, false, err
		}
		if existing != nil && (existing.State == StateDelayed || existing.State == StateActive) {
			return existing, false, nil
		}
		// A finished job with the same id is replaced.
		if _, err := b.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.HSet(ctx, jobs, job.ID, data)
			p.ZRem(ctx, b.key(job.Queue, string(StateCompleted)), job.ID)
			p.ZRem(ctx, b.key(job.Queue, string(StateFailed)), job.ID)
			return nil
		}); err != nil {
			return nil, false, err
		}
	}

	if err := b.rdb.ZAdd(ctx, b.key(job.Queue, string(StateDelayed)), redis.Z{Score: ms(job.RunAt), Member: job.ID}).Err(); err != nil {
		return nil, false, err
	}
	return job, true, nil
}

func (b *RedisBackend) Get(ctx context.Context, queue, id string) (*Job, error) {
	data, err := b.rdb.HGet(ctx, b.key(queue, "jobs"), id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var j Job
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", id, err)
	}
	return &j, nil
}

func (b *RedisBackend) save(ctx context.Context, p redis.Pipeliner, job *Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	p.HSet(ctx, b.key(job.Queue, "jobs"), job.ID, data)
	return nil
}

func (b *RedisBackend) Claim(ctx context.Context, queue string, now time.Time, limit int, lease time.Duration) ([]*Job, error) {
	if limit <= 0 {
		return nil, nil
	}
	ids, err := b.rdb.ZRangeByScore(ctx, b.key(queue, string(StateDelayed)), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: int64(limit * 4),
	}).Result()
	if err != nil || len(ids) == 0 {
		return nil, err
	}

	vals, err := b.rdb.HMGet(ctx, b.key(queue, "jobs"), ids...).Result()
	if err != nil {
		return nil, err
	}
	due := make([]*Job, 0, len(vals))
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			// hash entry gone, drop the dangling schedule entry
			b.rdb.ZRem(ctx, b.key(queue, string(StateDelayed)), ids[i])
			continue
		}
		var j Job
		if err := json.Unmarshal([]byte(s), &j); err != nil {
			return nil, fmt.Errorf("decode job %s: %w", ids[i], err)
		}
		due = append(due, &j)
	}
	sortDue(due)

	keys := []string{b.key(queue, string(StateDelayed)), b.key(queue, string(StateActive)), b.key(queue, "jobs")}
	deadline := strconv.FormatInt(now.Add(lease).UnixMilli(), 10)
	claimed := make([]*Job, 0, limit)
	for _, j := range due {
		if len(claimed) == limit {
			break
		}
		j.State = StateActive
		data, err := json.Marshal(j)
		if err != nil {
			return claimed, err
		}
		won, err := moveScript.Run(ctx, b.rdb, keys, j.ID, deadline, data).Int()
		if err != nil {
			return claimed, err
		}
		if won == 0 {
			continue
		}
		claimed = append(claimed, j)
	}
	return claimed, nil
}

func (b *RedisBackend) Reschedule(ctx context.Context, job *Job) error {
	exists, err := b.rdb.HExists(ctx, b.key(job.Queue, "jobs"), job.ID).Result()
	if err != nil || !exists {
		return err
	}
	job.State = StateDelayed
	_, err = b.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRem(ctx, b.key(job.Queue, string(StateActive)), job.ID)
		if err := b.save(ctx, p, job); err != nil {
			return err
		}
		p.ZAdd(ctx, b.key(job.Queue, string(StateDelayed)), redis.Z{Score: ms(job.RunAt), Member: job.ID})
		return nil
	})
	return err
}

func (b *RedisBackend) Finish(ctx context.Context, job *Job) error {
	finished := time.Now()
	if job.FinishedAt != nil {
		finished = *job.FinishedAt
	}
	remove := (job.State == StateCompleted && job.RemoveOnComplete) || (job.State == StateFailed && job.RemoveOnFail)
	_, err := b.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRem(ctx, b.key(job.Queue, string(StateActive)), job.ID)
		if remove {
			p.HDel(ctx, b.key(job.Queue, "jobs"), job.ID)
			return nil
		}
		if err := b.save(ctx, p, job); err != nil {
			return err
		}
		p.ZAdd(ctx, b.key(job.Queue, string(job.State)), redis.Z{Score: ms(finished), Member: job.ID})
		return nil
	})
	return err
}

func (b *RedisBackend) Remove(ctx context.Context, queue, id string) (RemoveResult, error) {
	n, err := b.rdb.ZRem(ctx, b.key(queue, string(StateDelayed)), id).Result()
	if err != nil {
		return NotFound, err
	}
	if n == 1 {
		return Removed, b.rdb.HDel(ctx, b.key(queue, "jobs"), id).Err()
	}

	_, err = b.rdb.ZScore(ctx, b.key(queue, string(StateActive)), id).Result()
	if err == nil {
		return Active, nil
	}
	if !errors.Is(err, redis.Nil) {
		return NotFound, err
	}

	deleted, err := b.rdb.HDel(ctx, b.key(queue, "jobs"), id).Result()
	if err != nil {
		return NotFound, err
	}
	if deleted == 0 {
		return NotFound, nil
	}
	b.rdb.ZRem(ctx, b.key(queue, string(StateCompleted)), id)
	b.rdb.ZRem(ctx, b.key(queue, string(StateFailed)), id)
	return Removed, nil
}

func (b *RedisBackend) RecoverStalled(ctx context.Context, queue string, now time.Time) (int, error) {
	ids, err := b.rdb.ZRangeByScore(ctx, b.key(queue, string(StateActive)), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, err
	}

	keys := []string{b.key(queue, string(StateActive)), b.key(queue, string(StateDelayed)), b.key(queue, "jobs")}
	n := 0
	for _, id := range ids {
		j, err := b.Get(ctx, queue, id)
		if err != nil {
			return n, err
		}
		if j == nil {
			b.rdb.ZRem(ctx, keys[0], id)
			continue
		}
		j.State = StateDelayed
		j.RunAt = now
		data, err := json.Marshal(j)
		if err != nil {
			return n, err
		}
		moved, err := moveScript.Run(ctx, b.rdb, keys, id, strconv.FormatInt(now.UnixMilli(), 10), data).Int()
		if err != nil {
			return n, err
		}
		if moved == 1 {
			n++
		}
	}
	return n, nil
}

func (b *RedisBackend) Clean(ctx context.Context, queue string, state State, olderThan time.Time) (int, error) {
	set := b.key(queue, string(state))
	ids, err := b.rdb.ZRangeByScore(ctx, set, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(olderThan.UnixMilli(), 10),
	}).Result()
	if err != nil || len(ids) == 0 {
		return 0, err
	}

	members := make([]any, len(ids))
	for i, id := range ids {
		members[i] = id
	}
	_, err = b.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HDel(ctx, b.key(queue, "jobs"), ids...)
		p.ZRem(ctx, set, members...)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

// Acquire records a job start in the queue's window, shared by every
// worker on the same Redis.
func (b *RedisBackend) Acquire(ctx context.Context, queue string, now time.Time, max int, window time.Duration) (bool, time.Time, error) {
	res, err := acquireScript.Run(ctx, b.rdb, []string{b.key(queue, "limiter")},
		now.UnixMilli(), window.Milliseconds(), max, uuid.NewString()).Int64Slice()
	if err != nil {
		return false, time.Time{}, err
	}
	if res[0] == 1 {
		return true, time.Time{}, nil
	}
	return false, time.UnixMilli(res[1]), nil
}

var _ Backend = (*RedisBackend)(nil)
