package scoring

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Job is the ephemeral work descriptor for one scoring attempt. It is
// reconstructable from the Call row; losing a job only delays a retry, it
// never corrupts the call.
type Job struct {
	CallID    string `json:"call_id"`
	Attempt   int    `json:"attempt"` // 1-based
	LastError string `json:"last_error,omitempty"`
}

// Scheduler is the durable delay queue behind the scoring worker. Schedule
// replaces any pending entry for the same call; Due atomically leases (and
// removes) entries whose time has come, so retries survive process
// restarts when the implementation is backed by Redis.
type Scheduler interface {
	Schedule(ctx context.Context, job Job, at time.Time) error
	Due(ctx context.Context, now time.Time, limit int) ([]Job, error)
	Remove(ctx context.Context, callID string) error
}

const (
	redisQueueKey = "scoring:schedule" // ZSET: member = call id, score = unix next attempt
	redisJobsKey  = "scoring:jobs"     // HASH: call id -> job JSON
)

// dueScript atomically pops due members from the schedule and returns their
// payloads, so two workers never lease the same job.
var dueScript = redis.NewScript(`
-- KEYS[1] = schedule zset, KEYS[2] = jobs hash
-- ARGV[1] = now (unix), ARGV[2] = limit
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
if #ids == 0 then
  return {}
end
local out = {}
for i, id in ipairs(ids) do
  out[i] = redis.call('HGET', KEYS[2], id)
  redis.call('ZREM', KEYS[1], id)
  redis.call('HDEL', KEYS[2], id)
end
return out
`)

// RedisScheduler keeps the retry schedule in Redis so in-flight retries
// survive a redeploy.
type RedisScheduler struct {
	rdb *redis.Client
}

func NewRedisScheduler(rdb *redis.Client) *RedisScheduler {
	return &RedisScheduler{rdb: rdb}
}

func (s *RedisScheduler) Schedule(ctx context.Context, job Job, at time.Time) error {
	if job.CallID == "" {
		return fmt.Errorf("scoring: job call id is required")
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return err
	}
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, redisJobsKey, job.CallID, payload)
	pipe.ZAdd(ctx, redisQueueKey, redis.Z{Score: float64(at.Unix()), Member: job.CallID})
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisScheduler) Due(ctx context.Context, now time.Time, limit int) ([]Job, error) {
	if limit <= 0 {
		return nil, nil
	}
	raw, err := dueScript.Run(ctx, s.rdb, []string{redisQueueKey, redisJobsKey}, now.Unix(), limit).StringSlice()
	if err != nil {
		return nil, err
	}
	jobs := make([]Job, 0, len(raw))
	for _, p := range raw {
		if p == "" {
			continue
		}
		var j Job
		if err := json.Unmarshal([]byte(p), &j); err != nil {
			// A corrupt payload is dropped; the call row still shows its
			// status and a bulk retry can re-enqueue it.
			continue
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

func (s *RedisScheduler) Remove(ctx context.Context, callID string) error {
	pipe := s.rdb.TxPipeline()
	pipe.ZRem(ctx, redisQueueKey, callID)
	pipe.HDel(ctx, redisJobsKey, callID)
	_, err := pipe.Exec(ctx)
	return err
}

// MemoryScheduler is an in-process Scheduler for tests.
type MemoryScheduler struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
}

type memoryEntry struct {
	job Job
	at  time.Time
}

func NewMemoryScheduler() *MemoryScheduler {
	return &MemoryScheduler{entries: map[string]memoryEntry{}}
}

func (s *MemoryScheduler) Schedule(ctx context.Context, job Job, at time.Time) error {
	if job.CallID == "" {
		return fmt.Errorf("scoring: job call id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[job.CallID] = memoryEntry{job: job, at: at}
	return nil
}

func (s *MemoryScheduler) Due(ctx context.Context, now time.Time, limit int) ([]Job, error) {
	if limit <= 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []memoryEntry
	for _, e := range s.entries {
		if !e.at.After(now) {
			due = append(due, e)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
	if len(due) > limit {
		due = due[:limit]
	}

	jobs := make([]Job, 0, len(due))
	for _, e := range due {
		delete(s.entries, e.job.CallID)
		jobs = append(jobs, e.job)
	}
	return jobs, nil
}

func (s *MemoryScheduler) Remove(ctx context.Context, callID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, callID)
	return nil
}

// Pending returns the number of scheduled entries. Test helper.
func (s *MemoryScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
