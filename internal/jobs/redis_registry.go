package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// KeyPrefix namespaces job keys in Redis.
const KeyPrefix = "salvage:jobs:"

var createScript = redis.NewScript(`
	local key = KEYS[1]
	local active_key = KEYS[2]
	local data = ARGV[1]
	local ttl = tonumber(ARGV[2])
	local job_id = ARGV[3]
	local ok = redis.call('SET', key, data, 'PX', ttl, 'NX')
	if not ok then
		return 0
	end
	redis.call('SADD', active_key, job_id)
	return 1
`)

var listScript = redis.NewScript(`
	local active_key = KEYS[1]
	local prefix = ARGV[1]
	local active = redis.call('SMEMBERS', active_key)
	local result = {}
	local to_remove = {}

	for i, id in ipairs(active) do
		local job = redis.call('GET', prefix .. id)
		if job then
			table.insert(result, job)
		else
			table.insert(to_remove, id)
		end
	end

	for i, id in ipairs(to_remove) do
		redis.call('SREM', active_key, id)
	end

	return result
`)

// RedisRegistry implements Registry with Redis, so several servers sharing
// a work directory see the same jobs.
type RedisRegistry struct {
	client *redis.Client
	logger *logrus.Logger
	prefix string
	ttl    time.Duration
}

// NewRedisRegistry creates a new Redis-backed registry
func NewRedisRegistry(client *redis.Client, logger *logrus.Logger, ttl time.Duration) *RedisRegistry {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisRegistry{
		client: client,
		logger: logger,
		prefix: KeyPrefix,
		ttl:    ttl,
	}
}

func (r *RedisRegistry) key(id string) string {
	return r.prefix + id
}

func (r *RedisRegistry) activeKey() string {
	return r.prefix + "active"
}

func (r *RedisRegistry) Create(ctx context.Context, job *Job) error {
	data, err := encode(job)
	if err != nil {
		return err
	}

	created, err := createScript.Run(ctx, r.client,
		[]string{r.key(job.ID), r.activeKey()},
		data, r.ttl.Milliseconds(), job.ID).Int()
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	if created == 0 {
		return fmt.Errorf("%w: %s", ErrJobExists, job.ID)
	}

	r.logger.WithFields(logrus.Fields{
		"job_id":   job.ID,
		"filename": job.Filename,
	}).Debug("Job registered")
	return nil
}

func (r *RedisRegistry) Get(ctx context.Context, id string) (*Job, error) {
	data, err := r.client.Get(ctx, r.key(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return decode(data)
}

func (r *RedisRegistry) List(ctx context.Context) ([]*Job, error) {
	res, err := listScript.Run(ctx, r.client, []string{r.activeKey()}, r.prefix).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	values, ok := res.([]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected result type from script")
	}

	jobs := make([]*Job, 0, len(values))
	for _, val := range values {
		data, ok := val.(string)
		if !ok {
			r.logger.Warn("Invalid data type in result")
			continue
		}
		job, err := decode([]byte(data))
		if err != nil {
			r.logger.WithError(err).Warn("Failed to unmarshal job")
			continue
		}
		jobs = append(jobs, job)
	}
	sortJobs(jobs)
	return jobs, nil
}

func (r *RedisRegistry) Update(ctx context.Context, job *Job) error {
	if job == nil {
		return fmt.Errorf("job cannot be nil")
	}

	data, err := encode(job)
	if err != nil {
		return err
	}

	// XX keeps an expired or deleted job from being resurrected.
	ok, err := r.client.SetXX(ctx, r.key(job.ID), data, r.ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, job.ID)
	}

	r.logger.WithFields(logrus.Fields{
		"job_id": job.ID,
		"status": job.Status,
	}).Debug("Job updated")
	return nil
}

func (r *RedisRegistry) Delete(ctx context.Context, id string) error {
	deleted, err := r.client.Del(ctx, r.key(id)).Result()
	if err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}
	if err := r.client.SRem(ctx, r.activeKey(), id).Err(); err != nil {
		r.logger.Warnf("Failed to remove job %s from active set: %v", id, err)
	}
	if deleted == 0 {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return nil
}

// Close closes the Redis client connection
func (r *RedisRegistry) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

func encode(job *Job) ([]byte, error) {
	data, err := json.Marshal(redisJob{Job: job, InputPath: job.InputPath, OutputPath: job.OutputPath})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job: %w", err)
	}
	return data, nil
}

func decode(data []byte) (*Job, error) {
	rj := redisJob{Job: &Job{}}
	if err := json.Unmarshal(data, &rj); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	rj.Job.InputPath = rj.InputPath
	rj.Job.OutputPath = rj.OutputPath
	return rj.Job, nil
}
