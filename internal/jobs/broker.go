// Package jobs provides the Redis-backed background job queue: a broker for
// enqueueing and tracking jobs, a worker loop that executes them, and the
// registered job handlers.
package jobs

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/webfuse/webfuse/internal/errors"
)

const (
	// DefaultQueue is the queue jobs are enqueued on.
	DefaultQueue = "indexing"

	// DefaultJobTimeout bounds one job execution.
	DefaultJobTimeout = 10 * time.Minute

	// jobKeyTTL keeps finished job records around long enough to inspect.
	jobKeyTTL = 24 * time.Hour
)

// Job lifecycle statuses.
const (
	StatusQueued   = "queued"
	StatusStarted  = "started"
	StatusFinished = "finished"
	StatusFailed   = "failed"
)

// Registered job function names.
const (
	FuncIndexDocument      = "index_document"
	FuncRescrapeChangedURL = "rescrape_changed_url"
)

// Job is the queued payload: a function reference plus serialized args.
type Job struct {
	ID         string          `json:"id"`
	Func       string          `json:"func"`
	Args       json.RawMessage `json:"args"`
	TimeoutSec int             `json:"timeout_sec"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// Timeout returns the per-job execution deadline.
func (j *Job) Timeout() time.Duration {
	if j.TimeoutSec <= 0 {
		return DefaultJobTimeout
	}
	return time.Duration(j.TimeoutSec) * time.Second
}

// JobState is the tracked status of a job.
type JobState struct {
	ID      string          `json:"id"`
	Func    string          `json:"func"`
	Status  string          `json:"status"`
	Result  json.RawMessage `json:"result,omitempty"`
	ExcInfo string          `json:"exc_info,omitempty"`
}

// Broker is the port to the job queue.
type Broker interface {
	// Enqueue pushes a job and returns its stable id.
	Enqueue(ctx context.Context, fn string, args any, timeout time.Duration) (string, error)

	// Dequeue pops the next job, blocking up to block. Returns nil with no
	// error when the queue stays empty.
	Dequeue(ctx context.Context, block time.Duration) (*Job, error)

	// SetStarted, SetFinished, and SetFailed record job transitions.
	SetStarted(ctx context.Context, jobID string) error
	SetFinished(ctx context.Context, jobID string, result any) error
	SetFailed(ctx context.Context, jobID string, excInfo string) error

	// State loads a job's tracked status.
	State(ctx context.Context, jobID string) (*JobState, error)

	// QueueLen returns the number of queued jobs.
	QueueLen(ctx context.Context) (int64, error)

	// HealthCheck reports reachability. Never errors.
	HealthCheck(ctx context.Context) bool

	// Close releases the connection. Idempotent.
	Close() error
}

// RedisBroker implements Broker on a Redis list plus one hash per job.
type RedisBroker struct {
	client *redis.Client
	queue  string
}

// Verify interface implementation at compile time.
var _ Broker = (*RedisBroker)(nil)

// NewRedisBroker connects to redisURL ("redis://host:port/db") and uses the
// named queue, defaulting to DefaultQueue.
func NewRedisBroker(redisURL, queue string) (*RedisBroker, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, errors.Wrap(errors.KindInvalidInput, "parse redis url", err)
	}
	if queue == "" {
		queue = DefaultQueue
	}
	return &RedisBroker{client: redis.NewClient(opts), queue: queue}, nil
}

func (b *RedisBroker) queueKey() string { return "webfuse:queue:" + b.queue }

func jobKey(jobID string) string { return "webfuse:job:" + jobID }

func (b *RedisBroker) Enqueue(ctx context.Context, fn string, args any, timeout time.Duration) (string, error) {
	rawArgs, err := json.Marshal(args)
	if err != nil {
		return "", errors.Wrap(errors.KindInvalidInput, "marshal job args", err)
	}
	if timeout <= 0 {
		timeout = DefaultJobTimeout
	}

	job := Job{
		ID:         uuid.New().String(),
		Func:       fn,
		Args:       rawArgs,
		TimeoutSec: int(timeout / time.Second),
		EnqueuedAt: time.Now().UTC(),
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return "", errors.Wrap(errors.KindInternal, "marshal job", err)
	}

	pipe := b.client.TxPipeline()
	pipe.HSet(ctx, jobKey(job.ID), "func", fn, "status", StatusQueued,
		"enqueued_at", job.EnqueuedAt.Format(time.RFC3339))
	pipe.Expire(ctx, jobKey(job.ID), jobKeyTTL)
	pipe.LPush(ctx, b.queueKey(), payload)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", errors.TransientRemote("enqueue job", err)
	}
	return job.ID, nil
}

func (b *RedisBroker) Dequeue(ctx context.Context, block time.Duration) (*Job, error) {
	res, err := b.client.BRPop(ctx, block, b.queueKey()).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, errors.TransientRemote("dequeue job", err)
	}

	var job Job
	if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
		return nil, errors.Wrap(errors.KindInternal, "decode job payload", err)
	}
	return &job, nil
}

func (b *RedisBroker) SetStarted(ctx context.Context, jobID string) error {
	return b.setFields(ctx, jobID, map[string]any{"status": StatusStarted})
}

func (b *RedisBroker) SetFinished(ctx context.Context, jobID string, result any) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return errors.Wrap(errors.KindInternal, "marshal job result", err)
	}
	return b.setFields(ctx, jobID, map[string]any{
		"status": StatusFinished,
		"result": string(raw),
	})
}

func (b *RedisBroker) SetFailed(ctx context.Context, jobID string, excInfo string) error {
	return b.setFields(ctx, jobID, map[string]any{
		"status":   StatusFailed,
		"exc_info": excInfo,
	})
}

func (b *RedisBroker) setFields(ctx context.Context, jobID string, fields map[string]any) error {
	if err := b.client.HSet(ctx, jobKey(jobID), fields).Err(); err != nil {
		return errors.TransientRemote("update job state", err)
	}
	return nil
}

func (b *RedisBroker) State(ctx context.Context, jobID string) (*JobState, error) {
	fields, err := b.client.HGetAll(ctx, jobKey(jobID)).Result()
	if err != nil {
		return nil, errors.TransientRemote("load job state", err)
	}
	if len(fields) == 0 {
		return nil, errors.Newf(errors.KindNotFound, "job %s not found", jobID)
	}
	return &JobState{
		ID:      jobID,
		Func:    fields["func"],
		Status:  fields["status"],
		Result:  json.RawMessage(fields["result"]),
		ExcInfo: fields["exc_info"],
	}, nil
}

func (b *RedisBroker) QueueLen(ctx context.Context) (int64, error) {
	n, err := b.client.LLen(ctx, b.queueKey()).Result()
	if err != nil {
		return 0, errors.TransientRemote("queue length", err)
	}
	return n, nil
}

// HealthCheck pings Redis with a short deadline.
func (b *RedisBroker) HealthCheck(ctx context.Context) bool {
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return b.client.Ping(pingCtx).Err() == nil
}

// Close tears down the Redis connection. Idempotent.
func (b *RedisBroker) Close() error {
	return b.client.Close()
}
