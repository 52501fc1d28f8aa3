package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ReportQueueKey is the redis list holding pending usage report jobs.
const ReportQueueKey = "usage:report:jobs"

var ErrQueueFull = errors.New("worker: queue full")

// Job asks the reporter to deliver one usage record. Losing a job is safe: the
// reconciliation sweep picks up anything still pending.
type Job struct {
	ID         string    `json:"id"`
	RecordID   string    `json:"record_id"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

func NewJob(recordID string) *Job {
	return &Job{ID: uuid.NewString(), RecordID: recordID, EnqueuedAt: time.Now().UTC()}
}

// MarshalBinary implements encoding.BinaryMarshaler for Redis
func (j *Job) MarshalBinary() ([]byte, error) {
	return json.Marshal(j)
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler for Redis
func (j *Job) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, j)
}

type Handler func(ctx context.Context, job *Job) error

type Queue interface {
	Enqueue(ctx context.Context, job *Job) error
	Process(ctx context.Context) error // starts the worker loop, returns when ctx is done
}

type RedisQueue struct {
	rdb         *redis.Client
	key         string
	handler     Handler
	logger      *zap.Logger
	pollTimeout time.Duration
}

func NewRedisQueue(rdb *redis.Client, handler Handler, logger *zap.Logger) *RedisQueue {
	return &RedisQueue{
		rdb:         rdb,
		key:         ReportQueueKey,
		handler:     handler,
		logger:      logger,
		pollTimeout: 5 * time.Second,
	}
}

func (q *RedisQueue) Enqueue(ctx context.Context, job *Job) error {
	if err := q.rdb.LPush(ctx, q.key, job).Err(); err != nil {
		return fmt.Errorf("failed to enqueue job: %w", err)
	}
	return nil
}

func (q *RedisQueue) Process(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		res, err := q.rdb.BRPop(ctx, q.pollTimeout, q.key).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			q.logger.Warn("job queue read failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		// res is [key, value]
		var job Job
		if err := job.UnmarshalBinary([]byte(res[1])); err != nil {
			q.logger.Error("dropping malformed job", zap.String("payload", res[1]), zap.Error(err))
			continue
		}
		run(ctx, q.handler, &job, q.logger)
	}
}

// LocalQueue is an in-process queue for running without redis. A full queue rejects
// new jobs instead of blocking the caller.
type LocalQueue struct {
	jobs    chan *Job
	handler Handler
	logger  *zap.Logger
}

func NewLocalQueue(size int, handler Handler, logger *zap.Logger) *LocalQueue {
	return &LocalQueue{jobs: make(chan *Job, size), handler: handler, logger: logger}
}

func (q *LocalQueue) Enqueue(ctx context.Context, job *Job) error {
	select {
	case q.jobs <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return ErrQueueFull
	}
}

func (q *LocalQueue) Process(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case job := <-q.jobs:
			run(ctx, q.handler, job, q.logger)
		}
	}
}

func run(ctx context.Context, h Handler, job *Job, logger *zap.Logger) {
	if err := h(ctx, job); err != nil {
		logger.Warn("job failed",
			zap.String("job_id", job.ID),
			zap.String("record_id", job.RecordID),
			zap.Error(err),
		)
	}
}
