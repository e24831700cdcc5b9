package queue

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/adverant/nexus/labelscan-worker/internal/errors"
)

// errNoJob is returned by Fetch when the poll window passes without a job
var errNoJob = stderrors.New("no jobs available")

// RedisJobData represents a job from the Redis queue
type RedisJobData struct {
	ID         string     `json:"id"`
	Type       string     `json:"type"`
	Payload    JobPayload `json:"payload"`
	CreatedAt  time.Time  `json:"createdAt"`
	Attempts   int        `json:"attempts"`
	MaxRetries int        `json:"maxRetries"`
}

// queueKeys names every Redis key derived from one queue name
type queueKeys struct {
	list       string
	data       string
	processing string
	completed  string
	failed     string
	events     string
}

func newQueueKeys(queue string) queueKeys {
	return queueKeys{
		list:       queue,
		data:       queue + ":data",
		processing: queue + ":processing",
		completed:  queue + ":completed",
		failed:     queue + ":failed",
		events:     queue + ":events",
	}
}

func (k queueKeys) result(jobID string) string {
	return fmt.Sprintf("%s:results:%s", k.list, jobID)
}

func (k queueKeys) failure(jobID string) string {
	return fmt.Sprintf("%s:errors:%s", k.list, jobID)
}

// jobStore is the queue bookkeeping the Redis consumer relies on
type jobStore interface {
	Fetch(ctx context.Context, wait time.Duration) (*RedisJobData, error)
	Requeue(ctx context.Context, job *RedisJobData) error
	MarkProcessing(ctx context.Context, jobID string) error
	MarkCompleted(ctx context.Context, job *RedisJobData, result []byte) error
	MarkFailed(ctx context.Context, job *RedisJobData, errData []byte) error
	Publish(ctx context.Context, event []byte) error
	Stats(ctx context.Context) (map[string]int64, error)
	Close() error
}

// redisJobStore keeps job state in the list/hash/set layout the TypeScript API uses
type redisJobStore struct {
	client    *redis.Client
	keys      queueKeys
	resultTTL time.Duration
}

func newRedisJobStore(client *redis.Client, queue string, resultTTL time.Duration) *redisJobStore {
	return &redisJobStore{client: client, keys: newQueueKeys(queue), resultTTL: resultTTL}
}

func (s *redisJobStore) Fetch(ctx context.Context, wait time.Duration) (*RedisJobData, error) {
	result, err := s.client.BRPop(ctx, wait, s.keys.list).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, errNoJob
		}
		return nil, fmt.Errorf("failed to fetch job: %w", err)
	}

	if len(result) < 2 {
		return nil, fmt.Errorf("invalid job result")
	}

	id := result[1]
	raw, err := s.client.HGet(ctx, s.keys.data, id).Result()
	if err != nil {
		return nil, s.failUnreadable(ctx, id, fmt.Errorf("failed to get job data for %s: %w", id, err))
	}

	var job RedisJobData
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return nil, s.failUnreadable(ctx, id, fmt.Errorf("failed to unmarshal job %s: %w", id, err))
	}
	if job.ID == "" {
		job.ID = id
	}
	if job.Payload.JobID == "" {
		job.Payload.JobID = id
	}
	return &job, nil
}

// failUnreadable records a popped id whose data cannot be read so the job
// lands in the failed set instead of disappearing
func (s *redisJobStore) failUnreadable(ctx context.Context, id string, cause error) error {
	job, errData := unreadableJob(id, cause)
	if err := s.MarkFailed(ctx, job, errData); err != nil {
		return fmt.Errorf("%w (marking failed: %v)", cause, err)
	}
	return cause
}

// unreadableJob builds the failure record for a job id without usable data
func unreadableJob(id string, cause error) (*RedisJobData, []byte) {
	metadata := failureMetadata(id, errors.NewInvalidRequestError(cause.Error()), 0)
	errData, _ := json.Marshal(metadata)
	return &RedisJobData{ID: id, Payload: JobPayload{JobID: id}}, errData
}

func (s *redisJobStore) Requeue(ctx context.Context, job *RedisJobData) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job %s: %w", job.ID, err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.keys.data, job.ID, data)
		pipe.SRem(ctx, s.keys.processing, job.Payload.JobID)
		pipe.LPush(ctx, s.keys.list, job.ID)
		return nil
	})
	return err
}

func (s *redisJobStore) MarkProcessing(ctx context.Context, jobID string) error {
	return s.client.SAdd(ctx, s.keys.processing, jobID).Err()
}

func (s *redisJobStore) MarkCompleted(ctx context.Context, job *RedisJobData, result []byte) error {
	jobID := job.Payload.JobID
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SRem(ctx, s.keys.processing, jobID)
		pipe.SAdd(ctx, s.keys.completed, jobID)
		pipe.Set(ctx, s.keys.result(jobID), result, s.resultTTL)
		pipe.HDel(ctx, s.keys.data, job.ID)
		return nil
	})
	return err
}

func (s *redisJobStore) MarkFailed(ctx context.Context, job *RedisJobData, errData []byte) error {
	jobID := job.Payload.JobID
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SRem(ctx, s.keys.processing, jobID)
		pipe.SAdd(ctx, s.keys.failed, jobID)
		pipe.Set(ctx, s.keys.failure(jobID), errData, s.resultTTL)
		pipe.HDel(ctx, s.keys.data, job.ID)
		return nil
	})
	return err
}

func (s *redisJobStore) Publish(ctx context.Context, event []byte) error {
	return s.client.Publish(ctx, s.keys.events, event).Err()
}

func (s *redisJobStore) Stats(ctx context.Context) (map[string]int64, error) {
	pipe := s.client.Pipeline()
	waiting := pipe.LLen(ctx, s.keys.list)
	processing := pipe.SCard(ctx, s.keys.processing)
	completed := pipe.SCard(ctx, s.keys.completed)
	failed := pipe.SCard(ctx, s.keys.failed)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to read queue stats: %w", err)
	}

	return map[string]int64{
		"waiting":    waiting.Val(),
		"processing": processing.Val(),
		"completed":  completed.Val(),
		"failed":     failed.Val(),
	}, nil
}

func (s *redisJobStore) Close() error {
	return s.client.Close()
}

// Enqueue stores job under <queue>:data and pushes its id onto the list
func (s *redisJobStore) Enqueue(ctx context.Context, job *RedisJobData) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job %s: %w", job.ID, err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.keys.data, job.ID, data)
		pipe.LPush(ctx, s.keys.list, job.ID)
		return nil
	})
	return err
}
