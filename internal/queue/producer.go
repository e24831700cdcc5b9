package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
)

// Producer enqueues label jobs on either queue backend
type Producer struct {
	backend   string
	queueName string
	tasks     *asynq.Client
	store     *redisJobStore
}

// NewProducer connects a producer for backend ("redis" or "asynq")
func NewProducer(backend, redisURL, queueName string) (*Producer, error) {
	if queueName == "" {
		queueName = defaultQueueName
	}

	switch backend {
	case "asynq":
		redisOpt, err := asynq.ParseRedisURI(redisURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
		}
		return &Producer{backend: backend, queueName: queueName, tasks: asynq.NewClient(redisOpt)}, nil

	case "redis", "":
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
		}
		store := newRedisJobStore(redis.NewClient(opt), queueName, defaultResultTTL)
		return &Producer{backend: "redis", queueName: queueName, store: store}, nil

	default:
		return nil, fmt.Errorf("unknown queue backend %q", backend)
	}
}

// Enqueue submits payload and returns its job id, generating one when empty
func (p *Producer) Enqueue(ctx context.Context, payload *JobPayload) (string, error) {
	if payload.JobID == "" {
		payload.JobID = uuid.New().String()
	}

	if p.tasks != nil {
		task, err := NewRecognizeTask(payload, p.queueName)
		if err != nil {
			return "", err
		}
		if _, err := p.tasks.EnqueueContext(ctx, task); err != nil {
			return "", fmt.Errorf("failed to enqueue task: %w", err)
		}
		return payload.JobID, nil
	}

	job := &RedisJobData{
		ID:         payload.JobID,
		Type:       TaskTypeRecognize,
		Payload:    *payload,
		CreatedAt:  time.Now(),
		MaxRetries: payload.MaxRetries,
	}
	if err := p.store.Enqueue(ctx, job); err != nil {
		return "", fmt.Errorf("failed to enqueue job: %w", err)
	}
	return payload.JobID, nil
}

// Close releases the underlying connection
func (p *Producer) Close() error {
	if p.tasks != nil {
		return p.tasks.Close()
	}
	return p.store.Close()
}

// Backend reports which queue transport the producer writes to
func (p *Producer) Backend() string {
	return p.backend
}
