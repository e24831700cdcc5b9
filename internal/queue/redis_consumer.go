/**
 * Direct Redis Queue Consumer for the label scan worker
 *
 * Compatible with the TypeScript RedisQueue implementation.
 * Uses simple Redis LIST operations for job delivery.
 */

package queue

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/adverant/nexus/labelscan-worker/internal/logging"
	"github.com/adverant/nexus/labelscan-worker/internal/processor"
	"github.com/adverant/nexus/labelscan-worker/internal/storage"
)

const (
	defaultQueueName   = "labelscan:jobs"
	defaultPollTimeout = 5 * time.Second
	defaultResultTTL   = 24 * time.Hour
)

// RedisConsumer handles job consumption from Redis queue
type RedisConsumer struct {
	store  jobStore
	runner *jobRunner
	config *RedisConsumerConfig
	logger *logging.Logger
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// RedisConsumerConfig holds consumer configuration
type RedisConsumerConfig struct {
	RedisURL          string
	QueueName         string
	Concurrency       int
	Processor         processor.LabelProcessorInterface
	ProcessingTimeout time.Duration
	ResultTTL         time.Duration
	PollTimeout       time.Duration // BRPOP block time
}

// NewRedisConsumer creates a new Redis-based queue consumer
func NewRedisConsumer(cfg *RedisConsumerConfig) (*RedisConsumer, error) {
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("RedisURL is required")
	}

	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	if cfg.QueueName == "" {
		cfg.QueueName = defaultQueueName
	}
	if cfg.ResultTTL <= 0 {
		cfg.ResultTTL = defaultResultTTL
	}

	return newRedisConsumerWithStore(cfg, newRedisJobStore(client, cfg.QueueName, cfg.ResultTTL))
}

func newRedisConsumerWithStore(cfg *RedisConsumerConfig, store jobStore) (*RedisConsumer, error) {
	if cfg.Processor == nil {
		return nil, fmt.Errorf("Processor is required")
	}

	if cfg.QueueName == "" {
		cfg.QueueName = defaultQueueName
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = defaultPollTimeout
	}

	logger := logging.NewLogger("redis-consumer")
	consumerCtx, cancel := context.WithCancel(context.Background())

	return &RedisConsumer{
		store:  store,
		runner: newJobRunner(cfg.Processor, cfg.ProcessingTimeout, logger),
		config: cfg,
		logger: logger,
		ctx:    consumerCtx,
		cancel: cancel,
	}, nil
}

// Start begins processing jobs from the queue
func (c *RedisConsumer) Start() error {
	c.logger.Info("Starting Redis queue consumer", "concurrency", c.config.Concurrency, "queue", c.config.QueueName)

	for i := 0; i < c.config.Concurrency; i++ {
		c.wg.Add(1)
		go c.worker(i)
	}

	return nil
}

// Stop stops fetching, waits for in-flight jobs and closes the connection
func (c *RedisConsumer) Stop() error {
	c.logger.Info("Stopping queue consumer")
	c.cancel()
	c.wg.Wait()
	return c.store.Close()
}

func (c *RedisConsumer) worker(id int) {
	defer c.wg.Done()
	c.logger.Debug("Worker started", "worker", id)

	for {
		select {
		case <-c.ctx.Done():
			c.logger.Debug("Worker stopping", "worker", id)
			return
		default:
		}

		err := c.processNextJob()
		if err == nil || stderrors.Is(err, errNoJob) {
			continue
		}
		if c.ctx.Err() != nil {
			return
		}

		c.logger.Error("Worker error", "worker", id, "error", err)
		select {
		case <-c.ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}

// processNextJob fetches and processes the next job from the queue
func (c *RedisConsumer) processNextJob() error {
	job, err := c.store.Fetch(c.ctx, c.config.PollTimeout)
	if err != nil {
		return err
	}

	// in-flight jobs run to completion after Stop
	return c.handleJob(context.WithoutCancel(c.ctx), job)
}

func (c *RedisConsumer) handleJob(ctx context.Context, job *RedisJobData) error {
	jobID := job.Payload.JobID
	maxRetries := job.MaxRetries
	if maxRetries <= 0 {
		maxRetries = job.Payload.MaxRetries
	}

	if err := c.store.MarkProcessing(ctx, jobID); err != nil {
		c.logger.Warn("Failed to mark job processing", "job", jobID, "error", err)
	}
	c.publish(ctx, jobID, storage.StatusProcessing, nil)

	c.logger.Info("Processing job", "job", jobID, "attempt", job.Attempts+1, "maxRetries", maxRetries)

	startTime := time.Now()
	result, err := c.runner.run(ctx, &job.Payload, job.Attempts+1 >= maxRetries)
	if err != nil {
		job.Attempts++
		if retryable(err) && job.Attempts < maxRetries {
			c.logger.Warn("Job re-queued for retry", "job", jobID, "attempt", job.Attempts, "maxRetries", maxRetries)
			return c.store.Requeue(ctx, job)
		}

		metadata := failureMetadata(jobID, err, time.Since(startTime))
		metadata["attempts"] = job.Attempts
		errData, marshalErr := json.Marshal(metadata)
		if marshalErr != nil {
			return fmt.Errorf("failed to marshal error for job %s: %w", jobID, marshalErr)
		}
		if storeErr := c.store.MarkFailed(ctx, job, errData); storeErr != nil {
			return fmt.Errorf("failed to mark job %s failed: %w", jobID, storeErr)
		}
		c.publish(ctx, jobID, storage.StatusFailed, map[string]interface{}{"error": err.Error()})
		return nil
	}

	resultData, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result for job %s: %w", jobID, err)
	}
	if err := c.store.MarkCompleted(ctx, job, resultData); err != nil {
		return fmt.Errorf("failed to mark job %s completed: %w", jobID, err)
	}
	c.publish(ctx, jobID, storage.StatusCompleted, map[string]interface{}{
		"provider":   result.Recognition.Provider,
		"confidence": result.Recognition.Confidence,
	})
	return nil
}

// publish emits a job event for WebSocket streaming
func (c *RedisConsumer) publish(ctx context.Context, jobID, status string, extra map[string]interface{}) {
	event := map[string]interface{}{
		"event":     "job:" + status,
		"jobId":     jobID,
		"timestamp": time.Now().Format(time.RFC3339),
	}
	for k, v := range extra {
		event[k] = v
	}

	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	if err := c.store.Publish(ctx, data); err != nil {
		c.logger.Warn("Failed to publish job event", "job", jobID, "status", status, "error", err)
	}
}

// GetStats returns queue statistics
func (c *RedisConsumer) GetStats() (map[string]int64, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return c.store.Stats(ctx)
}
