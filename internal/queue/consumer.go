/**
 * Asynq Queue Consumer for the label scan worker
 *
 * Consumes label:recognize tasks and runs them through the label processor.
 * Asynq owns retries; the job is marked failed on its last attempt.
 */

package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/hibiken/asynq"

	"github.com/adverant/nexus/labelscan-worker/internal/logging"
	"github.com/adverant/nexus/labelscan-worker/internal/processor"
)

// TaskTypeRecognize is the asynq task type for label recognition jobs
const TaskTypeRecognize = "label:recognize"

const maxRetryDelay = 60 * time.Second

// Consumer handles job consumption from an asynq queue
type Consumer struct {
	client *asynq.Client
	server *asynq.Server
	mux    *asynq.ServeMux
	runner *jobRunner
	config *ConsumerConfig
	logger *logging.Logger
}

// ConsumerConfig holds consumer configuration
type ConsumerConfig struct {
	RedisURL          string
	QueueName         string
	Concurrency       int
	Processor         processor.LabelProcessorInterface
	ProcessingTimeout time.Duration
}

// NewRecognizeTask builds a label:recognize task for queueName
func NewRecognizeTask(payload *JobPayload, queueName string) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job payload: %w", err)
	}

	opts := []asynq.Option{asynq.Queue(queueName)}
	if payload.MaxRetries > 0 {
		opts = append(opts, asynq.MaxRetry(payload.MaxRetries))
	}
	if payload.JobID != "" {
		opts = append(opts, asynq.TaskID(payload.JobID))
	}
	return asynq.NewTask(TaskTypeRecognize, data, opts...), nil
}

// retryDelay backs off exponentially from 5s, capped at one minute
func retryDelay(n int, err error, task *asynq.Task) time.Duration {
	if n > 4 {
		return maxRetryDelay
	}
	delay := time.Duration(5*(1<<uint(n))) * time.Second
	if delay > maxRetryDelay {
		delay = maxRetryDelay
	}
	return delay
}

// NewConsumer creates a new queue consumer
func NewConsumer(cfg *ConsumerConfig) (*Consumer, error) {
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("RedisURL is required")
	}

	if cfg.QueueName == "" {
		return nil, fmt.Errorf("QueueName is required")
	}

	if cfg.Processor == nil {
		return nil, fmt.Errorf("Processor is required")
	}

	redisOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	logger := logging.NewLogger("asynq-consumer")

	server := asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: cfg.Concurrency,
			Queues: map[string]int{
				cfg.QueueName: 10,
				"default":     1,
			},
			RetryDelayFunc: retryDelay,
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				retried, _ := asynq.GetRetryCount(ctx)
				logger.Error("Task processing error", "type", task.Type(), "retried", retried, "error", err)
			}),
			Logger: asynqLogger{logger.With("server")},
		},
	)

	consumer := &Consumer{
		client: asynq.NewClient(redisOpt),
		server: server,
		mux:    asynq.NewServeMux(),
		runner: newJobRunner(cfg.Processor, cfg.ProcessingTimeout, logger),
		config: cfg,
		logger: logger,
	}

	consumer.mux.HandleFunc(TaskTypeRecognize, consumer.handleRecognize)

	return consumer, nil
}

// Start starts the queue consumer
func (c *Consumer) Start(ctx context.Context) error {
	c.logger.Info("Starting queue consumer", "concurrency", c.config.Concurrency, "queue", c.config.QueueName)

	if err := c.server.Start(c.mux); err != nil {
		return fmt.Errorf("failed to start asynq server: %w", err)
	}
	return nil
}

// Stop stops the queue consumer gracefully
func (c *Consumer) Stop(ctx context.Context) error {
	c.logger.Info("Stopping queue consumer")

	c.server.Shutdown()

	if err := c.client.Close(); err != nil {
		return fmt.Errorf("failed to close client: %w", err)
	}

	c.logger.Info("Queue consumer stopped")
	return nil
}

// handleRecognize processes a label recognition task
func (c *Consumer) handleRecognize(ctx context.Context, task *asynq.Task) error {
	var payload JobPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal job data: %v: %w", err, asynq.SkipRetry)
	}

	retried, _ := asynq.GetRetryCount(ctx)
	maxRetry, _ := asynq.GetMaxRetry(ctx)

	c.logger.Info("Processing label",
		"job", payload.JobID,
		"user", payload.UserID,
		"tier", payload.Tier,
		"bytes", len(payload.Image),
		"attempt", retried+1)

	if _, err := c.runner.run(ctx, &payload, retried >= maxRetry); err != nil {
		if !retryable(err) {
			return fmt.Errorf("label recognition failed: %v: %w", err, asynq.SkipRetry)
		}
		return fmt.Errorf("label recognition failed: %w", err)
	}
	return nil
}

// GetStatistics returns consumer statistics
func (c *Consumer) GetStatistics() map[string]interface{} {
	return map[string]interface{}{
		"concurrency": c.config.Concurrency,
		"queue":       c.config.QueueName,
		"redisURL":    c.config.RedisURL,
	}
}

// asynqLogger routes asynq's internal logging through the worker logger
type asynqLogger struct {
	l *logging.Logger
}

func (a asynqLogger) Debug(args ...interface{}) { a.l.Debug(fmt.Sprint(args...)) }
func (a asynqLogger) Info(args ...interface{})  { a.l.Info(fmt.Sprint(args...)) }
func (a asynqLogger) Warn(args ...interface{})  { a.l.Warn(fmt.Sprint(args...)) }
func (a asynqLogger) Error(args ...interface{}) { a.l.Error(fmt.Sprint(args...)) }

func (a asynqLogger) Fatal(args ...interface{}) {
	a.l.Error(fmt.Sprint(args...))
	os.Exit(1)
}
