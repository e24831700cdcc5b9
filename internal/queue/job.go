/**
 * Job payload and execution shared by both queue transports
 *
 * The payload is produced by the TypeScript API (Redis list) or by
 * cmd/labelscan (asynq). Images arrive either as a base64 string or as a
 * serialized Node.js Buffer object.
 */

package queue

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/adverant/nexus/labelscan-worker/internal/errors"
	"github.com/adverant/nexus/labelscan-worker/internal/logging"
	"github.com/adverant/nexus/labelscan-worker/internal/processor"
	"github.com/adverant/nexus/labelscan-worker/internal/storage"
)

const defaultProcessingTimeout = 120 * time.Second

// JobPayload contains the actual job data
type JobPayload struct {
	JobID      string `json:"jobId"`
	UserID     string `json:"userId,omitempty"`
	Image      []byte `json:"image,omitempty"` // set by custom UnmarshalJSON
	ImageURL   string `json:"imageUrl,omitempty"`
	MimeType   string `json:"mimeType,omitempty"`
	Tier       string `json:"tier,omitempty"`
	APIKey     string `json:"apiKey,omitempty"`
	Normalize  bool   `json:"normalize,omitempty"`
	MaxRetries int    `json:"maxRetries,omitempty"`
}

// UnmarshalJSON accepts the image as a base64 string or as a Node.js Buffer object
func (p *JobPayload) UnmarshalJSON(data []byte) error {
	type Alias JobPayload
	aux := &struct {
		Image interface{} `json:"image,omitempty"`
		*Alias
	}{
		Alias: (*Alias)(p),
	}

	if err := json.Unmarshal(data, &aux); err != nil {
		return fmt.Errorf("failed to unmarshal JobPayload: %w", err)
	}

	switch v := aux.Image.(type) {
	case nil:
		p.Image = nil

	case string:
		decoded, err := base64.StdEncoding.DecodeString(v)
		if err != nil {
			return fmt.Errorf("failed to decode base64 image: %w", err)
		}
		p.Image = decoded

	case map[string]interface{}:
		if bufferType, ok := v["type"].(string); !ok || bufferType != "Buffer" {
			return fmt.Errorf("invalid Buffer object format (missing or incorrect 'type' field)")
		}
		dataArray, ok := v["data"].([]interface{})
		if !ok {
			return fmt.Errorf("Buffer object missing 'data' array")
		}
		p.Image = make([]byte, len(dataArray))
		for i, val := range dataArray {
			byteVal, ok := val.(float64)
			if !ok || byteVal < 0 || byteVal > 255 {
				return fmt.Errorf("invalid byte value in Buffer data array at index %d", i)
			}
			p.Image[i] = byte(byteVal)
		}

	default:
		return fmt.Errorf("image must be either base64 string or Buffer object, got %T", v)
	}

	return nil
}

func (p *JobPayload) scanRequest() *processor.ScanRequest {
	return &processor.ScanRequest{
		JobID:     p.JobID,
		UserID:    p.UserID,
		Image:     p.Image,
		ImageURL:  p.ImageURL,
		MimeType:  p.MimeType,
		Tier:      p.Tier,
		APIKey:    p.APIKey,
		Normalize: p.Normalize,
	}
}

// retryable reports whether another attempt could change the outcome
func retryable(err error) bool {
	return !errors.HasCode(err, errors.ErrorInvalidRequest)
}

// failureMetadata is the job status payload recorded for a failed job
func failureMetadata(jobID string, err error, duration time.Duration) map[string]interface{} {
	var metadata map[string]interface{}
	if re, ok := errors.AsRecognitionError(err); ok {
		metadata = re.WithJobID(jobID).ToMap()
	} else {
		metadata = map[string]interface{}{
			"error": err.Error(),
		}
	}
	metadata["processingTime"] = duration.Milliseconds()
	return metadata
}

// jobRunner executes one attempt of a job and keeps the job store in step
type jobRunner struct {
	processor processor.LabelProcessorInterface
	timeout   time.Duration
	logger    *logging.Logger
}

func newJobRunner(proc processor.LabelProcessorInterface, timeout time.Duration, logger *logging.Logger) *jobRunner {
	if timeout <= 0 {
		timeout = defaultProcessingTimeout
	}
	return &jobRunner{processor: proc, timeout: timeout, logger: logger}
}

// run processes payload once. The failed status is only written when
// lastAttempt is set or the error cannot be fixed by retrying.
func (r *jobRunner) run(ctx context.Context, payload *JobPayload, lastAttempt bool) (*processor.ScanResult, error) {
	startTime := time.Now()
	jobID := payload.JobID

	if err := r.processor.UpdateJobStatus(ctx, jobID, storage.StatusProcessing, map[string]interface{}{
		"userId": payload.UserID,
		"tier":   payload.Tier,
	}); err != nil {
		r.logger.Warn("Failed to update status to processing", "job", jobID, "error", err)
	}

	processCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	result, err := r.processor.ProcessLabel(processCtx, payload.scanRequest())
	duration := time.Since(startTime)

	if err != nil {
		if processCtx.Err() == context.DeadlineExceeded {
			r.logger.Error("Processing timed out", "job", jobID, "duration", duration, "timeout", r.timeout)
			err = errors.NewTimeoutError("worker", "", r.timeout, err)
		} else {
			r.logger.Error("Processing failed", "job", jobID, "duration", duration, "error", err)
		}

		if lastAttempt || !retryable(err) {
			if updateErr := r.processor.UpdateJobStatus(ctx, jobID, storage.StatusFailed, failureMetadata(jobID, err, duration)); updateErr != nil {
				r.logger.Warn("Failed to update status to failed", "job", jobID, "error", updateErr)
			}
		}
		return nil, err
	}

	rec := result.Recognition
	r.logger.Info("Processing completed",
		"job", jobID,
		"duration", duration,
		"tier", result.Tier,
		"provider", rec.Provider,
		"confidence", rec.Confidence,
		"fallback", rec.Fallback,
		"fields", rec.ExtractedData.FieldCount())

	if err := r.processor.UpdateJobStatus(ctx, jobID, storage.StatusCompleted, processor.CompletedMetadata(result)); err != nil {
		r.logger.Warn("Failed to update status to completed", "job", jobID, "error", err)
	}

	return result, nil
}
