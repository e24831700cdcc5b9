/**
 * Label Processor for the label scan worker
 *
 * Turns a photographed nutrition label into structured data:
 * - image load (inline bytes or URL download)
 * - recognition cascade (Tesseract → fast → structured → advanced vision tiers)
 * - deterministic extraction of calories, macros, weight, brand and product name
 * - optional unit normalization (explicit opt-in)
 * - range validation
 */

package processor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/adverant/nexus/labelscan-worker/internal/clients"
	"github.com/adverant/nexus/labelscan-worker/internal/config"
	"github.com/adverant/nexus/labelscan-worker/internal/errors"
	"github.com/adverant/nexus/labelscan-worker/internal/logging"
	"github.com/adverant/nexus/labelscan-worker/internal/nutrition"
	"github.com/adverant/nexus/labelscan-worker/internal/storage"
)

// LabelProcessorInterface defines the interface for label processing
type LabelProcessorInterface interface {
	ProcessLabel(ctx context.Context, req *ScanRequest) (*ScanResult, error)
	UpdateJobStatus(ctx context.Context, jobID string, status string, metadata map[string]interface{}) error
}

// JobStatusStore persists job bookkeeping; *storage.PostgresClient satisfies it
type JobStatusStore interface {
	UpdateJobStatus(ctx context.Context, update *storage.JobUpdate) error
}

// ProcessorConfig holds processor configuration
type ProcessorConfig struct {
	Engines      Engines
	Thresholds   *Thresholds // nil uses DefaultThresholds
	DefaultTier  Tier
	MaxImageSize int64
	JobStore     JobStatusStore    // optional
	Session      *TesseractSession // released by Close when set
	HTTPClient   *http.Client      // image downloads
}

// ScanRequest represents a label recognition request
type ScanRequest struct {
	JobID     string
	UserID    string
	Image     []byte
	ImageURL  string
	MimeType  string
	Tier      string // empty uses the configured default
	APIKey    string // empty uses the configured credential
	Normalize bool   // apply kJ→kcal, mg→g, kg→g conversions
}

// ScanResult represents the processing result
type ScanResult struct {
	JobID       string                     `json:"jobId"`
	Tier        Tier                       `json:"tier"`
	Recognition *RecognitionResult         `json:"recognition"`
	Validation  nutrition.ValidationReport `json:"validation"`
	Conversions []nutrition.Conversion     `json:"conversions,omitempty"`
}

// LabelProcessor handles label processing
type LabelProcessor struct {
	config          *ProcessorConfig
	cascade         *Cascade
	store           JobStatusStore
	httpClient      *http.Client
	downloadBackoff time.Duration
	logger          *logging.Logger
}

// NewLabelProcessor creates a new label processor
func NewLabelProcessor(cfg *ProcessorConfig) (*LabelProcessor, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	e := cfg.Engines
	if e.Local == nil && e.Fast == nil && e.Structured == nil && e.Advanced == nil {
		return nil, fmt.Errorf("at least one recognition engine is required")
	}

	if cfg.DefaultTier == "" {
		cfg.DefaultTier = TierBalanced
	}
	thresholds := DefaultThresholds()
	if cfg.Thresholds != nil {
		thresholds = *cfg.Thresholds
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}

	return &LabelProcessor{
		config:          cfg,
		cascade:         NewCascade(cfg.Engines, thresholds),
		store:           cfg.JobStore,
		httpClient:      httpClient,
		downloadBackoff: 500 * time.Millisecond,
		logger:          logging.NewLogger("LabelProcessor"),
	}, nil
}

// NewLabelProcessorFromConfig wires the local session and the three vision tiers from cfg
func NewLabelProcessorFromConfig(cfg *config.Config, store JobStatusStore) (*LabelProcessor, error) {
	logger := logging.NewLogger("LabelProcessor")

	session := NewTesseractSession(TesseractConfig{
		TessdataPrefix: cfg.TessdataPrefix,
		Languages:      ParseLanguages(cfg.OCRLanguages),
	})

	engines := Engines{Local: NewLocalEngine(session)}
	tiers := []struct {
		provider ProviderID
		tier     config.VisionTier
		slot     *Engine
	}{
		{ProviderVisionFast, cfg.FastTier(), &engines.Fast},
		{ProviderVisionStructured, cfg.StructuredTier(), &engines.Structured},
		{ProviderVisionAdvanced, cfg.AdvancedTier(), &engines.Advanced},
	}

	for _, t := range tiers {
		if t.tier.URL == "" || t.tier.Model == "" {
			logger.Warn("Vision tier not configured, skipping", "provider", t.provider)
			continue
		}
		client := clients.NewVisionClient(t.tier.URL, cfg.VisionTimeoutDuration())

		// Startup probe only; an unhealthy tier stays in the cascade
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := client.HealthCheck(ctx, cfg.VisionAPIKey); err != nil {
			logger.Warn("Vision tier health check failed", "provider", t.provider, "url", t.tier.URL, "error", err)
		} else {
			logger.Info("Vision tier connection verified", "provider", t.provider, "url", t.tier.URL, "model", t.tier.Model)
		}
		cancel()

		*t.slot = NewVisionEngine(VisionEngineConfig{
			Provider:  t.provider,
			Model:     t.tier.Model,
			APIKey:    cfg.VisionAPIKey,
			Timeout:   cfg.VisionTimeoutDuration(),
			MaxTokens: cfg.VisionMaxTokens,
		}, client)
	}

	defaultTier, err := ParseTier(cfg.DefaultTier, TierBalanced)
	if err != nil {
		return nil, fmt.Errorf("invalid default tier: %w", err)
	}

	return NewLabelProcessor(&ProcessorConfig{
		Engines: engines,
		Thresholds: &Thresholds{
			LocalAccept:   cfg.LocalAcceptConfidence,
			RemoteAccept:  cfg.RemoteAcceptConfidence,
			LocalEscalate: cfg.LocalEscalateConfidence,
		},
		DefaultTier:  defaultTier,
		MaxImageSize: cfg.MaxImageSize,
		JobStore:     store,
		Session:      session,
	})
}

// ProcessLabel runs the full recognition pipeline for one image
func (p *LabelProcessor) ProcessLabel(ctx context.Context, req *ScanRequest) (*ScanResult, error) {
	if req == nil {
		return nil, errors.NewInvalidRequestError("request is required")
	}

	tier, err := ParseTier(req.Tier, p.config.DefaultTier)
	if err != nil {
		return nil, err
	}

	p.logger.Info("Starting label recognition", "jobId", req.JobID, "tier", tier)

	// Step 1: Load image
	image, err := p.loadImage(ctx, req)
	if err != nil {
		return nil, err
	}

	// Step 2: Detect MIME type from magic bytes when the caller did not send a usable one
	mimeType := req.MimeType
	if detected := detectMimeTypeFromMagicBytes(image); detected != "" &&
		(mimeType == "" || mimeType == "application/octet-stream") {
		mimeType = detected
	}

	// Step 3: Recognition cascade (includes extraction of the chosen text)
	recognition, err := p.cascade.Recognize(ctx, tier, &RecognitionInput{
		JobID:    req.JobID,
		Image:    image,
		MimeType: mimeType,
		APIKey:   req.APIKey,
	})
	if err != nil {
		return nil, err
	}

	result := &ScanResult{
		JobID:       req.JobID,
		Tier:        tier,
		Recognition: recognition,
	}

	// Step 4: Optional unit normalization
	if req.Normalize {
		normalized, conversions := nutrition.Normalize(recognition.ExtractedData)
		recognition.ExtractedData = normalized
		result.Conversions = conversions
	}

	// Step 5: Validation never blocks the result
	result.Validation = nutrition.Validate(recognition.ExtractedData)

	p.logger.Info("Label recognition complete",
		"jobId", req.JobID,
		"provider", recognition.Provider,
		"model", recognition.ModelName,
		"confidence", recognition.Confidence,
		"fields", recognition.ExtractedData.FieldCount(),
		"valid", result.Validation.Valid,
		"processingTimeMs", recognition.ProcessingTimeMs)

	return result, nil
}

// UpdateJobStatus updates job status in database; a no-op without a store
func (p *LabelProcessor) UpdateJobStatus(ctx context.Context, jobID string, status string, metadata map[string]interface{}) error {
	if p.store == nil {
		return nil
	}

	update := &storage.JobUpdate{
		JobID:    jobID,
		Status:   status,
		Metadata: metadata,
	}

	// Extract specific fields from metadata if present
	if metadata != nil {
		if userID, ok := metadata["userId"].(string); ok {
			update.UserID = userID
		}
		if tier, ok := metadata["tier"].(string); ok {
			update.Tier = tier
		}
		if provider, ok := metadata["provider"].(string); ok {
			update.Provider = provider
		}
		if model, ok := metadata["modelName"].(string); ok {
			update.ModelName = model
		}
		if confidence, ok := metadata["confidence"].(int); ok {
			update.Confidence = confidence
		}
		if processingTime, ok := metadata["processingTime"].(int64); ok {
			update.ProcessingTimeMs = processingTime
		}
		if fallback, ok := metadata["fallback"].(bool); ok {
			update.Fallback = fallback
		}
		if code, ok := metadata["error_code"].(string); ok {
			update.ErrorCode = code
		}
		if errorMsg, ok := metadata["error"].(string); ok {
			if update.ErrorCode == "" {
				update.ErrorCode = "PROCESSING_ERROR"
			}
			update.ErrorMessage = errorMsg
		} else if msg, ok := metadata["message"].(string); ok && update.ErrorCode != "" {
			update.ErrorMessage = msg
		}
	}

	return p.store.UpdateJobStatus(ctx, update)
}

// Close releases the local tesseract context
func (p *LabelProcessor) Close() error {
	if p.config.Session != nil {
		return p.config.Session.Terminate()
	}
	return nil
}

// CompletedMetadata flattens a scan result into job status metadata
func CompletedMetadata(result *ScanResult) map[string]interface{} {
	rec := result.Recognition
	return map[string]interface{}{
		"tier":           string(result.Tier),
		"provider":       string(rec.Provider),
		"modelName":      rec.ModelName,
		"confidence":     rec.Confidence,
		"processingTime": rec.ProcessingTimeMs,
		"fallback":       rec.Fallback,
		"attempts":       len(rec.Attempts),
		"fieldsFound":    rec.ExtractedData.FieldCount(),
		"valid":          result.Validation.Valid,
	}
}

// loadImage loads the image from the request buffer or URL
func (p *LabelProcessor) loadImage(ctx context.Context, req *ScanRequest) ([]byte, error) {
	if len(req.Image) > 0 {
		if p.config.MaxImageSize > 0 && int64(len(req.Image)) > p.config.MaxImageSize {
			return nil, errors.NewInvalidRequestError(fmt.Sprintf("image size exceeds maximum: %d > %d bytes",
				len(req.Image), p.config.MaxImageSize))
		}
		return req.Image, nil
	}

	if req.ImageURL != "" {
		p.logger.Info("Downloading image", "jobId", req.JobID, "url", req.ImageURL)
		data, err := p.downloadImage(ctx, req.JobID, req.ImageURL)
		if err != nil {
			return nil, fmt.Errorf("failed to download image: %w", err)
		}
		return data, nil
	}

	return nil, errors.NewInvalidRequestError("no image source provided (bytes or URL)")
}

// downloadImage fetches an image with bounded retry and exponential backoff
func (p *LabelProcessor) downloadImage(ctx context.Context, jobID string, imageURL string) ([]byte, error) {
	const (
		maxRetries = 3
		maxBackoff = 8 * time.Second
	)

	maxBytes := p.config.MaxImageSize
	if maxBytes <= 0 {
		maxBytes = 20 * 1024 * 1024
	}

	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		data, retryable, err := p.fetchOnce(ctx, imageURL, maxBytes)
		if err == nil {
			p.logger.Debug("Download successful", "jobId", jobID, "attempt", attempt, "bytes", len(data))
			return data, nil
		}
		lastErr = err
		p.logger.Warn("Download attempt failed", "jobId", jobID, "attempt", attempt, "error", err)

		if !retryable || attempt == maxRetries {
			break
		}

		backoff := p.downloadBackoff << uint(attempt-1)
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, fmt.Errorf("context cancelled during retry backoff: %w", ctx.Err())
		}
	}

	return nil, lastErr
}

func (p *LabelProcessor) fetchOnce(ctx context.Context, imageURL string, maxBytes int64) ([]byte, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return nil, false, errors.NewInvalidRequestError(fmt.Sprintf("invalid image URL: %v", err))
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, ctx.Err() == nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		retryable := resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests ||
			resp.StatusCode == http.StatusRequestTimeout
		return nil, retryable, fmt.Errorf("HTTP %d: %s", resp.StatusCode, resp.Status)
	}

	if resp.ContentLength > maxBytes {
		return nil, false, errors.NewInvalidRequestError(fmt.Sprintf("image size exceeds maximum: %d > %d bytes",
			resp.ContentLength, maxBytes))
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBytes+1))
	if err != nil {
		return nil, true, err
	}
	if int64(len(data)) > maxBytes {
		return nil, false, errors.NewInvalidRequestError(fmt.Sprintf("image size exceeds maximum of %d bytes", maxBytes))
	}
	if len(data) == 0 {
		return nil, false, errors.NewInvalidRequestError("downloaded image is empty")
	}

	return data, false, nil
}

// detectMimeTypeFromMagicBytes detects image MIME types from content magic bytes
func detectMimeTypeFromMagicBytes(data []byte) string {
	if len(data) < 4 {
		return ""
	}

	// PNG: 0x89 'P' 'N' 'G' 0x0D 0x0A 0x1A 0x0A
	if len(data) >= 8 && bytes.HasPrefix(data, []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}) {
		return "image/png"
	}

	// JPEG: 0xFF 0xD8 0xFF
	if bytes.HasPrefix(data, []byte{0xFF, 0xD8, 0xFF}) {
		return "image/jpeg"
	}

	// GIF: 'G' 'I' 'F' '8' ('7' or '9') 'a'
	if bytes.HasPrefix(data, []byte("GIF87a")) || bytes.HasPrefix(data, []byte("GIF89a")) {
		return "image/gif"
	}

	// WebP: 'R' 'I' 'F' 'F' .... 'W' 'E' 'B' 'P'
	if len(data) >= 12 && bytes.HasPrefix(data, []byte("RIFF")) && string(data[8:12]) == "WEBP" {
		return "image/webp"
	}

	// TIFF: 'I' 'I' 0x2A 0x00 (little-endian) or 'M' 'M' 0x00 0x2A (big-endian)
	if bytes.HasPrefix(data, []byte{0x49, 0x49, 0x2A, 0x00}) || bytes.HasPrefix(data, []byte{0x4D, 0x4D, 0x00, 0x2A}) {
		return "image/tiff"
	}

	// BMP: 'B' 'M'
	if bytes.HasPrefix(data, []byte("BM")) {
		return "image/bmp"
	}

	return ""
}
