/**
 * Recognition Types - shared data structures for every recognition engine
 *
 * Local Tesseract and the three remote vision tiers all satisfy Engine and
 * return a RecognitionResult.
 */

package processor

import (
	"context"
	"fmt"
	"strings"

	"github.com/adverant/nexus/labelscan-worker/internal/errors"
	"github.com/adverant/nexus/labelscan-worker/internal/nutrition"
)

// Tier is the caller's quality/cost preference
type Tier string

const (
	TierFast     Tier = "fast"
	TierBalanced Tier = "balanced"
	TierAdvanced Tier = "advanced"
)

// ParseTier maps a caller-supplied tier name onto a Tier.
// Empty input yields def.
func ParseTier(s string, def Tier) (Tier, error) {
	switch Tier(strings.ToLower(strings.TrimSpace(s))) {
	case "":
		return def, nil
	case TierFast:
		return TierFast, nil
	case TierBalanced:
		return TierBalanced, nil
	case TierAdvanced:
		return TierAdvanced, nil
	}
	return "", errors.NewInvalidRequestError(fmt.Sprintf("unknown tier %q (want fast, balanced or advanced)", s))
}

// ProviderID identifies the concrete engine that produced a result
type ProviderID string

const (
	ProviderLocalTesseract   ProviderID = "local-tesseract"
	ProviderVisionFast       ProviderID = "vision-fast"
	ProviderVisionStructured ProviderID = "vision-structured"
	ProviderVisionAdvanced   ProviderID = "vision-advanced"
)

// RecognitionInput is what every engine receives
type RecognitionInput struct {
	JobID    string
	Image    []byte
	MimeType string
	APIKey   string // remote tiers only; empty falls back to the configured key
}

// RecognitionResult represents the outcome of one recognition
type RecognitionResult struct {
	Text             string                           `json:"text"`
	Confidence       int                              `json:"confidence"` // 0-100
	ExtractedData    nutrition.ExtractedNutritionData `json:"extractedData"`
	RawText          string                           `json:"rawText"`
	Provider         ProviderID                       `json:"provider"`
	ModelName        string                           `json:"modelName,omitempty"`
	ProcessingTimeMs int64                            `json:"processingTimeMs"`
	Fallback         bool                             `json:"fallback,omitempty"` // returned below its acceptance threshold
	Attempts         []Attempt                        `json:"attempts,omitempty"`
}

// Attempt records one engine invocation during escalation
type Attempt struct {
	Provider   ProviderID `json:"provider"`
	Model      string     `json:"model,omitempty"`
	Confidence int        `json:"confidence"`
	DurationMs int64      `json:"durationMs"`
	Accepted   bool       `json:"accepted"`
	Error      string     `json:"error,omitempty"`
}

// Engine is the contract shared by every recognition adapter.
// A failed attempt must return a *errors.RecognitionError and a nil result.
type Engine interface {
	Provider() ProviderID
	Recognize(ctx context.Context, in *RecognitionInput) (*RecognitionResult, error)
}

// clampConfidence keeps a confidence within 0-100
func clampConfidence(c int) int {
	if c < 0 {
		return 0
	}
	if c > 100 {
		return 100
	}
	return c
}
