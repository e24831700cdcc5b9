/**
 * Vision OCR - remote recognition tiers
 *
 * Three tiers share one adapter and differ only in endpoint, model and
 * instruction. Hosted models do not return calibrated confidence, so the
 * confidence reported here comes from completion metadata alone.
 */

package processor

import (
	"context"
	stderrors "errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/adverant/nexus/labelscan-worker/internal/clients"
	"github.com/adverant/nexus/labelscan-worker/internal/errors"
)

const (
	// CompletedConfidence is reported when the model finished normally
	CompletedConfidence = 85
	// TruncatedConfidence is reported for any other finish reason
	TruncatedConfidence = 70
)

// transcriber is satisfied by *clients.VisionClient
type transcriber interface {
	Transcribe(ctx context.Context, req *clients.VisionRequest) (*clients.VisionResponse, error)
}

const baseInstruction = `You transcribe photographs of food packaging and nutrition labels.
Rules:
- Transcribe every visible word verbatim, in the original language (Russian or English). Do not translate.
- Preserve exact numbers, decimal separators and units (ккал, кДж, kcal, kJ, г, мг, кг, мл, g, mg, kg, ml, %).
- Preserve table structure: one table row per line, cells separated by " | ".
- Do not summarize, interpret, correct or add anything that is not printed.
- Output plain text only, no commentary and no markdown fences.`

var tierInstructions = map[ProviderID]string{
	ProviderVisionFast: baseInstruction,
	ProviderVisionStructured: baseInstruction + `
- Pay special attention to the nutrition facts table: keep each nutrient on its own line with its value and unit.
- Keep the per-100 g column and the per-serving column distinct when both are present.`,
	ProviderVisionAdvanced: baseInstruction + `
- The image may be blurred, curved, rotated, glared or partly handwritten; read as carefully as possible.
- When a character is genuinely illegible write [?] in its place rather than guessing.`,
}

const transcribePrompt = "Transcribe all text on this label."

// VisionEngineConfig configures one remote tier
type VisionEngineConfig struct {
	Provider  ProviderID
	Model     string
	APIKey    string // process-wide default credential
	Timeout   time.Duration
	MaxTokens int
}

// VisionEngine adapts a chat-completion vision endpoint to the Engine contract
type VisionEngine struct {
	cfg    VisionEngineConfig
	client transcriber
}

// NewVisionEngine creates a remote tier adapter
func NewVisionEngine(cfg VisionEngineConfig, client transcriber) *VisionEngine {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 2000
	}
	return &VisionEngine{cfg: cfg, client: client}
}

func (e *VisionEngine) Provider() ProviderID {
	return e.cfg.Provider
}

// Recognize sends the image to the tier's model
func (e *VisionEngine) Recognize(ctx context.Context, in *RecognitionInput) (*RecognitionResult, error) {
	startTime := time.Now()
	provider := string(e.cfg.Provider)

	apiKey := in.APIKey
	if apiKey == "" {
		apiKey = e.cfg.APIKey
	}
	if apiKey == "" {
		return nil, errors.NewAuthError(provider, e.cfg.Model, stderrors.New("no API key configured")).WithJobID(in.JobID)
	}

	callCtx := ctx
	if e.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, e.cfg.Timeout)
		defer cancel()
	}

	resp, err := e.client.Transcribe(callCtx, &clients.VisionRequest{
		Model:       e.cfg.Model,
		Instruction: tierInstructions[e.cfg.Provider],
		Prompt:      transcribePrompt,
		Image:       in.Image,
		MimeType:    in.MimeType,
		APIKey:      apiKey,
		MaxTokens:   e.cfg.MaxTokens,
		JobID:       in.JobID,
	})
	if err != nil {
		return nil, e.classify(err).WithJobID(in.JobID)
	}

	if strings.TrimSpace(resp.Content) == "" {
		return nil, errors.NewEmptyResultError(provider, e.cfg.Model).WithJobID(in.JobID)
	}

	model := resp.Model
	if model == "" {
		model = e.cfg.Model
	}

	return &RecognitionResult{
		Text:             strings.TrimSpace(resp.Content),
		RawText:          resp.Content,
		Confidence:       confidenceFromFinishReason(resp.FinishReason),
		Provider:         e.cfg.Provider,
		ModelName:        model,
		ProcessingTimeMs: time.Since(startTime).Milliseconds(),
	}, nil
}

// classify maps a transport failure onto the recognition error taxonomy
func (e *VisionEngine) classify(err error) *errors.RecognitionError {
	provider := string(e.cfg.Provider)

	var statusErr *clients.StatusError
	if stderrors.As(err, &statusErr) {
		switch statusErr.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return errors.NewAuthError(provider, e.cfg.Model, err)
		case http.StatusRequestTimeout, http.StatusGatewayTimeout:
			return errors.NewTimeoutError(provider, e.cfg.Model, e.cfg.Timeout, err)
		}
		return errors.NewUnreachableError(provider, e.cfg.Model, err)
	}

	if stderrors.Is(err, context.DeadlineExceeded) {
		return errors.NewTimeoutError(provider, e.cfg.Model, e.cfg.Timeout, err)
	}
	var netErr net.Error
	if stderrors.As(err, &netErr) && netErr.Timeout() {
		return errors.NewTimeoutError(provider, e.cfg.Model, e.cfg.Timeout, err)
	}

	return errors.NewUnreachableError(provider, e.cfg.Model, err)
}

func confidenceFromFinishReason(reason string) int {
	switch strings.ToLower(reason) {
	case "stop", "end_turn", "stop_sequence":
		return CompletedConfidence
	}
	return TruncatedConfidence
}
