/**
 * Tesseract OCR - local, offline recognition tier
 *
 * The tesseract context is expensive to build, so TesseractSession creates it
 * lazily on first use and reuses it until Terminate. gosseract clients are not
 * safe for concurrent use; one mutex guards both initialization and recognition.
 */

package processor

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/otiai10/gosseract/v2"

	"github.com/adverant/nexus/labelscan-worker/internal/errors"
	"github.com/adverant/nexus/labelscan-worker/internal/logging"
)

// tessClient is the subset of *gosseract.Client the session drives
type tessClient interface {
	SetTessdataPrefix(prefix string) error
	SetLanguage(langs ...string) error
	SetImageFromBytes(data []byte) error
	Text() (string, error)
	GetBoundingBoxes(level gosseract.PageIteratorLevel) ([]gosseract.BoundingBox, error)
	Close() error
}

func newGosseractClient() tessClient {
	return gosseract.NewClient()
}

// TesseractConfig holds Tesseract configuration
type TesseractConfig struct {
	TessdataPrefix string
	Languages      []string // e.g. ["rus", "eng"]
}

// TesseractSession owns one lazily created tesseract context
type TesseractSession struct {
	cfg     TesseractConfig
	factory func() tessClient
	logger  *logging.Logger

	mu     sync.Mutex
	client tessClient
}

// NewTesseractSession creates a session; no tesseract context is built yet
func NewTesseractSession(cfg TesseractConfig) *TesseractSession {
	return newTesseractSessionWithFactory(cfg, newGosseractClient)
}

func newTesseractSessionWithFactory(cfg TesseractConfig, factory func() tessClient) *TesseractSession {
	if len(cfg.Languages) == 0 {
		cfg.Languages = []string{"rus", "eng"}
	}
	return &TesseractSession{
		cfg:     cfg,
		factory: factory,
		logger:  logging.NewLogger("TesseractSession"),
	}
}

// ParseLanguages splits a tesseract language list such as "rus+eng"
func ParseLanguages(langs string) []string {
	return strings.FieldsFunc(langs, func(r rune) bool {
		return r == '+' || r == ',' || unicode.IsSpace(r)
	})
}

// ensureClient must be called with s.mu held
func (s *TesseractSession) ensureClient() (tessClient, error) {
	if s.client != nil {
		return s.client, nil
	}

	c := s.factory()
	if s.cfg.TessdataPrefix != "" {
		if err := c.SetTessdataPrefix(s.cfg.TessdataPrefix); err != nil {
			c.Close()
			return nil, fmt.Errorf("failed to set tessdata prefix: %w", err)
		}
	}
	if err := c.SetLanguage(s.cfg.Languages...); err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to set languages %v: %w", s.cfg.Languages, err)
	}

	s.logger.Info("Tesseract context initialized", "languages", strings.Join(s.cfg.Languages, "+"))
	s.client = c
	return c, nil
}

// Recognize transcribes image and returns text and a 0-100 confidence
func (s *TesseractSession) Recognize(ctx context.Context, image []byte) (string, int, error) {
	if err := ctx.Err(); err != nil {
		return "", 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return "", 0, err
	}

	c, err := s.ensureClient()
	if err != nil {
		return "", 0, err
	}

	if err := c.SetImageFromBytes(image); err != nil {
		return "", 0, fmt.Errorf("failed to set image: %w", err)
	}

	text, err := c.Text()
	if err != nil {
		return "", 0, fmt.Errorf("tesseract OCR failed: %w", err)
	}

	confidence, ok := meanWordConfidence(c)
	if !ok {
		confidence = calculateTesseractConfidence(text)
	}

	return text, clampConfidence(confidence), nil
}

// Terminate releases the tesseract context. Safe to call more than once;
// the next Recognize builds a fresh context.
func (s *TesseractSession) Terminate() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client == nil {
		return nil
	}
	err := s.client.Close()
	s.client = nil
	s.logger.Info("Tesseract context released")
	if err != nil {
		return fmt.Errorf("failed to close tesseract client: %w", err)
	}
	return nil
}

// Active reports whether a tesseract context currently exists
func (s *TesseractSession) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client != nil
}

// meanWordConfidence averages tesseract's per-word confidence
func meanWordConfidence(c tessClient) (int, bool) {
	boxes, err := c.GetBoundingBoxes(gosseract.RIL_WORD)
	if err != nil {
		return 0, false
	}

	var sum float64
	var n int
	for _, b := range boxes {
		if strings.TrimSpace(b.Word) == "" {
			continue
		}
		sum += b.Confidence
		n++
	}
	if n == 0 {
		return 0, false
	}
	return int(sum/float64(n) + 0.5), true
}

// calculateTesseractConfidence estimates confidence based on text quality
func calculateTesseractConfidence(text string) int {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return 0
	}

	confidence := 50 // Base confidence

	words := strings.Fields(trimmed)
	if len(words) > 10 {
		confidence += 10
	}
	if len(words) > 40 {
		confidence += 5
	}

	// Labels mix letters and digits; mostly-symbol output is noise
	var letters, digits, total int
	for _, r := range trimmed {
		if unicode.IsSpace(r) {
			continue
		}
		total++
		switch {
		case unicode.IsLetter(r):
			letters++
		case unicode.IsDigit(r):
			digits++
		}
	}
	ratio := float64(letters+digits) / float64(total)
	if ratio > 0.7 {
		confidence += 10
	} else if ratio < 0.4 {
		confidence -= 20
	}
	if digits > 0 && letters > 0 {
		confidence += 5
	}

	// Cap at reasonable maximum for a heuristic
	if confidence > 80 {
		confidence = 80
	}
	return confidence
}

// LocalEngine adapts a TesseractSession to the Engine contract
type LocalEngine struct {
	session *TesseractSession
}

// NewLocalEngine wraps session
func NewLocalEngine(session *TesseractSession) *LocalEngine {
	return &LocalEngine{session: session}
}

func (e *LocalEngine) Provider() ProviderID {
	return ProviderLocalTesseract
}

func (e *LocalEngine) modelName() string {
	return "tesseract-" + strings.Join(e.session.cfg.Languages, "+")
}

// Recognize runs local OCR
func (e *LocalEngine) Recognize(ctx context.Context, in *RecognitionInput) (*RecognitionResult, error) {
	startTime := time.Now()

	text, confidence, err := e.session.Recognize(ctx, in.Image)
	if err != nil {
		return nil, errors.NewEngineError(string(ProviderLocalTesseract), err).WithJobID(in.JobID)
	}

	if strings.TrimSpace(text) == "" {
		return nil, errors.NewEmptyResultError(string(ProviderLocalTesseract), e.modelName()).WithJobID(in.JobID)
	}

	return &RecognitionResult{
		Text:             strings.TrimSpace(text),
		RawText:          text,
		Confidence:       confidence,
		Provider:         ProviderLocalTesseract,
		ModelName:        e.modelName(),
		ProcessingTimeMs: time.Since(startTime).Milliseconds(),
	}, nil
}
