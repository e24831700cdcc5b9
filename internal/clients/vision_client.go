/**
 * Vision Client - chat-completion transport for the remote recognition tiers
 *
 * Speaks the OpenAI-compatible /chat/completions contract (OpenRouter and
 * friends): a fixed system instruction plus one user turn carrying the
 * prompt and the label image as a base64 data URL. The first choice's
 * message content is the transcription.
 */

package clients

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/adverant/nexus/labelscan-worker/internal/logging"
)

// VisionClient handles communication with one chat-completion endpoint
type VisionClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *logging.Logger
}

// VisionRequest describes one transcription call
type VisionRequest struct {
	Model       string
	Instruction string // system turn
	Prompt      string // text part of the user turn
	Image       []byte
	MimeType    string
	APIKey      string
	MaxTokens   int
	JobID       string
}

// VisionResponse is the part of a completion the adapters care about
type VisionResponse struct {
	Content      string
	FinishReason string
	Model        string
	Usage        CompletionUsage
}

// StatusError is returned when the endpoint answers with a non-2xx status
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("vision endpoint returned error status %d: %s", e.StatusCode, e.Body)
}

type chatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature"`
}

type chatMessage struct {
	Role    string      `json:"role"`
	Content interface{} `json:"content"` // string or []contentPart
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type chatCompletionResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Role    string          `json:"role"`
			Content json.RawMessage `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage CompletionUsage `json:"usage"`
}

// CompletionUsage reports token accounting when the provider sends it
type CompletionUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// NewVisionClient creates a client for baseURL (e.g. https://openrouter.ai/api/v1)
func NewVisionClient(baseURL string, timeout time.Duration) *VisionClient {
	return &VisionClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logging.NewLogger("VisionClient"),
	}
}

// BaseURL returns the endpoint root this client talks to
func (c *VisionClient) BaseURL() string {
	return c.baseURL
}

// Transcribe sends the image and returns the first choice's content
func (c *VisionClient) Transcribe(ctx context.Context, req *VisionRequest) (*VisionResponse, error) {
	c.logger.Debug("Requesting transcription",
		"model", req.Model,
		"imageSize", len(req.Image),
		"jobId", req.JobID)

	endpoint := fmt.Sprintf("%s/chat/completions", c.baseURL)

	payload := chatCompletionRequest{
		Model: req.Model,
		Messages: []chatMessage{
			{Role: "system", Content: req.Instruction},
			{Role: "user", Content: []contentPart{
				{Type: "text", Text: req.Prompt},
				{Type: "image_url", ImageURL: &imageURL{URL: DataURL(req.MimeType, req.Image)}},
			}},
		},
		MaxTokens:   req.MaxTokens,
		Temperature: 0,
	}

	// Marshal request
	reqBody, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Source", "labelscan-worker")
	httpReq.Header.Set("X-Request-ID", uuid.New().String())
	if req.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+req.APIKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request to vision endpoint failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: truncate(string(body), 512)}
	}

	var completion chatCompletionResponse
	if err := json.Unmarshal(body, &completion); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	out := &VisionResponse{Model: completion.Model, Usage: completion.Usage}
	if out.Model == "" {
		out.Model = req.Model
	}
	if len(completion.Choices) > 0 {
		first := completion.Choices[0]
		out.FinishReason = first.FinishReason
		out.Content = messageText(first.Message.Content)
	}

	c.logger.Debug("Transcription complete",
		"model", out.Model,
		"finishReason", out.FinishReason,
		"textLength", len(out.Content),
		"totalTokens", out.Usage.TotalTokens)

	return out, nil
}

// HealthCheck verifies the endpoint is reachable by listing its models
func (c *VisionClient) HealthCheck(ctx context.Context, apiKey string) error {
	endpoint := fmt.Sprintf("%s/models", c.baseURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("health check failed with status %d: %s", resp.StatusCode, string(body))
	}

	return nil
}

// DataURL embeds image bytes as a base64 data URL
func DataURL(mimeType string, data []byte) string {
	if mimeType == "" {
		mimeType = "image/jpeg"
	}
	return fmt.Sprintf("data:%s;base64,%s", mimeType, base64.StdEncoding.EncodeToString(data))
}

// messageText accepts both the plain string form and the content-parts form
func messageText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}

	var parts []contentPart
	if err := json.Unmarshal(raw, &parts); err != nil {
		return ""
	}
	var b strings.Builder
	for _, p := range parts {
		if p.Type == "text" || p.Type == "" {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	// back off to a rune start so the body stays valid UTF-8
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
