package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/wa-lm-relay-go/internal/config"
	"github.com/wa-lm-relay-go/internal/middleware"
	"github.com/wa-lm-relay-go/internal/models"
	"github.com/wa-lm-relay-go/pkg/logger"
)

// Service represents the inference service interface
type Service interface {
	// Complete returns the generated reply text for the given conversation,
	// or "" when no usable reply could be produced. It never returns an error;
	// all failures degrade to the empty string.
	Complete(ctx context.Context, messages []models.Message) string

	// ActiveModel resolves the model id to use for the next call.
	ActiveModel(ctx context.Context) string
}

const (
	// modelListTimeout bounds the /v1/models catalog fetch.
	modelListTimeout = 10 * time.Second

	// maxChatAttempts is the total number of tries against the chat endpoint
	// before falling back to plain completions.
	maxChatAttempts = 2

	// promptMaxTurns caps how much history the completions fallback prompt
	// carries.
	promptMaxTurns = 8

	endpointModels      = "models"
	endpointChat        = "chat_completions"
	endpointCompletions = "completions"
)

// LMClient talks to an LM Studio server over its OpenAI-compatible API.
type LMClient struct {
	cfg        *config.LMStudioConfig
	httpClient *http.Client
	metrics    *middleware.Metrics
	logger     *logrus.Logger
}

// NewLMClient creates a new LM Studio client. Per-call deadlines come from
// the configured request timeout, not from the http.Client.
func NewLMClient(cfg *config.LMStudioConfig, metrics *middleware.Metrics, log *logrus.Logger) *LMClient {
	return &LMClient{
		cfg:        cfg,
		httpClient: &http.Client{},
		metrics:    metrics,
		logger:     log,
	}
}

// ActiveModel confirms the model to use. It prefers the configured model if
// the server lists it; in auto mode it takes whatever the server reports
// first. Every failure path degrades to the configured value, never an error.
func (c *LMClient) ActiveModel(ctx context.Context) string {
	pref := c.cfg.Model

	ids, err := c.listModels(ctx)
	if err != nil {
		c.logger.WithError(err).Warn("Could not fetch model list from LM Studio")
		return pref
	}

	switch strings.ToLower(strings.TrimSpace(pref)) {
	case "", "auto", "*":
		if len(ids) > 0 {
			return ids[0]
		}
		// No models reported; fall through to the configured value.
	default:
		for _, id := range ids {
			if id == pref {
				return pref
			}
		}
		if len(ids) > 0 {
			c.logger.WithFields(logrus.Fields{
				"requested": pref,
				"using":     ids[0],
			}).Info("Requested model not found, using first available")
			return ids[0]
		}
	}

	return pref
}

// Complete drives the chat endpoint with one retry, then falls back to the
// plain completions endpoint. The model id is re-resolved after each failed
// attempt because the server's loaded models may have changed.
func (c *LMClient) Complete(ctx context.Context, messages []models.Message) string {
	modelID := c.ActiveModel(ctx)

	for attempt := 1; attempt <= maxChatAttempts; attempt++ {
		text, err := c.chatOnce(ctx, modelID, messages)
		if err == nil {
			return text
		}
		c.logger.WithFields(logrus.Fields{
			"attempt": attempt,
			"model":   modelID,
			"error":   err.Error(),
		}).Warn("LM Studio chat call failed")

		modelID = c.ActiveModel(ctx)
	}

	// Fallback to the completions endpoint with a flattened prompt.
	text, err := c.completionOnce(ctx, modelID, messagesToPrompt(messages))
	if err != nil {
		c.logger.WithError(err).Error("LM Studio completions fallback failed")
		return ""
	}
	return text
}

func (c *LMClient) chatOnce(ctx context.Context, modelID string, messages []models.Message) (string, error) {
	reqBody := map[string]interface{}{
		"model":       modelID,
		"messages":    messages,
		"temperature": c.cfg.Temperature,
		"max_tokens":  c.cfg.MaxTokens,
		"stream":      false,
	}

	body, err := c.postJSON(ctx, endpointChat, c.cfg.ChatCompletionsURL(), reqBody)
	if err != nil {
		return "", err
	}

	text := extractText(body)
	if text == "" {
		return "", fmt.Errorf("unexpected chat response shape: %s", logger.Preview(string(body), 800))
	}
	return text, nil
}

func (c *LMClient) completionOnce(ctx context.Context, modelID, prompt string) (string, error) {
	reqBody := map[string]interface{}{
		"model":       modelID,
		"prompt":      prompt,
		"temperature": c.cfg.Temperature,
		"max_tokens":  c.cfg.MaxTokens,
	}

	body, err := c.postJSON(ctx, endpointCompletions, c.cfg.CompletionsURL(), reqBody)
	if err != nil {
		return "", err
	}
	return extractText(body), nil
}

// listModels fetches the server's model catalog.
func (c *LMClient) listModels(ctx context.Context) ([]string, error) {
	reqCtx, cancel := context.WithTimeout(ctx, modelListTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, "GET", c.cfg.ModelsURL(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.metrics.RecordBackendRequest(endpointModels, "transport_error", time.Since(start))
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		c.metrics.RecordBackendRequest(endpointModels, "read_error", time.Since(start))
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	c.metrics.RecordBackendRequest(endpointModels, fmt.Sprint(resp.StatusCode), time.Since(start))

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("model list request failed with status %d: %s", resp.StatusCode, logger.Preview(string(body), 800))
	}

	var result struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to parse model list: %w", err)
	}

	ids := make([]string, 0, len(result.Data))
	for _, m := range result.Data {
		if m.ID != "" {
			ids = append(ids, m.ID)
		}
	}
	return ids, nil
}

// postJSON sends one bounded POST to the backend and returns the raw body.
func (c *LMClient) postJSON(ctx context.Context, endpoint, url string, reqBody map[string]interface{}) ([]byte, error) {
	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, "POST", url, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.metrics.RecordBackendRequest(endpoint, "transport_error", time.Since(start))
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		c.metrics.RecordBackendRequest(endpoint, "read_error", time.Since(start))
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	c.metrics.RecordBackendRequest(endpoint, fmt.Sprint(resp.StatusCode), time.Since(start))

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("request failed with status %d: %s", resp.StatusCode, logger.Preview(string(body), 800))
	}
	return body, nil
}

// extractText handles both chat.completions and completions shapes, plus a
// bare top-level content field some builds return.
func extractText(body []byte) string {
	var result struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
			Text string `json:"text"`
		} `json:"choices"`
		Content string `json:"content"`
	}

	if err := json.Unmarshal(body, &result); err != nil {
		return ""
	}

	if len(result.Choices) > 0 {
		if text := strings.TrimSpace(result.Choices[0].Message.Content); text != "" {
			return text
		}
		if text := strings.TrimSpace(result.Choices[0].Text); text != "" {
			return text
		}
	}
	return strings.TrimSpace(result.Content)
}

// messagesToPrompt flattens chat messages into a plain prompt for the
// completions fallback. Empty turns are skipped; a trailing "Assistant:"
// line prompts the model to continue.
func messagesToPrompt(messages []models.Message) string {
	if len(messages) > promptMaxTurns {
		messages = messages[len(messages)-promptMaxTurns:]
	}

	parts := make([]string, 0, len(messages)+1)
	for _, m := range messages {
		content := strings.TrimSpace(m.Content)
		if content == "" {
			continue
		}
		switch m.Role {
		case models.RoleUser:
			parts = append(parts, "User: "+content)
		case models.RoleAssistant:
			parts = append(parts, "Assistant: "+content)
		default:
			parts = append(parts, content)
		}
	}
	parts = append(parts, "Assistant:")
	return strings.Join(parts, "\n")
}
