package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"tradingagents/internal/execution"
	"tradingagents/internal/models"
)

const defaultLLMTimeout = 120 * time.Second

// LLMService talks to any OpenAI-compatible /chat/completions backend
// (OpenRouter, OpenAI, LM Studio)
type LLMService struct {
	providers  *ProviderService
	httpClient *http.Client
	backoff    *execution.BackoffCalculator
	maxRetries int
	metrics    *Metrics
}

// NewLLMService creates an LLM client bound to the provider service
func NewLLMService(providers *ProviderService, metrics *Metrics) *LLMService {
	return &LLMService{
		providers: providers,
		// Per-call deadlines come from the stage context and provider timeout
		httpClient: &http.Client{},
		backoff:    execution.NewBackoffCalculator(time.Second, 10*time.Second, 2, 20),
		maxRetries: 2,
		metrics:    metrics,
	}
}

type chatRequest struct {
	Model       string                  `json:"model"`
	Messages    []execution.ChatMessage `json:"messages"`
	Temperature *float64                `json:"temperature,omitempty"`
	MaxTokens   int                     `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// Complete runs a chat completion on the model for tier, retrying transient failures
func (s *LLMService) Complete(ctx context.Context, tier models.ModelTier, messages []execution.ChatMessage) (string, error) {
	provider, err := s.providers.Active()
	if err != nil {
		return "", err
	}
	model := provider.ModelFor(tier)
	if model == "" {
		return "", fmt.Errorf("provider %s has no %s model", provider.Name, tier)
	}

	if provider.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, provider.Timeout)
		defer cancel()
	} else if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultLLMTimeout)
		defer cancel()
	}

	var lastErr error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if attempt > 0 {
			delay := s.backoff.NextDelay(attempt - 1)
			log.Printf("🔄 [LLM] Retrying %s (attempt %d) in %s: %v", model, attempt+1, delay.Round(time.Millisecond), lastErr)
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(delay):
			}
		}

		start := time.Now()
		content, err := s.complete(ctx, provider, model, messages)
		if err == nil {
			s.metrics.RecordLLMRequest(tier, "ok", time.Since(start))
			return content, nil
		}
		s.metrics.RecordLLMRequest(tier, "error", time.Since(start))
		lastErr = err

		var upstream *execution.UpstreamError
		if !errors.As(err, &upstream) || !upstream.IsRetryable() || ctx.Err() != nil {
			return "", err
		}
	}
	return "", lastErr
}

func (s *LLMService) complete(ctx context.Context, provider models.Provider, model string, messages []execution.ChatMessage) (string, error) {
	body := chatRequest{Model: model, Messages: messages, MaxTokens: provider.MaxTokens}
	if provider.Temperature > 0 {
		t := provider.Temperature
		body.Temperature = &t
	}
	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	endpoint := strings.TrimSuffix(provider.BaseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(bodyBytes))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if provider.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+provider.APIKey)
	}
	if provider.Kind == "openrouter" {
		req.Header.Set("X-Title", "TradingAgents")
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", execution.ClassifyError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return "", execution.ClassifyHTTPError(resp.StatusCode, string(respBody))
	}

	var result chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("failed to parse LLM response: %w", err)
	}
	if len(result.Choices) == 0 {
		return "", fmt.Errorf("LLM response from %s contained no choices", provider.Name)
	}

	content := result.Choices[0].Message.Content
	log.Printf("✅ [LLM] %s: completed, response_len=%d, tokens=%d/%d",
		model, len(content), result.Usage.PromptTokens, result.Usage.CompletionTokens)
	return content, nil
}

// ListModels returns the model ids the active provider advertises on GET /models.
// Used to check that a local LM Studio server is up before starting.
func (s *LLMService) ListModels(ctx context.Context) ([]string, error) {
	provider, err := s.providers.Active()
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSuffix(provider.BaseURL, "/")+"/models", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if provider.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+provider.APIKey)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, execution.ClassifyError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return nil, execution.ClassifyHTTPError(resp.StatusCode, string(body))
	}

	var list struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, fmt.Errorf("failed to parse models response: %w", err)
	}
	ids := make([]string, 0, len(list.Data))
	for _, m := range list.Data {
		ids = append(ids, m.ID)
	}
	return ids, nil
}
