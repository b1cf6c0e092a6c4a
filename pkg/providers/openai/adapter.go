package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/harunnryd/rekrut/pkg/errorsx"
	"github.com/harunnryd/rekrut/pkg/llm"
	"github.com/harunnryd/rekrut/pkg/resilience"
)

const DefaultBaseURL = "https://api.openai.com/v1"

type Adapter struct {
	APIKey  string
	Model   string
	BaseURL string
	Client  *http.Client
	Breaker *resilience.CircuitBreaker
}

func NewAdapter(apiKey, model string) *Adapter {
	if model == "" {
		model = "gpt-4o"
	}
	return &Adapter{
		APIKey:  apiKey,
		Model:   model,
		BaseURL: DefaultBaseURL,
		Client:  &http.Client{Timeout: 60 * time.Second},
	}
}

func (a *Adapter) Name() string { return "openai" }

type chatRequest struct {
	Model          string         `json:"model"`
	Messages       []llm.Message  `json:"messages"`
	MaxTokens      int            `json:"max_tokens,omitempty"`
	Temperature    *float64       `json:"temperature,omitempty"`
	ResponseFormat map[string]any `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message      llm.Message `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage llm.Usage `json:"usage"`
}

func (a *Adapter) Complete(ctx context.Context, input llm.Request) (llm.Response, error) {
	if a.Breaker != nil && !a.Breaker.Allow() {
		return llm.Response{}, errorsx.Wrap(resilience.ErrCircuitOpen, errorsx.ReasonLLMCircuitOpen)
	}
	resp, err := a.complete(ctx, input)
	if a.Breaker != nil {
		if err != nil {
			a.Breaker.OnError(err)
		} else {
			a.Breaker.OnSuccess()
		}
	}
	return resp, err
}

func (a *Adapter) complete(ctx context.Context, input llm.Request) (llm.Response, error) {
	if len(input.Messages) == 0 {
		return llm.Response{}, errors.New("openai: no messages")
	}
	payload := chatRequest{
		Model:       a.Model,
		Messages:    input.Messages,
		MaxTokens:   input.MaxTokens,
		Temperature: input.Temperature,
	}
	if input.JSON {
		payload.ResponseFormat = map[string]any{"type": "json_object"}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return llm.Response{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(a.BaseURL, "/")+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return llm.Response{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if a.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.APIKey)
	}

	resp, err := a.client().Do(req)
	if err != nil {
		return llm.Response{}, errorsx.Wrap(err, errorsx.ReasonLLMGenerate)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusTooManyRequests {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return llm.Response{}, errorsx.Wrap(resilience.RateLimitError{Provider: "openai", Message: string(msg)}, errorsx.ReasonLLMRateLimit)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return llm.Response{}, errorsx.Wrap(fmt.Errorf("openai: status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg))), errorsx.ReasonLLMGenerate)
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return llm.Response{}, errorsx.Wrap(err, errorsx.ReasonLLMGenerate)
	}
	if len(out.Choices) == 0 {
		return llm.Response{}, errorsx.Wrap(errors.New("openai: no choices"), errorsx.ReasonLLMGenerate)
	}
	return llm.Response{
		Text:         strings.TrimSpace(out.Choices[0].Message.Content),
		Usage:        out.Usage,
		FinishReason: out.Choices[0].FinishReason,
	}, nil
}

func (a *Adapter) client() *http.Client {
	if a.Client != nil {
		return a.Client
	}
	return http.DefaultClient
}

var _ llm.Client = (*Adapter)(nil)
