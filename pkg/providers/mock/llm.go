package mock

import (
	"context"
	"sync"
	"time"

	"github.com/harunnryd/rekrut/pkg/llm"
)

type LLMConfig struct {
	Responses []string
	Delay     time.Duration
	Err       error
}

// LLM replays canned responses in order, repeating the last one.
type LLM struct {
	cfg LLMConfig

	mu       sync.Mutex
	requests []llm.Request
}

func NewLLM(cfg LLMConfig) *LLM {
	if len(cfg.Responses) == 0 {
		cfg.Responses = []string{"mock response"}
	}
	return &LLM{cfg: cfg}
}

func (m *LLM) Name() string { return "mock" }

func (m *LLM) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	m.mu.Lock()
	n := len(m.requests)
	m.requests = append(m.requests, req)
	m.mu.Unlock()

	if m.cfg.Delay > 0 {
		select {
		case <-ctx.Done():
			return llm.Response{}, ctx.Err()
		case <-time.After(m.cfg.Delay):
		}
	}
	if m.cfg.Err != nil {
		return llm.Response{}, m.cfg.Err
	}
	if n >= len(m.cfg.Responses) {
		n = len(m.cfg.Responses) - 1
	}
	return llm.Response{Text: m.cfg.Responses[n], FinishReason: "stop"}, nil
}

func (m *LLM) Requests() []llm.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]llm.Request(nil), m.requests...)
}

var _ llm.Client = (*LLM)(nil)
