// Package evaluation scores a finished interview with an LLM acting as an
// HR evaluator.
package evaluation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/harunnryd/rekrut/pkg/errorsx"
	"github.com/harunnryd/rekrut/pkg/interview"
	"github.com/harunnryd/rekrut/pkg/llm"
	"github.com/harunnryd/rekrut/pkg/logging"
	"github.com/harunnryd/rekrut/pkg/resilience"
)

type Decision string

const (
	DecisionAccept  Decision = "ACCEPT"
	DecisionReject  Decision = "REJECT"
	DecisionPending Decision = "PENDING"
)

// Result is the evaluator's verdict. Scores run from 1 to 10.
type Result struct {
	TechnicalFit        float64  `json:"technical_fit"`
	ExperienceRelevance float64  `json:"experience_relevance"`
	Communication       float64  `json:"communication"`
	ProblemSolving      float64  `json:"problem_solving"`
	CultureFit          float64  `json:"culture_fit"`
	OverallScore        float64  `json:"overall_score"`
	Decision            Decision `json:"decision"`
	Summary             string   `json:"summary"`
	Strengths           []string `json:"strengths"`
	AreasOfConcern      []string `json:"areas_of_concern"`
}

func (r Result) scores() []float64 {
	return []float64{r.TechnicalFit, r.ExperienceRelevance, r.Communication, r.ProblemSolving, r.CultureFit}
}

// Decide applies the acceptance rule: overall at least 6 and no single
// score below 4.
func (r Result) Decide() Decision {
	if r.OverallScore < 6 {
		return DecisionReject
	}
	for _, s := range r.scores() {
		if s < 4 {
			return DecisionReject
		}
	}
	return DecisionAccept
}

// Fallback is recorded when the evaluation cannot be completed.
func Fallback() Result {
	return Result{
		TechnicalFit:        5,
		ExperienceRelevance: 5,
		Communication:       5,
		ProblemSolving:      5,
		CultureFit:          5,
		OverallScore:        5,
		Decision:            DecisionPending,
		Summary:             "Evaluation could not be completed automatically.",
		Strengths:           []string{},
		AreasOfConcern:      []string{"Automatic evaluation failed"},
	}
}

type Config struct {
	MaxTokens  int           `mapstructure:"max_tokens"`
	MinTurns   int           `mapstructure:"min_turns"`
	Timeout    time.Duration `mapstructure:"timeout"`
	MaxRetries int           `mapstructure:"max_retries"`
	Backoff    time.Duration `mapstructure:"backoff"`
}

func DefaultConfig() Config {
	return Config{MaxTokens: 500, MinTurns: 2, Timeout: 60 * time.Second, MaxRetries: 2, Backoff: time.Second}
}

type Evaluator struct {
	client  llm.Client
	cfg     Config
	retry   resilience.RetryPolicy
	breaker *resilience.CircuitBreaker
	logger  *slog.Logger
}

func New(client llm.Client, cfg Config, logger *slog.Logger) *Evaluator {
	def := DefaultConfig()
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = def.MaxTokens
	}
	if cfg.MinTurns <= 0 {
		cfg.MinTurns = def.MinTurns
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	retry := resilience.NewRetryPolicy(cfg.MaxRetries, cfg.Backoff)
	retry.Retryable = func(err error) bool { return !errors.Is(err, errUnparsable) }
	return &Evaluator{
		client:  client,
		cfg:     cfg,
		retry:   retry,
		breaker: resilience.NewCircuitBreaker(3, time.Minute).CountAllErrors(),
		logger:  logging.NewComponentLogger(logger, "evaluation"),
	}
}

// Eligible reports whether rec has enough conversation to evaluate.
func (e *Evaluator) Eligible(rec interview.Record) bool {
	return len(rec.Turns) >= e.cfg.MinTurns
}

var errUnparsable = errors.New("evaluation reply is not valid JSON")

// Evaluate never fails: any error yields the fallback verdict, returned
// alongside the cause.
func (e *Evaluator) Evaluate(ctx context.Context, rec interview.Record) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	var out Result
	err := e.retry.Do(ctx, func(ctx context.Context) error {
		return e.breaker.Execute(func() error {
			resp, err := e.client.Complete(ctx, llm.Request{
				Messages:  []llm.Message{{Role: llm.RoleUser, Content: Prompt(rec)}},
				MaxTokens: e.cfg.MaxTokens,
			})
			if err != nil {
				return errorsx.Wrap(err, errorsx.ReasonLLMGenerate)
			}
			res, err := Parse(resp.Text)
			if err != nil {
				return err
			}
			out = res
			return nil
		})
	})
	if err != nil {
		if errors.Is(err, resilience.ErrCircuitOpen) {
			err = errorsx.Wrap(err, errorsx.ReasonLLMCircuitOpen)
		}
		e.logger.Error("evaluation_failed", "session_id", rec.ID, "error", err.Error(), "reason_code", string(errorsx.Reason(err)))
		return Fallback(), err
	}
	e.logger.Info("evaluation_complete",
		"session_id", rec.ID,
		"overall_score", out.OverallScore,
		"decision", string(out.Decision),
	)
	return out, nil
}

// Parse decodes an evaluator reply, tolerating markdown code fences. The
// decision is recomputed from the scores.
func Parse(reply string) (Result, error) {
	text := stripFences(reply)
	var res Result
	if err := json.Unmarshal([]byte(text), &res); err != nil {
		return Result{}, fmt.Errorf("%w: %v", errUnparsable, err)
	}
	if res.OverallScore == 0 {
		var sum float64
		for _, s := range res.scores() {
			sum += s
		}
		res.OverallScore = sum / 5
	}
	if res.Strengths == nil {
		res.Strengths = []string{}
	}
	if res.AreasOfConcern == nil {
		res.AreasOfConcern = []string{}
	}
	res.Decision = res.Decide()
	return res, nil
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.Index(s, "```json"); i >= 0 {
		s = s[i+len("```json"):]
		if j := strings.Index(s, "```"); j >= 0 {
			s = s[:j]
		}
		return strings.TrimSpace(s)
	}
	if i := strings.Index(s, "```"); i >= 0 {
		s = s[i+3:]
		if j := strings.Index(s, "```"); j >= 0 {
			s = s[:j]
		}
	}
	return strings.TrimSpace(s)
}
