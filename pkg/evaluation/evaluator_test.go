package evaluation

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/harunnryd/rekrut/pkg/interview"
	"github.com/harunnryd/rekrut/pkg/providers/mock"
)

func finishedRecord() interview.Record {
	return interview.Record{
		Session: interview.Session{ID: "s1"},
		Status:  interview.StatusEnded,
		Turns: []interview.Turn{
			{Seq: 1, Role: interview.RoleInterviewer, Text: "Tell me about yourself."},
			{Seq: 2, Role: interview.RoleCandidate, Text: "I build distributed systems in Go."},
		},
		Context: interview.Context{JobDescription: "Senior Go engineer", ResumeSummary: "Eight years backend"},
	}
}

const goodReply = "Here you go:\n```json\n{\"technical_fit\": 8, \"experience_relevance\": 7, \"communication\": 8, \"problem_solving\": 7, \"culture_fit\": 8, \"overall_score\": 7.6, \"decision\": \"REJECT\", \"summary\": \"Strong.\", \"strengths\": [\"Go\"]}\n```"

func TestEvaluateParsesFencedReply(t *testing.T) {
	client := mock.NewLLM(mock.LLMConfig{Responses: []string{goodReply}})
	ev := New(client, Config{Backoff: time.Millisecond}, nil)

	res, err := ev.Evaluate(context.Background(), finishedRecord())
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if res.Decision != DecisionAccept {
		t.Fatalf("expected decision recomputed to ACCEPT, got %s", res.Decision)
	}
	if res.AreasOfConcern == nil || len(res.Strengths) != 1 {
		t.Fatalf("unexpected lists: %+v", res)
	}
	reqs := client.Requests()
	if len(reqs) != 1 || reqs[0].MaxTokens != 500 {
		t.Fatalf("expected one request with 500 max tokens, got %+v", reqs)
	}
	prompt := reqs[0].Messages[0].Content
	if !strings.Contains(prompt, "Senior Go engineer") || !strings.Contains(prompt, "Candidate: I build distributed systems in Go.") {
		t.Fatalf("prompt missing context or transcript:\n%s", prompt)
	}
}

func TestDecideRejectsLowIndividualScore(t *testing.T) {
	res, err := Parse(`{"technical_fit": 9, "experience_relevance": 9, "communication": 3, "problem_solving": 9, "culture_fit": 9, "overall_score": 7.8}`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if res.Decision != DecisionReject {
		t.Fatalf("expected REJECT, got %s", res.Decision)
	}
	res, _ = Parse("```\n{\"technical_fit\": 6, \"experience_relevance\": 6, \"communication\": 6, \"problem_solving\": 6, \"culture_fit\": 6}\n```")
	if res.OverallScore != 6 || res.Decision != DecisionAccept {
		t.Fatalf("expected averaged overall 6 and ACCEPT, got %v %s", res.OverallScore, res.Decision)
	}
}

func TestEvaluateFallsBackOnGarbage(t *testing.T) {
	client := mock.NewLLM(mock.LLMConfig{Responses: []string{"I think they were fine."}})
	ev := New(client, Config{MaxRetries: 2, Backoff: time.Millisecond}, nil)
	res, err := ev.Evaluate(context.Background(), finishedRecord())
	if err == nil || res.Decision != DecisionPending || res.OverallScore != 5 {
		t.Fatalf("expected fallback, got %+v err=%v", res, err)
	}
	if n := len(client.Requests()); n != 1 {
		t.Fatalf("unparsable replies must not be retried, got %d calls", n)
	}
}

func TestEvaluateRetriesProviderErrors(t *testing.T) {
	client := mock.NewLLM(mock.LLMConfig{Err: errors.New("503")})
	ev := New(client, Config{MaxRetries: 2, Backoff: time.Millisecond}, nil)
	res, err := ev.Evaluate(context.Background(), finishedRecord())
	if err == nil || res.Decision != DecisionPending {
		t.Fatalf("expected fallback, got %+v", res)
	}
	if n := len(client.Requests()); n != 3 {
		t.Fatalf("expected 3 attempts, got %d", n)
	}
}

func TestEligible(t *testing.T) {
	ev := New(mock.NewLLM(mock.LLMConfig{}), Config{}, nil)
	rec := finishedRecord()
	if !ev.Eligible(rec) {
		t.Fatalf("two turns should be eligible")
	}
	rec.Turns = rec.Turns[:1]
	if ev.Eligible(rec) {
		t.Fatalf("one turn should not be eligible")
	}
}
