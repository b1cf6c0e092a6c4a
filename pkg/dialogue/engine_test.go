package dialogue

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/harunnryd/rekrut/pkg/interview"
	"github.com/harunnryd/rekrut/pkg/providers/mock"
)

func threeQuestionScript() Script {
	s := DefaultScript()
	s.Questions = s.Questions[:3]
	return s
}

func TestScriptedEngineWalksScript(t *testing.T) {
	e := NewScriptedEngine(threeQuestionScript(), DefaultPolicy())
	start := time.Now()
	snap := Snapshot{StartedAt: start, Now: start}

	d := e.Decide(snap, "")
	if d.End || d.Text != e.Script.Questions[0].Prompt {
		t.Fatalf("expected first question, got %+v", d)
	}
	answer := "I have been building payment systems for six years"
	for i := 1; i < 3; i++ {
		snap.Cursor, snap.Answers = d.Cursor, i
		d = e.Decide(snap, answer)
		if d.End || d.Text != e.Script.Questions[i].Prompt || d.FollowUp {
			t.Fatalf("expected question %d, got %+v", i, d)
		}
	}
	snap.Cursor, snap.Answers = d.Cursor, 3
	d = e.Decide(snap, answer)
	if !d.End || d.Reason != EndScriptComplete || d.Text != e.Script.Phrases.Closing {
		t.Fatalf("expected end of interview, got %+v", d)
	}
}

func TestScriptedEngineFollowsUpOnceOnThinAnswers(t *testing.T) {
	e := NewScriptedEngine(threeQuestionScript(), DefaultPolicy())
	snap := Snapshot{Cursor: Cursor{Started: true}, Answers: 1}

	d := e.Decide(snap, "Yes")
	if !d.FollowUp || d.Text != e.Script.Questions[0].FollowUp || d.Cursor.Question != 0 {
		t.Fatalf("expected follow-up for short answer, got %+v", d)
	}
	snap.Cursor, snap.Answers = d.Cursor, 2
	d = e.Decide(snap, "Still short")
	if d.FollowUp || d.Cursor.Question != 1 {
		t.Fatalf("expected to move on after one follow-up, got %+v", d)
	}

	snap = Snapshot{Cursor: Cursor{Started: true, Question: 1}, Answers: 1, Confidence: 0.3}
	d = e.Decide(snap, "I mostly write Go and some Python these days")
	if !d.FollowUp {
		t.Fatalf("expected follow-up for low confidence answer, got %+v", d)
	}
}

func TestScriptedEngineCaps(t *testing.T) {
	s := threeQuestionScript()
	s.MaxTurns = 2
	s.MaxDuration = time.Minute
	e := NewScriptedEngine(s, Policy{})
	start := time.Now()

	d := e.Decide(Snapshot{Cursor: Cursor{Started: true}, Answers: 2, StartedAt: start, Now: start}, "long enough answer here")
	if !d.End || d.Reason != EndMaxTurns {
		t.Fatalf("expected max turns, got %+v", d)
	}
	d = e.Decide(Snapshot{Cursor: Cursor{Started: true}, Answers: 1, StartedAt: start, Now: start.Add(2 * time.Minute)}, "ok")
	if !d.End || d.Reason != EndMaxDuration {
		t.Fatalf("expected max duration, got %+v", d)
	}
	d = e.Decide(Snapshot{Cursor: Cursor{Started: true}, Answers: 1}, "Sorry, I have to go now!")
	if !d.End || d.Reason != EndClosingPhrase {
		t.Fatalf("expected closing phrase, got %+v", d)
	}
}

func TestScriptWithQuestionsAndMerge(t *testing.T) {
	s := Script{}.WithQuestions([]string{"  ", "Why this role?"}).Merge(DefaultScript())
	if len(s.Questions) != 1 || s.Questions[0].Prompt != "Why this role?" {
		t.Fatalf("unexpected questions %+v", s.Questions)
	}
	if err := s.Validate(); err != nil {
		t.Fatalf("merged script should be valid: %v", err)
	}
	if err := (Script{}).Validate(); err == nil {
		t.Fatalf("empty script must be invalid")
	}
}

func TestConversationalEngineRephrases(t *testing.T) {
	llmStub := mock.NewLLM(mock.LLMConfig{Responses: []string{"Great background! Which tools do you use most?"}})
	e := NewConversationalEngine(NewScriptedEngine(threeQuestionScript(), Policy{}), llmStub)
	snap := Snapshot{
		Cursor:  Cursor{Started: true},
		Answers: 1,
		History: []interview.Turn{{Role: interview.RoleInterviewer, Text: "Introduce yourself"}, {Role: interview.RoleCandidate, Text: "I am a backend engineer"}},
		Context: interview.Context{JobDescription: "Go engineer"},
	}
	d, err := e.NextUtterance(context.Background(), snap, "I am a backend engineer")
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if d.Text != "Great background! Which tools do you use most?" || d.Cursor.Question != 1 {
		t.Fatalf("unexpected decision %+v", d)
	}
	reqs := llmStub.Requests()
	if len(reqs) != 1 || len(reqs[0].Messages) != 4 || !strings.Contains(reqs[0].Messages[0].Content, "Go engineer") {
		t.Fatalf("unexpected llm request %+v", reqs)
	}
}

func TestConversationalEngineFallsBackAndNeverDelegatesEnd(t *testing.T) {
	failing := mock.NewLLM(mock.LLMConfig{Err: errors.New("503")})
	base := NewScriptedEngine(threeQuestionScript(), Policy{})
	e := NewConversationalEngine(base, failing)

	d, err := e.NextUtterance(context.Background(), Snapshot{Cursor: Cursor{Started: true}, Answers: 1}, "answer")
	if err != nil || d.Text != base.Script.Questions[1].Prompt {
		t.Fatalf("expected scripted fallback, got %+v %v", d, err)
	}
	d, _ = e.NextUtterance(context.Background(), Snapshot{Cursor: Cursor{Started: true, Question: 2}, Answers: 3}, "answer")
	if !d.End || len(failing.Requests()) != 1 {
		t.Fatalf("end decisions must not reach the llm")
	}
}

func TestLimitTrimsLongReplies(t *testing.T) {
	cases := []struct {
		name  string
		limit Limit
		in    string
		want  string
		cut   bool
	}{
		{"sentences", Limit{MaxSentences: 2}, "One. Two? Three!", "One. Two?", true},
		{"chars at word boundary", Limit{MaxChars: 12}, "tell me about your stack", "tell me", true},
		{"untouched", DefaultLimit(), "  Which tools do you use?  ", "Which tools do you use?", false},
		{"no terminator", Limit{MaxSentences: 1}, "no punctuation here", "no punctuation here", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, cut := tc.limit.Apply(tc.in)
			if got != tc.want || cut != tc.cut {
				t.Fatalf("Apply(%q) = %q, %v; want %q, %v", tc.in, got, cut, tc.want, tc.cut)
			}
		})
	}
}

func TestConversationalEngineTrimsLLMReply(t *testing.T) {
	llmStub := mock.NewLLM(mock.LLMConfig{Responses: []string{"Nice. Tell me more. Also, what else? And finally?"}})
	e := NewConversationalEngine(NewScriptedEngine(threeQuestionScript(), Policy{}), llmStub)
	d, err := e.NextUtterance(context.Background(), Snapshot{Cursor: Cursor{Started: true}, Answers: 1}, "I build APIs in Go every day")
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if d.Text != "Nice. Tell me more." {
		t.Fatalf("expected two sentences, got %q", d.Text)
	}
}
