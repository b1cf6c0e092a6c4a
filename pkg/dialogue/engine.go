// Package dialogue decides what the interviewer says next. Engines do no
// I/O of their own beyond what an implementation explicitly wraps, so the
// turn-taking policy can be tested without audio.
package dialogue

import (
	"context"
	"strings"
	"time"

	"github.com/harunnryd/rekrut/pkg/interview"
)

type EndReason string

const (
	EndScriptComplete EndReason = "script_complete"
	EndMaxTurns       EndReason = "max_turns"
	EndMaxDuration    EndReason = "max_duration"
	EndClosingPhrase  EndReason = "closing_phrase"
)

// Cursor is the position in the script. The zero value means no question
// has been asked yet.
type Cursor struct {
	Started   bool
	Question  int
	FollowUps int
}

// Snapshot is the read-only session view an engine decides on.
type Snapshot struct {
	SessionID string
	StartedAt time.Time
	Now       time.Time
	Cursor    Cursor

	// Answers counts committed candidate turns, including the latest one.
	Answers    int
	Confidence float64
	History    []interview.Turn
	Context    interview.Context
}

// Decision is either an utterance or END_OF_INTERVIEW.
type Decision struct {
	Text     string
	End      bool
	Reason   EndReason
	FollowUp bool
	Cursor   Cursor
}

type Engine interface {
	NextUtterance(ctx context.Context, snap Snapshot, final string) (Decision, error)
}

// Policy holds the follow-up thresholds.
type Policy struct {
	MinAnswerWords int     `mapstructure:"min_answer_words"`
	MinConfidence  float64 `mapstructure:"min_confidence"`
	MaxFollowUps   int     `mapstructure:"max_follow_ups"`
}

func DefaultPolicy() Policy {
	return Policy{MinAnswerWords: 4, MinConfidence: 0.6, MaxFollowUps: 1}
}

// ScriptedEngine walks the script in order. It is a pure function of its
// inputs.
type ScriptedEngine struct {
	Script Script
	Policy Policy
}

func NewScriptedEngine(script Script, policy Policy) *ScriptedEngine {
	return &ScriptedEngine{Script: script, Policy: policy}
}

func (e *ScriptedEngine) NextUtterance(_ context.Context, snap Snapshot, final string) (Decision, error) {
	return e.Decide(snap, final), nil
}

func (e *ScriptedEngine) Decide(snap Snapshot, final string) Decision {
	s := e.Script
	cur := snap.Cursor
	if !cur.Started {
		if len(s.Questions) == 0 {
			return e.end(cur, EndScriptComplete)
		}
		return Decision{Text: s.Questions[0].Prompt, Cursor: Cursor{Started: true}}
	}

	if saidClosingPhrase(final, s.ClosingPhrases) {
		return e.end(cur, EndClosingPhrase)
	}
	if s.MaxTurns > 0 && snap.Answers >= s.MaxTurns {
		return e.end(cur, EndMaxTurns)
	}
	if s.MaxDuration > 0 && !snap.StartedAt.IsZero() && snap.Now.Sub(snap.StartedAt) >= s.MaxDuration {
		return e.end(cur, EndMaxDuration)
	}

	if cur.Question < len(s.Questions) && cur.FollowUps < e.Policy.MaxFollowUps && e.thin(final, snap.Confidence) {
		text := s.Questions[cur.Question].FollowUp
		if strings.TrimSpace(text) == "" {
			text = s.Phrases.FollowUp
		}
		if text != "" {
			next := cur
			next.FollowUps++
			return Decision{Text: text, FollowUp: true, Cursor: next}
		}
	}

	next := Cursor{Started: true, Question: cur.Question + 1}
	if next.Question >= len(s.Questions) {
		return e.end(next, EndScriptComplete)
	}
	return Decision{Text: s.Questions[next.Question].Prompt, Cursor: next}
}

// thin reports whether an answer is too short or too uncertain to move on.
// Zero confidence means the recognizer did not report one.
func (e *ScriptedEngine) thin(final string, confidence float64) bool {
	if e.Policy.MinAnswerWords > 0 && len(strings.Fields(final)) < e.Policy.MinAnswerWords {
		return true
	}
	return confidence > 0 && confidence < e.Policy.MinConfidence
}

func (e *ScriptedEngine) end(cur Cursor, reason EndReason) Decision {
	return Decision{Text: e.Script.Phrases.Closing, End: true, Reason: reason, Cursor: cur}
}

func saidClosingPhrase(final string, phrases []string) bool {
	text := normalize(final)
	if text == "" {
		return false
	}
	for _, p := range phrases {
		if p = normalize(p); p != "" && strings.Contains(text, p) {
			return true
		}
	}
	return false
}

func normalize(s string) string {
	s = strings.ToLower(s)
	s = strings.Map(func(r rune) rune {
		switch r {
		case '.', ',', '!', '?', ';', ':', '\'':
			return -1
		}
		return r
	}, s)
	return strings.Join(strings.Fields(s), " ")
}
