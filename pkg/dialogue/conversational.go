package dialogue

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/harunnryd/rekrut/pkg/interview"
	"github.com/harunnryd/rekrut/pkg/llm"
	"github.com/harunnryd/rekrut/pkg/logging"
)

const persona = `You are Alex, a friendly AI recruiter conducting a phone screening interview.

JOB DESCRIPTION:
%s

CANDIDATE RESUME:
%s

GUIDELINES:
- Speak in at most two short sentences; this is a phone call.
- Briefly acknowledge the candidate's last answer, referencing what they said.
- Then ask exactly the question you are given, rephrased naturally if needed.
- Never ask more than one question and never answer on the candidate's behalf.`

// ConversationalEngine lets the LLM phrase the next question while the
// wrapped engine keeps control of the script. End decisions are never
// delegated, and any LLM failure falls back to the scripted text.
type ConversationalEngine struct {
	Base      Engine
	LLM       llm.Client
	MaxTokens int
	Limit     Limit
	logger    *slog.Logger
}

func NewConversationalEngine(base Engine, client llm.Client) *ConversationalEngine {
	return &ConversationalEngine{
		Base:      base,
		LLM:       client,
		MaxTokens: 100,
		Limit:     DefaultLimit(),
		logger:    logging.NewComponentLogger(slog.Default(), "dialogue"),
	}
}

func (e *ConversationalEngine) NextUtterance(ctx context.Context, snap Snapshot, final string) (Decision, error) {
	d, err := e.Base.NextUtterance(ctx, snap, final)
	if err != nil || d.End || e.LLM == nil || strings.TrimSpace(final) == "" {
		return d, err
	}
	resp, err := e.LLM.Complete(ctx, llm.Request{
		Messages:    e.messages(snap, d),
		MaxTokens:   e.MaxTokens,
		Temperature: llm.Float(0.4),
	})
	if err != nil {
		if ctx.Err() != nil {
			return d, ctx.Err()
		}
		e.logger.Warn("dialogue_llm_fallback", "session_id", snap.SessionID, "error", err)
		return d, nil
	}
	text, cut := e.Limit.Apply(resp.Text)
	if cut {
		e.logger.Debug("dialogue_reply_trimmed", "session_id", snap.SessionID, "chars", len(resp.Text))
	}
	if text != "" {
		d.Text = text
	}
	return d, nil
}

func (e *ConversationalEngine) messages(snap Snapshot, d Decision) []llm.Message {
	msgs := []llm.Message{{
		Role:    llm.RoleSystem,
		Content: fmt.Sprintf(persona, orNotProvided(snap.Context.JobDescription), orNotProvided(snap.Context.ResumeSummary)),
	}}
	for _, t := range snap.History {
		role := llm.RoleAssistant
		if t.Role == interview.RoleCandidate {
			role = llm.RoleUser
		}
		msgs = append(msgs, llm.Message{Role: role, Content: t.Text})
	}
	kind := "next question"
	if d.FollowUp {
		kind = "follow-up question"
	}
	msgs = append(msgs, llm.Message{
		Role:    llm.RoleSystem,
		Content: fmt.Sprintf("Ask this %s now: %q", kind, d.Text),
	})
	return msgs
}

func orNotProvided(s string) string {
	if strings.TrimSpace(s) == "" {
		return "Not provided"
	}
	return s
}
