// Package interview holds the records shared by the session pipeline, the
// transcript sinks and the application store.
package interview

import (
	"strings"
	"time"
)

type Kind string

const (
	KindWeb   Kind = "WEB"
	KindPhone Kind = "PHONE"
)

// ParseKind accepts "web"/"phone" in any case.
func ParseKind(s string) (Kind, bool) {
	switch Kind(strings.ToUpper(strings.TrimSpace(s))) {
	case KindWeb:
		return KindWeb, true
	case KindPhone:
		return KindPhone, true
	}
	return "", false
}

type Role string

const (
	RoleInterviewer Role = "INTERVIEWER"
	RoleCandidate   Role = "CANDIDATE"
)

type Status string

const (
	StatusActive   Status = "ACTIVE"
	StatusEnded    Status = "ENDED"
	StatusFailed   Status = "FAILED"
	StatusTimedOut Status = "timed_out"
)

// Terminal reports whether the status closes a transcript.
func (s Status) Terminal() bool {
	return s == StatusEnded || s == StatusFailed || s == StatusTimedOut
}

// Turn is one contiguous spoken contribution. Turns are immutable once
// appended to a session.
type Turn struct {
	Seq         int       `json:"seq"`
	Role        Role      `json:"role"`
	Text        string    `json:"text"`
	StartedAt   time.Time `json:"started_at"`
	EndedAt     time.Time `json:"ended_at"`
	AudioRef    string    `json:"audio_ref,omitempty"`
	Interrupted bool      `json:"interrupted,omitempty"`
	Confidence  float64   `json:"confidence,omitempty"`
}

// Session identifies one interview. Only the orchestrator that owns it
// mutates the turn sequence.
type Session struct {
	ID          string    `json:"session_id"`
	ExternalID  string    `json:"external_id,omitempty"`
	Kind        Kind      `json:"kind"`
	CandidateID string    `json:"candidate_id"`
	JobID       string    `json:"job_id"`
	Direction   string    `json:"direction,omitempty"`
	StartedAt   time.Time `json:"started_at"`
}

// Record is the finalized transcript handed to sinks and the store.
type Record struct {
	Session
	Status  Status    `json:"status"`
	Reason  string    `json:"reason,omitempty"`
	Turns   []Turn    `json:"turns"`
	EndedAt time.Time `json:"ended_at"`
	Context Context   `json:"context,omitempty"`
}

// Exchanges counts candidate answers.
func (r Record) Exchanges() int {
	n := 0
	for _, t := range r.Turns {
		if t.Role == RoleCandidate {
			n++
		}
	}
	return n
}

// Transcript renders the turns as "Interviewer:"/"Candidate:" lines.
func (r Record) Transcript() string {
	var b strings.Builder
	for _, t := range r.Turns {
		if t.Role == RoleCandidate {
			b.WriteString("Candidate: ")
		} else {
			b.WriteString("Interviewer: ")
		}
		b.WriteString(t.Text)
		if t.Interrupted {
			b.WriteString(" [interrupted]")
		}
		b.WriteByte('\n')
	}
	return b.String()
}

// Context is the opaque read-only input resolved from the application store
// when a session is created.
type Context struct {
	ApplicationID  string `json:"application_id,omitempty"`
	CandidateName  string `json:"candidate_name,omitempty"`
	JobTitle       string `json:"job_title,omitempty"`
	JobDescription string `json:"job_description,omitempty"`
	ResumeSummary  string `json:"resume_summary,omitempty"`
	ScriptID       string `json:"script_id,omitempty"`
}
