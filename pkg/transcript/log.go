package transcript

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/harunnryd/rekrut/pkg/interview"
)

// ErrLogNotFound is returned by readers for unknown session ids.
var ErrLogNotFound = errors.New("log not found")

// contextPreview bounds the job description and resume copied into a log.
const contextPreview = 500

// Log is the finalized interview document served to recruiters.
type Log struct {
	SessionID      string           `json:"session_id"`
	ExternalID     string           `json:"external_id,omitempty"`
	Kind           interview.Kind   `json:"kind"`
	CandidateID    string           `json:"candidate_id,omitempty"`
	JobID          string           `json:"job_id,omitempty"`
	ApplicationID  string           `json:"application_id,omitempty"`
	Timestamp      time.Time        `json:"timestamp"`
	StartedAt      time.Time        `json:"started_at"`
	Status         interview.Status `json:"status"`
	Reason         string           `json:"reason,omitempty"`
	JobDescription string           `json:"job_description,omitempty"`
	ResumeSummary  string           `json:"resume_summary,omitempty"`
	Turns          []interview.Turn `json:"turns"`
	ExchangeCount  int              `json:"exchange_count"`
	Evaluation     json.RawMessage  `json:"evaluation,omitempty"`
}

// Summary is one row of the log listing.
type Summary struct {
	SessionID     string           `json:"session_id"`
	Timestamp     time.Time        `json:"timestamp"`
	Status        interview.Status `json:"status"`
	ExchangeCount int              `json:"exchange_count"`
}

func NewLog(rec interview.Record) Log {
	return Log{
		SessionID:      rec.ID,
		ExternalID:     rec.ExternalID,
		Kind:           rec.Kind,
		CandidateID:    rec.CandidateID,
		JobID:          rec.JobID,
		ApplicationID:  rec.Context.ApplicationID,
		Timestamp:      rec.EndedAt,
		StartedAt:      rec.StartedAt,
		Status:         rec.Status,
		Reason:         rec.Reason,
		JobDescription: truncate(rec.Context.JobDescription, contextPreview),
		ResumeSummary:  truncate(rec.Context.ResumeSummary, contextPreview),
		Turns:          rec.Turns,
		ExchangeCount:  rec.Exchanges(),
	}
}

func (l Log) Summary() Summary {
	return Summary{SessionID: l.SessionID, Timestamp: l.Timestamp, Status: l.Status, ExchangeCount: l.ExchangeCount}
}

func summarize(rec interview.Record) Summary { return NewLog(rec).Summary() }

// Reader serves finalized logs, newest first.
type Reader interface {
	List(ctx context.Context) ([]Summary, error)
	Get(ctx context.Context, id string) (Log, error)
}

// Annotator attaches the post-interview evaluation to a finalized log.
type Annotator interface {
	Annotate(ctx context.Context, id string, evaluation []byte) error
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
