// Package store holds the jobs and applications interviews are run for.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/harunnryd/rekrut/pkg/evaluation"
	"github.com/harunnryd/rekrut/pkg/interview"
)

// ErrNotFound is returned when no application matches.
var ErrNotFound = errors.New("application not found")

// Application statuses.
const (
	StatusPending      = "pending"
	StatusInterviewing = "interviewing"
	StatusAccepted     = "accepted"
	StatusRejected     = "rejected"
)

// Outcome is what an interview reports back for its application.
type Outcome struct {
	ApplicationID string
	SessionID     string
	Status        string
	Evaluation    evaluation.Result
	InterviewedAt time.Time
}

// NewOutcome maps a finished record and its verdict to an application
// status. Anything short of ACCEPT is a rejection.
func NewOutcome(rec interview.Record, res evaluation.Result) Outcome {
	status := StatusRejected
	if res.Decision == evaluation.DecisionAccept {
		status = StatusAccepted
	}
	id := rec.Context.ApplicationID
	if id == "" {
		id = rec.ID
	}
	return Outcome{
		ApplicationID: id,
		SessionID:     rec.ID,
		Status:        status,
		Evaluation:    res,
		InterviewedAt: rec.EndedAt,
	}
}

func (o Outcome) evaluationJSON() string {
	b, err := json.Marshal(o.Evaluation)
	if err != nil {
		return ""
	}
	return string(b)
}

// Resolver turns a candidate and job into the interview context.
type Resolver interface {
	Resolve(ctx context.Context, candidateID, jobID string) (interview.Context, error)
}

// Recorder receives interview outcomes.
type Recorder interface {
	Complete(ctx context.Context, out Outcome) error
}
