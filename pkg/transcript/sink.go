// Package transcript persists interview turns and finalized records.
package transcript

import (
	"context"
	"errors"

	"github.com/harunnryd/rekrut/pkg/interview"
)

// Sink receives turns as they are committed and the record once a session
// stops. Append is synchronous and durable per turn. Finalize is called
// exactly once per session.
type Sink interface {
	Append(ctx context.Context, sess interview.Session, turn interview.Turn) error
	Finalize(ctx context.Context, rec interview.Record) error
}

// Multi fans out to several sinks. Every member is attempted; the joined
// error reports the ones that failed.
type Multi []Sink

func (m Multi) Append(ctx context.Context, sess interview.Session, turn interview.Turn) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Append(ctx, sess, turn); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Finalize(ctx context.Context, rec interview.Record) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Finalize(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Nop discards everything.
type Nop struct{}

func (Nop) Append(context.Context, interview.Session, interview.Turn) error { return nil }
func (Nop) Finalize(context.Context, interview.Record) error                { return nil }
