package errorsx

import (
	"errors"
	"fmt"
)

// ReasonedError attaches an explicit reason code to an error.
type ReasonedError struct {
	Err    error
	Reason ReasonCode
}

func (e ReasonedError) Error() string {
	if e.Err == nil {
		return string(e.Reason)
	}
	return e.Err.Error()
}

func (e ReasonedError) Unwrap() error          { return e.Err }
func (e ReasonedError) ReasonCode() ReasonCode { return e.Reason }

// reasoner is implemented by ReasonedError and every taxonomy error.
type reasoner interface {
	ReasonCode() ReasonCode
}

// Wrap attaches reason to err unless err already carries an explicit
// reason; the innermost explicit reason wins.
func Wrap(err error, reason ReasonCode) error {
	if err == nil {
		return nil
	}
	var re ReasonedError
	if errors.As(err, &re) {
		return err
	}
	return ReasonedError{Err: err, Reason: reason}
}

func Wrapf(err error, reason ReasonCode, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return Wrap(fmt.Errorf(format+": %w", append(args, err)...), reason)
}

// Reason reports the reason code of the outermost reasoned or taxonomy
// error in the chain. Taxonomy errors report an explicit reason they wrap,
// falling back to their class default.
func Reason(err error) ReasonCode {
	if err == nil {
		return ReasonUnknown
	}
	var r reasoner
	if errors.As(err, &r) {
		return r.ReasonCode()
	}
	if errors.Is(err, ErrSessionNotFound) {
		return ReasonSessionNotFound
	}
	return ReasonUnknown
}

func HasReason(err error, reason ReasonCode) bool {
	return Reason(err) == reason
}

func explicitOr(err error, fallback ReasonCode) ReasonCode {
	var re ReasonedError
	if errors.As(err, &re) {
		return re.Reason
	}
	return fallback
}
