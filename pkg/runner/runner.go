package runner

import (
	"bytes"
	"context"
	"errors"
	"io"

	"github.com/dimiro1/banner"
)

// State is the process lifecycle phase.
type State int32

const (
	StateNew State = iota
	StateStarting
	StateServing
	StateDraining
	StateStopped
)

var stateNames = [...]string{"new", "starting", "serving", "draining", "stopped"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

var (
	ErrNotStartable = errors.New("runner: already started or stopped")
	ErrDrainTimeout = errors.New("runner: drain deadline exceeded")
)

type Hooks struct {
	OnStart func()
	OnStop  func()
}

// Drainer finishes in-flight interviews before the process exits. It must
// return once ctx is done.
type Drainer interface {
	Drain(ctx context.Context) error
}

type DrainerFunc func(ctx context.Context) error

func (f DrainerFunc) Drain(ctx context.Context) error { return f(ctx) }

// Version is stamped at build time with -ldflags.
var Version = "dev"

// PrintBanner writes the startup banner to w. A nil writer prints nothing.
func PrintBanner(w io.Writer) {
	if w == nil {
		return
	}
	tpl := "{{ .Title \"REKRUT\" \"\" 0 }}\nversion {{ .GoVersion }} / " + Version + "\n"
	banner.Init(w, true, false, bytes.NewBufferString(tpl))
}
