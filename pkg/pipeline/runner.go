package pipeline

import (
	"context"
	"io"
	"time"

	"github.com/harunnryd/rekrut/pkg/runner"
)

// Runner ties the process lifecycle to the session registry: stopping the
// runner drains live interviews before the hooks run.
type Runner struct {
	*runner.Lifecycle
}

// NewRunner gives live sessions grace to finish on their own; the extra ten
// seconds cover the closing utterance of sessions terminated after that.
func NewRunner(reg *Registry, hooks runner.Hooks, grace time.Duration, banner io.Writer) *Runner {
	if grace <= 0 {
		grace = 30 * time.Second
	}
	drainer := runner.DrainerFunc(func(ctx context.Context) error {
		return reg.Drain(ctx, grace)
	})
	return &Runner{Lifecycle: runner.New(runner.Options{
		Drainer:  drainer,
		Hooks:    hooks,
		Deadline: grace + 10*time.Second,
		Banner:   banner,
	})}
}
