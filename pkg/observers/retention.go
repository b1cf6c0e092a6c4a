package observers

import (
	"context"
	"strings"
	"time"

	"github.com/harunnryd/rekrut/pkg/transcript"
)

// Purge removes timeline and usage artifacts last modified before cutoff,
// leaving traces of sessions still in progress.
func (o *TimelineObserver) Purge(ctx context.Context, cutoff time.Time) (int, error) {
	if strings.TrimSpace(o.dir) == "" {
		return 0, nil
	}
	return transcript.PurgeDir(ctx, o.dir, cutoff, func(name string) bool {
		artifact := strings.HasSuffix(name, timelineSuffix) || strings.HasSuffix(name, ".usage.json")
		return artifact && !o.isOpen(name)
	})
}

var _ transcript.Purger = (*TimelineObserver)(nil)
