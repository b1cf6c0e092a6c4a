package metrics

import (
	"context"
	"io"
	"log/slog"
)

// JSONLObserver exports events as JSON lines, for example to
// metrics.events_path.
type JSONLObserver struct {
	w      io.Writer
	logger *slog.Logger
}

func NewJSONLObserver(w io.Writer) *JSONLObserver {
	if w == nil {
		w = io.Discard
	}
	return &JSONLObserver{w: w, logger: slog.New(slog.NewJSONHandler(w, nil))}
}

func (o *JSONLObserver) RecordEvent(ev Event) {
	attrs := []slog.Attr{slog.String("event", ev.Name), slog.Float64("value", ev.Value)}
	if ev.SessionID != "" {
		attrs = append(attrs, slog.String("session_id", ev.SessionID))
	}
	if len(ev.Tags) > 0 {
		tags := make([]any, 0, len(ev.Tags))
		for k, v := range ev.Tags {
			tags = append(tags, slog.String(k, v))
		}
		attrs = append(attrs, slog.Group("tags", tags...))
	}
	if len(ev.Fields) > 0 {
		fields := make([]any, 0, len(ev.Fields))
		for k, v := range ev.Fields {
			fields = append(fields, slog.Any(k, v))
		}
		attrs = append(attrs, slog.Group("fields", fields...))
	}
	o.logger.LogAttrs(context.Background(), slog.LevelInfo, "metrics", attrs...)
}

// Flush syncs the destination when it is a file.
func (o *JSONLObserver) Flush() error {
	if s, ok := o.w.(interface{ Sync() error }); ok {
		return s.Sync()
	}
	return nil
}
