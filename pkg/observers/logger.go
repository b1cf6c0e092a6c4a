package observers

import (
	"context"
	"log/slog"

	"github.com/harunnryd/rekrut/pkg/logging"
	"github.com/harunnryd/rekrut/pkg/metrics"
)

// eventLevels lists events worth more than debug. Anything an operator
// should look at on a live interview is a warning.
var eventLevels = map[string]slog.Level{
	metrics.EventRecognizerRetry: slog.LevelWarn,
	metrics.EventSynthesisFailed: slog.LevelWarn,
	metrics.EventFrameDropped:    slog.LevelWarn,
	metrics.EventBargeIn:         slog.LevelInfo,
	metrics.EventSessionEnded:    slog.LevelInfo,
}

// LoggerObserver mirrors pipeline events into the application log, using
// the event name as the message.
type LoggerObserver struct {
	log *slog.Logger
}

func NewLoggerObserver(log *slog.Logger) *LoggerObserver {
	return &LoggerObserver{log: logging.NewComponentLogger(log, "metrics")}
}

func (o *LoggerObserver) RecordEvent(ev metrics.Event) {
	level, ok := eventLevels[ev.Name]
	if !ok {
		level = slog.LevelDebug
	}
	ctx := context.Background()
	if !o.log.Enabled(ctx, level) {
		return
	}
	attrs := make([]slog.Attr, 0, 2+len(ev.Tags)+len(ev.Fields))
	attrs = append(attrs, slog.String("session_id", ev.SessionID), slog.Float64("value", ev.Value))
	for k, v := range ev.Tags {
		attrs = append(attrs, slog.String(k, v))
	}
	for k, v := range redactFields(ev.Fields) {
		attrs = append(attrs, slog.Any(k, v))
	}
	o.log.LogAttrs(ctx, level, ev.Name, attrs...)
}

var _ metrics.Observer = (*LoggerObserver)(nil)
