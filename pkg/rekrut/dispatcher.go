package rekrut

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/rekrut/pkg/errorsx"
	"github.com/harunnryd/rekrut/pkg/evaluation"
	"github.com/harunnryd/rekrut/pkg/interview"
	"github.com/harunnryd/rekrut/pkg/logging"
	"github.com/harunnryd/rekrut/pkg/store"
	"github.com/harunnryd/rekrut/pkg/transcript"
)

// Evaluator scores a finalized interview.
type Evaluator interface {
	Eligible(rec interview.Record) bool
	Evaluate(ctx context.Context, rec interview.Record) (evaluation.Result, error)
}

// Dispatcher runs the post-interview work for finalized sessions on a
// bounded worker pool: evaluation, log annotation and the application
// store update.
type Dispatcher struct {
	evaluator Evaluator
	annotator transcript.Annotator
	recorder  store.Recorder
	opts      DispatcherOptions
	logger    *slog.Logger

	mu     sync.RWMutex
	closed bool
	tasks  chan interview.Record
	wg     sync.WaitGroup
}

type DispatcherOptions struct {
	Workers   int
	QueueSize int
	// Timeout bounds each annotate and store call.
	Timeout      time.Duration
	Retries      int
	RetryBackoff time.Duration
}

var ErrDispatcherClosed = errors.New("dispatcher closed")

func NewDispatcher(ev Evaluator, annotator transcript.Annotator, recorder store.Recorder, opts DispatcherOptions, logger *slog.Logger) *Dispatcher {
	if opts.Workers <= 0 {
		opts.Workers = 2
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 500 * time.Millisecond
	}
	d := &Dispatcher{
		evaluator: ev,
		annotator: annotator,
		recorder:  recorder,
		opts:      opts,
		logger:    logging.NewComponentLogger(logger, "dispatcher"),
		tasks:     make(chan interview.Record, opts.QueueSize),
	}
	for i := 0; i < opts.Workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

// Submit enqueues rec without blocking. A full queue drops the record.
func (d *Dispatcher) Submit(rec interview.Record) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrDispatcherClosed
	}
	select {
	case d.tasks <- rec:
		return nil
	default:
		d.logger.Warn("dispatcher_queue_full", "session_id", rec.ID, "queue_size", d.opts.QueueSize)
		return errors.New("dispatcher queue full")
	}
}

// Close stops accepting records and waits for queued ones until ctx ends.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.tasks)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		d.logger.Warn("dispatcher_close_timeout", "pending", len(d.tasks))
		return ctx.Err()
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for rec := range d.tasks {
		d.exec(rec)
	}
}

func (d *Dispatcher) exec(rec interview.Record) {
	if d.evaluator == nil || !d.evaluator.Eligible(rec) {
		d.logger.Info("evaluation_skipped", "session_id", rec.ID, "turns", len(rec.Turns), "status", string(rec.Status))
		return
	}
	res, err := d.evaluator.Evaluate(context.Background(), rec)
	if err != nil {
		d.logger.Warn("evaluation_fallback", "session_id", rec.ID, "error", err.Error())
	}

	if d.annotator != nil {
		raw, merr := json.Marshal(res)
		if merr == nil {
			merr = d.callWithRetry(func(ctx context.Context) error {
				return d.annotator.Annotate(ctx, rec.ID, raw)
			})
		}
		if merr != nil {
			d.logger.Error("log_annotate_failed", "session_id", rec.ID, "error", merr.Error(), "reason_code", string(errorsx.Reason(merr)))
		}
	}

	if d.recorder != nil {
		out := store.NewOutcome(rec, res)
		if err := d.callWithRetry(func(ctx context.Context) error {
			return d.recorder.Complete(ctx, out)
		}); err != nil {
			d.logger.Error("application_update_failed",
				"session_id", rec.ID,
				"application_id", out.ApplicationID,
				"error", err.Error(),
				"reason_code", string(errorsx.Reason(err)))
			return
		}
		d.logger.Info("application_updated", "session_id", rec.ID, "application_id", out.ApplicationID, "status", out.Status)
	}
}

func (d *Dispatcher) callWithRetry(fn func(ctx context.Context) error) error {
	attempts := d.opts.Retries + 1
	var lastErr error
	for i := 0; i < attempts; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), d.opts.Timeout)
		err := fn(ctx)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		if errors.Is(err, store.ErrNotFound) || errors.Is(err, transcript.ErrLogNotFound) {
			return err
		}
		if i < attempts-1 {
			time.Sleep(d.opts.RetryBackoff * time.Duration(i+1))
		}
	}
	return lastErr
}
