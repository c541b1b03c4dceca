// Package bgwriter implements the Background Writer (spec.md §4.3, §5):
// a single goroutine draining a bounded MPSC queue into the Event Ledger,
// so that producers (the Interception Surface) never block on disk I/O.
// A write failure sticks until stop() drains and surfaces it
// (WriterFailed, spec.md §7) rather than being retried silently.
//
// Adapted from pkg/workerpool/worker_pool.go's single-dispatcher-goroutine
// shape (generalized here to exactly one worker, per spec.md's single-
// writer invariant) and pkg/circuit/breaker.go's sticky-state idiom,
// applied to a permanent "tripped" state instead of a half-open retry
// cycle, since a ledger write failure on this run is not transient.
package bgwriter

import (
	"context"
	"sync"
	"sync/atomic"

	apperrors "github.com/agentreplay/core/pkg/errors"
	"github.com/agentreplay/core/pkg/types"
	"github.com/sirupsen/logrus"
)

// Sink is the narrow destination the writer drains into — satisfied by
// *ledger.Writer, kept as an interface so tests can substitute a fake.
type Sink interface {
	Append(ev types.Event) error
}

// job is one queued unit of work. event is always set; done is non-nil only
// for jobs submitted through EnqueueSync.
type job struct {
	event types.Event
	done  chan error // non-nil for callers that need to know the outcome
}

// Writer drains a bounded queue into a Sink on a single goroutine.
type Writer struct {
	sink   Sink
	logger *logrus.Logger
	policy types.QueueFullPolicy

	queue chan job

	wg      sync.WaitGroup
	cancel  context.CancelFunc
	failed  atomic.Bool
	failErr atomic.Value // stores error

	enqueued  atomic.Int64
	drained   atomic.Int64
	queueFull atomic.Int64

	stopping atomic.Bool
}

// New starts the writer goroutine against sink, with a queue of the given
// capacity and fail_fast/block policy on saturation (spec.md §6.5).
func New(sink Sink, capacity int, policy types.QueueFullPolicy, logger *logrus.Logger) *Writer {
	ctx, cancel := context.WithCancel(context.Background())
	w := &Writer{
		sink:   sink,
		logger: logger,
		policy: policy,
		queue:  make(chan job, capacity),
		cancel: cancel,
	}
	w.wg.Add(1)
	go w.run(ctx)
	return w
}

func (w *Writer) run(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case j, ok := <-w.queue:
			if !ok {
				return
			}
			w.process(j)
		case <-ctx.Done():
			// Drain whatever is already queued before exiting, so a stop()
			// mid-flight does not silently drop buffered events.
			for {
				select {
				case j, ok := <-w.queue:
					if !ok {
						return
					}
					w.process(j)
				default:
					return
				}
			}
		}
	}
}

func (w *Writer) process(j job) {
	if w.failed.Load() {
		if j.done != nil {
			j.done <- w.currentFailure()
		}
		return
	}
	err := w.sink.Append(j.event)
	if err != nil {
		w.logger.WithError(err).WithFields(logrus.Fields{
			"run_id": j.event.RunID,
			"step":   j.event.Step,
		}).Error("bgwriter: append failed, entering sticky failed state")
		wrapped := apperrors.New(apperrors.CodeWriterFailed, "bgwriter", "append", err.Error()).
			Wrap(err).WithRun(j.event.RunID, j.event.Step)
		w.failErr.Store(wrapped)
		w.failed.Store(true)
		if j.done != nil {
			j.done <- wrapped
		}
		return
	}
	w.drained.Add(1)
	if j.done != nil {
		j.done <- nil
	}
}

func (w *Writer) currentFailure() error {
	if v := w.failErr.Load(); v != nil {
		return v.(error)
	}
	return apperrors.New(apperrors.CodeWriterFailed, "bgwriter", "append", "writer in failed state")
}

// Failed reports whether the writer has entered its sticky failed state
// (spec.md §7: WriterFailed is surfaced at the next producer call or at
// stop(), never swallowed).
func (w *Writer) Failed() bool {
	return w.failed.Load()
}

// Enqueue submits an event for asynchronous write. Under fail_fast
// policy, a full queue returns QueueOverflow immediately; under block
// policy, Enqueue blocks until space frees or ctx is done.
func (w *Writer) Enqueue(ctx context.Context, ev types.Event) error {
	if w.failed.Load() {
		return w.currentFailure()
	}
	if w.stopping.Load() {
		return apperrors.New(apperrors.CodeRunNotOpen, "bgwriter", "enqueue", "writer is stopping").WithRun(ev.RunID, ev.Step)
	}
	w.enqueued.Add(1)

	switch w.policy {
	case types.QueueFullBlock:
		select {
		case w.queue <- job{event: ev}:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	default: // fail_fast
		select {
		case w.queue <- job{event: ev}:
			return nil
		default:
			w.queueFull.Add(1)
			return apperrors.New(apperrors.CodeQueueOverflow, "bgwriter", "enqueue",
				"write queue saturated").WithRun(ev.RunID, ev.Step)
		}
	}
}

// EnqueueSync submits an event and waits for the writer to report whether
// the append succeeded, used when a caller needs step/call_index
// ordering guarantees before returning from RecordEvent.
func (w *Writer) EnqueueSync(ctx context.Context, ev types.Event) error {
	if w.failed.Load() {
		return w.currentFailure()
	}
	if w.stopping.Load() {
		return apperrors.New(apperrors.CodeRunNotOpen, "bgwriter", "enqueue", "writer is stopping").WithRun(ev.RunID, ev.Step)
	}
	done := make(chan error, 1)
	w.enqueued.Add(1)

	j := job{event: ev, done: done}
	switch w.policy {
	case types.QueueFullBlock:
		select {
		case w.queue <- j:
		case <-ctx.Done():
			return ctx.Err()
		}
	default:
		select {
		case w.queue <- j:
		default:
			w.queueFull.Add(1)
			return apperrors.New(apperrors.CodeQueueOverflow, "bgwriter", "enqueue",
				"write queue saturated").WithRun(ev.RunID, ev.Step)
		}
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop drains the queue, stops the writer goroutine, and returns the
// sticky failure (if any). Cancelling a stop is forbidden by spec.md §5;
// callers must let Stop run to completion.
func (w *Writer) Stop() error {
	w.stopping.Store(true)
	close(w.queue)
	w.wg.Wait()
	if w.failed.Load() {
		return w.currentFailure()
	}
	return nil
}

// Stats reports queue activity counters for telemetry.
type Stats struct {
	Enqueued  int64
	Drained   int64
	QueueFull int64
	Failed    bool
}

// Stats returns a snapshot of writer counters.
func (w *Writer) Stats() Stats {
	return Stats{
		Enqueued:  w.enqueued.Load(),
		Drained:   w.drained.Load(),
		QueueFull: w.queueFull.Load(),
		Failed:    w.failed.Load(),
	}
}
