// Package dispatcher pairs pending jobs with workers and drives lifecycle
// transitions on the store.
package dispatcher

import (
	"context"
	"sync"
	"time"

	"github.com/mwhitton/conveyor/internal/errors"
	"github.com/mwhitton/conveyor/internal/job"
	"github.com/mwhitton/conveyor/internal/logger"
	"github.com/mwhitton/conveyor/internal/metrics"
	"github.com/mwhitton/conveyor/internal/queue"
	"github.com/mwhitton/conveyor/internal/store"
	"github.com/mwhitton/conveyor/internal/worker"
)

// Supervisor restart policy: exponential backoff between restarts, and a
// bounded restart rate before the dispatcher is declared dead.
const (
	initialRestartBackoff = time.Second
	maxRestartBackoff     = 30 * time.Second
	supervisorLimit       = 10
	supervisorWindow      = 5 * time.Minute
)

// errSkipDispatch marks a dequeued reference whose job is no longer pending.
var errSkipDispatch = errors.New(errors.KindInternal, "job no longer pending")

// Config carries the dispatcher's tuning knobs.
type Config struct {
	MaxWorkers      int
	MinWorkers      int
	PollInterval    time.Duration
	CapacityBackoff time.Duration
}

// Dispatcher is the single logical loop of the system. One goroutine runs
// iterations; execution outcomes arrive asynchronously on worker goroutines
// so one slow job never blocks scheduling.
type Dispatcher struct {
	cfg     Config
	store   *store.Store
	queue   *queue.PriorityQueue
	pool    *worker.Pool
	exec    worker.Executor
	metrics *metrics.Collector
	log     logger.Logger

	wake     chan struct{}
	stopChan chan struct{}
	loopWG   sync.WaitGroup
	taskWG   sync.WaitGroup

	mu      sync.Mutex
	started bool
	stopped bool
}

// New wires a dispatcher. The metrics collector may be nil.
func New(cfg Config, st *store.Store, q *queue.PriorityQueue, p *worker.Pool, exec worker.Executor, m *metrics.Collector, log logger.Logger) *Dispatcher {
	if log == nil {
		log = logger.Default()
	}
	return &Dispatcher{
		cfg:      cfg,
		store:    st,
		queue:    q,
		pool:     p,
		exec:     exec,
		metrics:  m,
		log:      log.WithComponent(logger.ComponentDispatcher),
		wake:     make(chan struct{}, 1),
		stopChan: make(chan struct{}),
	}
}

// Start launches the supervised dispatch loop. Safe to call once.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return
	}
	d.started = true

	d.loopWG.Add(1)
	go d.supervise()
}

// Stop terminates the loop and waits for in-flight executions to report.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.started || d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	d.mu.Unlock()

	close(d.stopChan)
	d.loopWG.Wait()
	d.taskWG.Wait()
	d.log.Info("Dispatcher stopped")
}

// Notify wakes the loop after an enqueue so dispatch latency is not bounded
// by the poll interval.
func (d *Dispatcher) Notify() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// supervise restarts the loop on faults with bounded exponential backoff.
// Past the restart budget it logs a fatal condition and gives up.
func (d *Dispatcher) supervise() {
	defer d.loopWG.Done()

	backoff := initialRestartBackoff
	var restarts []time.Time

	for {
		faulted := d.run()
		if !faulted {
			return
		}

		cutoff := time.Now().Add(-supervisorWindow)
		kept := restarts[:0]
		for _, t := range restarts {
			if t.After(cutoff) {
				kept = append(kept, t)
			}
		}
		restarts = append(kept, time.Now())

		if len(restarts) > supervisorLimit {
			d.log.Error("Dispatcher restart budget exhausted, giving up",
				"restarts_in_window", len(restarts))
			return
		}

		d.log.Warn("Restarting dispatcher after fault", "backoff", backoff)
		if !d.sleep(backoff) {
			return
		}
		backoff *= 2
		if backoff > maxRestartBackoff {
			backoff = maxRestartBackoff
		}
	}
}

// run iterates until stop. Returns true when it exited on a fault and the
// supervisor should restart it.
func (d *Dispatcher) run() (faulted bool) {
	defer func() {
		if err := errors.Recovered(recover()); err != nil {
			d.log.Error("Dispatcher loop fault", "detail", errors.FormatPanicForLog(err))
			faulted = true
		}
	}()

	d.log.Info("Dispatcher started",
		"max_workers", d.cfg.MaxWorkers, "poll_interval", d.cfg.PollInterval)

	for {
		select {
		case <-d.stopChan:
			return false
		default:
		}

		d.publishGauges()

		if d.pool.ActiveCount() >= d.cfg.MaxWorkers {
			if !d.sleep(d.cfg.CapacityBackoff) {
				return false
			}
			continue
		}

		ref, ok := d.queue.PopFront()
		if !ok {
			d.pool.CleanupIdle(d.cfg.MinWorkers)
			if !d.sleep(d.cfg.PollInterval) {
				return false
			}
			continue
		}

		d.dispatch(ref)
	}
}

// dispatch binds one queue reference to a worker.
func (d *Dispatcher) dispatch(ref queue.Ref) {
	handle, err := d.pool.Acquire()
	if err != nil {
		// Front position is correct: ref.CreatedAt predates any concurrently
		// enqueued peer of the same priority.
		d.queue.Push(ref)
		if !errors.IsKind(err, errors.KindCapacityExhausted) {
			d.log.Error("Worker acquisition failed", "error", err)
		}
		d.sleep(d.cfg.CapacityBackoff)
		return
	}

	started := worker.Now()
	snap, err := d.store.Update(ref.ID, func(j *job.Job) error {
		if j.Status != job.StatusPending {
			return errSkipDispatch
		}
		j.Status = job.StatusRunning
		j.StartedAt = &started
		return nil
	})
	if err != nil {
		// Cancelled between enqueue and dispatch, or the store faulted.
		// Either way the reference is dropped and the worker returned.
		d.pool.Release(handle)
		if err != errSkipDispatch {
			d.log.Error("Failed to mark job running", "job_id", ref.ID, "error", err)
		}
		return
	}

	if d.metrics != nil {
		d.metrics.RecordDispatched()
	}

	ctx := logger.WithWorkerID(logger.WithJobID(context.Background(), snap.ID), handle.ID())
	d.log.InfoContext(ctx, "Dispatching job", "priority", snap.Priority, "retry_count", snap.RetryCount)

	d.taskWG.Add(1)
	submitErr := handle.Submit(func() {
		defer d.taskWG.Done()
		outcome := worker.Execute(ctx, snap, d.exec, d.store, d.log)
		d.handleOutcome(ctx, ref, outcome, started)
		d.pool.Release(handle)
	})
	if submitErr != nil {
		d.taskWG.Done()
		d.pool.Release(handle)
		d.requeue(ref)
		d.log.Error("Worker rejected job, requeued", "job_id", ref.ID, "error", submitErr)
	}
}

// handleOutcome writes the attempt's result back through the store.
func (d *Dispatcher) handleOutcome(ctx context.Context, ref queue.Ref, outcome worker.Outcome, started time.Time) {
	switch outcome.Kind {
	case worker.OutcomeSuccess:
		_, err := d.store.Update(ref.ID, func(j *job.Job) error {
			if j.Status == job.StatusCancelled {
				return errSkipDispatch
			}
			now := worker.Now()
			j.Status = job.StatusCompleted
			j.Result = outcome.Output
			j.CompletedAt = &now
			return nil
		})
		if err == nil {
			if d.metrics != nil {
				d.metrics.RecordCompleted(time.Since(started).Seconds())
			}
			d.log.InfoContext(ctx, "Job completed", "duration", time.Since(started))
		}

	case worker.OutcomeRetry:
		// A retryable failure transitions straight back to pending; the
		// intermediate failed state never becomes observable.
		_, err := d.store.Update(ref.ID, func(j *job.Job) error {
			if j.Status == job.StatusCancelled {
				return errSkipDispatch
			}
			j.Status = job.StatusPending
			j.RetryCount = outcome.RetryCount
			return nil
		})
		if err == nil {
			d.queue.Push(ref)
			d.Notify()
			if d.metrics != nil {
				d.metrics.RecordRetried()
			}
		}

	case worker.OutcomeFailed:
		_, err := d.store.Update(ref.ID, func(j *job.Job) error {
			if j.Status == job.StatusCancelled {
				return errSkipDispatch
			}
			now := worker.Now()
			j.Status = job.StatusFailed
			j.RetryCount = outcome.RetryCount
			j.Error = outcome.Reason
			j.CompletedAt = &now
			return nil
		})
		if err == nil {
			if d.metrics != nil {
				d.metrics.RecordFailed()
			}
			d.log.WarnContext(ctx, "Job failed", "reason", outcome.Reason)
		}

	case worker.OutcomeCancelled:
		// Terminal state was written by the cancel path; nothing to record.
		d.log.InfoContext(ctx, "Job cancelled during execution")
	}
}

// requeue puts a reference back without touching the store.
func (d *Dispatcher) requeue(ref queue.Ref) {
	_, err := d.store.Update(ref.ID, func(j *job.Job) error {
		if j.Status != job.StatusRunning {
			return errSkipDispatch
		}
		j.Status = job.StatusPending
		return nil
	})
	if err == nil {
		d.queue.Push(ref)
	}
}

// publishGauges refreshes queue depth and worker liveness metrics.
func (d *Dispatcher) publishGauges() {
	if d.metrics == nil {
		return
	}
	for _, p := range []job.Priority{job.PriorityHigh, job.PriorityNormal, job.PriorityLow} {
		d.metrics.SetQueueDepth(p, d.queue.LenByPriority(p))
	}
	d.metrics.SetWorkerCounts(d.pool.ActiveCount(), d.pool.LiveCount())
}

// sleep waits for the duration, a wake-up, or stop. Returns false on stop.
func (d *Dispatcher) sleep(dur time.Duration) bool {
	timer := time.NewTimer(dur)
	defer timer.Stop()

	select {
	case <-d.stopChan:
		return false
	case <-d.wake:
		return true
	case <-timer.C:
		return true
	}
}
