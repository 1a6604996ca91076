package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/mwhitton/conveyor/internal/errors"
	"github.com/mwhitton/conveyor/internal/job"
	"github.com/mwhitton/conveyor/internal/logger"
	"github.com/mwhitton/conveyor/internal/store"
)

// OutcomeKind classifies the result of one execution attempt.
type OutcomeKind string

const (
	// OutcomeSuccess means the executor returned output; the job completes.
	OutcomeSuccess OutcomeKind = "success"
	// OutcomeRetry means the attempt failed but retries remain; the job
	// returns to pending.
	OutcomeRetry OutcomeKind = "retry"
	// OutcomeFailed means the attempt failed and retries are exhausted.
	OutcomeFailed OutcomeKind = "failed"
	// OutcomeCancelled means a concurrent cancel reached the job first; the
	// terminal state is already written and must not be overwritten.
	OutcomeCancelled OutcomeKind = "cancelled"
)

// Outcome is what an execution attempt reports back to the dispatcher.
type Outcome struct {
	Kind       OutcomeKind
	Output     string
	Reason     string
	RetryCount int // retry count after this attempt
}

// execResult carries the executor's return across the goroutine boundary.
type execResult struct {
	output string
	err    error
}

// Execute runs a single attempt of the job snapshot against the executor.
//
// The attempt is bounded by the job's timeout. A cooperative cancel hook is
// installed in the store for the duration of the run so a concurrent cancel
// fires the executor's context. Panics from the executor are captured and
// converted to failure outcomes; they never take down the worker.
func Execute(ctx context.Context, snap job.Job, exec Executor, st *store.Store, log logger.Logger) Outcome {
	runCtx, cancel := context.WithTimeout(ctx, snap.Timeout())
	defer cancel()

	st.SetCancel(snap.ID, cancel)
	defer st.ClearCancel(snap.ID)

	// A cancel that landed between the running transition and the hook
	// install above found nothing to fire; check once before starting the
	// attempt so it does not run against a never-cancelled context.
	if cancelled(st, snap.ID) {
		return Outcome{Kind: OutcomeCancelled}
	}

	jobCtx := logger.WithJobID(runCtx, snap.ID)

	// The executor runs in its own goroutine so a non-cooperative command
	// cannot hold the worker past the deadline.
	resultCh := make(chan execResult, 1)
	go func() {
		defer func() {
			if err := errors.Recovered(recover()); err != nil {
				resultCh <- execResult{err: fmt.Errorf("executor fault: %w", err)}
			}
		}()
		out, err := exec(runCtx, snap.Command)
		resultCh <- execResult{output: out, err: err}
	}()

	var res execResult
	select {
	case res = <-resultCh:
	case <-runCtx.Done():
		if cancelled(st, snap.ID) {
			log.InfoContext(jobCtx, "Execution aborted by cancel")
			return Outcome{Kind: OutcomeCancelled}
		}
		res = execResult{err: fmt.Errorf("job timed out after %d ms", snap.TimeoutMs)}
	}

	// Cooperative checkpoint before reporting: a cancel that landed while the
	// executor was returning owns the terminal state.
	if cancelled(st, snap.ID) {
		return Outcome{Kind: OutcomeCancelled}
	}

	if res.err == nil {
		return Outcome{
			Kind:       OutcomeSuccess,
			Output:     res.output,
			RetryCount: snap.RetryCount,
		}
	}

	reason := res.err.Error()
	if runCtx.Err() == context.DeadlineExceeded {
		reason = fmt.Sprintf("job timed out after %d ms", snap.TimeoutMs)
	}

	retryCount := snap.RetryCount + 1
	if retryCount <= snap.MaxRetries {
		log.WarnContext(jobCtx, "Attempt failed, will retry",
			"retry_count", retryCount, "max_retries", snap.MaxRetries, "reason", reason)
		return Outcome{Kind: OutcomeRetry, Reason: reason, RetryCount: retryCount}
	}

	log.ErrorContext(jobCtx, "Attempt failed, retries exhausted",
		"retry_count", retryCount, "max_retries", snap.MaxRetries, "reason", reason)
	return Outcome{Kind: OutcomeFailed, Reason: reason, RetryCount: retryCount}
}

// cancelled reports whether the store shows a cancelled terminal state.
func cancelled(st *store.Store, id string) bool {
	current, err := st.Get(id)
	return err == nil && current.Status == job.StatusCancelled
}

// Now returns the current UTC time; split out so transitions across the
// package stamp timestamps consistently.
func Now() time.Time {
	return time.Now().UTC()
}
