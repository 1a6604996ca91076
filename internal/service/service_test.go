package service

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mwhitton/conveyor/internal/dispatcher"
	"github.com/mwhitton/conveyor/internal/errors"
	"github.com/mwhitton/conveyor/internal/job"
	"github.com/mwhitton/conveyor/internal/logger"
	"github.com/mwhitton/conveyor/internal/queue"
	"github.com/mwhitton/conveyor/internal/store"
	"github.com/mwhitton/conveyor/internal/worker"
)

func intPtr(v int) *int       { return &v }
func strPtr(v string) *string { return &v }

// newService builds a service over real components. The dispatcher is wired
// but not started; these tests exercise the boundary, not execution.
func newService(t *testing.T) (*Service, *store.Store, *queue.PriorityQueue) {
	t.Helper()

	log := &logger.NoOpLogger{}
	st := store.New()
	q := queue.New()
	p := worker.NewPool(2, 1, log)
	d := dispatcher.New(dispatcher.Config{
		MaxWorkers:      2,
		MinWorkers:      1,
		PollInterval:    5 * time.Millisecond,
		CapacityBackoff: 5 * time.Millisecond,
	}, st, q, p, worker.Echo(), nil, log)

	t.Cleanup(p.Shutdown)

	svc := New(Options{
		DefaultTimeoutMs:  30000,
		DefaultMaxRetries: 3,
		QueueCapacity:     1000,
	}, st, q, p, d, nil, log)
	return svc, st, q
}

func TestEnqueue_AppliesDefaults(t *testing.T) {
	svc, st, q := newService(t)

	j, err := svc.Enqueue(EnqueueParams{Command: "echo hi"})
	require.NoError(t, err)

	assert.Equal(t, job.PriorityNormal, j.Priority)
	assert.Equal(t, 30000, j.TimeoutMs)
	assert.Equal(t, 3, j.MaxRetries)
	assert.Equal(t, job.StatusPending, j.Status)

	stored, err := st.Get(j.ID)
	require.NoError(t, err)
	assert.Equal(t, j.ID, stored.ID)
	assert.True(t, q.Contains(j.ID))
}

func TestEnqueue_ExplicitZeroMaxRetries(t *testing.T) {
	svc, _, _ := newService(t)

	j, err := svc.Enqueue(EnqueueParams{
		Command:    "echo hi",
		MaxRetries: intPtr(0),
	})
	require.NoError(t, err)
	assert.Zero(t, j.MaxRetries, "explicit 0 must not fall back to the default")
}

func TestEnqueue_ValidationFailures(t *testing.T) {
	svc, st, _ := newService(t)

	tests := []struct {
		name   string
		params EnqueueParams
	}{
		{"empty command", EnqueueParams{Command: ""}},
		{"whitespace command", EnqueueParams{Command: "  \t "}},
		{"unknown priority", EnqueueParams{Command: "x", Priority: job.Priority("urgent")}},
		{"zero timeout", EnqueueParams{Command: "x", TimeoutMs: intPtr(0)}},
		{"negative retries", EnqueueParams{Command: "x", MaxRetries: intPtr(-1)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Enqueue(tt.params)
			require.Error(t, err)
			assert.True(t, errors.IsKind(err, errors.KindInvalidArgument))
		})
	}
	assert.Zero(t, st.Count(), "rejected requests must not leave records behind")
}

func TestEnqueue_ConcurrentUniqueIDs(t *testing.T) {
	svc, st, _ := newService(t)

	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := make(map[string]bool)
	const n = 1000

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			j, err := svc.Enqueue(EnqueueParams{Command: fmt.Sprintf("job %d", i)})
			require.NoError(t, err)
			mu.Lock()
			seen[j.ID] = true
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	assert.Len(t, seen, n)
	assert.Equal(t, n, st.Count())
}

func TestGet(t *testing.T) {
	svc, _, _ := newService(t)

	j, err := svc.Enqueue(EnqueueParams{Command: "echo hi"})
	require.NoError(t, err)

	got, err := svc.Get(j.ID)
	require.NoError(t, err)
	assert.Equal(t, j.ID, got.ID)

	_, err = svc.Get("missing")
	assert.True(t, errors.IsKind(err, errors.KindNotFound))

	_, err = svc.Get("  ")
	assert.True(t, errors.IsKind(err, errors.KindInvalidArgument))
}

func TestList(t *testing.T) {
	svc, _, _ := newService(t)

	for i := 0; i < 7; i++ {
		_, err := svc.Enqueue(EnqueueParams{Command: fmt.Sprintf("job %d", i)})
		require.NoError(t, err)
	}

	res, err := svc.List(ListParams{Limit: intPtr(3)})
	require.NoError(t, err)
	assert.Len(t, res.Items, 3)
	assert.Equal(t, 7, res.Total)
	assert.Equal(t, 3, res.Limit)

	// Newest first
	for i := 1; i < len(res.Items); i++ {
		assert.False(t, res.Items[i].CreatedAt.After(res.Items[i-1].CreatedAt))
	}
}

func TestList_Validation(t *testing.T) {
	svc, _, _ := newService(t)

	_, err := svc.List(ListParams{Status: strPtr("bogus")})
	assert.True(t, errors.IsKind(err, errors.KindInvalidArgument))

	_, err = svc.List(ListParams{Limit: intPtr(0)})
	assert.True(t, errors.IsKind(err, errors.KindInvalidArgument))

	_, err = svc.List(ListParams{Offset: intPtr(-1)})
	assert.True(t, errors.IsKind(err, errors.KindInvalidArgument))
}

func TestList_ClampsOversizedLimit(t *testing.T) {
	svc, _, _ := newService(t)

	res, err := svc.List(ListParams{Limit: intPtr(99999)})
	require.NoError(t, err)
	assert.Equal(t, store.MaxLimit, res.Limit)
}

func TestList_OffsetBeyondTotal(t *testing.T) {
	svc, _, _ := newService(t)

	_, err := svc.Enqueue(EnqueueParams{Command: "x"})
	require.NoError(t, err)

	res, err := svc.List(ListParams{Offset: intPtr(100)})
	require.NoError(t, err)
	assert.Empty(t, res.Items)
	assert.Equal(t, 1, res.Total)
}

func TestCancel_PendingJob(t *testing.T) {
	svc, _, q := newService(t)

	j, err := svc.Enqueue(EnqueueParams{Command: "echo hi"})
	require.NoError(t, err)

	cancelled, err := svc.Cancel(j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusCancelled, cancelled.Status)
	assert.NotNil(t, cancelled.CompletedAt)
	assert.False(t, q.Contains(j.ID), "cancelled pending job must leave the queue")
}

func TestCancel_TerminalIsIdempotent(t *testing.T) {
	svc, st, _ := newService(t)

	j, err := svc.Enqueue(EnqueueParams{Command: "echo hi"})
	require.NoError(t, err)

	_, err = st.Update(j.ID, func(j *job.Job) error {
		j.Status = job.StatusCancelled
		return nil
	})
	require.NoError(t, err)

	got, err := svc.Cancel(j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusCancelled, got.Status)

	// A completed job stays completed.
	done, err := svc.Enqueue(EnqueueParams{Command: "x"})
	require.NoError(t, err)
	_, err = st.Update(done.ID, func(j *job.Job) error {
		j.Status = job.StatusRunning
		return nil
	})
	require.NoError(t, err)
	_, err = st.Update(done.ID, func(j *job.Job) error {
		j.Status = job.StatusCompleted
		return nil
	})
	require.NoError(t, err)

	got, err = svc.Cancel(done.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusCompleted, got.Status)
}

func TestCancel_NotFound(t *testing.T) {
	svc, _, _ := newService(t)

	_, err := svc.Cancel("missing")
	assert.True(t, errors.IsKind(err, errors.KindNotFound))
}

func TestStats(t *testing.T) {
	svc, st, _ := newService(t)

	for i := 0; i < 3; i++ {
		_, err := svc.Enqueue(EnqueueParams{Command: "x"})
		require.NoError(t, err)
	}
	j, err := svc.Enqueue(EnqueueParams{Command: "y", Priority: job.PriorityHigh})
	require.NoError(t, err)
	_, err = st.Update(j.ID, func(j *job.Job) error {
		j.Status = job.StatusRunning
		return nil
	})
	require.NoError(t, err)

	stats := svc.Stats()
	assert.Equal(t, 4, stats.TotalJobs)
	assert.Equal(t, 3, stats.JobsByStatus[job.StatusPending])
	assert.Equal(t, 1, stats.JobsByStatus[job.StatusRunning])
	assert.Equal(t, 3, stats.QueueDepths[job.PriorityNormal])
	assert.Equal(t, 1, stats.QueueDepths[job.PriorityHigh])
}

func TestClear(t *testing.T) {
	svc, st, q := newService(t)

	for i := 0; i < 3; i++ {
		_, err := svc.Enqueue(EnqueueParams{Command: "x"})
		require.NoError(t, err)
	}

	svc.Clear()
	assert.Zero(t, st.Count())
	assert.Zero(t, q.Len())
}
