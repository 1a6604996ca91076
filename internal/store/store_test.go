package store

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mwhitton/conveyor/internal/errors"
	"github.com/mwhitton/conveyor/internal/job"
)

func newJob(command string, created time.Time, status job.Status) *job.Job {
	j := job.New(command, job.PriorityNormal, 1000, 0)
	j.CreatedAt = created
	j.Status = status
	return j
}

func TestInsertAndGet(t *testing.T) {
	s := New()
	j := job.New("echo hi", job.PriorityNormal, 1000, 3)

	require.NoError(t, s.Insert(j))

	got, err := s.Get(j.ID)
	require.NoError(t, err)
	assert.Equal(t, j.ID, got.ID)
	assert.Equal(t, "echo hi", got.Command)
}

func TestInsert_DuplicateID(t *testing.T) {
	s := New()
	j := job.New("x", job.PriorityNormal, 1000, 0)

	require.NoError(t, s.Insert(j))
	err := s.Insert(j)
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindDuplicateID))
}

func TestGet_NotFound(t *testing.T) {
	s := New()
	_, err := s.Get("nope")
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindNotFound))
}

func TestUpdate(t *testing.T) {
	s := New()
	j := job.New("x", job.PriorityNormal, 1000, 0)
	require.NoError(t, s.Insert(j))

	updated, err := s.Update(j.ID, func(j *job.Job) error {
		j.Status = job.StatusRunning
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, job.StatusRunning, updated.Status)

	got, err := s.Get(j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusRunning, got.Status)
}

func TestUpdate_MutatorErrorLeavesRecordUnchanged(t *testing.T) {
	s := New()
	j := job.New("x", job.PriorityNormal, 1000, 0)
	require.NoError(t, s.Insert(j))

	boom := fmt.Errorf("rejected")
	_, err := s.Update(j.ID, func(j *job.Job) error {
		j.Status = job.StatusFailed
		return boom
	})
	assert.ErrorIs(t, err, boom)

	got, _ := s.Get(j.ID)
	assert.Equal(t, job.StatusPending, got.Status)
}

func TestUpdate_SerialisedPerID(t *testing.T) {
	s := New()
	j := job.New("x", job.PriorityNormal, 1000, 0)
	require.NoError(t, s.Insert(j))

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Update(j.ID, func(j *job.Job) error {
				j.RetryCount++
				return nil
			})
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	got, _ := s.Get(j.ID)
	assert.Equal(t, 100, got.RetryCount, "lost update under concurrent mutation")
}

func TestCancelRunning_FiresHook(t *testing.T) {
	s := New()
	j := job.New("x", job.PriorityNormal, 1000, 0)
	j.Status = job.StatusRunning
	require.NoError(t, s.Insert(j))

	fired := make(chan struct{})
	s.SetCancel(j.ID, func() { close(fired) })

	updated, err := s.CancelRunning(j.ID, func(j *job.Job) error {
		j.Status = job.StatusCancelled
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, job.StatusCancelled, updated.Status)

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("cancel hook never fired")
	}
}

func TestClearCancel(t *testing.T) {
	s := New()
	j := job.New("x", job.PriorityNormal, 1000, 0)
	require.NoError(t, s.Insert(j))

	fired := false
	s.SetCancel(j.ID, func() { fired = true })
	s.ClearCancel(j.ID)

	_, err := s.CancelRunning(j.ID, func(j *job.Job) error {
		j.Status = job.StatusCancelled
		return nil
	})
	require.NoError(t, err)
	assert.False(t, fired, "hook fired after being cleared")
}

func TestList_FilterSortPaginate(t *testing.T) {
	s := New()
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	// 10 completed, 5 pending, interleaved creation times
	for i := 0; i < 15; i++ {
		status := job.StatusCompleted
		if i%3 == 2 {
			status = job.StatusPending
		}
		require.NoError(t, s.Insert(newJob(fmt.Sprintf("job-%d", i), base.Add(time.Duration(i)*time.Second), status)))
	}

	items, total := s.List(job.StatusCompleted, 4, 2)
	assert.Equal(t, 10, total)
	require.Len(t, items, 4)
	for _, it := range items {
		assert.Equal(t, job.StatusCompleted, it.Status)
	}
	for i := 1; i < len(items); i++ {
		assert.True(t, !items[i].CreatedAt.After(items[i-1].CreatedAt),
			"items must be sorted by created_at descending")
	}

	// FilterAny matches all
	_, total = s.List(FilterAny, 100, 0)
	assert.Equal(t, 15, total)
}

func TestList_OffsetBeyondTotal(t *testing.T) {
	s := New()
	require.NoError(t, s.Insert(job.New("x", job.PriorityNormal, 1000, 0)))

	items, total := s.List(FilterAny, 10, 50)
	assert.Empty(t, items)
	assert.Equal(t, 1, total)
}

func TestList_ClampsDefensively(t *testing.T) {
	s := New()
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Insert(job.New("x", job.PriorityNormal, 1000, 0)))
	}

	items, _ := s.List(FilterAny, -1, -7)
	assert.Len(t, items, 5) // bad limit falls back to default, bad offset to 0

	items, _ = s.List(FilterAny, MaxLimit+500, 0)
	assert.Len(t, items, 5)
}

func TestClear(t *testing.T) {
	s := New()
	require.NoError(t, s.Insert(job.New("x", job.PriorityNormal, 1000, 0)))
	require.Equal(t, 1, s.Count())

	s.Clear()
	assert.Zero(t, s.Count())
}

func TestConcurrentInserts_AllVisible(t *testing.T) {
	s := New()

	var wg sync.WaitGroup
	const n = 500
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, s.Insert(job.New("x", job.PriorityNormal, 1000, 0)))
		}()
	}
	wg.Wait()

	assert.Equal(t, n, s.Count())
}
