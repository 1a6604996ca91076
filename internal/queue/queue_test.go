package queue

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mwhitton/conveyor/internal/job"
)

func ref(id string, p job.Priority, created time.Time) Ref {
	return Ref{ID: id, Priority: p, CreatedAt: created}
}

func TestPushPop_FIFOWithinPriority(t *testing.T) {
	q := New()
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	q.Push(ref("a", job.PriorityNormal, base))
	q.Push(ref("b", job.PriorityNormal, base.Add(time.Second)))
	q.Push(ref("c", job.PriorityNormal, base.Add(2*time.Second)))

	for _, want := range []string{"a", "b", "c"} {
		got, ok := q.PopFront()
		require.True(t, ok)
		assert.Equal(t, want, got.ID)
	}
	_, ok := q.PopFront()
	assert.False(t, ok)
}

func TestPopFront_PriorityOrder(t *testing.T) {
	q := New()
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	// Enqueue low first so priority, not arrival, decides the order.
	q.Push(ref("low", job.PriorityLow, base))
	q.Push(ref("normal", job.PriorityNormal, base.Add(time.Second)))
	q.Push(ref("high", job.PriorityHigh, base.Add(2*time.Second)))

	for _, want := range []string{"high", "normal", "low"} {
		got, ok := q.PopFront()
		require.True(t, ok)
		assert.Equal(t, want, got.ID)
	}
}

func TestPush_RetriedJobReentersAheadOfNewerPeers(t *testing.T) {
	q := New()
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	old := ref("old", job.PriorityNormal, base)
	q.Push(old)
	q.Push(ref("newer", job.PriorityNormal, base.Add(time.Minute)))

	popped, _ := q.PopFront()
	require.Equal(t, "old", popped.ID)

	// The old job failed and is pushed back; its creation time predates
	// the remaining peer, so it must dispatch first.
	q.Push(old)

	next, _ := q.PopFront()
	assert.Equal(t, "old", next.ID)
}

func TestPush_DuplicateIgnored(t *testing.T) {
	q := New()
	r := ref("a", job.PriorityNormal, time.Now())

	q.Push(r)
	q.Push(r)
	assert.Equal(t, 1, q.Len())
}

func TestRemove(t *testing.T) {
	q := New()
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	q.Push(ref("a", job.PriorityHigh, base))
	q.Push(ref("b", job.PriorityNormal, base))

	assert.True(t, q.Remove("a"))
	assert.False(t, q.Remove("a"), "second remove of the same id")
	assert.False(t, q.Remove("missing"))
	assert.False(t, q.Contains("a"))
	assert.True(t, q.Contains("b"))
	assert.Equal(t, 1, q.Len())
}

func TestLenByPriority(t *testing.T) {
	q := New()
	now := time.Now()

	q.Push(ref("h1", job.PriorityHigh, now))
	q.Push(ref("h2", job.PriorityHigh, now))
	q.Push(ref("l1", job.PriorityLow, now))

	assert.Equal(t, 2, q.LenByPriority(job.PriorityHigh))
	assert.Equal(t, 0, q.LenByPriority(job.PriorityNormal))
	assert.Equal(t, 1, q.LenByPriority(job.PriorityLow))
}

func TestDrain(t *testing.T) {
	q := New()
	now := time.Now()

	for i := 0; i < 5; i++ {
		q.Push(ref(fmt.Sprintf("j%d", i), job.PriorityNormal, now.Add(time.Duration(i)*time.Millisecond)))
	}

	refs := q.Drain()
	assert.Len(t, refs, 5)
	assert.Zero(t, q.Len())
	_, ok := q.PopFront()
	assert.False(t, ok)
}

func TestConcurrentPushPop(t *testing.T) {
	q := New()
	const n = 200

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			q.Push(ref(fmt.Sprintf("job-%d", i), job.PriorityNormal, time.Now()))
		}(i)
	}
	wg.Wait()
	require.Equal(t, n, q.Len())

	seen := make(map[string]bool)
	var mu sync.Mutex
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, ok := q.PopFront()
			if ok {
				mu.Lock()
				seen[r.ID] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, n, "every queued ref popped exactly once")
	assert.Zero(t, q.Len())
}
