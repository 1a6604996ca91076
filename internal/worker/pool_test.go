package worker

import (
	"sync"
	"testing"
	"time"

	"github.com/mwhitton/conveyor/internal/errors"
	"github.com/mwhitton/conveyor/internal/logger"
)

func newTestPool(max, min int) *Pool {
	return NewPool(max, min, &logger.NoOpLogger{})
}

func TestAcquireRelease(t *testing.T) {
	p := newTestPool(3, 1)
	defer p.Shutdown()

	h, err := p.Acquire()
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if got := p.ActiveCount(); got != 1 {
		t.Errorf("ActiveCount = %d, want 1", got)
	}

	p.Release(h)
	if got := p.ActiveCount(); got != 0 {
		t.Errorf("ActiveCount after release = %d, want 0", got)
	}
	if got := p.LiveCount(); got != 1 {
		t.Errorf("LiveCount after release = %d, want 1 (parked idle)", got)
	}
}

func TestAcquire_ReusesIdleWorker(t *testing.T) {
	p := newTestPool(3, 1)
	defer p.Shutdown()

	h1, _ := p.Acquire()
	id := h1.ID()
	p.Release(h1)

	h2, err := p.Acquire()
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if h2.ID() != id {
		t.Errorf("expected idle worker %s to be reused, got %s", id, h2.ID())
	}
}

func TestAcquire_Exhausted(t *testing.T) {
	p := newTestPool(2, 1)
	defer p.Shutdown()

	h1, _ := p.Acquire()
	h2, _ := p.Acquire()

	_, err := p.Acquire()
	if err != ErrExhausted {
		t.Fatalf("expected ErrExhausted, got %v", err)
	}
	if !errors.IsKind(err, errors.KindCapacityExhausted) {
		t.Errorf("exhaustion error has kind %s", errors.KindOf(err))
	}

	// Releasing one slot makes acquisition possible again.
	p.Release(h1)
	h3, err := p.Acquire()
	if err != nil {
		t.Fatalf("Acquire after release failed: %v", err)
	}
	p.Release(h2)
	p.Release(h3)
}

func TestSubmit_RunsTask(t *testing.T) {
	p := newTestPool(1, 1)
	defer p.Shutdown()

	h, _ := p.Acquire()
	done := make(chan struct{})
	if err := h.Submit(func() { close(done) }); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("task never ran")
	}
	p.Release(h)
}

func TestSubmit_SerialisesTasksPerWorker(t *testing.T) {
	p := newTestPool(1, 1)
	defer p.Shutdown()

	h, _ := p.Acquire()

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		i := i
		if err := h.Submit(func() {
			defer wg.Done()
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		}); err != nil {
			t.Fatalf("Submit %d failed: %v", i, err)
		}
	}
	wg.Wait()

	for i, got := range order {
		if got != i {
			t.Fatalf("tasks ran out of order: %v", order)
		}
	}
	p.Release(h)
}

func TestCleanupIdle(t *testing.T) {
	p := newTestPool(5, 1)
	defer p.Shutdown()

	handles := make([]*Handle, 0, 4)
	for i := 0; i < 4; i++ {
		h, err := p.Acquire()
		if err != nil {
			t.Fatalf("Acquire %d failed: %v", i, err)
		}
		handles = append(handles, h)
	}
	for _, h := range handles {
		p.Release(h)
	}
	if got := p.LiveCount(); got != 4 {
		t.Fatalf("LiveCount = %d, want 4", got)
	}

	p.CleanupIdle(1)
	if got := p.LiveCount(); got != 1 {
		t.Errorf("LiveCount after cleanup = %d, want 1", got)
	}
}

func TestCleanupIdle_NeverReapsBusyWorkers(t *testing.T) {
	p := newTestPool(3, 1)
	defer p.Shutdown()

	busy, _ := p.Acquire()
	idle, _ := p.Acquire()
	p.Release(idle)

	p.CleanupIdle(1)

	if got := p.ActiveCount(); got != 1 {
		t.Errorf("ActiveCount = %d, want 1", got)
	}
	// The busy worker must still accept tasks.
	done := make(chan struct{})
	if err := busy.Submit(func() { close(done) }); err != nil {
		t.Fatalf("busy worker rejected task after cleanup: %v", err)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("busy worker never ran task after cleanup")
	}
	p.Release(busy)
}

func TestShutdown(t *testing.T) {
	p := newTestPool(3, 1)

	h, _ := p.Acquire()
	idle, _ := p.Acquire()
	p.Release(idle)

	p.Shutdown()

	if _, err := p.Acquire(); err == nil {
		t.Error("Acquire after shutdown should fail")
	}

	// A busy worker released after shutdown terminates instead of parking.
	p.Release(h)
	if err := h.Submit(func() {}); err == nil {
		t.Error("Submit to terminated worker should fail")
	}
}

func TestRestart_RespawnsFaultedWorker(t *testing.T) {
	p := newTestPool(2, 1)
	defer p.Shutdown()

	h, _ := p.Acquire()
	if err := h.Submit(func() { panic("task fault") }); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	// The faulted handle is replaced by a fresh idle worker.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if p.LiveCount() == 1 && p.ActiveCount() == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("faulted worker not replaced: live=%d active=%d", p.LiveCount(), p.ActiveCount())
}
