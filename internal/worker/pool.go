package worker

import (
	"fmt"
	"time"

	"sync"

	"github.com/mwhitton/conveyor/internal/errors"
	"github.com/mwhitton/conveyor/internal/logger"
)

// Restart budget for the worker harness. A handle whose goroutine faults is
// respawned at most restartLimit times per restartWindow before the pool
// gives up and runs degraded.
const (
	restartLimit  = 5
	restartWindow = 30 * time.Second
)

// ErrExhausted is returned by Acquire when every slot is busy.
var ErrExhausted = errors.New(errors.KindCapacityExhausted, "worker pool exhausted")

// Handle is one worker slot: a goroutine draining a task channel. The
// dispatcher submits closures; the handle runs them one at a time.
type Handle struct {
	id        int
	pool      *Pool
	tasks     chan func()
	quit      chan struct{}
	idleSince time.Time
}

// ID returns the worker's identifier, used for logging.
func (h *Handle) ID() string {
	return fmt.Sprintf("worker-%d", h.id)
}

// Submit hands a task to the worker. Returns an error when the worker has
// been terminated.
func (h *Handle) Submit(task func()) error {
	select {
	case h.tasks <- task:
		return nil
	case <-h.quit:
		return errors.New(errors.KindInternal, "worker %s is terminated", h.ID())
	}
}

// loop drains the task channel until the handle is terminated. A panic that
// escapes a task is a harness fault; the pool decides whether to respawn.
func (h *Handle) loop() {
	defer func() {
		if err := errors.Recovered(recover()); err != nil {
			h.pool.log.Error("Worker harness fault",
				"worker_id", h.ID(), "detail", errors.FormatPanicForLog(err))
			h.pool.restart(h)
		}
	}()

	for {
		select {
		case <-h.quit:
			return
		case task := <-h.tasks:
			task()
		}
	}
}

// Pool maintains a bounded, dynamic set of workers. Workers are spawned on
// demand up to max, parked on release, and reaped by CleanupIdle down to min.
type Pool struct {
	mu       sync.Mutex
	max      int
	min      int
	nextID   int
	idle     []*Handle // oldest-idle first
	active   map[int]*Handle
	restarts []time.Time
	stopped  bool
	log      logger.Logger
}

// NewPool creates a pool with the given bounds. min workers are kept alive
// through idle cleanup; nothing is spawned until first acquisition.
func NewPool(maxWorkers, minWorkers int, log logger.Logger) *Pool {
	if log == nil {
		log = logger.Default()
	}
	return &Pool{
		max:    maxWorkers,
		min:    minWorkers,
		active: make(map[int]*Handle),
		log:    log.WithComponent(logger.ComponentPool),
	}
}

// Acquire returns a worker handle, reusing an idle worker when one exists.
// Fails with capacity_exhausted once max workers are busy.
func (p *Pool) Acquire() (*Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return nil, errors.New(errors.KindInternal, "worker pool is shut down")
	}
	if len(p.active) >= p.max {
		return nil, ErrExhausted
	}

	var h *Handle
	if n := len(p.idle); n > 0 {
		// Most-recently-parked first; the oldest stay at the front for reaping.
		h = p.idle[n-1]
		p.idle = p.idle[:n-1]
	} else {
		h = p.spawn()
	}

	p.active[h.id] = h
	return h, nil
}

// Release parks the worker back in the idle set.
func (p *Pool) Release(h *Handle) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.active, h.id)
	if p.stopped {
		close(h.quit)
		return
	}
	h.idleSince = time.Now()
	p.idle = append(p.idle, h)
}

// ActiveCount returns the number of workers currently executing jobs.
func (p *Pool) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.active)
}

// LiveCount returns the total number of worker goroutines, busy or idle.
func (p *Pool) LiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.active) + len(p.idle)
}

// CleanupIdle terminates the oldest idle workers until no more than min
// workers remain alive. Busy workers are never touched, so a worker cannot
// be reaped after being handed a job.
func (p *Pool) CleanupIdle(min int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for len(p.idle) > 0 && len(p.active)+len(p.idle) > min {
		h := p.idle[0]
		p.idle = p.idle[1:]
		close(h.quit)
		p.log.Debug("Reaped idle worker", "worker_id", h.ID())
	}
}

// Shutdown terminates all workers. Busy workers finish their current task
// and exit on release.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return
	}
	p.stopped = true

	for _, h := range p.idle {
		close(h.quit)
	}
	p.idle = nil
	// Active handles drain on Release; their quit channel closes there.
	p.log.Info("Worker pool shut down", "still_busy", len(p.active))
}

// spawn creates a new worker goroutine. Caller holds p.mu.
func (p *Pool) spawn() *Handle {
	p.nextID++
	h := &Handle{
		id:    p.nextID,
		pool:  p,
		tasks: make(chan func()),
		quit:  make(chan struct{}),
	}
	go h.loop()
	p.log.Debug("Spawned worker", "worker_id", h.ID())
	return h
}

// restart replaces a faulted handle, bounded by the restart budget. Past the
// budget the pool logs and runs with one slot fewer.
func (p *Pool) restart(h *Handle) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.active, h.id)
	for i, idle := range p.idle {
		if idle.id == h.id {
			p.idle = append(p.idle[:i], p.idle[i+1:]...)
			break
		}
	}

	if p.stopped {
		return
	}

	cutoff := time.Now().Add(-restartWindow)
	kept := p.restarts[:0]
	for _, t := range p.restarts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	p.restarts = kept

	if len(p.restarts) >= restartLimit {
		p.log.Error("Worker restart budget exhausted, not respawning",
			"worker_id", h.ID(), "restarts_in_window", len(p.restarts))
		return
	}
	p.restarts = append(p.restarts, time.Now())

	replacement := p.spawn()
	replacement.idleSince = time.Now()
	p.idle = append(p.idle, replacement)
	p.log.Warn("Restarted faulted worker",
		"old_worker_id", h.ID(), "new_worker_id", replacement.ID())
}
