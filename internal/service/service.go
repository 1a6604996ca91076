// Package service is the boundary API the HTTP layer consumes: typed
// operations over the store, queue, pool and dispatcher.
package service

import (
	"strings"

	"github.com/mwhitton/conveyor/internal/dispatcher"
	"github.com/mwhitton/conveyor/internal/errors"
	"github.com/mwhitton/conveyor/internal/job"
	"github.com/mwhitton/conveyor/internal/logger"
	"github.com/mwhitton/conveyor/internal/metrics"
	"github.com/mwhitton/conveyor/internal/queue"
	"github.com/mwhitton/conveyor/internal/store"
	"github.com/mwhitton/conveyor/internal/worker"
)

// Options carries the defaults applied to enqueue requests.
type Options struct {
	DefaultTimeoutMs  int
	DefaultMaxRetries int
	QueueCapacity     int
}

// EnqueueParams are the client-controlled fields of a new job. Pointer
// fields distinguish "absent" from a deliberate zero; max_retries of 0 is
// valid and means exactly one execution attempt.
type EnqueueParams struct {
	Command    string
	Priority   job.Priority
	TimeoutMs  *int
	MaxRetries *int
}

// ListParams select and paginate a snapshot of the store.
type ListParams struct {
	Status *string
	Limit  *int
	Offset *int
}

// ListResult is the page returned by List.
type ListResult struct {
	Items  []job.Job
	Total  int
	Limit  int
	Offset int
}

// Stats is an aggregate snapshot of the system.
type Stats struct {
	TotalJobs     int                 `json:"total_jobs"`
	JobsByStatus  map[job.Status]int  `json:"jobs_by_status"`
	QueueDepths   map[job.Priority]int `json:"queue_depths"`
	ActiveWorkers int                 `json:"active_workers"`
	LiveWorkers   int                 `json:"live_workers"`
}

// Service implements the boundary operations.
type Service struct {
	opts    Options
	store   *store.Store
	queue   *queue.PriorityQueue
	pool    *worker.Pool
	disp    *dispatcher.Dispatcher
	metrics *metrics.Collector
	log     logger.Logger
}

// New wires the boundary over the core components. The metrics collector
// may be nil.
func New(opts Options, st *store.Store, q *queue.PriorityQueue, p *worker.Pool, d *dispatcher.Dispatcher, m *metrics.Collector, log logger.Logger) *Service {
	if opts.DefaultTimeoutMs <= 0 {
		opts.DefaultTimeoutMs = job.DefaultTimeoutMs
	}
	if opts.DefaultMaxRetries < 0 {
		opts.DefaultMaxRetries = job.DefaultMaxRetries
	}
	if log == nil {
		log = logger.Default()
	}
	return &Service{
		opts:    opts,
		store:   st,
		queue:   q,
		pool:    p,
		disp:    d,
		metrics: m,
		log:     log.WithComponent(logger.ComponentService),
	}
}

// Enqueue validates the request, allocates an id, inserts a pending record
// and makes it visible to the dispatcher.
func (s *Service) Enqueue(params EnqueueParams) (job.Job, error) {
	priority := params.Priority
	if priority == "" {
		priority = job.PriorityNormal
	}
	timeoutMs := s.opts.DefaultTimeoutMs
	if params.TimeoutMs != nil {
		timeoutMs = *params.TimeoutMs
	}
	maxRetries := s.opts.DefaultMaxRetries
	if params.MaxRetries != nil {
		maxRetries = *params.MaxRetries
	}

	if err := job.Validate(params.Command, priority, timeoutMs, maxRetries); err != nil {
		return job.Job{}, err
	}

	// Soft bound: admission is informed, never refused.
	if depth := s.queue.Len(); depth >= s.opts.QueueCapacity {
		s.log.Warn("Queue above soft capacity", "depth", depth, "capacity", s.opts.QueueCapacity)
	}

	j := job.New(params.Command, priority, timeoutMs, maxRetries)
	if err := s.store.Insert(j); err != nil {
		return job.Job{}, err
	}
	s.queue.Push(queue.Ref{ID: j.ID, Priority: j.Priority, CreatedAt: j.CreatedAt})

	if s.metrics != nil {
		s.metrics.RecordEnqueued(j.Priority)
	}
	s.disp.Notify()

	s.log.Info("Job enqueued", "job_id", j.ID, "priority", j.Priority)
	return *j, nil
}

// Get returns the current record for the id.
func (s *Service) Get(id string) (job.Job, error) {
	if strings.TrimSpace(id) == "" {
		return job.Job{}, errors.InvalidArgument("id", "job id must not be empty")
	}
	return s.store.Get(id)
}

// List returns a filtered, paginated snapshot sorted newest-first.
func (s *Service) List(params ListParams) (ListResult, error) {
	filter := store.FilterAny
	if params.Status != nil {
		st := job.Status(*params.Status)
		if !job.ValidStatus(st) {
			return ListResult{}, errors.InvalidArgument("status", "invalid status %q", *params.Status).
				WithDetail("allowed", []job.Status{
					job.StatusPending, job.StatusRunning, job.StatusCompleted,
					job.StatusFailed, job.StatusCancelled,
				})
		}
		filter = st
	}

	limit := store.DefaultLimit
	if params.Limit != nil {
		if *params.Limit < 1 {
			return ListResult{}, errors.InvalidArgument("limit", "limit must be at least 1, got %d", *params.Limit)
		}
		limit = *params.Limit
		if limit > store.MaxLimit {
			limit = store.MaxLimit
		}
	}

	offset := 0
	if params.Offset != nil {
		if *params.Offset < 0 {
			return ListResult{}, errors.InvalidArgument("offset", "offset must not be negative, got %d", *params.Offset)
		}
		offset = *params.Offset
	}

	items, total := s.store.List(filter, limit, offset)
	return ListResult{Items: items, Total: total, Limit: limit, Offset: offset}, nil
}

// Cancel transitions a pending or running job to cancelled. Terminal states
// are idempotent: the current record is returned unchanged.
func (s *Service) Cancel(id string) (job.Job, error) {
	if strings.TrimSpace(id) == "" {
		return job.Job{}, errors.InvalidArgument("id", "job id must not be empty")
	}

	transitioned := false
	updated, err := s.store.CancelRunning(id, func(j *job.Job) error {
		if j.Terminal() {
			return nil
		}
		now := worker.Now()
		j.Status = job.StatusCancelled
		j.CompletedAt = &now
		transitioned = true
		return nil
	})
	if err != nil {
		return job.Job{}, err
	}

	if transitioned {
		// A pending job also leaves the queue. A running job's cancel hook
		// has already fired inside CancelRunning; the worker observes the
		// terminal state at its next cooperative checkpoint.
		s.queue.Remove(id)
		if s.metrics != nil {
			s.metrics.RecordCancelled()
		}
		s.log.Info("Job cancelled", "job_id", id)
	}
	return updated, nil
}

// Clear stops the dispatcher, drains the queue and empties the store.
// Test-only; the service does not accept work afterwards.
func (s *Service) Clear() {
	s.disp.Stop()
	s.queue.Drain()
	s.store.Clear()
	s.log.Warn("Store and queue cleared")
}

// Stats returns an aggregate snapshot for the stats endpoint.
func (s *Service) Stats() Stats {
	byStatus := make(map[job.Status]int, 5)
	for _, st := range []job.Status{
		job.StatusPending, job.StatusRunning, job.StatusCompleted,
		job.StatusFailed, job.StatusCancelled,
	} {
		_, total := s.store.List(st, 1, 0)
		byStatus[st] = total
	}

	depths := map[job.Priority]int{
		job.PriorityHigh:   s.queue.LenByPriority(job.PriorityHigh),
		job.PriorityNormal: s.queue.LenByPriority(job.PriorityNormal),
		job.PriorityLow:    s.queue.LenByPriority(job.PriorityLow),
	}

	return Stats{
		TotalJobs:     s.store.Count(),
		JobsByStatus:  byStatus,
		QueueDepths:   depths,
		ActiveWorkers: s.pool.ActiveCount(),
		LiveWorkers:   s.pool.LiveCount(),
	}
}
