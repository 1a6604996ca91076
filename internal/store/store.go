// Package store holds the authoritative, concurrency-safe registry of all
// jobs. Mutations are serialised per id so that concurrent lifecycle
// transitions cannot interleave.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/mwhitton/conveyor/internal/errors"
	"github.com/mwhitton/conveyor/internal/job"
)

// List pagination bounds. Limits outside [1, MaxLimit] are the caller's
// problem; List clamps defensively so a bad boundary never panics the core.
const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

// FilterAny matches every status in List.
const FilterAny = job.Status("")

// entry pairs one job record with the lock that serialises its mutations.
// cancel is the cooperative-cancel hook installed by the worker while the
// job is running; it is runtime state, never serialised.
type entry struct {
	mu     sync.Mutex
	job    job.Job
	cancel context.CancelFunc
}

// Store is a mapping from job id to record. The table lock guards the map
// itself; per-entry locks guard individual records, so point reads and
// writes on different jobs never contend.
type Store struct {
	mu   sync.RWMutex
	jobs map[string]*entry
}

// New creates an empty store.
func New() *Store {
	return &Store{
		jobs: make(map[string]*entry),
	}
}

// Insert adds a new job record. Fails with duplicate_id when the id is
// already present.
func (s *Store) Insert(j *job.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[j.ID]; exists {
		return errors.New(errors.KindDuplicateID, "job id already present: %s", j.ID)
	}
	s.jobs[j.ID] = &entry{job: *j}
	return nil
}

// Get returns a consistent snapshot of the record, or not_found.
func (s *Store) Get(id string) (job.Job, error) {
	e, ok := s.lookup(id)
	if !ok {
		return job.Job{}, errors.NotFound(id)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.job, nil
}

// Update applies mutate to the current record under that record's lock and
// returns the new value. When mutate returns an error the record is left
// unchanged and the error is propagated.
func (s *Store) Update(id string, mutate func(*job.Job) error) (job.Job, error) {
	e, ok := s.lookup(id)
	if !ok {
		return job.Job{}, errors.NotFound(id)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	updated := e.job
	if err := mutate(&updated); err != nil {
		return e.job, err
	}
	e.job = updated
	return updated, nil
}

// SetCancel installs the cooperative-cancel hook for a running job. The hook
// is fired by CancelRunning and cleared by ClearCancel when the run ends.
func (s *Store) SetCancel(id string, cancel context.CancelFunc) {
	if e, ok := s.lookup(id); ok {
		e.mu.Lock()
		e.cancel = cancel
		e.mu.Unlock()
	}
}

// ClearCancel removes the cooperative-cancel hook after a run finishes.
func (s *Store) ClearCancel(id string) {
	if e, ok := s.lookup(id); ok {
		e.mu.Lock()
		e.cancel = nil
		e.mu.Unlock()
	}
}

// CancelRunning transitions a running job to cancelled under its lock and
// fires the worker's cancel hook. Returns the updated record. The mutate
// callback runs first so callers decide whether the transition applies.
func (s *Store) CancelRunning(id string, mutate func(*job.Job) error) (job.Job, error) {
	e, ok := s.lookup(id)
	if !ok {
		return job.Job{}, errors.NotFound(id)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	updated := e.job
	if err := mutate(&updated); err != nil {
		return e.job, err
	}
	e.job = updated

	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
	return updated, nil
}

// List returns a filtered, paginated snapshot sorted by created_at
// descending, plus the total count of matches before pagination.
func (s *Store) List(filter job.Status, limit, offset int) ([]job.Job, int) {
	if limit < 1 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	if offset < 0 {
		offset = 0
	}

	s.mu.RLock()
	matched := make([]job.Job, 0, len(s.jobs))
	for _, e := range s.jobs {
		e.mu.Lock()
		j := e.job
		e.mu.Unlock()

		if filter == FilterAny || j.Status == filter {
			matched = append(matched, j)
		}
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(a, b int) bool {
		if matched[a].CreatedAt.Equal(matched[b].CreatedAt) {
			return matched[a].ID > matched[b].ID
		}
		return matched[a].CreatedAt.After(matched[b].CreatedAt)
	})

	total := len(matched)
	if offset >= total {
		return []job.Job{}, total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return matched[offset:end], total
}

// Count returns the number of records currently in the store.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.jobs)
}

// Clear removes all records. Test-only.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = make(map[string]*entry)
}

// lookup fetches the entry pointer under the table read lock. Entry pointers
// stay valid after the lock is released; Clear replaces the whole map and
// never touches live entries.
func (s *Store) lookup(id string) (*entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.jobs[id]
	return e, ok
}
