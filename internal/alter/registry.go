package alter

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

// tableJobs is the per-table slice of the registry. running is always a
// subset of notFinal.
type tableJobs struct {
	mu       sync.Mutex
	notFinal map[int64]Job
	running  map[int64]Job
}

// Registry tracks every unfinished job per table, the subset admitted to
// run, and a history of finished jobs for display. The registry mutex only
// guards the table map; membership changes take the table entry's mutex.
type Registry struct {
	mu     sync.Mutex
	tables map[int64]*tableJobs

	historyMu sync.RWMutex
	history   map[int64]Job

	logger *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		tables:  make(map[int64]*tableJobs),
		history: make(map[int64]Job),
		logger:  logger,
	}
}

func (r *Registry) entry(tableID int64, create bool) *tableJobs {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.tables[tableID]
	if e == nil && create {
		e = &tableJobs{notFinal: make(map[int64]Job), running: make(map[int64]Job)}
		r.tables[tableID] = e
	}
	return e
}

// Track adds a job to its table's unfinished set. Done jobs are ignored.
func (r *Registry) Track(job Job) {
	if job.IsDone() {
		r.logger.Warn("not tracking finished alter job", "job_id", job.ID(), "state", job.State())
		return
	}
	e := r.entry(job.TableID(), true)
	e.mu.Lock()
	e.notFinal[job.ID()] = job
	e.mu.Unlock()
	r.Remember(job)
}

// Untrack removes a job from its table's sets. It returns true only if this
// removal emptied the table's unfinished set.
func (r *Registry) Untrack(job Job) bool {
	_, last := r.untrack(job)
	return last
}

// untrack reports whether the job was tracked and whether removing it
// emptied the table's unfinished set.
func (r *Registry) untrack(job Job) (removed, last bool) {
	e := r.entry(job.TableID(), false)
	if e == nil {
		return false, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.notFinal[job.ID()]; !ok {
		return false, false
	}
	delete(e.notFinal, job.ID())
	delete(e.running, job.ID())
	return true, len(e.notFinal) == 0
}

// admit adds a tracked job to the running set if it is already there or
// the table has fewer than max running jobs.
func (r *Registry) admit(job Job, max int) bool {
	e := r.entry(job.TableID(), false)
	if e == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.notFinal[job.ID()]; !ok {
		return false
	}
	if _, ok := e.running[job.ID()]; ok {
		return true
	}
	if len(e.running) < max {
		e.running[job.ID()] = job
		return true
	}
	return false
}

// RemoveRunning drops a job from its table's running set.
func (r *Registry) RemoveRunning(job Job) {
	e := r.entry(job.TableID(), false)
	if e == nil {
		return
	}
	e.mu.Lock()
	delete(e.running, job.ID())
	e.mu.Unlock()
}

// HasNotFinal reports whether the table has any unfinished job.
func (r *Registry) HasNotFinal(tableID int64) bool {
	e := r.entry(tableID, false)
	if e == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.notFinal) > 0
}

// NotFinal returns the table's unfinished jobs ordered by id.
func (r *Registry) NotFinal(tableID int64) []Job {
	e := r.entry(tableID, false)
	if e == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return sortedJobs(e.notFinal)
}

// Running returns the table's admitted jobs ordered by id.
func (r *Registry) Running(tableID int64) []Job {
	e := r.entry(tableID, false)
	if e == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return sortedJobs(e.running)
}

// PendingIndexNames returns the index names reserved by the table's
// unfinished jobs.
func (r *Registry) PendingIndexNames(tableID int64) []string {
	jobs := r.NotFinal(tableID)
	names := make([]string, 0, len(jobs))
	for _, j := range jobs {
		names = append(names, j.RollupIndexName())
	}
	return names
}

// Snapshot returns every unfinished job ordered by id.
func (r *Registry) Snapshot() []Job {
	r.mu.Lock()
	entries := make([]*tableJobs, 0, len(r.tables))
	for _, e := range r.tables {
		entries = append(entries, e)
	}
	r.mu.Unlock()

	var jobs []Job
	for _, e := range entries {
		e.mu.Lock()
		for _, j := range e.notFinal {
			jobs = append(jobs, j)
		}
		e.mu.Unlock()
	}
	sort.Slice(jobs, func(a, b int) bool { return jobs[a].ID() < jobs[b].ID() })
	return jobs
}

// Remember records a job for history lookups without tracking it.
func (r *Registry) Remember(job Job) {
	r.historyMu.Lock()
	r.history[job.ID()] = job
	r.historyMu.Unlock()
}

// Get returns any known job by id.
func (r *Registry) Get(id int64) (Job, bool) {
	r.historyMu.RLock()
	defer r.historyMu.RUnlock()
	j, ok := r.history[id]
	return j, ok
}

// All returns every known job ordered by id.
func (r *Registry) All() []Job {
	r.historyMu.RLock()
	defer r.historyMu.RUnlock()
	return sortedJobs(r.history)
}

// Prune forgets finished jobs that completed before cutoff and returns how
// many were removed.
func (r *Registry) Prune(cutoff time.Time) int {
	r.historyMu.Lock()
	defer r.historyMu.Unlock()
	n := 0
	for id, j := range r.history {
		if !j.IsDone() {
			continue
		}
		rec := j.Record()
		if rec.FinishedAt != nil && rec.FinishedAt.Before(cutoff) {
			delete(r.history, id)
			n++
		}
	}
	return n
}

func sortedJobs(m map[int64]Job) []Job {
	out := make([]Job, 0, len(m))
	for _, j := range m {
		out = append(out, j)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID() < out[b].ID() })
	return out
}
