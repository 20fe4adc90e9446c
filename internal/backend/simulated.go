package backend

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

type taskKey struct {
	kind TaskKind
	sig  int64
}

type taskEntry struct {
	task      Task
	submitted time.Time
	status    TaskStatus
	msg       string
}

// Simulated is an in-process cluster used by the daemon and by tests.
// Tasks finish Latency after submission unless the cluster is held.
type Simulated struct {
	mu       sync.Mutex
	logger   *slog.Logger
	latency  time.Duration
	held     bool
	now      func() time.Time
	tasks    map[taskKey]*taskEntry
	failures map[int64]string
	dropped  map[int64]bool

	nextTxn    int64
	activeTxns map[int64]int64 // txn id -> table id

	publishErr error
}

// NewSimulated creates a simulated cluster.
func NewSimulated(logger *slog.Logger, latency time.Duration) *Simulated {
	return &Simulated{
		logger:     logger,
		latency:    latency,
		now:        time.Now,
		tasks:      make(map[taskKey]*taskEntry),
		failures:   make(map[int64]string),
		dropped:    make(map[int64]bool),
		nextTxn:    1000,
		activeTxns: make(map[int64]int64),
	}
}

func (s *Simulated) Submit(ctx context.Context, tasks []Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for _, t := range tasks {
		k := taskKey{t.Kind, t.Signature}
		if _, ok := s.tasks[k]; ok {
			continue
		}
		s.tasks[k] = &taskEntry{task: t, submitted: now, status: TaskPending}
	}
	s.logger.Debug("tasks submitted", "count", len(tasks))
	return nil
}

func (s *Simulated) Status(kind TaskKind, signature int64) (TaskStatus, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.tasks[taskKey{kind, signature}]
	if !ok {
		return TaskUnknown, ""
	}
	if e.status != TaskPending {
		return e.status, e.msg
	}
	if msg, fail := s.failures[signature]; fail {
		e.status, e.msg = TaskFailed, msg
		return e.status, e.msg
	}
	if !s.held && s.now().Sub(e.submitted) >= s.latency {
		e.status = TaskDone
	}
	return e.status, e.msg
}

func (s *Simulated) Drop(_ context.Context, tablets []int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range tablets {
		s.dropped[id] = true
	}
}

// Hold keeps every pending task pending until Release.
func (s *Simulated) Hold() {
	s.mu.Lock()
	s.held = true
	s.mu.Unlock()
}

// Release lets held tasks finish.
func (s *Simulated) Release() {
	s.mu.Lock()
	s.held = false
	s.mu.Unlock()
}

// FailTablet makes every task targeting the tablet fail with msg.
func (s *Simulated) FailTablet(tabletID int64, msg string) {
	s.mu.Lock()
	s.failures[tabletID] = msg
	s.mu.Unlock()
}

// Dropped reports whether Drop was called for the tablet.
func (s *Simulated) Dropped(tabletID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped[tabletID]
}

// Submitted returns the number of tasks of the given kind seen so far.
func (s *Simulated) Submitted(kind TaskKind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k := range s.tasks {
		if k.kind == kind {
			n++
		}
	}
	return n
}

// BeginTxn opens a load transaction on a table.
func (s *Simulated) BeginTxn(tableID int64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextTxn++
	s.activeTxns[s.nextTxn] = tableID
	return s.nextTxn
}

// CommitTxn finishes a load transaction.
func (s *Simulated) CommitTxn(txnID int64) {
	s.mu.Lock()
	delete(s.activeTxns, txnID)
	s.mu.Unlock()
}

func (s *Simulated) NextTxnID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextTxn + 1
}

func (s *Simulated) PreviousTxnsFinished(_, tableID, watershed int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, tbl := range s.activeTxns {
		if tbl == tableID && id < watershed {
			return false
		}
	}
	return true
}

// FailPublish makes Publish return err until it is cleared with nil.
func (s *Simulated) FailPublish(err error) {
	s.mu.Lock()
	s.publishErr = err
	s.mu.Unlock()
}

func (s *Simulated) Publish(ctx context.Context, tableID, indexID int64, tablets []int64) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.publishErr != nil {
		return false, fmt.Errorf("%w: table %d index %d: %v", ErrPublishFailed, tableID, indexID, s.publishErr)
	}
	if s.held {
		return false, nil
	}
	s.logger.Debug("version published", "table_id", tableID, "index_id", indexID, "tablets", len(tablets))
	return true, nil
}
