package alter

import (
	"context"
	"testing"
	"time"

	"github.com/allyourbase/alterd/internal/testutil"
)

// fakeJob is a Job whose behavior is scripted by the test.
type fakeJob struct {
	id, table  int64
	state      JobState
	finishedAt *time.Time
	runs       int
	onRun      func(*fakeJob)
}

func (j *fakeJob) ID() int64               { return j.id }
func (j *fakeJob) DBID() int64             { return 0 }
func (j *fakeJob) TableID() int64          { return j.table }
func (j *fakeJob) Kind() JobKind           { return KindRollup }
func (j *fakeJob) RollupIndexName() string { return "fake" }
func (j *fakeJob) State() JobState         { return j.state }
func (j *fakeJob) IsDone() bool            { return j.state.IsFinal() }
func (j *fakeJob) IsTimeout() bool         { return false }

func (j *fakeJob) Run(context.Context) {
	j.runs++
	if j.onRun != nil {
		j.onRun(j)
	}
}

func (j *fakeJob) Cancel(context.Context, string) bool {
	if j.IsDone() {
		return false
	}
	j.state = StateCancelled
	return true
}

func (j *fakeJob) Record() JobRecord {
	return JobRecord{JobID: j.id, TableID: j.table, State: j.state, FinishedAt: j.finishedAt}
}

func (j *fakeJob) replay(JobRecord) {}

func TestRegistryUntrackReportsLast(t *testing.T) {
	t.Parallel()
	r := NewRegistry(testutil.DiscardLogger())
	j1 := &fakeJob{id: 1, table: 7, state: StatePending}
	j2 := &fakeJob{id: 2, table: 7, state: StatePending}
	r.Track(j1)
	r.Track(j2)
	testutil.SliceLen(t, r.NotFinal(7), 2)

	testutil.False(t, r.Untrack(j1), "one job still unfinished")
	testutil.True(t, r.Untrack(j2), "last job removed")
	testutil.False(t, r.Untrack(j2), "second untrack is not the last removal")
	testutil.False(t, r.HasNotFinal(7))

	_, ok := r.Get(1)
	testutil.True(t, ok, "untracked jobs stay in history")
}

func TestRegistryIgnoresDoneJobs(t *testing.T) {
	t.Parallel()
	r := NewRegistry(testutil.DiscardLogger())
	r.Track(&fakeJob{id: 1, table: 7, state: StateFinished})
	testutil.False(t, r.HasNotFinal(7))
}

func TestRegistryAdmitCapsRunningSet(t *testing.T) {
	t.Parallel()
	r := NewRegistry(testutil.DiscardLogger())
	j1 := &fakeJob{id: 1, table: 7, state: StatePending}
	j2 := &fakeJob{id: 2, table: 7, state: StatePending}
	other := &fakeJob{id: 3, table: 8, state: StatePending}
	r.Track(j1)
	r.Track(j2)
	r.Track(other)

	testutil.True(t, r.admit(j1, 1))
	testutil.False(t, r.admit(j2, 1), "cap reached")
	testutil.True(t, r.admit(j1, 1), "already running")
	testutil.True(t, r.admit(other, 1), "caps are per table")
	testutil.SliceLen(t, r.Running(7), 1)

	r.RemoveRunning(j1)
	testutil.True(t, r.admit(j2, 1))
	testutil.Equal(t, int64(2), r.Running(7)[0].ID())
}

func TestRegistryAdmitRequiresTracking(t *testing.T) {
	t.Parallel()
	r := NewRegistry(testutil.DiscardLogger())
	j := &fakeJob{id: 1, table: 7, state: StatePending}
	testutil.False(t, r.admit(j, 5))

	r.Track(j)
	r.Untrack(j)
	testutil.False(t, r.admit(j, 5))
	testutil.SliceLen(t, r.Running(7), 0)
}

func TestRegistryPrune(t *testing.T) {
	t.Parallel()
	r := NewRegistry(testutil.DiscardLogger())
	old := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	recent := old.Add(10 * 24 * time.Hour)
	r.Remember(&fakeJob{id: 1, state: StateFinished, finishedAt: &old})
	r.Remember(&fakeJob{id: 2, state: StateCancelled, finishedAt: &recent})
	r.Remember(&fakeJob{id: 3, state: StateRunning})

	testutil.Equal(t, 1, r.Prune(old.Add(24*time.Hour)))
	testutil.SliceLen(t, r.All(), 2)
	_, ok := r.Get(1)
	testutil.False(t, ok)
}

func TestLimiterReadsCapEveryDecision(t *testing.T) {
	t.Parallel()
	r := NewRegistry(testutil.DiscardLogger())
	limit := 2
	l := NewLimiter(r, func() int { return limit })
	j1 := &fakeJob{id: 1, table: 7, state: StatePending}
	j2 := &fakeJob{id: 2, table: 7, state: StatePending}
	j3 := &fakeJob{id: 3, table: 7, state: StatePending}
	r.Track(j1)
	r.Track(j2)
	r.Track(j3)

	testutil.True(t, l.Admit(j1))
	testutil.True(t, l.Admit(j2))
	limit = 1
	testutil.True(t, l.Admit(j1), "running jobs are not evicted")
	testutil.True(t, l.Admit(j2), "running jobs are not evicted")
	testutil.False(t, l.Admit(j3))
}
