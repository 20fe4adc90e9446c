package alter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/allyourbase/alterd/internal/backend"
	"github.com/allyourbase/alterd/internal/catalog"
	"github.com/allyourbase/alterd/internal/editlog"
	"github.com/allyourbase/alterd/internal/testutil"
)

func TestRollupJobRunsToFinished(t *testing.T) {
	t.Parallel()
	f := newFixture(t, catalog.SharedNothing)
	tbl := f.dupTable("sales")
	job := f.addRollup("sales", "r1", "k1", "v1")

	testutil.Equal(t, catalog.TableRollup, tbl.GetState())
	testutil.Equal(t, StatePending, job.State())
	testutil.Equal(t, KindRollup, job.Kind())
	testutil.Equal(t, 8, f.cat.Tablets.Len())

	f.h.Tick(f.ctx)
	testutil.Equal(t, StateWaitingTxn, job.State())
	tbl.RLock()
	shadow := tbl.IndexByName("r1")
	tbl.RUnlock()
	testutil.NotNil(t, shadow)
	testutil.Equal(t, catalog.IndexShadow, shadow.State)

	f.h.Tick(f.ctx)
	testutil.Equal(t, StateRunning, job.State())

	f.h.Tick(f.ctx)
	testutil.Equal(t, StateFinished, job.State())
	testutil.Equal(t, catalog.TableNormal, tbl.GetState())
	testutil.False(t, f.h.registry.HasNotFinal(tbl.ID))

	tbl.RLock()
	idx := tbl.IndexByName("r1")
	tbl.RUnlock()
	testutil.Equal(t, catalog.IndexNormal, idx.State)
	testutil.Equal(t, 2, idx.ShortKeyCount)
	for _, p := range tbl.Partitions {
		testutil.Equal(t, catalog.IndexNormal, p.Index(idx.ID).State)
		testutil.SliceLen(t, p.Index(idx.ID).Tablets, 2)
	}

	var ops []editlog.OpType
	for _, e := range f.log.Entries() {
		ops = append(ops, e.Op)
	}
	want := []editlog.OpType{
		editlog.OpCreateDatabase, editlog.OpCreateTable, editlog.OpBatchAlterJob,
		editlog.OpAlterJob, editlog.OpAlterJob, editlog.OpAlterJob,
	}
	testutil.SliceLen(t, ops, len(want))
	for i := range want {
		testutil.Equal(t, want[i], ops[i])
	}
}

func TestWaitingTxnBlocksOnEarlierTransactions(t *testing.T) {
	t.Parallel()
	f := newFixture(t, catalog.SharedNothing)
	tbl := f.dupTable("sales")
	txn := f.sim.BeginTxn(tbl.ID)
	job := f.addRollup("sales", "r1", "k1", "v1")

	f.h.Tick(f.ctx)
	f.h.Tick(f.ctx)
	f.h.Tick(f.ctx)
	testutil.Equal(t, StateWaitingTxn, job.State())
	testutil.True(t, job.Record().WatershedTxnID > txn)

	// Transactions started after the watershed do not block the job.
	f.sim.BeginTxn(tbl.ID)
	f.sim.CommitTxn(txn)
	f.h.Tick(f.ctx)
	testutil.Equal(t, StateRunning, job.State())
}

func TestTickRespectsPerTableCap(t *testing.T) {
	t.Parallel()
	f := newFixture(t, catalog.SharedNothing)
	tbl := f.dupTable("sales")
	f.sim.Hold()
	jobs, err := f.h.ProcessBatchAddRollup(f.ctx, "example_db", "sales", []AddRollupClause{
		{RollupName: "r1", Columns: []string{"k1", "v1"}},
		{RollupName: "r2", Columns: []string{"k2", "v2"}},
	})
	testutil.NoError(t, err)
	testutil.SliceLen(t, jobs, 2)

	f.h.Tick(f.ctx)
	f.h.Tick(f.ctx)
	testutil.SliceLen(t, f.h.registry.Running(tbl.ID), 1)
	testutil.Equal(t, jobs[0].ID(), f.h.registry.Running(tbl.ID)[0].ID())
	testutil.Equal(t, 4, f.sim.Submitted(backend.TaskCreateReplica))

	f.sim.Release()
	f.tickUntil(10, func() bool { return jobs[1].IsDone() })
	testutil.Equal(t, StateFinished, jobs[0].State())
	testutil.Equal(t, StateFinished, jobs[1].State())
	testutil.Equal(t, catalog.TableNormal, tbl.GetState())
}

func TestPerTableCapIsIndependentAcrossTables(t *testing.T) {
	t.Parallel()
	f := newFixture(t, catalog.SharedNothing)
	sales := f.dupTable("sales")
	orders := f.dupTable("orders")
	f.sim.Hold()
	_, err := f.h.ProcessBatchAddRollup(f.ctx, "example_db", "sales", []AddRollupClause{
		{RollupName: "r1", Columns: []string{"k1", "v1"}},
		{RollupName: "r2", Columns: []string{"k2", "v2"}},
	})
	testutil.NoError(t, err)
	f.h.Tick(f.ctx)
	testutil.SliceLen(t, f.h.registry.Running(sales.ID), 1)

	job := f.addRollup("orders", "r_orders", "k1", "v1")
	f.h.Tick(f.ctx)
	testutil.SliceLen(t, f.h.registry.Running(sales.ID), 1)
	testutil.SliceLen(t, f.h.registry.Running(orders.ID), 1)
	testutil.Equal(t, StateWaitingTxn, job.State())
}

func TestConcurrentTickAndDDL(t *testing.T) {
	t.Parallel()
	f := newFixture(t, catalog.SharedNothing)
	names := []string{"t0", "t1", "t2"}
	var tables []*catalog.Table
	for _, name := range names {
		tables = append(tables, f.dupTable(name))
	}
	maxRunning := f.h.MaxRunningPerTable()

	var (
		overCap    atomic.Int32
		unexpected atomic.Int32
		stop       = make(chan struct{})
		ticker     sync.WaitGroup
		workers    sync.WaitGroup
	)
	ticker.Add(1)
	go func() {
		defer ticker.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			f.h.Tick(f.ctx)
			for _, tbl := range tables {
				if len(f.h.registry.Running(tbl.ID)) > maxRunning {
					overCap.Add(1)
				}
			}
		}
	}()

	for _, name := range names {
		workers.Add(1)
		go func() {
			defer workers.Done()
			for i := range 20 {
				_, err := f.h.ProcessBatchAddRollup(f.ctx, "example_db", name, []AddRollupClause{
					{RollupName: fmt.Sprintf("%s_a%d", name, i), Columns: []string{"k1", "v1"}},
					{RollupName: fmt.Sprintf("%s_b%d", name, i), Columns: []string{"k2", "v2"}},
				})
				if err != nil && !errors.Is(err, ErrTableNotNormal) {
					unexpected.Add(1)
				}
				if i%3 == 0 {
					_, err := f.h.Cancel(f.ctx, CancelRequest{DBName: "example_db", TableName: name})
					if err != nil && !errors.Is(err, ErrConflict) && !errors.Is(err, ErrJobNotFound) {
						unexpected.Add(1)
					}
				}
				if _, err := f.h.ShowAlterJobs("example_db"); err != nil {
					unexpected.Add(1)
				}
			}
		}()
	}
	workers.Wait()
	close(stop)
	ticker.Wait()

	testutil.Equal(t, int32(0), overCap.Load())
	testutil.Equal(t, int32(0), unexpected.Load())

	f.tickUntil(50, func() bool {
		for _, tbl := range tables {
			if f.h.registry.HasNotFinal(tbl.ID) || tbl.GetState() != catalog.TableNormal {
				return false
			}
		}
		return true
	})
	for _, job := range f.h.registry.All() {
		testutil.True(t, job.IsDone(), "job %d is %s", job.ID(), job.State())
	}

	r := f.replica()
	for _, name := range names {
		testutil.Equal(t, catalog.TableNormal, r.cat.DBByName("example_db").TableByName(name).GetState())
	}
	testutil.Equal(t, catalogJSON(t, f.cat), catalogJSON(t, r.cat))
}

func TestLoweringCapDoesNotEvictRunningJobs(t *testing.T) {
	t.Parallel()
	f := newFixture(t, catalog.SharedNothing)
	tbl := f.dupTable("sales")
	testutil.NoError(t, f.h.SetMaxRunningPerTable(2))
	jobs, err := f.h.ProcessBatchAddRollup(f.ctx, "example_db", "sales", []AddRollupClause{
		{RollupName: "r1", Columns: []string{"k1", "v1"}},
		{RollupName: "r2", Columns: []string{"k2", "v2"}},
	})
	testutil.NoError(t, err)

	f.h.Tick(f.ctx)
	testutil.SliceLen(t, f.h.registry.Running(tbl.ID), 2)

	testutil.NoError(t, f.h.SetMaxRunningPerTable(1))
	f.h.Tick(f.ctx)
	testutil.Equal(t, StateRunning, jobs[0].State())
	testutil.Equal(t, StateRunning, jobs[1].State())
	testutil.SliceLen(t, f.h.registry.Running(tbl.ID), 2)

	err = f.h.SetMaxRunningPerTable(0)
	testutil.True(t, errors.Is(err, ErrInvalidProperty))
}

func TestTimeoutCancelsSuspendedJobs(t *testing.T) {
	t.Parallel()
	f := newFixture(t, catalog.SharedNothing)
	tbl := f.dupTable("sales")
	f.sim.Hold()
	jobs, err := f.h.ProcessBatchAddRollup(f.ctx, "example_db", "sales", []AddRollupClause{
		{RollupName: "r1", Columns: []string{"k1", "v1"}, Properties: map[string]string{PropTimeout: "60"}},
		{RollupName: "r2", Columns: []string{"k2", "v2"}, Properties: map[string]string{PropTimeout: "60"}},
	})
	testutil.NoError(t, err)

	f.h.Tick(f.ctx)
	testutil.False(t, jobs[1].IsTimeout())
	f.clock.Advance(61 * time.Second)
	testutil.True(t, jobs[1].IsTimeout())
	testutil.Equal(t, StatePending, jobs[1].State())

	f.h.Tick(f.ctx)
	for _, job := range jobs {
		testutil.Equal(t, StateCancelled, job.State())
		testutil.Equal(t, ReasonTimeout, job.Record().Reason)
	}
	testutil.Equal(t, catalog.TableNormal, tbl.GetState())
	testutil.Equal(t, 4, f.cat.Tablets.Len())
	testutil.False(t, f.h.registry.HasNotFinal(tbl.ID))
}

func TestFailedTaskCancelsJob(t *testing.T) {
	t.Parallel()
	f := newFixture(t, catalog.SharedNothing)
	tbl := f.dupTable("sales")
	job := f.addRollup("sales", "r1", "k1", "v1")
	rollupTablet := job.Record().Tablets[0].RollupTabletID
	f.sim.FailTablet(rollupTablet, "disk error")

	f.h.Tick(f.ctx)
	testutil.Equal(t, StateCancelled, job.State())
	testutil.Contains(t, job.Record().Reason, "disk error")
	testutil.True(t, f.sim.Dropped(rollupTablet))
	_, ok := f.cat.Tablets.Get(rollupTablet)
	testutil.False(t, ok)
	testutil.Equal(t, catalog.TableNormal, tbl.GetState())
	testutil.False(t, tbl.HasIndex("r1"))
}

func TestPanickingJobDoesNotStopTick(t *testing.T) {
	t.Parallel()
	f := newFixture(t, catalog.SharedNothing)
	f.dupTable("sales")
	bad := &fakeJob{id: 1, table: 999, state: StatePending, onRun: func(*fakeJob) { panic("boom") }}
	f.h.registry.Track(bad)
	job := f.addRollup("sales", "r1", "k1", "v1")

	f.h.Tick(f.ctx)
	testutil.Equal(t, 1, bad.runs)
	testutil.Equal(t, StateWaitingTxn, job.State())
}

func TestTickStopsOnCancelledContext(t *testing.T) {
	t.Parallel()
	f := newFixture(t, catalog.SharedNothing)
	f.dupTable("sales")
	job := f.addRollup("sales", "r1", "k1", "v1")

	ctx, cancel := context.WithCancel(f.ctx)
	cancel()
	f.h.Tick(ctx)
	testutil.Equal(t, StatePending, job.State())
}

func TestLakeRollupPublishesBeforeVisible(t *testing.T) {
	t.Parallel()
	f := newFixture(t, catalog.SharedData)
	tbl := f.dupTable("sales")
	job := f.addRollup("sales", "r1", "k1", "v1")
	testutil.Equal(t, KindLakeRollup, job.Kind())

	f.sim.FailPublish(errors.New("object store unavailable"))
	f.h.Tick(f.ctx)
	f.h.Tick(f.ctx)
	f.h.Tick(f.ctx)
	testutil.Equal(t, StateFinishedRewriting, job.State())
	f.h.Tick(f.ctx)
	testutil.Equal(t, StateFinishedRewriting, job.State())
	testutil.Equal(t, catalog.TableRollup, tbl.GetState())

	f.sim.FailPublish(nil)
	f.h.Tick(f.ctx)
	testutil.Equal(t, StateFinished, job.State())
	testutil.Equal(t, catalog.TableNormal, tbl.GetState())
}

func TestSchedulerStartStop(t *testing.T) {
	t.Parallel()
	f := newFixture(t, catalog.SharedNothing)
	f.dupTable("sales")
	job := f.addRollup("sales", "r1", "k1", "v1")

	s := NewScheduler(f.h, SchedulerConfig{Interval: 5 * time.Millisecond})
	s.Start(f.ctx)
	deadline := time.Now().Add(5 * time.Second)
	for !job.IsDone() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	s.Stop()
	testutil.Equal(t, StateFinished, job.State())
}
