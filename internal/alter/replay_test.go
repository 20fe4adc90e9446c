package alter

import (
	"encoding/json"
	"testing"

	"github.com/allyourbase/alterd/internal/catalog"
	"github.com/allyourbase/alterd/internal/editlog"
	"github.com/allyourbase/alterd/internal/testutil"
)

func catalogJSON(t *testing.T, c *catalog.Catalog) string {
	t.Helper()
	data, err := json.Marshal(c)
	testutil.NoError(t, err)
	return string(data)
}

func TestReplayRestoresUnfinishedJob(t *testing.T) {
	t.Parallel()
	f := newFixture(t, catalog.SharedNothing)
	f.dupTable("sales")
	job := f.addRollup("sales", "r1", "k1", "v1")
	f.h.Tick(f.ctx)
	testutil.Equal(t, StateWaitingTxn, job.State())

	r := f.replica()
	replayed, ok := r.h.registry.Get(job.ID())
	testutil.True(t, ok)
	testutil.Equal(t, StateWaitingTxn, replayed.State())
	testutil.Equal(t, job.Record().WatershedTxnID, replayed.Record().WatershedTxnID)

	tbl := r.cat.DBByName("example_db").TableByName("sales")
	testutil.Equal(t, catalog.TableRollup, tbl.GetState())
	tbl.RLock()
	shadow := tbl.IndexByName("r1")
	tbl.RUnlock()
	testutil.NotNil(t, shadow)
	testutil.Equal(t, catalog.IndexShadow, shadow.State)
	testutil.Equal(t, f.cat.Tablets.Len(), r.cat.Tablets.Len())
	testutil.SliceLen(t, r.h.registry.Running(tbl.ID), 0)
	testutil.Equal(t, catalogJSON(t, f.cat), catalogJSON(t, r.cat))

	// The replica picks the job up where the primary left it.
	r.tickUntil(5, replayed.IsDone)
	testutil.Equal(t, StateFinished, replayed.State())
	testutil.Equal(t, catalog.TableNormal, tbl.GetState())
}

func TestReplayIsIdempotent(t *testing.T) {
	t.Parallel()
	f := newFixture(t, catalog.SharedNothing)
	f.dupTable("sales")
	f.dupTable("orders")
	done := f.addRollup("orders", "r_orders", "k1", "v1")
	f.tickUntil(5, done.IsDone)
	testutil.NoError(t, f.h.ProcessBatchDropRollup(f.ctx, "example_db", "orders", []string{"r_orders"}))
	running := f.addRollup("sales", "r_sales", "k2", "v2")
	f.h.Tick(f.ctx)
	f.h.Tick(f.ctx)
	testutil.Equal(t, StateRunning, running.State())
	want := catalogJSON(t, f.cat)

	once := f.replica()
	testutil.Equal(t, want, catalogJSON(t, once.cat))

	_, err := once.h.ReplayJournal(f.ctx, f.log, 0)
	testutil.NoError(t, err)
	testutil.Equal(t, want, catalogJSON(t, once.cat))
	job, _ := once.h.registry.Get(running.ID())
	testutil.Equal(t, StateRunning, job.State())

	twice := f.replica()
	for _, e := range f.log.Entries() {
		testutil.NoError(t, twice.h.Apply(f.ctx, e))
	}
	testutil.Equal(t, want, catalogJSON(t, twice.cat))
	testutil.SliceLen(t, twice.h.registry.All(), 2)
}

func TestReplayFromOffset(t *testing.T) {
	t.Parallel()
	f := newFixture(t, catalog.SharedNothing)
	f.dupTable("sales")
	seq, err := f.log.LastSeq(f.ctx)
	testutil.NoError(t, err)
	job := f.addRollup("sales", "r1", "k1", "v1")
	f.tickUntil(5, job.IsDone)

	r := f.replica()
	last, err := r.h.ReplayJournal(f.ctx, f.log, seq)
	testutil.NoError(t, err)
	total, _ := f.log.LastSeq(f.ctx)
	testutil.Equal(t, total, last)
	testutil.Equal(t, catalogJSON(t, f.cat), catalogJSON(t, r.cat))
}

func TestReplayCancelledJob(t *testing.T) {
	t.Parallel()
	f := newFixture(t, catalog.SharedNothing)
	f.dupTable("sales")
	job := f.addRollup("sales", "r1", "k1", "v1")
	f.h.Tick(f.ctx)
	_, err := f.h.Cancel(f.ctx, CancelRequest{DBName: "example_db", TableName: "sales"})
	testutil.NoError(t, err)

	r := f.replica()
	tbl := r.cat.DBByName("example_db").TableByName("sales")
	testutil.Equal(t, catalog.TableNormal, tbl.GetState())
	testutil.False(t, tbl.HasIndex("r1"))
	testutil.Equal(t, 4, r.cat.Tablets.Len())
	testutil.False(t, r.h.registry.HasNotFinal(tbl.ID))

	replayed, ok := r.h.registry.Get(job.ID())
	testutil.True(t, ok)
	testutil.Equal(t, StateCancelled, replayed.State())
	testutil.Equal(t, reasonUserCancelled, replayed.Record().Reason)
}

func TestReplayAdvancesIDGenerator(t *testing.T) {
	t.Parallel()
	f := newFixture(t, catalog.SharedNothing)
	f.dupTable("sales")
	job := f.addRollup("sales", "r1", "k1", "v1")

	r := f.replica()
	var highest int64
	for _, m := range job.Record().Tablets {
		highest = max(highest, m.RollupTabletID)
	}
	testutil.True(t, r.cat.NextID() > highest)

	// New jobs on the replica never reuse journaled ids.
	r.h.Tick(f.ctx)
	r.tickUntil(5, func() bool {
		j, _ := r.h.registry.Get(job.ID())
		return j.IsDone()
	})
	next := r.addRollup("sales", "r2", "k2", "v2")
	testutil.True(t, next.ID() > highest)
}

func TestApplyRejectsBadEntries(t *testing.T) {
	t.Parallel()
	f := newFixture(t, catalog.SharedNothing)

	err := f.h.Apply(f.ctx, editlog.Entry{Seq: 9, Op: "bogus", Data: json.RawMessage(`{}`)})
	testutil.ErrorIs(t, err, editlog.ErrCorrupt)

	err = f.h.Apply(f.ctx, editlog.Entry{Seq: 10, Op: editlog.OpAlterJob, Data: json.RawMessage(`{"jobId":`)})
	testutil.ErrorIs(t, err, editlog.ErrCorrupt)

	err = f.h.Apply(f.ctx, editlog.Entry{Seq: 11, Op: editlog.OpAlterJob, Data: json.RawMessage(`{"jobId":1,"kind":"nope"}`)})
	testutil.NotNil(t, err)
}

func TestReplayDropOfMissingTableIsSkipped(t *testing.T) {
	t.Parallel()
	f := newFixture(t, catalog.SharedNothing)
	f.h.ReplayBatchDropRollup(editlog.BatchDropInfo{DBID: 1, TableID: 2, IndexIDs: []int64{3}})
	testutil.Equal(t, 0, f.cat.Tablets.Len())
}

func TestJournalFailureKeepsReplicaInStep(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name       string
		healthy    int
		stuck      JobState
		withShadow bool
	}{
		{"pending", 0, StatePending, false},
		{"waiting txn", 1, StateWaitingTxn, true},
		{"running", 2, StateRunning, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, catalog.SharedNothing)
			tbl := f.dupTable("sales")
			job := f.addRollup("sales", "r1", "k1", "v1")
			for range tt.healthy {
				f.h.Tick(f.ctx)
			}
			fl := &failingLog{MemoryLog: f.log, fail: true}
			f.env.Journal.log = fl

			for range 3 {
				f.h.Tick(f.ctx)
			}
			testutil.Equal(t, tt.stuck, job.State())
			testutil.Equal(t, catalog.TableRollup, tbl.GetState())
			testutil.Equal(t, tt.withShadow, tbl.HasIndex("r1"))
			testutil.False(t, job.Cancel(f.ctx, reasonUserCancelled))
			testutil.Equal(t, tt.stuck, job.State())

			r := f.replica()
			replayed, ok := r.h.registry.Get(job.ID())
			testutil.True(t, ok)
			testutil.Equal(t, tt.stuck, replayed.State())
			testutil.Equal(t, catalogJSON(t, f.cat), catalogJSON(t, r.cat))

			fl.fail = false
			f.tickUntil(10, job.IsDone)
			testutil.Equal(t, StateFinished, job.State())
			testutil.Equal(t, catalog.TableNormal, tbl.GetState())

			r = f.replica()
			replayed, ok = r.h.registry.Get(job.ID())
			testutil.True(t, ok)
			testutil.Equal(t, StateFinished, replayed.State())
			testutil.Equal(t, catalog.TableNormal, r.cat.DBByName("example_db").TableByName("sales").GetState())
			testutil.Equal(t, catalogJSON(t, f.cat), catalogJSON(t, r.cat))
		})
	}
}
