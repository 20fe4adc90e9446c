package alter

import (
	"context"
	"errors"
	"testing"

	"github.com/allyourbase/alterd/internal/catalog"
	"github.com/allyourbase/alterd/internal/editlog"
	"github.com/allyourbase/alterd/internal/testutil"
)

// failingLog rejects appends while fail is set.
type failingLog struct {
	*editlog.MemoryLog
	fail bool
}

func (l *failingLog) Append(ctx context.Context, op editlog.OpType, data []byte) (uint64, error) {
	if l.fail {
		return 0, errors.New("disk full")
	}
	return l.MemoryLog.Append(ctx, op, data)
}

func TestBatchAddRollupIsAllOrNothing(t *testing.T) {
	t.Parallel()
	f := newFixture(t, catalog.SharedNothing)
	tbl := f.dupTable("sales")
	entries := len(f.log.Entries())
	tablets := f.cat.Tablets.Len()

	_, err := f.h.ProcessBatchAddRollup(f.ctx, "example_db", "sales", []AddRollupClause{
		{RollupName: "r1", Columns: []string{"k1", "v1"}},
		{RollupName: "r2", Columns: []string{"k1", "missing"}},
	})
	testutil.True(t, errors.Is(err, ErrInvalidSchema))
	testutil.Equal(t, tablets, f.cat.Tablets.Len())
	testutil.Equal(t, entries, len(f.log.Entries()))
	testutil.Equal(t, catalog.TableNormal, tbl.GetState())
	testutil.False(t, f.h.registry.HasNotFinal(tbl.ID))
	testutil.SliceLen(t, f.h.registry.All(), 0)
}

func TestBatchAddRollupRollsBackOnJournalFailure(t *testing.T) {
	t.Parallel()
	f := newFixture(t, catalog.SharedNothing)
	tbl := f.dupTable("sales")
	tablets := f.cat.Tablets.Len()
	fl := &failingLog{MemoryLog: f.log, fail: true}
	f.env.Journal.log = fl
	clauses := []AddRollupClause{
		{RollupName: "r1", Columns: []string{"k1", "v1"}},
		{RollupName: "r2", Columns: []string{"k2", "v2"}},
	}

	_, err := f.h.ProcessBatchAddRollup(f.ctx, "example_db", "sales", clauses)
	testutil.ErrorContains(t, err, "disk full")
	testutil.Equal(t, tablets, f.cat.Tablets.Len())
	testutil.Equal(t, catalog.TableNormal, tbl.GetState())
	testutil.False(t, f.h.registry.HasNotFinal(tbl.ID))

	fl.fail = false
	jobs, err := f.h.ProcessBatchAddRollup(f.ctx, "example_db", "sales", clauses)
	testutil.NoError(t, err)
	testutil.SliceLen(t, jobs, 2)
	testutil.Equal(t, catalog.TableRollup, tbl.GetState())
}

func TestBatchAddRollupRejections(t *testing.T) {
	t.Parallel()
	f := newFixture(t, catalog.SharedNothing)
	f.dupTable("sales")
	f.createTable("pk_tbl", catalog.PrimaryKeys, intCol("id", true), valueCol("v", catalog.AggNone))
	temp := f.dupTable("with_temp")
	temp.Lock()
	temp.TempPartitions = []*catalog.Partition{{ID: 1, Name: "tp1"}}
	temp.Unlock()
	overwrite := f.dupTable("overwritten")
	f.cat.BeginInsertOverwrite(overwrite.ID)

	tests := []struct {
		name    string
		table   string
		clauses []AddRollupClause
		target  error
		wantErr string
	}{
		{
			name:    "duplicate in batch",
			table:   "sales",
			clauses: []AddRollupClause{{RollupName: "r1", Columns: []string{"k1"}}, {RollupName: "r1", Columns: []string{"k2"}}},
			target:  ErrDuplicateName,
			wantErr: "rollup index[r1] already exists",
		},
		{
			name:    "same as table",
			table:   "sales",
			clauses: []AddRollupClause{{RollupName: "sales", Columns: []string{"k1"}}},
			target:  ErrDuplicateName,
		},
		{
			name:    "unknown base rollup",
			table:   "sales",
			clauses: []AddRollupClause{{RollupName: "r1", Columns: []string{"k1"}, BaseRollup: "nope"}},
			target:  ErrNotFound,
			wantErr: "base index[nope] does not exist",
		},
		{
			name:    "primary key table",
			table:   "pk_tbl",
			clauses: []AddRollupClause{{RollupName: "r1", Columns: []string{"id"}}},
			target:  ErrUnsupported,
		},
		{
			name:    "temp partitions",
			table:   "with_temp",
			clauses: []AddRollupClause{{RollupName: "r1", Columns: []string{"k1"}}},
			target:  ErrConflict,
			wantErr: "temp partitions",
		},
		{
			name:    "insert overwrite",
			table:   "overwritten",
			clauses: []AddRollupClause{{RollupName: "r1", Columns: []string{"k1"}}},
			target:  ErrConflict,
			wantErr: "insert overwrite",
		},
		{
			name:    "bad timeout",
			table:   "sales",
			clauses: []AddRollupClause{{RollupName: "r1", Columns: []string{"k1"}, Properties: map[string]string{PropTimeout: "-1"}}},
			target:  ErrInvalidProperty,
		},
		{
			name:   "unknown table",
			table:  "nope",
			target: ErrNotFound,
			clauses: []AddRollupClause{{RollupName: "r1", Columns: []string{"k1"}}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.h.ProcessBatchAddRollup(f.ctx, "example_db", tt.table, tt.clauses)
			testutil.True(t, errors.Is(err, tt.target), "got %v", err)
			if tt.wantErr != "" {
				testutil.ErrorContains(t, err, tt.wantErr)
			}
		})
	}
	testutil.SliceLen(t, f.h.registry.All(), 0)
}

func TestAddRollupRequiresNormalTable(t *testing.T) {
	t.Parallel()
	f := newFixture(t, catalog.SharedNothing)
	f.dupTable("sales")
	f.addRollup("sales", "r1", "k1", "v1")

	_, err := f.h.ProcessBatchAddRollup(f.ctx, "example_db", "sales", []AddRollupClause{{RollupName: "r2", Columns: []string{"k2"}}})
	testutil.True(t, errors.Is(err, ErrTableNotNormal))
}

func TestProcessRejectsMixedClauses(t *testing.T) {
	t.Parallel()
	f := newFixture(t, catalog.SharedNothing)
	f.dupTable("sales")
	_, err := f.h.Process(f.ctx, "example_db", "sales", []AlterClause{
		{AddRollup: &AddRollupClause{RollupName: "r1", Columns: []string{"k1"}}},
		{DropRollup: &DropRollupClause{RollupName: "r0"}},
	})
	testutil.True(t, errors.Is(err, ErrUnsupported))

	jobs, err := f.h.Process(f.ctx, "example_db", "sales", []AlterClause{
		{AddRollup: &AddRollupClause{RollupName: "r1", Columns: []string{"k1"}}},
	})
	testutil.NoError(t, err)
	testutil.SliceLen(t, jobs, 1)
}

func TestCancelReleasesShadowIndex(t *testing.T) {
	t.Parallel()
	f := newFixture(t, catalog.SharedNothing)
	tbl := f.dupTable("sales")

	_, err := f.h.Cancel(f.ctx, CancelRequest{DBName: "example_db", TableName: "sales"})
	testutil.True(t, errors.Is(err, ErrConflict))

	job := f.addRollup("sales", "r1", "k1", "v1")
	f.h.Tick(f.ctx)
	testutil.True(t, tbl.HasIndex("r1"))

	_, err = f.h.Cancel(f.ctx, CancelRequest{DBName: "example_db", TableName: "sales", JobIDs: []int64{1}})
	testutil.True(t, errors.Is(err, ErrJobNotFound))

	ids, err := f.h.Cancel(f.ctx, CancelRequest{DBName: "example_db", TableName: "sales"})
	testutil.NoError(t, err)
	testutil.SliceLen(t, ids, 1)
	testutil.Equal(t, job.ID(), ids[0])
	testutil.Equal(t, StateCancelled, job.State())
	testutil.Equal(t, reasonUserCancelled, job.Record().Reason)
	testutil.Equal(t, catalog.TableNormal, tbl.GetState())
	testutil.False(t, tbl.HasIndex("r1"))
	testutil.Equal(t, 4, f.cat.Tablets.Len())

	f.h.Tick(f.ctx)
	testutil.Equal(t, StateCancelled, job.State())
}

func TestCreateMaterializedViewRunsToFinished(t *testing.T) {
	t.Parallel()
	f := newFixture(t, catalog.SharedNothing)
	tbl := f.dupTable("sales")
	job, err := f.h.ProcessCreateMaterializedView(f.ctx, CreateMVRequest{
		DBName:        "example_db",
		TableName:     "sales",
		MVName:        "mv_sum",
		Columns:       []MVColumn{{Name: "k1", BaseColumn: "k1", IsKey: true}, {Name: "v1", BaseColumn: "v1", Agg: catalog.AggSum}},
		ViewDefineSQL: "select k1, sum(v1) from sales group by k1",
	})
	testutil.NoError(t, err)
	testutil.Equal(t, KindMaterializedView, job.Kind())
	rec := job.Record()
	testutil.Equal(t, catalog.AggKeys, rec.KeysType)
	testutil.Equal(t, int64(DefaultAlterTimeoutSeconds*1000), rec.TimeoutMs)

	f.tickUntil(5, job.IsDone)
	testutil.Equal(t, StateFinished, job.State())
	tbl.RLock()
	idx := tbl.IndexByName("mv_sum")
	tbl.RUnlock()
	testutil.NotNil(t, idx)
	testutil.Equal(t, "select k1, sum(v1) from sales group by k1", idx.ViewDefineSQL)
	testutil.Equal(t, catalog.IndexNormal, idx.State)
}

func TestCreateMaterializedViewNameClashes(t *testing.T) {
	t.Parallel()
	f := newFixture(t, catalog.SharedNothing)
	f.dupTable("sales")
	f.dupTable("orders")
	job := f.addRollup("orders", "r_orders", "k1", "v1")
	f.tickUntil(5, job.IsDone)

	mv := func(name string) CreateMVRequest {
		return CreateMVRequest{
			DBName: "example_db", TableName: "sales", MVName: name,
			Columns: []MVColumn{{Name: "k1", BaseColumn: "k1", IsKey: true}, {Name: "v1", BaseColumn: "v1", Agg: catalog.AggSum}},
		}
	}

	_, err := f.h.ProcessCreateMaterializedView(f.ctx, mv("orders"))
	testutil.ErrorContains(t, err, "table [orders] already exists in the db example_db")

	_, err = f.h.ProcessCreateMaterializedView(f.ctx, mv("r_orders"))
	testutil.ErrorContains(t, err, "materialized view[r_orders] already exists in table orders")

	_, err = f.h.ProcessCreateMaterializedView(f.ctx, mv("mv1"))
	testutil.NoError(t, err)
	_, err = f.h.ProcessCreateMaterializedView(f.ctx, mv("mv1"))
	testutil.True(t, errors.Is(err, ErrTableNotNormal))
}

func TestCreateMaterializedViewRequests(t *testing.T) {
	t.Parallel()
	f := newFixture(t, catalog.SharedNothing)
	f.dupTable("sales")
	cols := []MVColumn{{Name: "k1", BaseColumn: "k1", IsKey: true}, {Name: "v1", BaseColumn: "v1", Agg: catalog.AggSum}}

	_, err := f.h.ProcessCreateMaterializedView(f.ctx, CreateMVRequest{
		DBName: "example_db", TableName: "sales", MVName: "mv1", BaseIndexName: "orders", Columns: cols,
	})
	testutil.ErrorContains(t, err, "the name of table in from clause must be same as the name of alter table")

	_, err = f.h.ProcessCreateMaterializedView(f.ctx, CreateMVRequest{
		DBName: "example_db", TableName: "sales", MVName: "mv1", Columns: cols,
		Properties: map[string]string{PropColocateMV: "true"},
	})
	testutil.ErrorContains(t, err, "colocate group")
	testutil.Equal(t, 4, f.cat.Tablets.Len())

	job, err := f.h.ProcessCreateMaterializedView(f.ctx, CreateMVRequest{
		DBName: "example_db", TableName: "sales", MVName: "mv1", Columns: cols, WhereClause: "k1 > 0",
		Properties: map[string]string{PropColocateMV: "true", PropTimeout: "30", PropShortKey: "1"},
	})
	testutil.NoError(t, err)
	rec := job.Record()
	testutil.False(t, rec.ColocateMV, "where clause disables colocation")
	testutil.Equal(t, int64(30000), rec.TimeoutMs)
	testutil.Equal(t, 1, rec.ShortKeyCount)
}

func TestCancelMV(t *testing.T) {
	t.Parallel()
	f := newFixture(t, catalog.SharedNothing)
	tbl := f.dupTable("sales")
	job, err := f.h.ProcessCreateMaterializedView(f.ctx, CreateMVRequest{
		DBName: "example_db", TableName: "sales", MVName: "mv1",
		Columns: []MVColumn{{Name: "k1", BaseColumn: "k1", IsKey: true}, {Name: "v1", BaseColumn: "v1", Agg: catalog.AggSum}},
	})
	testutil.NoError(t, err)

	id, err := f.h.CancelMV(f.ctx, "example_db", "mv1")
	testutil.NoError(t, err)
	testutil.Equal(t, job.ID(), id)
	testutil.Equal(t, StateCancelled, job.State())
	testutil.Equal(t, catalog.TableNormal, tbl.GetState())

	_, err = f.h.CancelMV(f.ctx, "example_db", "mv1")
	testutil.True(t, errors.Is(err, ErrJobNotFound))
	testutil.ErrorContains(t, err, "is not under MATERIALIZED VIEW")
}

func TestCancelReportsJournalFailure(t *testing.T) {
	t.Parallel()
	f := newFixture(t, catalog.SharedNothing)
	tbl := f.dupTable("sales")
	rollup := f.addRollup("sales", "r1", "k1", "v1")
	f.dupTable("orders")
	mv, err := f.h.ProcessCreateMaterializedView(f.ctx, CreateMVRequest{
		DBName: "example_db", TableName: "orders", MVName: "mv1",
		Columns: []MVColumn{{Name: "k1", BaseColumn: "k1", IsKey: true}, {Name: "v1", BaseColumn: "v1", Agg: catalog.AggSum}},
	})
	testutil.NoError(t, err)
	fl := &failingLog{MemoryLog: f.log, fail: true}
	f.env.Journal.log = fl

	_, err = f.h.Cancel(f.ctx, CancelRequest{DBName: "example_db", TableName: "sales"})
	testutil.ErrorContains(t, err, "journal append failed")
	testutil.False(t, errors.Is(err, ErrJobNotFound))
	testutil.Equal(t, StatePending, rollup.State())
	testutil.Equal(t, catalog.TableRollup, tbl.GetState())

	_, err = f.h.CancelMV(f.ctx, "example_db", "mv1")
	testutil.ErrorContains(t, err, "journal append failed")
	testutil.False(t, errors.Is(err, ErrJobNotFound))
	testutil.Equal(t, StatePending, mv.State())

	fl.fail = false
	id, err := f.h.CancelMV(f.ctx, "example_db", "mv1")
	testutil.NoError(t, err)
	testutil.Equal(t, mv.ID(), id)
	testutil.Equal(t, StateCancelled, mv.State())
}

func TestCancelMVOfFinishedView(t *testing.T) {
	t.Parallel()
	f := newFixture(t, catalog.SharedNothing)
	f.dupTable("sales")
	job, err := f.h.ProcessCreateMaterializedView(f.ctx, CreateMVRequest{
		DBName: "example_db", TableName: "sales", MVName: "mv1",
		Columns: []MVColumn{{Name: "k1", BaseColumn: "k1", IsKey: true}, {Name: "v1", BaseColumn: "v1", Agg: catalog.AggSum}},
	})
	testutil.NoError(t, err)
	f.tickUntil(5, job.IsDone)

	_, err = f.h.CancelMV(f.ctx, "example_db", "mv1")
	testutil.True(t, errors.Is(err, ErrJobNotFound))
	_, err = f.h.CancelMV(f.ctx, "example_db", "missing")
	testutil.True(t, errors.Is(err, ErrJobNotFound))
	_, err = f.h.CancelMV(f.ctx, "example_db", "")
	testutil.True(t, errors.Is(err, ErrInvalidSchema))
	testutil.Equal(t, StateFinished, job.State())
}

func TestDropRollupAndMaterializedView(t *testing.T) {
	t.Parallel()
	f := newFixture(t, catalog.SharedNothing)
	tbl := f.dupTable("sales")
	r1 := f.addRollup("sales", "r1", "k1", "v1")
	f.tickUntil(5, r1.IsDone)
	r2 := f.addRollup("sales", "r2", "k2", "v2")
	f.tickUntil(5, r2.IsDone)
	testutil.Equal(t, 12, f.cat.Tablets.Len())

	err := f.h.ProcessBatchDropRollup(f.ctx, "example_db", "sales", []string{"r1", "missing"})
	testutil.True(t, errors.Is(err, ErrNotFound))
	testutil.True(t, tbl.HasIndex("r1"), "nothing dropped when one name is unknown")

	err = f.h.ProcessBatchDropRollup(f.ctx, "example_db", "sales", []string{"sales"})
	testutil.ErrorContains(t, err, "cannot drop base index")

	testutil.NoError(t, f.h.ProcessBatchDropRollup(f.ctx, "example_db", "sales", []string{"r1"}))
	testutil.False(t, tbl.HasIndex("r1"))
	testutil.Equal(t, 8, f.cat.Tablets.Len())

	testutil.NoError(t, f.h.ProcessDropMaterializedView(f.ctx, DropMVRequest{DBName: "example_db", MVName: "r2"}))
	testutil.False(t, tbl.HasIndex("r2"))
	testutil.Equal(t, 4, f.cat.Tablets.Len())

	err = f.h.ProcessDropMaterializedView(f.ctx, DropMVRequest{DBName: "example_db", TableName: "sales", MVName: "r2"})
	testutil.True(t, errors.Is(err, ErrNotFound))
	testutil.NoError(t, f.h.ProcessDropMaterializedView(f.ctx, DropMVRequest{DBName: "example_db", TableName: "sales", MVName: "r2", IfExists: true}))
	testutil.NoError(t, f.h.ProcessDropMaterializedView(f.ctx, DropMVRequest{DBName: "example_db", MVName: "r2", IfExists: true}))

	last := f.log.Entries()[len(f.log.Entries())-1]
	testutil.Equal(t, editlog.OpDropRollup, last.Op)
}

func TestShowAlterJobs(t *testing.T) {
	t.Parallel()
	f := newFixture(t, catalog.SharedNothing)
	f.dupTable("sales")
	f.dupTable("orders")
	done := f.addRollup("orders", "r_orders", "k1", "v1")
	f.tickUntil(5, done.IsDone)
	pending := f.addRollup("sales", "r_sales", "k1", "v1")

	rows, err := f.h.ShowAlterJobs("example_db")
	testutil.NoError(t, err)
	testutil.SliceLen(t, rows, 2)
	testutil.Equal(t, done.ID(), rows[0].JobID)
	testutil.Equal(t, StateFinished, rows[0].State)
	testutil.NotNil(t, rows[0].FinishTime)
	testutil.Equal(t, "orders", rows[0].BaseIndexName)
	testutil.Equal(t, pending.ID(), rows[1].JobID)
	testutil.Equal(t, "N/A", rows[1].Progress)
	testutil.Equal(t, int64(DefaultAlterTimeoutSeconds), rows[1].TimeoutSeconds)

	_, err = f.h.ShowAlterJobs("nope")
	testutil.True(t, errors.Is(err, ErrNotFound))
}

func TestCreateTableRollsBackOnJournalFailure(t *testing.T) {
	t.Parallel()
	f := newFixture(t, catalog.SharedNothing)
	f.env.Journal.log = &failingLog{MemoryLog: f.log, fail: true}

	_, err := f.h.CreateTable(f.ctx, "example_db", catalog.TableSpec{
		Name: "sales", Columns: []catalog.Column{intCol("k1", true)},
	})
	testutil.ErrorContains(t, err, "disk full")
	testutil.Nil(t, f.cat.DBByName("example_db").TableByName("sales"))
	testutil.Equal(t, 0, f.cat.Tablets.Len())

	_, err = f.h.CreateDatabase(f.ctx, "other_db")
	testutil.ErrorContains(t, err, "disk full")
	testutil.Nil(t, f.cat.DBByName("other_db"))
}
