package alter

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/allyourbase/alterd/internal/backend"
	"github.com/allyourbase/alterd/internal/catalog"
	"github.com/allyourbase/alterd/internal/editlog"
	"github.com/allyourbase/alterd/internal/testutil"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	t     *testing.T
	ctx   context.Context
	cat   *catalog.Catalog
	sim   *backend.Simulated
	log   *editlog.MemoryLog
	clock *fakeClock
	env   *JobEnv
	h     *Handler
}

func newFixture(t *testing.T, mode catalog.RunMode) *fixture {
	t.Helper()
	logger := testutil.DiscardLogger()
	f := &fixture{
		t:     t,
		ctx:   context.Background(),
		cat:   catalog.New(mode),
		sim:   backend.NewSimulated(logger, 0),
		log:   editlog.NewMemoryLog(),
		clock: &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
	}
	f.env = &JobEnv{
		Catalog:   f.cat,
		Agent:     f.sim,
		Txns:      f.sim,
		Publisher: f.sim,
		Journal:   NewJournal(f.log),
		Logger:    logger,
		Now:       f.clock.Now,
	}
	f.h = NewHandler(f.env, Config{})
	_, err := f.h.CreateDatabase(f.ctx, "example_db")
	testutil.NoError(t, err)
	return f
}

func intCol(name string, key bool) catalog.Column {
	return catalog.Column{Name: name, Type: catalog.Type{Primitive: catalog.TypeInt}, IsKey: key}
}

func typedCol(name string, typ catalog.PrimitiveType, length int, key bool) catalog.Column {
	return catalog.Column{Name: name, Type: catalog.Type{Primitive: typ, Len: length}, IsKey: key}
}

func valueCol(name string, agg catalog.AggregateType) catalog.Column {
	return catalog.Column{Name: name, Type: catalog.Type{Primitive: catalog.TypeBigInt}, Agg: agg}
}

// createTable adds a two partition, two bucket table to example_db.
func (f *fixture) createTable(name string, keys catalog.KeysType, cols ...catalog.Column) *catalog.Table {
	f.t.Helper()
	tbl, err := f.h.CreateTable(f.ctx, "example_db", catalog.TableSpec{
		Name:       name,
		KeysType:   keys,
		Columns:    cols,
		Partitions: []string{"p1", "p2"},
		Buckets:    2,
	})
	testutil.NoError(f.t, err)
	return tbl
}

// dupTable creates a duplicate-key table with k1, k2 keys and v1, v2 values.
func (f *fixture) dupTable(name string) *catalog.Table {
	return f.createTable(name, catalog.DupKeys,
		intCol("k1", true), intCol("k2", true), valueCol("v1", catalog.AggNone), valueCol("v2", catalog.AggNone))
}

func (f *fixture) addRollup(table, name string, cols ...string) Job {
	f.t.Helper()
	jobs, err := f.h.ProcessBatchAddRollup(f.ctx, "example_db", table, []AddRollupClause{{RollupName: name, Columns: cols}})
	testutil.NoError(f.t, err)
	testutil.SliceLen(f.t, jobs, 1)
	return jobs[0]
}

// tickUntil ticks until cond holds, failing after n ticks.
func (f *fixture) tickUntil(n int, cond func() bool) {
	f.t.Helper()
	for range n {
		if cond() {
			return
		}
		f.h.Tick(f.ctx)
	}
	if !cond() {
		f.t.Fatalf("condition not met after %d ticks", n)
	}
}

// replica builds a second handler that rebuilds state only from f's journal.
func (f *fixture) replica() *fixture {
	f.t.Helper()
	logger := testutil.DiscardLogger()
	r := &fixture{
		t:     f.t,
		ctx:   f.ctx,
		cat:   catalog.New(f.cat.RunMode()),
		sim:   backend.NewSimulated(logger, 0),
		log:   editlog.NewMemoryLog(),
		clock: f.clock,
	}
	r.env = &JobEnv{
		Catalog:   r.cat,
		Agent:     r.sim,
		Txns:      r.sim,
		Publisher: r.sim,
		Journal:   NewJournal(r.log),
		Logger:    logger,
		Now:       r.clock.Now,
	}
	r.h = NewHandler(r.env, Config{})
	_, err := r.h.ReplayJournal(f.ctx, f.log, 0)
	testutil.NoError(f.t, err)
	return r
}
