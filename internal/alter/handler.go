package alter

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/allyourbase/alterd/internal/backend"
	"github.com/allyourbase/alterd/internal/catalog"
	"github.com/allyourbase/alterd/internal/editlog"
)

// Defaults applied when Config leaves a field zero.
const (
	DefaultMaxRunningPerTable  = 1
	DefaultAlterTimeoutSeconds = 86400
	reasonUserCancelled        = "user cancelled"
)

// Config tunes the handler.
type Config struct {
	MaxRunningPerTable    int
	DefaultTimeoutSeconds int64
}

// Handler is the entry point for rollup and synchronous materialized view
// DDL. It validates requests, creates jobs, journals them and tracks them
// until the Scheduler drives them to a final state.
type Handler struct {
	env       *JobEnv
	catalog   *catalog.Catalog
	journal   *Journal
	registry  *Registry
	limiter   *Limiter
	tableSync *TableStateSync
	factory   *jobFactory
	logger    *slog.Logger
	observer  Observer

	maxRunning     atomic.Int64
	defaultTimeout atomic.Int64
}

func NewHandler(env *JobEnv, cfg Config) *Handler {
	if cfg.MaxRunningPerTable <= 0 {
		cfg.MaxRunningPerTable = DefaultMaxRunningPerTable
	}
	if cfg.DefaultTimeoutSeconds <= 0 {
		cfg.DefaultTimeoutSeconds = DefaultAlterTimeoutSeconds
	}
	h := &Handler{
		env:      env,
		catalog:  env.Catalog,
		journal:  env.Journal,
		registry: NewRegistry(env.Logger),
		logger:   env.Logger,
		observer: nopObserver{},
	}
	h.maxRunning.Store(int64(cfg.MaxRunningPerTable))
	h.defaultTimeout.Store(cfg.DefaultTimeoutSeconds)
	h.limiter = NewLimiter(h.registry, h.MaxRunningPerTable)
	h.tableSync = NewTableStateSync(env.Catalog, h.registry, env.Logger)
	h.factory = &jobFactory{env: env, defaultTimeout: h.defaultTimeout.Load}
	return h
}

// SetObserver installs an event observer. It must be called before the
// scheduler starts.
func (h *Handler) SetObserver(o Observer) {
	if o == nil {
		o = nopObserver{}
	}
	h.observer = o
}

func (h *Handler) Registry() *Registry { return h.registry }

func (h *Handler) Catalog() *catalog.Catalog { return h.catalog }

func (h *Handler) Journal() *Journal { return h.journal }

// MaxRunningPerTable returns the current per-table concurrency cap.
func (h *Handler) MaxRunningPerTable() int { return int(h.maxRunning.Load()) }

// SetMaxRunningPerTable changes the per-table cap. Jobs already running
// keep running when the cap is lowered.
func (h *Handler) SetMaxRunningPerTable(n int) error {
	if n <= 0 {
		return fmt.Errorf("%w: max running jobs per table must be positive, got %d", ErrInvalidProperty, n)
	}
	h.maxRunning.Store(int64(n))
	h.logger.Info("max running alter jobs per table changed", "value", n)
	return nil
}

// DefaultTimeoutSeconds returns the timeout given to jobs without a timeout property.
func (h *Handler) DefaultTimeoutSeconds() int64 { return h.defaultTimeout.Load() }

func (h *Handler) SetDefaultTimeoutSeconds(sec int64) error {
	if sec <= 0 {
		return fmt.Errorf("%w: alter timeout must be positive, got %d", ErrInvalidProperty, sec)
	}
	h.defaultTimeout.Store(sec)
	return nil
}

func (h *Handler) resolve(dbName, tableName string) (*catalog.Database, *catalog.Table, error) {
	db, tbl, err := h.catalog.ResolveTable(dbName, tableName)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	return db, tbl, nil
}

// Process runs an ALTER TABLE statement made only of rollup clauses. Add
// and drop clauses cannot be mixed.
func (h *Handler) Process(ctx context.Context, dbName, tableName string, clauses []AlterClause) ([]Job, error) {
	var adds []AddRollupClause
	var drops []string
	for _, c := range clauses {
		switch {
		case c.AddRollup != nil && c.DropRollup == nil:
			adds = append(adds, *c.AddRollup)
		case c.DropRollup != nil && c.AddRollup == nil:
			drops = append(drops, c.DropRollup.RollupName)
		default:
			return nil, fmt.Errorf("%w: each alter clause must set exactly one of addRollup or dropRollup", ErrUnsupported)
		}
	}
	switch {
	case len(adds) > 0 && len(drops) > 0:
		return nil, fmt.Errorf("%w: cannot add and drop rollups in one statement", ErrUnsupported)
	case len(adds) > 0:
		return h.ProcessBatchAddRollup(ctx, dbName, tableName, adds)
	case len(drops) > 0:
		return nil, h.ProcessBatchDropRollup(ctx, dbName, tableName, drops)
	default:
		return nil, fmt.Errorf("%w: no alter clause given", ErrUnsupported)
	}
}

// ProcessBatchAddRollup validates every clause and creates one job per
// rollup. Either every job is registered and journaled in one entry, or
// none is and every placeholder tablet created along the way is released.
func (h *Handler) ProcessBatchAddRollup(ctx context.Context, dbName, tableName string, clauses []AddRollupClause) ([]Job, error) {
	if len(clauses) == 0 {
		return nil, fmt.Errorf("%w: no rollup given", ErrInvalidSchema)
	}
	db, tbl, err := h.resolve(dbName, tableName)
	if err != nil {
		return nil, err
	}
	db.LockDDL()
	defer db.UnlockDDL()
	tbl.Lock()
	defer tbl.Unlock()

	if err := checkAlterable(h.catalog, tbl, true); err != nil {
		return nil, err
	}
	if tbl.State != catalog.TableNormal {
		return nil, fmt.Errorf("%w: table[%s]'s state is %s, not NORMAL", ErrTableNotNormal, tbl.Name, tbl.State)
	}

	pending := h.registry.PendingIndexNames(tbl.ID)
	baseName := tbl.Indexes[tbl.BaseIndexID].Name
	var (
		jobs []Job
		recs []JobRecord
	)
	fail := func(err error) ([]Job, error) {
		h.factory.compensate(recs)
		return nil, err
	}
	for _, c := range clauses {
		if err := checkRollupName(c.RollupName, tbl, pending); err != nil {
			return fail(err)
		}
		from := c.BaseRollup
		if from == "" {
			from = baseName
		}
		baseID, err := checkAndGetBaseIndex(from, tbl)
		if err != nil {
			return fail(err)
		}
		schema, err := prepareRollupSchema(c, tbl, baseID)
		if err != nil {
			return fail(err)
		}
		job, rec, err := h.factory.build(jobSpec{
			table:       tbl,
			baseIndexID: baseID,
			name:        c.RollupName,
			schema:      schema,
			keysType:    tbl.KeysType,
			properties:  c.Properties,
		})
		if err != nil {
			return fail(err)
		}
		jobs = append(jobs, job)
		recs = append(recs, rec)
		pending = append(pending, c.RollupName)
	}

	// The table is ROLLUP before the jobs are journaled and back to NORMAL
	// if the append fails.
	tbl.State = catalog.TableRollup
	if err := h.journal.LogBatchAlterJob(ctx, recs); err != nil {
		tbl.State = catalog.TableNormal
		return fail(fmt.Errorf("journaling rollup jobs: %w", err))
	}
	for _, job := range jobs {
		h.registry.Track(job)
		h.observer.JobSubmitted(job.Kind())
	}
	h.logger.Info("rollup jobs created", "db", db.Name, "table", tbl.Name, "count", len(jobs))
	return jobs, nil
}

// ProcessCreateMaterializedView validates req and registers one job that
// builds the view as an index of the base table.
func (h *Handler) ProcessCreateMaterializedView(ctx context.Context, req CreateMVRequest) (Job, error) {
	db, tbl, err := h.resolve(req.DBName, req.TableName)
	if err != nil {
		return nil, err
	}
	db.LockDDL()
	defer db.UnlockDDL()

	if err := checkMVNameInDB(req.MVName, db, tbl.ID, h.registry.PendingIndexNames); err != nil {
		return nil, err
	}

	tbl.Lock()
	defer tbl.Unlock()
	if err := checkAlterable(h.catalog, tbl, false); err != nil {
		return nil, err
	}
	if req.BaseIndexName != "" && !strings.EqualFold(req.BaseIndexName, tbl.Name) {
		return nil, fmt.Errorf("%w: the name of table in from clause must be same as the name of alter table", ErrInvalidSchema)
	}
	if tbl.State != catalog.TableNormal {
		return nil, fmt.Errorf("%w: table[%s]'s state is not NORMAL, do not allow doing materialized view", ErrTableNotNormal, tbl.Name)
	}
	if err := checkMVNameInTable(req.MVName, tbl, h.registry.PendingIndexNames(tbl.ID)); err != nil {
		return nil, err
	}
	baseID, err := checkAndGetBaseIndex(tbl.Indexes[tbl.BaseIndexID].Name, tbl)
	if err != nil {
		return nil, err
	}
	schema, err := prepareMVSchema(req, tbl)
	if err != nil {
		return nil, err
	}
	job, rec, err := h.factory.build(jobSpec{
		table:         tbl,
		baseIndexID:   baseID,
		name:          req.MVName,
		schema:        schema,
		keysType:      req.mvKeysType(),
		properties:    req.Properties,
		mv:            true,
		viewDefineSQL: req.ViewDefineSQL,
		whereClause:   req.WhereClause,
	})
	if err != nil {
		return nil, err
	}
	tbl.State = catalog.TableRollup
	if err := h.journal.LogAlterJob(ctx, rec); err != nil {
		tbl.State = catalog.TableNormal
		h.factory.compensate([]JobRecord{rec})
		return nil, fmt.Errorf("journaling materialized view job: %w", err)
	}
	h.registry.Track(job)
	h.observer.JobSubmitted(job.Kind())
	h.logger.Info("materialized view job created", "db", db.Name, "table", tbl.Name, "mv", req.MVName, "job_id", job.ID())
	return job, nil
}

// dropIndexes removes finished secondary indexes from a locked table and
// releases their tablets.
func (h *Handler) dropIndexes(tbl *catalog.Table, ids []int64) {
	for _, id := range ids {
		h.catalog.Tablets.Delete(tbl.RemoveIndex(id)...)
	}
}

func (h *Handler) checkDroppable(tbl *catalog.Table, name string) (int64, error) {
	if strings.EqualFold(name, tbl.Name) {
		return 0, fmt.Errorf("%w: cannot drop base index by using DROP ROLLUP or DROP MATERIALIZED VIEW", ErrUnsupported)
	}
	idx := tbl.IndexByName(name)
	if idx == nil {
		return 0, fmt.Errorf("%w: rollup index[%s] does not exist in table[%s]", ErrNotFound, name, tbl.Name)
	}
	if idx.ID == tbl.BaseIndexID {
		return 0, fmt.Errorf("%w: cannot drop base index by using DROP ROLLUP or DROP MATERIALIZED VIEW", ErrUnsupported)
	}
	return idx.ID, nil
}

// ProcessBatchDropRollup drops every named rollup or none of them.
func (h *Handler) ProcessBatchDropRollup(ctx context.Context, dbName, tableName string, names []string) error {
	db, tbl, err := h.resolve(dbName, tableName)
	if err != nil {
		return err
	}
	db.LockDDL()
	defer db.UnlockDDL()
	tbl.Lock()
	defer tbl.Unlock()

	if tbl.State != catalog.TableNormal {
		return fmt.Errorf("%w: table[%s]'s state is %s, not NORMAL", ErrTableNotNormal, tbl.Name, tbl.State)
	}
	ids := make([]int64, 0, len(names))
	for _, name := range names {
		id, err := h.checkDroppable(tbl, name)
		if err != nil {
			return err
		}
		if slices.Contains(ids, id) {
			continue
		}
		ids = append(ids, id)
	}
	if err := h.journal.LogBatchDropRollup(ctx, editlog.BatchDropInfo{DBID: db.ID, TableID: tbl.ID, IndexIDs: ids}); err != nil {
		return fmt.Errorf("journaling drop rollup: %w", err)
	}
	h.dropIndexes(tbl, ids)
	h.logger.Info("rollups dropped", "db", db.Name, "table", tbl.Name, "rollups", names)
	return nil
}

// ProcessDropMaterializedView drops a synchronous materialized view. When
// no table is named every table of the database is searched.
func (h *Handler) ProcessDropMaterializedView(ctx context.Context, req DropMVRequest) error {
	db := h.catalog.DBByName(req.DBName)
	if db == nil {
		return fmt.Errorf("%w: %w: %q", ErrNotFound, catalog.ErrDatabaseNotFound, req.DBName)
	}
	db.LockDDL()
	defer db.UnlockDDL()

	var tbl *catalog.Table
	if req.TableName != "" {
		if tbl = db.TableByName(req.TableName); tbl == nil {
			return fmt.Errorf("%w: %w: %q.%q", ErrNotFound, catalog.ErrTableNotFound, req.DBName, req.TableName)
		}
	} else {
		for _, t := range db.ListTables() {
			t.RLock()
			found := t.Name != req.MVName && t.HasIndex(req.MVName)
			t.RUnlock()
			if found {
				tbl = t
				break
			}
		}
	}
	if tbl == nil {
		if req.IfExists {
			h.logger.Info("materialized view does not exist, skipping drop", "db", db.Name, "mv", req.MVName)
			return nil
		}
		return fmt.Errorf("%w: materialized view [%s] does not exist in database [%s]", ErrNotFound, req.MVName, db.Name)
	}

	tbl.Lock()
	defer tbl.Unlock()
	if !strings.EqualFold(req.MVName, tbl.Name) && !tbl.HasIndex(req.MVName) {
		if req.IfExists {
			h.logger.Info("materialized view does not exist, skipping drop", "table", tbl.Name, "mv", req.MVName)
			return nil
		}
		return fmt.Errorf("%w: materialized view [%s] does not exist in table [%s]", ErrNotFound, req.MVName, tbl.Name)
	}
	if tbl.State != catalog.TableNormal {
		return fmt.Errorf("%w: table[%s]'s state is %s, not NORMAL", ErrTableNotNormal, tbl.Name, tbl.State)
	}
	id, err := h.checkDroppable(tbl, req.MVName)
	if err != nil {
		return err
	}
	if err := h.journal.LogDropRollup(ctx, editlog.DropInfo{DBID: db.ID, TableID: tbl.ID, IndexID: id, Name: req.MVName}); err != nil {
		return fmt.Errorf("journaling drop materialized view: %w", err)
	}
	h.dropIndexes(tbl, []int64{id})
	h.logger.Info("materialized view dropped", "db", db.Name, "table", tbl.Name, "mv", req.MVName)
	return nil
}

// Cancel cancels the table's unfinished jobs, or only those in req.JobIDs.
// It returns the ids of the jobs it cancelled.
func (h *Handler) Cancel(ctx context.Context, req CancelRequest) ([]int64, error) {
	db, tbl, err := h.resolve(req.DBName, req.TableName)
	if err != nil {
		return nil, err
	}
	db.LockDDL()
	tbl.Lock()
	state := tbl.State
	jobs := h.registry.NotFinal(tbl.ID)
	tbl.Unlock()
	db.UnlockDDL()

	if state != catalog.TableRollup && state != catalog.TableWaitingStable {
		return nil, fmt.Errorf("%w: table[%s] is not under ROLLUP/WAITING_STABLE, use 'ALTER TABLE DROP ROLLUP' if you want to",
			ErrConflict, tbl.Name)
	}
	if len(req.JobIDs) > 0 {
		jobs = slices.DeleteFunc(jobs, func(j Job) bool { return !slices.Contains(req.JobIDs, j.ID()) })
	}
	if len(jobs) == 0 {
		return nil, fmt.Errorf("%w: table[%s] is under ROLLUP but job does not exist", ErrJobNotFound, tbl.Name)
	}

	// Job cancellation takes the table lock itself.
	var (
		cancelled []int64
		failed    Job
	)
	for _, job := range jobs {
		if job.Cancel(ctx, reasonUserCancelled) {
			cancelled = append(cancelled, job.ID())
		} else if failed == nil || !job.IsDone() {
			failed = job
		}
		if job.IsDone() {
			h.onJobDone(job)
		}
	}
	if len(cancelled) == 0 {
		return nil, cancelFailure(failed, tbl.Name)
	}
	return cancelled, nil
}

// CancelMV cancels the unfinished job building the named materialized view
// anywhere in the database.
func (h *Handler) CancelMV(ctx context.Context, dbName, mvName string) (int64, error) {
	db := h.catalog.DBByName(dbName)
	if db == nil {
		return 0, fmt.Errorf("%w: %w: %q", ErrNotFound, catalog.ErrDatabaseNotFound, dbName)
	}
	if mvName == "" {
		return 0, fmt.Errorf("%w: materialized view name is required", ErrInvalidSchema)
	}
	// The DDL lock is held only while locating the job; cancellation takes
	// the table lock itself.
	var target Job
	db.LockDDL()
	for _, t := range db.ListTables() {
		for _, job := range h.registry.NotFinal(t.ID) {
			if job.RollupIndexName() == mvName {
				target = job
			}
		}
	}
	db.UnlockDDL()
	if target == nil {
		return 0, fmt.Errorf("%w: table[%s] is not under MATERIALIZED VIEW, use 'DROP MATERIALIZED VIEW' if you want to",
			ErrJobNotFound, mvName)
	}
	ok := target.Cancel(ctx, reasonUserCancelled)
	if target.IsDone() {
		h.onJobDone(target)
	}
	if !ok {
		return 0, cancelFailure(target, mvName)
	}
	return target.ID(), nil
}

// cancelFailure explains why job.Cancel returned false: either the job
// reached a final state first, or the cancellation could not be journaled.
func cancelFailure(job Job, name string) error {
	if job.IsDone() {
		return fmt.Errorf("%w: job %d for %s is already %s", ErrJobNotFound, job.ID(), name, job.State())
	}
	return fmt.Errorf("cancelling job %d for %s: journal append failed, retry later", job.ID(), name)
}

// onJobDone releases a finished job's registry slots and returns its table
// to NORMAL when no unfinished job remains.
func (h *Handler) onJobDone(job Job) {
	h.registry.RemoveRunning(job)
	removed, last := h.registry.untrack(job)
	if !removed {
		return
	}
	h.observer.JobDone(job.Kind(), job.State())
	if last {
		h.tableSync.ResetIfIdle(job.DBID(), job.TableID())
	}
}

// JobInfo is one row of the alter job listing.
type JobInfo struct {
	JobID           int64      `json:"jobId"`
	TableName       string     `json:"tableName"`
	CreateTime      time.Time  `json:"createTime"`
	FinishTime      *time.Time `json:"finishTime,omitempty"`
	BaseIndexName   string     `json:"baseIndexName"`
	RollupIndexName string     `json:"rollupIndexName"`
	RollupID        int64      `json:"rollupId"`
	TransactionID   int64      `json:"transactionId"`
	Kind            JobKind    `json:"kind"`
	State           JobState   `json:"state"`
	Msg             string     `json:"msg"`
	Progress        string     `json:"progress"`
	TimeoutSeconds  int64      `json:"timeout"`
}

// ShowAlterJobs lists every known job of a database, finished ones
// included until they are pruned from history.
func (h *Handler) ShowAlterJobs(dbName string) ([]JobInfo, error) {
	db := h.catalog.DBByName(dbName)
	if db == nil {
		return nil, fmt.Errorf("%w: %w: %q", ErrNotFound, catalog.ErrDatabaseNotFound, dbName)
	}
	var rows []JobInfo
	for _, job := range h.registry.All() {
		if job.DBID() != db.ID {
			continue
		}
		rec := job.Record()
		rows = append(rows, JobInfo{
			JobID:           rec.JobID,
			TableName:       rec.TableName,
			CreateTime:      rec.CreatedAt,
			FinishTime:      rec.FinishedAt,
			BaseIndexName:   rec.BaseIndexName,
			RollupIndexName: rec.RollupIndexName,
			RollupID:        rec.RollupIndexID,
			TransactionID:   rec.WatershedTxnID,
			Kind:            rec.Kind,
			State:           rec.State,
			Msg:             rec.Reason,
			Progress:        h.progress(rec),
			TimeoutSeconds:  rec.TimeoutMs / 1000,
		})
	}
	slices.SortFunc(rows, compareJobInfo)
	return rows, nil
}

func compareJobInfo(a, b JobInfo) int {
	return cmp.Or(
		cmp.Compare(a.JobID, b.JobID),
		cmp.Compare(a.TableName, b.TableName),
		a.CreateTime.Compare(b.CreateTime),
		compareFinish(a.FinishTime, b.FinishTime),
		cmp.Compare(a.BaseIndexName, b.BaseIndexName),
		cmp.Compare(a.RollupIndexName, b.RollupIndexName),
	)
}

func compareFinish(a, b *time.Time) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	return a.Compare(*b)
}

// progress reports finished alter tasks over total while a job is RUNNING.
func (h *Handler) progress(rec JobRecord) string {
	if rec.State != StateRunning || len(rec.Tablets) == 0 {
		return "N/A"
	}
	done := 0
	for _, m := range rec.Tablets {
		if status, _ := h.env.Agent.Status(backend.TaskAlterReplica, m.RollupTabletID); status == backend.TaskDone {
			done++
		}
	}
	return fmt.Sprintf("%d/%d", done, len(rec.Tablets))
}

// TableState reports a table's state and whether it has unfinished jobs.
func (h *Handler) TableState(dbName, tableName string) (catalog.TableState, []Job, error) {
	_, tbl, err := h.resolve(dbName, tableName)
	if err != nil {
		return "", nil, err
	}
	return tbl.GetState(), h.registry.NotFinal(tbl.ID), nil
}

// CreateDatabase adds and journals a database.
func (h *Handler) CreateDatabase(ctx context.Context, name string) (*catalog.Database, error) {
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("%w: database name is required", ErrInvalidSchema)
	}
	db, err := h.catalog.CreateDatabase(name)
	if err != nil {
		return nil, translateCatalogErr(err)
	}
	if err := h.journal.LogCreateDatabase(ctx, db); err != nil {
		if dropErr := h.catalog.DropDatabase(db.ID); dropErr != nil {
			h.logger.Error("rolling back unjournaled database failed", "db", name, "error", dropErr)
		}
		return nil, fmt.Errorf("journaling database: %w", err)
	}
	h.logger.Info("database created", "db", name, "db_id", db.ID)
	return db, nil
}

// CreateTable adds and journals a table.
func (h *Handler) CreateTable(ctx context.Context, dbName string, spec catalog.TableSpec) (*catalog.Table, error) {
	db := h.catalog.DBByName(dbName)
	if db == nil {
		return nil, fmt.Errorf("%w: %w: %q", ErrNotFound, catalog.ErrDatabaseNotFound, dbName)
	}
	db.LockDDL()
	defer db.UnlockDDL()
	tbl, err := h.catalog.CreateTable(db, spec)
	if err != nil {
		return nil, translateCatalogErr(err)
	}
	if err := h.journal.LogCreateTable(ctx, tbl); err != nil {
		h.catalog.DropTable(db, tbl.ID)
		return nil, fmt.Errorf("journaling table: %w", err)
	}
	h.logger.Info("table created", "db", dbName, "table", tbl.Name, "table_id", tbl.ID)
	return tbl, nil
}

func translateCatalogErr(err error) error {
	switch {
	case errors.Is(err, catalog.ErrDuplicateName):
		return fmt.Errorf("%w: %w", ErrDuplicateName, err)
	case errors.Is(err, catalog.ErrInvalidTable):
		return fmt.Errorf("%w: %w", ErrInvalidSchema, err)
	case errors.Is(err, catalog.ErrDatabaseNotFound), errors.Is(err, catalog.ErrTableNotFound):
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	return err
}
