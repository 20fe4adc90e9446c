package alter

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/allyourbase/alterd/internal/backend"
	"github.com/allyourbase/alterd/internal/catalog"
)

// rollupJob holds the phases shared by every job kind. Identity fields of
// rec are written once at construction and may be read without mu.
type rollupJob struct {
	mu    sync.Mutex
	env   *JobEnv
	rec   JobRecord
	state atomic.Value // JobState, mirrors rec.State

	createSubmitted bool
	alterSubmitted  bool
}

// RollupJob builds a rollup index on local storage nodes.
type RollupJob struct{ rollupJob }

// LakeRollupJob builds a rollup index in shared storage. After the tablets
// are rewritten the new version is published before the index is visible.
type LakeRollupJob struct{ rollupJob }

// MaterializedViewJob builds a synchronous materialized view index.
type MaterializedViewJob struct{ rollupJob }

func (j *RollupJob) Run(ctx context.Context) { j.run(ctx, j.makeVisible) }

func (j *MaterializedViewJob) Run(ctx context.Context) { j.run(ctx, j.makeVisible) }

func (j *LakeRollupJob) Run(ctx context.Context) { j.run(ctx, j.markRewritten) }

func (j *rollupJob) init(env *JobEnv, rec JobRecord) {
	j.env = env
	j.rec = rec
	j.state.Store(rec.State)
}

func (j *rollupJob) ID() int64               { return j.rec.JobID }
func (j *rollupJob) DBID() int64             { return j.rec.DBID }
func (j *rollupJob) TableID() int64          { return j.rec.TableID }
func (j *rollupJob) Kind() JobKind           { return j.rec.Kind }
func (j *rollupJob) RollupIndexName() string { return j.rec.RollupIndexName }

func (j *rollupJob) State() JobState {
	s, _ := j.state.Load().(JobState)
	return s
}

func (j *rollupJob) IsDone() bool { return j.State().IsFinal() }

func (j *rollupJob) IsTimeout() bool {
	if j.IsDone() || j.rec.TimeoutMs <= 0 {
		return false
	}
	return j.env.now().Sub(j.rec.CreatedAt) > time.Duration(j.rec.TimeoutMs)*time.Millisecond
}

func (j *rollupJob) Record() JobRecord {
	j.mu.Lock()
	defer j.mu.Unlock()
	rec := j.rec
	rec.Tablets = append([]TabletMapping(nil), j.rec.Tablets...)
	rec.RollupSchema = append([]catalog.Column(nil), j.rec.RollupSchema...)
	return rec
}

// advance journals the job moved to next, with edit applied to the new
// record, and adopts that record once the entry is appended. On a journal
// failure the job keeps its current state and no catalog effect may be
// applied; the next tick retries the step.
func (j *rollupJob) advance(ctx context.Context, next JobState, edit func(*JobRecord)) bool {
	rec := j.rec
	if edit != nil {
		edit(&rec)
	}
	rec.State = next
	if next.IsFinal() {
		now := j.env.now().UTC()
		rec.FinishedAt = &now
	}
	if err := j.env.Journal.LogAlterJob(ctx, rec); err != nil {
		j.env.Logger.Error("failed to journal alter job, retrying next tick",
			"job_id", rec.JobID, "state", j.rec.State, "next", next, "error", err)
		return false
	}
	j.rec = rec
	j.state.Store(next)
	return true
}

func (j *rollupJob) run(ctx context.Context, onRewritten func(context.Context)) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.rec.State.IsFinal() {
		return
	}
	if j.IsTimeout() {
		j.cancelLocked(ctx, ReasonTimeout)
		return
	}
	switch j.rec.State {
	case StatePending:
		j.runPending(ctx)
	case StateWaitingTxn:
		j.runWaitingTxn(ctx)
	case StateRunning:
		j.runRunning(ctx, onRewritten)
	case StateFinishedRewriting:
		j.runPublish(ctx)
	}
}

// poll reports whether every task of kind is done. A failed task cancels
// the job; a task the agent does not know about is submitted again.
func (j *rollupJob) poll(ctx context.Context, kind backend.TaskKind) (done bool) {
	done = true
	for _, m := range j.rec.Tablets {
		status, msg := j.env.Agent.Status(kind, m.RollupTabletID)
		switch status {
		case backend.TaskFailed:
			j.cancelLocked(ctx, fmt.Sprintf("%s task on tablet %d failed: %s", kind, m.RollupTabletID, msg))
			return false
		case backend.TaskUnknown:
			if kind == backend.TaskCreateReplica {
				j.createSubmitted = false
			} else {
				j.alterSubmitted = false
			}
			done = false
		case backend.TaskPending:
			done = false
		}
	}
	return done
}

func (j *rollupJob) tasks(kind backend.TaskKind) []backend.Task {
	tasks := make([]backend.Task, 0, len(j.rec.Tablets))
	for _, m := range j.rec.Tablets {
		t := backend.Task{
			Kind:          kind,
			Signature:     m.RollupTabletID,
			DBID:          j.rec.DBID,
			TableID:       j.rec.TableID,
			PartitionID:   m.PartitionID,
			IndexID:       j.rec.RollupIndexID,
			ShortKeyCount: j.rec.ShortKeyCount,
		}
		if kind == backend.TaskAlterReplica {
			t.BaseTabletID = m.BaseTabletID
		}
		tasks = append(tasks, t)
	}
	return tasks
}

func (j *rollupJob) runPending(ctx context.Context) {
	if !j.createSubmitted {
		if err := j.env.Agent.Submit(ctx, j.tasks(backend.TaskCreateReplica)); err != nil {
			j.env.Logger.Warn("submitting create replica tasks failed", "job_id", j.rec.JobID, "error", err)
			return
		}
		j.createSubmitted = true
	}
	if !j.poll(ctx, backend.TaskCreateReplica) {
		return
	}

	_, tbl := j.env.Catalog.Table(j.rec.DBID, j.rec.TableID)
	if tbl == nil {
		j.cancelLocked(ctx, fmt.Sprintf("table %d does not exist", j.rec.TableID))
		return
	}
	watershed := j.env.Txns.NextTxnID()
	if !j.advance(ctx, StateWaitingTxn, func(r *JobRecord) { r.WatershedTxnID = watershed }) {
		return
	}
	tbl.Lock()
	j.addShadowIndex(tbl)
	tbl.Unlock()
	j.env.Logger.Info("alter job replicas created", "job_id", j.rec.JobID, "watershed_txn_id", j.rec.WatershedTxnID)
}

// addShadowIndex installs the not yet visible rollup index. The table lock
// must be held. It is idempotent.
func (j *rollupJob) addShadowIndex(tbl *catalog.Table) {
	if _, ok := tbl.Indexes[j.rec.RollupIndexID]; !ok {
		tbl.Indexes[j.rec.RollupIndexID] = &catalog.IndexMeta{
			ID:            j.rec.RollupIndexID,
			Name:          j.rec.RollupIndexName,
			Schema:        append([]catalog.Column(nil), j.rec.RollupSchema...),
			KeysType:      j.rec.KeysType,
			ShortKeyCount: j.rec.ShortKeyCount,
			State:         catalog.IndexShadow,
		}
	}
	byPartition := make(map[int64][]int64)
	for _, m := range j.rec.Tablets {
		byPartition[m.PartitionID] = append(byPartition[m.PartitionID], m.RollupTabletID)
	}
	for _, p := range tbl.Partitions {
		if p.Index(j.rec.RollupIndexID) != nil {
			continue
		}
		p.Indexes[j.rec.RollupIndexID] = &catalog.MaterializedIndex{
			ID:      j.rec.RollupIndexID,
			State:   catalog.IndexShadow,
			Tablets: byPartition[p.ID],
		}
	}
}

func (j *rollupJob) runWaitingTxn(ctx context.Context) {
	if !j.env.Txns.PreviousTxnsFinished(j.rec.DBID, j.rec.TableID, j.rec.WatershedTxnID) {
		j.env.Logger.Debug("alter job waiting for earlier transactions", "job_id", j.rec.JobID, "watershed_txn_id", j.rec.WatershedTxnID)
		return
	}
	if !j.advance(ctx, StateRunning, nil) {
		return
	}
	// A failed submit is retried by runRunning.
	if err := j.env.Agent.Submit(ctx, j.tasks(backend.TaskAlterReplica)); err != nil {
		j.env.Logger.Warn("submitting alter replica tasks failed", "job_id", j.rec.JobID, "error", err)
		return
	}
	j.alterSubmitted = true
}

func (j *rollupJob) runRunning(ctx context.Context, onRewritten func(context.Context)) {
	if !j.alterSubmitted {
		if err := j.env.Agent.Submit(ctx, j.tasks(backend.TaskAlterReplica)); err != nil {
			j.env.Logger.Warn("resubmitting alter replica tasks failed", "job_id", j.rec.JobID, "error", err)
			return
		}
		j.alterSubmitted = true
	}
	if !j.poll(ctx, backend.TaskAlterReplica) {
		return
	}
	onRewritten(ctx)
}

func (j *rollupJob) makeVisible(ctx context.Context) {
	_, tbl := j.env.Catalog.Table(j.rec.DBID, j.rec.TableID)
	if tbl == nil {
		j.cancelLocked(ctx, fmt.Sprintf("table %d does not exist", j.rec.TableID))
		return
	}
	if !j.advance(ctx, StateFinished, nil) {
		return
	}
	tbl.Lock()
	j.applyVisible(tbl)
	tbl.Unlock()
	j.env.Logger.Info("alter job finished", "job_id", j.rec.JobID, "table_id", j.rec.TableID, "index", j.rec.RollupIndexName)
}

// applyVisible marks the rollup index queryable. The table lock must be held.
func (j *rollupJob) applyVisible(tbl *catalog.Table) {
	j.addShadowIndex(tbl)
	meta := tbl.Indexes[j.rec.RollupIndexID]
	meta.State = catalog.IndexNormal
	meta.ViewDefineSQL = j.rec.ViewDefineSQL
	meta.WhereClause = j.rec.WhereClause
	meta.ColocateMV = j.rec.ColocateMV
	for _, p := range tbl.Partitions {
		if mi := p.Index(j.rec.RollupIndexID); mi != nil {
			mi.State = catalog.IndexNormal
		}
	}
}

func (j *rollupJob) markRewritten(ctx context.Context) {
	if !j.advance(ctx, StateFinishedRewriting, nil) {
		return
	}
	j.runPublish(ctx)
}

func (j *rollupJob) runPublish(ctx context.Context) {
	ok, err := j.env.Publisher.Publish(ctx, j.rec.TableID, j.rec.RollupIndexID, j.rec.RollupTablets())
	if err != nil {
		j.env.Logger.Warn("publishing rollup version failed", "job_id", j.rec.JobID, "error", err)
		return
	}
	if !ok {
		return
	}
	j.makeVisible(ctx)
}

func (j *rollupJob) Cancel(ctx context.Context, reason string) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.cancelLocked(ctx, reason)
}

func (j *rollupJob) cancelLocked(ctx context.Context, reason string) bool {
	if j.rec.State.IsFinal() {
		return false
	}
	if !j.advance(ctx, StateCancelled, func(r *JobRecord) { r.Reason = reason }) {
		return false
	}
	tablets := j.rec.RollupTablets()
	j.env.Agent.Drop(ctx, tablets)

	if _, tbl := j.env.Catalog.Table(j.rec.DBID, j.rec.TableID); tbl != nil {
		tbl.Lock()
		j.removeShadowIndex(tbl)
		tbl.Unlock()
	}
	j.env.Catalog.Tablets.Delete(tablets...)
	j.env.Logger.Info("alter job cancelled", "job_id", j.rec.JobID, "table_id", j.rec.TableID, "reason", reason)
	return true
}

// removeShadowIndex drops the rollup index if it was never made visible.
func (j *rollupJob) removeShadowIndex(tbl *catalog.Table) {
	if meta, ok := tbl.Indexes[j.rec.RollupIndexID]; ok && meta.State == catalog.IndexNormal {
		return
	}
	tbl.RemoveIndex(j.rec.RollupIndexID)
}

// replay applies the catalog effects of a journaled state and adopts the
// record's mutable fields. Replaying the same record twice is harmless.
func (j *rollupJob) replay(rec JobRecord) {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.rec.WatershedTxnID = rec.WatershedTxnID
	j.rec.Reason = rec.Reason
	j.rec.FinishedAt = rec.FinishedAt
	j.rec.State = rec.State
	j.state.Store(rec.State)

	cat := j.env.Catalog
	for _, id := range j.rec.RollupTablets() {
		cat.ObserveID(id)
	}
	cat.ObserveID(j.rec.JobID)
	cat.ObserveID(j.rec.RollupIndexID)

	_, tbl := cat.Table(j.rec.DBID, j.rec.TableID)
	switch rec.State {
	case StatePending:
		j.registerTablets()
	case StateWaitingTxn, StateRunning, StateFinishedRewriting:
		j.registerTablets()
		if tbl != nil {
			tbl.Lock()
			j.addShadowIndex(tbl)
			tbl.Unlock()
		}
	case StateFinished:
		j.registerTablets()
		if tbl != nil {
			tbl.Lock()
			j.applyVisible(tbl)
			tbl.Unlock()
		}
	case StateCancelled:
		if tbl != nil {
			tbl.Lock()
			j.removeShadowIndex(tbl)
			tbl.Unlock()
		}
		cat.Tablets.Delete(j.rec.RollupTablets()...)
	}
}

func (j *rollupJob) registerTablets() {
	for _, m := range j.rec.Tablets {
		j.env.Catalog.Tablets.Add(m.RollupTabletID, catalog.TabletMeta{
			DBID:        j.rec.DBID,
			TableID:     j.rec.TableID,
			PartitionID: m.PartitionID,
			IndexID:     j.rec.RollupIndexID,
		})
	}
}
