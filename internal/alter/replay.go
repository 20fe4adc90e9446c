package alter

import (
	"context"
	"fmt"

	"github.com/allyourbase/alterd/internal/catalog"
	"github.com/allyourbase/alterd/internal/editlog"
)

// Apply replays one journal entry. Applying the same entry twice leaves
// the catalog and registry as they were after the first application.
func (h *Handler) Apply(ctx context.Context, e editlog.Entry) error {
	switch e.Op {
	case editlog.OpAlterJob:
		var rec JobRecord
		if err := e.Decode(&rec); err != nil {
			return err
		}
		return h.ReplayAlterJob(rec)
	case editlog.OpBatchAlterJob:
		var info BatchAlterJobInfo
		if err := e.Decode(&info); err != nil {
			return err
		}
		return h.ReplayBatchAlterJob(info)
	case editlog.OpDropRollup:
		var info editlog.DropInfo
		if err := e.Decode(&info); err != nil {
			return err
		}
		h.ReplayDropRollup(info)
		return nil
	case editlog.OpBatchDropRollup:
		var info editlog.BatchDropInfo
		if err := e.Decode(&info); err != nil {
			return err
		}
		h.ReplayBatchDropRollup(info)
		return nil

	case editlog.OpRenameMaterializedView:
		var info editlog.RenameMVInfo
		if err := e.Decode(&info); err != nil {
			return err
		}
		return replayRenameMV(h.catalog, info)
	case editlog.OpModifyMaterializedViewProperties:
		var info editlog.ModifyMVPropertiesInfo
		if err := e.Decode(&info); err != nil {
			return err
		}
		return replayModifyMVProperties(h.catalog, info)
	case editlog.OpChangeMaterializedViewRefresh:
		var info editlog.MVRefreshSchemeInfo
		if err := e.Decode(&info); err != nil {
			return err
		}
		return replayChangeRefreshScheme(h.catalog, info)
	case editlog.OpSetMaterializedViewStatus:
		var info editlog.MVStatusInfo
		if err := e.Decode(&info); err != nil {
			return err
		}
		return replaySetMVStatus(h.catalog, info)

	case editlog.OpCreateDatabase:
		var info CreateDatabaseInfo
		if err := e.Decode(&info); err != nil {
			return err
		}
		h.catalog.ReplayCreateDatabase(info.ID, info.Name)
		return nil
	case editlog.OpCreateTable:
		var t catalog.Table
		if err := e.Decode(&t); err != nil {
			return err
		}
		return h.catalog.ReplayCreateTable(&t)
	}
	return fmt.Errorf("%w: unknown op %q at seq %d", editlog.ErrCorrupt, e.Op, e.Seq)
}

// ReplayJournal applies every entry after afterSeq and returns the sequence
// of the last one applied.
func (h *Handler) ReplayJournal(ctx context.Context, log editlog.Log, afterSeq uint64) (uint64, error) {
	last := afterSeq
	n := 0
	err := log.Read(ctx, afterSeq, func(e editlog.Entry) error {
		if err := h.Apply(ctx, e); err != nil {
			return fmt.Errorf("replaying seq %d (%s): %w", e.Seq, e.Op, err)
		}
		last = e.Seq
		n++
		return nil
	})
	if err != nil {
		return last, err
	}
	h.logger.Info("journal replayed", "after_seq", afterSeq, "last_seq", last, "entries", n)
	return last, nil
}

// ReplayAlterJob adopts a journaled job snapshot. Unfinished jobs are
// tracked and their table marked ROLLUP; finished ones are kept only in
// history. Replay never places a job in the running set.
func (h *Handler) ReplayAlterJob(rec JobRecord) error {
	job, ok := h.registry.Get(rec.JobID)
	if ok && rec.State.rank() < job.State().rank() {
		h.logger.Debug("skipping stale alter job entry", "job_id", rec.JobID, "state", rec.State, "current", job.State())
		return nil
	}
	if !ok {
		var err error
		if job, err = JobFromRecord(rec, h.env); err != nil {
			return err
		}
	}
	job.replay(rec)

	if !job.IsDone() {
		h.registry.Track(job)
		h.tableSync.SetState(rec.DBID, rec.TableID, catalog.TableRollup)
		return nil
	}
	h.registry.Remember(job)
	h.registry.Untrack(job)
	h.tableSync.ResetIfIdle(rec.DBID, rec.TableID)
	return nil
}

func (h *Handler) ReplayBatchAlterJob(info BatchAlterJobInfo) error {
	for _, rec := range info.Jobs {
		if err := h.ReplayAlterJob(rec); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handler) ReplayDropRollup(info editlog.DropInfo) {
	h.ReplayBatchDropRollup(editlog.BatchDropInfo{DBID: info.DBID, TableID: info.TableID, IndexIDs: []int64{info.IndexID}})
}

func (h *Handler) ReplayBatchDropRollup(info editlog.BatchDropInfo) {
	_, tbl := h.catalog.Table(info.DBID, info.TableID)
	if tbl == nil {
		h.logger.Warn("table does not exist, skipping drop rollup replay", "db_id", info.DBID, "table_id", info.TableID)
		return
	}
	tbl.Lock()
	defer tbl.Unlock()
	for _, id := range info.IndexIDs {
		if id == tbl.BaseIndexID {
			continue
		}
		h.catalog.Tablets.Delete(tbl.RemoveIndex(id)...)
	}
}

// RestoreJobs registers jobs captured in a checkpoint image. The image's
// catalog already holds their effects, so nothing is applied to it; later
// journal entries for these jobs go through ReplayAlterJob as usual.
func (h *Handler) RestoreJobs(recs []JobRecord) error {
	for _, rec := range recs {
		job, err := JobFromRecord(rec, h.env)
		if err != nil {
			return err
		}
		if job.IsDone() {
			h.registry.Remember(job)
			continue
		}
		h.registry.Track(job)
	}
	return nil
}
