package alter

import (
	"context"

	"github.com/allyourbase/alterd/internal/catalog"
	"github.com/allyourbase/alterd/internal/editlog"
)

// BatchAlterJobInfo is the single entry written for a batch of rollups.
type BatchAlterJobInfo struct {
	Jobs []JobRecord `json:"jobs"`
}

// CreateDatabaseInfo records a new database.
type CreateDatabaseInfo struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// Journal writes typed alter entries to an edit log.
type Journal struct {
	log editlog.Log
}

func NewJournal(log editlog.Log) *Journal {
	return &Journal{log: log}
}

// Log returns the underlying edit log.
func (j *Journal) Log() editlog.Log { return j.log }

func (j *Journal) LogAlterJob(ctx context.Context, rec JobRecord) error {
	_, err := editlog.AppendJSON(ctx, j.log, editlog.OpAlterJob, rec)
	return err
}

func (j *Journal) LogBatchAlterJob(ctx context.Context, recs []JobRecord) error {
	_, err := editlog.AppendJSON(ctx, j.log, editlog.OpBatchAlterJob, BatchAlterJobInfo{Jobs: recs})
	return err
}

func (j *Journal) LogDropRollup(ctx context.Context, info editlog.DropInfo) error {
	_, err := editlog.AppendJSON(ctx, j.log, editlog.OpDropRollup, info)
	return err
}

func (j *Journal) LogBatchDropRollup(ctx context.Context, info editlog.BatchDropInfo) error {
	_, err := editlog.AppendJSON(ctx, j.log, editlog.OpBatchDropRollup, info)
	return err
}

func (j *Journal) LogRenameMV(ctx context.Context, info editlog.RenameMVInfo) error {
	_, err := editlog.AppendJSON(ctx, j.log, editlog.OpRenameMaterializedView, info)
	return err
}

func (j *Journal) LogModifyMVProperties(ctx context.Context, info editlog.ModifyMVPropertiesInfo) error {
	_, err := editlog.AppendJSON(ctx, j.log, editlog.OpModifyMaterializedViewProperties, info)
	return err
}

func (j *Journal) LogChangeMVRefreshScheme(ctx context.Context, info editlog.MVRefreshSchemeInfo) error {
	_, err := editlog.AppendJSON(ctx, j.log, editlog.OpChangeMaterializedViewRefresh, info)
	return err
}

func (j *Journal) LogSetMVStatus(ctx context.Context, info editlog.MVStatusInfo) error {
	_, err := editlog.AppendJSON(ctx, j.log, editlog.OpSetMaterializedViewStatus, info)
	return err
}

func (j *Journal) LogCreateDatabase(ctx context.Context, db *catalog.Database) error {
	_, err := editlog.AppendJSON(ctx, j.log, editlog.OpCreateDatabase, CreateDatabaseInfo{ID: db.ID, Name: db.Name})
	return err
}

// LogCreateTable journals a full table definition. The table read lock is
// taken while it is encoded.
func (j *Journal) LogCreateTable(ctx context.Context, t *catalog.Table) error {
	t.RLock()
	_, err := editlog.AppendJSON(ctx, j.log, editlog.OpCreateTable, t)
	t.RUnlock()
	return err
}
