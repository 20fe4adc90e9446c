package alter

import (
	"log/slog"

	"github.com/allyourbase/alterd/internal/catalog"
)

// TableStateSync keeps a table's visible state in step with its jobs.
type TableStateSync struct {
	catalog  *catalog.Catalog
	registry *Registry
	logger   *slog.Logger
}

func NewTableStateSync(cat *catalog.Catalog, registry *Registry, logger *slog.Logger) *TableStateSync {
	return &TableStateSync{catalog: cat, registry: registry, logger: logger}
}

// SetState moves a table to state under its write lock. Missing databases
// and tables are logged and skipped.
func (s *TableStateSync) SetState(dbID, tableID int64, state catalog.TableState) {
	db, tbl := s.catalog.Table(dbID, tableID)
	if db == nil {
		s.logger.Warn("database does not exist, skipping table state change", "db_id", dbID, "table_id", tableID)
		return
	}
	if tbl == nil {
		s.logger.Warn("table does not exist, skipping table state change", "db_id", dbID, "table_id", tableID)
		return
	}
	tbl.Lock()
	defer tbl.Unlock()
	if tbl.State == state {
		return
	}
	tbl.State = state
	s.logger.Info("table state changed", "table_id", tableID, "table", tbl.Name, "state", state)
}

// ResetIfIdle returns the table to NORMAL unless a job was registered for
// it after the caller's untrack. The check happens under the table lock,
// the same lock registration holds while it flips the state.
func (s *TableStateSync) ResetIfIdle(dbID, tableID int64) {
	db, tbl := s.catalog.Table(dbID, tableID)
	if db == nil || tbl == nil {
		s.logger.Warn("table does not exist, skipping reset to NORMAL", "db_id", dbID, "table_id", tableID)
		return
	}
	tbl.Lock()
	defer tbl.Unlock()
	if s.registry.HasNotFinal(tableID) {
		return
	}
	if tbl.State == catalog.TableNormal {
		return
	}
	tbl.State = catalog.TableNormal
	s.logger.Info("table state changed", "table_id", tableID, "table", tbl.Name, "state", catalog.TableNormal)
}
