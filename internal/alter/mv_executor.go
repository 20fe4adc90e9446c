package alter

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/adhocore/gronx"

	"github.com/allyourbase/alterd/internal/catalog"
	"github.com/allyourbase/alterd/internal/editlog"
)

// Properties accepted by ALTER MATERIALIZED VIEW ... SET.
const (
	PropPartitionTTLNumber         = "partition_ttl_number"
	PropPartitionTTL               = "partition_ttl"
	PropPartitionRefreshNumber     = "partition_refresh_number"
	PropResourceGroup              = "resource_group"
	PropAutoRefreshPartitionsLimit = "auto_refresh_partitions_limit"
	PropExcludedTriggerTables      = "excluded_trigger_tables"
	PropExcludedRefreshTables      = "excluded_refresh_tables"
	PropMVRewriteStalenessSecond   = "mv_rewrite_staleness_second"
	PropUniqueConstraints          = "unique_constraints"
	PropForeignKeyConstraints      = "foreign_key_constraints"
	PropForceExternalTableRewrite  = "force_external_table_query_rewrite"
	PropQueryRewriteConsistency    = "query_rewrite_consistency"
	PropWarehouse                  = "warehouse"
	PropColocateWith               = "colocate_with"
	SessionPropertyPrefix          = "session."
	reasonUserInactive             = "user use alter materialized view set status to inactive"
)

// Refresh types of an asynchronous materialized view.
const (
	RefreshManual      = "MANUAL"
	RefreshAsync       = "ASYNC"
	RefreshIncremental = "INCREMENTAL"
)

// Status values accepted by SetStatus.
const (
	StatusActive   = "active"
	StatusInactive = "inactive"
)

var (
	mvNameRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

	intProps = []string{
		PropPartitionTTLNumber, PropPartitionRefreshNumber,
		PropAutoRefreshPartitionsLimit, PropMVRewriteStalenessSecond,
	}
	stringProps = []string{
		PropPartitionTTL, PropResourceGroup, PropExcludedTriggerTables, PropExcludedRefreshTables,
		PropUniqueConstraints, PropForeignKeyConstraints, PropWarehouse,
	}
	rewriteConsistency = []string{"disable", "loose", "checked"}
)

// MVExecutor applies ALTER MATERIALIZED VIEW statements to asynchronous
// materialized views, which are tables carrying MV metadata.
type MVExecutor struct {
	catalog *catalog.Catalog
	journal *Journal
	logger  *slog.Logger
}

func NewMVExecutor(h *Handler) *MVExecutor {
	return &MVExecutor{catalog: h.catalog, journal: h.journal, logger: h.logger}
}

// resolveMV returns the view and its database with the DDL lock held. The
// caller must call db.UnlockDDL.
func (x *MVExecutor) resolveMV(dbName, mvName string) (*catalog.Database, *catalog.Table, error) {
	db, tbl, err := x.catalog.ResolveTable(dbName, mvName)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	db.LockDDL()
	tbl.RLock()
	isMV := tbl.MV != nil
	tbl.RUnlock()
	if !isMV {
		db.UnlockDDL()
		return nil, nil, fmt.Errorf("%w: table [%s] is not a materialized view", ErrNotFound, mvName)
	}
	return db, tbl, nil
}

// RenameMaterializedView gives a view a new name within its database.
func (x *MVExecutor) RenameMaterializedView(ctx context.Context, dbName, mvName, newName string) error {
	if !mvNameRe.MatchString(newName) {
		return fmt.Errorf("%w: invalid materialized view name %q", ErrInvalidProperty, newName)
	}
	db, tbl, err := x.resolveMV(dbName, mvName)
	if err != nil {
		return err
	}
	defer db.UnlockDDL()

	if db.TableByName(newName) != nil {
		return fmt.Errorf("%w: materialized view [%s] is already used", ErrDuplicateName, newName)
	}
	info := editlog.RenameMVInfo{DBID: db.ID, TableID: tbl.ID, NewName: newName}
	if err := x.journal.LogRenameMV(ctx, info); err != nil {
		return fmt.Errorf("journaling materialized view rename: %w", err)
	}
	if err := db.RenameTable(tbl, newName); err != nil {
		return err
	}
	x.logger.Info("materialized view renamed", "db", db.Name, "from", mvName, "to", newName, "table_id", tbl.ID)
	return nil
}

// ValidateMVProperties checks a property change without applying it.
func ValidateMVProperties(props map[string]string) error {
	if len(props) == 0 {
		return fmt.Errorf("%w: no property given", ErrInvalidProperty)
	}
	if _, ok := props[PropColocateWith]; ok {
		return fmt.Errorf("%w: modify failed because unsupported properties: %s", ErrUnsupported, PropColocateWith)
	}
	var unknown []string
	for k, v := range props {
		switch {
		case slices.Contains(intProps, k):
			if _, err := strconv.Atoi(v); err != nil {
				return fmt.Errorf("%w: %s must be an integer, got %q", ErrInvalidProperty, k, v)
			}
		case slices.Contains(stringProps, k):
		case k == PropForceExternalTableRewrite:
			if _, err := strconv.ParseBool(v); err != nil {
				return fmt.Errorf("%w: %s must be true or false, got %q", ErrInvalidProperty, k, v)
			}
		case k == PropQueryRewriteConsistency:
			if !slices.Contains(rewriteConsistency, strings.ToLower(v)) {
				return fmt.Errorf("%w: %s must be one of %v, got %q", ErrInvalidProperty, k, rewriteConsistency, v)
			}
		case strings.HasPrefix(k, SessionPropertyPrefix) && len(k) > len(SessionPropertyPrefix):
		default:
			unknown = append(unknown, k)
		}
	}
	if len(unknown) > 0 {
		slices.Sort(unknown)
		return fmt.Errorf("%w: modify failed because unknown properties: %v, please add `session.` prefix if you want add session variables for mv",
			ErrInvalidProperty, unknown)
	}
	return nil
}

// ModifyProperties merges props into the view's properties.
func (x *MVExecutor) ModifyProperties(ctx context.Context, dbName, mvName string, props map[string]string) error {
	if err := ValidateMVProperties(props); err != nil {
		return err
	}
	db, tbl, err := x.resolveMV(dbName, mvName)
	if err != nil {
		return err
	}
	defer db.UnlockDDL()

	info := editlog.ModifyMVPropertiesInfo{DBID: db.ID, TableID: tbl.ID, Properties: maps.Clone(props)}
	if err := x.journal.LogModifyMVProperties(ctx, info); err != nil {
		return fmt.Errorf("journaling materialized view properties: %w", err)
	}
	tbl.Lock()
	mergeMVProperties(tbl, props)
	tbl.Unlock()
	x.logger.Info("materialized view properties modified", "db", db.Name, "mv", mvName, "properties", props)
	return nil
}

func mergeMVProperties(tbl *catalog.Table, props map[string]string) {
	if tbl.MV.Properties == nil {
		tbl.MV.Properties = make(map[string]string, len(props))
	}
	maps.Copy(tbl.MV.Properties, props)
}

// ChangeRefreshScheme switches the view between MANUAL, ASYNC and
// INCREMENTAL refresh. An ASYNC schedule must be a valid cron expression.
func (x *MVExecutor) ChangeRefreshScheme(ctx context.Context, dbName, mvName string, scheme catalog.RefreshScheme) error {
	scheme.Type = strings.ToUpper(scheme.Type)
	switch scheme.Type {
	case RefreshManual, RefreshIncremental:
		scheme.Schedule = ""
	case RefreshAsync:
		if scheme.Schedule != "" && !gronx.New().IsValid(scheme.Schedule) {
			return fmt.Errorf("%w: invalid refresh schedule %q", ErrInvalidProperty, scheme.Schedule)
		}
	default:
		return fmt.Errorf("%w: unsupported refresh type %q", ErrUnsupported, scheme.Type)
	}
	db, tbl, err := x.resolveMV(dbName, mvName)
	if err != nil {
		return err
	}
	defer db.UnlockDDL()

	tbl.RLock()
	old := tbl.MV.Refresh
	tbl.RUnlock()
	info := editlog.MVRefreshSchemeInfo{DBID: db.ID, TableID: tbl.ID, Type: scheme.Type, Schedule: scheme.Schedule}
	if err := x.journal.LogChangeMVRefreshScheme(ctx, info); err != nil {
		return fmt.Errorf("journaling materialized view refresh scheme: %w", err)
	}
	tbl.Lock()
	tbl.MV.Refresh = scheme
	tbl.Unlock()
	x.logger.Info("materialized view refresh scheme changed", "db", db.Name, "mv", mvName,
		"from", old.Type, "to", scheme.Type, "schedule", scheme.Schedule)
	return nil
}

// SetStatus makes a view active or inactive. Setting the current status is
// a no-op and writes nothing to the journal.
func (x *MVExecutor) SetStatus(ctx context.Context, dbName, mvName, status string) error {
	var active bool
	switch strings.ToLower(status) {
	case StatusActive:
		active = true
	case StatusInactive:
	default:
		return fmt.Errorf("%w: unsupported modification materialized view status: %s", ErrUnsupported, status)
	}
	db, tbl, err := x.resolveMV(dbName, mvName)
	if err != nil {
		return err
	}
	defer db.UnlockDDL()

	tbl.RLock()
	current := tbl.MV.Active
	tbl.RUnlock()
	if current == active {
		return nil
	}
	info := editlog.MVStatusInfo{DBID: db.ID, TableID: tbl.ID, Active: active}
	if !active {
		info.Reason = reasonUserInactive
		x.logger.Warn("setting materialized view inactive", "db", db.Name, "mv", mvName, "reason", info.Reason)
	}
	if err := x.journal.LogSetMVStatus(ctx, info); err != nil {
		return fmt.Errorf("journaling materialized view status: %w", err)
	}
	tbl.Lock()
	applyMVStatus(tbl, info)
	tbl.Unlock()
	return nil
}

func applyMVStatus(tbl *catalog.Table, info editlog.MVStatusInfo) {
	tbl.MV.Active = info.Active
	tbl.MV.InactiveReason = info.Reason
}

func replayMVTable(cat *catalog.Catalog, dbID, tableID int64) (*catalog.Database, *catalog.Table, error) {
	db, tbl := cat.Table(dbID, tableID)
	if tbl == nil {
		return nil, nil, fmt.Errorf("%w: table %d in database %d", ErrNotFound, tableID, dbID)
	}
	tbl.RLock()
	isMV := tbl.MV != nil
	tbl.RUnlock()
	if !isMV {
		return nil, nil, fmt.Errorf("%w: table %d is not a materialized view", ErrNotFound, tableID)
	}
	return db, tbl, nil
}

func replayRenameMV(cat *catalog.Catalog, info editlog.RenameMVInfo) error {
	db, tbl, err := replayMVTable(cat, info.DBID, info.TableID)
	if err != nil {
		return err
	}
	return db.RenameTable(tbl, info.NewName)
}

func replayModifyMVProperties(cat *catalog.Catalog, info editlog.ModifyMVPropertiesInfo) error {
	_, tbl, err := replayMVTable(cat, info.DBID, info.TableID)
	if err != nil {
		return err
	}
	tbl.Lock()
	mergeMVProperties(tbl, info.Properties)
	tbl.Unlock()
	return nil
}

func replayChangeRefreshScheme(cat *catalog.Catalog, info editlog.MVRefreshSchemeInfo) error {
	_, tbl, err := replayMVTable(cat, info.DBID, info.TableID)
	if err != nil {
		return err
	}
	tbl.Lock()
	tbl.MV.Refresh = catalog.RefreshScheme{Type: info.Type, Schedule: info.Schedule}
	tbl.Unlock()
	return nil
}

func replaySetMVStatus(cat *catalog.Catalog, info editlog.MVStatusInfo) error {
	_, tbl, err := replayMVTable(cat, info.DBID, info.TableID)
	if err != nil {
		return err
	}
	tbl.Lock()
	applyMVStatus(tbl, info)
	tbl.Unlock()
	return nil
}
