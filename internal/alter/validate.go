package alter

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/allyourbase/alterd/internal/catalog"
)

// Short key limits for a duplicate-key index.
const (
	ShortKeyMaxColumnCount = 3
	ShortKeyMaxSizeBytes   = 36
)

// checkAlterable rejects tables that cannot start an index rebuild. The
// table lock must be held.
func checkAlterable(cat *catalog.Catalog, tbl *catalog.Table, addingRollup bool) error {
	if len(tbl.TempPartitions) > 0 {
		return fmt.Errorf("%w: can not alter table when there are temp partitions in table", ErrConflict)
	}
	if cat.HasRunningInsertOverwrite(tbl.ID) {
		return fmt.Errorf("%w: table[%s] is doing insert overwrite job, please start alter after insert overwrite finished",
			ErrConflict, tbl.Name)
	}
	if addingRollup && tbl.KeysType == catalog.PrimaryKeys {
		return fmt.Errorf("%w: do not support add rollup on primary key table[%s]", ErrUnsupported, tbl.Name)
	}
	return nil
}

// checkAndGetBaseIndex resolves the index a rollup is built from and checks
// it is usable in every partition.
func checkAndGetBaseIndex(name string, tbl *catalog.Table) (int64, error) {
	if tbl.State != catalog.TableNormal {
		return 0, fmt.Errorf("%w: table[%s] is in %s state", ErrTableNotNormal, tbl.Name, tbl.State)
	}
	meta := tbl.IndexByName(name)
	if meta == nil {
		return 0, fmt.Errorf("%w: base index[%s] does not exist", ErrNotFound, name)
	}
	for _, p := range tbl.Partitions {
		mi := p.Index(meta.ID)
		if mi == nil || mi.State != catalog.IndexNormal {
			return 0, fmt.Errorf("%w: base index[%s] in partition[%s] is not NORMAL", ErrTableNotNormal, name, p.Name)
		}
	}
	return meta.ID, nil
}

// checkRollupName validates a new rollup name against the table's indexes
// and the names reserved by its unfinished jobs. The table lock must be held.
func checkRollupName(name string, tbl *catalog.Table, pending []string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: rollup name is required", ErrInvalidSchema)
	}
	if strings.EqualFold(name, tbl.Name) {
		return fmt.Errorf("%w: rollup name should be different with base table: %s", ErrDuplicateName, tbl.Name)
	}
	if tbl.HasIndex(name) || slices.Contains(pending, name) {
		return fmt.Errorf("%w: rollup index[%s] already exists", ErrDuplicateName, name)
	}
	return nil
}

// checkMVNameInTable rejects a view name already used by the table. The
// table lock must be held.
func checkMVNameInTable(name string, tbl *catalog.Table, pending []string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: materialized view name is required", ErrInvalidSchema)
	}
	if tbl.HasIndex(name) || slices.Contains(pending, name) {
		return fmt.Errorf("%w: materialized view[%s] already exists in the table %s", ErrDuplicateName, name, tbl.Name)
	}
	return nil
}

// checkMVNameInDB rejects a view name that matches a table of the database
// or a secondary index of any other table. It must be called without any
// table lock held; each table is read locked in turn.
func checkMVNameInDB(name string, db *catalog.Database, tableID int64, pending func(tableID int64) []string) error {
	if db.TableByName(name) != nil {
		return fmt.Errorf("%w: table [%s] already exists in the db %s", ErrDuplicateName, name, db.Name)
	}
	for _, other := range db.ListTables() {
		if other.ID == tableID {
			continue
		}
		other.RLock()
		clash := len(other.Indexes) > 1 && other.HasIndex(name)
		otherName := other.Name
		other.RUnlock()
		if clash || slices.Contains(pending(other.ID), name) {
			return fmt.Errorf("%w: materialized view[%s] already exists in table %s", ErrDuplicateName, name, otherName)
		}
	}
	return nil
}

func findColumn(schema []catalog.Column, name string) (catalog.Column, bool) {
	for _, c := range schema {
		if strings.EqualFold(c.Name, name) {
			return c, true
		}
	}
	return catalog.Column{}, false
}

// prepareRollupSchema derives the rollup schema from the clause and the
// base index, applying the table's key model rules.
func prepareRollupSchema(clause AddRollupClause, tbl *catalog.Table, baseIndexID int64) ([]catalog.Column, error) {
	base := tbl.Indexes[baseIndexID].Schema

	if tbl.KeysType.IsAggregationFamily() {
		var (
			schema      []catalog.Column
			meetValue   bool
			meetReplace bool
			keys        int
		)
		for _, name := range clause.Columns {
			col, ok := findColumn(base, name)
			if !ok {
				return nil, fmt.Errorf("%w: column[%s] does not exist", ErrInvalidSchema, name)
			}
			if col.IsKey && meetValue {
				return nil, fmt.Errorf("%w: invalid column order, value should be after key", ErrInvalidSchema)
			}
			if col.IsKey {
				keys++
			} else {
				meetValue = true
				if col.Aggregate().IsReplaceFamily() {
					meetReplace = true
				}
			}
			schema = append(schema, col)
		}
		if keys == 0 {
			return nil, fmt.Errorf("%w: no key column is found", ErrInvalidSchema)
		}
		if (tbl.KeysType == catalog.UniqueKeys || meetReplace) && keys != tbl.KeyCount() {
			if tbl.KeysType == catalog.UniqueKeys {
				return nil, fmt.Errorf("%w: rollup should contains all unique keys in basetable", ErrInvalidSchema)
			}
			return nil, fmt.Errorf("%w: rollup should contains all keys if there is a REPLACE value", ErrInvalidSchema)
		}
		return schema, nil
	}

	if len(clause.DupKeys) == 0 {
		schema := make([]catalog.Column, 0, len(clause.Columns))
		for _, name := range clause.Columns {
			col, ok := findColumn(base, name)
			if !ok {
				return nil, fmt.Errorf("%w: column[%s] does not exist in base index", ErrInvalidSchema, name)
			}
			schema = append(schema, col)
		}
		if err := supplementDupKeys(schema); err != nil {
			return nil, err
		}
		return schema, nil
	}

	if len(clause.DupKeys) > len(clause.Columns) {
		return nil, fmt.Errorf("%w: num of duplicate keys should less than or equal to num of rollup columns", ErrInvalidSchema)
	}
	schema := make([]catalog.Column, 0, len(clause.Columns))
	meetValue := false
	for i, name := range clause.Columns {
		isKey := false
		if i < len(clause.DupKeys) {
			if !strings.EqualFold(name, clause.DupKeys[i]) {
				return nil, fmt.Errorf("%w: duplicate keys should be the prefix of rollup columns", ErrInvalidSchema)
			}
			isKey = true
		}
		col, ok := findColumn(base, name)
		if !ok {
			return nil, fmt.Errorf("%w: column[%s] does not exist", ErrInvalidSchema, name)
		}
		if isKey && meetValue {
			return nil, fmt.Errorf("%w: invalid column order, key should before all values: %s", ErrInvalidSchema, name)
		}
		col.IsKey = isKey
		if isKey {
			col.Agg = ""
		} else {
			meetValue = true
			col.Agg = catalog.AggNone
		}
		schema = append(schema, col)
	}
	return schema, nil
}

// supplementDupKeys promotes a prefix of schema to keys the way a
// duplicate-key table would pick its short key, and turns the rest into
// NONE-aggregated values.
func supplementDupKeys(schema []catalog.Column) error {
	if len(schema) == 0 {
		return fmt.Errorf("%w: empty rollup schema", ErrInvalidSchema)
	}
	i, size := 0, 0
	for ; i < len(schema); i++ {
		col := &schema[i]
		size += col.Type.IndexSize()
		if i+1 > ShortKeyMaxColumnCount || size > ShortKeyMaxSizeBytes {
			if i == 0 && col.Type.IsCharFamily() {
				col.IsKey, col.Agg = true, ""
				i++
			}
			break
		}
		if col.Type.IsFloatingPoint() || col.Type.IsComplex() {
			break
		}
		if col.Type.IsVarchar() {
			col.IsKey, col.Agg = true, ""
			i++
			break
		}
		col.IsKey, col.Agg = true, ""
	}
	if i == 0 {
		return fmt.Errorf("%w: data type of first column cannot be %s", ErrInvalidSchema, schema[0].Type)
	}
	for ; i < len(schema); i++ {
		schema[i].IsKey = false
		schema[i].Agg = catalog.AggNone
	}
	return nil
}

// prepareMVSchema validates the view's columns against the base table and
// returns the view schema.
func prepareMVSchema(req CreateMVRequest, tbl *catalog.Table) ([]catalog.Column, error) {
	if len(req.Columns) == 0 {
		return nil, fmt.Errorf("%w: materialized view must have at least one column", ErrInvalidSchema)
	}
	meetValue := false
	for _, mc := range req.Columns {
		if mc.IsKey && meetValue {
			return nil, fmt.Errorf("%w: key column[%s] must precede value columns", ErrInvalidSchema, mc.Name)
		}
		if !mc.IsKey {
			meetValue = true
		}
	}

	schema := make([]catalog.Column, 0, len(req.Columns))
	if tbl.KeysType.IsAggregationFamily() {
		if req.mvKeysType() != catalog.AggKeys {
			return nil, fmt.Errorf("%w: the materialized view of aggregation or unique table must has grouping columns", ErrInvalidSchema)
		}
		keys := 0
		for _, mc := range req.Columns {
			if mc.IsKey {
				keys++
			}
			base, ok := tbl.Column(mc.BaseColumn)
			if !ok {
				return nil, fmt.Errorf("%w: the materialized view column[%s] cannot be transformed from original column[%s]",
					ErrInvalidSchema, mc.Name, mc.BaseColumn)
			}
			if base.IsKey && !mc.IsKey {
				return nil, fmt.Errorf("%w: the column[%s] must be the key of materialized view", ErrInvalidSchema, mc.Name)
			}
			if base.Aggregate() != mvAggregate(mc) {
				return nil, fmt.Errorf("%w: the aggregation type of column[%s] must be same as the aggregate type of base column in aggregate table",
					ErrInvalidSchema, mc.Name)
			}
			if base.Aggregate().IsReplaceFamily() && tbl.KeyCount() != keys {
				return nil, fmt.Errorf("%w: the materialized view should contain all keys of base table if there is a REPLACE value",
					ErrInvalidSchema)
			}
			schema = append(schema, toMVColumn(mc, base))
		}
		return schema, nil
	}

	for _, mc := range req.Columns {
		base, ok := tbl.Column(mc.BaseColumn)
		if !ok {
			return nil, fmt.Errorf("%w: column[%s] does not exist", ErrInvalidSchema, mc.BaseColumn)
		}
		if tbl.IsPartitionColumn(mc.BaseColumn) && mvAggregate(mc) != catalog.AggNone {
			return nil, fmt.Errorf("%w: the partition columns %s must be key column in mv", ErrInvalidSchema, mc.BaseColumn)
		}
		schema = append(schema, toMVColumn(mc, base))
	}
	return schema, nil
}

func mvAggregate(mc MVColumn) catalog.AggregateType {
	if mc.IsKey || mc.Agg == "" {
		return catalog.AggNone
	}
	return mc.Agg
}

func toMVColumn(mc MVColumn, base catalog.Column) catalog.Column {
	name := mc.Name
	if name == "" {
		name = base.Name
	}
	col := catalog.Column{
		Name:       name,
		Type:       base.Type,
		IsKey:      mc.IsKey,
		Nullable:   base.Nullable,
		DefineExpr: mc.DefineExpr,
	}
	if !mc.IsKey {
		col.Agg = mvAggregate(mc)
	}
	return col
}

// calcShortKeyCount picks how many leading key columns form the short key.
// An explicit short_key property wins.
func calcShortKeyCount(schema []catalog.Column, props map[string]string) (int, error) {
	keys := 0
	for _, c := range schema {
		if c.IsKey {
			keys++
		}
	}
	if v, ok := props[PropShortKey]; ok {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return 0, fmt.Errorf("%w: %s must be a positive integer, got %q", ErrInvalidProperty, PropShortKey, v)
		}
		if n > keys {
			return 0, fmt.Errorf("%w: short key num should be less than or equal to key num %d", ErrInvalidProperty, keys)
		}
		return n, nil
	}

	count, size := 0, 0
	for _, c := range schema {
		if !c.IsKey {
			break
		}
		if c.Type.IsVarchar() {
			count++
			break
		}
		if c.Type.IsFloatingPoint() || c.Type.IsComplex() {
			break
		}
		size += c.Type.IndexSize()
		if size > ShortKeyMaxSizeBytes {
			if c.Type.Primitive == catalog.TypeChar {
				count++
			}
			break
		}
		count++
		if count >= ShortKeyMaxColumnCount {
			break
		}
	}
	if count == 0 {
		return 0, fmt.Errorf("%w: data type of first column cannot be %s", ErrInvalidSchema, schema[0].Type)
	}
	return count, nil
}

func timeoutFromProps(props map[string]string, defaultSeconds int64) (int64, error) {
	v, ok := props[PropTimeout]
	if !ok {
		return defaultSeconds * 1000, nil
	}
	sec, err := strconv.ParseInt(v, 10, 64)
	if err != nil || sec <= 0 {
		return 0, fmt.Errorf("%w: %s must be a positive number of seconds, got %q", ErrInvalidProperty, PropTimeout, v)
	}
	return sec * 1000, nil
}

func colocateFromProps(props map[string]string) (bool, error) {
	v, ok := props[PropColocateMV]
	if !ok {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%w: %s must be true or false, got %q", ErrInvalidProperty, PropColocateMV, v)
	}
	return b, nil
}
