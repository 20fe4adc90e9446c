package alter

import (
	"errors"
	"testing"

	"github.com/allyourbase/alterd/internal/catalog"
	"github.com/allyourbase/alterd/internal/testutil"
)

func keyNames(schema []catalog.Column) []string {
	var names []string
	for _, c := range schema {
		if c.IsKey {
			names = append(names, c.Name)
		}
	}
	return names
}

func TestSupplementDupKeys(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		schema   []catalog.Column
		wantKeys []string
		wantErr  string
	}{
		{
			name:     "at most three columns",
			schema:   []catalog.Column{intCol("a", false), intCol("b", false), intCol("c", false), intCol("d", false)},
			wantKeys: []string{"a", "b", "c"},
		},
		{
			name:     "varchar ends the key",
			schema:   []catalog.Column{typedCol("s", catalog.TypeVarchar, 64, false), intCol("b", false)},
			wantKeys: []string{"s"},
		},
		{
			name:     "long char as first column",
			schema:   []catalog.Column{typedCol("c", catalog.TypeChar, 40, false), intCol("b", false)},
			wantKeys: []string{"c"},
		},
		{
			name: "byte budget",
			schema: []catalog.Column{
				typedCol("a", catalog.TypeLargeInt, 0, false),
				typedCol("b", catalog.TypeLargeInt, 0, false),
				typedCol("c", catalog.TypeLargeInt, 0, false),
			},
			wantKeys: []string{"a", "b"},
		},
		{
			name: "char after the budget is a value",
			schema: []catalog.Column{
				typedCol("a", catalog.TypeDatetime, 0, false),
				typedCol("c", catalog.TypeChar, 30, false),
			},
			wantKeys: []string{"a"},
		},
		{
			name:     "floating point stops",
			schema:   []catalog.Column{intCol("a", false), typedCol("d", catalog.TypeDouble, 0, false), intCol("c", false)},
			wantKeys: []string{"a"},
		},
		{
			name:    "float first column",
			schema:  []catalog.Column{typedCol("f", catalog.TypeFloat, 0, false), intCol("b", false)},
			wantErr: "data type of first column cannot be FLOAT",
		},
		{
			name:    "complex first column",
			schema:  []catalog.Column{typedCol("h", catalog.TypeHLL, 0, false)},
			wantErr: "data type of first column cannot be HLL",
		},
		{
			name:    "empty",
			wantErr: "empty rollup schema",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			schema := append([]catalog.Column(nil), tt.schema...)
			err := supplementDupKeys(schema)
			if tt.wantErr != "" {
				testutil.ErrorContains(t, err, tt.wantErr)
				testutil.True(t, errors.Is(err, ErrInvalidSchema))
				return
			}
			testutil.NoError(t, err)
			got := keyNames(schema)
			testutil.SliceLen(t, got, len(tt.wantKeys))
			for i := range got {
				testutil.Equal(t, tt.wantKeys[i], got[i])
			}
			for _, c := range schema[len(got):] {
				testutil.False(t, c.IsKey)
				testutil.Equal(t, catalog.AggNone, c.Agg)
			}
		})
	}
}

func TestCalcShortKeyCount(t *testing.T) {
	t.Parallel()
	threeKeys := []catalog.Column{intCol("a", true), intCol("b", true), intCol("c", true), valueCol("v", catalog.AggSum)}
	tests := []struct {
		name    string
		schema  []catalog.Column
		props   map[string]string
		want    int
		wantErr string
	}{
		{name: "explicit", schema: threeKeys, props: map[string]string{PropShortKey: "2"}, want: 2},
		{name: "explicit above key count", schema: threeKeys, props: map[string]string{PropShortKey: "4"}, wantErr: "less than or equal to key num"},
		{name: "explicit not a number", schema: threeKeys, props: map[string]string{PropShortKey: "x"}, wantErr: "positive integer"},
		{name: "all keys", schema: threeKeys, want: 3},
		{
			name:   "four keys capped",
			schema: []catalog.Column{intCol("a", true), intCol("b", true), intCol("c", true), intCol("d", true)},
			want:   3,
		},
		{
			name:   "varchar counts and stops",
			schema: []catalog.Column{intCol("a", true), typedCol("s", catalog.TypeVarchar, 10, true), intCol("c", true)},
			want:   2,
		},
		{
			name:   "long char counts",
			schema: []catalog.Column{typedCol("c", catalog.TypeChar, 40, true), intCol("b", true)},
			want:   1,
		},
		{
			name:    "double first",
			schema:  []catalog.Column{typedCol("d", catalog.TypeDouble, 0, true)},
			wantErr: "data type of first column cannot be DOUBLE",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := calcShortKeyCount(tt.schema, tt.props)
			if tt.wantErr != "" {
				testutil.ErrorContains(t, err, tt.wantErr)
				return
			}
			testutil.NoError(t, err)
			testutil.Equal(t, tt.want, got)
		})
	}
}

func TestPrepareRollupSchemaAggregateTable(t *testing.T) {
	t.Parallel()
	f := newFixture(t, catalog.SharedNothing)
	agg := f.createTable("agg_tbl", catalog.AggKeys,
		intCol("k1", true), intCol("k2", true), valueCol("v1", catalog.AggSum), valueCol("v2", catalog.AggReplace))
	uniq := f.createTable("uniq_tbl", catalog.UniqueKeys,
		intCol("k1", true), intCol("k2", true), valueCol("v1", catalog.AggReplace))

	tests := []struct {
		name    string
		tbl     *catalog.Table
		cols    []string
		wantErr string
	}{
		{name: "key prefix with sum", tbl: agg, cols: []string{"k1", "v1"}},
		{name: "all keys with replace", tbl: agg, cols: []string{"k1", "k2", "v2"}},
		{name: "value before key", tbl: agg, cols: []string{"v1", "k1"}, wantErr: "value should be after key"},
		{name: "no key", tbl: agg, cols: []string{"v1"}, wantErr: "no key column is found"},
		{name: "replace without all keys", tbl: agg, cols: []string{"k1", "v2"}, wantErr: "all keys if there is a REPLACE value"},
		{name: "missing column", tbl: agg, cols: []string{"k1", "nope"}, wantErr: "column[nope] does not exist"},
		{name: "unique keys complete", tbl: uniq, cols: []string{"k1", "k2", "v1"}},
		{name: "unique keys missing", tbl: uniq, cols: []string{"k1", "v1"}, wantErr: "all unique keys"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.tbl.RLock()
			defer tt.tbl.RUnlock()
			schema, err := prepareRollupSchema(AddRollupClause{RollupName: "r", Columns: tt.cols}, tt.tbl, tt.tbl.BaseIndexID)
			if tt.wantErr != "" {
				testutil.ErrorContains(t, err, tt.wantErr)
				return
			}
			testutil.NoError(t, err)
			testutil.SliceLen(t, schema, len(tt.cols))
		})
	}
}

func TestPrepareRollupSchemaExplicitDupKeys(t *testing.T) {
	t.Parallel()
	f := newFixture(t, catalog.SharedNothing)
	tbl := f.dupTable("sales")
	tbl.RLock()
	defer tbl.RUnlock()

	schema, err := prepareRollupSchema(AddRollupClause{Columns: []string{"k2", "v1", "k1"}, DupKeys: []string{"k2", "v1"}}, tbl, tbl.BaseIndexID)
	testutil.NoError(t, err)
	testutil.True(t, schema[0].IsKey && schema[1].IsKey)
	testutil.False(t, schema[2].IsKey, "k1 follows the duplicate keys")
	testutil.Equal(t, catalog.AggNone, schema[2].Agg)

	_, err = prepareRollupSchema(AddRollupClause{Columns: []string{"k1", "v1"}, DupKeys: []string{"v1"}}, tbl, tbl.BaseIndexID)
	testutil.ErrorContains(t, err, "duplicate keys should be the prefix of rollup columns")

	_, err = prepareRollupSchema(AddRollupClause{Columns: []string{"k1"}, DupKeys: []string{"k1", "k2"}}, tbl, tbl.BaseIndexID)
	testutil.ErrorContains(t, err, "num of duplicate keys should less than or equal to num of rollup columns")

	_, err = prepareRollupSchema(AddRollupClause{Columns: []string{"k1", "zz"}}, tbl, tbl.BaseIndexID)
	testutil.ErrorContains(t, err, "column[zz] does not exist in base index")
}

func TestPrepareMVSchema(t *testing.T) {
	t.Parallel()
	f := newFixture(t, catalog.SharedNothing)
	agg := f.createTable("agg_tbl", catalog.AggKeys,
		intCol("k1", true), intCol("k2", true), valueCol("v1", catalog.AggSum), valueCol("v2", catalog.AggReplace))
	dup, err := f.h.CreateTable(f.ctx, "example_db", catalog.TableSpec{
		Name:             "events",
		KeysType:         catalog.DupKeys,
		Columns:          []catalog.Column{intCol("dt", true), intCol("k1", true), valueCol("v1", catalog.AggNone)},
		PartitionColumns: []string{"dt"},
	})
	testutil.NoError(t, err)

	key := func(name string) MVColumn { return MVColumn{Name: name, BaseColumn: name, IsKey: true} }
	val := func(name string, agg catalog.AggregateType) MVColumn { return MVColumn{Name: name, BaseColumn: name, Agg: agg} }

	tests := []struct {
		name    string
		tbl     *catalog.Table
		cols    []MVColumn
		wantErr string
	}{
		{name: "aggregate matches base", tbl: agg, cols: []MVColumn{key("k1"), val("v1", catalog.AggSum)}},
		{name: "no grouping", tbl: agg, cols: []MVColumn{key("k1"), val("v1", catalog.AggNone)}, wantErr: "must has grouping columns"},
		{name: "base key as value", tbl: agg, cols: []MVColumn{key("k1"), val("k2", catalog.AggMax), val("v1", catalog.AggSum)}, wantErr: "column[k2] must be the key of materialized view"},
		{name: "aggregate mismatch", tbl: agg, cols: []MVColumn{key("k1"), val("v1", catalog.AggMax)}, wantErr: "must be same as the aggregate type of base column"},
		{name: "replace needs all keys", tbl: agg, cols: []MVColumn{key("k1"), val("v2", catalog.AggReplace)}, wantErr: "all keys of base table if there is a REPLACE value"},
		{name: "key after value", tbl: agg, cols: []MVColumn{val("v1", catalog.AggSum), key("k1")}, wantErr: "must precede value columns"},
		{name: "duplicate table sum", tbl: dup, cols: []MVColumn{key("dt"), key("k1"), val("v1", catalog.AggSum)}},
		{name: "aggregated partition column", tbl: dup, cols: []MVColumn{key("k1"), val("dt", catalog.AggMax)}, wantErr: "partition columns dt must be key column in mv"},
		{name: "unknown column", tbl: dup, cols: []MVColumn{key("nope")}, wantErr: "column[nope] does not exist"},
		{name: "empty", tbl: dup, wantErr: "at least one column"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.tbl.RLock()
			defer tt.tbl.RUnlock()
			schema, err := prepareMVSchema(CreateMVRequest{MVName: "mv", Columns: tt.cols}, tt.tbl)
			if tt.wantErr != "" {
				testutil.ErrorContains(t, err, tt.wantErr)
				return
			}
			testutil.NoError(t, err)
			testutil.SliceLen(t, schema, len(tt.cols))
		})
	}
}

func TestCheckRollupName(t *testing.T) {
	t.Parallel()
	f := newFixture(t, catalog.SharedNothing)
	tbl := f.dupTable("sales")
	tbl.RLock()
	defer tbl.RUnlock()

	testutil.NoError(t, checkRollupName("r1", tbl, nil))
	testutil.ErrorContains(t, checkRollupName("sales", tbl, nil), "rollup name should be different with base table")
	testutil.ErrorContains(t, checkRollupName("r1", tbl, []string{"r1"}), "rollup index[r1] already exists")
	testutil.ErrorContains(t, checkRollupName(" ", tbl, nil), "rollup name is required")
}
