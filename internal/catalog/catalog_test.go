package catalog

import (
	"encoding/json"
	"testing"

	"github.com/allyourbase/alterd/internal/testutil"
)

func salesSpec() TableSpec {
	return TableSpec{
		Name:     "sales",
		KeysType: DupKeys,
		Columns: []Column{
			{Name: "k1", Type: Type{Primitive: TypeInt}, IsKey: true},
			{Name: "k2", Type: Type{Primitive: TypeVarchar, Len: 32}, IsKey: true},
			{Name: "v1", Type: Type{Primitive: TypeBigInt}, Agg: AggNone},
		},
		Partitions: []string{"p1", "p2"},
		Buckets:    3,
	}
}

func TestCreateTableRegistersTablets(t *testing.T) {
	t.Parallel()
	c := New(SharedNothing)
	db, err := c.CreateDatabase("shop")
	testutil.NoError(t, err)

	tbl, err := c.CreateTable(db, salesSpec())
	testutil.NoError(t, err)
	testutil.Equal(t, TableNormal, tbl.State)
	testutil.SliceLen(t, tbl.Partitions, 2)
	testutil.Equal(t, 6, c.Tablets.Len())
	testutil.SliceLen(t, c.Tablets.ByIndex(tbl.BaseIndexID), 6)
	testutil.Equal(t, 2, tbl.KeyCount())
	testutil.True(t, tbl.HasIndex("sales"))

	_, err = c.CreateTable(db, salesSpec())
	testutil.ErrorIs(t, err, ErrDuplicateName)
	testutil.Equal(t, 6, c.Tablets.Len())
}

func TestCreateTableRequiresKey(t *testing.T) {
	t.Parallel()
	c := New(SharedNothing)
	db, _ := c.CreateDatabase("shop")
	spec := salesSpec()
	for i := range spec.Columns {
		spec.Columns[i].IsKey = false
	}
	_, err := c.CreateTable(db, spec)
	testutil.ErrorContains(t, err, "no key column")
}

func TestRemoveIndexReturnsTablets(t *testing.T) {
	t.Parallel()
	c := New(SharedNothing)
	db, _ := c.CreateDatabase("shop")
	tbl, err := c.CreateTable(db, salesSpec())
	testutil.NoError(t, err)

	const rollupID = 99
	tbl.Indexes[rollupID] = &IndexMeta{ID: rollupID, Name: "r1", State: IndexShadow}
	for i, p := range tbl.Partitions {
		p.Indexes[rollupID] = &MaterializedIndex{ID: rollupID, Tablets: []int64{int64(500 + i)}}
	}

	tablets := tbl.RemoveIndex(rollupID)
	testutil.SliceLen(t, tablets, 2)
	testutil.False(t, tbl.HasIndex("r1"))
	for _, p := range tbl.Partitions {
		testutil.Nil(t, p.Index(rollupID))
	}
}

func TestCatalogImageRestore(t *testing.T) {
	t.Parallel()
	c := New(SharedData)
	db, _ := c.CreateDatabase("shop")
	tbl, err := c.CreateTable(db, salesSpec())
	testutil.NoError(t, err)
	tbl.State = TableRollup

	data, err := json.Marshal(c)
	testutil.NoError(t, err)

	restored, err := Restore(data)
	testutil.NoError(t, err)
	testutil.Equal(t, SharedData, restored.RunMode())
	testutil.Equal(t, c.Tablets.Len(), restored.Tablets.Len())

	_, got, err := restored.ResolveTable("shop", "sales")
	testutil.NoError(t, err)
	testutil.Equal(t, TableRollup, got.GetState())
	testutil.Equal(t, tbl.BaseIndexID, got.BaseIndexID)

	// New ids must not collide with restored ones.
	testutil.True(t, restored.NextID() > tbl.Partitions[1].Indexes[tbl.BaseIndexID].Tablets[2])
}

func TestRenameTable(t *testing.T) {
	t.Parallel()
	c := New(SharedNothing)
	db, _ := c.CreateDatabase("shop")
	a, _ := c.CreateTable(db, salesSpec())
	other := salesSpec()
	other.Name = "orders"
	_, err := c.CreateTable(db, other)
	testutil.NoError(t, err)

	err = db.RenameTable(a, "orders")
	testutil.ErrorIs(t, err, ErrDuplicateName)
	testutil.NoError(t, db.RenameTable(a, "sales_v2"))
	testutil.NotNil(t, db.TableByName("sales_v2"))
}

func TestInsertOverwriteTracking(t *testing.T) {
	t.Parallel()
	c := New(SharedNothing)
	c.BeginInsertOverwrite(7)
	c.BeginInsertOverwrite(7)
	c.EndInsertOverwrite(7)
	testutil.True(t, c.HasRunningInsertOverwrite(7))
	c.EndInsertOverwrite(7)
	testutil.False(t, c.HasRunningInsertOverwrite(7))
}

func TestParseType(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in      string
		want    Type
		size    int
		wantErr bool
	}{
		{in: "int", want: Type{Primitive: TypeInt}, size: 4},
		{in: "CHAR(10)", want: Type{Primitive: TypeChar, Len: 10}, size: 10},
		{in: "varchar(255)", want: Type{Primitive: TypeVarchar, Len: 255}, size: 20},
		{in: "DATETIME", want: Type{Primitive: TypeDatetime}, size: 8},
		{in: "GEOMETRY", wantErr: true},
		{in: "CHAR(x)", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseType(tt.in)
			if tt.wantErr {
				testutil.NotNil(t, err)
				return
			}
			testutil.NoError(t, err)
			testutil.Equal(t, tt.want, got)
			testutil.Equal(t, tt.size, got.IndexSize())
		})
	}
}
