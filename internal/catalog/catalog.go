// Package catalog holds the in-memory metadata the alter subsystem works
// against: databases, tables, materialized indexes and the tablet registry.
package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

var (
	ErrDatabaseNotFound = errors.New("database not found")
	ErrTableNotFound    = errors.New("table not found")
	ErrDuplicateName    = errors.New("name already exists")
	ErrInvalidTable     = errors.New("invalid table definition")
)

// RunMode selects how rollup jobs build their indexes.
type RunMode string

const (
	SharedNothing RunMode = "shared_nothing"
	SharedData    RunMode = "shared_data"
)

// Database is a named group of tables.
type Database struct {
	mu  sync.RWMutex
	ddl sync.Mutex

	ID     int64            `json:"id"`
	Name   string           `json:"name"`
	Tables map[int64]*Table `json:"tables"`
}

// LockDDL serializes metadata-changing statements within the database.
// It must be taken before any table lock.
func (d *Database) LockDDL()   { d.ddl.Lock() }
func (d *Database) UnlockDDL() { d.ddl.Unlock() }

// Table returns the table with the given id, or nil.
func (d *Database) Table(id int64) *Table {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.Tables[id]
}

// TableByName returns the table with the given name, or nil.
func (d *Database) TableByName(name string) *Table {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, t := range d.Tables {
		if t.Name == name {
			return t
		}
	}
	return nil
}

// ListTables returns the tables ordered by id.
func (d *Database) ListTables() []*Table {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*Table, 0, len(d.Tables))
	for _, t := range d.Tables {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// RenameTable changes a table's name, failing if the new name is taken.
func (d *Database) RenameTable(t *Table, newName string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, other := range d.Tables {
		if other.ID != t.ID && other.Name == newName {
			return fmt.Errorf("%w: table %q in database %q", ErrDuplicateName, newName, d.Name)
		}
	}
	t.Lock()
	t.Name = newName
	t.Unlock()
	return nil
}

func (d *Database) addTable(t *Table) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, other := range d.Tables {
		if other.Name == t.Name {
			return fmt.Errorf("%w: table %q in database %q", ErrDuplicateName, t.Name, d.Name)
		}
	}
	d.Tables[t.ID] = t
	return nil
}

// TabletMeta locates a tablet in the catalog.
type TabletMeta struct {
	DBID        int64 `json:"dbId"`
	TableID     int64 `json:"tableId"`
	PartitionID int64 `json:"partitionId"`
	IndexID     int64 `json:"indexId"`
}

// TabletRegistry is the global tablet inverted index.
type TabletRegistry struct {
	mu      sync.RWMutex
	tablets map[int64]TabletMeta
}

func NewTabletRegistry() *TabletRegistry {
	return &TabletRegistry{tablets: make(map[int64]TabletMeta)}
}

func (r *TabletRegistry) Add(id int64, meta TabletMeta) {
	r.mu.Lock()
	r.tablets[id] = meta
	r.mu.Unlock()
}

func (r *TabletRegistry) Delete(ids ...int64) {
	r.mu.Lock()
	for _, id := range ids {
		delete(r.tablets, id)
	}
	r.mu.Unlock()
}

func (r *TabletRegistry) Get(id int64) (TabletMeta, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.tablets[id]
	return m, ok
}

func (r *TabletRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tablets)
}

// ByIndex returns the ids of every tablet registered for an index.
func (r *TabletRegistry) ByIndex(indexID int64) []int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []int64
	for id, m := range r.tablets {
		if m.IndexID == indexID {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Catalog is the root of the metadata tree.
type Catalog struct {
	mu  sync.RWMutex
	dbs map[int64]*Database

	nextID  atomic.Int64
	runMode RunMode

	Tablets *TabletRegistry

	overwriteMu sync.Mutex
	overwrites  map[int64]int
}

// New creates an empty catalog.
func New(mode RunMode) *Catalog {
	if mode == "" {
		mode = SharedNothing
	}
	c := &Catalog{
		dbs:        make(map[int64]*Database),
		runMode:    mode,
		Tablets:    NewTabletRegistry(),
		overwrites: make(map[int64]int),
	}
	c.nextID.Store(10000)
	return c
}

// NextID allocates a cluster-unique id.
func (c *Catalog) NextID() int64 {
	return c.nextID.Add(1)
}

// ObserveID raises the id generator so it never returns id or anything
// below it. Replay uses it for ids allocated before a restart.
func (c *Catalog) ObserveID(id int64) {
	for {
		cur := c.nextID.Load()
		if cur >= id || c.nextID.CompareAndSwap(cur, id) {
			return
		}
	}
}

// RunMode reports whether the cluster stores data locally or in shared storage.
func (c *Catalog) RunMode() RunMode { return c.runMode }

// CreateDatabase adds an empty database.
func (c *Catalog) CreateDatabase(name string) (*Database, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, db := range c.dbs {
		if db.Name == name {
			return nil, fmt.Errorf("%w: database %q", ErrDuplicateName, name)
		}
	}
	db := &Database{ID: c.NextID(), Name: name, Tables: make(map[int64]*Table)}
	c.dbs[db.ID] = db
	return db, nil
}

// ReplayCreateDatabase re-creates a journaled database. It is a no-op if
// the database already exists.
func (c *Catalog) ReplayCreateDatabase(id int64, name string) {
	c.ObserveID(id)
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.dbs[id]; ok {
		return
	}
	c.dbs[id] = &Database{ID: id, Name: name, Tables: make(map[int64]*Table)}
}

// DB returns the database with the given id, or nil.
func (c *Catalog) DB(id int64) *Database {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.dbs[id]
}

// DBByName returns the database with the given name, or nil.
func (c *Catalog) DBByName(name string) *Database {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, db := range c.dbs {
		if db.Name == name {
			return db
		}
	}
	return nil
}

// Databases returns every database ordered by id.
func (c *Catalog) Databases() []*Database {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Database, 0, len(c.dbs))
	for _, db := range c.dbs {
		out = append(out, db)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Table resolves a db/table id pair. Either result may be nil.
func (c *Catalog) Table(dbID, tableID int64) (*Database, *Table) {
	db := c.DB(dbID)
	if db == nil {
		return nil, nil
	}
	return db, db.Table(tableID)
}

// ResolveTable resolves database and table names.
func (c *Catalog) ResolveTable(dbName, tableName string) (*Database, *Table, error) {
	db := c.DBByName(dbName)
	if db == nil {
		return nil, nil, fmt.Errorf("%w: %q", ErrDatabaseNotFound, dbName)
	}
	t := db.TableByName(tableName)
	if t == nil {
		return db, nil, fmt.Errorf("%w: %q.%q", ErrTableNotFound, dbName, tableName)
	}
	return db, t, nil
}

// TableSpec describes a table to create.
type TableSpec struct {
	Name             string   `json:"name"`
	KeysType         KeysType `json:"keysType"`
	Columns          []Column `json:"columns"`
	Partitions       []string `json:"partitions"`
	PartitionColumns []string `json:"partitionColumns,omitempty"`
	Buckets          int      `json:"buckets"`
	ColocateGroup    string   `json:"colocateGroup,omitempty"`
	MV               *MVInfo  `json:"mv,omitempty"`
}

// CreateTable builds a table with a base index and registers its tablets.
func (c *Catalog) CreateTable(db *Database, spec TableSpec) (*Table, error) {
	if strings.TrimSpace(spec.Name) == "" || len(spec.Columns) == 0 {
		return nil, fmt.Errorf("%w: name and columns are required", ErrInvalidTable)
	}
	if spec.KeysType == "" {
		spec.KeysType = DupKeys
	}
	if len(spec.Partitions) == 0 {
		spec.Partitions = []string{spec.Name}
	}
	if spec.Buckets <= 0 {
		spec.Buckets = 1
	}
	keys := 0
	for _, col := range spec.Columns {
		if col.IsKey {
			keys++
		}
	}
	if keys == 0 {
		return nil, fmt.Errorf("%w: table %q has no key column", ErrInvalidTable, spec.Name)
	}

	t := &Table{
		ID:               c.NextID(),
		DBID:             db.ID,
		Name:             spec.Name,
		KeysType:         spec.KeysType,
		State:            TableNormal,
		Indexes:          make(map[int64]*IndexMeta),
		PartitionColumns: spec.PartitionColumns,
		ColocateGroup:    spec.ColocateGroup,
		MV:               spec.MV,
	}
	t.BaseIndexID = c.NextID()
	t.Indexes[t.BaseIndexID] = &IndexMeta{
		ID:            t.BaseIndexID,
		Name:          spec.Name,
		Schema:        append([]Column(nil), spec.Columns...),
		KeysType:      spec.KeysType,
		ShortKeyCount: min(keys, 3),
		State:         IndexNormal,
	}
	for _, name := range spec.Partitions {
		p := &Partition{ID: c.NextID(), Name: name, Indexes: make(map[int64]*MaterializedIndex)}
		mi := &MaterializedIndex{ID: t.BaseIndexID, State: IndexNormal}
		for range spec.Buckets {
			tabletID := c.NextID()
			mi.Tablets = append(mi.Tablets, tabletID)
			c.Tablets.Add(tabletID, TabletMeta{DBID: db.ID, TableID: t.ID, PartitionID: p.ID, IndexID: t.BaseIndexID})
		}
		p.Indexes[t.BaseIndexID] = mi
		t.Partitions = append(t.Partitions, p)
	}
	if err := db.addTable(t); err != nil {
		c.Tablets.Delete(c.Tablets.ByIndex(t.BaseIndexID)...)
		return nil, err
	}
	return t, nil
}

// ReplayCreateTable re-creates a journaled table and its tablets. Existing
// tables are left untouched.
func (c *Catalog) ReplayCreateTable(t *Table) error {
	db := c.DB(t.DBID)
	if db == nil {
		return fmt.Errorf("%w: id %d", ErrDatabaseNotFound, t.DBID)
	}
	if db.Table(t.ID) != nil {
		return nil
	}
	c.ObserveID(t.ID)
	for id := range t.Indexes {
		c.ObserveID(id)
	}
	for _, p := range t.Partitions {
		c.ObserveID(p.ID)
		for _, mi := range p.Indexes {
			for _, tabletID := range mi.Tablets {
				c.ObserveID(tabletID)
				c.Tablets.Add(tabletID, TabletMeta{DBID: t.DBID, TableID: t.ID, PartitionID: p.ID, IndexID: mi.ID})
			}
		}
	}
	if t.Indexes == nil {
		t.Indexes = make(map[int64]*IndexMeta)
	}
	return db.addTable(t)
}

// DropTable removes a table and unregisters its tablets.
func (c *Catalog) DropTable(db *Database, tableID int64) {
	db.mu.Lock()
	t := db.Tables[tableID]
	delete(db.Tables, tableID)
	db.mu.Unlock()
	if t == nil {
		return
	}
	var tablets []int64
	t.RLock()
	for _, p := range t.Partitions {
		for _, mi := range p.Indexes {
			tablets = append(tablets, mi.Tablets...)
		}
	}
	t.RUnlock()
	c.Tablets.Delete(tablets...)
}

// DropDatabase removes a database if it has no tables.
func (c *Catalog) DropDatabase(id int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	db := c.dbs[id]
	if db == nil {
		return fmt.Errorf("%w: id %d", ErrDatabaseNotFound, id)
	}
	if len(db.ListTables()) > 0 {
		return fmt.Errorf("%w: database %q is not empty", ErrInvalidTable, db.Name)
	}
	delete(c.dbs, id)
	return nil
}

// BeginInsertOverwrite marks an insert overwrite job as running on a table.
func (c *Catalog) BeginInsertOverwrite(tableID int64) {
	c.overwriteMu.Lock()
	c.overwrites[tableID]++
	c.overwriteMu.Unlock()
}

// EndInsertOverwrite clears one running insert overwrite job.
func (c *Catalog) EndInsertOverwrite(tableID int64) {
	c.overwriteMu.Lock()
	defer c.overwriteMu.Unlock()
	if c.overwrites[tableID] <= 1 {
		delete(c.overwrites, tableID)
		return
	}
	c.overwrites[tableID]--
}

// HasRunningInsertOverwrite reports whether an insert overwrite is in progress.
func (c *Catalog) HasRunningInsertOverwrite(tableID int64) bool {
	c.overwriteMu.Lock()
	defer c.overwriteMu.Unlock()
	return c.overwrites[tableID] > 0
}

type catalogImage struct {
	NextID    int64                `json:"nextId"`
	RunMode   RunMode              `json:"runMode"`
	Databases []*Database          `json:"databases"`
	Tablets   map[int64]TabletMeta `json:"tablets"`
}

// MarshalJSON serializes the whole catalog. Every table is read locked for
// the duration so the image is consistent per table.
func (c *Catalog) MarshalJSON() ([]byte, error) {
	dbs := c.Databases()
	for _, db := range dbs {
		db.mu.RLock()
		for _, t := range db.Tables {
			t.RLock()
		}
	}
	defer func() {
		for _, db := range dbs {
			for _, t := range db.Tables {
				t.RUnlock()
			}
			db.mu.RUnlock()
		}
	}()
	c.Tablets.mu.RLock()
	defer c.Tablets.mu.RUnlock()
	return json.Marshal(catalogImage{
		NextID:    c.nextID.Load(),
		RunMode:   c.runMode,
		Databases: dbs,
		Tablets:   c.Tablets.tablets,
	})
}

// Restore builds a catalog from the output of MarshalJSON.
func Restore(data []byte) (*Catalog, error) {
	var img catalogImage
	if err := json.Unmarshal(data, &img); err != nil {
		return nil, fmt.Errorf("decoding catalog image: %w", err)
	}
	c := New(img.RunMode)
	c.nextID.Store(img.NextID)
	for _, db := range img.Databases {
		if db.Tables == nil {
			db.Tables = make(map[int64]*Table)
		}
		c.dbs[db.ID] = db
	}
	for id, m := range img.Tablets {
		c.Tablets.tablets[id] = m
	}
	return c, nil
}
