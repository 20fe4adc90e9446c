package catalog

import (
	"sort"
	"strings"
	"sync"
)

// TableState is the externally visible alter state of a table.
type TableState string

const (
	TableNormal        TableState = "NORMAL"
	TableRollup        TableState = "ROLLUP"
	TableSchemaChange  TableState = "SCHEMA_CHANGE"
	TableWaitingStable TableState = "WAITING_STABLE"
)

// IndexState is the state of one materialized index.
type IndexState string

const (
	IndexNormal IndexState = "NORMAL"
	// IndexShadow is an index that is being built and is not yet queryable.
	IndexShadow IndexState = "SHADOW"
)

// IndexMeta is the schema-level description of a materialized index.
type IndexMeta struct {
	ID            int64      `json:"id"`
	Name          string     `json:"name"`
	Schema        []Column   `json:"schema"`
	KeysType      KeysType   `json:"keysType"`
	ShortKeyCount int        `json:"shortKeyCount"`
	State         IndexState `json:"state"`
	ViewDefineSQL string     `json:"viewDefineSql,omitempty"`
	WhereClause   string     `json:"whereClause,omitempty"`
	ColocateMV    bool       `json:"colocateMv,omitempty"`
}

// MaterializedIndex is the per-partition physical instance of an index.
type MaterializedIndex struct {
	ID      int64      `json:"id"`
	State   IndexState `json:"state"`
	Tablets []int64    `json:"tablets"`
}

// Partition holds one materialized index per index id.
type Partition struct {
	ID      int64                        `json:"id"`
	Name    string                       `json:"name"`
	Indexes map[int64]*MaterializedIndex `json:"indexes"`
}

// Index returns the partition's instance of the given index, or nil.
func (p *Partition) Index(id int64) *MaterializedIndex {
	return p.Indexes[id]
}

// RefreshScheme describes how an asynchronous materialized view is refreshed.
type RefreshScheme struct {
	Type     string `json:"type"` // MANUAL, ASYNC or INCREMENTAL
	Schedule string `json:"schedule,omitempty"`
}

// MVInfo is present on tables that are asynchronous materialized views.
type MVInfo struct {
	Active         bool              `json:"active"`
	InactiveReason string            `json:"inactiveReason,omitempty"`
	Properties     map[string]string `json:"properties,omitempty"`
	Refresh        RefreshScheme     `json:"refresh"`
}

// Table is an OLAP table. Fields other than ID and DBID must be read or
// written with the table lock held.
type Table struct {
	mu sync.RWMutex

	ID               int64                `json:"id"`
	DBID             int64                `json:"dbId"`
	Name             string               `json:"name"`
	KeysType         KeysType             `json:"keysType"`
	State            TableState           `json:"state"`
	BaseIndexID      int64                `json:"baseIndexId"`
	Indexes          map[int64]*IndexMeta `json:"indexes"`
	Partitions       []*Partition         `json:"partitions"`
	TempPartitions   []*Partition         `json:"tempPartitions,omitempty"`
	PartitionColumns []string             `json:"partitionColumns,omitempty"`
	ColocateGroup    string               `json:"colocateGroup,omitempty"`
	MV               *MVInfo              `json:"mv,omitempty"`
}

func (t *Table) Lock()    { t.mu.Lock() }
func (t *Table) Unlock()  { t.mu.Unlock() }
func (t *Table) RLock()   { t.mu.RLock() }
func (t *Table) RUnlock() { t.mu.RUnlock() }

// GetState reads the state under the read lock.
func (t *Table) GetState() TableState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.State
}

// IndexByName returns the index with the given name, or nil.
func (t *Table) IndexByName(name string) *IndexMeta {
	for _, idx := range t.Indexes {
		if idx.Name == name {
			return idx
		}
	}
	return nil
}

// HasIndex reports whether an index with the given name exists.
func (t *Table) HasIndex(name string) bool {
	return t.IndexByName(name) != nil
}

// BaseIndex returns the base index meta.
func (t *Table) BaseIndex() *IndexMeta {
	return t.Indexes[t.BaseIndexID]
}

// BaseSchema returns the base index columns.
func (t *Table) BaseSchema() []Column {
	if base := t.BaseIndex(); base != nil {
		return base.Schema
	}
	return nil
}

// Column looks up a base column case-insensitively.
func (t *Table) Column(name string) (Column, bool) {
	for _, c := range t.BaseSchema() {
		if strings.EqualFold(c.Name, name) {
			return c, true
		}
	}
	return Column{}, false
}

// KeyCount returns the number of key columns in the base index.
func (t *Table) KeyCount() int {
	n := 0
	for _, c := range t.BaseSchema() {
		if c.IsKey {
			n++
		}
	}
	return n
}

// IndexNames returns every index name, sorted.
func (t *Table) IndexNames() []string {
	names := make([]string, 0, len(t.Indexes))
	for _, idx := range t.Indexes {
		names = append(names, idx.Name)
	}
	sort.Strings(names)
	return names
}

// IsPartitionColumn reports whether name is one of the partition columns.
func (t *Table) IsPartitionColumn(name string) bool {
	for _, c := range t.PartitionColumns {
		if strings.EqualFold(c, name) {
			return true
		}
	}
	return false
}

// RemoveIndex deletes the index from the table meta and from every
// partition, returning the tablets the partitions held for it.
func (t *Table) RemoveIndex(indexID int64) []int64 {
	var tablets []int64
	for _, p := range t.Partitions {
		if mi := p.Indexes[indexID]; mi != nil {
			tablets = append(tablets, mi.Tablets...)
			delete(p.Indexes, indexID)
		}
	}
	delete(t.Indexes, indexID)
	return tablets
}
