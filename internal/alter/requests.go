package alter

import "github.com/allyourbase/alterd/internal/catalog"

// Property keys understood by job creation.
const (
	PropTimeout    = "timeout"
	PropShortKey   = "short_key"
	PropColocateMV = "colocate_mv"
)

// AddRollupClause asks for one rollup index on a table.
type AddRollupClause struct {
	RollupName string            `json:"rollupName"`
	Columns    []string          `json:"columns"`
	DupKeys    []string          `json:"dupKeys,omitempty"`
	BaseRollup string            `json:"baseRollup,omitempty"`
	Properties map[string]string `json:"properties,omitempty"`
}

// DropRollupClause names a rollup index to drop.
type DropRollupClause struct {
	RollupName string `json:"rollupName"`
}

// AlterClause is one clause of an ALTER TABLE statement. Exactly one field
// is set.
type AlterClause struct {
	AddRollup  *AddRollupClause  `json:"addRollup,omitempty"`
	DropRollup *DropRollupClause `json:"dropRollup,omitempty"`
}

// MVColumn is one output column of a synchronous materialized view.
type MVColumn struct {
	Name       string                `json:"name"`
	BaseColumn string                `json:"baseColumn"`
	IsKey      bool                  `json:"isKey"`
	Agg        catalog.AggregateType `json:"agg,omitempty"`
	DefineExpr string                `json:"defineExpr,omitempty"`
}

// CreateMVRequest asks for a synchronous materialized view on a table.
type CreateMVRequest struct {
	DBName        string            `json:"db"`
	TableName     string            `json:"table"`
	MVName        string            `json:"name"`
	BaseIndexName string            `json:"baseIndexName,omitempty"`
	Columns       []MVColumn        `json:"columns"`
	KeysType      catalog.KeysType  `json:"keysType,omitempty"`
	WhereClause   string            `json:"whereClause,omitempty"`
	ViewDefineSQL string            `json:"viewDefineSql,omitempty"`
	Properties    map[string]string `json:"properties,omitempty"`
}

// mvKeysType returns the requested keys type, deriving it from the columns
// when unset: any aggregated column makes the view AGG_KEYS.
func (r *CreateMVRequest) mvKeysType() catalog.KeysType {
	if r.KeysType != "" {
		return r.KeysType
	}
	for _, c := range r.Columns {
		if !c.IsKey && c.Agg != "" && c.Agg != catalog.AggNone {
			return catalog.AggKeys
		}
	}
	return catalog.DupKeys
}

// DropMVRequest removes a synchronous materialized view. TableName may be
// empty, in which case every table of the database is searched.
type DropMVRequest struct {
	DBName    string `json:"db"`
	TableName string `json:"table,omitempty"`
	MVName    string `json:"name"`
	IfExists  bool   `json:"ifExists,omitempty"`
}

// CancelRequest cancels the unfinished jobs of a table, or only the listed
// ones when JobIDs is not empty.
type CancelRequest struct {
	DBName    string  `json:"db"`
	TableName string  `json:"table"`
	JobIDs    []int64 `json:"jobIds,omitempty"`
}
