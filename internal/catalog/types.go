package catalog

import (
	"fmt"
	"strings"
)

// PrimitiveType is the storage type of a column.
type PrimitiveType string

const (
	TypeBoolean    PrimitiveType = "BOOLEAN"
	TypeTinyInt    PrimitiveType = "TINYINT"
	TypeSmallInt   PrimitiveType = "SMALLINT"
	TypeInt        PrimitiveType = "INT"
	TypeBigInt     PrimitiveType = "BIGINT"
	TypeLargeInt   PrimitiveType = "LARGEINT"
	TypeFloat      PrimitiveType = "FLOAT"
	TypeDouble     PrimitiveType = "DOUBLE"
	TypeDate       PrimitiveType = "DATE"
	TypeDatetime   PrimitiveType = "DATETIME"
	TypeDecimal    PrimitiveType = "DECIMAL"
	TypeChar       PrimitiveType = "CHAR"
	TypeVarchar    PrimitiveType = "VARCHAR"
	TypeHLL        PrimitiveType = "HLL"
	TypeBitmap     PrimitiveType = "BITMAP"
	TypePercentile PrimitiveType = "PERCENTILE"
	TypeJSON       PrimitiveType = "JSON"
	TypeArray      PrimitiveType = "ARRAY"
	TypeMap        PrimitiveType = "MAP"
	TypeStruct     PrimitiveType = "STRUCT"
)

// varcharIndexSize is the short key budget charged for a VARCHAR prefix.
const varcharIndexSize = 20

var fixedIndexSizes = map[PrimitiveType]int{
	TypeBoolean:  1,
	TypeTinyInt:  1,
	TypeSmallInt: 2,
	TypeInt:      4,
	TypeBigInt:   8,
	TypeLargeInt: 16,
	TypeFloat:    4,
	TypeDouble:   8,
	TypeDate:     3,
	TypeDatetime: 8,
	TypeDecimal:  16,
	TypeVarchar:  varcharIndexSize,
}

// Type is a column type with an optional length for CHAR/VARCHAR.
type Type struct {
	Primitive PrimitiveType `json:"primitive"`
	Len       int           `json:"len,omitempty"`
}

// ParseType parses strings like "INT", "varchar(64)" or "CHAR(8)".
func ParseType(s string) (Type, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	name, length := s, 0
	if i := strings.IndexByte(s, '('); i > 0 {
		if !strings.HasSuffix(s, ")") {
			return Type{}, fmt.Errorf("invalid type %q", s)
		}
		name = s[:i]
		if _, err := fmt.Sscanf(s[i+1:len(s)-1], "%d", &length); err != nil {
			return Type{}, fmt.Errorf("invalid type length in %q", s)
		}
	}
	t := Type{Primitive: PrimitiveType(name), Len: length}
	if _, ok := fixedIndexSizes[t.Primitive]; !ok && !t.IsComplex() && t.Primitive != TypeChar {
		return Type{}, fmt.Errorf("unknown type %q", s)
	}
	return t, nil
}

func (t Type) String() string {
	if t.Len > 0 {
		return fmt.Sprintf("%s(%d)", t.Primitive, t.Len)
	}
	return string(t.Primitive)
}

// IndexSize is the number of bytes the type contributes to a short key.
func (t Type) IndexSize() int {
	if t.Primitive == TypeChar {
		return t.Len
	}
	return fixedIndexSizes[t.Primitive]
}

func (t Type) IsCharFamily() bool {
	return t.Primitive == TypeChar || t.Primitive == TypeVarchar
}

func (t Type) IsVarchar() bool { return t.Primitive == TypeVarchar }

func (t Type) IsFloatingPoint() bool {
	return t.Primitive == TypeFloat || t.Primitive == TypeDouble
}

// IsComplex reports whether the type cannot take part in a sort key.
func (t Type) IsComplex() bool {
	switch t.Primitive {
	case TypeHLL, TypeBitmap, TypePercentile, TypeJSON, TypeArray, TypeMap, TypeStruct:
		return true
	}
	return false
}

// AggregateType is the merge function applied to a value column.
type AggregateType string

const (
	AggNone             AggregateType = "NONE"
	AggSum              AggregateType = "SUM"
	AggMin              AggregateType = "MIN"
	AggMax              AggregateType = "MAX"
	AggReplace          AggregateType = "REPLACE"
	AggReplaceIfNotNull AggregateType = "REPLACE_IF_NOT_NULL"
	AggHLLUnion         AggregateType = "HLL_UNION"
	AggBitmapUnion      AggregateType = "BITMAP_UNION"
	AggPercentileUnion  AggregateType = "PERCENTILE_UNION"
)

// IsReplaceFamily reports whether later rows overwrite earlier ones.
func (a AggregateType) IsReplaceFamily() bool {
	return a == AggReplace || a == AggReplaceIfNotNull
}

// KeysType is the data model of a table.
type KeysType string

const (
	DupKeys     KeysType = "DUP_KEYS"
	AggKeys     KeysType = "AGG_KEYS"
	UniqueKeys  KeysType = "UNIQUE_KEYS"
	PrimaryKeys KeysType = "PRIMARY_KEYS"
)

// IsAggregationFamily reports whether rows with equal keys are merged.
func (k KeysType) IsAggregationFamily() bool {
	return k == AggKeys || k == UniqueKeys
}

// Column describes one column of an index schema.
type Column struct {
	Name       string        `json:"name"`
	Type       Type          `json:"type"`
	IsKey      bool          `json:"isKey"`
	Agg        AggregateType `json:"agg,omitempty"`
	Nullable   bool          `json:"nullable"`
	DefineExpr string        `json:"defineExpr,omitempty"`
}

// Aggregate returns the column's aggregate type, NONE when unset.
func (c Column) Aggregate() AggregateType {
	if c.Agg == "" {
		return AggNone
	}
	return c.Agg
}
