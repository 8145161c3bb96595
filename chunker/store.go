package chunker

import (
	"context"
	"errors"
	"math/big"
	"strings"
)

// ErrInvariant marks probe results that cannot happen on a consistent
// store, like a null PK minimum on a non-empty table.
var ErrInvariant = errors.New("chunker invariant violated")

// Column is one column of a table's metadata.
type Column struct {
	Name string
	Type string
}

// Table carries the metadata the planner needs: identity and primary key.
type Table struct {
	Schema    string
	Name      string
	PKColumns []Column
}

// MinMax is the result of probing a table's primary key column.
type MinMax struct {
	Count   int64
	Decimal bool
	MinInt  int64
	MaxInt  int64
	MinDec  *big.Rat
	MaxDec  *big.Rat
}

// Store is the read-only query surface the planner works against.
type Store interface {
	// Schemas lists non-system schemas.
	Schemas(ctx context.Context) ([]string, error)
	// Tables lists the tables of a schema with PK metadata.
	Tables(ctx context.Context, schema string) ([]Table, error)
	// Table fetches one table's metadata.
	Table(ctx context.Context, schema, table string) (Table, error)
	// ProbePK returns (min, max, count) of the single-column numeric
	// primary key. Count 0 means the table is empty.
	ProbePK(ctx context.Context, t Table) (*MinMax, error)
}

// chunkablePK reports whether the table has a single-column primary key
// of a supported numeric type.
func chunkablePK(t Table) bool {
	if len(t.PKColumns) != 1 {
		return false
	}
	return supportedPKType(t.PKColumns[0].Type)
}

func supportedPKType(columnType string) bool {
	base := strings.ToLower(columnType)
	if i := strings.IndexByte(base, '('); i >= 0 {
		base = base[:i]
	}
	base = strings.TrimSpace(base)
	switch base {
	case "tinyint", "smallint", "mediumint", "int", "integer", "bigint", "decimal", "numeric":
		return true
	default:
		return false
	}
}

// decimalType reports whether the column holds fixed-scale decimals.
func decimalType(columnType string) bool {
	base := strings.ToLower(columnType)
	return strings.HasPrefix(base, "decimal") || strings.HasPrefix(base, "numeric")
}
