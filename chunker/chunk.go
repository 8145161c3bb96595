// Package chunker divides large source tables into numeric key-range
// chunks of bounded size for parallel snapshot extraction.
package chunker

import (
	"fmt"
	"math/big"
)

// NumericChunk describes one unit of extraction work: a key range of a
// table, a whole table, or the zero value as the poison pill that tells
// an extract worker to exit.
//
// Ranges are open on Start and closed on End: a worker extracts rows with
// Start < pk <= End.
type NumericChunk struct {
	Schema  string
	Table   string
	Columns []string
	Start   *big.Int
	End     *big.Int
	Blocks  int64 // total blocks planned for the table
}

// WholeTable reports whether the chunk covers the entire table.
func (c NumericChunk) WholeTable() bool {
	return c.Start == nil || c.End == nil
}

// Done reports whether this is a poison pill.
func (c NumericChunk) Done() bool {
	return c.Schema == "" && c.Table == ""
}

func (c NumericChunk) String() string {
	if c.Done() {
		return "chunk(done)"
	}
	if c.WholeTable() {
		return fmt.Sprintf("chunk(%s.%s whole)", c.Schema, c.Table)
	}
	return fmt.Sprintf("chunk(%s.%s (%s,%s] of %d)", c.Schema, c.Table, c.Start, c.End, c.Blocks)
}
