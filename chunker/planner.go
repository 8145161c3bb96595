package chunker

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/big"

	"github.com/cespare/xxhash/v2"
	cuckoo "github.com/linvon/cuckoo-filter"
	"github.com/rs/zerolog/log"

	"github.com/tejeswarp/tungsten-replicator/telemetry"
)

// DefaultChunkSize rows per chunk when neither the configuration nor the
// definitions document says otherwise.
const DefaultChunkSize = 1000

// Cuckoo filter sizing for duplicate-table suppression. A definitions
// document can name a table through several overlapping requests; the
// filter keeps each table planned once.
const (
	dedupeBucketSize      = 4
	dedupeFingerprintSize = 16
	dedupeNumBuckets      = 4096
)

// PlannerConfig sizes the planner.
type PlannerConfig struct {
	ChunkSize       int64
	ExtractChannels int
	Definitions     []ChunkRequest
}

// Planner walks the source store and emits bounded key-range chunks to a
// worker queue, finishing with one poison pill per extract channel so
// every worker exits cleanly.
type Planner struct {
	store Store
	cfg   PlannerConfig
	out   chan<- NumericChunk
	seen  *cuckoo.Filter
}

// NewPlanner builds a planner emitting into out.
func NewPlanner(store Store, config PlannerConfig, out chan<- NumericChunk) (*Planner, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if out == nil {
		return nil, fmt.Errorf("output channel is required")
	}
	if config.ChunkSize <= 0 {
		config.ChunkSize = DefaultChunkSize
	}
	if config.ExtractChannels < 1 {
		config.ExtractChannels = 1
	}
	return &Planner{
		store: store,
		cfg:   config,
		out:   out,
		seen:  cuckoo.NewFilter(dedupeBucketSize, dedupeFingerprintSize, dedupeNumBuckets, cuckoo.TableTypePacked),
	}, nil
}

// Run plans all requested tables, then posts the poison pills. The pills
// are posted even when planning fails part-way so workers never hang.
func (p *Planner) Run(ctx context.Context) error {
	runErr := p.plan(ctx)

	for i := 0; i < p.cfg.ExtractChannels; i++ {
		log.Debug().Int("channel", i).Msg("Posting job complete request")
		if err := p.emit(ctx, NumericChunk{}); err != nil {
			if runErr == nil {
				runErr = err
			}
			break
		}
		telemetry.ChunksPlannedTotal.With("poison").Inc()
	}
	return runErr
}

func (p *Planner) plan(ctx context.Context) error {
	if len(p.cfg.Definitions) > 0 {
		for _, req := range p.cfg.Definitions {
			if req.Table != "" {
				table, err := p.store.Table(ctx, req.Schema, req.Table)
				if err != nil {
					return err
				}
				if err := p.tableChunks(ctx, table, req.ChunkSize, req.Columns); err != nil {
					return err
				}
				continue
			}
			if err := p.schemaChunks(ctx, req.Schema); err != nil {
				return err
			}
		}
		return nil
	}

	schemas, err := p.store.Schemas(ctx)
	if err != nil {
		return err
	}
	for _, schema := range schemas {
		if err := p.schemaChunks(ctx, schema); err != nil {
			return err
		}
	}
	return nil
}

func (p *Planner) schemaChunks(ctx context.Context, schema string) error {
	log.Debug().Str("schema", schema).Msg("Listing tables for chunking")
	tables, err := p.store.Tables(ctx, schema)
	if err != nil {
		return err
	}
	for _, table := range tables {
		if err := p.tableChunks(ctx, table, -1, nil); err != nil {
			return err
		}
	}
	return nil
}

func (p *Planner) tableChunks(ctx context.Context, table Table, tableChunkSize int64, columns []string) error {
	if p.alreadyPlanned(table) {
		log.Debug().Str("schema", table.Schema).Str("table", table.Name).Msg("Skipping duplicate table")
		telemetry.ChunkTablesSkippedTotal.Inc()
		return nil
	}

	chunkSize := tableChunkSize
	switch {
	case tableChunkSize < 0:
		chunkSize = p.cfg.ChunkSize
	case tableChunkSize == 0:
		// No chunking for this table: extract it in one pass.
		return p.emitWhole(ctx, table, columns)
	}

	log.Info().Str("schema", table.Schema).Str("table", table.Name).Msg("Processing table")

	if !chunkablePK(table) {
		log.Warn().
			Str("schema", table.Schema).
			Str("table", table.Name).
			Msg("No single-column numeric primary key, extracting whole table")
		return p.emitWhole(ctx, table, columns)
	}

	minmax, err := p.store.ProbePK(ctx, table)
	if err != nil {
		return err
	}
	log.Info().
		Str("schema", table.Schema).
		Str("table", table.Name).
		Int64("count", minmax.Count).
		Msg("Probed primary key range")

	// An empty or small table goes out whole. An empty table still
	// yields a chunk so downstream bookkeeping sees every table once.
	if minmax.Count <= chunkSize {
		return p.emitWhole(ctx, table, columns)
	}

	var start, max, gap *big.Int
	if minmax.Decimal {
		// Decimal keys round outward to integers: floor below the
		// minimum, ceiling above the maximum.
		min := ratFloor(minmax.MinDec)
		max = ratCeil(minmax.MaxDec)
		gap = ratCeil(new(big.Rat).Sub(minmax.MaxDec, minmax.MinDec))
		start = min
		if ratIsInteger(minmax.MinDec) {
			start = new(big.Int).Sub(min, big.NewInt(1))
		}
	} else {
		start = big.NewInt(minmax.MinInt - 1)
		max = big.NewInt(minmax.MaxInt)
		gap = big.NewInt(minmax.MaxInt - minmax.MinInt)
	}

	// block = ceil(chunkSize * gap / count), at least 1.
	block := new(big.Int).Mul(gap, big.NewInt(chunkSize))
	block = ceilDiv(block, big.NewInt(minmax.Count))
	if block.Sign() <= 0 {
		block = big.NewInt(1)
	}
	blocks := ceilDiv(new(big.Int).Set(gap), block).Int64()

	for start.Cmp(max) < 0 {
		end := new(big.Int).Add(start, block)
		if end.Cmp(max) > 0 {
			end = new(big.Int).Set(max)
		}
		chunk := NumericChunk{
			Schema:  table.Schema,
			Table:   table.Name,
			Columns: columns,
			Start:   new(big.Int).Set(start),
			End:     end,
			Blocks:  blocks,
		}
		if err := p.emit(ctx, chunk); err != nil {
			return err
		}
		telemetry.ChunksPlannedTotal.With("ranged").Inc()
		start = end
	}
	return nil
}

func (p *Planner) emitWhole(ctx context.Context, table Table, columns []string) error {
	chunk := NumericChunk{Schema: table.Schema, Table: table.Name, Columns: columns}
	if err := p.emit(ctx, chunk); err != nil {
		return err
	}
	telemetry.ChunksPlannedTotal.With("whole_table").Inc()
	return nil
}

func (p *Planner) emit(ctx context.Context, chunk NumericChunk) error {
	select {
	case p.out <- chunk:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Planner) alreadyPlanned(table Table) bool {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], xxhash.Sum64String(table.Schema+"."+table.Name))
	if p.seen.Contain(buf[:]) {
		return true
	}
	p.seen.Add(buf[:])
	return false
}

// ceilDiv returns ceil(a/b) for positive b.
func ceilDiv(a, b *big.Int) *big.Int {
	q, r := new(big.Int).QuoRem(a, b, new(big.Int))
	if r.Sign() > 0 {
		q.Add(q, big.NewInt(1))
	}
	return q
}

// ratFloor returns the largest integer <= r.
func ratFloor(r *big.Rat) *big.Int {
	q := new(big.Int).Quo(r.Num(), r.Denom())
	if r.Sign() < 0 && !ratIsInteger(r) {
		q.Sub(q, big.NewInt(1))
	}
	return q
}

// ratCeil returns the smallest integer >= r.
func ratCeil(r *big.Rat) *big.Int {
	q := new(big.Int).Quo(r.Num(), r.Denom())
	if r.Sign() > 0 && !ratIsInteger(r) {
		q.Add(q, big.NewInt(1))
	}
	return q
}

func ratIsInteger(r *big.Rat) bool {
	return r.IsInt()
}
