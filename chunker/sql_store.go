package chunker

import (
	"context"
	"database/sql"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/mysql"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	"github.com/rs/zerolog/log"

	"github.com/tejeswarp/tungsten-replicator/telemetry"
)

// sqlStore implements the probe shared by the SQL-backed stores.
type sqlStore struct {
	db      *sql.DB
	dialect string
}

// probePK issues a single aggregate query for (min, max, count).
func (s *sqlStore) probePK(ctx context.Context, t Table) (*MinMax, error) {
	pk := t.PKColumns[0]
	col := goqu.C(pk.Name)
	query, args, err := goqu.Dialect(s.dialect).
		From(goqu.S(t.Schema).Table(t.Name)).
		Select(goqu.MIN(col), goqu.MAX(col), goqu.COUNT(col)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("failed to build probe for %s.%s: %w", t.Schema, t.Name, err)
	}

	start := time.Now()
	row := s.db.QueryRowContext(ctx, query, args...)
	var minVal, maxVal sql.NullString
	var count int64
	if err := row.Scan(&minVal, &maxVal, &count); err != nil {
		return nil, fmt.Errorf("probe failed for %s.%s: %w", t.Schema, t.Name, err)
	}
	telemetry.ChunkProbeSeconds.Observe(time.Since(start).Seconds())

	result := &MinMax{Count: count}
	if count == 0 {
		return result, nil
	}
	if !minVal.Valid || !maxVal.Valid {
		return nil, fmt.Errorf("null pk bounds with count %d on %s.%s: %w",
			count, t.Schema, t.Name, ErrInvariant)
	}

	if decimalType(pk.Type) || strings.ContainsAny(minVal.String+maxVal.String, ".eE") {
		minDec, ok := new(big.Rat).SetString(minVal.String)
		if !ok {
			return nil, fmt.Errorf("unparseable pk minimum %q on %s.%s", minVal.String, t.Schema, t.Name)
		}
		maxDec, ok := new(big.Rat).SetString(maxVal.String)
		if !ok {
			return nil, fmt.Errorf("unparseable pk maximum %q on %s.%s", maxVal.String, t.Schema, t.Name)
		}
		result.Decimal = true
		result.MinDec = minDec
		result.MaxDec = maxDec
		return result, nil
	}

	minInt, err := strconv.ParseInt(minVal.String, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("unparseable pk minimum %q on %s.%s: %w", minVal.String, t.Schema, t.Name, err)
	}
	maxInt, err := strconv.ParseInt(maxVal.String, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("unparseable pk maximum %q on %s.%s: %w", maxVal.String, t.Schema, t.Name, err)
	}
	result.MinInt = minInt
	result.MaxInt = maxInt
	return result, nil
}

// mysqlSystemSchemas are never chunked.
var mysqlSystemSchemas = map[string]bool{
	"mysql":              true,
	"information_schema": true,
	"performance_schema": true,
	"sys":                true,
}

// MySQLStore reads table metadata from information_schema.
type MySQLStore struct {
	sqlStore
}

// NewMySQLStore wraps an open MySQL connection.
func NewMySQLStore(db *sql.DB) *MySQLStore {
	return &MySQLStore{sqlStore{db: db, dialect: "mysql"}}
}

func (s *MySQLStore) Schemas(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT schema_name FROM information_schema.schemata")
	if err != nil {
		return nil, fmt.Errorf("failed to list schemas: %w", err)
	}
	defer rows.Close()

	var schemas []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		if !s.IsSystemSchema(name) {
			schemas = append(schemas, name)
		}
	}
	return schemas, rows.Err()
}

// IsSystemSchema reports whether a schema belongs to the server itself.
func (s *MySQLStore) IsSystemSchema(name string) bool {
	return mysqlSystemSchemas[strings.ToLower(name)]
}

func (s *MySQLStore) Tables(ctx context.Context, schema string) ([]Table, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT table_name FROM information_schema.tables WHERE table_schema = ? AND table_type = 'BASE TABLE'",
		schema)
	if err != nil {
		return nil, fmt.Errorf("failed to list tables in %s: %w", schema, err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	tables := make([]Table, 0, len(names))
	for _, name := range names {
		t, err := s.Table(ctx, schema, name)
		if err != nil {
			return nil, err
		}
		tables = append(tables, t)
	}
	return tables, nil
}

func (s *MySQLStore) Table(ctx context.Context, schema, table string) (Table, error) {
	t := Table{Schema: schema, Name: table}
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.column_name, c.data_type
		FROM information_schema.key_column_usage k
		JOIN information_schema.columns c
		  ON c.table_schema = k.table_schema
		 AND c.table_name = k.table_name
		 AND c.column_name = k.column_name
		WHERE k.constraint_name = 'PRIMARY'
		  AND k.table_schema = ?
		  AND k.table_name = ?
		ORDER BY k.ordinal_position`,
		schema, table)
	if err != nil {
		return t, fmt.Errorf("failed to read pk of %s.%s: %w", schema, table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var col Column
		if err := rows.Scan(&col.Name, &col.Type); err != nil {
			return t, err
		}
		t.PKColumns = append(t.PKColumns, col)
	}
	return t, rows.Err()
}

func (s *MySQLStore) ProbePK(ctx context.Context, t Table) (*MinMax, error) {
	return s.probePK(ctx, t)
}

// SQLiteStore reads table metadata from sqlite_master and table_info.
// SQLite has a single user schema, "main".
type SQLiteStore struct {
	sqlStore
}

// NewSQLiteStore wraps an open SQLite connection.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{sqlStore{db: db, dialect: "sqlite3"}}
}

func (s *SQLiteStore) Schemas(ctx context.Context) ([]string, error) {
	return []string{"main"}, nil
}

func (s *SQLiteStore) Tables(ctx context.Context, schema string) ([]Table, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	tables := make([]Table, 0, len(names))
	for _, name := range names {
		t, err := s.Table(ctx, schema, name)
		if err != nil {
			return nil, err
		}
		tables = append(tables, t)
	}
	return tables, nil
}

func (s *SQLiteStore) Table(ctx context.Context, schema, table string) (Table, error) {
	t := Table{Schema: schema, Name: table}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%q)", table))
	if err != nil {
		return t, fmt.Errorf("failed to read columns of %s: %w", table, err)
	}
	defer rows.Close()

	type pkCol struct {
		col   Column
		order int
	}
	var pks []pkCol
	for rows.Next() {
		var (
			cid      int
			name     string
			colType  string
			notNull  int
			dfltVal  sql.NullString
			pkSerial int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dfltVal, &pkSerial); err != nil {
			return t, err
		}
		if pkSerial > 0 {
			pks = append(pks, pkCol{col: Column{Name: name, Type: colType}, order: pkSerial})
		}
	}
	if err := rows.Err(); err != nil {
		return t, err
	}

	for order := 1; order <= len(pks); order++ {
		for _, pk := range pks {
			if pk.order == order {
				t.PKColumns = append(t.PKColumns, pk.col)
			}
		}
	}
	if len(t.PKColumns) == 0 {
		log.Debug().Str("table", table).Msg("Table has no primary key")
	}
	return t, nil
}

func (s *SQLiteStore) ProbePK(ctx context.Context, t Table) (*MinMax, error) {
	return s.probePK(ctx, t)
}
