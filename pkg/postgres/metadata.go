package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/nick-mccoy/tap-postgres/pkg/discovery"
)

// listDatabasesSQL enumerates every connectable, non-template database in
// the cluster.
const listDatabasesSQL = `
SELECT datname
  FROM pg_database
 WHERE datistemplate = false
   AND has_database_privilege(datname, 'CONNECT') = true
 ORDER BY datname`

// describeSQL returns one row per column of every readable table and view,
// with table facts repeated per row. format_type/_pg_* resolve the true type
// of domain columns the way information_schema itself does.
const describeSQL = `
SELECT
  pg_class.reltuples::BIGINT             AS approximate_row_count,
  pg_class.relkind = 'v'                 AS is_view,
  n.nspname                              AS schema_name,
  pg_class.relname                       AS table_name,
  attname                                AS column_name,
  COALESCE(i.indisprimary, false)        AS is_primary_key,
  format_type(a.atttypid, NULL::integer) AS data_type,
  information_schema._pg_char_max_length(information_schema._pg_truetypid(a.*, t.*),
                                         information_schema._pg_truetypmod(a.*, t.*))::information_schema.cardinal_number AS character_maximum_length,
  information_schema._pg_numeric_precision(information_schema._pg_truetypid(a.*, t.*),
                                           information_schema._pg_truetypmod(a.*, t.*))::information_schema.cardinal_number AS numeric_precision,
  information_schema._pg_numeric_scale(information_schema._pg_truetypid(a.*, t.*),
                                       information_schema._pg_truetypmod(a.*, t.*))::information_schema.cardinal_number AS numeric_scale
FROM pg_attribute a
LEFT JOIN pg_type t ON a.atttypid = t.oid
JOIN pg_class ON pg_class.oid = a.attrelid
JOIN pg_catalog.pg_namespace n ON n.oid = pg_class.relnamespace
LEFT OUTER JOIN pg_index AS i
  ON a.attrelid = i.indrelid
 AND a.attnum = ANY(i.indkey)
WHERE attnum > 0
  AND NOT a.attisdropped
  AND pg_class.relkind IN ('r', 'v')
  AND n.nspname NOT IN ('pg_toast', 'pg_catalog', 'information_schema')
  AND has_table_privilege(pg_class.oid, 'SELECT') = true
ORDER BY n.nspname, pg_class.relname, a.attnum`

// MetadataExecutor runs the cluster metadata queries over pgx. It implements
// discovery.MetadataQueryExecutor.
type MetadataExecutor struct {
	cfg    Config
	logger *zap.Logger
}

// NewMetadataExecutor creates a metadata executor. If logger is nil, a no-op
// logger is used.
func NewMetadataExecutor(cfg Config, logger *zap.Logger) *MetadataExecutor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MetadataExecutor{cfg: cfg, logger: logger}
}

// ListDatabases returns every connectable, non-template database.
func (e *MetadataExecutor) ListDatabases(ctx context.Context) ([]string, error) {
	pool, err := pgxpool.New(ctx, e.cfg.connString(""))
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	defer pool.Close()

	rows, err := pool.Query(ctx, listDatabasesSQL)
	if err != nil {
		return nil, fmt.Errorf("query databases: %w", err)
	}
	defer rows.Close()

	var databases []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan database name: %w", err)
		}
		databases = append(databases, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate databases: %w", err)
	}
	return databases, nil
}

// DescribeTablesAndColumns opens a database-scoped connection and returns
// the flat metadata rows for every readable table and view.
func (e *MetadataExecutor) DescribeTablesAndColumns(ctx context.Context, database string) ([]discovery.TableColumnRow, error) {
	pool, err := pgxpool.New(ctx, e.cfg.connString(database))
	if err != nil {
		return nil, fmt.Errorf("connect to database %s: %w", database, err)
	}
	defer pool.Close()

	rows, err := pool.Query(ctx, describeSQL)
	if err != nil {
		return nil, fmt.Errorf("query table metadata: %w", err)
	}
	defer rows.Close()

	var out []discovery.TableColumnRow
	for rows.Next() {
		var r discovery.TableColumnRow
		if err := rows.Scan(
			&r.RowCount,
			&r.IsView,
			&r.SchemaName,
			&r.TableName,
			&r.Column.Name,
			&r.Column.IsPrimaryKey,
			&r.Column.SQLDataType,
			&r.Column.CharMaxLength,
			&r.Column.NumericPrecision,
			&r.Column.NumericScale,
		); err != nil {
			return nil, fmt.Errorf("scan table metadata: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate table metadata: %w", err)
	}
	return out, nil
}
