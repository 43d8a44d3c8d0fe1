package discovery

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/nick-mccoy/tap-postgres/pkg/catalog"
)

// TableColumnRow is one row of the flat per-database metadata result: table
// facts repeated alongside one column descriptor.
type TableColumnRow struct {
	RowCount   int64
	IsView     bool
	SchemaName string
	TableName  string
	Column     ColumnDescriptor
}

// MetadataQueryExecutor runs the raw metadata queries against the cluster.
// Implementations own connection handling; errors propagate unmodified.
type MetadataQueryExecutor interface {
	// ListDatabases returns every connectable, non-template database.
	ListDatabases(ctx context.Context) ([]string, error)
	// DescribeTablesAndColumns returns one row per accessible table/view
	// column in the given database.
	DescribeTablesAndColumns(ctx context.Context, database string) ([]TableColumnRow, error)
}

// Discoverer builds the cluster catalog from raw metadata rows.
type Discoverer struct {
	executor MetadataQueryExecutor
	mapper   *TypeMapper
	logger   *zap.Logger
}

// NewDiscoverer creates a discoverer. If logger is nil, a no-op logger
// is used.
func NewDiscoverer(executor MetadataQueryExecutor, logger *zap.Logger) *Discoverer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Discoverer{
		executor: executor,
		mapper:   NewTypeMapper(logger),
		logger:   logger,
	}
}

// tableInfo accumulates the grouped metadata rows for one table. Column
// order is preserved as reported by the metadata query.
type tableInfo struct {
	isView      bool
	rowCount    int64
	columnOrder []string
	columns     map[string]ColumnDescriptor
}

// Discover enumerates every database in the cluster and assembles the full
// catalog. A metadata query failure is fatal; databases already discovered
// keep their entries, the failed database contributes none.
func (d *Discoverer) Discover(ctx context.Context) (*catalog.Catalog, error) {
	databases, err := d.executor.ListDatabases(ctx)
	if err != nil {
		return nil, err
	}

	cat := &catalog.Catalog{}
	for _, database := range databases {
		d.logger.Info("discovering database", zap.String("database", database))
		streams, err := d.discoverDatabase(ctx, database)
		if err != nil {
			return nil, err
		}
		cat.Streams = append(cat.Streams, streams...)
	}
	return cat, nil
}

func (d *Discoverer) discoverDatabase(ctx context.Context, database string) ([]*catalog.Stream, error) {
	rows, err := d.executor.DescribeTablesAndColumns(ctx, database)
	if err != nil {
		return nil, err
	}

	// Group rows into schema -> table -> columns, preserving encounter order.
	var schemaOrder []string
	tables := make(map[string]map[string]*tableInfo)
	var tableOrder = make(map[string][]string)

	for _, row := range rows {
		byTable, ok := tables[row.SchemaName]
		if !ok {
			byTable = make(map[string]*tableInfo)
			tables[row.SchemaName] = byTable
			schemaOrder = append(schemaOrder, row.SchemaName)
		}
		info, ok := byTable[row.TableName]
		if !ok {
			info = &tableInfo{
				isView:   row.IsView,
				rowCount: row.RowCount,
				columns:  make(map[string]ColumnDescriptor),
			}
			byTable[row.TableName] = info
			tableOrder[row.SchemaName] = append(tableOrder[row.SchemaName], row.TableName)
		}
		col := row.Column
		if prev, seen := info.columns[col.Name]; seen {
			// A column indexed several times repeats in the metadata rows;
			// the primary-key flag must survive the duplicates.
			col.IsPrimaryKey = col.IsPrimaryKey || prev.IsPrimaryKey
		} else {
			info.columnOrder = append(info.columnOrder, col.Name)
		}
		info.columns[col.Name] = col
	}

	var streams []*catalog.Stream
	for _, schemaName := range schemaOrder {
		for _, tableName := range tableOrder[schemaName] {
			info := tables[schemaName][tableName]
			streams = append(streams, d.buildStream(database, schemaName, tableName, info))
		}
	}
	return streams, nil
}

func (d *Discoverer) buildStream(database, schemaName, tableName string, info *tableInfo) *catalog.Stream {
	var keyProperties []string
	for _, name := range info.columnOrder {
		if info.columns[name].IsPrimaryKey {
			keyProperties = append(keyProperties, name)
		}
	}

	schema := make(map[string]catalog.ColumnSchema, len(info.columns))
	columnMD := make(map[string]catalog.ColumnMetadata, len(info.columns))
	for _, name := range info.columnOrder {
		col := info.columns[name]
		cs := d.mapper.MapColumn(col)
		schema[name] = cs

		md := catalog.ColumnMetadata{SQLDatatype: sqlDatatype(col)}
		switch {
		case !cs.Supported():
			md.Inclusion = catalog.InclusionUnsupported
			md.SelectedByDefault = false
		case col.IsPrimaryKey:
			md.Inclusion = catalog.InclusionAutomatic
			md.SelectedByDefault = true
		default:
			md.Inclusion = catalog.InclusionAvailable
			md.SelectedByDefault = true
		}
		columnMD[name] = md
	}

	return &catalog.Stream{
		StreamID:  catalog.StreamIDFor(database, schemaName, tableName),
		TableName: tableName,
		Schema:    schema,
		Metadata: catalog.StreamMetadata{
			TableKeyProperties: keyProperties,
			SchemaName:         schemaName,
			DatabaseName:       database,
			RowCount:           info.rowCount,
			IsView:             info.isView,
		},
		Columns: columnMD,
	}
}

// sqlDatatype reports the column's native type verbatim, except multi-bit
// flag columns which carry their width.
func sqlDatatype(col ColumnDescriptor) string {
	if col.SQLDataType == "bit" && col.CharMaxLength != nil && *col.CharMaxLength > 1 {
		return fmt.Sprintf("bit(%d)", *col.CharMaxLength)
	}
	return col.SQLDataType
}
