package discovery

import (
	"encoding/json"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/nick-mccoy/tap-postgres/pkg/catalog"
)

// Numeric columns declared without scale/precision default to far more digits
// than downstream consumers handle, so both are capped. Capping may truncate
// out-of-range values; it is logged, never fatal.
const (
	MaxNumericScale     = 38
	MaxNumericPrecision = 100
)

// ColumnDescriptor is the raw shape of one column as reported by the
// database's metadata query.
type ColumnDescriptor struct {
	Name             string
	IsPrimaryKey     bool
	SQLDataType      string
	CharMaxLength    *int
	NumericPrecision *int
	NumericScale     *int
}

// TypeMapper translates native column descriptors into canonical schema
// fragments. Deterministic and total: every input maps, possibly to an
// unsupported (typeless) schema.
type TypeMapper struct {
	logger *zap.Logger
}

// NewTypeMapper creates a type mapper. If logger is nil, a no-op logger
// is used.
func NewTypeMapper(logger *zap.Logger) *TypeMapper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TypeMapper{logger: logger}
}

// nullableType returns the canonical type set for a column: primary keys are
// never nullable, everything else admits null first.
func nullableType(canonical string, primaryKey bool) []string {
	if primaryKey {
		return []string{canonical}
	}
	return []string{"null", canonical}
}

// MapColumn maps a native column descriptor to its canonical schema.
func (m *TypeMapper) MapColumn(c ColumnDescriptor) catalog.ColumnSchema {
	dataType := strings.ToLower(c.SQLDataType)

	switch dataType {
	case "integer", "smallint", "bigint":
		cs := catalog.ColumnSchema{Type: nullableType("integer", c.IsPrimaryKey)}
		if c.NumericPrecision != nil {
			cs.Minimum, cs.Maximum = integerBounds(*c.NumericPrecision)
		}
		return cs

	case "bit":
		if c.CharMaxLength != nil && *c.CharMaxLength == 1 {
			return catalog.ColumnSchema{Type: nullableType("boolean", c.IsPrimaryKey)}
		}
		return catalog.ColumnSchema{}

	case "boolean":
		return catalog.ColumnSchema{Type: nullableType("boolean", c.IsPrimaryKey)}

	case "uuid", "hstore", "json", "jsonb":
		return catalog.ColumnSchema{Type: nullableType("string", c.IsPrimaryKey)}

	case "numeric":
		cs := catalog.ColumnSchema{Type: nullableType("number", c.IsPrimaryKey)}
		m.applyNumericConstraints(&cs, c)
		return cs

	case "time without time zone", "time with time zone":
		// Times cannot round-trip through a date-time format, so they stay
		// plain strings.
		return catalog.ColumnSchema{Type: nullableType("string", c.IsPrimaryKey)}

	case "date", "timestamp without time zone", "timestamp with time zone":
		return catalog.ColumnSchema{
			Type:   nullableType("string", c.IsPrimaryKey),
			Format: "date-time",
		}

	case "real", "double precision":
		return catalog.ColumnSchema{Type: nullableType("number", c.IsPrimaryKey)}

	case "text":
		return catalog.ColumnSchema{Type: nullableType("string", c.IsPrimaryKey)}

	case "character varying", "character":
		cs := catalog.ColumnSchema{Type: nullableType("string", c.IsPrimaryKey)}
		if c.CharMaxLength != nil {
			length := *c.CharMaxLength
			cs.MaxLength = &length
		}
		return cs
	}

	return catalog.ColumnSchema{}
}

// applyNumericConstraints sets the exclusive bounds and multipleOf for a
// numeric column, capping scale and precision.
func (m *TypeMapper) applyNumericConstraints(cs *catalog.ColumnSchema, c ColumnDescriptor) {
	scale := MaxNumericScale
	if c.NumericScale != nil && *c.NumericScale <= MaxNumericScale {
		scale = *c.NumericScale
	} else {
		m.logger.Warn("capping decimal scale, this may cause truncation",
			zap.String("column", c.Name),
			zap.Int("max_scale", MaxNumericScale))
	}

	precision := MaxNumericPrecision
	if c.NumericPrecision != nil && *c.NumericPrecision <= MaxNumericPrecision {
		precision = *c.NumericPrecision
	} else {
		m.logger.Warn("capping decimal precision, this may cause truncation",
			zap.String("column", c.Name),
			zap.Int("max_precision", MaxNumericPrecision))
	}

	maximum := decimalNumber(decimal.New(1, int32(precision-scale)))
	minimum := decimalNumber(decimal.New(-1, int32(precision-scale)))
	multipleOf := decimalNumber(decimal.New(1, int32(-scale)))

	cs.Maximum = &maximum
	cs.ExclusiveMaximum = true
	cs.Minimum = &minimum
	cs.ExclusiveMinimum = true
	cs.MultipleOf = &multipleOf
}

func decimalNumber(d decimal.Decimal) json.Number {
	return json.Number(d.String())
}

// integerBounds returns the inclusive bounds for a p-bit signed integer.
func integerBounds(precision int) (*json.Number, *json.Number) {
	one := big.NewInt(1)
	max := new(big.Int).Lsh(one, uint(precision-1))
	max.Sub(max, one)
	min := new(big.Int).Neg(new(big.Int).Lsh(one, uint(precision-1)))

	minN := json.Number(min.String())
	maxN := json.Number(max.String())
	return &minN, &maxN
}
