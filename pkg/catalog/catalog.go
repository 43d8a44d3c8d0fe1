package catalog

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Inclusion classifies how a column participates in extraction.
type Inclusion string

const (
	// InclusionAvailable marks a column the user may select.
	InclusionAvailable Inclusion = "available"
	// InclusionAutomatic marks a column that is always extracted (primary keys).
	InclusionAutomatic Inclusion = "automatic"
	// InclusionUnsupported marks a column whose native type has no mapping.
	InclusionUnsupported Inclusion = "unsupported"
)

// ColumnSchema is the canonical JSON-schema fragment for a single column.
// A nil Type marks the column unsupported.
type ColumnSchema struct {
	Type             []string     `json:"type,omitempty"`
	Minimum          *json.Number `json:"minimum,omitempty"`
	Maximum          *json.Number `json:"maximum,omitempty"`
	ExclusiveMinimum bool         `json:"exclusiveMinimum,omitempty"`
	ExclusiveMaximum bool         `json:"exclusiveMaximum,omitempty"`
	MultipleOf       *json.Number `json:"multipleOf,omitempty"`
	MaxLength        *int         `json:"maxLength,omitempty"`
	Format           string       `json:"format,omitempty"`
}

// Supported reports whether a mapping rule produced a type for this column.
func (s ColumnSchema) Supported() bool {
	return len(s.Type) > 0
}

// StreamSchema is the JSON-schema document emitted for a stream.
type StreamSchema struct {
	Type       string                  `json:"type"`
	Properties map[string]ColumnSchema `json:"properties"`
}

// ColumnMetadata holds the per-column discovery and selection metadata.
type ColumnMetadata struct {
	Inclusion         Inclusion
	SelectedByDefault bool
	Selected          *bool // user selection; nil when the catalog carries none
	SQLDatatype       string
}

// StreamMetadata holds the stream-level discovery and selection metadata.
type StreamMetadata struct {
	Selected           bool
	ReplicationMethod  string // raw override; resolved against the closed method set at sync time
	TableKeyProperties []string
	ViewKeyProperties  []string
	SchemaName         string
	DatabaseName       string
	RowCount           int64
	IsView             bool
}

// Stream is one table or view tracked for extraction.
type Stream struct {
	StreamID  string
	TableName string
	Schema    map[string]ColumnSchema
	Metadata  StreamMetadata
	Columns   map[string]ColumnMetadata
}

// StreamID format: database-schema-table, unique across the whole cluster.
func StreamIDFor(database, schema, table string) string {
	return database + "-" + schema + "-" + table
}

// KeyProperties returns the key columns to declare in schema messages:
// view-key-properties for views, table-key-properties otherwise.
func (s *Stream) KeyProperties() []string {
	if s.Metadata.IsView {
		return s.Metadata.ViewKeyProperties
	}
	return s.Metadata.TableKeyProperties
}

// IsSelected reports whether the stream is marked selected at the stream level.
func (s *Stream) IsSelected() bool {
	return s.Metadata.Selected
}

// DesiredColumns returns the sorted column names to extract: every supported
// column that is either automatic or explicitly selected.
func (s *Stream) DesiredColumns() []string {
	var desired []string
	for name, md := range s.Columns {
		if md.Inclusion == InclusionUnsupported {
			continue
		}
		if md.Inclusion == InclusionAutomatic || (md.Selected != nil && *md.Selected) {
			desired = append(desired, name)
		}
	}
	sort.Strings(desired)
	return desired
}

// SchemaDocument assembles the stream's JSON-schema definition.
func (s *Stream) SchemaDocument() StreamSchema {
	props := make(map[string]ColumnSchema, len(s.Schema))
	for name, cs := range s.Schema {
		props[name] = cs
	}
	return StreamSchema{Type: "object", Properties: props}
}

// Catalog is the full discovered schema description for a cluster.
type Catalog struct {
	Streams []*Stream `json:"streams"`
}

// GetStream returns the stream with the given identifier, or nil.
func (c *Catalog) GetStream(streamID string) *Stream {
	for _, s := range c.Streams {
		if s.StreamID == streamID {
			return s
		}
	}
	return nil
}

// SelectedStreams returns the selected streams sorted by stream identifier.
// The total order makes run ordering deterministic and resumable.
func (c *Catalog) SelectedStreams() []*Stream {
	var selected []*Stream
	for _, s := range c.Streams {
		if s.IsSelected() {
			selected = append(selected, s)
		}
	}
	sort.Slice(selected, func(i, j int) bool {
		return selected[i].StreamID < selected[j].StreamID
	})
	return selected
}

// Validate checks that stream identifiers are unique across the catalog.
func (c *Catalog) Validate() error {
	seen := make(map[string]struct{}, len(c.Streams))
	for _, s := range c.Streams {
		if _, dup := seen[s.StreamID]; dup {
			return fmt.Errorf("duplicate stream identifier %q in catalog", s.StreamID)
		}
		seen[s.StreamID] = struct{}{}
	}
	return nil
}
