package catalog

import (
	"encoding/json"
	"fmt"
	"sort"
)

// The catalog document keeps metadata as a list of breadcrumb-scoped entries
// for interoperability with downstream tooling: an empty breadcrumb scopes
// the stream, ["properties", <column>] scopes one column. In memory the same
// data lives in the typed StreamMetadata / ColumnMetadata fields.

type metadataEntry struct {
	Breadcrumb []string       `json:"breadcrumb"`
	Metadata   map[string]any `json:"metadata"`
}

type streamDocument struct {
	StreamID  string          `json:"tap_stream_id"`
	Stream    string          `json:"stream"`
	TableName string          `json:"table_name"`
	Schema    StreamSchema    `json:"schema"`
	Metadata  []metadataEntry `json:"metadata"`
}

// MarshalJSON renders the stream in catalog document form.
func (s *Stream) MarshalJSON() ([]byte, error) {
	streamMD := map[string]any{
		"selected":             s.Metadata.Selected,
		"table-key-properties": s.Metadata.TableKeyProperties,
		"schema-name":          s.Metadata.SchemaName,
		"database-name":        s.Metadata.DatabaseName,
		"row-count":            s.Metadata.RowCount,
		"is-view":              s.Metadata.IsView,
	}
	if s.Metadata.ReplicationMethod != "" {
		streamMD["replication-method"] = s.Metadata.ReplicationMethod
	}
	if s.Metadata.ViewKeyProperties != nil {
		streamMD["view-key-properties"] = s.Metadata.ViewKeyProperties
	}

	entries := []metadataEntry{{Breadcrumb: []string{}, Metadata: streamMD}}

	names := make([]string, 0, len(s.Columns))
	for name := range s.Columns {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		md := s.Columns[name]
		colMD := map[string]any{
			"inclusion":           string(md.Inclusion),
			"selected-by-default": md.SelectedByDefault,
			"sql-datatype":        md.SQLDatatype,
		}
		if md.Selected != nil {
			colMD["selected"] = *md.Selected
		}
		entries = append(entries, metadataEntry{
			Breadcrumb: []string{"properties", name},
			Metadata:   colMD,
		})
	}

	return json.Marshal(streamDocument{
		StreamID:  s.StreamID,
		Stream:    s.TableName,
		TableName: s.TableName,
		Schema:    s.SchemaDocument(),
		Metadata:  entries,
	})
}

// UnmarshalJSON parses the catalog document form back into typed fields.
func (s *Stream) UnmarshalJSON(data []byte) error {
	var doc streamDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}

	s.StreamID = doc.StreamID
	s.TableName = doc.TableName
	if s.TableName == "" {
		s.TableName = doc.Stream
	}
	s.Schema = doc.Schema.Properties
	s.Metadata = StreamMetadata{}
	s.Columns = make(map[string]ColumnMetadata)

	for _, entry := range doc.Metadata {
		switch len(entry.Breadcrumb) {
		case 0:
			if err := decodeStreamMetadata(entry.Metadata, &s.Metadata); err != nil {
				return fmt.Errorf("stream %s: %w", s.StreamID, err)
			}
		case 2:
			if entry.Breadcrumb[0] != "properties" {
				return fmt.Errorf("stream %s: unknown metadata breadcrumb %v", s.StreamID, entry.Breadcrumb)
			}
			var md ColumnMetadata
			decodeColumnMetadata(entry.Metadata, &md)
			s.Columns[entry.Breadcrumb[1]] = md
		default:
			return fmt.Errorf("stream %s: unknown metadata breadcrumb %v", s.StreamID, entry.Breadcrumb)
		}
	}
	return nil
}

func decodeStreamMetadata(raw map[string]any, md *StreamMetadata) error {
	if v, ok := raw["selected"].(bool); ok {
		md.Selected = v
	}
	if v, ok := raw["replication-method"].(string); ok {
		md.ReplicationMethod = v
	}
	if v, ok := raw["schema-name"].(string); ok {
		md.SchemaName = v
	}
	if v, ok := raw["database-name"].(string); ok {
		md.DatabaseName = v
	}
	if v, ok := raw["is-view"].(bool); ok {
		md.IsView = v
	}
	switch v := raw["row-count"].(type) {
	case float64:
		md.RowCount = int64(v)
	case nil:
	default:
		return fmt.Errorf("row-count has unexpected type %T", v)
	}
	md.TableKeyProperties = stringSlice(raw["table-key-properties"])
	md.ViewKeyProperties = stringSlice(raw["view-key-properties"])
	return nil
}

func decodeColumnMetadata(raw map[string]any, md *ColumnMetadata) {
	if v, ok := raw["inclusion"].(string); ok {
		md.Inclusion = Inclusion(v)
	}
	if v, ok := raw["selected-by-default"].(bool); ok {
		md.SelectedByDefault = v
	}
	if v, ok := raw["selected"].(bool); ok {
		md.Selected = &v
	}
	if v, ok := raw["sql-datatype"].(string); ok {
		md.SQLDatatype = v
	}
}

func stringSlice(v any) []string {
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
