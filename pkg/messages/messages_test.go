package messages

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nick-mccoy/tap-postgres/pkg/catalog"
	"github.com/nick-mccoy/tap-postgres/pkg/state"
)

func TestEmitter_WritesOneJSONObjectPerLine(t *testing.T) {
	var buf bytes.Buffer
	sink := NewEmitter(&buf)

	stream := &catalog.Stream{
		StreamID:  "app-public-users",
		TableName: "users",
		Schema: map[string]catalog.ColumnSchema{
			"id": {Type: []string{"integer"}},
		},
		Metadata: catalog.StreamMetadata{TableKeyProperties: []string{"id"}},
	}

	require.NoError(t, sink.Emit(NewSchemaMessage(stream, nil)))
	require.NoError(t, sink.Emit(NewRecordMessage("users", map[string]any{"id": 1})))
	require.NoError(t, sink.Emit(NewStateMessage(state.New())))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)

	var first map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, "SCHEMA", first["type"])
	assert.Equal(t, "users", first["stream"])

	var second map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &second))
	assert.Equal(t, "RECORD", second["type"])

	var third map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[2]), &third))
	assert.Equal(t, "STATE", third["type"])
}

func TestSchemaMessage_BookmarkProperties(t *testing.T) {
	stream := &catalog.Stream{
		StreamID:  "app-public-users",
		TableName: "users",
		Metadata:  catalog.StreamMetadata{TableKeyProperties: []string{"id"}},
	}

	plain := NewSchemaMessage(stream, nil)
	data, err := json.Marshal(plain)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "bookmark_properties")

	resuming := NewSchemaMessage(stream, []string{"lsn"})
	assert.Equal(t, []string{"lsn"}, resuming.BookmarkProperties)
}

func TestSchemaMessage_ViewKeyProperties(t *testing.T) {
	view := &catalog.Stream{
		StreamID:  "app-public-report",
		TableName: "report",
		Metadata: catalog.StreamMetadata{
			IsView:             true,
			ViewKeyProperties:  []string{"vk"},
			TableKeyProperties: []string{"tk"},
		},
	}
	msg := NewSchemaMessage(view, nil)
	assert.Equal(t, []string{"vk"}, msg.KeyProperties)
}

func TestStateMessage_CarriesFullSnapshot(t *testing.T) {
	snap := state.New().WithBookmark("s", "lsn", uint64(42))

	data, err := json.Marshal(NewStateMessage(snap))
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"type": "STATE",
		"value": {"currently_syncing": null, "bookmarks": {"s": {"lsn": 42}}}
	}`, string(data))
}
