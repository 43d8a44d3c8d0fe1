package messages

import (
	"encoding/json"
	"io"
	"time"

	"github.com/nick-mccoy/tap-postgres/pkg/catalog"
	"github.com/nick-mccoy/tap-postgres/pkg/state"
)

// Message is one logical output of an extraction run. The three concrete
// kinds are SchemaMessage, RecordMessage and StateMessage.
type Message interface {
	messageType() string
}

// SchemaMessage declares a stream's schema immediately before its data.
type SchemaMessage struct {
	Type               string               `json:"type"`
	Stream             string               `json:"stream"`
	Schema             catalog.StreamSchema `json:"schema"`
	KeyProperties      []string             `json:"key_properties"`
	BookmarkProperties []string             `json:"bookmark_properties,omitempty"`
}

// NewSchemaMessage builds the schema message for a stream. bookmarkProperties
// is empty except when a log-based stream resumes from a stored position.
func NewSchemaMessage(stream *catalog.Stream, bookmarkProperties []string) SchemaMessage {
	return SchemaMessage{
		Type:               "SCHEMA",
		Stream:             stream.TableName,
		Schema:             stream.SchemaDocument(),
		KeyProperties:      stream.KeyProperties(),
		BookmarkProperties: bookmarkProperties,
	}
}

func (SchemaMessage) messageType() string { return "SCHEMA" }

// RecordMessage carries one extracted row. Records are produced by the
// strategy collaborators and passed through untouched.
type RecordMessage struct {
	Type          string         `json:"type"`
	Stream        string         `json:"stream"`
	Record        map[string]any `json:"record"`
	TimeExtracted time.Time      `json:"time_extracted,omitzero"`
}

// NewRecordMessage builds a record message for a stream.
func NewRecordMessage(streamName string, record map[string]any) RecordMessage {
	return RecordMessage{
		Type:          "RECORD",
		Stream:        streamName,
		Record:        record,
		TimeExtracted: time.Now().UTC(),
	}
}

func (RecordMessage) messageType() string { return "RECORD" }

// StateMessage carries a full snapshot of the state document.
type StateMessage struct {
	Type  string         `json:"type"`
	Value state.Snapshot `json:"value"`
}

// NewStateMessage wraps a snapshot for emission.
func NewStateMessage(snap state.Snapshot) StateMessage {
	return StateMessage{Type: "STATE", Value: snap}
}

func (StateMessage) messageType() string { return "STATE" }

// Sink receives messages one at a time, in order. Implementations are
// assumed reliable; an emission failure is fatal to the run.
type Sink interface {
	Emit(msg Message) error
}

// Emitter writes messages as JSON lines to a writer. Single-threaded use only,
// matching the orchestrator's sequential execution model.
type Emitter struct {
	enc *json.Encoder
}

// NewEmitter returns a sink writing one JSON object per line to w.
func NewEmitter(w io.Writer) *Emitter {
	return &Emitter{enc: json.NewEncoder(w)}
}

// Emit writes a single message.
func (e *Emitter) Emit(msg Message) error {
	return e.enc.Encode(msg)
}
