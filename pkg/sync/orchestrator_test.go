package sync

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nick-mccoy/tap-postgres/pkg/catalog"
	"github.com/nick-mccoy/tap-postgres/pkg/messages"
	"github.com/nick-mccoy/tap-postgres/pkg/state"
)

// ============================================================================
// Mock Implementations
// ============================================================================

type mockSink struct {
	emitted []messages.Message
	emitFn  func(msg messages.Message) error
}

func (m *mockSink) Emit(msg messages.Message) error {
	if m.emitFn != nil {
		return m.emitFn(msg)
	}
	m.emitted = append(m.emitted, msg)
	return nil
}

func (m *mockSink) stateMessages() []messages.StateMessage {
	var out []messages.StateMessage
	for _, msg := range m.emitted {
		if sm, ok := msg.(messages.StateMessage); ok {
			out = append(out, sm)
		}
	}
	return out
}

func (m *mockSink) schemaMessages() []messages.SchemaMessage {
	var out []messages.SchemaMessage
	for _, msg := range m.emitted {
		if sm, ok := msg.(messages.SchemaMessage); ok {
			out = append(out, sm)
		}
	}
	return out
}

type mockFullTable struct {
	calls       []string
	viewCalls   []string
	syncTableFn func(ctx context.Context, stream *catalog.Stream, snap state.Snapshot, desired []string) (state.Snapshot, error)
}

func (m *mockFullTable) SyncTable(ctx context.Context, stream *catalog.Stream, snap state.Snapshot, desired []string) (state.Snapshot, error) {
	m.calls = append(m.calls, stream.StreamID)
	if m.syncTableFn != nil {
		return m.syncTableFn(ctx, stream, snap, desired)
	}
	return snap, nil
}

func (m *mockFullTable) SyncView(ctx context.Context, stream *catalog.Stream, snap state.Snapshot, desired []string) (state.Snapshot, error) {
	m.viewCalls = append(m.viewCalls, stream.StreamID)
	return snap, nil
}

type mockLogBased struct {
	calls     []string
	position  uint64
	fetches   int
	syncFn    func(ctx context.Context, stream *catalog.Stream, snap state.Snapshot, desired []string) (state.Snapshot, error)
	positionF func(ctx context.Context, database string) (uint64, error)
}

func (m *mockLogBased) Sync(ctx context.Context, stream *catalog.Stream, snap state.Snapshot, desired []string) (state.Snapshot, error) {
	m.calls = append(m.calls, stream.StreamID)
	if m.syncFn != nil {
		return m.syncFn(ctx, stream, snap, desired)
	}
	return snap, nil
}

func (m *mockLogBased) FetchCurrentPosition(ctx context.Context, database string) (uint64, error) {
	m.fetches++
	if m.positionF != nil {
		return m.positionF(ctx, database)
	}
	return m.position, nil
}

// ============================================================================
// Helpers
// ============================================================================

func selectedStream(streamID, table string, opts ...func(*catalog.Stream)) *catalog.Stream {
	yes := true
	s := &catalog.Stream{
		StreamID:  streamID,
		TableName: table,
		Schema: map[string]catalog.ColumnSchema{
			"id":   {Type: []string{"integer"}},
			"name": {Type: []string{"null", "string"}},
		},
		Metadata: catalog.StreamMetadata{
			Selected:           true,
			TableKeyProperties: []string{"id"},
			SchemaName:         "public",
			DatabaseName:       "app",
		},
		Columns: map[string]catalog.ColumnMetadata{
			"id":   {Inclusion: catalog.InclusionAutomatic, SelectedByDefault: true},
			"name": {Inclusion: catalog.InclusionAvailable, SelectedByDefault: true, Selected: &yes},
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func newTestOrchestrator() (*Orchestrator, *mockFullTable, *mockLogBased, *mockSink) {
	fullTable := &mockFullTable{}
	logBased := &mockLogBased{}
	sink := &mockSink{}
	return NewOrchestrator(fullTable, logBased, sink, nil), fullTable, logBased, sink
}

// ============================================================================
// Tests
// ============================================================================

func TestSync_ProcessesSelectedStreamsInOrder(t *testing.T) {
	o, fullTable, _, sink := newTestOrchestrator()

	cat := &catalog.Catalog{Streams: []*catalog.Stream{
		selectedStream("app-public-zebra", "zebra"),
		selectedStream("app-public-alpha", "alpha"),
		{StreamID: "app-public-ignored", TableName: "ignored"}, // not selected
	}}

	_, err := o.Sync(context.Background(), cat, state.New(), catalog.ReplicationFullTable)
	require.NoError(t, err)

	assert.Equal(t, []string{"app-public-alpha", "app-public-zebra"}, fullTable.calls)
	assert.Len(t, sink.stateMessages(), 2)
}

func TestSync_ResumeDropsStreamsBeforeMarker(t *testing.T) {
	o, fullTable, _, _ := newTestOrchestrator()

	cat := &catalog.Catalog{Streams: []*catalog.Stream{
		selectedStream("a", "a"),
		selectedStream("b", "b"),
		selectedStream("x", "x"),
		selectedStream("y", "y"),
		selectedStream("z", "z"),
	}}

	snap := state.New().WithCurrentlySyncing("x")

	_, err := o.Sync(context.Background(), cat, snap, catalog.ReplicationFullTable)
	require.NoError(t, err)

	assert.Equal(t, []string{"x", "y", "z"}, fullTable.calls)
}

func TestSync_ResumeMarkerNotInListProcessesAll(t *testing.T) {
	o, fullTable, _, _ := newTestOrchestrator()

	cat := &catalog.Catalog{Streams: []*catalog.Stream{
		selectedStream("a", "a"),
		selectedStream("b", "b"),
	}}

	snap := state.New().WithCurrentlySyncing("deselected-since-last-run")

	_, err := o.Sync(context.Background(), cat, snap, catalog.ReplicationFullTable)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, fullTable.calls)
}

func TestSync_StateEmittedAfterEachStreamWithMarkerCleared(t *testing.T) {
	o, _, _, sink := newTestOrchestrator()

	cat := &catalog.Catalog{Streams: []*catalog.Stream{
		selectedStream("a", "a"),
		selectedStream("b", "b"),
	}}

	final, err := o.Sync(context.Background(), cat, state.New(), catalog.ReplicationFullTable)
	require.NoError(t, err)

	states := sink.stateMessages()
	require.Len(t, states, 2)
	for _, sm := range states {
		assert.Empty(t, sm.Value.CurrentlySyncing())
	}
	assert.Empty(t, final.CurrentlySyncing())
}

func TestSync_EmptyDesiredColumnsSkipsStream(t *testing.T) {
	o, fullTable, _, sink := newTestOrchestrator()

	empty := selectedStream("a", "a", func(s *catalog.Stream) {
		s.Columns = map[string]catalog.ColumnMetadata{
			"blob": {Inclusion: catalog.InclusionUnsupported},
		}
	})
	prior := state.New().WithBookmark("a", "lsn", uint64(777))

	cat := &catalog.Catalog{Streams: []*catalog.Stream{empty, selectedStream("b", "b")}}

	final, err := o.Sync(context.Background(), cat, prior, catalog.ReplicationFullTable)
	require.NoError(t, err)

	assert.Equal(t, []string{"b"}, fullTable.calls)

	// No message mentions the skipped stream, and its bookmark is untouched.
	for _, sm := range sink.schemaMessages() {
		assert.NotEqual(t, "a", sm.Stream)
	}
	v, ok := final.Bookmark("a", "lsn")
	require.True(t, ok)
	assert.Equal(t, uint64(777), v)
}

func TestSync_LogBasedOnViewSkips(t *testing.T) {
	o, fullTable, logBased, _ := newTestOrchestrator()

	view := selectedStream("a", "a", func(s *catalog.Stream) {
		s.Metadata.IsView = true
		s.Metadata.ViewKeyProperties = []string{"id"}
	})
	cat := &catalog.Catalog{Streams: []*catalog.Stream{view}}

	_, err := o.Sync(context.Background(), cat, state.New(), catalog.ReplicationLogBased)
	require.NoError(t, err)

	assert.Empty(t, fullTable.calls)
	assert.Empty(t, fullTable.viewCalls)
	assert.Empty(t, logBased.calls)
}

func TestSync_FullTableDispatchesViewVariant(t *testing.T) {
	o, fullTable, _, sink := newTestOrchestrator()

	view := selectedStream("a", "a", func(s *catalog.Stream) {
		s.Metadata.IsView = true
		s.Metadata.ViewKeyProperties = []string{"id"}
	})
	cat := &catalog.Catalog{Streams: []*catalog.Stream{view}}

	_, err := o.Sync(context.Background(), cat, state.New(), catalog.ReplicationFullTable)
	require.NoError(t, err)

	assert.Equal(t, []string{"a"}, fullTable.viewCalls)
	assert.Empty(t, fullTable.calls)

	schemas := sink.schemaMessages()
	require.Len(t, schemas, 1)
	assert.Equal(t, []string{"id"}, schemas[0].KeyProperties)
	assert.Empty(t, schemas[0].BookmarkProperties)
}

func TestSync_LogBasedBootstrapCapturesPositionBeforeScan(t *testing.T) {
	o, fullTable, logBased, sink := newTestOrchestrator()

	var fetchedBeforeScan bool
	logBased.position = 500
	fullTable.syncTableFn = func(ctx context.Context, stream *catalog.Stream, snap state.Snapshot, desired []string) (state.Snapshot, error) {
		fetchedBeforeScan = logBased.fetches == 1
		// The scan leaves its own watermark behind.
		return snap.WithBookmark(stream.StreamID, "xmin", int64(9999)), nil
	}

	cat := &catalog.Catalog{Streams: []*catalog.Stream{selectedStream("a", "a")}}

	final, err := o.Sync(context.Background(), cat, state.New(), catalog.ReplicationLogBased)
	require.NoError(t, err)

	assert.True(t, fetchedBeforeScan, "end position must be captured before the bootstrap scan")
	assert.Equal(t, []string{"a"}, fullTable.calls)
	assert.Empty(t, logBased.calls, "first run bootstraps via full table, not the log strategy")

	// Transition entry: xmin retired, lsn set to the captured position.
	xmin, ok := final.Bookmark("a", "xmin")
	require.True(t, ok)
	assert.Nil(t, xmin)
	lsn, ok := final.Bookmark("a", "lsn")
	require.True(t, ok)
	assert.Equal(t, uint64(500), lsn)

	// The bootstrap pass behaves like a snapshot: no bookmark properties.
	schemas := sink.schemaMessages()
	require.Len(t, schemas, 1)
	assert.Empty(t, schemas[0].BookmarkProperties)
}

func TestSync_LogBasedResumeUsesLogStrategy(t *testing.T) {
	o, fullTable, logBased, sink := newTestOrchestrator()

	cat := &catalog.Catalog{Streams: []*catalog.Stream{selectedStream("a", "a")}}
	snap := state.New().WithBookmark("a", "lsn", uint64(500))

	_, err := o.Sync(context.Background(), cat, snap, catalog.ReplicationLogBased)
	require.NoError(t, err)

	assert.Equal(t, []string{"a"}, logBased.calls)
	assert.Empty(t, fullTable.calls)

	schemas := sink.schemaMessages()
	require.Len(t, schemas, 1)
	assert.Equal(t, []string{"lsn"}, schemas[0].BookmarkProperties)
}

func TestSync_StreamMethodOverridesDefault(t *testing.T) {
	o, fullTable, logBased, _ := newTestOrchestrator()

	overridden := selectedStream("a", "a", func(s *catalog.Stream) {
		s.Metadata.ReplicationMethod = string(catalog.ReplicationFullTable)
	})
	cat := &catalog.Catalog{Streams: []*catalog.Stream{overridden}}

	_, err := o.Sync(context.Background(), cat, state.New(), catalog.ReplicationLogBased)
	require.NoError(t, err)

	assert.Equal(t, []string{"a"}, fullTable.calls)
	assert.Empty(t, logBased.calls)
	assert.Zero(t, logBased.fetches)
}

func TestSync_UnknownMethodAbortsRun(t *testing.T) {
	o, fullTable, _, sink := newTestOrchestrator()

	bad := selectedStream("b", "b", func(s *catalog.Stream) {
		s.Metadata.ReplicationMethod = "INCREMENTAL"
	})
	cat := &catalog.Catalog{Streams: []*catalog.Stream{
		selectedStream("a", "a"),
		bad,
		selectedStream("c", "c"),
	}}

	final, err := o.Sync(context.Background(), cat, state.New(), catalog.ReplicationFullTable)

	var methodErr *catalog.UnsupportedReplicationMethodError
	require.ErrorAs(t, err, &methodErr)
	assert.Equal(t, "INCREMENTAL", methodErr.Method)

	// Stream a completed and checkpointed; b and c never ran.
	assert.Equal(t, []string{"a"}, fullTable.calls)
	assert.Len(t, sink.stateMessages(), 1)

	// The offending stream's state is untouched: no marker, no bookmarks.
	assert.Empty(t, final.CurrentlySyncing())
	_, ok := final.Bookmark("b", "lsn")
	assert.False(t, ok)
}

func TestSync_StrategyErrorPropagates(t *testing.T) {
	o, fullTable, _, sink := newTestOrchestrator()

	scanErr := errors.New("relation vanished mid-scan")
	fullTable.syncTableFn = func(ctx context.Context, stream *catalog.Stream, snap state.Snapshot, desired []string) (state.Snapshot, error) {
		return snap, scanErr
	}

	cat := &catalog.Catalog{Streams: []*catalog.Stream{selectedStream("a", "a")}}

	_, err := o.Sync(context.Background(), cat, state.New(), catalog.ReplicationFullTable)
	assert.ErrorIs(t, err, scanErr)
	assert.Empty(t, sink.stateMessages(), "no checkpoint for a failed stream")
}

func TestSync_DesiredColumnsSortedAndFiltered(t *testing.T) {
	o, fullTable, _, _ := newTestOrchestrator()

	var gotDesired []string
	fullTable.syncTableFn = func(ctx context.Context, stream *catalog.Stream, snap state.Snapshot, desired []string) (state.Snapshot, error) {
		gotDesired = desired
		return snap, nil
	}

	yes := true
	no := false
	stream := selectedStream("a", "a", func(s *catalog.Stream) {
		s.Columns = map[string]catalog.ColumnMetadata{
			"zeta":     {Inclusion: catalog.InclusionAvailable, Selected: &yes},
			"id":       {Inclusion: catalog.InclusionAutomatic},
			"skipped":  {Inclusion: catalog.InclusionAvailable, Selected: &no},
			"unpicked": {Inclusion: catalog.InclusionAvailable},
			"broken":   {Inclusion: catalog.InclusionUnsupported, Selected: &yes},
		}
	})

	_, err := o.Sync(context.Background(), &catalog.Catalog{Streams: []*catalog.Stream{stream}}, state.New(), catalog.ReplicationFullTable)
	require.NoError(t, err)

	assert.Equal(t, []string{"id", "zeta"}, gotDesired)
}
