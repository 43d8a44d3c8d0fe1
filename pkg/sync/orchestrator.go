package sync

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/nick-mccoy/tap-postgres/pkg/catalog"
	"github.com/nick-mccoy/tap-postgres/pkg/messages"
	"github.com/nick-mccoy/tap-postgres/pkg/state"
)

// FullTableStrategy performs a point-in-time snapshot extraction of one
// stream, emitting record messages and returning the advanced state.
type FullTableStrategy interface {
	SyncTable(ctx context.Context, stream *catalog.Stream, snap state.Snapshot, desiredColumns []string) (state.Snapshot, error)
	SyncView(ctx context.Context, stream *catalog.Stream, snap state.Snapshot, desiredColumns []string) (state.Snapshot, error)
}

// LogBasedStrategy follows the database's change stream for one stream.
type LogBasedStrategy interface {
	Sync(ctx context.Context, stream *catalog.Stream, snap state.Snapshot, desiredColumns []string) (state.Snapshot, error)
	// FetchCurrentPosition returns the change stream's current end position
	// for the given database.
	FetchCurrentPosition(ctx context.Context, database string) (uint64, error)
}

// Orchestrator drives an extraction run: it selects and orders streams,
// dispatches each to a strategy, and checkpoints state after every completed
// stream. Execution is strictly sequential; the state snapshot is threaded
// linearly through the run.
type Orchestrator struct {
	fullTable FullTableStrategy
	logBased  LogBasedStrategy
	sink      messages.Sink
	logger    *zap.Logger
}

// NewOrchestrator creates an orchestrator. If logger is nil, a no-op logger
// is used.
func NewOrchestrator(fullTable FullTableStrategy, logBased LogBasedStrategy, sink messages.Sink, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		fullTable: fullTable,
		logBased:  logBased,
		sink:      sink,
		logger:    logger,
	}
}

// Sync runs the extraction across every selected stream and returns the final
// state. Non-fatal conditions (no columns selected, log-based on a view) skip
// the stream with a warning; an unsupported replication method or any
// collaborator failure aborts the whole run.
func (o *Orchestrator) Sync(ctx context.Context, cat *catalog.Catalog, snap state.Snapshot, defaultMethod catalog.ReplicationMethod) (state.Snapshot, error) {
	streams := o.workList(cat, snap)

	for _, stream := range streams {
		desired := stream.DesiredColumns()
		if len(desired) == 0 {
			o.logger.Warn("no columns selected for stream, skipping it",
				zap.String("stream", stream.StreamID))
			continue
		}

		method, err := stream.ResolveReplicationMethod(defaultMethod)
		if err != nil {
			return snap, fmt.Errorf("stream %s: %w", stream.StreamID, err)
		}

		if method == catalog.ReplicationLogBased && stream.Metadata.IsView {
			o.logger.Warn("log-based replication is not supported for views, skipping stream",
				zap.String("stream", stream.StreamID))
			continue
		}

		snap = snap.WithCurrentlySyncing(stream.StreamID)

		switch method {
		case catalog.ReplicationFullTable:
			snap, err = o.syncFullTable(ctx, stream, snap, desired)
		case catalog.ReplicationLogBased:
			snap, err = o.syncLogBased(ctx, stream, snap, desired)
		}
		if err != nil {
			return snap, err
		}

		snap = snap.WithCurrentlySyncing("")
		if err := o.sink.Emit(messages.NewStateMessage(snap)); err != nil {
			return snap, fmt.Errorf("emit state: %w", err)
		}
	}

	return snap, nil
}

// workList returns the selected streams in stream-identifier order, dropping
// every stream before the resume marker when the marker names a stream in
// the list.
func (o *Orchestrator) workList(cat *catalog.Catalog, snap state.Snapshot) []*catalog.Stream {
	streams := cat.SelectedStreams()

	marker := snap.CurrentlySyncing()
	if marker == "" {
		return streams
	}
	for i, s := range streams {
		if s.StreamID == marker {
			return streams[i:]
		}
	}
	return streams
}

func (o *Orchestrator) syncFullTable(ctx context.Context, stream *catalog.Stream, snap state.Snapshot, desired []string) (state.Snapshot, error) {
	o.logger.Info("stream is using full table replication",
		zap.String("stream", stream.StreamID))

	if err := o.sink.Emit(messages.NewSchemaMessage(stream, nil)); err != nil {
		return snap, fmt.Errorf("emit schema: %w", err)
	}
	if stream.Metadata.IsView {
		return o.fullTable.SyncView(ctx, stream, snap, desired)
	}
	return o.fullTable.SyncTable(ctx, stream, snap, desired)
}

func (o *Orchestrator) syncLogBased(ctx context.Context, stream *catalog.Stream, snap state.Snapshot, desired []string) (state.Snapshot, error) {
	if _, ok := snap.Bookmark(stream.StreamID, "lsn"); ok {
		o.logger.Info("stream is using log-based replication",
			zap.String("stream", stream.StreamID))
		if err := o.sink.Emit(messages.NewSchemaMessage(stream, []string{"lsn"})); err != nil {
			return snap, fmt.Errorf("emit schema: %w", err)
		}
		return o.logBased.Sync(ctx, stream, snap, desired)
	}

	// First run for this stream under log-based replication: capture the
	// change stream's end position before the bootstrap scan, so nothing
	// written during the scan is skipped on the next run.
	endPosition, err := o.logBased.FetchCurrentPosition(ctx, stream.Metadata.DatabaseName)
	if err != nil {
		return snap, err
	}

	o.logger.Info("stream is using log-based replication, performing initial full table sync",
		zap.String("stream", stream.StreamID))
	if err := o.sink.Emit(messages.NewSchemaMessage(stream, nil)); err != nil {
		return snap, fmt.Errorf("emit schema: %w", err)
	}

	snap, err = o.fullTable.SyncTable(ctx, stream, snap, desired)
	if err != nil {
		return snap, err
	}

	// Transition to log-based: the scan watermark is retired and the captured
	// end position recorded together, so no emitted snapshot carries one
	// without the other.
	snap = snap.WithBookmarkValues(stream.StreamID, map[string]any{
		"xmin": nil,
		"lsn":  endPosition,
	})
	return snap, nil
}
