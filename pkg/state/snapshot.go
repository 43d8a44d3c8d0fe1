package state

import "encoding/json"

// Snapshot is an immutable view of extraction progress: the stream currently
// being synced plus per-stream bookmark maps. Every mutation returns a new
// value; a snapshot already handed to the message sink is never modified.
type Snapshot struct {
	currentlySyncing string
	bookmarks        map[string]map[string]any
}

// New returns an empty snapshot.
func New() Snapshot {
	return Snapshot{}
}

// CurrentlySyncing returns the resume marker, empty when no stream is
// in flight.
func (s Snapshot) CurrentlySyncing() string {
	return s.currentlySyncing
}

// WithCurrentlySyncing returns a snapshot with the resume marker replaced.
// Pass the empty string to clear it.
func (s Snapshot) WithCurrentlySyncing(streamID string) Snapshot {
	out := s
	out.currentlySyncing = streamID
	return out
}

// Bookmark returns the cursor value stored for a stream under the given key.
func (s Snapshot) Bookmark(streamID, key string) (any, bool) {
	entry, ok := s.bookmarks[streamID]
	if !ok {
		return nil, false
	}
	v, ok := entry[key]
	return v, ok
}

// WithBookmark returns a snapshot with one cursor value set for a stream.
func (s Snapshot) WithBookmark(streamID, key string, value any) Snapshot {
	return s.WithBookmarkValues(streamID, map[string]any{key: value})
}

// WithBookmarkValues returns a snapshot with every given key applied to the
// stream's bookmark entry in one step. Callers that must change several
// cursors together (the snapshot-to-log-based transition writes xmin and lsn
// as a pair) use this so no emitted snapshot ever carries a half-updated
// entry.
func (s Snapshot) WithBookmarkValues(streamID string, values map[string]any) Snapshot {
	out := s
	out.bookmarks = make(map[string]map[string]any, len(s.bookmarks)+1)
	for id, entry := range s.bookmarks {
		out.bookmarks[id] = entry
	}
	entry := make(map[string]any, len(s.bookmarks[streamID])+len(values))
	for k, v := range s.bookmarks[streamID] {
		entry[k] = v
	}
	for k, v := range values {
		entry[k] = v
	}
	out.bookmarks[streamID] = entry
	return out
}

type snapshotDocument struct {
	CurrentlySyncing *string                   `json:"currently_syncing"`
	Bookmarks        map[string]map[string]any `json:"bookmarks,omitempty"`
}

// MarshalJSON renders the snapshot as the persisted state document.
func (s Snapshot) MarshalJSON() ([]byte, error) {
	doc := snapshotDocument{Bookmarks: s.bookmarks}
	if s.currentlySyncing != "" {
		doc.CurrentlySyncing = &s.currentlySyncing
	}
	return json.Marshal(doc)
}

// UnmarshalJSON parses a persisted state document.
func (s *Snapshot) UnmarshalJSON(data []byte) error {
	var doc snapshotDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	s.currentlySyncing = ""
	if doc.CurrentlySyncing != nil {
		s.currentlySyncing = *doc.CurrentlySyncing
	}
	s.bookmarks = doc.Bookmarks
	return nil
}
