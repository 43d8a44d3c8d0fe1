package catalog

import "fmt"

// ReplicationMethod is the closed set of extraction strategies.
type ReplicationMethod string

const (
	// ReplicationFullTable re-reads the current contents of a table in full.
	ReplicationFullTable ReplicationMethod = "FULL_TABLE"
	// ReplicationLogBased follows the database's change stream from a
	// previously recorded position.
	ReplicationLogBased ReplicationMethod = "LOG_BASED"
)

// UnsupportedReplicationMethodError reports a replication method outside the
// closed set. It is a configuration error and aborts the whole run.
type UnsupportedReplicationMethodError struct {
	Method string
}

func (e *UnsupportedReplicationMethodError) Error() string {
	return fmt.Sprintf("unsupported replication method %q: only %s and %s are supported", e.Method, ReplicationFullTable, ReplicationLogBased)
}

// ParseReplicationMethod resolves a raw method string against the closed set.
func ParseReplicationMethod(s string) (ReplicationMethod, error) {
	switch ReplicationMethod(s) {
	case ReplicationFullTable:
		return ReplicationFullTable, nil
	case ReplicationLogBased:
		return ReplicationLogBased, nil
	default:
		return "", &UnsupportedReplicationMethodError{Method: s}
	}
}

// ResolveReplicationMethod returns the stream's method override when present,
// falling back to the run-wide default.
func (s *Stream) ResolveReplicationMethod(defaultMethod ReplicationMethod) (ReplicationMethod, error) {
	if s.Metadata.ReplicationMethod == "" {
		return defaultMethod, nil
	}
	return ParseReplicationMethod(s.Metadata.ReplicationMethod)
}
