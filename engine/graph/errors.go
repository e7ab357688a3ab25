package graph

import "fmt"

// TopologyErrorKind enumerates the ways a topology mutation can be rejected.
type TopologyErrorKind int

const (
	// ErrCycle means the proposed connection would make the graph cyclic.
	ErrCycle TopologyErrorKind = iota
	// ErrUnknownNode means a referenced node does not exist (or its slot
	// was reused by a newer node).
	ErrUnknownNode
	// ErrUnknownPort means a port index is out of range for its node.
	ErrUnknownPort
	// ErrPortBusy means the destination port only accepts a single
	// connection and already has one.
	ErrPortBusy
	// ErrDuplicate means the exact connection already exists.
	ErrDuplicate
	// ErrNotConnected means a disconnect referenced a connection that does
	// not exist.
	ErrNotConnected
	// ErrSelfConnection means source and destination are the same node.
	ErrSelfConnection
	// ErrFanIn means the destination node already has the maximum number of
	// inbound connections of the kind.
	ErrFanIn
	// ErrPortCount means a node spec declared more ports than a node may
	// carry, or a negative count.
	ErrPortCount
	// ErrBusy means the diff queue toward the audio worker is full. The
	// mutation was rejected without being applied and may be retried.
	ErrBusy
)

func (k TopologyErrorKind) String() string {
	switch k {
	case ErrCycle:
		return "cycle"
	case ErrUnknownNode:
		return "unknown node"
	case ErrUnknownPort:
		return "unknown port"
	case ErrPortBusy:
		return "port busy"
	case ErrDuplicate:
		return "duplicate connection"
	case ErrNotConnected:
		return "not connected"
	case ErrSelfConnection:
		return "self connection"
	case ErrFanIn:
		return "fan-in limit reached"
	case ErrPortCount:
		return "port count outside limits"
	case ErrBusy:
		return "diff queue busy"
	default:
		return "unknown"
	}
}

// TopologyError is returned synchronously by every rejected mutation. The
// Graph Definition is unchanged whenever one is returned.
type TopologyError struct {
	Kind   TopologyErrorKind
	Detail string
}

func (e *TopologyError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("topology: %s", e.Kind)
	}
	return fmt.Sprintf("topology: %s: %s", e.Kind, e.Detail)
}

// Is makes errors.Is match any TopologyError of the same kind.
func (e *TopologyError) Is(target error) bool {
	t, ok := target.(*TopologyError)
	return ok && t.Kind == e.Kind
}

func topoErr(kind TopologyErrorKind, format string, args ...any) *TopologyError {
	return &TopologyError{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// IsTopologyError reports whether err is a TopologyError of the given kind.
func IsTopologyError(err error, kind TopologyErrorKind) bool {
	t, ok := err.(*TopologyError)
	return ok && t.Kind == kind
}
