package graph

import "github.com/damyanp/corodaw/engine/processor"

// Diff is a single structural change sent toward the audio worker. The set
// is closed; the worker switches over it exhaustively.
type Diff interface{ isDiff() }

// AddNodeDiff mirrors a node addition.
type AddNodeDiff struct{ Node Node }

// RemoveNodeDiff removes a node and, implicitly, every connection touching
// it. The worker acknowledges with RemovedAck once the mirror no longer
// references the node.
type RemoveNodeDiff struct{ ID NodeID }

// ConnectDiff mirrors a connection addition.
type ConnectDiff struct{ Conn Connection }

// DisconnectDiff mirrors a connection removal.
type DisconnectDiff struct{ Conn Connection }

// ReorderDiff sets the merge priority of the sources feeding one input port.
type ReorderDiff struct {
	Dst     NodeID
	Kind    PortKind
	DstPort int
	Srcs    []PortRef
}

// SetOutputDiff designates the output node; a zero ID clears it.
type SetOutputDiff struct{ ID NodeID }

// InstallProcessorDiff installs the processing implementation for a node.
// For plugin nodes this is the ready handoff from the host bridge; the
// worker acknowledges with InstalledAck.
type InstallProcessorDiff struct {
	ID        NodeID
	Processor processor.Processor
}

func (AddNodeDiff) isDiff()          {}
func (RemoveNodeDiff) isDiff()       {}
func (ConnectDiff) isDiff()          {}
func (DisconnectDiff) isDiff()       {}
func (ReorderDiff) isDiff()          {}
func (SetOutputDiff) isDiff()        {}
func (InstallProcessorDiff) isDiff() {}

// Ack is feedback from the worker to the control plane.
type Ack interface{ isAck() }

// InstalledAck confirms an InstallProcessorDiff took effect; the node
// processes with its new implementation from the acknowledged block on.
type InstalledAck struct{ ID NodeID }

// RemovedAck confirms a RemoveNodeDiff took effect and the worker holds no
// reference to the node. For plugin nodes this releases the bridge to tear
// down the backing instance.
type RemovedAck struct{ ID NodeID }

func (InstalledAck) isAck() {}
func (RemovedAck) isAck()   {}
