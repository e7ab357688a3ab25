// Package graph holds the control-plane side of the audio graph: the Graph
// Definition the control plane mutates, the validation that keeps it acyclic,
// and the diff protocol that carries accepted changes to the audio worker.
//
// The definition and the worker's mirror are two ownership domains kept
// consistent only through the ordered diff stream; nothing in this package is
// ever touched by the audio thread.
package graph

import (
	"sort"
	"sync"

	"github.com/damyanp/corodaw/engine/event"
	"github.com/damyanp/corodaw/engine/processor"
)

// NodeID is the stable identity of a node: an arena slot plus a generation
// counter so reused slots can never be confused with their previous tenants.
// The zero NodeID is invalid.
type NodeID struct {
	Slot uint32
	Gen  uint32
}

// Valid reports whether the ID refers to a node at all.
func (id NodeID) Valid() bool { return id.Gen != 0 }

// Kind is the closed set of node variants.
type Kind string

const (
	KindGenerator  Kind = "generator"
	KindEffect     Kind = "effect"
	KindMixer      Kind = "mixer"
	KindPluginHost Kind = "plugin"
	KindMIDISource Kind = "midi_source"
)

// PortKind discriminates what flows through a port.
type PortKind uint8

const (
	// Audio ports carry one channel of samples each.
	Audio PortKind = iota
	// Event ports carry MIDI event streams.
	Event
)

func (k PortKind) String() string {
	if k == Audio {
		return "audio"
	}
	return "event"
}

// Node is the declared shape of a graph node. Port counts are fixed at add
// time; each audio port carries one channel.
type Node struct {
	ID   NodeID `json:"id"`
	Kind Kind   `json:"kind"`

	AudioIn  int `json:"audioIn"`
	AudioOut int `json:"audioOut"`
	EventIn  int `json:"eventIn"`
	EventOut int `json:"eventOut"`

	// AlwaysRun forces the node into every block even when it cannot reach
	// the output node (MIDI sources run this way so events are consumed).
	AlwaysRun bool `json:"alwaysRun,omitempty"`

	// Seq is the insertion sequence number; it breaks ties in the
	// processing order so output is deterministic across runs.
	Seq uint64 `json:"seq"`
}

// Connection routes one source port to one destination port.
type Connection struct {
	Kind    PortKind `json:"kind"`
	Src     NodeID   `json:"src"`
	SrcPort int      `json:"srcPort"`
	Dst     NodeID   `json:"dst"`
	DstPort int      `json:"dstPort"`
}

// Limits shared with the audio worker, which sizes its per-node scratch and
// connection storage from them at construction. Enforcing them here keeps
// every accepted mutation representable in the mirror.
const (
	// MaxPortsPerNode bounds each port direction of a single node.
	MaxPortsPerNode = 16
	// MaxConnsPerNode bounds the inbound connections of a single node per
	// port kind, across all of its input ports.
	MaxConnsPerNode = 64
)

// NodeSpec describes a node to add.
type NodeSpec struct {
	Kind      Kind
	AudioIn   int
	AudioOut  int
	EventIn   int
	EventOut  int
	AlwaysRun bool
}

func (spec NodeSpec) validate() error {
	counts := []struct {
		name string
		n    int
	}{
		{"audio in", spec.AudioIn},
		{"audio out", spec.AudioOut},
		{"event in", spec.EventIn},
		{"event out", spec.EventOut},
	}
	for _, c := range counts {
		if c.n < 0 || c.n > MaxPortsPerNode {
			return topoErr(ErrPortCount, "%s count %d outside [0, %d]", c.name, c.n, MaxPortsPerNode)
		}
	}
	return nil
}

// Definition is the authoritative control-side graph. Every accepted
// mutation is applied locally and pushed as one diff onto the queue toward
// the audio worker; every rejected mutation leaves the definition unchanged.
type Definition struct {
	mu    sync.RWMutex
	nodes map[NodeID]*Node
	// conns preserves insertion order; the order of connections feeding one
	// port is its merge priority.
	conns  []Connection
	output NodeID

	queue *Queue

	slots    []uint32 // generation per slot; even = free, odd = live
	freeList []uint32
	nextSeq  uint64
}

// NewDefinition creates an empty definition whose accepted mutations are
// pushed onto queue. A nil queue is allowed for standalone use.
func NewDefinition(queue *Queue) *Definition {
	return &Definition{
		nodes: make(map[NodeID]*Node),
		queue: queue,
	}
}

// push reserves queue space for a diff. Called with mu held, before the
// local mutation, so a Busy rejection leaves the definition untouched.
func (d *Definition) push(diff Diff) error {
	if d.queue == nil {
		return nil
	}
	if !d.queue.TryPush(diff) {
		return topoErr(ErrBusy, "audio worker diff queue is full")
	}
	return nil
}

// AddNode adds a node and returns its identity.
func (d *Definition) AddNode(spec NodeSpec) (NodeID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := spec.validate(); err != nil {
		return NodeID{}, err
	}

	id := d.allocID()
	d.nextSeq++
	node := &Node{
		ID:        id,
		Kind:      spec.Kind,
		AudioIn:   spec.AudioIn,
		AudioOut:  spec.AudioOut,
		EventIn:   spec.EventIn,
		EventOut:  spec.EventOut,
		AlwaysRun: spec.AlwaysRun,
		Seq:       d.nextSeq,
	}

	if err := d.push(AddNodeDiff{Node: *node}); err != nil {
		d.releaseID(id)
		d.nextSeq--
		return NodeID{}, err
	}

	d.nodes[id] = node
	return id, nil
}

// RemoveNode removes a node and every connection touching it. The worker
// mirrors the same cascade from the single RemoveNode diff.
func (d *Definition) RemoveNode(id NodeID) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.nodes[id]; !ok {
		return topoErr(ErrUnknownNode, "node %v", id)
	}

	if err := d.push(RemoveNodeDiff{ID: id}); err != nil {
		return err
	}

	delete(d.nodes, id)
	kept := d.conns[:0]
	for _, c := range d.conns {
		if c.Src != id && c.Dst != id {
			kept = append(kept, c)
		}
	}
	d.conns = kept
	if d.output == id {
		d.output = NodeID{}
	}
	d.releaseID(id)
	return nil
}

// Connect adds a connection after validating port compatibility and
// acyclicity. A connection that would form a cycle is rejected whole; no
// partial application.
func (d *Definition) Connect(c Connection) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.validateConnect(c); err != nil {
		return err
	}
	if err := d.push(ConnectDiff{Conn: c}); err != nil {
		return err
	}
	d.conns = append(d.conns, c)
	return nil
}

func (d *Definition) validateConnect(c Connection) error {
	if c.Src == c.Dst {
		return topoErr(ErrSelfConnection, "node %v", c.Src)
	}
	src, ok := d.nodes[c.Src]
	if !ok {
		return topoErr(ErrUnknownNode, "source %v", c.Src)
	}
	dst, ok := d.nodes[c.Dst]
	if !ok {
		return topoErr(ErrUnknownNode, "destination %v", c.Dst)
	}

	srcPorts, dstPorts := src.AudioOut, dst.AudioIn
	if c.Kind == Event {
		srcPorts, dstPorts = src.EventOut, dst.EventIn
	}
	if c.SrcPort < 0 || c.SrcPort >= srcPorts {
		return topoErr(ErrUnknownPort, "%s output %d of %v", c.Kind, c.SrcPort, c.Src)
	}
	if c.DstPort < 0 || c.DstPort >= dstPorts {
		return topoErr(ErrUnknownPort, "%s input %d of %v", c.Kind, c.DstPort, c.Dst)
	}

	fanIn, nodeFanIn := 0, 0
	for _, exist := range d.conns {
		if exist == c {
			return topoErr(ErrDuplicate, "%v:%d -> %v:%d", c.Src, c.SrcPort, c.Dst, c.DstPort)
		}
		if exist.Kind == c.Kind && exist.Dst == c.Dst {
			nodeFanIn++
			if exist.DstPort == c.DstPort {
				fanIn++
			}
		}
	}

	// Only mixers merge audio; any other audio input is single-connection.
	if c.Kind == Audio && fanIn > 0 && dst.Kind != KindMixer {
		return topoErr(ErrPortBusy, "audio input %d of %v already connected", c.DstPort, c.Dst)
	}
	if c.Kind == Event && fanIn >= event.MaxMergeSources() {
		return topoErr(ErrFanIn, "event input %d of %v", c.DstPort, c.Dst)
	}
	// The worker's per-node connection storage is fixed; a connection past it
	// could never reach the mirror.
	if nodeFanIn >= MaxConnsPerNode {
		return topoErr(ErrFanIn, "%s connections into %v", c.Kind, c.Dst)
	}

	if d.wouldCycle(c.Src, c.Dst) {
		return topoErr(ErrCycle, "%v -> %v", c.Src, c.Dst)
	}
	return nil
}

// wouldCycle reports whether adding src -> dst creates a cycle, which is the
// case exactly when src is already reachable from dst.
func (d *Definition) wouldCycle(src, dst NodeID) bool {
	stack := []NodeID{dst}
	seen := map[NodeID]bool{dst: true}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if n == src {
			return true
		}
		for _, c := range d.conns {
			if c.Src == n && !seen[c.Dst] {
				seen[c.Dst] = true
				stack = append(stack, c.Dst)
			}
		}
	}
	return false
}

// Disconnect removes an existing connection.
func (d *Definition) Disconnect(c Connection) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	idx := -1
	for i, exist := range d.conns {
		if exist == c {
			idx = i
			break
		}
	}
	if idx == -1 {
		return topoErr(ErrNotConnected, "%v:%d -> %v:%d", c.Src, c.SrcPort, c.Dst, c.DstPort)
	}

	if err := d.push(DisconnectDiff{Conn: c}); err != nil {
		return err
	}
	d.conns = append(d.conns[:idx], d.conns[idx+1:]...)
	return nil
}

// Reorder sets the merge priority of the sources feeding one input port.
// srcs must be a permutation of the port's current sources, given as
// (node, output port) pairs in the desired priority order.
func (d *Definition) Reorder(dst NodeID, kind PortKind, dstPort int, srcs []PortRef) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.nodes[dst]; !ok {
		return topoErr(ErrUnknownNode, "node %v", dst)
	}

	current := make([]Connection, 0, len(srcs))
	for _, c := range d.conns {
		if c.Kind == kind && c.Dst == dst && c.DstPort == dstPort {
			current = append(current, c)
		}
	}
	if len(current) != len(srcs) {
		return topoErr(ErrNotConnected, "%d sources given, port has %d", len(srcs), len(current))
	}
	reordered := make([]Connection, 0, len(srcs))
	for _, ref := range srcs {
		found := false
		for _, c := range current {
			if c.Src == ref.Node && c.SrcPort == ref.Port {
				reordered = append(reordered, c)
				found = true
				break
			}
		}
		if !found {
			return topoErr(ErrNotConnected, "%v:%d does not feed the port", ref.Node, ref.Port)
		}
	}

	if err := d.push(ReorderDiff{Dst: dst, Kind: kind, DstPort: dstPort, Srcs: srcs}); err != nil {
		return err
	}

	// Rewrite the port's connections in the new order, keeping their
	// positions within the global list.
	i := 0
	for j, c := range d.conns {
		if c.Kind == kind && c.Dst == dst && c.DstPort == dstPort {
			d.conns[j] = reordered[i]
			i++
		}
	}
	return nil
}

// PortRef names one end of a connection.
type PortRef struct {
	Node NodeID
	Port int
}

// SetOutput designates the node whose audio output feeds the device. A zero
// ID clears the designation, in which case the worker emits silence.
func (d *Definition) SetOutput(id NodeID) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if id.Valid() {
		if _, ok := d.nodes[id]; !ok {
			return topoErr(ErrUnknownNode, "node %v", id)
		}
	}
	if err := d.push(SetOutputDiff{ID: id}); err != nil {
		return err
	}
	d.output = id
	return nil
}

// InstallProcessor pushes a processing-implementation installation toward
// the worker. It is a diff like any topology change so that installation
// interleaves with structural changes in send order.
func (d *Definition) InstallProcessor(id NodeID, p processor.Processor) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.nodes[id]; !ok {
		return topoErr(ErrUnknownNode, "node %v", id)
	}
	return d.push(InstallProcessorDiff{ID: id, Processor: p})
}

// Output returns the designated output node, if any.
func (d *Definition) Output() NodeID {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.output
}

// Node returns the declared node for id.
func (d *Definition) Node(id NodeID) (Node, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	n, ok := d.nodes[id]
	if !ok {
		return Node{}, false
	}
	return *n, true
}

// Nodes returns all declared nodes in insertion order.
func (d *Definition) Nodes() []Node {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Node, 0, len(d.nodes))
	for _, n := range d.nodes {
		out = append(out, *n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// Connections returns the connection set in insertion order.
func (d *Definition) Connections() []Connection {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Connection, len(d.conns))
	copy(out, d.conns)
	return out
}

// Order returns the topological processing order the worker will use for the
// current edge set: Kahn's algorithm with ties broken by insertion sequence.
// Stable across repeated computation from the same definition.
func (d *Definition) Order() []NodeID {
	d.mu.RLock()
	defer d.mu.RUnlock()

	incoming := make(map[NodeID]int, len(d.nodes))
	outs := make(map[NodeID][]NodeID, len(d.nodes))
	for id := range d.nodes {
		incoming[id] = 0
	}
	for _, c := range d.conns {
		incoming[c.Dst]++
		outs[c.Src] = append(outs[c.Src], c.Dst)
	}

	ready := make([]NodeID, 0, len(d.nodes))
	for id, deg := range incoming {
		if deg == 0 {
			ready = append(ready, id)
		}
	}

	order := make([]NodeID, 0, len(d.nodes))
	for len(ready) > 0 {
		// Lowest insertion sequence first.
		best := 0
		for i := 1; i < len(ready); i++ {
			if d.nodes[ready[i]].Seq < d.nodes[ready[best]].Seq {
				best = i
			}
		}
		n := ready[best]
		ready = append(ready[:best], ready[best+1:]...)
		order = append(order, n)

		for _, dst := range outs[n] {
			incoming[dst]--
			if incoming[dst] == 0 {
				ready = append(ready, dst)
			}
		}
	}
	return order
}

func (d *Definition) allocID() NodeID {
	if n := len(d.freeList); n > 0 {
		slot := d.freeList[n-1]
		d.freeList = d.freeList[:n-1]
		d.slots[slot]++
		return NodeID{Slot: slot, Gen: d.slots[slot]}
	}
	d.slots = append(d.slots, 1)
	return NodeID{Slot: uint32(len(d.slots) - 1), Gen: 1}
}

func (d *Definition) releaseID(id NodeID) {
	d.slots[id.Slot]++
	d.freeList = append(d.freeList, id.Slot)
}
