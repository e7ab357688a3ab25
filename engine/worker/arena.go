package worker

import (
	"github.com/damyanp/corodaw/engine/event"
	"github.com/damyanp/corodaw/engine/graph"
	"github.com/damyanp/corodaw/engine/processor"
)

// maxEventsPerBlock bounds one node's event output per block. Port and
// connection counts are bounded by graph.MaxPortsPerNode and
// graph.MaxConnsPerNode, which the control plane enforces at mutation time;
// everything the worker touches per block is sized by these at construction
// so the callback never allocates.
const maxEventsPerBlock = 256

// node is the executing mirror of a declared graph node. It lives in an
// arena slot; (slot, generation) pairs are how connections and fault flags
// refer to it, never pointers.
type node struct {
	def  graph.Node
	proc processor.Processor

	// Connections feeding this node, in registration order. Order within
	// one port is its merge priority.
	audioIn []graph.Connection
	eventIn []graph.Connection

	// Output buffers, one per port, leased from the pools.
	outAudio  [][]float32
	outEvents [][]event.Event

	// ext collects externally injected MIDI events for the coming block,
	// kept frame-ordered.
	ext []event.Event
}

// slot is one arena entry. gen is bumped on every release so a stale NodeID
// can never alias a newer tenant.
type slot struct {
	gen  uint32
	live bool
	node node
}

// audioPool hands out fixed-size sample buffers. All buffers are carved out
// of one slab allocated up front.
type audioPool struct {
	free [][]float32
}

func newAudioPool(buffers, frames int) *audioPool {
	slab := make([]float32, buffers*frames)
	p := &audioPool{free: make([][]float32, 0, buffers)}
	for i := 0; i < buffers; i++ {
		p.free = append(p.free, slab[i*frames:(i+1)*frames])
	}
	return p
}

// get leases a buffer; nil when the pool is exhausted.
func (p *audioPool) get() []float32 {
	n := len(p.free)
	if n == 0 {
		return nil
	}
	b := p.free[n-1]
	p.free = p.free[:n-1]
	return b
}

func (p *audioPool) put(b []float32) {
	p.free = append(p.free, b)
}

// eventPool hands out event lists with fixed capacity.
type eventPool struct {
	free [][]event.Event
}

func newEventPool(lists int) *eventPool {
	p := &eventPool{free: make([][]event.Event, 0, lists)}
	for i := 0; i < lists; i++ {
		p.free = append(p.free, make([]event.Event, 0, maxEventsPerBlock))
	}
	return p
}

func (p *eventPool) get() []event.Event {
	n := len(p.free)
	if n == 0 {
		return nil
	}
	b := p.free[n-1]
	p.free = p.free[:n-1]
	return b[:0]
}

func (p *eventPool) put(b []event.Event) {
	p.free = append(p.free, b[:0])
}
