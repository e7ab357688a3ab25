// Package processor defines the capability every DSP unit in the graph
// implements, plus the builtin units: sine generator, gain, summer, MIDI
// source, and the hosted-plugin adapter.
//
// Process runs on the hard-real-time audio thread. Implementations must not
// allocate, block, or take locks shared with non-real-time code; parameter
// changes reach processors through bounded mailboxes drained at the top of
// Process.
package processor

import (
	"time"

	"github.com/damyanp/corodaw/engine/event"
	"github.com/damyanp/corodaw/engine/meter"
)

// Context carries one block's worth of I/O for a single node. The worker
// gathers inputs before dispatch: each In channel already holds the mix of
// every upstream connection targeting it, and each InEvents port holds the
// deterministically merged stream of its event sources.
type Context struct {
	Frames     int
	SampleRate int
	// Time is the transport time at the start of the block.
	Time time.Duration

	In  [][]float32
	Out [][]float32

	InEvents [][]event.Event
	// Ext holds events injected from outside the graph (the MIDI device
	// boundary) addressed to this node, merged and frame-ordered.
	Ext []event.Event
	// OutEvents is one append-target per event output port. Capacity is
	// pre-reserved; appends within it do not allocate.
	OutEvents [][]event.Event

	// Meter receives the node's metric value for this block, if any.
	Meter *meter.Value
}

// Processor is the uniform DSP capability. Process reads ctx.In/InEvents/Ext
// and writes ctx.Out/OutEvents in place.
type Processor interface {
	Process(ctx *Context)
}
