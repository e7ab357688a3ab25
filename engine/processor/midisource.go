package processor

// MIDISource feeds externally injected MIDI events into the graph. The
// worker routes inbound device events to the node (ctx.Ext), already
// frame-ordered; the source republishes them on its event output port where
// downstream nodes pick them up through the merge step.
type MIDISource struct{}

// NewMIDISource creates a MIDI source.
func NewMIDISource() *MIDISource { return &MIDISource{} }

// Process implements Processor.
func (*MIDISource) Process(ctx *Context) {
	if len(ctx.OutEvents) == 0 {
		return
	}
	ctx.OutEvents[0] = append(ctx.OutEvents[0], ctx.Ext...)
}
