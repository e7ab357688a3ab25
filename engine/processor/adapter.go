package processor

import "github.com/damyanp/corodaw/plugins"

// Adapter bridges a hosted plugin's processing handle into the graph. The
// handle is installed by the host bridge once the instance is ready; until
// then, and whenever the bridge has latched a fault on it, the adapter
// produces silence.
type Adapter struct {
	handle *plugins.Handle
}

// NewAdapter wraps a processing handle.
func NewAdapter(handle *plugins.Handle) *Adapter {
	return &Adapter{handle: handle}
}

// Handle returns the wrapped processing handle.
func (a *Adapter) Handle() *plugins.Handle { return a.handle }

// Process implements Processor.
func (a *Adapter) Process(ctx *Context) {
	if a.handle == nil || a.handle.Faulted() {
		for _, ch := range ctx.Out {
			clear(ch[:ctx.Frames])
		}
		return
	}
	a.handle.Process(ctx.In, ctx.Out, ctx.Frames)
}
