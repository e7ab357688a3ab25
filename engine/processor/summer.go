package processor

// Summer is the merge point for audio. Summing of multiple connections into
// one input channel happens in the worker's gather step, so the summer's own
// work is passing the gathered mix through; it exists as a node so that
// merge points have stable identity and an explicit position in the order.
type Summer struct{}

// NewSummer creates a summer.
func NewSummer() *Summer { return &Summer{} }

// Process implements Processor.
func (*Summer) Process(ctx *Context) {
	for ch := range ctx.Out {
		dst := ctx.Out[ch][:ctx.Frames]
		if ch < len(ctx.In) {
			copy(dst, ctx.In[ch][:ctx.Frames])
		} else {
			clear(dst)
		}
	}
}
