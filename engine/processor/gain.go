package processor

import "github.com/damyanp/corodaw/engine/meter"

// Gain scales its inputs by a gain factor and meters the result. Gain
// changes arrive through a bounded mailbox; the most recent value queued
// before a block wins for that block.
type Gain struct {
	mailbox chan float32
	gain    float32
	peaks   [2]PeakMeter
	vus     [2]VUMeter
}

// NewGain creates a gain stage with the given initial factor.
func NewGain(initial float32) *Gain {
	return &Gain{
		mailbox: make(chan float32, 16),
		gain:    initial,
	}
}

// SetGain queues a gain change toward the audio thread. It never blocks;
// when the mailbox is full the change is dropped and the caller may retry,
// mirroring the backpressure rule for topology diffs.
func (g *Gain) SetGain(gain float32) bool {
	select {
	case g.mailbox <- gain:
		return true
	default:
		return false
	}
}

// Process implements Processor.
func (g *Gain) Process(ctx *Context) {
	for {
		select {
		case v := <-g.mailbox:
			g.gain = v
		default:
			goto drained
		}
	}
drained:

	for ch := range ctx.Out {
		dst := ctx.Out[ch][:ctx.Frames]
		if ch < len(ctx.In) {
			src := ctx.In[ch][:ctx.Frames]
			for i := range dst {
				dst[i] = src[i] * g.gain
			}
		} else {
			clear(dst)
		}
		if ch < len(g.peaks) {
			g.peaks[ch].Update(ctx.SampleRate, dst)
			g.vus[ch].Update(ctx.SampleRate, dst)
		}
	}

	switch len(ctx.Out) {
	case 0:
		*ctx.Meter = meter.Value{Kind: meter.None}
	case 1:
		*ctx.Meter = meter.Value{
			Kind: meter.Mono,
			L:    g.peaks[0].Value(),
			VL:   g.vus[0].Value(),
		}
	default:
		*ctx.Meter = meter.Value{
			Kind: meter.Stereo,
			L:    g.peaks[0].Value(),
			R:    g.peaks[1].Value(),
			VL:   g.vus[0].Value(),
			VR:   g.vus[1].Value(),
		}
	}
}
