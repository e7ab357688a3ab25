package processor

import "math"

// Sine is a fixed-frequency tone generator. Frequency changes arrive through
// a bounded mailbox like every other real-time parameter.
type Sine struct {
	mailbox   chan float64
	freq      float64
	amplitude float32
	phase     float64
}

// NewSine creates a generator at the given frequency and amplitude.
func NewSine(freq float64, amplitude float32) *Sine {
	return &Sine{
		mailbox:   make(chan float64, 16),
		freq:      freq,
		amplitude: amplitude,
	}
}

// SetFrequency queues a frequency change toward the audio thread without
// blocking. Returns false when the mailbox is full.
func (s *Sine) SetFrequency(freq float64) bool {
	select {
	case s.mailbox <- freq:
		return true
	default:
		return false
	}
}

// Process implements Processor. The same signal is written to every output
// channel.
func (s *Sine) Process(ctx *Context) {
	for {
		select {
		case f := <-s.mailbox:
			s.freq = f
		default:
			goto drained
		}
	}
drained:

	if len(ctx.Out) == 0 {
		return
	}

	step := 2 * math.Pi * s.freq / float64(ctx.SampleRate)
	first := ctx.Out[0][:ctx.Frames]
	for i := range first {
		first[i] = s.amplitude * float32(math.Sin(s.phase))
		s.phase += step
		if s.phase >= 2*math.Pi {
			s.phase -= 2 * math.Pi
		}
	}
	for _, ch := range ctx.Out[1:] {
		copy(ch[:ctx.Frames], first)
	}
}
