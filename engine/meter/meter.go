// Package meter implements the lock-free value exchange that carries
// per-node metrics from the audio thread to the control thread.
//
// The exchange is the front/back pattern: the audio thread only ever writes
// the back buffer, the control thread only ever reads the front buffer, and
// a swap exchanges the roles. One spare slot sits between the two sides so
// that a swap racing an in-progress write can never expose a torn buffer:
// the writer publishes a buffer only after it is completely written, with a
// single atomic word carrying the handoff. If the reader does not swap for
// several blocks the writer keeps overwriting; recency wins, nothing queues.
package meter

import "sync/atomic"

// ValueKind discriminates the channel shape of a metric value.
type ValueKind uint8

const (
	// None means the node published nothing this block.
	None ValueKind = iota
	// Mono carries a single level in L.
	Mono
	// Stereo carries levels in L and R.
	Stereo
)

// Value is one node's metric snapshot for a block: per-channel peak levels
// plus the slower average (VU) levels.
type Value struct {
	Kind ValueKind
	L, R float32
	// VL and VR are the averaged levels matching L and R.
	VL, VR float32
}

// state packs the index of the spare slot (low bits) and a freshness bit
// set by the writer on publish and cleared by the reader on swap.
const freshBit = 0x4

// Channel is the double-buffered metric exchange. Buffers are fixed-size
// slices indexed by node slot, sized once at construction.
type Channel struct {
	bufs  [3][]Value
	state atomic.Uint32
}

// NewChannel creates a channel whose buffers hold slots entries.
func NewChannel(slots int) (*Channel, *Writer, *Reader) {
	c := &Channel{}
	for i := range c.bufs {
		c.bufs[i] = make([]Value, slots)
	}
	// Writer starts on 0, reader on 2, slot 1 is spare.
	c.state.Store(1)
	return c, &Writer{c: c, idx: 0}, &Reader{c: c, idx: 2}
}

// Writer is the audio-thread side. Not safe for use from more than one
// goroutine.
type Writer struct {
	c   *Channel
	idx uint32
}

// Buffer returns the back buffer to write metric values into. The returned
// slice stays valid until the next Publish.
func (w *Writer) Buffer() []Value { return w.c.bufs[w.idx] }

// Publish makes the back buffer available to the reader and takes the spare
// slot as the new back buffer. Wait-free: a single atomic swap.
func (w *Writer) Publish() {
	prev := w.c.state.Swap(w.idx | freshBit)
	w.idx = prev &^ freshBit
}

// Reader is the control-thread side. Not safe for use from more than one
// goroutine.
type Reader struct {
	c   *Channel
	idx uint32
}

// Swap takes the most recently published buffer as the new front buffer, if
// one has been published since the last swap. It returns true when fresh
// data was taken. Safe to call concurrently with an in-progress write: the
// writer never touches a published buffer again until it reclaims it through
// its own swap.
func (r *Reader) Swap() bool {
	for {
		cur := r.c.state.Load()
		if cur&freshBit == 0 {
			return false
		}
		if r.c.state.CompareAndSwap(cur, r.idx) {
			r.idx = cur &^ freshBit
			return true
		}
	}
}

// Buffer returns the front buffer. Contents are stable between swaps.
func (r *Reader) Buffer() []Value { return r.c.bufs[r.idx] }
