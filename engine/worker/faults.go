package worker

import (
	"sync/atomic"

	"github.com/damyanp/corodaw/engine/graph"
)

// Faults is the sticky per-node fault surface. The audio thread sets flags
// wait-free when a node produces invalid samples or blows its time budget;
// the control plane polls and clears them on its own cadence. A fault never
// crosses the real-time boundary as an error value.
type Faults struct {
	flags []atomic.Bool
	gens  []atomic.Uint32
	count atomic.Uint64
}

func newFaults(slots int) *Faults {
	return &Faults{
		flags: make([]atomic.Bool, slots),
		gens:  make([]atomic.Uint32, slots),
	}
}

// set latches the flag for a slot. Audio thread only.
func (f *Faults) set(slotIdx uint32, gen uint32) {
	f.gens[slotIdx].Store(gen)
	if !f.flags[slotIdx].Swap(true) {
		f.count.Add(1)
	}
}

// clearSlot resets a slot when its node is removed. Audio thread only.
func (f *Faults) clearSlot(slotIdx uint32) {
	f.flags[slotIdx].Store(false)
}

// Faulted reports whether the node currently has its fault flag latched.
func (f *Faults) Faulted(id graph.NodeID) bool {
	if int(id.Slot) >= len(f.flags) {
		return false
	}
	return f.flags[id.Slot].Load() && f.gens[id.Slot].Load() == id.Gen
}

// Clear resets the node's flag so a later fault is observable as a new
// transition.
func (f *Faults) Clear(id graph.NodeID) {
	if int(id.Slot) >= len(f.flags) {
		return
	}
	if f.gens[id.Slot].Load() == id.Gen {
		f.flags[id.Slot].Store(false)
	}
}

// Total returns the number of fault transitions since the worker started.
func (f *Faults) Total() uint64 { return f.count.Load() }
