// Package event defines the MIDI event stream type flowing through the audio
// graph and the deterministic merge used where several sources feed one
// destination.
package event

import (
	midi "gitlab.com/gomidi/midi/v2"
)

// Event is one timestamped MIDI message within a block. Frame is the
// block-relative sample offset at which the message takes effect.
type Event struct {
	Frame   int
	Message midi.Message
}

// Merge merges the per-source event lists into dst, ordered by Frame.
// Sources must each already be Frame-ordered, which holds by construction:
// every producer appends events in time order.
//
// Relative order across sources is preserved and ties on Frame are broken by
// source position (registration order), so the merged stream is deterministic
// regardless of the order events arrived on the inbound queue.
//
// dst is truncated and appended to; callers pass a slice with retained
// capacity so steady-state merging does not allocate. When dst has capacity
// it is also the bound: merging stops once dst is full, so real-time callers
// never grow the backing array.
func Merge(dst []Event, sources ...[]Event) []Event {
	dst = dst[:0]
	limit := cap(dst)

	// Positions into each source. Sources are few (fan-in at a merge
	// point), so the linear scan per event beats a heap.
	var pos [maxMergeSources]int
	n := len(sources)
	if n > maxMergeSources {
		n = maxMergeSources
	}

	for {
		best := -1
		bestFrame := 0
		for s := 0; s < n; s++ {
			if pos[s] >= len(sources[s]) {
				continue
			}
			f := sources[s][pos[s]].Frame
			if best == -1 || f < bestFrame {
				best = s
				bestFrame = f
			}
		}
		if best == -1 {
			return dst
		}
		if limit > 0 && len(dst) == limit {
			return dst
		}
		dst = append(dst, sources[best][pos[best]])
		pos[best]++
	}
}

// maxMergeSources bounds fan-in at a single merge point. Connections beyond
// this are rejected at graph validation time.
const maxMergeSources = 16

// MaxMergeSources reports the maximum number of event sources that may feed
// one destination port.
func MaxMergeSources() int { return maxMergeSources }
