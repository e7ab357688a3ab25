package worker

import (
	"github.com/damyanp/corodaw/engine/event"
	"github.com/damyanp/corodaw/engine/graph"
)

// RoutedEvent is an inbound MIDI event tagged with its destination node.
type RoutedEvent struct {
	Dst graph.NodeID
	Ev  event.Event
}

// MIDIQueue carries timestamped MIDI events from the device boundary to the
// worker. Producers never block; the worker drains it once per block and
// buffers events per destination node.
type MIDIQueue struct {
	ch chan RoutedEvent
}

// NewMIDIQueue creates a queue with a fixed buffer.
func NewMIDIQueue(depth int) *MIDIQueue {
	if depth <= 0 {
		depth = 512
	}
	return &MIDIQueue{ch: make(chan RoutedEvent, depth)}
}

// TryPush enqueues an event without blocking. Returns false when full; the
// event is dropped in that case, matching the recency-wins posture of the
// rest of the real-time boundary.
func (q *MIDIQueue) TryPush(e RoutedEvent) bool {
	select {
	case q.ch <- e:
		return true
	default:
		return false
	}
}

// drainInto routes all pending events to their destination slots. Events
// are kept frame-ordered per node; insertion walks back from the tail, which
// is O(1) for the common already-ordered case.
func (q *MIDIQueue) drainInto(w *Worker) {
	for {
		select {
		case re := <-q.ch:
			w.injectEvent(re)
		default:
			return
		}
	}
}
