package graph

// Queue is the bounded many-producer diff channel toward the audio worker.
// Producers (control plane and host bridge) never block: a full queue is
// backpressure, surfaced to callers as an ErrBusy TopologyError. The single
// consumer is the audio thread, which drains without blocking at the top of
// each block; diffs are applied in send order.
type Queue struct {
	ch chan Diff
}

// NewQueue creates a queue with a fixed buffer.
func NewQueue(depth int) *Queue {
	if depth <= 0 {
		depth = 128
	}
	return &Queue{ch: make(chan Diff, depth)}
}

// TryPush enqueues a diff without blocking. Returns false when full.
func (q *Queue) TryPush(d Diff) bool {
	select {
	case q.ch <- d:
		return true
	default:
		return false
	}
}

// TryPop dequeues one diff without blocking. Called only from the audio
// thread.
func (q *Queue) TryPop() (Diff, bool) {
	select {
	case d := <-q.ch:
		return d, true
	default:
		return nil, false
	}
}

// Len returns the number of queued diffs.
func (q *Queue) Len() int { return len(q.ch) }

// Cap returns the queue capacity.
func (q *Queue) Cap() int { return cap(q.ch) }

// Feedback is the bounded acknowledgment channel from the worker back to
// the control plane. The worker pushes without blocking; when the channel is
// momentarily full the worker retries on subsequent blocks, so no
// acknowledgment is ever lost.
type Feedback struct {
	ch chan Ack
}

// NewFeedback creates a feedback channel with a fixed buffer.
func NewFeedback(depth int) *Feedback {
	if depth <= 0 {
		depth = 128
	}
	return &Feedback{ch: make(chan Ack, depth)}
}

// TryPush enqueues an ack without blocking. Called only from the audio
// thread.
func (f *Feedback) TryPush(a Ack) bool {
	select {
	case f.ch <- a:
		return true
	default:
		return false
	}
}

// C exposes the receive side for the control plane's feedback pump.
func (f *Feedback) C() <-chan Ack { return f.ch }
