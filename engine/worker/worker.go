// Package worker implements the real-time half of the audio graph: a private
// mirror of the control-plane definition, updated only through the diff
// queue, executed once per device callback.
//
// Everything on the Process path follows the real-time rules: no allocation,
// no blocking, no locks shared with other threads. All memory is leased from
// pools sized at construction; cross-thread traffic goes through the bounded
// queues and the metering channel.
package worker

import (
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/damyanp/corodaw/engine/event"
	"github.com/damyanp/corodaw/engine/graph"
	"github.com/damyanp/corodaw/engine/meter"
	"github.com/damyanp/corodaw/engine/processor"
)

// Config fixes the worker's audio format and capacity. Sample rate and
// channel count hold for the worker's lifetime; changing them means building
// a new worker, not sending a diff.
type Config struct {
	SampleRate int
	Channels   int
	// BlockSize is the largest number of frames one callback may carry.
	BlockSize int
	// MaxNodes bounds the mirror arena.
	MaxNodes int
}

func (c *Config) validate() error {
	if c.SampleRate < 8000 || c.SampleRate > 384000 {
		return fmt.Errorf("sample rate %d outside [8000, 384000]", c.SampleRate)
	}
	if c.Channels < 1 || c.Channels > graph.MaxPortsPerNode {
		return fmt.Errorf("channel count %d outside [1, %d]", c.Channels, graph.MaxPortsPerNode)
	}
	if c.BlockSize < 16 || c.BlockSize > 8192 {
		return fmt.Errorf("block size %d outside [16, 8192]", c.BlockSize)
	}
	if c.MaxNodes <= 0 {
		c.MaxNodes = 256
	}
	return nil
}

// Worker owns the executing mirror. Process is only ever called from the
// audio callback; every other exported method is safe from the control
// plane.
type Worker struct {
	cfg Config

	diffs    *graph.Queue
	feedback *graph.Feedback
	midiIn   *MIDIQueue
	meters   *meter.Writer
	faults   *Faults

	slots     []slot
	audioBufs *audioPool
	eventBufs *eventPool

	output     graph.NodeID
	order      []uint32
	orderDirty bool

	// Scratch reused across nodes within a block.
	ctx      processor.Context
	gatherIn [][]float32
	ctxIn    [][]float32
	ctxOut   [][]float32
	mergedEv [][]event.Event
	mergeSrc [][]event.Event

	// Scratch for order recomputation.
	reach    []bool
	incoming []int
	stack    []uint32

	pendingAcks []graph.Ack

	frames uint64 // transport clock, in frames since start

	blocks       atomic.Uint64
	diffsApplied atomic.Uint64
	extDropped   atomic.Uint64
}

// New builds a worker wired to its queues and metering writer. The meter
// writer's buffers must hold at least cfg.MaxNodes slots.
func New(cfg Config, diffs *graph.Queue, feedback *graph.Feedback, midiIn *MIDIQueue, meters *meter.Writer) (*Worker, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if diffs == nil || feedback == nil {
		return nil, errors.New("worker requires diff and feedback queues")
	}
	if meters != nil && len(meters.Buffer()) < cfg.MaxNodes {
		return nil, fmt.Errorf("meter buffer holds %d slots, need %d", len(meters.Buffer()), cfg.MaxNodes)
	}

	w := &Worker{
		cfg:      cfg,
		diffs:    diffs,
		feedback: feedback,
		midiIn:   midiIn,
		meters:   meters,
		faults:   newFaults(cfg.MaxNodes),
		slots:    make([]slot, cfg.MaxNodes),
		// Every node can hold a full complement of output ports plus the
		// shared gather scratch.
		audioBufs: newAudioPool(cfg.MaxNodes*4, cfg.BlockSize),
		eventBufs: newEventPool(cfg.MaxNodes * 2),

		order:       make([]uint32, 0, cfg.MaxNodes),
		gatherIn:    make([][]float32, graph.MaxPortsPerNode),
		ctxIn:       make([][]float32, graph.MaxPortsPerNode),
		ctxOut:      make([][]float32, graph.MaxPortsPerNode),
		mergedEv:    make([][]event.Event, graph.MaxPortsPerNode),
		mergeSrc:    make([][]event.Event, 0, event.MaxMergeSources()),
		reach:       make([]bool, cfg.MaxNodes),
		incoming:    make([]int, cfg.MaxNodes),
		stack:       make([]uint32, 0, cfg.MaxNodes),
		pendingAcks: make([]graph.Ack, 0, cfg.MaxNodes*2),
	}
	for i := range w.gatherIn {
		w.gatherIn[i] = make([]float32, cfg.BlockSize)
	}
	for i := range w.mergedEv {
		w.mergedEv[i] = make([]event.Event, 0, maxEventsPerBlock)
	}
	for i := range w.slots {
		w.slots[i].node.audioIn = make([]graph.Connection, 0, graph.MaxConnsPerNode)
		w.slots[i].node.eventIn = make([]graph.Connection, 0, graph.MaxConnsPerNode)
		w.slots[i].node.ext = make([]event.Event, 0, maxEventsPerBlock)
	}
	return w, nil
}

// Faults exposes the sticky fault surface for control-plane polling.
func (w *Worker) Faults() *Faults { return w.faults }

// Blocks returns the number of blocks processed.
func (w *Worker) Blocks() uint64 { return w.blocks.Load() }

// DiffsApplied returns the number of topology diffs applied.
func (w *Worker) DiffsApplied() uint64 { return w.diffsApplied.Load() }

// EventsDropped returns the number of inbound MIDI events dropped because a
// node's per-block buffer was full.
func (w *Worker) EventsDropped() uint64 { return w.extDropped.Load() }

// Process fills one interleaved device buffer. Callbacks larger than the
// configured block size are handled in block-size chunks.
func (w *Worker) Process(out []float32) {
	frames := len(out) / w.cfg.Channels
	for frames > 0 {
		n := frames
		if n > w.cfg.BlockSize {
			n = w.cfg.BlockSize
		}
		w.processBlock(out[:n*w.cfg.Channels], n)
		out = out[n*w.cfg.Channels:]
		frames -= n
	}
}

func (w *Worker) processBlock(out []float32, frames int) {
	// Topology changes take effect here and only here; a diff queued after
	// this drain waits for the next block.
	for {
		d, ok := w.diffs.TryPop()
		if !ok {
			break
		}
		w.applyDiff(d)
		w.diffsApplied.Add(1)
	}

	if w.midiIn != nil {
		w.midiIn.drainInto(w)
	}

	if w.orderDirty {
		w.recomputeOrder()
		w.orderDirty = false
	}

	var meterBuf []meter.Value
	if w.meters != nil {
		meterBuf = w.meters.Buffer()
		clear(meterBuf)
	}

	budget := time.Duration(frames) * time.Second / time.Duration(w.cfg.SampleRate)
	blockTime := time.Duration(w.frames) * time.Second / time.Duration(w.cfg.SampleRate)

	for _, si := range w.order {
		w.processNode(si, frames, blockTime, budget, meterBuf)
	}

	w.writeDeviceBuffer(out, frames)

	if w.meters != nil {
		w.meters.Publish()
	}
	w.flushAcks()

	w.frames += uint64(frames)
	w.blocks.Add(1)
}

func (w *Worker) processNode(si uint32, frames int, blockTime, budget time.Duration, meterBuf []meter.Value) {
	s := &w.slots[si]
	n := &s.node

	// Short-leased node (pool was exhausted at add time): it stays faulted
	// and produces nothing.
	if len(n.outAudio) < n.def.AudioOut || len(n.outEvents) < n.def.EventOut {
		n.ext = n.ext[:0]
		return
	}

	for p := 0; p < n.def.AudioOut; p++ {
		w.ctxOut[p] = n.outAudio[p][:frames]
	}
	for p := range n.outEvents {
		n.outEvents[p] = n.outEvents[p][:0]
	}

	if n.proc == nil {
		for p := 0; p < n.def.AudioOut; p++ {
			clear(w.ctxOut[p])
		}
		n.ext = n.ext[:0]
		return
	}

	// Gather: mix every connection targeting an input channel into the
	// shared scratch; processors see one pre-mixed buffer per port.
	for p := 0; p < n.def.AudioIn; p++ {
		buf := w.gatherIn[p][:frames]
		clear(buf)
		for _, c := range n.audioIn {
			if c.DstPort != p {
				continue
			}
			src := w.lookup(c.Src)
			if src == nil || c.SrcPort >= len(src.outAudio) {
				continue
			}
			in := src.outAudio[c.SrcPort][:frames]
			for i := range buf {
				buf[i] += in[i]
			}
		}
		w.ctxIn[p] = buf
	}

	// Merge event streams per input port, deterministically.
	for p := 0; p < n.def.EventIn; p++ {
		w.mergeSrc = w.mergeSrc[:0]
		for _, c := range n.eventIn {
			if c.DstPort != p {
				continue
			}
			src := w.lookup(c.Src)
			if src == nil || c.SrcPort >= len(src.outEvents) {
				continue
			}
			w.mergeSrc = append(w.mergeSrc, src.outEvents[c.SrcPort])
		}
		w.mergedEv[p] = event.Merge(w.mergedEv[p], w.mergeSrc...)
	}

	ctx := &w.ctx
	ctx.Frames = frames
	ctx.SampleRate = w.cfg.SampleRate
	ctx.Time = blockTime
	ctx.In = w.ctxIn[:n.def.AudioIn]
	ctx.Out = w.ctxOut[:n.def.AudioOut]
	ctx.InEvents = w.mergedEv[:n.def.EventIn]
	ctx.Ext = n.ext
	ctx.OutEvents = n.outEvents
	var discard meter.Value
	if meterBuf != nil {
		ctx.Meter = &meterBuf[si]
	} else {
		ctx.Meter = &discard
	}

	start := time.Now()
	n.proc.Process(ctx)
	elapsed := time.Since(start)

	n.ext = n.ext[:0]

	faulted := elapsed > budget
	if !faulted {
		faulted = hasInvalidSamples(ctx.Out)
	}
	if !faulted {
		if ad, ok := n.proc.(*processor.Adapter); ok && ad.Handle() != nil {
			faulted = ad.Handle().Faulted()
		}
	}
	if faulted {
		// Silence for this block; the graph keeps running and the flag
		// stays latched for the control plane to observe.
		for _, ch := range ctx.Out {
			clear(ch)
		}
		w.faults.set(si, s.gen)
	}
}

func hasInvalidSamples(out [][]float32) bool {
	for _, ch := range out {
		for _, s := range ch {
			if math.IsNaN(float64(s)) || math.IsInf(float64(s), 0) {
				return true
			}
		}
	}
	return false
}

func (w *Worker) writeDeviceBuffer(out []float32, frames int) {
	devC := w.cfg.Channels
	o := w.lookup(w.output)
	if o == nil || o.def.AudioOut == 0 || len(o.outAudio) < o.def.AudioOut {
		clear(out)
		return
	}

	switch {
	case o.def.AudioOut == devC:
		for c := 0; c < devC; c++ {
			src := o.outAudio[c][:frames]
			for i, v := range src {
				out[i*devC+c] = v
			}
		}
	case o.def.AudioOut == 1:
		src := o.outAudio[0][:frames]
		for i, v := range src {
			for c := 0; c < devC; c++ {
				out[i*devC+c] = v
			}
		}
	default:
		n := o.def.AudioOut
		if n > devC {
			n = devC
		}
		clear(out)
		for c := 0; c < n; c++ {
			src := o.outAudio[c][:frames]
			for i, v := range src {
				out[i*devC+c] = v
			}
		}
	}
}

// lookup resolves a NodeID against the arena, nil when the slot is empty or
// the generation is stale.
func (w *Worker) lookup(id graph.NodeID) *node {
	if !id.Valid() || int(id.Slot) >= len(w.slots) {
		return nil
	}
	s := &w.slots[id.Slot]
	if !s.live || s.gen != id.Gen {
		return nil
	}
	return &s.node
}

func (w *Worker) applyDiff(d graph.Diff) {
	switch d := d.(type) {
	case graph.AddNodeDiff:
		w.applyAddNode(d.Node)
	case graph.RemoveNodeDiff:
		w.applyRemoveNode(d.ID)
	case graph.ConnectDiff:
		w.applyConnect(d.Conn)
	case graph.DisconnectDiff:
		w.applyDisconnect(d.Conn)
	case graph.ReorderDiff:
		w.applyReorder(d)
	case graph.SetOutputDiff:
		w.output = d.ID
		w.orderDirty = true
	case graph.InstallProcessorDiff:
		if n := w.lookup(d.ID); n != nil {
			n.proc = d.Processor
			w.ack(graph.InstalledAck{ID: d.ID})
		}
	}
}

func (w *Worker) applyAddNode(def graph.Node) {
	if int(def.ID.Slot) >= len(w.slots) {
		return
	}
	// The definition validates port counts before a diff is sent; a node the
	// scratch cannot hold is ignored rather than indexed past the arrays.
	if def.AudioIn < 0 || def.AudioIn > graph.MaxPortsPerNode ||
		def.AudioOut < 0 || def.AudioOut > graph.MaxPortsPerNode ||
		def.EventIn < 0 || def.EventIn > graph.MaxPortsPerNode ||
		def.EventOut < 0 || def.EventOut > graph.MaxPortsPerNode {
		return
	}
	s := &w.slots[def.ID.Slot]
	n := &s.node
	n.def = def
	n.proc = nil
	n.audioIn = n.audioIn[:0]
	n.eventIn = n.eventIn[:0]
	n.ext = n.ext[:0]

	n.outAudio = n.outAudio[:0]
	for p := 0; p < def.AudioOut; p++ {
		b := w.audioBufs.get()
		if b == nil {
			// Pool exhausted: the node exists but cannot produce output.
			w.faults.set(def.ID.Slot, def.ID.Gen)
			break
		}
		clear(b)
		n.outAudio = append(n.outAudio, b)
	}
	n.outEvents = n.outEvents[:0]
	for p := 0; p < def.EventOut; p++ {
		b := w.eventBufs.get()
		if b == nil {
			w.faults.set(def.ID.Slot, def.ID.Gen)
			break
		}
		n.outEvents = append(n.outEvents, b)
	}

	s.gen = def.ID.Gen
	s.live = true
	w.orderDirty = true
}

func (w *Worker) applyRemoveNode(id graph.NodeID) {
	n := w.lookup(id)
	if n == nil {
		return
	}

	for _, b := range n.outAudio {
		w.audioBufs.put(b)
	}
	n.outAudio = n.outAudio[:0]
	for _, b := range n.outEvents {
		w.eventBufs.put(b)
	}
	n.outEvents = n.outEvents[:0]
	n.proc = nil

	// Drop every connection that referenced the node from the other side.
	for i := range w.slots {
		other := &w.slots[i]
		if !other.live {
			continue
		}
		other.node.audioIn = dropConns(other.node.audioIn, id)
		other.node.eventIn = dropConns(other.node.eventIn, id)
	}

	w.slots[id.Slot].live = false
	w.faults.clearSlot(id.Slot)
	if w.output == id {
		w.output = graph.NodeID{}
	}
	w.orderDirty = true
	w.ack(graph.RemovedAck{ID: id})
}

func dropConns(conns []graph.Connection, id graph.NodeID) []graph.Connection {
	kept := conns[:0]
	for _, c := range conns {
		if c.Src != id && c.Dst != id {
			kept = append(kept, c)
		}
	}
	return kept
}

func (w *Worker) applyConnect(c graph.Connection) {
	n := w.lookup(c.Dst)
	if n == nil {
		return
	}
	// The control plane rejects connections past the bound; the check here
	// keeps append from ever allocating on the audio thread.
	if c.Kind == graph.Audio {
		if len(n.audioIn) < graph.MaxConnsPerNode {
			n.audioIn = append(n.audioIn, c)
		}
	} else {
		if len(n.eventIn) < graph.MaxConnsPerNode {
			n.eventIn = append(n.eventIn, c)
		}
	}
	w.orderDirty = true
}

func (w *Worker) applyDisconnect(c graph.Connection) {
	n := w.lookup(c.Dst)
	if n == nil {
		return
	}
	list := n.audioIn
	if c.Kind == graph.Event {
		list = n.eventIn
	}
	kept := list[:0]
	for _, exist := range list {
		if exist != c {
			kept = append(kept, exist)
		}
	}
	if c.Kind == graph.Audio {
		n.audioIn = kept
	} else {
		n.eventIn = kept
	}
	w.orderDirty = true
}

func (w *Worker) applyReorder(d graph.ReorderDiff) {
	n := w.lookup(d.Dst)
	if n == nil {
		return
	}
	list := n.audioIn
	if d.Kind == graph.Event {
		list = n.eventIn
	}
	// Rewrite the port's connections in the requested priority order,
	// keeping their positions within the overall list.
	i := 0
	for j, c := range list {
		if c.DstPort != d.DstPort {
			continue
		}
		if i >= len(d.Srcs) {
			break
		}
		ref := d.Srcs[i]
		list[j] = graph.Connection{
			Kind: d.Kind, Src: ref.Node, SrcPort: ref.Port,
			Dst: d.Dst, DstPort: d.DstPort,
		}
		i++
	}
}

// injectEvent buffers one inbound MIDI event on its destination node,
// keeping the pending list frame-ordered.
func (w *Worker) injectEvent(re RoutedEvent) {
	n := w.lookup(re.Dst)
	if n == nil {
		w.extDropped.Add(1)
		return
	}
	if len(n.ext) == cap(n.ext) {
		w.extDropped.Add(1)
		return
	}
	n.ext = append(n.ext, re.Ev)
	for i := len(n.ext) - 1; i > 0 && n.ext[i].Frame < n.ext[i-1].Frame; i-- {
		n.ext[i], n.ext[i-1] = n.ext[i-1], n.ext[i]
	}
}

// recomputeOrder rebuilds the processing order: the set of nodes reaching
// the output (plus always-run nodes), topologically sorted with ties broken
// by insertion sequence so output is deterministic.
func (w *Worker) recomputeOrder() {
	clear(w.reach)
	w.stack = w.stack[:0]

	if o := w.lookup(w.output); o != nil {
		w.stack = append(w.stack, w.output.Slot)
	}
	for i := range w.slots {
		if w.slots[i].live && w.slots[i].node.def.AlwaysRun {
			w.stack = append(w.stack, uint32(i))
		}
	}

	for len(w.stack) > 0 {
		si := w.stack[len(w.stack)-1]
		w.stack = w.stack[:len(w.stack)-1]
		if w.reach[si] {
			continue
		}
		w.reach[si] = true
		n := &w.slots[si].node
		for _, c := range n.audioIn {
			if src := w.lookup(c.Src); src != nil && !w.reach[c.Src.Slot] {
				w.stack = append(w.stack, c.Src.Slot)
			}
		}
		for _, c := range n.eventIn {
			if src := w.lookup(c.Src); src != nil && !w.reach[c.Src.Slot] {
				w.stack = append(w.stack, c.Src.Slot)
			}
		}
	}

	clear(w.incoming)
	for i := range w.slots {
		if !w.reach[i] {
			continue
		}
		n := &w.slots[i].node
		for _, c := range n.audioIn {
			if w.lookup(c.Src) != nil && w.reach[c.Src.Slot] {
				w.incoming[i]++
			}
		}
		for _, c := range n.eventIn {
			if w.lookup(c.Src) != nil && w.reach[c.Src.Slot] {
				w.incoming[i]++
			}
		}
	}

	w.order = w.order[:0]
	for {
		best := -1
		var bestSeq uint64
		for i := range w.slots {
			if !w.reach[i] || w.incoming[i] != 0 {
				continue
			}
			seq := w.slots[i].node.def.Seq
			if best == -1 || seq < bestSeq {
				best = i
				bestSeq = seq
			}
		}
		if best == -1 {
			return
		}
		w.reach[best] = false
		w.incoming[best] = -1
		w.order = append(w.order, uint32(best))

		id := w.slots[best].node.def.ID
		for i := range w.slots {
			if !w.reach[i] {
				continue
			}
			n := &w.slots[i].node
			for _, c := range n.audioIn {
				if c.Src == id {
					w.incoming[i]--
				}
			}
			for _, c := range n.eventIn {
				if c.Src == id {
					w.incoming[i]--
				}
			}
		}
	}
}

// ack pushes feedback toward the control plane; when the channel is full the
// ack is parked and retried on later blocks, never lost and never blocking.
func (w *Worker) ack(a graph.Ack) {
	if w.feedback.TryPush(a) {
		return
	}
	if len(w.pendingAcks) < cap(w.pendingAcks) {
		w.pendingAcks = append(w.pendingAcks, a)
	}
}

func (w *Worker) flushAcks() {
	for len(w.pendingAcks) > 0 {
		if !w.feedback.TryPush(w.pendingAcks[0]) {
			return
		}
		copy(w.pendingAcks, w.pendingAcks[1:])
		w.pendingAcks = w.pendingAcks[:len(w.pendingAcks)-1]
	}
}
