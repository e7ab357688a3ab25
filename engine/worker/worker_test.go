package worker

import (
	"math"
	"testing"
	"time"

	midi "gitlab.com/gomidi/midi/v2"

	"github.com/damyanp/corodaw/engine/event"
	"github.com/damyanp/corodaw/engine/graph"
	"github.com/damyanp/corodaw/engine/meter"
	"github.com/damyanp/corodaw/engine/processor"
)

const (
	testRate  = 48000
	testBlock = 64
)

type rig struct {
	def      *graph.Definition
	worker   *Worker
	feedback *graph.Feedback
	midi     *MIDIQueue
	reader   *meter.Reader
	out      []float32
}

func newRig(t *testing.T, channels int) *rig {
	t.Helper()
	diffs := graph.NewQueue(64)
	feedback := graph.NewFeedback(64)
	midiIn := NewMIDIQueue(64)
	_, writer, reader := meter.NewChannel(8)

	w, err := New(Config{
		SampleRate: testRate,
		Channels:   channels,
		BlockSize:  testBlock,
		MaxNodes:   8,
	}, diffs, feedback, midiIn, writer)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &rig{
		def:      graph.NewDefinition(diffs),
		worker:   w,
		feedback: feedback,
		midi:     midiIn,
		reader:   reader,
		out:      make([]float32, testBlock*channels),
	}
}

func (r *rig) process() { r.worker.Process(r.out) }

func (r *rig) drainAcks() []graph.Ack {
	var acks []graph.Ack
	for {
		select {
		case a := <-r.feedback.C():
			acks = append(acks, a)
		default:
			return acks
		}
	}
}

// constProc writes a fixed value to every output channel and counts its runs.
type constProc struct {
	value float32
	runs  int
}

func (p *constProc) Process(ctx *processor.Context) {
	p.runs++
	for _, ch := range ctx.Out {
		buf := ch[:ctx.Frames]
		for i := range buf {
			buf[i] = p.value
		}
	}
}

// nanProc poisons its first sample.
type nanProc struct{}

func (nanProc) Process(ctx *processor.Context) {
	for _, ch := range ctx.Out {
		buf := ch[:ctx.Frames]
		for i := range buf {
			buf[i] = 1
		}
		buf[0] = float32(math.NaN())
	}
}

// slowProc burns more wall time than one block allows.
type slowProc struct{ d time.Duration }

func (p slowProc) Process(ctx *processor.Context) {
	time.Sleep(p.d)
	for _, ch := range ctx.Out {
		clear(ch[:ctx.Frames])
	}
}

// eventSink records the merged event stream it sees each block.
type eventSink struct {
	got []event.Event
}

func (p *eventSink) Process(ctx *processor.Context) {
	p.got = p.got[:0]
	if len(ctx.InEvents) > 0 {
		p.got = append(p.got, ctx.InEvents[0]...)
	}
}

func addWithProc(t *testing.T, r *rig, spec graph.NodeSpec, p processor.Processor) graph.NodeID {
	t.Helper()
	id, err := r.def.AddNode(spec)
	if err != nil {
		t.Fatalf("AddNode: %v", err)
	}
	if err := r.def.InstallProcessor(id, p); err != nil {
		t.Fatalf("InstallProcessor: %v", err)
	}
	return id
}

func TestSilenceWithoutOutputNode(t *testing.T) {
	r := newRig(t, 2)
	for i := range r.out {
		r.out[i] = 99
	}
	r.process()
	for i, v := range r.out {
		if v != 0 {
			t.Fatalf("out[%d] = %v, want silence", i, v)
		}
	}
}

func TestGeneratorReachesDevice(t *testing.T) {
	r := newRig(t, 2)
	gen := addWithProc(t, r, graph.NodeSpec{Kind: graph.KindGenerator, AudioOut: 2}, &constProc{value: 0.5})
	if err := r.def.SetOutput(gen); err != nil {
		t.Fatal(err)
	}

	r.process()
	for i, v := range r.out {
		if v != 0.5 {
			t.Fatalf("out[%d] = %v, want 0.5", i, v)
		}
	}
}

func TestMonoOutputBroadcastsToAllChannels(t *testing.T) {
	r := newRig(t, 2)
	gen := addWithProc(t, r, graph.NodeSpec{Kind: graph.KindGenerator, AudioOut: 1}, &constProc{value: 0.25})
	if err := r.def.SetOutput(gen); err != nil {
		t.Fatal(err)
	}

	r.process()
	for i, v := range r.out {
		if v != 0.25 {
			t.Fatalf("out[%d] = %v, want mono broadcast 0.25", i, v)
		}
	}
}

func TestUnreachableNodeDoesNotRun(t *testing.T) {
	r := newRig(t, 2)
	orphan := &constProc{value: 1}
	addWithProc(t, r, graph.NodeSpec{Kind: graph.KindGenerator, AudioOut: 2}, orphan)
	alwaysRun := &constProc{value: 1}
	addWithProc(t, r, graph.NodeSpec{Kind: graph.KindGenerator, AudioOut: 2, AlwaysRun: true}, alwaysRun)

	r.process()
	if orphan.runs != 0 {
		t.Errorf("unreachable node ran %d times", orphan.runs)
	}
	if alwaysRun.runs != 1 {
		t.Errorf("always-run node ran %d times, want 1", alwaysRun.runs)
	}
}

func TestMixerSumsFanIn(t *testing.T) {
	r := newRig(t, 1)
	a := addWithProc(t, r, graph.NodeSpec{Kind: graph.KindGenerator, AudioOut: 1}, &constProc{value: 0.25})
	b := addWithProc(t, r, graph.NodeSpec{Kind: graph.KindGenerator, AudioOut: 1}, &constProc{value: 0.5})
	mix := addWithProc(t, r, graph.NodeSpec{Kind: graph.KindMixer, AudioIn: 1, AudioOut: 1}, processor.NewSummer())

	for _, src := range []graph.NodeID{a, b} {
		if err := r.def.Connect(graph.Connection{Kind: graph.Audio, Src: src, Dst: mix}); err != nil {
			t.Fatal(err)
		}
	}
	if err := r.def.SetOutput(mix); err != nil {
		t.Fatal(err)
	}

	r.process()
	for i, v := range r.out {
		if v != 0.75 {
			t.Fatalf("out[%d] = %v, want 0.75", i, v)
		}
	}
}

func TestInvalidSamplesFaultOnlyTheirBranch(t *testing.T) {
	r := newRig(t, 1)
	bad := addWithProc(t, r, graph.NodeSpec{Kind: graph.KindGenerator, AudioOut: 1}, nanProc{})
	good := addWithProc(t, r, graph.NodeSpec{Kind: graph.KindGenerator, AudioOut: 1}, &constProc{value: 0.5})
	mix := addWithProc(t, r, graph.NodeSpec{Kind: graph.KindMixer, AudioIn: 1, AudioOut: 1}, processor.NewSummer())

	for _, src := range []graph.NodeID{bad, good} {
		if err := r.def.Connect(graph.Connection{Kind: graph.Audio, Src: src, Dst: mix}); err != nil {
			t.Fatal(err)
		}
	}
	if err := r.def.SetOutput(mix); err != nil {
		t.Fatal(err)
	}

	r.process()

	// The poisoned branch is silenced within the same block; the healthy
	// branch is unaffected.
	for i, v := range r.out {
		if v != 0.5 {
			t.Fatalf("out[%d] = %v, want 0.5", i, v)
		}
	}
	if !r.worker.Faults().Faulted(bad) {
		t.Error("fault flag not latched for the poisoned node")
	}
	if r.worker.Faults().Faulted(good) {
		t.Error("fault flag latched for the healthy node")
	}

	// Sticky: still set after a clean block, until explicitly cleared.
	r.process()
	if !r.worker.Faults().Faulted(bad) {
		t.Error("fault flag did not stick")
	}
	r.worker.Faults().Clear(bad)
	if r.worker.Faults().Faulted(bad) {
		t.Error("fault flag survived Clear")
	}
}

func TestBudgetOverrunFaults(t *testing.T) {
	r := newRig(t, 1)
	// One 64-frame block at 48 kHz is ~1.3ms.
	slow := addWithProc(t, r, graph.NodeSpec{Kind: graph.KindGenerator, AudioOut: 1}, slowProc{d: 20 * time.Millisecond})
	if err := r.def.SetOutput(slow); err != nil {
		t.Fatal(err)
	}

	r.process()
	if !r.worker.Faults().Faulted(slow) {
		t.Error("budget overrun did not latch a fault")
	}
	for i, v := range r.out {
		if v != 0 {
			t.Fatalf("out[%d] = %v, want silence from the faulted node", i, v)
		}
	}
}

func TestInstallAndRemoveAcks(t *testing.T) {
	r := newRig(t, 2)
	id := addWithProc(t, r, graph.NodeSpec{Kind: graph.KindPluginHost, AudioOut: 2}, &constProc{})

	r.process()
	acks := r.drainAcks()
	if len(acks) != 1 {
		t.Fatalf("got %d acks after install, want 1", len(acks))
	}
	if a, ok := acks[0].(graph.InstalledAck); !ok || a.ID != id {
		t.Fatalf("got %#v, want InstalledAck for %v", acks[0], id)
	}

	if err := r.def.RemoveNode(id); err != nil {
		t.Fatal(err)
	}
	r.process()
	acks = r.drainAcks()
	if len(acks) != 1 {
		t.Fatalf("got %d acks after remove, want 1", len(acks))
	}
	if a, ok := acks[0].(graph.RemovedAck); !ok || a.ID != id {
		t.Fatalf("got %#v, want RemovedAck for %v", acks[0], id)
	}
}

func TestStaleGenerationDiffIgnored(t *testing.T) {
	r := newRig(t, 2)
	old := addWithProc(t, r, graph.NodeSpec{Kind: graph.KindGenerator, AudioOut: 2}, &constProc{value: 1})
	if err := r.def.RemoveNode(old); err != nil {
		t.Fatal(err)
	}
	fresh := addWithProc(t, r, graph.NodeSpec{Kind: graph.KindGenerator, AudioOut: 2}, &constProc{value: 0.5})
	if fresh.Slot != old.Slot {
		t.Fatalf("expected slot reuse, got %v then %v", old, fresh)
	}
	if err := r.def.SetOutput(fresh); err != nil {
		t.Fatal(err)
	}
	r.process()
	r.drainAcks()

	// A stale install aimed at the old generation must not disturb the
	// fresh tenant or produce an ack.
	r.worker.applyDiff(graph.InstallProcessorDiff{ID: old, Processor: &constProc{value: 1}})
	r.process()
	if acks := r.drainAcks(); len(acks) != 0 {
		t.Fatalf("stale install produced acks: %#v", acks)
	}
	for i, v := range r.out {
		if v != 0.5 {
			t.Fatalf("out[%d] = %v, want the fresh node's 0.5", i, v)
		}
	}
}

func TestOversizedNodeDiffIgnored(t *testing.T) {
	r := newRig(t, 2)

	// The definition rejects such a node, so a diff like this can only come
	// from a corrupt producer; the worker must drop it, not index past its
	// scratch.
	id := graph.NodeID{Slot: 0, Gen: 1}
	r.worker.applyDiff(graph.AddNodeDiff{Node: graph.Node{
		ID:       id,
		Kind:     graph.KindGenerator,
		AudioOut: graph.MaxPortsPerNode + 1,
		Seq:      1,
	}})
	r.worker.applyDiff(graph.InstallProcessorDiff{ID: id, Processor: &constProc{value: 1}})
	r.worker.applyDiff(graph.SetOutputDiff{ID: id})
	r.process()

	for i, v := range r.out {
		if v != 0 {
			t.Fatalf("out[%d] = %v, want silence", i, v)
		}
	}
	if acks := r.drainAcks(); len(acks) != 0 {
		t.Fatalf("ignored node produced acks: %#v", acks)
	}
}

func TestInjectedMIDIArrivesMerged(t *testing.T) {
	r := newRig(t, 1)
	srcNode := addWithProc(t, r,
		graph.NodeSpec{Kind: graph.KindMIDISource, EventOut: 1, AlwaysRun: true},
		processor.NewMIDISource())
	sink := &eventSink{}
	sinkNode := addWithProc(t, r,
		graph.NodeSpec{Kind: graph.KindEffect, EventIn: 1, AlwaysRun: true},
		sink)
	if err := r.def.Connect(graph.Connection{Kind: graph.Event, Src: srcNode, Dst: sinkNode}); err != nil {
		t.Fatal(err)
	}

	// Out of frame order on the queue; the worker's insertion keeps the
	// node's pending list ordered.
	events := []event.Event{
		{Frame: 10, Message: midi.NoteOn(0, 60, 100)},
		{Frame: 3, Message: midi.NoteOn(0, 61, 100)},
		{Frame: 7, Message: midi.NoteOff(0, 60)},
	}
	for _, ev := range events {
		if !r.midi.TryPush(RoutedEvent{Dst: srcNode, Ev: ev}) {
			t.Fatal("midi queue rejected event")
		}
	}

	r.process()
	if len(sink.got) != 3 {
		t.Fatalf("sink saw %d events, want 3", len(sink.got))
	}
	want := []int{3, 7, 10}
	for i, ev := range sink.got {
		if ev.Frame != want[i] {
			t.Errorf("event %d at frame %d, want %d", i, ev.Frame, want[i])
		}
	}

	// Consumed: the next block carries nothing.
	r.process()
	if len(sink.got) != 0 {
		t.Fatalf("events replayed on the next block: %d", len(sink.got))
	}
}

func TestMIDIToUnknownNodeCountsAsDropped(t *testing.T) {
	r := newRig(t, 1)
	if !r.midi.TryPush(RoutedEvent{Dst: graph.NodeID{Slot: 5, Gen: 1}}) {
		t.Fatal("midi queue rejected event")
	}
	r.process()
	if got := r.worker.EventsDropped(); got != 1 {
		t.Fatalf("EventsDropped = %d, want 1", got)
	}
}

func TestMetersPublishPerBlock(t *testing.T) {
	r := newRig(t, 2)
	gen := addWithProc(t, r, graph.NodeSpec{Kind: graph.KindGenerator, AudioOut: 2}, &constProc{value: 0.5})
	gain := addWithProc(t, r, graph.NodeSpec{Kind: graph.KindEffect, AudioIn: 2, AudioOut: 2}, processor.NewGain(1))
	for ch := 0; ch < 2; ch++ {
		if err := r.def.Connect(graph.Connection{
			Kind: graph.Audio, Src: gen, SrcPort: ch, Dst: gain, DstPort: ch,
		}); err != nil {
			t.Fatal(err)
		}
	}
	if err := r.def.SetOutput(gain); err != nil {
		t.Fatal(err)
	}

	r.process()
	if !r.reader.Swap() {
		t.Fatal("no meter buffer published")
	}
	v := r.reader.Buffer()[gain.Slot]
	if v.Kind != meter.Stereo {
		t.Fatalf("meter kind %v, want stereo", v.Kind)
	}
	if v.L != 0.5 || v.R != 0.5 {
		t.Fatalf("meter %+v, want 0.5 peaks", v)
	}
}

func TestLargeCallbackSplitsIntoBlocks(t *testing.T) {
	r := newRig(t, 2)
	gen := addWithProc(t, r, graph.NodeSpec{Kind: graph.KindGenerator, AudioOut: 2}, &constProc{value: 0.5})
	if err := r.def.SetOutput(gen); err != nil {
		t.Fatal(err)
	}

	out := make([]float32, 3*testBlock*2) // three blocks worth
	before := r.worker.Blocks()
	r.worker.Process(out)
	if got := r.worker.Blocks() - before; got != 3 {
		t.Fatalf("processed %d blocks for a 3-block callback", got)
	}
	for i, v := range out {
		if v != 0.5 {
			t.Fatalf("out[%d] = %v, want 0.5", i, v)
		}
	}
}

func TestDisconnectStopsFlow(t *testing.T) {
	r := newRig(t, 1)
	gen := addWithProc(t, r, graph.NodeSpec{Kind: graph.KindGenerator, AudioOut: 1}, &constProc{value: 0.5})
	mix := addWithProc(t, r, graph.NodeSpec{Kind: graph.KindMixer, AudioIn: 1, AudioOut: 1}, processor.NewSummer())
	conn := graph.Connection{Kind: graph.Audio, Src: gen, Dst: mix}
	if err := r.def.Connect(conn); err != nil {
		t.Fatal(err)
	}
	if err := r.def.SetOutput(mix); err != nil {
		t.Fatal(err)
	}

	r.process()
	if r.out[0] != 0.5 {
		t.Fatalf("connected flow carries %v, want 0.5", r.out[0])
	}

	if err := r.def.Disconnect(conn); err != nil {
		t.Fatal(err)
	}
	r.process()
	if r.out[0] != 0 {
		t.Fatalf("disconnected flow still carries %v", r.out[0])
	}
}
