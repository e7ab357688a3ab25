package engine

import (
	"math"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/damyanp/corodaw/devices"
	"github.com/damyanp/corodaw/engine/event"
	"github.com/damyanp/corodaw/engine/graph"
	"github.com/damyanp/corodaw/engine/host"
	"github.com/damyanp/corodaw/engine/meter"
	"github.com/damyanp/corodaw/engine/processor"
	"github.com/damyanp/corodaw/plugins"

	midi "gitlab.com/gomidi/midi/v2"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	driver, err := devices.NewNullDriver(devices.Config{
		SampleRate: 48000,
		Channels:   2,
		BlockSize:  64,
	})
	require.NoError(t, err)

	eng, err := New(Config{
		SampleRate: 48000,
		Channels:   2,
		BlockSize:  64,
		Driver:     driver,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Stop() })
	return eng
}

func TestNewRejectsBadConfig(t *testing.T) {
	_, err := New(Config{SampleRate: 100})
	assert.Error(t, err)
	_, err = New(Config{BlockSize: 4})
	assert.Error(t, err)
	_, err = New(Config{Channels: 99})
	assert.Error(t, err)
}

func TestNewRejectsDriverFormatMismatch(t *testing.T) {
	driver, err := devices.NewNullDriver(devices.Config{SampleRate: 44100, Channels: 2, BlockSize: 64})
	require.NoError(t, err)
	_, err = New(Config{SampleRate: 48000, Channels: 2, Driver: driver})
	assert.Error(t, err)
}

func TestLifecycle(t *testing.T) {
	eng := newTestEngine(t)
	assert.False(t, eng.IsRunning())
	require.NoError(t, eng.Start())
	assert.True(t, eng.IsRunning())
	assert.Error(t, eng.Start(), "double start")
	require.NoError(t, eng.Stop())
	assert.False(t, eng.IsRunning())
	require.NoError(t, eng.Stop(), "double stop")
}

func TestRestartCycle(t *testing.T) {
	eng := newTestEngine(t)

	sine, err := eng.AddSine(440, 1)
	require.NoError(t, err)
	require.NoError(t, eng.SetOutput(sine))

	require.NoError(t, eng.Start())
	require.NoError(t, eng.Stop())
	require.NoError(t, eng.Start())
	assert.True(t, eng.IsRunning())

	blocks := eng.Worker().Blocks()
	require.Eventually(t, func() bool {
		return eng.Worker().Blocks() > blocks
	}, 5*time.Second, 10*time.Millisecond, "no blocks processed after restart")

	require.NoError(t, eng.Stop())
}

func TestSignalPathMeters(t *testing.T) {
	eng := newTestEngine(t)

	sine, err := eng.AddSine(440, 1)
	require.NoError(t, err)
	gain, err := eng.AddGain(0.5)
	require.NoError(t, err)
	for ch := 0; ch < 2; ch++ {
		require.NoError(t, eng.Connect(graph.Connection{
			Kind: graph.Audio, Src: sine, SrcPort: ch, Dst: gain, DstPort: ch,
		}))
	}
	require.NoError(t, eng.SetOutput(gain))
	require.NoError(t, eng.Start())

	require.Eventually(t, func() bool {
		v, ok := eng.Meter(gain)
		return ok && v.Kind == meter.Stereo && v.L > 0.3 && v.L <= 0.5
	}, 5*time.Second, 10*time.Millisecond, "gain stage never metered a half-scale sine")

	assert.False(t, eng.Faulted(sine))
	assert.False(t, eng.Faulted(gain))
	assert.Greater(t, eng.Worker().Blocks(), uint64(0))
}

func TestPluginLifecycleEndToEnd(t *testing.T) {
	eng := newTestEngine(t)
	require.NoError(t, eng.Start())

	node, inst, err := eng.CreatePlugin(plugins.GainPluginID)
	require.NoError(t, err)

	waitFor := func(want any) host.Notification {
		select {
		case n := <-eng.Host().Notifications():
			require.IsType(t, want, n)
			return n
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for %T", want)
			return nil
		}
	}

	// The worker acknowledges the install through the feedback pump; the
	// bridge turns it into Ready.
	waitFor(host.Ready{})
	state, err := eng.Host().InstanceState(inst)
	require.NoError(t, err)
	assert.Equal(t, host.StateReady, state)

	require.NoError(t, eng.Host().SetParameter(inst, "gain", 2))
	v, err := eng.Host().GetParameter(inst, "gain")
	require.NoError(t, err)
	assert.Equal(t, 2.0, v)

	require.NoError(t, eng.Host().DestroyInstance(inst))
	waitFor(host.Destroyed{})

	_, ok := eng.Definition().Node(node)
	assert.False(t, ok, "plugin node must leave the definition with its instance")
}

func TestSendMIDI(t *testing.T) {
	eng := newTestEngine(t)
	src, err := eng.AddMIDISource()
	require.NoError(t, err)
	require.NoError(t, eng.Start())

	ok := eng.SendMIDI(src, event.Event{Frame: 0, Message: midi.NoteOn(0, 60, 100)})
	assert.True(t, ok)

	require.Eventually(t, func() bool {
		return eng.Worker().Blocks() > 2
	}, 5*time.Second, 10*time.Millisecond)
	assert.Zero(t, eng.Worker().EventsDropped())
}

// nanSource poisons its output to trigger the worker's fault handling.
type nanSource struct{}

func (nanSource) Process(ctx *processor.Context) {
	for _, ch := range ctx.Out {
		buf := ch[:ctx.Frames]
		for i := range buf {
			buf[i] = float32(math.NaN())
		}
	}
}

type collectingHandler struct {
	mu   sync.Mutex
	errs []error
}

func (h *collectingHandler) HandleError(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.errs = append(h.errs, err)
}

func (h *collectingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.errs)
}

func TestFaultWatcherReportsOnce(t *testing.T) {
	driver, err := devices.NewNullDriver(devices.Config{
		SampleRate: 48000, Channels: 2, BlockSize: 64,
	})
	require.NoError(t, err)
	handler := &collectingHandler{}

	eng, err := New(Config{
		SampleRate:        48000,
		Channels:          2,
		BlockSize:         64,
		Driver:            driver,
		ErrorHandler:      handler,
		FaultPollInterval: 5 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Stop() })

	bad, err := eng.AddNode(graph.NodeSpec{Kind: graph.KindGenerator, AudioOut: 2})
	require.NoError(t, err)
	require.NoError(t, eng.InstallProcessor(bad, nanSource{}))
	require.NoError(t, eng.SetOutput(bad))
	require.NoError(t, eng.Start())

	require.Eventually(t, func() bool {
		return eng.Faulted(bad)
	}, 5*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		return handler.count() >= 1
	}, 5*time.Second, 5*time.Millisecond)

	// Latched faults are reported once, not on every poll.
	n := handler.count()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, n, handler.count())
}

func TestMetricsCollect(t *testing.T) {
	eng := newTestEngine(t)
	sine, err := eng.AddSine(440, 1)
	require.NoError(t, err)
	require.NoError(t, eng.SetOutput(sine))

	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(NewMetrics(eng)))

	metricValue := func(name string) float64 {
		mfs, err := reg.Gather()
		require.NoError(t, err)
		for _, mf := range mfs {
			if mf.GetName() != name {
				continue
			}
			m := mf.GetMetric()[0]
			if m.GetGauge() != nil {
				return m.GetGauge().GetValue()
			}
			return m.GetCounter().GetValue()
		}
		t.Fatalf("metric %s not gathered", name)
		return 0
	}

	// Two diffs queued (add + install) plus the output designation, none
	// applied until the worker runs.
	assert.Equal(t, 3.0, metricValue("corodaw_diff_queue_depth"))

	require.NoError(t, eng.Start())
	require.Eventually(t, func() bool {
		return eng.Worker().DiffsApplied() == 3
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0.0, metricValue("corodaw_diff_queue_depth"))
	assert.Greater(t, metricValue("corodaw_audio_blocks_total"), 0.0)
}
