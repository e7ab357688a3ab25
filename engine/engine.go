// Package engine assembles the audio graph stack: the control-plane graph
// definition, the real-time worker, the plugin host bridge, the metering
// channel, and the device driver, wired through their bounded queues.
package engine

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/damyanp/corodaw/devices"
	"github.com/damyanp/corodaw/engine/event"
	"github.com/damyanp/corodaw/engine/graph"
	"github.com/damyanp/corodaw/engine/host"
	"github.com/damyanp/corodaw/engine/meter"
	"github.com/damyanp/corodaw/engine/processor"
	"github.com/damyanp/corodaw/engine/worker"
	"github.com/damyanp/corodaw/internal/logging"
	"github.com/damyanp/corodaw/plugins"
)

// Config holds configuration for engine construction. The zero value of every
// field gets a usable default; out-of-range values are rejected.
type Config struct {
	SampleRate int
	Channels   int
	BlockSize  int
	MaxNodes   int

	// DiffQueueDepth bounds how many topology changes may be in flight
	// toward the audio worker before mutations report Busy.
	DiffQueueDepth int
	// MIDIQueueDepth bounds buffered inbound MIDI events.
	MIDIQueueDepth int

	// Driver delivers the audio callback. Nil selects the default playback
	// device.
	Driver devices.Driver

	Logger *zap.Logger

	// ErrorHandler receives node fault transitions observed by the fault
	// watcher. Defaults to logging through Logger.
	ErrorHandler logging.ErrorHandler

	// FaultPollInterval is the fault watcher's cadence.
	FaultPollInterval time.Duration
}

func (c *Config) validate() error {
	if c.SampleRate <= 0 {
		c.SampleRate = 48000
	} else if c.SampleRate < 8000 {
		return fmt.Errorf("sample rate must be at least 8000 Hz, got %d", c.SampleRate)
	} else if c.SampleRate > 384000 {
		return fmt.Errorf("sample rate cannot exceed 384000 Hz, got %d", c.SampleRate)
	}
	if c.Channels <= 0 {
		c.Channels = 2
	} else if c.Channels > 16 {
		return fmt.Errorf("channel count cannot exceed 16, got %d", c.Channels)
	}
	if c.BlockSize <= 0 {
		c.BlockSize = 512
	} else if c.BlockSize < 16 {
		return fmt.Errorf("block size must be at least 16 frames, got %d", c.BlockSize)
	} else if c.BlockSize > 8192 {
		return fmt.Errorf("block size cannot exceed 8192 frames, got %d", c.BlockSize)
	}
	if c.MaxNodes <= 0 {
		c.MaxNodes = 256
	}
	if c.DiffQueueDepth <= 0 {
		c.DiffQueueDepth = 128
	}
	if c.MIDIQueueDepth <= 0 {
		c.MIDIQueueDepth = 512
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.ErrorHandler == nil {
		c.ErrorHandler = &logging.ZapErrorHandler{Log: c.Logger}
	}
	if c.FaultPollInterval <= 0 {
		c.FaultPollInterval = 100 * time.Millisecond
	}
	return nil
}

// Engine owns the full stack. Create with New, then Start; all exported
// methods are safe from any non-real-time goroutine.
type Engine struct {
	id  uuid.UUID
	cfg Config
	log *zap.Logger

	def      *graph.Definition
	worker   *worker.Worker
	driver   devices.Driver
	diffs    *graph.Queue
	feedback *graph.Feedback
	midiIn   *worker.MIDIQueue
	meters   *meter.Reader
	registry *plugins.Registry
	bridge   *host.Bridge

	mu        sync.Mutex
	isRunning bool
	stop      chan struct{}
	wg        sync.WaitGroup

	// meterMu serializes reader-side swaps; the audio-thread writer is
	// unaffected.
	meterMu sync.Mutex
}

// New builds an engine from config. Nothing runs until Start.
func New(cfg Config) (*Engine, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	driver := cfg.Driver
	if driver == nil {
		var err error
		driver, err = devices.NewPlayback(devices.Config{
			SampleRate: cfg.SampleRate,
			Channels:   cfg.Channels,
			BlockSize:  cfg.BlockSize,
		}, cfg.Logger)
		if err != nil {
			return nil, err
		}
	}
	if driver.SampleRate() != cfg.SampleRate || driver.Channels() != cfg.Channels {
		return nil, fmt.Errorf("driver format %d Hz / %d ch does not match engine %d Hz / %d ch",
			driver.SampleRate(), driver.Channels(), cfg.SampleRate, cfg.Channels)
	}

	diffs := graph.NewQueue(cfg.DiffQueueDepth)
	feedback := graph.NewFeedback(cfg.DiffQueueDepth)
	midiIn := worker.NewMIDIQueue(cfg.MIDIQueueDepth)
	_, writer, reader := meter.NewChannel(cfg.MaxNodes)

	w, err := worker.New(worker.Config{
		SampleRate: cfg.SampleRate,
		Channels:   cfg.Channels,
		BlockSize:  cfg.BlockSize,
		MaxNodes:   cfg.MaxNodes,
	}, diffs, feedback, midiIn, writer)
	if err != nil {
		return nil, err
	}

	registry := plugins.NewRegistry()
	registry.Register(plugins.GainFactory{})

	e := &Engine{
		id:       uuid.New(),
		cfg:      cfg,
		log:      cfg.Logger,
		def:      graph.NewDefinition(diffs),
		worker:   w,
		driver:   driver,
		diffs:    diffs,
		feedback: feedback,
		midiIn:   midiIn,
		meters:   reader,
		registry: registry,
	}
	e.bridge = host.New(cfg.Logger, registry, e)
	return e, nil
}

// ID returns the engine's identity.
func (e *Engine) ID() uuid.UUID { return e.id }

// Start launches the bridge and feedback pump and opens the device.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.isRunning {
		return errors.New("engine is already running")
	}

	if err := e.bridge.Start(); err != nil {
		return err
	}

	e.stop = make(chan struct{})
	e.wg.Add(1)
	go e.pumpFeedback()
	e.wg.Add(1)
	go e.watchFaults()

	if err := e.driver.Start(e.worker.Process); err != nil {
		e.bridge.Stop()
		close(e.stop)
		e.wg.Wait()
		return fmt.Errorf("failed to start audio driver: %w", err)
	}

	e.isRunning = true
	e.log.Info("engine started",
		zap.String("id", e.id.String()),
		zap.Int("sampleRate", e.cfg.SampleRate),
		zap.Int("channels", e.cfg.Channels),
		zap.Int("blockSize", e.cfg.BlockSize))
	return nil
}

// Stop halts the device, the bridge, and the feedback pump. Safe to call
// more than once.
func (e *Engine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.isRunning {
		return nil
	}

	err := e.driver.Stop()
	e.bridge.Stop()
	close(e.stop)
	e.wg.Wait()
	e.isRunning = false
	e.log.Info("engine stopped", zap.String("id", e.id.String()))
	return err
}

// IsRunning reports whether the device is rendering.
func (e *Engine) IsRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.isRunning
}

// pumpFeedback routes worker acknowledgments to the plugin host bridge. The
// worker never blocks pushing them; this goroutine is the consuming end.
func (e *Engine) pumpFeedback() {
	defer e.wg.Done()
	for {
		select {
		case <-e.stop:
			return
		case a := <-e.feedback.C():
			e.bridge.HandleAck(a)
		}
	}
}

// watchFaults polls the worker's sticky fault flags and reports each new
// transition through the error handler. Polling is the contract: the audio
// thread only ever flips flags, it never delivers errors.
func (e *Engine) watchFaults() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.FaultPollInterval)
	defer ticker.Stop()

	reported := make(map[graph.NodeID]bool)
	for {
		select {
		case <-e.stop:
			return
		case <-ticker.C:
			for _, n := range e.def.Nodes() {
				faulted := e.worker.Faults().Faulted(n.ID)
				if faulted && !reported[n.ID] {
					e.cfg.ErrorHandler.HandleError(
						fmt.Errorf("node %v (%s) faulted and is emitting silence", n.ID, n.Kind))
				}
				if faulted {
					reported[n.ID] = true
				} else {
					delete(reported, n.ID)
				}
			}
		}
	}
}

// AddNode declares a node in the graph.
func (e *Engine) AddNode(spec graph.NodeSpec) (graph.NodeID, error) {
	return e.def.AddNode(spec)
}

// RemoveNode removes a node and every connection touching it.
func (e *Engine) RemoveNode(id graph.NodeID) error { return e.def.RemoveNode(id) }

// Connect routes a source port to a destination port.
func (e *Engine) Connect(c graph.Connection) error { return e.def.Connect(c) }

// Disconnect removes an existing connection.
func (e *Engine) Disconnect(c graph.Connection) error { return e.def.Disconnect(c) }

// Reorder sets the merge priority of the sources feeding one input port.
func (e *Engine) Reorder(dst graph.NodeID, kind graph.PortKind, dstPort int, srcs []graph.PortRef) error {
	return e.def.Reorder(dst, kind, dstPort, srcs)
}

// SetOutput designates the node whose audio feeds the device.
func (e *Engine) SetOutput(id graph.NodeID) error { return e.def.SetOutput(id) }

// InstallProcessor implements host.Topology.
func (e *Engine) InstallProcessor(id graph.NodeID, p processor.Processor) error {
	return e.def.InstallProcessor(id, p)
}

// Definition exposes the graph definition for inspection.
func (e *Engine) Definition() *graph.Definition { return e.def }

// Plugins exposes the plugin registry.
func (e *Engine) Plugins() *plugins.Registry { return e.registry }

// Host exposes the plugin host bridge.
func (e *Engine) Host() *host.Bridge { return e.bridge }

// AddSine adds a sine generator node with its processor installed.
func (e *Engine) AddSine(freq float64, amplitude float32) (graph.NodeID, error) {
	return e.addBuiltin(graph.NodeSpec{Kind: graph.KindGenerator, AudioOut: e.cfg.Channels},
		processor.NewSine(freq, amplitude))
}

// AddGain adds a gain effect node with its processor installed.
func (e *Engine) AddGain(gain float32) (graph.NodeID, error) {
	return e.addBuiltin(graph.NodeSpec{
		Kind:     graph.KindEffect,
		AudioIn:  e.cfg.Channels,
		AudioOut: e.cfg.Channels,
	}, processor.NewGain(gain))
}

// AddMixer adds a mixer node. Mixer audio inputs accept any number of
// connections; everything arriving at a port is summed.
func (e *Engine) AddMixer() (graph.NodeID, error) {
	return e.addBuiltin(graph.NodeSpec{
		Kind:     graph.KindMixer,
		AudioIn:  e.cfg.Channels,
		AudioOut: e.cfg.Channels,
	}, processor.NewSummer())
}

// AddMIDISource adds an always-run node that forwards injected MIDI events
// to its event output.
func (e *Engine) AddMIDISource() (graph.NodeID, error) {
	return e.addBuiltin(graph.NodeSpec{
		Kind:      graph.KindMIDISource,
		EventOut:  1,
		AlwaysRun: true,
	}, processor.NewMIDISource())
}

func (e *Engine) addBuiltin(spec graph.NodeSpec, p processor.Processor) (graph.NodeID, error) {
	id, err := e.def.AddNode(spec)
	if err != nil {
		return graph.NodeID{}, err
	}
	if err := e.def.InstallProcessor(id, p); err != nil {
		_ = e.def.RemoveNode(id)
		return graph.NodeID{}, err
	}
	return id, nil
}

// CreatePlugin adds a plugin host node and asks the bridge to instantiate
// pluginID into it. The instance's Ready notification arrives on the bridge's
// notification stream.
func (e *Engine) CreatePlugin(pluginID string) (graph.NodeID, uuid.UUID, error) {
	id, err := e.def.AddNode(graph.NodeSpec{
		Kind:     graph.KindPluginHost,
		AudioIn:  e.cfg.Channels,
		AudioOut: e.cfg.Channels,
	})
	if err != nil {
		return graph.NodeID{}, uuid.Nil, err
	}
	inst, err := e.bridge.CreateInstance(pluginID, id)
	if err != nil {
		_ = e.def.RemoveNode(id)
		return graph.NodeID{}, uuid.Nil, err
	}
	return id, inst, nil
}

// SendMIDI injects an event toward dst's external event buffer. It never
// blocks; false means the inbound queue was full and the event was dropped.
func (e *Engine) SendMIDI(dst graph.NodeID, ev event.Event) bool {
	return e.midiIn.TryPush(worker.RoutedEvent{Dst: dst, Ev: ev})
}

// Meter returns the most recently published meter value for a node. The
// second return is false when the node has published nothing yet.
func (e *Engine) Meter(id graph.NodeID) (meter.Value, bool) {
	if !id.Valid() {
		return meter.Value{}, false
	}
	e.meterMu.Lock()
	defer e.meterMu.Unlock()
	e.meters.Swap()
	buf := e.meters.Buffer()
	if int(id.Slot) >= len(buf) {
		return meter.Value{}, false
	}
	v := buf[id.Slot]
	return v, v.Kind != meter.None
}

// Faulted reports whether the node's sticky fault flag is set.
func (e *Engine) Faulted(id graph.NodeID) bool { return e.worker.Faults().Faulted(id) }

// ClearFault resets a node's sticky fault flag.
func (e *Engine) ClearFault(id graph.NodeID) { e.worker.Faults().Clear(id) }

// Worker exposes the real-time worker for diagnostics and metrics.
func (e *Engine) Worker() *worker.Worker { return e.worker }
