// Package plugins provides the boundary to hosted plugin binaries. The rest
// of the system treats a plugin as a black box exposing create/destroy/
// process and parameter/state access.
//
// Model:
//   - A Factory produces instances of one plugin kind; a Registry maps plugin
//     IDs to factories (the result a binary scan would have produced).
//   - A Plugin is the management handle: parameters, state, GUI, teardown.
//     It is only ever touched on the host bridge worker goroutine.
//   - A Handle is the lightweight real-time reference handed to the audio
//     worker. Handle.Process is the only plugin entry point the audio thread
//     may call.
package plugins

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
)

// Info describes an installed plugin that can be instantiated.
type Info struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Vendor       string `json:"vendor"`
	AudioInputs  int    `json:"audioInputs"`
	AudioOutputs int    `json:"audioOutputs"`
	HasGUI       bool   `json:"hasGUI"`
}

// Plugin is the management side of a hosted plugin instance. All methods may
// block and may allocate.
type Plugin interface {
	Info() Info

	// Handle returns the real-time processing side of this instance. The
	// handle stays valid until Destroy.
	Handle() *Handle

	GetParameter(name string) (float64, error)
	SetParameter(name string, value float64) error
	Parameters() []string

	SaveState() ([]byte, error)
	LoadState(data []byte) error

	// OpenGUI opens the plugin's native editor window, if it has one.
	OpenGUI() error

	Destroy() error
}

// ProcessFunc is the plugin's audio entry point: read in, write out, for the
// given number of frames. It must follow the same real-time rules as any
// processor: no allocation, no blocking.
type ProcessFunc func(in, out [][]float32, frames int)

// Handle is the real-time processing reference, distinct from the Plugin
// management handle so that teardown on the bridge can never race a block in
// flight: the worker drops the handle first and acknowledges, only then does
// the bridge destroy the backing instance.
type Handle struct {
	process ProcessFunc
	faulted atomic.Bool
}

// NewHandle wraps a processing function. A nil fn yields silence.
func NewHandle(fn ProcessFunc) *Handle {
	return &Handle{process: fn}
}

// Process invokes the plugin's processing entry point.
func (h *Handle) Process(in, out [][]float32, frames int) {
	if h.process == nil {
		for _, ch := range out {
			clear(ch[:frames])
		}
		return
	}
	h.process(in, out, frames)
}

// SetFaulted latches the fault flag. Called by the bridge when the backing
// instance misbehaves; the worker observes it wait-free and substitutes
// silence for the node.
func (h *Handle) SetFaulted() { h.faulted.Store(true) }

// Faulted reports whether the bridge has latched a fault on this handle.
func (h *Handle) Faulted() bool { return h.faulted.Load() }

// ParameterWatcher is implemented by plugins whose native GUI can change
// parameters behind the host's back. The host registers a callback and
// forwards changes to the control plane, which stays authoritative.
type ParameterWatcher interface {
	WatchParameters(fn func(name string, value float64))
}

// Factory instantiates plugins of one kind.
type Factory interface {
	Info() Info
	New() (Plugin, error)
}

// Registry maps plugin IDs to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory under its Info().ID, replacing any previous
// factory with the same ID.
func (r *Registry) Register(f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[f.Info().ID] = f
}

// Lookup returns the factory for a plugin ID.
func (r *Registry) Lookup(id string) (Factory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[id]
	if !ok {
		return nil, fmt.Errorf("plugin %q is not installed", id)
	}
	return f, nil
}

// List returns Info for every registered factory, sorted by ID.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.factories))
	for _, f := range r.factories {
		infos = append(infos, f.Info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}
