package plugins

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
)

// GainPluginID identifies the builtin gain plugin.
const GainPluginID = "builtin.gain"

// GainFactory produces instances of a minimal gain plugin. It exists so the
// host path can be exercised without any native binaries installed, and it
// behaves like a well-formed plugin: parameters, state round-trip, no GUI.
type GainFactory struct{}

// Info implements Factory.
func (GainFactory) Info() Info {
	return Info{
		ID:           GainPluginID,
		Name:         "Gain",
		Vendor:       "corodaw",
		AudioInputs:  2,
		AudioOutputs: 2,
	}
}

// New implements Factory.
func (GainFactory) New() (Plugin, error) {
	p := &gainPlugin{}
	p.gain.Store(math.Float64bits(1.0))
	p.handle = NewHandle(p.processBlock)
	return p, nil
}

type gainPlugin struct {
	mu        sync.Mutex
	destroyed bool
	handle    *Handle

	// gain holds math.Float64bits so the audio thread reads it wait-free.
	gain atomic.Uint64
}

type gainState struct {
	Gain float64 `json:"gain"`
}

func (p *gainPlugin) Info() Info      { return GainFactory{}.Info() }
func (p *gainPlugin) Handle() *Handle { return p.handle }

func (p *gainPlugin) processBlock(in, out [][]float32, frames int) {
	g := float32(math.Float64frombits(p.gain.Load()))
	for ch := range out {
		dst := out[ch][:frames]
		if ch < len(in) {
			src := in[ch][:frames]
			for i := range dst {
				dst[i] = src[i] * g
			}
		} else {
			clear(dst)
		}
	}
}

func (p *gainPlugin) GetParameter(name string) (float64, error) {
	if name != "gain" {
		return 0, fmt.Errorf("unknown parameter %q", name)
	}
	return math.Float64frombits(p.gain.Load()), nil
}

func (p *gainPlugin) SetParameter(name string, value float64) error {
	if name != "gain" {
		return fmt.Errorf("unknown parameter %q", name)
	}
	if value < 0 || value > 4 {
		return fmt.Errorf("gain %g out of range [0, 4]", value)
	}
	p.gain.Store(math.Float64bits(value))
	return nil
}

func (p *gainPlugin) Parameters() []string { return []string{"gain"} }

func (p *gainPlugin) SaveState() ([]byte, error) {
	return json.Marshal(gainState{Gain: math.Float64frombits(p.gain.Load())})
}

func (p *gainPlugin) LoadState(data []byte) error {
	var s gainState
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("failed to parse gain state: %w", err)
	}
	return p.SetParameter("gain", s.Gain)
}

func (p *gainPlugin) OpenGUI() error {
	return errors.New("plugin has no GUI")
}

func (p *gainPlugin) Destroy() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.destroyed {
		return errors.New("plugin already destroyed")
	}
	p.destroyed = true
	return nil
}
