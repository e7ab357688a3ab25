// Package devices is the audio device boundary. A Driver invokes the render
// callback at the device's block cadence with a fixed-size interleaved
// buffer; sample rate and channel count are fixed for the driver's lifetime,
// and changing them means building a new driver.
package devices

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/gen2brain/malgo"
	"go.uber.org/zap"
)

// RenderFunc fills one interleaved buffer of output samples. It runs on the
// device's real-time thread and must fully populate the buffer before
// returning.
type RenderFunc func(out []float32)

// Driver delivers the render callback at device cadence.
type Driver interface {
	Start(render RenderFunc) error
	Stop() error
	SampleRate() int
	Channels() int
}

// Info describes a playback device.
type Info struct {
	Name      string
	IsDefault bool
}

// List enumerates playback devices.
func List() ([]Info, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize audio context: %w", err)
	}
	defer func() {
		_ = ctx.Uninit()
		ctx.Free()
	}()

	infos, err := ctx.Devices(malgo.Playback)
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate playback devices: %w", err)
	}

	out := make([]Info, 0, len(infos))
	for _, info := range infos {
		out = append(out, Info{Name: info.Name(), IsDefault: info.IsDefault != 0})
	}
	return out, nil
}

// Config fixes a driver's audio format.
type Config struct {
	SampleRate int
	Channels   int
	// BlockSize is the requested period in frames; the device may deliver
	// a different period, which the render callback must tolerate.
	BlockSize int
}

func (c *Config) validate() error {
	if c.SampleRate <= 0 {
		c.SampleRate = 48000
	}
	if c.Channels <= 0 {
		c.Channels = 2
	}
	if c.BlockSize <= 0 {
		c.BlockSize = 512
	}
	if c.BlockSize < 16 || c.BlockSize > 8192 {
		return fmt.Errorf("block size %d outside [16, 8192]", c.BlockSize)
	}
	return nil
}

// Playback drives the default playback device through malgo.
type Playback struct {
	cfg Config
	log *zap.Logger

	mu        sync.Mutex
	isRunning bool
	ctx       *malgo.AllocatedContext
	device    *malgo.Device

	scratch []float32
}

// NewPlayback creates a playback driver.
func NewPlayback(cfg Config, log *zap.Logger) (*Playback, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Playback{
		cfg:     cfg,
		log:     log,
		scratch: make([]float32, 8192*cfg.Channels),
	}, nil
}

// SampleRate implements Driver.
func (p *Playback) SampleRate() int { return p.cfg.SampleRate }

// Channels implements Driver.
func (p *Playback) Channels() int { return p.cfg.Channels }

// Start opens the default playback device and begins invoking render.
func (p *Playback) Start(render RenderFunc) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.isRunning {
		return errors.New("driver is already running")
	}

	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		p.log.Debug("malgo", zap.String("message", message))
	})
	if err != nil {
		return fmt.Errorf("failed to initialize audio context: %w", err)
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Playback)
	deviceConfig.Playback.Format = malgo.FormatF32
	deviceConfig.Playback.Channels = uint32(p.cfg.Channels)
	deviceConfig.SampleRate = uint32(p.cfg.SampleRate)
	deviceConfig.PeriodSizeInFrames = uint32(p.cfg.BlockSize)

	callbacks := malgo.DeviceCallbacks{
		Data: func(pOutput, pInput []byte, frameCount uint32) {
			renderInto(pOutput, int(frameCount)*p.cfg.Channels, p.scratch, render)
		},
		Stop: func() {
			p.log.Warn("playback device stopped unexpectedly")
		},
	}

	device, err := malgo.InitDevice(ctx.Context, deviceConfig, callbacks)
	if err != nil {
		_ = ctx.Uninit()
		ctx.Free()
		return fmt.Errorf("failed to initialize playback device: %w", err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		_ = ctx.Uninit()
		ctx.Free()
		return fmt.Errorf("failed to start playback device: %w", err)
	}

	p.ctx = ctx
	p.device = device
	p.isRunning = true
	p.log.Info("playback started",
		zap.Int("sampleRate", p.cfg.SampleRate),
		zap.Int("channels", p.cfg.Channels),
		zap.Int("blockSize", p.cfg.BlockSize))
	return nil
}

// renderInto fills dst with samples values as little-endian float32 bytes,
// produced by render in scratch-sized chunks so a device period larger than
// the scratch is still written end to end. len(scratch) and samples must both
// be multiples of the channel count so chunks stay frame-aligned.
func renderInto(dst []byte, samples int, scratch []float32, render RenderFunc) {
	for off := 0; off < samples; {
		n := samples - off
		if n > len(scratch) {
			n = len(scratch)
		}
		buf := scratch[:n]
		render(buf)
		for i, v := range buf {
			binary.LittleEndian.PutUint32(dst[(off+i)*4:], math.Float32bits(v))
		}
		off += n
	}
}

// Stop halts the device and releases the context.
func (p *Playback) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.isRunning {
		return nil
	}
	_ = p.device.Stop()
	p.device.Uninit()
	_ = p.ctx.Uninit()
	p.ctx.Free()
	p.device = nil
	p.ctx = nil
	p.isRunning = false
	return nil
}
