package devices

import (
	"errors"
	"sync"
	"time"
)

// NullDriver renders into a discard buffer at block cadence with no audio
// hardware. It is used by tests and by headless operation.
type NullDriver struct {
	cfg Config

	mu        sync.Mutex
	isRunning bool
	stop      chan struct{}
	done      chan struct{}
}

// NewNullDriver creates a driver that discards its output.
func NewNullDriver(cfg Config) (*NullDriver, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &NullDriver{cfg: cfg}, nil
}

// SampleRate implements Driver.
func (d *NullDriver) SampleRate() int { return d.cfg.SampleRate }

// Channels implements Driver.
func (d *NullDriver) Channels() int { return d.cfg.Channels }

// Start begins invoking render on a ticker at the block period.
func (d *NullDriver) Start(render RenderFunc) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.isRunning {
		return errors.New("driver is already running")
	}

	period := time.Duration(d.cfg.BlockSize) * time.Second / time.Duration(d.cfg.SampleRate)
	buf := make([]float32, d.cfg.BlockSize*d.cfg.Channels)
	d.stop = make(chan struct{})
	d.done = make(chan struct{})

	go func(stop, done chan struct{}) {
		defer close(done)
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				render(buf)
			}
		}
	}(d.stop, d.done)

	d.isRunning = true
	return nil
}

// Stop halts the render loop and waits for it to exit.
func (d *NullDriver) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.isRunning {
		return nil
	}
	close(d.stop)
	<-d.done
	d.isRunning = false
	return nil
}
