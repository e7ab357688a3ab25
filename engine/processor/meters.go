package processor

// PeakMeter tracks the peak level of a channel with instant attack and an
// exponential ~300 ms decay.
type PeakMeter struct {
	peak float32
}

const meterTau = 0.3 // seconds

// Update folds one block of samples into the meter and returns the level.
func (m *PeakMeter) Update(sampleRate int, samples []float32) float32 {
	var peak float32
	for _, s := range samples {
		if s < 0 {
			s = -s
		}
		if s > peak {
			peak = s
		}
	}

	dt := float32(len(samples)) / float32(sampleRate)
	a := dt / (dt + meterTau)

	if peak >= m.peak {
		m.peak = peak
	} else {
		m.peak += a * (peak - m.peak)
	}
	return m.peak
}

// Value returns the current level.
func (m *PeakMeter) Value() float32 { return m.peak }

// VUMeter tracks the average rectified level of a channel with symmetric
// ~300 ms rise and fall smoothing.
type VUMeter struct {
	vu float32
}

// Update folds one block of samples into the meter and returns the level.
func (m *VUMeter) Update(sampleRate int, samples []float32) float32 {
	if len(samples) == 0 {
		return m.vu
	}

	var sum float32
	for _, s := range samples {
		if s < 0 {
			s = -s
		}
		sum += s
	}
	avg := sum / float32(len(samples))

	dt := float32(len(samples)) / float32(sampleRate)
	a := dt / (dt + meterTau)
	m.vu += a * (avg - m.vu)
	return m.vu
}

// Value returns the current level.
func (m *VUMeter) Value() float32 { return m.vu }
