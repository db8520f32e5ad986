package main

import (
	"math"
	"time"

	"github.com/google/uuid"

	"LiveWire-Runtime/internal/core/address"
	"LiveWire-Runtime/internal/livestream"
)

const spectrumBins = 16

// meterBox is stable across processes so a consumer can subscribe without
// asking the producer.
var meterBox = uuid.NewSHA1(uuid.NameSpaceOID, []byte("livewire/demo-meters"))

// meterBank fakes the values an audio engine would publish.
type meterBank struct {
	start    time.Time
	frames   int32
	spectrum []float32
	level    address.Address
	counter  address.Address
	bins     address.Address
	peaks    address.Address
}

func newMeterBank(start time.Time) *meterBank {
	return &meterBank{
		start:    start,
		spectrum: make([]float32, spectrumBins),
		level:    address.New(meterBox, 0),
		counter:  address.New(meterBox, 1),
		bins:     address.New(meterBox, 2),
		peaks:    address.New(meterBox, 3),
	}
}

func (m *meterBank) register(b *livestream.Broadcaster) {
	b.BroadcastFloat(m.level, func() float32 {
		return float32(math.Abs(math.Sin(m.elapsed())))
	})
	b.BroadcastInteger(m.counter, func() int32 {
		m.frames++
		return m.frames
	})
	b.BroadcastFloats(m.bins, m.spectrum, func() {
		t := m.elapsed()
		for i := range m.spectrum {
			m.spectrum[i] = float32(0.5 + 0.5*math.Sin(t*float64(i+1)))
		}
	})
	// The number of peaks varies, as with a clip detector.
	b.BroadcastIntegersFunc(m.peaks, func() []int32 {
		n := int(m.elapsed()) % 4
		out := make([]int32, n)
		for i := range out {
			out[i] = int32(i * spectrumBins / 4)
		}
		return out
	})
}

func (m *meterBank) elapsed() float64 { return time.Since(m.start).Seconds() }

func (m *meterBank) addresses() []string {
	return []string{
		"float/" + m.level.String(),
		"integer/" + m.counter.String(),
		"floats/" + m.bins.String(),
		"integers/" + m.peaks.String(),
	}
}
