package livestream

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	framesWritten = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "livewire",
		Subsystem: "livestream",
		Name:      "frames_written_total",
		Help:      "Data frames serialized by broadcasters.",
	})
	framesSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "livewire",
		Subsystem: "livestream",
		Name:      "frames_skipped_total",
		Help:      "Flushes skipped because the consumer still held the buffer.",
	})
	framesDispatched = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "livewire",
		Subsystem: "livestream",
		Name:      "frames_dispatched_total",
		Help:      "Data frames dispatched to subscribers by receivers.",
	})
	staleFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "livewire",
		Subsystem: "livestream",
		Name:      "stale_frames_total",
		Help:      "Frames whose version did not match the known structure.",
	}, []string{"action"})
	structureVersion = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "livewire",
		Subsystem: "livestream",
		Name:      "structure_version",
		Help:      "Latest structure version per side.",
	}, []string{"side"})
	bufferBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "livewire",
		Subsystem: "livestream",
		Name:      "buffer_bytes",
		Help:      "Size of the current broadcaster data buffer.",
	})
)
