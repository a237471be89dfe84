package stream

import (
	"github.com/prometheus/client_golang/prometheus"

	"emgscope/internal/config"
	"emgscope/internal/protocol"
)

// Options configures a Processor.
type Options struct {
	Shape            protocol.Shape
	RealtimeCapacity int    // Packets held for realtime reads.
	Policy           Policy // Realtime read policy.
	HistoryCap       int    // Packets held in history; 0 keeps everything.

	// Registerer receives buffer and processor metrics when set.
	Registerer prometheus.Registerer
}

// DefaultOptions returns the broadcast defaults.
func DefaultOptions() Options {
	return Options{
		Shape:            protocol.Broadcast.Shape(protocol.DefaultSamplesPerChannel),
		RealtimeCapacity: config.DefaultRealtimeCapacity,
		Policy:           PolicyRing,
		HistoryCap:       config.DefaultHistoryCap,
	}
}

// OptionsFromConfig maps the stream section of cfg.
func OptionsFromConfig(cfg *config.Config) Options {
	opts := DefaultOptions()
	opts.Shape = cfg.FrameShape()
	opts.RealtimeCapacity = cfg.Stream.RealtimeCapacity
	opts.HistoryCap = cfg.Stream.HistoryCap
	if p, err := ParsePolicy(cfg.Stream.RealtimePolicy); err == nil {
		opts.Policy = p
	}
	return opts
}
