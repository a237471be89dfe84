package client

import (
	"context"
	"net"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"emgscope/internal/config"
	"emgscope/internal/protocol"
)

// FramingMode selects how the receive loop treats short reads.
type FramingMode int

const (
	// Reassemble accumulates partial reads until a full frame is present.
	Reassemble FramingMode = iota
	// Strict drops any single read that is neither empty nor exactly one frame.
	Strict
)

func (m FramingMode) String() string {
	if m == Strict {
		return config.FramingStrict
	}
	return config.FramingReassemble
}

// DialFunc opens a stream connection.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Options configures a Client.
type Options struct {
	Shape          protocol.Shape // Expected frame shape.
	ConnectTimeout time.Duration  // Per-attempt dial timeout.
	ReadTimeout    time.Duration  // Read deadline so the loop can observe shutdown.
	MaxAttempts    int            // Dial attempts per Connect.
	Backoff        time.Duration  // Fixed delay between attempts.
	Framing        FramingMode
	QueueSize      int  // Capacity of the Blocks channel.
	AutoReconnect  bool // Reconnect after read or write failures.

	// Dial overrides the network dialer; tests use it to count attempts.
	Dial DialFunc
	// OnReconnected runs on the reconnect goroutine after an automatic
	// reconnect succeeds. The new session knows nothing of the previous
	// one's channel or pause state.
	OnReconnected func()
	// Registerer receives the client's Prometheus metrics when set.
	Registerer prometheus.Registerer
}

// DefaultOptions returns options for the broadcast protocol.
func DefaultOptions() Options {
	return Options{
		Shape:          protocol.Broadcast.Shape(protocol.DefaultSamplesPerChannel),
		ConnectTimeout: config.DefaultConnectTimeout,
		ReadTimeout:    config.DefaultReadTimeout,
		MaxAttempts:    config.DefaultMaxAttempts,
		Backoff:        config.DefaultBackoff,
		Framing:        Reassemble,
		QueueSize:      config.DefaultQueueSize,
		AutoReconnect:  true,
	}
}

// OptionsFromConfig maps the client and stream sections of cfg.
func OptionsFromConfig(cfg *config.Config) Options {
	opts := DefaultOptions()
	opts.Shape = cfg.FrameShape()
	opts.ConnectTimeout = cfg.Client.ConnectTimeout
	opts.ReadTimeout = cfg.Client.ReadTimeout
	opts.MaxAttempts = cfg.Client.MaxAttempts
	opts.Backoff = cfg.Client.Backoff
	opts.QueueSize = cfg.Client.QueueSize
	if cfg.Client.Framing == config.FramingStrict {
		opts.Framing = Strict
	}
	return opts
}

func (o *Options) normalize() {
	d := DefaultOptions()
	if !o.Shape.Valid() {
		o.Shape = d.Shape
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = d.ConnectTimeout
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = d.ReadTimeout
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = d.MaxAttempts
	}
	if o.Backoff < 0 {
		o.Backoff = 0
	}
	if o.QueueSize <= 0 {
		o.QueueSize = d.QueueSize
	}
	if o.Dial == nil {
		o.Dial = (&net.Dialer{}).DialContext
	}
}
