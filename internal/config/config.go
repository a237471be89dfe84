package config

import "time"

// Core configuration constants that define the boundaries and defaults
// for the acquisition client, the stream processor and the simulator.
const (
	// Client defaults
	DefaultHost           = "127.0.0.1"
	DefaultPort           = 12345
	DefaultConnectTimeout = 5 * time.Second
	DefaultReadTimeout    = 5 * time.Second
	DefaultMaxAttempts    = 3
	DefaultBackoff        = 1 * time.Second
	DefaultFraming        = FramingReassemble
	DefaultQueueSize      = 256 // Blocks buffered between receive loop and processor.

	// Stream defaults
	DefaultProtocol          = "broadcast"
	DefaultSamplesPerChannel = 18
	DefaultRealtimeCapacity  = 10   // Packets kept for the realtime view.
	DefaultRealtimePolicy    = PolicyRing
	DefaultHistoryCap        = 1000 // Packets kept for full-history queries, 0 = unbounded.

	// View defaults
	DefaultRMSWindowSize = 18
	DefaultFilter        = "raw"
	DefaultChannel       = 0
	DefaultRefresh       = 50 * time.Millisecond

	// Simulator defaults
	DefaultListen       = "127.0.0.1:12345"
	DefaultSamplingRate = 2000.0 // Hz, used when the dataset carries none.
	DefaultPausePoll    = 100 * time.Millisecond

	// Analysis defaults
	DefaultLowCut      = 20.0
	DefaultHighCut     = 500.0
	DefaultFilterOrder = 4
	DefaultFFTWindow   = "Hann"

	// Limits
	MaxChannels        = 32
	MinSamplingRate    = 100.0
	MaxSamplingRate    = 20000.0
	MaxQueueSize       = 1 << 16
	MaxFilterOrder     = 10
	MinPort            = 1
	MaxPort            = 65535
	MaxSamplesPerFrame = 4096
)

// Framing modes for the receive loop.
const (
	// FramingReassemble accumulates partial reads until a full frame is present.
	FramingReassemble = "reassemble"
	// FramingStrict discards any single read that is not exactly one frame.
	FramingStrict = "strict"
)

// Realtime buffer policies.
const (
	// PolicyRing keeps data after a read; old packets fall off the front.
	PolicyRing = "ring"
	// PolicyDrain empties the buffer on every read.
	PolicyDrain = "drain"
)
