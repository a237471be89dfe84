package config

import (
	"math"
	"net"
	"strconv"
	"time"

	"emgscope/internal/protocol"
)

// Version returns the configured protocol version. Validate has already
// rejected unknown values, so the broadcast fallback is never hit for a
// loaded config.
func (c *Config) Version() protocol.Version {
	v, err := protocol.ParseVersion(c.Stream.Protocol)
	if err != nil {
		return protocol.Broadcast
	}
	return v
}

// FrameShape returns the (channels, samples) layout of one frame.
func (c *Config) FrameShape() protocol.Shape {
	return c.Version().Shape(c.Stream.SamplesPerChannel)
}

// FrameBytes returns the exact wire size of one frame.
func (c *Config) FrameBytes() int {
	return c.FrameShape().FrameBytes()
}

// PacketInterval is the simulator's pacing delay between frames.
func (c *Config) PacketInterval() time.Duration {
	if c.Simulator.SamplingRate <= 0 {
		return 0
	}
	return time.Duration(math.Round(float64(time.Second) * float64(c.Stream.SamplesPerChannel) / c.Simulator.SamplingRate))
}

// Address returns host:port for the client dial.
func (c *Config) Address() string {
	return net.JoinHostPort(c.Client.Host, strconv.Itoa(c.Client.Port))
}
