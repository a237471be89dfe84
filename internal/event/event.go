// Package event defines the typed notifications exchanged between the
// acquisition client, the stream processor, the view layer and their
// consumers, and a small non-blocking publish/subscribe bus to carry them.
package event

import (
	"fmt"

	"emgscope/internal/protocol"
)

// Event is implemented by every notification type.
type Event interface {
	event()
}

// ConnectionState is the client's connection status.
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	default:
		return fmt.Sprintf("ConnectionState(%d)", int(s))
	}
}

// BlockReceived is published by the client for every decoded frame.
type BlockReceived struct {
	Block protocol.Block
	Seq   uint64
}

// BlockStored is published by the processor after a block has been
// copied into its buffers.
type BlockStored struct {
	Block protocol.Block
}

// ConnectionChanged reports a client state transition with a human
// readable message.
type ConnectionChanged struct {
	State   ConnectionState
	Message string
}

// PauseChanged reports the processor's pause state ("Paused"/"Resumed").
type PauseChanged struct {
	Paused  bool
	Message string
}

// DataUpdated carries the processed realtime window of one channel.
type DataUpdated struct {
	Channel int
	Filter  string
	Samples []float32
}

// FullDataUpdated carries the full history of one channel.
type FullDataUpdated struct {
	Channel int
	Samples []float32
}

// Warning reports a recoverable condition such as insufficient data.
type Warning struct {
	Source  string
	Message string
}

// Status carries simulator lifecycle messages.
type Status struct {
	Source  string
	Message string
}

func (BlockReceived) event()     {}
func (BlockStored) event()       {}
func (ConnectionChanged) event() {}
func (PauseChanged) event()      {}
func (DataUpdated) event()       {}
func (FullDataUpdated) event()   {}
func (Warning) event()           {}
func (Status) event()            {}
