// SPDX-License-Identifier: MIT
package udp

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"emgscope/internal/log"
)

// WindowProvider supplies the latest processed window of the selected
// channel. WindowInto appends into dst[:0] and returns the result along
// with the channel index.
type WindowProvider interface {
	WindowInto(dst []float32) ([]float32, int)
}

// MaxSamplesPerPacket bounds the payload so a packet stays inside a
// single UDP datagram.
const MaxSamplesPerPacket = 8192

// UDPPublisher sends the latest window of the selected channel to a
// UDPSender once per interval. Start and Stop may be called repeatedly.
type UDPPublisher struct {
	logger   *zap.Logger
	sender   *UDPSender
	source   WindowProvider
	interval time.Duration

	mu   sync.Mutex
	stop chan struct{} // nil while stopped
	done chan struct{}

	seq    uint32
	window []float32
	packet bytes.Buffer
}

// NewUDPPublisher creates a stopped publisher. A non-positive interval
// falls back to 16ms, roughly one packet per display frame.
func NewUDPPublisher(interval time.Duration, sender *UDPSender, source WindowProvider) (*UDPPublisher, error) {
	if sender == nil {
		return nil, errors.New("udp publisher: nil sender")
	}
	if source == nil {
		return nil, errors.New("udp publisher: nil window provider")
	}
	logger := log.With(zap.String("component", "udp-publisher"))
	if interval <= 0 {
		interval = 16 * time.Millisecond
		logger.Warn("invalid publish interval, using default", zap.Duration("interval", interval))
	}
	return &UDPPublisher{
		logger:   logger,
		sender:   sender,
		source:   source,
		interval: interval,
		window:   make([]float32, 0, 512),
	}, nil
}

// Start launches the publishing goroutine unless it is already running.
func (p *UDPPublisher) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stop != nil {
		return
	}
	p.stop = make(chan struct{})
	p.done = make(chan struct{})
	go p.run(p.stop, p.done)
	p.logger.Info("publishing windows", zap.Duration("interval", p.interval),
		zap.Stringer("target", p.sender.Target()))
}

func (p *UDPPublisher) run(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.publish()
		case <-stop:
			return
		}
	}
}

// Stop halts publishing and waits for the goroutine to exit.
func (p *UDPPublisher) Stop() error {
	p.mu.Lock()
	stop, done := p.stop, p.done
	p.stop, p.done = nil, nil
	p.mu.Unlock()
	if stop == nil {
		return nil
	}
	close(stop)
	<-done
	p.logger.Debug("publisher stopped", zap.Uint32("packets", p.seq))
	return nil
}

// Close stops the publisher.
func (p *UDPPublisher) Close() error { return p.Stop() }

/*
UDP Packet Structure (BigEndian)

+-----------------------------------------------------------------------------+
| Field             | Data Type      | Size (Bytes) | Description             |
|-------------------|----------------|--------------|-------------------------|
| Sequence Number   | uint32         | 4            | Monotonically increasing|
| Timestamp         | int64          | 8            | Nanoseconds since epoch |
| Channel           | uint16         | 2            | Selected EMG channel    |
| Sample Count      | uint16         | 2            | Number of floats (N)    |
| Samples           | []float32      | N * 4        | Processed window        |
+-----------------------------------------------------------------------------+

|<---- 4 Bytes ---->|<------ 8 Bytes ------>|<- 2 B ->|<- 2 B ->|<--- N * 4 Bytes --->|
+-------------------+-----------------------+---------+---------+---------------------+
|  Sequence Number  |       Timestamp       | Channel |  Count  |       Samples       |
+-------------------+-----------------------+---------+---------+---------------------+
*/

// HeaderSize is the number of bytes before the sample payload.
const HeaderSize = 4 + 8 + 2 + 2

// Packet is a decoded publisher datagram.
type Packet struct {
	Sequence  uint32
	Timestamp int64
	Channel   uint16
	Samples   []float32
}

// AppendPacket packs one datagram into buf.
func AppendPacket(buf *bytes.Buffer, seq uint32, timestamp int64, channel int, samples []float32) error {
	if len(samples) > MaxSamplesPerPacket {
		samples = samples[len(samples)-MaxSamplesPerPacket:]
	}
	err := binary.Write(buf, binary.BigEndian, seq)
	if err == nil {
		err = binary.Write(buf, binary.BigEndian, timestamp)
	}
	if err == nil {
		err = binary.Write(buf, binary.BigEndian, uint16(channel))
	}
	if err == nil {
		err = binary.Write(buf, binary.BigEndian, uint16(len(samples)))
	}
	if err == nil {
		err = binary.Write(buf, binary.BigEndian, samples)
	}
	return err
}

// ParsePacket decodes a datagram produced by the publisher.
func ParsePacket(data []byte) (Packet, error) {
	if len(data) < HeaderSize {
		return Packet{}, fmt.Errorf("packet too short: %d bytes", len(data))
	}
	p := Packet{
		Sequence:  binary.BigEndian.Uint32(data[0:4]),
		Timestamp: int64(binary.BigEndian.Uint64(data[4:12])),
		Channel:   binary.BigEndian.Uint16(data[12:14]),
	}
	n := int(binary.BigEndian.Uint16(data[14:16]))
	if len(data) != HeaderSize+n*4 {
		return Packet{}, fmt.Errorf("packet length %d does not match %d samples", len(data), n)
	}
	p.Samples = make([]float32, n)
	if err := binary.Read(bytes.NewReader(data[HeaderSize:]), binary.BigEndian, p.Samples); err != nil {
		return Packet{}, err
	}
	return p, nil
}

// publish sends one packet for the current window. Empty windows are
// skipped and do not consume a sequence number.
func (p *UDPPublisher) publish() {
	var channel int
	p.window, channel = p.source.WindowInto(p.window[:0])
	if len(p.window) == 0 {
		return
	}
	p.seq++
	p.packet.Reset()
	if err := AppendPacket(&p.packet, p.seq, time.Now().UnixNano(), channel, p.window); err != nil {
		p.logger.Error("pack window", zap.Error(err))
		return
	}
	// The sender reports its own failures.
	_ = p.sender.Send(p.packet.Bytes())
}
