// SPDX-License-Identifier: MIT
package udp

import (
	"bytes"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedWindow struct {
	mu      sync.Mutex
	samples []float32
	channel int
}

func (f *fixedWindow) WindowInto(dst []float32) ([]float32, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append(dst, f.samples...), f.channel
}

func TestPacketRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	samples := []float32{1.5, -2.25, 0}
	require.NoError(t, AppendPacket(&buf, 7, 123456789, 12, samples))
	assert.Equal(t, HeaderSize+len(samples)*4, buf.Len())

	p, err := ParsePacket(buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, uint32(7), p.Sequence)
	assert.Equal(t, int64(123456789), p.Timestamp)
	assert.Equal(t, uint16(12), p.Channel)
	assert.Equal(t, samples, p.Samples)

	_, err = ParsePacket(buf.Bytes()[:HeaderSize-1])
	assert.Error(t, err)
	_, err = ParsePacket(buf.Bytes()[:buf.Len()-1])
	assert.Error(t, err)
}

func TestPublisherSendsWindows(t *testing.T) {
	listener, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer listener.Close()

	sender, err := NewUDPSender(listener.LocalAddr().String())
	require.NoError(t, err)
	defer sender.Close()

	source := &fixedWindow{samples: []float32{0.1, 0.2, 0.3}, channel: 5}
	pub, err := NewUDPPublisher(5*time.Millisecond, sender, source)
	require.NoError(t, err)
	pub.Start()
	pub.Start() // no-op
	defer pub.Close()

	_ = listener.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 2048)
	n, _, err := listener.ReadFromUDP(buf)
	require.NoError(t, err)

	p, err := ParsePacket(buf[:n])
	require.NoError(t, err)
	assert.Equal(t, uint32(1), p.Sequence)
	assert.Equal(t, uint16(5), p.Channel)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, p.Samples)

	require.NoError(t, pub.Stop())
	require.NoError(t, pub.Stop())
	sent, _ := sender.Stats()
	assert.GreaterOrEqual(t, sent, uint64(1))
}

func TestPublisherSkipsEmptyWindow(t *testing.T) {
	listener, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer listener.Close()

	sender, err := NewUDPSender(listener.LocalAddr().String())
	require.NoError(t, err)
	defer sender.Close()

	pub, err := NewUDPPublisher(time.Millisecond, sender, &fixedWindow{})
	require.NoError(t, err)
	pub.publish()
	sent, _ := sender.Stats()
	assert.Zero(t, sent)
}

func TestNewUDPPublisherValidation(t *testing.T) {
	_, err := NewUDPPublisher(time.Millisecond, nil, &fixedWindow{})
	assert.Error(t, err)
}

func TestPublisherRestart(t *testing.T) {
	listener, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer listener.Close()

	sender, err := NewUDPSender(listener.LocalAddr().String())
	require.NoError(t, err)
	defer sender.Close()

	pub, err := NewUDPPublisher(0, sender, &fixedWindow{samples: []float32{1}})
	require.NoError(t, err)
	pub.Start()
	require.NoError(t, pub.Stop())
	pub.Start()
	defer pub.Close()

	_ = listener.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 64)
	n, _, err := listener.ReadFromUDP(buf)
	require.NoError(t, err)
	p, err := ParsePacket(buf[:n])
	require.NoError(t, err)
	assert.Equal(t, []float32{1}, p.Samples)
}

func TestSenderClosed(t *testing.T) {
	sender, err := NewUDPSender("127.0.0.1:9")
	require.NoError(t, err)
	require.NoError(t, sender.Close())
	require.NoError(t, sender.Close())
	assert.ErrorIs(t, sender.Send([]byte{1}), ErrSenderClosed)
}
