package simulator

import (
	"context"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"emgscope/internal/dataset"
	"emgscope/internal/event"
	"emgscope/internal/protocol"
)

// levelRecord has `channels` channels where every sample of channel c in
// window k is 100*c + k.
func levelRecord(channels, samples, windows int) *dataset.Record {
	bio := make([][][]float32, channels)
	for c := range bio {
		bio[c] = make([][]float32, samples)
		for s := range bio[c] {
			row := make([]float32, windows)
			for k := range row {
				row[k] = float32(100*c + k)
			}
			bio[c][s] = row
		}
	}
	return &dataset.Record{
		Device:    dataset.DeviceInfo{Channels: channels, SamplingFrequency: 2000},
		Biosignal: bio,
	}
}

func startServer(t *testing.T, rec *dataset.Record, version protocol.Version, bus *event.Bus) *Server {
	t.Helper()
	opts := DefaultOptions()
	opts.Listen = "127.0.0.1:0"
	opts.Version = version
	opts.Interval = time.Millisecond
	opts.PausePoll = 10 * time.Millisecond
	s, err := New(rec, opts, bus)
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(s.Stop)
	return s
}

func dial(t *testing.T, s *Server) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", s.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readBlock(t *testing.T, conn net.Conn, shape protocol.Shape) protocol.Block {
	t.Helper()
	buf := make([]byte, shape.FrameBytes())
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err := io.ReadFull(conn, buf)
	require.NoError(t, err)
	b, err := protocol.Decode(buf, shape)
	require.NoError(t, err)
	return b
}

func TestBroadcastFramesWrapAround(t *testing.T) {
	rec := levelRecord(4, 18, 3)
	s := startServer(t, rec, protocol.Broadcast, nil)
	shape := protocol.Broadcast.Shape(18)
	assert.Equal(t, shape, s.Shape())

	conn := dial(t, s)
	for i := range 7 {
		b := readBlock(t, conn, shape)
		k := i % 3
		for c := range 4 {
			assert.Equal(t, float32(100*c+k), b.Channel(c)[0], "frame %d channel %d", i, c)
		}
		assert.Equal(t, float32(0), b.Channel(31)[17], "missing channels are zero")
	}
}

func TestSingleFollowsChannelCommands(t *testing.T) {
	rec := levelRecord(3, 18, 2)
	s := startServer(t, rec, protocol.Single, nil)
	shape := protocol.Single.Shape(18)

	conn := dial(t, s)
	first := readBlock(t, conn, shape)
	assert.Less(t, first.Data[0], float32(100), "channel 0 by default")

	_, err := conn.Write(protocol.Switch(2).Bytes())
	require.NoError(t, err)

	found := false
	for range 200 {
		b := readBlock(t, conn, shape)
		if b.Data[0] >= 200 {
			found = true
			break
		}
	}
	assert.True(t, found, "frames switched to channel 2")
}

func TestClientPauseStopsFrames(t *testing.T) {
	rec := levelRecord(1, 18, 4)
	s := startServer(t, rec, protocol.Single, nil)
	conn := dial(t, s)
	readBlock(t, conn, protocol.Single.Shape(18))

	_, err := conn.Write([]byte("pause"))
	require.NoError(t, err)

	// Drain whatever was in flight, then expect silence.
	buf := make([]byte, 4096)
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
		if _, err := conn.Read(buf); err != nil {
			var ne net.Error
			require.ErrorAs(t, err, &ne)
			require.True(t, ne.Timeout())
			break
		}
	}
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, err = conn.Read(buf)
	require.Error(t, err)

	_, err = conn.Write([]byte("resume"))
	require.NoError(t, err)
	readBlock(t, conn, protocol.Single.Shape(18))
}

func TestMultipleClientsAndStop(t *testing.T) {
	bus := event.NewBus()
	sub, unsubscribe := bus.Subscribe(256)
	defer unsubscribe()

	rec := levelRecord(2, 18, 2)
	s := startServer(t, rec, protocol.Broadcast, bus)
	shape := protocol.Broadcast.Shape(18)

	a, b := dial(t, s), dial(t, s)
	readBlock(t, a, shape)
	readBlock(t, b, shape)
	require.Eventually(t, func() bool { return s.ClientCount() == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond) // let the two-window record wrap

	s.Stop()
	assert.Zero(t, s.ClientCount())

	require.NoError(t, a.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err := io.ReadAll(a)
	assert.NoError(t, err, "connection closed by server")

	var msgs []string
	for len(sub) > 0 {
		if st, ok := (<-sub).(event.Status); ok {
			msgs = append(msgs, st.Message)
		}
	}
	joined := strings.Join(msgs, "\n")
	assert.Contains(t, joined, "Data loaded successfully")
	assert.Contains(t, joined, "Server started on")
	assert.Contains(t, joined, "New connection from")
	assert.Contains(t, joined, "Restarting data transmission")
	assert.Contains(t, joined, "Server stopped")
}

func TestTogglePause(t *testing.T) {
	rec := levelRecord(1, 18, 2)
	s, err := New(rec, DefaultOptions(), nil)
	require.NoError(t, err)
	assert.Equal(t, 9*time.Millisecond, s.Interval())

	assert.True(t, s.TogglePause())
	assert.True(t, s.Paused())
	assert.False(t, s.TogglePause())
}

func TestNewRejectsEmptyRecord(t *testing.T) {
	_, err := New(nil, DefaultOptions(), nil)
	assert.Error(t, err)
}

func TestStartTwice(t *testing.T) {
	s := startServer(t, levelRecord(1, 18, 1), protocol.Single, nil)
	assert.ErrorIs(t, s.Start(context.Background()), ErrRunning)
}
