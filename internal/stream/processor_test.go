package stream

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"emgscope/internal/buffer"
	"emgscope/internal/event"
	"emgscope/internal/protocol"
)

type fakeCommander struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeCommander) record(c protocol.Command) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, c.String())
	return f.err
}

func (f *fakeCommander) Start(ch int) error         { return f.record(protocol.Start(ch)) }
func (f *fakeCommander) Pause() error               { return f.record(protocol.Pause()) }
func (f *fakeCommander) Resume() error              { return f.record(protocol.Resume()) }
func (f *fakeCommander) SwitchChannel(ch int) error { return f.record(protocol.Switch(ch)) }

func (f *fakeCommander) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

var singleShape = protocol.Single.Shape(protocol.DefaultSamplesPerChannel)

// constBlock fills every sample with v.
func constBlock(shape protocol.Shape, v float32) protocol.Block {
	b := protocol.NewBlock(shape)
	for i := range b.Data {
		b.Data[i] = v
	}
	return b
}

func newProcessor(t *testing.T, opts Options) (*Processor, *fakeCommander) {
	t.Helper()
	cmd := &fakeCommander{}
	p, err := New(opts, cmd, nil)
	require.NoError(t, err)
	return p, cmd
}

func singleOptions(policy Policy, capacity int) Options {
	opts := DefaultOptions()
	opts.Shape = singleShape
	opts.Policy = policy
	opts.RealtimeCapacity = capacity
	return opts
}

func TestRealtimeWindowTenFrames(t *testing.T) {
	for _, policy := range []Policy{PolicyRing, PolicyDrain} {
		t.Run(string(policy), func(t *testing.T) {
			p, _ := newProcessor(t, singleOptions(policy, 10))
			for i := range 10 {
				require.NoError(t, p.HandleBlock(constBlock(singleShape, float32(i))))
			}

			got := p.RealtimeWindow(0)
			require.Len(t, got, 180)
			for i, v := range got {
				assert.Equal(t, float32(i/18), v, "index %d", i)
			}

			again := p.RealtimeWindow(0)
			if policy == PolicyDrain {
				assert.Empty(t, again)
			} else {
				assert.Equal(t, got, again)
			}
		})
	}
}

func TestRealtimeWindowDropsOldest(t *testing.T) {
	p, _ := newProcessor(t, singleOptions(PolicyRing, 3))
	for i := range 5 {
		require.NoError(t, p.HandleBlock(constBlock(singleShape, float32(i))))
	}
	got := p.RealtimeWindow(0)
	require.Len(t, got, 3*18)
	assert.Equal(t, float32(2), got[0])
	assert.Equal(t, float32(4), got[len(got)-1])

	// History keeps everything up to its own cap.
	assert.Len(t, p.FullHistory(0), 5*18)
}

func TestWindowLengthIsMultipleOfSamples(t *testing.T) {
	shape := protocol.Broadcast.Shape(protocol.DefaultSamplesPerChannel)
	opts := DefaultOptions()
	opts.Shape = shape
	p, _ := newProcessor(t, opts)

	for n := 1; n <= 4; n++ {
		require.NoError(t, p.HandleBlock(constBlock(shape, 1)))
		for _, ch := range []int{0, 15, 31} {
			assert.Len(t, p.RealtimeWindow(ch), n*shape.Samples)
		}
	}
}

func TestInvalidChannelReturnsEmpty(t *testing.T) {
	p, _ := newProcessor(t, singleOptions(PolicyRing, 10))
	require.NoError(t, p.HandleBlock(constBlock(singleShape, 3)))

	for _, ch := range []int{-1, 1, 32} {
		assert.Empty(t, p.RealtimeWindow(ch))
		assert.Empty(t, p.FullHistory(ch))
		assert.Zero(t, p.RMS(ch))
	}
}

func TestShapeMismatchDropped(t *testing.T) {
	p, _ := newProcessor(t, singleOptions(PolicyRing, 10))
	err := p.HandleBlock(constBlock(protocol.Shape{Channels: 1, Samples: 12}, 1))
	require.ErrorIs(t, err, protocol.ErrFraming)

	st := p.Stats()
	assert.Equal(t, int64(1), st.Rejected)
	assert.Zero(t, st.Buffered)
	assert.Empty(t, p.RealtimeWindow(0))
}

func TestPauseFreezesStorage(t *testing.T) {
	bus := event.NewBus()
	sub, unsubscribe := bus.Subscribe(16)
	defer unsubscribe()

	cmd := &fakeCommander{}
	p, err := New(singleOptions(PolicyRing, 100), cmd, bus)
	require.NoError(t, err)
	require.NoError(t, p.Start(0))

	for range 3 {
		require.NoError(t, p.HandleBlock(constBlock(singleShape, 1)))
	}
	before := p.Stats()

	paused, err := p.TogglePause()
	require.NoError(t, err)
	assert.True(t, paused)
	assert.Equal(t, Paused, p.State())

	for range 5 {
		require.NoError(t, p.HandleBlock(constBlock(singleShape, 2)))
	}
	during := p.Stats()
	assert.Equal(t, before.Buffered, during.Buffered)
	assert.Equal(t, before.History, during.History)
	assert.Equal(t, before.Samples, during.Samples)
	assert.Equal(t, int64(5), during.Discarded)

	paused, err = p.TogglePause()
	require.NoError(t, err)
	assert.False(t, paused)
	require.NoError(t, p.HandleBlock(constBlock(singleShape, 3)))
	assert.Equal(t, before.Samples+18, p.Stats().Samples)

	assert.Equal(t, []string{"start:channel:0", "pause", "resume"}, cmd.Calls())

	var msgs []string
	for len(msgs) < 2 {
		select {
		case e := <-sub:
			if pc, ok := e.(event.PauseChanged); ok {
				msgs = append(msgs, pc.Message)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for pause events")
		}
	}
	assert.Equal(t, []string{"Paused", "Resumed"}, msgs)
}

func TestTogglePauseCommandError(t *testing.T) {
	cmd := &fakeCommander{err: errors.New("not connected")}
	p, err := New(singleOptions(PolicyRing, 10), cmd, nil)
	require.NoError(t, err)

	paused, err := p.TogglePause()
	require.Error(t, err)
	assert.True(t, paused)
	assert.True(t, p.Paused())
}

func TestStartValidatesChannel(t *testing.T) {
	p, cmd := newProcessor(t, singleOptions(PolicyRing, 10))
	assert.ErrorIs(t, p.Start(32), ErrInvalidChannel)
	assert.ErrorIs(t, p.Start(-1), ErrInvalidChannel)
	assert.Empty(t, cmd.Calls())
	assert.Equal(t, Idle, p.State())

	require.NoError(t, p.Start(7))
	assert.Equal(t, Running, p.State())
	assert.Equal(t, 7, p.Channel())
}

func TestRMSIsIdempotent(t *testing.T) {
	p, _ := newProcessor(t, singleOptions(PolicyRing, 10))
	require.NoError(t, p.HandleBlock(constBlock(singleShape, 3)))
	require.NoError(t, p.HandleBlock(constBlock(singleShape, -4)))

	first := p.RMS(0)
	second := p.RMS(0)
	assert.Equal(t, first, second)
	assert.InDelta(t, 3.5355339, first, 1e-6)
}

func TestRMSEmptyHistory(t *testing.T) {
	p, _ := newProcessor(t, singleOptions(PolicyRing, 10))
	assert.Zero(t, p.RMS(0))
}

func TestHistoryCap(t *testing.T) {
	opts := singleOptions(PolicyRing, 10)
	opts.HistoryCap = 4
	p, _ := newProcessor(t, opts)
	for i := range 6 {
		require.NoError(t, p.HandleBlock(constBlock(singleShape, float32(i))))
	}
	h := p.FullHistory(0)
	require.Len(t, h, 4*18)
	assert.Equal(t, float32(2), h[0])

	st := p.Stats()
	assert.Equal(t, int64(2), st.Evicted)
	assert.Equal(t, int64(6), st.Packets)
	assert.Equal(t, 2.0, testutil.ToFloat64(p.blocks.WithLabelValues("evicted")))
}

func TestUnboundedHistoryNeverEvicts(t *testing.T) {
	opts := singleOptions(PolicyRing, 2)
	opts.HistoryCap = 0
	p, _ := newProcessor(t, opts)
	for range 10 {
		require.NoError(t, p.HandleBlock(constBlock(singleShape, 1)))
	}
	st := p.Stats()
	assert.Equal(t, 10, st.History)
	assert.Equal(t, 2, st.Buffered)
	assert.Zero(t, st.Evicted, "realtime ring overwrites are not evictions")
}

func TestRMSPublishesHistory(t *testing.T) {
	bus := event.NewBus()
	sub, unsubscribe := bus.Subscribe(8)
	defer unsubscribe()

	p, err := New(singleOptions(PolicyRing, 10), nil, bus)
	require.NoError(t, err)
	require.NoError(t, p.HandleBlock(constBlock(singleShape, 2)))

	assert.InDelta(t, 2.0, p.RMS(0), 1e-9)
	deadline := time.After(time.Second)
	for {
		select {
		case e := <-sub:
			if fd, ok := e.(event.FullDataUpdated); ok {
				assert.Equal(t, 0, fd.Channel)
				assert.Len(t, fd.Samples, 18)
				return
			}
		case <-deadline:
			t.Fatal("RMS published no FullDataUpdated event")
		}
	}
}

func TestFullHistoryPublishes(t *testing.T) {
	bus := event.NewBus()
	sub, unsubscribe := bus.Subscribe(8)
	defer unsubscribe()

	p, err := New(singleOptions(PolicyRing, 10), nil, bus)
	require.NoError(t, err)
	require.NoError(t, p.HandleBlock(constBlock(singleShape, 1)))

	p.FullHistory(0)
	deadline := time.After(time.Second)
	for {
		select {
		case e := <-sub:
			if fd, ok := e.(event.FullDataUpdated); ok {
				assert.Equal(t, 0, fd.Channel)
				assert.Len(t, fd.Samples, 18)
				return
			}
		case <-deadline:
			t.Fatal("no FullDataUpdated event")
		}
	}
}

func TestResyncRepeatsStreamState(t *testing.T) {
	p, cmd := newProcessor(t, singleOptions(PolicyRing, 10))
	require.NoError(t, p.Resync())
	assert.Empty(t, cmd.Calls(), "idle processor sends nothing")

	require.NoError(t, p.Start(6))
	require.NoError(t, p.Resync())
	assert.Equal(t, []string{"start:channel:6", "start:channel:6"}, cmd.Calls())

	_, err := p.TogglePause()
	require.NoError(t, err)
	require.NoError(t, p.Resync())
	assert.Equal(t, []string{"start:channel:6", "start:channel:6", "pause", "start:channel:6", "pause"}, cmd.Calls())
	assert.Equal(t, Paused, p.State(), "resync keeps local state")
}

func TestResyncCommandError(t *testing.T) {
	cmd := &fakeCommander{}
	p, err := New(singleOptions(PolicyRing, 10), cmd, nil)
	require.NoError(t, err)
	require.NoError(t, p.Start(1))

	cmd.err = errors.New("not connected")
	assert.ErrorContains(t, p.Resync(), "not connected")
	assert.Equal(t, Running, p.State())
}

func TestCloseRejectsBlocks(t *testing.T) {
	p, _ := newProcessor(t, singleOptions(PolicyRing, 10))
	require.NoError(t, p.HandleBlock(constBlock(singleShape, 1)))
	require.NoError(t, p.Close())

	assert.ErrorIs(t, p.HandleBlock(constBlock(singleShape, 2)), buffer.ErrClosed)
	st := p.Stats()
	assert.Equal(t, int64(1), st.Packets)
	assert.Equal(t, float32(1), p.RealtimeWindow(0)[0], "stored data stays readable")
}

func TestClearAndReset(t *testing.T) {
	p, _ := newProcessor(t, singleOptions(PolicyRing, 10))
	require.NoError(t, p.Start(0))
	require.NoError(t, p.HandleBlock(constBlock(singleShape, 1)))

	p.ClearHistory()
	st := p.Stats()
	assert.Zero(t, st.Buffered)
	assert.Zero(t, st.History)
	assert.Zero(t, st.Samples)
	assert.Equal(t, Running, st.State)

	p.Reset()
	assert.Equal(t, Idle, p.State())
}

func TestStoredBlockIsCopied(t *testing.T) {
	p, _ := newProcessor(t, singleOptions(PolicyRing, 10))
	b := constBlock(singleShape, 1)
	require.NoError(t, p.HandleBlock(b))
	b.Data[0] = 99
	assert.Equal(t, float32(1), p.RealtimeWindow(0)[0])
}

func TestRunConsumesChannel(t *testing.T) {
	p, _ := newProcessor(t, singleOptions(PolicyRing, 10))
	blocks := make(chan protocol.Block, 4)
	blocks <- constBlock(singleShape, 1)
	blocks <- constBlock(protocol.Shape{Channels: 2, Samples: 18}, 1)
	blocks <- constBlock(singleShape, 2)
	close(blocks)

	require.NoError(t, p.Run(context.Background(), blocks))
	st := p.Stats()
	assert.Equal(t, int64(2), st.Packets)
	assert.Equal(t, int64(1), st.Rejected)
}

func TestRunStopsOnCancel(t *testing.T) {
	p, _ := newProcessor(t, singleOptions(PolicyRing, 10))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, p.Run(ctx, make(chan protocol.Block)), context.Canceled)
}

func TestRunStopsOnClose(t *testing.T) {
	p, _ := newProcessor(t, singleOptions(PolicyRing, 10))
	require.NoError(t, p.Close())
	blocks := make(chan protocol.Block, 1)
	blocks <- constBlock(singleShape, 1)
	assert.ErrorIs(t, p.Run(context.Background(), blocks), buffer.ErrClosed)
}

func TestMetricsRegistered(t *testing.T) {
	reg := prometheus.NewRegistry()
	opts := singleOptions(PolicyRing, 10)
	opts.Registerer = reg
	p, _ := newProcessor(t, opts)
	require.NoError(t, p.HandleBlock(constBlock(singleShape, 1)))

	assert.Equal(t, 1.0, testutil.ToFloat64(p.blocks.WithLabelValues("stored")))
	n, err := testutil.GatherAndCount(reg, "emgscope_buffer_size")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
