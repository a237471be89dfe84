// SPDX-License-Identifier: MIT
/*
Package stream implements the stream processor: the single owner of the
realtime buffer, the history buffer, the sample counters and the pause
state.

Blocks arrive from the acquisition client on a channel and are stored by
one goroutine (Run). Queries come from the view layer on other goroutines;
a mutex serialises both sides. Callers never see internal storage: every
query returns freshly allocated slices.

State transitions:

	Idle --Start--> Running <--TogglePause--> Paused
	any  --Reset--> Idle

Only Paused gates storage. Blocks received while Idle are stored so a
source that streams without a start command is still visible.
*/
package stream

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"emgscope/internal/analysis"
	"emgscope/internal/buffer"
	"emgscope/internal/event"
	"emgscope/internal/log"
	"emgscope/internal/protocol"
)

// ErrInvalidChannel is returned by Start for channels outside 0..31.
var ErrInvalidChannel = errors.New("invalid channel")

// Commander forwards control commands to the data source.
type Commander interface {
	Start(channel int) error
	Pause() error
	Resume() error
	SwitchChannel(channel int) error
}

// Stats is a point-in-time view of the processor counters.
type Stats struct {
	State     State
	Channel   int
	Packets   int64 // Blocks stored since the last clear.
	Samples   int64 // Samples per channel stored since the last clear.
	Buffered  int   // Blocks in the realtime buffer.
	History   int   // Blocks in the history buffer.
	Rejected  int64 // Blocks dropped for a shape mismatch.
	Discarded int64 // Blocks dropped while paused.
	Evicted   int64 // Blocks pushed out of a capped history.
}

// evictLogEvery controls how often history evictions are logged.
const evictLogEvery = 1000

// Processor stores blocks and answers channel queries.
type Processor struct {
	opts   Options
	bus    *event.Bus
	cmd    Commander
	logger *zap.Logger

	mu        sync.Mutex
	state     State
	channel   int
	realtime  *buffer.Ring[protocol.Block]
	history   *buffer.Ring[protocol.Block]
	packets   int64
	samples   int64
	rejected  int64
	discarded int64
	evicted   atomic.Int64

	blocks *prometheus.CounterVec
}

// New creates an Idle processor. cmd and bus may be nil.
func New(opts Options, cmd Commander, bus *event.Bus) (*Processor, error) {
	if !opts.Shape.Valid() {
		return nil, fmt.Errorf("invalid frame shape %s", opts.Shape)
	}
	if opts.RealtimeCapacity < 1 {
		opts.RealtimeCapacity = 1
	}
	if opts.HistoryCap < 0 {
		opts.HistoryCap = 0
	}
	if opts.Policy == "" {
		opts.Policy = PolicyRing
	}

	realtime, err := buffer.NewRing(opts.RealtimeCapacity,
		buffer.WithMetrics[protocol.Block](opts.Registerer, "realtime"))
	if err != nil {
		return nil, fmt.Errorf("realtime buffer: %w", err)
	}
	p := &Processor{
		opts:     opts,
		bus:      bus,
		cmd:      cmd,
		logger:   log.With(zap.String("component", "processor")),
		realtime: realtime,
		blocks: promauto.With(opts.Registerer).NewCounterVec(prometheus.CounterOpts{
			Namespace: "emgscope",
			Subsystem: "processor",
			Name:      "blocks_total",
			Help:      "Blocks handled by the stream processor by result",
		}, []string{"result"}),
	}
	p.history, err = buffer.NewRing(opts.HistoryCap,
		buffer.WithMetrics[protocol.Block](opts.Registerer, "history"),
		buffer.WithDropCallback[protocol.Block](p.historyEvicted))
	if err != nil {
		return nil, fmt.Errorf("history buffer: %w", err)
	}
	return p, nil
}

// historyEvicted runs while HandleBlock holds mu, so it must not lock.
func (p *Processor) historyEvicted(protocol.Block) {
	n := p.evicted.Add(1)
	p.blocks.WithLabelValues("evicted").Inc()
	if n == 1 || n%evictLogEvery == 0 {
		p.logger.Warn("history cap reached, oldest blocks evicted",
			zap.Int("cap", p.opts.HistoryCap), zap.Int64("evicted", n))
	}
}

// Shape returns the configured frame shape.
func (p *Processor) Shape() protocol.Shape {
	return p.opts.Shape
}

// Policy returns the realtime read policy.
func (p *Processor) Policy() Policy {
	return p.opts.Policy
}

// State returns the current state.
func (p *Processor) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Paused reports whether storage is gated.
func (p *Processor) Paused() bool {
	return p.State() == Paused
}

// Channel returns the active channel.
func (p *Processor) Channel() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.channel
}

// SetChannel records the active channel without sending a command.
func (p *Processor) SetChannel(channel int) error {
	if channel < 0 || channel >= protocol.MaxChannels {
		return fmt.Errorf("%w: %d", ErrInvalidChannel, channel)
	}
	p.mu.Lock()
	p.channel = channel
	p.mu.Unlock()
	return nil
}

// HandleBlock validates and stores one block. A block of the wrong shape is
// logged and dropped. While Paused the block is discarded and the counters
// do not move. On success a BlockStored event is published. After Close it
// returns buffer.ErrClosed.
func (p *Processor) HandleBlock(b protocol.Block) error {
	if err := b.Validate(p.opts.Shape); err != nil {
		p.mu.Lock()
		p.rejected++
		p.mu.Unlock()
		p.blocks.WithLabelValues("rejected").Inc()
		p.logger.Warn("block dropped", zap.Error(err))
		return err
	}

	p.mu.Lock()
	if p.state == Paused {
		p.discarded++
		p.mu.Unlock()
		p.blocks.WithLabelValues("paused").Inc()
		return nil
	}
	stored := b.Clone()
	if err := p.realtime.Push(stored); err != nil {
		p.mu.Unlock()
		return err
	}
	if err := p.history.Push(stored); err != nil {
		p.mu.Unlock()
		return err
	}
	p.packets++
	p.samples += int64(p.opts.Shape.Samples)
	p.mu.Unlock()

	p.blocks.WithLabelValues("stored").Inc()
	p.bus.Publish(event.BlockStored{Block: stored})
	return nil
}

// concat joins the row of ch from every block, in order.
func concat(blocks []protocol.Block, ch int) []float32 {
	if len(blocks) == 0 {
		return nil
	}
	out := make([]float32, 0, len(blocks)*blocks[0].Shape.Samples)
	for _, b := range blocks {
		out = append(out, b.Channel(ch)...)
	}
	return out
}

func (p *Processor) validChannel(ch int) bool {
	return ch >= 0 && ch < p.opts.Shape.Channels
}

// RealtimeWindow returns the samples of ch from every block in the realtime
// buffer, oldest first. Under PolicyDrain the buffer is emptied by the read.
// An empty buffer or an out-of-range channel yields an empty result.
func (p *Processor) RealtimeWindow(ch int) []float32 {
	if !p.validChannel(ch) {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.opts.Policy == PolicyDrain {
		return concat(p.realtime.Drain(), ch)
	}
	return concat(p.realtime.Snapshot(), ch)
}

// FullHistory returns the samples of ch across the history buffer and
// publishes them as FullDataUpdated.
func (p *Processor) FullHistory(ch int) []float32 {
	if !p.validChannel(ch) {
		return nil
	}
	p.mu.Lock()
	out := concat(p.history.Snapshot(), ch)
	p.mu.Unlock()

	p.bus.Publish(event.FullDataUpdated{Channel: ch, Samples: out})
	return out
}

// RMS returns the root-mean-square of the history of ch, or 0 when there is
// no data or the channel is out of range. The history it reads is published
// as FullDataUpdated, the same as FullHistory.
func (p *Processor) RMS(ch int) float64 {
	return analysis.RMS(p.FullHistory(ch))
}

// Start selects channel, clears the pause state, moves to Running and asks
// the source to start streaming.
func (p *Processor) Start(channel int) error {
	if err := p.SetChannel(channel); err != nil {
		return err
	}
	p.mu.Lock()
	wasPaused := p.state == Paused
	p.state = Running
	p.mu.Unlock()

	p.logger.Info("start", zap.Int("channel", channel))
	if wasPaused {
		p.bus.Publish(event.PauseChanged{Paused: false, Message: "Resumed"})
	}
	if p.cmd == nil {
		return nil
	}
	return p.cmd.Start(channel)
}

// Resync repeats the start command for the active channel, followed by
// pause when Paused, so a freshly connected source matches local state.
// Local state does not change. An Idle processor sends nothing.
func (p *Processor) Resync() error {
	p.mu.Lock()
	state, channel := p.state, p.channel
	p.mu.Unlock()

	if state == Idle || p.cmd == nil {
		return nil
	}
	p.logger.Info("resync", zap.Int("channel", channel), zap.Stringer("state", state))
	if err := p.cmd.Start(channel); err != nil {
		return fmt.Errorf("resync start: %w", err)
	}
	if state == Paused {
		if err := p.cmd.Pause(); err != nil {
			return fmt.Errorf("resync pause: %w", err)
		}
	}
	return nil
}

// TogglePause flips between Paused and Running (Idle pauses), tells the
// source and publishes PauseChanged. The local state changes even if the
// command cannot be sent.
func (p *Processor) TogglePause() (bool, error) {
	p.mu.Lock()
	paused := p.state != Paused
	if paused {
		p.state = Paused
	} else {
		p.state = Running
	}
	p.mu.Unlock()

	msg := "Resumed"
	if paused {
		msg = "Paused"
	}
	p.logger.Info(msg)
	p.bus.Publish(event.PauseChanged{Paused: paused, Message: msg})

	if p.cmd == nil {
		return paused, nil
	}
	var err error
	if paused {
		err = p.cmd.Pause()
	} else {
		err = p.cmd.Resume()
	}
	if err != nil {
		return paused, fmt.Errorf("forward %s: %w", msg, err)
	}
	return paused, nil
}

// ClearHistory empties both buffers and resets the sample counters.
func (p *Processor) ClearHistory() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.realtime.Clear()
	p.history.Clear()
	p.packets = 0
	p.samples = 0
}

// Reset clears all stored data and returns to Idle.
func (p *Processor) Reset() {
	p.ClearHistory()
	p.mu.Lock()
	p.state = Idle
	p.mu.Unlock()
	p.logger.Debug("reset")
}

// Stats returns the current counters.
func (p *Processor) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		State:     p.state,
		Channel:   p.channel,
		Packets:   p.packets,
		Samples:   p.samples,
		Buffered:  p.realtime.Len(),
		History:   p.history.Len(),
		Rejected:  p.rejected,
		Discarded: p.discarded,
		Evicted:   p.evicted.Load(),
	}
}

// Close rejects further blocks. Stored data stays readable.
func (p *Processor) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return errors.Join(p.realtime.Close(), p.history.Close())
}
