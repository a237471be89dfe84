// Package view is the channel query and filter layer between the stream
// processor and a renderer. Every published window is a fixed-shape array:
// an empty buffer becomes zeros and the RMS filter becomes a constant array.
package view

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"emgscope/internal/analysis"
	"emgscope/internal/config"
	"emgscope/internal/event"
	"emgscope/internal/log"
	"emgscope/internal/protocol"
	"emgscope/internal/stream"
)

// Filter selects how the realtime window is presented.
type Filter string

const (
	Raw Filter = "Raw"
	RMS Filter = "RMS"
)

// ParseFilter accepts "raw" or "rms" in any case.
func ParseFilter(s string) (Filter, error) {
	switch strings.ToLower(s) {
	case "raw":
		return Raw, nil
	case "rms":
		return RMS, nil
	default:
		return "", fmt.Errorf("unknown filter %q (want Raw or RMS)", s)
	}
}

// Source is the subset of the stream processor the view reads.
type Source interface {
	Shape() protocol.Shape
	State() stream.State
	Channel() int
	SetChannel(channel int) error
	RealtimeWindow(ch int) []float32
	ClearHistory()
}

// Switcher sends the channel switch command.
type Switcher interface {
	SwitchChannel(channel int) error
}

// Options configures a View.
type Options struct {
	RMSWindowSize int
	Filter        Filter
}

// OptionsFromConfig maps the view section of cfg.
func OptionsFromConfig(cfg *config.Config) Options {
	opts := Options{RMSWindowSize: cfg.View.RMSWindowSize, Filter: Raw}
	if f, err := ParseFilter(cfg.View.Filter); err == nil {
		opts.Filter = f
	}
	return opts
}

// View publishes DataUpdated for the active channel.
type View struct {
	src    Source
	cmd    Switcher
	bus    *event.Bus
	logger *zap.Logger

	rmsWindow int

	mu      sync.Mutex
	filter  Filter
	last    []float32
	lastCh  int
	lastRMS float64
}

// New creates a view over src. cmd and bus may be nil.
func New(src Source, cmd Switcher, bus *event.Bus, opts Options) *View {
	if opts.RMSWindowSize <= 0 {
		opts.RMSWindowSize = config.DefaultRMSWindowSize
	}
	if opts.Filter == "" {
		opts.Filter = Raw
	}
	return &View{
		src:       src,
		cmd:       cmd,
		bus:       bus,
		logger:    log.With(zap.String("component", "view")),
		rmsWindow: opts.RMSWindowSize,
		filter:    opts.Filter,
	}
}

// Filter returns the current filter.
func (v *View) Filter() Filter {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.filter
}

// SetChannel selects ch. A change clears the processor history and sends a
// switch command. The view is refreshed either way.
func (v *View) SetChannel(ch int) error {
	if ch < 0 || ch >= protocol.MaxChannels {
		return fmt.Errorf("%w: %d", stream.ErrInvalidChannel, ch)
	}

	var err error
	if ch != v.src.Channel() {
		v.src.ClearHistory()
		if err = v.src.SetChannel(ch); err != nil {
			return err
		}
		v.logger.Info("channel switched", zap.Int("channel", ch))
		if v.cmd != nil {
			if err = v.cmd.SwitchChannel(ch); err != nil {
				err = fmt.Errorf("switch to channel %d: %w", ch, err)
			}
		}
	}
	v.Refresh()
	return err
}

// SetFilter changes the presentation filter and refreshes.
func (v *View) SetFilter(f Filter) error {
	if f != Raw && f != RMS {
		return fmt.Errorf("unknown filter %q", f)
	}
	v.mu.Lock()
	v.filter = f
	v.mu.Unlock()
	v.Refresh()
	return nil
}

// row maps the active channel onto a frame row. Single frames carry only
// the selected channel.
func (v *View) row(ch int) int {
	if v.src.Shape().Channels == 1 {
		return 0
	}
	return ch
}

// Refresh reads the realtime window of the active channel, applies the
// filter and publishes DataUpdated. Nothing is published unless the
// processor is Running. With the RMS filter and fewer than RMSWindowSize
// samples a Warning is published instead and Refresh returns false.
func (v *View) Refresh() ([]float32, bool) {
	if v.src.State() != stream.Running {
		return nil, false
	}
	ch := v.src.Channel()
	window := v.src.RealtimeWindow(v.row(ch))
	if len(window) == 0 {
		window = make([]float32, v.src.Shape().Samples)
	}

	v.mu.Lock()
	filter := v.filter
	v.mu.Unlock()

	out := window
	var rms float64
	if filter == RMS {
		r, err := analysis.TrailingRMS(window, v.rmsWindow)
		if err != nil {
			msg := fmt.Sprintf("Insufficient data for RMS: %d samples, need %d", len(window), v.rmsWindow)
			v.logger.Debug("rms skipped", zap.Int("samples", len(window)), zap.Int("window", v.rmsWindow))
			v.bus.Publish(event.Warning{Source: "view", Message: msg})
			return nil, false
		}
		rms = r
		out = make([]float32, v.rmsWindow)
		for i := range out {
			out[i] = float32(r)
		}
	} else {
		rms = analysis.RMS(window)
	}

	v.mu.Lock()
	v.last = out
	v.lastCh = ch
	v.lastRMS = rms
	v.mu.Unlock()

	v.bus.Publish(event.DataUpdated{Channel: ch, Filter: string(filter), Samples: out})
	return out, true
}

// Last returns a copy of the last published window with its channel.
func (v *View) Last() ([]float32, int) {
	out, ch := v.WindowInto(nil)
	return out, ch
}

// LastRMS returns the RMS of the last published raw window, or the RMS
// value itself under the RMS filter.
func (v *View) LastRMS() float64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.lastRMS
}

// WindowInto appends the last published window to dst[:0].
func (v *View) WindowInto(dst []float32) ([]float32, int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append(dst[:0], v.last...), v.lastCh
}

// Run refreshes every period until ctx is done.
func (v *View) Run(ctx context.Context, period time.Duration) error {
	if period <= 0 {
		period = config.DefaultRefresh
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			v.Refresh()
		}
	}
}
