// SPDX-License-Identifier: MIT
/*
Package engine assembles the live acquisition pipeline:

	client -> stream.Processor -> view -> transports

The client owns the TCP connection and decodes frames. The processor keeps
the realtime and history buffers and owns the pause state. The view
publishes the selected channel's window on every refresh. The engine
subscribes to the event bus and forwards view updates and status changes
to the configured transports, runs the live analysis on each window and
records every stored block when recording is enabled.
*/
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"emgscope/internal/analysis"
	"emgscope/internal/client"
	"emgscope/internal/config"
	"emgscope/internal/event"
	"emgscope/internal/log"
	"emgscope/internal/metrics"
	"emgscope/internal/recorder"
	"emgscope/internal/stream"
	"emgscope/internal/transport"
	"emgscope/internal/transport/udp"
	"emgscope/internal/view"
)

const (
	eventBuffer  = 256
	recordBuffer = 4096

	activationRelease = 0.5
)

// ErrRunning is returned by Start on an engine that is already running.
var ErrRunning = errors.New("engine already running")

type Engine struct {
	// Core configuration and shared plumbing.
	config   *config.Config
	logger   *zap.Logger
	bus      *event.Bus
	registry *prometheus.Registry

	// Acquisition pipeline.
	client    *client.Client
	processor *stream.Processor
	view      *view.View

	// Fan-out of view updates and status messages.
	transport transport.Fanout
	ws        *transport.WebSocketTransport
	udpSender *udp.UDPSender
	udpPub    *udp.UDPPublisher

	// Live analysis of the selected channel, nil when disabled.
	spectrum   *analysis.SpectrumProcessor
	bands      *analysis.BandPowerProcessor
	activation *analysis.ActivationDetector

	analysisMu sync.Mutex // guards the detectors and lastBands
	lastBands  map[string]float64

	recorder *recorder.Recorder
	metrics  *metrics.Server

	lastFrame atomic.Int64 // unix nanos of the last BlockReceived

	running   atomic.Bool
	cancel    context.CancelFunc
	unsub     []func()
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New builds an engine from cfg. Nothing touches the network until Start,
// except the websocket listener and the UDP socket when they are enabled.
func New(cfg *config.Config) (*Engine, error) {
	if cfg == nil {
		return nil, errors.New("engine needs a configuration")
	}

	e := &Engine{
		config:   cfg,
		logger:   log.With(zap.String("component", "engine")),
		bus:      event.NewBus(),
		registry: metrics.NewRegistry(),
	}

	copts := client.OptionsFromConfig(cfg)
	copts.Registerer = e.registry
	copts.OnReconnected = e.resync
	e.client = client.New(copts, e.bus)

	sopts := stream.OptionsFromConfig(cfg)
	sopts.Registerer = e.registry
	proc, err := stream.New(sopts, e.client, e.bus)
	if err != nil {
		return nil, fmt.Errorf("stream processor: %w", err)
	}
	e.processor = proc
	e.view = view.New(proc, e.client, e.bus, view.OptionsFromConfig(cfg))

	if err := e.initTransports(); err != nil {
		_ = e.closeTransports()
		return nil, err
	}
	if err := e.initAnalysis(); err != nil {
		_ = e.closeTransports()
		return nil, err
	}

	if cfg.Recording.Enabled {
		e.recorder = recorder.New(proc.Shape(), cfg.Stream.SamplingRate)
	}

	if err := metrics.RegisterFunc(e.registry, "bus_dropped_total",
		"Events dropped because a subscriber was full", func() float64 {
			return float64(e.bus.Dropped())
		}); err != nil {
		_ = e.closeTransports()
		return nil, err
	}
	if cfg.Metrics.Enabled {
		e.metrics = metrics.NewServer(cfg.Metrics.Address, e.registry)
	}

	e.logger.Info("engine ready",
		zap.Stringer("shape", proc.Shape()),
		zap.String("policy", string(proc.Policy())),
		zap.Int("transports", len(e.transport)),
		zap.Bool("recording", e.recorder != nil))
	return e, nil
}

func (e *Engine) initTransports() error {
	cfg := e.config.Transport
	if e.config.Debug {
		e.transport = append(e.transport, transport.NewLoggingTransport())
	}
	if cfg.WebSocketEnabled {
		ws, err := transport.NewWebSocketTransport(cfg.WebSocketAddress)
		if err != nil {
			return fmt.Errorf("websocket transport: %w", err)
		}
		e.ws = ws
		e.transport = append(e.transport, ws)
	}
	if cfg.UDPEnabled {
		sender, err := udp.NewUDPSender(cfg.UDPTargetAddress)
		if err != nil {
			return fmt.Errorf("udp transport: %w", err)
		}
		pub, err := udp.NewUDPPublisher(cfg.UDPSendInterval, sender, e.view)
		if err != nil {
			_ = sender.Close()
			return fmt.Errorf("udp publisher: %w", err)
		}
		e.udpSender, e.udpPub = sender, pub
	}
	return nil
}

func (e *Engine) initAnalysis() error {
	cfg := e.config.Analysis
	if cfg.Spectrum {
		wf, err := analysis.ParseWindowFunc(cfg.FFTWindow)
		if err != nil {
			return err
		}
		windowLen := e.config.Stream.RealtimeCapacity * e.config.Stream.SamplesPerChannel
		sp, err := analysis.NewSpectrumProcessor(windowLen, e.config.Stream.SamplingRate, wf)
		if err != nil {
			return fmt.Errorf("spectrum: %w", err)
		}
		e.spectrum = sp
		e.bands = analysis.NewBandPowerProcessor(e.transport, sp, nil)
	}
	if cfg.Threshold > 0 {
		e.activation = analysis.NewActivationDetector(cfg.Threshold, activationRelease, e.transport, e.processor.Channel)
	}
	return nil
}

// Start launches the processing goroutines, the metrics endpoint and any
// recording. It does not connect; call Connect for that.
func (e *Engine) Start(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return ErrRunning
	}

	if e.metrics != nil {
		if err := e.metrics.Start(); err != nil {
			e.running.Store(false)
			return err
		}
	}
	if e.recorder != nil {
		if err := e.recorder.Start(recorder.SessionPath(e.config.Recording.OutputDir)); err != nil {
			e.running.Store(false)
			return fmt.Errorf("start recording: %w", err)
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	events, unsub := e.bus.Subscribe(eventBuffer)
	e.unsub = append(e.unsub, unsub)

	e.wg.Add(3)
	go func() {
		defer e.wg.Done()
		if err := e.processor.Run(ctx, e.client.Blocks()); err != nil && !errors.Is(err, context.Canceled) {
			e.logger.Warn("processor stopped", zap.Error(err))
		}
	}()
	go func() {
		defer e.wg.Done()
		if err := e.view.Run(ctx, e.config.View.Refresh); err != nil && !errors.Is(err, context.Canceled) {
			e.logger.Warn("view stopped", zap.Error(err))
		}
	}()
	go e.forward(ctx, events)

	if e.recorder != nil {
		stored, unsub := e.bus.Subscribe(recordBuffer)
		e.unsub = append(e.unsub, unsub)
		e.wg.Add(1)
		go e.record(ctx, stored)
	}
	if e.udpPub != nil {
		e.udpPub.Start()
	}

	e.logger.Info("engine started")
	return nil
}

// Connect dials the configured source and, once connected, starts
// streaming the configured channel.
func (e *Engine) Connect(ctx context.Context) error {
	if err := e.client.Connect(ctx, e.config.Address()); err != nil {
		return err
	}
	return e.processor.Start(e.config.View.Channel)
}

// resync restores the channel and pause state on a session opened by an
// automatic reconnect.
func (e *Engine) resync() {
	if err := e.processor.Resync(); err != nil {
		e.logger.Warn("resync after reconnect", zap.Error(err))
		e.bus.Publish(event.Warning{Source: "engine", Message: fmt.Sprintf("Could not restore stream state: %v", err)})
	}
}

// Reconnect drops the current connection and dials again, keeping the
// selected channel.
func (e *Engine) Reconnect(ctx context.Context) error {
	if err := e.client.Reconnect(ctx); err != nil {
		return err
	}
	return e.processor.Start(e.processor.Channel())
}

// Disconnect closes the connection. Buffered data is kept.
func (e *Engine) Disconnect() {
	e.client.Disconnect()
}

// TogglePause pauses or resumes the stream and returns the new state.
func (e *Engine) TogglePause() (bool, error) {
	return e.processor.TogglePause()
}

// SetChannel selects the displayed channel and tells the source.
func (e *Engine) SetChannel(ch int) error {
	return e.view.SetChannel(ch)
}

// ToggleFilter switches the view between Raw and RMS and returns the new
// filter.
func (e *Engine) ToggleFilter() (view.Filter, error) {
	next := view.RMS
	if e.view.Filter() == view.RMS {
		next = view.Raw
	}
	return next, e.view.SetFilter(next)
}

// Bands returns the last band powers, or nil when the spectrum is disabled.
func (e *Engine) Bands() map[string]float64 {
	e.analysisMu.Lock()
	defer e.analysisMu.Unlock()
	if e.lastBands == nil {
		return nil
	}
	out := make(map[string]float64, len(e.lastBands))
	for k, v := range e.lastBands {
		out[k] = v
	}
	return out
}

// Activation is a snapshot of the activation detector.
type Activation struct {
	Enabled bool
	Active  bool
	Onsets  int
	RMS     float64
}

// Activation returns the detector state of the selected channel.
func (e *Engine) Activation() Activation {
	if e.activation == nil {
		return Activation{}
	}
	e.analysisMu.Lock()
	defer e.analysisMu.Unlock()
	return Activation{
		Enabled: true,
		Active:  e.activation.Active(),
		Onsets:  e.activation.Onsets(),
		RMS:     e.activation.LastRMS(),
	}
}

// Snapshot is a point-in-time summary of the pipeline for displays.
type Snapshot struct {
	Connection event.ConnectionState
	Addr       string
	Stream     stream.Stats
	Filter     view.Filter
	Received   uint64
	Dropped    uint64
	LastFrame  time.Time // Zero until the first frame arrives.
	Bands      map[string]float64
	Activation Activation
	Recording  string // Output path, empty when not recording.
}

// Snapshot collects the current counters and states.
func (e *Engine) Snapshot() Snapshot {
	snap := Snapshot{
		Connection: e.client.State(),
		Addr:       e.config.Address(),
		Stream:     e.processor.Stats(),
		Filter:     e.view.Filter(),
		Received:   e.client.Received(),
		Dropped:    e.client.Dropped(),
		Bands:      e.Bands(),
		Activation: e.Activation(),
	}
	if ns := e.lastFrame.Load(); ns > 0 {
		snap.LastFrame = time.Unix(0, ns)
	}
	if e.recorder != nil && e.recorder.Recording() {
		snap.Recording = e.recorder.Path()
	}
	return snap
}

func (e *Engine) Config() *config.Config { return e.config }
func (e *Engine) Bus() *event.Bus { return e.bus }
func (e *Engine) Registry() *prometheus.Registry { return e.registry }
func (e *Engine) Client() *client.Client { return e.client }
func (e *Engine) Processor() *stream.Processor { return e.processor }
func (e *Engine) View() *view.View { return e.view }
func (e *Engine) Recorder() *recorder.Recorder { return e.recorder }
func (e *Engine) WebSocket() *transport.WebSocketTransport { return e.ws }

// forward turns bus events into transport messages.
func (e *Engine) forward(ctx context.Context, events <-chan event.Event) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			e.handle(ev)
		}
	}
}

func (e *Engine) handle(ev event.Event) {
	var msg any
	switch ev := ev.(type) {
	case event.BlockReceived:
		// Frames keep arriving while paused; this is what shows the source
		// is still alive.
		e.lastFrame.Store(time.Now().UnixNano())
		return
	case event.DataUpdated:
		e.analyse(ev)
		msg = transport.DataMessage{Type: transport.TypeData, Channel: ev.Channel, Filter: ev.Filter, Samples: ev.Samples}
	case event.FullDataUpdated:
		msg = transport.DataMessage{Type: transport.TypeFullData, Channel: ev.Channel, Filter: string(view.Raw), Samples: ev.Samples}
	case event.ConnectionChanged:
		msg = transport.StatusMessage{Type: transport.TypeConnection, State: ev.State.String(), Message: ev.Message}
	case event.PauseChanged:
		paused := ev.Paused
		msg = transport.StatusMessage{Type: transport.TypePause, Paused: &paused, Message: ev.Message}
	case event.Warning:
		msg = transport.StatusMessage{Type: transport.TypeWarning, Message: ev.Message}
	default:
		return
	}
	if len(e.transport) == 0 {
		return
	}
	if err := e.transport.Send(msg); err != nil {
		e.logger.Debug("forward", zap.Error(err))
	}
}

// analyse runs the live analysis on one view update. Spectra only make
// sense on raw windows.
func (e *Engine) analyse(ev event.DataUpdated) {
	e.analysisMu.Lock()
	defer e.analysisMu.Unlock()
	if e.spectrum != nil && ev.Filter == string(view.Raw) {
		e.spectrum.Process(ev.Samples)
		e.lastBands = e.bands.Process()
	}
	if e.activation != nil {
		e.activation.Process(ev.Samples)
	}
}

// record writes every stored block to the recorder.
func (e *Engine) record(ctx context.Context, events <-chan event.Event) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			st, ok := ev.(event.BlockStored)
			if !ok {
				continue
			}
			if err := e.recorder.Write(st.Block); err != nil {
				e.logger.Warn("record block", zap.Error(err))
			}
		}
	}
}

func (e *Engine) closeTransports() error {
	var errs []error
	if e.udpPub != nil {
		errs = append(errs, e.udpPub.Close())
	}
	if e.udpSender != nil {
		errs = append(errs, e.udpSender.Close())
	}
	errs = append(errs, e.transport.Close())
	return errors.Join(errs...)
}

// Close stops every goroutine, finalises any recording and releases the
// network resources. An engine cannot be restarted after Close.
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		e.logger.Info("engine closing")
		if e.cancel != nil {
			e.cancel()
		}
		errs := []error{e.client.Close()}
		e.wg.Wait()
		for _, unsub := range e.unsub {
			unsub()
		}
		errs = append(errs, e.processor.Close())

		if e.recorder != nil {
			errs = append(errs, e.recorder.Close())
		}
		errs = append(errs, e.closeTransports())
		if e.spectrum != nil {
			errs = append(errs, e.spectrum.Close())
		}
		if e.metrics != nil {
			errs = append(errs, e.metrics.Stop())
		}
		e.bus.Close()
		e.running.Store(false)
		err = errors.Join(errs...)
	})
	return err
}
