// SPDX-License-Identifier: MIT
/*
Package simulator replays a recorded EMG session over TCP the way the
acquisition hardware streams it. Each connected client gets its own send
loop over the shared, read-only record: one window per frame, paced at
samples_per_window / sampling_rate, wrapping to the first window after the
last. Clients may send the usual command stream (start, switch, pause,
resume); the server also has a global pause.
*/
package simulator

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"emgscope/internal/config"
	"emgscope/internal/dataset"
	"emgscope/internal/event"
	"emgscope/internal/log"
	"emgscope/internal/protocol"
)

// ErrRunning is returned by Start on a server that is already listening.
var ErrRunning = errors.New("simulator already running")

// Options configures a Server.
type Options struct {
	Listen       string
	Version      protocol.Version
	PausePoll    time.Duration // Sleep between pause checks.
	WriteTimeout time.Duration
	Loop         bool // Wrap to the first window after the last.

	// Interval overrides the pacing derived from the record when positive.
	Interval time.Duration

	Registerer prometheus.Registerer
}

// DefaultOptions returns a looping broadcast server on the default port.
func DefaultOptions() Options {
	return Options{
		Listen:       config.DefaultListen,
		Version:      protocol.Broadcast,
		PausePoll:    config.DefaultPausePoll,
		WriteTimeout: config.DefaultReadTimeout,
		Loop:         true,
	}
}

// OptionsFromConfig maps the simulator and stream sections of cfg.
func OptionsFromConfig(cfg *config.Config) Options {
	opts := DefaultOptions()
	opts.Listen = cfg.Simulator.Listen
	opts.Version = cfg.Version()
	opts.PausePoll = cfg.Simulator.PausePoll
	return opts
}

type serverMetrics struct {
	frames  prometheus.Counter
	clients prometheus.Gauge
}

// Server streams a record to every connected client.
type Server struct {
	opts     Options
	bus      *event.Bus
	logger   *zap.Logger
	metrics  serverMetrics
	interval time.Duration

	// Read-only after New.
	shape  protocol.Shape // Shape of the frames on the wire.
	frames [][]byte       // Encoded broadcast frames, one per window.
	rows   []protocol.Block

	paused  atomic.Bool
	running atomic.Bool

	mu      sync.Mutex // guards ln, cancel and clients
	ln      net.Listener
	cancel  context.CancelFunc
	clients map[string]*session

	wg sync.WaitGroup
}

// New prepares a server for rec. Broadcast frames always carry 32 rows:
// extra record channels are dropped and missing ones are zero.
func New(rec *dataset.Record, opts Options, bus *event.Bus) (*Server, error) {
	if rec == nil || rec.Windows() == 0 {
		return nil, errors.New("simulator needs a record with at least one window")
	}
	if opts.PausePoll <= 0 {
		opts.PausePoll = config.DefaultPausePoll
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = config.DefaultReadTimeout
	}
	if opts.Version == "" {
		opts.Version = protocol.Broadcast
	}

	interval := opts.Interval
	if interval <= 0 {
		interval = time.Duration(float64(time.Second) * float64(rec.SamplesPerWindow()) / rec.SamplingRate())
	}

	s := &Server{
		opts:     opts,
		bus:      bus,
		logger:   log.With(zap.String("component", "simulator")),
		interval: interval,
		shape:    opts.Version.Shape(rec.SamplesPerWindow()),
		rows:     rec.Blocks(),
		clients:  make(map[string]*session),
	}

	if opts.Version == protocol.Broadcast {
		full := protocol.Broadcast.Shape(rec.SamplesPerWindow())
		s.frames = make([][]byte, len(s.rows))
		for k, w := range s.rows {
			b := protocol.NewBlock(full)
			copy(b.Data, w.Data[:min(len(w.Data), len(b.Data))])
			s.frames[k] = protocol.Encode(b)
		}
	}

	f := promauto.With(opts.Registerer)
	s.metrics = serverMetrics{
		frames: f.NewCounter(prometheus.CounterOpts{
			Namespace: "emgscope",
			Subsystem: "simulator",
			Name:      "frames_sent_total",
			Help:      "Frames written to clients",
		}),
		clients: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "emgscope",
			Subsystem: "simulator",
			Name:      "clients",
			Help:      "Connected clients",
		}),
	}

	s.status(fmt.Sprintf("Data loaded successfully. Shape: (%d, %d, %d), Sampling rate: %g Hz",
		rec.Channels(), rec.SamplesPerWindow(), rec.Windows(), rec.SamplingRate()))
	return s, nil
}

func (s *Server) status(msg string) {
	s.bus.Publish(event.Status{Source: "simulator", Message: msg})
}

// Shape returns the frame shape sent on the wire.
func (s *Server) Shape() protocol.Shape { return s.shape }

// Interval returns the pacing delay between frames.
func (s *Server) Interval() time.Duration { return s.interval }

// Start listens on the configured address and accepts clients until ctx is
// done or Stop is called.
func (s *Server) Start(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrRunning
	}
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.opts.Listen)
	if err != nil {
		s.running.Store(false)
		s.status(fmt.Sprintf("Server start failed: %v", err))
		return fmt.Errorf("listen %s: %w", s.opts.Listen, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.ln = ln
	s.cancel = cancel
	s.mu.Unlock()

	s.logger.Info("listening",
		zap.Stringer("addr", ln.Addr()),
		zap.Stringer("shape", s.shape),
		zap.Duration("interval", s.interval),
		zap.Int("windows", len(s.rows)))
	s.status(fmt.Sprintf("Server started on %s", ln.Addr()))

	s.wg.Add(2)
	go s.acceptLoop(ctx, ln)
	go func() {
		defer s.wg.Done()
		<-ctx.Done()
		s.shutdown()
	}()
	return nil
}

// Addr returns the listening address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("accept", zap.Error(err))
			s.status(fmt.Sprintf("Error accepting connection: %v", err))
			continue
		}

		sess := newSession(conn)
		s.mu.Lock()
		s.clients[sess.id] = sess
		s.mu.Unlock()
		s.metrics.clients.Inc()

		s.logger.Info("client connected", zap.String("id", sess.id), zap.Stringer("remote", conn.RemoteAddr()))
		s.status(fmt.Sprintf("New connection from %s", conn.RemoteAddr()))

		s.wg.Add(1)
		go s.serve(ctx, sess)
	}
}

// shutdown closes the listener and every client connection.
func (s *Server) shutdown() {
	s.mu.Lock()
	ln := s.ln
	s.ln = nil
	clients := make([]*session, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}
	for _, c := range clients {
		_ = c.conn.Close()
	}
}

// Stop shuts the server down and waits for every client loop to exit.
func (s *Server) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	s.logger.Info("stopped")
	s.status("Server stopped")
}

// TogglePause flips the server-wide pause and returns the new state.
func (s *Server) TogglePause() bool {
	paused := !s.paused.Load()
	s.paused.Store(paused)
	msg := "Resumed"
	if paused {
		msg = "Paused"
	}
	s.logger.Info(msg)
	s.status(msg)
	return paused
}

// Paused reports the server-wide pause.
func (s *Server) Paused() bool { return s.paused.Load() }

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

func (s *Server) removeClient(sess *session) {
	s.mu.Lock()
	_, ok := s.clients[sess.id]
	delete(s.clients, sess.id)
	s.mu.Unlock()
	if ok {
		s.metrics.clients.Dec()
	}
}
