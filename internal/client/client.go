// SPDX-License-Identifier: MIT

// Package client implements the acquisition side of the EMG stream: a TCP
// connection that decodes fixed-size frames into blocks, a command channel
// back to the data source, and a single reconnect policy applied to every
// failure path.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"emgscope/internal/event"
	"emgscope/internal/log"
	"emgscope/internal/protocol"
	"emgscope/pkg/retry"
)

var (
	// ErrNotConnected is returned by command methods while no connection is open.
	ErrNotConnected = errors.New("not connected")
	// ErrConnectFailed is wrapped by Connect when every attempt failed.
	ErrConnectFailed = errors.New("connection failed")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("client closed")
)

// logEvery controls how often per-packet progress is logged.
const logEvery = 500

// Client owns one stream connection. Decoded blocks are delivered on the
// channel returned by Blocks; state changes are published on the bus.
type Client struct {
	opts   Options
	bus    *event.Bus
	logger *zap.Logger
	m      *clientMetrics

	blocks    chan protocol.Block
	closeOnce sync.Once

	mu     sync.Mutex // guards conn, addr, state and cancel
	conn   net.Conn
	addr   string
	state  event.ConnectionState
	cancel context.CancelFunc
	loopWG sync.WaitGroup

	writeMu sync.Mutex // serialises command writes

	life         context.Context
	lifeCancel   context.CancelFunc
	reconnecting atomic.Bool
	closed       atomic.Bool
	bgWG         sync.WaitGroup

	seq     atomic.Uint64
	dropped atomic.Uint64
}

// New creates a disconnected client. bus may be nil.
func New(opts Options, bus *event.Bus) *Client {
	opts.normalize()
	life, cancel := context.WithCancel(context.Background())
	return &Client{
		opts:       opts,
		bus:        bus,
		logger:     log.With(zap.String("component", "client")),
		m:          newClientMetrics(opts.Registerer),
		blocks:     make(chan protocol.Block, opts.QueueSize),
		life:       life,
		lifeCancel: cancel,
	}
}

// Blocks returns the channel of decoded blocks. It is closed by Close.
func (c *Client) Blocks() <-chan protocol.Block {
	return c.blocks
}

// State returns the current connection state.
func (c *Client) State() event.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Addr returns the address of the last Connect call.
func (c *Client) Addr() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.addr
}

// Shape returns the frame shape the client decodes.
func (c *Client) Shape() protocol.Shape {
	return c.opts.Shape
}

// Received returns the number of frames decoded since creation.
func (c *Client) Received() uint64 {
	return c.seq.Load()
}

// Dropped returns the number of blocks discarded because the queue was full.
func (c *Client) Dropped() uint64 {
	return c.dropped.Load()
}

func (c *Client) setState(s event.ConnectionState, msg string) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	c.bus.Publish(event.ConnectionChanged{State: s, Message: msg})
}

// Connect dials addr with the configured attempts and backoff and starts the
// receive loop. Exhausting the attempts leaves the client Disconnected and
// returns an error wrapping ErrConnectFailed; it is not fatal and Connect
// may be called again later.
func (c *Client) Connect(ctx context.Context, addr string) error {
	if c.closed.Load() {
		return ErrClosed
	}

	c.mu.Lock()
	if c.conn != nil {
		live := c.addr == addr && c.state == event.Connected
		c.mu.Unlock()
		if live {
			return nil
		}
		c.Disconnect()
		c.mu.Lock()
	}
	c.addr = addr
	c.mu.Unlock()

	c.setState(event.Connecting, fmt.Sprintf("Connecting to %s...", addr))

	cfg := retry.Fixed(c.opts.MaxAttempts, c.opts.Backoff)
	cfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		c.logger.Warn("connect attempt failed",
			zap.Int("attempt", attempt),
			zap.String("addr", addr),
			zap.Duration("retry_in", delay),
			zap.Error(err))
		c.bus.Publish(event.ConnectionChanged{
			State:   event.Connecting,
			Message: fmt.Sprintf("Connection attempt %d failed: %v. Retrying in %s...", attempt, err, delay),
		})
	}

	conn, err := retry.DoWithResult(ctx, cfg, func() (net.Conn, error) {
		dctx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
		defer cancel()
		conn, err := c.opts.Dial(dctx, "tcp", addr)
		if err != nil {
			c.m.connects.WithLabelValues("error").Inc()
			return nil, err
		}
		c.m.connects.WithLabelValues("ok").Inc()
		return conn, nil
	})
	if err != nil {
		msg := fmt.Sprintf("Connection failed after %d attempts", c.opts.MaxAttempts)
		c.logger.Error("connect failed", zap.String("addr", addr), zap.Error(err))
		c.setState(event.Disconnected, msg)
		return fmt.Errorf("%w: %s: %w", ErrConnectFailed, addr, err)
	}

	c.mu.Lock()
	if c.closed.Load() || c.conn != nil {
		c.mu.Unlock()
		_ = conn.Close()
		if c.closed.Load() {
			return ErrClosed
		}
		return nil
	}
	loopCtx, cancel := context.WithCancel(c.life)
	c.conn = conn
	c.cancel = cancel
	c.loopWG.Add(1)
	c.mu.Unlock()

	go c.receiveLoop(loopCtx, conn)

	c.logger.Info("connected", zap.String("addr", addr), zap.Stringer("shape", c.opts.Shape),
		zap.Stringer("framing", c.opts.Framing))
	c.setState(event.Connected, fmt.Sprintf("Connected to %s", addr))
	return nil
}

// Disconnect stops the receive loop, waits for it to exit and closes the
// socket. It is safe to call at any time and more than once.
func (c *Client) Disconnect() {
	c.mu.Lock()
	conn, cancel, prev := c.conn, c.cancel, c.state
	c.conn, c.cancel = nil, nil
	c.state = event.Disconnected
	c.mu.Unlock()

	if conn == nil {
		return
	}
	cancel()
	// Unblock a pending read instead of waiting out the read timeout.
	_ = conn.SetReadDeadline(time.Now())
	c.loopWG.Wait()
	if err := conn.Close(); err != nil {
		c.logger.Debug("close socket", zap.Error(err))
	}
	if prev != event.Disconnected {
		c.bus.Publish(event.ConnectionChanged{State: event.Disconnected, Message: "Disconnected from server"})
	}
	c.logger.Info("disconnected")
}

// Reconnect disconnects and connects again to the last address.
func (c *Client) Reconnect(ctx context.Context) error {
	addr := c.Addr()
	if addr == "" {
		return ErrNotConnected
	}
	c.Disconnect()
	return c.Connect(ctx, addr)
}

// triggerReconnect starts a background Reconnect unless one is running.
// The closed check and bgWG.Add happen under mu so Close cannot start
// waiting between them.
func (c *Client) triggerReconnect(reason string) {
	if !c.opts.AutoReconnect {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Load() || c.addr == "" {
		return
	}
	if !c.reconnecting.CompareAndSwap(false, true) {
		return
	}
	c.bgWG.Add(1)
	go func() {
		defer c.bgWG.Done()
		c.logger.Info("reconnecting", zap.String("reason", reason))
		err := c.Reconnect(c.life)
		c.reconnecting.Store(false)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				c.logger.Warn("reconnect failed", zap.Error(err))
			}
			return
		}
		if c.opts.OnReconnected != nil && !c.closed.Load() {
			c.opts.OnReconnected()
		}
	}()
}

// Close disconnects, stops any reconnect in progress and closes Blocks.
func (c *Client) Close() error {
	c.mu.Lock()
	first := c.closed.CompareAndSwap(false, true)
	c.mu.Unlock()
	if !first {
		return nil
	}
	c.lifeCancel()
	c.Disconnect()
	c.bgWG.Wait()
	c.Disconnect()
	c.closeOnce.Do(func() { close(c.blocks) })
	return nil
}

// receiveLoop reads frames until ctx is cancelled or the connection fails.
func (c *Client) receiveLoop(ctx context.Context, conn net.Conn) {
	defer c.loopWG.Done()

	frameSize := c.opts.Shape.FrameBytes()
	buf := make([]byte, frameSize)
	filled := 0

	for {
		if ctx.Err() != nil {
			return
		}
		if err := conn.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout)); err != nil {
			c.connectionLost(ctx, fmt.Sprintf("Socket error: %v", err))
			return
		}

		var n int
		var err error
		switch c.opts.Framing {
		case Strict:
			n, err = conn.Read(buf)
			if n > 0 {
				c.m.bytes.Add(float64(n))
				if n == frameSize {
					c.dispatch(buf)
				} else {
					c.incompleteFrame(n, frameSize)
				}
			}
		default:
			n, err = conn.Read(buf[filled:])
			if n > 0 {
				c.m.bytes.Add(float64(n))
				filled += n
				if filled == frameSize {
					c.dispatch(buf)
					filled = 0
				}
			}
		}

		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, os.ErrDeadlineExceeded) {
			// Idle line; the partial frame, if any, is kept.
			continue
		}
		if errors.Is(err, io.EOF) {
			c.connectionLost(ctx, "Server closed connection")
		} else {
			c.connectionLost(ctx, fmt.Sprintf("Socket error: %v", err))
		}
		return
	}
}

func (c *Client) incompleteFrame(got, want int) {
	c.m.framingErrors.Inc()
	c.logger.Warn("incomplete frame discarded",
		zap.Int("got", got),
		zap.Int("want", want))
}

// dispatch decodes one complete frame and hands it downstream without
// blocking. frame is reused by the caller.
func (c *Client) dispatch(frame []byte) {
	block, err := protocol.Decode(frame, c.opts.Shape)
	if err != nil {
		c.m.framingErrors.Inc()
		c.logger.Warn("decode frame", zap.Error(err))
		return
	}
	seq := c.seq.Add(1)
	c.m.frames.Inc()
	if seq%logEvery == 0 {
		c.logger.Debug("frames received", zap.Uint64("count", seq))
	}

	c.bus.Publish(event.BlockReceived{Block: block, Seq: seq})

	select {
	case c.blocks <- block:
	default:
		n := c.dropped.Add(1)
		c.m.dropped.Inc()
		if n == 1 || n%logEvery == 0 {
			c.logger.Warn("processor queue full, block dropped", zap.Uint64("dropped", n))
		}
	}
}

// connectionLost records a failure seen by the receive loop and schedules a
// reconnect. It runs on the loop goroutine and must not wait for the loop.
func (c *Client) connectionLost(ctx context.Context, reason string) {
	if ctx.Err() != nil {
		return
	}
	c.logger.Warn("connection lost", zap.String("reason", reason))
	c.setState(event.Disconnected, reason)
	c.triggerReconnect(reason)
}
