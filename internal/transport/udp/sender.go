package udp

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"emgscope/internal/log"
)

// ErrSenderClosed is returned by Send after Close.
var ErrSenderClosed = errors.New("UDP sender is closed")

// UDPSender writes datagrams to one fixed target. A failed write is counted
// and reported but never closes the sender: the next window may get through.
type UDPSender struct {
	logger *zap.Logger
	target *net.UDPAddr

	mu   sync.Mutex
	conn *net.UDPConn // nil once closed

	sent   atomic.Uint64
	failed atomic.Uint64
}

// NewUDPSender resolves targetAddress ("host:port") and dials it. UDP is
// connectionless, so an unreachable target only shows up as Send errors.
func NewUDPSender(targetAddress string) (*UDPSender, error) {
	target, err := net.ResolveUDPAddr("udp", targetAddress)
	if err != nil {
		return nil, fmt.Errorf("resolve UDP target %q: %w", targetAddress, err)
	}
	conn, err := net.DialUDP("udp", nil, target)
	if err != nil {
		return nil, fmt.Errorf("dial UDP target %q: %w", targetAddress, err)
	}

	s := &UDPSender{
		logger: log.With(zap.String("component", "udp"), zap.Stringer("target", target)),
		target: target,
		conn:   conn,
	}
	s.logger.Info("UDP sender ready", zap.Stringer("local", conn.LocalAddr()))
	return s, nil
}

// Target returns the resolved destination address.
func (s *UDPSender) Target() *net.UDPAddr { return s.target }

// Stats returns the number of datagrams sent and failed.
func (s *UDPSender) Stats() (sent, failed uint64) {
	return s.sent.Load(), s.failed.Load()
}

// Send transmits data as one datagram.
func (s *UDPSender) Send(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return ErrSenderClosed
	}
	if _, err := s.conn.Write(data); err != nil {
		// Only the first failure and every 100th after it reach the log.
		if n := s.failed.Add(1); n == 1 || n%100 == 0 {
			s.logger.Warn("UDP send failed", zap.Error(err), zap.Uint64("failures", n))
		}
		return fmt.Errorf("send UDP datagram: %w", err)
	}
	s.sent.Add(1)
	return nil
}

// Close releases the socket. Later calls are no-ops.
func (s *UDPSender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	s.logger.Debug("UDP sender closed",
		zap.Uint64("sent", s.sent.Load()), zap.Uint64("failed", s.failed.Load()))
	if err != nil {
		return fmt.Errorf("close UDP socket: %w", err)
	}
	return nil
}
