package simulator

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"emgscope/internal/protocol"
)

// session is one connected client.
type session struct {
	id      string
	conn    net.Conn
	paused  atomic.Bool
	channel atomic.Int32
}

func newSession(conn net.Conn) *session {
	return &session{id: uuid.NewString(), conn: conn}
}

// apply updates the session from one client command.
func (sess *session) apply(cmd protocol.Command) {
	switch cmd.Kind {
	case protocol.CmdStart:
		sess.channel.Store(int32(cmd.Channel))
		sess.paused.Store(false)
	case protocol.CmdSwitch:
		sess.channel.Store(int32(cmd.Channel))
	case protocol.CmdPause:
		sess.paused.Store(true)
	case protocol.CmdResume:
		sess.paused.Store(false)
	}
}

// readCommands parses the client's command stream until the connection
// closes, then cancels the session.
func (s *Server) readCommands(sess *session, cancel context.CancelFunc) {
	defer cancel()
	sc := bufio.NewScanner(sess.conn)
	sc.Split(protocol.ScanCommands)
	for sc.Scan() {
		cmd, err := protocol.ParseCommand(sc.Text())
		if err != nil {
			s.logger.Warn("bad command", zap.String("id", sess.id), zap.Error(err))
			continue
		}
		if (cmd.Kind == protocol.CmdStart || cmd.Kind == protocol.CmdSwitch) &&
			(cmd.Channel < 0 || cmd.Channel >= protocol.MaxChannels) {
			s.logger.Warn("channel out of range", zap.String("id", sess.id), zap.Int("channel", cmd.Channel))
			continue
		}
		sess.apply(cmd)
		s.logger.Debug("command", zap.String("id", sess.id), zap.Stringer("command", cmd))
	}
}

// serve runs the send loop of one client.
func (s *Server) serve(ctx context.Context, sess *session) {
	defer s.wg.Done()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go s.readCommands(sess, cancel)

	defer func() {
		s.removeClient(sess)
		_ = sess.conn.Close()
		s.logger.Info("client disconnected", zap.String("id", sess.id))
		s.status("Client disconnected")
	}()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	var buf []byte
	window := 0
	for {
		if ctx.Err() != nil {
			return
		}
		if s.paused.Load() || sess.paused.Load() {
			if !sleep(ctx, s.opts.PausePoll) {
				return
			}
			continue
		}

		buf = s.frame(buf[:0], window, int(sess.channel.Load()))
		_ = sess.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
		if _, err := sess.conn.Write(buf); err != nil {
			if ctx.Err() == nil {
				s.logger.Warn("client error", zap.String("id", sess.id), zap.Error(err))
				s.status(fmt.Sprintf("Client error: %v", err))
			}
			return
		}
		s.metrics.frames.Inc()

		window++
		if window >= len(s.rows) {
			if !s.opts.Loop {
				return
			}
			window = 0
			s.logger.Info("Restarting data transmission", zap.String("id", sess.id))
			s.status("Restarting data transmission")
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// frame appends the wire bytes of window k to dst. Single frames carry the
// client's selected channel, zero when the record lacks it.
func (s *Server) frame(dst []byte, k, channel int) []byte {
	if s.frames != nil {
		return append(dst, s.frames[k]...)
	}
	row := s.rows[k].Channel(channel)
	if row == nil {
		row = make([]float32, s.shape.Samples)
	}
	return protocol.AppendEncode(dst, protocol.Block{Shape: s.shape, Data: row})
}

// sleep waits for d or ctx, reporting whether d elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
