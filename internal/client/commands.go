// SPDX-License-Identifier: MIT
package client

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"emgscope/internal/event"
	"emgscope/internal/protocol"
)

// Send writes one command to the data source. Without a live connection it
// reports a "Not connected" status, schedules a reconnect and returns
// ErrNotConnected. A failed write also schedules a reconnect.
func (c *Client) Send(cmd protocol.Command) error {
	kind := cmd.Kind.String()

	c.mu.Lock()
	conn, state := c.conn, c.state
	c.mu.Unlock()

	if conn == nil || state != event.Connected {
		c.m.commands.WithLabelValues(kind, "not_connected").Inc()
		c.logger.Warn("command while not connected", zap.Stringer("command", cmd))
		c.bus.Publish(event.ConnectionChanged{State: state, Message: "Not connected to server"})
		c.triggerReconnect("not connected")
		return ErrNotConnected
	}

	c.writeMu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(c.opts.ConnectTimeout))
	_, err := conn.Write(cmd.Bytes())
	c.writeMu.Unlock()

	if err != nil {
		c.m.commands.WithLabelValues(kind, "error").Inc()
		c.logger.Error("send command", zap.Stringer("command", cmd), zap.Error(err))
		c.setState(event.Disconnected, fmt.Sprintf("Error sending command: %v", err))
		c.triggerReconnect("write error")
		return fmt.Errorf("send %q: %w", cmd.String(), err)
	}

	c.m.commands.WithLabelValues(kind, "ok").Inc()
	c.logger.Debug("sent command", zap.Stringer("command", cmd))
	return nil
}

// Start asks the source to begin streaming the given channel.
func (c *Client) Start(channel int) error {
	return c.Send(protocol.Start(channel))
}

// Pause asks the source to stop sending frames.
func (c *Client) Pause() error {
	return c.Send(protocol.Pause())
}

// Resume asks the source to continue sending frames.
func (c *Client) Resume() error {
	return c.Send(protocol.Resume())
}

// SwitchChannel asks the source to change the selected channel.
func (c *Client) SwitchChannel(channel int) error {
	return c.Send(protocol.Switch(channel))
}
