// SPDX-License-Identifier: MIT
package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// CommandKind enumerates the control commands understood by the data source.
type CommandKind int

const (
	CmdStart CommandKind = iota
	CmdPause
	CmdResume
	CmdSwitch
)

func (k CommandKind) String() string {
	switch k {
	case CmdStart:
		return "start"
	case CmdPause:
		return "pause"
	case CmdResume:
		return "resume"
	case CmdSwitch:
		return "switch"
	default:
		return "unknown"
	}
}

// ErrUnknownCommand is returned by ParseCommand for unrecognised text.
var ErrUnknownCommand = errors.New("unknown command")

const (
	startPrefix  = "start:channel:"
	switchPrefix = "switch:channel:"
	pauseText    = "pause"
	resumeText   = "resume"
)

// Command is one control message. Channel is only meaningful for
// CmdStart and CmdSwitch.
type Command struct {
	Kind    CommandKind
	Channel int
}

func Start(channel int) Command  { return Command{Kind: CmdStart, Channel: channel} }
func Switch(channel int) Command { return Command{Kind: CmdSwitch, Channel: channel} }
func Pause() Command             { return Command{Kind: CmdPause} }
func Resume() Command            { return Command{Kind: CmdResume} }

// String returns the ASCII wire form of the command.
func (c Command) String() string {
	switch c.Kind {
	case CmdStart:
		return startPrefix + strconv.Itoa(c.Channel)
	case CmdSwitch:
		return switchPrefix + strconv.Itoa(c.Channel)
	case CmdPause:
		return pauseText
	case CmdResume:
		return resumeText
	default:
		return ""
	}
}

// Bytes returns the wire form as a byte slice.
func (c Command) Bytes() []byte {
	return []byte(c.String())
}

// ParseCommand parses a single complete command.
func ParseCommand(s string) (Command, error) {
	s = strings.TrimSpace(s)
	switch {
	case s == pauseText:
		return Pause(), nil
	case s == resumeText:
		return Resume(), nil
	case strings.HasPrefix(s, startPrefix):
		ch, err := parseChannel(s[len(startPrefix):])
		if err != nil {
			return Command{}, fmt.Errorf("%w: %q: %v", ErrUnknownCommand, s, err)
		}
		return Start(ch), nil
	case strings.HasPrefix(s, switchPrefix):
		ch, err := parseChannel(s[len(switchPrefix):])
		if err != nil {
			return Command{}, fmt.Errorf("%w: %q: %v", ErrUnknownCommand, s, err)
		}
		return Switch(ch), nil
	default:
		return Command{}, fmt.Errorf("%w: %q", ErrUnknownCommand, s)
	}
}

func parseChannel(s string) (int, error) {
	if s == "" {
		return 0, errors.New("missing channel")
	}
	return strconv.Atoi(s)
}

var commandLiterals = [][]byte{
	[]byte(startPrefix),
	[]byte(switchPrefix),
	[]byte(pauseText),
	[]byte(resumeText),
}

// ScanCommands is a bufio.SplitFunc that splits an undelimited command
// stream into individual commands. Commands begin with a letter and channel
// numbers are digits, so a channel number ends at the first non-digit byte.
// A number running to the end of the buffered data is emitted immediately
// rather than waiting for more input. Bytes that cannot start a command are
// skipped.
func ScanCommands(data []byte, atEOF bool) (advance int, token []byte, err error) {
	for advance < len(data) {
		rest := data[advance:]
		matched, partial := false, false
		for _, lit := range commandLiterals {
			if bytes.HasPrefix(rest, lit) {
				matched = true
				end := len(lit)
				if lit[len(lit)-1] == ':' {
					for end < len(rest) && rest[end] >= '0' && rest[end] <= '9' {
						end++
					}
					if end == len(lit) {
						if !atEOF && end == len(rest) {
							return advance, nil, nil
						}
						// Prefix without a number; drop the prefix.
						advance += len(lit)
						break
					}
				}
				return advance + end, rest[:end], nil
			}
			if len(rest) < len(lit) && bytes.HasPrefix(lit, rest) {
				partial = true
			}
		}
		if matched {
			continue
		}
		if partial && !atEOF {
			return advance, nil, nil
		}
		advance++
	}
	return advance, nil, nil
}
