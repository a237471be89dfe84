package tui

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"emgscope/internal/engine"
	"emgscope/internal/event"
	"emgscope/internal/protocol"
	"emgscope/internal/stream"
	"emgscope/internal/view"
)

var (
	titleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFFDF5")).
			Background(lipgloss.Color("#25A065")).
			Padding(0, 1).
			Bold(true)

	infoStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFFDF5"))

	highlightStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#25A065")).
			Bold(true)

	warnStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#E8A33D"))

	traceStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#5FB3F9"))
)

const (
	maxLogLines  = 8
	traceHeight  = 6
	tickInterval = 200 * time.Millisecond
)

// Controller is the part of the engine the monitor drives.
type Controller interface {
	TogglePause() (bool, error)
	SetChannel(ch int) error
	ToggleFilter() (view.Filter, error)
	Reconnect(ctx context.Context) error
	Disconnect()
	Snapshot() engine.Snapshot
}

type keyMap struct {
	Up         key.Binding
	Down       key.Binding
	Pause      key.Binding
	Filter     key.Binding
	Reconnect  key.Binding
	Disconnect key.Binding
	Quit       key.Binding
}

func (k keyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Up, k.Down, k.Pause, k.Filter, k.Reconnect, k.Disconnect, k.Quit}
}

func (k keyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{k.ShortHelp()}
}

var keys = keyMap{
	Up:         key.NewBinding(key.WithKeys("up", "k"), key.WithHelp("↑/k", "next channel")),
	Down:       key.NewBinding(key.WithKeys("down", "j"), key.WithHelp("↓/j", "prev channel")),
	Pause:      key.NewBinding(key.WithKeys("p", " "), key.WithHelp("p", "pause")),
	Filter:     key.NewBinding(key.WithKeys("f"), key.WithHelp("f", "raw/rms")),
	Reconnect:  key.NewBinding(key.WithKeys("r"), key.WithHelp("r", "reconnect")),
	Disconnect: key.NewBinding(key.WithKeys("d"), key.WithHelp("d", "disconnect")),
	Quit:       key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
}

type eventMsg struct{ ev event.Event }

type closedMsg struct{}

type tickMsg time.Time

type errMsg struct{ err error }

// MonitorModel is the live EMG monitor.
type MonitorModel struct {
	ctl    Controller
	events <-chan event.Event

	viewport viewport.Model
	help     help.Model
	ready    bool
	width    int

	connection string
	paused     bool
	channel    int
	filter     string
	samples    []float32
	snap       engine.Snapshot
	logLines   []string
}

// NewMonitorModel creates a monitor driven by ctl and fed by events.
func NewMonitorModel(ctl Controller, events <-chan event.Event) MonitorModel {
	snap := ctl.Snapshot()
	return MonitorModel{
		ctl:        ctl,
		events:     events,
		help:       help.New(),
		connection: snap.Connection.String(),
		paused:     snap.Stream.State == stream.Paused,
		channel:    snap.Stream.Channel,
		filter:     string(snap.Filter),
		snap:       snap,
	}
}

// Init starts listening for events and the stats ticker.
func (m MonitorModel) Init() tea.Cmd {
	return tea.Batch(waitForEvent(m.events), tick())
}

func waitForEvent(events <-chan event.Event) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-events
		if !ok {
			return closedMsg{}
		}
		return eventMsg{ev}
	}
}

func tick() tea.Cmd {
	return tea.Tick(tickInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m MonitorModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var (
		cmd  tea.Cmd
		cmds []tea.Cmd
	)

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.help.Width = msg.Width
		height := max(msg.Height-traceHeight-10, 3)
		if !m.ready {
			m.viewport = viewport.New(msg.Width, height)
			m.viewport.Style = lipgloss.NewStyle()
			m.ready = true
		} else {
			m.viewport.Width = msg.Width
			m.viewport.Height = height
		}
		m.viewport.SetContent(strings.Join(m.logLines, "\n"))

	case eventMsg:
		m = m.apply(msg.ev)
		cmds = append(cmds, waitForEvent(m.events))

	case closedMsg:
		m = m.logf("Event stream closed")

	case tickMsg:
		m.snap = m.ctl.Snapshot()
		cmds = append(cmds, tick())

	case errMsg:
		m = m.logf("Error: %v", msg.err)

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, keys.Quit):
			return m, tea.Quit

		case key.Matches(msg, keys.Up):
			m = m.switchChannel(m.channel + 1)

		case key.Matches(msg, keys.Down):
			m = m.switchChannel(m.channel - 1)

		case key.Matches(msg, keys.Pause):
			paused, err := m.ctl.TogglePause()
			m.paused = paused
			if err != nil {
				m = m.logf("%v", err)
			}

		case key.Matches(msg, keys.Filter):
			f, err := m.ctl.ToggleFilter()
			if err != nil {
				m = m.logf("%v", err)
			} else {
				m.filter = string(f)
			}

		case key.Matches(msg, keys.Reconnect):
			ctl := m.ctl
			cmds = append(cmds, func() tea.Msg {
				if err := ctl.Reconnect(context.Background()); err != nil {
					return errMsg{err}
				}
				return nil
			})

		case key.Matches(msg, keys.Disconnect):
			m.ctl.Disconnect()
		}
	}

	m.viewport, cmd = m.viewport.Update(msg)
	cmds = append(cmds, cmd)
	return m, tea.Batch(cmds...)
}

// switchChannel wraps ch into the channel range and selects it.
func (m MonitorModel) switchChannel(ch int) MonitorModel {
	ch = (ch + protocol.MaxChannels) % protocol.MaxChannels
	if err := m.ctl.SetChannel(ch); err != nil {
		return m.logf("%v", err)
	}
	m.channel = ch
	return m
}

func (m MonitorModel) apply(ev event.Event) MonitorModel {
	switch ev := ev.(type) {
	case event.DataUpdated:
		m.samples = ev.Samples
		m.channel = ev.Channel
		m.filter = ev.Filter
	case event.ConnectionChanged:
		m.connection = ev.State.String()
		m = m.logf("%s", ev.Message)
	case event.PauseChanged:
		m.paused = ev.Paused
		m = m.logf("%s", ev.Message)
	case event.Warning:
		m = m.logf("%s", warnStyle.Render(ev.Message))
	case event.Status:
		m = m.logf("%s", ev.Message)
	}
	return m
}

func (m MonitorModel) logf(format string, args ...any) MonitorModel {
	line := time.Now().Format("15:04:05") + " " + fmt.Sprintf(format, args...)
	lines := append(append([]string(nil), m.logLines...), line)
	if len(lines) > maxLogLines {
		lines = lines[len(lines)-maxLogLines:]
	}
	m.logLines = lines
	if m.ready {
		m.viewport.SetContent(strings.Join(m.logLines, "\n"))
		m.viewport.GotoBottom()
	}
	return m
}

// View renders the UI
func (m MonitorModel) View() string {
	if !m.ready {
		return "Initializing..."
	}

	state := m.connection
	if m.paused {
		state += " · Paused"
	}
	title := titleStyle.Render("EMG Monitor")
	header := infoStyle.Render(fmt.Sprintf("%s  %s  channel %d  %s", m.snap.Addr, state, m.channel, m.filter))

	return fmt.Sprintf("%s %s\n\n%s\n\n%s\n\n%s\n\n%s",
		title, header,
		traceStyle.Render(Sparkline(m.samples, max(m.width-2, 16), traceHeight)),
		m.renderStats(),
		m.viewport.View(),
		m.help.View(keys))
}

func (m MonitorModel) renderStats() string {
	var sb strings.Builder
	s := m.snap
	fmt.Fprintf(&sb, "packets %d  samples %d  buffered %d  history %d  received %d  dropped %d",
		s.Stream.Packets, s.Stream.Samples, s.Stream.Buffered, s.Stream.History, s.Received, s.Dropped)
	if !s.LastFrame.IsZero() {
		fmt.Fprintf(&sb, "\nlast frame %s ago", time.Since(s.LastFrame).Round(100*time.Millisecond))
	}
	if s.Stream.Evicted > 0 {
		fmt.Fprintf(&sb, "  evicted %d", s.Stream.Evicted)
	}
	if s.Activation.Enabled {
		label := "rest"
		if s.Activation.Active {
			label = highlightStyle.Render("ACTIVE")
		}
		fmt.Fprintf(&sb, "\nactivation %s  rms %.4f  onsets %d", label, s.Activation.RMS, s.Activation.Onsets)
	}
	if len(s.Bands) > 0 {
		names := make([]string, 0, len(s.Bands))
		for name := range s.Bands {
			names = append(names, name)
		}
		sort.Strings(names)
		sb.WriteString("\nbands")
		for _, name := range names {
			fmt.Fprintf(&sb, "  %s %.3g", name, s.Bands[name])
		}
	}
	if s.Recording != "" {
		fmt.Fprintf(&sb, "\nrecording to %s", s.Recording)
	}
	return sb.String()
}

var sparkLevels = []rune("▁▂▃▄▅▆▇█")

// Sparkline draws samples as a block chart width columns wide and height
// rows tall. Each column shows the sample nearest its position.
func Sparkline(samples []float32, width, height int) string {
	if width <= 0 || height <= 0 {
		return ""
	}
	if len(samples) == 0 {
		return strings.Repeat(strings.Repeat(" ", width)+"\n", height-1) + strings.Repeat("─", width)
	}

	lo, hi := math.Inf(1), math.Inf(-1)
	for _, v := range samples {
		lo = math.Min(lo, float64(v))
		hi = math.Max(hi, float64(v))
	}
	span := hi - lo

	// Column heights in eighths of a row.
	levels := len(sparkLevels)
	cols := make([]int, width)
	for i := range cols {
		v := float64(samples[i*len(samples)/width])
		frac := 0.5
		if span > 0 {
			frac = (v - lo) / span
		}
		cols[i] = int(math.Round(frac * float64(height*levels-1)))
	}

	var sb strings.Builder
	for row := height - 1; row >= 0; row-- {
		base := row * levels
		for _, c := range cols {
			switch {
			case c >= base+levels:
				sb.WriteRune(sparkLevels[levels-1])
			case c >= base:
				sb.WriteRune(sparkLevels[c-base])
			default:
				sb.WriteByte(' ')
			}
		}
		if row > 0 {
			sb.WriteByte('\n')
		}
	}
	return sb.String()
}

// StartMonitorUI runs the monitor until the user quits.
func StartMonitorUI(ctl Controller, events <-chan event.Event) error {
	p := tea.NewProgram(
		NewMonitorModel(ctl, events),
		tea.WithAltScreen(),
	)
	_, err := p.Run()
	return err
}
