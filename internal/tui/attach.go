// Package tui implements the interactive attach console: live server output
// on top, a command prompt below.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/loykin/consolr/pkg/client"
)

const (
	DefaultPollInterval = 250 * time.Millisecond
	DefaultMaxLines     = 2000
	requestTimeout      = 5 * time.Second
	stderrPrefix        = "[ERROR] "
)

// Backend is the daemon API the console needs. *client.Client satisfies it.
type Backend interface {
	Status(ctx context.Context, id string) (client.ServerStatus, error)
	ConsoleSince(ctx context.Context, id string, since uint64) (client.ConsolePage, error)
	SendCommand(ctx context.Context, id, command string) error
}

type Options struct {
	PollInterval time.Duration
	MaxLines     int // lines kept on screen
}

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("229")).Background(lipgloss.Color("57")).Padding(0, 1)
	stderrStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("203"))
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	helpStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	stateColors = map[string]lipgloss.Color{
		"running":  lipgloss.Color("42"),
		"starting": lipgloss.Color("214"),
		"stopping": lipgloss.Color("214"),
		"exited":   lipgloss.Color("203"),
	}
)

// FormatLine renders a console line as plain text; stderr lines get an [ERROR] prefix.
func FormatLine(l client.ConsoleLine) string {
	if l.Origin == "stderr" {
		return stderrPrefix + l.Text
	}
	return l.Text
}

type pollMsg struct {
	status client.ServerStatus
	page   client.ConsolePage
	err    error
}

type tickMsg time.Time

type sentMsg struct {
	command string
	err     error
}

type Model struct {
	backend  Backend
	id       string
	interval time.Duration
	maxLines int

	viewport viewport.Model
	input    textinput.Model
	ready    bool
	width    int
	height   int

	lines  []string
	next   uint64
	status client.ServerStatus
	err    error
}

// New builds an attach model for server id.
func New(b Backend, id string, opts Options) Model {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.MaxLines <= 0 {
		opts.MaxLines = DefaultMaxLines
	}
	ti := textinput.New()
	ti.Placeholder = "command..."
	ti.Prompt = "> "
	ti.CharLimit = 512
	ti.Focus()
	return Model{
		backend:  b,
		id:       id,
		interval: opts.PollInterval,
		maxLines: opts.MaxLines,
		input:    ti,
		status:   client.ServerStatus{ID: id},
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.poll())
}

func (m Model) poll() tea.Cmd {
	b, id, since := m.backend, m.id, m.next
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		st, err := b.Status(ctx, id)
		if err != nil {
			return pollMsg{err: err}
		}
		// the daemon restarted and its sequence numbers started over
		if since > st.LastSeq {
			since = 0
		}
		page, err := b.ConsoleSince(ctx, id, since)
		return pollMsg{status: st, page: page, err: err}
	}
}

func (m Model) tick() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m Model) send(command string) tea.Cmd {
	b, id := m.backend, m.id
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		return sentMsg{command: command, err: b.SendCommand(ctx, id, command)}
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		h := max(msg.Height-3, 1) // header, prompt, error line
		if !m.ready {
			m.viewport = viewport.New(msg.Width, h)
			m.ready = true
		} else {
			m.viewport.Width, m.viewport.Height = msg.Width, h
		}
		m.input.Width = max(msg.Width-4, 10)
		m.refresh(true)

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			return m, tea.Quit
		case tea.KeyEnter:
			text := strings.TrimSpace(m.input.Value())
			m.input.Reset()
			if text == "" {
				return m, nil
			}
			return m, m.send(text)
		case tea.KeyPgUp, tea.KeyPgDown:
			var cmd tea.Cmd
			m.viewport, cmd = m.viewport.Update(msg)
			return m, cmd
		}

	case pollMsg:
		if msg.err != nil {
			m.err = msg.err
		} else {
			m.err = nil
			m.status = msg.status
			if msg.page.Next < m.next {
				m.lines = nil
			}
			m.next = msg.page.Next
			m.appendLines(msg.page.Lines)
		}
		return m, m.tick()

	case tickMsg:
		return m, m.poll()

	case sentMsg:
		if msg.err != nil {
			m.err = fmt.Errorf("send %q: %w", msg.command, msg.err)
		} else {
			m.err = nil
		}
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	cmds = append(cmds, cmd)
	return m, tea.Batch(cmds...)
}

func (m *Model) appendLines(lines []client.ConsoleLine) {
	if len(lines) == 0 {
		return
	}
	for _, l := range lines {
		text := l.Text
		if l.Origin == "stderr" {
			text = stderrStyle.Render(stderrPrefix + l.Text)
		}
		m.lines = append(m.lines, text)
	}
	if over := len(m.lines) - m.maxLines; over > 0 {
		m.lines = append([]string(nil), m.lines[over:]...)
	}
	m.refresh(false)
}

// refresh re-renders the viewport, following the tail unless the user scrolled up.
func (m *Model) refresh(force bool) {
	if !m.ready {
		return
	}
	follow := force || m.viewport.AtBottom()
	m.viewport.SetContent(strings.Join(m.lines, "\n"))
	if follow {
		m.viewport.GotoBottom()
	}
}

func (m Model) header() string {
	name := m.status.Name
	if name == "" {
		name = m.id
	}
	state := m.status.State.Kind
	if state == "" {
		state = "unknown"
	}
	s := lipgloss.NewStyle().Foreground(stateColors[state]).Render(state)
	if m.status.State.PID > 0 {
		s += fmt.Sprintf(" pid %d", m.status.State.PID)
	}
	if code := m.status.State.ExitCode; code != nil && m.status.State.Kind == "exited" {
		s += fmt.Sprintf(" code %d", *code)
	}
	return headerStyle.Render(name) + " " + s + helpStyle.Render("  esc quit, pgup/pgdn scroll")
}

func (m Model) View() string {
	if !m.ready {
		return "attaching to " + m.id + "...\n"
	}
	foot := ""
	if m.err != nil {
		foot = errStyle.Render(m.err.Error())
	}
	return m.header() + "\n" + m.viewport.View() + "\n" + m.input.View() + "\n" + foot
}

// Run attaches to server id until the user quits or ctx is done.
func Run(ctx context.Context, b Backend, id string, opts Options) error {
	p := tea.NewProgram(New(b, id, opts), tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := p.Run()
	return err
}
