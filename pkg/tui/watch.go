package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/ormasoftchile/tankapi/pkg/protocol"
)

// statusLoadedMsg carries one read of status.json.
type statusLoadedMsg struct {
	status *protocol.Status
	err    error
}

type tickMsg struct{}

// WatchModel follows a session directory's status.json.
type WatchModel struct {
	dir          string
	interval     time.Duration
	exitOnFinish bool

	spinner spinner.Model
	status  *protocol.Status
	err     error
}

// NewWatchModel polls dir every interval. With exitOnFinish the program quits
// once a terminal status is read.
func NewWatchModel(dir string, interval time.Duration, exitOnFinish bool) WatchModel {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = spinnerStyle
	return WatchModel{dir: dir, interval: interval, exitOnFinish: exitOnFinish, spinner: sp}
}

// Status returns the last status read, if any.
func (m WatchModel) Status() *protocol.Status { return m.status }

// Init starts the spinner and the first read.
func (m WatchModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.load())
}

func (m WatchModel) load() tea.Cmd {
	dir := m.dir
	return func() tea.Msg {
		st, err := protocol.ReadStatusFile(dir)
		return statusLoadedMsg{status: st, err: err}
	}
}

func (m WatchModel) tick() tea.Cmd {
	return tea.Tick(m.interval, func(time.Time) tea.Msg { return tickMsg{} })
}

// Update implements tea.Model.
func (m WatchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}

	case statusLoadedMsg:
		m.err = msg.err
		if msg.status != nil {
			m.status = msg.status
		}
		if m.exitOnFinish && m.status != nil && m.status.Status.Terminal() {
			return m, tea.Quit
		}
		return m, m.tick()

	case tickMsg:
		return m, m.load()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

// View implements tea.Model.
func (m WatchModel) View() string {
	var b strings.Builder
	if m.status == nil {
		fmt.Fprintf(&b, "%s waiting for %s\n", m.spinner.View(), dimStyle.Render(m.dir))
	} else {
		b.WriteString(RenderStatus(*m.status))
		if !m.status.Status.Terminal() {
			fmt.Fprintf(&b, "%s %s\n", m.spinner.View(), dimStyle.Render("running"))
		}
	}
	if m.err != nil && m.status != nil {
		b.WriteString(errorStyle.Render("read error: " + m.err.Error()))
		b.WriteString("\n")
	}
	b.WriteString(dimStyle.Render("q: quit"))
	return b.String()
}
