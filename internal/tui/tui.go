// Package tui is the display client: a terminal view of the session
// meant for the screen at the instrument. It polls the server's state
// endpoint and renders the current note, phase and countdown large
// enough to read from the organ bench. A few keys double as a local
// remote control.
package tui

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/orgelaudio/orgelsampler/internal/session"
)

const pollEvery = 400 * time.Millisecond

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("15"))
	noteStyle  = lipgloss.NewStyle().Bold(true).Padding(0, 2).Foreground(lipgloss.Color("229"))
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))

	phaseColors = map[session.Phase]lipgloss.Color{
		session.PhaseIdle:         lipgloss.Color("241"),
		session.PhaseCountingDown: lipgloss.Color("214"),
		session.PhaseRecording:    lipgloss.Color("196"),
		session.PhaseReview:       lipgloss.Color("39"),
		session.PhaseFinished:     lipgloss.Color("42"),
	}
)

type stateMsg session.Snapshot

type errMsg struct{ err error }

type tickMsg time.Time

type model struct {
	url    string
	client *http.Client
	snap   session.Snapshot
	bar    progress.Model
	err    error
	width  int
}

// Run starts the display client against the given server base URL.
func Run(url string) error {
	m := model{
		url:    strings.TrimRight(url, "/"),
		client: &http.Client{Timeout: 2 * time.Second},
		bar:    progress.New(progress.WithDefaultGradient(), progress.WithoutPercentage()),
	}
	_, err := tea.NewProgram(m, tea.WithAltScreen()).Run()
	return err
}

func (m model) Init() tea.Cmd {
	return tea.Batch(m.fetchState, tick())
}

func tick() tea.Cmd {
	return tea.Tick(pollEvery, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m model) fetchState() tea.Msg {
	resp, err := m.client.Get(m.url + "/api/state")
	if err != nil {
		return errMsg{err}
	}
	defer resp.Body.Close()
	var snap session.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return errMsg{fmt.Errorf("decoding state: %w", err)}
	}
	return stateMsg(snap)
}

// post fires a command endpoint; the result shows up via polling.
func (m model) post(path string) tea.Cmd {
	return func() tea.Msg {
		resp, err := m.client.Post(m.url+path, "application/json", bytes.NewReader(nil))
		if err != nil {
			return errMsg{err}
		}
		resp.Body.Close()
		return nil
	}
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.bar.Width = msg.Width - 8
		return m, nil
	case tickMsg:
		return m, tea.Batch(m.fetchState, tick())
	case stateMsg:
		m.snap = session.Snapshot(msg)
		m.err = nil
		return m, nil
	case errMsg:
		m.err = msg.err
		return m, nil
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "enter", " ":
			return m, m.post("/api/record")
		case "s":
			return m, m.post("/api/stop")
		case "n", "right":
			return m, m.post("/api/next")
		case "p", "left":
			return m, m.post("/api/prev")
		case "r":
			return m, m.post("/api/redo")
		}
	}
	return m, nil
}

func (m model) View() string {
	var b strings.Builder

	snap := m.snap
	b.WriteString(titleStyle.Render(fmt.Sprintf("Orgelsampler — %s", snap.Organ)))
	b.WriteString("\n\n")

	if m.err != nil {
		b.WriteString(errStyle.Render(fmt.Sprintf("server unreachable: %v", m.err)))
		b.WriteString("\n\n" + dimStyle.Render("q quit"))
		return b.String()
	}

	register := "no register selected"
	if snap.RegisterSelected() {
		register = fmt.Sprintf("%s / %s", snap.Keyboard, snap.Register)
		if snap.Tremulant {
			register += " (tremulant)"
		}
	}
	b.WriteString(dimStyle.Render(register))
	b.WriteString("\n\n")

	phaseStyle := lipgloss.NewStyle().Bold(true).Foreground(phaseColors[snap.Phase])
	b.WriteString(phaseStyle.Render(string(snap.Phase)))
	b.WriteString("  ")
	b.WriteString(noteStyle.Render(fmt.Sprintf("%s (%03d)", snap.NoteName, snap.Note)))
	b.WriteString("\n\n")

	switch snap.Phase {
	case session.PhaseCountingDown:
		total := snap.Settings.CountdownSeconds
		b.WriteString(fmt.Sprintf("  recording in %d...\n", snap.Countdown))
		if total > 0 {
			b.WriteString("  " + m.bar.ViewAs(1-float64(snap.Countdown)/float64(total)) + "\n")
		}
	case session.PhaseRecording:
		b.WriteString(errStyle.Render("  ● REC") + fmt.Sprintf("  %ds\n", snap.Settings.RecordSeconds))
	case session.PhaseFinished:
		b.WriteString(okStyle.Render("  register complete") + "\n")
	}
	b.WriteString("\n")

	for _, ch := range snap.Channels {
		if !ch.Enabled {
			continue
		}
		mark := okStyle.Render("✓")
		detail := ch.Path
		if ch.Failed {
			mark = errStyle.Render("✗")
			detail = ch.Error
		}
		label := ch.ID
		if ch.Position != "" {
			label = fmt.Sprintf("%s (%s)", ch.ID, ch.Position)
		}
		b.WriteString(fmt.Sprintf("  %s %-18s %s\n", mark, label, dimStyle.Render(detail)))
	}

	done := snap.Note - snap.Settings.StartNote
	total := snap.Settings.EndNote - snap.Settings.StartNote + 1
	b.WriteString("\n" + dimStyle.Render(fmt.Sprintf("note %d of %d  ·  v%d  ·  %d client(s)",
		done+1, total, snap.Version, len(snap.Clients))))

	b.WriteString("\n\n" + dimStyle.Render("enter start · s stop · n next · p prev · r redo · q quit"))
	return b.String()
}
