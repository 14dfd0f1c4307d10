package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/fetchmux/internal/worker"
)

// refreshInterval is how often the model polls its Source.
const refreshInterval = 100 * time.Millisecond

// Source is what the download view observes. *worker.Runner satisfies it.
type Source interface {
	Progress() []worker.Progress
	Stats() worker.Stats
	Results() []worker.Result
}

type tickMsg time.Time

func tick() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

// Model shows running downloads with a progress bar each and lists the
// finished ones. It quits once total jobs have finished.
type Model struct {
	src   Source
	total int

	width    int
	bar      progress.Model
	spinner  spinner.Model
	running  []worker.Progress
	results  []worker.Result
	stats    worker.Stats
	started  time.Time
	quitting bool
	canceled bool
}

// NewModel creates a model expecting total jobs from src.
func NewModel(src Source, total int) Model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = HighlightStyle

	return Model{
		src:     src,
		total:   total,
		width:   80,
		bar:     progress.New(progress.WithDefaultGradient(), progress.WithWidth(40)),
		spinner: s,
		started: time.Now(),
	}
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, tick())
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			m.quitting = true
			m.canceled = true
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.bar.Width = min(max(msg.Width-50, 10), 60)

	case tickMsg:
		m.refresh()
		if m.Finished() {
			m.quitting = true
			return m, tea.Quit
		}
		return m, tick()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	return m, nil
}

func (m *Model) refresh() {
	m.running = m.src.Progress()
	m.results = m.src.Results()
	m.stats = m.src.Stats()
}

// Finished reports whether every expected job has a result.
func (m Model) Finished() bool {
	return m.stats.Active == 0 && m.stats.Queued == 0 && int(m.stats.Completed+m.stats.Failed) >= m.total
}

// Canceled reports whether the user quit before the downloads finished.
func (m Model) Canceled() bool {
	return m.canceled
}

// View implements tea.Model.
func (m Model) View() string {
	var b strings.Builder

	b.WriteString(Logo() + "  " + Tagline() + "\n\n")

	for _, res := range m.results {
		b.WriteString(resultLine(res) + "\n")
	}

	for _, p := range m.running {
		b.WriteString(m.progressLine(p) + "\n")
	}
	if m.stats.Queued > 0 {
		b.WriteString(DimStyle.Render(fmt.Sprintf("  %d queued", m.stats.Queued)) + "\n")
	}

	b.WriteString("\n" + Divider(min(m.width, 60)) + "\n")
	b.WriteString(m.statusBar() + "\n")
	if !m.quitting {
		b.WriteString(HelpStyle.Render("  q: cancel") + "\n")
	}
	return b.String()
}

func (m Model) progressLine(p worker.Progress) string {
	name := lipgloss.NewStyle().Width(24).Render(truncate(p.Job, 24))

	icon := m.spinner.View()
	if p.Paused {
		icon = WarningStyle.Render(PauseSign)
	}

	if p.Expected <= 0 {
		return fmt.Sprintf("%s %s %s", icon, name, ValueStyle.Render(FormatBytes(p.Offset+p.Received)))
	}
	pct := float64(p.Received) / float64(p.Expected)
	return fmt.Sprintf("%s %s %s %s / %s", icon, name, m.bar.ViewAs(min(pct, 1)),
		FormatBytes(p.Offset+p.Received), FormatBytes(p.Offset+p.Expected))
}

func resultLine(r worker.Result) string {
	if r.OK() {
		return fmt.Sprintf("%s %s %s",
			SuccessStyle.Render(CheckMark),
			r.Job,
			DimStyle.Render(fmt.Sprintf("%s in %s", FormatBytes(r.Bytes), r.Duration.Round(time.Millisecond))))
	}
	return fmt.Sprintf("%s %s %s", ErrorStyle.Render(CrossMark), r.Job, ErrorStyle.Render(r.Error))
}

func (m Model) statusBar() string {
	s := m.stats
	return StatusBarStyle.Render(fmt.Sprintf("%s %d done  %s %d failed  %s %s  %s",
		CheckMark, s.Completed,
		CrossMark, s.Failed,
		ArrowDown, FormatBytes(s.Bytes),
		time.Since(m.started).Round(time.Second)))
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
