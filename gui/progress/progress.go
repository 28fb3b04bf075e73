// Package progress renders a terminal progress bar for a running generation.
package progress

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"

	"img2img_alternative/state"
)

const (
	padding  = 2
	maxWidth = 80
)

// Percent sets the bar directly, in [0, 1].
type Percent float64

type done struct{}

type model struct {
	percent     float64
	snapshot    state.Snapshot
	interrupted bool

	progress  progress.Model
	updates   <-chan state.Snapshot
	interrupt func()
}

func newModel(updates <-chan state.Snapshot, interrupt func()) *model {
	return &model{
		progress: progress.New(
			progress.WithScaledGradient("#FF7CCB", "#FDFF8C"),
			progress.WithoutPercentage(),
		),
		updates:   updates,
		interrupt: interrupt,
	}
}

// Run shows the bar until updates is closed. ctrl+c calls interrupt and
// keeps the bar up until the job winds down.
func Run(updates <-chan state.Snapshot, interrupt func()) error {
	if _, err := tea.NewProgram(newModel(updates, interrupt)).Run(); err != nil {
		return fmt.Errorf("error running progress bar: %w", err)
	}
	return nil
}

func waitForSnapshot(updates <-chan state.Snapshot) tea.Cmd {
	return func() tea.Msg {
		snapshot, ok := <-updates
		if !ok {
			return done{}
		}
		return snapshot
	}
}

func (m model) Init() tea.Cmd {
	return waitForSnapshot(m.updates)
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.progress.Width = msg.Width - padding*2 - 4
		if m.progress.Width > maxWidth {
			m.progress.Width = maxWidth
		}

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			if !m.interrupted && m.interrupt != nil {
				m.interrupt()
			}
			m.interrupted = true
		}

	case state.Snapshot:
		m.snapshot = msg
		m.percent = msg.Percent()
		return m, waitForSnapshot(m.updates)

	case Percent:
		m.percent = min(max(0.0, float64(msg)), 1.0)

	case done:
		return m, tea.Quit
	}
	return m, nil
}

func (m model) View() string {
	pad := strings.Repeat(" ", padding)
	status := fmt.Sprintf("job %d/%d, step %d/%d",
		min(m.snapshot.JobNo+1, max(m.snapshot.JobCount, 1)), max(m.snapshot.JobCount, 1),
		m.snapshot.SamplingStep, m.snapshot.SamplingSteps)
	if m.interrupted || m.snapshot.Interrupted {
		status += " (interrupting)"
	}
	return "\n" +
		pad + m.progress.ViewAs(m.percent) + "\n" +
		pad + status + "\n\n"
}
