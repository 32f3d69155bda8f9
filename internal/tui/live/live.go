package live

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"chatload/internal/runner"
	"chatload/internal/tui/components"
	"chatload/internal/tui/styles"
)

// Model renders the running counters of a load test. It is fed
// runner.StatsSnapshot messages by the parent model.
type Model struct {
	Stats     runner.StatsSnapshot
	Progress  progress.Model
	Threshold float64

	RpsLine     components.Sparkline
	LatencyLine components.Sparkline

	StartTime  time.Time
	LastUpdate time.Time
	LastReqs   uint64

	Width  int
	Height int
}

func NewModel(iterations int, threshold float64) Model {
	now := time.Now()
	return Model{
		Stats:       runner.StatsSnapshot{Iterations: iterations},
		Progress:    progress.New(progress.WithDefaultGradient()),
		Threshold:   threshold,
		RpsLine:     components.NewSparkline(40, "RPS", styles.Active),
		LatencyLine: components.NewSparkline(40, "Latency P90 (ms)", styles.Warn),
		StartTime:   now,
		LastUpdate:  now,
	}
}

func (m Model) Init() tea.Cmd {
	return nil
}

func (m Model) Update(msg tea.Msg) (Model, tea.Cmd) {
	switch msg := msg.(type) {
	case runner.StatsSnapshot:
		now := time.Now()
		dt := now.Sub(m.LastUpdate).Seconds()
		if dt < 0.01 {
			dt = 0.01
		}

		var delta uint64
		if msg.Requests > m.LastReqs {
			delta = msg.Requests - m.LastReqs
		}
		m.RpsLine.Add(float64(delta) / dt)
		m.LatencyLine.Add(msg.P90Ms)

		m.Stats = msg
		m.LastReqs = msg.Requests
		m.LastUpdate = now

		return m, m.Progress.SetPercent(m.Percent())

	case tea.WindowSizeMsg:
		m.Width = msg.Width
		m.Height = msg.Height
		m.Progress.Width = msg.Width - 4

		half := (msg.Width / 2) - 6
		if half < 10 {
			half = 10
		}
		m.RpsLine.Width = half
		m.LatencyLine.Width = half
		return m, nil

	case progress.FrameMsg:
		prog, cmd := m.Progress.Update(msg)
		m.Progress = prog.(progress.Model)
		return m, cmd
	}

	return m, nil
}

// Percent is the share of iterations that produced an outcome.
func (m Model) Percent() float64 {
	if m.Stats.Iterations <= 0 {
		return 0
	}
	pct := float64(m.Stats.Requests) / float64(m.Stats.Iterations)
	if pct > 1 {
		pct = 1
	}
	return pct
}

// FailureRate is the running fraction of failed requests.
func (m Model) FailureRate() float64 {
	if m.Stats.Requests == 0 {
		return 0
	}
	return float64(m.Stats.Fail) / float64(m.Stats.Requests)
}

func (m Model) View() string {
	s := strings.Builder{}

	rate := m.FailureRate()
	errColor := styles.ForFailureRate(rate, m.Threshold)

	col1 := fmt.Sprintf("REQ: %d/%d\nINF: %d", m.Stats.Requests, m.Stats.Iterations, m.Stats.Inflight)
	col2 := fmt.Sprintf("OK: %d\nFAIL: %d", m.Stats.Success, m.Stats.Fail)
	col3 := fmt.Sprintf("ERR: %s\nKB: %d",
		errColor.Render(fmt.Sprintf("%.2f%%", rate*100)),
		m.Stats.Bytes/1024,
	)

	s.WriteString(lipgloss.JoinHorizontal(lipgloss.Top,
		styles.Box.Render(col1),
		styles.Box.Render(col2),
		styles.Box.Render(col3),
	))
	s.WriteString("\n\n")

	s.WriteString(lipgloss.JoinHorizontal(lipgloss.Top,
		styles.Box.Render(m.RpsLine.View()),
		styles.Box.Render(m.LatencyLine.View()),
	))
	s.WriteString("\n\n")

	latencies := fmt.Sprintf(
		"P50: %.2f ms  |  P90: %.2f ms  |  P99: %.2f ms  |  Max: %.2f ms",
		m.Stats.P50Ms,
		m.Stats.P90Ms,
		m.Stats.P99Ms,
		m.Stats.MaxMs,
	)
	box := styles.Box
	if m.Width > 4 {
		box = box.Width(m.Width - 4)
	}
	s.WriteString(box.Render(latencies))
	s.WriteString("\n\n")

	s.WriteString(m.Progress.View())
	s.WriteString("\n")
	s.WriteString(styles.Subtle.Render(fmt.Sprintf("Elapsed: %s", time.Since(m.StartTime).Round(time.Second))))

	return s.String()
}
