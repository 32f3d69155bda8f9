// Package tui is the full-screen live view shown while a run is in progress.
package tui

import (
	"context"
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"

	"chatload/internal/runner"
	"chatload/internal/tui/live"
	"chatload/internal/tui/styles"
)

type doneMsg struct {
	summary runner.Summary
	err     error
}

// runResult is written once by the run goroutine before done is closed.
type runResult struct {
	done    chan struct{}
	summary runner.Summary
	err     error
}

// Model drives a runner and renders its progress until the run returns.
type Model struct {
	Runner *runner.Runner
	Live   live.Model

	cancel context.CancelFunc
	result *runResult

	Summary  runner.Summary
	Err      error
	Finished bool
	Aborted  bool
}

// NewModel returns a model that will start r on Init. cancel is called when
// the user quits before the run completes.
func NewModel(r *runner.Runner, cancel context.CancelFunc) Model {
	return Model{
		Runner: r,
		Live:   live.NewModel(r.Cfg.Iterations, r.Cfg.FailureThreshold),
		cancel: cancel,
		result: &runResult{done: make(chan struct{})},
	}
}

// Start launches the run on ctx. It must be called once before the program
// starts.
func (m Model) Start(ctx context.Context) {
	go func() {
		m.result.summary, m.result.err = m.Runner.Run(ctx)
		close(m.result.done)
	}()
}

// Wait blocks until the run started by Start returns.
func (m Model) Wait() (runner.Summary, error) {
	<-m.result.done
	return m.result.summary, m.result.err
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.waitForUpdate(), m.waitForDone())
}

func (m Model) waitForUpdate() tea.Cmd {
	return func() tea.Msg {
		return <-m.Runner.Updates
	}
}

func (m Model) waitForDone() tea.Cmd {
	return func() tea.Msg {
		s, err := m.Wait()
		return doneMsg{summary: s, err: err}
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			// Keep the program up until Run returns so the summary is complete.
			if !m.Aborted && m.cancel != nil {
				m.cancel()
			}
			m.Aborted = true
			return m, nil
		}

	case runner.StatsSnapshot:
		var cmd tea.Cmd
		m.Live, cmd = m.Live.Update(msg)
		return m, tea.Batch(cmd, m.waitForUpdate())

	case doneMsg:
		m.Summary = msg.summary
		m.Err = msg.err
		m.Finished = true
		m.Live.Stats = m.Runner.Snapshot()
		return m, tea.Quit

	default:
		var cmd tea.Cmd
		m.Live, cmd = m.Live.Update(msg)
		return m, cmd
	}

	return m, nil
}

func (m Model) View() string {
	s := strings.Builder{}

	s.WriteString(styles.Title.Render("🚀 chatload"))
	s.WriteString("\n")

	cfg := m.Runner.Cfg
	s.WriteString(fmt.Sprintf("URL: %s\n", cfg.URL))
	s.WriteString(fmt.Sprintf("Payload: %s | VUs: %d | Iterations: %d\n", cfg.Payload, cfg.Workers, cfg.Iterations))
	s.WriteString(styles.Subtle.Render("Run " + m.Runner.RunID))
	s.WriteString("\n\n")

	s.WriteString(m.Live.View())
	s.WriteString("\n\n")

	switch {
	case m.Finished:
		s.WriteString(styles.Verdict(m.Summary.Passed))
	case m.Aborted:
		s.WriteString(styles.Warn.Render("Stopping, waiting for in-flight requests..."))
	default:
		s.WriteString(styles.RenderKey("q", "stop run"))
	}
	s.WriteString("\n")

	return s.String()
}
