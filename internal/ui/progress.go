package ui

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/desertthunder/libsync/internal/tasks"
)

// progressLines is how many recent updates the progress view keeps on screen.
const progressLines = 8

// RunFunc runs one sync and reports to progress. It must not close progress.
type RunFunc func(ctx context.Context, progress chan<- tasks.ProgressUpdate) (tasks.Result, error)

// Progress is the bubbletea model for a foreground sync run.
type Progress struct {
	ctx          context.Context
	resource     string
	run          RunFunc
	spinner      spinner.Model
	progressChan chan tasks.ProgressUpdate
	complete     chan runCompleteMsg
	lines        []string
	done         bool
	result       tasks.Result
	err          error
	help         help.Model
	keys         keyMap
}

// NewProgress creates a progress view for a run of resource.
func NewProgress(ctx context.Context, resource string, run RunFunc) *Progress {
	return &Progress{
		ctx:      ctx,
		resource: resource,
		run:      run,
		spinner:  spinner.New(spinner.WithSpinner(spinner.Dot), spinner.WithStyle(styles.help)),
		help:     help.New(),
		keys:     newKeyMap(),
	}
}

// Result returns the run outcome once the program has exited.
func (m *Progress) Result() (tasks.Result, error) {
	return m.result, m.err
}

// Init starts the run and the spinner.
func (m *Progress) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.start())
}

// Update handles incoming messages and updates the model state.
func (m *Progress) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if key.Matches(msg, m.keys.quit) {
			return m, tea.Quit
		}
		return m, nil

	case progressUpdateMsg:
		m.lines = append(m.lines, RenderProgress(tasks.ProgressUpdate(msg)))
		if len(m.lines) > progressLines {
			m.lines = m.lines[len(m.lines)-progressLines:]
		}
		return m, m.waitForProgress()

	case runCompleteMsg:
		m.done = true
		m.result = msg.result
		m.err = msg.err
		return m, tea.Quit

	case spinner.TickMsg:
		if m.done {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

// View renders the recent updates and, once finished, the outcome.
func (m *Progress) View() string {
	var b strings.Builder
	b.WriteString(styles.title.Render("Syncing " + m.resource))
	b.WriteString("\n")
	for _, line := range m.lines {
		b.WriteString(line)
		b.WriteString("\n")
	}

	if m.done {
		b.WriteString("\n")
		b.WriteString(RenderResult(m.resource, m.result, m.err))
		b.WriteString("\n")
		return b.String()
	}

	fmt.Fprintf(&b, "\n%s working...\n\n%s\n", m.spinner.View(), m.help.ShortHelpView([]key.Binding{m.keys.quit}))
	return b.String()
}

func (m *Progress) start() tea.Cmd {
	m.progressChan = make(chan tasks.ProgressUpdate, 50)
	m.complete = make(chan runCompleteMsg, 1)

	go func() {
		result, err := m.run(m.ctx, m.progressChan)
		m.complete <- runCompleteMsg{result: result, err: err}
		close(m.progressChan)
	}()

	return m.waitForProgress()
}

// waitForProgress delivers the next update, or the run outcome once the channel is closed.
func (m *Progress) waitForProgress() tea.Cmd {
	updates, complete := m.progressChan, m.complete
	return func() tea.Msg {
		update, ok := <-updates
		if !ok {
			return <-complete
		}
		return progressUpdateMsg(update)
	}
}
