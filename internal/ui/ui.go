package ui

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/desertthunder/libsync/internal/formatter"
	"github.com/desertthunder/libsync/internal/models"
)

// DefaultRefresh is how often the dashboard reloads the status report.
const DefaultRefresh = 2 * time.Second

// ViewState represents the current view in the dashboard.
type ViewState int

const (
	ResourceListView ViewState = iota
	JobsView
)

// Source loads status reports and queues syncs for the dashboard.
type Source interface {
	Report(ctx context.Context) (*formatter.StatusReport, error)
	Sync(ctx context.Context, resource string) (string, error)
}

// Dashboard is the bubbletea model for the live status view.
type Dashboard struct {
	ctx      context.Context
	source   Source
	refresh  time.Duration
	now      func() time.Time
	view     ViewState
	width    int
	height   int
	list     list.Model
	report   *formatter.StatusReport
	selected *models.SyncState
	notice   string
	err      error
	help     help.Model
	keys     keyMap
}

// NewDashboard creates a dashboard polling source every refresh interval.
func NewDashboard(ctx context.Context, source Source, refresh time.Duration) *Dashboard {
	if refresh <= 0 {
		refresh = DefaultRefresh
	}

	l := list.New(nil, list.NewDefaultDelegate(), 0, 0)
	l.Title = "Sync resources"
	l.SetShowHelp(false)

	return &Dashboard{
		ctx:     ctx,
		source:  source,
		refresh: refresh,
		now:     time.Now,
		view:    ResourceListView,
		list:    l,
		help:    help.New(),
		keys:    newKeyMap(),
	}
}

// Init loads the first report and starts the refresh ticker.
func (m *Dashboard) Init() tea.Cmd {
	return tea.Batch(m.load(), m.tick())
}

// Update handles incoming messages and updates the model state.
func (m *Dashboard) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.list.SetSize(msg.Width-4, msg.Height-8)
		return m, nil

	case tea.KeyMsg:
		return m.handleKeys(msg)

	case tickMsg:
		return m, tea.Batch(m.load(), m.tick())

	case reportMsg:
		if msg.err != nil {
			m.err = msg.err
			return m, nil
		}
		m.err = nil
		m.report = msg.report
		m.reselect()
		return m, m.list.SetItems(resourceItems(msg.report.States))

	case syncQueuedMsg:
		if msg.err != nil {
			m.notice = styles.err.Render(fmt.Sprintf("sync %s failed: %v", msg.resource, msg.err))
			return m, nil
		}
		m.notice = styles.ok.Render(fmt.Sprintf("queued %s (job %s)", msg.resource, msg.jobID))
		return m, m.load()
	}

	var cmd tea.Cmd
	m.list, cmd = m.list.Update(msg)
	return m, cmd
}

// View renders the UI based on the current view state.
func (m *Dashboard) View() string {
	if m.err != nil && m.report == nil {
		return styles.err.Render(fmt.Sprintf("Error: %v\n\nPress q to quit", m.err))
	}
	if m.report == nil {
		return styles.help.Render("Loading status...")
	}

	switch m.view {
	case JobsView:
		return m.renderJobs()
	default:
		return m.renderResources()
	}
}

func (m *Dashboard) handleKeys(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if m.list.FilterState() == list.Filtering {
		var cmd tea.Cmd
		m.list, cmd = m.list.Update(msg)
		return m, cmd
	}

	switch {
	case key.Matches(msg, m.keys.quit):
		return m, tea.Quit
	case key.Matches(msg, m.keys.refresh):
		return m, m.load()
	}

	switch m.view {
	case ResourceListView:
		switch {
		case key.Matches(msg, m.keys.enter):
			if item, ok := m.list.SelectedItem().(resourceItem); ok {
				m.selected = item.state
				m.view = JobsView
			}
			return m, nil
		case key.Matches(msg, m.keys.sync):
			if item, ok := m.list.SelectedItem().(resourceItem); ok {
				return m, m.sync(item.state.Resource)
			}
			return m, nil
		}
	case JobsView:
		switch {
		case key.Matches(msg, m.keys.back):
			m.view = ResourceListView
			m.selected = nil
			return m, nil
		case key.Matches(msg, m.keys.sync):
			if m.selected != nil {
				return m, m.sync(m.selected.Resource)
			}
			return m, nil
		}
		return m, nil
	}

	var cmd tea.Cmd
	m.list, cmd = m.list.Update(msg)
	return m, cmd
}

// reselect points the jobs view at the refreshed copy of the selected resource.
func (m *Dashboard) reselect() {
	if m.selected == nil {
		return
	}
	for _, s := range m.report.States {
		if s.Resource == m.selected.Resource {
			m.selected = s
			return
		}
	}
}

func (m *Dashboard) load() tea.Cmd {
	return func() tea.Msg {
		report, err := m.source.Report(m.ctx)
		return reportMsg{report: report, err: err}
	}
}

func (m *Dashboard) tick() tea.Cmd {
	return tea.Tick(m.refresh, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m *Dashboard) sync(resource string) tea.Cmd {
	return func() tea.Msg {
		id, err := m.source.Sync(m.ctx, resource)
		return syncQueuedMsg{resource: resource, jobID: id, err: err}
	}
}

func (m *Dashboard) header() string {
	name := "unknown user"
	if m.report.User != nil {
		name = m.report.User.ID
	}
	return fmt.Sprintf("%s\n%s",
		styles.title.Render("libsync: "+name),
		RenderHeartbeat(m.report.Heartbeat, m.now(), DefaultStaleAfter),
	)
}

func (m *Dashboard) footer(bindings ...key.Binding) string {
	out := m.help.ShortHelpView(bindings)
	if m.err != nil {
		out = styles.err.Render(fmt.Sprintf("refresh failed: %v", m.err)) + "\n" + out
	}
	if m.notice != "" {
		out = m.notice + "\n" + out
	}
	return out
}

func (m *Dashboard) renderResources() string {
	footer := m.footer(m.keys.enter, m.keys.sync, m.keys.refresh, m.keys.quit)
	return fmt.Sprintf("%s\n\n%s\n\n%s", m.header(), m.list.View(), footer)
}

func (m *Dashboard) renderJobs() string {
	resource := ""
	if m.selected != nil {
		resource = m.selected.Resource
	}

	var jobs []*models.Job
	for _, j := range m.report.Jobs {
		if j.Resource == resource {
			jobs = append(jobs, j)
		}
	}

	title := styles.title.Render("Jobs for " + resource)
	footer := m.footer(m.keys.back, m.keys.sync, m.keys.refresh, m.keys.quit)
	return fmt.Sprintf("%s\n\n%s\n%s\n\n%s", m.header(), title, RenderJobs(jobs), footer)
}
