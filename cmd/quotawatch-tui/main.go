package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/quotawatch/quotawatch/pkg/client"
	"github.com/quotawatch/quotawatch/pkg/engine"
	"github.com/quotawatch/quotawatch/pkg/store"
)

// Config
const (
	pollRate       = time.Second
	maxEvents      = 20
	viewportHeight = 12
	barWidth       = 40
)

// Styles
var (
	subtleStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	statusStyle = lipgloss.NewStyle().Bold(true)
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))

	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("205")).
			Bold(true).
			BorderStyle(lipgloss.NormalBorder()).
			BorderBottom(true).
			Width(100)

	paneStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("63")).
			Padding(0, 1).
			Width(100)

	eventTimeStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241")).Width(20)

	alertStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	goodStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	infoStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))

	barFillStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))
	barEmptyStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("236"))
)

type tickMsg time.Time

type dataMsg struct {
	status engine.Status
	events []*store.EventRecord
	err    error
}

type refreshedMsg struct{ err error }

type model struct {
	api      *client.Client
	spinner  spinner.Model
	viewport viewport.Model
	status   engine.Status
	events   []*store.EventRecord
	err      error
	ready    bool
}

func initialModel(api *client.Client) model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))

	return model{
		api:     api,
		spinner: s,
		events:  []*store.EventRecord{},
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(
		m.spinner.Tick,
		fetchData(m.api),
		tick(),
	)
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var (
		cmd  tea.Cmd
		cmds []tea.Cmd
	)

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "r":
			return m, triggerRefresh(m.api)
		}
		m.viewport, cmd = m.viewport.Update(msg)
		cmds = append(cmds, cmd)
		return m, tea.Batch(cmds...)

	case spinner.TickMsg:
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)

	case tickMsg:
		cmds = append(cmds, fetchData(m.api), tick())

	case refreshedMsg:
		if msg.err != nil {
			m.err = msg.err
		}

	case dataMsg:
		if msg.err != nil {
			m.err = msg.err
		} else {
			m.err = nil
			m.status = msg.status
			m.events = msg.events
			m.updateViewportContent()
		}
		if !m.ready {
			m.ready = true
		}

	case tea.WindowSizeMsg:
		if !m.ready {
			m.viewport = viewport.New(msg.Width, viewportHeight)
			m.viewport.Style = lipgloss.NewStyle().
				BorderStyle(lipgloss.RoundedBorder()).
				BorderForeground(lipgloss.Color("62")).
				PaddingRight(2)
			m.ready = true
		} else {
			m.viewport.Width = msg.Width
			m.viewport.Height = viewportHeight
		}
	}

	return m, tea.Batch(cmds...)
}

func (m *model) updateViewportContent() {
	var sb strings.Builder

	for _, e := range m.events {
		ts := e.Ts.Local().Format("15:04:05")

		var typeStr string
		switch {
		case strings.Contains(string(e.EventType), "error") || strings.Contains(string(e.EventType), "required") || strings.Contains(string(e.EventType), "unavailable"):
			typeStr = alertStyle.Render(string(e.EventType))
		case strings.Contains(string(e.EventType), "recovered") || strings.Contains(string(e.EventType), "snapshot"):
			typeStr = goodStyle.Render(string(e.EventType))
		default:
			typeStr = infoStyle.Render(string(e.EventType))
		}

		sb.WriteString(fmt.Sprintf("%s %s\n", eventTimeStyle.Render(ts), typeStr))
	}

	m.viewport.SetContent(sb.String())
}

// usageBar renders a fixed-width utilization gauge.
func usageBar(pct float64) string {
	clamped := pct
	if clamped < 0 {
		clamped = 0
	}
	if clamped > 100 {
		clamped = 100
	}
	filled := int(clamped / 100 * barWidth)
	return barFillStyle.Render(strings.Repeat("█", filled)) +
		barEmptyStyle.Render(strings.Repeat("░", barWidth-filled))
}

func resetLabel(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	remaining := time.Until(t).Round(time.Minute)
	if remaining < 0 {
		return ""
	}
	return subtleStyle.Render(fmt.Sprintf("  resets in %s", remaining))
}

func (m model) View() string {
	if !m.ready {
		return fmt.Sprintf("\n%s Connecting to quotawatch-d...", m.spinner.View())
	}

	var usage strings.Builder
	usage.WriteString(lipgloss.NewStyle().Bold(true).Underline(true).Render("Usage Windows") + "\n\n")

	stateLine := fmt.Sprintf("State: %s", statusStyle.Render(string(m.status.State)))
	if m.status.ConsecutiveErrors > 0 {
		stateLine += warnStyle.Render(fmt.Sprintf("  (%d consecutive failures)", m.status.ConsecutiveErrors))
	}
	if m.status.CaptureUnavailable {
		stateLine += alertStyle.Render("  login capture unavailable")
	}
	usage.WriteString(stateLine + "\n\n")

	snap := m.status.Snapshot
	if snap == nil {
		usage.WriteString(subtleStyle.Render("No usage snapshot yet."))
	} else {
		usage.WriteString(fmt.Sprintf("Session  %s %5.1f%%%s\n",
			usageBar(snap.SessionUtilization), snap.SessionUtilization, resetLabel(snap.SessionResetsAt)))
		if snap.HasWeekly {
			usage.WriteString(fmt.Sprintf("Weekly   %s %5.1f%%%s\n",
				usageBar(snap.WeeklyUtilization), snap.WeeklyUtilization, resetLabel(snap.WeeklyResetsAt)))
		}
		usage.WriteString(subtleStyle.Render(fmt.Sprintf("\nFetched %s ago", time.Since(snap.FetchedAt).Round(time.Second))))
	}

	topPane := paneStyle.Render(usage.String())

	header := headerStyle.Render(fmt.Sprintf("%s Event Stream", m.spinner.View()))
	bottomPane := m.viewport.View()

	var status string
	if m.err != nil {
		status = errorStyle.Render(fmt.Sprintf("Offline: %v", m.err))
	} else {
		status = okStyle.Render(fmt.Sprintf("Online • %d Events", len(m.events)))
	}
	footer := subtleStyle.Render(fmt.Sprintf("\n%s\nPress r to refresh now, q to quit", status))

	return lipgloss.JoinVertical(lipgloss.Left, topPane, header, bottomPane, footer)
}

// Commands

func fetchData(api *client.Client) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 900*time.Millisecond)
		defer cancel()

		status, err := api.GetStatus(ctx)
		if err != nil {
			return dataMsg{err: err}
		}
		events, err := api.GetEvents(ctx, maxEvents)
		if err != nil {
			return dataMsg{err: err}
		}
		return dataMsg{status: status, events: events}
	}
}

func triggerRefresh(api *client.Client) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return refreshedMsg{err: api.TriggerRefresh(ctx)}
	}
}

func tick() tea.Cmd {
	return tea.Tick(pollRate, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func main() {
	api := client.NewClient(os.Getenv("QUOTAWATCH_ENDPOINT"))
	p := tea.NewProgram(initialModel(api), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Printf("Alas, there's been an error: %v", err)
		os.Exit(1)
	}
}
