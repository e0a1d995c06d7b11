package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/leapstack-labs/leapgrid/internal/notify"
	"github.com/leapstack-labs/leapgrid/internal/tabdata"
	"github.com/leapstack-labs/leapgrid/internal/ui"
)

// NewBrowseCommand creates the browse command.
func NewBrowseCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "browse <source>",
		Short: "Browse a source in an interactive grid",
		Long: `Open a terminal grid over a table, view, data file, or SQL script.

The grid pages through the source as you scroll, keeps showing the
previous rows while a sort re-executes, and lets you cancel a long read
without losing what is already loaded.`,
		Example: `  leapgrid browse orders
  leapgrid browse data/events.parquet
  leapgrid browse "select country, count(*) n from users group by 1"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBrowse(cmd, args[0])
		},
	}
}

func runBrowse(cmd *cobra.Command, src string) error {
	ctx := cmd.Context()
	cfg := ConfigFromContext(ctx)
	logger := LoggerFromContext(ctx)

	a, err := newApp(ctx, cfg, logger, true)
	if err != nil {
		return err
	}
	defer a.close()

	tab, err := a.registry.Open(ctx, "", parseDescriptor(src))
	if err != nil {
		return err
	}
	defer func() { _ = a.registry.Close(ctx, tab.ID) }()

	m := newBrowseModel(ctx, tab)
	defer m.sub.Cancel()

	p := tea.NewProgram(m, tea.WithContext(ctx), tea.WithAltScreen())
	_, err = p.Run()
	return err
}

type refreshMsg struct{}

type browseModel struct {
	ctx context.Context
	tab *ui.Tab
	sub *notify.Subscription

	spinner spinner.Model
	status  tabdata.Status
	slice   *tabdata.Slice

	top    int64
	selCol int
	width  int
	height int
}

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	statusStyle = lipgloss.NewStyle().Faint(true).Padding(0, 1)
	staleStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("11")).Padding(0, 1)
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Padding(0, 1)
	selColStyle = lipgloss.NewStyle().Bold(true).Underline(true)
)

func newBrowseModel(ctx context.Context, tab *ui.Tab) browseModel {
	sp := spinner.New()
	sp.Spinner = spinner.Dot

	return browseModel{
		ctx:     ctx,
		tab:     tab,
		sub:     tab.Adapter.Subscribe(),
		spinner: sp,
		status:  tab.Adapter.Status(),
		height:  24,
		width:   80,
	}
}

// waitForChange re-arms the subscription listener.
func (m browseModel) waitForChange() tea.Cmd {
	sub := m.sub
	return func() tea.Msg {
		select {
		case <-sub.C:
			return refreshMsg{}
		case <-m.ctx.Done():
			return nil
		}
	}
}

func (m browseModel) pageSize() int64 {
	n := int64(m.height - 7)
	if n < 5 {
		n = 5
	}
	return n
}

func (m browseModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.refresh(), m.waitForChange())
}

// refresh re-reads status and the visible window.
func (m *browseModel) refresh() tea.Cmd {
	m.status = m.tab.Adapter.Status()
	m.slice = m.tab.Adapter.SliceRows(m.top, m.top+m.pageSize())
	if m.selCol >= len(m.status.Schema) {
		m.selCol = 0
	}
	return nil
}

func (m browseModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.refresh()
		return m, nil

	case refreshMsg:
		m.refresh()
		return m, m.waitForChange()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case tea.KeyMsg:
		return m.handleKey(msg)
	}
	return m, nil
}

func (m browseModel) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	page := m.pageSize()

	switch msg.String() {
	case "q", "ctrl+c":
		return m, tea.Quit

	case "down", "j":
		m.top++
	case "up", "k":
		if m.top > 0 {
			m.top--
		}
	case "pgdown", "f":
		m.top += page
	case "pgup", "b":
		m.top -= page
		if m.top < 0 {
			m.top = 0
		}
	case "home", "g":
		m.top = 0
	case "end", "G":
		avail := m.status.RowCount.AvailableRowCount
		if avail > page {
			m.top = avail - page
		}

	case "left", "h":
		if m.selCol > 0 {
			m.selCol--
		}
	case "right", "l":
		if m.selCol < len(m.status.Schema)-1 {
			m.selCol++
		}

	case "s", "S":
		if len(m.status.Schema) > 0 {
			col := m.status.Schema[m.selCol].Name
			_ = m.tab.Adapter.ToggleColumnSort(m.ctx, col, msg.String() == "S")
		}
	case "c":
		m.tab.Adapter.CancelDataRead()
	case "a":
		m.tab.Adapter.AckDataReadCancelled()
	case "r":
		_ = m.tab.Adapter.Reset(m.ctx)
	}

	m.refresh()
	return m, nil
}

func (m browseModel) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render(m.tab.Descriptor().Label()))
	b.WriteString("\n")
	b.WriteString(m.renderGrid())
	b.WriteString("\n")
	b.WriteString(m.renderStatus())
	b.WriteString("\n")
	b.WriteString(statusStyle.Render(
		"↑/↓ scroll  ←/→ column  s sort  S multi-sort  c cancel  a ack  r reset  q quit"))
	return b.String()
}

func (m browseModel) renderGrid() string {
	if m.slice == nil {
		return statusStyle.Render("waiting for schema...")
	}

	t := table.NewWriter()
	t.SetStyle(table.StyleLight)
	if m.width > 0 {
		t.SetAllowedRowLength(m.width)
	}

	header := make(table.Row, len(m.status.Schema))
	for i, c := range m.status.Schema {
		name := c.Name
		if k := m.status.Sort.Find(name); k >= 0 {
			name += " " + string(m.status.Sort[k].Direction)
		}
		if i == m.selCol {
			name = selColStyle.Render(name)
		}
		header[i] = name
	}
	t.AppendHeader(header)

	for _, row := range m.slice.Data {
		tr := make(table.Row, len(m.status.Schema))
		for i := range m.status.Schema {
			if i < len(row) {
				tr[i] = cellText(row[i])
			}
		}
		t.AppendRow(tr)
	}
	return t.Render()
}

func (m browseModel) renderStatus() string {
	var parts []string

	if m.status.IsSorting {
		parts = append(parts, m.spinner.View()+" sorting")
	} else if m.status.IsFetching {
		parts = append(parts, m.spinner.View()+" fetching")
	}
	if m.status.IsStale {
		parts = append(parts, staleStyle.Render("stale"))
	}
	if m.status.ReadCancelled {
		parts = append(parts, staleStyle.Render("read cancelled (a to ack)"))
	}

	rc := m.status.RowCount
	switch {
	case rc.RealRowCount != nil:
		parts = append(parts, countPrinter.Sprintf("row %d of %d", m.top+1, *rc.RealRowCount))
	case rc.EstimatedRowCount != nil:
		parts = append(parts, countPrinter.Sprintf("row %d of ~%d", m.top+1, *rc.EstimatedRowCount))
	default:
		parts = append(parts, countPrinter.Sprintf("row %d, %d loaded", m.top+1, rc.AvailableRowCount))
	}

	line := statusStyle.Render(strings.Join(parts, "  "))
	if len(m.status.Errors) > 0 {
		line += "\n" + errorStyle.Render(fmt.Sprintf("error: %s", m.status.Errors[len(m.status.Errors)-1]))
	}
	return line
}
