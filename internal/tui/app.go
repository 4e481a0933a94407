// Package tui provides the interactive terminal task board for labflow.
package tui

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/fentz26/labflow/internal/models"
	"github.com/fentz26/labflow/internal/notify"
	"github.com/fentz26/labflow/internal/query"
	"github.com/fentz26/labflow/internal/workflow"
)

var (
	// Colors
	primaryColor   = lipgloss.Color("#7C3AED")
	secondaryColor = lipgloss.Color("#6366F1")
	successColor   = lipgloss.Color("#10B981")
	warningColor   = lipgloss.Color("#F59E0B")
	errorColor     = lipgloss.Color("#EF4444")
	mutedColor     = lipgloss.Color("#6B7280")
	fgColor        = lipgloss.Color("#F9FAFB")
	cyanColor      = lipgloss.Color("#06B6D4")

	// Styles
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			Padding(0, 1)

	statusBarStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("#374151")).
			Foreground(fgColor).
			Padding(0, 1)

	inputBoxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(primaryColor).
			Padding(0, 1)

	taskItemStyle = lipgloss.NewStyle().
			Padding(0, 2)

	selectedStyle = lipgloss.NewStyle().
			Background(primaryColor).
			Foreground(fgColor).
			Bold(true).
			Padding(0, 2)

	helpStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Italic(true)

	onlineStyle = lipgloss.NewStyle().
			Foreground(successColor).
			Bold(true)

	offlineStyle = lipgloss.NewStyle().
			Foreground(errorColor)
)

const (
	modeList   = "list"
	modeDetail = "detail"
	modeStats  = "stats"
	modeInbox  = "inbox"
)

// App is the main TUI application model.
type App struct {
	client       *Client
	tasks        []workflow.AnnotatedTask
	selectedIdx  int
	input        textinput.Model
	viewport     viewport.Model
	width        int
	height       int
	mode         string
	currentTask  *TaskDetail
	message      string
	filter       Filter
	filterIdx    int
	loading      bool
	daemonOnline bool
	suggestions  *Suggestions
	myStats      *query.Stats
	allStats     *query.Stats
	inbox        []notify.Event
	inboxErr     error
}

// New creates a new TUI application acting as user.
func New(apiAddr, user string) *App {
	ti := textinput.New()
	ti.Placeholder = "Type / for commands: add <assignee> <title> | handover <user> [note] | status <s> | search <text>"
	ti.Focus()
	ti.CharLimit = 256
	ti.Width = 80

	return &App{
		client:      NewClient(apiAddr, user),
		input:       ti,
		viewport:    viewport.New(80, 20),
		mode:        modeList,
		suggestions: NewSuggestions(),
	}
}

// Run starts the TUI application.
func (a *App) Run() error {
	p := tea.NewProgram(a, tea.WithAltScreen())
	_, err := p.Run()
	return err
}

// Init implements tea.Model
func (a *App) Init() tea.Cmd {
	return tea.Batch(
		textinput.Blink,
		a.fetchTasks(),
		a.checkDaemon(),
		a.tickCmd(),
	)
}

func (a *App) selected() *workflow.AnnotatedTask {
	if a.selectedIdx < 0 || a.selectedIdx >= len(a.tasks) {
		return nil
	}
	return &a.tasks[a.selectedIdx]
}

// Update implements tea.Model
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c":
			return a, tea.Quit

		case "esc":
			if a.suggestions.IsVisible() {
				a.suggestions.Update("")
				return a, nil
			}
			if a.mode != modeList {
				a.mode = modeList
				a.currentTask = nil
				return a, a.fetchTasks()
			}

		case "up":
			switch {
			case a.suggestions.IsVisible():
				a.suggestions.Prev()
			case a.mode == modeList && a.selectedIdx > 0:
				a.selectedIdx--
			case a.mode == modeDetail:
				a.viewport.LineUp(1)
			}
			return a, nil

		case "down":
			switch {
			case a.suggestions.IsVisible():
				a.suggestions.Next()
			case a.mode == modeList && a.selectedIdx < len(a.tasks)-1:
				a.selectedIdx++
			case a.mode == modeDetail:
				a.viewport.LineDown(1)
			}
			return a, nil

		case "tab":
			if a.suggestions.IsVisible() {
				a.input.SetValue(a.suggestions.Accept())
				a.input.CursorEnd()
				a.suggestions.Update(a.input.Value())
				return a, nil
			}
			if a.mode == modeList && a.input.Value() == "" {
				a.filterIdx = (a.filterIdx + 1) % len(filters)
				a.filter.Status = filters[a.filterIdx]
				return a, a.fetchTasks()
			}

		case "enter":
			if a.suggestions.IsVisible() {
				a.input.SetValue(a.suggestions.Accept())
				a.input.CursorEnd()
				a.suggestions.Update(a.input.Value())
				return a, nil
			}
			cmd := strings.TrimSpace(a.input.Value())
			if cmd != "" {
				a.input.SetValue("")
				return a, a.executeCommand(cmd)
			}
			if t := a.selected(); a.mode == modeList && t != nil {
				a.mode = modeDetail
				return a, a.fetchTaskDetail(t.ID)
			}
		}

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.input.Width = msg.Width - 4
		a.viewport.Width = msg.Width
		a.viewport.Height = max(5, msg.Height-10)
		if a.currentTask != nil {
			a.viewport.SetContent(renderDetail(a.currentTask, a.width))
		}

	case tasksLoadedMsg:
		a.loading = false
		a.tasks = msg.tasks
		if a.selectedIdx >= len(a.tasks) {
			a.selectedIdx = max(0, len(a.tasks)-1)
		}
		a.suggestions.SetUsers(knownUsers(a.tasks, a.client.User()))

	case taskDetailLoadedMsg:
		a.currentTask = msg.task
		a.viewport.SetContent(renderDetail(msg.task, a.width))
		a.viewport.GotoTop()

	case statsLoadedMsg:
		a.myStats, a.allStats = msg.mine, msg.all

	case inboxLoadedMsg:
		a.inbox, a.inboxErr = msg.events, msg.err

	case daemonStatusMsg:
		a.daemonOnline = msg.online

	case tickMsg:
		cmds = append(cmds, a.checkDaemon(), a.tickCmd())
		if a.mode == modeList {
			cmds = append(cmds, a.fetchTasks())
		}

	case commandResultMsg:
		a.message = msg.message
		if a.mode == modeDetail && a.currentTask != nil {
			return a, tea.Batch(a.fetchTasks(), a.fetchTaskDetail(a.currentTask.ID))
		}
		return a, a.fetchTasks()

	case errMsg:
		a.loading = false
		a.message = "Error: " + msg.err.Error()
	}

	// Update input
	var cmd tea.Cmd
	a.input, cmd = a.input.Update(msg)
	cmds = append(cmds, cmd)

	// Update suggestions based on input
	a.suggestions.Update(a.input.Value())

	return a, tea.Batch(cmds...)
}

// knownUsers collects every username seen on the board.
func knownUsers(tasks []workflow.AnnotatedTask, self string) []string {
	seen := map[string]bool{self: true}
	for _, t := range tasks {
		seen[t.AssignedTo] = true
		seen[t.AssignedBy] = true
	}
	delete(seen, "")
	out := make([]string, 0, len(seen))
	for u := range seen {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}

// View implements tea.Model
func (a *App) View() string {
	var b strings.Builder

	daemonStatus := onlineStyle.Render("● DAEMON")
	if !a.daemonOnline {
		daemonStatus = offlineStyle.Render("○ DAEMON")
	}
	userStatus := lipgloss.NewStyle().Foreground(successColor).Render("● " + a.client.User())

	header := titleStyle.Render("labflow sample workflow")
	header += "  " + daemonStatus
	header += "  " + userStatus

	b.WriteString(header + "\n")
	b.WriteString(strings.Repeat("─", a.width) + "\n")

	// Main content area
	contentHeight := a.height - 8
	if contentHeight < 5 {
		contentHeight = 5
	}

	switch a.mode {
	case modeList:
		label := fmt.Sprintf(" Filter: [%s]", filterNames[a.filterIdx])
		if a.filter.Mine {
			label += " [MINE]"
		}
		if a.filter.Search != "" {
			label += fmt.Sprintf(" [search: %s]", a.filter.Search)
		}
		b.WriteString(lipgloss.NewStyle().Foreground(mutedColor).Render(label) + "\n")
		b.WriteString(a.renderTaskList(contentHeight - 1))
	case modeDetail:
		if a.currentTask == nil {
			b.WriteString(a.renderTaskDetail())
		} else {
			b.WriteString(a.viewport.View())
		}
	case modeStats:
		b.WriteString(a.renderStats())
	case modeInbox:
		b.WriteString(a.renderInbox())
	}

	// Message bar
	if a.message != "" {
		msgStyle := lipgloss.NewStyle().Foreground(successColor)
		if strings.HasPrefix(a.message, "Error") {
			msgStyle = lipgloss.NewStyle().Foreground(errorColor)
		}
		b.WriteString("\n" + msgStyle.Render(a.message))
	} else {
		b.WriteString("\n")
	}

	// Input box
	b.WriteString("\n")
	b.WriteString(inputBoxStyle.Render(a.input.View()))

	// Suggestions dropdown (if visible) - renders BELOW input
	if a.suggestions.IsVisible() {
		b.WriteString("\n")
		b.WriteString(a.suggestions.Render(a.width))
	}
	b.WriteString("\n")

	// Status bar
	var status string
	switch a.mode {
	case modeList:
		status = fmt.Sprintf(" Tasks: %d | ↑↓:nav | Enter:open | Tab:filter | @user #stage | Ctrl+C:quit", len(a.tasks))
	case modeDetail:
		status = " ↑↓:scroll | handover <user> [note] | status <s> | Esc:back"
	default:
		status = " Esc:back | Ctrl+C:quit"
	}
	b.WriteString(statusBarStyle.Width(a.width).Render(status))

	return b.String()
}

func (a *App) renderStats() string {
	var b strings.Builder
	row := func(label string, mine, all int) {
		b.WriteString(fmt.Sprintf("  %-15s %6d %8d\n", label, mine, all))
	}

	b.WriteString("\n  " + lipgloss.NewStyle().Bold(true).Render("Task statistics") + "\n\n")
	if a.myStats == nil || a.allStats == nil {
		b.WriteString("  Loading...\n")
		return b.String()
	}
	m, t := a.myStats, a.allStats
	b.WriteString(helpStyle.Render(fmt.Sprintf("  %-15s %6s %8s", "", "mine", "all")) + "\n")
	row("Total", m.Total, t.Total)
	row("Pending", m.Pending, t.Pending)
	row("In progress", m.InProgress, t.InProgress)
	row("Completed", m.Completed, t.Completed)
	row("Cancelled", m.Cancelled, t.Cancelled)
	row("High priority", m.HighPriority, t.HighPriority)
	row("Overdue", m.Overdue, t.Overdue)
	return b.String()
}

func (a *App) renderInbox() string {
	var b strings.Builder
	b.WriteString("\n  " + lipgloss.NewStyle().Bold(true).Render("Inbox") + "\n\n")
	if a.inboxErr != nil {
		b.WriteString("  " + offlineStyle.Render(a.inboxErr.Error()) + "\n")
		return b.String()
	}
	if len(a.inbox) == 0 {
		b.WriteString("  " + helpStyle.Render("No notifications") + "\n")
		return b.String()
	}
	for _, e := range a.inbox {
		line := fmt.Sprintf("  %s  %-15s #%d %s", e.At, e.Type, e.TaskID, e.Title)
		if e.From != "" {
			line += "  from " + e.From
		}
		b.WriteString(line + "\n")
		if e.Note != "" {
			b.WriteString(helpStyle.Render("      "+e.Note) + "\n")
		}
	}
	return b.String()
}

func (a *App) fetchTasks() tea.Cmd {
	a.loading = true
	f := a.filter
	return func() tea.Msg {
		tasks, err := a.client.ListTasks(f)
		if err != nil {
			return errMsg{err}
		}
		return tasksLoadedMsg{tasks}
	}
}

func (a *App) fetchTaskDetail(id int64) tea.Cmd {
	return func() tea.Msg {
		task, err := a.client.GetTask(id)
		if err != nil {
			return errMsg{err}
		}
		return taskDetailLoadedMsg{task}
	}
}

func (a *App) fetchStats() tea.Cmd {
	return func() tea.Msg {
		mine, err := a.client.Stats(true)
		if err != nil {
			return errMsg{err}
		}
		all, err := a.client.Stats(false)
		if err != nil {
			return errMsg{err}
		}
		return statsLoadedMsg{mine: mine, all: all}
	}
}

func (a *App) fetchInbox() tea.Cmd {
	return func() tea.Msg {
		events, err := a.client.Inbox()
		return inboxLoadedMsg{events: events, err: err}
	}
}

func (a *App) checkDaemon() tea.Cmd {
	return func() tea.Msg {
		ok, err := a.client.CheckHealth()
		return daemonStatusMsg{online: err == nil && ok}
	}
}

type tickMsg time.Time

func (a *App) tickCmd() tea.Cmd {
	return tea.Tick(10*time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// target is the task a command acts on: the open one in detail view,
// otherwise the selected row.
func (a *App) target() (int64, bool) {
	if a.mode == modeDetail && a.currentTask != nil {
		return a.currentTask.ID, true
	}
	if t := a.selected(); t != nil {
		return t.ID, true
	}
	return 0, false
}

func cleanArgs(args []string) []string {
	out := make([]string, len(args))
	for i, s := range args {
		out[i] = strings.TrimLeft(s, "@#")
	}
	return out
}

func (a *App) executeCommand(input string) tea.Cmd {
	parts := strings.Fields(strings.TrimPrefix(input, "/"))
	if len(parts) == 0 {
		return nil
	}

	cmd := parts[0]
	args := cleanArgs(parts[1:])

	switch cmd {
	case "q", "quit", "exit":
		return tea.Quit
	case "mine":
		a.filter.Mine, a.filter.Search = true, ""
		a.mode = modeList
		return a.fetchTasks()
	case "all":
		a.filter = Filter{Status: filters[a.filterIdx]}
		a.mode = modeList
		return a.fetchTasks()
	case "search":
		a.filter.Search = strings.Join(args, " ")
		a.filter.Mine = false
		a.mode = modeList
		return a.fetchTasks()
	case "stats":
		a.mode = modeStats
		return a.fetchStats()
	case "inbox":
		a.mode = modeInbox
		return a.fetchInbox()
	case "open":
		if len(args) < 1 {
			return result("Usage: open <task-id>")
		}
		id, err := strconv.ParseInt(strings.TrimPrefix(args[0], "#"), 10, 64)
		if err != nil {
			return result("Error: invalid task id " + args[0])
		}
		a.mode = modeDetail
		return a.fetchTaskDetail(id)
	}

	id, ok := a.target()

	return func() tea.Msg {
		switch cmd {
		case "add":
			if len(args) < 2 {
				return commandResultMsg{"Usage: add <assignee> <title>"}
			}
			title := strings.Join(args[1:], " ")
			t, err := a.client.CreateTask(args[0], title, title)
			if err != nil {
				return commandResultMsg{"Error: " + err.Error()}
			}
			return commandResultMsg{fmt.Sprintf("✓ Created task #%d for %s", t.ID, t.AssignedTo)}

		case "handover":
			if !ok {
				return commandResultMsg{"No task selected"}
			}
			if len(args) < 1 {
				return commandResultMsg{"Usage: handover <user> [note]"}
			}
			t, err := a.client.Handover(id, args[0], strings.Join(args[1:], " "))
			if err != nil {
				return commandResultMsg{"Error: " + err.Error()}
			}
			if t.IsWorkflowCompleted {
				return commandResultMsg{fmt.Sprintf("✓ Task #%d handed to %s, workflow complete", t.ID, t.AssignedTo)}
			}
			return commandResultMsg{fmt.Sprintf("✓ Task #%d handed to %s, now at: %s", t.ID, t.AssignedTo, t.StageInfo.CurrentStage)}

		case "status":
			if !ok {
				return commandResultMsg{"No task selected"}
			}
			if len(args) < 1 || !models.TaskStatus(args[0]).Valid() {
				return commandResultMsg{"Usage: status <pending|in_progress|completed|cancelled>"}
			}
			if err := a.client.SetStatus(id, models.TaskStatus(args[0])); err != nil {
				return commandResultMsg{"Error: " + err.Error()}
			}
			return commandResultMsg{fmt.Sprintf("✓ Task #%d is now %s", id, args[0])}

		case "repeat":
			if !ok {
				return commandResultMsg{"No task selected"}
			}
			if len(args) < 2 {
				return commandResultMsg{"Usage: repeat <stage> <user> [reason]"}
			}
			t, err := a.client.Repeat(id, args[0], args[1], strings.Join(args[2:], " "))
			if err != nil {
				return commandResultMsg{"Error: " + err.Error()}
			}
			return commandResultMsg{fmt.Sprintf("✓ Created task #%d: %s", t.ID, t.Title)}

		default:
			return commandResultMsg{fmt.Sprintf("Unknown: %s (type / for commands)", cmd)}
		}
	}
}

func result(msg string) tea.Cmd {
	return func() tea.Msg { return commandResultMsg{msg} }
}
