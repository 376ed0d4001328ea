// Package tui is the interactive story board behind `trak board`. It follows
// The Elm Architecture as implemented by bubbletea: a model holding all
// state, an Update handling messages, and a View rendering to a string.
package tui

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"trak/internal/domain"
	"trak/internal/engine"
	"trak/internal/governance"
	"trak/internal/repo"
)

type boardFocus int

const (
	focusStories boardFocus = iota
	focusTasks
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	paneStyle  = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	focusPane  = paneStyle.BorderForeground(lipgloss.Color("212"))
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	passStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	failStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	helpStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("241")).MarginTop(1)
)

type storyItem struct {
	story domain.Story
	mode  governance.Mode
}

func (i storyItem) Title() string { return i.story.Code }
func (i storyItem) Description() string {
	return fmt.Sprintf("%s · %s · %s", i.story.Title, i.story.Status, i.mode)
}
func (i storyItem) FilterValue() string { return i.story.Code + " " + i.story.Title }

type storiesLoadedMsg struct {
	items []list.Item
	err   error
}

type tasksLoadedMsg struct {
	storyCode string
	tasks     []domain.Task
	err       error
}

type reportMsg struct {
	report governance.Report
	err    error
}

// Board is the application model; it holds all board state.
type Board struct {
	engine engine.Engine

	stories list.Model
	tasks   []domain.Task
	taskSel int
	focus   boardFocus

	report    *governance.Report
	reportErr error
	err       error

	width  int
	height int
}

// NewBoard builds the board over an initialized engine.
func NewBoard(e engine.Engine) *Board {
	stories := list.New(nil, list.NewDefaultDelegate(), 0, 0)
	stories.Title = "Stories"
	stories.SetShowStatusBar(false)
	stories.SetFilteringEnabled(true)
	return &Board{engine: e, stories: stories, focus: focusStories}
}

// Run starts the board in the terminal and blocks until quit.
func Run(e engine.Engine) error {
	_, err := tea.NewProgram(NewBoard(e), tea.WithAltScreen()).Run()
	return err
}

func (b *Board) Init() tea.Cmd {
	return b.loadStories
}

func (b *Board) loadStories() tea.Msg {
	ctx := context.Background()
	stories, err := b.engine.Repo.ListStories(ctx, repo.StoryFilters{})
	if err != nil {
		return storiesLoadedMsg{err: err}
	}
	items := make([]list.Item, 0, len(stories))
	for _, s := range stories {
		mode, err := b.engine.StoryMode(ctx, s.Code)
		if err != nil {
			return storiesLoadedMsg{err: err}
		}
		items = append(items, storyItem{story: s, mode: mode})
	}
	return storiesLoadedMsg{items: items}
}

func (b *Board) loadTasks(storyCode string) tea.Cmd {
	return func() tea.Msg {
		tasks, err := b.engine.Repo.ListStoryTasks(context.Background(), storyCode)
		return tasksLoadedMsg{storyCode: storyCode, tasks: tasks, err: err}
	}
}

func (b *Board) runValidation(storyCode string) tea.Cmd {
	return func() tea.Msg {
		report, err := b.engine.ValidateStory(context.Background(), storyCode, true, "board")
		return reportMsg{report: report, err: err}
	}
}

func (b *Board) selectedStory() (storyItem, bool) {
	item, ok := b.stories.SelectedItem().(storyItem)
	return item, ok
}

func (b *Board) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		b.width = msg.Width
		b.height = msg.Height
		b.stories.SetSize(msg.Width/2-4, msg.Height-6)
		return b, nil

	case storiesLoadedMsg:
		if msg.err != nil {
			b.err = msg.err
			return b, nil
		}
		b.stories.SetItems(msg.items)
		if item, ok := b.selectedStory(); ok {
			return b, b.loadTasks(item.story.Code)
		}
		return b, nil

	case tasksLoadedMsg:
		if msg.err != nil {
			b.err = msg.err
			return b, nil
		}
		if item, ok := b.selectedStory(); !ok || item.story.Code != msg.storyCode {
			return b, nil
		}
		b.tasks = msg.tasks
		if b.taskSel >= len(b.tasks) {
			b.taskSel = 0
		}
		return b, nil

	case reportMsg:
		b.reportErr = msg.err
		if msg.err == nil {
			b.report = &msg.report
		}
		return b, nil

	case tea.KeyMsg:
		// Any key dismisses an open report.
		if b.report != nil || b.reportErr != nil {
			b.report = nil
			b.reportErr = nil
			return b, nil
		}
		switch msg.String() {
		case "q", "ctrl+c":
			return b, tea.Quit
		case "tab":
			if b.focus == focusStories {
				b.focus = focusTasks
			} else {
				b.focus = focusStories
			}
			return b, nil
		case "r":
			return b, b.loadStories
		case "v":
			if item, ok := b.selectedStory(); ok {
				return b, b.runValidation(item.story.Code)
			}
			return b, nil
		case "j", "down":
			if b.focus == focusTasks {
				if b.taskSel < len(b.tasks)-1 {
					b.taskSel++
				}
				return b, nil
			}
		case "k", "up":
			if b.focus == focusTasks {
				if b.taskSel > 0 {
					b.taskSel--
				}
				return b, nil
			}
		}
	}

	if b.focus == focusStories {
		var cmd tea.Cmd
		before, _ := b.selectedStory()
		b.stories, cmd = b.stories.Update(msg)
		after, ok := b.selectedStory()
		if ok && after.story.Code != before.story.Code {
			return b, tea.Batch(cmd, b.loadTasks(after.story.Code))
		}
		return b, cmd
	}
	return b, nil
}

func (b *Board) View() string {
	if b.err != nil {
		return failStyle.Render("error: "+b.err.Error()) + "\n\npress q to quit"
	}
	if b.report != nil || b.reportErr != nil {
		return b.reportView()
	}

	left := b.stories.View()
	right := b.tasksView()

	leftPane := paneStyle
	rightPane := paneStyle
	if b.focus == focusStories {
		leftPane = focusPane
	} else {
		rightPane = focusPane
	}
	body := lipgloss.JoinHorizontal(lipgloss.Top,
		leftPane.Width(b.width/2-2).Render(left),
		rightPane.Width(b.width/2-2).Render(right),
	)
	help := helpStyle.Render("tab focus · j/k move · v validate · r refresh · q quit")
	return lipgloss.JoinVertical(lipgloss.Left, body, help)
}

func (b *Board) tasksView() string {
	var sb strings.Builder
	item, ok := b.selectedStory()
	if !ok {
		return dimStyle.Render("no story selected")
	}
	sb.WriteString(titleStyle.Render("Tasks · "+item.story.Code) + "\n\n")
	if len(b.tasks) == 0 {
		sb.WriteString(dimStyle.Render("no tasks"))
		return sb.String()
	}
	for i, t := range b.tasks {
		cursor := "  "
		if b.focus == focusTasks && i == b.taskSel {
			cursor = "> "
		}
		assignee := "unassigned"
		if t.Assignee != nil {
			assignee = *t.Assignee
		}
		retro := ""
		if t.Status == "completed" && t.RetrospectiveID == nil {
			retro = failStyle.Render(" (no retro)")
		}
		sb.WriteString(fmt.Sprintf("%s%s [%s] %s%s\n", cursor, t.Title, t.Status, dimStyle.Render(assignee), retro))
	}
	return sb.String()
}

func (b *Board) reportView() string {
	var sb strings.Builder
	if b.reportErr != nil {
		sb.WriteString(failStyle.Render("validation error: "+b.reportErr.Error()) + "\n")
		sb.WriteString(helpStyle.Render("press any key to dismiss"))
		return sb.String()
	}
	r := b.report
	verdict := passStyle.Render("PASSED")
	if !r.Passed {
		verdict = failStyle.Render("FAILED")
	}
	sb.WriteString(titleStyle.Render(fmt.Sprintf("Validation · %s", r.StoryCode)) + " " + verdict + "\n\n")
	for _, g := range r.Gates {
		mark := passStyle.Render("✓")
		if !g.Passed {
			mark = failStyle.Render("✗")
		}
		sb.WriteString(fmt.Sprintf("%s %s\n  %s\n", mark, g.Gate, dimStyle.Render(g.Detail)))
		if g.Remediation != "" {
			sb.WriteString("  " + dimStyle.Render("fix: "+g.Remediation) + "\n")
		}
	}
	sb.WriteString(helpStyle.Render("press any key to dismiss"))
	return sb.String()
}
