package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"tdl-archive-manager/internal/model"
	"tdl-archive-manager/internal/notify"
	"tdl-archive-manager/internal/store"
)

type manageMode int

const (
	manageModeBrowse manageMode = iota
	manageModeFolder
	manageModeDeleteConfirm
)

// sourceScheduler flips a source's sync or download flag together with its
// schedule row, and starts one-off jobs in the background.
type sourceScheduler interface {
	SetEnabled(ctx context.Context, sourceID int64, jobType string, enabled bool) (model.Schedule, error)
	TriggerManually(ctx context.Context, sourceID int64, jobType string) error
}

type manageModel struct {
	ctx     context.Context
	store   store.Store
	sched   sourceScheduler

	sources  []model.Source
	lastJobs map[int64]model.JobLog
	cursor   int
	width    int
	height   int
	mode     manageMode
	input    textinput.Model

	statusMessage string
	fatalErr      error
}

type manageLoadedMsg struct {
	sources  []model.Source
	lastJobs map[int64]model.JobLog
	err      error
}

type manageSaveMsg struct {
	message string
	err     error
}

var (
	manageTitleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	manageMutedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	manageErrorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("203")).Bold(true)
	manageOKStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	managePanelStyle = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	manageSelStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("230")).Background(lipgloss.Color("62")).Bold(true)
)

func runManage(args []string) error {
	fs := flag.NewFlagSet("manage", flag.ContinueOnError)
	common := addCommonFlags(fs)
	fs.SetOutput(flag.CommandLine.Output())
	if err := fs.Parse(args); err != nil {
		return err
	}
	if !stdinIsTTY() {
		return errors.New("manage requires an interactive terminal (TTY)")
	}

	ctx := context.Background()
	a, err := openApp(ctx, common, appOptions{Quiet: true})
	if err != nil {
		return err
	}
	defer a.Close()
	sch, err := a.newScheduler(a.notifier())
	if err != nil {
		return err
	}

	p := tea.NewProgram(newManageModel(ctx, a.store, sch), tea.WithAltScreen())
	finalModel, err := p.Run()
	if n := len(sch.InFlight()); n > 0 {
		fmt.Printf("waiting for %d running job(s) to finish (ctrl+c to abort)\n", n)
	}
	stopCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if stopErr := sch.Stop(stopCtx); stopErr != nil && err == nil {
		err = stopErr
	}
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "tty") {
			return errors.New("manage requires an interactive terminal (TTY)")
		}
		return err
	}
	if fm, ok := finalModel.(manageModel); ok {
		return fm.fatalErr
	}
	return nil
}

func newManageModel(ctx context.Context, st store.Store, sched sourceScheduler) manageModel {
	in := textinput.New()
	in.Placeholder = "folder name (empty = chat id)"
	in.CharLimit = 255
	return manageModel{ctx: ctx, store: st, sched: sched, mode: manageModeBrowse, input: in}
}

func (m manageModel) Init() tea.Cmd {
	return loadSourcesCmd(m.ctx, m.store)
}

func (m manageModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.input.Width = clampInt(m.width-12, 20, 80)
		return m, nil
	case manageLoadedMsg:
		if msg.err != nil {
			m.fatalErr = msg.err
			return m, tea.Quit
		}
		m.sources = msg.sources
		m.lastJobs = msg.lastJobs
		m.cursor = clampInt(m.cursor, 0, maxInt(len(m.sources)-1, 0))
		return m, nil
	case manageSaveMsg:
		m.mode = manageModeBrowse
		if msg.err != nil {
			m.statusMessage = "error: " + msg.err.Error()
			return m, nil
		}
		m.statusMessage = msg.message
		return m, loadSourcesCmd(m.ctx, m.store)
	}

	keyMsg, ok := msg.(tea.KeyMsg)
	if !ok {
		return m, nil
	}
	switch m.mode {
	case manageModeFolder:
		return m.updateFolder(keyMsg)
	case manageModeDeleteConfirm:
		return m.updateDeleteConfirm(keyMsg)
	default:
		return m.updateBrowse(keyMsg)
	}
}

func (m manageModel) selected() (model.Source, bool) {
	if m.cursor < 0 || m.cursor >= len(m.sources) {
		return model.Source{}, false
	}
	return m.sources[m.cursor], true
}

func (m manageModel) updateBrowse(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c", "q":
		return m, tea.Quit
	case "up", "k":
		if m.cursor > 0 {
			m.cursor--
		}
		return m, nil
	case "down", "j":
		if m.cursor < len(m.sources)-1 {
			m.cursor++
		}
		return m, nil
	case "r":
		m.statusMessage = ""
		return m, loadSourcesCmd(m.ctx, m.store)
	}

	src, ok := m.selected()
	if !ok {
		m.statusMessage = "no sources; run import first"
		return m, nil
	}
	switch msg.String() {
	case " ", "space", "a":
		return m, toggleActiveCmd(m.ctx, m.store, src)
	case "s":
		return m, toggleScheduleCmd(m.ctx, m.sched, src, model.JobTypeSync)
	case "d":
		return m, toggleScheduleCmd(m.ctx, m.sched, src, model.JobTypeDownload)
	case "S":
		return m, triggerJobCmd(m.ctx, m.sched, src, model.JobTypeSync)
	case "D":
		return m, triggerJobCmd(m.ctx, m.sched, src, model.JobTypeDownload)
	case "enter", "f", "e":
		m.mode = manageModeFolder
		m.input.SetValue(src.FolderName)
		m.input.CursorEnd()
		m.input.Focus()
		m.statusMessage = ""
		return m, textinput.Blink
	case "x":
		m.mode = manageModeDeleteConfirm
		return m, nil
	}
	return m, nil
}

func (m manageModel) updateFolder(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c", "esc":
		m.mode = manageModeBrowse
		m.input.Blur()
		m.statusMessage = "folder edit cancelled"
		return m, nil
	case "enter":
		src, ok := m.selected()
		if !ok {
			m.mode = manageModeBrowse
			return m, nil
		}
		name := strings.TrimSpace(m.input.Value())
		if err := model.ValidateFolderName(name); err != nil {
			m.statusMessage = "error: " + err.Error()
			return m, nil
		}
		m.input.Blur()
		return m, setFolderCmd(m.ctx, m.store, src, name)
	}
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m manageModel) updateDeleteConfirm(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "y", "enter":
		src, ok := m.selected()
		if !ok {
			m.mode = manageModeBrowse
			return m, nil
		}
		return m, deleteSourceCmd(m.ctx, m.store, src)
	case "ctrl+c", "esc", "n":
		m.mode = manageModeBrowse
		m.statusMessage = "delete cancelled"
	}
	return m, nil
}

func (m manageModel) View() string {
	if m.fatalErr != nil {
		return manageErrorStyle.Render("fatal: " + m.fatalErr.Error())
	}
	if m.width <= 0 {
		m.width = 100
	}
	if m.height <= 0 {
		m.height = 30
	}
	if m.mode == manageModeDeleteConfirm {
		return m.viewDeleteConfirm()
	}

	header := manageTitleStyle.Render("tdl-archive-manager manage") + "\n" +
		manageMutedStyle.Render("up/down: move | space: active | s/d: toggle sync/download | S/D: run now | enter/f: folder | x: delete | r: refresh | q: quit")
	var body string
	if m.width < 90 {
		body = lipgloss.JoinVertical(lipgloss.Left, m.renderListPanel(m.width), m.renderDetailsPanel(m.width))
	} else {
		leftW := clampInt(m.width/2, 34, 60)
		body = lipgloss.JoinHorizontal(lipgloss.Top, m.renderListPanel(leftW), m.renderDetailsPanel(m.width-leftW-1))
	}
	parts := []string{header, body}
	if m.mode == manageModeFolder {
		parts = append(parts, managePanelStyle.Width(maxInt(m.width-2, 30)).Render("Folder name\n"+m.input.View()+"\n"+manageMutedStyle.Render("enter: save | esc: cancel")))
	}
	parts = append(parts, m.renderStatusLine(m.width))
	return lipgloss.JoinVertical(lipgloss.Left, parts...)
}

func (m manageModel) renderListPanel(width int) string {
	if len(m.sources) == 0 {
		return managePanelStyle.Width(width).Render(manageMutedStyle.Render("No sources yet. Run `tdl-archive-manager import`."))
	}
	maxRows := clampInt(m.height-10, 4, 24)
	start, end := listWindow(len(m.sources), m.cursor, maxRows)
	lines := make([]string, 0, maxRows+2)
	if start > 0 {
		lines = append(lines, manageMutedStyle.Render("..."))
	}
	for i := start; i < end; i++ {
		src := m.sources[i]
		line := fmt.Sprintf("[%s%s%s] %s", flagMark(src.Active, "a"), flagMark(src.SyncEnabled, "s"), flagMark(src.DownloadEnabled, "d"), src.Label())
		line = truncateRunes(line, maxInt(width-6, 10))
		if i == m.cursor {
			line = manageSelStyle.Width(maxInt(width-4, 6)).Render(line)
		}
		lines = append(lines, line)
	}
	if end < len(m.sources) {
		lines = append(lines, manageMutedStyle.Render("..."))
	}
	return managePanelStyle.Width(width).Render(strings.Join(lines, "\n"))
}

func (m manageModel) renderDetailsPanel(width int) string {
	src, ok := m.selected()
	if !ok {
		return managePanelStyle.Width(width).Render("Select a source.")
	}
	lines := []string{
		"Source Details",
		"",
		kv("id", fmt.Sprint(src.ID)),
		kv("chat", src.ExternalID),
		kv("name", src.Name),
		kv("type", src.Type),
		kv("folder", src.FolderOrID()),
		kv("active", yesNo(src.Active)),
		kv("sync", yesNo(src.SyncEnabled)),
		kv("download", yesNo(src.DownloadEnabled)),
		kv("checkpoint", formatCheckpoint(src.LastSuccessfulDownloadTimestamp)),
	}
	if job, ok := m.lastJobs[src.ID]; ok {
		lines = append(lines, "", "Last Job",
			kv("job", job.JobType+" ("+job.Trigger+")"),
			kv("status", job.Status),
			kv("started", job.StartedAt.Local().Format("2006-01-02 15:04")),
			kv("files", fmt.Sprintf("%d (%s)", job.FilesDownloaded, notify.FormatBytes(job.BytesDownloaded))),
		)
		if job.Error != "" {
			lines = append(lines, kv("error", firstLine(job.Error)))
		}
	}
	for i := range lines {
		lines[i] = wrapOrTrim(lines[i], maxInt(width-6, 12))
	}
	return managePanelStyle.Width(width).Render(strings.Join(lines, "\n"))
}

func (m manageModel) renderStatusLine(width int) string {
	msg := strings.TrimSpace(m.statusMessage)
	if msg == "" {
		msg = "Tip: flags are [a]ctive, [s]ync, [d]ownload; schedules run under `serve`."
	}
	style := manageMutedStyle
	switch {
	case strings.HasPrefix(strings.ToLower(msg), "error:"):
		style = manageErrorStyle
	case strings.HasPrefix(msg, "updated"), strings.HasPrefix(msg, "removed"), strings.HasPrefix(msg, "started"):
		style = manageOKStyle
	}
	return style.Width(width).Render(truncateRunes(msg, maxInt(width-2, 10)))
}

func (m manageModel) viewDeleteConfirm() string {
	src, _ := m.selected()
	text := fmt.Sprintf(
		"Delete source '%s'?\n\nThis removes it and its run history from the store.\nDownloaded files remain on disk.\n\nPress y or Enter to confirm, n or Esc to cancel.",
		src.Label(),
	)
	boxW := clampInt(m.width-8, 36, 80)
	boxH := clampInt(m.height-6, 9, 14)
	panel := managePanelStyle.Width(boxW).Height(boxH).Render(text)
	return lipgloss.Place(m.width, m.height, lipgloss.Center, lipgloss.Center, panel)
}

func loadSourcesCmd(ctx context.Context, st store.Store) tea.Cmd {
	return func() tea.Msg {
		sources, err := st.ListSources(ctx, store.SourceFilter{})
		if err != nil {
			return manageLoadedMsg{err: err}
		}
		jobs, err := st.ListJobLogs(ctx, store.JobLogFilter{Limit: 500})
		if err != nil {
			return manageLoadedMsg{err: err}
		}
		last := make(map[int64]model.JobLog, len(sources))
		for _, j := range jobs {
			if _, seen := last[j.SourceID]; !seen {
				last[j.SourceID] = j
			}
		}
		return manageLoadedMsg{sources: sources, lastJobs: last}
	}
}

func toggleActiveCmd(ctx context.Context, st store.Store, src model.Source) tea.Cmd {
	return func() tea.Msg {
		src.Active = !src.Active
		if err := st.UpdateSource(ctx, src); err != nil {
			return manageSaveMsg{err: err}
		}
		return manageSaveMsg{message: fmt.Sprintf("updated %s: active=%s", src.Label(), yesNo(src.Active))}
	}
}

func toggleScheduleCmd(ctx context.Context, t sourceScheduler, src model.Source, jobType string) tea.Cmd {
	return func() tea.Msg {
		enabled := !src.EnabledFor(jobType)
		if _, err := t.SetEnabled(ctx, src.ID, jobType, enabled); err != nil {
			return manageSaveMsg{err: err}
		}
		return manageSaveMsg{message: fmt.Sprintf("updated %s: %s=%s", src.Label(), jobType, yesNo(enabled))}
	}
}

func triggerJobCmd(ctx context.Context, t sourceScheduler, src model.Source, jobType string) tea.Cmd {
	return func() tea.Msg {
		if err := t.TriggerManually(ctx, src.ID, jobType); err != nil {
			return manageSaveMsg{err: err}
		}
		return manageSaveMsg{message: fmt.Sprintf("started %s for %s (press r to refresh)", jobType, src.Label())}
	}
}

func setFolderCmd(ctx context.Context, st store.Store, src model.Source, name string) tea.Cmd {
	return func() tea.Msg {
		src.FolderName = name
		if err := st.UpdateSource(ctx, src); err != nil {
			return manageSaveMsg{err: err}
		}
		return manageSaveMsg{message: fmt.Sprintf("updated %s: folder=%s", src.Label(), src.FolderOrID())}
	}
}

func deleteSourceCmd(ctx context.Context, st store.Store, src model.Source) tea.Cmd {
	return func() tea.Msg {
		if err := st.DeleteSource(ctx, src.ID); err != nil {
			return manageSaveMsg{err: err}
		}
		return manageSaveMsg{message: "removed " + src.Label()}
	}
}

func flagMark(v bool, mark string) string {
	if v {
		return mark
	}
	return "-"
}
