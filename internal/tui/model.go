// Package tui is the interactive terminal monitor of a backup or restore run.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/johndauphine/sms-backup-sync/internal/datatype"
	"github.com/johndauphine/sms-backup-sync/internal/syncstate"
)

// RunFunc performs the run being monitored.
type RunFunc func(ctx context.Context) (syncstate.State, error)

// Options configure the monitor.
type Options struct {
	Title   string
	Account int
	Run     RunFunc
	// Cancel asks the run to stop at its next checkpoint.
	Cancel func()
}

// Bridge is a syncstate observer feeding the monitor. Progress updates are dropped
// when the monitor falls behind; phase changes wait up to a second for it.
type Bridge struct {
	ch chan syncstate.State
}

// NewBridge returns a bridge with a small buffer.
func NewBridge() *Bridge {
	return &Bridge{ch: make(chan syncstate.State, 64)}
}

// OnState implements syncstate.Observer.
func (b *Bridge) OnState(s syncstate.State) {
	if s.Phase == syncstate.BackingUp || s.Phase == syncstate.Restoring {
		select {
		case b.ch <- s:
		default:
		}
		return
	}
	select {
	case b.ch <- s:
	case <-time.After(time.Second):
	}
}

type stateMsg syncstate.State

// RunDoneMsg reports the end of the monitored run.
type RunDoneMsg struct {
	State syncstate.State
	Err   error
}

func (b *Bridge) wait() tea.Cmd {
	return func() tea.Msg {
		return stateMsg(<-b.ch)
	}
}

type logLine struct {
	at   time.Time
	text string
}

// Model is the monitor's bubbletea model.
type Model struct {
	opts     Options
	bridge   *Bridge
	spinner  spinner.Model
	bar      progress.Model
	viewport viewport.Model
	ready    bool
	width    int
	height   int

	state     syncstate.State
	lastPhase syncstate.Phase
	log       []logLine
	done      bool
	err       error
	canceling bool
	interrupt context.CancelFunc
}

// NewModel creates the monitor model.
func NewModel(opts Options, bridge *Bridge) Model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(colorPurple)
	return Model{
		opts:     opts,
		bridge:   bridge,
		spinner:  s,
		bar:      progress.New(progress.WithDefaultGradient(), progress.WithWidth(40)),
		viewport: viewport.New(80, 10),
		state:    syncstate.New(syncstate.Manual),
	}
}

// Init starts the spinner and the state listener.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.bridge.wait())
}

// Update handles input, window and run messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.viewport.Width = max(20, msg.Width-4)
		m.viewport.Height = max(3, msg.Height-10)
		m.bar.Width = max(10, min(60, msg.Width-20))
		m.ready = true
		m.viewport.SetContent(m.renderLog())
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc":
			if m.done {
				return m, tea.Quit
			}
		case "c", "ctrl+c":
			if m.done {
				return m, tea.Quit
			}
			if !m.canceling {
				m.canceling = true
				m.addLog("Cancel requested, stopping after the current batch")
				if m.opts.Cancel != nil {
					m.opts.Cancel()
				}
				return m, nil
			}
			if msg.String() == "ctrl+c" && m.interrupt != nil {
				m.addLog("Interrupting")
				m.interrupt()
			}
			return m, nil
		}
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(msg)
		return m, cmd

	case stateMsg:
		m.applyState(syncstate.State(msg))
		return m, m.bridge.wait()

	case RunDoneMsg:
		m.done = true
		m.err = msg.Err
		m.applyState(msg.State)
		if msg.Err != nil && msg.State.Err == nil {
			m.addLog("Failed: " + msg.Err.Error())
		}
		return m, nil

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

func (m *Model) applyState(s syncstate.State) {
	m.state = s
	if s.Phase == m.lastPhase && len(m.log) > 0 {
		return
	}
	m.lastPhase = s.Phase
	line := phaseText(s)
	if s.Err != nil {
		line += ": " + s.Message()
	}
	m.addLog(line)
}

func (m *Model) addLog(text string) {
	m.log = append(m.log, logLine{at: time.Now(), text: text})
	m.viewport.SetContent(m.renderLog())
	m.viewport.GotoBottom()
}

func (m Model) renderLog() string {
	var b strings.Builder
	for _, l := range m.log {
		b.WriteString(styleLog.Render(l.at.Format("15:04:05")))
		b.WriteString(" ")
		b.WriteString(l.text)
		b.WriteString("\n")
	}
	return b.String()
}

// View renders the monitor.
func (m Model) View() string {
	var b strings.Builder
	title := m.opts.Title
	if title == "" {
		title = "SMS Backup"
	}
	b.WriteString(styleTitle.Render(title))
	b.WriteString("\n")

	s := m.state
	switch {
	case s.IsRunning():
		b.WriteString(m.spinner.View() + " " + phaseText(s) + "\n")
	case s.IsError():
		b.WriteString(styleError.Render("Failed: "+s.Message()) + "\n")
	case s.IsCanceled():
		b.WriteString(styleError.Render("Canceled") + "\n")
	case s.IsFinished():
		b.WriteString(styleSuccess.Render(phaseText(s)) + "\n")
	default:
		b.WriteString(m.spinner.View() + " Starting\n")
	}

	pct := 0.0
	if s.Total > 0 {
		pct = float64(s.Current) / float64(s.Total)
	}
	b.WriteString(m.bar.ViewAs(pct))
	b.WriteString(fmt.Sprintf("  %d/%d", s.Current, s.Total))
	if s.Restored > 0 || s.Duplicates > 0 {
		b.WriteString(fmt.Sprintf("  restored %d, duplicates %d", s.Restored, s.Duplicates))
	}
	b.WriteString("\n\n")

	b.WriteString(styleViewport.Render(m.viewport.View()))
	b.WriteString("\n")
	b.WriteString(m.statusBarView())
	b.WriteString("\n")
	if m.done {
		b.WriteString(styleHelp.Render("q: quit"))
	} else {
		b.WriteString(styleHelp.Render("c: cancel  ctrl+c twice: interrupt"))
	}
	return b.String()
}

func (m Model) statusBarView() string {
	w := lipgloss.Width
	account := styleStatusAccount.Render(fmt.Sprintf("account %d", m.opts.Account))
	phase := styleStatusPhase.Render(m.state.Phase.String())

	var outcome string
	switch {
	case m.state.IsError():
		outcome = styleStatusFailed.Render("error")
	case m.state.IsCanceled():
		outcome = styleStatusCanceled.Render("canceled")
	case m.state.IsFinished():
		outcome = styleStatusOK.Render("done")
	default:
		outcome = styleStatusPhase.Render(m.state.RunKind.String())
	}

	spacerWidth := m.width - (w(account) + w(phase) + w(outcome))
	if spacerWidth < 0 {
		spacerWidth = 0
	}
	spacer := styleStatusBar.Width(spacerWidth).Render("")
	return lipgloss.JoinHorizontal(lipgloss.Top, account, phase, spacer, outcome)
}

func phaseText(s syncstate.State) string {
	label := ""
	if s.Source != datatype.None {
		label = " " + s.Source.Describe().Label
	}
	switch s.Phase {
	case syncstate.Initial:
		return "Starting"
	case syncstate.Calculating:
		return "Counting items to back up"
	case syncstate.LoggingIn:
		return "Logging in to the mailbox"
	case syncstate.BackingUp:
		return "Backing up" + label
	case syncstate.Restoring:
		return "Restoring" + label
	case syncstate.UpdatingDerived:
		return "Updating conversations"
	case syncstate.FinishedBackup:
		return fmt.Sprintf("Backup finished: %d item(s)", s.Current)
	case syncstate.FinishedRestore:
		return fmt.Sprintf("Restore finished: %d restored, %d duplicate(s)", s.Restored, s.Duplicates)
	case syncstate.CanceledBackup:
		return "Backup canceled"
	case syncstate.CanceledRestore:
		return "Restore canceled"
	case syncstate.Error:
		return "Run failed"
	}
	return s.Phase.String()
}

// Start runs the monitor until the user quits after the run ended. bridge must be
// subscribed to the run's state before Start is called.
func Start(ctx context.Context, opts Options, bridge *Bridge) (syncstate.State, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	m := NewModel(opts, bridge)
	m.interrupt = cancel
	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx))

	result := make(chan RunDoneMsg, 1)
	go func() {
		st, err := opts.Run(ctx)
		done := RunDoneMsg{State: st, Err: err}
		result <- done
		p.Send(done)
	}()

	if _, err := p.Run(); err != nil && ctx.Err() == nil {
		return syncstate.State{}, err
	}
	done := <-result
	return done.State, done.Err
}
