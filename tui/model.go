// Package tui renders one conversation in the terminal on top of a session
// controller.
package tui

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"dmsync/models"
	"dmsync/session"
)

const commandTimeout = 15 * time.Second

// Session is what the view drives
type Session interface {
	Identity() models.Identity
	Snapshot() session.Snapshot
	Changes() <-chan struct{}
	SendText(ctx context.Context, content string) (models.Message, error)
	DeleteMessage(ctx context.Context, id int64) error
	SetTyping(ctx context.Context, typing bool) error
}

type changedMsg struct{}

type commandDoneMsg struct {
	action string
	err    error
}

// Model is the bubbletea model of the conversation view
type Model struct {
	sess  Session
	self  models.Identity
	peer  string
	now   func() time.Time
	theme theme

	input    textinput.Model
	timeline viewport.Model
	spinner  spinner.Model

	snap       session.Snapshot
	typing     bool
	statusLine string
	width      int
	height     int
}

// New builds the view. peerName labels the other participant.
func New(sess Session, peerName string) Model {
	input := textinput.New()
	input.Prompt = "❯ "
	input.CharLimit = 4000
	input.Placeholder = "Type a message, enter to send"
	input.Focus()

	sp := spinner.New()
	sp.Spinner = spinner.Points
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("#05ffa1"))

	timeline := viewport.New(0, 0)
	timeline.MouseWheelEnabled = true
	timeline.MouseWheelDelta = 4

	return Model{
		sess:     sess,
		self:     sess.Identity(),
		peer:     peerName,
		now:      time.Now,
		theme:    newTheme(),
		input:    input,
		timeline: timeline,
		spinner:  sp,
		snap:     sess.Snapshot(),
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		m.spinner.Tick,
		textinput.Blink,
		waitForChange(m.sess.Changes()),
	)
}

func waitForChange(ch <-chan struct{}) tea.Cmd {
	return func() tea.Msg {
		<-ch
		return changedMsg{}
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd
	switch msg := msg.(type) {
	case changedMsg:
		m.snap = m.sess.Snapshot()
		m.renderTimeline()
		cmds = append(cmds, waitForChange(m.sess.Changes()))
	case commandDoneMsg:
		switch {
		case msg.err == nil:
			m.statusLine = ""
		case errors.Is(msg.err, models.ErrDeleteInFlight):
			m.statusLine = "delete already in progress"
		default:
			m.statusLine = fmt.Sprintf("%s failed: %v", msg.action, msg.err)
		}
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.resize()
		m.renderTimeline()
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)
	case tea.MouseMsg:
		var cmd tea.Cmd
		m.timeline, cmd = m.timeline.Update(msg)
		cmds = append(cmds, cmd)
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c":
			return m, tea.Quit
		case "enter":
			content := strings.TrimSpace(m.input.Value())
			if content == "" {
				return m, nil
			}
			m.input.Reset()
			cmds = append(cmds, m.sendCmd(content))
			if m.typing {
				m.typing = false
				cmds = append(cmds, m.typingCmd(false))
			}
			return m, tea.Batch(cmds...)
		case "ctrl+x":
			if id, ok := lastOwnMessage(m.snap.Messages, m.self.UserID); ok {
				cmds = append(cmds, m.deleteCmd(id))
			}
			return m, tea.Batch(cmds...)
		case "pgup", "pgdown":
			var cmd tea.Cmd
			m.timeline, cmd = m.timeline.Update(msg)
			return m, cmd
		}
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		cmds = append(cmds, cmd)
		if typing := m.input.Value() != ""; typing != m.typing {
			m.typing = typing
			cmds = append(cmds, m.typingCmd(typing))
		}
	}
	return m, tea.Batch(cmds...)
}

func (m Model) View() string {
	var b strings.Builder
	b.WriteString(m.theme.header.Render(m.title()))
	b.WriteString("\n")
	b.WriteString(m.timeline.View())
	b.WriteString("\n")
	if m.snap.PeerTyping {
		b.WriteString(m.theme.typing.Render(m.peer + " is typing..."))
	}
	b.WriteString("\n")
	b.WriteString(m.renderStatus())
	b.WriteString("\n")
	b.WriteString(m.theme.inputPanel.Render(m.input.View()))
	b.WriteString("\n")
	b.WriteString(m.theme.helpText.Render("enter send · ctrl+x delete last own message · ctrl+c quit"))
	return b.String()
}

func (m Model) title() string {
	if m.peer == "" {
		return "dmchat"
	}
	return "dmchat · " + m.peer
}

func (m Model) renderStatus() string {
	status := m.snap.Status.String()
	if m.snap.State == session.StateResolving {
		status = m.spinner.View() + " " + status
	}
	style := m.theme.status
	if m.snap.Status.Terminal() || m.snap.Status.State == models.StateError {
		style = m.theme.errorStatus
	}
	line := style.Render(status)
	if m.statusLine != "" {
		line += "  " + m.theme.errorStatus.Render(m.statusLine)
	} else if m.snap.LastError != nil {
		line += "  " + m.theme.errorStatus.Render(m.snap.LastError.Error())
	}
	return line
}

func (m *Model) resize() {
	const chrome = 9
	m.timeline.Width = m.width
	h := m.height - chrome
	if h < 3 {
		h = 3
	}
	m.timeline.Height = h
	m.input.Width = m.width - 6
}

func (m *Model) renderTimeline() {
	atBottom := m.timeline.AtBottom()
	m.timeline.SetContent(renderMessages(m.snap, m.self.UserID, m.peer, m.now(), m.theme))
	if atBottom {
		m.timeline.GotoBottom()
	}
}

func (m Model) sendCmd(content string) tea.Cmd {
	sess := m.sess
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()
		_, err := sess.SendText(ctx, content)
		return commandDoneMsg{action: "send", err: err}
	}
}

func (m Model) deleteCmd(id int64) tea.Cmd {
	sess := m.sess
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()
		return commandDoneMsg{action: "delete", err: sess.DeleteMessage(ctx, id)}
	}
}

func (m Model) typingCmd(typing bool) tea.Cmd {
	sess := m.sess
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// best effort; a missed indicator is not worth a status line
		_ = sess.SetTyping(ctx, typing)
		return nil
	}
}

// lastOwnMessage returns the newest confirmed, not deleted message of self
func lastOwnMessage(msgs []models.Message, self int64) (int64, bool) {
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		if m.SenderID == self && !m.Deleted && !m.ID.IsOptimistic() {
			return m.ID.Server, true
		}
	}
	return 0, false
}

func renderMessages(snap session.Snapshot, self int64, peer string, now time.Time, t theme) string {
	if snap.State == session.StateIdle && len(snap.Messages) == 0 {
		return t.marker.Render("No conversation selected")
	}
	if len(snap.Messages) == 0 {
		return t.marker.Render("No messages yet")
	}
	if peer == "" {
		peer = fmt.Sprintf("user %d", snap.PeerID)
	}

	lines := make([]string, 0, len(snap.Messages))
	for _, msg := range snap.Messages {
		var b strings.Builder
		b.WriteString(t.timestamp.Render(humanize.RelTime(msg.Timestamp, now, "ago", "from now")))
		b.WriteString(" ")
		if msg.SenderID == self {
			b.WriteString(t.own.Render("you"))
		} else {
			b.WriteString(t.peer.Render(peer))
		}
		b.WriteString(": ")
		if msg.Deleted {
			b.WriteString(t.deleted.Render(msg.Content))
		} else {
			b.WriteString(msg.Content)
		}

		switch {
		case msg.ID.IsOptimistic():
			b.WriteString(" " + t.marker.Render("(sending...)"))
		case snap.DeletePending(msg.ID.Server):
			b.WriteString(" " + t.marker.Render("(deleting...)"))
		case msg.SenderID == self && !msg.Deleted && msg.Read:
			b.WriteString(" " + t.marker.Render("✓✓"))
		case msg.SenderID == self && !msg.Deleted:
			b.WriteString(" " + t.marker.Render("✓"))
		}
		lines = append(lines, b.String())
	}
	return strings.Join(lines, "\n")
}
