// Package ui implements the terminal chat interface: a scrollback viewport
// over an input line, fed by the client connection's incoming channel.
package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/gen2brain/beeep"

	"github.com/bcmp-chat/bcmp/pkg/client"
	"github.com/bcmp-chat/bcmp/pkg/protocol"
)

const maxScrollback = 500

// serverMsg wraps an incoming protocol message as a bubbletea message.
type serverMsg protocol.Message

// disconnectedMsg signals that the read pump stopped.
type disconnectedMsg struct{ err error }

// Model is the bubbletea model for the chat screen.
type Model struct {
	conn *client.Connection
	nick string

	viewport viewport.Model
	input    textinput.Model
	lines    []string
	ready    bool
	status   string
	notify   bool
	quitting bool
}

// New creates the chat model. The connection must already be dialed; the
// model announces the nickname on Init.
func New(conn *client.Connection, nick string, notify bool) Model {
	input := textinput.New()
	input.Placeholder = "say something (or /who, /history, /me)"
	input.CharLimit = 2048
	input.Focus()

	return Model{
		conn:   conn,
		nick:   nick,
		input:  input,
		status: "connecting",
		notify: notify,
	}
}

// Init announces the nickname and starts listening for server messages.
func (m Model) Init() tea.Cmd {
	conn, nick := m.conn, m.nick
	announce := func() tea.Msg {
		if err := conn.SetNickname(nick); err != nil {
			return disconnectedMsg{err: err}
		}
		return nil
	}
	return tea.Batch(announce, waitForServer(conn), textinput.Blink)
}

// waitForServer blocks on the incoming channel and delivers one message.
func waitForServer(conn *client.Connection) tea.Cmd {
	return func() tea.Msg {
		msg, ok := <-conn.Incoming()
		if !ok {
			return disconnectedMsg{err: conn.Err()}
		}
		return serverMsg(msg)
	}
}

// Update handles input, terminal resizes and server traffic.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		inputHeight := 1
		statusHeight := 1
		if !m.ready {
			m.viewport = viewport.New(msg.Width, msg.Height-inputHeight-statusHeight)
			m.ready = true
		} else {
			m.viewport.Width = msg.Width
			m.viewport.Height = msg.Height - inputHeight - statusHeight
		}
		m.input.Width = msg.Width - 4
		m.refreshViewport()
		return m, nil

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			m.quitting = true
			m.conn.Close()
			return m, tea.Quit
		case tea.KeyEnter:
			return m.submitInput()
		}
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		return m, cmd

	case serverMsg:
		m.appendServerMessage(protocol.Message(msg))
		return m, waitForServer(m.conn)

	case disconnectedMsg:
		if m.quitting {
			return m, tea.Quit
		}
		if msg.err != nil {
			m.status = errorStyle.Render(fmt.Sprintf("disconnected: %v", msg.err))
		} else {
			m.status = "disconnected"
		}
		return m, nil
	}

	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

// submitInput sends the current input line and echoes it locally. The server
// does not echo chat back to the sender.
func (m Model) submitInput() (tea.Model, tea.Cmd) {
	line := strings.TrimSpace(m.input.Value())
	if line == "" {
		return m, nil
	}
	m.input.Reset()

	if err := m.conn.SendChat(line); err != nil {
		m.appendLine(errorStyle.Render(fmt.Sprintf("send failed: %v", err)))
		return m, nil
	}

	switch {
	case strings.HasPrefix(line, "/me "):
		m.appendLine(actionStyle.Render(fmt.Sprintf("* %s %s", m.nick, strings.TrimPrefix(line, "/me "))))
	case strings.HasPrefix(line, "/"):
		// Command output arrives as notices; nothing to echo.
	default:
		m.appendLine(fmt.Sprintf("%s> %s", ownNickStyle.Render(m.nick), line))
	}
	return m, nil
}

// appendServerMessage renders one server message into the scrollback.
func (m *Model) appendServerMessage(msg protocol.Message) {
	switch msg.Kind {
	case protocol.KindNickedChat:
		m.appendLine(fmt.Sprintf("%s> %s", nickStyle.Render(msg.Nick), msg.Body))
		if m.notify {
			// Best effort; a missing notification daemon is not an error
			// worth surfacing in the chat.
			beeep.Notify("bcmp", fmt.Sprintf("%s: %s", msg.Nick, msg.Body), "")
		}
	case protocol.KindNickedJoin:
		m.appendLine(eventStyle.Render(fmt.Sprintf("! %s has joined the chat", msg.Nick)))
	case protocol.KindNickedLeave:
		m.appendLine(eventStyle.Render(fmt.Sprintf("! %s has left the chat", msg.Nick)))
	case protocol.KindNickedNickChange:
		m.appendLine(eventStyle.Render(fmt.Sprintf("! %s is now known as %s", msg.Nick, msg.Body)))
	case protocol.KindNickedCommand:
		m.appendLine(actionStyle.Render(fmt.Sprintf("* %s %s", msg.Nick, msg.Body)))
	case protocol.KindServerNotice:
		m.appendLine(noticeStyle.Render(fmt.Sprintf("- %s", msg.Body)))
	case protocol.KindPong:
		m.status = "connected"
	default:
		m.appendLine(eventStyle.Render(msg.String()))
	}
	m.status = "connected"
}

func (m *Model) appendLine(line string) {
	m.lines = append(m.lines, line)
	if len(m.lines) > maxScrollback {
		m.lines = m.lines[len(m.lines)-maxScrollback:]
	}
	m.refreshViewport()
}

func (m *Model) refreshViewport() {
	if !m.ready {
		return
	}
	m.viewport.SetContent(strings.Join(m.lines, "\n"))
	m.viewport.GotoBottom()
}

// View renders scrollback, status bar and input line.
func (m Model) View() string {
	if !m.ready {
		return "connecting..."
	}
	status := statusStyle.Render(fmt.Sprintf("%s @ %s", m.nick, m.status))
	return m.viewport.View() + "\n" + status + "\n" + m.input.View()
}
