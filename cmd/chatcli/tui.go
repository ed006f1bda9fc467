package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"go-chat-sync/internal/chat"
	"go-chat-sync/internal/notify"
)

const listWidth = 28

type storeChangedMsg struct{}

type notificationMsg chat.Notification

type opErrMsg struct{ err error }

type pane int

const (
	paneChats pane = iota
	paneUsers
	paneInput
)

type chatPage struct {
	ctx     context.Context
	view    *chat.View
	me      chat.User
	changed <-chan struct{}
	inbox   <-chan chat.Notification

	pane    pane
	cursor  int
	msg     string
	width   int
	height  int
	lastLen int

	viewport viewport.Model
	textbox  textarea.Model

	meStyle      lipgloss.Style
	otherStyle   lipgloss.Style
	pendingStyle lipgloss.Style
	dimStyle     lipgloss.Style
	activeStyle  lipgloss.Style
	listStyle    lipgloss.Style
}

func runTUI(ctx context.Context, view *chat.View, me chat.User, inbox *notify.Channel) error {
	changed := make(chan struct{}, 1)
	unsubscribe := view.Store().Subscribe(func(chat.Change) {
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	defer unsubscribe()

	p := tea.NewProgram(newChatPage(ctx, view, me, changed, inbox.C), tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := p.Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}

func newChatPage(ctx context.Context, view *chat.View, me chat.User, changed <-chan struct{}, inbox <-chan chat.Notification) chatPage {
	m := chatPage{ctx: ctx, view: view, me: me, changed: changed, inbox: inbox}

	m.viewport = viewport.New(60, 16)

	m.textbox = textarea.New()
	m.textbox.Placeholder = "Send a message..."
	m.textbox.Prompt = "┃ "
	m.textbox.CharLimit = 2000
	m.textbox.ShowLineNumbers = false
	m.textbox.SetHeight(3)
	m.textbox.SetWidth(60)
	m.textbox.FocusedStyle.CursorLine = lipgloss.NewStyle()
	m.textbox.KeyMap.InsertNewline.SetEnabled(false)

	m.meStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#ff8"))
	m.otherStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#45f"))
	m.pendingStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#888")).Italic(true)
	m.dimStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#666"))
	m.activeStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#0f8"))
	m.listStyle = lipgloss.NewStyle().Width(listWidth).Border(lipgloss.RoundedBorder()).Padding(0, 1)

	return m
}

func waitForChange(changed <-chan struct{}) tea.Cmd {
	return func() tea.Msg {
		if _, ok := <-changed; !ok {
			return nil
		}
		return storeChangedMsg{}
	}
}

func waitForNotification(inbox <-chan chat.Notification) tea.Cmd {
	return func() tea.Msg {
		n, ok := <-inbox
		if !ok {
			return nil
		}
		return notificationMsg(n)
	}
}

// run wraps a service call so it happens off the UI loop.
func run(fn func() error) tea.Cmd {
	return func() tea.Msg {
		if err := fn(); err != nil {
			return opErrMsg{err}
		}
		return nil
	}
}

func (m chatPage) Init() tea.Cmd {
	return tea.Batch(
		waitForChange(m.changed),
		waitForNotification(m.inbox),
		run(func() error { return m.view.LoadAvailableUsers(m.ctx) }),
	)
}

func (m chatPage) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		w := max(msg.Width-listWidth-6, 20)
		m.viewport.Width = w
		m.viewport.Height = max(msg.Height-9, 5)
		m.textbox.SetWidth(w)
		m.refresh()

	case storeChangedMsg:
		m.refresh()
		cmds = append(cmds, waitForChange(m.changed))

	case notificationMsg:
		m.msg = fmt.Sprintf("💬 %s: %s", msg.SenderName, msg.Text)
		cmds = append(cmds, waitForNotification(m.inbox))

	case opErrMsg:
		m.msg = msg.err.Error()

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c":
			return m, tea.Quit
		case "tab":
			m.cyclePane()
			return m, nil
		}
		if cmd, handled := m.handleKey(msg); handled {
			return m, cmd
		}
	}

	var cmd tea.Cmd
	if m.pane == paneInput {
		m.textbox, cmd = m.textbox.Update(msg)
		cmds = append(cmds, cmd)
	}
	m.viewport, cmd = m.viewport.Update(msg)
	cmds = append(cmds, cmd)
	return m, tea.Batch(cmds...)
}

func (m *chatPage) cyclePane() {
	m.pane = (m.pane + 1) % 3
	m.cursor = 0
	if m.pane == paneInput {
		m.textbox.Focus()
	} else {
		m.textbox.Blur()
	}
}

func (m *chatPage) handleKey(msg tea.KeyMsg) (tea.Cmd, bool) {
	view, ctx := m.view, m.ctx

	switch m.pane {
	case paneChats:
		chats := view.Chats()
		switch msg.String() {
		case "up", "k":
			m.cursor = max(m.cursor-1, 0)
		case "down", "j":
			m.cursor = min(m.cursor+1, max(len(chats)-1, 0))
		case "enter":
			if m.cursor < len(chats) {
				id := chats[m.cursor].ID
				m.pane = paneInput
				m.textbox.Focus()
				return run(func() error { return view.SetActiveChatID(ctx, id) }), true
			}
		case "d":
			if m.cursor < len(chats) {
				id := chats[m.cursor].ID
				return run(func() error { return view.DeleteChat(ctx, id) }), true
			}
		default:
			return nil, false
		}
		return nil, true

	case paneUsers:
		users := view.AvailableUsers()
		switch msg.String() {
		case "up", "k":
			m.cursor = max(m.cursor-1, 0)
		case "down", "j":
			m.cursor = min(m.cursor+1, max(len(users)-1, 0))
		case "r":
			return run(func() error { return view.LoadAvailableUsers(ctx) }), true
		case "enter":
			if m.cursor < len(users) {
				id := users[m.cursor].ID
				m.pane = paneInput
				m.textbox.Focus()
				return run(func() error {
					c, err := view.CreateChat(ctx, id)
					if err != nil {
						return err
					}
					return view.SetActiveChatID(ctx, c.ID)
				}), true
			}
		default:
			return nil, false
		}
		return nil, true

	case paneInput:
		if msg.String() != "enter" {
			return nil, false
		}
		text := strings.TrimSpace(m.textbox.Value())
		chatID := view.ActiveChatID()
		if text == "" || chatID == "" {
			return nil, true
		}
		m.textbox.Reset()
		return run(func() error {
			_, err := view.SendOptimistic(ctx, chatID, text, "")
			return err
		}), true
	}
	return nil, false
}

// refresh re-renders the timeline and keeps it pinned to the bottom when it
// grew.
func (m *chatPage) refresh() {
	msgs := m.view.Messages()
	var b strings.Builder
	for _, msg := range msgs {
		b.WriteString(m.renderMessage(msg))
		b.WriteString("\n")
	}
	m.viewport.SetContent(b.String())
	if len(msgs) != m.lastLen {
		m.viewport.GotoBottom()
		m.lastLen = len(msgs)
	}
}

func (m chatPage) renderMessage(msg chat.Message) string {
	body := msg.Text
	if msg.Image != "" {
		body = strings.TrimSpace(body + " 📷 " + msg.Image)
	}
	name := msg.SenderName
	if name == "" {
		name = msg.SenderID.String()
	}
	stamp := m.dimStyle.Render(msg.CreatedAt.Local().Format("15:04"))

	if msg.State == chat.Pending {
		return m.pendingStyle.Render("@"+m.me.Name+" (sending…)") + "\n" + body + "\n"
	}
	style := m.otherStyle
	if msg.SenderID == m.me.ID {
		style = m.meStyle
		name = m.me.Name
	}
	return style.Render("@"+name) + " " + stamp + "\n" + body + "\n"
}

func (m chatPage) chatTitle(c chat.Chat) string {
	peer, ok := c.Peer(m.me.ID)
	if !ok {
		return c.ID.String()
	}
	if peer.Name != "" {
		return peer.Name
	}
	return peer.ID.String()
}

func (m chatPage) View() string {
	return lipgloss.JoinHorizontal(lipgloss.Top, m.sidebar(), m.main())
}

func (m chatPage) sidebar() string {
	var b strings.Builder
	active := m.view.ActiveChatID()

	fmt.Fprintf(&b, "Chats (%d unread)\n", m.view.TotalUnreadChatMessages())
	for i, c := range m.view.Chats() {
		line := m.chatTitle(c)
		if peer, ok := c.Peer(m.me.ID); ok && m.view.IsUserOnline(peer.ID) {
			line = "● " + line
		} else {
			line = "○ " + line
		}
		if n := m.view.Store().Unread(c.ID); n > 0 {
			line += fmt.Sprintf(" (%d)", n)
		}
		switch {
		case m.pane == paneChats && i == m.cursor:
			line = "> " + line
		case c.ID == active:
			line = m.activeStyle.Render("  " + line)
		default:
			line = "  " + line
		}
		b.WriteString(line + "\n")
		if c.LastMessage != "" {
			b.WriteString(m.dimStyle.Render("    "+truncate(c.LastMessage, listWidth-6)) + "\n")
		}
	}

	b.WriteString("\nNew chat with\n")
	for i, u := range m.view.AvailableUsers() {
		prefix := "  "
		if m.pane == paneUsers && i == m.cursor {
			prefix = "> "
		}
		name := u.Name
		if name == "" {
			name = u.ID.String()
		}
		b.WriteString(prefix + name + "\n")
	}
	return m.listStyle.Render(b.String())
}

func (m chatPage) main() string {
	var s string
	if c, ok := m.view.ActiveChat(); ok {
		s = fmt.Sprintf("Chat with '%s'\n", m.chatTitle(c))
	} else {
		s = "Select a chat (tab to switch panes)\n"
	}
	s += "_________________________\n"
	s += m.viewport.View() + "\n"

	if typing := m.view.TypingUsers(m.me.ID); len(typing) > 0 {
		names := make([]string, 0, len(typing))
		for _, t := range typing {
			names = append(names, t.UserName)
		}
		s += m.dimStyle.Render(strings.Join(names, ", ")+" typing…") + "\n"
	} else {
		s += "\n"
	}
	s += m.textbox.View() + "\n"

	st := m.view.Status()
	switch {
	case st.LoadingChats || st.LoadingMessages:
		s += m.dimStyle.Render("loading…") + "\n"
	case st.Error != "":
		s += fmt.Sprintf("Error: %s\n", st.Error)
	}
	if m.msg != "" {
		s += fmt.Sprintf("Info: %s\n", m.msg)
	}
	s += m.dimStyle.Render("tab: panes • enter: open/send • d: delete chat • ctrl+c: quit")
	return s
}

func truncate(s string, n int) string {
	r := []rune(strings.ReplaceAll(s, "\n", " "))
	if len(r) <= n {
		return string(r)
	}
	return string(r[:n-1]) + "…"
}
