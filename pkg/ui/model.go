package ui

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/arzzra/webphone/pkg/bus"
)

const commandTimeout = 3 * time.Second

// KeyMap привязки клавиш popup
type KeyMap struct {
	Dial   key.Binding
	Answer key.Binding
	Hangup key.Binding
	Quit   key.Binding
}

// DefaultKeyMap Enter набирает, Ctrl+T отвечает, Ctrl+X завершает
func DefaultKeyMap() KeyMap {
	return KeyMap{
		Dial:   key.NewBinding(key.WithKeys("enter"), key.WithHelp("enter", "ligar")),
		Answer: key.NewBinding(key.WithKeys("ctrl+t"), key.WithHelp("ctrl+t", "atender")),
		Hangup: key.NewBinding(key.WithKeys("ctrl+x"), key.WithHelp("ctrl+x", "desligar")),
		Quit:   key.NewBinding(key.WithKeys("ctrl+c", "esc"), key.WithHelp("esc", "sair")),
	}
}

type styles struct {
	app, title, status, stamp, err, help lipgloss.Style
}

func newStyles() styles {
	return styles{
		app:    lipgloss.NewStyle().Padding(1, 2).Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("#6272A4")),
		title:  lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#BD93F9")),
		status: lipgloss.NewStyle().Foreground(lipgloss.Color("#F8F8F2")),
		stamp:  lipgloss.NewStyle().Foreground(lipgloss.Color("#6272A4")),
		err:    lipgloss.NewStyle().Foreground(lipgloss.Color("#FF5555")),
		help:   lipgloss.NewStyle().Foreground(lipgloss.Color("#6272A4")),
	}
}

// statusMsg статус, пришедший с шины
type statusMsg bus.Message

// sentMsg результат отправки команды
type sentMsg struct {
	kind bus.Type
	err  error
}

// Model bubbletea модель popup: поле номера и строка последнего статуса
type Model struct {
	client *Client
	keys   KeyMap
	styles styles
	input  textinput.Model

	status   string
	statusAt time.Time
	lastErr  string
}

// NewModel создает модель поверх запущенного клиента
func NewModel(c *Client) Model {
	ti := textinput.New()
	ti.Placeholder = "Número"
	ti.CharLimit = 32
	ti.Prompt = "☎ "
	ti.Focus()

	return Model{
		client: c,
		keys:   DefaultKeyMap(),
		styles: newStyles(),
		input:  ti,
	}
}

// Status последний показанный статус
func (m Model) Status() string {
	return m.status
}

// Err последняя ошибка отправки команды
func (m Model) Err() string {
	return m.lastErr
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.waitStatus())
}

func (m Model) waitStatus() tea.Cmd {
	ch := m.client.Statuses()
	return func() tea.Msg {
		msg, ok := <-ch
		if !ok {
			return nil
		}
		return statusMsg(msg)
	}
}

func (m Model) send(kind bus.Type, fn func(context.Context) error) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()
		return sentMsg{kind: kind, err: fn(ctx)}
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keys.Quit):
			return m, tea.Quit
		case key.Matches(msg, m.keys.Dial):
			number := strings.TrimSpace(m.input.Value())
			return m, m.send(bus.TypeDial, func(ctx context.Context) error {
				return m.client.Dial(ctx, number)
			})
		case key.Matches(msg, m.keys.Answer):
			return m, m.send(bus.TypeAnswer, m.client.Answer)
		case key.Matches(msg, m.keys.Hangup):
			return m, m.send(bus.TypeHangup, m.client.Hangup)
		}

	case statusMsg:
		m.status = msg.Message
		m.statusAt = bus.Message(msg).Time()
		return m, m.waitStatus()

	case sentMsg:
		switch {
		case errors.Is(msg.err, ErrEmptyNumber):
			m.lastErr = "Informe um número."
		case msg.err != nil:
			m.lastErr = "Falha ao enviar comando: " + msg.err.Error()
		default:
			m.lastErr = ""
		}
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m Model) View() string {
	var b strings.Builder

	b.WriteString(m.styles.title.Render("WebPhone"))
	b.WriteString("\n\n")
	b.WriteString(m.input.View())
	b.WriteString("\n\n")

	if m.status != "" {
		if !m.statusAt.IsZero() {
			b.WriteString(m.styles.stamp.Render(m.statusAt.Format("15:04:05")))
			b.WriteString(" ")
		}
		b.WriteString(m.styles.status.Render(m.status))
		b.WriteString("\n")
	}
	if m.lastErr != "" {
		b.WriteString(m.styles.err.Render(m.lastErr))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(m.styles.help.Render(strings.Join([]string{
		helpText(m.keys.Dial), helpText(m.keys.Answer), helpText(m.keys.Hangup), helpText(m.keys.Quit),
	}, " • ")))

	return m.styles.app.Render(b.String())
}

func helpText(b key.Binding) string {
	h := b.Help()
	return h.Key + " " + h.Desc
}
