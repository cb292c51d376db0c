package ui

import (
	"context"
	"sync"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/webphone/pkg/bus"
)

type recorder struct {
	mu   sync.Mutex
	msgs []bus.Message
}

func (r *recorder) handle(_ context.Context, m bus.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, m)
}

func (r *recorder) types() []bus.Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]bus.Type, 0, len(r.msgs))
	for _, m := range r.msgs {
		out = append(out, m.Type)
	}
	return out
}

func (r *recorder) last() bus.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.msgs[len(r.msgs)-1]
}

func startClient(t *testing.T) (*Client, *bus.Local, *recorder) {
	t.Helper()
	b := bus.NewLocal()
	t.Cleanup(func() { _ = b.Close() })

	coord := &recorder{}
	_, err := b.Subscribe(bus.TopicCoordinator, coord.handle)
	require.NoError(t, err)

	c := NewClient(b, zerolog.Nop())
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() { _ = c.Close() })
	return c, b, coord
}

func TestClientStartSendsWakeup(t *testing.T) {
	_, _, coord := startClient(t)
	require.Eventually(t, func() bool { return len(coord.types()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, bus.TypeWakeup, coord.types()[0])
}

func TestClientDialTrimsAndRejectsEmpty(t *testing.T) {
	c, _, coord := startClient(t)
	ctx := context.Background()

	assert.ErrorIs(t, c.Dial(ctx, "   "), ErrEmptyNumber)
	require.NoError(t, c.Dial(ctx, "  5551234 "))

	require.Eventually(t, func() bool { return len(coord.types()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, bus.TypeDial, coord.last().Type)
	assert.Equal(t, "5551234", coord.last().PhoneNumber)
}

func TestClientReceivesOnlyStatuses(t *testing.T) {
	c, b, _ := startClient(t)
	ctx := context.Background()

	require.NoError(t, b.Publish(ctx, bus.TopicUI, bus.Heartbeat(time.Now())))
	require.NoError(t, b.Publish(ctx, bus.TopicUI, bus.Status("Chamando...", time.Now())))

	select {
	case msg := <-c.Statuses():
		assert.Equal(t, "Chamando...", msg.Message)
	case <-time.After(time.Second):
		t.Fatal("статус не получен")
	}
}

func TestModelKeysSendCommands(t *testing.T) {
	c, _, coord := startClient(t)
	m := NewModel(c)

	m.input.SetValue("5551234")
	next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	require.NotNil(t, cmd)
	next, _ = next.Update(cmd())
	assert.Empty(t, next.(Model).Err())

	_, cmd = next.Update(tea.KeyMsg{Type: tea.KeyCtrlT})
	require.NotNil(t, cmd)
	cmd()

	_, cmd = next.Update(tea.KeyMsg{Type: tea.KeyCtrlX})
	require.NotNil(t, cmd)
	cmd()

	require.Eventually(t, func() bool { return len(coord.types()) == 4 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []bus.Type{bus.TypeWakeup, bus.TypeDial, bus.TypeAnswer, bus.TypeHangup}, coord.types())
}

func TestModelEmptyNumberShowsError(t *testing.T) {
	c, _, _ := startClient(t)
	m := NewModel(c)

	next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	require.NotNil(t, cmd)
	next, _ = next.Update(cmd())

	assert.Equal(t, "Informe um número.", next.(Model).Err())
	assert.Contains(t, next.View(), "Informe um número.")
}

func TestModelShowsLatestStatus(t *testing.T) {
	c, b, _ := startClient(t)
	m := NewModel(c)

	at := time.Date(2024, 5, 1, 10, 20, 30, 0, time.Local)
	require.NoError(t, b.Publish(context.Background(), bus.TopicUI, bus.Status("Chamada estabelecida.", at)))

	next, cmd := m.Update(m.waitStatus()())
	require.NotNil(t, cmd, "после статуса модель снова ждет следующий")

	model := next.(Model)
	assert.Equal(t, "Chamada estabelecida.", model.Status())
	assert.Contains(t, model.View(), "10:20:30")
}

func TestModelQuit(t *testing.T) {
	c, _, _ := startClient(t)
	m := NewModel(c)

	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEsc})
	require.NotNil(t, cmd)
	assert.Equal(t, tea.Quit(), cmd())
}
