// Package ui клиент интерфейса софтфона: отправляет намерения пользователя
// координатору и показывает статусы media host.
package ui

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/arzzra/webphone/pkg/bus"
)

// ErrEmptyNumber номер не введен
var ErrEmptyNumber = errors.New("номер не указан")

const statusQueue = 16

// Client публикует команды в топик coordinator и принимает статусы из
// топика ui. Медленный читатель теряет старые статусы, а не блокирует шину.
type Client struct {
	bus bus.Bus
	log zerolog.Logger

	mu       sync.Mutex
	sub      bus.Subscription
	statuses chan bus.Message
}

// NewClient создает клиент
func NewClient(b bus.Bus, log zerolog.Logger) *Client {
	return &Client{
		bus:      b,
		log:      log,
		statuses: make(chan bus.Message, statusQueue),
	}
}

// Start подписывается на статусы и будит координатор. Недоставленный
// wakeup не ошибка: координатор поднимется со следующей командой.
func (c *Client) Start(ctx context.Context) error {
	sub, err := c.bus.Subscribe(bus.TopicUI, c.onMessage)
	if err != nil {
		return fmt.Errorf("подписка на %s: %w", bus.TopicUI, err)
	}

	c.mu.Lock()
	c.sub = sub
	c.mu.Unlock()

	_ = c.Wakeup(ctx)
	return nil
}

func (c *Client) onMessage(_ context.Context, msg bus.Message) {
	if msg.Type != bus.TypeStatus {
		return
	}
	select {
	case c.statuses <- msg:
	default:
		c.log.Debug().Str("status", msg.Message).Msg("очередь статусов переполнена")
	}
}

// Statuses канал статусов media host
func (c *Client) Statuses() <-chan bus.Message {
	return c.statuses
}

// Dial просит набрать номер; пробелы по краям отбрасываются
func (c *Client) Dial(ctx context.Context, number string) error {
	number = strings.TrimSpace(number)
	if number == "" {
		return ErrEmptyNumber
	}
	c.log.Info().Str("number", number).Msg("Discando")
	return c.send(ctx, bus.Dial(number))
}

// Answer просит ответить на входящий вызов
func (c *Client) Answer(ctx context.Context) error {
	return c.send(ctx, bus.Answer())
}

// Hangup просит завершить вызов
func (c *Client) Hangup(ctx context.Context) error {
	return c.send(ctx, bus.Hangup())
}

// Wakeup будит координатор без команды
func (c *Client) Wakeup(ctx context.Context) error {
	return c.send(ctx, bus.Wakeup())
}

func (c *Client) send(ctx context.Context, msg bus.Message) error {
	if err := c.bus.Publish(ctx, bus.TopicCoordinator, msg); err != nil {
		c.log.Warn().Err(err).Str("type", string(msg.Type)).Msg("команда не отправлена")
		return fmt.Errorf("отправка %s: %w", msg.Type, err)
	}
	return nil
}

// Close отписывается от статусов
func (c *Client) Close() error {
	c.mu.Lock()
	sub := c.sub
	c.sub = nil
	c.mu.Unlock()

	if sub != nil {
		return sub.Unsubscribe()
	}
	return nil
}
