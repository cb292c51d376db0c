// Package coordinator следит за тем, чтобы media host существовал и был жив,
// и пересылает ему команды UI.
//
// Координатор не хранит состояние вызова. Любое входящее сообщение сначала
// гарантирует наличие media host, затем сдвигает срок watchdog и только
// потом обрабатывается. Молчание дольше срока считается выгрузкой хоста.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/arzzra/webphone/pkg/bus"
	"github.com/arzzra/webphone/pkg/metrics"
	"github.com/arzzra/webphone/pkg/settings"
)

// Config конфигурация координатора
type Config struct {
	// WatchdogTimeout срок без сигналов живости до пересоздания media host
	WatchdogTimeout time.Duration `json:"watchdog_timeout"`
	// EnsureTimeout ограничение на одну попытку создания хоста
	EnsureTimeout time.Duration `json:"ensure_timeout"`
}

// DefaultConfig конфигурация по умолчанию: три пропущенных heartbeat
func DefaultConfig() Config {
	return Config{
		WatchdogTimeout: 60 * time.Second,
		EnsureTimeout:   10 * time.Second,
	}
}

// Coordinator контроллер жизненного цикла media host
type Coordinator struct {
	cfg      Config
	bus      bus.Bus
	launcher Launcher
	store    settings.Store
	metrics  *metrics.Collector
	log      zerolog.Logger

	ensure   singleflight.Group
	watchdog *Watchdog

	mu       sync.Mutex
	lastSeen time.Time
	sub      bus.Subscription
}

// Option настройка Coordinator
type Option func(*Coordinator)

// WithMetrics задает коллектор метрик
func WithMetrics(m *metrics.Collector) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithLogger задает логгер
func WithLogger(l zerolog.Logger) Option {
	return func(c *Coordinator) { c.log = l }
}

// New создает координатор
func New(cfg Config, b bus.Bus, launcher Launcher, store settings.Store, opts ...Option) *Coordinator {
	def := DefaultConfig()
	if cfg.WatchdogTimeout <= 0 {
		cfg.WatchdogTimeout = def.WatchdogTimeout
	}
	if cfg.EnsureTimeout <= 0 {
		cfg.EnsureTimeout = def.EnsureTimeout
	}

	c := &Coordinator{
		cfg:      cfg,
		bus:      b,
		launcher: launcher,
		store:    store,
		log:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.watchdog = NewWatchdog(cfg.WatchdogTimeout, c.onWatchdogExpired)
	return c
}

// Watchdog возвращает таймер живости
func (c *Coordinator) Watchdog() *Watchdog {
	return c.watchdog
}

// EnsureMediaHost создает media host, если его нет. Одновременные вызовы
// схлопываются в одну попытку. Ошибки создания логируются и не возвращаются:
// следующий сигнал или срабатывание watchdog повторит попытку.
func (c *Coordinator) EnsureMediaHost(ctx context.Context) {
	_, _, _ = c.ensure.Do("media-host", func() (any, error) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.EnsureTimeout)
		defer cancel()

		exists, err := c.launcher.HasHost(ctx)
		if err != nil {
			c.log.Warn().Err(err).Msg("не удалось проверить media host")
		}
		if exists {
			c.metrics.HostEnsured("exists")
			return nil, nil
		}

		if err := c.launcher.CreateHost(ctx); err != nil {
			if errors.Is(err, ErrHostExists) {
				c.metrics.HostEnsured("exists")
				return nil, nil
			}
			c.metrics.HostEnsured("failed")
			c.log.Warn().Err(err).Msg("Falha ao criar media host (pode já existir)")
			return nil, nil
		}

		c.metrics.HostEnsured("created")
		c.log.Info().Msg("media host criado")
		return nil, nil
	})
}

// HandleMessage обрабатывает входящее сообщение координатора
func (c *Coordinator) HandleMessage(ctx context.Context, msg bus.Message) {
	c.EnsureMediaHost(ctx)
	c.liveness()

	switch msg.Type {
	case bus.TypeDial, bus.TypeAnswer, bus.TypeHangup:
		c.forward(ctx, msg)
	case bus.TypeJWT:
		c.answerJWT(ctx)
	case bus.TypeStatus:
		c.log.Info().Str("status", msg.Message).Msg("статус media host")
	case bus.TypeHeartbeat, bus.TypeWakeup:
		// только сигнал живости
	default:
		c.log.Warn().Str("type", string(msg.Type)).Msg("Mensagem desconhecida")
	}
}

func (c *Coordinator) liveness() {
	now := time.Now()

	c.mu.Lock()
	prev := c.lastSeen
	c.lastSeen = now
	c.mu.Unlock()

	if !prev.IsZero() {
		c.metrics.LivenessObserved(now.Sub(prev))
	}
	c.watchdog.Arm()
}

// LastSeen время последнего сигнала живости
func (c *Coordinator) LastSeen() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeen
}

func (c *Coordinator) forward(ctx context.Context, msg bus.Message) {
	if err := c.bus.Publish(ctx, bus.TopicMediaHost, msg); err != nil {
		c.metrics.PublishFailed(string(bus.TopicMediaHost))
		c.log.Warn().Err(err).Str("type", string(msg.Type)).Msg("команда не доставлена media host")
	}
}

func (c *Coordinator) answerJWT(ctx context.Context) {
	token, err := settings.JWT(ctx, c.store)
	if err != nil {
		c.log.Warn().Err(err).Msg("JWT недоступен")
		c.notifyUI(ctx, "JWT não configurado. Abra as opções do WebPhone.")
		return
	}
	c.forward(ctx, bus.JWTResponse(token))
}

func (c *Coordinator) notifyUI(ctx context.Context, text string) {
	if err := c.bus.Publish(ctx, bus.TopicUI, bus.Status(text, time.Now())); err != nil {
		c.log.Debug().Err(err).Msg("статус не доставлен UI")
	}
}

func (c *Coordinator) onWatchdogExpired() {
	c.metrics.WatchdogExpired()
	c.log.Warn().Dur("timeout", c.cfg.WatchdogTimeout).Msg("media host молчит, пересоздание")
	c.EnsureMediaHost(context.Background())
}

// Start гарантирует media host, подписывается на топик coordinator и
// взводит watchdog
func (c *Coordinator) Start(ctx context.Context) error {
	c.EnsureMediaHost(ctx)

	sub, err := c.bus.Subscribe(bus.TopicCoordinator, c.HandleMessage)
	if err != nil {
		return fmt.Errorf("подписка на %s: %w", bus.TopicCoordinator, err)
	}

	c.mu.Lock()
	c.sub = sub
	c.mu.Unlock()

	c.watchdog.Arm()
	c.log.Info().Dur("watchdog", c.cfg.WatchdogTimeout).Msg("координатор запущен")
	return nil
}

// Stop останавливает watchdog и отписывается от шины
func (c *Coordinator) Stop() error {
	c.watchdog.Stop()

	c.mu.Lock()
	sub := c.sub
	c.sub = nil
	c.mu.Unlock()

	if sub != nil {
		return sub.Unsubscribe()
	}
	return nil
}
