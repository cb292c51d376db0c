package bus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// NATSConfig настройки шины поверх NATS
type NATSConfig struct {
	URL           string        `json:"url"`
	SubjectPrefix string        `json:"subject_prefix"`
	Name          string        `json:"name"`
	ConnectWait   time.Duration `json:"connect_wait"`
	ReconnectWait time.Duration `json:"reconnect_wait"`
	MaxReconnects int           `json:"max_reconnects"`
}

// DefaultNATSConfig значения по умолчанию
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		SubjectPrefix: "webphone",
		ConnectWait:   5 * time.Second,
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// NATS шина, соединяющая процессы софтфона через NATS core pub/sub.
// Сообщения не сохраняются: если получателя нет, сообщение теряется.
type NATS struct {
	nc     *nats.Conn
	prefix string
	log    zerolog.Logger
}

// DialNATS подключается к серверу NATS
func DialNATS(cfg NATSConfig, log zerolog.Logger) (*NATS, error) {
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = "webphone"
	}

	opts := []nats.Option{
		nats.Timeout(cfg.ConnectWait),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS соединение потеряно")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS переподключен")
		}),
	}
	if cfg.Name != "" {
		opts = append(opts, nats.Name(cfg.Name))
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("подключение к NATS %s: %w", cfg.URL, err)
	}

	return NewNATS(nc, cfg.SubjectPrefix, log), nil
}

// NewNATS оборачивает готовое соединение
func NewNATS(nc *nats.Conn, prefix string, log zerolog.Logger) *NATS {
	return &NATS{nc: nc, prefix: prefix, log: log}
}

// Subject возвращает subject для топика
func (n *NATS) Subject(topic Topic) string {
	return n.prefix + "." + string(topic)
}

// Publish отправляет сообщение без ожидания доставки
func (n *NATS) Publish(_ context.Context, topic Topic, msg Message) error {
	data, err := Encode(msg)
	if err != nil {
		return err
	}
	if err := n.nc.Publish(n.Subject(topic), data); err != nil {
		if errors.Is(err, nats.ErrConnectionClosed) {
			return ErrClosed
		}
		return fmt.Errorf("публикация в %s: %w", n.Subject(topic), err)
	}
	return nil
}

// Subscribe подписывается на топик. NATS вызывает обработчик одной
// подписки последовательно, что сохраняет порядок от одного источника.
func (n *NATS) Subscribe(topic Topic, h Handler) (Subscription, error) {
	sub, err := n.nc.Subscribe(n.Subject(topic), func(m *nats.Msg) {
		msg, err := Decode(m.Data)
		if err != nil {
			n.log.Warn().Err(err).Str("subject", m.Subject).Msg("пропущено сообщение")
			return
		}
		h(context.Background(), msg)
	})
	if err != nil {
		return nil, fmt.Errorf("подписка на %s: %w", n.Subject(topic), err)
	}
	return sub, nil
}

// Close сбрасывает буферы и закрывает соединение
func (n *NATS) Close() error {
	if n.nc.IsClosed() {
		return nil
	}
	if err := n.nc.Drain(); err != nil {
		n.nc.Close()
		return err
	}
	return nil
}
