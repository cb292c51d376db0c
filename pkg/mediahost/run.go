package mediahost

import (
	"context"
	"fmt"
	"time"

	"github.com/arzzra/webphone/pkg/bus"
	"github.com/arzzra/webphone/pkg/credential"
)

// HandleMessage обрабатывает команду с шины. dial выполняется асинхронно:
// запрос call-token не должен задерживать последующий hangup.
func (h *Host) HandleMessage(ctx context.Context, msg bus.Message) {
	h.log.Debug().Str("message", msg.String()).Msg("получено сообщение")

	switch msg.Type {
	case bus.TypeDial:
		if h.ctx.Err() != nil {
			return
		}
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			_ = h.Dial(h.ctx, msg.PhoneNumber)
		}()
	case bus.TypeAnswer:
		_ = h.Answer(ctx)
	case bus.TypeHangup:
		_ = h.Hangup(ctx)
	case bus.TypeWakeup:
		// пробуждение процесса, действий не требуется
	case bus.TypeJWTResponse:
		_ = h.InitializeFromJWT(ctx, msg.JWT)
	default:
		h.log.Warn().Str("type", string(msg.Type)).Msg("Mensagem desconhecida")
	}
}

// Run подписывается на топик mediahost, запрашивает учетные данные и
// отправляет heartbeat до отмены ctx или Close.
func (h *Host) Run(ctx context.Context) error {
	sub, err := h.bus.Subscribe(bus.TopicMediaHost, h.HandleMessage)
	if err != nil {
		return fmt.Errorf("подписка на %s: %w", bus.TopicMediaHost, err)
	}
	h.mu.Lock()
	h.subs = append(h.subs, sub)
	h.mu.Unlock()

	if err := h.bootstrap(ctx); err != nil {
		h.log.Error().Err(err).Msg("не удалось получить учетные данные")
	}

	var tick <-chan time.Time
	if h.cfg.HeartbeatInterval > 0 {
		t := time.NewTicker(h.cfg.HeartbeatInterval)
		defer t.Stop()
		tick = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return h.Close()
		case <-h.ctx.Done():
			return nil
		case <-tick:
			if err := h.bus.Publish(ctx, bus.TopicCoordinator, bus.Heartbeat(h.now())); err != nil {
				h.metrics.PublishFailed(string(bus.TopicCoordinator))
				h.log.Warn().Err(err).Msg("heartbeat не отправлен")
			}
		}
	}
}

func (h *Host) bootstrap(ctx context.Context) error {
	if h.cfg.Bootstrap == BootstrapStatic {
		cred, err := credential.FromStatic(h.cfg.Static)
		if err != nil {
			h.status(ctx, fmt.Sprintf("Credenciais inválidas: %v", err))
			return err
		}
		return h.Initialize(ctx, cred)
	}

	// ответ придет сообщением jwt-response; повторных запросов нет
	return h.bus.Publish(ctx, bus.TopicCoordinator, bus.JWTRequest())
}

// Close завершает текущий вызов, останавливает user agent и отписывается от шины
func (h *Host) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	subs := h.subs
	h.subs = nil
	ua := h.ua
	h.ua = nil
	h.mu.Unlock()

	for _, s := range subs {
		_ = s.Unsubscribe()
	}

	var stopErr error
	if ua != nil {
		if sess, ok := h.machine.Session(); ok {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			if err := ua.Terminate(ctx, sess.ID); err != nil {
				h.log.Debug().Err(err).Str("session", sess.ID).Msg("завершение вызова при остановке")
			}
			cancel()
		}
		stopErr = ua.Stop()
	}

	h.cancel()
	h.wg.Wait()
	h.sink.Stop()

	h.log.Info().Msg("media host остановлен")
	return stopErr
}
