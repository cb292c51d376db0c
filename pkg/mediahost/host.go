// Package mediahost управляет SIP user agent, автоматом вызова и
// воспроизведением удаленного аудио. Host живет в отдельном процессе (или
// горутине в режиме -inprocess), принимает команды с шины и отправляет
// статусы координатору и UI.
package mediahost

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/arzzra/webphone/pkg/bus"
	"github.com/arzzra/webphone/pkg/call"
	"github.com/arzzra/webphone/pkg/calltoken"
	"github.com/arzzra/webphone/pkg/credential"
	"github.com/arzzra/webphone/pkg/media"
	"github.com/arzzra/webphone/pkg/metrics"
)

const (
	// CallTokenHeader заголовок INVITE с токеном вызова
	CallTokenHeader = "X-CALL-TOKEN"

	// BusyCode код отказа входящего вызова при занятом слоте
	BusyCode = 486

	// BootstrapJWT учетные данные запрашиваются у координатора
	BootstrapJWT = "jwt"
	// BootstrapStatic учетные данные берутся из конфигурации
	BootstrapStatic = "static"
)

var (
	// ErrNotInitialized user agent еще не создан
	ErrNotInitialized = errors.New("user agent не создан")
	// ErrAlreadyInitialized user agent уже создан
	ErrAlreadyInitialized = errors.New("user agent уже создан")
	// ErrEmptyTarget пустой номер для вызова
	ErrEmptyTarget = errors.New("пустой номер вызова")
)

// Config конфигурация media host
type Config struct {
	// Bootstrap источник учетных данных: jwt или static
	Bootstrap string `json:"bootstrap"`
	// Static учетные данные для Bootstrap=static
	Static credential.Static `json:"static"`
	// Register регистрироваться для приема входящих вызовов
	Register bool `json:"register"`
	// HeartbeatInterval период heartbeat; 0 отключает
	HeartbeatInterval time.Duration `json:"heartbeat_interval"`
	// PlayRetryDelay пауза перед повторной попыткой воспроизведения
	PlayRetryDelay time.Duration `json:"play_retry_delay"`
}

// DefaultConfig конфигурация по умолчанию
func DefaultConfig() Config {
	return Config{
		Bootstrap:         BootstrapJWT,
		HeartbeatInterval: 20 * time.Second,
		PlayRetryDelay:    500 * time.Millisecond,
	}
}

// Host оркестратор media host
type Host struct {
	cfg          Config
	bus          bus.Bus
	newSignaling SignalingFactory
	tokens       calltoken.Fetcher
	sink         media.Sink
	metrics      *metrics.Collector
	log          zerolog.Logger
	now          func() time.Time

	machine *call.Machine

	// initMu сериализует Initialize; mu защищает поля ниже
	initMu sync.Mutex
	mu     sync.Mutex
	ua     Signaling
	cred   credential.Credential
	jwt    string
	// conn соединение, на которое уже подписан attach; audioSession сессия,
	// которой принадлежат conn и attached
	conn         media.PeerConnection
	attached     string
	audioSession string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	subs   []bus.Subscription
	closed bool
}

// Option настройка Host
type Option func(*Host)

// WithTokenFetcher задает клиент call-token; nil отключает запрос токена
func WithTokenFetcher(f calltoken.Fetcher) Option {
	return func(h *Host) { h.tokens = f }
}

// WithMetrics задает коллектор метрик
func WithMetrics(m *metrics.Collector) Option {
	return func(h *Host) { h.metrics = m }
}

// WithLogger задает логгер
func WithLogger(l zerolog.Logger) Option {
	return func(h *Host) { h.log = l }
}

// New создает Host. newSignaling и sink обязательны.
func New(cfg Config, b bus.Bus, newSignaling SignalingFactory, sink media.Sink, opts ...Option) *Host {
	def := DefaultConfig()
	if cfg.Bootstrap == "" {
		cfg.Bootstrap = def.Bootstrap
	}
	if cfg.PlayRetryDelay <= 0 {
		cfg.PlayRetryDelay = def.PlayRetryDelay
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &Host{
		cfg:          cfg,
		bus:          b,
		newSignaling: newSignaling,
		sink:         sink,
		log:          zerolog.Nop(),
		now:          time.Now,
		machine:      call.NewMachine(),
		ctx:          ctx,
		cancel:       cancel,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// State текущее состояние вызова
func (h *Host) State() call.State {
	return h.machine.State()
}

// Session снимок текущего вызова
func (h *Host) Session() (call.Session, bool) {
	return h.machine.Session()
}

// Initialized сообщает, создан ли user agent
func (h *Host) Initialized() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ua != nil
}

// Initialize создает и запускает user agent для учетных данных
func (h *Host) Initialize(ctx context.Context, cred credential.Credential) error {
	h.initMu.Lock()
	defer h.initMu.Unlock()

	if h.Initialized() {
		h.status(ctx, "UA já inicializado, ignorando novas credenciais.")
		return ErrAlreadyInitialized
	}

	if err := cred.Validate(); err != nil {
		h.status(ctx, fmt.Sprintf("Credenciais inválidas: %v", err))
		return err
	}

	h.log.Info().Str("account", cred.String()).Bool("register", h.cfg.Register).Msg("создание user agent")

	ua, err := h.newSignaling(cred, UAOptions{Register: h.cfg.Register}, Listener{
		OnConnection: h.onConnection,
		OnSession:    h.onSession,
	})
	if err != nil {
		h.status(ctx, fmt.Sprintf("Erro ao criar UA: %v", err))
		return fmt.Errorf("создание user agent: %w", err)
	}

	// ua публикуется до Start: события сессий могут прийти во время запуска
	h.mu.Lock()
	h.ua = ua
	h.cred = cred
	h.mu.Unlock()

	if err := ua.Start(ctx); err != nil {
		h.mu.Lock()
		h.ua = nil
		h.mu.Unlock()
		_ = ua.Stop()
		h.status(ctx, fmt.Sprintf("Erro ao iniciar UA: %v", err))
		return fmt.Errorf("запуск user agent: %w", err)
	}

	h.status(ctx, "UA iniciado.")
	return nil
}

// InitializeFromJWT извлекает учетные данные из токена и запускает user agent.
// Токен сохраняется для запроса call-token.
func (h *Host) InitializeFromJWT(ctx context.Context, token string) error {
	if h.Initialized() {
		h.log.Debug().Msg("повторный jwt-response проигнорирован")
		return ErrAlreadyInitialized
	}

	cred, err := credential.FromJWT(token)
	if err != nil {
		h.status(ctx, fmt.Sprintf("Falha ao decodificar JWT: %v", err))
		return err
	}

	h.mu.Lock()
	h.jwt = token
	h.mu.Unlock()

	return h.Initialize(ctx, cred)
}

func (h *Host) signaling() (Signaling, credential.Credential, string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ua, h.cred, h.jwt
}

// Dial начинает исходящий вызов на номер или SIP URI
func (h *Host) Dial(ctx context.Context, number string) error {
	ua, cred, jwt := h.signaling()
	if ua == nil {
		h.status(ctx, "UA não inicializado.")
		return ErrNotInitialized
	}
	if number == "" {
		h.status(ctx, "Número de destino vazio.")
		return ErrEmptyTarget
	}
	if h.machine.State() != call.StateIdle {
		h.status(ctx, "Sessão já ativa.")
		return call.ErrSessionActive
	}

	headers := map[string]string{}
	if token := h.fetchCallToken(ctx, cred, jwt); token != "" {
		headers[CallTokenHeader] = token
	} else {
		h.status(ctx, "Token de chamada indisponível, discando sem ele.")
	}

	target := cred.TargetURI(number)
	sessionID := uuid.NewString()

	res, err := h.machine.Apply(ctx, call.Event{Kind: call.EventDial, SessionID: sessionID, Target: target})
	if err != nil {
		// входящий вызов занял слот, пока запрашивался токен
		h.status(ctx, "Sessão já ativa.")
		return err
	}
	h.observe(res)
	h.status(ctx, fmt.Sprintf("Nova sessão local: %s", sessionID))
	h.status(ctx, fmt.Sprintf("Chamando %s", target))

	if err := ua.Call(ctx, sessionID, target, headers); err != nil {
		h.status(ctx, fmt.Sprintf("Erro ao iniciar chamada: %v", err))
		h.onSession(SessionEvent{Kind: call.EventFailed, SessionID: sessionID, Cause: err.Error()})
		return fmt.Errorf("вызов %s: %w", target, err)
	}
	return nil
}

func (h *Host) fetchCallToken(ctx context.Context, cred credential.Credential, jwt string) string {
	if h.tokens == nil || jwt == "" || cred.BackendURL == "" {
		return ""
	}

	h.status(ctx, "Autenticando...")
	token, err := h.tokens.Fetch(ctx, cred.BackendURL, jwt)
	if err != nil {
		h.log.Warn().Err(err).Msg("call-token не получен")
		return ""
	}
	return token
}

// Answer отвечает на входящий вызов
func (h *Host) Answer(ctx context.Context) error {
	ua, _, _ := h.signaling()
	if ua == nil {
		h.status(ctx, "UA não inicializado.")
		return ErrNotInitialized
	}

	res, err := h.machine.Apply(ctx, call.Event{Kind: call.EventAnswer})
	if err != nil {
		h.status(ctx, "Nenhuma sessão ativa para atender chamada.")
		return err
	}
	h.observe(res)
	h.status(ctx, "Atendendo chamada...")

	if err := ua.Answer(ctx, res.Session.ID); err != nil {
		h.status(ctx, fmt.Sprintf("Erro ao atender chamada: %v", err))
		h.onSession(SessionEvent{Kind: call.EventFailed, SessionID: res.Session.ID, Cause: err.Error()})
		return fmt.Errorf("ответ на вызов: %w", err)
	}
	return nil
}

// Hangup завершает текущий вызов
func (h *Host) Hangup(ctx context.Context) error {
	ua, _, _ := h.signaling()
	if ua == nil {
		h.status(ctx, "UA não inicializado.")
		return ErrNotInitialized
	}

	res, err := h.machine.Apply(ctx, call.Event{Kind: call.EventHangup})
	if err != nil {
		h.status(ctx, "Nenhuma sessão ativa para finalizar chamada.")
		return err
	}
	h.status(ctx, "Finalizando chamada...")

	for _, eff := range res.Effects {
		if eff.Kind != call.EffectTerminate {
			continue
		}
		if err := ua.Terminate(ctx, eff.SessionID); err != nil {
			h.status(ctx, fmt.Sprintf("Erro ao finalizar chamada: %v", err))
			// сигнализация уже не знает сессию, слот освобождается локально
			h.onSession(SessionEvent{Kind: call.EventFailed, SessionID: eff.SessionID, Cause: err.Error()})
			return fmt.Errorf("завершение вызова: %w", err)
		}
	}
	return nil
}

func (h *Host) onConnection(ev ConnectionEvent) {
	switch ev.Kind {
	case ConnConnected:
		h.status(h.ctx, "Socket conectado (WSS).")
	case ConnDisconnected:
		h.status(h.ctx, "Socket desconectado.")
	case ConnRegistered:
		h.status(h.ctx, "Registrado no servidor SIP.")
	case ConnUnregistered:
		h.status(h.ctx, "Não registrado.")
	case ConnRegistrationFailed:
		h.status(h.ctx, fmt.Sprintf("Falha no registro: %s", causeText(ev.Cause)))
	default:
		h.log.Debug().Str("event", string(ev.Kind)).Msg("неизвестное событие соединения")
	}
}

func (h *Host) onSession(ev SessionEvent) {
	ctx := h.ctx
	res, err := h.machine.Apply(ctx, call.Event{
		Kind:      ev.Kind,
		SessionID: ev.SessionID,
		Target:    ev.Remote,
		Cause:     ev.Cause,
	})
	if err != nil {
		h.rejectSessionEvent(ctx, ev, err)
		return
	}
	h.observe(res)

	switch ev.Kind {
	case call.EventIncoming:
		h.status(ctx, fmt.Sprintf("Nova sessão remote: %s", ev.Remote))
	case call.EventPeerConnection:
		h.status(ctx, "Conexão de mídia estabelecida.")
	case call.EventAccepted:
		h.status(ctx, "Sessão aceita.")
	case call.EventConfirmed:
		h.status(ctx, "Sessão confirmada.")
	case call.EventEnded:
		h.status(ctx, "Sessão finalizada.")
	case call.EventFailed:
		h.status(ctx, fmt.Sprintf("Sessão falhou: %s", causeText(ev.Cause)))
	}

	for _, eff := range res.Effects {
		switch eff.Kind {
		case call.EffectAttachAudio:
			h.subscribeAudio(eff.SessionID, ev.Conn)
		case call.EffectRelease:
			h.release(eff.SessionID)
		}
	}
}

func (h *Host) rejectSessionEvent(ctx context.Context, ev SessionEvent, err error) {
	switch {
	case ev.Kind == call.EventIncoming && errors.Is(err, call.ErrSessionActive):
		h.status(ctx, fmt.Sprintf("Ocupado, rejeitando chamada de %s.", ev.Remote))
		ua, _, _ := h.signaling()
		if ua == nil {
			return
		}
		if rerr := ua.Reject(ctx, ev.SessionID, BusyCode); rerr != nil {
			h.log.Warn().Err(rerr).Str("session", ev.SessionID).Msg("не удалось отклонить входящий вызов")
		}
	case errors.Is(err, call.ErrNoSession), errors.Is(err, call.ErrStaleEvent):
		// повторные ended/failed и события завершенных сессий
		h.log.Debug().Err(err).Str("event", string(ev.Kind)).Msg("событие сессии проигнорировано")
	default:
		h.log.Warn().Err(err).Str("event", string(ev.Kind)).Str("session", ev.SessionID).Msg("событие сессии отклонено")
	}
}

func (h *Host) subscribeAudio(sessionID string, conn media.PeerConnection) {
	if conn == nil {
		h.log.Warn().Str("session", sessionID).Msg("peerconnection без медиа соединения")
		return
	}

	h.mu.Lock()
	if h.conn == conn {
		h.mu.Unlock()
		return
	}
	h.conn = conn
	h.audioSession = sessionID
	h.mu.Unlock()

	conn.OnAddStream(func(s media.Stream) {
		h.attach(sessionID, s)
	})
	conn.OnTrack(func(ev media.TrackEvent) {
		if len(ev.Streams) == 0 {
			return
		}
		h.attach(sessionID, ev.Streams[0])
	})
}

// attach подключает поток к приемнику. Поток, пришедший обоими путями,
// подключается один раз.
func (h *Host) attach(sessionID string, s media.Stream) {
	if s == nil {
		return
	}
	if sess, ok := h.machine.Session(); !ok || sess.ID != sessionID {
		return
	}

	h.mu.Lock()
	if h.attached == s.ID() {
		h.mu.Unlock()
		return
	}
	h.attached = s.ID()
	h.audioSession = sessionID
	h.mu.Unlock()

	h.status(h.ctx, "Anexando stream remoto ao áudio.")
	h.sink.SetStream(s)
	h.sink.SetMuted(false)

	if err := h.sink.Play(h.ctx); err != nil {
		h.status(h.ctx, fmt.Sprintf("Falha ao reproduzir áudio remoto: %v", err))
		h.retryPlay(s.ID())
		return
	}
	h.status(h.ctx, "Áudio conectado.")
}

func (h *Host) retryPlay(streamID string) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()

		t := time.NewTimer(h.cfg.PlayRetryDelay)
		defer t.Stop()
		select {
		case <-h.ctx.Done():
			return
		case <-t.C:
		}

		h.mu.Lock()
		current := h.attached
		h.mu.Unlock()
		if current != streamID {
			return
		}

		if err := h.sink.Play(h.ctx); err != nil {
			h.status(h.ctx, "Áudio remoto indisponível, a chamada continua.")
			return
		}
		h.status(h.ctx, "Áudio conectado.")
	}()
}

// release освобождает аудио завершенной сессии. Аудио, уже занятое
// следующей сессией, не трогается.
func (h *Host) release(sessionID string) {
	h.mu.Lock()
	if h.audioSession != "" && h.audioSession != sessionID {
		h.mu.Unlock()
		return
	}
	h.conn = nil
	h.attached = ""
	h.audioSession = ""
	h.mu.Unlock()

	h.sink.Stop()
}

func (h *Host) observe(res call.Result) {
	if res.Changed() {
		h.metrics.Transition(string(res.From), string(res.To))
	}
	switch {
	case res.From == call.StateIdle && res.To.Live():
		h.metrics.CallStarted(string(res.Session.Direction))
	case res.To == call.StateTerminated:
		outcome := "ended"
		if res.Event.Kind == call.EventFailed {
			outcome = "failed"
		}
		h.metrics.CallFinished(outcome)
	}
}

// status логирует текст и рассылает его координатору и UI
func (h *Host) status(ctx context.Context, text string) {
	h.log.Info().Msg(text)
	h.metrics.StatusEmitted()

	if h.bus == nil {
		return
	}
	msg := bus.Status(text, h.now())
	for _, topic := range []bus.Topic{bus.TopicCoordinator, bus.TopicUI} {
		if err := h.bus.Publish(ctx, topic, msg); err != nil {
			h.metrics.PublishFailed(string(topic))
			h.log.Debug().Err(err).Str("topic", string(topic)).Msg("статус не доставлен")
		}
	}
}

func causeText(cause string) string {
	if cause == "" {
		return "desconhecida"
	}
	return cause
}
