// Package sipua реализует SIP user agent софтфона поверх sipgo.
//
// UA регистрируется на сервере (если нужно), ведет исходящие и входящие
// диалоги через кэши диалогов sipgo и для каждого вызова открывает UDP
// сокет для RTP. События сигнализации отдаются в mediahost.Listener.
package sipua

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/icholy/digest"
	"github.com/rs/zerolog"

	"github.com/arzzra/webphone/pkg/call"
	"github.com/arzzra/webphone/pkg/credential"
	"github.com/arzzra/webphone/pkg/media"
	"github.com/arzzra/webphone/pkg/mediahost"
)

var (
	// ErrUnknownSession сессия не найдена
	ErrUnknownSession = errors.New("неизвестная сессия")
	// ErrRegisterRejected сервер отклонил REGISTER
	ErrRegisterRejected = errors.New("регистрация отклонена")
	// ErrStopped user agent остановлен
	ErrStopped = errors.New("user agent остановлен")
)

// Config параметры SIP транспорта
type Config struct {
	// Transport udp, tcp, ws или wss
	Transport string `json:"transport"`
	// ListenAddr адрес приема входящих запросов для udp/tcp; пустой не слушает
	ListenAddr string `json:"listen_addr"`
	// MediaIP адрес в SDP; пустой определяется по маршруту до сервера
	MediaIP string `json:"media_ip"`
	// UserAgent значение заголовка User-Agent
	UserAgent string `json:"user_agent"`
	// RegisterExpiry срок регистрации
	RegisterExpiry time.Duration `json:"register_expiry"`
	// AnswerTimeout ожидание ответа на INVITE
	AnswerTimeout time.Duration `json:"answer_timeout"`
}

// DefaultConfig параметры по умолчанию
func DefaultConfig() Config {
	return Config{
		Transport:      "wss",
		UserAgent:      "webphone",
		RegisterExpiry: 10 * time.Minute,
		AnswerTimeout:  2 * time.Minute,
	}
}

type session struct {
	id       string
	outgoing bool
	callID   string

	client *sipgo.DialogClientSession
	server *sipgo.DialogServerSession
	offer  []byte

	stream *media.UDPStream
	conn   *media.Conn

	// cancel прерывает ожидание ответа исходящего вызова
	cancel context.CancelFunc
	// settled закрывается после финального ответа на входящий INVITE
	settled   chan struct{}
	settle    sync.Once
	confirmed bool
}

func (s *session) markSettled() {
	s.settle.Do(func() { close(s.settled) })
}

// UA SIP user agent, реализует mediahost.Signaling
type UA struct {
	cfg      Config
	cred     credential.Credential
	opts     mediahost.UAOptions
	listener mediahost.Listener
	log      zerolog.Logger

	ua      *sipgo.UserAgent
	client  *sipgo.Client
	server  *sipgo.Server
	contact sip.ContactHeader
	mediaIP string

	dialogClients *sipgo.DialogClientCache
	dialogServers *sipgo.DialogServerCache

	mu         sync.Mutex
	sessions   map[string]*session
	byCallID   map[string]string
	registered bool
	stopped    bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewFactory возвращает фабрику UA для mediahost
func NewFactory(cfg Config, log zerolog.Logger) mediahost.SignalingFactory {
	return func(cred credential.Credential, opts mediahost.UAOptions, l mediahost.Listener) (mediahost.Signaling, error) {
		return New(cfg, cred, opts, l, log)
	}
}

// New создает UA. Сеть не используется до Start.
func New(cfg Config, cred credential.Credential, opts mediahost.UAOptions, l mediahost.Listener, log zerolog.Logger) (*UA, error) {
	def := DefaultConfig()
	if cfg.Transport == "" {
		cfg.Transport = def.Transport
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = def.UserAgent
	}
	if cfg.RegisterExpiry <= 0 {
		cfg.RegisterExpiry = def.RegisterExpiry
	}
	if cfg.AnswerTimeout <= 0 {
		cfg.AnswerTimeout = def.AnswerTimeout
	}
	switch cfg.Transport {
	case "udp", "tcp", "ws", "wss":
	default:
		return nil, fmt.Errorf("неподдерживаемый транспорт %q", cfg.Transport)
	}

	mediaIP := cfg.MediaIP
	if mediaIP == "" {
		mediaIP = outboundIP(cred.HostPort())
	}

	ua, err := sipgo.NewUA(
		sipgo.WithUserAgent(cfg.UserAgent),
		sipgo.WithUserAgentHostname(mediaIP),
	)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания User Agent: %w", err)
	}

	client, err := sipgo.NewClient(ua, sipgo.WithClientHostname(mediaIP))
	if err != nil {
		_ = ua.Close()
		return nil, fmt.Errorf("ошибка создания клиента: %w", err)
	}

	server, err := sipgo.NewServer(ua)
	if err != nil {
		_ = ua.Close()
		return nil, fmt.Errorf("ошибка создания сервера: %w", err)
	}

	contactURI := sip.Uri{User: cred.Peer, Host: mediaIP}
	if _, port, err := net.SplitHostPort(cfg.ListenAddr); err == nil {
		contactURI.Port, _ = strconv.Atoi(port)
	}
	if cfg.Transport != "udp" {
		contactURI.UriParams = sip.NewParams().Add("transport", cfg.Transport)
	}
	contact := sip.ContactHeader{Address: contactURI}

	ctx, cancel := context.WithCancel(context.Background())
	u := &UA{
		cfg:           cfg,
		cred:          cred,
		opts:          opts,
		listener:      l,
		log:           log.With().Str("component", "sipua").Str("account", cred.SIPURI()).Logger(),
		ua:            ua,
		client:        client,
		server:        server,
		contact:       contact,
		mediaIP:       mediaIP,
		dialogClients: sipgo.NewDialogClientCache(client, contact),
		dialogServers: sipgo.NewDialogServerCache(client, contact),
		sessions:      make(map[string]*session),
		byCallID:      make(map[string]string),
		ctx:           ctx,
		cancel:        cancel,
	}

	server.OnInvite(u.onInvite)
	server.OnAck(u.onAck)
	server.OnBye(u.onBye)

	return u, nil
}

// Start поднимает прием запросов и регистрируется при Register
func (u *UA) Start(ctx context.Context) error {
	if u.cfg.ListenAddr != "" && (u.cfg.Transport == "udp" || u.cfg.Transport == "tcp") {
		u.wg.Add(1)
		go func() {
			defer u.wg.Done()
			if err := u.server.ListenAndServe(u.ctx, u.cfg.Transport, u.cfg.ListenAddr); err != nil && u.ctx.Err() == nil {
				u.log.Error().Err(err).Str("addr", u.cfg.ListenAddr).Msg("SIP сервер остановлен")
				u.connectionEvent(mediahost.ConnDisconnected, err.Error())
			}
		}()
	}
	u.connectionEvent(mediahost.ConnConnected, "")

	if !u.opts.Register {
		return nil
	}

	if err := u.register(ctx, u.cfg.RegisterExpiry); err != nil {
		u.connectionEvent(mediahost.ConnRegistrationFailed, err.Error())
		return nil
	}
	u.setRegistered(true)
	u.connectionEvent(mediahost.ConnRegistered, "")

	u.wg.Add(1)
	go u.refreshRegistration()
	return nil
}

func (u *UA) refreshRegistration() {
	defer u.wg.Done()

	t := time.NewTicker(u.cfg.RegisterExpiry * 4 / 5)
	defer t.Stop()

	for {
		select {
		case <-u.ctx.Done():
			return
		case <-t.C:
			if err := u.register(u.ctx, u.cfg.RegisterExpiry); err != nil {
				u.log.Warn().Err(err).Msg("обновление регистрации не удалось")
				u.setRegistered(false)
				u.connectionEvent(mediahost.ConnRegistrationFailed, err.Error())
				continue
			}
			if !u.setRegistered(true) {
				u.connectionEvent(mediahost.ConnRegistered, "")
			}
		}
	}
}

// setRegistered возвращает предыдущее значение
func (u *UA) setRegistered(v bool) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	prev := u.registered
	u.registered = v
	return prev
}

func (u *UA) register(ctx context.Context, expiry time.Duration) error {
	recipient := sip.Uri{Host: u.cred.Domain, Port: u.cred.Port}
	aor := sip.Uri{User: u.cred.Peer, Host: u.cred.Domain}

	req := sip.NewRequest(sip.REGISTER, recipient)
	req.AppendHeader(&sip.FromHeader{Address: aor, Params: sip.NewParams().Add("tag", uuid.NewString()[:8])})
	req.AppendHeader(&sip.ToHeader{Address: aor, Params: sip.NewParams()})
	contact := u.contact
	req.AppendHeader(&contact)
	req.AppendHeader(sip.NewHeader("Expires", strconv.Itoa(int(expiry.Seconds()))))
	req.SetTransport(u.cfg.Transport)

	res, err := u.client.Do(ctx, req)
	if err != nil {
		return fmt.Errorf("REGISTER: %w", err)
	}

	if res.StatusCode == sip.StatusUnauthorized || res.StatusCode == sip.StatusProxyAuthRequired {
		res, err = u.authorize(ctx, req, res)
		if err != nil {
			return err
		}
	}

	if !res.IsSuccess() {
		return fmt.Errorf("%w: %d %s", ErrRegisterRejected, res.StatusCode, res.Reason)
	}
	return nil
}

// authorize повторяет запрос с digest авторизацией по вызову из ответа
func (u *UA) authorize(ctx context.Context, req *sip.Request, res *sip.Response) (*sip.Response, error) {
	challengeName, authName := "WWW-Authenticate", "Authorization"
	if res.StatusCode == sip.StatusProxyAuthRequired {
		challengeName, authName = "Proxy-Authenticate", "Proxy-Authorization"
	}

	h := res.GetHeader(challengeName)
	if h == nil {
		return nil, fmt.Errorf("%w: нет заголовка %s", ErrRegisterRejected, challengeName)
	}

	challenge, err := digest.ParseChallenge(h.Value())
	if err != nil {
		return nil, fmt.Errorf("разбор %s: %w", challengeName, err)
	}

	cred, err := digest.Digest(challenge, digest.Options{
		Method:   req.Method.String(),
		URI:      req.Recipient.String(),
		Username: u.cred.Peer,
		Password: u.cred.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("digest: %w", err)
	}

	next := req.Clone()
	next.RemoveHeader("Via")
	if cseq := next.CSeq(); cseq != nil {
		cseq.SeqNo++
	}
	next.AppendHeader(sip.NewHeader(authName, cred.String()))

	return u.client.Do(ctx, next)
}

// Call отправляет INVITE и ждет ответа в фоне
func (u *UA) Call(ctx context.Context, sessionID, target string, headers map[string]string) error {
	if u.isStopped() {
		return ErrStopped
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	var recipient sip.Uri
	if err := sip.ParseUri(target, &recipient); err != nil {
		return fmt.Errorf("некорректный SIP URI %q: %w", target, err)
	}
	if u.cfg.Transport != "udp" {
		recipient.UriParams = sip.NewParams().Add("transport", u.cfg.Transport)
	}

	stream, err := media.ListenUDP(net.JoinHostPort(u.mediaIP, "0"))
	if err != nil {
		return fmt.Errorf("RTP сокет: %w", err)
	}

	offer, err := BuildOffer(u.mediaIP, stream.LocalAddr().Port)
	if err != nil {
		_ = stream.Close()
		return fmt.Errorf("SDP offer: %w", err)
	}

	hdrs := []sip.Header{sip.NewHeader("Content-Type", "application/sdp")}
	for name, value := range headers {
		hdrs = append(hdrs, sip.NewHeader(name, value))
	}

	callCtx, cancel := context.WithTimeout(u.ctx, u.cfg.AnswerTimeout)
	s := &session{id: sessionID, outgoing: true, stream: stream, cancel: cancel}

	dlg, err := u.dialogClients.Invite(callCtx, recipient, offer, hdrs...)
	if err != nil {
		cancel()
		_ = stream.Close()
		return fmt.Errorf("INVITE: %w", err)
	}
	s.client = dlg
	if cid := dlg.InviteRequest.CallID(); cid != nil {
		s.callID = cid.Value()
	}
	u.track(s)

	u.log.Info().Str("session", sessionID).Str("target", target).Msg("INVITE отправлен")

	u.wg.Add(1)
	go u.awaitAnswer(callCtx, s)
	return nil
}

func (u *UA) awaitAnswer(ctx context.Context, s *session) {
	defer u.wg.Done()

	err := s.client.WaitAnswer(ctx, sipgo.AnswerOptions{
		Username: u.cred.Peer,
		Password: u.cred.Password,
		OnResponse: func(res *sip.Response) error {
			u.log.Debug().Str("session", s.id).Int("status", int(res.StatusCode)).Msg("предварительный ответ")
			return nil
		},
	})
	if err != nil {
		u.fail(s, failureCause(ctx, err))
		return
	}

	if _, err := ParseSDP(s.client.InviteResponse.Body()); err != nil {
		u.log.Warn().Err(err).Str("session", s.id).Msg("некорректный SDP в ответе")
		_ = s.client.Ack(u.ctx)
		_ = s.client.Bye(u.ctx)
		u.fail(s, "Incompatible SDP")
		return
	}

	conn := media.NewConn(s.stream)
	u.mu.Lock()
	s.conn = conn
	u.mu.Unlock()

	u.sessionEvent(mediahost.SessionEvent{Kind: call.EventPeerConnection, SessionID: s.id, Conn: conn})
	u.sessionEvent(mediahost.SessionEvent{Kind: call.EventAccepted, SessionID: s.id})
	conn.Announce()

	if err := s.client.Ack(u.ctx); err != nil {
		u.fail(s, fmt.Sprintf("ACK: %v", err))
		return
	}

	u.mu.Lock()
	s.confirmed = true
	u.mu.Unlock()
	u.sessionEvent(mediahost.SessionEvent{Kind: call.EventConfirmed, SessionID: s.id})
}

func failureCause(ctx context.Context, err error) string {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return "No Answer"
	case errors.Is(err, context.Canceled), errors.Is(ctx.Err(), context.Canceled):
		return "Canceled"
	}
	return err.Error()
}

func (u *UA) onInvite(req *sip.Request, tx sip.ServerTransaction) {
	dlg, err := u.dialogServers.ReadInvite(req, tx)
	if err != nil {
		u.log.Warn().Err(err).Msg("некорректный INVITE")
		_ = tx.Respond(sip.NewResponseFromRequest(req, sip.StatusBadRequest, "Bad Request", nil))
		return
	}

	s := &session{
		id:      uuid.NewString(),
		server:  dlg,
		offer:   req.Body(),
		settled: make(chan struct{}),
	}
	if cid := req.CallID(); cid != nil {
		s.callID = cid.Value()
	}
	u.track(s)

	remote := ""
	if from := req.From(); from != nil {
		remote = from.Address.String()
	}

	if err := dlg.Respond(sip.StatusRinging, "Ringing", nil); err != nil {
		u.log.Warn().Err(err).Str("session", s.id).Msg("180 Ringing не отправлен")
	}
	u.sessionEvent(mediahost.SessionEvent{Kind: call.EventIncoming, SessionID: s.id, Remote: remote})

	// транзакция живет, пока на INVITE не отправлен финальный ответ
	select {
	case <-s.settled:
	case <-tx.Done():
		select {
		case <-s.settled:
		default:
			u.fail(s, "Canceled")
		}
	case <-u.ctx.Done():
	}
}

func (u *UA) onAck(req *sip.Request, tx sip.ServerTransaction) {
	if err := u.dialogServers.ReadAck(req, tx); err != nil {
		u.log.Debug().Err(err).Msg("ACK вне диалога")
		return
	}

	s := u.byCall(req)
	if s == nil {
		return
	}
	u.mu.Lock()
	s.confirmed = true
	u.mu.Unlock()
	u.sessionEvent(mediahost.SessionEvent{Kind: call.EventConfirmed, SessionID: s.id})
}

func (u *UA) onBye(req *sip.Request, tx sip.ServerTransaction) {
	s := u.byCall(req)

	err := u.dialogServers.ReadBye(req, tx)
	if err != nil {
		err = u.dialogClients.ReadBye(req, tx)
	}
	if err != nil {
		u.log.Debug().Err(err).Msg("BYE вне диалога")
		_ = tx.Respond(sip.NewResponseFromRequest(req, 481, "Call/Transaction Does Not Exist", nil))
		return
	}

	if s != nil {
		u.end(s, "Terminated")
	}
}

// Answer отвечает 200 OK с SDP на входящий вызов
func (u *UA) Answer(_ context.Context, sessionID string) error {
	s, err := u.lookup(sessionID)
	if err != nil {
		return err
	}
	if s.outgoing || s.server == nil {
		return fmt.Errorf("%w: %s не входящий вызов", ErrUnknownSession, sessionID)
	}

	stream, err := media.ListenUDP(net.JoinHostPort(u.mediaIP, "0"))
	if err != nil {
		return fmt.Errorf("RTP сокет: %w", err)
	}

	answer, _, err := BuildAnswer(s.offer, u.mediaIP, stream.LocalAddr().Port)
	if err != nil {
		_ = stream.Close()
		_ = s.server.Respond(488, "Not Acceptable Here", nil)
		s.markSettled()
		return fmt.Errorf("SDP answer: %w", err)
	}

	if err := s.server.RespondSDP(answer); err != nil {
		_ = stream.Close()
		return fmt.Errorf("200 OK: %w", err)
	}
	s.markSettled()

	conn := media.NewConn(stream)
	u.mu.Lock()
	s.stream = stream
	s.conn = conn
	u.mu.Unlock()

	u.sessionEvent(mediahost.SessionEvent{Kind: call.EventPeerConnection, SessionID: s.id, Conn: conn})
	u.sessionEvent(mediahost.SessionEvent{Kind: call.EventAccepted, SessionID: s.id})
	conn.Announce()
	return nil
}

// Terminate завершает сессию: CANCEL до ответа, BYE после, отказ для
// неотвеченного входящего.
func (u *UA) Terminate(ctx context.Context, sessionID string) error {
	s, err := u.lookup(sessionID)
	if err != nil {
		return err
	}

	u.mu.Lock()
	confirmed := s.confirmed || s.conn != nil
	u.mu.Unlock()

	switch {
	case s.outgoing && !confirmed:
		// WaitAnswer отправит CANCEL и завершит сессию событием failed
		s.cancel()
		return nil
	case s.outgoing:
		if err := s.client.Bye(ctx); err != nil {
			u.end(s, "BYE error")
			return fmt.Errorf("BYE: %w", err)
		}
	case !confirmed:
		if err := s.server.Respond(sip.StatusTemporarilyUnavailable, "Temporarily Unavailable", nil); err != nil {
			u.fail(s, "Rejected")
			return fmt.Errorf("отказ: %w", err)
		}
		s.markSettled()
		u.fail(s, "Rejected")
		return nil
	default:
		if err := s.server.Bye(ctx); err != nil {
			u.end(s, "BYE error")
			return fmt.Errorf("BYE: %w", err)
		}
	}

	u.end(s, "Terminated")
	return nil
}

// Reject отклоняет входящий вызов без события сессии
func (u *UA) Reject(_ context.Context, sessionID string, code int) error {
	s, err := u.lookup(sessionID)
	if err != nil {
		return err
	}
	if s.server == nil {
		return fmt.Errorf("%w: %s не входящий вызов", ErrUnknownSession, sessionID)
	}

	status := sip.StatusCode(code)
	reason := "Busy Here"
	if status != sip.StatusBusyHere {
		reason = "Rejected"
	}
	err = s.server.Respond(status, reason, nil)
	s.markSettled()
	u.drop(s)
	return err
}

// Stop снимает регистрацию, завершает сессии и закрывает транспорт
func (u *UA) Stop() error {
	u.mu.Lock()
	if u.stopped {
		u.mu.Unlock()
		return nil
	}
	u.stopped = true
	registered := u.registered
	sessions := make([]*session, 0, len(u.sessions))
	for _, s := range u.sessions {
		sessions = append(sessions, s)
	}
	u.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	for _, s := range sessions {
		_ = u.Terminate(ctx, s.id)
	}

	if registered {
		if err := u.register(ctx, 0); err != nil {
			u.log.Warn().Err(err).Msg("снятие регистрации не удалось")
		} else {
			u.connectionEvent(mediahost.ConnUnregistered, "")
		}
	}

	u.cancel()
	u.wg.Wait()

	err := u.ua.Close()
	u.connectionEvent(mediahost.ConnDisconnected, "")
	return err
}

func (u *UA) isStopped() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.stopped
}

func (u *UA) track(s *session) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.sessions[s.id] = s
	if s.callID != "" {
		u.byCallID[s.callID] = s.id
	}
}

func (u *UA) lookup(sessionID string) (*session, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	s, ok := u.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	return s, nil
}

func (u *UA) byCall(req *sip.Request) *session {
	cid := req.CallID()
	if cid == nil {
		return nil
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.sessions[u.byCallID[cid.Value()]]
}

// drop удаляет сессию и освобождает ее ресурсы; возвращает false, если
// сессия уже удалена
func (u *UA) drop(s *session) bool {
	u.mu.Lock()
	_, ok := u.sessions[s.id]
	delete(u.sessions, s.id)
	delete(u.byCallID, s.callID)
	u.mu.Unlock()

	if !ok {
		return false
	}

	if s.cancel != nil {
		s.cancel()
	}
	if s.stream != nil {
		_ = s.stream.Close()
	}
	if s.client != nil {
		_ = s.client.Close()
	}
	if s.server != nil {
		_ = s.server.Close()
	}
	return true
}

func (u *UA) end(s *session, cause string) {
	if u.drop(s) {
		u.sessionEvent(mediahost.SessionEvent{Kind: call.EventEnded, SessionID: s.id, Cause: cause})
	}
}

func (u *UA) fail(s *session, cause string) {
	if u.drop(s) {
		u.sessionEvent(mediahost.SessionEvent{Kind: call.EventFailed, SessionID: s.id, Cause: cause})
	}
}

func (u *UA) sessionEvent(ev mediahost.SessionEvent) {
	u.log.Debug().Str("event", string(ev.Kind)).Str("session", ev.SessionID).Str("cause", ev.Cause).Msg("событие сессии")
	if u.listener.OnSession != nil {
		u.listener.OnSession(ev)
	}
}

func (u *UA) connectionEvent(kind mediahost.ConnectionEventKind, cause string) {
	u.log.Info().Str("event", string(kind)).Str("cause", cause).Msg("событие соединения")
	if u.listener.OnConnection != nil {
		u.listener.OnConnection(mediahost.ConnectionEvent{Kind: kind, Cause: cause})
	}
}

// outboundIP адрес локального интерфейса, через который идет маршрут до сервера
func outboundIP(hostPort string) string {
	conn, err := net.Dial("udp", hostPort)
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()
	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		return addr.IP.String()
	}
	return "127.0.0.1"
}
