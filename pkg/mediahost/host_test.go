package mediahost

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/arzzra/webphone/pkg/bus"
	"github.com/arzzra/webphone/pkg/call"
	"github.com/arzzra/webphone/pkg/credential"
	"github.com/arzzra/webphone/pkg/media"
)

const testPayload = `{"domain":"pbx.example.com","port":8089,"peer":"1001","password":"secret","backendUrl":"https://backend.example.com/"}`

func makeToken(payload string) string {
	return "eyJhbGciOiJIUzI1NiJ9." + base64.RawURLEncoding.EncodeToString([]byte(payload)) + ".sig"
}

type fakeCall struct {
	id      string
	target  string
	headers map[string]string
}

type fakeUA struct {
	mu         sync.Mutex
	listener   Listener
	opts       UAOptions
	cred       credential.Credential
	calls      []fakeCall
	answered   []string
	terminated []string
	rejected   map[string]int
	stopped    bool

	startErr     error
	callErr      error
	terminateErr error
}

func (u *fakeUA) Start(context.Context) error {
	if u.startErr != nil {
		return u.startErr
	}
	u.listener.OnConnection(ConnectionEvent{Kind: ConnConnected})
	return nil
}

func (u *fakeUA) Call(_ context.Context, id, target string, headers map[string]string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.calls = append(u.calls, fakeCall{id: id, target: target, headers: headers})
	return u.callErr
}

func (u *fakeUA) Answer(_ context.Context, id string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.answered = append(u.answered, id)
	return nil
}

func (u *fakeUA) Terminate(_ context.Context, id string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.terminated = append(u.terminated, id)
	return u.terminateErr
}

func (u *fakeUA) Reject(_ context.Context, id string, code int) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.rejected == nil {
		u.rejected = map[string]int{}
	}
	u.rejected[id] = code
	return nil
}

func (u *fakeUA) Stop() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.stopped = true
	return nil
}

func (u *fakeUA) emit(ev SessionEvent) {
	u.listener.OnSession(ev)
}

func (u *fakeUA) lastCall() fakeCall {
	u.mu.Lock()
	defer u.mu.Unlock()
	if len(u.calls) == 0 {
		return fakeCall{}
	}
	return u.calls[len(u.calls)-1]
}

func (u *fakeUA) callCount() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.calls)
}

type fakeSink struct {
	mu        sync.Mutex
	streams   []string
	muted     bool
	plays     int
	failPlays int
	stops     int
}

func (s *fakeSink) SetStream(st media.Stream) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streams = append(s.streams, st.ID())
	return true
}

func (s *fakeSink) SetMuted(m bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.muted = m
}

func (s *fakeSink) Play(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plays++
	if s.failPlays > 0 {
		s.failPlays--
		return media.ErrPlaybackNotAllowed
	}
	return nil
}

func (s *fakeSink) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stops++
}

func (s *fakeSink) snapshot() (streams []string, plays, stops int, muted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string{}, s.streams...), s.plays, s.stops, s.muted
}

type fakeStream struct{ id string }

func (f *fakeStream) ID() string                   { return f.id }
func (f *fakeStream) ReadRTP() (*rtp.Packet, error) { return nil, media.ErrStreamClosed }
func (f *fakeStream) Close() error                 { return nil }

type fakeFetcher struct {
	mu      sync.Mutex
	token   string
	err     error
	backend string
	bearer  string
}

func (f *fakeFetcher) Fetch(_ context.Context, backendURL, bearer string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.backend = backendURL
	f.bearer = bearer
	return f.token, f.err
}

type recorder struct {
	mu   sync.Mutex
	msgs []bus.Message
}

func (r *recorder) handle(_ context.Context, m bus.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, m)
}

func (r *recorder) has(typ bus.Type, substr string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.msgs {
		if m.Type == typ && strings.Contains(m.Message, substr) {
			return true
		}
	}
	return false
}

func (r *recorder) count(typ bus.Type) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, m := range r.msgs {
		if m.Type == typ {
			n++
		}
	}
	return n
}

type HostSuite struct {
	suite.Suite
	ctx     context.Context
	bus     *bus.Local
	ua      *fakeUA
	created int
	sink    *fakeSink
	fetcher *fakeFetcher
	ui      *recorder
	coord   *recorder
	host    *Host
}

func (s *HostSuite) SetupTest() {
	s.ctx = context.Background()
	s.bus = bus.NewLocal()
	s.ua = &fakeUA{}
	s.created = 0
	s.sink = &fakeSink{}
	s.fetcher = &fakeFetcher{token: "call-token-1"}
	s.ui = &recorder{}
	s.coord = &recorder{}

	_, err := s.bus.Subscribe(bus.TopicUI, s.ui.handle)
	s.Require().NoError(err)
	_, err = s.bus.Subscribe(bus.TopicCoordinator, s.coord.handle)
	s.Require().NoError(err)

	s.host = s.newHost(Config{PlayRetryDelay: 10 * time.Millisecond})
}

func (s *HostSuite) newHost(cfg Config) *Host {
	factory := func(cred credential.Credential, opts UAOptions, l Listener) (Signaling, error) {
		s.created++
		s.ua.listener = l
		s.ua.opts = opts
		s.ua.cred = cred
		return s.ua, nil
	}
	return New(cfg, s.bus, factory, s.sink, WithTokenFetcher(s.fetcher))
}

func (s *HostSuite) TearDownTest() {
	_ = s.host.Close()
	_ = s.bus.Close()
}

func (s *HostSuite) initialize() {
	s.Require().NoError(s.host.InitializeFromJWT(s.ctx, makeToken(testPayload)))
}

func (s *HostSuite) waitStatus(substr string) {
	s.Eventually(func() bool { return s.ui.has(bus.TypeStatus, substr) },
		time.Second, 5*time.Millisecond, "нет статуса %q", substr)
}

func (s *HostSuite) dial() string {
	s.Require().NoError(s.host.Dial(s.ctx, "5551234"))
	sess, ok := s.host.Session()
	s.Require().True(ok)
	return sess.ID
}

func (s *HostSuite) TestCommandsBeforeInitialize() {
	s.ErrorIs(s.host.Dial(s.ctx, "5551234"), ErrNotInitialized)
	s.ErrorIs(s.host.Answer(s.ctx), ErrNotInitialized)
	s.ErrorIs(s.host.Hangup(s.ctx), ErrNotInitialized)
	s.waitStatus("UA não inicializado")
	s.Equal(0, s.ua.callCount())
}

func (s *HostSuite) TestInitializeFromJWT() {
	s.initialize()

	s.Equal(1, s.created)
	s.Equal("pbx.example.com", s.ua.cred.Domain)
	s.Equal("1001", s.ua.cred.Peer)
	s.waitStatus("Socket conectado")

	s.ErrorIs(s.host.InitializeFromJWT(s.ctx, makeToken(testPayload)), ErrAlreadyInitialized)
	s.Equal(1, s.created)
}

func (s *HostSuite) TestInitializeWithMalformedToken() {
	s.Error(s.host.InitializeFromJWT(s.ctx, "not-a-jwt"))
	s.False(s.host.Initialized())
	s.waitStatus("Falha ao decodificar JWT")
}

func (s *HostSuite) TestInitializeStartFailure() {
	s.ua.startErr = errors.New("connection refused")
	s.Error(s.host.InitializeFromJWT(s.ctx, makeToken(testPayload)))
	s.False(s.host.Initialized())
	s.waitStatus("Erro ao iniciar UA")
}

func (s *HostSuite) TestDialSendsCallToken() {
	s.initialize()
	s.dial()

	c := s.ua.lastCall()
	s.Equal("sip:5551234@pbx.example.com", c.target)
	s.Equal("call-token-1", c.headers[CallTokenHeader])
	s.Equal("https://backend.example.com", s.fetcher.backend)
	s.Equal(makeToken(testPayload), s.fetcher.bearer)
	s.Equal(call.StateDialing, s.host.State())
	s.waitStatus("Chamando sip:5551234@pbx.example.com")
}

func (s *HostSuite) TestDialWithoutTokenOmitsHeader() {
	s.fetcher.err = errors.New("backend unavailable")
	s.initialize()
	s.dial()

	c := s.ua.lastCall()
	_, present := c.headers[CallTokenHeader]
	s.False(present)
	s.waitStatus("Token de chamada indisponível")
}

func (s *HostSuite) TestDialWhileActive() {
	s.initialize()
	first := s.dial()

	s.ErrorIs(s.host.Dial(s.ctx, "999"), call.ErrSessionActive)
	s.Equal(1, s.ua.callCount())

	sess, _ := s.host.Session()
	s.Equal(first, sess.ID)
	s.waitStatus("Sessão já ativa")
}

func (s *HostSuite) TestDialSignalingErrorFreesSlot() {
	s.initialize()
	s.ua.callErr = errors.New("transport closed")

	s.Error(s.host.Dial(s.ctx, "5551234"))
	s.Equal(call.StateIdle, s.host.State())
	s.waitStatus("Erro ao iniciar chamada")
}

func (s *HostSuite) TestOutgoingCallEndToEnd() {
	s.initialize()
	id := s.dial()

	conn := media.NewConn(&fakeStream{id: "remote-1"})
	s.ua.emit(SessionEvent{Kind: call.EventPeerConnection, SessionID: id, Conn: conn})
	s.Equal(call.StateConnecting, s.host.State())

	// поток приходит и через OnAddStream, и через OnTrack
	conn.Announce()
	streams, plays, _, muted := s.sink.snapshot()
	s.Equal([]string{"remote-1"}, streams)
	s.Equal(1, plays)
	s.False(muted)
	s.waitStatus("Áudio conectado")

	s.ua.emit(SessionEvent{Kind: call.EventAccepted, SessionID: id})
	s.Equal(call.StateActive, s.host.State())
	s.ua.emit(SessionEvent{Kind: call.EventConfirmed, SessionID: id})

	s.Require().NoError(s.host.Hangup(s.ctx))
	s.Equal([]string{id}, s.ua.terminated)
	s.Equal(call.StateActive, s.host.State())

	s.ua.emit(SessionEvent{Kind: call.EventEnded, SessionID: id})
	s.Equal(call.StateIdle, s.host.State())
	_, _, stops, _ := s.sink.snapshot()
	s.Equal(1, stops)
	s.waitStatus("Sessão finalizada")

	// повторное ended игнорируется
	s.ua.emit(SessionEvent{Kind: call.EventEnded, SessionID: id})
	_, _, stops, _ = s.sink.snapshot()
	s.Equal(1, stops)

	s.ErrorIs(s.host.Hangup(s.ctx), call.ErrNoSession)
	s.waitStatus("Nenhuma sessão ativa para finalizar chamada")
}

func (s *HostSuite) TestIncomingCallAnswered() {
	s.initialize()

	s.ua.emit(SessionEvent{Kind: call.EventIncoming, SessionID: "in-1", Remote: "sip:200@pbx.example.com"})
	s.Equal(call.StateRinging, s.host.State())
	s.waitStatus("Nova sessão remote")

	s.Require().NoError(s.host.Answer(s.ctx))
	s.Equal([]string{"in-1"}, s.ua.answered)
	s.Equal(call.StateConnecting, s.host.State())

	conn := media.NewConn(&fakeStream{id: "remote-2"})
	conn.Announce()
	s.ua.emit(SessionEvent{Kind: call.EventPeerConnection, SessionID: "in-1", Conn: conn})
	streams, _, _, _ := s.sink.snapshot()
	s.Equal([]string{"remote-2"}, streams)

	s.ua.emit(SessionEvent{Kind: call.EventConfirmed, SessionID: "in-1"})
	s.Equal(call.StateActive, s.host.State())
}

func (s *HostSuite) TestIncomingWhileBusyIsRejected() {
	s.initialize()
	id := s.dial()

	s.ua.emit(SessionEvent{Kind: call.EventIncoming, SessionID: "in-2", Remote: "sip:300@pbx.example.com"})

	s.Equal(BusyCode, s.ua.rejected["in-2"])
	sess, _ := s.host.Session()
	s.Equal(id, sess.ID)
	s.Equal(call.StateDialing, sess.State)
}

func (s *HostSuite) TestAnswerWithoutRinging() {
	s.initialize()
	s.ErrorIs(s.host.Answer(s.ctx), call.ErrNoSessionToAnswer)
	s.waitStatus("Nenhuma sessão ativa para atender chamada")
	s.Empty(s.ua.answered)
}

func (s *HostSuite) TestPlaybackRetriedOnce() {
	s.sink.failPlays = 1
	s.initialize()
	id := s.dial()

	conn := media.NewConn(&fakeStream{id: "remote-3"})
	s.ua.emit(SessionEvent{Kind: call.EventPeerConnection, SessionID: id, Conn: conn})
	conn.Announce()

	s.waitStatus("Falha ao reproduzir áudio remoto")
	s.Eventually(func() bool {
		_, plays, _, _ := s.sink.snapshot()
		return plays == 2
	}, time.Second, 5*time.Millisecond)
	s.waitStatus("Áudio conectado")
	s.Equal(call.StateConnecting, s.host.State())
}

func (s *HostSuite) TestPlaybackFailureKeepsCall() {
	s.sink.failPlays = 2
	s.initialize()
	id := s.dial()

	conn := media.NewConn(&fakeStream{id: "remote-4"})
	s.ua.emit(SessionEvent{Kind: call.EventPeerConnection, SessionID: id, Conn: conn})
	conn.Announce()

	s.waitStatus("a chamada continua")
	_, plays, _, _ := s.sink.snapshot()
	s.Equal(2, plays)
	s.Equal(call.StateConnecting, s.host.State())
}

func (s *HostSuite) TestTerminateErrorFreesSlot() {
	s.initialize()
	s.dial()
	s.ua.terminateErr = errors.New("no such session")

	s.Error(s.host.Hangup(s.ctx))
	s.Equal(call.StateIdle, s.host.State())
	s.waitStatus("Erro ao finalizar chamada")
}

func (s *HostSuite) TestStaleSessionEventsIgnored() {
	s.initialize()
	id := s.dial()
	s.ua.emit(SessionEvent{Kind: call.EventFailed, SessionID: id, Cause: "Busy Here"})
	s.waitStatus("Sessão falhou: Busy Here")

	next := s.dial()
	s.ua.emit(SessionEvent{Kind: call.EventEnded, SessionID: id})

	sess, ok := s.host.Session()
	s.Require().True(ok)
	s.Equal(next, sess.ID)
}

func (s *HostSuite) TestLateReleaseKeepsNewerSessionAudio() {
	s.initialize()
	id := s.dial()

	conn := media.NewConn(&fakeStream{id: "remote-2"})
	s.ua.emit(SessionEvent{Kind: call.EventPeerConnection, SessionID: id, Conn: conn})
	conn.Announce()
	s.waitStatus("Áudio conectado")

	// освобождение предыдущей сессии доходит после подключения аудио новой
	s.host.release("previous-session")
	_, _, stops, _ := s.sink.snapshot()
	s.Equal(0, stops)
	s.host.mu.Lock()
	s.Equal("remote-2", s.host.attached)
	s.Equal(conn, s.host.conn)
	s.host.mu.Unlock()

	s.ua.emit(SessionEvent{Kind: call.EventFailed, SessionID: id, Cause: "Busy Here"})
	_, _, stops, _ = s.sink.snapshot()
	s.Equal(1, stops)
	s.host.mu.Lock()
	s.Empty(s.host.attached)
	s.host.mu.Unlock()
}

func (s *HostSuite) TestConnectionEventsBecomeStatus() {
	s.initialize()
	s.ua.listener.OnConnection(ConnectionEvent{Kind: ConnRegistered})
	s.ua.listener.OnConnection(ConnectionEvent{Kind: ConnRegistrationFailed})

	s.waitStatus("Registrado no servidor SIP")
	s.waitStatus("Falha no registro: desconhecida")
	s.Equal(call.StateIdle, s.host.State())
}

func (s *HostSuite) TestCloseTerminatesLiveCall() {
	s.initialize()
	id := s.dial()

	s.Require().NoError(s.host.Close())
	s.Equal([]string{id}, s.ua.terminated)
	s.True(s.ua.stopped)
	s.False(s.host.Initialized())
}

func TestHostSuite(t *testing.T) {
	suite.Run(t, new(HostSuite))
}

func TestRunJWTBootstrap(t *testing.T) {
	b := bus.NewLocal()
	defer b.Close()

	coord := &recorder{}
	_, err := b.Subscribe(bus.TopicCoordinator, coord.handle)
	require.NoError(t, err)

	ua := &fakeUA{}
	var mu sync.Mutex
	created := 0
	factory := func(cred credential.Credential, opts UAOptions, l Listener) (Signaling, error) {
		mu.Lock()
		defer mu.Unlock()
		created++
		ua.listener = l
		ua.opts = opts
		return ua, nil
	}

	h := New(Config{HeartbeatInterval: 20 * time.Millisecond, Register: true}, b, factory, &fakeSink{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Run(ctx) }()

	require.Eventually(t, func() bool { return coord.count(bus.TypeJWT) == 1 }, time.Second, 5*time.Millisecond)

	token := makeToken(testPayload)
	require.NoError(t, b.Publish(ctx, bus.TopicMediaHost, bus.JWTResponse(token)))
	require.NoError(t, b.Publish(ctx, bus.TopicMediaHost, bus.JWTResponse(token)))
	require.NoError(t, b.Publish(ctx, bus.TopicMediaHost, bus.Dial("42")))

	require.Eventually(t, func() bool { return ua.callCount() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "sip:42@pbx.example.com", ua.lastCall().target)

	mu.Lock()
	assert.Equal(t, 1, created)
	assert.True(t, ua.opts.Register)
	mu.Unlock()

	require.Eventually(t, func() bool { return coord.count(bus.TypeHeartbeat) >= 2 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run не завершился после отмены контекста")
	}
	assert.Equal(t, 1, coord.count(bus.TypeJWT))
}

func TestRunStaticBootstrap(t *testing.T) {
	b := bus.NewLocal()
	defer b.Close()

	coord := &recorder{}
	_, err := b.Subscribe(bus.TopicCoordinator, coord.handle)
	require.NoError(t, err)

	ua := &fakeUA{}
	factory := func(cred credential.Credential, opts UAOptions, l Listener) (Signaling, error) {
		ua.listener = l
		ua.cred = cred
		return ua, nil
	}

	cfg := Config{
		Bootstrap: BootstrapStatic,
		Static:    credential.Static{Domain: "pbx.local", Port: 5060, Username: "2002", Password: "pw"},
	}
	h := New(cfg, b, factory, &fakeSink{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = h.Run(ctx) }()

	require.Eventually(t, h.Initialized, time.Second, 5*time.Millisecond)
	assert.Equal(t, "2002", ua.cred.Peer)
	assert.Equal(t, 0, coord.count(bus.TypeJWT))
	require.NoError(t, h.Close())
}
