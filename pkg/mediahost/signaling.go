package mediahost

import (
	"context"

	"github.com/arzzra/webphone/pkg/call"
	"github.com/arzzra/webphone/pkg/credential"
	"github.com/arzzra/webphone/pkg/media"
)

// ConnectionEventKind событие соединения user agent с сервером
type ConnectionEventKind string

const (
	ConnConnected          ConnectionEventKind = "connected"
	ConnDisconnected       ConnectionEventKind = "disconnected"
	ConnRegistered         ConnectionEventKind = "registered"
	ConnUnregistered       ConnectionEventKind = "unregistered"
	ConnRegistrationFailed ConnectionEventKind = "registrationFailed"
)

// ConnectionEvent событие транспорта или регистрации
type ConnectionEvent struct {
	Kind  ConnectionEventKind
	Cause string
}

// SessionEvent событие сигнализации по сессии вызова.
// Kind один из incoming, peerconnection, accepted, confirmed, ended, failed.
type SessionEvent struct {
	Kind      call.EventKind
	SessionID string
	// Remote URI удаленной стороны для incoming
	Remote string
	// Cause причина для failed/ended
	Cause string
	// Conn медиа соединение для peerconnection
	Conn media.PeerConnection
}

// Listener получатель событий сигнализации. События могут приходить из
// любых горутин, включая вызывающую Start/Call.
type Listener struct {
	OnConnection func(ConnectionEvent)
	OnSession    func(SessionEvent)
}

// UAOptions параметры создания user agent
type UAOptions struct {
	// Register регистрироваться на сервере для приема входящих
	Register bool
}

// Signaling SIP user agent, которым управляет Host
type Signaling interface {
	// Start подключается к серверу и при необходимости регистрируется
	Start(ctx context.Context) error
	// Call начинает исходящий вызов с заданным идентификатором сессии
	Call(ctx context.Context, sessionID, target string, headers map[string]string) error
	// Answer отвечает на входящий вызов
	Answer(ctx context.Context, sessionID string) error
	// Terminate завершает сессию в любом состоянии
	Terminate(ctx context.Context, sessionID string) error
	// Reject отклоняет входящий вызов кодом ответа
	Reject(ctx context.Context, sessionID string, code int) error
	// Stop останавливает user agent
	Stop() error
}

// SignalingFactory создает user agent для учетных данных
type SignalingFactory func(cred credential.Credential, opts UAOptions, l Listener) (Signaling, error)
