// Package call содержит конечный автомат единственного вызова софтфона.
//
// Автомат не выполняет ввод-вывод: события сигнализации передаются в Apply
// как обычные данные, а побочные действия (подключить аудио, запросить
// завершение) возвращаются списком эффектов, которые исполняет media host.
//
// Состояния:
//
//	idle -> dialing|ringing -> connecting -> active -> terminated (-> idle)
//
// terminated терминальное: слот вызова освобождается сразу, и автомат
// возвращается в idle, поэтому повторные ended/failed игнорируются.
package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/looplab/fsm"
)

// State состояние слота вызова
type State string

const (
	StateIdle       State = "idle"
	StateDialing    State = "dialing"
	StateRinging    State = "ringing"
	StateConnecting State = "connecting"
	StateActive     State = "active"
	StateTerminated State = "terminated"
)

// Live сообщает, занят ли слот вызовом
func (s State) Live() bool {
	switch s {
	case StateDialing, StateRinging, StateConnecting, StateActive:
		return true
	}
	return false
}

// Direction направление вызова
type Direction string

const (
	DirectionOutgoing Direction = "outgoing"
	DirectionIncoming Direction = "incoming"
)

// EventKind тип входного события автомата
type EventKind string

const (
	EventDial           EventKind = "dial"
	EventIncoming       EventKind = "incoming"
	EventPeerConnection EventKind = "peerconnection"
	EventAnswer         EventKind = "answer"
	EventAccepted       EventKind = "accepted"
	EventConfirmed      EventKind = "confirmed"
	EventHangup         EventKind = "hangup"
	EventEnded          EventKind = "ended"
	EventFailed         EventKind = "failed"
)

// Event входное событие. SessionID обязателен для dial/incoming; для
// остальных событий пустой SessionID означает "текущий вызов".
type Event struct {
	Kind      EventKind
	SessionID string
	// Target удаленный SIP URI для dial/incoming
	Target string
	// Cause причина для failed
	Cause string
}

// EffectKind побочное действие, которое должен выполнить владелец автомата
type EffectKind int

const (
	// EffectAttachAudio подписаться на медиа потоки соединения и подключить аудио
	EffectAttachAudio EffectKind = iota
	// EffectTerminate запросить локальное завершение сессии в сигнализации
	EffectTerminate
	// EffectRelease слот освобожден, ресурсы сессии можно закрыть
	EffectRelease
)

func (k EffectKind) String() string {
	switch k {
	case EffectAttachAudio:
		return "attach_audio"
	case EffectTerminate:
		return "terminate"
	case EffectRelease:
		return "release"
	}
	return "unknown"
}

// Effect побочное действие для конкретной сессии
type Effect struct {
	Kind      EffectKind
	SessionID string
}

// Session снимок текущего вызова
type Session struct {
	ID           string
	Direction    Direction
	RemoteTarget string
	State        State
	CreatedAt    time.Time
}

// Transition запись истории переходов
type Transition struct {
	From      State
	To        State
	Event     EventKind
	SessionID string
	At        time.Time
}

// Result итог применения события
type Result struct {
	From    State
	To      State
	Event   Event
	Session Session
	Effects []Effect
}

// Changed сообщает, сменилось ли состояние
func (r Result) Changed() bool {
	return r.From != r.To
}

var (
	// ErrSessionActive слот уже занят вызовом
	ErrSessionActive = errors.New("сессия уже активна")
	// ErrNoSession нет активной сессии
	ErrNoSession = errors.New("нет активной сессии")
	// ErrNoSessionToAnswer нет вызова в состоянии ringing
	ErrNoSessionToAnswer = errors.New("нет активной сессии для ответа")
	// ErrStaleEvent событие относится к уже завершенной сессии
	ErrStaleEvent = errors.New("событие устаревшей сессии")
	// ErrInvalidTransition событие недопустимо в текущем состоянии
	ErrInvalidTransition = errors.New("недопустимый переход состояния")
	// ErrMissingSessionID dial/incoming без идентификатора сессии
	ErrMissingSessionID = errors.New("не указан идентификатор сессии")
)

const historyLimit = 20

var liveStates = []string{
	string(StateDialing),
	string(StateRinging),
	string(StateConnecting),
	string(StateActive),
}

// Machine автомат единственного слота вызова. Методы безопасны для
// конкурентного вызова, но владелец (media host) обычно сериализует события сам.
type Machine struct {
	mu      sync.Mutex
	fsm     *fsm.FSM
	session *Session
	history []Transition
	now     func() time.Time
}

// NewMachine создает автомат в состоянии idle
func NewMachine() *Machine {
	return &Machine{
		fsm:     newCallFSM(),
		history: make([]Transition, 0, historyLimit),
		now:     time.Now,
	}
}

func newCallFSM() *fsm.FSM {
	events := fsm.Events{
		{Name: string(EventDial), Src: []string{string(StateIdle)}, Dst: string(StateDialing)},
		{Name: string(EventIncoming), Src: []string{string(StateIdle)}, Dst: string(StateRinging)},

		// peerconnection переводит исходящий вызов в connecting; в остальных
		// живых состояниях только подключает аудио
		{Name: string(EventPeerConnection), Src: []string{string(StateDialing)}, Dst: string(StateConnecting)},
		{Name: string(EventPeerConnection), Src: []string{string(StateRinging)}, Dst: string(StateRinging)},
		{Name: string(EventPeerConnection), Src: []string{string(StateConnecting)}, Dst: string(StateConnecting)},
		{Name: string(EventPeerConnection), Src: []string{string(StateActive)}, Dst: string(StateActive)},

		{Name: string(EventAnswer), Src: []string{string(StateRinging)}, Dst: string(StateConnecting)},

		// accepted может обогнать peerconnection у исходящего вызова
		{Name: string(EventAccepted), Src: []string{string(StateDialing), string(StateConnecting)}, Dst: string(StateActive)},
		{Name: string(EventAccepted), Src: []string{string(StateActive)}, Dst: string(StateActive)},
		{Name: string(EventConfirmed), Src: []string{string(StateDialing), string(StateConnecting)}, Dst: string(StateActive)},
		{Name: string(EventConfirmed), Src: []string{string(StateActive)}, Dst: string(StateActive)},

		{Name: string(EventEnded), Src: liveStates, Dst: string(StateTerminated)},
		{Name: string(EventFailed), Src: liveStates, Dst: string(StateTerminated)},
	}

	// hangup не меняет состояние: завершение придет событием ended
	for _, s := range liveStates {
		events = append(events, fsm.EventDesc{Name: string(EventHangup), Src: []string{s}, Dst: s})
	}

	return fsm.NewFSM(string(StateIdle), events, fsm.Callbacks{})
}

// State текущее состояние
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return State(m.fsm.Current())
}

// Session возвращает снимок текущей сессии
func (m *Machine) Session() (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return Session{}, false
	}
	return *m.session, true
}

// History возвращает копию последних переходов
func (m *Machine) History() []Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Transition, len(m.history))
	copy(out, m.history)
	return out
}

// Apply применяет событие. Ошибка означает, что событие отклонено и
// состояние не изменилось.
func (m *Machine) Apply(ctx context.Context, ev Event) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	from := State(m.fsm.Current())
	res := Result{From: from, To: from, Event: ev}

	switch ev.Kind {
	case EventDial, EventIncoming:
		if m.session != nil {
			res.Session = *m.session
			return res, fmt.Errorf("%w: %s в состоянии %s", ErrSessionActive, ev.Kind, from)
		}
		if ev.SessionID == "" {
			return res, ErrMissingSessionID
		}
	default:
		if m.session == nil {
			if ev.Kind == EventAnswer {
				return res, ErrNoSessionToAnswer
			}
			return res, fmt.Errorf("%w: %s", ErrNoSession, ev.Kind)
		}
		if ev.SessionID != "" && ev.SessionID != m.session.ID {
			res.Session = *m.session
			return res, fmt.Errorf("%w: %s", ErrStaleEvent, ev.SessionID)
		}
	}

	if err := m.fsm.Event(ctx, string(ev.Kind)); err != nil && !isNoTransition(err) {
		if m.session != nil {
			res.Session = *m.session
		}
		if ev.Kind == EventAnswer {
			return res, fmt.Errorf("%w: состояние %s", ErrNoSessionToAnswer, from)
		}
		return res, fmt.Errorf("%w: %s в состоянии %s: %v", ErrInvalidTransition, ev.Kind, from, err)
	}

	to := State(m.fsm.Current())
	res.To = to

	switch ev.Kind {
	case EventDial:
		m.session = &Session{ID: ev.SessionID, Direction: DirectionOutgoing, RemoteTarget: ev.Target, CreatedAt: m.now()}
	case EventIncoming:
		m.session = &Session{ID: ev.SessionID, Direction: DirectionIncoming, RemoteTarget: ev.Target, CreatedAt: m.now()}
	}

	m.session.State = to
	res.Session = *m.session

	switch ev.Kind {
	case EventPeerConnection:
		res.Effects = append(res.Effects, Effect{Kind: EffectAttachAudio, SessionID: m.session.ID})
	case EventHangup:
		res.Effects = append(res.Effects, Effect{Kind: EffectTerminate, SessionID: m.session.ID})
	}

	if from != to {
		m.record(from, to, ev.Kind, m.session.ID)
	}

	if to == StateTerminated {
		res.Effects = append(res.Effects, Effect{Kind: EffectRelease, SessionID: m.session.ID})
		m.session = nil
		m.fsm.SetState(string(StateIdle))
	}

	return res, nil
}

func (m *Machine) record(from, to State, ev EventKind, sessionID string) {
	m.history = append(m.history, Transition{From: from, To: to, Event: ev, SessionID: sessionID, At: m.now()})
	if len(m.history) > historyLimit {
		m.history = m.history[1:]
	}
}

func isNoTransition(err error) bool {
	var nt fsm.NoTransitionError
	return errors.As(err, &nt)
}
