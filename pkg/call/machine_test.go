package call

import (
	"context"
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type MachineSuite struct {
	suite.Suite
	ctx context.Context
	m   *Machine
}

func (s *MachineSuite) SetupTest() {
	s.ctx = context.Background()
	s.m = NewMachine()
}

func (s *MachineSuite) apply(ev Event) Result {
	res, err := s.m.Apply(s.ctx, ev)
	s.Require().NoError(err, "событие %s", ev.Kind)
	return res
}

func (s *MachineSuite) TestOutgoingCallLifecycle() {
	res := s.apply(Event{Kind: EventDial, SessionID: "s1", Target: "sip:5551234@pbx.local"})
	s.Equal(StateIdle, res.From)
	s.Equal(StateDialing, res.To)
	s.Equal(DirectionOutgoing, res.Session.Direction)

	res = s.apply(Event{Kind: EventPeerConnection, SessionID: "s1"})
	s.Equal(StateConnecting, res.To)
	s.Equal([]Effect{{Kind: EffectAttachAudio, SessionID: "s1"}}, res.Effects)

	res = s.apply(Event{Kind: EventAccepted, SessionID: "s1"})
	s.Equal(StateActive, res.To)

	res = s.apply(Event{Kind: EventConfirmed, SessionID: "s1"})
	s.False(res.Changed())

	res = s.apply(Event{Kind: EventHangup})
	s.Equal(StateActive, res.To)
	s.Equal([]Effect{{Kind: EffectTerminate, SessionID: "s1"}}, res.Effects)

	res = s.apply(Event{Kind: EventEnded, SessionID: "s1"})
	s.Equal(StateTerminated, res.To)
	s.Equal(EffectRelease, res.Effects[len(res.Effects)-1].Kind)

	s.Equal(StateIdle, s.m.State())
	_, ok := s.m.Session()
	s.False(ok)
}

func (s *MachineSuite) TestIncomingCallLifecycle() {
	res := s.apply(Event{Kind: EventIncoming, SessionID: "in1", Target: "sip:100@pbx.local"})
	s.Equal(StateRinging, res.To)
	s.Equal(DirectionIncoming, res.Session.Direction)

	res = s.apply(Event{Kind: EventAnswer})
	s.Equal(StateConnecting, res.To)

	res = s.apply(Event{Kind: EventPeerConnection, SessionID: "in1"})
	s.False(res.Changed())
	s.Len(res.Effects, 1)

	res = s.apply(Event{Kind: EventConfirmed, SessionID: "in1"})
	s.Equal(StateActive, res.To)
}

func (s *MachineSuite) TestDialWhileActiveIsRejected() {
	s.apply(Event{Kind: EventDial, SessionID: "s1", Target: "a"})

	res, err := s.m.Apply(s.ctx, Event{Kind: EventDial, SessionID: "s2", Target: "b"})
	s.ErrorIs(err, ErrSessionActive)
	s.Equal("s1", res.Session.ID)

	sess, ok := s.m.Session()
	s.Require().True(ok)
	s.Equal("s1", sess.ID)
	s.Equal("a", sess.RemoteTarget)
	s.Equal(StateDialing, sess.State)

	_, err = s.m.Apply(s.ctx, Event{Kind: EventIncoming, SessionID: "s3"})
	s.ErrorIs(err, ErrSessionActive)
}

func (s *MachineSuite) TestAnswerOutsideRinging() {
	_, err := s.m.Apply(s.ctx, Event{Kind: EventAnswer})
	s.ErrorIs(err, ErrNoSessionToAnswer)
	s.Equal(StateIdle, s.m.State())

	s.apply(Event{Kind: EventDial, SessionID: "s1"})
	_, err = s.m.Apply(s.ctx, Event{Kind: EventAnswer})
	s.ErrorIs(err, ErrNoSessionToAnswer)
	s.Equal(StateDialing, s.m.State())
}

func (s *MachineSuite) TestHangupWithoutSession() {
	_, err := s.m.Apply(s.ctx, Event{Kind: EventHangup})
	s.ErrorIs(err, ErrNoSession)
}

func (s *MachineSuite) TestEndedTwiceIsIdempotent() {
	s.apply(Event{Kind: EventDial, SessionID: "s1"})

	res := s.apply(Event{Kind: EventEnded, SessionID: "s1"})
	s.Equal(StateTerminated, res.To)

	_, err := s.m.Apply(s.ctx, Event{Kind: EventEnded, SessionID: "s1"})
	s.ErrorIs(err, ErrNoSession)
	_, err = s.m.Apply(s.ctx, Event{Kind: EventFailed, SessionID: "s1", Cause: "Canceled"})
	s.ErrorIs(err, ErrNoSession)

	var terminations int
	for _, tr := range s.m.History() {
		if tr.To == StateTerminated {
			terminations++
		}
	}
	s.Equal(1, terminations)
}

func (s *MachineSuite) TestStaleEventDoesNotTouchNewSession() {
	s.apply(Event{Kind: EventDial, SessionID: "old"})
	s.apply(Event{Kind: EventFailed, SessionID: "old", Cause: "Busy"})
	s.apply(Event{Kind: EventDial, SessionID: "new"})

	_, err := s.m.Apply(s.ctx, Event{Kind: EventEnded, SessionID: "old"})
	s.ErrorIs(err, ErrStaleEvent)
	s.Equal(StateDialing, s.m.State())
}

func (s *MachineSuite) TestFailedFromEveryLiveState() {
	prepare := map[State][]Event{
		StateDialing:    {{Kind: EventDial, SessionID: "x"}},
		StateRinging:    {{Kind: EventIncoming, SessionID: "x"}},
		StateConnecting: {{Kind: EventDial, SessionID: "x"}, {Kind: EventPeerConnection}},
		StateActive:     {{Kind: EventDial, SessionID: "x"}, {Kind: EventAccepted}},
	}
	for state, events := range prepare {
		m := NewMachine()
		for _, ev := range events {
			_, err := m.Apply(s.ctx, ev)
			s.Require().NoError(err)
		}
		s.Require().Equal(state, m.State())

		res, err := m.Apply(s.ctx, Event{Kind: EventFailed, Cause: "Request Timeout"})
		s.Require().NoError(err)
		s.Equal(StateTerminated, res.To, "из %s", state)
		s.Equal(StateIdle, m.State())
	}
}

func (s *MachineSuite) TestDialRequiresSessionID() {
	_, err := s.m.Apply(s.ctx, Event{Kind: EventDial})
	s.ErrorIs(err, ErrMissingSessionID)
	s.Equal(StateIdle, s.m.State())
}

func TestMachineSuite(t *testing.T) {
	suite.Run(t, new(MachineSuite))
}

// Слот никогда не содержит больше одной сессии, а idle совпадает с пустым слотом
func TestRandomSequencesKeepSingleSlot(t *testing.T) {
	kinds := []EventKind{EventDial, EventIncoming, EventPeerConnection, EventAnswer,
		EventAccepted, EventConfirmed, EventHangup, EventEnded, EventFailed}
	rnd := rand.New(rand.NewSource(42))
	ctx := context.Background()

	for run := 0; run < 200; run++ {
		m := NewMachine()
		var current string
		for step := 0; step < 50; step++ {
			ev := Event{Kind: kinds[rnd.Intn(len(kinds))], SessionID: fmt.Sprintf("s%d-%d", run, step)}
			if ev.Kind != EventDial && ev.Kind != EventIncoming {
				ev.SessionID = ""
			}
			res, err := m.Apply(ctx, ev)

			sess, ok := m.Session()
			require.Equal(t, ok, m.State().Live(), "слот и состояние расходятся")
			if err != nil {
				assert.Equal(t, res.From, m.State(), "отклоненное событие изменило состояние")
				if ok {
					assert.Equal(t, current, sess.ID, "отклоненное событие заменило сессию")
				}
				continue
			}
			if ok {
				if current != "" && (ev.Kind == EventDial || ev.Kind == EventIncoming) {
					t.Fatalf("создана вторая сессия поверх %s", current)
				}
				current = sess.ID
			} else {
				current = ""
			}
		}
	}
}
