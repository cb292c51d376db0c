package media

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/rs/zerolog"
	"github.com/zaf/g711"
)

// Статические payload type из RFC 3551
const (
	PayloadPCMU uint8 = 0
	PayloadPCMA uint8 = 8
)

// Sink приемник удаленного аудио
type Sink interface {
	SetStream(s Stream) bool
	SetMuted(muted bool)
	Play(ctx context.Context) error
	Stop()
}

// Element аудио приемник: декодирует G.711 в 16-bit PCM little-endian и
// пишет в out. Без out воспроизведение запрещено (ErrPlaybackNotAllowed).
type Element struct {
	mu      sync.Mutex
	out     io.Writer
	stream  Stream
	muted   atomic.Bool
	playing bool
	cancel  context.CancelFunc
	done    chan struct{}

	packets atomic.Uint64
	written atomic.Uint64
	plays   atomic.Uint64
	late    atomic.Uint64
	lost    atomic.Uint64

	log zerolog.Logger
}

// NewElement создает приемник. Новый приемник заглушен до SetMuted(false).
func NewElement(out io.Writer, log zerolog.Logger) *Element {
	e := &Element{out: out, log: log}
	e.muted.Store(true)
	return e
}

// SetStream назначает поток. Повторное назначение того же потока ничего не
// делает и возвращает false; смена потока останавливает текущее воспроизведение.
func (e *Element) SetStream(s Stream) bool {
	e.mu.Lock()
	if e.stream != nil && s != nil && e.stream.ID() == s.ID() {
		e.mu.Unlock()
		return false
	}
	e.mu.Unlock()

	e.Stop()

	e.mu.Lock()
	e.stream = s
	e.mu.Unlock()
	return true
}

// SetMuted включает или выключает вывод
func (e *Element) SetMuted(muted bool) {
	e.muted.Store(muted)
}

// Muted сообщает, заглушен ли вывод
func (e *Element) Muted() bool {
	return e.muted.Load()
}

// Play запускает воспроизведение назначенного потока. Повторный вызов во
// время воспроизведения того же потока ничего не делает.
func (e *Element) Play(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.out == nil {
		return ErrPlaybackNotAllowed
	}
	if e.stream == nil {
		return ErrNoStream
	}
	if e.playing {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.done = make(chan struct{})
	e.playing = true
	e.plays.Add(1)

	go e.loop(ctx, e.stream, e.done)
	return nil
}

func (e *Element) loop(ctx context.Context, s Stream, done chan struct{}) {
	defer close(done)
	defer func() {
		e.mu.Lock()
		if e.done == done {
			e.playing = false
		}
		e.mu.Unlock()
	}()

	rb := newReorderBuffer(reorderDepth)
	for {
		if ctx.Err() != nil {
			return
		}
		pkt, err := s.ReadRTP()
		if err != nil {
			if !errors.Is(err, ErrStreamClosed) {
				e.log.Warn().Err(err).Str("stream", s.ID()).Msg("чтение RTP прервано")
			}
			return
		}
		e.packets.Add(1)

		ready := rb.Push(pkt)
		e.late.Store(rb.late)
		e.lost.Store(rb.lost)

		for _, p := range ready {
			if err := e.write(p); err != nil {
				e.log.Warn().Err(err).Msg("запись аудио прервана")
				return
			}
		}
	}
}

func (e *Element) write(pkt *rtp.Packet) error {
	if e.muted.Load() {
		return nil
	}
	pcm := decode(pkt.PayloadType, pkt.Payload)
	if pcm == nil {
		return nil
	}
	n, err := e.out.Write(pcm)
	e.written.Add(uint64(n))
	return err
}

// Stop останавливает воспроизведение. Поток не закрывается: им владеет вызов,
// и чтение завершится, когда вызов закроет поток.
func (e *Element) Stop() {
	e.mu.Lock()
	cancel := e.cancel
	e.cancel = nil
	e.playing = false
	e.stream = nil
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// Stats счетчики приемника. Late и Lost относятся к последнему воспроизведению.
type Stats struct {
	Plays        uint64
	Packets      uint64
	BytesWritten uint64
	Late         uint64
	Lost         uint64
}

func (e *Element) Stats() Stats {
	return Stats{
		Plays:        e.plays.Load(),
		Packets:      e.packets.Load(),
		BytesWritten: e.written.Load(),
		Late:         e.late.Load(),
		Lost:         e.lost.Load(),
	}
}

func decode(pt uint8, payload []byte) []byte {
	switch pt {
	case PayloadPCMU:
		return g711.DecodeUlaw(payload)
	case PayloadPCMA:
		return g711.DecodeAlaw(payload)
	}
	return nil
}
