// Package media описывает удаленный медиа поток вызова и аудио приемник,
// который его воспроизводит.
//
// PeerConnection сообщает о потоке двумя способами, как это делает браузер:
// устаревшим OnAddStream и современным OnTrack. Потребитель обязан
// подписываться на оба и подключать поток идемпотентно.
package media

import (
	"errors"
	"sync"

	"github.com/pion/rtp"
)

var (
	// ErrPlaybackNotAllowed приемник не может начать воспроизведение
	ErrPlaybackNotAllowed = errors.New("воспроизведение запрещено: нет устройства вывода")
	// ErrNoStream приемнику не назначен поток
	ErrNoStream = errors.New("поток не назначен")
	// ErrStreamClosed поток закрыт
	ErrStreamClosed = errors.New("поток закрыт")
)

// Stream удаленный RTP поток
type Stream interface {
	ID() string
	ReadRTP() (*rtp.Packet, error)
	Close() error
}

// TrackEvent современное уведомление о треке с потоками, которым он принадлежит
type TrackEvent struct {
	Streams []Stream
}

// PeerConnection медиа соединение вызова
type PeerConnection interface {
	// OnAddStream устаревшее уведомление о потоке
	OnAddStream(func(Stream))
	// OnTrack современное уведомление о треке
	OnTrack(func(TrackEvent))
}

// Conn PeerConnection с одним аудио потоком. Announce сообщает о потоке
// обоими способами; обработчики, подписанные позже, вызываются сразу.
type Conn struct {
	mu        sync.Mutex
	stream    Stream
	announced bool
	onStream  []func(Stream)
	onTrack   []func(TrackEvent)
}

// NewConn создает соединение для потока
func NewConn(s Stream) *Conn {
	return &Conn{stream: s}
}

// Stream возвращает поток соединения
func (c *Conn) Stream() Stream {
	return c.stream
}

func (c *Conn) OnAddStream(fn func(Stream)) {
	c.mu.Lock()
	c.onStream = append(c.onStream, fn)
	announced := c.announced
	c.mu.Unlock()

	if announced {
		fn(c.stream)
	}
}

func (c *Conn) OnTrack(fn func(TrackEvent)) {
	c.mu.Lock()
	c.onTrack = append(c.onTrack, fn)
	announced := c.announced
	c.mu.Unlock()

	if announced {
		fn(TrackEvent{Streams: []Stream{c.stream}})
	}
}

// Announce уведомляет подписчиков о потоке. Повторный вызов ничего не делает.
func (c *Conn) Announce() {
	c.mu.Lock()
	if c.announced {
		c.mu.Unlock()
		return
	}
	c.announced = true
	onStream := append([]func(Stream){}, c.onStream...)
	onTrack := append([]func(TrackEvent){}, c.onTrack...)
	c.mu.Unlock()

	for _, fn := range onStream {
		fn(c.stream)
	}
	for _, fn := range onTrack {
		fn(TrackEvent{Streams: []Stream{c.stream}})
	}
}

// Close закрывает поток
func (c *Conn) Close() error {
	if c.stream == nil {
		return nil
	}
	return c.stream.Close()
}
