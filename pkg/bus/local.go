package bus

import (
	"context"
	"fmt"
	"sync"
)

const defaultQueueSize = 64

// Local шина внутри одного процесса. Каждая подписка имеет свою очередь
// и горутину, поэтому медленный обработчик не блокирует отправителя.
type Local struct {
	mu     sync.RWMutex
	subs   map[Topic][]*localSub
	closed bool

	queueSize int
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

type localSub struct {
	bus   *Local
	topic Topic
	ch    chan Message
	once  sync.Once
}

// LocalOption опция Local шины
type LocalOption func(*Local)

// WithQueueSize задает размер очереди подписки
func WithQueueSize(n int) LocalOption {
	return func(l *Local) {
		if n > 0 {
			l.queueSize = n
		}
	}
}

// NewLocal создает шину внутри процесса
func NewLocal(opts ...LocalOption) *Local {
	ctx, cancel := context.WithCancel(context.Background())
	l := &Local{
		subs:      make(map[Topic][]*localSub),
		queueSize: defaultQueueSize,
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Publish кладет сообщение в очереди всех подписчиков топика.
// Переполненная очередь приводит к потере сообщения (ErrDropped).
func (l *Local) Publish(_ context.Context, topic Topic, msg Message) error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.closed {
		return ErrClosed
	}

	subs := l.subs[topic]
	if len(subs) == 0 {
		return fmt.Errorf("%w: %s", ErrNoSubscribers, topic)
	}

	var dropped int
	for _, s := range subs {
		select {
		case s.ch <- msg:
		default:
			dropped++
		}
	}
	if dropped > 0 {
		return fmt.Errorf("%w: %s, получателей %d", ErrDropped, topic, dropped)
	}
	return nil
}

// Subscribe регистрирует обработчик топика
func (l *Local) Subscribe(topic Topic, h Handler) (Subscription, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, ErrClosed
	}

	s := &localSub{
		bus:   l,
		topic: topic,
		ch:    make(chan Message, l.queueSize),
	}
	l.subs[topic] = append(l.subs[topic], s)

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		for msg := range s.ch {
			h(l.ctx, msg)
		}
	}()

	return s, nil
}

// Unsubscribe удаляет подписку; уже поставленные в очередь сообщения будут доставлены
func (s *localSub) Unsubscribe() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	s.bus.removeLocked(s)
	return nil
}

func (l *Local) removeLocked(s *localSub) {
	subs := l.subs[s.topic]
	for i, cur := range subs {
		if cur == s {
			l.subs[s.topic] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	s.once.Do(func() { close(s.ch) })
}

// Close закрывает все подписки и ждет завершения обработчиков
func (l *Local) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	for _, subs := range l.subs {
		for _, s := range subs {
			s.once.Do(func() { close(s.ch) })
		}
	}
	l.subs = make(map[Topic][]*localSub)
	l.mu.Unlock()

	l.wg.Wait()
	l.cancel()
	return nil
}
