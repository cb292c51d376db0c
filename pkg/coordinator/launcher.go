package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// ErrHostExists media host уже запущен
var ErrHostExists = errors.New("media host уже существует")

// Launcher создает процесс media host и проверяет, жив ли он
type Launcher interface {
	HasHost(ctx context.Context) (bool, error)
	CreateHost(ctx context.Context) error
}

// Runner запускаемый media host
type Runner interface {
	Run(ctx context.Context) error
	Close() error
}

// RunnerFactory создает новый экземпляр media host
type RunnerFactory func() (Runner, error)

// InProcessLauncher запускает media host горутиной в текущем процессе.
// Evict имитирует выгрузку хоста средой исполнения.
type InProcessLauncher struct {
	mu      sync.Mutex
	factory RunnerFactory
	runner  Runner
	cancel  context.CancelFunc
	done    chan struct{}
	log     zerolog.Logger
}

// NewInProcessLauncher создает launcher
func NewInProcessLauncher(factory RunnerFactory, log zerolog.Logger) *InProcessLauncher {
	return &InProcessLauncher{factory: factory, log: log}
}

func (l *InProcessLauncher) HasHost(context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.runner != nil, nil
}

func (l *InProcessLauncher) CreateHost(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.runner != nil {
		return ErrHostExists
	}

	r, err := l.factory()
	if err != nil {
		return fmt.Errorf("создание media host: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	l.runner, l.cancel, l.done = r, cancel, done

	go func() {
		defer close(done)
		if err := r.Run(ctx); err != nil {
			l.log.Error().Err(err).Msg("media host завершился с ошибкой")
		}

		l.mu.Lock()
		if l.runner == r {
			l.runner, l.cancel, l.done = nil, nil, nil
		}
		l.mu.Unlock()
	}()

	return nil
}

// Evict останавливает текущий media host и ждет его завершения
func (l *InProcessLauncher) Evict() {
	l.mu.Lock()
	r, cancel, done := l.runner, l.cancel, l.done
	l.runner, l.cancel, l.done = nil, nil, nil
	l.mu.Unlock()

	if r == nil {
		return
	}
	cancel()
	_ = r.Close()
	<-done
}

// Close останавливает media host
func (l *InProcessLauncher) Close() error {
	l.Evict()
	return nil
}
