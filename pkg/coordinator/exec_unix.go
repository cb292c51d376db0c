//go:build unix

package coordinator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

// ExecLauncher запускает media host отдельным процессом. Живость
// проверяется сигналом 0 по pid.
type ExecLauncher struct {
	mu   sync.Mutex
	path string
	args []string
	env  []string
	cmd  *exec.Cmd
	log  zerolog.Logger
}

// NewExecLauncher создает launcher для бинаря path с аргументами args
func NewExecLauncher(path string, args []string, env []string, log zerolog.Logger) *ExecLauncher {
	return &ExecLauncher{path: path, args: args, env: env, log: log}
}

func (l *ExecLauncher) HasHost(context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.aliveLocked(), nil
}

func (l *ExecLauncher) aliveLocked() bool {
	if l.cmd == nil || l.cmd.Process == nil {
		return false
	}
	err := unix.Kill(l.cmd.Process.Pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

func (l *ExecLauncher) CreateHost(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.aliveLocked() {
		return ErrHostExists
	}

	cmd := exec.Command(l.path, l.args...)
	cmd.Env = append(os.Environ(), l.env...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("запуск %s: %w", l.path, err)
	}
	l.cmd = cmd
	l.log.Info().Int("pid", cmd.Process.Pid).Msg("media host запущен")

	go func() {
		err := cmd.Wait()
		l.log.Warn().Err(err).Int("pid", cmd.Process.Pid).Msg("media host завершился")

		l.mu.Lock()
		if l.cmd == cmd {
			l.cmd = nil
		}
		l.mu.Unlock()
	}()

	return nil
}

// Close отправляет SIGTERM текущему процессу
func (l *ExecLauncher) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.aliveLocked() {
		return nil
	}
	if err := unix.Kill(l.cmd.Process.Pid, unix.SIGTERM); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("остановка media host: %w", err)
	}
	return nil
}
