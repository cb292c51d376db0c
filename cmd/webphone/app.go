package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/arzzra/webphone/pkg/bus"
	"github.com/arzzra/webphone/pkg/calltoken"
	"github.com/arzzra/webphone/pkg/config"
	"github.com/arzzra/webphone/pkg/coordinator"
	"github.com/arzzra/webphone/pkg/logger"
	"github.com/arzzra/webphone/pkg/media"
	"github.com/arzzra/webphone/pkg/mediahost"
	"github.com/arzzra/webphone/pkg/metrics"
	"github.com/arzzra/webphone/pkg/settings"
	"github.com/arzzra/webphone/pkg/sipua"
	"github.com/arzzra/webphone/pkg/ui"
)

type app struct {
	cfg        config.Config
	configPath string
}

func tuiLogOutput(output string) string {
	switch output {
	case "", "stdout", "stderr":
		return filepath.Join(os.TempDir(), "webphone.log")
	}
	return output
}

func (a *app) openBus(role string) (bus.Bus, error) {
	if a.cfg.Bus.Kind != config.BusNATS {
		return bus.NewLocal(), nil
	}
	nc := a.cfg.Bus.NATS
	if nc.Name == "" {
		nc.Name = "webphone-" + role + "-" + uuid.NewString()[:8]
	}
	n, err := bus.DialNATS(nc, logger.WithComponent("bus"))
	if err != nil {
		return nil, err
	}
	return n, nil
}

// requireNATS отдельные процессы видят друг друга только через nats
func (a *app) requireNATS(command string) error {
	if a.cfg.Bus.Kind != config.BusNATS {
		return fmt.Errorf("команда %s требует bus.kind=nats, для одного процесса используйте run", command)
	}
	return nil
}

func (a *app) openStore(ctx context.Context) (settings.Store, error) {
	if a.cfg.Settings.Backend == config.SettingsNATS {
		st, err := settings.DialNATSStore(ctx, a.cfg.Bus.NATS.URL, a.cfg.Settings.Bucket)
		if err != nil {
			return nil, err
		}
		return st, nil
	}
	return settings.NewFileStore(a.cfg.Settings.Path), nil
}

// openMediaOutput возвращает nil writer для none: воспроизведение будет запрещено
func (a *app) openMediaOutput() (io.Writer, func(), error) {
	switch a.cfg.Media.Output {
	case "", config.MediaOutputNone:
		return nil, func() {}, nil
	case config.MediaOutputDiscard:
		return io.Discard, func() {}, nil
	case config.MediaOutputStdout:
		return os.Stdout, func() {}, nil
	}

	f, err := os.OpenFile(a.cfg.Media.Output, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("вывод аудио %s: %w", a.cfg.Media.Output, err)
	}
	return f, func() { _ = f.Close() }, nil
}

// newHost собирает media host. Регистрация для входящих вызовов включается
// конфигурацией или настройкой incomingCalls.
func (a *app) newHost(ctx context.Context, b bus.Bus, store settings.Store, m *metrics.Collector, out io.Writer) *mediahost.Host {
	log := logger.WithComponent("mediahost")

	cfg := a.cfg.MediaHost
	if s, err := store.Load(ctx); err != nil {
		log.Warn().Err(err).Msg("настройки недоступны, входящие вызовы по конфигурации")
	} else if s.IncomingCalls {
		cfg.Register = true
	}

	return mediahost.New(cfg, b,
		sipua.NewFactory(a.cfg.SIP, logger.WithComponent("sipua")),
		media.NewElement(out, logger.WithComponent("media")),
		mediahost.WithTokenFetcher(calltoken.New(calltoken.WithTimeout(a.cfg.CallToken.Timeout))),
		mediahost.WithMetrics(m),
		mediahost.WithLogger(log),
	)
}

func (a *app) inProcessLauncher(b bus.Bus, store settings.Store, m *metrics.Collector, out io.Writer) *coordinator.InProcessLauncher {
	return coordinator.NewInProcessLauncher(func() (coordinator.Runner, error) {
		return a.newHost(context.Background(), b, store, m, out), nil
	}, logger.WithComponent("launcher"))
}

type launcher interface {
	coordinator.Launcher
	Close() error
}

func (a *app) newLauncher(b bus.Bus, store settings.Store, m *metrics.Collector, out io.Writer) (launcher, error) {
	if a.cfg.Launcher.Mode != config.LauncherExec {
		return a.inProcessLauncher(b, store, m, out), nil
	}

	path := a.cfg.Launcher.Path
	if path == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("путь к исполняемому файлу: %w", err)
		}
		path = exe
	}

	var args []string
	if a.configPath != "" {
		args = append(args, "-config", a.configPath)
	}
	args = append(args, "mediahost")

	return newExecLauncher(path, args)
}

// coordinate запускает координатор и сервер метрик до отмены ctx
func (a *app) coordinate(ctx context.Context, b bus.Bus, store settings.Store, m *metrics.Collector, out io.Writer) error {
	l, err := a.newLauncher(b, store, m, out)
	if err != nil {
		return err
	}
	defer l.Close()

	c := coordinator.New(a.cfg.Coordinator, b, l, store,
		coordinator.WithMetrics(m),
		coordinator.WithLogger(logger.WithComponent("coordinator")),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return m.Serve(gctx, a.cfg.Metrics.ListenAddr, logger.WithComponent("metrics"))
	})
	g.Go(func() error {
		if err := c.Start(gctx); err != nil {
			return err
		}
		<-gctx.Done()
		return c.Stop()
	})
	return g.Wait()
}

func (a *app) runCoordinator(ctx context.Context) error {
	if err := a.requireNATS("coordinator"); err != nil {
		return err
	}
	b, err := a.openBus("coordinator")
	if err != nil {
		return err
	}
	defer b.Close()

	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	out, closeOut, err := a.openMediaOutput()
	if err != nil {
		return err
	}
	defer closeOut()

	return a.coordinate(ctx, b, store, metrics.New(a.cfg.Metrics), out)
}

func (a *app) runMediaHost(ctx context.Context) error {
	if err := a.requireNATS("mediahost"); err != nil {
		return err
	}
	b, err := a.openBus("mediahost")
	if err != nil {
		return err
	}
	defer b.Close()

	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	out, closeOut, err := a.openMediaOutput()
	if err != nil {
		return err
	}
	defer closeOut()

	m := metrics.New(a.cfg.Metrics)
	h := a.newHost(ctx, b, store, m, out)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return m.Serve(gctx, a.cfg.Metrics.ListenAddr, logger.WithComponent("metrics"))
	})
	g.Go(func() error {
		return h.Run(gctx)
	})
	return g.Wait()
}

func (a *app) popup(ctx context.Context, b bus.Bus) error {
	c := ui.NewClient(b, logger.WithComponent("ui"))
	if err := c.Start(ctx); err != nil {
		return err
	}
	defer c.Close()

	p := tea.NewProgram(ui.NewModel(c), tea.WithContext(ctx))
	if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return err
	}
	return nil
}

func (a *app) runPopup(ctx context.Context) error {
	if err := a.requireNATS("popup"); err != nil {
		return err
	}
	b, err := a.openBus("popup")
	if err != nil {
		return err
	}
	defer b.Close()

	return a.popup(ctx, b)
}

// runAll поднимает все роли в одном процессе; popup определяет время жизни
func (a *app) runAll(ctx context.Context) error {
	b, err := a.openBus("all")
	if err != nil {
		return err
	}
	defer b.Close()

	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	out, closeOut, err := a.openMediaOutput()
	if err != nil {
		return err
	}
	defer closeOut()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.coordinate(gctx, b, store, metrics.New(a.cfg.Metrics), out)
	})
	g.Go(func() error {
		defer cancel()
		return a.popup(gctx, b)
	})
	return g.Wait()
}
