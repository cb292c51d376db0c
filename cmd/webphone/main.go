// Команда webphone запускает процессы софтфона: координатор, media host,
// popup и страницу настроек.
//
//	webphone [-config file] run          координатор, media host и popup в одном процессе
//	webphone [-config file] coordinator  координатор (шина nats)
//	webphone [-config file] mediahost    media host (шина nats)
//	webphone [-config file] popup        интерфейс набора (шина nats)
//	webphone [-config file] options      просмотр и изменение настроек
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/arzzra/webphone/pkg/config"
	"github.com/arzzra/webphone/pkg/logger"
)

func usage() {
	fmt.Fprintf(os.Stderr, `Использование: %s [-config файл] <команда> [флаги]

Команды:
  run          координатор, media host и popup в одном процессе
  coordinator  координатор с watchdog media host
  mediahost    процесс media host
  popup        интерфейс набора номера
  options      настройки: -jwt, -incoming, -clear, -show
`, os.Args[0])
	flag.PrintDefaults()
}

func main() {
	configPath := flag.String("config", os.Getenv("WEBPHONE_CONFIG"), "JSON файл конфигурации")
	debug := flag.Bool("debug", false, "debug логирование")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(2)
	}
	command, args := flag.Arg(0), flag.Args()[1:]

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Ошибка конфигурации: %v\n", err)
		os.Exit(1)
	}
	if *debug {
		cfg.Log.Debug = true
	}

	// popup занимает терминал, консольный лог ему мешает
	if command == "run" || command == "popup" {
		cfg.Log.Output = tuiLogOutput(cfg.Log.Output)
	}
	if err := logger.Init(cfg.Log); err != nil {
		fmt.Fprintf(os.Stderr, "Ошибка логгера: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := &app{cfg: cfg, configPath: *configPath}

	switch command {
	case "run":
		err = app.runAll(ctx)
	case "coordinator":
		err = app.runCoordinator(ctx)
	case "mediahost":
		err = app.runMediaHost(ctx)
	case "popup":
		err = app.runPopup(ctx)
	case "options":
		err = app.runOptions(ctx, args)
	default:
		fmt.Fprintf(os.Stderr, "Неизвестная команда: %s\n", command)
		usage()
		os.Exit(2)
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		log := logger.Get()
		log.Error().Err(err).Str("command", command).Msg("завершение с ошибкой")
		fmt.Fprintf(os.Stderr, "Ошибка: %v\n", err)
		os.Exit(1)
	}
}
