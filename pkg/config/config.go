// Package config собирает конфигурацию всех процессов софтфона из JSON
// файла и переменных окружения WEBPHONE_*.
//
// Порядок применения: Default, затем файл, затем окружение. Длительности в
// файле и окружении записываются строками time.ParseDuration ("20s", "2m")
// или числом наносекунд.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/arzzra/webphone/pkg/bus"
	"github.com/arzzra/webphone/pkg/coordinator"
	"github.com/arzzra/webphone/pkg/credential"
	"github.com/arzzra/webphone/pkg/logger"
	"github.com/arzzra/webphone/pkg/mediahost"
	"github.com/arzzra/webphone/pkg/metrics"
	"github.com/arzzra/webphone/pkg/settings"
	"github.com/arzzra/webphone/pkg/sipua"
)

// EnvPrefix префикс переменных окружения
const EnvPrefix = "WEBPHONE_"

// Виды шины
const (
	BusLocal = "local"
	BusNATS  = "nats"
)

// Хранилища настроек
const (
	SettingsFile = "file"
	SettingsNATS = "nats"
)

// Способы запуска media host
const (
	LauncherExec      = "exec"
	LauncherInProcess = "inprocess"
)

// Значения MediaConfig.Output, не являющиеся путем к файлу
const (
	MediaOutputNone    = "none"
	MediaOutputDiscard = "discard"
	MediaOutputStdout  = "stdout"
)

// ErrInvalid конфигурация не прошла проверку
var ErrInvalid = errors.New("некорректная конфигурация")

// BusConfig транспорт шины сообщений
type BusConfig struct {
	// Kind local (один процесс) или nats
	Kind string         `json:"kind"`
	NATS bus.NATSConfig `json:"nats"`
}

// SettingsConfig хранилище пользовательских настроек
type SettingsConfig struct {
	// Backend file или nats
	Backend string `json:"backend"`
	// Path файл настроек для Backend=file
	Path string `json:"path"`
	// Bucket KV bucket для Backend=nats
	Bucket string `json:"bucket"`
}

// MediaConfig вывод удаленного аудио
type MediaConfig struct {
	// Output none, discard, stdout или путь к файлу с сырым PCM
	Output string `json:"output"`
}

// CallTokenConfig клиент эндпоинта call-token
type CallTokenConfig struct {
	Timeout time.Duration `json:"timeout"`
}

// LauncherConfig запуск media host координатором
type LauncherConfig struct {
	// Mode exec (отдельный процесс) или inprocess
	Mode string `json:"mode"`
	// Path бинарь media host; пустой означает текущий исполняемый файл
	Path string `json:"path"`
}

// Config полная конфигурация
type Config struct {
	Log         logger.Config      `json:"log"`
	Metrics     metrics.Config     `json:"metrics"`
	Bus         BusConfig          `json:"bus"`
	Settings    SettingsConfig     `json:"settings"`
	SIP         sipua.Config       `json:"sip"`
	Media       MediaConfig        `json:"media"`
	MediaHost   mediahost.Config   `json:"mediahost"`
	Coordinator coordinator.Config `json:"coordinator"`
	CallToken   CallTokenConfig    `json:"calltoken"`
	Launcher    LauncherConfig     `json:"launcher"`
}

// Default конфигурация по умолчанию: один процесс, настройки в файле
// каталога конфигурации пользователя
func Default() Config {
	return Config{
		Log:         logger.Config{Level: "info", Output: "stderr"},
		Metrics:     metrics.DefaultConfig(),
		Bus:         BusConfig{Kind: BusLocal, NATS: bus.DefaultNATSConfig()},
		Settings:    SettingsConfig{Backend: SettingsFile, Path: defaultSettingsPath(), Bucket: settings.DefaultBucket},
		SIP:         sipua.DefaultConfig(),
		Media:       MediaConfig{Output: MediaOutputDiscard},
		MediaHost:   mediahost.DefaultConfig(),
		Coordinator: coordinator.DefaultConfig(),
		CallToken:   CallTokenConfig{Timeout: 5 * time.Second},
		Launcher:    LauncherConfig{Mode: LauncherInProcess},
	}
}

func defaultSettingsPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "webphone-settings.json"
	}
	return filepath.Join(dir, "webphone", "settings.json")
}

// Load читает файл path (если задан) и переменные окружения поверх Default
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("чтение конфигурации %s: %w", path, err)
		}
		if err := Decode(data, &cfg); err != nil {
			return cfg, fmt.Errorf("разбор конфигурации %s: %w", path, err)
		}
	}

	if err := ApplyEnv(&cfg, EnvPrefix, os.LookupEnv); err != nil {
		return cfg, err
	}

	return cfg, cfg.Validate()
}

// Decode разбирает JSON поверх cfg. Длительности могут быть строками.
func Decode(data []byte, cfg *Config) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if err := normalizeDurations(raw, typeOf(cfg)); err != nil {
		return err
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, cfg)
}

// Validate проверяет согласованность секций
func (c Config) Validate() error {
	switch c.Bus.Kind {
	case BusLocal:
	case BusNATS:
		if c.Bus.NATS.URL == "" {
			return fmt.Errorf("%w: bus.nats.url пуст", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: неизвестная шина %q", ErrInvalid, c.Bus.Kind)
	}

	switch c.Settings.Backend {
	case SettingsFile:
		if c.Settings.Path == "" {
			return fmt.Errorf("%w: settings.path пуст", ErrInvalid)
		}
	case SettingsNATS:
		if c.Bus.NATS.URL == "" {
			return fmt.Errorf("%w: хранилище nats требует bus.nats.url", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: неизвестное хранилище настроек %q", ErrInvalid, c.Settings.Backend)
	}

	switch c.SIP.Transport {
	case "udp", "tcp", "ws", "wss":
	default:
		return fmt.Errorf("%w: неизвестный транспорт SIP %q", ErrInvalid, c.SIP.Transport)
	}

	switch c.MediaHost.Bootstrap {
	case mediahost.BootstrapJWT:
	case mediahost.BootstrapStatic:
		if _, err := credential.FromStatic(c.MediaHost.Static); err != nil {
			return fmt.Errorf("%w: mediahost.static: %v", ErrInvalid, err)
		}
	default:
		return fmt.Errorf("%w: неизвестный bootstrap %q", ErrInvalid, c.MediaHost.Bootstrap)
	}

	switch c.Launcher.Mode {
	case LauncherExec, LauncherInProcess:
	default:
		return fmt.Errorf("%w: неизвестный режим запуска %q", ErrInvalid, c.Launcher.Mode)
	}
	if c.Launcher.Mode == LauncherExec && c.Bus.Kind != BusNATS {
		return fmt.Errorf("%w: отдельный процесс media host требует шину nats", ErrInvalid)
	}

	if c.MediaHost.HeartbeatInterval > 0 && c.Coordinator.WatchdogTimeout > 0 &&
		c.Coordinator.WatchdogTimeout <= c.MediaHost.HeartbeatInterval {
		return fmt.Errorf("%w: watchdog_timeout %s не больше heartbeat_interval %s",
			ErrInvalid, c.Coordinator.WatchdogTimeout, c.MediaHost.HeartbeatInterval)
	}

	return nil
}
