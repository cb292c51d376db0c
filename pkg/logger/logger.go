// Package logger предоставляет структурированное JSON логирование поверх zerolog.
//
// Каждый компонент получает собственный zerolog.Logger с полем component,
// поэтому строки от media host, координатора и UI легко разделить в общем выводе.
package logger

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config конфигурация логирования
type Config struct {
	// Level минимальный уровень (trace, debug, info, warn, error)
	Level string `json:"level"`
	// Debug принудительно включает debug уровень
	Debug bool `json:"debug"`
	// Output stdout (по умолчанию), stderr или путь к файлу
	Output string `json:"output"`
	// TimeFormat формат поля time, по умолчанию RFC3339
	TimeFormat string `json:"time_format"`
}

var globalLogger = zerolog.New(os.Stdout).With().Timestamp().Logger()

func init() {
	zerolog.TimeFieldFormat = time.RFC3339
}

// New создает логгер по конфигурации, не трогая глобальный
func New(cfg Config) (zerolog.Logger, error) {
	output, err := openOutput(cfg.Output)
	if err != nil {
		return zerolog.Nop(), err
	}

	level := zerolog.InfoLevel
	if cfg.Debug {
		level = zerolog.DebugLevel
	} else if cfg.Level != "" {
		level, err = zerolog.ParseLevel(cfg.Level)
		if err != nil {
			return zerolog.Nop(), fmt.Errorf("неизвестный уровень логирования %q: %w", cfg.Level, err)
		}
	}

	if cfg.TimeFormat != "" {
		zerolog.TimeFieldFormat = cfg.TimeFormat
	}

	return zerolog.New(output).Level(level).With().Timestamp().Logger(), nil
}

// Init настраивает глобальный логгер
func Init(cfg Config) error {
	l, err := New(cfg)
	if err != nil {
		return err
	}

	globalLogger = l
	log.Logger = l

	return nil
}

// Get возвращает глобальный логгер
func Get() zerolog.Logger {
	return globalLogger
}

// WithComponent возвращает дочерний логгер глобального с полем component
func WithComponent(component string) zerolog.Logger {
	return globalLogger.With().Str("component", component).Logger()
}

func openOutput(output string) (io.Writer, error) {
	switch output {
	case "", "stdout":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	}

	f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("не удалось открыть файл лога %s: %w", output, err)
	}

	return f, nil
}
