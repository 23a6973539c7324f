package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

var (
	globalLogger = slog.Default()
	once         sync.Once
)

type Config struct {
	Level   string   `json:"level" yaml:"level" mapstructure:"level"`       // debug/info/warn/error
	Outputs []string `json:"outputs" yaml:"outputs" mapstructure:"outputs"` // stdout/stderr/file path
	Format  string   `json:"format" yaml:"format" mapstructure:"format"`    // text/json
}

// Init builds the process-wide logger. Only the first call has effect.
func Init(cfg Config) error {
	var err error
	once.Do(func() {
		var l *slog.Logger
		l, err = New(cfg)
		if err != nil {
			return
		}
		globalLogger = l
		slog.SetDefault(l)
	})
	return err
}

// New builds a logger from cfg without touching the global one.
func New(cfg Config) (*slog.Logger, error) {
	var writers []io.Writer
	for _, output := range cfg.Outputs {
		switch output {
		case "", "stdout":
			writers = append(writers, os.Stdout)
		case "stderr":
			writers = append(writers, os.Stderr)
		default:
			if err := os.MkdirAll(filepath.Dir(output), 0755); err != nil {
				return nil, fmt.Errorf("create log dir: %w", err)
			}
			file, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
			if err != nil {
				return nil, fmt.Errorf("open log file: %w", err)
			}
			writers = append(writers, file)
		}
	}
	if len(writers) == 0 {
		writers = append(writers, os.Stdout)
	}

	return NewWithWriter(io.MultiWriter(writers...), cfg), nil
}

// NewWithWriter builds a logger writing to w using the level and format in cfg.
func NewWithWriter(w io.Writer, cfg Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level)}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// Discard returns a logger that drops everything. Handy in tests.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func Debug(msg string, args ...any) {
	globalLogger.Debug(msg, args...)
}

func Info(msg string, args ...any) {
	globalLogger.Info(msg, args...)
}

func Warn(msg string, args ...any) {
	globalLogger.Warn(msg, args...)
}

func Error(msg string, args ...any) {
	globalLogger.Error(msg, args...)
}

func Logger() *slog.Logger {
	return globalLogger
}

// Component returns the global logger tagged with a component name.
func Component(name string) *slog.Logger {
	return globalLogger.With("component", name)
}
