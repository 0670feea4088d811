package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"spreadwatcher/internal/version"
)

// Config describes logger runtime configuration.
type Config struct {
	Level       string `mapstructure:"level"`
	Format      string `mapstructure:"format"`
	TimeFormat  string `mapstructure:"time_format"`
	Caller      bool   `mapstructure:"caller"`
	PrettyPrint bool   `mapstructure:"pretty"`
	Output      string `mapstructure:"output"`
}

// Identity is stamped on every log line so fleets of monitors can be told apart.
type Identity struct {
	Service     string
	Environment string
}

// NewLogger constructs the process logger. Components derive children tagged
// with a "component" field.
func NewLogger(cfg Config, id Identity) zerolog.Logger {
	return newLogger(cfg, id, outputStream(cfg.Output))
}

func newLogger(cfg Config, id Identity, out io.Writer) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339
	if cfg.TimeFormat != "" {
		zerolog.TimeFieldFormat = cfg.TimeFormat
	}

	builder := zerolog.New(logWriter(cfg, out)).Level(parseLevel(cfg.Level)).With().Timestamp()
	if id.Service != "" {
		builder = builder.Str("service", id.Service)
	}
	if id.Environment != "" {
		builder = builder.Str("env", id.Environment)
	}
	builder = builder.Str("version", version.Version)
	if cfg.Caller {
		builder = builder.Caller()
	}
	return builder.Logger()
}

func parseLevel(raw string) zerolog.Level {
	if raw == "" {
		return zerolog.InfoLevel
	}
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(raw)))
	if err != nil {
		return zerolog.InfoLevel
	}
	return level
}

func outputStream(name string) io.Writer {
	if strings.EqualFold(name, "stderr") {
		return os.Stderr
	}
	return os.Stdout
}

func logWriter(cfg Config, out io.Writer) io.Writer {
	if !cfg.PrettyPrint && !strings.EqualFold(cfg.Format, "console") {
		return out
	}
	return zerolog.ConsoleWriter{Out: out, TimeFormat: time.DateTime}
}
