package telemetry

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the process logger. Child loggers share the configuration and
// add fields; core engine components receive the zerolog.Logger by value.
type Logger struct {
	zlog   zerolog.Logger
	config LoggingConfig
}

type loggerContextKey struct{}

var timeFieldFormats = map[string]string{
	"unix":      zerolog.TimeFormatUnix,
	"unixms":    zerolog.TimeFormatUnixMs,
	"unixmicro": zerolog.TimeFormatUnixMicro,
	"rfc3339":   time.RFC3339,
}

// NewLogger builds a logger from cfg. The time field format is process
// global in zerolog, so the last logger built sets it.
func NewLogger(cfg LoggingConfig) (*Logger, error) {
	out, err := openOutput(cfg.Output)
	if err != nil {
		return nil, err
	}

	if f, ok := timeFieldFormats[cfg.TimeFormat]; ok {
		zerolog.TimeFieldFormat = f
	} else {
		zerolog.TimeFieldFormat = time.RFC3339
	}
	if cfg.Format == "console" {
		consoleTime := time.RFC3339
		if cfg.TimeFormat == "unix" {
			consoleTime = "unix"
		}
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: consoleTime}
	}

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	zctx := zerolog.New(out).Level(level).With().Timestamp()
	if cfg.EnableCaller {
		zctx = zctx.Caller()
	}
	zlog := zctx.Logger()

	if cfg.EnableSampling {
		zlog = zlog.Sample(&zerolog.BurstSampler{
			Burst:       uint32(cfg.SamplingInitial),
			Period:      time.Second,
			NextSampler: &zerolog.BasicSampler{N: uint32(cfg.SamplingThereafter)},
		})
	}
	return &Logger{zlog: zlog, config: cfg}, nil
}

// openOutput resolves stdout, stderr or a file path opened for appending.
func openOutput(output string) (io.Writer, error) {
	switch output {
	case "", "stderr":
		return os.Stderr, nil
	case "stdout":
		return os.Stdout, nil
	}
	return os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
}

func (l *Logger) derive(zlog zerolog.Logger) *Logger {
	return &Logger{zlog: zlog, config: l.config}
}

// NewComponentLogger returns a child logger tagged with component.
func (l *Logger) NewComponentLogger(component string) *Logger {
	return l.derive(l.zlog.With().Str("component", component).Logger())
}

// WithContext stores the logger in ctx.
func (l *Logger) WithContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, loggerContextKey{}, l)
}

// FromContext returns the logger stored in ctx, or a bare stderr logger.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerContextKey{}).(*Logger); ok {
		return l
	}
	return &Logger{zlog: zerolog.New(os.Stderr).With().Timestamp().Logger()}
}

// WithFields returns a child logger with every entry of fields.
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	zctx := l.zlog.With()
	for k, v := range fields {
		zctx = zctx.Interface(k, v)
	}
	return l.derive(zctx.Logger())
}

// WithField returns a child logger with one more field.
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return l.derive(l.zlog.With().Interface(key, value).Logger())
}

// WithCycleID tags log lines with a watch cycle.
func (l *Logger) WithCycleID(cycleID string) *Logger {
	return l.derive(l.zlog.With().Str("cycle_id", cycleID).Logger())
}

// WithTechnology tags log lines with a technology.
func (l *Logger) WithTechnology(technology string) *Logger {
	return l.derive(l.zlog.With().Str("technology", technology).Logger())
}

// WithError returns a child logger carrying err.
func (l *Logger) WithError(err error) *Logger {
	return l.derive(l.zlog.With().Err(err).Logger())
}

// Zerolog returns the underlying logger.
func (l *Logger) Zerolog() zerolog.Logger {
	return l.zlog
}

func (l *Logger) Debug(msg string) { l.zlog.Debug().Msg(msg) }
func (l *Logger) Info(msg string)  { l.zlog.Info().Msg(msg) }
func (l *Logger) Warn(msg string)  { l.zlog.Warn().Msg(msg) }
func (l *Logger) Error(msg string) { l.zlog.Error().Msg(msg) }
