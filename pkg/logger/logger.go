package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

// Logger is a leveled structured logger. Error lines are also fed to an attached
// LogCollector.
type Logger struct {
	zl        zerolog.Logger
	collector *LogCollector
}

type Config struct {
	Level      string // debug, info, warn, error
	Format     string // json or console
	Output     string // stdout, stderr, or file path
	TimeFormat string
}

func New(cfg *Config) (*Logger, error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	out, err := openOutput(cfg.Output)
	if err != nil {
		return nil, err
	}

	if cfg.TimeFormat == "" {
		cfg.TimeFormat = time.RFC3339Nano
	}
	zerolog.TimeFieldFormat = cfg.TimeFormat

	if cfg.Format == "console" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: cfg.TimeFormat}
	}

	// skip: zerolog -> emit -> Info/Warn/... -> caller
	zl := zerolog.New(out).
		Level(level).
		With().
		Timestamp().
		CallerWithSkipFrameCount(4).
		Logger()
	return &Logger{zl: zl}, nil
}

func openOutput(target string) (io.Writer, error) {
	switch target {
	case "", "stdout":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	}
	f, err := os.OpenFile(target, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("could not open log file: %w", err)
	}
	return f, nil
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{zl: zerolog.Nop()}
}

// With returns a child logger carrying a component field. It shares the collector.
func (l *Logger) With(component string) *Logger {
	return &Logger{zl: l.zl.With().Str("component", component).Logger(), collector: l.collector}
}

func (l *Logger) Debug(msg string, fields ...Field) { l.emit(l.zl.Debug(), msg, fields, "") }
func (l *Logger) Info(msg string, fields ...Field)  { l.emit(l.zl.Info(), msg, fields, "") }
func (l *Logger) Warn(msg string, fields ...Field)  { l.emit(l.zl.Warn(), msg, fields, "") }
func (l *Logger) Error(msg string, fields ...Field) { l.emit(l.zl.Error(), msg, fields, "error") }

func (l *Logger) emit(ev *zerolog.Event, msg string, fields []Field, collect string) {
	if ev != nil {
		for _, f := range fields {
			f.addTo(ev)
		}
		ev.Msg(msg)
	}
	if collect != "" && l.collector != nil {
		l.collector.AddLog(collect, msg, fieldMap(fields), callerOf(3))
	}
}

// AddCollector attaches a new collector, closing any previous one.
// Child loggers made earlier with With keep the collector they were created with.
func (l *Logger) AddCollector(config *CollectionConfig) {
	if l.collector != nil {
		l.collector.Close()
	}
	l.collector = NewLogCollector(config)
}

func (l *Logger) RemoveCollector() {
	if l.collector != nil {
		l.collector.Close()
		l.collector = nil
	}
}

// Close flushes and detaches the collector, if any.
func (l *Logger) Close() error {
	l.RemoveCollector()
	return nil
}

func callerOf(skip int) string {
	_, file, line, ok := runtime.Caller(skip)
	if !ok {
		return "unknown"
	}
	return filepath.Join(filepath.Base(filepath.Dir(file)), filepath.Base(file)) + ":" + strconv.Itoa(line)
}

func fieldMap(fields []Field) map[string]interface{} {
	m := make(map[string]interface{}, len(fields))
	for _, f := range fields {
		if err, ok := f.Value.(error); ok {
			m[f.Key] = err.Error()
			continue
		}
		if d, ok := f.Value.(time.Duration); ok {
			m[f.Key] = d.Milliseconds()
			continue
		}
		m[f.Key] = f.Value
	}
	return m
}

// Field is one structured key/value pair.
type Field struct {
	Key   string
	Value interface{}
}

func (f Field) addTo(ev *zerolog.Event) {
	switch v := f.Value.(type) {
	case nil:
	case string:
		ev.Str(f.Key, v)
	case int:
		ev.Int(f.Key, v)
	case int64:
		ev.Int64(f.Key, v)
	case uint64:
		ev.Uint64(f.Key, v)
	case float64:
		ev.Float64(f.Key, v)
	case bool:
		ev.Bool(f.Key, v)
	case time.Duration:
		ev.Int64(f.Key, v.Milliseconds())
	case []string:
		ev.Strs(f.Key, v)
	case error:
		ev.AnErr(f.Key, v)
	default:
		ev.Interface(f.Key, v)
	}
}

func String(key, value string) Field { return Field{key, value} }

func Int(key string, value int) Field { return Field{key, value} }

func Int64(key string, value int64) Field { return Field{key, value} }

func Uint64(key string, value uint64) Field { return Field{key, value} }

func Float64(key string, value float64) Field { return Field{key, value} }

func Bool(key string, value bool) Field { return Field{key, value} }

func Strings(key string, value []string) Field { return Field{key, value} }

func Any(key string, value interface{}) Field { return Field{key, value} }

// Duration is logged in milliseconds.
func Duration(key string, value time.Duration) Field { return Field{key, value} }

// Error logs err under "error". A nil error is dropped by zerolog.
func Error(err error) Field { return Field{"error", err} }
