// Package logging provides structured logging for the sync core.
package logging

import (
	"io"
	"os"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogLevel represents a log level.
type LogLevel string

const (
	LevelDebug LogLevel = "DEBUG"
	LevelInfo  LogLevel = "INFO"
	LevelWarn  LogLevel = "WARN"
	LevelError LogLevel = "ERROR"
)

// LogFormat selects the encoder.
type LogFormat string

const (
	FormatJSON    LogFormat = "JSON"
	FormatConsole LogFormat = "CONSOLE"
)

// Options configures a Logger.
type Options struct {
	Level  LogLevel
	Format LogFormat

	// Out receives log lines. Defaults to os.Stdout.
	Out io.Writer

	// File, when set, adds a size-rotated log file.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// Logger provides structured logging with context maps.
type Logger struct {
	z *zap.Logger
}

var (
	// global logger instance
	global *Logger
	mu     sync.RWMutex
	once   sync.Once
)

// New builds a Logger from opts.
func New(opts Options) *Logger {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "timestamp"
	encCfg.MessageKey = "message"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder

	var encoder zapcore.Encoder
	if LogFormat(strings.ToUpper(string(opts.Format))) == FormatConsole {
		encoder = zapcore.NewConsoleEncoder(encCfg)
	} else {
		encoder = zapcore.NewJSONEncoder(encCfg)
	}

	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	sinks := []zapcore.WriteSyncer{zapcore.AddSync(out)}
	if opts.File != "" {
		sinks = append(sinks, zapcore.AddSync(&lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    orDefault(opts.MaxSizeMB, 50),
			MaxBackups: orDefault(opts.MaxBackups, 5),
			MaxAge:     orDefault(opts.MaxAgeDays, 28),
			Compress:   true,
		}))
	}

	core := zapcore.NewCore(encoder, zapcore.NewMultiWriteSyncer(sinks...), zapLevel(opts.Level))
	return &Logger{z: zap.New(core)}
}

// NewFromZap wraps an existing zap logger.
func NewFromZap(z *zap.Logger) *Logger {
	if z == nil {
		z = zap.NewNop()
	}
	return &Logger{z: z}
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{z: zap.NewNop()}
}

// Init initializes the global logger. Later calls are ignored.
func Init(opts Options) {
	once.Do(func() {
		mu.Lock()
		global = New(opts)
		mu.Unlock()
	})
}

// Get returns the global logger instance.
func Get() *Logger {
	mu.RLock()
	l := global
	mu.RUnlock()
	if l == nil {
		Init(Options{Level: LevelInfo, Format: FormatJSON})
		mu.RLock()
		l = global
		mu.RUnlock()
	}
	if l == nil {
		return Nop()
	}
	return l
}

// ReplaceGlobal swaps the global logger and returns a func restoring the previous one.
func ReplaceGlobal(l *Logger) func() {
	mu.Lock()
	prev := global
	global = l
	mu.Unlock()
	once.Do(func() {})
	return func() {
		mu.Lock()
		global = prev
		mu.Unlock()
	}
}

func zapLevel(level LogLevel) zapcore.Level {
	switch LogLevel(strings.ToUpper(string(level))) {
	case LevelDebug:
		return zapcore.DebugLevel
	case LevelWarn:
		return zapcore.WarnLevel
	case LevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// Zap exposes the underlying zap logger (gin middleware needs it).
func (l *Logger) Zap() *zap.Logger {
	return l.z
}

// Named returns a child logger tagged with a component name.
func (l *Logger) Named(component string) *Logger {
	return &Logger{z: l.z.Named(component)}
}

// Sync flushes buffered entries.
func (l *Logger) Sync() error {
	return l.z.Sync()
}

// Debug logs a debug message.
func (l *Logger) Debug(message string, context ...map[string]interface{}) {
	l.z.Debug(message, fields(context...)...)
}

// Info logs an info message.
func (l *Logger) Info(message string, context ...map[string]interface{}) {
	l.z.Info(message, fields(context...)...)
}

// Warn logs a warning message.
func (l *Logger) Warn(message string, context ...map[string]interface{}) {
	l.z.Warn(message, fields(context...)...)
}

// Error logs an error message.
func (l *Logger) Error(message string, err error, context ...map[string]interface{}) {
	f := fields(context...)
	if err != nil {
		f = append(f, zap.Error(err))
	}
	l.z.Error(message, f...)
}

// ErrorWithCode logs an error message tagged with an error code.
func (l *Logger) ErrorWithCode(message, code string, err error, context ...map[string]interface{}) {
	f := append(fields(context...), zap.String("error_code", code))
	if err != nil {
		f = append(f, zap.Error(err))
	}
	l.z.Error(message, f...)
}

// fields merges context maps into zap fields ordered by key.
func fields(context ...map[string]interface{}) []zap.Field {
	if len(context) == 0 {
		return nil
	}
	merged := make(map[string]interface{})
	for _, c := range context {
		for k, v := range c {
			merged[k] = v
		}
	}
	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]zap.Field, 0, len(keys))
	for _, k := range keys {
		out = append(out, zap.Any(k, merged[k]))
	}
	return out
}

// Convenience functions using global logger

func Debug(message string, context ...map[string]interface{}) {
	Get().Debug(message, context...)
}

func Info(message string, context ...map[string]interface{}) {
	Get().Info(message, context...)
}

func Warn(message string, context ...map[string]interface{}) {
	Get().Warn(message, context...)
}

func Error(message string, err error, context ...map[string]interface{}) {
	Get().Error(message, err, context...)
}

func ErrorWithCode(message, code string, err error, context ...map[string]interface{}) {
	Get().ErrorWithCode(message, code, err, context...)
}
