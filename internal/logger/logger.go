package logger

import (
	"io"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger wraps a zap SugaredLogger so callers get both printf-style and structured calls.
type Logger struct {
	*zap.SugaredLogger
}

// ParseLevel maps debug/info/warn/error to a zap level, defaulting to info.
func ParseLevel(level string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// New creates a new logger writing to stdout
func New(level string) *Logger {
	return NewWriter(os.Stdout, level)
}

// NewWriter creates a new logger that writes to the provided writer
func NewWriter(w io.Writer, level string) *Logger {
	enc := zap.NewDevelopmentEncoderConfig()
	enc.EncodeLevel = zapcore.CapitalLevelEncoder
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(enc), zapcore.AddSync(w), ParseLevel(level))
	return &Logger{SugaredLogger: zap.New(core).Sugar()}
}

// NewFile creates a logger writing to a size-rotated file.
func NewFile(path, level string) *Logger {
	return NewWriter(&lumberjack.Logger{
		Filename:   path,
		MaxSize:    50, // megabytes
		MaxBackups: 3,
		Compress:   true,
	}, level)
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{SugaredLogger: zap.NewNop().Sugar()}
}

// Named returns a child logger tagged with a component name.
func (l *Logger) Named(name string) *Logger {
	return &Logger{SugaredLogger: l.SugaredLogger.Named(name)}
}

// Sync flushes buffered entries, ignoring the EINVAL stdout returns on some platforms.
func (l *Logger) Sync() {
	_ = l.SugaredLogger.Sync()
}
