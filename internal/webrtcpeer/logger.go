package webrtcpeer

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pion/logging"
)

// NewLoggerFactory routes pion's internal logging through the process-wide
// slog default logger. Trace output is collapsed into debug; pion's trace
// level is far too chatty for anything but targeted debugging.
func NewLoggerFactory() logging.LoggerFactory {
	return slogLoggerFactory{}
}

type slogLoggerFactory struct{}

func (slogLoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return &slogLeveledLogger{scope: scope}
}

type slogLeveledLogger struct {
	scope string
}

func (l *slogLeveledLogger) log(level slog.Level, msg string) {
	slog.Default().Log(context.Background(), level, msg, "scope", l.scope)
}

func (l *slogLeveledLogger) Trace(msg string) { l.log(slog.LevelDebug, msg) }
func (l *slogLeveledLogger) Tracef(format string, args ...interface{}) {
	l.log(slog.LevelDebug, fmt.Sprintf(format, args...))
}

func (l *slogLeveledLogger) Debug(msg string) { l.log(slog.LevelDebug, msg) }
func (l *slogLeveledLogger) Debugf(format string, args ...interface{}) {
	l.log(slog.LevelDebug, fmt.Sprintf(format, args...))
}

func (l *slogLeveledLogger) Info(msg string) { l.log(slog.LevelInfo, msg) }
func (l *slogLeveledLogger) Infof(format string, args ...interface{}) {
	l.log(slog.LevelInfo, fmt.Sprintf(format, args...))
}

func (l *slogLeveledLogger) Warn(msg string) { l.log(slog.LevelWarn, msg) }
func (l *slogLeveledLogger) Warnf(format string, args ...interface{}) {
	l.log(slog.LevelWarn, fmt.Sprintf(format, args...))
}

func (l *slogLeveledLogger) Error(msg string) { l.log(slog.LevelError, msg) }
func (l *slogLeveledLogger) Errorf(format string, args ...interface{}) {
	l.log(slog.LevelError, fmt.Sprintf(format, args...))
}
