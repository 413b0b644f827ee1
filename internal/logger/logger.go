package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	loggerMu   sync.RWMutex
	baseLogger *logrus.Logger
)

func init() {
	baseLogger = newLogger(os.Stdout)
}

func newLogger(w io.Writer) *logrus.Logger {
	if w == nil {
		w = os.Stdout
	}
	l := logrus.New()
	l.SetOutput(w)
	l.SetLevel(logrus.InfoLevel)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "2006-01-02 15:04:05.000"})
	return l
}

// SetOutput 切换输出目标，保留当前级别与格式。
func SetOutput(w io.Writer) {
	if w == nil {
		w = os.Stdout
	}
	activeLogger().SetOutput(w)
}

func SetLevel(level string) {
	l := activeLogger()
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		l.SetLevel(logrus.DebugLevel)
	case "info":
		l.SetLevel(logrus.InfoLevel)
	case "warn", "warning":
		l.SetLevel(logrus.WarnLevel)
	case "error":
		l.SetLevel(logrus.ErrorLevel)
	default:
		l.SetLevel(logrus.InfoLevel)
	}
}

// SetFormat accepts "json" or "text".
func SetFormat(format string) {
	l := activeLogger()
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{TimestampFormat: "2006-01-02T15:04:05.000Z07:00"})
	default:
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "2006-01-02 15:04:05.000"})
	}
}

func activeLogger() *logrus.Logger {
	loggerMu.RLock()
	l := baseLogger
	loggerMu.RUnlock()
	if l != nil {
		return l
	}
	loggerMu.Lock()
	defer loggerMu.Unlock()
	if baseLogger == nil {
		baseLogger = newLogger(os.Stdout)
	}
	return baseLogger
}

// Logger exposes the underlying logrus instance for libraries that want one.
func Logger() *logrus.Logger {
	return activeLogger()
}

// WithFields 返回带固定字段的 entry，组件日志统一走这里。
func WithFields(fields map[string]any) *logrus.Entry {
	return activeLogger().WithFields(logrus.Fields(fields))
}

func WithComponent(name string) *logrus.Entry {
	return activeLogger().WithField("component", name)
}

func Debugf(format string, v ...any) {
	activeLogger().Debug(fmt.Sprintf(format, v...))
}

func Infof(format string, v ...any) {
	activeLogger().Info(fmt.Sprintf(format, v...))
}

func Warnf(format string, v ...any) {
	activeLogger().Warn(fmt.Sprintf(format, v...))
}

func Errorf(format string, v ...any) {
	activeLogger().Error(fmt.Sprintf(format, v...))
}

func InfoBlock(block string) {
	block = strings.TrimSpace(block)
	if block == "" {
		return
	}
	lines := strings.Split(block, "\n")
	for _, line := range lines {
		Infof("%s", line)
	}
}
