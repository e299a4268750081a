package logger

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/sirupsen/logrus"
)

// Logger is the facade every package in this repo logs through:
// SetLevel/GetLevel, SetFields/GetFields, and leveled
// Debug/Info/Warning/Error methods taking an optional per-call Fields
// override, written through a logrus JSON formatter; an hclog.Logger on
// the same writer is kept alongside and returned by HCLog.
type Logger struct {
	mu     sync.RWMutex
	level  Level
	fields Fields
	hc     hclog.Logger
	lr     *logrus.Logger
}

// New builds a Logger writing JSON-formatted entries to w (os.Stderr if
// nil) through logrus, and builds a separate hclog.Logger named name on
// the same writer, returned by HCLog; the facade's own methods do not
// write through it.
func New(name string, level Level, w io.Writer) *Logger {
	if w == nil {
		w = os.Stderr
	}

	lr := logrus.New()
	lr.SetOutput(w)
	lr.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	lr.SetLevel(level.Logrus())

	hc := hclog.New(&hclog.LoggerOptions{
		Name:   name,
		Level:  hclog.Info,
		Output: w,
	})

	return &Logger{level: level, fields: make(Fields), hc: hc, lr: lr}
}

func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
	l.lr.SetLevel(level.Logrus())
}

func (l *Logger) GetLevel() Level {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.level
}

func (l *Logger) SetFields(f Fields) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fields = f
}

func (l *Logger) GetFields() Fields {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.fields
}

// Named returns a child Logger sharing the same backend but with a
// "component" field set, the same pattern hclog.Named uses for scoping.
func (l *Logger) Named(name string) *Logger {
	l.mu.RLock()
	fields := l.fields.Add("component", name)
	level := l.level
	l.mu.RUnlock()

	return &Logger{level: level, fields: fields, hc: l.hc.Named(name), lr: l.lr}
}

// WithSpan returns a child Logger tagged with a fresh per-connection span
// ID (google/uuid), so every log line for one accepted connection/task can
// be correlated.
func (l *Logger) WithSpan() *Logger {
	l.mu.RLock()
	fields := l.fields.Add("span_id", uuid.NewString())
	level := l.level
	l.mu.RUnlock()

	return &Logger{level: level, fields: fields, hc: l.hc, lr: l.lr}
}

func (l *Logger) log(level Level, msg string, extra Fields) {
	if level > l.GetLevel() {
		return
	}

	merged := l.GetFields().Merge(extra)
	entry := l.lr.WithFields(logrus.Fields(merged))
	entry.Log(level.Logrus(), msg)
}

func (l *Logger) Debug(msg string, extra Fields)   { l.log(DebugLevel, msg, extra) }
func (l *Logger) Info(msg string, extra Fields)    { l.log(InfoLevel, msg, extra) }
func (l *Logger) Warning(msg string, extra Fields) { l.log(WarnLevel, msg, extra) }
func (l *Logger) Error(msg string, extra Fields)   { l.log(ErrorLevel, msg, extra) }

// HCLog exposes the hclog.Logger backend for third-party components (e.g.
// nats.go, gorm) that expect one directly.
func (l *Logger) HCLog() hclog.Logger { return l.hc }
