// Package logger is the structured logging facade used throughout this
// repo: entries are written by a logrus JSON backend, a separate
// hclog.Logger is exposed for hclog-typed callers, with a Fields builder
// and per-connection span IDs, keeping the same
// Level enum and logrus mapping and field-builder idiom throughout.
package logger

import (
	"strings"

	"github.com/sirupsen/logrus"
)

type Level uint8

const (
	PanicLevel Level = iota
	FatalLevel
	ErrorLevel
	WarnLevel
	InfoLevel
	DebugLevel
	NilLevel
)

func (l Level) String() string {
	switch l {
	case DebugLevel:
		return "Debug"
	case InfoLevel:
		return "Info"
	case WarnLevel:
		return "Warning"
	case ErrorLevel:
		return "Error"
	case FatalLevel:
		return "Fatal Error"
	case PanicLevel:
		return "Critical Error"
	case NilLevel:
		return ""
	default:
		return "unknown"
	}
}

func (l Level) Logrus() logrus.Level {
	switch l {
	case DebugLevel:
		return logrus.DebugLevel
	case InfoLevel:
		return logrus.InfoLevel
	case WarnLevel:
		return logrus.WarnLevel
	case ErrorLevel:
		return logrus.ErrorLevel
	case FatalLevel:
		return logrus.FatalLevel
	case PanicLevel:
		return logrus.PanicLevel
	default:
		return logrus.Level(^uint32(0) >> 1)
	}
}

// ParseLevel resolves a case-insensitive level name, defaulting to
// InfoLevel for anything unrecognized.
func ParseLevel(s string) Level {
	switch strings.ToLower(s) {
	case "debug":
		return DebugLevel
	case "info":
		return InfoLevel
	case "warn", "warning":
		return WarnLevel
	case "error":
		return ErrorLevel
	case "fatal":
		return FatalLevel
	case "panic", "critical":
		return PanicLevel
	default:
		return InfoLevel
	}
}
