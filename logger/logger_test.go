package logger

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoggerWritesJSONWithMergedFields(t *testing.T) {
	var buf bytes.Buffer
	l := New("test", DebugLevel, &buf)
	l.SetFields(Fields{"service": "edgeproxy"})

	l.Info("listener started", Fields{"bind": "0.0.0.0:8080"})

	var parsed map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &parsed))
	require.Equal(t, "listener started", parsed["msg"])
	require.Equal(t, "edgeproxy", parsed["service"])
	require.Equal(t, "0.0.0.0:8080", parsed["bind"])
}

func TestLoggerSuppressesBelowConfiguredLevel(t *testing.T) {
	var buf bytes.Buffer
	l := New("test", WarnLevel, &buf)

	l.Debug("should not appear", nil)
	l.Info("should not appear either", nil)
	require.Equal(t, 0, buf.Len())

	l.Error("this should appear", nil)
	require.True(t, strings.Contains(buf.String(), "this should appear"))
}

func TestWithSpanAddsUniqueSpanIDPerCall(t *testing.T) {
	var buf bytes.Buffer
	base := New("test", InfoLevel, &buf)

	s1 := base.WithSpan()
	s2 := base.WithSpan()

	require.NotEqual(t, s1.GetFields()["span_id"], s2.GetFields()["span_id"])
}

func TestNamedAddsComponentField(t *testing.T) {
	var buf bytes.Buffer
	base := New("test", InfoLevel, &buf)
	child := base.Named("task")

	child.Info("hello", nil)

	var parsed map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &parsed))
	require.Equal(t, "task", parsed["component"])
}
