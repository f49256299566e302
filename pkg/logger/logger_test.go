package logger

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setSingletonForTest(t *testing.T, l *slog.Logger) {
	t.Helper()
	prev := singleton.Load()
	singleton.Store(l)
	t.Cleanup(func() { singleton.Store(prev) })
}

func TestUnstructuredLogs(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		env      map[string]string
		expected bool
	}{
		{"default empty", map[string]string{"UNSTRUCTURED_LOGS": ""}, true},
		{"explicit true", map[string]string{"UNSTRUCTURED_LOGS": "true"}, true},
		{"explicit false", map[string]string{"UNSTRUCTURED_LOGS": "false"}, false},
		{"invalid value", map[string]string{"UNSTRUCTURED_LOGS": "not-a-bool"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := unstructuredLogs(func(k string) string { return tt.env[k] })
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestLogLevels(t *testing.T) { //nolint:paralleltest // mutates singleton
	tests := []struct {
		name     string
		logFn    func()
		contains string
	}{
		{"Debug", func() { Debug("debug msg") }, "debug msg"},
		{"Infof", func() { Infof("info %s", "formatted") }, "info formatted"},
		{"Warnw", func() { Warnw("warn kv", "key", "val") }, "warn kv"},
		{"Errorf", func() { Errorf("error %s", "formatted") }, "error formatted"},
	}

	for _, tc := range tests {
		var buf bytes.Buffer
		l := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
		setSingletonForTest(t, l)

		tc.logFn()

		assert.Contains(t, buf.String(), tc.contains)
	}
}

func TestPanicLogsThenPanics(t *testing.T) {
	var buf bytes.Buffer
	l := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	setSingletonForTest(t, l)

	require.Panics(t, func() { Panic("boom") })
	assert.Contains(t, buf.String(), "boom")
}
