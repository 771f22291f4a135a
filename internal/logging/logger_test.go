package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]zapcore.Level{
		"debug":   zapcore.DebugLevel,
		" WARN ":  zapcore.WarnLevel,
		"warning": zapcore.WarnLevel,
		"error":   zapcore.ErrorLevel,
		"":        zapcore.InfoLevel,
		"verbose": zapcore.InfoLevel,
	}
	for input, expected := range tests {
		if got := ParseLevel(input); got != expected {
			t.Errorf("ParseLevel(%q) = %s, expected %s", input, got, expected)
		}
	}
}

func TestNewLoggerFormats(t *testing.T) {
	for _, format := range []string{"", FormatJSON, FormatConsole} {
		logger, err := NewLogger("debug", format)
		if err != nil {
			t.Fatalf("format %q: %v", format, err)
		}
		if !logger.Core().Enabled(zapcore.DebugLevel) {
			t.Fatalf("format %q: expected debug level", format)
		}
	}
	if _, err := NewLogger("info", "xml"); err == nil {
		t.Fatalf("expected unknown format to fail")
	}
}
