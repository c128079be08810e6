package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]zapcore.Level{
		"debug":   zapcore.DebugLevel,
		"info":    zapcore.InfoLevel,
		"":        zapcore.InfoLevel,
		"WARN":    zapcore.WarnLevel,
		"warning": zapcore.WarnLevel,
		" error ": zapcore.ErrorLevel,
		"bogus":   zapcore.InfoLevel,
	}
	for input, expected := range cases {
		if actual := parseLevel(input); actual != expected {
			t.Errorf("parseLevel(%q) = %v, expected %v", input, actual, expected)
		}
	}
}

func TestNewLoggerHonorsLevel(t *testing.T) {
	logger, err := NewLogger("error")
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck
	if logger.Core().Enabled(zapcore.InfoLevel) {
		t.Fatal("info must be suppressed at error level")
	}
	if !logger.Core().Enabled(zapcore.ErrorLevel) {
		t.Fatal("error level must stay enabled")
	}
}
