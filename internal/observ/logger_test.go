package observ

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name      string
		env       string
		level     string
		wantLevel zapcore.Level
	}{
		{"production info", "production", "info", zapcore.InfoLevel},
		{"development debug", "development", "debug", zapcore.DebugLevel},
		{"invalid level falls back to info", "development", "loud", zapcore.InfoLevel},
		{"warn", "production", "warn", zapcore.WarnLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := NewLogger(tt.env, tt.level)
			if err != nil {
				t.Fatalf("NewLogger() error = %v", err)
			}
			if !logger.Core().Enabled(tt.wantLevel) {
				t.Errorf("expected %s enabled", tt.wantLevel)
			}
			if tt.wantLevel > zapcore.DebugLevel && logger.Core().Enabled(tt.wantLevel-1) {
				t.Errorf("expected %s disabled", tt.wantLevel-1)
			}
		})
	}
}
