package logging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "defaults valid", mutate: func(c *Config) {}},
		{name: "bad level", mutate: func(c *Config) { c.Level = "loud" }, wantErr: "unknown log level"},
		{name: "bad format", mutate: func(c *Config) { c.Format = "xml" }, wantErr: "format must be"},
		{name: "bad stacktrace level", mutate: func(c *Config) { c.Stacktrace = "never" }, wantErr: "stacktrace level"},
		{name: "empty field value", mutate: func(c *Config) { c.Fields = map[string]string{"env": ""} }, wantErr: "empty value"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestNewLogger(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Level = "debug"
	cfg.Format = "console"

	logger, err := NewLogger(cfg)
	require.NoError(t, err)
	require.NotNil(t, logger)

	assert.True(t, logger.Enabled(zapcore.DebugLevel))
	assert.NotNil(t, logger.Underlying())
}

func TestNewLoggerNilConfigUsesDefaults(t *testing.T) {
	logger, err := NewLogger(nil)
	require.NoError(t, err)
	assert.True(t, logger.Enabled(zapcore.InfoLevel))
	assert.False(t, logger.Enabled(zapcore.DebugLevel))
}

func TestContextFields(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, ContextFields(ctx))

	ctx = WithRunID(ctx, "run-1")
	ctx = WithStepID(ctx, "step-2")
	ctx = WithRequestID(ctx, "req-3")

	fields := ContextFields(ctx)
	require.Len(t, fields, 3)
	assert.Equal(t, "run.id", fields[0].Key)
	assert.Equal(t, "step.id", fields[1].Key)
	assert.Equal(t, "request.id", fields[2].Key)
}

func TestFromContextDefaultsToNop(t *testing.T) {
	logger := FromContext(context.Background())
	require.NotNil(t, logger)

	ctx := WithLogger(context.Background(), logger)
	assert.Same(t, logger, FromContext(ctx))
}
