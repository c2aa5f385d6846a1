package logging

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

func TestNew_WritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "batman.log")

	cfg := DefaultConfig()
	cfg.OutputPath = path
	cfg.Encoding = "json"

	logger, err := New(cfg)
	require.NoError(t, err)

	WithComponent(logger, "monitor").Info("Mesh monitor started")
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"Mesh monitor started"`)
	assert.Contains(t, string(data), `"logger":"monitor"`)
}

func TestNew_InvalidLevel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Level = "loud"
	cfg.OutputPath = "stdout"

	_, err := New(cfg)
	assert.Error(t, err)
}

func TestContextRoundTrip(t *testing.T) {
	logger := zaptest.NewLogger(t)

	ctx := ToContext(context.Background(), logger)
	assert.Same(t, logger, FromContext(ctx))
	assert.Same(t, zap.L(), FromContext(context.Background()))
}
