package nats

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConnectionConfig(t *testing.T) {
	cfg := DefaultConnectionConfig("nats://localhost:4222")
	assert.Equal(t, "nats://localhost:4222", cfg.URL)
	assert.Equal(t, "daedalus", cfg.Name)
	assert.Equal(t, "BULK_EDIT", cfg.EventStream)
	assert.Equal(t, "bulkedit.runs", cfg.EventSubject)
	assert.Equal(t, 3, cfg.PublishMaxRetries)
}

func TestConnect_RejectsInvalidConfig(t *testing.T) {
	_, err := Connect(context.Background(), nil, nil)
	require.Error(t, err)

	_, err = Connect(context.Background(), DefaultConnectionConfig(""), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "URL")
}

func TestConnect_HonoursCancelledContext(t *testing.T) {
	cfg := DefaultConnectionConfig("nats://127.0.0.1:1")
	cfg.Timeout = time.Second
	cfg.MaxReconnects = 0

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Connect(ctx, cfg, nil)
	require.Error(t, err)
}

func TestCloseAndIsConnectedAcceptNil(t *testing.T) {
	assert.NoError(t, Close(nil))
	assert.False(t, IsConnected(nil))
}
