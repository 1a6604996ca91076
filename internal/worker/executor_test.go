package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShell_Success(t *testing.T) {
	out, err := Shell()(context.Background(), "echo hello")
	require.NoError(t, err)
	assert.Equal(t, "hello", out)
}

func TestShell_NonZeroExit(t *testing.T) {
	_, err := Shell()(context.Background(), "echo oops >&2; exit 3")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "oops")
}

func TestShell_ContextCancelKillsCommand(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := Shell()(ctx, "sleep 10")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second, "command must be killed, not awaited")
}

func TestEcho(t *testing.T) {
	out, err := Echo()(context.Background(), "some command")
	require.NoError(t, err)
	assert.Equal(t, "some command", out)
}

func TestEcho_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Echo()(ctx, "x")
	assert.ErrorIs(t, err, context.Canceled)
}
