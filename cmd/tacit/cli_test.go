package main

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"tacit/internal/config"
	"tacit/internal/queue"
)

func setupCLI(t *testing.T) {
	t.Helper()
	logger = zap.NewNop()
	ws := t.TempDir()
	cfg = config.Default()
	cfg.Store.Path = filepath.Join(ws, ".tacit", "tacit.db")
}

func TestOpenStoreCreatesStateDir(t *testing.T) {
	setupCLI(t)

	s, err := openStore()
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Stats()
	assert.NoError(t, err)
}

func TestQueueStatusOnFreshStore(t *testing.T) {
	setupCLI(t)
	cmd := &cobra.Command{}
	cmd.SetContext(context.Background())

	require.NoError(t, runQueueStatus(cmd, nil))
}

func TestSchedulePruneIsIdempotentPerDay(t *testing.T) {
	setupCLI(t)

	s, err := openStore()
	require.NoError(t, err)
	defer s.Close()

	q := queue.New(s)
	now := time.Now()
	require.NoError(t, schedulePrune(context.Background(), q, now))
	require.NoError(t, schedulePrune(context.Background(), q, now))

	counts, err := q.Counts()
	require.NoError(t, err)
	assert.EqualValues(t, 1, counts[queue.StatusQueued])
}

func TestZapLevel(t *testing.T) {
	assert.Equal(t, zapcore.DebugLevel, zapLevel("debug"))
	assert.Equal(t, zapcore.WarnLevel, zapLevel("warn"))
	assert.Equal(t, zapcore.ErrorLevel, zapLevel("error"))
	assert.Equal(t, zapcore.InfoLevel, zapLevel("info"))
	assert.Equal(t, zapcore.InfoLevel, zapLevel(""))
}

func TestCentsFormatting(t *testing.T) {
	assert.Equal(t, "$0.05", cents(5))
	assert.Equal(t, "$5.00", cents(500))
	assert.Equal(t, "$12.34", cents(1234))
}

func TestPercent(t *testing.T) {
	assert.EqualValues(t, 50, percent(250, 500))
	assert.EqualValues(t, 0, percent(10, 0))
}
