package main

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jaquizy/internal/mirror"
	"jaquizy/internal/types"
)

func TestNewLoggerLevels(t *testing.T) {
	tests := []struct {
		level   string
		enabled slog.Level
		muted   slog.Level
	}{
		{"debug", slog.LevelDebug, slog.LevelDebug - 4},
		{"info", slog.LevelInfo, slog.LevelDebug},
		{"warn", slog.LevelWarn, slog.LevelInfo},
		{"error", slog.LevelError, slog.LevelWarn},
		{"bogus", slog.LevelInfo, slog.LevelDebug},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			logger := newLogger(tt.level)
			assert.True(t, logger.Enabled(context.Background(), tt.enabled))
			assert.False(t, logger.Enabled(context.Background(), tt.muted))
		})
	}
}

func TestMirrorUsageAdminStreams(t *testing.T) {
	store, err := mirror.Open(filepath.Join(t.TempDir(), "usage.db"))
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	_, err = store.Increment(ctx, "user-1", "2026-02", types.QuotaQuestionsPerMonth, 5)
	require.NoError(t, err)
	_, err = store.Increment(ctx, "user-2", "2026-02", types.QuotaTopicsPerMonth, 2)
	require.NoError(t, err)

	admin := &mirrorUsageAdmin{store: store}

	var rows []types.CounterRow
	err = admin.StreamCounters(ctx, "2026-02", func(row types.CounterRow) error {
		rows = append(rows, row)
		return nil
	})
	require.NoError(t, err)
	assert.Len(t, rows, 2)

	// A callback error aborts the stream.
	abort := errors.New("stop")
	err = admin.StreamCounters(ctx, "2026-02", func(types.CounterRow) error {
		return abort
	})
	assert.ErrorIs(t, err, abort)

	require.NoError(t, admin.ResetPeriod(ctx, "user-1", "2026-02"))
	rows = rows[:0]
	require.NoError(t, admin.StreamCounters(ctx, "2026-02", func(row types.CounterRow) error {
		rows = append(rows, row)
		return nil
	}))
	assert.Len(t, rows, 1)
	assert.Equal(t, "user-2", rows[0].UserID)
}
