package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGetGuildAnalyticsZeroedWhenAbsent(t *testing.T) {
	s := openTestStore(t)
	row, err := s.GetGuildAnalytics(context.Background(), "guild-never-played")
	require.NoError(t, err)
	require.Equal(t, int64(0), row.TotalPlays)
}

func TestRecordPlayAccumulatesCounters(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.RecordPlay(ctx, "guild-1", 120*time.Second, false))
	require.NoError(t, s.RecordPlay(ctx, "guild-1", 60*time.Second, true))

	row, err := s.GetGuildAnalytics(ctx, "guild-1")
	require.NoError(t, err)
	require.Equal(t, int64(2), row.TotalPlays)
	require.Equal(t, int64(180), row.TotalDurationS)
	require.Equal(t, int64(1), row.CachedPlays)
}
