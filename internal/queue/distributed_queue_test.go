package queue

import (
	"context"
	"testing"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/stretchr/testify/require"
)

func TestPutGetFIFOPerPartition(t *testing.T) {
	q := New[int](10, nil)
	g := snowflake.ID(1)
	require.NoError(t, q.Put(g, 1))
	require.NoError(t, q.Put(g, 2))
	require.NoError(t, q.Put(g, 3))

	for _, want := range []int{1, 2, 3} {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		got, err := q.Get(ctx)
		cancel()
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
}

func TestPutRespectsCapacity(t *testing.T) {
	q := New[int](2, nil)
	g := snowflake.ID(1)
	require.NoError(t, q.Put(g, 1))
	require.NoError(t, q.Put(g, 2))
	require.ErrorIs(t, q.Put(g, 3), ErrFull)
}

func TestFairnessAcrossEqualPriorityPartitions(t *testing.T) {
	q := New[string](100, nil)
	guilds := []snowflake.ID{1, 2, 3}
	for _, g := range guilds {
		for i := 0; i < 5; i++ {
			require.NoError(t, q.Put(g, "x"))
		}
	}

	served := map[snowflake.ID]int{}
	ctx := context.Background()
	for i := 0; i < 9; i++ { // k=3 consecutive gets across N=3 partitions
		// we don't get the partition key back from Get directly in this
		// API, so drain via Size() bookkeeping instead: pop and infer by
		// which partition shrank.
		before := map[snowflake.ID]int{}
		for _, g := range guilds {
			before[g] = q.Size(g)
		}
		_, err := q.Get(ctx)
		require.NoError(t, err)
		for _, g := range guilds {
			if q.Size(g) < before[g] {
				served[g]++
			}
		}
	}
	for _, g := range guilds {
		require.GreaterOrEqual(t, served[g], 2) // k-1
		require.LessOrEqual(t, served[g], 4)    // k+1
	}
}

func TestPriorityOrdering(t *testing.T) {
	high := snowflake.ID(1)
	low := snowflake.ID(2)
	q := New[string](10, map[snowflake.ID]int{high: 10, low: 0})
	require.NoError(t, q.Put(low, "low"))
	require.NoError(t, q.Put(high, "high"))

	ctx := context.Background()
	got, err := q.Get(ctx)
	require.NoError(t, err)
	require.Equal(t, "high", got)
}

func TestEmptyPartitionGarbageCollected(t *testing.T) {
	q := New[int](10, nil)
	g := snowflake.ID(1)
	require.NoError(t, q.Put(g, 1))
	ctx := context.Background()
	_, err := q.Get(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, q.Size(g))
	require.Equal(t, 0, q.TotalSize())
}

func TestGetCancellation(t *testing.T) {
	q := New[int](10, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := q.Get(ctx)
	require.Error(t, err)
}

func TestClearReturnsAllItems(t *testing.T) {
	q := New[int](10, nil)
	g := snowflake.ID(1)
	require.NoError(t, q.Put(g, 1))
	require.NoError(t, q.Put(g, 2))
	items := q.Clear(g)
	require.ElementsMatch(t, []int{1, 2}, items)
	require.Equal(t, 0, q.Size(g))
}
