package progress

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/leeineian/kokoro/internal/media"
)

func TestFreezeLocksRowPositions(t *testing.T) {
	b := New(1, 2, "foo bar", 2000)
	r1 := media.NewRequest(1, 2, 3, "user", "track one", media.FreeText)
	r2 := media.NewRequest(1, 2, 3, "user", "track two", media.FreeText)
	require.NoError(t, b.AddRequest(r1, media.Queued))
	require.NoError(t, b.AddRequest(r2, media.Queued))
	b.Freeze()

	require.Error(t, b.AddRequest(media.NewRequest(1, 2, 3, "user", "too late", media.FreeText), media.Queued))

	require.NoError(t, b.Update(r1.ID, media.Completed, ""))
	before := b.Render()
	require.NoError(t, b.Update(r2.ID, media.Failed, "boom"))
	after := b.Render()
	require.Equal(t, len(before), len(after))
}

func TestCountsAndFinished(t *testing.T) {
	b := New(1, 2, "x", 2000)
	r1 := media.NewRequest(1, 2, 3, "user", "a", media.FreeText)
	r2 := media.NewRequest(1, 2, 3, "user", "b", media.FreeText)
	require.NoError(t, b.AddRequest(r1, media.Queued))
	require.NoError(t, b.AddRequest(r2, media.Queued))
	b.Freeze()

	total, completed, failed, discarded := b.Counts()
	require.Equal(t, 2, total)
	require.Equal(t, 0, completed+failed+discarded)
	require.False(t, b.Finished())

	require.NoError(t, b.Update(r1.ID, media.Completed, ""))
	require.NoError(t, b.Update(r2.ID, media.Discarded, ""))
	require.True(t, b.Finished())
}

func TestRenderEmptyBundleShowsProcessing(t *testing.T) {
	b := New(1, 2, "never gonna give you up", 2000)
	out := b.Render()
	require.Len(t, out, 1)
	require.Contains(t, out[0], "never gonna give you up")
}

func TestPaginationSplitsOnCharBudget(t *testing.T) {
	b := New(1, 2, "x", 10) // tiny page budget forces a split
	for i := 0; i < 5; i++ {
		req := media.NewRequest(1, 2, 3, "user", "aaaaaaaaaaaaaaaaaaaa", media.FreeText)
		require.NoError(t, b.AddRequest(req, media.Queued))
	}
	b.Freeze()
	out := b.Render()
	require.Greater(t, len(out), 1)
}
