package backoff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMultiplierBoundedByMaxSize(t *testing.T) {
	tr := New(3, time.Minute)
	for i := 0; i < 10; i++ {
		tr.RecordFailure()
	}
	require.Equal(t, 3, tr.CurrentMultiplier())
}

func TestSuccessDecreasesOrHoldsMultiplier(t *testing.T) {
	tr := New(100, time.Minute)
	tr.RecordFailure()
	tr.RecordFailure()
	before := tr.CurrentMultiplier()
	tr.RecordSuccess()
	require.LessOrEqual(t, tr.CurrentMultiplier(), before)
}

func TestAgesOutToZero(t *testing.T) {
	fakeNow := time.Now()
	tr := New(100, 10*time.Millisecond)
	tr.now = func() time.Time { return fakeNow }
	tr.RecordFailure()
	require.Equal(t, 1, tr.CurrentMultiplier())

	fakeNow = fakeNow.Add(20 * time.Millisecond)
	tr.now = func() time.Time { return fakeNow }
	require.Equal(t, 0, tr.CurrentMultiplier())
}

func TestWaitFormula(t *testing.T) {
	tr := New(100, time.Minute)
	tr.RecordFailure()
	tr.RecordFailure()
	base := 30 * time.Second
	require.Equal(t, base+2*base, tr.Wait(base))
}
