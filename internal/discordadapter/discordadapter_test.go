package discordadapter

import (
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFrameProviderReturnsSilenceWhenEmpty(t *testing.T) {
	p := newFrameProvider()
	start := time.Now()
	f, err := p.ProvideOpusFrame()
	require.NoError(t, err)
	require.Nil(t, f)
	require.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
}

func TestFrameProviderPushDeliversFrame(t *testing.T) {
	p := newFrameProvider()
	p.push([]byte{1, 2, 3})
	f, err := p.ProvideOpusFrame()
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3}, f)
}

func TestFrameProviderPushNilSignalsEOF(t *testing.T) {
	p := newFrameProvider()
	p.push(nil)
	_, err := p.ProvideOpusFrame()
	require.ErrorIs(t, err, io.EOF)
}

func TestIsNotFoundOnNil(t *testing.T) {
	require.False(t, isNotFound(nil))
}
