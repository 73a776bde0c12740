package download

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/leeineian/kokoro/internal/media"
)

func TestClassifyTerminalCases(t *testing.T) {
	d := &Downloader{}
	cases := map[string]media.FailureKind{
		"ERROR: Private video. Sign in if you've been granted access": media.FailurePrivate,
		"ERROR: Video unavailable":                                     media.FailureRemoved,
		"Sign in to confirm your age. This video may be inappropriate": media.FailureAgeRestricted,
		"ERROR: Unsupported URL: foo":                                  media.FailureInvalidFormat,
	}
	for msg, want := range cases {
		got := d.classify(errors.New(msg))
		require.Equal(t, ClassTerminal, got.Classification, msg)
		require.Equal(t, want, got.FailureKind, msg)
	}
}

func TestClassifyRetryableCases(t *testing.T) {
	d := &Downloader{}
	for _, msg := range []string{
		"dial tcp: i/o timeout",
		"Sign in to confirm you're not a bot",
		"connection reset by peer",
		"some completely unclassified transient error",
	} {
		got := d.classify(errors.New(msg))
		require.Equal(t, ClassRetryable, got.Classification, msg)
	}
}
