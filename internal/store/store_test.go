package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// openTestStore uses a temp-file database rather than ":memory:" — Open
// sets a connection pool of 5, and go-sqlite3's ":memory:" gives each
// connection its own private database, which would make rows vanish
// depending on which pooled connection serviced a later query.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "store.db")
	s, err := Open(context.Background(), path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpenCreatesSchema(t *testing.T) {
	s := openTestStore(t)
	n, err := s.CountVideoCache(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, n)
}
