package pagedb

import (
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// openTestEnvironment opens a StorageEnvironment rooted at a fresh
// temporary data file, cleaned up automatically at test end.
func openTestEnvironment(t *testing.T, opts *Options) *StorageEnvironment {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data.pagedb")
	if opts == nil {
		opts = &Options{}
	}
	opts.Logger = zerolog.Nop()

	env, err := OpenEnvironment(path, opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, env.Close())
	})
	return env
}
