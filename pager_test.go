package pagedb

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestPager(t *testing.T, pageSize int, maxStorage int64) *Pager {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data.pagedb")
	p, err := OpenPager(path, pageSize, maxStorage)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestPagerGrowAndReadPage(t *testing.T) {
	p := openTestPager(t, 4096, 0)
	require.NoError(t, p.Grow(4))

	state := p.currentState()
	defer state.Release()

	pg, err := p.ReadPage(state, 1)
	require.NoError(t, err)
	assert.Equal(t, pgid(0), pg.PageNumber()) // fresh mapped memory is zeroed
}

func TestPagerReadPageOutOfRangeIsFatal(t *testing.T) {
	p := openTestPager(t, 4096, 0)
	state := p.currentState()
	defer state.Release()

	_, err := p.ReadPage(state, 1000)
	require.Error(t, err)
	se, ok := AsStoreError(err)
	require.True(t, ok)
	assert.Equal(t, KindCatastrophicFailure, se.Kind)
	assert.True(t, se.Fatal())
}

func TestPagerStateReferenceCountingRetiresOldMapping(t *testing.T) {
	p := openTestPager(t, 4096, 0)
	old := p.currentState()

	disposed := false
	old.OnDispose(func() { disposed = true })

	require.NoError(t, p.Grow(64))
	assert.False(t, disposed, "old mapping must survive while a reader still holds it")

	old.Release()
	assert.True(t, disposed, "old mapping releases once its last reader drops it")
}

func TestPagerGetNumberOfOverflowPages(t *testing.T) {
	p := openTestPager(t, 4096, 0)
	usable := 4096 - int(pageHeaderSize)

	assert.Equal(t, 1, p.GetNumberOfOverflowPages(1))
	assert.Equal(t, 1, p.GetNumberOfOverflowPages(usable))
	assert.Equal(t, 2, p.GetNumberOfOverflowPages(usable+1))
}
