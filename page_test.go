package pagedb

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPageTyp(t *testing.T) {
	var p page
	assert.Equal(t, "unknown<00>", p.typ())

	p.flags = pageFlagSingle
	assert.Equal(t, "single", p.typ())

	p.flags = pageFlagOverflow
	assert.Equal(t, "overflow", p.typ())
}

func TestPageFastCheck(t *testing.T) {
	p := page{id: 7}
	assert.NotPanics(t, func() { p.fastCheck(7) })
	assert.Panics(t, func() { p.fastCheck(8) })
}

func TestPageNumberOfPagesInRun(t *testing.T) {
	const pageSize = 4096
	usable := pageSize - int(pageHeaderSize)

	single := page{flags: pageFlagSingle}
	assert.Equal(t, 1, single.numberOfPagesInRun(pageSize))

	overflow := page{flags: pageFlagOverflow, overflowSize: uint32(usable + 1)}
	assert.Equal(t, 2, overflow.numberOfPagesInRun(pageSize))

	exact := page{flags: pageFlagOverflow, overflowSize: uint32(usable)}
	assert.Equal(t, 1, exact.numberOfPagesInRun(pageSize))
}

func TestNewPageViewRoundTrip(t *testing.T) {
	const pageSize = 4096
	buf := make([]byte, pageSize)
	pg := newPageView(unsafe.Pointer(&buf[0]), pageSize)
	pg.ptr.id = 42
	pg.ptr.flags = pageFlagSingle
	pg.SetDomainFlags(0x9)

	require.Equal(t, pgid(42), pg.PageNumber())
	assert.False(t, pg.IsOverflow())
	assert.Equal(t, uint8(0x9), pg.DomainFlags())
	assert.Len(t, pg.Bytes(), pageSize-int(pageHeaderSize))

	// Writing through the returned byte slice lands in the backing array,
	// the same overlay relationship the mapped data file relies on.
	pg.Bytes()[0] = 0xAB
	assert.Equal(t, byte(0xAB), buf[pageHeaderSize])
}

func TestRawPageBytesIncludesHeaderUnlikePageBytes(t *testing.T) {
	const pageSize = 4096
	buf := make([]byte, pageSize)
	pg := newPageView(unsafe.Pointer(&buf[0]), pageSize)
	pg.ptr.id = 7
	pg.ptr.flags = pageFlagSingle

	raw := rawPageBytes(pg.ptr, pageSize)
	require.Len(t, raw, pageSize)

	// A page read back from raw bytes must self-identify correctly,
	// unlike a page built from the header-excluded Bytes() view.
	roundTripped := pageFromOwnedBytes(raw)
	assert.Equal(t, pgid(7), roundTripped.PageNumber())
}

func TestPagesSortByID(t *testing.T) {
	a := &page{id: 3}
	b := &page{id: 1}
	c := &page{id: 2}
	ps := pages{a, b, c}
	assert.True(t, ps.Less(1, 2))
	assert.False(t, ps.Less(0, 1))
}
