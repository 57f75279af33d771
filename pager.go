package pagedb

import (
	"os"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// PagerState is a reference-counted handle onto one memory mapping of
// the data file. Every transaction that touches the pager holds a
// reference for its lifetime, the same way the teacher's PagerState
// equivalents (real bbolt has no such indirection; Voron-style engines
// do, because the mapping is replaced wholesale when the file grows,
// and old readers must keep seeing the old mapping until they finish).
//
// The Pager only ever appends a new PagerState; it never mutates one in
// place, so a reference holder's view of bytes never moves or changes
// out from under it.
type PagerState struct {
	data     []byte
	pageSize int
	refs     int32
	disposeFns []func()
	mu       sync.Mutex
}

// AddRef increments the reference count. Call once per transaction that
// pins this state.
func (s *PagerState) AddRef() { atomic.AddInt32(&s.refs, 1) }

// Release decrements the reference count, invoking any dispose callbacks
// registered via OnDispose once it reaches zero.
func (s *PagerState) Release() {
	if atomic.AddInt32(&s.refs, -1) == 0 {
		s.mu.Lock()
		fns := s.disposeFns
		s.disposeFns = nil
		s.mu.Unlock()
		for _, fn := range fns {
			fn()
		}
	}
}

// OnDispose registers a callback to run once the last reference to this
// state is released.
func (s *PagerState) OnDispose(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disposeFns = append(s.disposeFns, fn)
}

func (s *PagerState) pageAt(id pgid, pageSize int) unsafe.Pointer {
	off := uintptr(id) * uintptr(pageSize)
	return unsafe.Pointer(&s.data[off])
}

// Pager maps the data file into memory and hands back read-only pages by
// number. It never mutates mapped bytes itself; all writes arrive
// through Grow (extending the mapping) and through the background
// flusher's direct pwrite calls, which happen only for page ranges no
// live PagerState reference still needs the old bytes of.
type Pager struct {
	mu            sync.RWMutex
	file          *os.File
	pageSize      int
	maxStorage    int64
	current       *PagerState
	numberOfPages pgid
}

// OpenPager maps path (creating it if absent) with the given page size.
func OpenPager(path string, pageSize int, maxStorageSize int64) (*Pager, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o666)
	if err != nil {
		return nil, errors.Wrap(err, "open data file")
	}
	p := &Pager{file: f, pageSize: pageSize, maxStorage: maxStorageSize}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Wrap(err, "stat data file")
	}
	initialPages := pgid(fi.Size() / int64(pageSize))
	if initialPages < 1 {
		initialPages = 1
	}
	if err := p.mapAtLeast(initialPages); err != nil {
		f.Close()
		return nil, err
	}
	return p, nil
}

// PageSize returns the configured page size in bytes.
func (p *Pager) PageSize() int { return p.pageSize }

// MaxStorageSize returns the configured quota in bytes, or 0 if
// unbounded.
func (p *Pager) MaxStorageSize() int64 { return p.maxStorage }

// GetNumberOfOverflowPages returns how many pages (including the head)
// are needed to hold byteCount bytes of overflow payload.
func (p *Pager) GetNumberOfOverflowPages(byteCount int) int {
	usable := p.pageSize - int(pageHeaderSize)
	n := (byteCount + usable - 1) / usable
	if n < 1 {
		n = 1
	}
	return n
}

// currentState returns the live PagerState with an added reference; the
// caller is responsible for releasing it.
func (p *Pager) currentState() *PagerState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	p.current.AddRef()
	return p.current
}

// EnsurePagerStateReference pins state for the duration of a
// transaction; tx releases it on dispose. This is the public hook spec
// section 4.1 calls out.
func (p *Pager) EnsurePagerStateReference(state *PagerState) {
	state.AddRef()
}

// ReadPage returns the page at id as currently visible through the
// mapped data file. Out-of-range numbers and I/O errors are both fatal
// per spec section 4.1 — there is no recoverable path from here, since a
// request for a page the data file doesn't have means something above
// this layer has a corrupted page number.
func (p *Pager) ReadPage(state *PagerState, id pgid) (Page, error) {
	failpointPagerIO()
	p.mu.RLock()
	numberOfPages := p.numberOfPages
	p.mu.RUnlock()

	if id >= numberOfPages {
		return Page{}, newErr("Pager.ReadPage", KindCatastrophicFailure,
			errors.Errorf("page %d out of range (have %d pages)", id, numberOfPages))
	}
	ptr := state.pageAt(id, p.pageSize)
	hdr := headerView(ptr)
	n := hdr.numberOfPagesInRun(p.pageSize)
	return newPageView(ptr, n*p.pageSize), nil
}

// Grow extends the mapping so it covers at least minPages pages. It
// creates a fresh PagerState pointing at the new mapping and retires the
// old one (readers that already hold a reference to the old state keep
// using it until they release).
func (p *Pager) Grow(minPages pgid) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if minPages <= p.numberOfPages {
		return nil
	}
	return p.mapAtLeastLocked(minPages)
}

func (p *Pager) mapAtLeast(minPages pgid) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mapAtLeastLocked(minPages)
}

func (p *Pager) mapAtLeastLocked(minPages pgid) error {
	size := int64(minPages) * int64(p.pageSize)
	if err := p.file.Truncate(size); err != nil {
		return errors.Wrap(err, "truncate data file")
	}
	data, err := unix.Mmap(int(p.file.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return errors.Wrap(err, "mmap data file")
	}
	old := p.current
	p.current = &PagerState{data: data, pageSize: p.pageSize, refs: 1}
	p.numberOfPages = minPages
	if old != nil {
		oldData := old.data
		old.OnDispose(func() {
			_ = unix.Munmap(oldData)
		})
		old.Release() // drop the pager's own hold; transactions keep theirs
	}
	return nil
}

// WriteAt durably writes buf to the data file at the given page-aligned
// byte offset, bypassing the mapping. Used only by the background
// flusher once no live snapshot still needs the old bytes.
func (p *Pager) WriteAt(buf []byte, offset int64) error {
	_, err := p.file.WriteAt(buf, offset)
	return err
}

// Sync fsyncs the data file.
func (p *Pager) Sync() error { return p.file.Sync() }

// Close unmaps and closes the data file. Callers must ensure no
// transaction still references a PagerState before calling this.
func (p *Pager) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current != nil {
		_ = unix.Munmap(p.current.data)
	}
	return p.file.Close()
}
