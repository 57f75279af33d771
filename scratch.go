package pagedb

import (
	"sync"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// maxScratchFileGrowthPages bounds how large a single scratch file will
// grow before the pool opens a new one; it keeps any one anonymous
// mapping from becoming unreasonably large under a long write burst.
const maxScratchFileGrowthPages = 1 << 16 // 65536 * 4KiB pages = 256MiB default

// scratchSlot is one allocation record inside a scratchFile: either
// freed or in use. Allocate only ever bumps scratchFile.bumpNext, so the
// pages of a freed slot are not handed out again.
type scratchSlot struct {
	start pgid
	n     int
	free  bool
	// pendingSinceTxID, if non-zero, marks the write-transaction id that
	// freed this slot; reclaimLocked drops the record only once no
	// transaction older than that release is still active.
	pendingSinceTxID TransactionId
}

// scratchFile is one anonymous memory-mapped region backing a set of
// copy-on-write slots. Pages within it are addressed the same way data
// file pages are: by a page number local to the file (not the logical
// page number the slot redirects).
type scratchFile struct {
	id         int
	data       []byte
	pageSize   int
	capacity   int // pages
	bumpNext   int // next never-allocated page
	slots      []scratchSlot
	pagerState *PagerState
}

func newScratchFile(id, pageSize, initialPages int) (*scratchFile, error) {
	size := pageSize * initialPages
	data, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, errors.Wrap(err, "mmap anonymous scratch file")
	}
	return &scratchFile{
		id:         id,
		data:       data,
		pageSize:   pageSize,
		capacity:   initialPages,
		pagerState: &PagerState{data: data, pageSize: pageSize, refs: 1},
	}, nil
}

func (f *scratchFile) ptrAt(slot uint64) unsafe.Pointer {
	return unsafe.Pointer(&f.data[int(slot)*f.pageSize])
}

func (f *scratchFile) grow(minPages int) error {
	if minPages <= f.capacity {
		return nil
	}
	newCap := f.capacity * 2
	if newCap < minPages {
		newCap = minPages
	}
	size := newCap * f.pageSize
	data, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_ANONYMOUS)
	if err != nil {
		return errors.Wrap(err, "grow anonymous scratch file")
	}
	copy(data, f.data)
	old := f.data
	f.data = data
	f.capacity = newCap
	f.pagerState.OnDispose(func() { _ = unix.Munmap(old) })
	oldState := f.pagerState
	f.pagerState = &PagerState{data: data, pageSize: f.pageSize, refs: 1}
	oldState.Release()
	return nil
}

// ScratchBufferPool supplies page-aligned slots backed by anonymous
// mapped memory, disjoint from the data file, for copy-on-write.
type ScratchBufferPool struct {
	mu           sync.Mutex
	pageSize     int
	maxTotalPages int
	nextFileID   int
	files        map[int]*scratchFile
	totalAllocated int
}

// NewScratchBufferPool constructs a pool bounded by maxTotalPages pages
// across every scratch file it will ever open (0 = unbounded).
func NewScratchBufferPool(pageSize, maxTotalPages int) *ScratchBufferPool {
	return &ScratchBufferPool{
		pageSize:      pageSize,
		maxTotalPages: maxTotalPages,
		files:         make(map[int]*scratchFile),
	}
}

// Allocate reserves a contiguous run of n page slots and returns a
// handle identifying them.
func (p *ScratchBufferPool) Allocate(tx *LowLevelTransaction, n int) (PageFromScratch, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.maxTotalPages > 0 && p.totalAllocated+n > p.maxTotalPages {
		// Try to reclaim drained slots before giving up.
		p.reclaimLocked(tx)
		if p.totalAllocated+n > p.maxTotalPages {
			return PageFromScratch{}, newErr("ScratchBufferPool.Allocate", KindScratchBufferFull,
				errors.Errorf("pool bound %d pages exceeded (have %d, want %d more)",
					p.maxTotalPages, p.totalAllocated, n))
		}
	}

	f := p.activeFileLocked()
	if err := p.ensureRoomLocked(f, n); err != nil {
		return PageFromScratch{}, err
	}

	start := f.bumpNext
	f.bumpNext += n
	f.slots = append(f.slots, scratchSlot{start: pgid(start), n: n})
	p.totalAllocated += n

	return PageFromScratch{
		ScratchFileID:           f.id,
		PositionInScratchBuffer: uint64(start),
		NumberOfPages:           n,
		NumberOfPagesOriginally: n,
	}, nil
}

func (p *ScratchBufferPool) activeFileLocked() *scratchFile {
	for _, f := range p.files {
		if f.capacity-f.bumpNext > 0 {
			return f
		}
	}
	id := p.nextFileID
	p.nextFileID++
	f, err := newScratchFile(id, p.pageSize, 1024)
	if err != nil {
		panic(err) // anonymous mmap failing is unrecoverable; matches Pager's fatal I/O stance
	}
	p.files[id] = f
	return f
}

func (p *ScratchBufferPool) ensureRoomLocked(f *scratchFile, n int) error {
	if f.bumpNext+n <= f.capacity {
		return nil
	}
	want := f.bumpNext + n
	if want > maxScratchFileGrowthPages {
		return newErr("ScratchBufferPool.Allocate", KindScratchBufferFull,
			errors.Errorf("scratch file %d would exceed growth bound of %d pages", f.id, maxScratchFileGrowthPages))
	}
	return f.grow(want)
}

// reclaimLocked drops the records of fully-drained freed slots and
// subtracts their pages from totalAllocated, the count checked against
// maxTotalPages. A slot drains once no open transaction began before it
// was released. The mapped pages themselves are not reused.
func (p *ScratchBufferPool) reclaimLocked(tx *LowLevelTransaction) {
	if tx == nil || tx.env == nil {
		return
	}
	oldest := tx.env.OldestActiveTransactionID()
	for _, f := range p.files {
		kept := f.slots[:0]
		for _, s := range f.slots {
			if s.free && s.pendingSinceTxID != 0 && s.pendingSinceTxID < oldest {
				p.totalAllocated -= s.n
				continue // drop it; only the pool-bound count is returned
			}
			kept = append(kept, s)
		}
		f.slots = kept
	}
}

// ReadPage returns a pointer to the slot's memory. Cheap, non-allocating.
func (p *ScratchBufferPool) ReadPage(fileID int, slot uint64) (Page, error) {
	p.mu.Lock()
	f, ok := p.files[fileID]
	p.mu.Unlock()
	if !ok {
		return Page{}, newErr("ScratchBufferPool.ReadPage", KindInvalidOperation,
			errors.Errorf("unknown scratch file %d", fileID))
	}
	ptr := f.ptrAt(slot)
	hdr := headerView(ptr)
	n := hdr.numberOfPagesInRun(f.pageSize)
	return newPageView(ptr, n*f.pageSize), nil
}

// EnsureMapped ensures a multi-page slot is contiguously mapped; since
// this pool always keeps one contiguous mapping per file, growing that
// mapping (done at Allocate time already) is sufficient, so this is a
// cheap bounds check in practice.
func (p *ScratchBufferPool) EnsureMapped(fileID int, slot uint64, n int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	f, ok := p.files[fileID]
	if !ok {
		return newErr("ScratchBufferPool.EnsureMapped", KindInvalidOperation,
			errors.Errorf("unknown scratch file %d", fileID))
	}
	if int(slot)+n > f.capacity {
		return f.grow(int(slot) + n)
	}
	return nil
}

// Free releases a slot: it marks the slot free and records the releasing
// transaction's id as the drain watermark reclaimLocked checks. The
// slot's pages are never handed out again by Allocate.
func (p *ScratchBufferPool) Free(fileID int, slot uint64, tx *LowLevelTransaction) {
	p.mu.Lock()
	defer p.mu.Unlock()
	f, ok := p.files[fileID]
	if !ok {
		return
	}
	for i := range f.slots {
		if f.slots[i].start == pgid(slot) {
			f.slots[i].free = true
			f.slots[i].pendingSinceTxID = tx.id
			return
		}
	}
}

// BreakLargeAllocationToSeparatePages splits an overflow allocation of N
// pages into N single-page allocations occupying the same bytes, each
// with its own metadata. The original handle's bytes are untouched;
// only the slot bookkeeping changes so each page can be tracked (and
// later freed) independently.
func (p *ScratchBufferPool) BreakLargeAllocationToSeparatePages(ref PageFromScratch) []PageFromScratch {
	p.mu.Lock()
	defer p.mu.Unlock()
	f, ok := p.files[ref.ScratchFileID]
	if ok {
		for i := range f.slots {
			if f.slots[i].start == pgid(ref.PositionInScratchBuffer) {
				kept := f.slots[:i]
				kept = append(kept, f.slots[i+1:]...)
				for j := 0; j < ref.NumberOfPages; j++ {
					kept = append(kept, scratchSlot{start: pgid(ref.PositionInScratchBuffer) + pgid(j), n: 1})
				}
				f.slots = kept
				break
			}
		}
	}

	out := make([]PageFromScratch, ref.NumberOfPages)
	for i := 0; i < ref.NumberOfPages; i++ {
		out[i] = PageFromScratch{
			ScratchFileID:           ref.ScratchFileID,
			PositionInScratchBuffer: ref.PositionInScratchBuffer + uint64(i),
			NumberOfPages:           1,
			NumberOfPagesOriginally: ref.NumberOfPagesOriginally,
		}
	}
	return out
}

// GetPagerStatesOfAllScratches returns a snapshot of pager states for
// read transactions to pin, keyed by scratch file id.
func (p *ScratchBufferPool) GetPagerStatesOfAllScratches() map[int]*PagerState {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[int]*PagerState, len(p.files))
	for id, f := range p.files {
		f.pagerState.AddRef()
		out[id] = f.pagerState
	}
	return out
}

// InUseCount reports how many pages across every scratch file are
// currently allocated (not free). Exposed for tests verifying rollback
// returns the pool to its pre-transaction size (spec scenario S5).
func (p *ScratchBufferPool) InUseCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, f := range p.files {
		for _, s := range f.slots {
			if !s.free {
				n += s.n
			}
		}
	}
	return n
}
