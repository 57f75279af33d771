package pagedb

import "sync"

// FreeSpaceHandler tracks page numbers freed by earlier transactions
// that are safe to reuse. Its own bookkeeping is opaque to the core —
// real implementations persist it in pages and recurse back into a
// LowLevelTransaction to do so — this package only requires the two
// calls below and reentrancy safety.
type FreeSpaceHandler interface {
	// TryAllocateFromFreeSpace returns a page number with n contiguous
	// free pages starting at it, if one is available.
	TryAllocateFromFreeSpace(tx *LowLevelTransaction, n int) (pgid, bool)
	// FreePage records p (and, implicitly, any run it heads) as free
	// for reuse by a future transaction once it is safe to do so.
	FreePage(tx *LowLevelTransaction, p pgid)
}

// inMemoryFreeSpaceHandler is a minimal, non-persistent FreeSpaceHandler.
// A production engine persists this bookkeeping in pages of its own (and
// is reentrant with the very transaction machinery it serves); this
// implementation keeps the same two-call contract without that
// complexity, since the spec treats the allocator's internals as an
// external collaborator referenced only by its interface. Its FreePage
// records only the single page p as free; the rest of a run that p
// heads is not recorded.
type inMemoryFreeSpaceHandler struct {
	mu    sync.Mutex
	runs  map[pgid]int // free run start -> length
}

// NewInMemoryFreeSpaceHandler constructs the bundled FreeSpaceHandler
// implementation.
func NewInMemoryFreeSpaceHandler() FreeSpaceHandler {
	return &inMemoryFreeSpaceHandler{runs: make(map[pgid]int)}
}

func (h *inMemoryFreeSpaceHandler) TryAllocateFromFreeSpace(tx *LowLevelTransaction, n int) (pgid, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for start, length := range h.runs {
		if length < n {
			continue
		}
		delete(h.runs, start)
		if length > n {
			h.runs[start+pgid(n)] = length - n
		}
		return start, true
	}
	return 0, false
}

func (h *inMemoryFreeSpaceHandler) FreePage(tx *LowLevelTransaction, p pgid) {
	h.mu.Lock()
	defer h.mu.Unlock()
	// Coalesce with an adjacent run ending exactly at p, if any; this
	// keeps long-running workloads from fragmenting the free list into
	// one entry per freed page.
	for start, length := range h.runs {
		if start+pgid(length) == p {
			h.runs[start] = length + 1
			return
		}
	}
	h.runs[p] = 1
}
