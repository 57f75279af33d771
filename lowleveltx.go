package pagedb

import (
	"math"
	"sync"

	"github.com/pkg/errors"
)

// TxFlags distinguishes a read-only transaction from a read/write one.
type TxFlags uint8

const (
	Read TxFlags = iota
	ReadWrite
)

// LowLevelTransaction is the core engine: per-transaction state, page
// read/modify/allocate/free, commit, rollback, and the snapshot
// isolation that makes all of it safe under one writer and many
// concurrent readers.
type LowLevelTransaction struct {
	env      *StorageEnvironment
	id       TransactionId
	flags    TxFlags
	writable bool

	state State

	pagerState        *PagerState   // reference to the data file mapping
	scratchPagerStates map[int]*PagerState // only held for read transactions
	journalSnapshots  []JournalSnapshot

	freeSpace FreeSpaceHandler

	// Write-transaction-only state below. The three maps are borrowed
	// from the environment's WriteTransactionPool; everything else is
	// allocated fresh per transaction.
	dirtyPages         map[pgid]struct{}
	scratchPagesTable  map[pgid]PageFromScratch
	dirtyOverflowPages map[pgid]int

	freedPages          map[pgid]struct{}
	unusedScratch       []PageFromScratch
	transactionPages    map[pgid]struct{}
	pagesToFreeOnCommit []pgid

	headerSlot PageFromScratch
	header     TransactionHeader

	allocatedPagesInTransaction int
	overflowPagesInTransaction  int

	commitHandlers []func()

	mu         sync.Mutex
	committed  bool
	rolledBack bool
	disposed   bool
	flushedToJournal bool
}

// BeginRead opens a read-only transaction bound to the environment's
// state as of this call.
func (e *StorageEnvironment) BeginRead() (*LowLevelTransaction, error) {
	return e.begin(Read, nil)
}

// BeginWrite opens the (exclusive) write transaction. It blocks until no
// other write transaction is active.
func (e *StorageEnvironment) BeginWrite(freeSpace FreeSpaceHandler) (*LowLevelTransaction, error) {
	e.writeMu.Lock()
	tx, err := e.begin(ReadWrite, freeSpace)
	if err != nil {
		e.writeMu.Unlock()
		return nil, err
	}
	return tx, nil
}

func (e *StorageEnvironment) begin(flags TxFlags, freeSpace FreeSpaceHandler) (*LowLevelTransaction, error) {
	if fatal, cause := e.IsCatastrophicallyFailed(); fatal {
		return nil, newErr("StorageEnvironment.begin", KindCatastrophicFailure, cause)
	}

	id := e.nextTransactionID()
	if freeSpace == nil {
		freeSpace = e.FreeSpace
	}

	tx := &LowLevelTransaction{
		env:       e,
		id:        id,
		flags:     flags,
		writable:  flags == ReadWrite,
		state:     e.CurrentState(),
		freeSpace: freeSpace,
	}

	if !tx.writable {
		tx.scratchPagerStates = e.Scratch.GetPagerStatesOfAllScratches()
		tx.journalSnapshots = e.Journal.GetSnapshots()
		tx.pagerState = e.Pager.currentState()
		e.registerActive(id)
		return tx, nil
	}

	if err := e.Journal.assertNoDuplicateTransactionID(id); err != nil {
		e.LatchCatastrophicFailure(err)
		return nil, err
	}

	pool := e.borrowWriteTransactionPool()
	tx.dirtyPages = pool.dirtyPages
	tx.scratchPagesTable = pool.scratchPagesTable
	tx.dirtyOverflowPages = pool.dirtyOverflowPages
	tx.freedPages = make(map[pgid]struct{})
	tx.transactionPages = make(map[pgid]struct{})
	tx.journalSnapshots = e.Journal.GetSnapshots()
	tx.pagerState = e.Pager.currentState()

	if err := tx.initTransactionHeader(); err != nil {
		return nil, err
	}

	e.registerActive(id)
	return tx, nil
}

// ID returns the transaction's id.
func (tx *LowLevelTransaction) ID() TransactionId { return tx.id }

// Writable reports whether this is a write transaction.
func (tx *LowLevelTransaction) Writable() bool { return tx.writable }

func (tx *LowLevelTransaction) checkOpen(op string) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.disposed {
		return newErr(op, KindObjectDisposed, errors.New("transaction disposed"))
	}
	return nil
}

func (tx *LowLevelTransaction) initTransactionHeader() error {
	slot, err := tx.env.Scratch.Allocate(tx, 1)
	if err != nil {
		return err
	}
	tx.headerSlot = slot
	view, err := tx.env.Scratch.ReadPage(slot.ScratchFileID, slot.PositionInScratchBuffer)
	if err != nil {
		return err
	}
	for i := range view.bytes {
		view.bytes[i] = 0
	}

	tx.header = TransactionHeader{
		Marker:         transactionHeaderMarker,
		TransactionID:  tx.id,
		PreviousRoot:   tx.state.RootPageNumber,
		NextPageNumber: tx.state.NextPageNumber,
		TimestampUnixNano: now().UnixNano(),
	}
	return nil
}

// GetPage is the three-tier lookup: transaction-local scratch table
// first (write transactions only), then the journal snapshot, then the
// mapped data file. The returned page's PageNumber always equals p.
func (tx *LowLevelTransaction) GetPage(p pgid) (Page, error) {
	if err := tx.checkOpen("LowLevelTransaction.GetPage"); err != nil {
		return Page{}, err
	}

	if tx.writable {
		if ref, ok := tx.scratchPagesTable[p]; ok {
			pg, err := tx.env.Scratch.ReadPage(ref.ScratchFileID, ref.PositionInScratchBuffer)
			if err != nil {
				return Page{}, err
			}
			pg.ptr.fastCheck(p)
			return pg, nil
		}
	}

	if bytes, ok := ReadPageFromSnapshots(tx.journalSnapshots, p); ok {
		pg := pageFromOwnedBytes(bytes)
		pg.ptr.fastCheck(p)
		return pg, nil
	}

	pg, err := tx.env.Pager.ReadPage(tx.pagerState, p)
	if err != nil {
		return Page{}, err
	}
	pg.ptr.fastCheck(p)
	return pg, nil
}

func pageFromOwnedBytes(b []byte) Page {
	return newPageView(unsafePointerOf(b), len(b))
}

// ModifyPage performs copy-on-write exactly once per transaction: the
// first call for a given page number allocates a fresh scratch slot
// under the same logical page number and copies the old bytes into it;
// every subsequent call for that page returns the same scratch version.
func (tx *LowLevelTransaction) ModifyPage(p pgid) (Page, error) {
	if !tx.writable {
		return Page{}, newErr("LowLevelTransaction.ModifyPage", KindInvalidOperation,
			errors.New("ModifyPage called on a read-only transaction"))
	}
	if err := tx.checkOpen("LowLevelTransaction.ModifyPage"); err != nil {
		return Page{}, err
	}

	if ref, ok := tx.scratchPagesTable[p]; ok {
		return tx.env.Scratch.ReadPage(ref.ScratchFileID, ref.PositionInScratchBuffer)
	}

	current, err := tx.GetPage(p)
	if err != nil {
		return Page{}, err
	}

	n := 1
	if current.IsOverflow() {
		n = current.ptr.numberOfPagesInRun(tx.env.Pager.PageSize())
	}

	newPage, err := tx.allocatePage(n, &p, nil, true)
	if err != nil {
		return Page{}, err
	}
	copy(newPage.bytes, current.bytes)
	newPage.ptr.flags = current.ptr.flags
	newPage.ptr.overflowSize = current.ptr.overflowSize
	newPage.ptr.domainFlags = current.ptr.domainFlags
	return newPage, nil
}

// AllocatePage allocates n contiguous pages. If pageNumber is nil, the
// page number comes from the free-space handler first, falling back to
// the tail of the file (state.NextPageNumber).
func (tx *LowLevelTransaction) AllocatePage(n int, pageNumber *pgid, previousPage *pgid, zero bool) (Page, error) {
	if !tx.writable {
		return Page{}, newErr("LowLevelTransaction.AllocatePage", KindInvalidOperation,
			errors.New("AllocatePage called on a read-only transaction"))
	}
	if err := tx.checkOpen("LowLevelTransaction.AllocatePage"); err != nil {
		return Page{}, err
	}
	var prevRef *PageFromScratch
	if previousPage != nil {
		if ref, ok := tx.scratchPagesTable[*previousPage]; ok {
			refCopy := ref
			prevRef = &refCopy
		}
	}
	return tx.allocatePage(n, pageNumber, prevRef, zero)
}

func (tx *LowLevelTransaction) allocatePage(n int, pageNumber *pgid, previousVersion *PageFromScratch, zero bool) (Page, error) {
	var pn pgid
	if pageNumber != nil {
		pn = *pageNumber
	} else if freed, ok := tx.freeSpace.TryAllocateFromFreeSpace(tx, n); ok {
		pn = freed
	} else {
		pn = tx.state.NextPageNumber
		tx.state.NextPageNumber += pgid(n)
	}

	if max := tx.env.Pager.MaxStorageSize(); max > 0 {
		if int64(pn+pgid(n))*int64(tx.env.Pager.PageSize()) > max {
			return Page{}, newErr("LowLevelTransaction.AllocatePage", KindQuotaExceeded,
				errors.Errorf("page %d (run of %d) would exceed quota of %d bytes", pn, n, max))
		}
	}

	slot, err := tx.env.Scratch.Allocate(tx, n)
	if err != nil {
		return Page{}, err
	}
	if previousVersion != nil {
		slot.PreviousVersion = previousVersion
	}

	tx.transactionPages[pn] = struct{}{}
	tx.allocatedPagesInTransaction++
	if n > 1 {
		tx.overflowPagesInTransaction += n - 1
		if err := tx.env.Scratch.EnsureMapped(slot.ScratchFileID, slot.PositionInScratchBuffer, n); err != nil {
			return Page{}, err
		}
	}

	tx.scratchPagesTable[pn] = slot
	tx.dirtyPages[pn] = struct{}{}
	if n > 1 {
		tx.dirtyOverflowPages[pn+1] = n - 1
	}

	pg, err := tx.env.Scratch.ReadPage(slot.ScratchFileID, slot.PositionInScratchBuffer)
	if err != nil {
		return Page{}, err
	}
	pageSize := tx.env.Pager.PageSize()
	pg = pageFromOwnedBytes(rawPageBytes(pg.ptr, n*pageSize))
	if zero {
		for i := range pg.bytes {
			pg.bytes[i] = 0
		}
	}
	pg.ptr.id = pn
	if n > 1 {
		pg.ptr.flags = pageFlagOverflow
		pg.ptr.overflowSize = uint32(n * (pageSize - int(pageHeaderSize)))
	} else {
		pg.ptr.flags = pageFlagSingle
	}
	return pg, nil
}

// AllocateOverflowRawPage allocates a run sized to hold byteCount bytes
// of caller payload and stamps it as an overflow page of that size.
func (tx *LowLevelTransaction) AllocateOverflowRawPage(byteCount int, pageNumber *pgid, previousPage *pgid, zero bool) (Page, error) {
	if byteCount > math.MaxInt32-1 {
		return Page{}, newErr("LowLevelTransaction.AllocateOverflowRawPage", KindInvalidAllocation,
			errors.Errorf("byte count %d exceeds maximum allocation size", byteCount))
	}
	n := tx.env.Pager.GetNumberOfOverflowPages(byteCount)
	pg, err := tx.AllocatePage(n, pageNumber, previousPage, zero)
	if err != nil {
		return Page{}, err
	}
	pg.ptr.flags = pageFlagOverflow
	pg.ptr.overflowSize = uint32(byteCount)
	return pg, nil
}

// AllocatePages allocates one overflow page per element of sizes, each
// sized to hold that many bytes, and returns the handles in order. If
// total is given explicitly it must agree with sum(sizes). Each element
// is a separate AllocateOverflowRawPage call, not a slice of one shared
// run: the page numbers are consecutive only when every allocation is
// taken from the tail of the file rather than from free space.
//
// The upstream implementation this was distilled from computes the
// default total by summing the loop index instead of each element's
// size — see DESIGN.md. This implementation sums the actual element
// sizes.
func (tx *LowLevelTransaction) AllocatePages(sizes []int, total *int) ([]Page, error) {
	sum := 0
	for _, sz := range sizes {
		sum += sz
	}
	if total != nil && *total != sum {
		return nil, newErr("LowLevelTransaction.AllocatePages", KindInvalidOperation,
			errors.Errorf("declared total %d disagrees with sum of element sizes %d", *total, sum))
	}

	out := make([]Page, len(sizes))
	for i, sz := range sizes {
		pg, err := tx.AllocateOverflowRawPage(sz, nil, nil, true)
		if err != nil {
			return nil, err
		}
		out[i] = pg
	}
	return out, nil
}

// BreakLargeAllocationToSeparatePages splits an overflow page allocated
// earlier in this same transaction into one single-page allocation per
// page in the run.
func (tx *LowLevelTransaction) BreakLargeAllocationToSeparatePages(p pgid) error {
	ref, ok := tx.scratchPagesTable[p]
	if !ok || ref.NumberOfPages <= 1 {
		return newErr("LowLevelTransaction.BreakLargeAllocationToSeparatePages", KindInvalidOperation,
			errors.Errorf("page %d was not allocated as a multi-page run in this transaction", p))
	}

	splits := tx.env.Scratch.BreakLargeAllocationToSeparatePages(ref)
	n := ref.NumberOfPages

	delete(tx.dirtyOverflowPages, p+1)
	for i, split := range splits {
		pn := p + pgid(i)
		tx.scratchPagesTable[pn] = split
		tx.transactionPages[pn] = struct{}{}
		tx.dirtyPages[pn] = struct{}{}

		pg, err := tx.env.Scratch.ReadPage(split.ScratchFileID, split.PositionInScratchBuffer)
		if err != nil {
			return err
		}
		pg.ptr.id = pn
		pg.ptr.flags = pageFlagSingle
		pg.ptr.overflowSize = 0
	}

	tx.allocatedPagesInTransaction += n - 1
	tx.overflowPagesInTransaction -= n - 1
	return nil
}

// FreePageOnCommit defers a FreePage call until commit time, so pages
// freed mid-transaction remain valid for reads earlier in the same
// transaction.
func (tx *LowLevelTransaction) FreePageOnCommit(p pgid) {
	tx.pagesToFreeOnCommit = append(tx.pagesToFreeOnCommit, p)
}

// FreePage eagerly frees p: it stops being reachable through this
// transaction's scratch table immediately.
func (tx *LowLevelTransaction) FreePage(p pgid) {
	tx.freedPages[p] = struct{}{}
	tx.freeSpace.FreePage(tx, p)

	if ref, ok := tx.scratchPagesTable[p]; ok {
		delete(tx.transactionPages, p)
		tx.unusedScratch = append(tx.unusedScratch, ref)
		delete(tx.scratchPagesTable, p)
		delete(tx.dirtyPages, p)

		tx.allocatedPagesInTransaction--
		if ref.NumberOfPages > 1 {
			tx.overflowPagesInTransaction -= ref.NumberOfPages - 1
			delete(tx.dirtyOverflowPages, p+1)
		}
	}
}

// Commit is a no-op for read transactions. For write transactions it
// drains pending frees, finalizes and durably writes the transaction
// header and every dirty page through the journal, then publishes the
// new environment state. Any failure after WriteToJournal returns
// latches catastrophic failure: at that point the write is durable but
// this process's in-memory bookkeeping cannot be trusted to match it.
func (tx *LowLevelTransaction) Commit() error {
	if !tx.writable {
		return nil
	}
	tx.mu.Lock()
	if tx.disposed {
		tx.mu.Unlock()
		return newErr("LowLevelTransaction.Commit", KindObjectDisposed, errors.New("transaction disposed"))
	}
	if tx.committed || tx.rolledBack {
		tx.mu.Unlock()
		return newErr("LowLevelTransaction.Commit", KindInvalidOperation, errors.New("transaction already completed"))
	}
	tx.mu.Unlock()

	for len(tx.pagesToFreeOnCommit) > 0 {
		last := len(tx.pagesToFreeOnCommit) - 1
		p := tx.pagesToFreeOnCommit[last]
		tx.pagesToFreeOnCommit = tx.pagesToFreeOnCommit[:last]
		tx.FreePage(p)
	}

	tx.header.LastPageNumber = tx.state.NextPageNumber - 1
	tx.header.NewRoot = tx.state.RootPageNumber
	tx.header.PageCount = uint32(tx.allocatedPagesInTransaction)
	tx.header.Commit = true

	var pages []writtenPage
	if tx.allocatedPagesInTransaction+tx.overflowPagesInTransaction > 0 || tx.env.Journal.HasDataInLazyTxBuffer() {
		headerBytes, collected, err := tx.collectWrittenPages()
		if err != nil {
			tx.rollbackLocked()
			return err
		}
		if _, err := tx.env.Journal.WriteToJournal(tx, headerBytes, collected, tx.header); err != nil {
			tx.rollbackLocked()
			return err
		}
		tx.flushedToJournal = true
		pages = collected
	}

	return tx.finishCommit(pages)
}

// collectWrittenPages returns the marshaled transaction-header bytes and
// the full header-plus-payload bytes of every dirty page, exactly as
// they must be durably recorded. Header bytes are kept separate from the
// page list: the header slot carries transaction metadata, not a
// logical page, and must never be inserted into the journal's
// page-translation table under some page number (see Journal.
// WriteToJournal's headerBytes parameter).
func (tx *LowLevelTransaction) collectWrittenPages() ([]byte, []writtenPage, error) {
	headerPg, err := tx.env.Scratch.ReadPage(tx.headerSlot.ScratchFileID, tx.headerSlot.PositionInScratchBuffer)
	if err != nil {
		return nil, nil, err
	}
	copy(headerPg.bytes, tx.header.marshal())
	headerBytes := append([]byte(nil), rawPageBytes(headerPg.ptr, len(headerPg.bytes)+int(pageHeaderSize))...)

	pageSize := tx.env.Pager.PageSize()
	out := make([]writtenPage, 0, len(tx.scratchPagesTable))
	for pn, ref := range tx.scratchPagesTable {
		pg, err := tx.env.Scratch.ReadPage(ref.ScratchFileID, ref.PositionInScratchBuffer)
		if err != nil {
			return nil, nil, err
		}
		total := ref.NumberOfPages * pageSize
		out = append(out, writtenPage{number: pn, bytes: append([]byte(nil), rawPageBytes(pg.ptr, total)...)})
	}
	return headerBytes, out, nil
}

// finishCommit runs the post-durability phase. Any panic here is
// converted into a latched catastrophic failure rather than a normal
// error, matching spec section 4.5.9's "any exception from this point
// corrupts in-memory state" rule.
func (tx *LowLevelTransaction) finishCommit(pages []writtenPage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			cause := errors.Errorf("panic in post-durability commit phase: %v", r)
			tx.env.LatchCatastrophicFailure(cause)
			err = newErr("LowLevelTransaction.Commit", KindCatastrophicFailure, cause)
		}
	}()

	failpointPostJournalWrite()

	tx.env.Scratch.Free(tx.headerSlot.ScratchFileID, tx.headerSlot.PositionInScratchBuffer, tx)
	// The journal's translation table now holds its own durable copy of
	// every dirty page (collectWrittenPages copied the bytes out before
	// WriteToJournal), so the scratch slots backing them can be released
	// back to the pool immediately; no future reader reaches them through
	// this transaction's scratchPagesTable once it is gone.
	for p := range tx.transactionPages {
		if ref, ok := tx.scratchPagesTable[p]; ok {
			tx.env.Scratch.Free(ref.ScratchFileID, ref.PositionInScratchBuffer, tx)
		}
	}
	for _, ref := range tx.unusedScratch {
		tx.env.Scratch.Free(ref.ScratchFileID, ref.PositionInScratchBuffer, tx)
	}

	tx.mu.Lock()
	tx.committed = true
	tx.mu.Unlock()

	tx.env.publishState(tx.state)
	tx.env.enqueueFlush(pages)
	tx.env.fireAfterCommit(tx.id)
	for _, fn := range tx.commitHandlers {
		fn()
	}
	return nil
}

// OnCommit registers a handler run after a successful Commit.
func (tx *LowLevelTransaction) OnCommit(fn func()) {
	tx.commitHandlers = append(tx.commitHandlers, fn)
}

// Rollback discards every change a write transaction made. It is a
// no-op on a read transaction beyond marking it rolled back, since read
// transactions never allocate scratch.
func (tx *LowLevelTransaction) Rollback() error {
	tx.mu.Lock()
	if tx.disposed {
		tx.mu.Unlock()
		return newErr("LowLevelTransaction.Rollback", KindObjectDisposed, errors.New("transaction disposed"))
	}
	if tx.committed || tx.rolledBack {
		tx.mu.Unlock()
		return nil
	}
	tx.mu.Unlock()
	tx.rollbackLocked()
	return nil
}

func (tx *LowLevelTransaction) rollbackLocked() {
	if tx.writable {
		for p := range tx.transactionPages {
			if ref, ok := tx.scratchPagesTable[p]; ok {
				tx.env.Scratch.Free(ref.ScratchFileID, ref.PositionInScratchBuffer, tx)
			}
		}
		for _, ref := range tx.unusedScratch {
			tx.env.Scratch.Free(ref.ScratchFileID, ref.PositionInScratchBuffer, tx)
		}
		tx.env.Scratch.Free(tx.headerSlot.ScratchFileID, tx.headerSlot.PositionInScratchBuffer, tx)
		tx.env.Journal.UpdateCacheForJournalSnapshots()
	}
	tx.mu.Lock()
	tx.rolledBack = true
	tx.mu.Unlock()
}

// Dispose releases every resource this transaction holds. It is
// idempotent: calling it twice is safe. An open write transaction that
// was neither committed nor rolled back is implicitly rolled back.
func (tx *LowLevelTransaction) Dispose() error {
	tx.mu.Lock()
	if tx.disposed {
		tx.mu.Unlock()
		return nil
	}
	needsRollback := tx.writable && !tx.committed && !tx.rolledBack
	tx.disposed = true
	tx.mu.Unlock()

	if needsRollback {
		tx.rollbackLocked()
	}

	if tx.writable {
		tx.env.borrowWriteTransactionPool().reset()
		tx.env.writeMu.Unlock()
	}

	if tx.pagerState != nil {
		tx.pagerState.Release()
	}
	for _, s := range tx.scratchPagerStates {
		s.Release()
	}

	tx.env.deregisterActive(tx.id)
	tx.env.fireCompleted(tx.id)
	return nil
}

// Stats describes counters useful to a commit caller (spec section
// 4.5.9: "populate any requested commit stats").
type Stats struct {
	AllocatedPages int
	OverflowPages  int
	FlushedToJournal bool
}

// Stats returns a snapshot of this transaction's counters.
func (tx *LowLevelTransaction) Stats() Stats {
	return Stats{
		AllocatedPages:   tx.allocatedPagesInTransaction,
		OverflowPages:    tx.overflowPagesInTransaction,
		FlushedToJournal: tx.flushedToJournal,
	}
}

// TransactionPageCount returns the number of logical page numbers this
// transaction currently has a scratch entry for; spec test property 6
// checks this against allocated+overflow counters at commit time.
func (tx *LowLevelTransaction) TransactionPageCount() int {
	return len(tx.transactionPages)
}
