package pagedb

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Options configures a StorageEnvironment. There is no config file or
// environment-variable layer for this core — spec section 6 is explicit
// that no CLI, env vars, or wire protocols belong here — so Options is
// just a plain struct passed to OpenEnvironment, the way the teacher's own
// bbolt.Options is.
type Options struct {
	PageSize       int
	MaxStorageSize int64
	ReadOnly       bool
	NoSync         bool
	Logger         zerolog.Logger
}

func (o *Options) withDefaults() *Options {
	out := *o
	if out.PageSize == 0 {
		out.PageSize = 4096
	}
	return &out
}

// State is the environment-wide counters every new transaction clones
// into its own local copy at construction: the next unused page number
// and the root page number. The core only threads the root page number
// through into the transaction header; nothing in this package assigns it.
type State struct {
	NextPageNumber pgid
	RootPageNumber pgid
}

func (s State) clone() State { return s }

// writeTransactionPool holds the reusable dirty-set, scratch-table, and
// overflow-dirty-map containers for the single active write transaction.
// Since the environment serializes write-transaction creation, one pool
// is sufficient and needs no lock — only the discipline of resetting it
// before reuse.
type writeTransactionPool struct {
	dirtyPages        map[pgid]struct{}
	scratchPagesTable map[pgid]PageFromScratch
	dirtyOverflowPages map[pgid]int
}

func newWriteTransactionPool() *writeTransactionPool {
	return &writeTransactionPool{
		dirtyPages:         make(map[pgid]struct{}),
		scratchPagesTable:  make(map[pgid]PageFromScratch),
		dirtyOverflowPages: make(map[pgid]int),
	}
}

func (p *writeTransactionPool) reset() {
	for k := range p.dirtyPages {
		delete(p.dirtyPages, k)
	}
	for k := range p.scratchPagesTable {
		delete(p.scratchPagesTable, k)
	}
	for k := range p.dirtyOverflowPages {
		delete(p.dirtyOverflowPages, k)
	}
}

// activeTransactionNode is one entry in the environment's
// active-transaction registry, a map keyed by transaction id. The
// environment holds only these entries; a LowLevelTransaction
// holds an owning reference back to the environment, never the reverse,
// so there is no reference cycle to break on dispose.
type activeTransactionNode struct {
	id TransactionId
}

// StorageEnvironment is the process-wide (per data-directory) singleton:
// transaction id allocator, active-transaction registry, the one
// WriteTransactionPool, the catastrophic-failure latch, and the
// lifecycle hooks higher layers subscribe to.
type StorageEnvironment struct {
	mu                sync.Mutex
	nextTxID          uint64
	active            map[TransactionId]*activeTransactionNode
	writeMu           sync.Mutex // serializes write-transaction creation
	pool              *writeTransactionPool
	catastrophic      atomic.Bool
	catastrophicCause error

	state State

	Pager            *Pager
	Scratch          *ScratchBufferPool
	Journal          *Journal
	FreeSpace        FreeSpaceHandler
	Options          *Options
	Log              zerolog.Logger

	onCompletedMu sync.Mutex
	onCompleted   []func(TransactionId)
	onAfterCommit []func(TransactionId)

	flushCh   chan []writtenPage
	flushDone chan struct{}
}

// OpenEnvironment wires a Pager, ScratchBufferPool, Journal, and
// FreeSpaceHandler into a ready-to-use StorageEnvironment rooted at
// dataFilePath.
func OpenEnvironment(dataFilePath string, opts *Options) (*StorageEnvironment, error) {
	if opts == nil {
		opts = &Options{}
	}
	opts = opts.withDefaults()

	pager, err := OpenPager(dataFilePath, opts.PageSize, opts.MaxStorageSize)
	if err != nil {
		return nil, errors.Wrap(err, "open pager")
	}
	journal, err := NewJournal(dataFilePath+"-journal", opts.NoSync, opts.Logger)
	if err != nil {
		return nil, errors.Wrap(err, "open journal")
	}

	env := &StorageEnvironment{
		active:    make(map[TransactionId]*activeTransactionNode),
		pool:      newWriteTransactionPool(),
		Pager:     pager,
		Scratch:   NewScratchBufferPool(opts.PageSize, 0),
		Journal:   journal,
		FreeSpace: NewInMemoryFreeSpaceHandler(),
		Options:   opts,
		Log:       opts.Logger,
		state:     State{NextPageNumber: 1},
		flushCh:   make(chan []writtenPage, 64),
		flushDone: make(chan struct{}),
	}
	go env.runFlusher()
	env.Log.Info().Str("path", dataFilePath).Msg("environment opened")
	return env, nil
}

// enqueueFlush hands a committed transaction's pages to the background
// flusher. Called from finishCommit, after the journal write is durable:
// the flusher's job is only to move already-durable bytes into the data
// file, never to be the thing that makes them durable in the first
// place. A full channel never blocks the commit on the flusher: the
// batch is flushed inline on the committing goroutine instead, and a
// failure there latches catastrophic failure.
func (e *StorageEnvironment) enqueueFlush(pages []writtenPage) {
	if len(pages) == 0 {
		return
	}
	select {
	case e.flushCh <- pages:
	default:
		e.Log.Warn().Int("pages", len(pages)).Msg("flush queue full; flushing inline")
		if err := e.flushPagesToPager(pages); err != nil {
			e.LatchCatastrophicFailure(errors.Wrap(err, "inline flush to data file"))
		}
	}
}

// runFlusher drains committed pages into the mapped data file. It and
// the inline fallback in enqueueFlush are the only callers of
// Pager.WriteAt. By the time a page reaches this loop its bytes are
// already durable in the journal; nothing replays the journal into the
// data file on open.
func (e *StorageEnvironment) runFlusher() {
	defer close(e.flushDone)
	for pages := range e.flushCh {
		if err := e.flushPagesToPager(pages); err != nil {
			e.LatchCatastrophicFailure(errors.Wrap(err, "background flush to data file"))
			return
		}
	}
}

// flushPagesToPager grows the mapping to cover every page in the batch,
// writes each page's bytes to its offset in the data file, and syncs
// once per batch (unless NoSync is set).
func (e *StorageEnvironment) flushPagesToPager(pages []writtenPage) error {
	pageSize := e.Pager.PageSize()
	var maxPage pgid
	for _, p := range pages {
		n := pgid(len(p.bytes) / pageSize)
		if n == 0 {
			n = 1
		}
		if end := p.number + n; end > maxPage {
			maxPage = end
		}
	}
	if maxPage > 0 {
		if err := e.Pager.Grow(maxPage); err != nil {
			return errors.Wrap(err, "grow data file for flush")
		}
	}
	for _, p := range pages {
		offset := int64(p.number) * int64(pageSize)
		if err := e.Pager.WriteAt(p.bytes, offset); err != nil {
			return errors.Wrapf(err, "write page %d to data file", p.number)
		}
	}
	if !e.Options.NoSync {
		if err := e.Pager.Sync(); err != nil {
			return errors.Wrap(err, "sync data file")
		}
	}
	return nil
}

// nextTransactionID issues a strictly increasing transaction id.
func (e *StorageEnvironment) nextTransactionID() TransactionId {
	return TransactionId(atomic.AddUint64(&e.nextTxID, 1))
}

// CurrentState returns a copy of the environment's State, to be cloned
// into a new transaction's local state at construction.
func (e *StorageEnvironment) CurrentState() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.clone()
}

// publishState atomically advances the environment's State at commit.
func (e *StorageEnvironment) publishState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

// IsCatastrophicallyFailed reports whether the environment has latched a
// fatal condition. Every transaction entry point must check this first.
func (e *StorageEnvironment) IsCatastrophicallyFailed() (bool, error) {
	if e.catastrophic.Load() {
		e.mu.Lock()
		cause := e.catastrophicCause
		e.mu.Unlock()
		return true, cause
	}
	return false, nil
}

// LatchCatastrophicFailure records a fatal condition. All further
// transactions fail fast with it until process restart and recovery.
func (e *StorageEnvironment) LatchCatastrophicFailure(cause error) {
	e.mu.Lock()
	if e.catastrophicCause == nil {
		e.catastrophicCause = cause
	}
	e.mu.Unlock()
	e.catastrophic.Store(true)
	e.Log.Error().Err(cause).Msg("catastrophic failure latched; process must restart")
}

// registerActive adds a transaction to the active-transaction registry.
func (e *StorageEnvironment) registerActive(id TransactionId) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.active[id] = &activeTransactionNode{id: id}
}

// deregisterActive removes a transaction from the registry.
func (e *StorageEnvironment) deregisterActive(id TransactionId) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.active, id)
}

// OldestActiveTransactionID returns the lowest transaction id currently
// registered, or the next id that would be issued if none are active.
// Used by the journal flusher and scratch pool to learn what pages may
// safely be recycled.
func (e *StorageEnvironment) OldestActiveTransactionID() TransactionId {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.active) == 0 {
		return TransactionId(atomic.LoadUint64(&e.nextTxID)) + 1
	}
	oldest := TransactionId(^uint64(0))
	for id := range e.active {
		if id < oldest {
			oldest = id
		}
	}
	return oldest
}

// borrowWriteTransactionPool resets and returns the singleton write pool.
// Only one write transaction is ever active, so no lock is needed beyond
// writeMu, which the caller (BeginWrite) already holds for the
// transaction's lifetime.
func (e *StorageEnvironment) borrowWriteTransactionPool() *writeTransactionPool {
	e.pool.reset()
	return e.pool
}

// OnTransactionCompleted registers a hook invoked when any transaction
// (read or write) finishes disposing.
func (e *StorageEnvironment) OnTransactionCompleted(fn func(TransactionId)) {
	e.onCompletedMu.Lock()
	defer e.onCompletedMu.Unlock()
	e.onCompleted = append(e.onCompleted, fn)
}

// OnTransactionAfterCommit registers a hook invoked after a write
// transaction's post-durability phase finishes successfully.
func (e *StorageEnvironment) OnTransactionAfterCommit(fn func(TransactionId)) {
	e.onCompletedMu.Lock()
	defer e.onCompletedMu.Unlock()
	e.onAfterCommit = append(e.onAfterCommit, fn)
}

func (e *StorageEnvironment) fireCompleted(id TransactionId) {
	e.onCompletedMu.Lock()
	fns := append([]func(TransactionId){}, e.onCompleted...)
	e.onCompletedMu.Unlock()
	for _, fn := range fns {
		fn(id)
	}
}

func (e *StorageEnvironment) fireAfterCommit(id TransactionId) {
	e.onCompletedMu.Lock()
	fns := append([]func(TransactionId){}, e.onAfterCommit...)
	e.onCompletedMu.Unlock()
	for _, fn := range fns {
		fn(id)
	}
}

// Close stops the background flusher, closes the journal, and releases
// the environment's pager. Callers must ensure every transaction has
// been disposed first.
func (e *StorageEnvironment) Close() error {
	close(e.flushCh)
	<-e.flushDone

	var firstErr error
	if err := e.Journal.Close(); err != nil {
		firstErr = err
	}
	if err := e.Pager.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	e.Log.Info().Msg("environment closed")
	return firstErr
}
