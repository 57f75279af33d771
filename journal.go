package pagedb

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

// TransactionId is a strictly increasing identifier issued by
// StorageEnvironment. It is never reused: if T1 committed before T2
// started, T1.ID < T2.ID.
type TransactionId uint64

// transactionHeaderMarker tags the first page of every committed
// transaction recorded in the journal.
const transactionHeaderMarker uint64 = 0x5041474544425458 // "PAGEDBTX"

// TransactionHeader is the one page prepended to every committed
// transaction in the journal (spec sections 3 and 6).
type TransactionHeader struct {
	Marker            uint64
	TransactionID     TransactionId
	PreviousRoot      pgid
	NewRoot           pgid
	NextPageNumber    pgid
	LastPageNumber    pgid
	PageCount         uint32
	UncompressedSize  uint32
	CompressedSize    uint32
	Hash              uint64
	TimestampUnixNano int64
	Commit            bool
}

func (h *TransactionHeader) marshal() []byte {
	buf := make([]byte, 0, 96)
	var tmp [8]byte
	putU64 := func(v uint64) {
		binary.LittleEndian.PutUint64(tmp[:], v)
		buf = append(buf, tmp[:]...)
	}
	putU32 := func(v uint32) {
		var t [4]byte
		binary.LittleEndian.PutUint32(t[:], v)
		buf = append(buf, t[:]...)
	}
	putU64(h.Marker)
	putU64(uint64(h.TransactionID))
	putU64(uint64(h.PreviousRoot))
	putU64(uint64(h.NewRoot))
	putU64(uint64(h.NextPageNumber))
	putU64(uint64(h.LastPageNumber))
	putU32(h.PageCount)
	putU32(h.UncompressedSize)
	putU32(h.CompressedSize)
	putU64(h.Hash)
	putU64(uint64(h.TimestampUnixNano))
	if h.Commit {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	return buf
}

// marshalJournalFrame lays out one durable journal record as two
// length-prefixed sections: the (already hash/size-stamped) transaction
// header, then the zstd-compressed page payload. This is the on-disk
// format `WriteToJournal` appends to the active journal file.
func marshalJournalFrame(header TransactionHeader, compressed []byte) []byte {
	hb := header.marshal()
	buf := make([]byte, 0, 8+len(hb)+len(compressed))
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], uint32(len(hb)))
	buf = append(buf, tmp[:]...)
	buf = append(buf, hb...)
	binary.LittleEndian.PutUint32(tmp[:], uint32(len(compressed)))
	buf = append(buf, tmp[:]...)
	buf = append(buf, compressed...)
	return buf
}

// pageVersion is the most recent bytes and owning transaction id for one
// logical page number, as recorded in a journal file's page-translation
// table.
type pageVersion struct {
	txID TransactionId
	data []byte
}

// JournalSnapshot is an immutable view of one journal file's
// page-translation table, frozen at the moment a read transaction began.
// Later commits to the live file never alter an already-taken snapshot.
type JournalSnapshot struct {
	fileID int
	table  map[pgid]pageVersion
}

// ReadPage returns the bytes visible through this snapshot for p, if the
// journal ever recorded a version of it.
func (s JournalSnapshot) ReadPage(p pgid) ([]byte, bool) {
	v, ok := s.table[p]
	if !ok {
		return nil, false
	}
	return v.data, true
}

// journalFile is one append-only log of committed page mutations, backed
// by a real file durably fsynced on every write, plus the in-memory
// page-translation table that lets readers and the writer itself find
// the latest committed version of a page without touching the data file.
type journalFile struct {
	id    int
	mu    sync.RWMutex
	table map[pgid]pageVersion
	file  *os.File
}

func newJournalFile(dir string, id int) (*journalFile, error) {
	path := filepath.Join(dir, fmt.Sprintf("%08d.journal", id))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o666)
	if err != nil {
		return nil, errors.Wrapf(err, "open journal file %s", path)
	}
	return &journalFile{id: id, table: make(map[pgid]pageVersion), file: f}, nil
}

func (jf *journalFile) snapshot() JournalSnapshot {
	jf.mu.RLock()
	defer jf.mu.RUnlock()
	cloned := make(map[pgid]pageVersion, len(jf.table))
	for k, v := range jf.table {
		cloned[k] = v
	}
	return JournalSnapshot{fileID: jf.id, table: cloned}
}

// maxTransactionIDLocked reports the highest transaction id recorded in
// this file's translation table; used by the duplicate-id guard.
func (jf *journalFile) maxTransactionIDLocked() TransactionId {
	var max TransactionId
	for _, v := range jf.table {
		if v.txID > max {
			max = v.txID
		}
	}
	return max
}

func (jf *journalFile) close() error { return jf.file.Close() }

// Journal owns the (here: single-file) sequence of journal files
// and the durable log backing them.
type Journal struct {
	mu       sync.Mutex
	dir      string
	noSync   bool
	files    []*journalFile
	active   *journalFile
	nextID   int
	encoder  *zstd.Encoder
	decoder  *zstd.Decoder
	log      zerolog.Logger
	lazyFlag bool // HasDataInLazyTxBuffer latch; monotone per spec section 9
}

// NewJournal constructs a Journal with one active file durably backed by
// dir (created if absent). noSync skips the fdatasync call after every
// append, mirroring the same speed/durability trade-off spec section 6's
// Options.NoSync offers for the data file.
func NewJournal(dir string, noSync bool, log zerolog.Logger) (*Journal, error) {
	if err := os.MkdirAll(dir, 0o777); err != nil {
		return nil, errors.Wrapf(err, "create journal directory %s", dir)
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, errors.Wrap(err, "create zstd encoder")
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, errors.Wrap(err, "create zstd decoder")
	}
	j := &Journal{dir: dir, noSync: noSync, encoder: enc, decoder: dec, log: log}
	jf, err := newJournalFile(dir, j.nextID)
	if err != nil {
		return nil, err
	}
	j.active = jf
	j.files = append(j.files, jf)
	j.nextID++
	return j, nil
}

// GetSnapshots returns an atomic snapshot of every journal file's
// page-translation table as of this call. Read transactions hold the
// result for their lifetime.
func (j *Journal) GetSnapshots() []JournalSnapshot {
	j.mu.Lock()
	files := append([]*journalFile(nil), j.files...)
	j.mu.Unlock()

	out := make([]JournalSnapshot, len(files))
	for i, f := range files {
		out[i] = f.snapshot()
	}
	return out
}

// ReadPageFromSnapshots returns the most recent version of p visible to snapshots, or
// false if the journal has never recorded p (i.e. it lives only in the
// data file). Snapshots are scanned newest file first.
func ReadPageFromSnapshots(snapshots []JournalSnapshot, p pgid) ([]byte, bool) {
	for i := len(snapshots) - 1; i >= 0; i-- {
		if b, ok := snapshots[i].ReadPage(p); ok {
			return b, true
		}
	}
	return nil, false
}

// assertNoDuplicateTransactionID is the fatal pre-write guard from spec
// section 4.5.1.a: no journal file may already hold a record for a
// transaction id >= id.
func (j *Journal) assertNoDuplicateTransactionID(id TransactionId) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, f := range j.files {
		f.mu.RLock()
		max := f.maxTransactionIDLocked()
		f.mu.RUnlock()
		if max >= id {
			return newErr("Journal.assertNoDuplicateTransactionID", KindDuplicateTransactionId,
				errors.Errorf("journal file %d already holds transaction id %d >= new id %d", f.id, max, id))
		}
	}
	return nil
}

// writtenPage is one dirty page handed to WriteToJournal: its logical
// number and the full header-plus-payload bytes of its run, exactly as
// they would sit in the mapped data file.
type writtenPage struct {
	number pgid
	bytes  []byte
}

// WriteToJournal durably records tx's header and dirty pages as one
// frame appended to the active journal file, fsyncs it (unless NoSync is
// set), and only then publishes the pages into the active file's live
// translation table. After this returns without error the transaction is
// considered committed, even if a later step in Commit fails — in which
// case the caller latches catastrophic failure rather than attempt to
// undo this. headerBytes is recorded in the durable frame for recovery
// but, unlike pages, is never inserted into the page-translation table:
// it is transaction metadata, not a logical page, and has no page number
// of its own.
func (j *Journal) WriteToJournal(tx *LowLevelTransaction, headerBytes []byte, pages []writtenPage, header TransactionHeader) (int, error) {
	var uncompressed bytes.Buffer
	uncompressed.Write(headerBytes)
	for _, p := range pages {
		uncompressed.Write(p.bytes)
	}

	hash := xxhash.Sum64(uncompressed.Bytes())
	header.Hash = hash
	header.UncompressedSize = uint32(uncompressed.Len())

	compressed := j.encoder.EncodeAll(uncompressed.Bytes(), nil)
	header.CompressedSize = uint32(len(compressed))

	frame := marshalJournalFrame(header, compressed)

	j.mu.Lock()
	active := j.active
	j.mu.Unlock()

	active.mu.Lock()
	defer active.mu.Unlock()

	if _, err := active.file.Write(frame); err != nil {
		return 0, errors.Wrap(err, "write journal frame")
	}
	if !j.noSync {
		if err := unix.Fdatasync(int(active.file.Fd())); err != nil {
			return 0, errors.Wrap(err, "fdatasync journal file")
		}
	}

	for _, p := range pages {
		active.table[p.number] = pageVersion{txID: tx.id, data: p.bytes}
	}

	j.log.Debug().
		Uint64("txid", uint64(tx.id)).
		Int("pages", len(pages)).
		Int("frame_bytes", len(frame)).
		Uint32("compressed_bytes", header.CompressedSize).
		Msg("journal: transaction flushed")

	return len(pages), nil
}

// HasDataInLazyTxBuffer reports whether prior lazy transactions are
// still buffered in memory. Per spec section 9 this is a one-way latch:
// it flips true on assignment and is never reset.
func (j *Journal) HasDataInLazyTxBuffer() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.lazyFlag
}

// MarkLazyTransactionBuffered sets the one-way latch above.
func (j *Journal) MarkLazyTransactionBuffered() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.lazyFlag = true
}

// UpdateCacheForJournalSnapshots invalidates any cached snapshot view
// after a rollback. The live translation tables are the only state a
// snapshot is built from, and rollback never wrote into them, so in
// this implementation there is nothing further to invalidate; the call
// exists to preserve the interface spec section 4.3 requires of callers.
func (j *Journal) UpdateCacheForJournalSnapshots() {}

// Close closes every journal file's handle. Callers must ensure no
// transaction is still writing to the journal before calling this.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	var firstErr error
	for _, f := range j.files {
		if err := f.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// now is a package variable so the clock used for header timestamps can
// be replaced.
var now = time.Now
