package pagedb

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := NewJournal(t.TempDir(), false, zerolog.Nop())
	require.NoError(t, err)
	return j
}

func TestJournalWriteToJournalThenReadBackFromSnapshot(t *testing.T) {
	j := newTestJournal(t)
	env := &StorageEnvironment{Journal: j}
	tx := &LowLevelTransaction{env: env, id: 1}

	page1 := writtenPage{number: 5, bytes: []byte("hello")}
	n, err := j.WriteToJournal(tx, []byte("header"), []writtenPage{page1}, TransactionHeader{TransactionID: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	snaps := j.GetSnapshots()
	got, ok := ReadPageFromSnapshots(snaps, 5)
	require.True(t, ok)
	assert.Equal(t, []byte("hello"), got)

	_, ok = ReadPageFromSnapshots(snaps, 6)
	assert.False(t, ok)
}

func TestJournalSnapshotIsolationFromLaterWrites(t *testing.T) {
	j := newTestJournal(t)
	env := &StorageEnvironment{Journal: j}
	tx1 := &LowLevelTransaction{env: env, id: 1}
	tx2 := &LowLevelTransaction{env: env, id: 2}

	_, err := j.WriteToJournal(tx1, []byte("header"), []writtenPage{{number: 1, bytes: []byte("v1")}}, TransactionHeader{TransactionID: 1})
	require.NoError(t, err)

	snapBeforeV2 := j.GetSnapshots()

	_, err = j.WriteToJournal(tx2, []byte("header"), []writtenPage{{number: 1, bytes: []byte("v2")}}, TransactionHeader{TransactionID: 2})
	require.NoError(t, err)

	got, ok := ReadPageFromSnapshots(snapBeforeV2, 1)
	require.True(t, ok)
	assert.Equal(t, []byte("v1"), got, "a snapshot must not observe commits made after it was taken")

	snapAfterV2 := j.GetSnapshots()
	got, ok = ReadPageFromSnapshots(snapAfterV2, 1)
	require.True(t, ok)
	assert.Equal(t, []byte("v2"), got)
}

func TestJournalAssertNoDuplicateTransactionID(t *testing.T) {
	j := newTestJournal(t)
	env := &StorageEnvironment{Journal: j}
	tx := &LowLevelTransaction{env: env, id: 5}

	_, err := j.WriteToJournal(tx, []byte("header"), []writtenPage{{number: 1, bytes: []byte("x")}}, TransactionHeader{TransactionID: 5})
	require.NoError(t, err)

	err = j.assertNoDuplicateTransactionID(5)
	require.Error(t, err)
	se, ok := AsStoreError(err)
	require.True(t, ok)
	assert.Equal(t, KindDuplicateTransactionId, se.Kind)
	assert.True(t, se.Fatal())

	assert.NoError(t, j.assertNoDuplicateTransactionID(6))
}

func TestJournalHasDataInLazyTxBufferIsOneWayLatch(t *testing.T) {
	j := newTestJournal(t)
	assert.False(t, j.HasDataInLazyTxBuffer())
	j.MarkLazyTransactionBuffered()
	assert.True(t, j.HasDataInLazyTxBuffer())
	// Nothing ever flips it back.
	j.MarkLazyTransactionBuffered()
	assert.True(t, j.HasDataInLazyTxBuffer())
}

func TestTransactionHeaderMarshalIsFixedLength(t *testing.T) {
	h := TransactionHeader{Marker: transactionHeaderMarker, TransactionID: 9, Commit: true}
	b := h.marshal()
	assert.Len(t, b, 8+8+8+8+8+8+4+4+4+8+8+1)
}

func TestJournalWriteToJournalPersistsToDisk(t *testing.T) {
	dir := t.TempDir()
	j, err := NewJournal(dir, false, zerolog.Nop())
	require.NoError(t, err)

	env := &StorageEnvironment{Journal: j}
	tx := &LowLevelTransaction{env: env, id: 1}

	_, err = j.WriteToJournal(tx, []byte("header"), []writtenPage{{number: 1, bytes: []byte("durable")}}, TransactionHeader{TransactionID: 1})
	require.NoError(t, err)
	require.NoError(t, j.Close())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	fi, err := os.Stat(filepath.Join(dir, entries[0].Name()))
	require.NoError(t, err)
	assert.Greater(t, fi.Size(), int64(0), "WriteToJournal must append real bytes to a file on disk")
}

func TestJournalHeaderBytesNeverEnterPageTranslationTable(t *testing.T) {
	j := newTestJournal(t)
	env := &StorageEnvironment{Journal: j}
	tx := &LowLevelTransaction{env: env, id: 1}

	// A header slot defaults to page number 0, the same number as a real
	// logical page 0. WriteToJournal must never let the header bytes
	// shadow that page in the live translation table.
	_, err := j.WriteToJournal(tx, []byte("this is transaction metadata, not page 0"), nil, TransactionHeader{TransactionID: 1})
	require.NoError(t, err)

	snaps := j.GetSnapshots()
	_, ok := ReadPageFromSnapshots(snaps, 0)
	assert.False(t, ok, "header bytes must never be recorded as a version of page 0")
}
