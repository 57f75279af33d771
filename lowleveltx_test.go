package pagedb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLowLevelTransactionAllocateWriteReadBack(t *testing.T) {
	env := openTestEnvironment(t, nil)

	tx, err := env.BeginWrite(nil)
	require.NoError(t, err)

	pg, err := tx.AllocatePage(1, nil, nil, true)
	require.NoError(t, err)
	pn := pg.PageNumber()
	copy(pg.Bytes(), []byte("payload"))

	got, err := tx.GetPage(pn)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(got.Bytes()[:len("payload")]))

	require.NoError(t, tx.Commit())
	require.NoError(t, tx.Dispose())

	read, err := env.BeginRead()
	require.NoError(t, err)
	defer read.Dispose()

	afterCommit, err := read.GetPage(pn)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(afterCommit.Bytes()[:len("payload")]))
}

func TestLowLevelTransactionHeaderNeverClobbersPageZero(t *testing.T) {
	env := openTestEnvironment(t, nil)

	tx, err := env.BeginWrite(nil)
	require.NoError(t, err)
	zero := pgid(0)
	pg, err := tx.AllocatePage(1, &zero, nil, true)
	require.NoError(t, err)
	require.Equal(t, pgid(0), pg.PageNumber())
	copy(pg.Bytes(), []byte("real page zero"))
	require.NoError(t, tx.Commit())
	require.NoError(t, tx.Dispose())

	read, err := env.BeginRead()
	require.NoError(t, err)
	defer read.Dispose()

	got, err := read.GetPage(0)
	require.NoError(t, err)
	assert.Equal(t, "real page zero", string(got.Bytes()[:len("real page zero")]),
		"GetPage(0) must return the committed page, not the transaction header's scratch bytes")
}

func TestLowLevelTransactionModifyPageIsCopyOnWriteOnce(t *testing.T) {
	env := openTestEnvironment(t, nil)

	tx, err := env.BeginWrite(nil)
	require.NoError(t, err)
	pg, err := tx.AllocatePage(1, nil, nil, true)
	require.NoError(t, err)
	pn := pg.PageNumber()
	require.NoError(t, tx.Commit())
	require.NoError(t, tx.Dispose())

	write2, err := env.BeginWrite(nil)
	require.NoError(t, err)

	first, err := write2.ModifyPage(pn)
	require.NoError(t, err)
	first.Bytes()[0] = 0x42

	second, err := write2.ModifyPage(pn)
	require.NoError(t, err)
	assert.Equal(t, byte(0x42), second.Bytes()[0], "a second ModifyPage call must return the same COW version")

	require.NoError(t, write2.Rollback())
	require.NoError(t, write2.Dispose())
}

func TestLowLevelTransactionRollbackDiscardsScratch(t *testing.T) {
	env := openTestEnvironment(t, nil)
	before := env.Scratch.InUseCount()

	tx, err := env.BeginWrite(nil)
	require.NoError(t, err)
	_, err = tx.AllocatePage(1, nil, nil, true)
	require.NoError(t, err)
	assert.Greater(t, env.Scratch.InUseCount(), before)

	require.NoError(t, tx.Rollback())
	require.NoError(t, tx.Dispose())

	assert.Equal(t, before, env.Scratch.InUseCount(), "rollback must return every scratch slot the transaction took")
}

func TestLowLevelTransactionCommitReleasesScratchSlots(t *testing.T) {
	env := openTestEnvironment(t, nil)
	before := env.Scratch.InUseCount()

	tx, err := env.BeginWrite(nil)
	require.NoError(t, err)
	_, err = tx.AllocatePage(1, nil, nil, true)
	require.NoError(t, err)

	require.NoError(t, tx.Commit())
	require.NoError(t, tx.Dispose())

	assert.Equal(t, before, env.Scratch.InUseCount(),
		"once a page's bytes are durable in the journal its scratch slot can be reclaimed")
}

func TestLowLevelTransactionAllocatePagesSumsElementSizes(t *testing.T) {
	env := openTestEnvironment(t, nil)
	tx, err := env.BeginWrite(nil)
	require.NoError(t, err)
	defer tx.Dispose()

	pages, err := tx.AllocatePages([]int{10, 20, 30}, nil)
	require.NoError(t, err)
	assert.Len(t, pages, 3)

	total := 60
	_, err = tx.AllocatePages([]int{10, 20, 30}, &total)
	require.NoError(t, err)

	badTotal := 61
	_, err = tx.AllocatePages([]int{10, 20, 30}, &badTotal)
	require.Error(t, err)
}

func TestLowLevelTransactionAllocateOverflowRawPageRejectsOversize(t *testing.T) {
	env := openTestEnvironment(t, nil)
	tx, err := env.BeginWrite(nil)
	require.NoError(t, err)
	defer tx.Dispose()

	_, err = tx.AllocateOverflowRawPage(1<<31, nil, nil, true)
	require.Error(t, err)
	se, ok := AsStoreError(err)
	require.True(t, ok)
	assert.Equal(t, KindInvalidAllocation, se.Kind)
}

func TestLowLevelTransactionQuotaExceeded(t *testing.T) {
	env := openTestEnvironment(t, &Options{MaxStorageSize: 8192}) // two pages
	tx, err := env.BeginWrite(nil)
	require.NoError(t, err)
	defer tx.Dispose()

	_, err = tx.AllocatePage(1, nil, nil, true)
	require.NoError(t, err)

	_, err = tx.AllocatePage(100, nil, nil, true)
	require.Error(t, err)
	se, ok := AsStoreError(err)
	require.True(t, ok)
	assert.Equal(t, KindQuotaExceeded, se.Kind)
}

func TestLowLevelTransactionDisposeIsIdempotent(t *testing.T) {
	env := openTestEnvironment(t, nil)
	tx, err := env.BeginRead()
	require.NoError(t, err)
	require.NoError(t, tx.Dispose())
	require.NoError(t, tx.Dispose())
}

func TestLowLevelTransactionOperationsAfterDisposeFail(t *testing.T) {
	env := openTestEnvironment(t, nil)
	tx, err := env.BeginRead()
	require.NoError(t, err)
	require.NoError(t, tx.Dispose())

	_, err = tx.GetPage(0)
	require.Error(t, err)
	se, ok := AsStoreError(err)
	require.True(t, ok)
	assert.Equal(t, KindObjectDisposed, se.Kind)
}

func TestLowLevelTransactionFreePageThenOnCommitFreeDeferred(t *testing.T) {
	env := openTestEnvironment(t, nil)
	tx, err := env.BeginWrite(nil)
	require.NoError(t, err)

	pg, err := tx.AllocatePage(1, nil, nil, true)
	require.NoError(t, err)
	pn := pg.PageNumber()

	tx.FreePageOnCommit(pn)
	// The page must still be readable earlier in the same transaction.
	_, err = tx.GetPage(pn)
	require.NoError(t, err)

	require.NoError(t, tx.Commit())
	require.NoError(t, tx.Dispose())
}

func TestLowLevelTransactionBreakLargeAllocationToSeparatePages(t *testing.T) {
	env := openTestEnvironment(t, nil)
	tx, err := env.BeginWrite(nil)
	require.NoError(t, err)
	defer tx.Dispose()

	pg, err := tx.AllocatePage(3, nil, nil, true)
	require.NoError(t, err)
	pn := pg.PageNumber()

	require.NoError(t, tx.BreakLargeAllocationToSeparatePages(pn))
	stats := tx.Stats()
	assert.Equal(t, 0, stats.OverflowPages)
}

func TestStorageEnvironmentSingleWriterSerializesWrites(t *testing.T) {
	env := openTestEnvironment(t, nil)

	tx1, err := env.BeginWrite(nil)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		tx2, err := env.BeginWrite(nil)
		require.NoError(t, err)
		require.NoError(t, tx2.Commit())
		require.NoError(t, tx2.Dispose())
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("second writer must block until the first finishes")
	default:
	}

	require.NoError(t, tx1.Commit())
	require.NoError(t, tx1.Dispose())
	<-done
}
