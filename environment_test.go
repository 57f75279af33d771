package pagedb

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenEnvironmentDefaultsPageSize(t *testing.T) {
	env := openTestEnvironment(t, &Options{})
	assert.Equal(t, 4096, env.Pager.PageSize())
}

func TestStorageEnvironmentNextTransactionIDIsMonotonic(t *testing.T) {
	env := openTestEnvironment(t, nil)
	a := env.nextTransactionID()
	b := env.nextTransactionID()
	assert.Less(t, a, b)
}

func TestStorageEnvironmentCatastrophicFailureLatchesOnce(t *testing.T) {
	env := openTestEnvironment(t, nil)
	fatal, _ := env.IsCatastrophicallyFailed()
	assert.False(t, fatal)

	first := errors.New("disk gone")
	second := errors.New("unrelated")
	env.LatchCatastrophicFailure(first)
	env.LatchCatastrophicFailure(second)

	fatal, cause := env.IsCatastrophicallyFailed()
	require.True(t, fatal)
	assert.Equal(t, first, cause, "the first recorded cause wins")
}

func TestStorageEnvironmentOldestActiveTransactionID(t *testing.T) {
	env := openTestEnvironment(t, nil)
	env.registerActive(3)
	env.registerActive(1)
	env.registerActive(2)
	assert.Equal(t, TransactionId(1), env.OldestActiveTransactionID())

	env.deregisterActive(1)
	assert.Equal(t, TransactionId(2), env.OldestActiveTransactionID())
}

func TestStorageEnvironmentTransactionHooksFire(t *testing.T) {
	env := openTestEnvironment(t, nil)

	var completed, afterCommit []TransactionId
	env.OnTransactionCompleted(func(id TransactionId) { completed = append(completed, id) })
	env.OnTransactionAfterCommit(func(id TransactionId) { afterCommit = append(afterCommit, id) })

	tx, err := env.BeginWrite(nil)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	require.NoError(t, tx.Dispose())

	require.Len(t, afterCommit, 1)
	assert.Equal(t, tx.ID(), afterCommit[0])
	require.Len(t, completed, 1)
	assert.Equal(t, tx.ID(), completed[0])
}
