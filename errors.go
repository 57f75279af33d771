package pagedb

import (
	"github.com/pkg/errors"
)

// Kind identifies one of the error categories from the error taxonomy:
// most are caller mistakes or resource exhaustion the caller can recover
// from by rolling back, two are fatal and latch the environment.
type Kind int

const (
	// KindObjectDisposed: operation attempted on a disposed transaction.
	KindObjectDisposed Kind = iota
	// KindInvalidOperation: e.g. commit after rollback, write op on a
	// read transaction, a quota breach discovered before any write.
	KindInvalidOperation
	// KindQuotaExceeded: a computed page number would exceed MaxStorageSize.
	KindQuotaExceeded
	// KindScratchBufferFull: the scratch pool could not grow within its
	// configured bounds.
	KindScratchBufferFull
	// KindInvalidAllocation: an allocation request is out of range (e.g.
	// an overflow byte count that would overflow an int).
	KindInvalidAllocation
	// KindDuplicateTransactionId: fatal. A write transaction's id was
	// found already present in a journal file's page-translation table.
	KindDuplicateTransactionId
	// KindCatastrophicFailure: fatal. Raised post-journal-write, on
	// detected corruption, or on pager I/O failure.
	KindCatastrophicFailure
)

func (k Kind) String() string {
	switch k {
	case KindObjectDisposed:
		return "ObjectDisposed"
	case KindInvalidOperation:
		return "InvalidOperation"
	case KindQuotaExceeded:
		return "QuotaExceeded"
	case KindScratchBufferFull:
		return "ScratchBufferFull"
	case KindInvalidAllocation:
		return "InvalidAllocation"
	case KindDuplicateTransactionId:
		return "DuplicateTransactionId"
	case KindCatastrophicFailure:
		return "CatastrophicFailure"
	default:
		return "Unknown"
	}
}

// Fatal reports whether an error of this kind latches the environment's
// catastrophic-failure condition. Callers should never need a type switch
// to tell the difference between a recoverable and a fatal store error.
func (k Kind) Fatal() bool {
	return k == KindDuplicateTransactionId || k == KindCatastrophicFailure
}

// StoreError is the concrete error type every fallible operation in this
// package returns. It carries a Kind plus whatever context pkg/errors
// attached (stack trace, wrapped cause).
type StoreError struct {
	Kind Kind
	Op   string
	err  error
}

func (e *StoreError) Error() string {
	if e.err == nil {
		return e.Op + ": " + e.Kind.String()
	}
	return e.Op + ": " + e.Kind.String() + ": " + e.err.Error()
}

func (e *StoreError) Unwrap() error { return e.err }

func (e *StoreError) Fatal() bool { return e.Kind.Fatal() }

// newErr builds a StoreError, attaching a stack trace via pkg/errors so
// the fatal kinds are diagnosable after the fact even though the process
// is expected to be restarted.
func newErr(op string, kind Kind, cause error) *StoreError {
	var wrapped error
	if cause != nil {
		wrapped = errors.WithStack(cause)
	}
	return &StoreError{Kind: kind, Op: op, err: wrapped}
}

// AsStoreError unwraps err looking for a *StoreError, the same idiom
// pkg/errors users reach for instead of a bare type assertion.
func AsStoreError(err error) (*StoreError, bool) {
	var se *StoreError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// IsFatal reports whether err (or anything it wraps) is a fatal
// StoreError.
func IsFatal(err error) bool {
	se, ok := AsStoreError(err)
	return ok && se.Fatal()
}
