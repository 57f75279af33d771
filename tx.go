package pagedb

import (
	"github.com/pkg/errors"
)

// Tree is the contract a higher layer (B-tree, fixed-size tree, table)
// implements to participate in a Transaction. pagedb never looks inside
// a Tree; it only needs its root page number, which Transaction keeps by
// name in memory, and gives it a chance to prepare before commit.
type Tree interface {
	// RootPageNumber returns the page this tree's root currently lives
	// at, so Transaction.Commit can record it.
	RootPageNumber() pgid
	// PrepareForCommit lets the tree do any last writes (e.g. flush a
	// dirty node cache into ModifyPage calls) before the low-level
	// transaction commits.
	PrepareForCommit(tx *LowLevelTransaction) error
}

// Transaction is a thin envelope holding a LowLevelTransaction and the
// named subtrees opened within one unit of work. It is the surface
// higher layers (a database handle) actually use; everything it does
// beyond bookkeeping names delegates straight to the low-level
// transaction.
type Transaction struct {
	ll    *LowLevelTransaction
	trees map[string]Tree

	// opener produces a fresh Tree bound to ll for a name this
	// Transaction hasn't seen yet, e.g. wiring a B-tree implementation.
	// Left nil, ReadTree/CreateTree on an unknown name fails.
	opener func(ll *LowLevelTransaction, name string, rootPageNumber pgid, create bool) (Tree, error)

	rootPages map[string]pgid // name -> root page number; starts empty and lives only in this Transaction's memory
}

// NewTransaction wraps an already-open LowLevelTransaction.
func NewTransaction(ll *LowLevelTransaction, opener func(*LowLevelTransaction, string, pgid, bool) (Tree, error)) *Transaction {
	return &Transaction{
		ll:        ll,
		trees:     make(map[string]Tree),
		opener:    opener,
		rootPages: make(map[string]pgid),
	}
}

// LowLevel returns the underlying LowLevelTransaction, for callers that
// need direct page access alongside named trees.
func (t *Transaction) LowLevel() *LowLevelTransaction { return t.ll }

// ReadTree opens an existing named subtree.
func (t *Transaction) ReadTree(name string) (Tree, error) {
	if tree, ok := t.trees[name]; ok {
		return tree, nil
	}
	root, ok := t.rootPages[name]
	if !ok {
		return nil, newErr("Transaction.ReadTree", KindInvalidOperation,
			errors.Errorf("tree %q does not exist", name))
	}
	if t.opener == nil {
		return nil, newErr("Transaction.ReadTree", KindInvalidOperation,
			errors.New("no tree opener configured"))
	}
	tree, err := t.opener(t.ll, name, root, false)
	if err != nil {
		return nil, err
	}
	t.trees[name] = tree
	return tree, nil
}

// CreateTree opens name, creating it (with a freshly allocated root
// page) if it doesn't already exist.
func (t *Transaction) CreateTree(name string) (Tree, error) {
	if tree, ok := t.trees[name]; ok {
		return tree, nil
	}
	if !t.ll.Writable() {
		return nil, newErr("Transaction.CreateTree", KindInvalidOperation,
			errors.New("CreateTree called on a read-only transaction"))
	}
	if t.opener == nil {
		return nil, newErr("Transaction.CreateTree", KindInvalidOperation,
			errors.New("no tree opener configured"))
	}
	root, existing := t.rootPages[name]
	tree, err := t.opener(t.ll, name, root, !existing)
	if err != nil {
		return nil, err
	}
	t.trees[name] = tree
	if !existing {
		t.rootPages[name] = tree.RootPageNumber()
	}
	return tree, nil
}

// DeleteTree removes a named subtree. Its root page (the open tree's
// current root, if the tree is open) is freed on commit via
// FreePageOnCommit, so reads earlier in this same transaction remain
// valid. No other page of the tree is freed here.
func (t *Transaction) DeleteTree(name string) error {
	if !t.ll.Writable() {
		return newErr("Transaction.DeleteTree", KindInvalidOperation,
			errors.New("DeleteTree called on a read-only transaction"))
	}
	root, ok := t.rootPages[name]
	if !ok {
		return newErr("Transaction.DeleteTree", KindInvalidOperation,
			errors.Errorf("tree %q does not exist", name))
	}
	if tree, open := t.trees[name]; open {
		root = tree.RootPageNumber()
	}
	t.ll.FreePageOnCommit(root)
	delete(t.rootPages, name)
	delete(t.trees, name)
	return nil
}

// RenameTree renames an open subtree without touching its pages.
func (t *Transaction) RenameTree(oldName, newName string) error {
	if !t.ll.Writable() {
		return newErr("Transaction.RenameTree", KindInvalidOperation,
			errors.New("RenameTree called on a read-only transaction"))
	}
	root, ok := t.rootPages[oldName]
	if !ok {
		return newErr("Transaction.RenameTree", KindInvalidOperation,
			errors.Errorf("tree %q does not exist", oldName))
	}
	if _, clash := t.rootPages[newName]; clash {
		return newErr("Transaction.RenameTree", KindInvalidOperation,
			errors.Errorf("tree %q already exists", newName))
	}
	delete(t.rootPages, oldName)
	t.rootPages[newName] = root
	if tree, ok := t.trees[oldName]; ok {
		delete(t.trees, oldName)
		t.trees[newName] = tree
	}
	return nil
}

// Commit lets every open tree prepare, records each one's root page
// number in t.rootPages, then commits the underlying low-level
// transaction. The root page numbers are not written to any page.
func (t *Transaction) Commit() error {
	for _, tree := range t.trees {
		if err := tree.PrepareForCommit(t.ll); err != nil {
			return err
		}
		for name, tr := range t.trees {
			if tr == tree {
				t.rootPages[name] = tree.RootPageNumber()
			}
		}
	}
	return t.ll.Commit()
}

// Rollback discards the low-level transaction; named trees opened
// against it become invalid.
func (t *Transaction) Rollback() error {
	return t.ll.Rollback()
}

// Dispose releases the underlying low-level transaction's resources.
func (t *Transaction) Dispose() error {
	return t.ll.Dispose()
}
