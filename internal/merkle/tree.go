package merkle

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// BranchStore supplies leaf hashes and caches branch hashes for a Tree.
//
// Ranges are 0-based: (start, length) covers leaves start+1..start+length in
// entry-number terms. LeafHash takes a 1-based entry number.
type BranchStore interface {
	// LeafHash returns the leaf hash of the given 1-based entry number.
	LeafHash(ctx context.Context, entryNumber int64) ([]byte, error)

	// BranchHash returns a cached branch hash, and whether it was present.
	BranchHash(ctx context.Context, start, length int64) ([]byte, bool, error)

	// PutBranchHash caches the hash of the range (start, length).
	PutBranchHash(ctx context.Context, start, length int64, hash []byte) error

	// LeafCount returns the number of leaves currently in the log.
	LeafCount(ctx context.Context) (int64, error)
}

// Tree computes root hashes and audit paths over a BranchStore.
// A Tree holds no state of its own; it is safe to reuse across units of work
// only if the store is.
type Tree struct {
	store  BranchStore
	logger *zap.Logger
}

// NewTree returns a Tree reading and caching through store.
func NewTree(store BranchStore, logger *zap.Logger) *Tree {
	return &Tree{store: store, logger: logger}
}

// K returns the largest power of two strictly less than n.
func K(n int64) (int64, error) {
	if n <= 1 {
		return 0, fmt.Errorf("split of %d: %w", n, ErrInvalidTreeSize)
	}
	k := int64(1)
	for k<<1 < n {
		k <<= 1
	}
	return k, nil
}

// IsPowerOfTwo reports whether n is a positive power of two.
func IsPowerOfTwo(n int64) bool {
	return n > 0 && n&(n-1) == 0
}

// RootHash returns the Merkle tree hash of the first treeSize leaves.
func (t *Tree) RootHash(ctx context.Context, treeSize int64) ([]byte, error) {
	if err := CheckRootSize(treeSize); err != nil {
		return nil, err
	}
	return t.branchHash(ctx, 0, treeSize, true)
}

// LeafHash returns the leaf hash of the 1-based entry number.
func (t *Tree) LeafHash(ctx context.Context, entryNumber int64) ([]byte, error) {
	return t.store.LeafHash(ctx, entryNumber)
}

// EntryProof returns the audit path for the 1-based entryNumber in a tree of
// totalEntries leaves, ordered from the leaf towards the root.
func (t *Tree) EntryProof(ctx context.Context, entryNumber, totalEntries int64) ([][]byte, error) {
	if err := CheckEntryProof(entryNumber, totalEntries); err != nil {
		return nil, err
	}
	return t.subEntryProof(ctx, entryNumber-1, 0, totalEntries)
}

// ConsistencyProof returns the RFC 6962 proof that the tree of sizeOlder
// leaves is a prefix of the tree of sizeNewer leaves.
func (t *Tree) ConsistencyProof(ctx context.Context, sizeOlder, sizeNewer int64) ([][]byte, error) {
	if err := CheckConsistencyProof(sizeOlder, sizeNewer); err != nil {
		return nil, err
	}
	return t.subConsistencyProof(ctx, sizeOlder, 0, sizeNewer, true)
}

// CheckRootSize validates the size argument of RootHash.
func CheckRootSize(treeSize int64) error {
	if treeSize < 0 {
		return fmt.Errorf("root of %d: %w", treeSize, ErrInvalidTreeSize)
	}
	return nil
}

// CheckEntryProof validates the arguments of EntryProof.
func CheckEntryProof(entryNumber, totalEntries int64) error {
	if totalEntries < 1 {
		return fmt.Errorf("entry proof in tree of %d: %w", totalEntries, ErrInvalidTreeSize)
	}
	if entryNumber < 1 || entryNumber > totalEntries {
		return fmt.Errorf("entry proof for %d of %d: %w", entryNumber, totalEntries, ErrInvalidEntryNumber)
	}
	return nil
}

// CheckConsistencyProof validates the arguments of ConsistencyProof.
func CheckConsistencyProof(sizeOlder, sizeNewer int64) error {
	if sizeOlder <= 0 {
		return fmt.Errorf("consistency from %d: %w", sizeOlder, ErrInvalidTreeSize)
	}
	if sizeNewer < sizeOlder {
		return fmt.Errorf("consistency %d -> %d: %w", sizeOlder, sizeNewer, ErrIncompatibleSizes)
	}
	return nil
}

// subEntryProof is PATH(m, D[start:start+n]).
func (t *Tree) subEntryProof(ctx context.Context, m, start, n int64) ([][]byte, error) {
	if n == 1 {
		return [][]byte{}, nil
	}
	k, err := K(n)
	if err != nil {
		return nil, err
	}
	var (
		path    [][]byte
		sibling []byte
	)
	if m < k {
		if path, err = t.subEntryProof(ctx, m, start, k); err != nil {
			return nil, err
		}
		sibling, err = t.branchHash(ctx, start+k, n-k, false)
	} else {
		if path, err = t.subEntryProof(ctx, m-k, start+k, n-k); err != nil {
			return nil, err
		}
		sibling, err = t.branchHash(ctx, start, k, false)
	}
	if err != nil {
		return nil, err
	}
	return append(path, sibling), nil
}

// subConsistencyProof is SUBPROOF(m, D[start:start+n], complete).
func (t *Tree) subConsistencyProof(ctx context.Context, m, start, n int64, complete bool) ([][]byte, error) {
	if m == n {
		if complete {
			return [][]byte{}, nil
		}
		h, err := t.branchHash(ctx, start, n, false)
		if err != nil {
			return nil, err
		}
		return [][]byte{h}, nil
	}
	k, err := K(n)
	if err != nil {
		return nil, err
	}
	var (
		path    [][]byte
		sibling []byte
	)
	if m <= k {
		if path, err = t.subConsistencyProof(ctx, m, start, k, complete); err != nil {
			return nil, err
		}
		sibling, err = t.branchHash(ctx, start+k, n-k, false)
	} else {
		if path, err = t.subConsistencyProof(ctx, m-k, start+k, n-k, false); err != nil {
			return nil, err
		}
		sibling, err = t.branchHash(ctx, start, k, false)
	}
	if err != nil {
		return nil, err
	}
	return append(path, sibling), nil
}

// branchHash returns the hash of leaves start+1..start+size. Computed values
// are written back only when persist is set and the range cannot change as
// the log grows.
func (t *Tree) branchHash(ctx context.Context, start, size int64, persist bool) ([]byte, error) {
	switch size {
	case 0:
		return EmptyHash(), nil
	case 1:
		return t.store.LeafHash(ctx, start+1)
	}

	if h, ok, err := t.store.BranchHash(ctx, start, size); err != nil {
		return nil, err
	} else if ok {
		return h, nil
	}

	k, err := K(size)
	if err != nil {
		return nil, err
	}
	left, err := t.branchHash(ctx, start, k, true)
	if err != nil {
		return nil, err
	}
	right, err := t.branchHash(ctx, start+k, size-k, true)
	if err != nil {
		return nil, err
	}
	h := NodeHash(left, right)

	if !persist {
		return h, nil
	}
	stable, err := t.stable(ctx, start, size)
	if err != nil {
		return nil, err
	}
	if stable {
		if err := t.store.PutBranchHash(ctx, start, size, h); err != nil {
			return nil, err
		}
		t.logger.Debug("branch hash cached",
			zap.Int64("start_entry_number", start+1),
			zap.Int64("end_entry_number", start+size),
		)
	}
	return h, nil
}

// stable reports whether the range is a perfect subtree aligned on its own
// size, or ends exactly at the live right edge. Right-edge rows are removed by
// pruning once the log grows past them.
func (t *Tree) stable(ctx context.Context, start, size int64) (bool, error) {
	count, err := t.store.LeafCount(ctx)
	if err != nil {
		return false, err
	}
	if start+size > count {
		return false, nil
	}
	if IsPowerOfTwo(size) && start%size == 0 {
		return true, nil
	}
	return start+size == count, nil
}
