package repository

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/jmerrifield20/openregister/internal/merkle"
	"github.com/jmerrifield20/openregister/internal/register/model"
)

// BranchCache adapts a Tx to merkle.BranchStore. Missing leaves are filled
// with the hash of an empty entry.
type BranchCache struct {
	tx     Tx
	logger *zap.Logger

	leafCount int64
	counted   bool
}

var _ merkle.BranchStore = (*BranchCache)(nil)

// NewBranchCache returns a BranchCache over tx. It must not outlive the unit
// of work that produced tx.
func NewBranchCache(tx Tx, logger *zap.Logger) *BranchCache {
	return &BranchCache{tx: tx, logger: logger}
}

// LeafHash implements merkle.BranchStore.
func (c *BranchCache) LeafHash(ctx context.Context, entryNumber int64) ([]byte, error) {
	h, ok, err := c.tx.LeafHash(ctx, entryNumber)
	if err != nil {
		return nil, err
	}
	if ok {
		return h, nil
	}
	c.logger.Warn("leaf hash missing, using empty entry", zap.Int64("entry_number", entryNumber))
	return merkle.LeafHash(model.EmptyEntry(entryNumber).Fields())
}

// BranchHash implements merkle.BranchStore.
func (c *BranchCache) BranchHash(ctx context.Context, start, length int64) ([]byte, bool, error) {
	return c.tx.BranchHash(ctx, start+1, start+length)
}

// PutBranchHash implements merkle.BranchStore.
func (c *BranchCache) PutBranchHash(ctx context.Context, start, length int64, hash []byte) error {
	return c.tx.PutBranchHash(ctx, start+1, start+length, hash)
}

// LeafCount implements merkle.BranchStore. The count is read once.
func (c *BranchCache) LeafCount(ctx context.Context) (int64, error) {
	if c.counted {
		return c.leafCount, nil
	}
	n, err := c.tx.LeafCount(ctx)
	if err != nil {
		return 0, err
	}
	c.leafCount, c.counted = n, true
	return n, nil
}

// Prune drops the branch rows that appending entryNumber has made stale:
// every row ending at entryNumber-1, unless entryNumber-1 is a power of two.
func (c *BranchCache) Prune(ctx context.Context, entryNumber int64) (int64, error) {
	c.counted = false

	end := entryNumber - 1
	if end < 1 || merkle.IsPowerOfTwo(end) {
		return 0, nil
	}
	n, err := c.tx.DeleteBranchHashesEndingAt(ctx, end)
	if err != nil {
		return 0, fmt.Errorf("prune branch hashes ending at %d: %w", end, err)
	}
	if n > 0 {
		c.logger.Info("branch hashes pruned",
			zap.Int64("entry_number", entryNumber),
			zap.Int64("end_entry_number", end),
			zap.Int64("rows", n),
		)
	}
	return n, nil
}
