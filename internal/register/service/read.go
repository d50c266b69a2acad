package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/jmerrifield20/openregister/internal/merkle"
	"github.com/jmerrifield20/openregister/internal/register/model"
	"github.com/jmerrifield20/openregister/internal/register/repository"
)

// Entry returns entry n. A number inside the log with no stored row yields
// the empty entry.
func (s *RegisterService) Entry(ctx context.Context, n int64) (model.Entry, error) {
	var entry model.Entry
	err := s.store.View(ctx, func(tx repository.Tx) error {
		count, err := tx.EntryCount(ctx)
		if err != nil {
			return err
		}
		if n < 1 || n > count {
			return fmt.Errorf("entry %d: %w", n, repository.ErrNotFound)
		}
		entry, err = tx.Entry(ctx, n)
		if errors.Is(err, repository.ErrNotFound) {
			entry = model.EmptyEntry(n)
			return nil
		}
		return err
	})
	return entry, err
}

// Entries returns up to limit entries, newest first, skipping the newest
// start entries. It also returns the entry count.
func (s *RegisterService) Entries(ctx context.Context, start, limit int64) ([]model.Entry, int64, error) {
	var (
		page  []model.Entry
		count int64
	)
	err := s.store.View(ctx, func(tx repository.Tx) error {
		var err error
		if count, err = tx.EntryCount(ctx); err != nil {
			return err
		}
		top := count - start
		bottom := max(top-limit, 0)
		if top <= 0 || limit <= 0 {
			page = []model.Entry{}
			return nil
		}

		rows, err := tx.EntriesRange(ctx, bottom, top)
		if err != nil {
			return err
		}
		byNumber := make(map[int64]model.Entry, len(rows))
		for _, e := range rows {
			byNumber[e.Number] = e
		}
		page = make([]model.Entry, 0, top-bottom)
		for n := top; n > bottom; n-- {
			e, ok := byNumber[n]
			if !ok {
				e = model.EmptyEntry(n)
			}
			page = append(page, e)
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	s.logger.Debug("entries read", zap.Int64("start", start), zap.Int64("limit", limit), zap.Int("returned", len(page)))
	return page, count, nil
}

// Item returns the item stored under hash.
func (s *RegisterService) Item(ctx context.Context, hash string) (model.Item, error) {
	var item model.Item
	err := s.store.View(ctx, func(tx repository.Tx) error {
		var err error
		item, err = tx.Item(ctx, hash)
		return err
	})
	return item, err
}

// ItemEntries returns every entry referencing hash, newest first.
func (s *RegisterService) ItemEntries(ctx context.Context, hash string) ([]model.Entry, error) {
	var entries []model.Entry
	err := s.store.View(ctx, func(tx repository.Tx) error {
		var err error
		entries, err = tx.EntriesByItem(ctx, hash)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			return fmt.Errorf("entries for item %s: %w", hash, repository.ErrNotFound)
		}
		return nil
	})
	return entries, err
}

// Record returns the latest record for key.
func (s *RegisterService) Record(ctx context.Context, key string) (model.Record, error) {
	var rec model.Record
	err := s.store.View(ctx, func(tx repository.Tx) error {
		var err error
		rec, err = tx.LatestRecord(ctx, key)
		return err
	})
	return rec, err
}

// RecordEntries returns every entry for key, newest first.
func (s *RegisterService) RecordEntries(ctx context.Context, key string) ([]model.Entry, error) {
	var entries []model.Entry
	err := s.store.View(ctx, func(tx repository.Tx) error {
		var err error
		entries, err = tx.EntriesByKey(ctx, key)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			return fmt.Errorf("entries for record %q: %w", key, repository.ErrNotFound)
		}
		return nil
	})
	return entries, err
}

// Records pages through the current records, oldest first, and returns the
// total number of records.
func (s *RegisterService) Records(ctx context.Context, start, limit int64) ([]model.Record, int64, error) {
	var (
		records []model.Record
		total   int64
	)
	err := s.store.View(ctx, func(tx repository.Tx) error {
		var err error
		if total, err = tx.CountRecords(ctx); err != nil {
			return err
		}
		if limit <= 0 {
			records = []model.Record{}
			return nil
		}
		records, err = tx.Records(ctx, start, limit)
		return err
	})
	if err != nil {
		return nil, 0, err
	}
	return records, total, nil
}

// RecordsByField returns the records whose item has value at field.
func (s *RegisterService) RecordsByField(ctx context.Context, field, value string) ([]model.Record, error) {
	var records []model.Record
	err := s.store.View(ctx, func(tx repository.Tx) error {
		var err error
		records, err = tx.RecordsByField(ctx, field, value)
		return err
	})
	if err != nil {
		return nil, err
	}
	if records == nil {
		records = []model.Record{}
	}
	return records, nil
}

// LeafCount returns the number of leaves in the tree.
func (s *RegisterService) LeafCount(ctx context.Context) (int64, error) {
	var n int64
	err := s.store.View(ctx, func(tx repository.Tx) error {
		var err error
		n, err = tx.LeafCount(ctx)
		return err
	})
	return n, err
}

// treeView runs fn with a Tree over a fresh view and the live leaf count.
func (s *RegisterService) treeView(ctx context.Context, fn func(t *merkle.Tree, leaves int64) error) error {
	return s.store.View(ctx, func(tx repository.Tx) error {
		cache := repository.NewBranchCache(tx, s.logger)
		leaves, err := cache.LeafCount(ctx)
		if err != nil {
			return err
		}
		return fn(merkle.NewTree(cache, s.logger), leaves)
	})
}

// TreeHead returns the size and root hash of the current tree.
func (s *RegisterService) TreeHead(ctx context.Context) (*TreeHead, error) {
	head := &TreeHead{Timestamp: model.Now()}
	err := s.treeView(ctx, func(t *merkle.Tree, leaves int64) error {
		root, err := t.RootHash(ctx, leaves)
		if err != nil {
			return err
		}
		head.TreeSize, head.RootHash = leaves, root
		return nil
	})
	if err != nil {
		return nil, err
	}
	proofsTotal.WithLabelValues("register").Inc()
	return head, nil
}

// RootHash returns the root hash of the tree of the first treeSize entries.
// Arguments are validated before the store is touched; sizes beyond the live
// leaf count are then rejected with merkle.ErrInvalidTreeSize.
func (s *RegisterService) RootHash(ctx context.Context, treeSize int64) ([]byte, error) {
	if err := merkle.CheckRootSize(treeSize); err != nil {
		return nil, err
	}
	var root []byte
	err := s.treeView(ctx, func(t *merkle.Tree, leaves int64) error {
		if treeSize > leaves {
			return fmt.Errorf("root of %d with %d leaves: %w", treeSize, leaves, merkle.ErrInvalidTreeSize)
		}
		var err error
		root, err = t.RootHash(ctx, treeSize)
		return err
	})
	return root, err
}

// EntryProof returns the audit path of entryNumber in the tree of
// totalEntries leaves.
func (s *RegisterService) EntryProof(ctx context.Context, entryNumber, totalEntries int64) ([][]byte, error) {
	if err := merkle.CheckEntryProof(entryNumber, totalEntries); err != nil {
		return nil, err
	}
	var path [][]byte
	err := s.treeView(ctx, func(t *merkle.Tree, leaves int64) error {
		if totalEntries > leaves {
			return fmt.Errorf("entry proof in tree of %d with %d leaves: %w", totalEntries, leaves, merkle.ErrInvalidTreeSize)
		}
		var err error
		path, err = t.EntryProof(ctx, entryNumber, totalEntries)
		return err
	})
	if err != nil {
		return nil, err
	}
	proofsTotal.WithLabelValues("entry").Inc()
	return path, nil
}

// ConsistencyProof returns the proof that the tree of sizeOlder leaves is a
// prefix of the tree of sizeNewer leaves.
func (s *RegisterService) ConsistencyProof(ctx context.Context, sizeOlder, sizeNewer int64) ([][]byte, error) {
	if err := merkle.CheckConsistencyProof(sizeOlder, sizeNewer); err != nil {
		return nil, err
	}
	var nodes [][]byte
	err := s.treeView(ctx, func(t *merkle.Tree, leaves int64) error {
		if sizeNewer > leaves {
			return fmt.Errorf("consistency proof to %d with %d leaves: %w", sizeNewer, leaves, merkle.ErrInvalidTreeSize)
		}
		var err error
		nodes, err = t.ConsistencyProof(ctx, sizeOlder, sizeNewer)
		return err
	})
	if err != nil {
		return nil, err
	}
	proofsTotal.WithLabelValues("consistency").Inc()
	return nodes, nil
}
