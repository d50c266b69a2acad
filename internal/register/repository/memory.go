package repository

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/btree"
	"go.uber.org/zap"

	"github.com/jmerrifield20/openregister/internal/canonical"
	"github.com/jmerrifield20/openregister/internal/register/model"
)

const btreeDegree = 16

type itemRow struct {
	hash string
	data []byte
}

// keyRef orders (name, entry number) pairs; it indexes entries by key and by
// item hash.
type keyRef struct {
	name   string
	number int64
}

type leafRow struct {
	number int64
	hash   []byte
}

// branchRow is ordered by end then start so that rows ending at one entry
// number are contiguous.
type branchRow struct {
	start, end int64
	hash       []byte
}

func lessKeyRef(a, b keyRef) bool {
	if a.name != b.name {
		return a.name < b.name
	}
	return a.number < b.number
}

// memState is one version of the register. Update works on a clone and swaps
// it in on success.
type memState struct {
	items    *btree.BTreeG[itemRow]
	entries  *btree.BTreeG[model.Entry]
	byKey    *btree.BTreeG[keyRef]
	byItem   *btree.BTreeG[keyRef]
	heads    *btree.BTreeG[keyRef] // newest entry per key, ordered by key
	leaves   *btree.BTreeG[leafRow]
	branches *btree.BTreeG[branchRow]

	lastUpdated time.Time
}

func newMemState() *memState {
	return &memState{
		items:   btree.NewG(btreeDegree, func(a, b itemRow) bool { return a.hash < b.hash }),
		entries: btree.NewG(btreeDegree, func(a, b model.Entry) bool { return a.Number < b.Number }),
		byKey:   btree.NewG(btreeDegree, lessKeyRef),
		byItem:  btree.NewG(btreeDegree, lessKeyRef),
		heads:   btree.NewG(btreeDegree, func(a, b keyRef) bool { return a.name < b.name }),
		leaves:  btree.NewG(btreeDegree, func(a, b leafRow) bool { return a.number < b.number }),
		branches: btree.NewG(btreeDegree, func(a, b branchRow) bool {
			if a.end != b.end {
				return a.end < b.end
			}
			return a.start < b.start
		}),
	}
}

func (s *memState) clone() *memState {
	return &memState{
		items:       s.items.Clone(),
		entries:     s.entries.Clone(),
		byKey:       s.byKey.Clone(),
		byItem:      s.byItem.Clone(),
		heads:       s.heads.Clone(),
		leaves:      s.leaves.Clone(),
		branches:    s.branches.Clone(),
		lastUpdated: s.lastUpdated,
	}
}

// MemoryStore is an in-memory Store backed by B-trees. Writers are serialised;
// readers share the last committed state.
type MemoryStore struct {
	mu      sync.RWMutex
	cacheMu sync.Mutex // guards branch rows written by concurrent views
	state   *memState
	logger  *zap.Logger
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore(logger *zap.Logger) *MemoryStore {
	return &MemoryStore{state: newMemState(), logger: logger}
}

// Update implements Store.
func (s *MemoryStore) Update(ctx context.Context, fn func(Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.state.clone()
	if err := fn(&memTx{st: next, cacheMu: &s.cacheMu}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.state = next
	return nil
}

// View implements Store.
func (s *MemoryStore) View(_ context.Context, fn func(Tx) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(&memTx{st: s.state, cacheMu: &s.cacheMu})
}

// Close implements Store.
func (s *MemoryStore) Close() {}

type memTx struct {
	st      *memState
	cacheMu *sync.Mutex
}

func (t *memTx) InsertItem(_ context.Context, hash string, item model.Item) (bool, error) {
	if _, ok := t.st.items.Get(itemRow{hash: hash}); ok {
		return false, nil
	}
	data, err := canonical.Marshal(map[string]any(item))
	if err != nil {
		return false, fmt.Errorf("insert item: %w", err)
	}
	t.st.items.ReplaceOrInsert(itemRow{hash: hash, data: data})
	return true, nil
}

func (t *memTx) Item(_ context.Context, hash string) (model.Item, error) {
	row, ok := t.st.items.Get(itemRow{hash: hash})
	if !ok {
		return nil, ErrNotFound
	}
	return model.DecodeItem(row.data)
}

func (t *memTx) CountItems(context.Context) (int64, error) {
	return int64(t.st.items.Len()), nil
}

func (t *memTx) InsertEntry(ctx context.Context, e *model.Entry) error {
	n, err := t.EntryCount(ctx)
	if err != nil {
		return err
	}
	e.Number = n + 1
	t.st.entries.ReplaceOrInsert(*e)
	t.st.byKey.ReplaceOrInsert(keyRef{name: e.Key, number: e.Number})
	t.st.byItem.ReplaceOrInsert(keyRef{name: e.ItemHash, number: e.Number})
	t.st.heads.ReplaceOrInsert(keyRef{name: e.Key, number: e.Number})
	if e.Timestamp.After(t.st.lastUpdated) {
		t.st.lastUpdated = e.Timestamp
	}
	return nil
}

func (t *memTx) Entry(_ context.Context, number int64) (model.Entry, error) {
	e, ok := t.st.entries.Get(model.Entry{Number: number})
	if !ok {
		return model.Entry{}, ErrNotFound
	}
	return e, nil
}

func (t *memTx) EntryCount(context.Context) (int64, error) {
	e, ok := t.st.entries.Max()
	if !ok {
		return 0, nil
	}
	return e.Number, nil
}

func (t *memTx) EntriesRange(_ context.Context, bottom, top int64) ([]model.Entry, error) {
	var out []model.Entry
	t.st.entries.DescendRange(model.Entry{Number: top}, model.Entry{Number: bottom}, func(e model.Entry) bool {
		out = append(out, e)
		return true
	})
	return out, nil
}

func (t *memTx) entriesByRef(index *btree.BTreeG[keyRef], name string) []model.Entry {
	var out []model.Entry
	index.DescendRange(keyRef{name: name, number: math.MaxInt64}, keyRef{name: name, number: 0}, func(r keyRef) bool {
		if e, ok := t.st.entries.Get(model.Entry{Number: r.number}); ok {
			out = append(out, e)
		}
		return true
	})
	return out
}

func (t *memTx) EntriesByItem(_ context.Context, hash string) ([]model.Entry, error) {
	return t.entriesByRef(t.st.byItem, hash), nil
}

func (t *memTx) EntriesByKey(_ context.Context, key string) ([]model.Entry, error) {
	return t.entriesByRef(t.st.byKey, key), nil
}

func (t *memTx) LastUpdated(context.Context) (time.Time, bool, error) {
	return t.st.lastUpdated, !t.st.lastUpdated.IsZero(), nil
}

func (t *memTx) record(number int64) (model.Record, error) {
	e, ok := t.st.entries.Get(model.Entry{Number: number})
	if !ok {
		return model.Record{}, ErrNotFound
	}
	row, ok := t.st.items.Get(itemRow{hash: e.ItemHash})
	if !ok {
		return model.Record{}, fmt.Errorf("entry %d references missing item %s: %w", number, e.ItemHash, ErrStoreFailure)
	}
	item, err := model.DecodeItem(row.data)
	if err != nil {
		return model.Record{}, err
	}
	return model.Record{Entry: e, Item: item}, nil
}

func (t *memTx) LatestRecord(_ context.Context, key string) (model.Record, error) {
	head, ok := t.st.heads.Get(keyRef{name: key})
	if !ok {
		return model.Record{}, ErrNotFound
	}
	return t.record(head.number)
}

func (t *memTx) LatestRecordBefore(_ context.Context, key string, before int64) (model.Record, error) {
	var (
		number int64
		found  bool
	)
	t.st.byKey.DescendLessOrEqual(keyRef{name: key, number: before - 1}, func(r keyRef) bool {
		if r.name == key {
			number, found = r.number, true
		}
		return false
	})
	if !found {
		return model.Record{}, ErrNotFound
	}
	return t.record(number)
}

// headNumbers returns the entry number of every key's newest entry, ascending.
func (t *memTx) headNumbers() []int64 {
	numbers := make([]int64, 0, t.st.heads.Len())
	t.st.heads.Ascend(func(r keyRef) bool {
		numbers = append(numbers, r.number)
		return true
	})
	sort.Slice(numbers, func(i, j int) bool { return numbers[i] < numbers[j] })
	return numbers
}

func (t *memTx) Records(_ context.Context, offset, limit int64) ([]model.Record, error) {
	numbers := t.headNumbers()
	if offset >= int64(len(numbers)) {
		return []model.Record{}, nil
	}
	end := int64(len(numbers))
	if limit < end-offset {
		end = offset + limit
	}
	out := make([]model.Record, 0, end-offset)
	for _, n := range numbers[offset:end] {
		r, err := t.record(n)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func (t *memTx) CountRecords(context.Context) (int64, error) {
	return int64(t.st.heads.Len()), nil
}

func (t *memTx) RecordsByField(_ context.Context, field, value string) ([]model.Record, error) {
	latest := map[string]model.Record{}
	var err error
	t.st.entries.Ascend(func(e model.Entry) bool {
		var r model.Record
		if r, err = t.record(e.Number); err != nil {
			return false
		}
		if v, ok := r.Item[field].(string); ok && v == value {
			latest[e.Key] = r
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	out := make([]model.Record, 0, len(latest))
	for _, r := range latest {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Entry.Number < out[j].Entry.Number })
	return out, nil
}

func (t *memTx) PutLeafHash(_ context.Context, entryNumber int64, hash []byte) error {
	t.st.leaves.ReplaceOrInsert(leafRow{number: entryNumber, hash: bytes.Clone(hash)})
	return nil
}

func (t *memTx) LeafHash(_ context.Context, entryNumber int64) ([]byte, bool, error) {
	row, ok := t.st.leaves.Get(leafRow{number: entryNumber})
	if !ok {
		return nil, false, nil
	}
	return row.hash, true, nil
}

func (t *memTx) LeafCount(context.Context) (int64, error) {
	row, ok := t.st.leaves.Max()
	if !ok {
		return 0, nil
	}
	return row.number, nil
}

func (t *memTx) BranchHash(_ context.Context, startEntry, endEntry int64) ([]byte, bool, error) {
	t.cacheMu.Lock()
	defer t.cacheMu.Unlock()
	row, ok := t.st.branches.Get(branchRow{start: startEntry, end: endEntry})
	if !ok {
		return nil, false, nil
	}
	return row.hash, true, nil
}

func (t *memTx) PutBranchHash(_ context.Context, startEntry, endEntry int64, hash []byte) error {
	t.cacheMu.Lock()
	defer t.cacheMu.Unlock()
	t.st.branches.ReplaceOrInsert(branchRow{start: startEntry, end: endEntry, hash: bytes.Clone(hash)})
	return nil
}

func (t *memTx) DeleteBranchHashesEndingAt(_ context.Context, endEntry int64) (int64, error) {
	t.cacheMu.Lock()
	defer t.cacheMu.Unlock()
	var stale []branchRow
	t.st.branches.AscendRange(branchRow{end: endEntry}, branchRow{end: endEntry + 1}, func(r branchRow) bool {
		stale = append(stale, r)
		return true
	})
	for _, r := range stale {
		t.st.branches.Delete(r)
	}
	return int64(len(stale)), nil
}

func (t *memTx) CountBranchHashes(context.Context) (int64, error) {
	t.cacheMu.Lock()
	defer t.cacheMu.Unlock()
	return int64(t.st.branches.Len()), nil
}
