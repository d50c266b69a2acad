package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jmerrifield20/openregister/internal/register/model"
)

var (
	// ErrNotFound is returned when a requested item, entry or record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrStoreFailure marks errors raised by the underlying storage engine.
	ErrStoreFailure = errors.New("store failure")
)

// Store runs units of work against the register's relational state.
//
// Update runs fn with exclusive write access and commits its changes only if
// fn returns nil. View runs fn against a consistent read view; the only writes
// a view may perform are branch-hash cache fills.
type Store interface {
	Update(ctx context.Context, fn func(Tx) error) error
	View(ctx context.Context, fn func(Tx) error) error
	Close()
}

// Tx is the set of queries available inside a unit of work.
// Entry listings are ordered newest first unless stated otherwise.
type Tx interface {
	// InsertItem stores item under hash. It reports false when the hash was
	// already present, in which case nothing is written.
	InsertItem(ctx context.Context, hash string, item model.Item) (bool, error)
	Item(ctx context.Context, hash string) (model.Item, error)
	CountItems(ctx context.Context) (int64, error)

	// InsertEntry assigns e.Number as one more than the highest existing entry
	// number and stores the entry.
	InsertEntry(ctx context.Context, e *model.Entry) error
	Entry(ctx context.Context, number int64) (model.Entry, error)
	// EntryCount is the highest entry number, or 0 for an empty register.
	EntryCount(ctx context.Context) (int64, error)
	// EntriesRange returns stored entries with bottom < number <= top.
	EntriesRange(ctx context.Context, bottom, top int64) ([]model.Entry, error)
	EntriesByItem(ctx context.Context, hash string) ([]model.Entry, error)
	EntriesByKey(ctx context.Context, key string) ([]model.Entry, error)
	LastUpdated(ctx context.Context) (time.Time, bool, error)

	LatestRecord(ctx context.Context, key string) (model.Record, error)
	// LatestRecordBefore returns the newest record for key whose entry number
	// is strictly less than before.
	LatestRecordBefore(ctx context.Context, key string, before int64) (model.Record, error)
	// Records pages through the current record of every key, oldest first.
	Records(ctx context.Context, offset, limit int64) ([]model.Record, error)
	CountRecords(ctx context.Context) (int64, error)
	// RecordsByField returns, per key, the newest entry whose item has the
	// string value at field, oldest first.
	RecordsByField(ctx context.Context, field, value string) ([]model.Record, error)

	PutLeafHash(ctx context.Context, entryNumber int64, hash []byte) error
	LeafHash(ctx context.Context, entryNumber int64) ([]byte, bool, error)
	// LeafCount is the highest entry number that has a leaf hash.
	LeafCount(ctx context.Context) (int64, error)

	// Branch rows are addressed by 1-based inclusive entry numbers.
	BranchHash(ctx context.Context, startEntry, endEntry int64) ([]byte, bool, error)
	PutBranchHash(ctx context.Context, startEntry, endEntry int64, hash []byte) error
	DeleteBranchHashesEndingAt(ctx context.Context, endEntry int64) (int64, error)
	CountBranchHashes(ctx context.Context) (int64, error)
}
