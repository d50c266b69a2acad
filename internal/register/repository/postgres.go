package repository

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/jmerrifield20/openregister/internal/canonical"
	"github.com/jmerrifield20/openregister/internal/register/model"
)

// writerLockKey is the advisory lock that serialises appends. Views take it in
// shared mode before writing branch-hash cache rows. The value is arbitrary
// but must be the same for every instance sharing a database.
const writerLockKey = int64(2_017_013_114)

// PostgresStore persists the register in PostgreSQL.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a PostgresStore backed by the given connection pool.
func NewPostgresStore(pool *pgxpool.Pool, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{pool: pool, logger: logger}
}

// Update implements Store. The writer advisory lock is held until commit, so
// entry numbers are allocated without gaps or duplicates. Errors are returned
// as-is; callers decide whether to retry (see Retryable).
func (s *PostgresStore) Update(ctx context.Context, fn func(Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return storeError("begin tx", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", writerLockKey); err != nil {
		return storeError("acquire writer lock", err)
	}
	if err := fn(&pgTx{tx: tx, writer: true, logger: s.logger}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return storeError("commit tx", err)
	}
	return nil
}

// View implements Store. Reads run at READ COMMITTED; cache fills are kept
// only when no append has committed since the view read the leaf count.
func (s *PostgresStore) View(ctx context.Context, fn func(Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return storeError("begin tx", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := fn(&pgTx{tx: tx, logger: s.logger}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return storeError("commit tx", err)
	}
	return nil
}

// Close implements Store.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// storeError wraps err with op and ErrStoreFailure, classifying well-known
// PostgreSQL error codes.
func storeError(op string, err error) error {
	if errors.Is(err, ErrNotFound) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgerrcode.IsConnectionException(pgErr.Code):
			return fmt.Errorf("%s: connection lost: %w: %w", op, ErrStoreFailure, err)
		case pgerrcode.IsIntegrityConstraintViolation(pgErr.Code):
			return fmt.Errorf("%s: constraint %s violated: %w: %w", op, pgErr.ConstraintName, ErrStoreFailure, err)
		}
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStoreFailure, err)
}

// Retryable reports whether err is a serialization failure or deadlock, after
// which the whole unit of work may be run again.
func Retryable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected
}

type fillState int

const (
	fillUnchecked fillState = iota
	fillAllowed
	fillDenied
)

type pgTx struct {
	tx     pgx.Tx
	writer bool
	logger *zap.Logger

	observedLeafCount int64
	observed          bool
	fill              fillState
}

const entryColumns = `entry_number, entry_timestamp, item_hash, key, item_signature`

func scanEntry(row pgx.Row) (model.Entry, error) {
	var (
		e         model.Entry
		signature *string
	)
	if err := row.Scan(&e.Number, &e.Timestamp, &e.ItemHash, &e.Key, &signature); err != nil {
		return model.Entry{}, err
	}
	if signature != nil {
		e.Signature = *signature
	}
	e.Timestamp = e.Timestamp.UTC()
	return e, nil
}

func collectEntries(rows pgx.Rows) ([]model.Entry, error) {
	defer rows.Close()
	var out []model.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (t *pgTx) InsertItem(ctx context.Context, hash string, item model.Item) (bool, error) {
	data, err := canonical.Marshal(map[string]any(item))
	if err != nil {
		return false, fmt.Errorf("insert item: %w", err)
	}
	tag, err := t.tx.Exec(ctx,
		`INSERT INTO item (item_hash, item) VALUES ($1, $2::jsonb)
		 ON CONFLICT (item_hash) DO NOTHING`,
		hash, string(data),
	)
	if err != nil {
		return false, storeError("insert item", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (t *pgTx) Item(ctx context.Context, hash string) (model.Item, error) {
	var data []byte
	if err := t.tx.QueryRow(ctx, `SELECT item FROM item WHERE item_hash = $1`, hash).Scan(&data); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, storeError("read item", err)
	}
	return model.DecodeItem(data)
}

func (t *pgTx) CountItems(ctx context.Context) (int64, error) {
	var n int64
	if err := t.tx.QueryRow(ctx, `SELECT COUNT(*) FROM item`).Scan(&n); err != nil {
		return 0, storeError("count items", err)
	}
	return n, nil
}

func (t *pgTx) InsertEntry(ctx context.Context, e *model.Entry) error {
	if err := t.tx.QueryRow(ctx,
		`INSERT INTO entry (entry_number, entry_timestamp, item_hash, key, item_signature)
		 SELECT COALESCE(MAX(entry_number), 0) + 1, $1, $2, $3, $4 FROM entry
		 RETURNING entry_number`,
		e.Timestamp, e.ItemHash, e.Key, e.Signature,
	).Scan(&e.Number); err != nil {
		return storeError("insert entry", err)
	}
	return nil
}

func (t *pgTx) Entry(ctx context.Context, number int64) (model.Entry, error) {
	e, err := scanEntry(t.tx.QueryRow(ctx,
		`SELECT `+entryColumns+` FROM entry WHERE entry_number = $1`, number))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Entry{}, ErrNotFound
		}
		return model.Entry{}, storeError("read entry", err)
	}
	return e, nil
}

func (t *pgTx) EntryCount(ctx context.Context) (int64, error) {
	var n int64
	if err := t.tx.QueryRow(ctx, `SELECT COALESCE(MAX(entry_number), 0) FROM entry`).Scan(&n); err != nil {
		return 0, storeError("count entries", err)
	}
	return n, nil
}

func (t *pgTx) EntriesRange(ctx context.Context, bottom, top int64) ([]model.Entry, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT `+entryColumns+` FROM entry
		 WHERE entry_number > $1 AND entry_number <= $2
		 ORDER BY entry_number DESC`, bottom, top)
	if err != nil {
		return nil, storeError("read entries", err)
	}
	entries, err := collectEntries(rows)
	if err != nil {
		return nil, storeError("scan entries", err)
	}
	return entries, nil
}

func (t *pgTx) EntriesByItem(ctx context.Context, hash string) ([]model.Entry, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT `+entryColumns+` FROM entry WHERE item_hash = $1 ORDER BY entry_number DESC`, hash)
	if err != nil {
		return nil, storeError("read item entries", err)
	}
	entries, err := collectEntries(rows)
	if err != nil {
		return nil, storeError("scan item entries", err)
	}
	return entries, nil
}

func (t *pgTx) EntriesByKey(ctx context.Context, key string) ([]model.Entry, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT `+entryColumns+` FROM entry WHERE key = $1 ORDER BY entry_number DESC`, key)
	if err != nil {
		return nil, storeError("read record entries", err)
	}
	entries, err := collectEntries(rows)
	if err != nil {
		return nil, storeError("scan record entries", err)
	}
	return entries, nil
}

func (t *pgTx) LastUpdated(ctx context.Context) (time.Time, bool, error) {
	var ts *time.Time
	if err := t.tx.QueryRow(ctx, `SELECT MAX(entry_timestamp) FROM entry`).Scan(&ts); err != nil {
		return time.Time{}, false, storeError("read last update", err)
	}
	if ts == nil {
		return time.Time{}, false, nil
	}
	return ts.UTC(), true, nil
}

const recordSelect = `SELECT e.entry_number, e.entry_timestamp, e.item_hash, e.key, e.item_signature, i.item
	FROM entry e JOIN item i ON e.item_hash = i.item_hash`

func scanRecord(row pgx.Row) (model.Record, error) {
	var (
		r         model.Record
		signature *string
		data      []byte
	)
	if err := row.Scan(&r.Entry.Number, &r.Entry.Timestamp, &r.Entry.ItemHash, &r.Entry.Key, &signature, &data); err != nil {
		return model.Record{}, err
	}
	if signature != nil {
		r.Entry.Signature = *signature
	}
	r.Entry.Timestamp = r.Entry.Timestamp.UTC()
	item, err := model.DecodeItem(data)
	if err != nil {
		return model.Record{}, err
	}
	r.Item = item
	return r, nil
}

func (t *pgTx) queryRecord(ctx context.Context, op, query string, args ...any) (model.Record, error) {
	r, err := scanRecord(t.tx.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Record{}, ErrNotFound
		}
		return model.Record{}, storeError(op, err)
	}
	return r, nil
}

func (t *pgTx) queryRecords(ctx context.Context, op, query string, args ...any) ([]model.Record, error) {
	rows, err := t.tx.Query(ctx, query, args...)
	if err != nil {
		return nil, storeError(op, err)
	}
	defer rows.Close()
	out := []model.Record{}
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, storeError(op, err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, storeError(op, err)
	}
	return out, nil
}

func (t *pgTx) LatestRecord(ctx context.Context, key string) (model.Record, error) {
	return t.queryRecord(ctx, "read record",
		recordSelect+` WHERE e.key = $1 ORDER BY e.entry_number DESC LIMIT 1`, key)
}

func (t *pgTx) LatestRecordBefore(ctx context.Context, key string, before int64) (model.Record, error) {
	return t.queryRecord(ctx, "read previous record",
		recordSelect+` WHERE e.key = $1 AND e.entry_number < $2 ORDER BY e.entry_number DESC LIMIT 1`,
		key, before)
}

func (t *pgTx) Records(ctx context.Context, offset, limit int64) ([]model.Record, error) {
	return t.queryRecords(ctx, "read records",
		recordSelect+` WHERE e.entry_number IN (SELECT MAX(entry_number) FROM entry GROUP BY key)
		 ORDER BY e.entry_number ASC LIMIT $1 OFFSET $2`, limit, offset)
}

func (t *pgTx) CountRecords(ctx context.Context) (int64, error) {
	var n int64
	if err := t.tx.QueryRow(ctx, `SELECT COUNT(DISTINCT key) FROM entry`).Scan(&n); err != nil {
		return 0, storeError("count records", err)
	}
	return n, nil
}

func (t *pgTx) RecordsByField(ctx context.Context, field, value string) ([]model.Record, error) {
	filter, err := canonical.Marshal(canonical.Object{field: value})
	if err != nil {
		return nil, fmt.Errorf("records by field: %w", err)
	}
	return t.queryRecords(ctx, "read records by field",
		`SELECT * FROM (
		   SELECT DISTINCT ON (e.key) e.entry_number, e.entry_timestamp, e.item_hash, e.key, e.item_signature, i.item
		   FROM entry e JOIN item i ON e.item_hash = i.item_hash
		   WHERE i.item @> $1::jsonb
		   ORDER BY e.key, e.entry_number DESC
		 ) matched ORDER BY entry_number ASC`, string(filter))
}

func encodeHash(h []byte) string {
	return strings.ToUpper(hex.EncodeToString(h))
}

func decodeHash(op, s string) ([]byte, error) {
	h, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%s: corrupt hash %q: %w", op, s, ErrStoreFailure)
	}
	return h, nil
}

func (t *pgTx) PutLeafHash(ctx context.Context, entryNumber int64, hash []byte) error {
	if _, err := t.tx.Exec(ctx,
		`INSERT INTO leaf_hashes (entry_number, entry_hash) VALUES ($1, $2)`,
		entryNumber, encodeHash(hash),
	); err != nil {
		return storeError("store leaf hash", err)
	}
	return nil
}

func (t *pgTx) LeafHash(ctx context.Context, entryNumber int64) ([]byte, bool, error) {
	var s string
	if err := t.tx.QueryRow(ctx,
		`SELECT entry_hash FROM leaf_hashes WHERE entry_number = $1`, entryNumber,
	).Scan(&s); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, storeError("read leaf hash", err)
	}
	h, err := decodeHash("read leaf hash", s)
	if err != nil {
		return nil, false, err
	}
	t.logger.Debug("leaf hash read", zap.Int64("entry_number", entryNumber))
	return h, true, nil
}

func (t *pgTx) LeafCount(ctx context.Context) (int64, error) {
	n, err := t.leafCount(ctx)
	if err != nil {
		return 0, err
	}
	t.observedLeafCount, t.observed = n, true
	return n, nil
}

func (t *pgTx) leafCount(ctx context.Context) (int64, error) {
	var n int64
	if err := t.tx.QueryRow(ctx, `SELECT COALESCE(MAX(entry_number), 0) FROM leaf_hashes`).Scan(&n); err != nil {
		return 0, storeError("count leaves", err)
	}
	return n, nil
}

func (t *pgTx) BranchHash(ctx context.Context, startEntry, endEntry int64) ([]byte, bool, error) {
	var s string
	if err := t.tx.QueryRow(ctx,
		`SELECT branch_hash FROM branch_hashes
		 WHERE start_entry_number = $1 AND end_entry_number = $2`,
		startEntry, endEntry,
	).Scan(&s); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, storeError("read branch hash", err)
	}
	h, err := decodeHash("read branch hash", s)
	if err != nil {
		return nil, false, err
	}
	return h, true, nil
}

// canFill decides once per view whether cache rows may be written: the shared
// writer lock must be free and the leaf count unchanged since it was read.
func (t *pgTx) canFill(ctx context.Context) (bool, error) {
	if t.writer {
		return true, nil
	}
	if t.fill != fillUnchecked {
		return t.fill == fillAllowed, nil
	}
	t.fill = fillDenied

	var locked bool
	if err := t.tx.QueryRow(ctx, "SELECT pg_try_advisory_xact_lock_shared($1)", writerLockKey).Scan(&locked); err != nil {
		return false, storeError("acquire shared writer lock", err)
	}
	if !locked || !t.observed {
		return false, nil
	}
	current, err := t.leafCount(ctx)
	if err != nil {
		return false, err
	}
	if current != t.observedLeafCount {
		t.logger.Debug("log grew during view, skipping cache fills",
			zap.Int64("observed", t.observedLeafCount),
			zap.Int64("current", current),
		)
		return false, nil
	}
	t.fill = fillAllowed
	return true, nil
}

func (t *pgTx) PutBranchHash(ctx context.Context, startEntry, endEntry int64, hash []byte) error {
	ok, err := t.canFill(ctx)
	if err != nil || !ok {
		return err
	}
	if _, err := t.tx.Exec(ctx,
		`INSERT INTO branch_hashes (start_entry_number, end_entry_number, branch_hash)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (start_entry_number, end_entry_number) DO NOTHING`,
		startEntry, endEntry, encodeHash(hash),
	); err != nil {
		return storeError("store branch hash", err)
	}
	t.logger.Debug("branch hash stored",
		zap.Int64("start_entry_number", startEntry),
		zap.Int64("end_entry_number", endEntry),
	)
	return nil
}

func (t *pgTx) DeleteBranchHashesEndingAt(ctx context.Context, endEntry int64) (int64, error) {
	tag, err := t.tx.Exec(ctx, `DELETE FROM branch_hashes WHERE end_entry_number = $1`, endEntry)
	if err != nil {
		return 0, storeError("prune branch hashes", err)
	}
	return tag.RowsAffected(), nil
}

func (t *pgTx) CountBranchHashes(ctx context.Context) (int64, error) {
	var n int64
	if err := t.tx.QueryRow(ctx, `SELECT COUNT(*) FROM branch_hashes`).Scan(&n); err != nil {
		return 0, storeError("count branch hashes", err)
	}
	return n, nil
}
