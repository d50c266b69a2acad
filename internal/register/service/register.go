// Package service implements the register's append pipeline, read path and
// proof operations on top of a repository.Store.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/jmerrifield20/openregister/internal/events"
	"github.com/jmerrifield20/openregister/internal/merkle"
	"github.com/jmerrifield20/openregister/internal/register/model"
	"github.com/jmerrifield20/openregister/internal/register/repository"
)

// ErrInvalidItem is returned when a submitted item cannot be appended.
var ErrInvalidItem = errors.New("invalid item")

// DefaultRoutingKey is used for change events when Config.RoutingKey is empty.
const DefaultRoutingKey = "register.entries"

// Config holds the register's identity and event routing.
type Config struct {
	// KeyField is the item field whose value names a record.
	KeyField string

	// RoutingKey is the routing key of events emitted by appends.
	RoutingKey string

	// Record is the optional register-record document shown in the summary.
	Record map[string]any
}

// Submission is an item presented for appending, with the hash it is stored
// under and the signature recorded in its entry.
type Submission struct {
	Item          model.Item
	ItemHash      string
	ItemSignature string
}

// AppendResult pairs a submitted item hash with the entry created for it.
type AppendResult struct {
	ItemHash string
	Entry    model.Entry
}

// TreeHead describes the current Merkle tree.
type TreeHead struct {
	TreeSize  int64
	RootHash  []byte
	Timestamp time.Time
}

// Summary is the register overview.
type Summary struct {
	TotalEntries int64
	TotalItems   int64
	TotalRecords int64

	// LastUpdated is the newest entry timestamp; zero for an empty register.
	LastUpdated time.Time
	Record      map[string]any
}

// RegisterService contains the business logic of a single register.
type RegisterService struct {
	store      repository.Store
	publisher  events.Publisher
	keyField   string
	routingKey string
	record     map[string]any
	logger     *zap.Logger
}

// NewRegisterService creates a RegisterService. publisher may be nil, in which
// case change events are only logged.
func NewRegisterService(store repository.Store, publisher events.Publisher, cfg Config, logger *zap.Logger) *RegisterService {
	if publisher == nil {
		publisher = events.NewNoopPublisher(logger)
	}
	routingKey := cfg.RoutingKey
	if routingKey == "" {
		routingKey = DefaultRoutingKey
	}
	keyField := cfg.KeyField
	if keyField == "" {
		keyField = model.FieldKey
	}
	return &RegisterService{
		store:      store,
		publisher:  publisher,
		keyField:   keyField,
		routingKey: routingKey,
		record:     cfg.Record,
		logger:     logger,
	}
}

// KeyField is the item field whose value names a record.
func (s *RegisterService) KeyField() string {
	return s.keyField
}

// Append stores one submission and returns its entry.
func (s *RegisterService) Append(ctx context.Context, sub Submission) (*model.Entry, error) {
	results, err := s.AppendBatch(ctx, []Submission{sub})
	if err != nil {
		return nil, err
	}
	return &results[0].Entry, nil
}

// AppendBatch stores every submission in a single unit of work. Any failure
// aborts the whole batch. Change events are published only after commit.
func (s *RegisterService) AppendBatch(ctx context.Context, subs []Submission) ([]AppendResult, error) {
	if len(subs) == 0 {
		return []AppendResult{}, nil
	}

	var (
		results  []AppendResult
		messages []model.Message
		pruned   int64
	)
	err := s.store.Update(ctx, func(tx repository.Tx) error {
		results = make([]AppendResult, 0, len(subs))
		messages = make([]model.Message, 0, len(subs))
		pruned = 0

		cache := repository.NewBranchCache(tx, s.logger)
		for _, sub := range subs {
			msg, n, err := s.appendOne(ctx, tx, cache, sub)
			if err != nil {
				return err
			}
			results = append(results, AppendResult{ItemHash: sub.ItemHash, Entry: msg.Entry})
			messages = append(messages, msg)
			pruned += n
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	entriesAppendedTotal.Add(float64(len(results)))
	branchRowsPrunedTotal.Add(float64(pruned))
	for _, msg := range messages {
		s.publish(ctx, s.routingKey, msg)
	}
	return results, nil
}

func (s *RegisterService) appendOne(ctx context.Context, tx repository.Tx, cache *repository.BranchCache, sub Submission) (model.Message, int64, error) {
	if sub.Item == nil {
		return model.Message{}, 0, fmt.Errorf("%w: item is missing", ErrInvalidItem)
	}
	if sub.ItemHash == "" {
		return model.Message{}, 0, fmt.Errorf("%w: item hash is missing", ErrInvalidItem)
	}
	key, ok := sub.Item.Key(s.keyField)
	if !ok {
		return model.Message{}, 0, fmt.Errorf("%w: key field (%s) is missing", ErrInvalidItem, s.keyField)
	}

	inserted, err := tx.InsertItem(ctx, sub.ItemHash, sub.Item)
	if err != nil {
		return model.Message{}, 0, fmt.Errorf("insert item: %w", err)
	}
	if inserted {
		s.logger.Info("item inserted", zap.String("item_hash", sub.ItemHash))
	} else {
		s.logger.Info("item already exists", zap.String("item_hash", sub.ItemHash))
	}

	entry := model.Entry{
		Timestamp: model.Now(),
		ItemHash:  sub.ItemHash,
		Key:       key,
		Signature: sub.ItemSignature,
	}
	if err := tx.InsertEntry(ctx, &entry); err != nil {
		return model.Message{}, 0, fmt.Errorf("insert entry: %w", err)
	}

	leaf, err := merkle.LeafHash(entry.Fields())
	if err != nil {
		return model.Message{}, 0, fmt.Errorf("leaf hash of entry %d: %w", entry.Number, err)
	}
	if err := tx.PutLeafHash(ctx, entry.Number, leaf); err != nil {
		return model.Message{}, 0, fmt.Errorf("store leaf hash: %w", err)
	}

	previous, err := s.previousItem(ctx, tx, key, entry.Number)
	if err != nil {
		return model.Message{}, 0, err
	}

	pruned, err := cache.Prune(ctx, entry.Number)
	if err != nil {
		return model.Message{}, 0, err
	}

	msg := model.NewMessage(entry, sub.Item, previous)
	s.logger.Info("entry appended",
		zap.Int64("entry_number", entry.Number),
		zap.String("item_hash", entry.ItemHash),
		zap.String("key", key),
		zap.String("action_type", string(msg.ActionType)),
	)
	return msg, pruned, nil
}

// previousItem returns the item of the newest entry for key before number,
// or nil when there is none.
func (s *RegisterService) previousItem(ctx context.Context, tx repository.Tx, key string, number int64) (model.Item, error) {
	rec, err := tx.LatestRecordBefore(ctx, key, number)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read previous record for %q: %w", key, err)
	}
	return rec.Item, nil
}

func (s *RegisterService) publish(ctx context.Context, routingKey string, msg model.Message) bool {
	if err := s.publisher.Publish(ctx, routingKey, msg); err != nil {
		recordPublish(false)
		s.logger.Error("publish change event",
			zap.Int64("entry_number", msg.Entry.Number),
			zap.String("routing_key", routingKey),
			zap.Error(err),
		)
		return false
	}
	recordPublish(true)
	return true
}

// RepublishEntries re-emits the change events of the given entries under
// routingKey. Numbers outside the log are reported as not found. A number with
// no stored row is republished as an empty entry.
func (s *RegisterService) RepublishEntries(ctx context.Context, numbers []int64, routingKey string) (republished, notFound []int64, err error) {
	if routingKey == "" {
		routingKey = s.routingKey
	}

	type pending struct {
		number int64
		msg    model.Message
	}
	var toSend []pending

	err = s.store.View(ctx, func(tx repository.Tx) error {
		toSend, notFound = nil, nil
		count, err := tx.EntryCount(ctx)
		if err != nil {
			return err
		}
		for _, n := range numbers {
			if n < 1 || n > count {
				s.logger.Warn("entry number is greater than maximum entry",
					zap.Int64("entry_number", n), zap.Int64("max_entry_number", count))
				notFound = append(notFound, n)
				continue
			}
			msg, err := s.rebuildMessage(ctx, tx, n)
			if err != nil {
				return err
			}
			toSend = append(toSend, pending{number: n, msg: msg})
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	republished = make([]int64, 0, len(toSend))
	for _, p := range toSend {
		s.publish(ctx, routingKey, p.msg)
		s.logger.Info("entry republished",
			zap.Int64("entry_number", p.number),
			zap.String("routing_key", routingKey),
		)
		republished = append(republished, p.number)
	}
	if notFound == nil {
		notFound = []int64{}
	}
	return republished, notFound, nil
}

func (s *RegisterService) rebuildMessage(ctx context.Context, tx repository.Tx, n int64) (model.Message, error) {
	entry, err := tx.Entry(ctx, n)
	if errors.Is(err, repository.ErrNotFound) {
		s.logger.Info("no entry found, using empty entry", zap.Int64("entry_number", n))
		return model.NewMessage(model.EmptyEntry(n), nil, nil), nil
	}
	if err != nil {
		return model.Message{}, fmt.Errorf("read entry %d: %w", n, err)
	}
	item, err := tx.Item(ctx, entry.ItemHash)
	if err != nil {
		return model.Message{}, fmt.Errorf("read item %s: %w", entry.ItemHash, err)
	}
	previous, err := s.previousItem(ctx, tx, entry.Key, n)
	if err != nil {
		return model.Message{}, err
	}
	return model.NewMessage(entry, item, previous), nil
}

// Summary returns the register overview.
func (s *RegisterService) Summary(ctx context.Context) (*Summary, error) {
	sum := &Summary{Record: s.record}
	err := s.store.View(ctx, func(tx repository.Tx) error {
		var err error
		if sum.TotalEntries, err = tx.EntryCount(ctx); err != nil {
			return err
		}
		if sum.TotalItems, err = tx.CountItems(ctx); err != nil {
			return err
		}
		if sum.TotalRecords, err = tx.CountRecords(ctx); err != nil {
			return err
		}
		last, ok, err := tx.LastUpdated(ctx)
		if err != nil {
			return err
		}
		if ok {
			sum.LastUpdated = last
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sum, nil
}
