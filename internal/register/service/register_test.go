package service_test

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/transparency-dev/merkle/proof"
	"go.uber.org/zap"

	"github.com/jmerrifield20/openregister/internal/merkle"
	"github.com/jmerrifield20/openregister/internal/register/model"
	"github.com/jmerrifield20/openregister/internal/register/repository"
	"github.com/jmerrifield20/openregister/internal/register/service"
)

type sentEvent struct {
	routingKey string
	msg        model.Message
}

type recordingPublisher struct {
	mu   sync.Mutex
	sent []sentEvent
	err  error
}

func (p *recordingPublisher) Publish(_ context.Context, routingKey string, msg model.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.sent = append(p.sent, sentEvent{routingKey: routingKey, msg: msg})
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func newService(t *testing.T) (*service.RegisterService, *recordingPublisher) {
	t.Helper()
	pub := &recordingPublisher{}
	svc := service.NewRegisterService(
		repository.NewMemoryStore(zap.NewNop()),
		pub,
		service.Config{KeyField: "code", RoutingKey: "country.entries", Record: map[string]any{"register": "country"}},
		zap.NewNop(),
	)
	return svc, pub
}

func submission(t *testing.T, item model.Item) service.Submission {
	t.Helper()
	hash, err := item.Hash()
	if err != nil {
		t.Fatal(err)
	}
	return service.Submission{Item: item, ItemHash: hash, ItemSignature: "rs256:sig"}
}

func appendAll(t *testing.T, svc *service.RegisterService, items ...model.Item) []*model.Entry {
	t.Helper()
	out := make([]*model.Entry, 0, len(items))
	for _, item := range items {
		e, err := svc.Append(context.Background(), submission(t, item))
		if err != nil {
			t.Fatalf("Append(%v): %v", item, err)
		}
		out = append(out, e)
	}
	return out
}

func TestAppend_newThenUpdated(t *testing.T) {
	svc, pub := newService(t)

	entries := appendAll(t, svc,
		model.Item{"code": "GB", "name": "Britain"},
		model.Item{"code": "GB", "name": "United Kingdom"},
	)
	if entries[0].Number != 1 || entries[1].Number != 2 {
		t.Fatalf("entry numbers = %d, %d; want 1, 2", entries[0].Number, entries[1].Number)
	}
	if entries[1].Key != "GB" {
		t.Errorf("Key = %q, want GB", entries[1].Key)
	}

	if len(pub.sent) != 2 {
		t.Fatalf("expected 2 events, got %d", len(pub.sent))
	}
	if pub.sent[0].routingKey != "country.entries" {
		t.Errorf("routing key = %q", pub.sent[0].routingKey)
	}
	if pub.sent[0].msg.ActionType != model.ActionNew {
		t.Errorf("first event action = %s, want NEW", pub.sent[0].msg.ActionType)
	}
	second := pub.sent[1].msg
	if second.ActionType != model.ActionUpdated {
		t.Errorf("second event action = %s, want UPDATED", second.ActionType)
	}
	want := model.ItemChanges{"name": {Old: "Britain", New: "United Kingdom"}}
	if diff := cmp.Diff(want, second.ItemChanges); diff != "" {
		t.Errorf("item changes mismatch (-want +got):\n%s", diff)
	}
}

func TestAppend_duplicateItemAddsEntry(t *testing.T) {
	svc, _ := newService(t)
	item := model.Item{"code": "FR"}
	appendAll(t, svc, item, item)

	hash, _ := item.Hash()
	entries, err := svc.ItemEntries(context.Background(), hash)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 || entries[0].Number != 2 {
		t.Errorf("ItemEntries() = %+v", entries)
	}

	sum, err := svc.Summary(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if sum.TotalItems != 1 || sum.TotalEntries != 2 || sum.TotalRecords != 1 {
		t.Errorf("Summary() = %+v", sum)
	}
}

func TestAppend_missingKey(t *testing.T) {
	svc, pub := newService(t)
	_, err := svc.Append(context.Background(), submission(t, model.Item{"name": "nowhere"}))
	if !errors.Is(err, service.ErrInvalidItem) {
		t.Fatalf("Append() = %v, want ErrInvalidItem", err)
	}
	if len(pub.sent) != 0 {
		t.Error("no event should be published for a rejected item")
	}
}

func TestAppendBatch_isAtomic(t *testing.T) {
	svc, pub := newService(t)
	ctx := context.Background()

	_, err := svc.AppendBatch(ctx, []service.Submission{
		submission(t, model.Item{"code": "DE"}),
		submission(t, model.Item{"name": "no key"}),
	})
	if !errors.Is(err, service.ErrInvalidItem) {
		t.Fatalf("AppendBatch() = %v, want ErrInvalidItem", err)
	}
	if len(pub.sent) != 0 {
		t.Errorf("expected no events, got %d", len(pub.sent))
	}
	if _, total, _ := svc.Entries(ctx, 0, 10); total != 0 {
		t.Errorf("entry count after failed batch = %d, want 0", total)
	}

	results, err := svc.AppendBatch(ctx, []service.Submission{
		submission(t, model.Item{"code": "DE"}),
		submission(t, model.Item{"code": "IT"}),
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 || results[0].Entry.Number != 1 || results[1].Entry.Number != 2 {
		t.Errorf("AppendBatch() = %+v", results)
	}
	if len(pub.sent) != 2 {
		t.Errorf("expected 2 events, got %d", len(pub.sent))
	}
}

func TestAppend_publishFailureKeepsEntry(t *testing.T) {
	svc, pub := newService(t)
	pub.err = errors.New("broker down")

	e, err := svc.Append(context.Background(), submission(t, model.Item{"code": "ES"}))
	if err != nil {
		t.Fatalf("Append() = %v, want nil despite publish failure", err)
	}
	got, err := svc.Entry(context.Background(), e.Number)
	if err != nil {
		t.Fatal(err)
	}
	if got.ItemHash != e.ItemHash {
		t.Errorf("Entry() = %+v", got)
	}
}

func TestEntry_bounds(t *testing.T) {
	svc, _ := newService(t)
	appendAll(t, svc, model.Item{"code": "GB"})

	for _, n := range []int64{0, 2, -1} {
		if _, err := svc.Entry(context.Background(), n); !errors.Is(err, repository.ErrNotFound) {
			t.Errorf("Entry(%d) = %v, want ErrNotFound", n, err)
		}
	}
}

func TestEntries_pages(t *testing.T) {
	svc, _ := newService(t)
	appendAll(t, svc,
		model.Item{"code": "A"}, model.Item{"code": "B"}, model.Item{"code": "C"},
		model.Item{"code": "D"}, model.Item{"code": "E"},
	)

	tests := []struct {
		start, limit int64
		want         []int64
	}{
		{0, 2, []int64{5, 4}},
		{2, 2, []int64{3, 2}},
		{4, 2, []int64{1}},
		{0, 50, []int64{5, 4, 3, 2, 1}},
		{5, 2, []int64{}},
		{10, 2, []int64{}},
	}
	for _, tc := range tests {
		entries, total, err := svc.Entries(context.Background(), tc.start, tc.limit)
		if err != nil {
			t.Fatal(err)
		}
		if total != 5 {
			t.Errorf("total = %d, want 5", total)
		}
		got := make([]int64, 0, len(entries))
		for _, e := range entries {
			got = append(got, e.Number)
		}
		if diff := cmp.Diff(tc.want, got); diff != "" {
			t.Errorf("Entries(%d, %d) mismatch (-want +got):\n%s", tc.start, tc.limit, diff)
		}
	}
}

func TestRecords(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	appendAll(t, svc,
		model.Item{"code": "GB", "continent": "Europe"},
		model.Item{"code": "JP", "continent": "Asia"},
		model.Item{"code": "GB", "continent": "Europe", "name": "UK"},
	)

	rec, err := svc.Record(ctx, "GB")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Entry.Number != 3 || rec.Item["name"] != "UK" {
		t.Errorf("Record(GB) = %+v", rec)
	}
	if _, err := svc.Record(ctx, "XX"); !errors.Is(err, repository.ErrNotFound) {
		t.Errorf("Record(XX) = %v, want ErrNotFound", err)
	}

	entries, err := svc.RecordEntries(ctx, "GB")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 || entries[0].Number != 3 || entries[1].Number != 1 {
		t.Errorf("RecordEntries(GB) = %+v", entries)
	}
	if _, err := svc.RecordEntries(ctx, "XX"); !errors.Is(err, repository.ErrNotFound) {
		t.Errorf("RecordEntries(XX) = %v, want ErrNotFound", err)
	}

	records, total, err := svc.Records(ctx, 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if total != 2 || len(records) != 2 || records[0].Entry.Key != "JP" || records[1].Entry.Key != "GB" {
		t.Errorf("Records() = %+v, total %d", records, total)
	}

	europe, err := svc.RecordsByField(ctx, "continent", "Europe")
	if err != nil {
		t.Fatal(err)
	}
	if len(europe) != 1 || europe[0].Entry.Number != 3 {
		t.Errorf("RecordsByField(continent, Europe) = %+v", europe)
	}
	none, err := svc.RecordsByField(ctx, "continent", "Antarctica")
	if err != nil || none == nil || len(none) != 0 {
		t.Errorf("RecordsByField(no match) = %+v, %v; want empty list", none, err)
	}
}

func TestProofs_verify(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	var entries []*model.Entry
	for _, code := range []string{"A", "B", "C", "D", "E", "F", "G"} {
		entries = append(entries, appendAll(t, svc, model.Item{"code": code})...)
	}

	head, err := svc.TreeHead(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if head.TreeSize != 7 {
		t.Fatalf("TreeSize = %d, want 7", head.TreeSize)
	}

	for _, e := range entries {
		path, err := svc.EntryProof(ctx, e.Number, head.TreeSize)
		if err != nil {
			t.Fatal(err)
		}
		leaf, err := merkle.LeafHash(e.Fields())
		if err != nil {
			t.Fatal(err)
		}
		if err := proof.VerifyInclusion(merkle.Hasher, uint64(e.Number-1), uint64(head.TreeSize), leaf, path, head.RootHash); err != nil {
			t.Errorf("inclusion of %d: %v", e.Number, err)
		}
	}

	for older := int64(1); older <= head.TreeSize; older++ {
		oldRoot, err := svc.RootHash(ctx, older)
		if err != nil {
			t.Fatal(err)
		}
		nodes, err := svc.ConsistencyProof(ctx, older, head.TreeSize)
		if err != nil {
			t.Fatal(err)
		}
		if err := proof.VerifyConsistency(merkle.Hasher, uint64(older), uint64(head.TreeSize), nodes, oldRoot, head.RootHash); err != nil {
			t.Errorf("consistency %d -> %d: %v", older, head.TreeSize, err)
		}
	}
}

func TestProofs_rejectSizesBeyondLog(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	appendAll(t, svc, model.Item{"code": "A"}, model.Item{"code": "B"})

	if _, err := svc.RootHash(ctx, 3); !errors.Is(err, merkle.ErrInvalidTreeSize) {
		t.Errorf("RootHash(3) = %v, want ErrInvalidTreeSize", err)
	}
	if _, err := svc.EntryProof(ctx, 1, 3); !errors.Is(err, merkle.ErrInvalidTreeSize) {
		t.Errorf("EntryProof(1, 3) = %v, want ErrInvalidTreeSize", err)
	}
	if _, err := svc.EntryProof(ctx, 3, 2); !errors.Is(err, merkle.ErrInvalidEntryNumber) {
		t.Errorf("EntryProof(3, 2) = %v, want ErrInvalidEntryNumber", err)
	}
	if _, err := svc.ConsistencyProof(ctx, 1, 3); !errors.Is(err, merkle.ErrInvalidTreeSize) {
		t.Errorf("ConsistencyProof(1, 3) = %v, want ErrInvalidTreeSize", err)
	}
	if _, err := svc.ConsistencyProof(ctx, 2, 1); !errors.Is(err, merkle.ErrIncompatibleSizes) {
		t.Errorf("ConsistencyProof(2, 1) = %v, want ErrIncompatibleSizes", err)
	}
}

// downStore fails every unit of work and counts the attempts.
type downStore struct {
	views, updates int
}

func (d *downStore) Update(context.Context, func(repository.Tx) error) error {
	d.updates++
	return fmt.Errorf("db down: %w", repository.ErrStoreFailure)
}

func (d *downStore) View(context.Context, func(repository.Tx) error) error {
	d.views++
	return fmt.Errorf("db down: %w", repository.ErrStoreFailure)
}

func (d *downStore) Close() {}

func TestProofs_argumentsCheckedBeforeStore(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name string
		call func(*service.RegisterService) error
		want error
	}{
		{"negative root", func(s *service.RegisterService) error { _, err := s.RootHash(ctx, -1); return err }, merkle.ErrInvalidTreeSize},
		{"entry proof in empty tree", func(s *service.RegisterService) error { _, err := s.EntryProof(ctx, 3, 0); return err }, merkle.ErrInvalidTreeSize},
		{"entry number zero", func(s *service.RegisterService) error { _, err := s.EntryProof(ctx, 0, 5); return err }, merkle.ErrInvalidEntryNumber},
		{"entry beyond tree", func(s *service.RegisterService) error { _, err := s.EntryProof(ctx, 6, 5); return err }, merkle.ErrInvalidEntryNumber},
		{"consistency from zero", func(s *service.RegisterService) error { _, err := s.ConsistencyProof(ctx, 0, 5); return err }, merkle.ErrInvalidTreeSize},
		{"consistency shrinking", func(s *service.RegisterService) error { _, err := s.ConsistencyProof(ctx, 20, 15); return err }, merkle.ErrIncompatibleSizes},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			store := &downStore{}
			svc := service.NewRegisterService(store, nil, service.Config{KeyField: "code"}, zap.NewNop())
			if err := tc.call(svc); !errors.Is(err, tc.want) {
				t.Errorf("error = %v, want %v", err, tc.want)
			}
			if store.views != 0 {
				t.Errorf("opened %d views, want 0", store.views)
			}
		})
	}
}

func TestProofs_argumentErrorsBeforeSizeLimit(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	codes := []string{"A", "B", "C", "D", "E", "F", "G", "H", "I", "J"}
	for _, code := range codes {
		appendAll(t, svc, model.Item{"code": code})
	}

	if _, err := svc.ConsistencyProof(ctx, 20, 15); !errors.Is(err, merkle.ErrIncompatibleSizes) {
		t.Errorf("ConsistencyProof(20, 15) = %v, want ErrIncompatibleSizes", err)
	}
	if _, err := svc.EntryProof(ctx, 12, 11); !errors.Is(err, merkle.ErrInvalidEntryNumber) {
		t.Errorf("EntryProof(12, 11) = %v, want ErrInvalidEntryNumber", err)
	}
	if _, err := svc.ConsistencyProof(ctx, 5, 15); !errors.Is(err, merkle.ErrInvalidTreeSize) {
		t.Errorf("ConsistencyProof(5, 15) = %v, want ErrInvalidTreeSize", err)
	}
}

func TestRecords_hugeLimit(t *testing.T) {
	svc, _ := newService(t)
	appendAll(t, svc, model.Item{"code": "GB"}, model.Item{"code": "FR"}, model.Item{"code": "JP"})

	tests := []struct {
		start, limit int64
		want         int
	}{
		{1, math.MaxInt64, 2},
		{0, math.MaxInt64, 3},
		{math.MaxInt64, math.MaxInt64, 0},
	}
	for _, tc := range tests {
		records, total, err := svc.Records(context.Background(), tc.start, tc.limit)
		if err != nil {
			t.Fatalf("Records(%d, %d): %v", tc.start, tc.limit, err)
		}
		if len(records) != tc.want || total != 3 {
			t.Errorf("Records(%d, %d) = %d records (total %d), want %d", tc.start, tc.limit, len(records), total, tc.want)
		}
	}
}

func TestTreeHead_empty(t *testing.T) {
	svc, _ := newService(t)
	head, err := svc.TreeHead(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	want := "sha-256:E3B0C44298FC1C149AFBF4C8996FB92427AE41E4649B934CA495991B7852B855"
	if head.TreeSize != 0 || merkle.FormatDigest(head.RootHash) != want {
		t.Errorf("TreeHead() = %d %s", head.TreeSize, merkle.FormatDigest(head.RootHash))
	}
}

func TestRepublishEntries(t *testing.T) {
	svc, pub := newService(t)
	appendAll(t, svc,
		model.Item{"code": "GB", "name": "Britain"},
		model.Item{"code": "GB", "name": "UK"},
	)
	pub.sent = nil

	republished, notFound, err := svc.RepublishEntries(context.Background(), []int64{2, 7, 1}, "replay")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]int64{2, 1}, republished); diff != "" {
		t.Errorf("republished mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int64{7}, notFound); diff != "" {
		t.Errorf("notFound mismatch (-want +got):\n%s", diff)
	}
	if len(pub.sent) != 2 {
		t.Fatalf("expected 2 events, got %d", len(pub.sent))
	}
	if pub.sent[0].routingKey != "replay" || pub.sent[0].msg.ActionType != model.ActionUpdated {
		t.Errorf("first republish = %s %s", pub.sent[0].routingKey, pub.sent[0].msg.ActionType)
	}
	if pub.sent[1].msg.ActionType != model.ActionNew || pub.sent[1].msg.Item["name"] != "Britain" {
		t.Errorf("second republish = %+v", pub.sent[1].msg)
	}
}

func TestSummary(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	sum, err := svc.Summary(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if sum.TotalEntries != 0 || !sum.LastUpdated.IsZero() {
		t.Errorf("empty Summary() = %+v", sum)
	}

	entries := appendAll(t, svc, model.Item{"code": "GB"}, model.Item{"code": "FR"})
	sum, err = svc.Summary(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if sum.TotalEntries != 2 || sum.TotalRecords != 2 || sum.TotalItems != 2 {
		t.Errorf("Summary() = %+v", sum)
	}
	if !sum.LastUpdated.Equal(entries[1].Timestamp) {
		t.Errorf("LastUpdated = %v, want %v", sum.LastUpdated, entries[1].Timestamp)
	}
	if sum.Record["register"] != "country" {
		t.Errorf("Record = %v", sum.Record)
	}
}
