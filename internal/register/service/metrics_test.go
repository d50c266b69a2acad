package service

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"

	"github.com/jmerrifield20/openregister/internal/register/model"
	"github.com/jmerrifield20/openregister/internal/register/repository"
)

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, string, model.Message) error {
	return errors.New("unavailable")
}

func (failingPublisher) Close() error { return nil }

func TestMetrics_appendAndPublish(t *testing.T) {
	svc := NewRegisterService(repository.NewMemoryStore(zap.NewNop()), failingPublisher{}, Config{}, zap.NewNop())

	appended := testutil.ToFloat64(entriesAppendedTotal)
	failures := testutil.ToFloat64(eventsPublishedTotal.WithLabelValues("failure"))
	pruned := testutil.ToFloat64(branchRowsPrunedTotal)

	ctx := context.Background()
	for _, key := range []string{"a", "b", "c", "d"} {
		item := model.Item{"key": key}
		hash, err := item.Hash()
		if err != nil {
			t.Fatal(err)
		}
		if _, err := svc.Append(ctx, Submission{Item: item, ItemHash: hash}); err != nil {
			t.Fatal(err)
		}
		// Cache the right edge so the next append has a row to prune.
		if _, err := svc.TreeHead(ctx); err != nil {
			t.Fatal(err)
		}
	}

	if got := testutil.ToFloat64(entriesAppendedTotal) - appended; got != 4 {
		t.Errorf("entries appended delta = %v, want 4", got)
	}
	if got := testutil.ToFloat64(eventsPublishedTotal.WithLabelValues("failure")) - failures; got != 4 {
		t.Errorf("publish failures delta = %v, want 4", got)
	}
	if got := testutil.ToFloat64(branchRowsPrunedTotal) - pruned; got < 1 {
		t.Errorf("branch rows pruned delta = %v, want at least 1", got)
	}
}
