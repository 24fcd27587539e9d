package persistence_test

import (
	"context"
	"errors"
	"testing"

	"github.com/basket/taskbridge/internal/persistence"
)

func TestInsertTaskSpec_VersionsIncrement(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	task := seedTask(t, store)

	v1, err := store.InsertTaskSpec(ctx, task.ID, "# Spec\n\nfirst")
	if err != nil {
		t.Fatalf("insert v1: %v", err)
	}
	if v1.Version != 1 {
		t.Fatalf("expected version 1, got %d", v1.Version)
	}

	v2, err := store.InsertTaskSpec(ctx, task.ID, "# Spec\n\nsecond")
	if err != nil {
		t.Fatalf("insert v2: %v", err)
	}
	if v2.Version != 2 {
		t.Fatalf("expected version 2, got %d", v2.Version)
	}

	latest, err := store.LatestTaskSpec(ctx, task.ID)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest.Version != 2 || latest.Content != "# Spec\n\nsecond" {
		t.Fatalf("expected latest v2 content, got v%d %q", latest.Version, latest.Content)
	}

	count, err := store.SpecVersionCount(ctx, task.ID)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 versions, got %d", count)
	}
}

func TestLatestTaskSpec_NotFound(t *testing.T) {
	store, _ := openTestStore(t)

	_, err := store.LatestTaskSpec(context.Background(), "no-such-task")
	if !errors.Is(err, persistence.ErrSpecNotFound) {
		t.Fatalf("expected ErrSpecNotFound, got %v", err)
	}
}
