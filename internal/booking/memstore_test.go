package booking

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestMemoryStore_MarkPublishedDrainsOutbox(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		f.propose(t, f.doctor, nil, at(9+i, 0), at(9+i, 30))
	}

	first, err := f.store.PendingEvents(ctx, 2)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(first) != 2 {
		t.Fatalf("expected a batch of 2, got %d", len(first))
	}

	ids := []uuid.UUID{first[0].ID, first[1].ID, uuid.New()}
	if err := f.store.MarkPublished(ctx, ids, time.Now()); err != nil {
		t.Fatalf("mark published: %v", err)
	}

	rest, _ := f.store.PendingEvents(ctx, 0)
	if len(rest) != 1 || rest[0].ID == first[0].ID || rest[0].ID == first[1].ID {
		t.Fatalf("expected only the unpublished event left, got %+v", rest)
	}

	f.store.mu.RLock()
	kept := len(f.store.outbox)
	f.store.mu.RUnlock()
	if kept != 1 {
		t.Fatalf("published events must leave the outbox, %d retained", kept)
	}
}
