package quarantine

import (
	"context"
	"testing"
	"time"

	"github.com/Ap3pp3rs94/factgraph-replicator/pkg/canonical"
)

func sampleFact() canonical.Fact {
	return canonical.Fact{
		Type:         "Order",
		Fields:       map[string]any{"number": "A-1"},
		Predecessors: map[string]canonical.PredecessorValue{},
	}
}

func TestNewRecord_DetectsMismatchAndNormalizes(t *testing.T) {
	fact := sampleFact()
	rec, err := NewRecord(fact, "not-the-real-hash", time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), "  hash mismatch on save  ")
	if err != nil {
		t.Fatalf("NewRecord: %v", err)
	}
	if rec.Reason != "hash mismatch on save" {
		t.Fatalf("expected trimmed reason, got %q", rec.Reason)
	}
	if rec.ExpectedHash == rec.StoredHash {
		t.Fatalf("expected distinct expected/stored hashes")
	}
	if rec.RecordHash == "" {
		t.Fatalf("expected record hash to be computed")
	}
}

func TestNewRecord_RejectsMatchingHashes(t *testing.T) {
	fact := sampleFact()
	expected, err := canonical.Hash(fact)
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	if _, err := NewRecord(fact, expected, time.Now(), "should not quarantine"); err == nil {
		t.Fatalf("expected error when stored hash matches expected hash")
	}
}

func TestMemStore_PutGetListDelete(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()
	fact := sampleFact()

	rec, err := NewRecord(fact, "bad-hash", time.Now(), "mismatch")
	if err != nil {
		t.Fatalf("NewRecord: %v", err)
	}
	if err := store.Put(ctx, rec); err != nil {
		t.Fatalf("Put: %v", err)
	}

	list, err := store.List(ctx, "Order", 10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected 1 record, got %d", len(list))
	}
	id := list[0].RecordID
	if id == "" {
		t.Fatalf("expected a generated record id")
	}

	got, err := store.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.FactType != "Order" {
		t.Fatalf("unexpected fact type %q", got.FactType)
	}

	if err := store.Delete(ctx, id); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := store.Get(ctx, id); err == nil {
		t.Fatalf("expected error after delete")
	}
}

func TestMemStore_ListFiltersByFactTypeAndIsSortedByDetectedAt(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()

	older, _ := NewRecord(sampleFact(), "bad-1", time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), "r1")
	newer, _ := NewRecord(sampleFact(), "bad-2", time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC), "r2")
	other, _ := NewRecord(canonical.Fact{Type: "Invoice", Fields: map[string]any{"number": "I-1"}, Predecessors: map[string]canonical.PredecessorValue{}}, "bad-3", time.Date(2026, 1, 3, 0, 0, 0, 0, time.UTC), "r3")
	_ = store.Put(ctx, newer)
	_ = store.Put(ctx, other)
	_ = store.Put(ctx, older)

	list, err := store.List(ctx, "Order", 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 records, got %d", len(list))
	}
	if !list[0].DetectedAt.Before(list[1].DetectedAt) {
		t.Fatalf("expected ascending DetectedAt order")
	}
}
