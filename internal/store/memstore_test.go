package store

import (
	"context"
	"testing"

	"github.com/Ap3pp3rs94/factgraph-replicator/internal/compiler"
	"github.com/Ap3pp3rs94/factgraph-replicator/internal/query"
	"github.com/Ap3pp3rs94/factgraph-replicator/pkg/canonical"
)

func userFact(key string) canonical.Fact {
	return canonical.Fact{Type: "User", Fields: map[string]any{"publicKey": key}, Predecessors: map[string]canonical.PredecessorValue{}}
}

func tweetFact(t *testing.T, sender canonical.Fact, text string) canonical.Fact {
	t.Helper()
	senderRef, err := sender.Reference()
	if err != nil {
		t.Fatalf("sender.Reference: %v", err)
	}
	return canonical.Fact{
		Type:         "Tweet",
		Fields:       map[string]any{"text": text},
		Predecessors: map[string]canonical.PredecessorValue{"sender": canonical.SinglePredecessor(senderRef)},
	}
}

func envelope(f canonical.Fact) canonical.Envelope { return canonical.Envelope{Fact: f} }

func TestMemStoreSaveIsIdempotent(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	user := userFact("pk-1")
	out, err := s.Save(ctx, []canonical.Envelope{envelope(user)})
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if len(out.Inserted) != 1 || len(out.Existing) != 0 {
		t.Fatalf("first save: got %+v, want one inserted", out)
	}

	out, err = s.Save(ctx, []canonical.Envelope{envelope(user)})
	if err != nil {
		t.Fatalf("Save (repeat): %v", err)
	}
	if len(out.Inserted) != 0 || len(out.Existing) != 1 {
		t.Fatalf("repeat save: got %+v, want one existing", out)
	}
}

func TestMemStoreSaveMissingPredecessorFails(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	user := userFact("pk-1")
	tweet := tweetFact(t, user, "hello")

	_, err := s.Save(ctx, []canonical.Envelope{envelope(tweet)})
	var missing *MissingDependencyError
	if err == nil {
		t.Fatal("expected a MissingDependencyError")
	}
	if m, ok := err.(*MissingDependencyError); !ok {
		t.Fatalf("got %T, want *MissingDependencyError", err)
	} else {
		missing = m
	}
	if missing.Role != "sender" {
		t.Errorf("missing.Role = %q, want sender", missing.Role)
	}
}

func TestMemStoreFactIDAndRecord(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	user := userFact("pk-1")
	tweet := tweetFact(t, user, "hello")
	if _, err := s.Save(ctx, []canonical.Envelope{envelope(user), envelope(tweet)}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	tweetRef, _ := tweet.Reference()
	id, found, err := s.FactID(ctx, tweetRef)
	if err != nil || !found {
		t.Fatalf("FactID: id=%d found=%v err=%v", id, found, err)
	}

	row, found, err := s.FactRecord(ctx, tweetRef)
	if err != nil || !found {
		t.Fatalf("FactRecord: found=%v err=%v", found, err)
	}
	if row.Fact().Fields["text"] != "hello" {
		t.Errorf("FactRecord text = %v, want hello", row.Fact().Fields["text"])
	}

	unknownRef := canonical.FactReference{Type: "Tweet", Hash: "nonexistent"}
	if _, found, _ := s.FactID(ctx, unknownRef); found {
		t.Error("expected FactID to report not-found for an unknown reference")
	}
}

func TestMemStoreAncestorsAndDescendants(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	user := userFact("pk-1")
	tweet := tweetFact(t, user, "hello")
	if _, err := s.Save(ctx, []canonical.Envelope{envelope(user), envelope(tweet)}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	userRef, _ := user.Reference()
	userID, _, _ := s.FactID(ctx, userRef)
	tweetRef, _ := tweet.Reference()
	tweetID, _, _ := s.FactID(ctx, tweetRef)

	ancestors, err := s.Ancestors(ctx, tweetID)
	if err != nil {
		t.Fatalf("Ancestors: %v", err)
	}
	if !ancestors[userID] {
		t.Errorf("expected user %d among tweet's ancestors, got %v", userID, ancestors)
	}

	descendants, err := s.Descendants(ctx, userID)
	if err != nil {
		t.Fatalf("Descendants: %v", err)
	}
	if len(descendants) != 1 || descendants[0] != tweetID {
		t.Errorf("descendants = %v, want [%d]", descendants, tweetID)
	}
}

func TestMemStoreDeleteFactsAndFactsOfType(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	user := userFact("pk-1")
	tweet := tweetFact(t, user, "hello")
	if _, err := s.Save(ctx, []canonical.Envelope{envelope(user), envelope(tweet)}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	tweets, err := s.FactsOfType(ctx, "Tweet")
	if err != nil || len(tweets) != 1 {
		t.Fatalf("FactsOfType before delete: %v err=%v", tweets, err)
	}

	if err := s.DeleteFacts(ctx, tweets); err != nil {
		t.Fatalf("DeleteFacts: %v", err)
	}

	tweets, err = s.FactsOfType(ctx, "Tweet")
	if err != nil || len(tweets) != 0 {
		t.Fatalf("FactsOfType after delete: %v err=%v", tweets, err)
	}

	tweetRef, _ := tweet.Reference()
	if _, found, _ := s.FactID(ctx, tweetRef); found {
		t.Error("expected a deleted fact to report not-found via FactID")
	}
}

func TestMemStoreExecuteResultWalksPathCondition(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	user := userFact("pk-1")
	tweet := tweetFact(t, user, "hello")
	if _, err := s.Save(ctx, []canonical.Envelope{envelope(user), envelope(tweet)}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	tweetRef, _ := tweet.Reference()
	tweetID, _, _ := s.FactID(ctx, tweetRef)
	userRef, _ := user.Reference()

	spec := compiler.Specification{
		Given: []query.Label{{Name: "tweet", Type: "Tweet"}},
		Matches: []compiler.Match{
			{
				Unknown: query.Label{Name: "user", Type: "User"},
				Conditions: []compiler.Condition{
					{Path: &compiler.PathCondition{
						LabelRight: "tweet",
						RolesRight: []compiler.Role{{Name: "sender", TargetType: "User"}},
					}},
				},
			},
		},
		Projection: compiler.Projection{
			Kind:           compiler.ProjectionComposite,
			ComponentOrder: []string{"user"},
			Components:     map[string]compiler.Projection{"user": {Kind: compiler.ProjectionHash, Label: "user"}},
		},
	}
	qd, err := compiler.Compile(spec, s.TypeMap())
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if qd.IsUnsatisfiable() {
		t.Fatal("expected a satisfiable query")
	}

	rows, err := s.ExecuteResult(ctx, qd, map[string]int64{"tweet": tweetID})
	if err != nil {
		t.Fatalf("ExecuteResult: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("rows = %d, want 1", len(rows))
	}
	if rows[0]["user"].Hash != userRef.Hash {
		t.Errorf("resolved user hash = %q, want %q", rows[0]["user"].Hash, userRef.Hash)
	}
}

func TestBookmarkEncodingAndOrdering(t *testing.T) {
	a := EncodeBookmark([]int64{5, 2})
	if a != "5,2" {
		t.Fatalf("EncodeBookmark = %q, want 5,2", a)
	}
	if CompareBookmark([]int64{5, 2}, []int64{5, 3}) >= 0 {
		t.Error("expected [5,2] < [5,3]")
	}
	if CompareBookmarkStrings("", "5,2") >= 0 {
		t.Error("expected an empty bookmark to sort before a non-empty one")
	}
	if CompareBookmarkStrings("5,2", "5,2") != 0 {
		t.Error("expected equal bookmarks to compare equal")
	}
}
