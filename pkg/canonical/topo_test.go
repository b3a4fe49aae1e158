package canonical

import "testing"

func mustFact(t *testing.T, typ string, fields map[string]any, preds map[string]PredecessorValue) Fact {
	t.Helper()
	return Fact{Type: typ, Fields: fields, Predecessors: preds}
}

func TestTopologicalSort_PredecessorsBeforeSuccessors(t *testing.T) {
	store := mustFact(t, "Store", map[string]any{"id": "s1"}, map[string]PredecessorValue{})
	storeRef, _ := store.Reference()
	order := mustFact(t, "Order", map[string]any{"t": 0.0}, map[string]PredecessorValue{
		"store": SinglePredecessor(storeRef),
	})
	orderRef, _ := order.Reference()
	item := mustFact(t, "Item", map[string]any{"qty": 1.0}, map[string]PredecessorValue{
		"order": SinglePredecessor(orderRef),
	})

	sorted, err := TopologicalSort([]Fact{item, order, store}, nil)
	if err != nil {
		t.Fatalf("TopologicalSort: %v", err)
	}
	if len(sorted) != 3 {
		t.Fatalf("expected 3 facts, got %d", len(sorted))
	}
	index := map[string]int{}
	for i, f := range sorted {
		index[f.Type] = i
	}
	if index["Store"] > index["Order"] || index["Order"] > index["Item"] {
		t.Fatalf("predecessors did not precede successors: %+v", index)
	}
}

func TestTopologicalSort_MissingPredecessorFails(t *testing.T) {
	order := mustFact(t, "Order", map[string]any{}, map[string]PredecessorValue{
		"store": SinglePredecessor(FactReference{Type: "Store", Hash: "does-not-exist"}),
	})
	_, err := TopologicalSort([]Fact{order}, func(FactReference) bool { return false })
	if err == nil {
		t.Fatalf("expected MissingPredecessorError")
	}
	var missing *MissingPredecessorError
	if !asMissingPredecessorError(err, &missing) {
		t.Fatalf("expected *MissingPredecessorError, got %T: %v", err, err)
	}
}

func asMissingPredecessorError(err error, target **MissingPredecessorError) bool {
	if e, ok := err.(*MissingPredecessorError); ok {
		*target = e
		return true
	}
	return false
}

func TestTopologicalSort_KnownPredecessorFromStoreIsAccepted(t *testing.T) {
	order := mustFact(t, "Order", map[string]any{}, map[string]PredecessorValue{
		"store": SinglePredecessor(FactReference{Type: "Store", Hash: "already-stored"}),
	})
	sorted, err := TopologicalSort([]Fact{order}, func(ref FactReference) bool {
		return ref.Hash == "already-stored"
	})
	if err != nil {
		t.Fatalf("TopologicalSort: %v", err)
	}
	if len(sorted) != 1 {
		t.Fatalf("expected 1 fact, got %d", len(sorted))
	}
}
