package canonical

import "testing"

func TestCanonicalBytes_FieldsSortedByKey(t *testing.T) {
	fields := map[string]any{
		"storeId": "store-1",
		"at":      "2026-07-31T00:00:00Z",
	}
	b, err := CanonicalBytes(fields, map[string]PredecessorValue{})
	if err != nil {
		t.Fatalf("CanonicalBytes: %v", err)
	}
	want := `{"fields":{"at":"2026-07-31T00:00:00Z","storeId":"store-1"},"predecessors":{}}`
	if string(b) != want {
		t.Fatalf("got  %s\nwant %s", string(b), want)
	}
}

func TestCanonicalBytes_PredecessorRolesSortedAndReferencesSorted(t *testing.T) {
	preds := map[string]PredecessorValue{
		"store": SinglePredecessor(FactReference{Type: "Store", Hash: "aaa"}),
		"items": MultiplePredecessors([]FactReference{
			{Type: "Item", Hash: "zzz"},
			{Type: "Item", Hash: "bbb"},
		}),
	}
	b, err := CanonicalBytes(map[string]any{}, preds)
	if err != nil {
		t.Fatalf("CanonicalBytes: %v", err)
	}
	want := `{"fields":{},"predecessors":{"items":[{"hash":"bbb","type":"Item"},{"hash":"zzz","type":"Item"}],"store":{"hash":"aaa","type":"Store"}}}`
	if string(b) != want {
		t.Fatalf("got  %s\nwant %s", string(b), want)
	}
}

func TestHash_IdenticalInputsProduceIdenticalHash(t *testing.T) {
	f1 := Fact{
		Type:         "Order",
		Fields:       map[string]any{"total": 3.0, "placedAt": "2026-07-31T00:00:00Z"},
		Predecessors: map[string]PredecessorValue{"store": SinglePredecessor(FactReference{Type: "Store", Hash: "h1"})},
	}
	f2 := Fact{
		Type:         "Order",
		Fields:       map[string]any{"placedAt": "2026-07-31T00:00:00Z", "total": 3.0},
		Predecessors: map[string]PredecessorValue{"store": SinglePredecessor(FactReference{Type: "Store", Hash: "h1"})},
	}
	h1, err := Hash(f1)
	if err != nil {
		t.Fatalf("Hash(f1): %v", err)
	}
	h2, err := Hash(f2)
	if err != nil {
		t.Fatalf("Hash(f2): %v", err)
	}
	if h1 != h2 {
		t.Fatalf("expected equal hashes for field-order-independent facts, got %s != %s", h1, h2)
	}
}

func TestHash_DifferentPredecessorOrderSameMultisetSameHash(t *testing.T) {
	base := func(order []FactReference) Fact {
		return Fact{
			Type:   "Item",
			Fields: map[string]any{"qty": 1.0},
			Predecessors: map[string]PredecessorValue{
				"tags": MultiplePredecessors(order),
			},
		}
	}
	a := base([]FactReference{{Type: "Tag", Hash: "h2"}, {Type: "Tag", Hash: "h1"}})
	b := base([]FactReference{{Type: "Tag", Hash: "h1"}, {Type: "Tag", Hash: "h2"}})
	ha, _ := Hash(a)
	hb, _ := Hash(b)
	if ha != hb {
		t.Fatalf("expected hash independent of predecessor array order, got %s != %s", ha, hb)
	}
}

func TestPredecessorValue_JSONRoundTripSingle(t *testing.T) {
	pv := SinglePredecessor(FactReference{Type: "Store", Hash: "h1"})
	b, err := pv.MarshalJSON()
	if err != nil {
		t.Fatalf("MarshalJSON: %v", err)
	}
	var decoded PredecessorValue
	if err := decoded.UnmarshalJSON(b); err != nil {
		t.Fatalf("UnmarshalJSON: %v", err)
	}
	if decoded.IsMultiple() {
		t.Fatalf("expected single predecessor to round-trip as single")
	}
	refs := decoded.References()
	if len(refs) != 1 || refs[0] != (FactReference{Type: "Store", Hash: "h1"}) {
		t.Fatalf("unexpected round-tripped references: %+v", refs)
	}
}

func TestPredecessorValue_JSONRoundTripMultiple(t *testing.T) {
	pv := MultiplePredecessors([]FactReference{{Type: "Item", Hash: "a"}, {Type: "Item", Hash: "b"}})
	b, err := pv.MarshalJSON()
	if err != nil {
		t.Fatalf("MarshalJSON: %v", err)
	}
	var decoded PredecessorValue
	if err := decoded.UnmarshalJSON(b); err != nil {
		t.Fatalf("UnmarshalJSON: %v", err)
	}
	if !decoded.IsMultiple() {
		t.Fatalf("expected multiple predecessor to round-trip as multiple")
	}
	if len(decoded.References()) != 2 {
		t.Fatalf("expected 2 references, got %d", len(decoded.References()))
	}
}
