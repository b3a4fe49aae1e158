// Package canonical implements the fact model: immutable, content-addressed records,
// their canonical byte encoding, and the SHA-512 hash that gives them identity.
package canonical

import (
	"bytes"
	"crypto/sha512"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
)

// FactReference is the (type, hash) pair used wherever identity alone suffices.
type FactReference struct {
	Type string `json:"type"`
	Hash string `json:"hash"`
}

func (r FactReference) String() string {
	return r.Type + ":" + r.Hash
}

// CompareReferences orders references by (type, hash), the canonical ordering used
// whenever a set of references needs a stable sequence (predecessor arrays, bookmarks).
func CompareReferences(a, b FactReference) int {
	if a.Type != b.Type {
		if a.Type < b.Type {
			return -1
		}
		return 1
	}
	if a.Hash != b.Hash {
		if a.Hash < b.Hash {
			return -1
		}
		return 1
	}
	return 0
}

// PredecessorValue holds either a single fact reference or an ordered sequence of them.
// The zero value is not valid; use SinglePredecessor or MultiplePredecessors.
type PredecessorValue struct {
	refs    []FactReference
	isMulti bool
}

func SinglePredecessor(ref FactReference) PredecessorValue {
	return PredecessorValue{refs: []FactReference{ref}}
}

func MultiplePredecessors(refs []FactReference) PredecessorValue {
	out := make([]FactReference, len(refs))
	copy(out, refs)
	return PredecessorValue{refs: out, isMulti: true}
}

func (p PredecessorValue) IsMultiple() bool { return p.isMulti }

// References returns a defensive copy, in the order the caller supplied them.
func (p PredecessorValue) References() []FactReference {
	out := make([]FactReference, len(p.refs))
	copy(out, p.refs)
	return out
}

func (p PredecessorValue) MarshalJSON() ([]byte, error) {
	if !p.isMulti {
		if len(p.refs) != 1 {
			return nil, errors.New("canonical: single predecessor must carry exactly one reference")
		}
		return json.Marshal(p.refs[0])
	}
	return json.Marshal(p.refs)
}

func (p *PredecessorValue) UnmarshalJSON(b []byte) error {
	trimmed := bytes.TrimSpace(b)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var refs []FactReference
		if err := json.Unmarshal(b, &refs); err != nil {
			return fmt.Errorf("canonical: decoding predecessor array: %w", err)
		}
		p.refs = refs
		p.isMulti = true
		return nil
	}
	var single FactReference
	if err := json.Unmarshal(b, &single); err != nil {
		return fmt.Errorf("canonical: decoding predecessor reference: %w", err)
	}
	p.refs = []FactReference{single}
	p.isMulti = false
	return nil
}

// Fact is an immutable record. Equality is by (Type, Hash); Fields and Predecessors
// determine Hash and must never be mutated after the fact has been hashed or stored.
type Fact struct {
	Type         string                       `json:"type"`
	Fields       map[string]any               `json:"fields"`
	Predecessors map[string]PredecessorValue `json:"predecessors"`
}

// Reference computes this fact's (type, hash) pair.
func (f Fact) Reference() (FactReference, error) {
	h, err := Hash(f)
	if err != nil {
		return FactReference{}, err
	}
	return FactReference{Type: f.Type, Hash: h}, nil
}

// Hash computes base64(SHA-512(canonical(fields, predecessors))), invariant 1 of the
// fact model: identical (fields, predecessors) always produce an identical hash.
func Hash(f Fact) (string, error) {
	b, err := CanonicalBytes(f.Fields, f.Predecessors)
	if err != nil {
		return "", err
	}
	sum := sha512.Sum512(b)
	return base64.StdEncoding.EncodeToString(sum[:]), nil
}

// CanonicalBytes emits the deterministic UTF-8 byte sequence the hash is computed over:
// fields sorted by key with stable number/string encoding, predecessor roles sorted by
// name, and each role's references sorted by (type, hash).
func CanonicalBytes(fields map[string]any, predecessors map[string]PredecessorValue) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(`{"fields":`)
	fieldBytes, err := canonicalAnyJSON(fields)
	if err != nil {
		return nil, fmt.Errorf("canonical: fields: %w", err)
	}
	buf.Write(fieldBytes)
	buf.WriteString(`,"predecessors":`)
	predBytes, err := canonicalPredecessorsJSON(predecessors)
	if err != nil {
		return nil, fmt.Errorf("canonical: predecessors: %w", err)
	}
	buf.Write(predBytes)
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func canonicalAnyJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := encodeCanonicalValue(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// encodeCanonicalValue recurses over a decoded-JSON-shaped value (the only scalar kinds
// a fact's fields may hold: string, float64/json.Number, bool, nil, and nested
// map[string]any/[]any for structured field values) and writes deterministic JSON.
func encodeCanonicalValue(buf *bytes.Buffer, v any) error {
	switch x := v.(type) {
	case nil:
		buf.WriteString("null")
		return nil
	case bool:
		if x {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
		return nil
	case string:
		b, err := json.Marshal(x)
		if err != nil {
			return err
		}
		buf.Write(b)
		return nil
	case json.Number:
		s := x.String()
		if s == "" {
			buf.WriteString("0")
			return nil
		}
		buf.WriteString(s)
		return nil
	case float64:
		buf.WriteString(strconv.FormatFloat(x, 'g', -1, 64))
		return nil
	case float32:
		buf.WriteString(strconv.FormatFloat(float64(x), 'g', -1, 32))
		return nil
	case int:
		buf.WriteString(strconv.Itoa(x))
		return nil
	case int64:
		buf.WriteString(strconv.FormatInt(x, 10))
		return nil
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			if err := encodeCanonicalValue(buf, x[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
		return nil
	case []any:
		buf.WriteByte('[')
		for i, e := range x {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encodeCanonicalValue(buf, e); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	default:
		return fmt.Errorf("canonical: unsupported field value type %T", v)
	}
}

func canonicalPredecessorsJSON(predecessors map[string]PredecessorValue) ([]byte, error) {
	roles := make([]string, 0, len(predecessors))
	for role := range predecessors {
		roles = append(roles, role)
	}
	sort.Strings(roles)

	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, role := range roles {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(role)
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')

		pv := predecessors[role]
		refs := pv.References()
		sort.Slice(refs, func(i, j int) bool { return CompareReferences(refs[i], refs[j]) < 0 })

		if pv.IsMultiple() {
			buf.WriteByte('[')
			for j, r := range refs {
				if j > 0 {
					buf.WriteByte(',')
				}
				encodeCanonicalReference(&buf, r)
			}
			buf.WriteByte(']')
		} else {
			if len(refs) != 1 {
				return nil, fmt.Errorf("canonical: role %q: single predecessor must carry exactly one reference", role)
			}
			encodeCanonicalReference(&buf, refs[0])
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// encodeCanonicalReference writes {"hash":...,"type":...} — key order is alphabetical,
// consistent with every other object this package emits.
func encodeCanonicalReference(buf *bytes.Buffer, r FactReference) {
	hb, _ := json.Marshal(r.Hash)
	tb, _ := json.Marshal(r.Type)
	buf.WriteString(`{"hash":`)
	buf.Write(hb)
	buf.WriteString(`,"type":`)
	buf.Write(tb)
	buf.WriteByte('}')
}

// Signature pairs a public key (PEM-encoded) with the signature bytes it produced over
// the fact's canonical hash.
type Signature struct {
	PublicKey string `json:"publicKey"`
	Signature []byte `json:"signature"`
}

// Envelope is a fact together with whatever signatures currently accompany it. A fact
// with zero signatures is still a valid envelope; whether it is accepted is an
// authorization decision, not a canonicalization one.
type Envelope struct {
	Fact       Fact        `json:"fact"`
	Signatures []Signature `json:"signatures"`
}
