// Package quarantine records facts whose stored hash does not match the hash
// recomputed from their canonical bytes (invariant 1). A quarantined fact's
// signatures are dropped and it is never distributed, but the row is kept for
// operator inspection rather than silently discarded.
package quarantine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/Ap3pp3rs94/factgraph-replicator/pkg/canonical"
)

const (
	MaxReasonLen   = 512
	MaxExtraFields = 32
	MaxExtraKeyLen = 64
	MaxExtraValLen = 256
	MaxRecordIDLen = 128
)

var ErrInvalidRecord = errors.New("quarantine: invalid record")

// Record captures one hash-mismatch quarantine event.
//
// DetectedAt is when the mismatch was observed (during save). RecordHash is a
// stable sha256 over the fact type, stored and expected hashes, reason, detection
// time and Extra, suitable as a dedup/idempotency key; Fields, Predecessors and
// RecordID are not part of it.
type Record struct {
	RecordID string `json:"record_id,omitempty"`

	FactType     string                   `json:"fact_type"`
	StoredHash   string                   `json:"stored_hash"`
	ExpectedHash string                   `json:"expected_hash"`
	Fields       map[string]any           `json:"fields,omitempty"`
	Predecessors map[string]canonical.PredecessorValue `json:"predecessors,omitempty"`

	Reason     string    `json:"reason"`
	DetectedAt time.Time `json:"detected_at"`

	Extra map[string]string `json:"extra,omitempty"`

	RecordHash string `json:"record_hash,omitempty"`
}

// NewRecord builds a Record from a fact whose stored hash does not match the
// hash recomputed from its canonical bytes. If now is zero, time.Now().UTC() is used.
func NewRecord(fact canonical.Fact, storedHash string, now time.Time, reason string) (Record, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	} else {
		now = now.UTC()
	}
	expected, err := canonical.Hash(fact)
	if err != nil {
		return Record{}, fmt.Errorf("quarantine: recompute hash: %w", err)
	}
	rec := Record{
		FactType:     fact.Type,
		StoredHash:   strings.TrimSpace(storedHash),
		ExpectedHash: expected,
		Fields:       fact.Fields,
		Predecessors: fact.Predecessors,
		Reason:       reason,
		DetectedAt:   now,
	}
	return Normalize(rec)
}

// Normalize returns a normalized, validated copy of the record.
func Normalize(r Record) (Record, error) {
	out := r
	out.RecordID = strings.TrimSpace(out.RecordID)
	if len(out.RecordID) > MaxRecordIDLen {
		out.RecordID = out.RecordID[:MaxRecordIDLen]
	}
	out.FactType = strings.TrimSpace(out.FactType)
	out.StoredHash = strings.TrimSpace(out.StoredHash)
	out.ExpectedHash = strings.TrimSpace(out.ExpectedHash)
	out.Reason = strings.TrimSpace(out.Reason)
	if len(out.Reason) > MaxReasonLen {
		out.Reason = out.Reason[:MaxReasonLen]
	}
	if !out.DetectedAt.IsZero() {
		out.DetectedAt = out.DetectedAt.UTC()
	}

	if out.Extra != nil {
		clean := make(map[string]string, len(out.Extra))
		keys := make([]string, 0, len(out.Extra))
		for k := range out.Extra {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			k2 := strings.ToLower(strings.TrimSpace(k))
			if k2 == "" || len(k2) > MaxExtraKeyLen {
				continue
			}
			v := strings.TrimSpace(out.Extra[k])
			if len(v) > MaxExtraValLen {
				v = v[:MaxExtraValLen]
			}
			clean[k2] = v
			if len(clean) >= MaxExtraFields {
				break
			}
		}
		if len(clean) == 0 {
			out.Extra = nil
		} else {
			out.Extra = clean
		}
	}

	out.RecordHash = ""
	h, err := stableHash(out)
	if err != nil {
		return Record{}, err
	}
	out.RecordHash = h

	if err := out.Validate(); err != nil {
		return Record{}, err
	}
	return out, nil
}

func (r Record) Validate() error {
	if r.FactType == "" {
		return fmt.Errorf("%w: fact_type required", ErrInvalidRecord)
	}
	if r.StoredHash == "" || r.ExpectedHash == "" {
		return fmt.Errorf("%w: stored_hash and expected_hash required", ErrInvalidRecord)
	}
	if r.StoredHash == r.ExpectedHash {
		return fmt.Errorf("%w: stored_hash equals expected_hash (not a mismatch)", ErrInvalidRecord)
	}
	if r.DetectedAt.IsZero() {
		return fmt.Errorf("%w: detected_at required", ErrInvalidRecord)
	}
	return nil
}

func stableHash(r Record) (string, error) {
	h := sha256.New()
	write := func(s string) {
		_, _ = h.Write([]byte(s))
		_, _ = h.Write([]byte{0})
	}
	write(r.FactType)
	write(r.StoredHash)
	write(r.ExpectedHash)
	write(r.Reason)
	write(r.DetectedAt.Format(time.RFC3339Nano))
	if r.Extra != nil {
		keys := make([]string, 0, len(r.Extra))
		for k := range r.Extra {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			write("x:" + k)
			write(r.Extra[k])
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Store persists quarantine records. MemStore below is the only implementation in
// this module.
type Store interface {
	Put(ctx context.Context, rec Record) error
	Get(ctx context.Context, recordID string) (Record, error)
	List(ctx context.Context, factType string, limit int) ([]Record, error)
	Delete(ctx context.Context, recordID string) error
}

// MemStore is a process-local Store. It does no locking of its own; callers that
// share one across goroutines serialize access themselves.
type MemStore struct {
	byID map[string]Record
	seq  int
}

func NewMemStore() *MemStore {
	return &MemStore{byID: make(map[string]Record)}
}

func (m *MemStore) Put(_ context.Context, rec Record) error {
	norm, err := Normalize(rec)
	if err != nil {
		return err
	}
	if norm.RecordID == "" {
		m.seq++
		norm.RecordID = fmt.Sprintf("q-%d-%s", m.seq, norm.RecordHash[:minInt(12, len(norm.RecordHash))])
	}
	m.byID[norm.RecordID] = norm
	return nil
}

func (m *MemStore) Get(_ context.Context, recordID string) (Record, error) {
	rec, ok := m.byID[recordID]
	if !ok {
		return Record{}, fmt.Errorf("quarantine: record %q not found", recordID)
	}
	return rec, nil
}

func (m *MemStore) List(_ context.Context, factType string, limit int) ([]Record, error) {
	out := make([]Record, 0, len(m.byID))
	for _, rec := range m.byID {
		if factType != "" && rec.FactType != factType {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].DetectedAt.Equal(out[j].DetectedAt) {
			return out[i].DetectedAt.Before(out[j].DetectedAt)
		}
		return out[i].RecordID < out[j].RecordID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemStore) Delete(_ context.Context, recordID string) error {
	delete(m.byID, recordID)
	return nil
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
