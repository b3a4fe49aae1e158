// Package authz implements the keystore, authorization engine, and distribution
// engine of spec.md §4.6. Rule representation and verdict computation are grounded
// on services/auth/internal/rbac/policy_engine.go's Engine{roles}/Decision shape,
// generalized from RBAC role/permission matching to any(type)/no(type)/type(T,rule)
// fact-authorization rules. The keystore's RSA-2048 lazy keypair generation mirrors
// the teacher's stdlib-only crypto convention (services/auth/internal/providers/
// jwt.go avoids third-party crypto libraries on purpose).
package authz

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha512"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"sync"

	"github.com/Ap3pp3rs94/factgraph-replicator/pkg/canonical"
)

// Identity names a signing principal upstream of the replicator -- an authenticated
// user or device session. The keystore maps one Identity to exactly one keypair,
// created lazily on first use (spec.md §4.6: "A 2048-bit RSA keypair is generated
// lazily at first getOrCreate*; re-reads return the same pair").
type Identity struct {
	Provider string
	Subject  string
}

func (i Identity) String() string { return i.Provider + ":" + i.Subject }

// Keystore is the pluggable contract spec.md §4.6 describes. MemoryKeystore and
// RelationalKeystore both satisfy it.
type Keystore interface {
	GetOrCreateUserFact(ctx context.Context, identity Identity) (canonical.Envelope, error)
	GetOrCreateDeviceFact(ctx context.Context, identity Identity) (canonical.Envelope, error)
	GetUserFact(ctx context.Context, identity Identity) (canonical.Envelope, bool, error)
	GetDeviceFact(ctx context.Context, identity Identity) (canonical.Envelope, bool, error)
	// SignFacts signs every fact for identity. A nil identity is legal: the
	// resulting envelopes carry empty signature lists (spec.md §4.6, "legal for
	// unauthenticated writes if rules allow").
	SignFacts(ctx context.Context, identity *Identity, facts []canonical.Fact) ([]canonical.Envelope, error)
}

type keypair struct {
	priv *rsa.PrivateKey
	pem  string
}

// MemoryKeystore is the in-memory keystore implementation. Keys never leave the
// process; suitable for tests and for the standalone in-memory store variant.
type MemoryKeystore struct {
	mu      sync.Mutex
	users   map[Identity]keypair
	devices map[Identity]keypair
}

func NewMemoryKeystore() *MemoryKeystore {
	return &MemoryKeystore{
		users:   make(map[Identity]keypair),
		devices: make(map[Identity]keypair),
	}
}

func (k *MemoryKeystore) GetOrCreateUserFact(_ context.Context, identity Identity) (canonical.Envelope, error) {
	return k.getOrCreate(k.users, identity, canonical.UserFactType)
}

func (k *MemoryKeystore) GetOrCreateDeviceFact(_ context.Context, identity Identity) (canonical.Envelope, error) {
	return k.getOrCreate(k.devices, identity, canonical.DeviceFactType)
}

func (k *MemoryKeystore) getOrCreate(table map[Identity]keypair, identity Identity, factType string) (canonical.Envelope, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	kp, ok := table[identity]
	if !ok {
		var err error
		kp, err = generateKeypair()
		if err != nil {
			return canonical.Envelope{}, fmt.Errorf("authz: generating keypair for %s: %w", identity, err)
		}
		table[identity] = kp
	}
	return identityEnvelope(factType, kp)
}

func (k *MemoryKeystore) GetUserFact(_ context.Context, identity Identity) (canonical.Envelope, bool, error) {
	return k.read(k.users, identity, canonical.UserFactType)
}

func (k *MemoryKeystore) GetDeviceFact(_ context.Context, identity Identity) (canonical.Envelope, bool, error) {
	return k.read(k.devices, identity, canonical.DeviceFactType)
}

func (k *MemoryKeystore) read(table map[Identity]keypair, identity Identity, factType string) (canonical.Envelope, bool, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	kp, ok := table[identity]
	if !ok {
		return canonical.Envelope{}, false, nil
	}
	env, err := identityEnvelope(factType, kp)
	return env, true, err
}

// SignFacts signs every fact with identity's user keypair, creating it if absent.
// identity == nil yields envelopes with empty signature lists.
func (k *MemoryKeystore) SignFacts(_ context.Context, identity *Identity, facts []canonical.Fact) ([]canonical.Envelope, error) {
	if identity == nil {
		return unsignedEnvelopes(facts), nil
	}
	k.mu.Lock()
	kp, ok := k.users[*identity]
	if !ok {
		var err error
		kp, err = generateKeypair()
		if err != nil {
			k.mu.Unlock()
			return nil, fmt.Errorf("authz: generating keypair for %s: %w", identity, err)
		}
		k.users[*identity] = kp
	}
	k.mu.Unlock()
	return signWith(kp, facts)
}

func generateKeypair() (keypair, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return keypair{}, err
	}
	der, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return keypair{}, err
	}
	block := &pem.Block{Type: "PUBLIC KEY", Bytes: der}
	return keypair{priv: priv, pem: string(pem.EncodeToMemory(block))}, nil
}

func identityEnvelope(factType string, kp keypair) (canonical.Envelope, error) {
	fact, err := canonical.NewIdentityFact(factType, kp.pem)
	if err != nil {
		return canonical.Envelope{}, err
	}
	envs, err := signWith(kp, []canonical.Fact{fact})
	if err != nil {
		return canonical.Envelope{}, err
	}
	return envs[0], nil
}

func unsignedEnvelopes(facts []canonical.Fact) []canonical.Envelope {
	out := make([]canonical.Envelope, len(facts))
	for i, f := range facts {
		out[i] = canonical.Envelope{Fact: f}
	}
	return out
}

// signWith produces one envelope per fact, signing the SHA-512 digest of each
// fact's canonical bytes (spec.md §4.1: "recompute canonical hash, verify each
// signature against its public key"). A re-canonicalization mismatch -- which
// cannot happen here since the digest is computed directly from the fact passed
// in -- would otherwise leave the signature list empty per spec.md's hash-mismatch
// policy; this path always succeeds unless RSA signing itself fails.
func signWith(kp keypair, facts []canonical.Fact) ([]canonical.Envelope, error) {
	out := make([]canonical.Envelope, len(facts))
	for i, f := range facts {
		canonicalBytes, err := canonical.CanonicalBytes(f.Fields, f.Predecessors)
		if err != nil {
			out[i] = canonical.Envelope{Fact: f}
			continue
		}
		digest := sha512.Sum512(canonicalBytes)
		sig, err := rsa.SignPKCS1v15(rand.Reader, kp.priv, crypto.SHA512, digest[:])
		if err != nil {
			return nil, fmt.Errorf("authz: signing fact: %w", err)
		}
		out[i] = canonical.Envelope{
			Fact:       f,
			Signatures: []canonical.Signature{{PublicKey: kp.pem, Signature: sig}},
		}
	}
	return out, nil
}

// VerifyEnvelope recomputes the canonical hash of env.Fact and verifies every
// signature independently against it, dropping any that fail. A fact whose
// recomputed hash diverges from wantHash is quarantined per spec.md invariant 1:
// the returned envelope carries zero signatures regardless of what it arrived with.
func VerifyEnvelope(env canonical.Envelope, wantHash string) (canonical.Envelope, bool) {
	canonicalBytes, err := canonical.CanonicalBytes(env.Fact.Fields, env.Fact.Predecessors)
	if err != nil {
		return canonical.Envelope{Fact: env.Fact}, false
	}
	digest := sha512.Sum512(canonicalBytes)
	gotHash, err := canonical.Hash(env.Fact)
	if err != nil || gotHash != wantHash {
		return canonical.Envelope{Fact: env.Fact}, false
	}

	var surviving []canonical.Signature
	for _, sig := range env.Signatures {
		if verifySignature(sig, digest[:]) {
			surviving = append(surviving, sig)
		}
	}
	return canonical.Envelope{Fact: env.Fact, Signatures: surviving}, true
}

func verifySignature(sig canonical.Signature, digest []byte) bool {
	block, _ := pem.Decode([]byte(sig.PublicKey))
	if block == nil {
		return false
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return false
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return false
	}
	return rsa.VerifyPKCS1v15(rsaPub, crypto.SHA512, digest, sig.Signature) == nil
}
