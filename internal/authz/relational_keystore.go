package authz

import (
	"context"
	"crypto/x509"
	"database/sql"
	"encoding/pem"
	"fmt"

	"github.com/Ap3pp3rs94/factgraph-replicator/pkg/canonical"
)

// RelationalKeystore is the relational-backed keystore implementation, persisting
// keypairs in the `user` table spec.md §6.2 describes:
// user(provider, user_identifier, public_key, private_key). Grounded on the same
// database/sql-only, driver-agnostic convention internal/store.PostgresStore uses.
type RelationalKeystore struct {
	db     *sql.DB
	schema string
}

func NewRelationalKeystore(db *sql.DB, schema string) *RelationalKeystore {
	return &RelationalKeystore{db: db, schema: schema}
}

func (k *RelationalKeystore) table() string { return k.schema + ".user" }

func (k *RelationalKeystore) GetOrCreateUserFact(ctx context.Context, identity Identity) (canonical.Envelope, error) {
	return k.getOrCreate(ctx, identity, canonical.UserFactType)
}

func (k *RelationalKeystore) GetOrCreateDeviceFact(ctx context.Context, identity Identity) (canonical.Envelope, error) {
	return k.getOrCreate(ctx, identity, canonical.DeviceFactType)
}

func (k *RelationalKeystore) getOrCreate(ctx context.Context, identity Identity, factType string) (canonical.Envelope, error) {
	kp, ok, err := k.load(ctx, identity)
	if err != nil {
		return canonical.Envelope{}, err
	}
	if !ok {
		kp, err = generateKeypair()
		if err != nil {
			return canonical.Envelope{}, fmt.Errorf("authz: generating keypair for %s: %w", identity, err)
		}
		der := x509.MarshalPKCS1PrivateKey(kp.priv)
		privPEM := string(pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: der}))
		q := fmt.Sprintf(`INSERT INTO %s (provider, user_identifier, public_key, private_key)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (provider, user_identifier) DO NOTHING`, k.table())
		if _, err := k.db.ExecContext(ctx, q, identity.Provider, identity.Subject, kp.pem, privPEM); err != nil {
			return canonical.Envelope{}, fmt.Errorf("authz: inserting user keypair: %w", err)
		}
		// Another request may have raced this insert; re-read so both callers agree
		// on the one persisted keypair (invariant: re-reads return the same pair).
		kp, ok, err = k.load(ctx, identity)
		if err != nil {
			return canonical.Envelope{}, err
		}
		if !ok {
			return canonical.Envelope{}, fmt.Errorf("authz: keypair for %s vanished after insert", identity)
		}
	}
	return identityEnvelope(factType, kp)
}

func (k *RelationalKeystore) load(ctx context.Context, identity Identity) (keypair, bool, error) {
	q := fmt.Sprintf(`SELECT public_key, private_key FROM %s WHERE provider = $1 AND user_identifier = $2`, k.table())
	row := k.db.QueryRowContext(ctx, q, identity.Provider, identity.Subject)
	var pubPEM, privPEM string
	if err := row.Scan(&pubPEM, &privPEM); err != nil {
		if err == sql.ErrNoRows {
			return keypair{}, false, nil
		}
		return keypair{}, false, fmt.Errorf("authz: loading keypair: %w", err)
	}
	block, _ := pem.Decode([]byte(privPEM))
	if block == nil {
		return keypair{}, false, fmt.Errorf("authz: corrupt private key for %s", identity)
	}
	priv, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return keypair{}, false, fmt.Errorf("authz: parsing private key: %w", err)
	}
	return keypair{priv: priv, pem: pubPEM}, true, nil
}

func (k *RelationalKeystore) GetUserFact(ctx context.Context, identity Identity) (canonical.Envelope, bool, error) {
	kp, ok, err := k.load(ctx, identity)
	if err != nil || !ok {
		return canonical.Envelope{}, ok, err
	}
	env, err := identityEnvelope(canonical.UserFactType, kp)
	return env, true, err
}

func (k *RelationalKeystore) GetDeviceFact(ctx context.Context, identity Identity) (canonical.Envelope, bool, error) {
	kp, ok, err := k.load(ctx, identity)
	if err != nil || !ok {
		return canonical.Envelope{}, ok, err
	}
	env, err := identityEnvelope(canonical.DeviceFactType, kp)
	return env, true, err
}

func (k *RelationalKeystore) SignFacts(ctx context.Context, identity *Identity, facts []canonical.Fact) ([]canonical.Envelope, error) {
	if identity == nil {
		return unsignedEnvelopes(facts), nil
	}
	kp, ok, err := k.load(ctx, *identity)
	if err != nil {
		return nil, err
	}
	if !ok {
		if _, err := k.getOrCreate(ctx, *identity, canonical.UserFactType); err != nil {
			return nil, err
		}
		kp, _, err = k.load(ctx, *identity)
		if err != nil {
			return nil, err
		}
	}
	return signWith(kp, facts)
}

var _ Keystore = (*RelationalKeystore)(nil)
var _ Keystore = (*MemoryKeystore)(nil)
