package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/Ap3pp3rs94/factgraph-replicator/internal/compiler"
	"github.com/Ap3pp3rs94/factgraph-replicator/internal/query"
	"github.com/Ap3pp3rs94/factgraph-replicator/pkg/canonical"
)

// reSchemaName matches spec.md §6.2's schema-name constraint, enforced the same way
// the teacher's postgres_store.go validates its table name before ever
// interpolating it into SQL text.
var reSchemaName = regexp.MustCompile(`^[a-z_][a-z0-9_$]*$`)

func validateSchemaName(name string) error {
	if !reSchemaName.MatchString(name) {
		return fmt.Errorf("store: invalid schema name %q", name)
	}
	return nil
}

// Dialect distinguishes the two backends' placeholder syntax; both speak the same
// SQL text the compiler emits (? placeholders), rebound at execution time.
type Dialect int

const (
	DialectPostgres Dialect = iota
	DialectSQLite
)

// Clock supplies the fact table's ingestion timestamp. Matching the teacher's
// Options{Clock} pattern: no bare time.Now() in pure logic, injectable for tests.
type Clock func() time.Time

type Options struct {
	Schema  string
	Dialect Dialect
	Clock   Clock
	Retry   RetryPolicy
}

// PostgresStore is the relational store of spec.md §4.2/§6.2, backed by
// database/sql. It never imports a driver package directly -- the caller blank-
// imports github.com/lib/pq (or github.com/mattn/go-sqlite3 for the SQLite build) in
// cmd/replicator, exactly as services/storage/internal/relational/postgres_store.go
// documents for its own driver-agnostic design.
type PostgresStore struct {
	db      *sql.DB
	schema  string
	dialect Dialect
	clock   Clock
	retry   RetryPolicy
	intern  *InternMap
}

func NewPostgresStore(db *sql.DB, opts Options) (*PostgresStore, error) {
	if db == nil {
		return nil, fmt.Errorf("store: db is nil")
	}
	if err := validateSchemaName(opts.Schema); err != nil {
		return nil, err
	}
	if opts.Clock == nil {
		opts.Clock = func() time.Time { return time.Now().UTC() }
	}
	if opts.Retry == (RetryPolicy{}) {
		opts.Retry = DefaultRetryPolicy()
	}
	return &PostgresStore{db: db, schema: opts.Schema, dialect: opts.Dialect, clock: opts.Clock, retry: opts.Retry, intern: NewInternMap()}, nil
}

func (s *PostgresStore) table(name string) string {
	return fmt.Sprintf("%s.%s", s.schema, name)
}

// EnsureSchema creates every table spec.md §6.2 lists, idempotently.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s`, s.schema),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			fact_type_id SERIAL PRIMARY KEY,
			name TEXT NOT NULL UNIQUE
		)`, s.table("fact_type")),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			role_id SERIAL PRIMARY KEY,
			defining_fact_type_id INTEGER NOT NULL REFERENCES %s(fact_type_id),
			name TEXT NOT NULL,
			UNIQUE(defining_fact_type_id, name)
		)`, s.table("role"), s.table("fact_type")),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			fact_id SERIAL PRIMARY KEY,
			fact_type_id INTEGER NOT NULL REFERENCES %s(fact_type_id),
			hash TEXT NOT NULL,
			data JSONB NOT NULL,
			ingested_at TIMESTAMPTZ NOT NULL,
			UNIQUE(fact_type_id, hash)
		)`, s.table("fact"), s.table("fact_type")),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			successor_fact_id INTEGER NOT NULL REFERENCES %s(fact_id) ON DELETE CASCADE,
			predecessor_fact_id INTEGER NOT NULL REFERENCES %s(fact_id) ON DELETE CASCADE,
			role_id INTEGER NOT NULL REFERENCES %s(role_id),
			UNIQUE(successor_fact_id, predecessor_fact_id, role_id)
		)`, s.table("edge"), s.table("fact"), s.table("fact"), s.table("role")),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			fact_id INTEGER NOT NULL REFERENCES %s(fact_id) ON DELETE CASCADE,
			ancestor_fact_id INTEGER NOT NULL REFERENCES %s(fact_id) ON DELETE CASCADE,
			UNIQUE(fact_id, ancestor_fact_id)
		)`, s.table("ancestor"), s.table("fact"), s.table("fact")),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			public_key_id SERIAL PRIMARY KEY,
			public_key TEXT NOT NULL UNIQUE
		)`, s.table("public_key")),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			fact_id INTEGER NOT NULL REFERENCES %s(fact_id) ON DELETE CASCADE,
			public_key_id INTEGER NOT NULL REFERENCES %s(public_key_id),
			signature TEXT NOT NULL,
			UNIQUE(fact_id, public_key_id)
		)`, s.table("signature"), s.table("fact"), s.table("public_key")),
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, s.rebind(stmt)); err != nil {
			return fmt.Errorf("store: ensure schema: %w", err)
		}
	}
	return nil
}

// rebind rewrites ? placeholders into the dialect's native syntax. Postgres wants
// $1, $2, ...; sqlite (and the in-process query text the compiler emits) accepts ?
// as-is.
func (s *PostgresStore) rebind(sqlText string) string {
	if s.dialect != DialectPostgres {
		return sqlText
	}
	var sb strings.Builder
	n := 0
	for _, r := range sqlText {
		if r == '?' {
			n++
			sb.WriteString("$" + strconv.Itoa(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

func (s *PostgresStore) TypeMap() TypeMap { return s }

func (s *PostgresStore) TypeID(name string) (int, bool) {
	if id, ok := s.intern.TypeID(name); ok {
		return id, true
	}
	var id int
	err := s.db.QueryRow(s.rebind(fmt.Sprintf("SELECT fact_type_id FROM %s WHERE name = ?", s.table("fact_type"))), name).Scan(&id)
	if err != nil {
		return 0, false
	}
	s.intern.MergeType(name, id)
	return id, true
}

func (s *PostgresStore) RoleID(definingTypeID int, name string) (int, bool) {
	if id, ok := s.intern.RoleID(definingTypeID, name); ok {
		return id, true
	}
	var id int
	err := s.db.QueryRow(s.rebind(fmt.Sprintf("SELECT role_id FROM %s WHERE defining_fact_type_id = ? AND name = ?", s.table("role"))), definingTypeID, name).Scan(&id)
	if err != nil {
		return 0, false
	}
	s.intern.MergeRole(definingTypeID, name, id)
	return id, true
}

func (s *PostgresStore) internTypeTx(ctx context.Context, tx *sql.Tx, name string) (int, error) {
	if id, ok := s.intern.TypeID(name); ok {
		return id, nil
	}
	q := s.rebind(fmt.Sprintf(`INSERT INTO %s (name) VALUES (?) ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name RETURNING fact_type_id`, s.table("fact_type")))
	var id int
	if err := tx.QueryRowContext(ctx, q, name).Scan(&id); err != nil {
		return 0, fmt.Errorf("store: intern type %q: %w", name, err)
	}
	s.intern.MergeType(name, id)
	return id, nil
}

func (s *PostgresStore) internRoleTx(ctx context.Context, tx *sql.Tx, definingTypeID int, name string) (int, error) {
	if id, ok := s.intern.RoleID(definingTypeID, name); ok {
		return id, nil
	}
	q := s.rebind(fmt.Sprintf(`INSERT INTO %s (defining_fact_type_id, name) VALUES (?, ?) ON CONFLICT (defining_fact_type_id, name) DO UPDATE SET name = EXCLUDED.name RETURNING role_id`, s.table("role")))
	var id int
	if err := tx.QueryRowContext(ctx, q, definingTypeID, name).Scan(&id); err != nil {
		return 0, fmt.Errorf("store: intern role %q: %w", name, err)
	}
	s.intern.MergeRole(definingTypeID, name, id)
	return id, nil
}

func (s *PostgresStore) internPublicKeyTx(ctx context.Context, tx *sql.Tx, pem string) (int, error) {
	if id, ok := s.intern.PublicKeyID(pem); ok {
		return id, nil
	}
	q := s.rebind(fmt.Sprintf(`INSERT INTO %s (public_key) VALUES (?) ON CONFLICT (public_key) DO UPDATE SET public_key = EXCLUDED.public_key RETURNING public_key_id`, s.table("public_key")))
	var id int
	if err := tx.QueryRowContext(ctx, q, pem).Scan(&id); err != nil {
		return 0, fmt.Errorf("store: intern public key: %w", err)
	}
	s.intern.MergePublicKey(pem, id)
	return id, nil
}

// Save performs the single BEGIN/COMMIT transaction spec.md §5 requires: type/role
// allocation, fact insert, edge insert, ancestor-closure insert, signature insert,
// in that order. Retried up to RetryPolicy.MaxAttempts on transient errors.
func (s *PostgresStore) Save(ctx context.Context, envelopes []canonical.Envelope) (SaveOutcome, error) {
	var out SaveOutcome
	err := Retry(ctx, s.retry, func(ctx context.Context) error {
		out = SaveOutcome{}
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		for _, env := range envelopes {
			ref, err := env.Fact.Reference()
			if err != nil {
				return fmt.Errorf("store: computing fact reference: %w", err)
			}

			typeID, err := s.internTypeTx(ctx, tx, env.Fact.Type)
			if err != nil {
				return err
			}

			dataJSON, err := canonicalDataJSON(env.Fact)
			if err != nil {
				return err
			}

			var factID int64
			var inserted bool
			insertQ := s.rebind(fmt.Sprintf(
				`INSERT INTO %s (fact_type_id, hash, data, ingested_at) VALUES (?, ?, ?, ?)
				 ON CONFLICT (fact_type_id, hash) DO UPDATE SET fact_type_id = EXCLUDED.fact_type_id
				 RETURNING fact_id, (xmax = 0) AS inserted`, s.table("fact")))
			if err := tx.QueryRowContext(ctx, insertQ, typeID, ref.Hash, dataJSON, s.clock()).Scan(&factID, &inserted); err != nil {
				if s.dialect == DialectSQLite {
					// sqlite lacks xmax; fall back to a plain upsert + lookup.
					factID, inserted, err = s.sqliteUpsertFact(ctx, tx, typeID, ref.Hash, dataJSON)
					if err != nil {
						return err
					}
				} else {
					return fmt.Errorf("store: insert fact %s: %w", ref, err)
				}
			}

			if !inserted {
				out.Existing = append(out.Existing, ref)
				if err := s.insertSignatures(ctx, tx, factID, env.Signatures); err != nil {
					return err
				}
				continue
			}
			out.Inserted = append(out.Inserted, ref)

			roles := make([]string, 0, len(env.Fact.Predecessors))
			for role := range env.Fact.Predecessors {
				roles = append(roles, role)
			}
			sort.Strings(roles)

			ancestors := make(map[int64]bool)
			for _, role := range roles {
				roleID, err := s.internRoleTx(ctx, tx, typeID, role)
				if err != nil {
					return err
				}
				for _, pref := range env.Fact.Predecessors[role].References() {
					predID, ok, err := s.factIDTx(ctx, tx, pref)
					if err != nil {
						return err
					}
					if !ok {
						return &MissingDependencyError{Fact: ref, Role: role, Missing: pref}
					}
					edgeQ := s.rebind(fmt.Sprintf(
						`INSERT INTO %s (successor_fact_id, predecessor_fact_id, role_id) VALUES (?, ?, ?)
						 ON CONFLICT (successor_fact_id, predecessor_fact_id, role_id) DO NOTHING`, s.table("edge")))
					if _, err := tx.ExecContext(ctx, edgeQ, factID, predID, roleID); err != nil {
						return fmt.Errorf("store: insert edge: %w", err)
					}
					ancestors[predID] = true
					predAncestors, err := s.ancestorsTx(ctx, tx, predID)
					if err != nil {
						return err
					}
					for a := range predAncestors {
						ancestors[a] = true
					}
				}
			}

			for a := range ancestors {
				ancQ := s.rebind(fmt.Sprintf(
					`INSERT INTO %s (fact_id, ancestor_fact_id) VALUES (?, ?) ON CONFLICT (fact_id, ancestor_fact_id) DO NOTHING`, s.table("ancestor")))
				if _, err := tx.ExecContext(ctx, ancQ, factID, a); err != nil {
					return fmt.Errorf("store: insert ancestor: %w", err)
				}
			}

			if err := s.insertSignatures(ctx, tx, factID, env.Signatures); err != nil {
				return err
			}
		}

		return tx.Commit()
	})
	if err != nil {
		return SaveOutcome{}, err
	}
	return out, nil
}

func (s *PostgresStore) sqliteUpsertFact(ctx context.Context, tx *sql.Tx, typeID int, hash string, dataJSON []byte) (int64, bool, error) {
	var factID int64
	err := tx.QueryRowContext(ctx, s.rebind(fmt.Sprintf("SELECT fact_id FROM %s WHERE fact_type_id = ? AND hash = ?", s.table("fact"))), typeID, hash).Scan(&factID)
	if err == nil {
		return factID, false, nil
	}
	if err != sql.ErrNoRows {
		return 0, false, fmt.Errorf("store: lookup fact: %w", err)
	}
	res, err := tx.ExecContext(ctx, s.rebind(fmt.Sprintf("INSERT INTO %s (fact_type_id, hash, data, ingested_at) VALUES (?, ?, ?, ?)", s.table("fact"))), typeID, hash, dataJSON, s.clock())
	if err != nil {
		if IsUniqueViolation(err) {
			if err2 := tx.QueryRowContext(ctx, s.rebind(fmt.Sprintf("SELECT fact_id FROM %s WHERE fact_type_id = ? AND hash = ?", s.table("fact"))), typeID, hash).Scan(&factID); err2 == nil {
				return factID, false, nil
			}
		}
		return 0, false, fmt.Errorf("store: insert fact: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, false, fmt.Errorf("store: last insert id: %w", err)
	}
	return id, true, nil
}

func (s *PostgresStore) insertSignatures(ctx context.Context, tx *sql.Tx, factID int64, sigs []canonical.Signature) error {
	for _, sg := range sigs {
		keyID, err := s.internPublicKeyTx(ctx, tx, sg.PublicKey)
		if err != nil {
			return err
		}
		q := s.rebind(fmt.Sprintf(
			`INSERT INTO %s (fact_id, public_key_id, signature) VALUES (?, ?, ?)
			 ON CONFLICT (fact_id, public_key_id) DO NOTHING`, s.table("signature")))
		if _, err := tx.ExecContext(ctx, q, factID, keyID, encodeSignature(sg.Signature)); err != nil {
			return fmt.Errorf("store: insert signature: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) factIDTx(ctx context.Context, tx *sql.Tx, ref canonical.FactReference) (int64, bool, error) {
	q := s.rebind(fmt.Sprintf(
		`SELECT f.fact_id FROM %s f JOIN %s t ON t.fact_type_id = f.fact_type_id WHERE t.name = ? AND f.hash = ?`,
		s.table("fact"), s.table("fact_type")))
	var id int64
	err := tx.QueryRowContext(ctx, q, ref.Type, ref.Hash).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("store: lookup fact id: %w", err)
	}
	return id, true, nil
}

func (s *PostgresStore) ancestorsTx(ctx context.Context, tx *sql.Tx, factID int64) (map[int64]bool, error) {
	q := s.rebind(fmt.Sprintf(`SELECT ancestor_fact_id FROM %s WHERE fact_id = ?`, s.table("ancestor")))
	rows, err := tx.QueryContext(ctx, q, factID)
	if err != nil {
		return nil, fmt.Errorf("store: query ancestors: %w", err)
	}
	defer rows.Close()
	out := make(map[int64]bool)
	for rows.Next() {
		var a int64
		if err := rows.Scan(&a); err != nil {
			return nil, err
		}
		out[a] = true
	}
	return out, rows.Err()
}

func (s *PostgresStore) FactID(ctx context.Context, ref canonical.FactReference) (int64, bool, error) {
	q := s.rebind(fmt.Sprintf(
		`SELECT f.fact_id FROM %s f JOIN %s t ON t.fact_type_id = f.fact_type_id WHERE t.name = ? AND f.hash = ?`,
		s.table("fact"), s.table("fact_type")))
	var id int64
	err := s.db.QueryRowContext(ctx, q, ref.Type, ref.Hash).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("store: lookup fact id: %w", err)
	}
	return id, true, nil
}

func (s *PostgresStore) FactsOfType(ctx context.Context, factType string) ([]int64, error) {
	q := s.rebind(fmt.Sprintf(
		`SELECT f.fact_id FROM %s f JOIN %s t ON t.fact_type_id = f.fact_type_id WHERE t.name = ? ORDER BY f.fact_id ASC`,
		s.table("fact"), s.table("fact_type")))
	rows, err := s.db.QueryContext(ctx, q, factType)
	if err != nil {
		return nil, fmt.Errorf("store: query facts of type %q: %w", factType, err)
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *PostgresStore) FactRecord(ctx context.Context, ref canonical.FactReference) (FactRow, bool, error) {
	q := s.rebind(fmt.Sprintf(
		`SELECT f.fact_id, t.name, f.hash, f.data, f.ingested_at FROM %s f JOIN %s t ON t.fact_type_id = f.fact_type_id WHERE t.name = ? AND f.hash = ?`,
		s.table("fact"), s.table("fact_type")))
	var id int64
	var typ, hash string
	var dataJSON []byte
	var ingestedAt time.Time
	err := s.db.QueryRowContext(ctx, q, ref.Type, ref.Hash).Scan(&id, &typ, &hash, &dataJSON, &ingestedAt)
	if err == sql.ErrNoRows {
		return FactRow{}, false, nil
	}
	if err != nil {
		return FactRow{}, false, fmt.Errorf("store: lookup fact record: %w", err)
	}
	fields, preds, err := decodeDataJSON(dataJSON)
	if err != nil {
		return FactRow{}, false, err
	}
	return FactRow{FactID: id, Type: typ, Hash: hash, Fields: fields, Predecessors: preds, IngestedAt: ingestedAt}, true, nil
}

func (s *PostgresStore) Ancestors(ctx context.Context, factID int64) (map[int64]bool, error) {
	q := s.rebind(fmt.Sprintf(`SELECT ancestor_fact_id FROM %s WHERE fact_id = ?`, s.table("ancestor")))
	rows, err := s.db.QueryContext(ctx, q, factID)
	if err != nil {
		return nil, fmt.Errorf("store: query ancestors: %w", err)
	}
	defer rows.Close()
	out := make(map[int64]bool)
	for rows.Next() {
		var a int64
		if err := rows.Scan(&a); err != nil {
			return nil, err
		}
		out[a] = true
	}
	return out, rows.Err()
}

func (s *PostgresStore) Descendants(ctx context.Context, root int64) ([]int64, error) {
	q := s.rebind(fmt.Sprintf(`SELECT fact_id FROM %s WHERE ancestor_fact_id = ? ORDER BY fact_id ASC`, s.table("ancestor")))
	rows, err := s.db.QueryContext(ctx, q, root)
	if err != nil {
		return nil, fmt.Errorf("store: query descendants: %w", err)
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *PostgresStore) DeleteFacts(ctx context.Context, factIDs []int64) error {
	if len(factIDs) == 0 {
		return nil
	}
	return Retry(ctx, s.retry, func(ctx context.Context) error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		for _, id := range factIDs {
			q := s.rebind(fmt.Sprintf(`DELETE FROM %s WHERE fact_id = ?`, s.table("fact")))
			if _, err := tx.ExecContext(ctx, q, id); err != nil {
				return fmt.Errorf("store: delete fact %d: %w", id, err)
			}
		}
		return tx.Commit()
	})
}

// ExecuteResult runs the compiler's Result SQL (internal/compiler.ResultSQL),
// rebinding placeholders and scanning rows per labeled fact.
func (s *PostgresStore) ExecuteResult(ctx context.Context, qd query.QueryDescription, givenFactIDs map[string]int64) ([]ResultRow, error) {
	built, err := compiler.ResultSQL(qd, givenFactIDs)
	if err != nil {
		return nil, err
	}
	if built.SQL == "" {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(built.SQL), built.Args...)
	if err != nil {
		return nil, fmt.Errorf("store: execute result query: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var out []ResultRow
	for rows.Next() {
		scanTargets := make([]any, len(cols))
		raw := make([]sql.NullString, len(cols))
		for i := range raw {
			scanTargets[i] = &raw[i]
		}
		if err := rows.Scan(scanTargets...); err != nil {
			return nil, err
		}
		row := make(ResultRow)
		byLabel := make(map[string]*RowCell)
		for i, col := range cols {
			label, field := splitColumn(col)
			cell, ok := byLabel[label]
			if !ok {
				c := RowCell{}
				row[label] = c
				byLabel[label] = &c
			}
			cell = byLabel[label]
			switch field {
			case "hash":
				cell.Hash = raw[i].String
			case "id":
				if n, err := strconv.ParseInt(raw[i].String, 10, 64); err == nil {
					cell.FactID = n
				}
			case "data":
				fields, preds, _ := decodeDataJSON([]byte(raw[i].String))
				cell.Data = FactRow{FactID: cell.FactID, Hash: cell.Hash, Fields: fields, Predecessors: preds}
			}
			byLabel[label] = cell
			row[label] = *cell
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func splitColumn(col string) (label, field string) {
	idx := strings.LastIndex(col, "_")
	if idx < 0 {
		return col, ""
	}
	return col[:idx], col[idx+1:]
}

// ExecuteFeed runs the compiler's Feed SQL, substituting the bookmark/limit
// placeholders the compiler left as markers.
func (s *PostgresStore) ExecuteFeed(ctx context.Context, qd query.QueryDescription, givenFactIDs map[string]int64, bookmark string, limit int) ([]FeedTuple, error) {
	built, err := compiler.FeedSQL(qd, givenFactIDs)
	if err != nil {
		return nil, err
	}
	if built.SQL == "" {
		return nil, nil
	}

	bookmarkIDs := "0"
	if bookmark != "" {
		bookmarkIDs = bookmark
	}
	args := make([]any, 0, len(built.Args))
	for _, a := range built.Args {
		switch a.(type) {
		case compiler.BookmarkPlaceholder:
			args = append(args, bookmarkArrayLiteral(bookmarkIDs))
		case compiler.LimitPlaceholder:
			args = append(args, limit)
		default:
			args = append(args, a)
		}
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(built.SQL), args...)
	if err != nil {
		return nil, fmt.Errorf("store: execute feed query: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var out []FeedTuple
	for rows.Next() {
		scanTargets := make([]any, len(cols))
		raw := make([]sql.NullString, len(cols))
		for i := range raw {
			scanTargets[i] = &raw[i]
		}
		if err := rows.Scan(scanTargets...); err != nil {
			return nil, err
		}
		tuple := FeedTuple{Hashes: make(map[string]string)}
		for i, col := range cols {
			if col == "bookmark" {
				tuple.Bookmark = raw[i].String
				continue
			}
			label, _ := splitColumn(col)
			tuple.Hashes[label] = raw[i].String
		}
		out = append(out, tuple)
	}
	return out, rows.Err()
}

func bookmarkArrayLiteral(bookmark string) string {
	parts := strings.Split(bookmark, ",")
	return "{" + strings.Join(parts, ",") + "}"
}

func canonicalDataJSON(f canonical.Fact) ([]byte, error) {
	b, err := canonical.CanonicalBytes(f.Fields, f.Predecessors)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func decodeDataJSON(b []byte) (map[string]any, map[string]canonical.PredecessorValue, error) {
	var doc struct {
		Fields       map[string]any                        `json:"fields"`
		Predecessors map[string]canonical.PredecessorValue `json:"predecessors"`
	}
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, nil, fmt.Errorf("store: decode fact data: %w", err)
	}
	return doc.Fields, doc.Predecessors, nil
}

func encodeSignature(sig []byte) string {
	return string(sig)
}
