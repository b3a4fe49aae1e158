// Package errors implements the error taxonomy of §7: a registry of stable Code values
// with HTTP status, retryability, and kind metadata, plus a bounded/sanitized JSON
// envelope for returning errors across the HTTP boundary.
package errors

import (
	"bytes"
	"encoding/json"
	"sort"
)

// Code is a stable error code. Once published, codes are treated as API-stable.
type Code string

// CodeMeta provides metadata useful for HTTP mapping, retry decisions, and documentation.
type CodeMeta struct {
	HTTPStatus  int    `json:"http_status"`
	Retryable   bool   `json:"retryable"`
	Kind        string `json:"kind"` // client|server|security|dependency
	Description string `json:"description"`
}

const (
	// Forbidden: authorization or distribution rejected the request. Not logged as an
	// error; carries a human-readable reason.
	Forbidden Code = "forbidden"
	// InvalidInput: parse failure, schema-validation failure, CSV-incompatible
	// projection, or a type mismatch in given facts.
	InvalidInput Code = "invalid_input"
	// MissingDependency: a save referenced a predecessor absent from both the batch and
	// the store.
	MissingDependency Code = "missing_dependency"
	// Unavailable: a TransientBackend error survived all retry attempts.
	Unavailable Code = "unavailable"
	// ConflictBenign: a unique-violation on an idempotent insert; swallowed, the net
	// effect equals a successful insert of the existing row.
	ConflictBenign Code = "conflict_benign"
	// Unexpected: anything else. Reported as 500 with a generic message; the caller logs
	// the full detail with request path, method, content-type, and request id.
	Unexpected Code = "unexpected"
	// NotFound: an unknown feed hash or other named resource that does not exist.
	NotFound Code = "not_found"
)

var registry = map[Code]CodeMeta{
	Forbidden:         {HTTPStatus: 403, Retryable: false, Kind: "security", Description: "authorization or distribution rules rejected the request"},
	InvalidInput:      {HTTPStatus: 400, Retryable: false, Kind: "client", Description: "request body or specification failed validation"},
	MissingDependency: {HTTPStatus: 400, Retryable: false, Kind: "client", Description: "a referenced predecessor is absent from the batch and the store"},
	Unavailable:       {HTTPStatus: 500, Retryable: true, Kind: "dependency", Description: "the backend did not recover after retrying"},
	ConflictBenign:    {HTTPStatus: 200, Retryable: false, Kind: "client", Description: "duplicate insert of an already-present row; treated as success"},
	Unexpected:        {HTTPStatus: 500, Retryable: false, Kind: "server", Description: "an unclassified error occurred"},
	NotFound:          {HTTPStatus: 404, Retryable: false, Kind: "client", Description: "the requested resource does not exist"},
}

// Meta returns metadata for a code.
func Meta(code Code) (CodeMeta, bool) {
	m, ok := registry[code]
	return m, ok
}

func Known(code Code) bool {
	_, ok := registry[code]
	return ok
}

// HTTPStatusFor returns the HTTP status for code, defaulting to 500 for unknown codes.
func HTTPStatusFor(code Code) int {
	if m, ok := registry[code]; ok {
		return m.HTTPStatus
	}
	return 500
}

// List returns all known codes, sorted.
func List() []Code {
	out := make([]Code, 0, len(registry))
	for k := range registry {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ExportJSON returns stable, newline-free JSON of all codes and their metadata.
func ExportJSON() []byte {
	type row struct {
		Code Code     `json:"code"`
		Meta CodeMeta `json:"meta"`
	}
	codes := List()
	rows := make([]row, 0, len(codes))
	for _, c := range codes {
		rows = append(rows, row{Code: c, Meta: registry[c]})
	}
	b, err := json.Marshal(rows)
	if err != nil {
		return []byte("[]")
	}
	var buf bytes.Buffer
	buf.Write(bytes.ReplaceAll(b, []byte("\n"), nil))
	return buf.Bytes()
}
