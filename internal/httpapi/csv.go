package httpapi

import (
	"encoding/csv"
	"fmt"
	"io"

	"github.com/Ap3pp3rs94/factgraph-replicator/internal/compiler"
)

// ErrCSVIncompatible is returned when a specification's top-level projection is not
// a flat composite (spec.md §6.1: "CSV output requires the specification's
// top-level projection to be composite with only flat components (field, hash,
// time); otherwise 400 with a description naming the offending label"). Validation
// walks the already-compiled projection AST, not a plain-object shape -- the
// AST-based validator is the one spec.md §9 names as authoritative.
type ErrCSVIncompatible struct{ OffendingLabel string }

func (e *ErrCSVIncompatible) Error() string {
	return fmt.Sprintf("httpapi: projection is not CSV-compatible: component %q is not a flat field/hash/time projection", e.OffendingLabel)
}

// ValidateCSVProjection enforces spec.md §6.1's CSV eligibility rule.
func ValidateCSVProjection(proj compiler.Projection) error {
	ok, offending := proj.IsFlatComposite()
	if !ok {
		return &ErrCSVIncompatible{OffendingLabel: offending}
	}
	return nil
}

// CSVWriter streams RFC-4180 rows, header first, independent of whether any rows
// exist (spec.md §6.1: "empty result still emits the header").
type CSVWriter struct {
	w       *csv.Writer
	columns []string
}

func NewCSVWriter(w io.Writer, proj compiler.Projection) (*CSVWriter, error) {
	if err := ValidateCSVProjection(proj); err != nil {
		return nil, err
	}
	cw := &CSVWriter{w: csv.NewWriter(w), columns: append([]string(nil), proj.ComponentOrder...)}
	if err := cw.w.Write(cw.columns); err != nil {
		return nil, err
	}
	cw.w.Flush()
	return cw, nil
}

// WriteRow writes one composed row (a map[string]any from internal/compose, one
// entry per component) as a CSV data line. Every row has the same column count as
// the header, per spec.md's testable property.
func (cw *CSVWriter) WriteRow(row map[string]any) error {
	record := make([]string, len(cw.columns))
	for i, col := range cw.columns {
		record[i] = fmt.Sprint(row[col])
	}
	if err := cw.w.Write(record); err != nil {
		return err
	}
	cw.w.Flush()
	return cw.w.Error()
}
