// Package csvimport turns raw roster CSV uploads into mapped source records.
package csvimport

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"
)

// IngestErrorKind classifies structural failures that reject a file before any job exists.
type IngestErrorKind string

const (
	IngestEmptyFile        IngestErrorKind = "empty_file"
	IngestRowLimitExceeded IngestErrorKind = "row_limit_exceeded"
	IngestMissingColumns   IngestErrorKind = "missing_columns"
	IngestFileTooLarge     IngestErrorKind = "file_too_large"
	IngestMalformed        IngestErrorKind = "malformed"
	IngestInvalidMapping   IngestErrorKind = "invalid_mapping"
)

// IngestError reports a structural problem with an uploaded file.
type IngestError struct {
	Kind    IngestErrorKind
	Columns []string
	Limit   int64
	Err     error
}

func (e *IngestError) Error() string {
	switch e.Kind {
	case IngestEmptyFile:
		return "file contains no data rows"
	case IngestRowLimitExceeded:
		return fmt.Sprintf("file exceeds the limit of %d rows", e.Limit)
	case IngestMissingColumns:
		return fmt.Sprintf("missing required columns: %s", strings.Join(e.Columns, ", "))
	case IngestFileTooLarge:
		return fmt.Sprintf("file exceeds the limit of %d bytes", e.Limit)
	default:
		if e.Err != nil {
			return fmt.Sprintf("%s: %v", e.Kind, e.Err)
		}
		return string(e.Kind)
	}
}

func (e *IngestError) Unwrap() error { return e.Err }

// AsIngestError extracts an *IngestError from err.
func AsIngestError(err error) (*IngestError, bool) {
	var ingestErr *IngestError
	if errors.As(err, &ingestErr) {
		return ingestErr, true
	}
	return nil, false
}

// Limits bound an upload. Zero values disable the corresponding check.
type Limits struct {
	MaxBytes int64
	MaxRows  int
}

// Table is a parsed CSV: trimmed headers and data rows padded to the header width.
type Table struct {
	Headers []string
	Rows    [][]string
}

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// Parse reads headers and non-blank data rows from raw.
func Parse(raw []byte, limits Limits) (Table, error) {
	if limits.MaxBytes > 0 && int64(len(raw)) > limits.MaxBytes {
		return Table{}, &IngestError{Kind: IngestFileTooLarge, Limit: limits.MaxBytes}
	}

	raw = bytes.TrimPrefix(raw, utf8BOM)
	if !utf8.Valid(raw) {
		return Table{}, &IngestError{Kind: IngestMalformed, Err: errors.New("file is not valid UTF-8")}
	}

	r := csv.NewReader(bytes.NewReader(raw))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	header, err := r.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return Table{}, &IngestError{Kind: IngestEmptyFile}
		}
		return Table{}, &IngestError{Kind: IngestMalformed, Err: err}
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}

	table := Table{Headers: header, Rows: [][]string{}}
	for {
		record, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Table{}, &IngestError{Kind: IngestMalformed, Err: err}
		}
		if blankRow(record) {
			continue
		}

		if limits.MaxRows > 0 && len(table.Rows) >= limits.MaxRows {
			return Table{}, &IngestError{Kind: IngestRowLimitExceeded, Limit: int64(limits.MaxRows)}
		}

		row := make([]string, len(header))
		for i := 0; i < len(header) && i < len(record); i++ {
			row[i] = strings.TrimSpace(record[i])
		}
		table.Rows = append(table.Rows, row)
	}

	if len(table.Rows) == 0 {
		return Table{}, &IngestError{Kind: IngestEmptyFile}
	}

	return table, nil
}

// Ingested is the result of a successful ingest: parsed table, effective mapping and an optional
// schema warning.
type Ingested struct {
	Kind    Kind
	Table   Table
	Mapping Mapping
	Warning string
}

// Ingest parses raw, runs the field mapper, applies operator overrides and checks required columns.
func Ingest(raw []byte, kind Kind, limits Limits, overrides map[string]Field) (Ingested, error) {
	table, err := Parse(raw, limits)
	if err != nil {
		return Ingested{}, err
	}

	mapping, err := DetectMapping(kind, table.Headers).ApplyOverrides(kind, overrides)
	if err != nil {
		return Ingested{}, &IngestError{Kind: IngestInvalidMapping, Err: err}
	}

	if missing := mapping.Missing(kind); len(missing) > 0 {
		return Ingested{}, &IngestError{Kind: IngestMissingColumns, Columns: missing}
	}

	return Ingested{
		Kind:    kind,
		Table:   table,
		Mapping: mapping,
		Warning: SchemaWarning(kind, table.Headers),
	}, nil
}

func blankRow(record []string) bool {
	for _, v := range record {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
