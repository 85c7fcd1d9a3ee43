package action

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// RowFunc processes one imported record. Returning an error fails that
// row; the import continues and reports per-row failures in the summary.
type RowFunc func(ctx context.Context, row map[string]any) error

// ImportSummary reports the outcome of a bulk import.
type ImportSummary struct {
	Total  int
	Loaded int
	Failed int

	// Errors lists per-row failures as "row N: message", capped at
	// MaxReportedErrors entries.
	Errors []string
}

// MaxReportedErrors caps the per-row error list carried in task output.
const MaxReportedErrors = 25

// Importer executes bulk_import tasks. It decodes CSV or JSON line input
// into row maps and applies a RowFunc to each one.
type Importer struct {
	apply RowFunc
}

// NewImporter creates an Importer that applies fn to every decoded row.
func NewImporter(fn RowFunc) *Importer {
	return &Importer{apply: fn}
}

// ImportCSV reads r as CSV with a header row and applies the row func to
// every record. Each row becomes a map of header name to cell value.
func (im *Importer) ImportCSV(ctx context.Context, r io.Reader) (ImportSummary, error) {
	reader := csv.NewReader(r)
	header, err := reader.Read()
	if err != nil {
		return ImportSummary{}, fmt.Errorf("import: read header: %w", err)
	}

	var sum ImportSummary
	for {
		if ctx.Err() != nil {
			return sum, ctx.Err()
		}
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			sum.Total++
			sum.fail(sum.Total, err)
			continue
		}

		row := make(map[string]any, len(header))
		for i, name := range header {
			if i < len(record) {
				row[name] = record[i]
			}
		}

		sum.Total++
		if err := im.apply(ctx, row); err != nil {
			sum.fail(sum.Total, err)
			continue
		}
		sum.Loaded++
	}
	return sum, nil
}

// ImportJSONL reads r as JSON lines, one object per line, and applies the
// row func to each. Blank lines are skipped.
func (im *Importer) ImportJSONL(ctx context.Context, r io.Reader) (ImportSummary, error) {
	decoder := json.NewDecoder(r)
	var sum ImportSummary
	for decoder.More() {
		if ctx.Err() != nil {
			return sum, ctx.Err()
		}
		var row map[string]any
		if err := decoder.Decode(&row); err != nil {
			sum.Total++
			sum.fail(sum.Total, err)
			// A malformed document desyncs the decoder; stop here.
			return sum, nil
		}

		sum.Total++
		if err := im.apply(ctx, row); err != nil {
			sum.fail(sum.Total, err)
			continue
		}
		sum.Loaded++
	}
	return sum, nil
}

// ImportRows applies the row func to already-decoded rows, as carried in
// a bulk_import task's input payload.
func (im *Importer) ImportRows(ctx context.Context, rows []map[string]any) (ImportSummary, error) {
	var sum ImportSummary
	for _, row := range rows {
		if ctx.Err() != nil {
			return sum, ctx.Err()
		}
		sum.Total++
		if err := im.apply(ctx, row); err != nil {
			sum.fail(sum.Total, err)
			continue
		}
		sum.Loaded++
	}
	return sum, nil
}

// Output converts the summary into handler output fields.
func (s ImportSummary) Output() map[string]any {
	out := map[string]any{
		"totalRows":  s.Total,
		"loadedRows": s.Loaded,
		"failedRows": s.Failed,
	}
	if len(s.Errors) > 0 {
		out["rowErrors"] = strings.Join(s.Errors, "; ")
	}
	return out
}

func (s *ImportSummary) fail(row int, err error) {
	s.Failed++
	if len(s.Errors) < MaxReportedErrors {
		s.Errors = append(s.Errors, fmt.Sprintf("row %d: %v", row, err))
	}
}
