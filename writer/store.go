package writer

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
)

// TableStore is the tabular persistence collaborator. Rows are addressed with
// 1-based indexes the way a spreadsheet does: the header lives in row 1 and
// data starts at row 2.
type TableStore interface {
	ReadAll(ctx context.Context) ([][]string, error)
	Clear(ctx context.Context) error
	WriteHeader(ctx context.Context, header []string) error
	WriteRows(ctx context.Context, start int, rows [][]string) error
}

// HeaderRow and FirstDataRow are the row indexes used when replacing a snapshot.
const (
	HeaderRow    = 1
	FirstDataRow = 2
)

// Replace swaps the whole content of store for header and rows: clear, write
// header, write rows. A concurrent reader may briefly see an empty table.
func Replace(ctx context.Context, store TableStore, header []string, rows [][]string) error {
	if err := store.Clear(ctx); err != nil {
		return fmt.Errorf("clear table: %w", err)
	}
	if err := store.WriteHeader(ctx, header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	if len(rows) == 0 {
		return nil
	}
	if err := store.WriteRows(ctx, FirstDataRow, rows); err != nil {
		return fmt.Errorf("write rows: %w", err)
	}
	return nil
}

// table is the in-memory grid shared by the store implementations.
type table struct {
	rows [][]string
}

func (t *table) clear() {
	t.rows = nil
}

func (t *table) setRows(start int, rows [][]string) error {
	if start < 1 {
		return fmt.Errorf("row index %d out of range", start)
	}
	need := start - 1 + len(rows)
	for len(t.rows) < need {
		t.rows = append(t.rows, nil)
	}
	for i, row := range rows {
		t.rows[start-1+i] = append([]string(nil), row...)
	}
	return nil
}

func (t *table) snapshot() [][]string {
	out := make([][]string, len(t.rows))
	for i, row := range t.rows {
		out[i] = append([]string(nil), row...)
	}
	return out
}

func encodeTable(rows [][]string) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	for _, row := range rows {
		if row == nil {
			row = []string{}
		}
		if err := w.Write(row); err != nil {
			return nil, fmt.Errorf("encode row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("encode table: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeTable(r io.Reader) ([][]string, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	rows, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("decode table: %w", err)
	}
	return rows, nil
}
