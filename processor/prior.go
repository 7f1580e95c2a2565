package processor

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"optionflow/models"
)

// priorColumns holds header positions; -1 marks an absent column.
type priorColumns struct {
	strike   int
	callOI   int
	putOI    int
	callVWAP int
	putVWAP  int
}

// ExtractPriorState rebuilds the per-strike baseline from the previously
// persisted table (header first). An empty table or a header missing Strike,
// Call OI or Put OI yields an empty state: that is the first-run condition.
// Rows that fail to parse are skipped. When a strike appears twice the later
// row wins.
func ExtractPriorState(table [][]string) models.PriorState {
	prior := make(models.PriorState)
	if len(table) == 0 {
		return prior
	}

	cols, ok := resolvePriorColumns(table[0])
	if !ok {
		return prior
	}

	for _, row := range table[1:] {
		strike, baseline, err := parsePriorRow(row, cols)
		if err != nil {
			continue
		}
		prior[strike] = baseline
	}
	return prior
}

func resolvePriorColumns(header []string) (priorColumns, bool) {
	index := make(map[string]int, len(header))
	for i, name := range header {
		name = strings.TrimSpace(name)
		if _, seen := index[name]; !seen {
			index[name] = i
		}
	}

	lookup := func(name string) int {
		if i, ok := index[name]; ok {
			return i
		}
		return -1
	}

	cols := priorColumns{
		strike:   lookup(models.ColStrike),
		callOI:   lookup(models.ColCallOI),
		putOI:    lookup(models.ColPutOI),
		callVWAP: lookup(models.ColCallVWAP),
		putVWAP:  lookup(models.ColPutVWAP),
	}
	if cols.strike < 0 || cols.callOI < 0 || cols.putOI < 0 {
		return cols, false
	}
	return cols, true
}

func parsePriorRow(row []string, cols priorColumns) (float64, models.PriorStrike, error) {
	var baseline models.PriorStrike

	strike, err := strconv.ParseFloat(cell(row, cols.strike), 64)
	if err != nil {
		return 0, baseline, err
	}
	if math.IsNaN(strike) || math.IsInf(strike, 0) {
		return 0, baseline, fmt.Errorf("strike %v is not finite", strike)
	}

	if baseline.Call.OpenInterest, err = parseCount(cell(row, cols.callOI)); err != nil {
		return 0, baseline, err
	}
	if baseline.Put.OpenInterest, err = parseCount(cell(row, cols.putOI)); err != nil {
		return 0, baseline, err
	}
	if baseline.Call.VWAP, err = parsePrice(cell(row, cols.callVWAP)); err != nil {
		return 0, baseline, err
	}
	if baseline.Put.VWAP, err = parsePrice(cell(row, cols.putVWAP)); err != nil {
		return 0, baseline, err
	}
	return strike, baseline, nil
}

// cell returns the trimmed value at idx, or "" when the column is absent or
// the row is short.
func cell(row []string, idx int) string {
	if idx < 0 || idx >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[idx])
}

func parseCount(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, fmt.Errorf("negative count %d", n)
	}
	return n, nil
}

func parsePrice(s string) (decimal.Decimal, error) {
	if s == "" || strings.EqualFold(s, models.VWAPPlaceholder) {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, err
	}
	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("negative price %s", s)
	}
	return d, nil
}
