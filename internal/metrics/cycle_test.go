package metrics

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecorderObserveCycleWritesTextfile(t *testing.T) {
	resetMetricHandlers()
	path := filepath.Join(t.TempDir(), "optionflow.prom")
	rec := NewRecorder(path)

	err := rec.ObserveCycle(CycleStats{
		Underlying:    "NIFTY",
		Expiry:        "2024-06-27",
		Contracts:     10,
		QuoteFailures: 2,
		Rows:          5,
		Duration:      1500 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("observe cycle: %v", err)
	}

	if got := testutil.ToFloat64(rec.cycles.WithLabelValues("success")); got != 1 {
		t.Fatalf("expected 1 successful cycle, got %v", got)
	}
	if got := testutil.ToFloat64(rec.rows); got != 5 {
		t.Fatalf("expected 5 rows, got %v", got)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read textfile: %v", err)
	}
	text := string(data)
	for _, want := range []string{
		`optionflow_cycles_total{result="success"} 1`,
		"optionflow_quote_failures_total 2",
		"optionflow_contracts 10",
		"optionflow_cycle_duration_seconds 1.5",
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("textfile missing %q:\n%s", want, text)
		}
	}
}

func TestRecorderFailedCycleKeepsLastRows(t *testing.T) {
	resetMetricHandlers()
	rec := NewRecorder("")

	if err := rec.ObserveCycle(CycleStats{Rows: 7}); err != nil {
		t.Fatalf("observe cycle: %v", err)
	}
	if err := rec.ObserveCycle(CycleStats{Rows: 0, Err: errors.New("store unavailable")}); err != nil {
		t.Fatalf("observe cycle: %v", err)
	}

	if got := testutil.ToFloat64(rec.rows); got != 7 {
		t.Fatalf("expected rows gauge to keep 7, got %v", got)
	}
	if got := testutil.ToFloat64(rec.cycles.WithLabelValues("failure")); got != 1 {
		t.Fatalf("expected 1 failed cycle, got %v", got)
	}
}

func TestRecorderEmitsCycleMetrics(t *testing.T) {
	resetMetricHandlers()

	got := map[string]Metric{}
	id := RegisterMetricHandler(func(m Metric) { got[m.Name] = m })
	t.Cleanup(func() { UnregisterMetricHandler(id) })

	rec := NewRecorder("")
	if err := rec.ObserveCycle(CycleStats{Underlying: "NIFTY", Contracts: 4, QuoteFailures: 1, Rows: 2, Duration: 2 * time.Millisecond}); err != nil {
		t.Fatalf("observe cycle: %v", err)
	}

	if len(got) != 4 {
		t.Fatalf("expected 4 cycle metrics, got %d", len(got))
	}
	if m := got["quote_failures"]; m.Kind != KindCounter || m.Value != 1 {
		t.Fatalf("unexpected quote_failures metric: %+v", m)
	}
	if m := got["duration_ms"]; m.Unit != UnitMilliseconds || m.Value != 2 {
		t.Fatalf("unexpected duration metric: %+v", m)
	}
	if got["contracts"].Labels["result"] != "success" {
		t.Fatalf("unexpected labels: %v", got["contracts"].Labels)
	}
}
