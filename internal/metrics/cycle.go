package metrics

import (
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"optionflow/logger"
)

// CycleStats summarises one snapshot cycle.
type CycleStats struct {
	Underlying    string
	Expiry        string
	Contracts     int
	QuoteFailures int
	Rows          int
	Duration      time.Duration
	Err           error
}

// Recorder keeps per-cycle counters in a private Prometheus registry and
// optionally writes them to a node_exporter textfile after each cycle.
type Recorder struct {
	textfile string
	registry *prometheus.Registry
	log      *logger.Log

	mu            sync.Mutex
	cycles        *prometheus.CounterVec
	quoteFailures prometheus.Counter
	contracts     prometheus.Gauge
	rows          prometheus.Gauge
	duration      prometheus.Gauge
	lastSuccess   prometheus.Gauge
}

// NewRecorder registers the cycle metrics. An empty textfile disables the
// export.
func NewRecorder(textfile string) *Recorder {
	r := &Recorder{
		textfile: textfile,
		registry: prometheus.NewRegistry(),
		log:      logger.GetLogger(),
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "optionflow_cycles_total",
			Help: "Number of snapshot cycles by result",
		}, []string{"result"}),
		quoteFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "optionflow_quote_failures_total",
			Help: "Number of instruments whose quote could not be fetched",
		}),
		contracts: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "optionflow_contracts",
			Help: "Contracts merged in the last cycle",
		}),
		rows: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "optionflow_rows_written",
			Help: "Data rows persisted in the last successful cycle",
		}),
		duration: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "optionflow_cycle_duration_seconds",
			Help: "Wall time of the last cycle",
		}),
		lastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "optionflow_last_success_timestamp_seconds",
			Help: "Unix time of the last successful cycle",
		}),
	}
	r.registry.MustRegister(r.cycles, r.quoteFailures, r.contracts, r.rows, r.duration, r.lastSuccess)
	return r
}

// ObserveCycle updates the counters, emits metric events and refreshes the
// textfile.
func (r *Recorder) ObserveCycle(stats CycleStats) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	result := "success"
	if stats.Err != nil {
		result = "failure"
	}
	r.cycles.WithLabelValues(result).Inc()
	r.quoteFailures.Add(float64(stats.QuoteFailures))
	r.contracts.Set(float64(stats.Contracts))
	r.duration.Set(stats.Duration.Seconds())
	if stats.Err == nil {
		r.rows.Set(float64(stats.Rows))
		r.lastSuccess.SetToCurrentTime()
	}

	for _, m := range cycleMetrics(stats, result) {
		EmitMetric(r.log, m)
	}

	if r.textfile == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(r.textfile, r.registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}

// cycleMetrics is the event set emitted for one cycle.
func cycleMetrics(stats CycleStats, result string) []Metric {
	labels := map[string]string{
		"underlying": stats.Underlying,
		"expiry":     stats.Expiry,
		"result":     result,
	}
	metric := func(name string, value float64, kind Kind, unit Unit) Metric {
		return Metric{Component: "cycle", Name: name, Value: value, Kind: kind, Unit: unit, Labels: labels}
	}
	return []Metric{
		metric("contracts", float64(stats.Contracts), KindGauge, UnitCount),
		metric("quote_failures", float64(stats.QuoteFailures), KindCounter, UnitCount),
		metric("rows_written", float64(stats.Rows), KindGauge, UnitCount),
		metric("duration_ms", float64(stats.Duration.Microseconds())/1000, KindGauge, UnitMilliseconds),
	}
}
