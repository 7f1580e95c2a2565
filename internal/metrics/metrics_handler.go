package metrics

import (
	"sync"
	"time"

	"optionflow/logger"
)

// Kind tells downstream sinks how to aggregate a metric.
type Kind string

const (
	KindCounter Kind = "counter"
	KindGauge   Kind = "gauge"
)

// Unit of a metric value. Empty means UnitCount.
type Unit string

const (
	UnitCount        Unit = "count"
	UnitSeconds      Unit = "seconds"
	UnitMilliseconds Unit = "milliseconds"
	UnitPercent      Unit = "percent"
)

// Metric is one observation emitted by the snapshot cycle.
type Metric struct {
	Timestamp time.Time
	Component string
	Name      string
	Value     float64
	Kind      Kind
	Unit      Unit
	Labels    map[string]string
}

// MetricHandler consumes emitted metrics, e.g. to forward them to CloudWatch.
type MetricHandler func(Metric)

// MetricHandlerID identifies a registered handler.
type MetricHandlerID uint64

var (
	metricHandlersMu    sync.RWMutex
	metricHandlers      = make(map[MetricHandlerID]MetricHandler)
	nextMetricHandlerID MetricHandlerID
)

// RegisterMetricHandler adds a handler for every emitted metric. A nil handler
// is ignored and yields id 0.
func RegisterMetricHandler(handler MetricHandler) MetricHandlerID {
	if handler == nil {
		return 0
	}

	metricHandlersMu.Lock()
	defer metricHandlersMu.Unlock()

	nextMetricHandlerID++
	metricHandlers[nextMetricHandlerID] = handler
	return nextMetricHandlerID
}

// UnregisterMetricHandler removes a handler. Unknown ids are ignored.
func UnregisterMetricHandler(id MetricHandlerID) {
	if id == 0 {
		return
	}

	metricHandlersMu.Lock()
	delete(metricHandlers, id)
	metricHandlersMu.Unlock()
}

// EmitMetric fills defaults on m, logs it at debug level and hands a copy to
// every handler. Metrics without a name are dropped.
func EmitMetric(log *logger.Log, m Metric) {
	if m.Name == "" {
		return
	}
	if m.Kind == "" {
		m.Kind = KindCounter
	}
	if m.Unit == "" {
		m.Unit = UnitCount
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now()
	}
	m.Labels = cloneLabels(m.Labels)

	if log == nil {
		log = logger.GetLogger()
	}
	fields := make(logger.Fields, len(m.Labels)+4)
	for k, v := range m.Labels {
		fields[k] = v
	}
	fields["metric"] = m.Name
	fields["metric_type"] = string(m.Kind)
	fields["unit"] = string(m.Unit)
	fields["value"] = m.Value
	log.WithComponent(m.Component).WithFields(fields).Debug("metric")

	metricHandlersMu.RLock()
	handlers := make([]MetricHandler, 0, len(metricHandlers))
	for _, h := range metricHandlers {
		handlers = append(handlers, h)
	}
	metricHandlersMu.RUnlock()

	for _, h := range handlers {
		h(m)
	}
}

func cloneLabels(labels map[string]string) map[string]string {
	copied := make(map[string]string, len(labels))
	for k, v := range labels {
		copied[k] = v
	}
	return copied
}
