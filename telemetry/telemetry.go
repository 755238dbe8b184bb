package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector captures telemetry events emitted by the keyword library and the
// remote server.
//
// Implementations may forward metrics to Prometheus, loggers or other
// monitoring systems. They should be inexpensive to call because hooks are
// executed inline with every keyword.
type Collector interface {
	IncHotReload(file string)
	ObserveKeyword(keyword, status string, duration time.Duration)
	AddTransferredBytes(bus, direction string, count int)
	SetOpenAdapters(count int)
}

type noopCollector struct{}

// Noop returns a collector that discards all metrics.
func Noop() Collector {
	return noopCollector{}
}

func (noopCollector) IncHotReload(string)                          {}
func (noopCollector) ObserveKeyword(string, string, time.Duration) {}
func (noopCollector) AddTransferredBytes(string, string, int)      {}
func (noopCollector) SetOpenAdapters(int)                          {}

// PrometheusCollector exposes telemetry via Prometheus.
type PrometheusCollector struct {
	hotReloads      *prometheus.CounterVec
	keywordCalls    *prometheus.CounterVec
	keywordDuration *prometheus.HistogramVec
	transferred     *prometheus.CounterVec
	openAdapters    prometheus.Gauge
}

// NewPrometheusCollector registers the required metrics with the provided
// registerer. Metrics that are already registered are reused.
func NewPrometheusCollector(reg prometheus.Registerer) (*PrometheusCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	var (
		c   PrometheusCollector
		err error
	)
	if c.hotReloads, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "aardvark_config_hot_reload_total",
		Help: "Number of hot reload operations triggered per configuration source file.",
	}, []string{"file"})); err != nil {
		return nil, err
	}
	if c.keywordCalls, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "aardvark_keyword_calls_total",
		Help: "Number of keyword invocations by keyword and result status.",
	}, []string{"keyword", "status"})); err != nil {
		return nil, err
	}
	if c.keywordDuration, err = register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "aardvark_keyword_duration_seconds",
		Help:    "Keyword execution time.",
		Buckets: prometheus.ExponentialBuckets(0.0005, 4, 8),
	}, []string{"keyword"})); err != nil {
		return nil, err
	}
	if c.transferred, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "aardvark_transferred_bytes_total",
		Help: "Bytes transferred on the adapter buses.",
	}, []string{"bus", "direction"})); err != nil {
		return nil, err
	}
	if c.openAdapters, err = register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "aardvark_open_adapters",
		Help: "Number of adapters currently open.",
	})); err != nil {
		return nil, err
	}
	return &c, nil
}

func register[T prometheus.Collector](reg prometheus.Registerer, collector T) (T, error) {
	if err := reg.Register(collector); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		var zero T
		return zero, err
	}
	return collector, nil
}

// IncHotReload increments the counter for the provided file path.
func (p *PrometheusCollector) IncHotReload(file string) {
	if p == nil || p.hotReloads == nil {
		return
	}
	p.hotReloads.WithLabelValues(file).Inc()
}

// ObserveKeyword records one keyword execution.
func (p *PrometheusCollector) ObserveKeyword(keyword, status string, duration time.Duration) {
	if p == nil || p.keywordCalls == nil {
		return
	}
	p.keywordCalls.WithLabelValues(keyword, status).Inc()
	p.keywordDuration.WithLabelValues(keyword).Observe(duration.Seconds())
}

// AddTransferredBytes adds count bytes for a bus ("i2c", "spi") and direction ("read", "write").
func (p *PrometheusCollector) AddTransferredBytes(bus, direction string, count int) {
	if p == nil || p.transferred == nil || count <= 0 {
		return
	}
	p.transferred.WithLabelValues(bus, direction).Add(float64(count))
}

// SetOpenAdapters updates the open adapter gauge.
func (p *PrometheusCollector) SetOpenAdapters(count int) {
	if p == nil || p.openAdapters == nil {
		return
	}
	p.openAdapters.Set(float64(count))
}
