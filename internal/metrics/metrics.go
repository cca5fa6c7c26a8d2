package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 事件处理结果标签
const (
	ResultProcessed = "processed"
	ResultSkipped   = "skipped"
	ResultIgnored   = "ignored"
	ResultFailed    = "failed"
)

// Metrics 重放指标，每个实例使用独立的注册表
type Metrics struct {
	registry      *prometheus.Registry
	events        *prometheus.CounterVec
	hookFailures  *prometheus.CounterVec
	retries       *prometheus.CounterVec
	snapshots     prometheus.Counter
	lastBlock     prometheus.Gauge
	markets       prometheus.Gauge
	eventDuration prometheus.Histogram
}

// New 创建并注册指标
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "backd_events_total",
			Help: "Replayed events by event name and result.",
		}, []string{"event", "result"}),
		hookFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "backd_hook_failures_total",
			Help: "Isolated hook callback failures by hook and phase.",
		}, []string{"hook", "phase"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "backd_retries_total",
			Help: "Retried storage and source operations.",
		}, []string{"operation"}),
		snapshots: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "backd_snapshots_total",
			Help: "State snapshots written to the store.",
		}),
		lastBlock: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "backd_last_block",
			Help: "Block number of the last applied event.",
		}),
		markets: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "backd_markets",
			Help: "Markets known to the replayed state.",
		}),
		eventDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "backd_event_duration_seconds",
			Help:    "Time spent applying one event including hooks.",
			Buckets: prometheus.ExponentialBuckets(0.00001, 4, 10),
		}),
	}
	m.registry.MustRegister(
		m.events,
		m.hookFailures,
		m.retries,
		m.snapshots,
		m.lastBlock,
		m.markets,
		m.eventDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry 底层注册表
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler /metrics 处理器
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveEvent 记录一个事件的处理结果和耗时
func (m *Metrics) ObserveEvent(name, result string, block uint64, took time.Duration) {
	m.events.WithLabelValues(name, result).Inc()
	m.eventDuration.Observe(took.Seconds())
	if result == ResultProcessed || result == ResultIgnored {
		m.lastBlock.Set(float64(block))
	}
}

// HookFailed 记录钩子失败
func (m *Metrics) HookFailed(hook, phase string) {
	m.hookFailures.WithLabelValues(hook, phase).Inc()
}

// Retried 记录一次重试
func (m *Metrics) Retried(operation string) {
	m.retries.WithLabelValues(operation).Inc()
}

// SnapshotSaved 记录一次快照
func (m *Metrics) SnapshotSaved() {
	m.snapshots.Inc()
}

// SetMarkets 更新市场数量
func (m *Metrics) SetMarkets(n int) {
	m.markets.Set(float64(n))
}
