// Package observability provides Prometheus metrics for backtests and live
// runs.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"quantdesk/internal/ledger"
)

const defaultNamespace = "quantdesk"

// Metrics holds all Prometheus metrics for the application. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// Ledger metrics
	PositionsOpened *prometheus.CounterVec
	PositionsClosed *prometheus.CounterVec
	RealizedProfit  *prometheus.CounterVec
	RealizedLoss    *prometheus.CounterVec

	// Engine metrics
	BacktestRuns     *prometheus.CounterVec
	BacktestDuration prometheus.Histogram
	DispatchDuration *prometheus.HistogramVec
	StepsDispatched  prometheus.Counter

	// Live metrics
	StateSaves    *prometheus.CounterVec
	SourceFetches *prometheus.CounterVec
	BarsFetched   prometheus.Counter
	LastExecution *prometheus.GaugeVec
}

// NewMetrics creates a Metrics instance registered on a private registry.
func NewMetrics(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	m := newMetrics(reg, namespace)
	m.registry = reg
	return m
}

// NewMetricsWith registers the metrics on reg.
func NewMetricsWith(reg prometheus.Registerer, namespace string) *Metrics {
	return newMetrics(reg, namespace)
}

func newMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	if namespace == "" {
		namespace = defaultNamespace
	}
	f := promauto.With(reg)

	return &Metrics{
		PositionsOpened: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "positions_opened_total",
			Help:      "Total number of positions opened by strategy and side",
		}, []string{"strategy", "side"}),
		PositionsClosed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "positions_closed_total",
			Help:      "Total number of positions closed by strategy, side and outcome",
		}, []string{"strategy", "side", "outcome"}),
		RealizedProfit: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "realized_profit_total",
			Help:      "Sum of realized profit of winning positions",
		}, []string{"strategy"}),
		RealizedLoss: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "realized_loss_total",
			Help:      "Sum of realized loss of losing positions, as a positive amount",
		}, []string{"strategy"}),

		BacktestRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backtest",
			Name:      "runs_total",
			Help:      "Total number of backtest runs by status",
		}, []string{"status"}),
		BacktestDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "backtest",
			Name:      "duration_seconds",
			Help:      "Backtest run duration in seconds",
			Buckets:   []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60},
		}),
		DispatchDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "dispatch_duration_seconds",
			Help:      "Strategy hook dispatch duration in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.00001, 4, 10),
		}, []string{"event"}),
		StepsDispatched: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "steps_dispatched_total",
			Help:      "Total number of simulation steps dispatched",
		}),

		StateSaves: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "investor",
			Name:      "state_saves_total",
			Help:      "Total number of investment state saves by status",
		}, []string{"status"}),
		SourceFetches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "investor",
			Name:      "source_fetches_total",
			Help:      "Total number of price source fetches by source and status",
		}, []string{"source", "status"}),
		BarsFetched: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "investor",
			Name:      "bars_fetched_total",
			Help:      "Total number of bars fetched from price sources",
		}),
		LastExecution: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "investor",
			Name:      "last_execution_timestamp",
			Help:      "Unix timestamp of the last execution by investment and event",
		}, []string{"investment", "event"}),
	}
}

// Gatherer returns the private registry created by NewMetrics, or nil.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	if m == nil || m.registry == nil {
		return nil
	}
	return m.registry
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// RecordBacktest records a finished backtest run.
func (m *Metrics) RecordBacktest(d time.Duration, err error) {
	if m == nil {
		return
	}
	m.BacktestRuns.WithLabelValues(status(err)).Inc()
	m.BacktestDuration.Observe(d.Seconds())
}

// RecordDispatch records one hook dispatch.
func (m *Metrics) RecordDispatch(event string, d time.Duration) {
	if m == nil {
		return
	}
	m.DispatchDuration.WithLabelValues(event).Observe(d.Seconds())
}

// RecordStep counts one dispatched simulation step.
func (m *Metrics) RecordStep() {
	if m == nil {
		return
	}
	m.StepsDispatched.Inc()
}

// RecordStateSave records a state persistence attempt.
func (m *Metrics) RecordStateSave(err error) {
	if m == nil {
		return
	}
	m.StateSaves.WithLabelValues(status(err)).Inc()
}

// RecordFetch records a price source fetch and the bars it returned.
func (m *Metrics) RecordFetch(source string, bars int, err error) {
	if m == nil {
		return
	}
	m.SourceFetches.WithLabelValues(source, status(err)).Inc()
	m.BarsFetched.Add(float64(bars))
}

// RecordExecution stamps the time of a live execution.
func (m *Metrics) RecordExecution(investment, event string, at time.Time) {
	if m == nil {
		return
	}
	m.LastExecution.WithLabelValues(investment, event).Set(float64(at.Unix()))
}

// PositionListener returns a ledger listener that counts positions of the
// named strategy.
func (m *Metrics) PositionListener(strategy string) ledger.Listener {
	return &positionListener{m: m, strategy: strategy}
}

type positionListener struct {
	m        *Metrics
	strategy string
}

func (l *positionListener) PositionOpened(p ledger.Position) {
	if l.m == nil {
		return
	}
	l.m.PositionsOpened.WithLabelValues(l.strategy, string(p.Side)).Inc()
}

func (l *positionListener) PositionClosed(p ledger.Position) {
	if l.m == nil {
		return
	}
	profit := p.Profit()
	outcome := "loss"
	if profit.IsPositive() {
		outcome = "win"
		l.m.RealizedProfit.WithLabelValues(l.strategy).Add(profit.InexactFloat64())
	} else {
		l.m.RealizedLoss.WithLabelValues(l.strategy).Add(profit.Neg().InexactFloat64())
	}
	l.m.PositionsClosed.WithLabelValues(l.strategy, string(p.Side), outcome).Inc()
}

// WriteTextfile writes every metric in g to path in the text exposition
// format, for collection by the node exporter textfile collector.
func WriteTextfile(path string, g prometheus.Gatherer) error {
	return prometheus.WriteToTextfile(path, g)
}
