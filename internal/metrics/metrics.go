package metrics

import (
	"context"
	"equity-signal-bot-go/internal/scheduler"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Metrics holds the Prometheus metrics of the bot. It implements
// scheduler.Observer and exchange.RetryObserver.
type Metrics struct {
	registry *prometheus.Registry

	Cycles        *prometheus.CounterVec   // labels: phase, result
	CycleDuration *prometheus.HistogramVec // labels: phase
	SkippedTicks  *prometheus.CounterVec   // labels: phase
	VenueRetries  *prometheus.CounterVec   // labels: op
	Signals       *prometheus.CounterVec   // labels: side
	Entries       *prometheus.CounterVec   // labels: outcome (filled or rejection reason)
	Exits         *prometheus.CounterVec   // labels: reason
	OpenPositions prometheus.Gauge
	Capital       prometheus.Gauge
	Equity        prometheus.Gauge
	Drawdown      prometheus.Gauge // negative while equity is below initial capital
	Halted        prometheus.Gauge // 1 while state changes cannot be persisted
}

// New creates the metrics on a private registry that also carries the Go and
// process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		Cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bot_cycles_total",
			Help: "Completed cycles by phase and result",
		}, []string{"phase", "result"}),
		CycleDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bot_cycle_duration_seconds",
			Help:    "Cycle wall time",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"phase"}),
		SkippedTicks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bot_skipped_ticks_total",
			Help: "Ticks dropped because the previous cycle of the phase overran",
		}, []string{"phase"}),
		VenueRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bot_venue_retries_total",
			Help: "Venue calls retried after a transient failure",
		}, []string{"op"}),
		Signals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bot_signals_total",
			Help: "Signals generated by side",
		}, []string{"side"}),
		Entries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bot_entries_total",
			Help: "Entry decisions by outcome",
		}, []string{"outcome"}),
		Exits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bot_exits_total",
			Help: "Closed positions by exit reason",
		}, []string{"reason"}),
		OpenPositions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bot_open_positions",
			Help: "Open positions",
		}),
		Capital: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bot_capital_available_usd",
			Help: "Cash available for new entries",
		}),
		Equity: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bot_portfolio_equity_usd",
			Help: "Cash plus open positions marked at the last close",
		}),
		Drawdown: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bot_portfolio_drawdown_ratio",
			Help: "Equity change relative to initial capital",
		}),
		Halted: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bot_state_halted",
			Help: "1 while the last state change is not persisted",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.Cycles,
		m.CycleDuration,
		m.SkippedTicks,
		m.VenueRetries,
		m.Signals,
		m.Entries,
		m.Exits,
		m.OpenPositions,
		m.Capital,
		m.Equity,
		m.Drawdown,
		m.Halted,
	)
	return m
}

// Registry exposes the registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// CycleCompleted implements scheduler.Observer.
func (m *Metrics) CycleCompleted(phase scheduler.Phase, result scheduler.Result, took time.Duration) {
	m.Cycles.WithLabelValues(string(phase), string(result)).Inc()
	m.CycleDuration.WithLabelValues(string(phase)).Observe(took.Seconds())
	if result == scheduler.ResultHalted {
		m.Halted.Set(1)
	} else {
		m.Halted.Set(0)
	}
}

// TickSkipped implements scheduler.Observer.
func (m *Metrics) TickSkipped(phase scheduler.Phase) {
	m.SkippedTicks.WithLabelValues(string(phase)).Inc()
}

// VenueRetry implements exchange.RetryObserver.
func (m *Metrics) VenueRetry(op string) {
	m.VenueRetries.WithLabelValues(op).Inc()
}

func (m *Metrics) SignalGenerated(side string) { m.Signals.WithLabelValues(side).Inc() }
func (m *Metrics) EntryDecided(outcome string) { m.Entries.WithLabelValues(outcome).Inc() }
func (m *Metrics) PositionClosed(reason string) { m.Exits.WithLabelValues(reason).Inc() }

// SetPortfolio publishes the current ledger totals.
func (m *Metrics) SetPortfolio(openPositions int, capital float64) {
	m.OpenPositions.Set(float64(openPositions))
	m.Capital.Set(capital)
}

// SetEquity publishes the marked portfolio value and its drawdown.
func (m *Metrics) SetEquity(equity, drawdown float64) {
	m.Equity.Set(equity)
	m.Drawdown.Set(drawdown)
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	go func() {
		logger.Info("metrics endpoint listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics endpoint failed", zap.Error(err))
		}
	}()
}
