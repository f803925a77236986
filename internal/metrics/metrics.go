package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	applog "cryptobot/internal/logger"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Metrics holds all Prometheus metrics for the trading loop.
type Metrics struct {
	Iterations       prometheus.Counter
	IterationErrors  *prometheus.CounterVec // labels: kind
	CandlesEvaluated prometheus.Counter
	Signals          *prometheus.CounterVec // labels: signal, reason
	RiskRejections   *prometheus.CounterVec // labels: reason
	Orders           *prometheus.CounterVec // labels: side, status
	OrderDuration    prometheus.Histogram
	HeldQty          prometheus.Gauge
	ReconcileDeltas  prometheus.Counter
	ReconcileErrors  prometheus.Counter
	OpenOrders       prometheus.Gauge
	LastCandleTime   prometheus.Gauge
}

// New creates the metrics and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Iterations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cryptobot_loop_iterations_total",
			Help: "Trading loop iterations started",
		}),
		IterationErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cryptobot_loop_errors_total",
			Help: "Trading loop iterations that ended in backoff",
		}, []string{"kind"}),
		CandlesEvaluated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cryptobot_candles_evaluated_total",
			Help: "New closed candles run through the strategy",
		}),
		Signals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cryptobot_signals_total",
			Help: "Strategy evaluations by signal and reason",
		}, []string{"signal", "reason"}),
		RiskRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cryptobot_risk_rejections_total",
			Help: "Signals rejected by the risk gate",
		}, []string{"reason"}),
		Orders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cryptobot_orders_total",
			Help: "Supervised orders by side and terminal status",
		}, []string{"side", "status"}),
		OrderDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "cryptobot_order_supervision_seconds",
			Help:    "Time from submission to terminal status",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}),
		HeldQty: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cryptobot_position_held_qty",
			Help: "Held quantity of the traded asset after the last reconciliation",
		}),
		ReconcileDeltas: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cryptobot_reconcile_deltas_total",
			Help: "Reconciliations that changed the held quantity",
		}),
		ReconcileErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cryptobot_reconcile_errors_total",
			Help: "Failed reconciliations",
		}),
		OpenOrders: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cryptobot_open_orders",
			Help: "Orders tracked as possibly live on the exchange",
		}),
		LastCandleTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cryptobot_last_candle_timestamp_seconds",
			Help: "Open time of the last evaluated candle",
		}),
	}

	reg.MustRegister(
		m.Iterations,
		m.IterationErrors,
		m.CandlesEvaluated,
		m.Signals,
		m.RiskRejections,
		m.Orders,
		m.OrderDuration,
		m.HeldQty,
		m.ReconcileDeltas,
		m.ReconcileErrors,
		m.OpenOrders,
		m.LastCandleTime,
	)
	return m
}

// HealthStatus tracks loop liveness for the /healthz endpoint.
type HealthStatus struct {
	mu sync.RWMutex

	StartedAt      time.Time
	LastIteration  time.Time
	LastCandleTime time.Time
	LastError      string
	Holding        bool
	OpenOrders     int

	staleAfter time.Duration
	now        func() time.Time
}

// NewHealthStatus reports unhealthy once no iteration completed within staleAfter.
func NewHealthStatus(staleAfter time.Duration) *HealthStatus {
	return &HealthStatus{
		StartedAt:  time.Now(),
		staleAfter: staleAfter,
		now:        time.Now,
	}
}

func (h *HealthStatus) MarkIteration(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.LastIteration = h.now()
	if err != nil {
		h.LastError = err.Error()
	} else {
		h.LastError = ""
	}
}

func (h *HealthStatus) SetLastCandleTime(t time.Time) {
	h.mu.Lock()
	h.LastCandleTime = t
	h.mu.Unlock()
}

func (h *HealthStatus) SetPosition(holding bool, openOrders int) {
	h.mu.Lock()
	h.Holding = holding
	h.OpenOrders = openOrders
	h.mu.Unlock()
}

// ServeHTTP handles the /healthz endpoint.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	now := h.now()
	overallStatus := "healthy"
	httpCode := http.StatusOK
	switch {
	case h.LastIteration.IsZero():
		overallStatus = "starting"
		httpCode = http.StatusServiceUnavailable
	case h.staleAfter > 0 && now.Sub(h.LastIteration) > h.staleAfter:
		overallStatus = "stale"
		httpCode = http.StatusServiceUnavailable
	case h.LastError != "":
		overallStatus = "degraded"
	}

	lastCandle := ""
	if !h.LastCandleTime.IsZero() {
		lastCandle = h.LastCandleTime.Format(time.RFC3339)
	}

	status := struct {
		Status         string `json:"status"`
		Uptime         string `json:"uptime"`
		LastIteration  string `json:"last_iteration"`
		LastCandleTime string `json:"last_candle_time"`
		LastError      string `json:"last_error,omitempty"`
		Holding        bool   `json:"holding"`
		OpenOrders     int    `json:"open_orders"`
	}{
		Status:         overallStatus,
		Uptime:         now.Sub(h.StartedAt).Round(time.Second).String(),
		LastIteration:  h.LastIteration.Format(time.RFC3339),
		LastCandleTime: lastCandle,
		LastError:      h.LastError,
		Holding:        h.Holding,
		OpenOrders:     h.OpenOrders,
	}

	w.Header().Set("Content-Type", "application/json")
	if httpCode != http.StatusOK {
		w.WriteHeader(httpCode)
	}
	_ = json.NewEncoder(w).Encode(status)
}

// Server runs an HTTP server exposing /metrics and /healthz.
type Server struct {
	addr   string
	srv    *http.Server
	logger zerolog.Logger
}

func NewServer(addr string, gatherer prometheus.Gatherer, health *HealthStatus, logger zerolog.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.Handle("/healthz", health)

	return &Server{
		addr: addr,
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: applog.Component(logger, "metrics"),
	}
}

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		s.logger.Info().Str("addr", s.addr).Msg("server listening")
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("server error")
		}
	}()
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
