package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsConfig configures the metrics provider.
type MetricsConfig struct {
	// Service identification
	ServiceName    string
	ServiceVersion string
	Environment    string

	// Prometheus configuration
	MetricsPath string // HTTP path for metrics endpoint (default: /metrics)
	MetricsPort int    // Port for metrics server (default: 9090)

	// Metric options
	Namespace        string    // Prometheus namespace (default: jsonrpc)
	Subsystem        string    // Prometheus subsystem
	HistogramBuckets []float64 // Custom histogram buckets for latency

	// Labels to add to all metrics
	ConstLabels prometheus.Labels

	// Registerer overrides the default registry, mainly for tests.
	Registerer prometheus.Registerer
}

// MetricsProvider collects session-engine metrics: session lifecycle counts,
// live sessions, heartbeats and application dispatch latency. It satisfies
// the manager's MetricsRecorder contract.
type MetricsProvider struct {
	config MetricsConfig
	server *http.Server

	sessionsActive     prometheus.Gauge
	sessionsCreated    prometheus.Counter
	reconnectionsTotal prometheus.Counter
	disposalsTotal     *prometheus.CounterVec
	pingsTotal         prometheus.Counter
	dispatchDuration   *prometheus.HistogramVec
}

// NewMetricsProvider creates a Prometheus-backed metrics provider.
func NewMetricsProvider(config MetricsConfig) (*MetricsProvider, error) {
	if config.Namespace == "" {
		config.Namespace = "jsonrpc"
	}
	if config.MetricsPath == "" {
		config.MetricsPath = "/metrics"
	}
	if config.MetricsPort == 0 {
		config.MetricsPort = 9090
	}
	if config.HistogramBuckets == nil {
		// Default buckets for milliseconds
		config.HistogramBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}
	}
	if config.Registerer == nil {
		config.Registerer = prometheus.DefaultRegisterer
	}

	if config.ConstLabels == nil {
		config.ConstLabels = prometheus.Labels{}
	}
	if config.ServiceName != "" {
		config.ConstLabels["service"] = config.ServiceName
	}
	if config.ServiceVersion != "" {
		config.ConstLabels["version"] = config.ServiceVersion
	}
	if config.Environment != "" {
		config.ConstLabels["environment"] = config.Environment
	}

	provider := &MetricsProvider{config: config}
	provider.initializeMetrics()

	if err := provider.registerMetrics(); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	return provider, nil
}

func (p *MetricsProvider) initializeMetrics() {
	p.sessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace:   p.config.Namespace,
			Subsystem:   p.config.Subsystem,
			Name:        "sessions_active",
			Help:        "Number of live sessions",
			ConstLabels: p.config.ConstLabels,
		},
	)

	p.sessionsCreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace:   p.config.Namespace,
			Subsystem:   p.config.Subsystem,
			Name:        "sessions_created_total",
			Help:        "Total number of sessions created",
			ConstLabels: p.config.ConstLabels,
		},
	)

	p.reconnectionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace:   p.config.Namespace,
			Subsystem:   p.config.Subsystem,
			Name:        "reconnections_total",
			Help:        "Total number of successful transport rebinds",
			ConstLabels: p.config.ConstLabels,
		},
	)

	p.disposalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   p.config.Namespace,
			Subsystem:   p.config.Subsystem,
			Name:        "session_disposals_total",
			Help:        "Total number of session disposals by reason",
			ConstLabels: p.config.ConstLabels,
		},
		[]string{"reason"},
	)

	p.pingsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace:   p.config.Namespace,
			Subsystem:   p.config.Subsystem,
			Name:        "pings_total",
			Help:        "Total number of heartbeat pings received",
			ConstLabels: p.config.ConstLabels,
		},
	)

	p.dispatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   p.config.Namespace,
			Subsystem:   p.config.Subsystem,
			Name:        "dispatch_duration_milliseconds",
			Help:        "Duration of application request dispatch in milliseconds",
			Buckets:     p.config.HistogramBuckets,
			ConstLabels: p.config.ConstLabels,
		},
		[]string{"method", "status"},
	)
}

func (p *MetricsProvider) registerMetrics() error {
	collectors := []prometheus.Collector{
		p.sessionsActive,
		p.sessionsCreated,
		p.reconnectionsTotal,
		p.disposalsTotal,
		p.pingsTotal,
		p.dispatchDuration,
	}

	for _, collector := range collectors {
		if err := p.config.Registerer.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}

	return nil
}

// SessionCreated records a new session.
func (p *MetricsProvider) SessionCreated() {
	p.sessionsCreated.Inc()
	p.sessionsActive.Inc()
}

// SessionReconnected records a transport rebind.
func (p *MetricsProvider) SessionReconnected() {
	p.reconnectionsTotal.Inc()
}

// SessionDisposed records a disposal with its reason.
func (p *MetricsProvider) SessionDisposed(reason string) {
	p.disposalsTotal.WithLabelValues(reason).Inc()
	p.sessionsActive.Dec()
}

// PingReceived records a heartbeat.
func (p *MetricsProvider) PingReceived() {
	p.pingsTotal.Inc()
}

// ObserveDispatch records one application dispatch.
func (p *MetricsProvider) ObserveDispatch(method string, d time.Duration, failed bool) {
	status := "success"
	if failed {
		status = "error"
	}
	p.dispatchDuration.WithLabelValues(method, status).Observe(float64(d.Milliseconds()))
}

// Start starts the metrics HTTP server.
func (p *MetricsProvider) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle(p.config.MetricsPath, promhttp.Handler())

	p.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", p.config.MetricsPort),
		Handler: mux,
	}

	go func() {
		_ = p.server.ListenAndServe()
	}()

	return nil
}

// Shutdown gracefully shuts down the metrics server.
func (p *MetricsProvider) Shutdown(ctx context.Context) error {
	if p.server != nil {
		return p.server.Shutdown(ctx)
	}
	return nil
}
