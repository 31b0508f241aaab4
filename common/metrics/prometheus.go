package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/gin-gonic/contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/scusemua/vm-scheduler/common/scheduling"
	"github.com/scusemua/vm-scheduler/common/scheduling/entity"
	"github.com/scusemua/vm-scheduler/common/utils"
	"github.com/shopspring/decimal"
)

const (
	Namespace = "vm_scheduler"
)

var (
	ErrPrometheusManagerAlreadyRunning = errors.New("PrometheusManager is already running")
	ErrPrometheusManagerNotRunning     = errors.New("PrometheusManager is not running")
	ErrMetricsNotInitialized           = errors.New("the PrometheusManager's metrics have not been initialized yet")
)

// SnapshotProvider returns a JSON-serializable view of the scheduler's state.
type SnapshotProvider func() interface{}

// PrometheusManager registers the scheduler's metrics with Prometheus and serves them, along with a read-only
// snapshot of the scheduler's state, via HTTP.
type PrometheusManager struct {
	log logger.Logger

	prometheusHandler http.Handler
	engine            *gin.Engine
	httpServer        *http.Server

	registerer prometheus.Registerer

	snapshotProvider SnapshotProvider

	// ClearingPriceGauge is the current spot clearing price.
	ClearingPriceGauge *prometheus.GaugeVec

	// SpotCapacityGauge is the number of spot instances the pool could currently hold.
	SpotCapacityGauge *prometheus.GaugeVec

	// BidsGaugeVec is the number of active bids, labeled by status ("admitted" or "pending").
	BidsGaugeVec *prometheus.GaugeVec

	AdmissionsCounterVec  *prometheus.CounterVec
	PreemptionsCounterVec *prometheus.CounterVec

	// PlacementsCounterVec counts reserved placements by outcome.
	PlacementsCounterVec *prometheus.CounterVec

	// HostMemoryGaugeVec is the memory of each host, labeled by kind ("total", "used", or "preemptible").
	HostMemoryGaugeVec *prometheus.GaugeVec

	poolId string
	port   int
	mu     sync.Mutex

	// serving indicates whether the manager has been started and is serving requests.
	serving            bool
	metricsInitialized bool
}

// NewPrometheusManager creates a new PrometheusManager and returns a pointer to it.
//
// The metrics are registered with the given Registerer, or with the default Prometheus registry if it is nil.
func NewPrometheusManager(port int, poolId string, registerer prometheus.Registerer) *PrometheusManager {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	manager := &PrometheusManager{
		port:              port,
		poolId:            poolId,
		registerer:        registerer,
		prometheusHandler: promhttp.Handler(),
	}
	config.InitLogger(&manager.log, manager)

	return manager
}

// SetSnapshotProvider sets the function whose result is served at /snapshot.
func (m *PrometheusManager) SetSnapshotProvider(provider SnapshotProvider) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.snapshotProvider = provider
}

// IsRunning returns true if the PrometheusManager has been started and is serving metrics.
func (m *PrometheusManager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.serving
}

// InitializeMetrics creates and registers the metrics. It is called by Start if it has not been called already.
func (m *PrometheusManager) InitializeMetrics() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.unsafeInitializeMetrics()
}

// Start registers the metrics with Prometheus and begins serving them via HTTP.
func (m *PrometheusManager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.serving {
		m.log.Warn("PrometheusManager for pool %s is already running.", m.poolId)
		return ErrPrometheusManagerAlreadyRunning
	}

	if err := m.unsafeInitializeMetrics(); err != nil {
		return err
	}

	m.serving = true
	m.initializeHttpServer()

	return nil
}

// Stop shuts down the HTTP server.
func (m *PrometheusManager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.serving {
		m.log.Warn("PrometheusManager for pool %s is not running.", m.poolId)
		return ErrPrometheusManagerNotRunning
	}

	m.serving = false

	if m.httpServer == nil {
		return nil
	}

	if err := m.httpServer.Shutdown(context.Background()); err != nil {
		m.log.Error("Failed to cleanly shutdown the HTTP server: %v", err)
		return err
	}

	return nil
}

// Handler returns the HTTP handler serving /metrics and /snapshot.
func (m *PrometheusManager) Handler() http.Handler {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.engine == nil {
		m.engine = m.newEngine()
	}

	return m.engine
}

// HandleRequest handles Prometheus HTTP requests (when Prometheus is scraping for metrics).
func (m *PrometheusManager) HandleRequest(c *gin.Context) {
	m.prometheusHandler.ServeHTTP(c.Writer, c.Request)
}

// HandleSnapshotRequest serves the scheduler's current state as JSON.
func (m *PrometheusManager) HandleSnapshotRequest(c *gin.Context) {
	m.mu.Lock()
	provider := m.snapshotProvider
	m.mu.Unlock()

	if provider == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no snapshot provider registered"})
		return
	}

	c.JSON(http.StatusOK, provider())
}

func (m *PrometheusManager) newEngine() *gin.Engine {
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(cors.Default())

	engine.GET("/metrics", m.HandleRequest)
	engine.GET("/snapshot", m.HandleSnapshotRequest)

	return engine
}

func (m *PrometheusManager) initializeHttpServer() {
	if m.port <= 0 {
		m.log.Debug("Prometheus Port is set to %d. Not serving HTTP server.", m.port)
		return
	}

	if m.engine == nil {
		m.engine = m.newEngine()
	}

	address := fmt.Sprintf("0.0.0.0:%d", m.port)
	m.httpServer = &http.Server{
		Addr:    address,
		Handler: m.engine,
	}

	go func() {
		m.log.Debug("Serving Prometheus metrics at %s", address)
		if err := m.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.log.Error(utils.RedStyle.Render("HTTP Server failed to listen on '%s'. Error: %v"), address, err)
		}
	}()
}

func (m *PrometheusManager) unsafeInitializeMetrics() error {
	if m.metricsInitialized {
		return nil
	}

	m.ClearingPriceGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: Namespace,
		Name:      "spot_clearing_price",
		Help:      "The current uniform clearing price of the spot market",
	}, []string{"pool_id"})

	m.SpotCapacityGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: Namespace,
		Name:      "spot_capacity_instances",
		Help:      "The number of spot instances that the pool could currently hold",
	}, []string{"pool_id"})

	m.BidsGaugeVec = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: Namespace,
		Name:      "spot_bids",
		Help:      "The number of active spot bids by status",
	}, []string{"pool_id", "status"})

	m.AdmissionsCounterVec = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "spot_admissions_total",
		Help:      "The number of times a spot bid was admitted",
	}, []string{"pool_id"})

	m.PreemptionsCounterVec = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "spot_preemptions_total",
		Help:      "The number of times an admitted spot bid was preempted",
	}, []string{"pool_id"})

	m.PlacementsCounterVec = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "reserved_placements_total",
		Help:      "The number of reserved placement requests by outcome",
	}, []string{"pool_id", "outcome"})

	m.HostMemoryGaugeVec = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: Namespace,
		Name:      "host_memory_mb",
		Help:      "Memory of each host in MB by kind (total, used, or preemptible)",
	}, []string{"pool_id", "host_id", "kind"})

	collectors := map[string]prometheus.Collector{
		"Clearing Price":     m.ClearingPriceGauge,
		"Spot Capacity":      m.SpotCapacityGauge,
		"Bids":               m.BidsGaugeVec,
		"Admissions":         m.AdmissionsCounterVec,
		"Preemptions":        m.PreemptionsCounterVec,
		"Reserved Placement": m.PlacementsCounterVec,
		"Host Memory":        m.HostMemoryGaugeVec,
	}

	for name, collector := range collectors {
		if err := m.registerer.Register(collector); err != nil {
			m.log.Error("Failed to register '%s' metric because: %v", name, err)
			return err
		}
	}

	m.metricsInitialized = true
	return nil
}

func (m *PrometheusManager) ready() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.metricsInitialized
}

/////////////////////////////////////////////
// scheduling.MetricsProvider implementation //
/////////////////////////////////////////////

func (m *PrometheusManager) ObserveMarket(price decimal.Decimal, capacity int, numAdmitted int, numPending int) {
	if !m.ready() {
		return
	}

	m.ClearingPriceGauge.With(prometheus.Labels{"pool_id": m.poolId}).Set(price.InexactFloat64())
	m.SpotCapacityGauge.With(prometheus.Labels{"pool_id": m.poolId}).Set(float64(capacity))
	m.BidsGaugeVec.With(prometheus.Labels{"pool_id": m.poolId, "status": "admitted"}).Set(float64(numAdmitted))
	m.BidsGaugeVec.With(prometheus.Labels{"pool_id": m.poolId, "status": "pending"}).Set(float64(numPending))
}

func (m *PrometheusManager) RecordAdmissions(n int) {
	if !m.ready() || n <= 0 {
		return
	}

	m.AdmissionsCounterVec.With(prometheus.Labels{"pool_id": m.poolId}).Add(float64(n))
}

func (m *PrometheusManager) RecordPreemptions(n int) {
	if !m.ready() || n <= 0 {
		return
	}

	m.PreemptionsCounterVec.With(prometheus.Labels{"pool_id": m.poolId}).Add(float64(n))
}

func (m *PrometheusManager) RecordPlacement(outcome scheduling.PlacementOutcome) {
	if !m.ready() {
		return
	}

	m.PlacementsCounterVec.With(prometheus.Labels{"pool_id": m.poolId, "outcome": outcome.String()}).Inc()
}

func (m *PrometheusManager) ObserveHost(entry *entity.HostEntry) {
	if !m.ready() {
		return
	}

	labels := func(kind string) prometheus.Labels {
		return prometheus.Labels{"pool_id": m.poolId, "host_id": entry.HostID, "kind": kind}
	}

	m.HostMemoryGaugeVec.With(labels("total")).Set(float64(entry.TotalMemoryMB))
	m.HostMemoryGaugeVec.With(labels("used")).Set(float64(entry.UsedMemoryMB))
	m.HostMemoryGaugeVec.With(labels("preemptible")).Set(float64(entry.PreemptibleMemoryMB))
}
