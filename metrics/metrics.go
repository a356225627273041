package metrics

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config configures a Recorder.
type Config struct {
	// Namespace and Subsystem prefix every metric name.
	// Defaults: "tokenbucket" and "" (no subsystem).
	Namespace string
	Subsystem string

	// Registry receives the collectors. A fresh registry is created if nil.
	Registry *prometheus.Registry

	// TopClients caps the per-client list in a Snapshot. Default: 10
	TopClients int

	// WaitBuckets are histogram buckets for wait durations in seconds.
	WaitBuckets []float64
}

// Recorder tracks bucket decisions and waits. It satisfies the
// tokenbucket.Observer interface.
type Recorder struct {
	registry   *prometheus.Registry
	decisions  *prometheus.CounterVec
	waits      *prometheus.HistogramVec
	clients    prometheus.Gauge
	topClients int

	totalRequests   atomic.Int64
	allowedRequests atomic.Int64
	blockedRequests atomic.Int64
	waitCount       atomic.Int64
	waitNanos       atomic.Int64

	mu          sync.RWMutex
	clientStats map[string]*ClientStats
	startTime   time.Time
}

// ClientStats tracks statistics for a specific client
type ClientStats struct {
	ClientID        string    `json:"client_id"`
	TotalRequests   int64     `json:"total_requests"`
	AllowedRequests int64     `json:"allowed_requests"`
	BlockedRequests int64     `json:"blocked_requests"`
	LastRequestAt   time.Time `json:"last_request_at"`
	FirstRequestAt  time.Time `json:"first_request_at"`
}

// NewRecorder creates a Recorder and registers its collectors.
func NewRecorder(cfg Config) *Recorder {
	if cfg.Namespace == "" {
		cfg.Namespace = "tokenbucket"
	}
	if cfg.Registry == nil {
		cfg.Registry = prometheus.NewRegistry()
	}
	if cfg.TopClients <= 0 {
		cfg.TopClients = 10
	}
	if len(cfg.WaitBuckets) == 0 {
		// Waits are bounded by capacity/rate; 1ms to 30s covers typical policies
		cfg.WaitBuckets = []float64{0.001, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}
	}

	r := &Recorder{
		registry: cfg.Registry,
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "decisions_total",
			Help:      "Non-blocking consume attempts by outcome.",
		}, []string{"outcome"}),
		waits: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "wait_seconds",
			Help:      "Time spent blocked in Wait, by outcome.",
			Buckets:   cfg.WaitBuckets,
		}, []string{"outcome"}),
		clients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "active_clients",
			Help:      "Distinct clients seen since start.",
		}),
		topClients:  cfg.TopClients,
		clientStats: make(map[string]*ClientStats),
		startTime:   time.Now(),
	}

	cfg.Registry.MustRegister(r.decisions, r.waits, r.clients)
	return r
}

// RecordDecision records a non-blocking consume attempt.
func (r *Recorder) RecordDecision(clientID string, allowed bool) {
	r.totalRequests.Add(1)
	if allowed {
		r.allowedRequests.Add(1)
		r.decisions.WithLabelValues("allowed").Inc()
	} else {
		r.blockedRequests.Add(1)
		r.decisions.WithLabelValues("limited").Inc()
	}

	if clientID == "" {
		clientID = "default"
	}
	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	stats, exists := r.clientStats[clientID]
	if !exists {
		stats = &ClientStats{ClientID: clientID, FirstRequestAt: now}
		r.clientStats[clientID] = stats
		r.clients.Set(float64(len(r.clientStats)))
	}
	stats.TotalRequests++
	if allowed {
		stats.AllowedRequests++
	} else {
		stats.BlockedRequests++
	}
	stats.LastRequestAt = now
}

// RecordWait records a completed blocking wait.
func (r *Recorder) RecordWait(clientID string, waited time.Duration, err error) {
	r.waitCount.Add(1)
	r.waitNanos.Add(int64(waited))
	r.waits.WithLabelValues(waitOutcome(err)).Observe(waited.Seconds())
}

func waitOutcome(err error) string {
	switch {
	case err == nil:
		return "acquired"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "rejected"
	}
}

// Registry returns the registry holding the Recorder's collectors.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Snapshot returns a point-in-time copy of the counters and the busiest
// clients.
func (r *Recorder) Snapshot() *Snapshot {
	r.mu.RLock()
	topClients := make([]*ClientStats, 0, len(r.clientStats))
	for _, stats := range r.clientStats {
		c := *stats
		topClients = append(topClients, &c)
	}
	unique := int64(len(r.clientStats))
	r.mu.RUnlock()

	sort.Slice(topClients, func(i, j int) bool {
		if topClients[i].TotalRequests != topClients[j].TotalRequests {
			return topClients[i].TotalRequests > topClients[j].TotalRequests
		}
		return topClients[i].ClientID < topClients[j].ClientID
	})
	if len(topClients) > r.topClients {
		topClients = topClients[:r.topClients]
	}

	return &Snapshot{
		TotalRequests:    r.totalRequests.Load(),
		AllowedRequests:  r.allowedRequests.Load(),
		BlockedRequests:  r.blockedRequests.Load(),
		Waits:            r.waitCount.Load(),
		WaitSecondsTotal: time.Duration(r.waitNanos.Load()).Seconds(),
		UniqueClients:    unique,
		TopClients:       topClients,
		UptimeSeconds:    int64(time.Since(r.startTime).Seconds()),
		StartTime:        r.startTime,
	}
}

// Snapshot represents a point-in-time view of metrics
type Snapshot struct {
	TotalRequests    int64          `json:"total_requests"`
	AllowedRequests  int64          `json:"allowed_requests"`
	BlockedRequests  int64          `json:"blocked_requests"`
	Waits            int64          `json:"waits"`
	WaitSecondsTotal float64        `json:"wait_seconds_total"`
	UniqueClients    int64          `json:"unique_clients"`
	TopClients       []*ClientStats `json:"top_clients"`
	UptimeSeconds    int64          `json:"uptime_seconds"`
	StartTime        time.Time      `json:"start_time"`
}
