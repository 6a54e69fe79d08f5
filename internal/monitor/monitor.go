// Package monitor samples the system's health on a fixed cadence and
// exposes both a read-only in-process snapshot and a Prometheus
// exposition. Grounded on the teacher's plugin/chat_apps/metrics
// WebhookMetrics/Registry shape (counters, recent-error ring, derived
// health fraction) and its ai/metrics.PrometheusExporter for the
// client_golang wiring, generalized from per-webhook to per-instance and
// per-pipeline counters.
package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hrygo/wxrelay/internal/remoteclient"
	"github.com/hrygo/wxrelay/store"
)

const ringSize = 100

// ErrorRecord is one entry in the recent-error ring.
type ErrorRecord struct {
	Timestamp time.Time
	Message   string
}

// Snapshot is a point-in-time read of the monitor's state.
type Snapshot struct {
	Running             bool
	HealthScore         float64
	ConnectedClients    int
	TotalClients        int
	InstancesWithActive int
	TotalInstances      int
	Processed           int64
	Delivered           int64
	Replied             int64
	Failed              int64
	RecentErrors        []ErrorRecord
}

// Monitor samples client connectivity and listener liveness, and
// accumulates the pipeline's outcome counters recorded by its callers.
// It never mutates core state; Run only reads through the store's
// exported accessors and the clients it was given.
type Monitor struct {
	st       *store.Store
	clients  map[string]*remoteclient.Client
	interval time.Duration

	mu      sync.Mutex
	running bool
	last    Snapshot

	processed, delivered, replied, failed int64
	errors                                []ErrorRecord

	healthGauge      prometheus.Gauge
	listenerGauge    prometheus.Gauge
	processedCounter prometheus.Counter
	deliveredCounter prometheus.Counter
	repliedCounter   prometheus.Counter
	failedCounter    prometheus.Counter
	connectedGauge   *prometheus.GaugeVec
}

// New builds a Monitor over the given instance clients, registering its
// gauges/counters on reg. Pass a dedicated prometheus.Registry so tests
// don't collide on the global registry; reg may be nil to skip exposition.
func New(st *store.Store, clients map[string]*remoteclient.Client, interval time.Duration, reg *prometheus.Registry) *Monitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	m := &Monitor{
		st:       st,
		clients:  clients,
		interval: interval,

		healthGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "wxrelay", Name: "health_score", Help: "Derived health score in [0,100].",
		}),
		listenerGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "wxrelay", Name: "listener_active_total", Help: "Instances with at least one active listener.",
		}),
		processedCounter: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "wxrelay", Name: "messages_processed_total", Help: "Messages scanned by the delivery pipeline.",
		}),
		deliveredCounter: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "wxrelay", Name: "messages_delivered_total", Help: "Messages successfully handed to a platform.",
		}),
		repliedCounter: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "wxrelay", Name: "messages_replied_total", Help: "Replies sent back to a chat.",
		}),
		failedCounter: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "wxrelay", Name: "messages_failed_total", Help: "Messages that failed delivery permanently.",
		}),
		connectedGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "wxrelay", Name: "client_connected", Help: "1 if the instance's remote client is connected, else 0.",
		}, []string{"instance_id"}),
	}
	if reg != nil {
		reg.MustRegister(m.healthGauge, m.listenerGauge, m.processedCounter, m.deliveredCounter, m.repliedCounter, m.failedCounter, m.connectedGauge)
	}
	return m
}

// RecordProcessed counts one delivery unit (a single message or a
// merge-window group) pulled off the unprocessed queue.
func (m *Monitor) RecordProcessed() {
	m.mu.Lock()
	m.processed++
	m.mu.Unlock()
	m.processedCounter.Inc()
}

// RecordDelivered counts one delivery unit successfully handed to a platform.
func (m *Monitor) RecordDelivered() {
	m.mu.Lock()
	m.delivered++
	m.mu.Unlock()
	m.deliveredCounter.Inc()
}

// RecordReplied counts one reply sent back to a chat.
func (m *Monitor) RecordReplied() {
	m.mu.Lock()
	m.replied++
	m.mu.Unlock()
	m.repliedCounter.Inc()
}

// RecordFailed counts one permanently failed delivery unit and appends reason
// to the recent-error ring, evicting the oldest entry past ringSize.
func (m *Monitor) RecordFailed(reason string) {
	m.mu.Lock()
	m.failed++
	m.errors = append(m.errors, ErrorRecord{Timestamp: time.Now(), Message: reason})
	if len(m.errors) > ringSize {
		m.errors = m.errors[len(m.errors)-ringSize:]
	}
	m.mu.Unlock()
	m.failedCounter.Inc()
}

// Run samples connectivity and listener liveness every interval until ctx
// is canceled.
func (m *Monitor) Run(ctx context.Context) error {
	m.mu.Lock()
	m.running = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
	}()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	m.sample(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.sample(ctx)
		}
	}
}

// sample recomputes connectivity and listener liveness, derives the
// health score, and publishes both the Prometheus gauges and the cached
// Snapshot returned by Snapshot().
func (m *Monitor) sample(ctx context.Context) {
	connected, totalClients := 0, 0
	for id, c := range m.clients {
		totalClients++
		snap := c.Stats.Snapshot()
		state := 0.0
		if snap.Connected {
			connected++
			state = 1.0
		}
		m.connectedGauge.WithLabelValues(id).Set(state)
	}

	withActive, totalInstances := 0, 0
	for _, in := range m.st.EnabledInstances() {
		totalInstances++
		listeners, err := m.st.Driver().ListActiveListeners(ctx, in.ID)
		if err == nil && len(listeners) > 0 {
			withActive++
		}
	}

	m.mu.Lock()
	running := m.running
	processed, failed := m.processed, m.failed
	score := healthScore(running, connected, totalClients, withActive, totalInstances, processed, failed)
	m.last = Snapshot{
		Running:             running,
		HealthScore:         score,
		ConnectedClients:    connected,
		TotalClients:        totalClients,
		InstancesWithActive: withActive,
		TotalInstances:      totalInstances,
		Processed:           processed,
		Delivered:           m.delivered,
		Replied:             m.replied,
		Failed:              failed,
		RecentErrors:        append([]ErrorRecord(nil), m.errors...),
	}
	m.mu.Unlock()

	m.healthGauge.Set(score)
	m.listenerGauge.Set(float64(withActive))
}

// healthScore implements the documented formula: 100, minus 40 if not
// running, minus 30 scaled by the disconnected client fraction, minus 20
// scaled by the fraction of instances with no active listener, minus a
// tiered penalty for the observed error rate.
//
// active_listener_fraction is defined per-instance liveness (has at
// least one active listener) rather than capacity utilization: the
// monitor's job is to flag instances that stopped listening entirely,
// not to track how close any one instance is to its listener cap.
func healthScore(running bool, connected, totalClients, withActive, totalInstances int, processed, failed int64) float64 {
	score := 100.0
	if !running {
		score -= 40
	}
	if totalClients > 0 {
		connectedFraction := float64(connected) / float64(totalClients)
		score -= 30 * (1 - connectedFraction)
	}
	if totalInstances > 0 {
		activeFraction := float64(withActive) / float64(totalInstances)
		score -= 20 * (1 - activeFraction)
	}
	if processed > 0 {
		errorRate := float64(failed) / float64(processed)
		switch {
		case errorRate > 0.10:
			score -= 10
		case errorRate > 0.05:
			score -= 5
		}
	}
	if score < 0 {
		score = 0
	}
	return score
}

// Snapshot returns the most recently sampled state plus the live
// counters and running flag; it never mutates core state. Before the
// first sample it reports a zero health score.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := m.last
	snap.Running = m.running
	snap.Processed = m.processed
	snap.Delivered = m.delivered
	snap.Replied = m.replied
	snap.Failed = m.failed
	snap.RecentErrors = append([]ErrorRecord(nil), m.errors...)
	return snap
}
