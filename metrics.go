package archbridge

import (
	"sort"
	"sync"
	"time"
)

// MetricsSnapshot represents a point-in-time snapshot of all metrics
type MetricsSnapshot struct {
	// Calls
	CallsTotal   int `json:"calls_total"`
	CallsSuccess int `json:"calls_success"`
	CallsFailed  int `json:"calls_failed"`
	CallRetries  int `json:"call_retries"`
	InFlight     int `json:"in_flight"`
	MaxInFlight  int `json:"max_in_flight"`

	// Latency (milliseconds)
	LatencyAvgMs float64 `json:"latency_avg_ms"`
	LatencyP50Ms float64 `json:"latency_p50_ms"`
	LatencyP95Ms float64 `json:"latency_p95_ms"`
	LatencyP99Ms float64 `json:"latency_p99_ms"`
	LatencyMinMs float64 `json:"latency_min_ms"`
	LatencyMaxMs float64 `json:"latency_max_ms"`

	// Connection lifecycle
	ConnectAttempts int `json:"connect_attempts"`
	Connects        int `json:"connects"`
	Reconnects      int `json:"reconnects"`
	Spawns          int `json:"spawns"`

	// Heartbeat
	HeartbeatRttAvgMs  float64 `json:"heartbeat_rtt_avg_ms"`
	HeartbeatRttLastMs float64 `json:"heartbeat_rtt_last_ms"`
	HeartbeatMisses    int     `json:"heartbeat_misses"`

	Timestamp time.Time `json:"timestamp"`
}

// Metrics is a thread-safe metrics collector for a Client
type Metrics struct {
	mu sync.RWMutex

	maxLatencySamples int

	callsTotal   int
	callsSuccess int
	callsFailed  int
	callRetries  int
	inFlight     int
	maxInFlight  int

	connectAttempts int
	connects        int
	reconnects      int
	spawns          int

	// Latency samples (circular buffer via slice)
	latencies []float64

	heartbeatRtts   []float64
	heartbeatMisses int
}

// NewMetrics creates a new Metrics instance
func NewMetrics(maxLatencySamples int) *Metrics {
	if maxLatencySamples <= 0 {
		maxLatencySamples = 1000
	}

	return &Metrics{
		maxLatencySamples: maxLatencySamples,
		latencies:         make([]float64, 0, maxLatencySamples),
		heartbeatRtts:     make([]float64, 0, 100),
	}
}

// StartCall starts tracking a call
// Returns start timestamp for later EndCall() call
func (m *Metrics) StartCall() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.callsTotal++
	m.inFlight++
	if m.inFlight > m.maxInFlight {
		m.maxInFlight = m.inFlight
	}

	return time.Now()
}

// EndCall ends tracking a call
// Returns latency in milliseconds
func (m *Metrics) EndCall(startTime time.Time, success bool) float64 {
	latencyMs := float64(time.Since(startTime).Microseconds()) / 1000.0

	m.mu.Lock()
	defer m.mu.Unlock()

	m.inFlight--
	if success {
		m.callsSuccess++
	} else {
		m.callsFailed++
	}

	if len(m.latencies) >= m.maxLatencySamples {
		m.latencies = m.latencies[1:]
	}
	m.latencies = append(m.latencies, latencyMs)

	return latencyMs
}

// RecordRetry records a call reissued after a transient fault
func (m *Metrics) RecordRetry() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callRetries++
}

// RecordConnectAttempt records one dial+handshake attempt
func (m *Metrics) RecordConnectAttempt() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connectAttempts++
}

// RecordConnect records an established channel; every one after the first
// counts as a reconnect
func (m *Metrics) RecordConnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.connects > 0 {
		m.reconnects++
	}
	m.connects++
}

// RecordSpawn records a worker process start
func (m *Metrics) RecordSpawn() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.spawns++
}

// RecordHeartbeatRtt records a heartbeat round-trip time
func (m *Metrics) RecordHeartbeatRtt(rttMs float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Keep last 100 samples
	if len(m.heartbeatRtts) >= 100 {
		m.heartbeatRtts = m.heartbeatRtts[1:]
	}
	m.heartbeatRtts = append(m.heartbeatRtts, rttMs)
}

// RecordHeartbeatMiss records a missed heartbeat (timeout)
func (m *Metrics) RecordHeartbeatMiss() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.heartbeatMisses++
}

// Snapshot returns a point-in-time snapshot of all metrics
func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snapshot := MetricsSnapshot{
		CallsTotal:      m.callsTotal,
		CallsSuccess:    m.callsSuccess,
		CallsFailed:     m.callsFailed,
		CallRetries:     m.callRetries,
		InFlight:        m.inFlight,
		MaxInFlight:     m.maxInFlight,
		ConnectAttempts: m.connectAttempts,
		Connects:        m.connects,
		Reconnects:      m.reconnects,
		Spawns:          m.spawns,
		HeartbeatMisses: m.heartbeatMisses,
		Timestamp:       time.Now(),
	}

	if len(m.latencies) > 0 {
		latencies := make([]float64, len(m.latencies))
		copy(latencies, m.latencies)
		sort.Float64s(latencies)

		n := len(latencies)
		snapshot.LatencyMinMs = latencies[0]
		snapshot.LatencyMaxMs = latencies[n-1]

		sum := 0.0
		for _, v := range latencies {
			sum += v
		}
		snapshot.LatencyAvgMs = sum / float64(n)

		snapshot.LatencyP50Ms = latencies[n*50/100]
		snapshot.LatencyP95Ms = latencies[n*95/100]
		snapshot.LatencyP99Ms = latencies[n*99/100]
	}

	if len(m.heartbeatRtts) > 0 {
		sum := 0.0
		for _, v := range m.heartbeatRtts {
			sum += v
		}
		snapshot.HeartbeatRttAvgMs = sum / float64(len(m.heartbeatRtts))
		snapshot.HeartbeatRttLastMs = m.heartbeatRtts[len(m.heartbeatRtts)-1]
	}

	return snapshot
}

// Reset resets all metrics
func (m *Metrics) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.callsTotal = 0
	m.callsSuccess = 0
	m.callsFailed = 0
	m.callRetries = 0
	m.inFlight = 0
	m.maxInFlight = 0
	m.connectAttempts = 0
	m.connects = 0
	m.reconnects = 0
	m.spawns = 0
	m.latencies = make([]float64, 0, m.maxLatencySamples)
	m.heartbeatRtts = make([]float64, 0, 100)
	m.heartbeatMisses = 0
}
