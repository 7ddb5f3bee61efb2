// Package telemetry provides Prometheus metrics, tracing and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	MonitorTicks           prometheus.Counter
	ProbeFailures          prometheus.Counter
	Transitions            *prometheus.CounterVec // direction=entered|left
	SecondaryVerifications *prometheus.CounterVec // result=live|absent|cached|error
	AccountErrors          *prometheus.CounterVec // kind=not_found|rate_limited|offline|api
	RiotRequests           *prometheus.CounterVec // op, status
	OBSRequests            *prometheus.CounterVec // request, result
	MetadataUpdates        *prometheus.CounterVec // target=twitch|youtube, result=ok|error

	// Histograms (seconds)
	TickDuration        prometheus.Observer
	RiotRequestDuration *prometheus.HistogramVec

	// Gauges
	OutputActiveGauge prometheus.Gauge
	MonitoredAccounts prometheus.Gauge
	RetryDelayGauge   prometheus.Gauge
	CircuitOpenGauge  prometheus.Gauge // 1=open,0=closed
	CircuitStateGauge prometheus.Gauge // 0=closed,1=half-open,2=open
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		MonitorTicks = promauto.NewCounter(prometheus.CounterOpts{Name: "autostream_monitor_ticks_total", Help: "Monitor poll cycles run"})
		ProbeFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "autostream_probe_failures_total", Help: "Connectivity probes that failed"})
		Transitions = promauto.NewCounterVec(prometheus.CounterOpts{Name: "autostream_transitions_total", Help: "In-game state transitions"}, []string{"direction"})
		SecondaryVerifications = promauto.NewCounterVec(prometheus.CounterOpts{Name: "autostream_secondary_verifications_total", Help: "Secondary match-history verifications by outcome"}, []string{"result"})
		AccountErrors = promauto.NewCounterVec(prometheus.CounterOpts{Name: "autostream_account_errors_total", Help: "Per-account errors skipped during a tick"}, []string{"kind"})
		RiotRequests = promauto.NewCounterVec(prometheus.CounterOpts{Name: "autostream_riot_requests_total", Help: "Riot API requests by operation and status"}, []string{"op", "status"})
		OBSRequests = promauto.NewCounterVec(prometheus.CounterOpts{Name: "autostream_obs_requests_total", Help: "obs-websocket requests by type and result"}, []string{"request", "result"})
		MetadataUpdates = promauto.NewCounterVec(prometheus.CounterOpts{Name: "autostream_metadata_updates_total", Help: "Channel metadata updates by target and result"}, []string{"target", "result"})
		TickDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "autostream_tick_duration_seconds", Help: "Monitor tick duration seconds", Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60}})
		RiotRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{Name: "autostream_riot_request_duration_seconds", Help: "Riot API request duration seconds", Buckets: prometheus.DefBuckets}, []string{"op"})
		OutputActiveGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "autostream_output_active", Help: "Broadcast output active=1 inactive=0"})
		MonitoredAccounts = promauto.NewGauge(prometheus.GaugeOpts{Name: "autostream_monitored_accounts", Help: "Accounts polled by the running monitor"})
		RetryDelayGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "autostream_retry_delay_seconds", Help: "Current offline backoff delay, 0 when online"})
		CircuitOpenGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "autostream_helix_circuit_open", Help: "Helix circuit breaker open=1 closed=0"})
		CircuitStateGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "autostream_helix_circuit_state", Help: "Helix circuit breaker state closed=0 half-open=1 open=2"})
	})
}

// IncTick counts one monitor cycle and its duration.
func IncTick(d time.Duration) {
	if MonitorTicks != nil {
		MonitorTicks.Inc()
	}
	if TickDuration != nil {
		TickDuration.Observe(d.Seconds())
	}
}

// IncProbeFailure records a failed connectivity probe and the delay chosen for the retry.
func IncProbeFailure(next time.Duration) {
	if ProbeFailures != nil {
		ProbeFailures.Inc()
	}
	SetRetryDelay(next)
}

// SetRetryDelay publishes the current backoff delay.
func SetRetryDelay(d time.Duration) {
	if RetryDelayGauge != nil {
		RetryDelayGauge.Set(d.Seconds())
	}
}

// RecordTransition counts an entered/left transition.
func RecordTransition(direction string) {
	if Transitions != nil {
		Transitions.WithLabelValues(direction).Inc()
	}
}

// RecordVerification counts a secondary verification outcome.
func RecordVerification(result string) {
	if SecondaryVerifications != nil {
		SecondaryVerifications.WithLabelValues(result).Inc()
	}
}

// IncAccountError counts an isolated per-account failure.
func IncAccountError(kind string) {
	if AccountErrors != nil {
		AccountErrors.WithLabelValues(kind).Inc()
	}
}

// ObserveRiotRequest records one Riot API call; status 0 means transport failure.
func ObserveRiotRequest(op string, status int, d time.Duration) {
	if RiotRequests != nil {
		RiotRequests.WithLabelValues(op, strconv.Itoa(status)).Inc()
	}
	if RiotRequestDuration != nil {
		RiotRequestDuration.WithLabelValues(op).Observe(d.Seconds())
	}
}

// ObserveOBSRequest records one obs-websocket request.
func ObserveOBSRequest(request string, err error) {
	if OBSRequests == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	OBSRequests.WithLabelValues(request, result).Inc()
}

// RecordMetadataUpdate counts a title/category push to target.
func RecordMetadataUpdate(target string, err error) {
	if MetadataUpdates == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	MetadataUpdates.WithLabelValues(target, result).Inc()
}

// SetOutputActive mirrors the broadcast output state.
func SetOutputActive(active bool) {
	if OutputActiveGauge != nil {
		if active {
			OutputActiveGauge.Set(1)
		} else {
			OutputActiveGauge.Set(0)
		}
	}
}

// SetMonitoredAccounts records how many accounts the running monitor polls.
func SetMonitoredAccounts(n int) {
	if MonitoredAccounts != nil {
		MonitoredAccounts.Set(float64(n))
	}
}

// UpdateCircuitGauge sets gauge to 1 if open else 0.
func UpdateCircuitGauge(open bool) {
	if CircuitOpenGauge != nil {
		if open {
			CircuitOpenGauge.Set(1)
		} else {
			CircuitOpenGauge.Set(0)
		}
	}
}

// SetCircuitState records the breaker state by name (closed, half-open, open).
func SetCircuitState(state string) {
	if CircuitStateGauge == nil {
		return
	}
	switch state {
	case "closed":
		CircuitStateGauge.Set(0)
	case "half-open":
		CircuitStateGauge.Set(1)
	case "open":
		CircuitStateGauge.Set(2)
	default:
		return
	}
	UpdateCircuitGauge(state == "open")
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	if s, ok := ctx.Value(corrKey).(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
