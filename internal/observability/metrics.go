package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce            sync.Once
	httpDurationHistogram   *prometheus.HistogramVec
	balanceOpCounter        *prometheus.CounterVec
	balanceInvariantCounter *prometheus.CounterVec
	notificationCounter     *prometheus.CounterVec
	redistributionHistogram prometheus.Histogram
	redistributionLastGauge *prometheus.GaugeVec
	redistributionSkipped   prometheus.Counter
	reservationDriftCounter *prometheus.CounterVec
	callbackCounter         *prometheus.CounterVec
	workerRunCounter        *prometheus.CounterVec
	settingsCacheCounter    *prometheus.CounterVec
	concurrentRetryCounter  *prometheus.CounterVec
)

// Init registers all Prometheus collectors.
func Init() {
	registerOnce.Do(func() {
		httpDurationHistogram = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path", "status"})

		balanceOpCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "settlement_balance_operations_total",
			Help: "Trader balance mutations by operation and outcome",
		}, []string{"operation", "result"})

		balanceInvariantCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "settlement_balance_invariant_violations_total",
			Help: "Mutations rejected because a balance would go negative",
		}, []string{"operation"})

		notificationCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "settlement_notifications_processed_total",
			Help: "Bank notifications by processing outcome",
		}, []string{"reason"})

		redistributionHistogram = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "settlement_redistribution_pass_duration_seconds",
			Help:    "Duration of payout redistribution passes",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		})

		redistributionLastGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "settlement_redistribution_last_pass",
			Help: "Counters of the most recent redistribution pass",
		}, []string{"field"})

		redistributionSkipped = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "settlement_redistribution_skipped_total",
			Help: "Passes skipped because another pass was running",
		})

		reservationDriftCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "settlement_reservation_drift_total",
			Help: "Traders whose frozen balance disagrees with open obligations",
		}, []string{"balance"})

		callbackCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "settlement_callbacks_total",
			Help: "Callback outbox delivery outcomes",
		}, []string{"result"})

		workerRunCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "worker_runs_total",
			Help: "Background worker run outcomes",
		}, []string{"worker", "result"})

		settingsCacheCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "settlement_settings_cache_total",
			Help: "Settings cache lookups by tier",
		}, []string{"tier"})

		concurrentRetryCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "settlement_concurrent_retries_total",
			Help: "Operations retried after a serialization failure or deadlock",
		}, []string{"operation"})

		prometheus.MustRegister(
			httpDurationHistogram,
			balanceOpCounter,
			balanceInvariantCounter,
			notificationCounter,
			redistributionHistogram,
			redistributionLastGauge,
			redistributionSkipped,
			reservationDriftCounter,
			callbackCounter,
			workerRunCounter,
			settingsCacheCounter,
			concurrentRetryCounter,
		)
	})
}

func ObserveHTTP(method, path string, status int, duration time.Duration) {
	if httpDurationHistogram == nil {
		return
	}
	httpDurationHistogram.WithLabelValues(method, path, strconv.Itoa(status)).Observe(duration.Seconds())
}

// IncrementBalanceOp counts freeze, settle, unfreeze, assign, release and complete.
func IncrementBalanceOp(operation, result string) {
	if balanceOpCounter == nil {
		return
	}
	balanceOpCounter.WithLabelValues(operation, result).Inc()
}

func IncrementBalanceInvariant(operation string) {
	if balanceInvariantCounter == nil {
		return
	}
	balanceInvariantCounter.WithLabelValues(operation).Inc()
}

func IncrementNotification(reason string) {
	if notificationCounter == nil {
		return
	}
	notificationCounter.WithLabelValues(reason).Inc()
}

func ObserveRedistributionPass(duration time.Duration, processed, assigned, returned int) {
	if redistributionHistogram == nil {
		return
	}
	redistributionHistogram.Observe(duration.Seconds())
	redistributionLastGauge.WithLabelValues("processed").Set(float64(processed))
	redistributionLastGauge.WithLabelValues("assigned").Set(float64(assigned))
	redistributionLastGauge.WithLabelValues("returned_stale").Set(float64(returned))
}

func IncrementRedistributionSkipped() {
	if redistributionSkipped == nil {
		return
	}
	redistributionSkipped.Inc()
}

func IncrementReservationDrift(balance string) {
	if reservationDriftCounter == nil {
		return
	}
	reservationDriftCounter.WithLabelValues(balance).Inc()
}

func IncrementCallback(result string) {
	if callbackCounter == nil {
		return
	}
	callbackCounter.WithLabelValues(result).Inc()
}

func IncrementWorkerRun(worker, result string) {
	if workerRunCounter == nil {
		return
	}
	workerRunCounter.WithLabelValues(worker, result).Inc()
}

func IncrementSettingsCache(tier string) {
	if settingsCacheCounter == nil {
		return
	}
	settingsCacheCounter.WithLabelValues(tier).Inc()
}

func IncrementConcurrentRetry(operation string) {
	if concurrentRetryCounter == nil {
		return
	}
	concurrentRetryCounter.WithLabelValues(operation).Inc()
}
