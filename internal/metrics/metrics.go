// Package metrics holds the prometheus collectors exported on /metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var CalibrationsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "pryce_calibrations_total",
		Help: "Calibration runs by outcome.",
	}, []string{"outcome"})

var CalibrationDuration = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "pryce_calibration_duration_seconds",
		Help:    "Wall time of completed calibration runs.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
	})

var CalibrationRMSE = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "pryce_calibration_rmse_iv",
		Help: "Implied-vol RMSE of the latest calibration per ticker.",
	}, []string{"ticker"})

var CacheRequestsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "pryce_cache_requests_total",
		Help: "Cache lookups by cache name and result (hit, remote_hit, miss, shared, error).",
	}, []string{"cache", "result"})

var CacheEntries = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "pryce_cache_entries",
		Help: "Entries held in the local cache tier.",
	}, []string{"cache"})

var PricingDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "pryce_pricing_duration_seconds",
		Help:    "Wall time of pricing requests by payoff type.",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	}, []string{"type"})

var SimulatedTrialsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "pryce_simulated_trials_total",
		Help: "Simulated paths by payoff type, inner paths included.",
	}, []string{"type"})

// ObserveCalibration records one finished calibration attempt.
func ObserveCalibration(ticker string, start time.Time, rmse float64, err error) {
	if err != nil {
		CalibrationsTotal.WithLabelValues("failed").Inc()
		return
	}
	CalibrationsTotal.WithLabelValues("ok").Inc()
	CalibrationDuration.Observe(time.Since(start).Seconds())
	CalibrationRMSE.WithLabelValues(ticker).Set(rmse)
}

// ObservePricing records one finished pricing request.
func ObservePricing(payoff string, start time.Time, trials int) {
	PricingDuration.WithLabelValues(payoff).Observe(time.Since(start).Seconds())
	SimulatedTrialsTotal.WithLabelValues(payoff).Add(float64(trials))
}

func init() {
	prometheus.MustRegister(
		CalibrationsTotal,
		CalibrationDuration,
		CalibrationRMSE,
		CacheRequestsTotal,
		CacheEntries,
		PricingDuration,
		SimulatedTrialsTotal,
	)
}
