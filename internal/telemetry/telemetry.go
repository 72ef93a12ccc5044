// Package telemetry exposes the search workers' Prometheus metrics.
package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

var (
	trialsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hypertune",
		Subsystem: "tuner",
		Name:      "trials_total",
		Help:      "Total number of trials evaluated",
	}, []string{"estimator", "status"})
	trialDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "hypertune",
		Subsystem: "tuner",
		Name:      "trial_duration_seconds",
		Help:      "Wall-clock duration of trial evaluation",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 15), // 10ms to ~160s
	}, []string{"estimator"})
	bestLoss = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "hypertune",
		Subsystem: "tuner",
		Name:      "best_loss",
		Help:      "Lowest loss seen by this worker",
	})
	evictedModels = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "hypertune",
		Subsystem: "manager",
		Name:      "evicted_trials_total",
		Help:      "Total number of trials removed by retention",
	})
	retentionPasses = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hypertune",
		Subsystem: "manager",
		Name:      "retention_passes_total",
		Help:      "Retention pass outcomes",
	}, []string{"outcome"})
	storageErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hypertune",
		Subsystem: "manager",
		Name:      "storage_errors_total",
		Help:      "Total number of storage operations that failed after retry",
	}, []string{"op"})
)

func init() {
	prometheus.MustRegister(trialsTotal)
	prometheus.MustRegister(trialDuration)
	prometheus.MustRegister(bestLoss)
	prometheus.MustRegister(evictedModels)
	prometheus.MustRegister(retentionPasses)
	prometheus.MustRegister(storageErrors)
}

func ObserveTrial(estimator, status string, d time.Duration) {
	trialsTotal.WithLabelValues(estimator, status).Inc()
	trialDuration.WithLabelValues(estimator).Observe(d.Seconds())
}

func SetBestLoss(loss float64) { bestLoss.Set(loss) }

func AddEvicted(n int) { evictedModels.Add(float64(n)) }

// Retention outcomes.
const (
	OutcomeStop    = "stop"
	OutcomeSkipped = "skipped"
	OutcomeEvicted = "evicted"
	OutcomeFailed  = "failed"
)

func ObserveRetention(outcome string) { retentionPasses.WithLabelValues(outcome).Inc() }

func ObserveStorageError(op string) { storageErrors.WithLabelValues(op).Inc() }

// Serve exposes /metrics on addr until ctx is done.
func Serve(ctx context.Context, addr string, log *logrus.Entry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdown)
	}()
	go func() {
		log.Infof("serving metrics on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("metrics server stopped")
		}
	}()
}
