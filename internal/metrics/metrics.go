// Package metrics exposes Prometheus instruments for the reconciliation core.
package metrics

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/tradewind/internal/entity"
	"github.com/MarcoPoloResearchLab/tradewind/internal/mutation"
	"github.com/MarcoPoloResearchLab/tradewind/internal/store"
	"github.com/prometheus/client_golang/prometheus"
)

var PageFetches = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "tradewind",
	Subsystem: "pagination",
	Name:      "page_fetches",
}, []string{"namespace", "result"})

var MutationResults = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "tradewind",
	Subsystem: "mutation",
	Name:      "results",
}, []string{"kind", "status"})

var MutationLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "tradewind",
	Subsystem: "mutation",
	Name:      "latency_seconds",
	Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
}, []string{"kind", "status"})

var RealtimeEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "tradewind",
	Subsystem: "realtime",
	Name:      "events",
}, []string{"event_type", "outcome"})

var CachedEntities = prometheus.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "tradewind",
	Subsystem: "store",
	Name:      "entities",
}, []string{"kind"})

// Collectors lists every instrument of the package.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{PageFetches, MutationResults, MutationLatency, RealtimeEvents, CachedEntities}
}

// Register adds the instruments to registerer. Instruments that are already
// registered are accepted.
func Register(registerer prometheus.Registerer) error {
	for _, collector := range Collectors() {
		if err := registerer.Register(collector); err != nil {
			var already prometheus.AlreadyRegisteredError
			if errors.As(err, &already) {
				continue
			}
			return err
		}
	}
	return nil
}

// Observer implements the pagination, mutation and realtime observer hooks.
type Observer struct{}

func (Observer) ObservePageFetch(namespace string, result string) {
	PageFetches.WithLabelValues(namespace, result).Inc()
}

func (Observer) ObserveMutation(kind mutation.Kind, status mutation.Status, latency time.Duration) {
	MutationResults.WithLabelValues(kind.String(), string(status)).Inc()
	MutationLatency.WithLabelValues(kind.String(), string(status)).Observe(latency.Seconds())
}

func (Observer) ObserveEvent(eventType string, outcome string) {
	if eventType == "" {
		eventType = "unknown"
	}
	RealtimeEvents.WithLabelValues(eventType, outcome).Inc()
}

// TrackStore keeps CachedEntities current for every entity kind. The returned
// function stops tracking.
func TrackStore(s *store.Store) (stop func()) {
	kinds := []entity.Kind{entity.KindPost, entity.KindMessage, entity.KindNotification}
	unsubscribes := make([]func(), 0, len(kinds))
	for _, kind := range kinds {
		update := func() {
			CachedEntities.WithLabelValues(kind.String()).Set(float64(s.Len(kind)))
		}
		update()
		unsubscribes = append(unsubscribes, s.Subscribe(store.KindSelector(kind), update))
	}
	return func() {
		for _, unsubscribe := range unsubscribes {
			unsubscribe()
		}
	}
}
