package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns the service's Prometheus registry. A nil *Collector is
// valid and records nothing, so callers need no guards.
type Collector struct {
	registry *prometheus.Registry

	rewardsGranted   *prometheus.CounterVec
	rewardsDenied    *prometheus.CounterVec
	rewardAmount     prometheus.Counter
	eventsProcessed  *prometheus.CounterVec
	eventDuration    prometheus.Histogram
	ledgerTransition *prometheus.CounterVec
	withdrawals      *prometheus.CounterVec
	httpRequests     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
}

// New builds a collector on a private registry.
func New() *Collector {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)

	return &Collector{
		registry: registry,
		rewardsGranted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rewards_granted_total",
			Help: "Reward payouts appended to the ledger",
		}, []string{"action_type", "reward_type"}),
		rewardsDenied: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rewards_denied_total",
			Help: "Reward payouts refused, by reason",
		}, []string{"reason"}),
		rewardAmount: factory.NewCounter(prometheus.CounterOpts{
			Name: "reward_amount_total",
			Help: "Sum of granted reward amounts in minor units",
		}),
		eventsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "events_processed_total",
			Help: "Qualifying events handled, by outcome",
		}, []string{"outcome"}),
		eventDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "event_processing_duration_seconds",
			Help:    "Time taken to process a qualifying event",
			Buckets: prometheus.DefBuckets,
		}),
		ledgerTransition: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_transitions_total",
			Help: "Administrative ledger decisions, by decision",
		}, []string{"decision"}),
		withdrawals: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "withdrawals_total",
			Help: "Withdrawal requests, by outcome",
		}, []string{"outcome"}),
		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "HTTP requests served",
		}, []string{"method", "route", "status"}),
		httpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

func (c *Collector) RewardGranted(actionType, rewardType string, amount int64) {
	if c == nil {
		return
	}
	c.rewardsGranted.WithLabelValues(actionType, rewardType).Inc()
	c.rewardAmount.Add(float64(amount))
}

func (c *Collector) RewardDenied(reason string) {
	if c == nil {
		return
	}
	c.rewardsDenied.WithLabelValues(reason).Inc()
}

func (c *Collector) EventProcessed(outcome string, duration time.Duration) {
	if c == nil {
		return
	}
	c.eventsProcessed.WithLabelValues(outcome).Inc()
	c.eventDuration.Observe(duration.Seconds())
}

func (c *Collector) LedgerTransition(decision string) {
	if c == nil {
		return
	}
	c.ledgerTransition.WithLabelValues(decision).Inc()
}

func (c *Collector) Withdrawal(outcome string) {
	if c == nil {
		return
	}
	c.withdrawals.WithLabelValues(outcome).Inc()
}

// ObserveHTTPRequest satisfies middleware.HTTPObserver.
func (c *Collector) ObserveHTTPRequest(method, route string, status int, duration time.Duration) {
	if c == nil {
		return
	}
	c.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	c.httpDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// Registry exposes the underlying registry for tests.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
