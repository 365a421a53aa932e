package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Результаты перевода для метки result.
const (
	TransferSubmitted = "submitted"
	TransferCached    = "cached"
	TransferRecovered = "recovered"
	TransferFailed    = "failed"
)

// Settlement метрики расчётов и обращений к леджеру.
type Settlement struct {
	ledgerDuration  *prometheus.HistogramVec
	ledgerRequests  *prometheus.CounterVec
	transfers       *prometheus.CounterVec
	fundingObserved prometheus.Counter
	pollDuration    prometheus.Histogram
	pollFailures    prometheus.Counter
}

// NewSettlement регистрирует метрики. При reg == nil возвращает пустой набор,
// все методы которого ничего не делают.
func NewSettlement(reg prometheus.Registerer) *Settlement {
	if reg == nil {
		return &Settlement{}
	}
	s := &Settlement{
		ledgerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "escrow_ledger_request_duration_seconds",
			Help:    "Duration of ledger gateway calls in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),
		ledgerRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "escrow_ledger_requests_total",
			Help: "Ledger gateway calls by method and outcome.",
		}, []string{"method", "result"}),
		transfers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "escrow_transfers_total",
			Help: "Escrow transfers by kind and outcome.",
		}, []string{"kind", "result"}),
		fundingObserved: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "escrow_funding_confirmed_total",
			Help: "Escrow accounts that observed the funded edge.",
		}),
		pollDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "escrow_funding_poll_duration_seconds",
			Help:    "Duration of funding poller passes in seconds.",
			Buckets: prometheus.DefBuckets,
		}),
		pollFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "escrow_funding_poll_failures_total",
			Help: "Escrow refresh failures during poller passes.",
		}),
	}
	reg.MustRegister(s.ledgerDuration, s.ledgerRequests, s.transfers, s.fundingObserved, s.pollDuration, s.pollFailures)
	return s
}

// ObserveLedgerCall фиксирует длительность и исход вызова леджера.
func (s *Settlement) ObserveLedgerCall(method string, err error, duration time.Duration) {
	if s == nil || s.ledgerDuration == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	s.ledgerDuration.WithLabelValues(normalizeLabel(method)).Observe(duration.Seconds())
	s.ledgerRequests.WithLabelValues(normalizeLabel(method), result).Inc()
}

func (s *Settlement) IncTransfer(kind, result string) {
	if s == nil || s.transfers == nil {
		return
	}
	s.transfers.WithLabelValues(normalizeLabel(kind), normalizeLabel(result)).Inc()
}

func (s *Settlement) IncFundingConfirmed() {
	if s == nil || s.fundingObserved == nil {
		return
	}
	s.fundingObserved.Inc()
}

func (s *Settlement) ObservePoll(duration time.Duration, failures int) {
	if s == nil || s.pollDuration == nil {
		return
	}
	s.pollDuration.Observe(duration.Seconds())
	s.pollFailures.Add(float64(failures))
}

func normalizeLabel(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}
