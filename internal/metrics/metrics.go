package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the service collectors. Construct with New so tests can use a private registry.
type Metrics struct {
	VerifyRequestsTotal   *prometheus.CounterVec
	SessionsActive        prometheus.Gauge
	ChainPollsTotal       prometheus.Counter
	SessionDuration       *prometheus.HistogramVec
	CommitFailuresTotal   prometheus.Counter
	PaymentsRecordedTotal prometheus.Counter
	PriceLookupsTotal     *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		VerifyRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "payment_verify_requests_total",
				Help: "Verification requests by resulting transaction status",
			},
			[]string{"status"},
		),
		SessionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "confirmation_sessions_active",
				Help: "Confirmation sessions currently polling the chain",
			},
		),
		ChainPollsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "confirmation_polls_total",
				Help: "Total number of confirmation polls",
			},
		),
		SessionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "confirmation_session_duration_seconds",
				Help:    "Duration of confirmation sessions by terminal status",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 180, 240, 300, 360},
			},
			[]string{"status"},
		),
		CommitFailuresTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "payment_commit_failures_total",
				Help: "Confirmed payments the ledger failed to record",
			},
		),
		PaymentsRecordedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "payments_recorded_total",
				Help: "Total number of payments recorded",
			},
		),
		PriceLookupsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "price_lookups_total",
				Help: "ETH/USD rate lookups by source (memory, cache, feed, error)",
			},
			[]string{"source"},
		),
	}

	if reg != nil {
		reg.MustRegister(
			m.VerifyRequestsTotal,
			m.SessionsActive,
			m.ChainPollsTotal,
			m.SessionDuration,
			m.CommitFailuresTotal,
			m.PaymentsRecordedTotal,
			m.PriceLookupsTotal,
		)
	}
	return m
}
