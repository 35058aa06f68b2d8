/*
metrics.go - Prometheus instrumentation

Counters only: the service is poll-driven, so rates over these counters
give the full picture. Exposed on GET /metrics (see server.go).
*/
package api

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	valveDecisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "valve_engine",
		Name:      "decisions_total",
		Help:      "Valve decisions evaluated, by reason code.",
	}, []string{"reason"})

	meterReadingsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "valve_engine",
		Name:      "meter_readings_total",
		Help:      "Meter readings ingested.",
	})

	planStartsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "valve_engine",
		Name:      "plan_starts_total",
		Help:      "Irrigation plans started.",
	})

	paymentCreditsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "valve_engine",
		Name:      "payment_credits_total",
		Help:      "Payment credits applied to balances.",
	})
)
