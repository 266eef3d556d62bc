package handler

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/jmerrifield20/silicontrace/internal/provenance"
)

func VerificationsCounter(status provenance.Status) prometheus.Counter {
	return traceVerificationsTotal.WithLabelValues(string(status))
}

func RequestsCounter(op, class string) prometheus.Counter {
	return traceRequestsTotal.WithLabelValues(op, class)
}

func RateLimitedCounter(scope string) prometheus.Counter {
	return traceRateLimited.WithLabelValues(scope)
}

var AuditCompromisedGauge = traceAuditCompromised
