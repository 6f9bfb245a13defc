package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var writesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "agora_gateway_writes_total",
	Help: "Gateway writes by operation kind, credential and outcome",
}, []string{"kind", "credential", "outcome"})

var elevatedFallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "agora_gateway_elevated_fallbacks_total",
	Help: "Writes that fell back from the elevated to the standard credential",
}, []string{"kind"})

var transparentRetries = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "agora_gateway_retries_total",
	Help: "Transparent retries after Unavailable or Conflict",
}, []string{"kind", "credential"})

var elevatedHealthy = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "agora_gateway_elevated_healthy",
	Help: "1 when the elevated credential passed its last health probe",
})
