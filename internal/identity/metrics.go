package identity

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var resolutions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "agora_identity_resolutions_total",
	Help: "Identity resolutions by outcome",
}, []string{"outcome"})
