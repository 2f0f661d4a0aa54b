package pkg

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Define Metrics
var (
	forbiddenRequestsPerOwner = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zync_forbidden_requests_total",
			Help: "Total number of requests rejected for cross-owner access per owner",
		},
		[]string{"owner_key"},
	)
)
