package lifecycle

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Define Metrics
var (
	deployOps = promauto.NewCounter(prometheus.CounterOpts{
		Name: "zync_deploy_ops_total",
		Help: "The total number of deployment operations attempted",
	})
	deployFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "zync_deploy_failures_total",
		Help: "The total number of deployments rolled back after a deployer failure",
	})
	teardownFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "zync_teardown_failures_total",
		Help: "The total number of deployer teardown calls that failed",
	})
	activeInstancesPerOwner = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "zync_active_instances_owner",
			Help: "Active deployment instances per owner",
		},
		[]string{"owner_key"},
	)
)
