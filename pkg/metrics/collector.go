package metrics

import (
	"strconv"

	"github.com/UnitedCTF/zync/pkg/models"
	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"
)

// InstanceCollector implements prometheus.Collector and queries the database
// on each scrape to report current instance counts by challenge and state.
// This ensures metric accuracy even after restarts or manual DB changes.
type InstanceCollector struct {
	db   *gorm.DB
	desc *prometheus.Desc
}

// NewInstanceCollector creates a Collector backed by db.
// Call prometheus.MustRegister(collector) after creation.
func NewInstanceCollector(db *gorm.DB) *InstanceCollector {
	return &InstanceCollector{
		db: db,
		desc: prometheus.NewDesc(
			"zync_instances",
			"Current number of tracked deployment instances grouped by challenge and state",
			[]string{"challenge_id", "state"},
			nil,
		),
	}
}

// Describe sends the descriptor to the channel.
func (c *InstanceCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.desc
}

// Collect queries the database and sends instance count metrics.
func (c *InstanceCollector) Collect(ch chan<- prometheus.Metric) {
	type row struct {
		ChallengeID uint
		InProgress  bool
		Count       int64
	}

	var rows []row
	c.db.Model(&models.DeploymentInstance{}).
		Select("challenge_id, in_progress, COUNT(*) as count").
		Group("challenge_id, in_progress").
		Scan(&rows)

	for _, r := range rows {
		state := "active"
		if r.InProgress {
			state = "in_progress"
		}
		ch <- prometheus.MustNewConstMetric(
			c.desc,
			prometheus.GaugeValue,
			float64(r.Count),
			strconv.FormatUint(uint64(r.ChallengeID), 10), state,
		)
	}
}
