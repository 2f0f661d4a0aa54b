package scheduler

import (
	"context"
	"time"

	"github.com/UnitedCTF/zync/pkg/models"
	"go.uber.org/zap"
)

// Reaper periodically removes in-progress records that outlived any
// plausible provisioning call, i.e. crashed or never-completed creates.
// Such placeholders never obtained a deploy id, so no deployer teardown is
// issued and nothing is ever resurrected; the owner simply creates again.
type Reaper struct {
	store      models.Store
	staleAfter time.Duration
	interval   time.Duration
	l          *zap.SugaredLogger
}

func NewReaper(store models.Store, staleAfter, interval time.Duration, logger *zap.SugaredLogger) *Reaper {
	if staleAfter <= 0 {
		staleAfter = 15 * time.Minute
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Reaper{
		store:      store,
		staleAfter: staleAfter,
		interval:   interval,
		l:          logger,
	}
}

// Start runs the reap loop until ctx is cancelled.
func (r *Reaper) Start(ctx context.Context) {
	r.l.Debug("starting stale instance reaper")
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.l.Debug("stopping stale instance reaper")
			return
		case <-ticker.C:
			r.ReapOnce()
		}
	}
}

// ReapOnce scans for stale placeholders and deletes them. It returns the
// number of records removed.
func (r *Reaper) ReapOnce() int {
	cutoff := time.Now().Add(-r.staleAfter)
	stale, err := r.store.FindStaleInProgress(cutoff)
	if err != nil {
		r.l.Errorf("failed to fetch stale instances: %v", err)
		return 0
	}

	removed := 0
	for _, inst := range stale {
		if err := r.store.Delete(inst.ID); err != nil {
			r.l.Errorf("failed to reap instance %d: %v", inst.ID, err)
			continue
		}
		r.l.Warnf("reaped stale in-progress instance %d (owner %d, challenge %d, created %s)",
			inst.ID, inst.OwnerKey, inst.ChallengeID, inst.CreatedAt.Format(time.RFC3339))
		removed++
	}
	return removed
}
