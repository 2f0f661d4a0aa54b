package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/UnitedCTF/zync/internal/challenge"
	"github.com/UnitedCTF/zync/internal/deployer"
	"github.com/UnitedCTF/zync/internal/scope"
	"github.com/UnitedCTF/zync/pkg/config"
	"github.com/UnitedCTF/zync/pkg/models"
	"go.uber.org/zap"
)

// Manager owns the state transitions of deployment instances. It is safe
// for concurrent use from any number of request workers: the store's
// uniqueness constraint on (owner_key, challenge_id) is the only
// serialization point, there is no cross-request mutable state here.
type Manager struct {
	store    models.Store
	deployer deployer.Client
	challIdx challenge.Indexer
	confProv config.Provider
}

// ManagerOpts holds the dependencies needed to construct a Manager.
type ManagerOpts struct {
	Store            models.Store
	Deployer         deployer.Client
	ChallengeIndexer challenge.Indexer
	ConfigProvider   config.Provider
}

// NewManager creates a Manager from explicitly provided dependencies.
// Mandatory dependencies are Store, ChallengeIndexer, and ConfigProvider.
// Deployer defaults to the HTTP client if not provided.
func NewManager(opts ManagerOpts) *Manager {
	d := opts.Deployer
	if d == nil {
		d = deployer.NewHTTPClient(opts.ConfigProvider)
	}
	return &Manager{
		store:    opts.Store,
		deployer: d,
		challIdx: opts.ChallengeIndexer,
		confProv: opts.ConfigProvider,
	}
}

// List returns the caller's own instances. Read-only.
func (m *Manager) List(sc scope.Scope) ([]models.DeploymentInstance, error) {
	return m.store.FindByOwner(sc.OwnerKey)
}

// ListAll returns every tracked instance. Admin only.
func (m *Manager) ListAll(sc scope.Scope) ([]models.DeploymentInstance, error) {
	if !sc.IsAdmin() {
		return nil, ErrForbidden
	}
	return m.store.FindAll()
}

// Find returns the caller's instance for the given challenge, or
// ErrInstanceNotFound. Read-only.
func (m *Manager) Find(sc scope.Scope, challengeID uint) (*models.DeploymentInstance, error) {
	inst, err := m.store.FindByOwnerAndChallenge(sc.OwnerKey, challengeID)
	if errors.Is(err, models.ErrNotFound) {
		return nil, ErrInstanceNotFound
	}
	return inst, err
}

// Create provisions a deployment for (owner, challenge), exactly once.
// A completed instance is returned as-is on re-request; a concurrent or
// still-running create yields ErrDeploymentInProgress. The deployer is
// never called in either of those cases.
func (m *Manager) Create(ctx context.Context, sc scope.Scope, challengeID uint) (*models.DeploymentInstance, error) {
	chall, err := m.challIdx.Get(challengeID)
	if err != nil {
		return nil, fmt.Errorf("%w: %d", ErrChallengeNotFound, challengeID)
	}

	inst := &models.DeploymentInstance{
		OwnerKey:    sc.OwnerKey,
		ChallengeID: challengeID,
	}
	err = m.store.Insert(inst)
	if errors.Is(err, models.ErrDuplicate) {
		existing, ferr := m.store.FindByOwnerAndChallenge(sc.OwnerKey, challengeID)
		if errors.Is(ferr, models.ErrNotFound) {
			// The racing create rolled back between our insert and this
			// lookup; its outcome already reached the other caller.
			return nil, ErrDeploymentInProgress
		}
		if ferr != nil {
			return nil, fmt.Errorf("lookup existing instance: %w", ferr)
		}
		if existing.InProgress {
			return nil, ErrDeploymentInProgress
		}
		return existing, nil
	}
	if err != nil {
		return nil, fmt.Errorf("insert instance: %w", err)
	}

	params := make(map[string]interface{}, len(chall.DeployParameters)+1)
	for k, v := range chall.DeployParameters {
		params[k] = v
	}
	params["user_name"] = sc.OwnerName

	deployOps.Inc()
	res, err := m.deployer.Create(ctx, chall.PlaybookName, params)
	if err != nil {
		deployFailures.Inc()
		zap.S().Errorf("Deploy of challenge %d for owner %d failed: %v", challengeID, sc.OwnerKey, err)
		if derr := m.store.Delete(inst.ID); derr != nil {
			zap.S().Errorf("Failed to roll back placeholder instance %d: %v", inst.ID, derr)
		}
		return nil, err
	}

	if err := m.store.MarkProvisioned(inst, res.ID, string(res.ConnectionInfo)); err != nil {
		zap.S().Errorf("Failed to finalize instance %d: %v", inst.ID, err)
		// The environment exists upstream but we cannot track it; tear it
		// down before rolling back so nothing leaks.
		if terr := m.deployer.Delete(ctx, res.ID); terr != nil {
			teardownFailures.Inc()
			zap.S().Errorf("Teardown of deploy %d after finalize failure failed: %v", res.ID, terr)
		}
		if derr := m.store.Delete(inst.ID); derr != nil {
			zap.S().Errorf("Failed to roll back placeholder instance %d: %v", inst.ID, derr)
		}
		return nil, fmt.Errorf("finalize instance: %w", err)
	}

	zap.S().Infof("Deployment of challenge %d for owner %d completed successfully", challengeID, sc.OwnerKey)
	activeInstancesPerOwner.WithLabelValues(ownerLabel(sc.OwnerKey)).Inc()
	return inst, nil
}

// Delete tears down one instance (by id) or every instance visible to the
// caller. A specific id outside the caller's visibility fails with
// ErrForbidden. Multi-instance deletion is not atomic: each instance is an
// independent teardown-then-remove unit and failures are joined.
func (m *Manager) Delete(ctx context.Context, sc scope.Scope, instanceID *uint) error {
	var targets []models.DeploymentInstance
	var err error
	if sc.IsAdmin() {
		targets, err = m.store.FindAll()
	} else {
		targets, err = m.store.FindByOwner(sc.OwnerKey)
	}
	if err != nil {
		return fmt.Errorf("list instances: %w", err)
	}

	if instanceID != nil {
		for i := range targets {
			if targets[i].ID == *instanceID {
				return m.teardown(ctx, &targets[i])
			}
		}
		return ErrForbidden
	}

	var errs []error
	for i := range targets {
		if err := m.teardown(ctx, &targets[i]); err != nil {
			errs = append(errs, fmt.Errorf("instance %d: %w", targets[i].ID, err))
		}
	}
	return errors.Join(errs...)
}

// teardown calls the deployer first, then removes the record. Placeholders
// that never obtained a deploy id skip the deployer call. When the deployer
// call fails, strict_teardown keeps the record and reports the failure;
// otherwise local cleanup wins and the record is removed anyway, accepting
// that the external resource may have leaked.
func (m *Manager) teardown(ctx context.Context, inst *models.DeploymentInstance) error {
	if inst.DeployID != nil {
		if err := m.deployer.Delete(ctx, *inst.DeployID); err != nil {
			teardownFailures.Inc()
			if m.confProv.GetConfig().Deployer.StrictTeardown {
				zap.S().Errorf("Teardown of deploy %d failed, keeping record: %v", *inst.DeployID, err)
				return err
			}
			zap.S().Warnf("Teardown of deploy %d failed, removing record anyway: %v", *inst.DeployID, err)
		}
	}
	if err := m.store.Delete(inst.ID); err != nil {
		return fmt.Errorf("delete instance record: %w", err)
	}
	if !inst.InProgress {
		activeInstancesPerOwner.WithLabelValues(ownerLabel(inst.OwnerKey)).Dec()
	}
	return nil
}

func ownerLabel(ownerKey uint) string {
	return strconv.FormatUint(uint64(ownerKey), 10)
}
