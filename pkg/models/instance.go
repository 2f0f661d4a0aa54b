package models

import (
	"errors"
	"time"

	"gorm.io/gorm"
)

var (
	ErrNotFound  = errors.New("instance not found")
	ErrDuplicate = errors.New("instance already exists for this owner and challenge")
)

// DeploymentInstance tracks one deployment's lifecycle and connection
// metadata. The unique index on (owner_key, challenge_id) is the
// serialization point that keeps concurrent creates from both succeeding.
type DeploymentInstance struct {
	ID             uint `gorm:"primarykey"`
	OwnerKey       uint `gorm:"not null;index;uniqueIndex:idx_owner_challenge"`
	ChallengeID    uint `gorm:"not null;index;uniqueIndex:idx_owner_challenge"`
	InProgress     bool `gorm:"not null;default:true"`
	DeployID       *int64
	ConnectionInfo string
	CreatedAt      time.Time
}

// Store is the durable record of deployment instances. Uniqueness of
// (owner_key, challenge_id) is enforced by the storage layer itself, never
// by a check-then-insert in the caller.
type Store interface {
	// Insert persists an in-progress placeholder. It returns ErrDuplicate
	// if an instance already exists for the same owner and challenge.
	Insert(inst *DeploymentInstance) error
	FindByOwner(ownerKey uint) ([]DeploymentInstance, error)
	// FindByOwnerAndChallenge returns ErrNotFound when no instance exists.
	FindByOwnerAndChallenge(ownerKey, challengeID uint) (*DeploymentInstance, error)
	FindAll() ([]DeploymentInstance, error)
	// FindStaleInProgress returns in-progress records created at or before
	// the given time, i.e. crashed or never-completed creates.
	FindStaleInProgress(olderThan time.Time) ([]DeploymentInstance, error)
	// MarkProvisioned records a successful create: deploy id and connection
	// info are set together, and the record leaves the in-progress state.
	MarkProvisioned(inst *DeploymentInstance, deployID int64, connectionInfo string) error
	Delete(id uint) error
}

type gormStore struct {
	db *gorm.DB
}

var _ Store = (*gormStore)(nil)

func NewStore(db *gorm.DB) Store {
	return &gormStore{db: db}
}

func (s *gormStore) Insert(inst *DeploymentInstance) error {
	inst.InProgress = true
	if err := s.db.Create(inst).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

func (s *gormStore) FindByOwner(ownerKey uint) ([]DeploymentInstance, error) {
	var instances []DeploymentInstance
	result := s.db.Where("owner_key = ?", ownerKey).Find(&instances)
	return instances, result.Error
}

func (s *gormStore) FindByOwnerAndChallenge(ownerKey, challengeID uint) (*DeploymentInstance, error) {
	var inst DeploymentInstance
	result := s.db.Where("owner_key = ? AND challenge_id = ?", ownerKey, challengeID).Limit(1).Find(&inst)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, ErrNotFound
	}
	return &inst, nil
}

func (s *gormStore) FindAll() ([]DeploymentInstance, error) {
	var instances []DeploymentInstance
	result := s.db.Find(&instances)
	return instances, result.Error
}

func (s *gormStore) FindStaleInProgress(olderThan time.Time) ([]DeploymentInstance, error) {
	var instances []DeploymentInstance
	result := s.db.Where("in_progress = ? AND created_at <= ?", true, olderThan).Find(&instances)
	return instances, result.Error
}

func (s *gormStore) MarkProvisioned(inst *DeploymentInstance, deployID int64, connectionInfo string) error {
	inst.DeployID = &deployID
	inst.ConnectionInfo = connectionInfo
	inst.InProgress = false
	result := s.db.Save(inst)
	return result.Error
}

func (s *gormStore) Delete(id uint) error {
	result := s.db.Delete(&DeploymentInstance{}, id)
	return result.Error
}
