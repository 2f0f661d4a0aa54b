// Package api holds the wire types of the deployment HTTP surface.
package api

// Error is the generic error envelope.
type Error struct {
	Message *string `json:"message,omitempty"`
}

// CreateDeploymentRequest is the body of POST /deploy.
type CreateDeploymentRequest struct {
	ChallengeID uint `json:"challenge_id"`
}

// DeleteDeploymentRequest is the optional body of DELETE /deploy. With no
// instance id, every instance visible to the caller is torn down.
type DeleteDeploymentRequest struct {
	InstanceID *uint `json:"instance_id,omitempty"`
}

// DeploymentInfo describes one tracked deployment instance. ConnectionInfo
// is the deployer's opaque payload, null while provisioning is in progress.
type DeploymentInfo struct {
	ID             uint    `json:"id"`
	ChallengeID    uint    `json:"challenge_id"`
	ConnectionInfo *string `json:"connection_info"`
	InProgress     bool    `json:"in_progress"`
}
