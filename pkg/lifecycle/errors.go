package lifecycle

import "errors"

var (
	ErrChallengeNotFound    = errors.New("challenge not found")
	ErrInstanceNotFound     = errors.New("instance not found")
	ErrDeploymentInProgress = errors.New("a deployment is already in progress for this challenge")
	ErrForbidden            = errors.New("forbidden")
)
