package pkg

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/UnitedCTF/zync/internal/auth"
	"github.com/UnitedCTF/zync/internal/deployer"
	"github.com/UnitedCTF/zync/internal/scope"
	"github.com/UnitedCTF/zync/pkg/api"
	"github.com/UnitedCTF/zync/pkg/config"
	"github.com/UnitedCTF/zync/pkg/lifecycle"
	"github.com/UnitedCTF/zync/pkg/models"
	"github.com/UnitedCTF/zync/pkg/scheduler"
	"github.com/UnitedCTF/zync/pkg/utils"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// Server exposes the deployment lifecycle over HTTP.
type Server struct {
	manager  *lifecycle.Manager
	confProv config.Provider
	wg       sync.WaitGroup
}

// ServerOpts holds the dependencies needed to construct a Server.
type ServerOpts struct {
	Manager        *lifecycle.Manager
	ConfigProvider config.Provider
}

// NewServerWithOpts creates a Server from explicitly provided dependencies.
func NewServerWithOpts(opts ServerOpts) *Server {
	return &Server{
		manager:  opts.Manager,
		confProv: opts.ConfigProvider,
	}
}

// Register binds the deployment routes on the given echo instance.
func (s *Server) Register(e *echo.Echo) {
	e.GET("/health", s.GetHealth)
	e.GET("/deploy", s.GetDeployments)
	e.POST("/deploy", s.CreateDeployment)
	e.DELETE("/deploy", s.DeleteDeployments)
	e.GET("/deploy/all", s.ListAllDeployments)
	e.GET("/admin/config-check", s.ConfigCheck)
}

// StartReaper launches the stale instance reaper in a background goroutine.
// The caller is responsible for cancelling ctx when shutdown begins.
func (s *Server) StartReaper(ctx context.Context, r *scheduler.Reaper) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		r.Start(ctx)
	}()
}

// Wait blocks until all background goroutines have completed.
func (s *Server) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) GetHealth(ctx echo.Context) error {
	return ctx.JSON(200, map[string]string{"status": "ok"})
}

func (s *Server) GetDeployments(ctx echo.Context) error {
	claims, err := auth.GetClaims(ctx)
	if err != nil {
		return ctx.JSON(401, api.Error{Message: utils.Ptr("Unauthorized")})
	}
	sc, err := scope.Resolve(claims, s.confProv.GetConfig().Tracker.TeamsMode)
	if err != nil {
		return ctx.JSON(400, api.Error{Message: utils.Ptr(err.Error())})
	}

	if raw := ctx.QueryParam("challenge_id"); raw != "" {
		challengeID, err := strconv.ParseUint(raw, 10, 32)
		if err != nil {
			return ctx.JSON(400, api.Error{Message: utils.Ptr("Invalid challenge ID")})
		}
		inst, err := s.manager.Find(sc, uint(challengeID))
		if errors.Is(err, lifecycle.ErrInstanceNotFound) {
			return ctx.JSON(200, nil)
		}
		if err != nil {
			zap.S().Errorf("Failed to get deployment: %v", err)
			return ctx.JSON(500, api.Error{Message: utils.HTTP500Debug(fmt.Sprintf("Failed to get deployment: %v", err))})
		}
		return ctx.JSON(200, deploymentInfo(inst))
	}

	instances, err := s.manager.List(sc)
	if err != nil {
		zap.S().Errorf("Failed to list deployments: %v", err)
		return ctx.JSON(500, api.Error{Message: utils.HTTP500Debug(fmt.Sprintf("Failed to list deployments: %v", err))})
	}
	return ctx.JSON(200, deploymentInfos(instances))
}

func (s *Server) CreateDeployment(ctx echo.Context) error {
	claims, err := auth.GetClaims(ctx)
	if err != nil {
		return ctx.JSON(401, api.Error{Message: utils.Ptr("Unauthorized")})
	}
	sc, err := scope.Resolve(claims, s.confProv.GetConfig().Tracker.TeamsMode)
	if err != nil {
		return ctx.JSON(400, api.Error{Message: utils.Ptr(err.Error())})
	}

	var req api.CreateDeploymentRequest
	if err := ctx.Bind(&req); err != nil || req.ChallengeID == 0 {
		return ctx.JSON(400, api.Error{Message: utils.Ptr("Invalid request")})
	}
	zap.S().Infof("Deploy request received for challenge %d for owner %d", req.ChallengeID, sc.OwnerKey)

	inst, err := s.manager.Create(ctx.Request().Context(), sc, req.ChallengeID)
	if err != nil {
		var derr *deployer.Error
		switch {
		case errors.Is(err, lifecycle.ErrChallengeNotFound):
			return ctx.JSON(404, api.Error{Message: utils.Ptr("Invalid challenge ID")})
		case errors.Is(err, lifecycle.ErrDeploymentInProgress):
			return ctx.JSON(409, api.Error{Message: utils.Ptr("A deployment is already in progress for this challenge")})
		case errors.As(err, &derr):
			return ctx.JSON(502, api.Error{Message: utils.Ptr(fmt.Sprintf("Deployment failed: %v", derr))})
		default:
			zap.S().Errorf("Failed to create deployment: %v", err)
			return ctx.JSON(500, api.Error{Message: utils.HTTP500Debug(fmt.Sprintf("Failed to create deployment: %v", err))})
		}
	}

	return ctx.JSON(200, deploymentInfo(inst))
}

func (s *Server) DeleteDeployments(ctx echo.Context) error {
	claims, err := auth.GetClaims(ctx)
	if err != nil {
		return ctx.JSON(401, api.Error{Message: utils.Ptr("Unauthorized")})
	}
	sc, err := scope.Resolve(claims, s.confProv.GetConfig().Tracker.TeamsMode)
	if err != nil {
		return ctx.JSON(400, api.Error{Message: utils.Ptr(err.Error())})
	}

	var req api.DeleteDeploymentRequest
	if err := ctx.Bind(&req); err != nil {
		return ctx.JSON(400, api.Error{Message: utils.Ptr("Invalid request")})
	}
	zap.S().Infof("Delete request received from owner %d (instance %v)", sc.OwnerKey, req.InstanceID)

	err = s.manager.Delete(ctx.Request().Context(), sc, req.InstanceID)
	if err != nil {
		var derr *deployer.Error
		switch {
		case errors.Is(err, lifecycle.ErrForbidden):
			zap.S().Errorf("Unauthorized attempt to delete instance %v by owner %d", req.InstanceID, sc.OwnerKey)
			forbiddenRequestsPerOwner.WithLabelValues(strconv.FormatUint(uint64(sc.OwnerKey), 10)).Inc()
			return ctx.JSON(403, api.Error{Message: utils.Ptr("You do not have permission to delete this instance")})
		case errors.As(err, &derr):
			return ctx.JSON(502, api.Error{Message: utils.Ptr(fmt.Sprintf("Teardown failed: %v", derr))})
		default:
			zap.S().Errorf("Failed to delete deployments: %v", err)
			return ctx.JSON(500, api.Error{Message: utils.HTTP500Debug(fmt.Sprintf("Failed to delete deployments: %v", err))})
		}
	}

	return ctx.NoContent(204)
}

func deploymentInfo(inst *models.DeploymentInstance) api.DeploymentInfo {
	info := api.DeploymentInfo{
		ID:          inst.ID,
		ChallengeID: inst.ChallengeID,
		InProgress:  inst.InProgress,
	}
	if !inst.InProgress {
		info.ConnectionInfo = utils.Ptr(inst.ConnectionInfo)
	}
	return info
}

func deploymentInfos(instances []models.DeploymentInstance) []api.DeploymentInfo {
	infos := make([]api.DeploymentInfo, 0, len(instances))
	for i := range instances {
		infos = append(infos, deploymentInfo(&instances[i]))
	}
	return infos
}
