package pkg

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/UnitedCTF/zync/internal/auth"
	"github.com/UnitedCTF/zync/internal/scope"
	"github.com/UnitedCTF/zync/pkg/api"
	"github.com/UnitedCTF/zync/pkg/lifecycle"
	"github.com/UnitedCTF/zync/pkg/utils"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

func (s *Server) ConfigCheck(ctx echo.Context) error {
	claims, err := auth.GetClaims(ctx)
	if err != nil {
		zap.S().Debugf("Failed to get claims: %v", err)
		return ctx.JSON(401, api.Error{Message: utils.Ptr("Unauthorized")})
	}
	if claims.Role != string(scope.RoleAdmin) {
		return ctx.JSON(403, api.Error{Message: utils.Ptr("Forbidden")})
	}
	return ctx.NoContent(200)
}

func (s *Server) ListAllDeployments(ctx echo.Context) error {
	claims, err := auth.GetClaims(ctx)
	if err != nil {
		return ctx.JSON(401, api.Error{Message: utils.Ptr("Unauthorized")})
	}
	sc, err := scope.Resolve(claims, s.confProv.GetConfig().Tracker.TeamsMode)
	if err != nil {
		return ctx.JSON(400, api.Error{Message: utils.Ptr(err.Error())})
	}
	zap.S().Debugf("Admin request for full deployment list")

	instances, err := s.manager.ListAll(sc)
	if err != nil {
		if errors.Is(err, lifecycle.ErrForbidden) {
			forbiddenRequestsPerOwner.WithLabelValues(strconv.FormatUint(uint64(sc.OwnerKey), 10)).Inc()
			return ctx.JSON(403, api.Error{Message: utils.Ptr("Forbidden - Admin access required")})
		}
		zap.S().Errorf("Failed to list deployments: %v", err)
		return ctx.JSON(500, api.Error{Message: utils.HTTP500Debug(fmt.Sprintf("Failed to list deployments: %v", err))})
	}

	return ctx.JSON(200, deploymentInfos(instances))
}
