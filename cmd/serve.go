package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/UnitedCTF/zync/internal/auth"
	"github.com/UnitedCTF/zync/internal/challenge"
	"github.com/UnitedCTF/zync/internal/deployer"
	server "github.com/UnitedCTF/zync/pkg"
	"github.com/UnitedCTF/zync/pkg/config"
	"github.com/UnitedCTF/zync/pkg/lifecycle"
	"github.com/UnitedCTF/zync/pkg/metrics"
	"github.com/UnitedCTF/zync/pkg/models"
	"github.com/UnitedCTF/zync/pkg/scheduler"
	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo-contrib/echoprometheus"
	echojwt "github.com/labstack/echo-jwt/v4"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serveCmd = &cobra.Command{
	Use:   "serve [port]",
	Short: "Start the Zync tracker server",
	Long:  "Starts the Zync tracker server to handle deployment requests from CTFd and relay them to the deployer service.",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		portStr := args[0]
		if !validatePort(portStr) {
			fmt.Fprintf(os.Stderr, "Invalid port: %s\n", portStr)
			os.Exit(1)
		}

		e := echo.New()
		e.HideBanner = true
		e.HidePort = true

		skipper := func(c echo.Context) bool {
			// Skip health check endpoint
			return c.Request().URL.Path == "/health"
		}
		e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
			LogStatus:   true,
			LogMethod:   true,
			LogRemoteIP: true,
			LogURI:      true,
			Skipper:     skipper,
			LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
				zap.S().Infof("| %v | %v | %v | %v", v.RemoteIP, v.Method, v.URI, v.Status)
				return nil
			},
		}))
		e.Use(middleware.CORS())

		e.Use(echoprometheus.NewMiddleware("zync"))
		e.GET("/metrics", echoprometheus.NewHandler())
		cfg := config.Get()

		jwtSecret := os.Getenv("JWT_SECRET")
		if jwtSecret == "" {
			jwtSecret = cfg.Auth.JWTSecret
		}
		if jwtSecret == "" {
			zap.S().Fatal("JWT_SECRET is required")
		}

		if cfg.Deployer.URL == "" {
			zap.S().Fatal("deployer.url is required")
		}
		if cfg.Deployer.Secret == "" {
			zap.S().Fatal("deployer.secret (or DEPLOYER_SECRET) is required")
		}

		jwtConfig := echojwt.Config{
			NewClaimsFunc: func(c echo.Context) jwt.Claims {
				return new(auth.Claims)
			},
			SigningKey: []byte(jwtSecret),
			Skipper: func(c echo.Context) bool {
				return c.Path() == "/health" || c.Path() == "/metrics"
			},
		}
		e.Use(echojwt.WithConfig(jwtConfig))

		db, err := models.InitDB(cfg.Tracker.DBPath)
		if err != nil {
			zap.S().Fatalf("Failed to initialize database: %v", err)
		}
		store := models.NewStore(db)
		prometheus.MustRegister(metrics.NewInstanceCollector(db))

		challIdx, err := challenge.NewIndex(cfg.Tracker.ChallengeDir)
		if err != nil {
			zap.S().Fatalf("Failed to index challenges: %v", err)
		}

		confProv := config.GlobalProvider{}
		manager := lifecycle.NewManager(lifecycle.ManagerOpts{
			Store:            store,
			Deployer:         deployer.NewHTTPClient(confProv),
			ChallengeIndexer: challIdx,
			ConfigProvider:   confProv,
		})

		srv := server.NewServerWithOpts(server.ServerOpts{
			Manager:        manager,
			ConfigProvider: confProv,
		})
		srv.Register(e)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		reaper := scheduler.NewReaper(store, cfg.Tracker.StaleAfter, cfg.Tracker.ReapInterval, zap.S())
		srv.StartReaper(ctx, reaper)

		go func() {
			zap.S().Infof("Starting server on port %s", portStr)
			if err := e.Start(":" + portStr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				zap.S().Fatalf("shutting down the server: %v", err)
			}
		}()
		// Wait for interrupt signal to gracefully shut down the server
		<-ctx.Done()
		zap.S().Info("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Minute)
		defer cancel()
		if err := e.Shutdown(shutdownCtx); err != nil {
			zap.S().Fatalf("Failed to shutdown server: %v", err)
		}
		if err := srv.Wait(shutdownCtx); err != nil {
			zap.S().Fatalf("Failed to wait for server shutdown: %v", err)
		}
	},
}

func validatePort(port string) bool {
	if port == "" {
		return false
	}
	portInt, err := strconv.Atoi(port)
	if err != nil {
		return false
	}
	if portInt < 1 || portInt > 65535 {
		return false
	}
	return true
}
