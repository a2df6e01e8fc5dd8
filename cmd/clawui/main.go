package main

import (
	"context"
	"fmt"
	"os"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"github.com/ccchow/ClawUI-sub001/cmd/clawui/container"
	"github.com/ccchow/ClawUI-sub001/cmd/clawui/middleware"
	"github.com/ccchow/ClawUI-sub001/cmd/clawui/routes"
	"github.com/ccchow/ClawUI-sub001/common/bootstrap"
	"github.com/ccchow/ClawUI-sub001/common/db"
	"github.com/ccchow/ClawUI-sub001/common/server"
)

func main() {
	ctx := context.Background()

	// Bootstrap common components (config, logger, DB, telemetry)
	components := bootstrap.MustSetup(ctx, "clawui",
		bootstrap.WithDBInitHook(db.Migrate),
	)
	defer components.Shutdown(ctx)

	// Initialize service container (singleton pattern - all services created once)
	serviceContainer, err := container.NewContainer(ctx, components)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize service container: %v\n", err)
		os.Exit(1)
	}

	e := setupEcho()
	setupMiddleware(e, serviceContainer)
	setupHealthCheck(e)
	registerRoutes(e, serviceContainer)

	srv := server.New("clawui", components.Config.Service.Port, e, components.Logger)
	srv.OnShutdown(func(ctx context.Context) {
		serviceContainer.RecoveryService.Stop()
		if err := serviceContainer.Cache.Close(); err != nil {
			components.Logger.Error("cache close failed", "error", err)
		}
	})

	// Recover executions orphaned by the previous process incarnation. Runs
	// after the container is wired so re-adopted sessions can settle through
	// the normal executor paths.
	if err := serviceContainer.RecoveryService.Startup(ctx); err != nil {
		components.Logger.Error("startup recovery failed", "error", err)
	}

	if err := srv.Start(); err != nil {
		components.Logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

// setupEcho initializes the Echo server with basic configuration
func setupEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	return e
}

// setupMiddleware configures all middleware for the Echo server
func setupMiddleware(e *echo.Echo, c *container.Container) {
	e.Use(echomw.Recover())
	e.Use(echomw.CORS())
	e.Use(echomw.RequestID())
	e.Use(middleware.TokenAuth(c.Components.Config.Service.AuthToken))
}

// setupHealthCheck registers the health check endpoint
func setupHealthCheck(e *echo.Echo) {
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(200, map[string]string{
			"status":  "ok",
			"service": "clawui",
		})
	})
}

// registerRoutes registers all application routes using the service container
func registerRoutes(e *echo.Echo, serviceContainer *container.Container) {
	routes.RegisterBlueprintRoutes(e, serviceContainer)
	routes.RegisterExecutorRoutes(e, serviceContainer)
	routes.RegisterCallbackRoutes(e, serviceContainer)
	routes.RegisterSessionRoutes(e, serviceContainer)
}
