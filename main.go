package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/schedulo/tenantplane/internal/backup"
	"github.com/schedulo/tenantplane/internal/config"
	"github.com/schedulo/tenantplane/internal/database"
	"github.com/schedulo/tenantplane/internal/handlers"
	"github.com/schedulo/tenantplane/internal/logging"
	"github.com/schedulo/tenantplane/internal/middleware"
	"github.com/schedulo/tenantplane/internal/migration"
	"github.com/schedulo/tenantplane/internal/router"
	"github.com/schedulo/tenantplane/internal/sshtunnel"
)

func main() {
	config.Load()
	logging.Init()

	if err := database.Init(); err != nil {
		log.Fatalf("Database init: %v", err)
	}
	defer database.Close()

	log.Printf("Config: environment=%s, driver=%s, pool_size=%d",
		config.Cfg.Environment, config.Cfg.DatabaseDriver, config.Cfg.PoolSize())

	// Long-lived shared resources, owned here and passed down by reference.
	tunnels := sshtunnel.NewManager(
		config.Cfg.TunnelConnectTimeout,
		config.Cfg.TunnelIdleTimeout,
		config.Cfg.TunnelMaxReconnects,
	)
	factory := router.NewFactory(tunnels)
	dbRouter := router.New(factory, router.GormControlPlane{},
		config.Cfg.StrategyCacheTTL, config.Cfg.ControlPlaneTimeout)

	backups := backup.NewSQLService(dbRouter, migration.DefaultTables)
	orch := migration.New(dbRouter, factory, backups, migration.DefaultTables, config.Cfg.MigrationCopyTimeout)

	handlers.Orch = orch
	handlers.Router = dbRouter
	handlers.Tunnels = tunnels

	// Periodic sweep: handle health checks plus idle tunnel cleanup.
	sweeper := dbRouter.StartSweeper(config.Cfg.HealthCheckInterval, tunnels)
	defer sweeper.Stop()

	injector := middleware.NewInjector(dbRouter)

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(injector.Middleware)

	r.Get("/healthz", handlers.HealthCheck)
	r.Route("/api/ops", func(r chi.Router) {
		r.Post("/migrations", handlers.StartMigration)
		r.Get("/migrations/{jobID}", handlers.MigrationStatus)
		r.Get("/tenants/{id}", handlers.TenantInfo)
		r.Get("/tunnels", handlers.TunnelList)
		r.Get("/logs", handlers.LogsTail)
	})

	srv := &http.Server{
		Addr:    config.Cfg.HTTPAddr,
		Handler: r,
	}

	go func() {
		log.Printf("Listening on %s", config.Cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Printf("Shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srv.Shutdown(ctx)
	dbRouter.CloseAll()
	tunnels.CloseAll()
}
