package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/joho/godotenv"

	"fieldops-backend/internal/admin"
	"fieldops-backend/internal/audit"
	"fieldops-backend/internal/auth"
	"fieldops-backend/internal/config"
	"fieldops-backend/internal/engine"
	"fieldops-backend/internal/logging"
	"fieldops-backend/internal/metadata"
	"fieldops-backend/internal/store"
)

func main() {
	if err := run(); err != nil {
		slog.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. Load .env (existing environment wins) and config
	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file found, using environment variables")
	}
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logging.Setup(cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("config loaded", "port", cfg.Server.Port, "db", fmt.Sprintf("%s:%d/%s", cfg.Database.Host, cfg.Database.Port, cfg.Database.Name))

	// 2. Connect to database
	db, err := store.New(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer db.Close()
	slog.Info("database connected")

	// 3. Bootstrap system tables
	if err := db.Bootstrap(ctx); err != nil {
		return fmt.Errorf("bootstrap system tables: %w", err)
	}

	// 4. Load metadata
	var source metadata.Source = metadata.FileSource{Path: cfg.Metadata.Path}
	var adminDB store.Querier
	if cfg.Metadata.Source == "database" {
		source = metadata.TableSource{DB: db}
		adminDB = db
	}
	reg := metadata.NewRegistry(source)
	if err := reg.Load(ctx); err != nil {
		return fmt.Errorf("load metadata: %w", err)
	}

	// 5. Audit trail
	auditLogger := audit.NewLogger(cfg.Audit, db)
	defer auditLogger.Stop()
	if _, err := audit.PruneOlderThan(ctx, db, cfg.Audit.RetentionDays); err != nil {
		slog.Warn("audit prune failed", "error", err)
	}

	// 6. Entity service
	svc := engine.NewService(reg, db, engine.NewCascadeDeleter(reg), auditLogger)

	// 7. Create Fiber app
	app := fiber.New(fiber.Config{
		ErrorHandler: engine.ErrorHandler,
	})
	app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))
	app.Use(requestid.New())
	app.Use(logging.RequestContext())
	app.Use(logger.New(logger.Config{
		Format: "${time} ${locals:requestid} ${status} ${method} ${path} ${latency}\n",
	}))

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok", "entities": reg.Snapshot().Len()})
	})

	// 8. Routes: admin first so /api/_admin is not taken for an entity name
	authMW := auth.AuthMiddleware(cfg.JWTSecret)
	admin.RegisterAdminRoutes(app, admin.NewHandler(adminDB, reg), authMW, auth.RequireAdmin())
	engine.RegisterDynamicRoutes(app, engine.NewHandler(svc), authMW)

	// 9. Serve until signalled
	errCh := make(chan error, 1)
	go func() {
		addr := fmt.Sprintf(":%d", cfg.Server.Port)
		slog.Info("starting server", "addr", addr)
		errCh <- app.Listen(addr)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	timeout := time.Duration(cfg.Server.ShutdownTimeoutSeconds) * time.Second
	return app.ShutdownWithTimeout(timeout)
}
