package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/ashita-ai/keiyaku/internal/auth"
	"github.com/ashita-ai/keiyaku/internal/authz"
	"github.com/ashita-ai/keiyaku/internal/config"
	"github.com/ashita-ai/keiyaku/internal/mcp"
	"github.com/ashita-ai/keiyaku/internal/pipeline"
	"github.com/ashita-ai/keiyaku/internal/server"
	"github.com/ashita-ai/keiyaku/internal/service"
	"github.com/ashita-ai/keiyaku/internal/storage"
	"github.com/ashita-ai/keiyaku/internal/synth"
	"github.com/ashita-ai/keiyaku/internal/telemetry"
	"github.com/ashita-ai/keiyaku/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	if os.Getenv("KEIYAKU_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("keiyaku starting", "version", version, "port", cfg.Port)

	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	db, err := storage.New(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer db.Close()

	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	// External generator is optional; without a key every document comes from
	// the deterministic fallback.
	var gen synth.Generator
	if cfg.OpenAIAPIKey != "" {
		oai, err := synth.NewOpenAIGenerator(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.GeneratorModel, cfg.GeneratorTimeout)
		if err != nil {
			return fmt.Errorf("generator: %w", err)
		}
		gen = oai
		logger.Info("generator: openai enabled", "model", cfg.GeneratorModel)
	} else {
		logger.Info("generator: disabled (no OPENAI_API_KEY), deterministic fallback only")
	}

	synthesizer := synth.New(gen, logger)
	runner := pipeline.NewRunner(db, synthesizer, logger)
	svc := service.New(db, runner, cfg.SubmissionBucket, logger)
	checker := authz.NewChecker(db, cfg.OwnershipCacheTTL)
	mcpSrv := mcp.New(svc, checker, logger)

	srv := server.New(svc, checker, jwtMgr, db, server.Options{
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		MCPServer:           mcpSrv.MCPServer(),
	}, logger)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
