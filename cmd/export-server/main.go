package main

import (
	"context"
	crypto_rand "crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/clinex/clinex/internal/config"
	"github.com/clinex/clinex/internal/export"
	"github.com/clinex/clinex/internal/platform/artifact"
	"github.com/clinex/clinex/internal/platform/auth"
	"github.com/clinex/clinex/internal/platform/db"
	"github.com/clinex/clinex/internal/platform/middleware"
	"github.com/clinex/clinex/internal/platform/queue"
)

// devOrgID is the organisation assigned to unauthenticated requests when the
// server runs in development mode.
var devOrgID = uuid.MustParse("00000000-0000-0000-0000-000000000001")

func main() {
	rootCmd := &cobra.Command{
		Use:   "export-server",
		Short: "De-identified export API server and worker",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(workerCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(watermarksCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the export API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func workerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Start an export worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, _ := cmd.Flags().GetString("queue")
			return runWorker(kind)
		},
	}
	cmd.Flags().String("queue", "research", "Queue to consume: research or omop")
	return cmd
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir)
			count, err := migrator.Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir)
			statuses, err := migrator.Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(statusCmd)

	return cmd
}

func watermarksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watermarks",
		Short: "Inspect and manage incremental export watermarks",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "reset",
		Short: "Rewind all watermarks to the epoch (next run is a full re-export)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			if err := export.NewWatermarksPG(pool).ResetAll(ctx); err != nil {
				return fmt.Errorf("reset watermarks: %w", err)
			}
			fmt.Println("All watermarks reset to the epoch.")
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the current watermark for every source table",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			marks, err := export.NewWatermarksPG(pool).Read(ctx)
			if err != nil {
				return fmt.Errorf("read watermarks: %w", err)
			}
			for _, table := range export.SourceTables {
				fmt.Printf("%-18s %s\n", table, marks[table].UTC().Format(time.RFC3339))
			}
			return nil
		},
	})

	return cmd
}

func newLogger() zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return logger
}

func loadConfig(logger zerolog.Logger) *config.Config {
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}
	return cfg
}

// pseudonymKey returns the configured HMAC key, or generates a throwaway one
// in development so local exports still produce stable pseudonyms within one
// process lifetime.
func pseudonymKey(cfg *config.Config, logger zerolog.Logger) []byte {
	if cfg.PseudonymKey != "" {
		return cfg.PseudonymKeyBytes()
	}
	key := make([]byte, 32)
	if _, err := crypto_rand.Read(key); err != nil {
		logger.Fatal().Err(err).Msg("failed to generate development pseudonym key")
	}
	logger.Warn().
		Str("key", hex.EncodeToString(key)).
		Msg("PSEUDONYM_KEY not set; generated a throwaway development key")
	return key
}

func newQueue(cfg *config.Config, logger zerolog.Logger) queue.Queue {
	qcfg := queue.DefaultConfig()
	qcfg.MaxAttempts = cfg.MaxAttempts

	if cfg.RedisURL == "" {
		logger.Warn().Msg("REDIS_URL not set; using in-process queue (jobs do not survive restarts)")
		return queue.NewMemory(qcfg)
	}
	q, err := queue.NewRedis(context.Background(), cfg.RedisURL, qcfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to redis")
	}
	logger.Info().Msg("connected to redis")
	return q
}

func newArtifactStore(cfg *config.Config, logger zerolog.Logger) artifact.Store {
	if cfg.S3Region == "" && cfg.S3Endpoint == "" {
		logger.Warn().Msg("S3 not configured; using in-memory artifact store (artifacts do not survive restarts)")
		return artifact.NewMemory(cfg.SignedURLTTL)
	}
	store, err := artifact.NewS3(artifact.S3Config{
		Bucket:          cfg.ArtifactBucket,
		Region:          cfg.S3Region,
		Endpoint:        cfg.S3Endpoint,
		AccessKeyID:     cfg.S3AccessKeyID,
		SecretAccessKey: cfg.S3SecretKey,
		SignedURLTTL:    cfg.SignedURLTTL,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to configure artifact store")
	}
	return store
}

func newService(cfg *config.Config, pool *pgxpool.Pool, q queue.Queue, logger zerolog.Logger) *export.Service {
	return export.NewService(
		export.NewJobRepoPG(pool),
		export.NewExtractorPG(pool),
		q,
		export.NewWatermarksPG(pool),
		export.ServiceConfig{
			ResearchQueue:    cfg.ResearchQueue,
			OMOPQueue:        cfg.OMOPQueue,
			ExportPeriodDays: cfg.ExportPeriodDays,
		},
		logger,
	)
}

func runServer() error {
	logger := newLogger()
	cfg := loadConfig(logger)

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	q := newQueue(cfg, logger)
	svc := newService(cfg, pool, q, logger)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.RequestTimeout(30 * time.Second))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))

	// Auth middleware
	if cfg.IsDev() {
		e.Use(auth.DevAuthMiddleware(devOrgID))
	} else {
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:   cfg.AuthIssuer,
			Audience: cfg.AuthAudience,
			JWKSURL:  cfg.AuthJWKSURL,
		}))
	}

	// Audit middleware
	e.Use(middleware.Audit(logger))

	// Health checks
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": "0.1.0",
		})
	})
	e.GET("/health/db", db.HealthHandler(pool))

	apiV1 := e.Group("/api/v1")
	export.NewHandler(svc).RegisterRoutes(apiV1)

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("export server listening")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server stopped")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return e.Shutdown(shutdownCtx)
}

func runWorker(kind string) error {
	logger := newLogger()
	cfg := loadConfig(logger)

	var queueName string
	switch kind {
	case "research":
		queueName = cfg.ResearchQueue
	case "omop":
		queueName = cfg.OMOPQueue
	default:
		return fmt.Errorf("unknown queue %q (must be research or omop)", kind)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	q := newQueue(cfg, logger)
	store := newArtifactStore(cfg, logger)
	key := pseudonymKey(cfg, logger)

	worker := export.NewWorker(
		export.NewJobRepoPG(pool),
		export.NewExtractorPG(pool),
		store,
		export.NewWatermarksPG(pool),
		nil,
		q,
		key,
		export.WorkerConfig{
			Queue:            queueName,
			Concurrency:      cfg.WorkerConcurrency,
			SignedURLTTL:     cfg.SignedURLTTL,
			ExportPeriodDays: cfg.ExportPeriodDays,
		},
		logger,
	)

	err = worker.Run(ctx)
	if err == context.Canceled {
		logger.Info().Msg("worker stopped")
		return nil
	}
	return err
}
