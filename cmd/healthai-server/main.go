package main

import (
	"context"
	crypto_rand "crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/healthai/healthai/internal/config"
	"github.com/healthai/healthai/internal/domain/admin"
	"github.com/healthai/healthai/internal/domain/diagnostics"
	"github.com/healthai/healthai/internal/domain/identity"
	"github.com/healthai/healthai/internal/ml/backend"
	"github.com/healthai/healthai/internal/ml/connector"
	"github.com/healthai/healthai/internal/ml/features"
	"github.com/healthai/healthai/internal/ml/registry"
	"github.com/healthai/healthai/internal/platform/auth"
	"github.com/healthai/healthai/internal/platform/blobstore"
	"github.com/healthai/healthai/internal/platform/db"
	"github.com/healthai/healthai/internal/platform/metrics"
	"github.com/healthai/healthai/internal/platform/middleware"
)

// devUserID is the account every unauthenticated request runs as in
// development mode.
const devUserID = "00000000-0000-0000-0000-000000000001"

func main() {
	rootCmd := &cobra.Command{
		Use:   "healthai-server",
		Short: "Clinical diagnostic prediction API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(modelsCmd())
	rootCmd.AddCommand(predictCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	// migrate up
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")
			return withMigrator(dir, func(ctx context.Context, m *db.Migrator) error {
				count, err := m.Up(ctx)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Printf("Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	}
	upCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(upCmd)

	// migrate status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")
			return withMigrator(dir, func(ctx context.Context, m *db.Migrator) error {
				statuses, err := m.Status(ctx)
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
			})
		},
	}
	statusCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(statusCmd)

	return cmd
}

func withMigrator(dir string, fn func(ctx context.Context, m *db.Migrator) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.StorageDriver != config.DriverPostgres {
		return fmt.Errorf("migrations only apply to STORAGE_DRIVER=%s", config.DriverPostgres)
	}

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns, newLogger(cfg))
	if err != nil {
		return err
	}
	defer pool.Close()

	return fn(ctx, db.NewMigrator(pool, dir))
}

func modelsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "models",
		Short: "Inspect the model registry",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List the models that load from the current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			reg := buildRegistry(cfg, nil, nil, newLogger(cfg))
			fmt.Printf("%-20s %-15s %-10s %-10s %s\n", "NAME", "KIND", "TYPE", "VERSION", "BACKEND")
			for _, name := range reg.Names() {
				d, _ := reg.Describe(name)
				fmt.Printf("%-20s %-15s %-10s %-10s %s\n", d.Name, d.Kind, d.Type, d.Version, d.Backend)
			}
			return nil
		},
	})
	return cmd
}

func predictCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "predict",
		Short: "Run one prediction offline and print the result",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("model")
			path, _ := cmd.Flags().GetString("input")
			if name == "" || path == "" {
				return fmt.Errorf("--model and --input are required")
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			reg := buildRegistry(cfg, nil, nil, newLogger(cfg))
			desc, ok := reg.Describe(name)
			if !ok {
				return fmt.Errorf("model %s not found", name)
			}
			in, err := readPredictInput(path, desc.Type)
			if err != nil {
				return err
			}

			out := reg.Predict(cmd.Context(), name, in, connector.PredictContext{})
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(out); err != nil {
				return err
			}
			if !out.OK() {
				return out.Err
			}
			return nil
		},
	}
	cmd.Flags().String("model", "", "Registered model name")
	cmd.Flags().String("input", "", "JSON feature file, or an image file for image models")
	return cmd
}

// readPredictInput loads a tabular JSON object or raw image bytes.
func readPredictInput(path, modelType string) (connector.Input, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return connector.Input{}, fmt.Errorf("read input: %w", err)
	}
	if modelType == connector.TypeImage {
		return connector.Input{Image: data}, nil
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return connector.Input{}, fmt.Errorf("parse input %s: %w", path, err)
	}
	return connector.Input{Fields: fields}, nil
}

func newLogger(cfg *config.Config) zerolog.Logger {
	if cfg != nil && cfg.IsDev() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func buildRegistry(cfg *config.Config, recorder connector.Recorder, observer registry.Observer, logger zerolog.Logger) *registry.Registry {
	return registry.New(registry.LoadConfig(cfg.ModelConfigPath, logger), registry.Deps{
		Connector: connector.Deps{
			Recorder: recorder,
			Backend: backend.Options{
				ModelsDir: cfg.ModelsDir,
				Timeout:   cfg.BackendTimeout,
				Logger:    logger,
			},
			Features: features.DefaultConfig(),
			Logger:   logger,
		},
		Observer: observer,
	}, logger)
}

// stores bundles the repositories of the configured storage driver.
type stores struct {
	users       identity.UserRepository
	patients    identity.PatientRepository
	predictions diagnostics.PredictionRepository
	health      db.Pinger
	pool        *pgxpool.Pool
	close       func()
}

func openStores(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*stores, error) {
	switch cfg.StorageDriver {
	case config.DriverBolt:
		store, err := db.OpenBolt(cfg.BoltPath)
		if err != nil {
			return nil, err
		}
		predictions, err := diagnostics.NewPredictionRepoBolt(store)
		if err != nil {
			store.Close()
			return nil, err
		}
		users, err := identity.NewUserRepoBolt(store)
		if err != nil {
			store.Close()
			return nil, err
		}
		patients, err := identity.NewPatientRepoBolt(store, predictions.DeleteByPatient)
		if err != nil {
			store.Close()
			return nil, err
		}
		logger.Info().Str("path", cfg.BoltPath).Msg("opened embedded database")
		return &stores{
			users:       users,
			patients:    patients,
			predictions: predictions,
			health:      store,
			close:       func() { store.Close() },
		}, nil
	default:
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns, logger)
		if err != nil {
			return nil, err
		}
		logger.Info().Msg("connected to database")
		return &stores{
			users:       identity.NewUserRepo(pool),
			patients:    identity.NewPatientRepo(pool),
			predictions: diagnostics.NewPredictionRepoPG(pool),
			health:      pool,
			pool:        pool,
			close:       pool.Close,
		}, nil
	}
}

func runServer() error {
	// Config
	cfg, err := config.Load()
	if err != nil {
		bootLogger := newLogger(nil)
		bootLogger.Fatal().Err(err).Msg("failed to load config")
	}
	logger := newLogger(cfg)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	// Storage
	ctx := context.Background()
	st, err := openStores(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Str("driver", cfg.StorageDriver).Msg("failed to open storage")
	}
	defer st.close()

	m := metrics.New()

	// Model registry
	models := buildRegistry(cfg, diagnostics.NewRecorder(st.predictions), m, logger)
	if len(models.Names()) == 0 {
		logger.Warn().Str("path", cfg.ModelConfigPath).Msg("no models loaded; prediction endpoints will return not found")
	}

	// Uploads
	uploads, err := blobstore.NewDiskBlobStore(cfg.UploadDir, middleware.ParseSize(cfg.MaxUploadSize))
	if err != nil {
		logger.Fatal().Err(err).Str("dir", cfg.UploadDir).Msg("failed to prepare upload directory")
	}

	// Services
	tokens := auth.NewTokenIssuer(cfg.SigningKey(), cfg.TokenTTL, cfg.TokenIssuer)
	identitySvc := identity.NewService(st.users, st.patients, tokens, logger).WithObserver(m)
	dxSvc := diagnostics.NewService(st.predictions, models, identitySvc, logger).WithUploads(uploads, m)
	adminSvc := admin.NewService(identitySvc, dxSvc, logger)

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.BodyLimit(cfg.BodyLimit, cfg.MaxUploadSize))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))

	// Auth middleware
	switch cfg.ResolvedAuthMode() {
	case config.AuthModeDevelopment:
		if err := ensureDevUser(ctx, identitySvc); err != nil {
			logger.Fatal().Err(err).Msg("failed to create development user")
		}
		logger.Warn().Str("user_id", devUserID).Msg("development auth enabled; unauthenticated requests run as admin")
		e.Use(auth.DevAuthMiddleware(tokens, devUserID))
	default:
		e.Use(auth.JWTMiddleware(tokens))
	}
	e.Use(identity.RequireActiveUser(st.users))

	if st.pool != nil {
		e.Use(db.ConnMiddleware(st.pool))
	}
	e.Use(middleware.AccessLog(logger))

	// Health and metrics
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]interface{}{
			"status": "ok",
			"models": models.Names(),
		})
	})
	e.GET("/health/db", db.HealthHandler(st.health, cfg.StorageDriver))
	if cfg.MetricsEnabled {
		e.GET("/metrics", echo.WrapHandler(m.Handler()))
	}

	// API groups
	apiV1 := e.Group("/api/v1")

	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	apiV1.Use(middleware.RateLimit(rateLimitCfg))
	if cfg.RequestTimeout > 0 {
		apiV1.Use(middleware.RequestTimeout(cfg.RequestTimeout))
	}

	identity.NewHandler(identitySvc).RegisterRoutes(apiV1)
	diagnostics.NewHandler(dxSvc).RegisterRoutes(apiV1)
	admin.NewHandler(adminSvc).RegisterRoutes(apiV1)
	blobstore.NewBlobHandler(uploads).RegisterRoutes(apiV1)

	logRoutes(e, logger)

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("driver", cfg.StorageDriver).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}

// ensureDevUser creates the development admin account. Its password is
// random since the account is only reachable without a token.
func ensureDevUser(ctx context.Context, svc *identity.Service) error {
	buf := make([]byte, 16)
	if _, err := crypto_rand.Read(buf); err != nil {
		return err
	}
	return svc.EnsureUser(ctx, &identity.User{
		ID:        uuid.MustParse(devUserID),
		Username:  "dev",
		Email:     "dev@localhost.localdomain",
		FirstName: "Development",
		LastName:  "Admin",
		Role:      auth.RoleAdmin,
	}, hex.EncodeToString(buf))
}

func logRoutes(e *echo.Echo, logger zerolog.Logger) {
	routes := e.Routes()
	sort.Slice(routes, func(i, j int) bool {
		if routes[i].Path == routes[j].Path {
			return routes[i].Method < routes[j].Method
		}
		return routes[i].Path < routes[j].Path
	})
	for _, r := range routes {
		logger.Debug().Str("method", r.Method).Str("path", r.Path).Msg("route")
	}
}
