package main

import (
	"context"
	crypto_rand "crypto/rand"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/rcn/rcn/internal/config"
	"github.com/rcn/rcn/internal/domain/org"
	"github.com/rcn/rcn/internal/domain/payment"
	"github.com/rcn/rcn/internal/domain/referral"
	"github.com/rcn/rcn/internal/platform/auth"
	"github.com/rcn/rcn/internal/platform/blobstore"
	"github.com/rcn/rcn/internal/platform/db"
	"github.com/rcn/rcn/internal/platform/demostore"
	"github.com/rcn/rcn/internal/platform/events"
	"github.com/rcn/rcn/internal/platform/kv"
	"github.com/rcn/rcn/internal/platform/metrics"
	"github.com/rcn/rcn/internal/platform/middleware"
	"github.com/rcn/rcn/internal/platform/phi"
	"github.com/rcn/rcn/internal/platform/tracing"
	"github.com/rcn/rcn/internal/platform/webhook"
	"github.com/rcn/rcn/internal/platform/websocket"
)

const serviceName = "rcn"

func main() {
	rootCmd := &cobra.Command{
		Use:   "rcn-server",
		Short: "Referral coordination network API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(demoCmd())

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

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
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

			count, err := db.NewMigrator(pool, db.EmbeddedMigrations()).Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
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

			statuses, err := db.NewMigrator(pool, db.EmbeddedMigrations()).Status(ctx)
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
	})

	return cmd
}

func demoCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Manage the demo-state document used when STORAGE_MODE=demo",
	}

	open := func() (*demostore.Store, error) {
		cfg, err := config.Load()
		if err != nil {
			return nil, err
		}
		store, err := demoKV(cfg)
		if err != nil {
			return nil, err
		}
		return demostore.New(store, newLogger(cfg.Env)), nil
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "seed",
		Short: "Write the demo dataset unless one is already stored",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := open()
			if err != nil {
				return err
			}
			seeded, err := store.Seed(context.Background())
			if err != nil {
				return err
			}
			if seeded {
				fmt.Println("Demo state seeded.")
			} else {
				fmt.Println("Demo state already present; nothing to do.")
			}
			fmt.Printf("Sign in as admin@riverside.example or admin@sunrise.example with password %q.\n", demostore.DemoPassword)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "reset",
		Short: "Discard the stored demo state and write a fresh dataset",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := open()
			if err != nil {
				return err
			}
			if err := store.Reset(context.Background()); err != nil {
				return err
			}
			fmt.Println("Demo state reset.")
			return nil
		},
	})

	return cmd
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// demoKV backs the demo document with Redis when configured, else a file.
func demoKV(cfg *config.Config) (kv.KV, error) {
	if cfg.RedisURL != "" {
		client, err := kv.NewRedisClient(cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		return kv.NewRedisKV(client), nil
	}
	return kv.NewFileKV(cfg.DemoStateFile), nil
}

// fileStore keeps attachment uploads on disk, or in memory when no upload
// directory is configured.
func fileStore(cfg *config.Config) (blobstore.Store, error) {
	if cfg.UploadDir == "" {
		return blobstore.NewMemoryStore(cfg.MaxUploadBytes), nil
	}
	return blobstore.NewDirStore(cfg.UploadDir, cfg.MaxUploadBytes)
}

// sessionKV holds pending card payments and webhook endpoints. Without Redis
// they live in process memory and do not survive a restart.
func sessionKV(cfg *config.Config) (kv.KV, error) {
	if cfg.RedisURL != "" {
		client, err := kv.NewRedisClient(cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		return kv.NewRedisKV(client), nil
	}
	return kv.NewMemoryKV(), nil
}

// resolveSigningKey returns the configured JWT key or a random 32-byte one.
// The second return value is true when a random key was generated.
func resolveSigningKey(value string) ([]byte, bool, error) {
	if value != "" {
		return []byte(value), false, nil
	}
	key := make([]byte, 32)
	if _, err := crypto_rand.Read(key); err != nil {
		return nil, false, fmt.Errorf("failed to generate random JWT signing key: %w", err)
	}
	return key, true, nil
}

func newGateway(cfg *config.Config, logger zerolog.Logger) payment.Gateway {
	if cfg.PaymentGatewayURL == "" {
		return payment.SandboxGateway{}
	}
	return payment.NewHTTPGateway(payment.GatewayConfig{
		BaseURL: cfg.PaymentGatewayURL,
		APIKey:  cfg.PaymentGatewayKey,
		Retries: 2,
	}, logger)
}

func newSealer(cfg *config.Config) (phi.Sealer, error) {
	if cfg.PHIEncryptionKey == "" {
		return phi.PlainSealer{}, nil
	}
	return phi.NewSealerFromHex(cfg.PHIEncryptionKey)
}

// storage is the set of repositories behind the services, whichever backend
// provides them.
type storage struct {
	backend string
	pinger  db.Pinger

	orgs        org.OrganizationRepository
	branches    org.BranchRepository
	departments org.DepartmentRepository
	users       org.UserRepository
	tx          org.TxRunner
	referrals   referral.Repository

	close func()
}

func postgresStorage(pool *pgxpool.Pool) *storage {
	return &storage{
		backend:     config.StorageModePostgres,
		pinger:      pool,
		orgs:        org.NewOrganizationRepo(pool),
		branches:    org.NewBranchRepo(pool),
		departments: org.NewDepartmentRepo(pool),
		users:       org.NewUserRepo(pool),
		tx:          org.NewTxRunner(pool),
		referrals:   referral.NewRepo(pool),
		close:       pool.Close,
	}
}

func demoStorage(store *demostore.Store) *storage {
	repos := store.Repositories()
	return &storage{
		backend:     config.StorageModeDemo,
		pinger:      store,
		orgs:        repos.Organizations,
		branches:    repos.Branches,
		departments: repos.Departments,
		users:       repos.Users,
		tx:          repos.Tx,
		referrals:   repos.Referrals,
		close:       func() {},
	}
}

func openStorage(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*storage, error) {
	if cfg.StorageMode == config.StorageModeDemo {
		store, err := demoKV(cfg)
		if err != nil {
			return nil, err
		}
		demo := demostore.New(store, logger)
		if _, err := demo.Seed(ctx); err != nil {
			return nil, fmt.Errorf("load demo state: %w", err)
		}
		return demoStorage(demo), nil
	}

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, err
	}
	return postgresStorage(pool), nil
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Env)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx := context.Background()

	// Tracing
	tp, err := tracing.Init(ctx, tracing.Config{
		Enabled:     cfg.OTelEnabled,
		Endpoint:    cfg.OTelEndpoint,
		ServiceName: serviceName,
		SampleRate:  cfg.OTelSampleRate,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialise tracing")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tp.Shutdown(shutdownCtx)
	}()

	// Storage
	store, err := openStorage(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Str("mode", cfg.StorageMode).Msg("failed to open storage")
	}
	defer store.close()
	logger.Info().Str("mode", store.backend).Msg("storage ready")

	signingKey, generated, err := resolveSigningKey(cfg.JWTSigningKey)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to resolve JWT signing key")
	}
	if generated {
		logger.Warn().Msg("JWT_SIGNING_KEY not set; tokens will not survive a restart")
	}
	jwtCfg := auth.JWTConfig{Issuer: cfg.AuthIssuer, SigningKey: signingKey, TTL: cfg.TokenTTL}

	collector := metrics.NewCollector(serviceName)

	// Events
	hub := websocket.NewHub(logger)
	publisher := events.NewMulti(logger, func(sink string) {
		collector.EventPublishErrors.WithLabelValues(sink).Inc()
	})
	publisher.Add("websocket", events.NewHubPublisher(hub))
	if len(cfg.KafkaBrokers) > 0 {
		kafka := events.NewKafkaPublisher(events.NewKafkaWriter(cfg.KafkaBrokers, cfg.KafkaTopic))
		defer kafka.Close()
		publisher.Add("kafka", kafka)
		logger.Info().Strs("brokers", cfg.KafkaBrokers).Str("topic", cfg.KafkaTopic).Msg("publishing referral events to kafka")
	}

	sessions, err := sessionKV(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to redis")
	}
	webhooks := webhook.NewManager(sessions, logger)
	defer webhooks.Wait()
	publisher.Add("webhook", webhooks)

	// Services
	orgSvc := org.NewService(store.orgs, store.branches, store.departments, store.users, store.tx, jwtCfg, logger)

	pricing := payment.NewPricing(cfg.UnlockPriceCents, cfg.UnlockCredits, cfg.ProcessingFeePercent, cfg.Currency)
	processor := payment.NewProcessor(pricing, newGateway(cfg, logger), orgSvc)

	sealer, err := newSealer(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid PHI encryption key")
	}

	referralSvc := referral.NewService(store.referrals, orgSvc, processor,
		payment.NewSessionStore(sessions, cfg.PaymentSessionTTL), cfg.UnlockCredits, logger)
	referralSvc.SetSealer(sealer)
	referralSvc.SetPublisher(publisher)
	referralSvc.SetMetrics(collector)

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(collector.Middleware())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", auth.DevOrgHeader},
	}))

	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	rateLimit := middleware.RateLimit(rateLimitCfg)

	authMW := auth.JWTMiddleware(jwtCfg)
	if cfg.IsDev() {
		authMW = auth.DevAuthMiddleware(jwtCfg)
	}

	// Registration, login and the gateway callback carry no bearer token.
	public := e.Group("/api/v1", rateLimit)
	apiV1 := e.Group("/api/v1", rateLimit, authMW)

	orgHandler := org.NewHandler(orgSvc)
	orgHandler.RegisterPublicRoutes(public)
	orgHandler.RegisterRoutes(apiV1)

	referralHandler := referral.NewHandler(referralSvc)
	referralHandler.SetWebhookSecret(cfg.PaymentWebhookSecret)
	referralHandler.RegisterPublicRoutes(public)
	referralHandler.RegisterRoutes(apiV1)

	webhook.NewHandler(webhooks).RegisterRoutes(apiV1.Group("", auth.RequireRole(auth.RoleOrgAdmin)))

	files, err := fileStore(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open upload storage")
	}
	referralSvc.SetDocuments(blobstore.NewBinder(files, "/api/v1"))
	blobstore.NewHandler(files, referralSvc, "/api/v1", logger).RegisterRoutes(apiV1)

	wsHandler := websocket.NewHandler(hub, referralSvc.CanWatch, cfg.CORSOrigins)
	wsHandler.RegisterRoutes(e.Group("", authMW))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": "0.1.0",
			"storage": store.backend,
		})
	})
	e.GET("/health/db", db.HealthHandler(store.pinger, store.backend))
	e.GET("/metrics", collector.Handler())

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
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
