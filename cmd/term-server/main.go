package main

import (
	"context"
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

	"github.com/ehr/termserver/internal/config"
	"github.com/ehr/termserver/internal/domain/terminology"
	"github.com/ehr/termserver/internal/platform/cache"
	"github.com/ehr/termserver/internal/platform/db"
	"github.com/ehr/termserver/internal/platform/graph"
	"github.com/ehr/termserver/internal/platform/middleware"
	"github.com/ehr/termserver/internal/platform/telemetry"
)

const version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "term-server",
		Short: "FHIR terminology server for SNOMED CT and LOINC",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(importCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the terminology server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	return logger.Level(level)
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadProfile reads the terminology profile and applies the version
// overrides from the environment.
func loadProfile(cfg *config.Config) (*terminology.Profile, error) {
	profile, err := terminology.LoadProfile(cfg.TerminologyProfile)
	if err != nil {
		return nil, err
	}
	for i := range profile.CodeSystems {
		cs := &profile.CodeSystems[i]
		switch {
		case cs.URL == terminology.SystemSNOMED && cfg.SnomedVersion != "":
			cs.Version = cfg.SnomedVersion
		case cs.URL == terminology.SystemLOINC && cfg.LoincVersion != "":
			cs.Version = cfg.LoincVersion
		}
	}
	return profile, nil
}

func engineOptions(cfg *config.Config) terminology.Options {
	opts := terminology.DefaultOptions()
	opts.StoreTimeout = cfg.StoreTimeout
	opts.StoreMaxRetries = cfg.StoreMaxRetries
	opts.MaxTermsPerQuery = cfg.MaxTermsPerQuery
	opts.MaxDepth = cfg.MaxDepth
	opts.BatchConcurrency = cfg.BatchConcurrency
	opts.StrictDisplay = cfg.StrictDisplay
	opts.StrictExplicitCodes = cfg.StrictExplicitCodes
	opts.MinDisplayMatchLength = cfg.MinDisplayMatchLength
	opts.CacheTTL = cfg.ExpansionCacheTTL
	return opts
}

// backend holds the open connections behind the concept stores.
type backend struct {
	stores map[string]terminology.Store
	pool   *pgxpool.Pool
	graph  *graph.Client
	checks []db.Check
}

func (b *backend) Close(ctx context.Context) {
	if b.pool != nil {
		b.pool.Close()
	}
	if b.graph != nil {
		_ = b.graph.Close(ctx)
	}
}

func openBackend(ctx context.Context, cfg *config.Config, profile *terminology.Profile, logger zerolog.Logger) (*backend, error) {
	b := &backend{stores: make(map[string]terminology.Store)}
	switch cfg.StoreBackend {
	case config.BackendPostgres:
		pool, err := db.NewPool(ctx, db.PoolConfig{
			URL:             cfg.DatabaseURL,
			MaxConns:        cfg.DBMaxConns,
			MinConns:        cfg.DBMinConns,
			ApplicationName: "term-server",
		})
		if err != nil {
			return nil, err
		}
		b.pool = pool
		for _, cs := range profile.CodeSystems {
			b.stores[cs.URL] = terminology.NewPGStore(pool, cs.Schema)
		}
		logger.Info().Msg("connected to database")

	case config.BackendNeo4j:
		client, err := graph.NewClient(graph.Config{
			URI:      cfg.Neo4jURI,
			Username: cfg.Neo4jUsername,
			Password: cfg.Neo4jPassword,
			Database: cfg.Neo4jDatabase,
		}, logger)
		if err != nil {
			return nil, err
		}
		if err := client.VerifyConnectivity(ctx); err != nil {
			_ = client.Close(ctx)
			return nil, fmt.Errorf("connect to neo4j: %w", err)
		}
		b.graph = client
		b.checks = append(b.checks, db.Check{Name: "neo4j", Ping: client.VerifyConnectivity})
		for _, cs := range profile.CodeSystems {
			b.stores[cs.URL] = terminology.NewGraphStore(client, cs.URL)
		}
		logger.Info().Str("uri", cfg.Neo4jURI).Msg("connected to neo4j")

	default:
		fixtures := map[string]string{
			terminology.SystemSNOMED: cfg.SnomedFixture,
			terminology.SystemLOINC:  cfg.LoincFixture,
		}
		for _, cs := range profile.CodeSystems {
			store := terminology.NewMemoryStore()
			if path := fixtures[cs.URL]; path != "" {
				loaded, err := terminology.LoadMemoryStore(path)
				if err != nil {
					return nil, fmt.Errorf("load %s fixture: %w", cs.URL, err)
				}
				store = loaded
			}
			concepts, descriptions, relationships := store.Counts()
			logger.Info().
				Str("system", cs.URL).
				Int("concepts", concepts).
				Int("descriptions", descriptions).
				Int("relationships", relationships).
				Msg("in-memory store ready")
			b.stores[cs.URL] = store
		}
	}
	return b, nil
}

// expansionCache returns redis when configured, else an in-process cache.
func expansionCache(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (terminology.ExpansionCache, []db.Check, func(), error) {
	if cfg.RedisURL != "" {
		rs, err := cache.NewRedisStore(ctx, cfg.RedisURL, "termserver:expansion:", logger)
		if err != nil {
			return nil, nil, nil, err
		}
		logger.Info().Msg("expansion cache: redis")
		return rs, []db.Check{{Name: "redis", Ping: rs.Ping}}, func() { _ = rs.Close() }, nil
	}
	cleanupCtx, cancel := context.WithCancel(ctx)
	mem := cache.NewMemoryStore(10000)
	mem.StartCleanup(cleanupCtx, time.Minute)
	logger.Info().Msg("expansion cache: in-process")
	return mem, nil, cancel, nil
}

func runServer() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	tp, err := telemetry.NewTelemetryProvider(telemetry.TelemetryConfig{
		ServiceName:    "term-server",
		ServiceVersion: version,
		Environment:    cfg.Env,
		TracingEnabled: cfg.TracingEnabled,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialise telemetry")
	}

	profile, err := loadProfile(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load terminology profile")
	}

	ctx := context.Background()
	be, err := openBackend(ctx, cfg, profile, logger)
	if err != nil {
		logger.Fatal().Err(err).Str("backend", cfg.StoreBackend).Msg("failed to open concept store")
	}
	defer be.Close(ctx)

	expCache, cacheChecks, closeCache, err := expansionCache(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to expansion cache")
	}
	defer closeCache()

	reg, err := terminology.NewRegistry(profile, be.stores)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build code system registry")
	}
	svc := terminology.NewService(reg, engineOptions(cfg), expCache, logger)

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(tp.TracingMiddleware())
	e.Use(telemetry.MetricsMiddleware())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.BodyLimit(cfg.BodyLimit))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout, "/health", "/metrics"))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Content-Type", "Accept", "Accept-Language", "X-Request-ID"},
	}))

	checks := append(be.checks, cacheChecks...)
	e.GET("/health", db.HealthHandler(be.pool, checks...))
	e.GET("/metrics", telemetry.PrometheusHandler())

	fhirGroup := e.Group("/fhir")
	terminology.NewHandler(svc).RegisterRoutes(fhirGroup)

	addr := ":" + cfg.Port
	go func() {
		logger.Info().Str("addr", addr).Str("backend", cfg.StoreBackend).Msg("starting terminology server")
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
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("telemetry shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Prepare the concept store schema",
	}

	// migrate up
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations for every code system",
		RunE: func(cmd *cobra.Command, args []string) error {
			target, _ := cmd.Flags().GetInt("to")

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			profile, err := loadProfile(cfg)
			if err != nil {
				return err
			}

			ctx := context.Background()
			switch cfg.StoreBackend {
			case config.BackendPostgres:
				pool, err := db.NewPool(ctx, db.PoolConfig{URL: cfg.DatabaseURL, MaxConns: 2})
				if err != nil {
					return err
				}
				defer pool.Close()

				migrator := db.NewMigrator(pool, terminology.Migrations())
				for _, cs := range profile.CodeSystems {
					fmt.Printf("Running migrations on schema: %s (%s)\n", cs.Schema, cs.URL)
					count, err := migrator.UpTo(ctx, cs.Schema, target)
					if err != nil {
						return fmt.Errorf("migration failed: %w", err)
					}
					fmt.Printf("Applied %d migration(s) successfully.\n", count)
				}
			case config.BackendNeo4j:
				client, err := graph.NewClient(graph.Config{
					URI:      cfg.Neo4jURI,
					Username: cfg.Neo4jUsername,
					Password: cfg.Neo4jPassword,
					Database: cfg.Neo4jDatabase,
				}, zerolog.Nop())
				if err != nil {
					return err
				}
				defer client.Close(ctx)
				if err := terminology.EnsureGraphIndexes(ctx, client); err != nil {
					return fmt.Errorf("create graph indexes: %w", err)
				}
				fmt.Printf("Ensured %d graph constraint(s) and index(es).\n", len(terminology.GraphIndexes))
			default:
				fmt.Println("The memory backend has no schema; nothing to migrate.")
			}
			return nil
		},
	}
	upCmd.Flags().Int("to", 0, "Apply migrations up to this version (0 = all)")
	cmd.AddCommand(upCmd)

	// migrate status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status for every code system schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.StoreBackend != config.BackendPostgres {
				return fmt.Errorf("migrate status requires STORE_BACKEND=%s", config.BackendPostgres)
			}
			profile, err := loadProfile(cfg)
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, db.PoolConfig{URL: cfg.DatabaseURL, MaxConns: 2})
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, terminology.Migrations())
			for _, cs := range profile.CodeSystems {
				statuses, err := migrator.Status(ctx, cs.Schema)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}

				fmt.Printf("Migration status for schema: %s\n", cs.Schema)
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
			}
			return nil
		},
	}
	cmd.AddCommand(statusCmd)

	return cmd
}

func importCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Load a JSON concept fixture into the configured store",
		RunE: func(cmd *cobra.Command, args []string) error {
			system, _ := cmd.Flags().GetString("system")
			file, _ := cmd.Flags().GetString("file")
			if file == "" {
				return fmt.Errorf("--file is required")
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			profile, err := loadProfile(cfg)
			if err != nil {
				return err
			}
			var target *terminology.CodeSystemProfile
			for i := range profile.CodeSystems {
				if profile.CodeSystems[i].URL == system {
					target = &profile.CodeSystems[i]
				}
			}
			if target == nil {
				return fmt.Errorf("code system %q is not in the terminology profile", system)
			}

			fx, err := terminology.ReadFixture(file)
			if err != nil {
				return err
			}

			ctx := context.Background()
			switch cfg.StoreBackend {
			case config.BackendPostgres:
				pool, err := db.NewPool(ctx, db.PoolConfig{URL: cfg.DatabaseURL, MaxConns: 2})
				if err != nil {
					return err
				}
				defer pool.Close()
				if err := terminology.NewPGStore(pool, target.Schema).Import(ctx, fx); err != nil {
					return err
				}
			case config.BackendNeo4j:
				client, err := graph.NewClient(graph.Config{
					URI:      cfg.Neo4jURI,
					Username: cfg.Neo4jUsername,
					Password: cfg.Neo4jPassword,
					Database: cfg.Neo4jDatabase,
				}, zerolog.Nop())
				if err != nil {
					return err
				}
				defer client.Close(ctx)
				if err := terminology.ImportGraph(ctx, client, target.URL, fx); err != nil {
					return err
				}
			default:
				return fmt.Errorf("the memory backend reads fixtures at startup; set SNOMED_FIXTURE or LOINC_FIXTURE instead")
			}

			fmt.Printf("Imported %d concept(s), %d description(s), %d relationship(s) into %s.\n",
				len(fx.Concepts), len(fx.Descriptions), len(fx.Relationships), target.URL)
			return nil
		},
	}
	cmd.Flags().String("system", terminology.SystemSNOMED, "Code system url to import into")
	cmd.Flags().String("file", "", "Path to the JSON fixture")
	return cmd
}
