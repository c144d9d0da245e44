package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/oauth2"

	"github.com/caregate/caregate/internal/config"
	"github.com/caregate/caregate/internal/domain/consent"
	"github.com/caregate/caregate/internal/platform/auth"
	"github.com/caregate/caregate/internal/platform/db"
	"github.com/caregate/caregate/internal/platform/middleware"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "caregate-server",
		Short: "Clinical data API gateway",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway server",
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

func runServer() error {
	// Logger
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	// Config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	// Database
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	// Identity provider endpoints: OIDC discovery when an issuer is
	// configured, explicit URLs otherwise.
	endpoint, err := resolveIDPEndpoint(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to resolve identity provider")
	}
	idp := auth.NewOAuth2IdentityProvider(cfg.IDPClientID, cfg.IDPClientSecret, endpoint)

	// Launch-context store, database-backed with periodic eviction.
	launchStore := auth.NewPGLaunchContextStoreFromPool(pool, cfg.LaunchContextTTL)
	auth.StartCleanup(ctx, launchStore, time.Minute)

	// Client registry
	registry := auth.NewMemoryClientRegistry()
	if cfg.IsDev() {
		_ = registry.Register(&auth.RegisteredClient{
			ClientID:     "dev-client",
			Name:         "Development Client",
			RedirectURIs: []string{"http://localhost:3000/callback"},
			Scope:        "launch openid fhirUser consent:read consent:write",
		})
	}

	// Flow coordinator
	coordinator := auth.NewFlowCoordinator(registry, launchStore, idp, endpoint.AuthURL, logger)
	flowHandler := auth.NewFlowHandler(coordinator, cfg.PublicURL, logger)

	// Access control
	catalog := auth.NewScopeCatalog()
	engine := auth.NewAccessEngine(catalog)

	// Consent domain
	consentRepo := consent.NewRepoPG(pool)
	validator := consent.NewExpirationValidator(consentRepo, logger)
	consentSvc := consent.NewService(consentRepo, engine, validator, logger)
	consentHandler := consent.NewHandler(consentSvc, logger)
	consent.StartSweeper(ctx, validator, time.Minute)

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-Id"},
	}))

	// Health check
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": "0.1.0",
		})
	})
	e.GET("/health/db", db.HealthHandler(pool))

	// Authorization flow endpoints are public; the token protects the
	// resource endpoints, not the flow itself.
	flowHandler.RegisterRoutes(e)

	// Protected resource endpoints
	fhirGroup := e.Group("/fhir")
	if cfg.IsDev() {
		fhirGroup.Use(auth.DevAuthMiddleware())
	} else {
		fhirGroup.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			JWKSURL:    cfg.AuthJWKSURL,
			SigningKey: []byte(cfg.AuthSigningKey),
		}))
	}
	fhirGroup.Use(middleware.Audit(logger))
	consentHandler.RegisterRoutes(fhirGroup)

	// Serve
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("server starting")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("server stopped")
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// resolveIDPEndpoint builds the identity provider's OAuth2 endpoint from
// OIDC discovery when IDP_ISSUER is set, falling back to the explicitly
// configured URLs.
func resolveIDPEndpoint(cfg *config.Config) (oauth2.Endpoint, error) {
	if cfg.IDPIssuer != "" {
		provider, err := auth.NewOIDCProvider(cfg.IDPIssuer)
		if err != nil {
			return oauth2.Endpoint{}, fmt.Errorf("OIDC discovery against %s: %w", cfg.IDPIssuer, err)
		}
		return provider.Endpoint(), nil
	}
	if cfg.IDPAuthorizeURL == "" || cfg.IDPTokenURL == "" {
		return oauth2.Endpoint{}, fmt.Errorf("identity provider endpoints are not configured")
	}
	return oauth2.Endpoint{
		AuthURL:  cfg.IDPAuthorizeURL,
		TokenURL: cfg.IDPTokenURL,
	}, nil
}
