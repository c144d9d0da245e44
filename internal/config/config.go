package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port        string `mapstructure:"PORT"`
	Env         string `mapstructure:"ENV"`
	PublicURL   string `mapstructure:"PUBLIC_URL"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`

	// Token validation for the resource endpoints.
	AuthIssuer     string `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL    string `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience   string `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey string `mapstructure:"AUTH_SIGNING_KEY"`

	// External identity provider for the authorization flow.
	IDPIssuer       string `mapstructure:"IDP_ISSUER"`
	IDPAuthorizeURL string `mapstructure:"IDP_AUTHORIZE_URL"`
	IDPTokenURL     string `mapstructure:"IDP_TOKEN_URL"`
	IDPClientID     string `mapstructure:"IDP_CLIENT_ID"`
	IDPClientSecret string `mapstructure:"IDP_CLIENT_SECRET"`

	LaunchContextTTL time.Duration `mapstructure:"LAUNCH_CONTEXT_TTL"`
	CORSOrigins      []string      `mapstructure:"CORS_ORIGINS"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("PUBLIC_URL", "http://localhost:8000")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("LAUNCH_CONTEXT_TTL", "5m")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("PUBLIC_URL")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("DB_MAX_CONNS")
	v.BindEnv("DB_MIN_CONNS")
	v.BindEnv("AUTH_ISSUER")
	v.BindEnv("AUTH_JWKS_URL")
	v.BindEnv("AUTH_AUDIENCE")
	v.BindEnv("AUTH_SIGNING_KEY")
	v.BindEnv("IDP_ISSUER")
	v.BindEnv("IDP_AUTHORIZE_URL")
	v.BindEnv("IDP_TOKEN_URL")
	v.BindEnv("IDP_CLIENT_ID")
	v.BindEnv("IDP_CLIENT_SECRET")
	v.BindEnv("LAUNCH_CONTEXT_TTL")
	v.BindEnv("CORS_ORIGINS")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() {
		log.Println("WARNING: ============================================================")
		log.Println("WARNING: Server is running in DEVELOPMENT mode (ENV=development).")
		log.Println("WARNING: DevAuthMiddleware is active, all requests get admin access.")
		log.Println("WARNING: Do NOT use this configuration in production.")
		log.Println("WARNING: Set ENV=production and configure AUTH_ISSUER for production.")
		log.Println("WARNING: ============================================================")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is safe to run. Outside development
// the token-validation issuer and the external identity provider must both
// be configured so that real authentication is enforced.
func (c *Config) Validate() error {
	if c.IsDev() {
		return nil
	}

	if c.AuthIssuer == "" && c.AuthJWKSURL == "" && c.AuthSigningKey == "" {
		return fmt.Errorf(
			"one of AUTH_ISSUER, AUTH_JWKS_URL or AUTH_SIGNING_KEY must be set when ENV=%q. "+
				"Refusing to start without authentication configuration", c.Env)
	}

	// The identity provider is resolvable either from OIDC discovery on
	// IDP_ISSUER or from explicit endpoint URLs.
	if c.IDPIssuer == "" && (c.IDPAuthorizeURL == "" || c.IDPTokenURL == "") {
		return fmt.Errorf("IDP_ISSUER or both IDP_AUTHORIZE_URL and IDP_TOKEN_URL must be set when ENV=%q", c.Env)
	}
	if c.IDPClientID == "" {
		return fmt.Errorf("IDP_CLIENT_ID is required when ENV=%q", c.Env)
	}

	if c.LaunchContextTTL <= 0 {
		return fmt.Errorf("LAUNCH_CONTEXT_TTL must be positive, got %s", c.LaunchContextTTL)
	}

	return nil
}
