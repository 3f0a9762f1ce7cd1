package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Store backends.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendNeo4j    = "neo4j"
)

type Config struct {
	Port           string        `mapstructure:"PORT"`
	Env            string        `mapstructure:"ENV"`
	LogLevel       string        `mapstructure:"LOG_LEVEL"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	BodyLimit      string        `mapstructure:"BODY_LIMIT"`
	CORSOrigins    []string      `mapstructure:"CORS_ORIGINS"`

	StoreBackend  string `mapstructure:"STORE_BACKEND"`
	DatabaseURL   string `mapstructure:"DATABASE_URL"`
	DBMaxConns    int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns    int32  `mapstructure:"DB_MIN_CONNS"`
	Neo4jURI      string `mapstructure:"NEO4J_URI"`
	Neo4jUsername string `mapstructure:"NEO4J_USERNAME"`
	Neo4jPassword string `mapstructure:"NEO4J_PASSWORD"`
	Neo4jDatabase string `mapstructure:"NEO4J_DATABASE"`
	SnomedFixture string `mapstructure:"SNOMED_FIXTURE"`
	LoincFixture  string `mapstructure:"LOINC_FIXTURE"`

	RedisURL          string        `mapstructure:"REDIS_URL"`
	ExpansionCacheTTL time.Duration `mapstructure:"EXPANSION_CACHE_TTL"`

	StoreTimeout          time.Duration `mapstructure:"STORE_TIMEOUT"`
	StoreMaxRetries       int           `mapstructure:"STORE_MAX_RETRIES"`
	MaxTermsPerQuery      int           `mapstructure:"MAX_TERMS_PER_QUERY"`
	MaxDepth              int           `mapstructure:"MAX_DEPTH"`
	BatchConcurrency      int           `mapstructure:"BATCH_CONCURRENCY"`
	StrictDisplay         bool          `mapstructure:"STRICT_DISPLAY"`
	StrictExplicitCodes   bool          `mapstructure:"STRICT_EXPLICIT_CODES"`
	MinDisplayMatchLength int           `mapstructure:"MIN_DISPLAY_MATCH_LENGTH"`

	TerminologyProfile string `mapstructure:"TERMINOLOGY_PROFILE"`
	SnomedVersion      string `mapstructure:"SNOMED_VERSION"`
	LoincVersion       string `mapstructure:"LOINC_VERSION"`

	TracingEnabled bool `mapstructure:"TRACING_ENABLED"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL", "REQUEST_TIMEOUT", "BODY_LIMIT", "CORS_ORIGINS",
	"STORE_BACKEND", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"NEO4J_URI", "NEO4J_USERNAME", "NEO4J_PASSWORD", "NEO4J_DATABASE",
	"SNOMED_FIXTURE", "LOINC_FIXTURE",
	"REDIS_URL", "EXPANSION_CACHE_TTL",
	"STORE_TIMEOUT", "STORE_MAX_RETRIES", "MAX_TERMS_PER_QUERY", "MAX_DEPTH",
	"BATCH_CONCURRENCY", "STRICT_DISPLAY", "STRICT_EXPLICIT_CODES", "MIN_DISPLAY_MATCH_LENGTH",
	"TERMINOLOGY_PROFILE", "SNOMED_VERSION", "LOINC_VERSION",
	"TRACING_ENABLED",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("REQUEST_TIMEOUT", "60s")
	v.SetDefault("BODY_LIMIT", "2M")
	v.SetDefault("CORS_ORIGINS", "*")
	v.SetDefault("STORE_BACKEND", BackendMemory)
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("NEO4J_URI", "bolt://localhost:7687")
	v.SetDefault("NEO4J_USERNAME", "neo4j")
	v.SetDefault("EXPANSION_CACHE_TTL", "1h")
	v.SetDefault("STORE_TIMEOUT", "30s")
	v.SetDefault("STORE_MAX_RETRIES", 2)
	v.SetDefault("MAX_TERMS_PER_QUERY", 10000)
	v.SetDefault("MAX_DEPTH", 15)
	v.SetDefault("BATCH_CONCURRENCY", 4)
	v.SetDefault("STRICT_DISPLAY", false)
	v.SetDefault("STRICT_EXPLICIT_CODES", true)
	v.SetDefault("MIN_DISPLAY_MATCH_LENGTH", 3)
	v.SetDefault("TRACING_ENABLED", false)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) == 1 && strings.Contains(cfg.CORSOrigins[0], ",") {
		cfg.CORSOrigins = strings.Split(cfg.CORSOrigins[0], ",")
	}
	for i := range cfg.CORSOrigins {
		cfg.CORSOrigins[i] = strings.TrimSpace(cfg.CORSOrigins[i])
	}
	cfg.StoreBackend = strings.ToLower(strings.TrimSpace(cfg.StoreBackend))

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the selected backend is fully configured and that
// the engine limits are usable.
func (c *Config) Validate() error {
	switch c.StoreBackend {
	case BackendMemory:
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_BACKEND is %q", BackendPostgres)
		}
		if c.DBMinConns > c.DBMaxConns {
			return fmt.Errorf("DB_MIN_CONNS (%d) must not exceed DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
		}
	case BackendNeo4j:
		if c.Neo4jURI == "" {
			return fmt.Errorf("NEO4J_URI is required when STORE_BACKEND is %q", BackendNeo4j)
		}
	default:
		return fmt.Errorf("STORE_BACKEND must be %q, %q or %q, got %q",
			BackendMemory, BackendPostgres, BackendNeo4j, c.StoreBackend)
	}

	if c.MaxTermsPerQuery <= 0 {
		return fmt.Errorf("MAX_TERMS_PER_QUERY must be positive, got %d", c.MaxTermsPerQuery)
	}
	if c.MaxDepth <= 0 {
		return fmt.Errorf("MAX_DEPTH must be positive, got %d", c.MaxDepth)
	}
	if c.BatchConcurrency <= 0 {
		return fmt.Errorf("BATCH_CONCURRENCY must be positive, got %d", c.BatchConcurrency)
	}
	if c.StoreMaxRetries < 0 {
		return fmt.Errorf("STORE_MAX_RETRIES must not be negative, got %d", c.StoreMaxRetries)
	}
	if c.StoreTimeout <= 0 {
		return fmt.Errorf("STORE_TIMEOUT must be positive, got %s", c.StoreTimeout)
	}
	if c.MinDisplayMatchLength < 0 {
		return fmt.Errorf("MIN_DISPLAY_MATCH_LENGTH must not be negative, got %d", c.MinDisplayMatchLength)
	}
	return nil
}
