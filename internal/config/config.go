// Package config defines the global configuration structure for the Jaquizy
// tier and usage service. Configuration is loaded once at process
// initialization and is immutable thereafter. It follows 12-Factor App
// principles by strictly separating code from configuration.
//
// Values are resolved via a priority chain:
//
//	OS Environment (Highest) -> Dotenv File (Lowest)
//
// Any missing required value or invalid format causes the application to fail
// immediately on startup (fail fast). The one deliberate exception is the
// tier catalog itself: if its persisted overrides cannot be loaded, the
// process still starts with the compiled-in defaults, because denying limits
// to every user is worse than serving default limits.
package config

import (
	"encoding/json"
	"fmt"
	"time"

	"jaquizy/internal/types"
)

// Config is the top-level configuration struct for the service.
// It is populated once during process initialization and never modified.
// Sub-components receive only the specific config subsets they require.
type Config struct {
	// System Metadata
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"jaquizy-usage"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	// Domain Configurations
	Server   ServerConfig
	Database DatabaseConfig
	Mirror   MirrorConfig
	Catalog  CatalogConfig
	Nudge    NudgeConfig
	Billing  BillingConfig
	Security SecurityConfig
	Feature  FeatureConfig

	// Build Metadata (Injected via ldflags, not Env)
	Build BuildInfo
}

// ServerConfig holds HTTP server and public URL configuration.
type ServerConfig struct {
	Port string `envconfig:"PORT" default:"8080"`
	// Public dashboard URL for post-checkout redirects (no trailing slash).
	DashboardURL   string        `envconfig:"DASHBOARD_URL" validate:"required,url"`
	RequestTimeout time.Duration `envconfig:"REQUEST_TIMEOUT" default:"29s"`
}

// DatabaseConfig holds Postgres (Supabase) connection and pool tuning
// parameters.
type DatabaseConfig struct {
	URL string `envconfig:"DATABASE_URL" validate:"required,url"`

	// Tuning Parameters
	MaxConns          int           `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns          int           `envconfig:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	AcquireTimeout    time.Duration `envconfig:"DB_ACQUIRE_TIMEOUT" default:"2s"`
	HealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"1m"`

	// RunMigrations applies embedded goose migrations at startup.
	RunMigrations bool `envconfig:"DB_RUN_MIGRATIONS" default:"true"`
}

// MirrorConfig controls the local SQLite ledger used by the desktop build.
// When disabled (the default for server deployments), no SQLite database is
// opened.
type MirrorConfig struct {
	Enabled bool   `envconfig:"MIRROR_ENABLED" default:"false"`
	Path    string `envconfig:"MIRROR_PATH" default:"jaquizy-usage.db"`
}

// CatalogConfig tunes tier catalog loading and refresh.
type CatalogConfig struct {
	// RefreshInterval is how often persisted tier overrides are re-read.
	RefreshInterval time.Duration `envconfig:"CATALOG_REFRESH_INTERVAL" default:"10m"`
	// FallbackTier is returned for unknown tier IDs so evaluation never fails.
	FallbackTier string `envconfig:"CATALOG_FALLBACK_TIER" default:"free" validate:"oneof=free plus pro"`
}

// NudgeConfig tunes the upgrade-prompt policy. The thresholds are
// configurable because the product values are still being tuned; the
// defaults match the launch behavior.
type NudgeConfig struct {
	// ThrottleWindow is the minimum time between prompts for one user.
	ThrottleWindow time.Duration `envconfig:"NUDGE_THROTTLE_WINDOW" default:"24h"`
	// NearLimitPercent triggers a prompt when remaining quota falls within
	// this percentage of a non-unlimited limit.
	NearLimitPercent int `envconfig:"NUDGE_NEAR_LIMIT_PERCENT" default:"10" validate:"min=1,max=50"`
	// ActionCountThreshold triggers a prompt after this many quota-consuming
	// actions since the last prompt.
	ActionCountThreshold int64 `envconfig:"NUDGE_ACTION_COUNT_THRESHOLD" default:"50" validate:"min=1"`
}

// BillingConfig holds Stripe payment integration credentials. The secret key
// is optional in local mode so the service can run without a Stripe account;
// checkout endpoints return upstream errors when unset.
type BillingConfig struct {
	StripeSecretKey string `envconfig:"STRIPE_SECRET_KEY"`
	// PriceIDs maps upgradeable tiers to Stripe Price objects, JSON-encoded:
	// {"plus":"price_123","pro":"price_456"}
	PriceIDs string `envconfig:"STRIPE_PRICE_IDS_JSON" default:"{}" validate:"json"`

	WebhookSecret string `envconfig:"STRIPE_WEBHOOK_SECRET"`
}

// ParsePriceIDs decodes the PriceIDs JSON document into a tier-to-price map.
func (b BillingConfig) ParsePriceIDs() (map[types.TierID]string, error) {
	raw := map[string]string{}
	if err := json.Unmarshal([]byte(b.PriceIDs), &raw); err != nil {
		return nil, fmt.Errorf("invalid STRIPE_PRICE_IDS_JSON: %w", err)
	}
	out := make(map[types.TierID]string, len(raw))
	for tier, price := range raw {
		out[types.TierID(tier)] = price
	}
	return out, nil
}

// SecurityConfig holds admin access and CORS settings. AdminKeyHash is a
// bcrypt hash of the admin API key; the plaintext key never appears in
// configuration or logs.
type SecurityConfig struct {
	AdminKeyHash       string   `envconfig:"ADMIN_KEY_BCRYPT" validate:"required"`
	CorsAllowedOrigins []string `envconfig:"CORS_ALLOWED_ORIGINS" default:"*"`
}

// FeatureConfig holds global feature kill switches and rollout phases.
// A tier-level entitlement never overrides a disabled global flag.
type FeatureConfig struct {
	OfflineMode        bool `envconfig:"FEATURE_OFFLINE_MODE" default:"true"`
	AdFree             bool `envconfig:"FEATURE_AD_FREE" default:"true"`
	AIExplanations     bool `envconfig:"FEATURE_AI_EXPLANATIONS" default:"true"`
	PriorityGeneration bool `envconfig:"FEATURE_PRIORITY_GENERATION" default:"true"`
	DeckExport         bool `envconfig:"FEATURE_DECK_EXPORT" default:"true"`

	// Rollout phases, surfaced to clients for staged UI reveals.
	OfflineModeStatus        string `envconfig:"FEATURE_OFFLINE_MODE_STATUS" default:"beta" validate:"oneof=alpha beta stable"`
	AIExplanationsStatus     string `envconfig:"FEATURE_AI_EXPLANATIONS_STATUS" default:"stable" validate:"oneof=alpha beta stable"`
	PriorityGenerationStatus string `envconfig:"FEATURE_PRIORITY_GENERATION_STATUS" default:"alpha" validate:"oneof=alpha beta stable"`
}

// Flags expands the kill switches and rollout phases into catalog feature
// flags. Features without an explicit rollout phase are reported stable.
func (f FeatureConfig) Flags() []types.FeatureFlag {
	return []types.FeatureFlag{
		{Feature: types.FeatureOfflineMode, Enabled: f.OfflineMode, Status: types.RolloutStatus(f.OfflineModeStatus)},
		{Feature: types.FeatureAdFree, Enabled: f.AdFree, Status: types.RolloutStable},
		{Feature: types.FeatureAIExplanations, Enabled: f.AIExplanations, Status: types.RolloutStatus(f.AIExplanationsStatus)},
		{Feature: types.FeaturePriorityGeneration, Enabled: f.PriorityGeneration, Status: types.RolloutStatus(f.PriorityGenerationStatus)},
		{Feature: types.FeatureDeckExport, Enabled: f.DeckExport, Status: types.RolloutStable},
	}
}

// BuildInfo holds build-time metadata injected via ldflags.
// These values are NOT populated from environment variables.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildTime string
}

// ConfigErrorType categorizes configuration loading failures to aid debugging.
type ConfigErrorType string

const (
	// ErrValidation indicates the configuration failed struct validation rules.
	ErrValidation ConfigErrorType = "VALIDATION_FAILED"
	// ErrParsing indicates a failure when parsing environment variable values
	// into their target types.
	ErrParsing ConfigErrorType = "PARSING_FAILED"
)
