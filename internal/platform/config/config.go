package config

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	defaultEnvFile             = ".env"
	defaultEnvironment         = "local"
	defaultPort                = "8080"
	defaultBasePath            = "/api"
	defaultReadTimeout         = 15 * time.Second
	defaultWriteTimeout        = 30 * time.Second
	defaultIdleTimeout         = 120 * time.Second
	defaultRequestTimeout      = 30 * time.Second
	defaultDBMaxConns          = 10
	defaultCatalogCacheTTL     = 5 * time.Minute
	defaultJWTIssuer           = "ceracotta-api"
	defaultJWTTTL              = 7 * 24 * time.Hour
	defaultPaymentCurrency     = "chf"
	defaultPaymentTimeout      = 20 * time.Second
	defaultStripeSigHeader     = "Stripe-Signature"
	defaultWebhookTolerance    = 5 * time.Minute
	defaultHMACSignatureHeader = "X-Signature"
	defaultHMACTimestampHeader = "X-Signature-Timestamp"
	defaultHMACNonceHeader     = "X-Signature-Nonce"
	defaultHMACClockSkew       = 5 * time.Minute
	defaultHMACNonceTTL        = 10 * time.Minute
	defaultIdempotencyBackend  = "memory"
	defaultIdempotencyHeader   = "Idempotency-Key"
	defaultIdempotencyTTL      = 24 * time.Hour
	defaultIdempotencyInterval = time.Hour
	defaultIdempotencyBatch    = 200
	defaultLogLevel            = "info"
)

// Config is the runtime configuration grouped by concern.
type Config struct {
	Environment string
	LogLevel    string
	Server      ServerConfig
	Database    DatabaseConfig
	Redis       RedisConfig
	Auth        AuthConfig
	Payments    PaymentsConfig
	Twint       TwintConfig
	CORS        CORSConfig
	Idempotency IdempotencyConfig
	GCP         GCPConfig
	Events      EventsConfig
}

type ServerConfig struct {
	Port           string
	BasePath       string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	RequestTimeout time.Duration
}

// DatabaseConfig points at the Postgres primary store.
type DatabaseConfig struct {
	URL         string
	MaxConns    int
	AutoMigrate bool
}

// RedisConfig enables the catalog cache and the redis idempotency backend. An empty Addr disables both.
type RedisConfig struct {
	Addr            string
	Password        string
	DB              int
	CatalogCacheTTL time.Duration
}

type AuthConfig struct {
	JWTSecret string
	JWTIssuer string
	TokenTTL  time.Duration
}

// PaymentsConfig carries the Stripe credentials and settlement parameters.
type PaymentsConfig struct {
	StripeSecretKey      string
	StripePublishableKey string
	StripeWebhookSecret  string
	SignatureHeader      string
	WebhookTolerance     time.Duration
	Currency             string
	Timeout              time.Duration
	ClientURL            string
}

// TwintConfig toggles the mock TWINT provider and its signed acquirer callback.
type TwintConfig struct {
	Enabled          bool
	SimulatorEnabled bool
	WebhookSecret    string
	SignatureHeader  string
	TimestampHeader  string
	NonceHeader      string
	ClockSkew        time.Duration
	NonceTTL         time.Duration
}

type CORSConfig struct {
	AllowedOrigins []string
}

type IdempotencyConfig struct {
	Backend          string
	Header           string
	TTL              time.Duration
	CleanupInterval  time.Duration
	CleanupBatchSize int
}

// GCPConfig holds the project used by Firestore, Pub/Sub and Secret Manager clients.
type GCPConfig struct {
	ProjectID            string
	SecretFallbackFile   string
	FirestoreEmulatorURL string
}

type EventsConfig struct {
	OrderTopic string
}

// SecretResolver resolves secret:// references.
type SecretResolver interface {
	ResolveSecret(ctx context.Context, ref string) (string, error)
}

// SecretResolverFunc adapts a function to SecretResolver.
type SecretResolverFunc func(context.Context, string) (string, error)

func (f SecretResolverFunc) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f(ctx, ref)
}

// ValidationError lists missing or invalid configuration fields.
type ValidationError struct {
	fields []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: missing or invalid fields [%s]", strings.Join(e.fields, ", "))
}

// Fields returns a copy of the offending field names.
func (e *ValidationError) Fields() []string {
	out := make([]string, len(e.fields))
	copy(out, e.fields)
	return out
}

// SecretError wraps a failed secret:// lookup.
type SecretError struct {
	Ref string
	Err error
}

func (e *SecretError) Error() string {
	return fmt.Sprintf("secret resolution failed for ref %q: %v", e.Ref, e.Err)
}

func (e *SecretError) Unwrap() error { return e.Err }

var errSecretResolverNotConfigured = errors.New("secret resolver not configured")

// Option customises Load.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile      string
	envMap       map[string]string
	useSystemEnv bool
	secret       SecretResolver
}

func WithEnvFile(path string) Option {
	return func(o *loaderOptions) { o.envFile = path }
}

// WithEnvMap injects explicit values that take precedence over the process environment.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) { o.envMap = values }
}

// WithoutSystemEnv ignores the process environment. Used by tests.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) { o.useSystemEnv = false }
}

func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loaderOptions) { o.secret = resolver }
}

func newLoaderOptions(opts []Option) loaderOptions {
	options := loaderOptions{envFile: defaultEnvFile, useSystemEnv: true}
	for _, opt := range opts {
		opt(&options)
	}
	return options
}

// EnvironmentValues returns the merged environment (dotenv < OS env < explicit map) so main
// can bootstrap the secret fetcher from the same inputs Load will see.
func EnvironmentValues(opts ...Option) (map[string]string, error) {
	options := newLoaderOptions(opts)
	values, err := loadDotEnv(options.envFile)
	if err != nil {
		return nil, err
	}
	if values == nil {
		values = make(map[string]string)
	}
	if options.useSystemEnv {
		for _, entry := range os.Environ() {
			key, value, ok := strings.Cut(entry, "=")
			if !ok || strings.TrimSpace(key) == "" {
				continue
			}
			values[strings.TrimSpace(key)] = value
		}
	}
	for k, v := range options.envMap {
		values[k] = v
	}
	return values, nil
}

// Load builds the Config from defaults, .env, the environment and secret references.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	options := newLoaderOptions(opts)
	values, err := EnvironmentValues(opts...)
	if err != nil {
		return Config{}, err
	}
	lookup := func(key string) (string, bool) {
		v, ok := values[key]
		return strings.TrimSpace(v), ok
	}

	cfg := Config{
		Environment: strings.ToLower(stringWithDefault(lookup, "API_ENV", defaultEnvironment)),
		LogLevel:    stringWithDefault(lookup, "API_LOG_LEVEL", defaultLogLevel),
		Server: ServerConfig{
			Port:           stringWithDefault(lookup, "API_SERVER_PORT", defaultPort),
			BasePath:       stringWithDefault(lookup, "API_BASE_PATH", defaultBasePath),
			ReadTimeout:    durationWithDefault(lookup, "API_SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout:   durationWithDefault(lookup, "API_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:    durationWithDefault(lookup, "API_SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
			RequestTimeout: durationWithDefault(lookup, "API_SERVER_REQUEST_TIMEOUT", defaultRequestTimeout),
		},
		Database: DatabaseConfig{
			URL:         stringWithDefault(lookup, "API_DATABASE_URL", ""),
			MaxConns:    intWithDefault(lookup, "API_DB_MAX_CONNS", defaultDBMaxConns),
			AutoMigrate: boolWithDefault(lookup, "API_DB_AUTO_MIGRATE", true),
		},
		Redis: RedisConfig{
			Addr:            stringWithDefault(lookup, "API_REDIS_ADDR", ""),
			Password:        stringWithDefault(lookup, "API_REDIS_PASSWORD", ""),
			DB:              intWithDefault(lookup, "API_REDIS_DB", 0),
			CatalogCacheTTL: durationWithDefault(lookup, "API_CATALOG_CACHE_TTL", defaultCatalogCacheTTL),
		},
		Auth: AuthConfig{
			JWTSecret: stringWithDefault(lookup, "API_JWT_SECRET", ""),
			JWTIssuer: stringWithDefault(lookup, "API_JWT_ISSUER", defaultJWTIssuer),
			TokenTTL:  durationWithDefault(lookup, "API_JWT_TTL", defaultJWTTTL),
		},
		Payments: PaymentsConfig{
			StripeSecretKey:      stringWithDefault(lookup, "API_STRIPE_SECRET_KEY", ""),
			StripePublishableKey: stringWithDefault(lookup, "API_STRIPE_PUBLISHABLE_KEY", ""),
			StripeWebhookSecret:  stringWithDefault(lookup, "API_STRIPE_WEBHOOK_SECRET", ""),
			SignatureHeader:      stringWithDefault(lookup, "API_STRIPE_SIGNATURE_HEADER", defaultStripeSigHeader),
			WebhookTolerance:     durationWithDefault(lookup, "API_STRIPE_WEBHOOK_TOLERANCE", defaultWebhookTolerance),
			Currency:             strings.ToLower(stringWithDefault(lookup, "API_PAYMENT_CURRENCY", defaultPaymentCurrency)),
			Timeout:              durationWithDefault(lookup, "API_PAYMENT_TIMEOUT", defaultPaymentTimeout),
			ClientURL:            stringWithDefault(lookup, "API_CLIENT_URL", ""),
		},
		Twint: TwintConfig{
			Enabled:          boolWithDefault(lookup, "API_TWINT_ENABLED", false),
			SimulatorEnabled: boolWithDefault(lookup, "API_TWINT_SIMULATOR_ENABLED", false),
			WebhookSecret:    stringWithDefault(lookup, "API_TWINT_WEBHOOK_SECRET", ""),
			SignatureHeader:  stringWithDefault(lookup, "API_TWINT_SIGNATURE_HEADER", defaultHMACSignatureHeader),
			TimestampHeader:  stringWithDefault(lookup, "API_TWINT_TIMESTAMP_HEADER", defaultHMACTimestampHeader),
			NonceHeader:      stringWithDefault(lookup, "API_TWINT_NONCE_HEADER", defaultHMACNonceHeader),
			ClockSkew:        durationWithDefault(lookup, "API_TWINT_CLOCK_SKEW", defaultHMACClockSkew),
			NonceTTL:         durationWithDefault(lookup, "API_TWINT_NONCE_TTL", defaultHMACNonceTTL),
		},
		CORS: CORSConfig{
			AllowedOrigins: csvWithDefault(lookup, "API_CORS_ALLOWED_ORIGIN"),
		},
		Idempotency: IdempotencyConfig{
			Backend:          strings.ToLower(stringWithDefault(lookup, "API_IDEMPOTENCY_BACKEND", defaultIdempotencyBackend)),
			Header:           stringWithDefault(lookup, "API_IDEMPOTENCY_HEADER", defaultIdempotencyHeader),
			TTL:              durationWithDefault(lookup, "API_IDEMPOTENCY_TTL", defaultIdempotencyTTL),
			CleanupInterval:  durationWithDefault(lookup, "API_IDEMPOTENCY_CLEANUP_INTERVAL", defaultIdempotencyInterval),
			CleanupBatchSize: intWithDefault(lookup, "API_IDEMPOTENCY_CLEANUP_BATCH", defaultIdempotencyBatch),
		},
		GCP: GCPConfig{
			ProjectID:            stringWithDefault(lookup, "API_FIREBASE_PROJECT_ID", ""),
			SecretFallbackFile:   stringWithDefault(lookup, "API_SECRET_FALLBACK_FILE", ""),
			FirestoreEmulatorURL: stringWithDefault(lookup, "FIRESTORE_EMULATOR_HOST", ""),
		},
		Events: EventsConfig{
			OrderTopic: stringWithDefault(lookup, "API_PUBSUB_ORDER_TOPIC", ""),
		},
	}

	secretFields := []*string{
		&cfg.Database.URL,
		&cfg.Redis.Password,
		&cfg.Auth.JWTSecret,
		&cfg.Payments.StripeSecretKey,
		&cfg.Payments.StripeWebhookSecret,
		&cfg.Twint.WebhookSecret,
	}
	for _, field := range secretFields {
		resolved, err := resolveSecret(ctx, *field, options.secret)
		if err != nil {
			return Config{}, err
		}
		*field = resolved
	}

	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func validate(cfg Config) error {
	var invalid []string
	if cfg.Server.Port == "" {
		invalid = append(invalid, "Server.Port")
	}
	if !strings.HasPrefix(cfg.Server.BasePath, "/") {
		invalid = append(invalid, "Server.BasePath")
	}
	if cfg.Database.URL == "" {
		invalid = append(invalid, "Database.URL")
	}
	if cfg.Database.MaxConns <= 0 {
		invalid = append(invalid, "Database.MaxConns")
	}
	if len(cfg.Auth.JWTSecret) < 32 {
		invalid = append(invalid, "Auth.JWTSecret")
	}
	if cfg.Auth.TokenTTL <= 0 {
		invalid = append(invalid, "Auth.TokenTTL")
	}
	if cfg.Payments.StripeSecretKey == "" {
		invalid = append(invalid, "Payments.StripeSecretKey")
	}
	if cfg.Payments.StripeWebhookSecret == "" {
		invalid = append(invalid, "Payments.StripeWebhookSecret")
	}
	if len(cfg.Payments.Currency) != 3 {
		invalid = append(invalid, "Payments.Currency")
	}
	if cfg.Twint.Enabled && cfg.Twint.WebhookSecret == "" {
		invalid = append(invalid, "Twint.WebhookSecret")
	}
	switch cfg.Idempotency.Backend {
	case "memory":
	case "redis":
		if cfg.Redis.Addr == "" {
			invalid = append(invalid, "Redis.Addr")
		}
	case "firestore":
		if cfg.GCP.ProjectID == "" {
			invalid = append(invalid, "GCP.ProjectID")
		}
	default:
		invalid = append(invalid, "Idempotency.Backend")
	}
	if cfg.Idempotency.TTL <= 0 {
		invalid = append(invalid, "Idempotency.TTL")
	}
	if cfg.Events.OrderTopic != "" && cfg.GCP.ProjectID == "" {
		invalid = append(invalid, "GCP.ProjectID")
	}
	if len(invalid) > 0 {
		return &ValidationError{fields: invalid}
	}
	return nil
}

func resolveSecret(ctx context.Context, value string, resolver SecretResolver) (string, error) {
	if !isSecretReference(value) {
		return value, nil
	}
	ref := normalizeSecretReference(value)
	if resolver == nil {
		return "", &SecretError{Ref: ref, Err: errSecretResolverNotConfigured}
	}
	secret, err := resolver.ResolveSecret(ctx, ref)
	if err != nil {
		return "", &SecretError{Ref: ref, Err: err}
	}
	return strings.TrimSpace(secret), nil
}

// IsSecretReference reports whether value points at Secret Manager rather than holding a literal.
func IsSecretReference(value string) bool { return isSecretReference(value) }

func isSecretReference(value string) bool {
	trimmed := strings.TrimSpace(value)
	return strings.HasPrefix(trimmed, "secret://") || strings.HasPrefix(trimmed, "sm://")
}

func normalizeSecretReference(value string) string {
	trimmed := strings.TrimSpace(value)
	if rest, ok := strings.CutPrefix(trimmed, "sm://"); ok {
		return "secret://" + rest
	}
	return trimmed
}

func loadDotEnv(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		absPath = path
	}
	file, err := os.Open(absPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: unable to read %s: %w", absPath, err)
	}
	defer file.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		key, value, ok := strings.Cut(line, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			continue
		}
		values[key] = strings.Trim(strings.TrimSpace(value), "\"'")
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config: failed parsing %s: %w", absPath, err)
	}
	return values, nil
}

func stringWithDefault(lookup func(string) (string, bool), key, fallback string) string {
	if value, ok := lookup(key); ok && value != "" {
		return value
	}
	return fallback
}

func durationWithDefault(lookup func(string) (string, bool), key string, fallback time.Duration) time.Duration {
	if value, ok := lookup(key); ok && value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}

func intWithDefault(lookup func(string) (string, bool), key string, fallback int) int {
	if value, ok := lookup(key); ok && value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func boolWithDefault(lookup func(string) (string, bool), key string, fallback bool) bool {
	if value, ok := lookup(key); ok && value != "" {
		switch strings.ToLower(value) {
		case "true", "1", "yes", "on":
			return true
		case "false", "0", "no", "off":
			return false
		}
	}
	return fallback
}

func csvWithDefault(lookup func(string) (string, bool), key string) []string {
	raw, ok := lookup(key)
	if !ok || raw == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
