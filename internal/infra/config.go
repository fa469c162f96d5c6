package infra

import (
	"fmt"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Config represents application configuration loaded from environment variables.
type Config struct {
	AppEnv      string
	ServiceName string
	Port        string
	DatabaseURL string
	DBMaxConns  int
	JWTSecret   string

	// StoreBackend selects where jobs and balances live: postgres or memory.
	StoreBackend string

	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
	RateLimitPerMin  int
	CORSOrigins      []string

	Storage  StorageConfig
	Provider ProviderConfig
	Queue    QueueConfig
	Payments PaymentsConfig
	Tracing  TracingConfig

	RefundOnProviderFailure bool
	ModelCatalogPath        string
	AutoMigrate             bool

	// ResultSourceAllowlist lists hosts the promoter may download results
	// from. Empty means any host.
	ResultSourceAllowlist []string
}

type StorageConfig struct {
	Backend       string
	Bucket        string
	Region        string
	Endpoint      string
	UsePathStyle  bool
	BaseDir       string
	BaseURL       string
	SigningSecret string
	SignedURLTTL  time.Duration

	// GCSCredentialsFile is optional; application default credentials apply otherwise.
	GCSCredentialsFile string
}

type ProviderConfig struct {
	FalAPIKey        string
	FalQueueURL      string
	FalSyncURL       string
	FalRESTURL       string
	PollInterval     time.Duration
	ImageTimeout     time.Duration
	VideoTimeout     time.Duration
	AllowSynthetic   bool
	// HTTPTimeout bounds one provider API call and the wait for a download's
	// response headers; whole generations and body transfers are not capped.
	HTTPTimeout      time.Duration
	MaxDownloadBytes int64
}

type QueueConfig struct {
	Backend           string
	RedisAddr         string
	RedisPassword     string
	RedisDB           int
	RedisKey          string
	TemporalHostPort  string
	TemporalNamespace string
	TemporalTaskQueue string
	WorkerConcurrency int
	PollInterval      time.Duration
	LeaseDuration     time.Duration
	StaleAfter        time.Duration
}

type PaymentsConfig struct {
	StripeWebhookSecret string

	// StripeSecretKey enables hosted checkout sessions.
	StripeSecretKey    string
	CheckoutSuccessURL string
	CheckoutCancelURL  string
}

type TracingConfig struct {
	Enabled      bool
	Exporter     string
	Endpoint     string
	SampleRatio  float64
	InsecureOTLP bool
}

// LoadConfig loads configuration from environment variables and applies defaults where needed.
func LoadConfig() (*Config, error) {
	port := getEnv("PORT", "8080")
	cfg := &Config{
		AppEnv:           getEnv("APP_ENV", "development"),
		ServiceName:      getEnv("SERVICE_NAME", "genstudio"),
		Port:             port,
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		DBMaxConns:       getEnvInt("DB_MAX_CONNS", 0),
		JWTSecret:        os.Getenv("JWT_SECRET"),
		StoreBackend:     strings.ToLower(getEnv("STORE_BACKEND", "postgres")),
		HTTPReadTimeout:  time.Second * time.Duration(getEnvInt("HTTP_READ_TIMEOUT_SECONDS", 15)),
		HTTPWriteTimeout: time.Second * time.Duration(getEnvInt("HTTP_WRITE_TIMEOUT_SECONDS", 30)),
		HTTPIdleTimeout:  time.Second * time.Duration(getEnvInt("HTTP_IDLE_TIMEOUT_SECONDS", 60)),
		RateLimitPerMin:  getEnvInt("RATE_LIMIT_PER_MINUTE", 30),
		CORSOrigins:      splitList(getEnv("CORS_ALLOWED_ORIGINS", "*")),
		Storage: StorageConfig{
			Backend:       strings.ToLower(getEnv("STORAGE_BACKEND", "filesystem")),
			Bucket:        os.Getenv("STORAGE_BUCKET"),
			Region:        getEnv("STORAGE_REGION", "us-east-1"),
			Endpoint:      os.Getenv("STORAGE_ENDPOINT"),
			UsePathStyle:  getEnvBool("STORAGE_USE_PATH_STYLE", false),
			BaseDir:       getEnv("STORAGE_BASE_DIR", "./data/objects"),
			BaseURL:       getEnv("STORAGE_BASE_URL", "http://localhost:"+port+"/files"),
			SigningSecret: os.Getenv("STORAGE_SIGNING_SECRET"),
			SignedURLTTL:  getEnvDuration("STORAGE_SIGNED_URL_TTL", 24*time.Hour),

			GCSCredentialsFile: os.Getenv("STORAGE_GCS_CREDENTIALS_FILE"),
		},
		Provider: ProviderConfig{
			FalAPIKey:        os.Getenv("FAL_API_KEY"),
			FalQueueURL:      getEnv("FAL_QUEUE_URL", "https://queue.fal.run"),
			FalSyncURL:       getEnv("FAL_SYNC_URL", "https://fal.run"),
			FalRESTURL:       getEnv("FAL_REST_URL", "https://rest.alpha.fal.ai"),
			PollInterval:     getEnvDuration("FAL_POLL_INTERVAL", 2*time.Second),
			ImageTimeout:     getEnvDuration("FAL_IMAGE_TIMEOUT", 3*time.Minute),
			VideoTimeout:     getEnvDuration("FAL_VIDEO_TIMEOUT", 15*time.Minute),
			AllowSynthetic:   getEnvBool("ALLOW_SYNTHETIC_PROVIDER", true),
			HTTPTimeout:      getEnvDuration("FAL_HTTP_TIMEOUT", 60*time.Second),
			MaxDownloadBytes: int64(getEnvInt("RESULT_MAX_DOWNLOAD_MB", 512)) << 20,
		},
		Queue: QueueConfig{
			Backend:           strings.ToLower(getEnv("QUEUE_BACKEND", "postgres")),
			RedisAddr:         getEnv("REDIS_ADDR", "localhost:6379"),
			RedisPassword:     os.Getenv("REDIS_PASSWORD"),
			RedisDB:           getEnvInt("REDIS_DB", 0),
			RedisKey:          getEnv("REDIS_QUEUE_KEY", "genstudio:generation_tasks"),
			TemporalHostPort:  getEnv("TEMPORAL_HOST_PORT", "localhost:7233"),
			TemporalNamespace: getEnv("TEMPORAL_NAMESPACE", "default"),
			TemporalTaskQueue: getEnv("TEMPORAL_TASK_QUEUE", "genstudio-generation"),
			WorkerConcurrency: getEnvInt("WORKER_CONCURRENCY", 4),
			PollInterval:      getEnvDuration("WORKER_POLL_INTERVAL", 2*time.Second),
			LeaseDuration:     getEnvDuration("WORKER_LEASE_DURATION", 20*time.Minute),
			StaleAfter:        getEnvDuration("WORKER_STALE_AFTER", 30*time.Minute),
		},
		Payments: PaymentsConfig{
			StripeWebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
			StripeSecretKey:     os.Getenv("STRIPE_SECRET_KEY"),
			CheckoutSuccessURL:  getEnv("CHECKOUT_SUCCESS_URL", "http://localhost:3000/generate?payment=success"),
			CheckoutCancelURL:   getEnv("CHECKOUT_CANCEL_URL", "http://localhost:3000/pricing?payment=cancelled"),
		},
		Tracing: TracingConfig{
			Enabled:      getEnvBool("OTEL_ENABLED", false),
			Exporter:     strings.ToLower(getEnv("OTEL_EXPORTER", "otlp")),
			Endpoint:     getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4318"),
			SampleRatio:  getEnvFloat("OTEL_SAMPLE_RATIO", 1.0),
			InsecureOTLP: getEnvBool("OTEL_EXPORTER_OTLP_INSECURE", true),
		},
		RefundOnProviderFailure: getEnvBool("REFUND_ON_PROVIDER_FAILURE", false),
		ModelCatalogPath:        os.Getenv("MODEL_CATALOG_PATH"),
		AutoMigrate:             getEnvBool("AUTO_MIGRATE", true),
	}

	if cfg.StoreBackend != "postgres" && cfg.StoreBackend != "memory" {
		return nil, fmt.Errorf("STORE_BACKEND must be postgres or memory, got %q", cfg.StoreBackend)
	}
	if cfg.DatabaseURL == "" && cfg.StoreBackend == "postgres" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}

	switch cfg.Storage.Backend {
	case "filesystem":
		if cfg.Storage.SigningSecret == "" {
			cfg.Storage.SigningSecret = cfg.JWTSecret
		}
	case "s3", "gcs":
		if cfg.Storage.Bucket == "" {
			return nil, fmt.Errorf("STORAGE_BUCKET is required for %s storage", cfg.Storage.Backend)
		}
	default:
		return nil, fmt.Errorf("unsupported STORAGE_BACKEND %q", cfg.Storage.Backend)
	}

	switch cfg.Queue.Backend {
	case "postgres":
		if cfg.StoreBackend == "memory" {
			return nil, fmt.Errorf("QUEUE_BACKEND=postgres requires STORE_BACKEND=postgres")
		}
	case "redis", "temporal", "memory":
	default:
		return nil, fmt.Errorf("unsupported QUEUE_BACKEND %q", cfg.Queue.Backend)
	}
	if cfg.Queue.WorkerConcurrency < 1 {
		cfg.Queue.WorkerConcurrency = 1
	}

	cfg.ResultSourceAllowlist = buildAllowlist(cfg.Storage.BaseURL, os.Getenv("RESULT_SOURCE_HOST_ALLOWLIST"))

	return cfg, nil
}

// buildAllowlist merges the storage host with explicit hosts. An empty
// explicit list disables filtering entirely.
func buildAllowlist(storageBaseURL, explicit string) []string {
	hosts := splitList(explicit)
	if len(hosts) == 0 {
		return nil
	}
	seen := map[string]struct{}{}
	if u, err := url.Parse(storageBaseURL); err == nil && u.Hostname() != "" {
		seen[strings.ToLower(u.Hostname())] = struct{}{}
	}
	for _, h := range hosts {
		seen[strings.ToLower(h)] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
