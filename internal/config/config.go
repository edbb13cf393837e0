package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/multierr"
)

// Service names of the upstream backends.
const (
	ServiceUser         = "user"
	ServiceCatalog      = "catalog"
	ServiceSearch       = "search"
	ServiceMessaging    = "messaging"
	ServicePayment      = "payment"
	ServiceShipping     = "shipping"
	ServiceNotification = "notification"
)

// ServiceNames lists every upstream in a stable order.
var ServiceNames = []string{
	ServiceUser,
	ServiceCatalog,
	ServiceSearch,
	ServiceMessaging,
	ServicePayment,
	ServiceShipping,
	ServiceNotification,
}

// Rate limiter behaviour when the cache cannot be reached.
const (
	FailOpen   = "open"
	FailClosed = "closed"
	FailLocal  = "local"
)

// Service describes one upstream backend.
type Service struct {
	Name           string
	URL            string
	Timeout        time.Duration
	ConnectTimeout time.Duration
	Retries        int
}

// Config contains runtime configuration values.
type Config struct {
	Environment          string
	HTTPPort             string
	ServiceName          string
	Version              string
	JWTSecret            string
	JWTExpiry            time.Duration
	RedisAddr            string
	RedisPassword        string
	RedisDB              int
	CORSAllowedOrigins   []string
	CORSAllowedMethods   []string
	CORSAllowedHeaders   []string
	CORSAllowCredentials bool
	TrustedProxies       []string
	Services             map[string]Service
	RateLimitWindow      time.Duration
	RateLimitMax         int
	RateLimitFailureMode string
	MaxUploadSize        int64
	UploadAllowedTypes   []string
	UserCacheTTL         time.Duration
	WebSocketIdleTimeout time.Duration
	Routes               []Route
	TelemetryEndpoint    string
	TelemetryInsecure    bool
}

// IsProduction reports whether the gateway runs with production guarantees.
func (c Config) IsProduction() bool {
	return c.Environment == "production"
}

type serviceDefault struct {
	url     string
	timeout time.Duration
	retries int
}

var serviceDefaults = map[string]serviceDefault{
	ServiceUser:         {"http://localhost:3001", 10 * time.Second, 3},
	ServiceCatalog:      {"http://localhost:3002", 10 * time.Second, 3},
	ServiceSearch:       {"http://localhost:3003", 15 * time.Second, 2},
	ServiceMessaging:    {"http://localhost:3004", 10 * time.Second, 3},
	ServicePayment:      {"http://localhost:3005", 30 * time.Second, 2},
	ServiceShipping:     {"http://localhost:3006", 15 * time.Second, 3},
	ServiceNotification: {"http://localhost:3007", 10 * time.Second, 3},
}

const devSecret = "thryfted-super-secret-key-change-in-production"

// Load reads configuration from environment variables with sane defaults.
func Load() (Config, error) {
	_ = godotenv.Load()

	env := getEnv("APP_ENV", "development")

	expiry, err := ParseExpiry(getEnv("JWT_EXPIRY", "7d"))
	if err != nil {
		return Config{}, fmt.Errorf("JWT_EXPIRY: %w", err)
	}

	cfg := Config{
		Environment:          env,
		HTTPPort:             getEnv("HTTP_PORT", "3000"),
		ServiceName:          getEnv("SERVICE_NAME", "thryfted-gateway"),
		Version:              getEnv("SERVICE_VERSION", "1.0.0"),
		JWTSecret:            getEnv("JWT_SECRET", devSecret),
		JWTExpiry:            expiry,
		RedisAddr:            net.JoinHostPort(getEnv("REDIS_HOST", "localhost"), getEnv("REDIS_PORT", "6379")),
		RedisPassword:        os.Getenv("REDIS_PASSWORD"),
		RedisDB:              getInt("REDIS_DB", 0),
		CORSAllowedOrigins:   getList("CORS_ORIGINS", []string{"http://localhost:3000", "http://localhost:8081"}),
		CORSAllowedMethods:   getList("CORS_ALLOWED_METHODS", []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"}),
		CORSAllowedHeaders:   getList("CORS_ALLOWED_HEADERS", []string{"Content-Type", "Authorization", "X-Requested-With"}),
		CORSAllowCredentials: getBool("CORS_ALLOW_CREDENTIALS", true),
		TrustedProxies:       getList("TRUSTED_PROXIES", nil),
		Services:             loadServices(),
		RateLimitWindow:      getDuration("RATE_LIMIT_WINDOW", 15*time.Minute),
		RateLimitMax:         getInt("RATE_LIMIT_MAX", 1000),
		RateLimitFailureMode: strings.ToLower(getEnv("RATE_LIMIT_FAILURE_MODE", FailOpen)),
		MaxUploadSize:        int64(getInt("MAX_FILE_SIZE", 10<<20)),
		UploadAllowedTypes:   getList("UPLOAD_ALLOWED_TYPES", []string{"image/jpeg", "image/png", "image/webp", "image/gif"}),
		UserCacheTTL:         getDuration("USER_CACHE_TTL", 5*time.Minute),
		WebSocketIdleTimeout: getDuration("WS_IDLE_TIMEOUT", 5*time.Minute),
		TelemetryEndpoint:    os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TelemetryInsecure:    getBool("OTEL_EXPORTER_OTLP_INSECURE", true),
	}

	switch cfg.RateLimitFailureMode {
	case FailOpen, FailClosed, FailLocal:
	default:
		return Config{}, fmt.Errorf("RATE_LIMIT_FAILURE_MODE must be one of open, closed, local")
	}

	if path := strings.TrimSpace(os.Getenv("ROUTES_FILE")); path != "" {
		routes, err := LoadRoutes(path)
		if err != nil {
			return Config{}, err
		}
		cfg.Routes = routes
	} else {
		cfg.Routes = DefaultRoutes()
	}

	if cfg.IsProduction() {
		if err := validateProduction(); err != nil {
			return Config{}, err
		}
	}

	return cfg, nil
}

// validateProduction reports every required variable that is missing.
func validateProduction() error {
	required := []string{"JWT_SECRET", "REDIS_HOST"}
	for _, name := range ServiceNames {
		required = append(required, serviceEnvPrefix(name)+"_URL")
	}

	var err error
	for _, key := range required {
		if strings.TrimSpace(os.Getenv(key)) == "" {
			err = multierr.Append(err, fmt.Errorf("%s is required", key))
		}
	}
	if err != nil {
		return fmt.Errorf("missing required environment variables: %w", err)
	}
	return nil
}

func loadServices() map[string]Service {
	services := make(map[string]Service, len(ServiceNames))
	for _, name := range ServiceNames {
		def := serviceDefaults[name]
		prefix := serviceEnvPrefix(name)
		timeout := getDuration(prefix+"_TIMEOUT", def.timeout)
		services[name] = Service{
			Name:           name,
			URL:            strings.TrimRight(getEnv(prefix+"_URL", def.url), "/"),
			Timeout:        timeout,
			ConnectTimeout: getDuration(prefix+"_CONNECT_TIMEOUT", minDuration(timeout, 5*time.Second)),
			Retries:        getInt(prefix+"_RETRIES", def.retries),
		}
	}
	return services
}

func serviceEnvPrefix(name string) string {
	return strings.ToUpper(name) + "_SERVICE"
}

// ParseExpiry accepts Go durations plus the "7d" day suffix used by token issuers.
func ParseExpiry(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, errors.New("empty expiry")
	}
	if strings.HasSuffix(raw, "d") {
		days, err := strconv.Atoi(strings.TrimSuffix(raw, "d"))
		if err != nil || days <= 0 {
			return 0, fmt.Errorf("invalid day expiry %q", raw)
		}
		return time.Duration(days) * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid expiry %q: %w", raw, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("expiry must be positive")
	}
	return d, nil
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func getDuration(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		d, err := time.ParseDuration(v)
		if err == nil {
			return d
		}
		// bare numbers are milliseconds, matching the upstream service configs
		if ms, err := strconv.Atoi(v); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok {
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
	}
	return def
}

func getBool(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		switch strings.ToLower(v) {
		case "1", "true", "t", "yes", "y", "on":
			return true
		case "0", "false", "f", "no", "n", "off":
			return false
		}
	}
	return def
}

func getList(key string, def []string) []string {
	if v, ok := os.LookupEnv(key); ok {
		parts := strings.Split(v, ",")
		var cleaned []string
		for _, p := range parts {
			trimmed := strings.TrimSpace(p)
			if trimmed != "" {
				cleaned = append(cleaned, trimmed)
			}
		}
		if len(cleaned) > 0 {
			return cleaned
		}
	}
	return def
}
