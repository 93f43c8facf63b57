package app

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

type Config struct {
	ListenAddr string
	LogLevel   string

	// CatalogFile seeds the provider catalog at boot (JSON). Empty starts
	// with an empty catalog populated via the admin API.
	CatalogFile string

	// Dispatch policy.
	MaxRetries           int
	DefaultCallTimeoutMs int

	// Circuit breaker thresholds.
	CircuitFailureThreshold int
	CircuitSuccessThreshold int
	CircuitTimeoutMs        int

	// Health tracking.
	HealthWindowSize   int
	HealthUnhealthyRun int

	// Endpoint probing. Zero interval disables the prober.
	ProbeIntervalSecs int
	ProbeTimeoutSecs  int

	// Load balancing.
	DefaultStrategy string

	// Ranker weights. They should sum to roughly 1.
	WeightCapability float64
	WeightCost       float64
	WeightLatency    float64
	WeightHealth     float64
	WeightQuality    float64

	// Fan-out.
	FanOutDefaultMode string
	FanOutQuorum      int

	// HTTP hardening.
	CORSOrigins        []string // empty = ["*"]
	RateLimitRPS       int
	RateLimitBurst     int
	IdempotencyTTLSecs int

	// Tracing.
	OTelEnabled  bool
	OTelEndpoint string
}

// knownKeys is the closed set of recognized environment variables.
// Anything else under the MODELMUX_ prefix is a configuration error, so
// typos fail loudly at boot instead of silently using a default.
var knownKeys = map[string]bool{
	"MODELMUX_LISTEN_ADDR":               true,
	"MODELMUX_LOG_LEVEL":                 true,
	"MODELMUX_CATALOG_FILE":              true,
	"MODELMUX_MAX_RETRIES":               true,
	"MODELMUX_DEFAULT_CALL_TIMEOUT_MS":   true,
	"MODELMUX_CIRCUIT_FAILURE_THRESHOLD": true,
	"MODELMUX_CIRCUIT_SUCCESS_THRESHOLD": true,
	"MODELMUX_CIRCUIT_TIMEOUT_MS":        true,
	"MODELMUX_HEALTH_WINDOW_SIZE":        true,
	"MODELMUX_HEALTH_UNHEALTHY_RUN":      true,
	"MODELMUX_PROBE_INTERVAL_SECS":       true,
	"MODELMUX_PROBE_TIMEOUT_SECS":        true,
	"MODELMUX_LB_DEFAULT_STRATEGY":       true,
	"MODELMUX_RANKER_WEIGHT_CAPABILITY":  true,
	"MODELMUX_RANKER_WEIGHT_COST":        true,
	"MODELMUX_RANKER_WEIGHT_LATENCY":     true,
	"MODELMUX_RANKER_WEIGHT_HEALTH":      true,
	"MODELMUX_RANKER_WEIGHT_QUALITY":     true,
	"MODELMUX_FANOUT_DEFAULT_MODE":       true,
	"MODELMUX_FANOUT_QUORUM":             true,
	"MODELMUX_CORS_ORIGINS":              true,
	"MODELMUX_RATE_LIMIT_RPS":            true,
	"MODELMUX_RATE_LIMIT_BURST":          true,
	"MODELMUX_IDEMPOTENCY_TTL_SECS":      true,
	"MODELMUX_OTEL_ENABLED":              true,
	"MODELMUX_OTEL_ENDPOINT":             true,
}

func LoadConfig() (Config, error) {
	if err := rejectUnknownKeys(); err != nil {
		return Config{}, err
	}

	cfg := Config{
		ListenAddr:  getEnv("MODELMUX_LISTEN_ADDR", ":8080"),
		LogLevel:    getEnv("MODELMUX_LOG_LEVEL", "info"),
		CatalogFile: getEnv("MODELMUX_CATALOG_FILE", ""),

		MaxRetries:           getEnvInt("MODELMUX_MAX_RETRIES", 1),
		DefaultCallTimeoutMs: getEnvInt("MODELMUX_DEFAULT_CALL_TIMEOUT_MS", 60000),

		CircuitFailureThreshold: getEnvInt("MODELMUX_CIRCUIT_FAILURE_THRESHOLD", 5),
		CircuitSuccessThreshold: getEnvInt("MODELMUX_CIRCUIT_SUCCESS_THRESHOLD", 2),
		CircuitTimeoutMs:        getEnvInt("MODELMUX_CIRCUIT_TIMEOUT_MS", 60000),

		HealthWindowSize:   getEnvInt("MODELMUX_HEALTH_WINDOW_SIZE", 100),
		HealthUnhealthyRun: getEnvInt("MODELMUX_HEALTH_UNHEALTHY_RUN", 3),

		ProbeIntervalSecs: getEnvInt("MODELMUX_PROBE_INTERVAL_SECS", 0),
		ProbeTimeoutSecs:  getEnvInt("MODELMUX_PROBE_TIMEOUT_SECS", 5),

		DefaultStrategy: getEnv("MODELMUX_LB_DEFAULT_STRATEGY", "round_robin"),

		WeightCapability: getEnvFloat("MODELMUX_RANKER_WEIGHT_CAPABILITY", 0.40),
		WeightCost:       getEnvFloat("MODELMUX_RANKER_WEIGHT_COST", 0.15),
		WeightLatency:    getEnvFloat("MODELMUX_RANKER_WEIGHT_LATENCY", 0.15),
		WeightHealth:     getEnvFloat("MODELMUX_RANKER_WEIGHT_HEALTH", 0.15),
		WeightQuality:    getEnvFloat("MODELMUX_RANKER_WEIGHT_QUALITY", 0.15),

		FanOutDefaultMode: getEnv("MODELMUX_FANOUT_DEFAULT_MODE", "all"),
		FanOutQuorum:      getEnvInt("MODELMUX_FANOUT_QUORUM", 2),

		CORSOrigins:        getEnvStringSlice("MODELMUX_CORS_ORIGINS", nil),
		RateLimitRPS:       getEnvInt("MODELMUX_RATE_LIMIT_RPS", 60),
		RateLimitBurst:     getEnvInt("MODELMUX_RATE_LIMIT_BURST", 120),
		IdempotencyTTLSecs: getEnvInt("MODELMUX_IDEMPOTENCY_TTL_SECS", 300),

		OTelEnabled:  getEnvBool("MODELMUX_OTEL_ENABLED", false),
		OTelEndpoint: getEnv("MODELMUX_OTEL_ENDPOINT", "localhost:4318"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks config values for obviously invalid settings.
func (c Config) Validate() error {
	if c.MaxRetries < 0 {
		return fmt.Errorf("MODELMUX_MAX_RETRIES must be >= 0, got %d", c.MaxRetries)
	}
	if c.DefaultCallTimeoutMs <= 0 {
		return fmt.Errorf("MODELMUX_DEFAULT_CALL_TIMEOUT_MS must be > 0, got %d", c.DefaultCallTimeoutMs)
	}
	if c.CircuitFailureThreshold <= 0 {
		return fmt.Errorf("MODELMUX_CIRCUIT_FAILURE_THRESHOLD must be > 0, got %d", c.CircuitFailureThreshold)
	}
	if c.CircuitSuccessThreshold <= 0 {
		return fmt.Errorf("MODELMUX_CIRCUIT_SUCCESS_THRESHOLD must be > 0, got %d", c.CircuitSuccessThreshold)
	}
	if c.CircuitTimeoutMs <= 0 {
		return fmt.Errorf("MODELMUX_CIRCUIT_TIMEOUT_MS must be > 0, got %d", c.CircuitTimeoutMs)
	}
	if c.HealthWindowSize <= 0 {
		return fmt.Errorf("MODELMUX_HEALTH_WINDOW_SIZE must be > 0, got %d", c.HealthWindowSize)
	}
	if c.HealthUnhealthyRun <= 0 {
		return fmt.Errorf("MODELMUX_HEALTH_UNHEALTHY_RUN must be > 0, got %d", c.HealthUnhealthyRun)
	}
	switch c.DefaultStrategy {
	case "round_robin", "least_connections", "weighted", "random":
	default:
		return fmt.Errorf("MODELMUX_LB_DEFAULT_STRATEGY %q is not a known strategy", c.DefaultStrategy)
	}
	switch c.FanOutDefaultMode {
	case "all", "first_success", "quorum":
	default:
		return fmt.Errorf("MODELMUX_FANOUT_DEFAULT_MODE %q is not a known mode", c.FanOutDefaultMode)
	}
	if c.FanOutQuorum < 1 {
		return fmt.Errorf("MODELMUX_FANOUT_QUORUM must be >= 1, got %d", c.FanOutQuorum)
	}
	for _, w := range []struct {
		key string
		val float64
	}{
		{"MODELMUX_RANKER_WEIGHT_CAPABILITY", c.WeightCapability},
		{"MODELMUX_RANKER_WEIGHT_COST", c.WeightCost},
		{"MODELMUX_RANKER_WEIGHT_LATENCY", c.WeightLatency},
		{"MODELMUX_RANKER_WEIGHT_HEALTH", c.WeightHealth},
		{"MODELMUX_RANKER_WEIGHT_QUALITY", c.WeightQuality},
	} {
		if w.val < 0 || w.val > 1 {
			return fmt.Errorf("%s must be in [0, 1], got %f", w.key, w.val)
		}
	}
	if c.RateLimitRPS <= 0 {
		return fmt.Errorf("MODELMUX_RATE_LIMIT_RPS must be > 0, got %d", c.RateLimitRPS)
	}
	if c.RateLimitBurst <= 0 {
		return fmt.Errorf("MODELMUX_RATE_LIMIT_BURST must be > 0, got %d", c.RateLimitBurst)
	}
	if c.IdempotencyTTLSecs < 0 {
		return fmt.Errorf("MODELMUX_IDEMPOTENCY_TTL_SECS must be >= 0, got %d", c.IdempotencyTTLSecs)
	}
	if c.ProbeIntervalSecs < 0 {
		return fmt.Errorf("MODELMUX_PROBE_INTERVAL_SECS must be >= 0, got %d", c.ProbeIntervalSecs)
	}
	if c.ProbeIntervalSecs > 0 && c.ProbeTimeoutSecs <= 0 {
		return fmt.Errorf("MODELMUX_PROBE_TIMEOUT_SECS must be > 0 when probing is enabled, got %d", c.ProbeTimeoutSecs)
	}
	return nil
}

func rejectUnknownKeys() error {
	for _, kv := range os.Environ() {
		key, _, _ := strings.Cut(kv, "=")
		if strings.HasPrefix(key, "MODELMUX_") && !knownKeys[key] {
			return fmt.Errorf("unknown configuration variable %s", key)
		}
	}
	return nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err == nil {
			return i
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err == nil {
			return f
		}
	}
	return def
}

func getEnvStringSlice(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		var result []string
		for _, s := range strings.Split(v, ",") {
			s = strings.TrimSpace(s)
			if s != "" {
				result = append(result, s)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return def
}
