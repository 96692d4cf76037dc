// Package config provides application configuration management.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Configuration upper bounds to prevent resource exhaustion.
const (
	maxPoolMax         = 32
	maxMaxSessions     = 10000
	maxContextsPerSess = 64
	maxTimeout         = 10 * time.Minute
	maxRateLimitRPM    = 10000
	maxHistorySize     = 10000
	maxWaiterQueue     = 1024
	minAPIKeyLength    = 16
)

// Config holds all application configuration.
// Configuration is loaded from environment variables at startup.
type Config struct {
	// Front-end listen addresses and enable flags
	HTTPAddr    string
	HTTPEnabled bool
	WSAddr      string
	WSEnabled   bool
	RPCAddr     string
	RPCEnabled  bool

	// Browser settings
	Headless    bool
	BrowserPath string

	// Pool settings
	PoolMin            int
	PoolMax            int
	PoolTargetIdle     int
	PoolIdleGrace      time.Duration
	AcquireTimeout     time.Duration
	WaiterQueueBound   int
	HealthInterval     time.Duration
	DrainTimeout       time.Duration
	LaunchMaxRetries   int
	LaunchRetryBackoff time.Duration

	// Session settings
	SessionTTL          time.Duration
	SessionSweepEvery   time.Duration
	MaxSessions         int
	MaxContextsPerSess  int
	MaxPagesPerContext  int

	// Executor settings
	DefaultTimeout time.Duration
	MaxActionTime  time.Duration
	HistorySize    int
	BatchParallel  int
	UploadDir      string // Allowed prefix for file uploads; empty disables uploads

	// Navigation policy
	AllowFileURLs       bool
	AllowPrivateNetwork bool
	BlockedHosts        []string

	// Proxy settings
	ProxyPoolPath      string // YAML file defining the proxy pool; empty disables proxying
	ProxyHotReload     bool
	ProxyStrategy      string // round-robin, priority, least-failures, random
	FailoverThreshold  int
	ProbeInterval      time.Duration
	RotationInterval   time.Duration
	AllowLocalProxies  bool

	// Logging
	LogLevel string

	// Metrics
	MetricsEnabled bool
	MetricsPort    int

	// Security
	RateLimitEnabled bool
	RateLimitRPM     int
	TrustProxy       bool
	IgnoreCertErrors bool
	CORSOrigins      []string // Allowed cross-origin callers; empty rejects all

	// API key -> principal table. Entries come from API_KEYS as
	// "key:userId:role1|role2" comma-separated. Empty table disables auth
	// (every caller becomes the anonymous principal).
	APIKeys map[string]APIPrincipal
}

// APIPrincipal is the principal resolved from an API key.
type APIPrincipal struct {
	UserID string
	Name   string
	Roles  []string
}

// Load loads configuration from environment variables.
// Returns a Config with values from environment or sensible defaults.
func Load() *Config {
	return &Config{
		// Front-ends - default to localhost for security (prevents accidental exposure)
		HTTPAddr:    getEnvString("HTTP_ADDR", "127.0.0.1:8480"),
		HTTPEnabled: getEnvBool("HTTP_ENABLED", true),
		WSAddr:      getEnvString("WS_ADDR", "127.0.0.1:8481"),
		WSEnabled:   getEnvBool("WS_ENABLED", true),
		RPCAddr:     getEnvString("RPC_ADDR", "127.0.0.1:8482"),
		RPCEnabled:  getEnvBool("RPC_ENABLED", false),

		// Browser
		Headless:    getEnvBool("HEADLESS", true),
		BrowserPath: getEnvString("BROWSER_PATH", ""),

		// Pool
		PoolMin:            getEnvInt("POOL_MIN", 1),
		PoolMax:            getEnvInt("POOL_MAX", 4),
		PoolTargetIdle:     getEnvInt("POOL_TARGET_IDLE", 1),
		PoolIdleGrace:      getEnvDuration("POOL_IDLE_GRACE", 2*time.Minute),
		AcquireTimeout:     getEnvDuration("ACQUIRE_TIMEOUT", 30*time.Second),
		WaiterQueueBound:   getEnvInt("WAITER_QUEUE_BOUND", 64),
		HealthInterval:     getEnvDuration("HEALTH_INTERVAL", 15*time.Second),
		DrainTimeout:       getEnvDuration("DRAIN_TIMEOUT", 30*time.Second),
		LaunchMaxRetries:   getEnvInt("LAUNCH_MAX_RETRIES", 3),
		LaunchRetryBackoff: getEnvDuration("LAUNCH_RETRY_BACKOFF", 2*time.Second),

		// Sessions
		SessionTTL:         getEnvDuration("SESSION_TTL", 30*time.Minute),
		SessionSweepEvery:  getEnvDuration("SESSION_SWEEP_INTERVAL", 1*time.Minute),
		MaxSessions:        getEnvInt("MAX_SESSIONS", 100),
		MaxContextsPerSess: getEnvInt("MAX_CONTEXTS_PER_SESSION", 8),
		MaxPagesPerContext: getEnvInt("MAX_PAGES_PER_CONTEXT", 16),

		// Executor
		DefaultTimeout: getEnvDuration("DEFAULT_TIMEOUT", 30*time.Second),
		MaxActionTime:  getEnvDuration("MAX_ACTION_TIME", 120*time.Second),
		HistorySize:    getEnvInt("HISTORY_SIZE", 500),
		BatchParallel:  getEnvInt("BATCH_PARALLEL", 4),
		UploadDir:      getEnvString("UPLOAD_DIR", ""),

		// Navigation policy
		AllowFileURLs:       getEnvBool("ALLOW_FILE_URLS", false),
		AllowPrivateNetwork: getEnvBool("ALLOW_PRIVATE_NETWORK", false),
		BlockedHosts:        getEnvStringSlice("BLOCKED_HOSTS", nil),

		// Proxy
		ProxyPoolPath:     getEnvString("PROXY_POOL_PATH", ""),
		ProxyHotReload:    getEnvBool("PROXY_HOT_RELOAD", false),
		ProxyStrategy:     getEnvString("PROXY_STRATEGY", "round-robin"),
		FailoverThreshold: getEnvInt("PROXY_FAILOVER_THRESHOLD", 3),
		ProbeInterval:     getEnvDuration("PROXY_PROBE_INTERVAL", 60*time.Second),
		RotationInterval:  getEnvDuration("PROXY_ROTATION_INTERVAL", 10*time.Minute),
		AllowLocalProxies: getEnvBool("ALLOW_LOCAL_PROXIES", false),

		// Logging
		LogLevel: getEnvString("LOG_LEVEL", "info"),

		// Metrics
		MetricsEnabled: getEnvBool("METRICS_ENABLED", true),
		MetricsPort:    getEnvInt("METRICS_PORT", 9480),

		// Security
		RateLimitEnabled: getEnvBool("RATE_LIMIT_ENABLED", true),
		RateLimitRPM:     getEnvInt("RATE_LIMIT_RPM", 120),
		TrustProxy:       getEnvBool("TRUST_PROXY", false),
		IgnoreCertErrors: getEnvBool("IGNORE_CERT_ERRORS", false),
		CORSOrigins:      getEnvStringSlice("CORS_ALLOWED_ORIGINS", nil),

		APIKeys: parseAPIKeys(os.Getenv("API_KEYS")),
	}
}

// parseAPIKeys parses the API_KEYS environment variable.
// Format: "key:userId:role1|role2,key2:user2" (roles optional).
func parseAPIKeys(raw string) map[string]APIPrincipal {
	keys := make(map[string]APIPrincipal)
	if raw == "" {
		return keys
	}
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, ":", 3)
		if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
			log.Warn().Msg("Skipping malformed API_KEYS entry")
			continue
		}
		p := APIPrincipal{UserID: parts[1], Name: parts[1]}
		if len(parts) == 3 && parts[2] != "" {
			p.Roles = strings.Split(parts[2], "|")
		}
		keys[parts[0]] = p
	}
	return keys
}

// AuthEnabled reports whether API key authentication is configured.
func (c *Config) AuthEnabled() bool {
	return len(c.APIKeys) > 0
}

// Validate checks configuration values and logs warnings for invalid values.
// Invalid values are corrected to sensible defaults.
func (c *Config) Validate() {
	// BrowserPath validation - prevent path traversal attacks
	if c.BrowserPath != "" && strings.Contains(c.BrowserPath, "..") {
		log.Error().
			Str("path", c.BrowserPath).
			Msg("BROWSER_PATH contains path traversal sequence (..), ignoring")
		c.BrowserPath = ""
	}

	// Pool capacity validation with upper bound
	if c.PoolMax < 1 {
		log.Warn().Int("max", c.PoolMax).Msg("Invalid POOL_MAX, using default 4")
		c.PoolMax = 4
	} else if c.PoolMax > maxPoolMax {
		log.Warn().
			Int("max", c.PoolMax).
			Int("cap", maxPoolMax).
			Msg("POOL_MAX too large, capping to maximum")
		c.PoolMax = maxPoolMax
	}
	if c.PoolMin < 0 {
		c.PoolMin = 0
	}
	if c.PoolMin > c.PoolMax {
		log.Warn().
			Int("min", c.PoolMin).
			Int("max", c.PoolMax).
			Msg("POOL_MIN exceeds POOL_MAX, clamping")
		c.PoolMin = c.PoolMax
	}
	if c.PoolTargetIdle < c.PoolMin {
		c.PoolTargetIdle = c.PoolMin
	}
	if c.PoolTargetIdle > c.PoolMax {
		c.PoolTargetIdle = c.PoolMax
	}
	if c.WaiterQueueBound < 1 {
		log.Warn().Int("bound", c.WaiterQueueBound).Msg("Invalid WAITER_QUEUE_BOUND, using 64")
		c.WaiterQueueBound = 64
	} else if c.WaiterQueueBound > maxWaiterQueue {
		c.WaiterQueueBound = maxWaiterQueue
	}

	// Timeout validation with upper bound. MaxActionTime first so
	// DefaultTimeout can be clamped against the validated value.
	if c.MaxActionTime < time.Second {
		log.Warn().Dur("timeout", c.MaxActionTime).Msg("MAX_ACTION_TIME too short, using 120s")
		c.MaxActionTime = 120 * time.Second
	}
	if c.MaxActionTime > maxTimeout {
		log.Warn().
			Dur("timeout", c.MaxActionTime).
			Dur("max", maxTimeout).
			Msg("MAX_ACTION_TIME too high, capping to maximum")
		c.MaxActionTime = maxTimeout
	}
	if c.DefaultTimeout < time.Second {
		log.Warn().Dur("timeout", c.DefaultTimeout).Msg("DEFAULT_TIMEOUT too short, using 30s")
		c.DefaultTimeout = 30 * time.Second
	}
	if c.DefaultTimeout > c.MaxActionTime {
		log.Warn().
			Dur("default", c.DefaultTimeout).
			Dur("max", c.MaxActionTime).
			Msg("DEFAULT_TIMEOUT exceeds MAX_ACTION_TIME, adjusting to max")
		c.DefaultTimeout = c.MaxActionTime
	}

	// Session validation with upper bound
	if c.MaxSessions < 1 {
		log.Warn().Int("max", c.MaxSessions).Msg("Invalid MAX_SESSIONS, using 100")
		c.MaxSessions = 100
	} else if c.MaxSessions > maxMaxSessions {
		log.Warn().
			Int("sessions", c.MaxSessions).
			Int("max", maxMaxSessions).
			Msg("MAX_SESSIONS too high, capping to maximum")
		c.MaxSessions = maxMaxSessions
	}
	if c.MaxContextsPerSess < 1 {
		c.MaxContextsPerSess = 1
	} else if c.MaxContextsPerSess > maxContextsPerSess {
		c.MaxContextsPerSess = maxContextsPerSess
	}
	if c.MaxPagesPerContext < 1 {
		c.MaxPagesPerContext = 1
	}

	// SessionTTL validation (minimum 1 minute, maximum 24 hours)
	const minSessionTTL = 1 * time.Minute
	const maxSessionTTL = 24 * time.Hour
	if c.SessionTTL < minSessionTTL {
		log.Warn().
			Dur("ttl", c.SessionTTL).
			Dur("min", minSessionTTL).
			Msg("SESSION_TTL too short, using minimum")
		c.SessionTTL = minSessionTTL
	} else if c.SessionTTL > maxSessionTTL {
		log.Warn().
			Dur("ttl", c.SessionTTL).
			Dur("max", maxSessionTTL).
			Msg("SESSION_TTL too long, using maximum")
		c.SessionTTL = maxSessionTTL
	}

	if c.SessionSweepEvery < 10*time.Second {
		c.SessionSweepEvery = 10 * time.Second
	}
	if c.SessionSweepEvery >= c.SessionTTL {
		log.Warn().
			Dur("sweep_interval", c.SessionSweepEvery).
			Dur("ttl", c.SessionTTL).
			Msg("SESSION_SWEEP_INTERVAL should be less than SESSION_TTL for timely cleanup")
	}

	// History ring bound
	if c.HistorySize < 10 {
		log.Warn().Int("size", c.HistorySize).Msg("HISTORY_SIZE too small, using 500")
		c.HistorySize = 500
	} else if c.HistorySize > maxHistorySize {
		c.HistorySize = maxHistorySize
	}
	if c.BatchParallel < 1 {
		c.BatchParallel = 1
	}

	// Proxy strategy validation
	switch c.ProxyStrategy {
	case "round-robin", "priority", "least-failures", "random":
	default:
		log.Warn().
			Str("strategy", c.ProxyStrategy).
			Msg("Invalid PROXY_STRATEGY, using round-robin")
		c.ProxyStrategy = "round-robin"
	}
	if c.FailoverThreshold < 1 {
		c.FailoverThreshold = 3
	}
	if c.ProxyPoolPath != "" && strings.Contains(c.ProxyPoolPath, "..") {
		log.Error().
			Str("path", c.ProxyPoolPath).
			Msg("PROXY_POOL_PATH contains path traversal sequence (..), ignoring")
		c.ProxyPoolPath = ""
	}
	if c.ProxyHotReload && c.ProxyPoolPath == "" {
		log.Warn().Msg("PROXY_HOT_RELOAD enabled but PROXY_POOL_PATH not set - hot-reload disabled")
		c.ProxyHotReload = false
	}

	// Upload dir validation
	if c.UploadDir != "" {
		if strings.Contains(c.UploadDir, "..") {
			log.Error().Str("dir", c.UploadDir).Msg("UPLOAD_DIR contains path traversal sequence (..), ignoring")
			c.UploadDir = ""
		} else if !strings.HasPrefix(c.UploadDir, "/") {
			log.Warn().Str("dir", c.UploadDir).Msg("UPLOAD_DIR should be an absolute path")
		}
	}

	// Rate limit validation with upper bound
	if c.RateLimitEnabled {
		if c.RateLimitRPM < 1 {
			log.Warn().Int("rpm", c.RateLimitRPM).Msg("Invalid rate limit, using 120 RPM")
			c.RateLimitRPM = 120
		} else if c.RateLimitRPM > maxRateLimitRPM {
			log.Warn().
				Int("rpm", c.RateLimitRPM).
				Int("max", maxRateLimitRPM).
				Msg("Rate limit too high, capping to maximum")
			c.RateLimitRPM = maxRateLimitRPM
		}
	}

	// Log level validation
	validLogLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true,
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		log.Warn().Str("level", c.LogLevel).Msg("Invalid log level, using 'info'")
		c.LogLevel = "info"
	}

	// Certificate validation warning
	if c.IgnoreCertErrors {
		log.Warn().Msg("IGNORE_CERT_ERRORS enabled - MITM attacks possible")
	}

	// API key length check
	for key := range c.APIKeys {
		if len(key) < minAPIKeyLength {
			log.Warn().
				Int("length", len(key)).
				Int("min_recommended", minAPIKeyLength).
				Msg("API key is shorter than recommended minimum")
		}
	}
	if !c.AuthEnabled() {
		log.Warn().Msg("API_KEYS not set - all callers share the anonymous principal")
	}

	// Private-network navigation warning
	if c.AllowPrivateNetwork {
		log.Warn().Msg("ALLOW_PRIVATE_NETWORK enabled - SSRF protection for internal addresses is off")
	}
}

// Helper functions for environment variable parsing

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		intValue, err := strconv.ParseInt(value, 10, 32)
		if err == nil {
			return int(intValue)
		}
		log.Warn().
			Str("key", key).
			Str("value", value).
			Err(err).
			Int("default", defaultValue).
			Msg("Invalid integer in environment variable, using default")
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		boolValue, err := strconv.ParseBool(value)
		if err == nil {
			return boolValue
		}
		log.Warn().
			Str("key", key).
			Str("value", value).
			Err(err).
			Bool("default", defaultValue).
			Msg("Invalid boolean in environment variable, using default")
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		duration, err := time.ParseDuration(value)
		if err == nil {
			if duration > 0 {
				return duration
			}
			log.Warn().
				Str("key", key).
				Str("value", value).
				Dur("default", defaultValue).
				Msg("Duration must be positive, using default")
			return defaultValue
		}
		log.Warn().
			Str("key", key).
			Str("value", value).
			Err(err).
			Dur("default", defaultValue).
			Msg("Invalid duration in environment variable, using default")
	}
	return defaultValue
}

func getEnvStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, part := range parts {
			trimmed := strings.TrimSpace(part)
			if trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}
