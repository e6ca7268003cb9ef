// Package config handles environment-based configuration loading and the
// optional panel seed file.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Queue backends.
const (
	QueueBackendSQLite = "sqlite"
	QueueBackendRedis  = "redis"
)

// EnvConfig holds all environment-variable-driven settings.
type EnvConfig struct {
	// Storage and files
	StateDir string
	SubsDir  string

	// HTTP
	ListenAddress   string
	Port            int
	PublicBaseURL   string
	APIMaxBodyBytes int

	// Auth
	AdminToken string

	// Queue backend
	QueueBackend   string
	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	RedisKeyPrefix string
	TaskStatusTTL  time.Duration

	// Workers and scheduler
	WorkerIdleInterval  time.Duration
	WorkerErrorBackoff  time.Duration
	SchedulerInterval   time.Duration
	CleanupSchedule     string
	ExpiryCheckSchedule string
	ReconcileSchedule   string

	// Panels
	PanelRequestTimeout time.Duration
	PanelSessionTTL     time.Duration
	BasePort            int
	PanelsFile          string
}

// LoadEnvConfig reads environment variables and returns a validated EnvConfig.
// Returns an error if any required variable is missing or any value is invalid.
func LoadEnvConfig() (*EnvConfig, error) {
	cfg := &EnvConfig{}
	var errs []string

	// --- Storage ---
	cfg.StateDir = envStr("PANELFLEET_STATE_DIR", "/var/lib/panelfleet")
	cfg.SubsDir = envStr("PANELFLEET_SUBS_DIR", filepath.Join(cfg.StateDir, "subs"))

	// --- HTTP ---
	cfg.ListenAddress = strings.TrimSpace(envStr("PANELFLEET_LISTEN_ADDRESS", "0.0.0.0"))
	cfg.Port = envInt("PANELFLEET_PORT", 2280, &errs)
	cfg.PublicBaseURL = strings.TrimSpace(envStr(
		"PANELFLEET_PUBLIC_BASE_URL",
		fmt.Sprintf("http://127.0.0.1:%d", cfg.Port),
	))
	cfg.APIMaxBodyBytes = envInt("PANELFLEET_API_MAX_BODY_BYTES", 1<<20, &errs)

	// --- Auth (must be defined; empty means auth disabled) ---
	adminToken, hasAdminToken := os.LookupEnv("PANELFLEET_ADMIN_TOKEN")
	cfg.AdminToken = adminToken

	// --- Queue ---
	cfg.QueueBackend = strings.ToLower(strings.TrimSpace(envStr("PANELFLEET_QUEUE_BACKEND", QueueBackendSQLite)))
	cfg.RedisAddr = strings.TrimSpace(envStr("PANELFLEET_REDIS_ADDR", "127.0.0.1:6379"))
	cfg.RedisPassword = envStr("PANELFLEET_REDIS_PASSWORD", "")
	cfg.RedisDB = envInt("PANELFLEET_REDIS_DB", 0, &errs)
	cfg.RedisKeyPrefix = envStr("PANELFLEET_REDIS_KEY_PREFIX", "panelfleet:")
	cfg.TaskStatusTTL = envDuration("PANELFLEET_TASK_STATUS_TTL", 0, &errs)

	// --- Workers and scheduler ---
	cfg.WorkerIdleInterval = envDuration("PANELFLEET_WORKER_IDLE_INTERVAL", time.Second, &errs)
	cfg.WorkerErrorBackoff = envDuration("PANELFLEET_WORKER_ERROR_BACKOFF", 5*time.Second, &errs)
	cfg.SchedulerInterval = envDuration("PANELFLEET_SCHEDULER_INTERVAL", 10*time.Second, &errs)
	cfg.CleanupSchedule = strings.TrimSpace(envStr("PANELFLEET_CLEANUP_SCHEDULE", "@every 1h"))
	cfg.ExpiryCheckSchedule = strings.TrimSpace(envStr("PANELFLEET_EXPIRY_CHECK_SCHEDULE", "@every 1m"))
	cfg.ReconcileSchedule = strings.TrimSpace(envStr("PANELFLEET_RECONCILE_SCHEDULE", ""))

	// --- Panels ---
	cfg.PanelRequestTimeout = envDuration("PANELFLEET_PANEL_REQUEST_TIMEOUT", 15*time.Second, &errs)
	cfg.PanelSessionTTL = envDuration("PANELFLEET_PANEL_SESSION_TTL", 10*time.Minute, &errs)
	cfg.BasePort = envInt("PANELFLEET_BASE_PORT", 20000, &errs)
	cfg.PanelsFile = strings.TrimSpace(envStr("PANELFLEET_PANELS_FILE", ""))

	// --- Validation ---
	if !hasAdminToken {
		errs = append(errs, "PANELFLEET_ADMIN_TOKEN must be defined (can be empty)")
	}
	if strings.TrimSpace(cfg.StateDir) == "" {
		errs = append(errs, "PANELFLEET_STATE_DIR must not be empty")
	}
	if strings.TrimSpace(cfg.SubsDir) == "" {
		errs = append(errs, "PANELFLEET_SUBS_DIR must not be empty")
	}
	if cfg.ListenAddress == "" {
		errs = append(errs, "PANELFLEET_LISTEN_ADDRESS must not be empty")
	}

	validatePort("PANELFLEET_PORT", cfg.Port, &errs)
	validatePositive("PANELFLEET_API_MAX_BODY_BYTES", cfg.APIMaxBodyBytes, &errs)
	if u, err := url.Parse(cfg.PublicBaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Sprintf("PANELFLEET_PUBLIC_BASE_URL: must be an absolute http(s) URL, got %q", cfg.PublicBaseURL))
	}

	switch cfg.QueueBackend {
	case QueueBackendSQLite:
	case QueueBackendRedis:
		if cfg.RedisAddr == "" {
			errs = append(errs, "PANELFLEET_REDIS_ADDR must not be empty when PANELFLEET_QUEUE_BACKEND is redis")
		}
	default:
		errs = append(errs, fmt.Sprintf(
			"PANELFLEET_QUEUE_BACKEND: invalid value %q (allowed: %s, %s)",
			cfg.QueueBackend, QueueBackendSQLite, QueueBackendRedis,
		))
	}
	if cfg.RedisDB < 0 {
		errs = append(errs, fmt.Sprintf("PANELFLEET_REDIS_DB: must not be negative, got %d", cfg.RedisDB))
	}
	if cfg.TaskStatusTTL < 0 {
		errs = append(errs, "PANELFLEET_TASK_STATUS_TTL must not be negative")
	}

	if cfg.WorkerIdleInterval <= 0 {
		errs = append(errs, "PANELFLEET_WORKER_IDLE_INTERVAL must be positive")
	}
	if cfg.WorkerErrorBackoff <= 0 {
		errs = append(errs, "PANELFLEET_WORKER_ERROR_BACKOFF must be positive")
	}
	if cfg.SchedulerInterval <= 0 {
		errs = append(errs, "PANELFLEET_SCHEDULER_INTERVAL must be positive")
	}
	validateSchedule("PANELFLEET_CLEANUP_SCHEDULE", cfg.CleanupSchedule, &errs)
	validateSchedule("PANELFLEET_EXPIRY_CHECK_SCHEDULE", cfg.ExpiryCheckSchedule, &errs)
	validateSchedule("PANELFLEET_RECONCILE_SCHEDULE", cfg.ReconcileSchedule, &errs)

	if cfg.PanelRequestTimeout <= 0 {
		errs = append(errs, "PANELFLEET_PANEL_REQUEST_TIMEOUT must be positive")
	}
	if cfg.PanelSessionTTL <= 0 {
		errs = append(errs, "PANELFLEET_PANEL_SESSION_TTL must be positive")
	}
	validatePort("PANELFLEET_BASE_PORT", cfg.BasePort, &errs)

	if len(errs) > 0 {
		return nil, fmt.Errorf("config validation failed:\n  %s", strings.Join(errs, "\n  "))
	}

	return cfg, nil
}

// --- helpers ---

func envStr(key, defaultVal string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int, errs *[]string) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid integer %q", key, v))
		return defaultVal
	}
	return n
}

func envDuration(key string, defaultVal time.Duration, errs *[]string) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid duration %q", key, v))
		return defaultVal
	}
	return d
}

// validateSchedule accepts an empty value, which disables the job.
func validateSchedule(name, spec string, errs *[]string) {
	if spec == "" {
		return
	}
	if _, err := cron.ParseStandard(spec); err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid cron expression %q: %v", name, spec, err))
	}
}

func validatePort(name string, value int, errs *[]string) {
	if value < 1 || value > 65535 {
		*errs = append(*errs, fmt.Sprintf("%s: port must be 1-65535, got %d", name, value))
	}
}

func validatePositive(name string, value int, errs *[]string) {
	if value <= 0 {
		*errs = append(*errs, fmt.Sprintf("%s: must be positive, got %d", name, value))
	}
}
