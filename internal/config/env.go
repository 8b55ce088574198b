// Package config handles environment-based configuration loading.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// EnvConfig holds all environment-variable-driven settings.
type EnvConfig struct {
	// Directories
	DataDir string

	// Network
	ListenAddress string
	Port          int

	// API
	APIMaxBodyBytes int

	// Auth
	AdminKey          string
	AllowWeakAdminKey bool

	// Hub
	GraceWindow       time.Duration
	HeartbeatInterval time.Duration
	SendQueueLimit    int
	PushWorkers       int

	// Scheduler
	SchedulerBaseDelay  time.Duration
	SchedulerMaxRetries int
	SchedulerRetention  time.Duration
	SchedulerPruneSpec  string

	// Optional declarative schema applied at boot.
	SchemaFile string
}

// LoadEnvConfig reads environment variables and returns a validated
// EnvConfig. Returns an error listing every invalid or missing variable.
func LoadEnvConfig() (*EnvConfig, error) {
	cfg := &EnvConfig{}
	var errs []string

	// --- Directories ---
	cfg.DataDir = envStr("FLUXBASE_DATA_DIR", "/var/lib/fluxbase")

	// --- Network ---
	cfg.ListenAddress = strings.TrimSpace(envStr("FLUXBASE_LISTEN_ADDRESS", "0.0.0.0"))
	cfg.Port = envInt("FLUXBASE_PORT", 3210, &errs)

	// --- API ---
	cfg.APIMaxBodyBytes = envInt("FLUXBASE_API_MAX_BODY_BYTES", 1<<20, &errs)

	// --- Auth (must be defined; empty means auth disabled) ---
	adminKey, hasAdminKey := os.LookupEnv("FLUXBASE_ADMIN_KEY")
	cfg.AdminKey = adminKey
	cfg.AllowWeakAdminKey = envBool("FLUXBASE_ALLOW_WEAK_ADMIN_KEY", false, &errs)

	// --- Hub ---
	cfg.GraceWindow = envDuration("FLUXBASE_GRACE_WINDOW", 60*time.Second, &errs)
	cfg.HeartbeatInterval = envDuration("FLUXBASE_HEARTBEAT_INTERVAL", 30*time.Second, &errs)
	cfg.SendQueueLimit = envInt("FLUXBASE_SEND_QUEUE_LIMIT", 64, &errs)
	cfg.PushWorkers = envInt("FLUXBASE_PUSH_WORKERS", 4, &errs)

	// --- Scheduler ---
	cfg.SchedulerBaseDelay = envDuration("FLUXBASE_SCHEDULER_BASE_DELAY", time.Second, &errs)
	cfg.SchedulerMaxRetries = envInt("FLUXBASE_SCHEDULER_MAX_RETRIES", 3, &errs)
	cfg.SchedulerRetention = envDuration("FLUXBASE_SCHEDULER_RETENTION", 7*24*time.Hour, &errs)
	cfg.SchedulerPruneSpec = envStr("FLUXBASE_SCHEDULER_PRUNE_SPEC", "13 4 * * *")

	// --- Schema ---
	cfg.SchemaFile = envStr("FLUXBASE_SCHEMA_FILE", "")

	// --- Validation ---
	if !hasAdminKey {
		errs = append(errs, "FLUXBASE_ADMIN_KEY must be defined (can be empty to disable auth)")
	} else if cfg.AdminKey != "" && !cfg.AllowWeakAdminKey && IsWeakKey(cfg.AdminKey) {
		errs = append(errs, "FLUXBASE_ADMIN_KEY is too weak (set FLUXBASE_ALLOW_WEAK_ADMIN_KEY=true to override)")
	}
	if cfg.ListenAddress == "" {
		errs = append(errs, "FLUXBASE_LISTEN_ADDRESS must not be empty")
	}
	validatePort("FLUXBASE_PORT", cfg.Port, &errs)
	validatePositive("FLUXBASE_API_MAX_BODY_BYTES", cfg.APIMaxBodyBytes, &errs)
	validatePositive("FLUXBASE_SEND_QUEUE_LIMIT", cfg.SendQueueLimit, &errs)
	validatePositive("FLUXBASE_PUSH_WORKERS", cfg.PushWorkers, &errs)
	validatePositive("FLUXBASE_SCHEDULER_MAX_RETRIES", cfg.SchedulerMaxRetries, &errs)
	if cfg.GraceWindow <= 0 {
		errs = append(errs, "FLUXBASE_GRACE_WINDOW must be positive")
	}
	if cfg.HeartbeatInterval <= 0 {
		errs = append(errs, "FLUXBASE_HEARTBEAT_INTERVAL must be positive")
	}
	if cfg.SchedulerBaseDelay <= 0 {
		errs = append(errs, "FLUXBASE_SCHEDULER_BASE_DELAY must be positive")
	}
	if cfg.SchedulerRetention <= 0 {
		errs = append(errs, "FLUXBASE_SCHEDULER_RETENTION must be positive")
	}
	if _, err := cron.ParseStandard(cfg.SchedulerPruneSpec); err != nil {
		errs = append(errs, fmt.Sprintf("FLUXBASE_SCHEDULER_PRUNE_SPEC: invalid cron expression %q: %v", cfg.SchedulerPruneSpec, err))
	}

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

func envBool(key string, defaultVal bool, errs *[]string) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid boolean %q", key, v))
		return defaultVal
	}
	return b
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
