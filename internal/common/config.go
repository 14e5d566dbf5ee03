package common

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/robfig/cron/v3"
)

// Config is the root configuration for the telemetry client. It is loaded
// default -> file -> env, mirroring the priority order the teacher's
// services used for their own TOML configuration.
type Config struct {
	Environment string          `toml:"environment"` // "development" or "production"; the sanitizer does not read it
	Storage     StorageConfig   `toml:"storage"`
	Scheduler   SchedulerConfig `toml:"scheduler"`
	Quorum      QuorumConfig    `toml:"quorum"`
	Whitelist   WhitelistConfig `toml:"whitelist"`
	Country     CountryConfig   `toml:"country"`
	Logging     LoggingConfig   `toml:"logging"`
}

// StorageConfig groups the KV storage engine configuration.
type StorageConfig struct {
	Badger BadgerConfig `toml:"badger"`
}

// BadgerConfig represents BadgerDB-specific configuration.
type BadgerConfig struct {
	Path           string `toml:"path"`             // Database directory path
	ResetOnStartup bool   `toml:"reset_on_startup"` // Delete database on startup for clean test runs
}

// SchedulerConfig controls the cron-driven maintenance cycle (refreshes and
// clean), the token-buffer and send tickers, and the job scheduler's
// pending-job poll cadence.
type SchedulerConfig struct {
	PollInterval        string `toml:"poll_interval"`         // e.g. "1s" - how often pending jobs are dequeued
	MaintenanceSchedule string `toml:"maintenance_schedule"`  // cron expression driving clean/refresh ticks
	TokenBatchInterval  string `toml:"token_batch_interval"`  // TOKEN_BUFFER_TIME, e.g. "10s"
	SendBatchInterval   string `toml:"send_batch_interval"`   // *_BATCH_INTERVAL for the send cycle
	CleanInterval       string `toml:"clean_interval"`        // CLEAN_INTERVAL, e.g. "4m"; not read: clean cycles run as steps of MaintenanceSchedule
}

// QuorumConfig configures the quorum client's server endpoints.
type QuorumConfig struct {
	BaseURL   string `toml:"base_url"`   // e.g. "https://quorum.example.invalid"
	ConfigTTL string `toml:"config_ttl"` // rolling bucket TTL, e.g. "2h"; not read: the quorum client uses its own fixed 2h TTL
}

// WhitelistConfig configures the packed-bloom-filter whitelist CDN.
type WhitelistConfig struct {
	CDNBaseURL      string `toml:"cdn_base_url"`
	RefreshInterval string `toml:"refresh_interval"` // not read: update.json.gz is polled as a step of MaintenanceSchedule
}

// CountryConfig configures the country provider.
type CountryConfig struct {
	ConfigURL string   `toml:"config_url"`
	AllowList []string `toml:"allow_list"` // country codes considered safe to report verbatim
}

// LoggingConfig mirrors the teacher's logging section.
type LoggingConfig struct {
	Level      string   `toml:"level"`       // "debug", "info", "warn", "error"
	Format     string   `toml:"format"`      // "json" or "text"
	Output     []string `toml:"output"`      // "stdout", "file"
	TimeFormat string   `toml:"time_format"` // Time format for logs (default: "15:04:05.000")
}

// NewDefaultConfig creates a configuration with default values.
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Storage: StorageConfig{
			Badger: BadgerConfig{
				Path: "./data",
			},
		},
		Scheduler: SchedulerConfig{
			PollInterval:        "1s",
			MaintenanceSchedule: "0 */5 * * * *", // every 5 minutes
			TokenBatchInterval:  "10s",
			SendBatchInterval:   "30s",
			CleanInterval:       "4m",
		},
		Quorum: QuorumConfig{
			BaseURL:   "https://quorum.whotracksme.invalid",
			ConfigTTL: "2h",
		},
		Whitelist: WhitelistConfig{
			CDNBaseURL:      "https://cdn.whotracksme.invalid/whitelist",
			RefreshInterval: "6h",
		},
		Country: CountryConfig{
			ConfigURL: "https://cdn.whotracksme.invalid/country",
			AllowList: []string{},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: []string{"stdout", "file"},
		},
	}
}

// LoadFromFile loads configuration with priority: default -> file -> env.
func LoadFromFile(path string) (*Config, error) {
	if path == "" {
		return LoadFromFiles()
	}
	return LoadFromFiles(path)
}

// LoadFromFiles loads configuration from multiple files with priority:
// default -> file1 -> file2 -> ... -> env. Later files override earlier ones.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for i, path := range paths {
		if path == "" {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	applyEnvOverrides(config)

	return config, nil
}

// applyEnvOverrides applies environment variable overrides to config.
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("WTM_ENV"); env != "" {
		config.Environment = env
	} else if env := os.Getenv("GO_ENV"); env != "" {
		config.Environment = env
	}

	if badgerPath := os.Getenv("WTM_BADGER_PATH"); badgerPath != "" {
		config.Storage.Badger.Path = badgerPath
	}

	if level := os.Getenv("WTM_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if format := os.Getenv("WTM_LOG_FORMAT"); format != "" {
		config.Logging.Format = format
	}
	if output := os.Getenv("WTM_LOG_OUTPUT"); output != "" {
		outputs := []string{}
		for _, o := range strings.Split(output, ",") {
			trimmed := strings.TrimSpace(o)
			if trimmed != "" {
				outputs = append(outputs, trimmed)
			}
		}
		if len(outputs) > 0 {
			config.Logging.Output = outputs
		}
	}

	if quorumURL := os.Getenv("WTM_QUORUM_BASE_URL"); quorumURL != "" {
		config.Quorum.BaseURL = quorumURL
	}
	if cdnURL := os.Getenv("WTM_WHITELIST_CDN_URL"); cdnURL != "" {
		config.Whitelist.CDNBaseURL = cdnURL
	}
	if countryURL := os.Getenv("WTM_COUNTRY_CONFIG_URL"); countryURL != "" {
		config.Country.ConfigURL = countryURL
	}
	if allowList := os.Getenv("WTM_COUNTRY_ALLOW_LIST"); allowList != "" {
		codes := []string{}
		for _, c := range strings.Split(allowList, ",") {
			trimmed := strings.TrimSpace(c)
			if trimmed != "" {
				codes = append(codes, trimmed)
			}
		}
		if len(codes) > 0 {
			config.Country.AllowList = codes
		}
	}

	if pollInterval := os.Getenv("WTM_SCHEDULER_POLL_INTERVAL"); pollInterval != "" {
		config.Scheduler.PollInterval = pollInterval
	}
}

// ValidateMaintenanceSchedule validates a cron schedule expression for the
// periodic maintenance runner. Requires the standard 6-field robfig/cron
// seconds-enabled form.
func ValidateMaintenanceSchedule(schedule string) error {
	parser := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	if _, err := parser.Parse(schedule); err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}
	return nil
}

// IsProduction returns true if the environment is set to production.
func (c *Config) IsProduction() bool {
	env := strings.ToLower(strings.TrimSpace(c.Environment))
	return env == "production" || env == "prod"
}

// AllowTestURLs returns true outside production. SanitizeURL does not
// consult it: localhost and IP-literal hosts are dropped in every
// environment.
func (c *Config) AllowTestURLs() bool {
	return !c.IsProduction()
}

// ParseDurationOr parses a duration string, falling back to a default value
// when empty or malformed. Several SchedulerConfig/WhitelistConfig fields are
// stored as strings (TOML-friendly, env-overridable) and converted at the
// point of use, the same pattern the teacher's QueueConfig.PollInterval used.
func ParseDurationOr(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
