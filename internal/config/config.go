package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Settings holds the full runtime configuration.
type Settings struct {
	DataDir string `yaml:"data_dir"`

	Provisioner ProvisionerSettings  `yaml:"provisioner"`
	Sync        SyncSettings         `yaml:"sync"`
	Invites     InviteSettings       `yaml:"invites"`
	Notify      NotificationSettings `yaml:"notify"`
	Log         LogSettings          `yaml:"log"`
}

// ProvisionerSettings configures the media-server provisioning API client.
type ProvisionerSettings struct {
	BaseURL        string `yaml:"base_url"`
	Username       string `yaml:"username"`
	Password       string `yaml:"password"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// SyncSettings configures the remote directory mirror.
type SyncSettings struct {
	IntervalHours int `yaml:"interval_hours"`
}

// InviteSettings configures invite issuance.
type InviteSettings struct {
	LinkBaseURL      string `yaml:"link_base_url"`
	LinkValidityDays int    `yaml:"link_validity_days"`
	TrialPlan        string `yaml:"trial_plan"`
	TrialDays        int    `yaml:"trial_days"`
}

// NotificationSettings tunes the expiry notification pass.
type NotificationSettings struct {
	LookaheadDays     int   `yaml:"lookahead_days"`
	DaysBeforeExpiry  []int `yaml:"days_before_expiry"`
	DedupIntervalDays int   `yaml:"dedup_interval_days"`
	PassIntervalHours int   `yaml:"interval_hours"`
}

// LogSettings configures logging output.
type LogSettings struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultSettings returns the baseline configuration before file and
// environment overrides.
func DefaultSettings() *Settings {
	return &Settings{
		DataDir: "./data",
		Provisioner: ProvisionerSettings{
			TimeoutSeconds: 15,
		},
		Sync: SyncSettings{
			IntervalHours: 12,
		},
		Invites: InviteSettings{
			LinkValidityDays: 1,
			TrialPlan:        "Trial",
			TrialDays:        3,
		},
		Notify: NotificationSettings{
			LookaheadDays:     4,
			DaysBeforeExpiry:  []int{3, 0},
			DedupIntervalDays: 2,
			PassIntervalHours: 6,
		},
		Log: LogSettings{
			Level:  "info",
			Format: "auto",
		},
	}
}

// Load builds settings from defaults, an optional YAML file, and
// environment variables, in that order of precedence.
func Load() (*Settings, error) {
	// .env files are a convenience for local and container deployments
	if err := godotenv.Load(); err == nil {
		log.Debug().Msg("Loaded environment from .env")
	}

	s := DefaultSettings()

	path := os.Getenv("JELLYWARD_CONFIG")
	if path == "" {
		for _, candidate := range []string{"./jellyward.yml", "/etc/jellyward/jellyward.yml"} {
			if _, err := os.Stat(candidate); err == nil {
				path = candidate
				break
			}
		}
	}
	if path != "" {
		if err := s.loadFile(path); err != nil {
			return nil, err
		}
	}

	s.applyEnv()

	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return s, nil
}

func (s *Settings) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, s); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	log.Info().Str("path", path).Msg("Loaded configuration file")
	return nil
}

func (s *Settings) applyEnv() {
	if v := os.Getenv("JELLYWARD_DATA_DIR"); v != "" {
		s.DataDir = v
	}
	if v := os.Getenv("JELLYWARD_PROVISIONER_URL"); v != "" {
		s.Provisioner.BaseURL = v
	}
	if v := os.Getenv("JELLYWARD_PROVISIONER_USER"); v != "" {
		s.Provisioner.Username = v
	}
	if v := os.Getenv("JELLYWARD_PROVISIONER_PASS"); v != "" {
		s.Provisioner.Password = v
	}
	if v := os.Getenv("JELLYWARD_PROVISIONER_TIMEOUT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			s.Provisioner.TimeoutSeconds = n
		}
	}
	if v := os.Getenv("JELLYWARD_SYNC_INTERVAL_HOURS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			s.Sync.IntervalHours = n
		}
	}
	if v := os.Getenv("JELLYWARD_INVITE_LINK_BASE_URL"); v != "" {
		s.Invites.LinkBaseURL = v
	}
	if v := os.Getenv("JELLYWARD_NOTIFY_DAYS"); v != "" {
		if days, err := parseDayList(v); err == nil {
			s.Notify.DaysBeforeExpiry = days
		} else {
			log.Warn().Str("value", v).Msg("Ignoring invalid JELLYWARD_NOTIFY_DAYS")
		}
	}
	if v := os.Getenv("JELLYWARD_NOTIFY_DEDUP_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			s.Notify.DedupIntervalDays = n
		}
	}
	if v := os.Getenv("JELLYWARD_LOG_LEVEL"); v != "" {
		s.Log.Level = v
	}
	if v := os.Getenv("JELLYWARD_LOG_FORMAT"); v != "" {
		s.Log.Format = v
	}
}

// Validate checks that the configuration is usable.
func (s *Settings) Validate() error {
	if s.DataDir == "" {
		return fmt.Errorf("data_dir must not be empty")
	}
	if s.Provisioner.TimeoutSeconds <= 0 {
		return fmt.Errorf("provisioner.timeout_seconds must be positive")
	}
	if s.Sync.IntervalHours <= 0 {
		return fmt.Errorf("sync.interval_hours must be positive")
	}
	if s.Notify.LookaheadDays < 0 {
		return fmt.Errorf("notify.lookahead_days must not be negative")
	}
	if s.Notify.DedupIntervalDays < 0 {
		return fmt.Errorf("notify.dedup_interval_days must not be negative")
	}
	if s.Invites.LinkValidityDays <= 0 {
		return fmt.Errorf("invites.link_validity_days must be positive")
	}
	return nil
}

// EnsureDataDir creates the data directory if needed.
func (s *Settings) EnsureDataDir() error {
	if err := os.MkdirAll(s.DataDir, 0700); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	return nil
}

// RemoteTimeout returns the bound applied to every provisioner call.
func (s *Settings) RemoteTimeout() time.Duration {
	return time.Duration(s.Provisioner.TimeoutSeconds) * time.Second
}

// SyncInterval returns the directory sync period.
func (s *Settings) SyncInterval() time.Duration {
	return time.Duration(s.Sync.IntervalHours) * time.Hour
}

// NotifyInterval returns the expiry pass period.
func (s *Settings) NotifyInterval() time.Duration {
	return time.Duration(s.Notify.PassIntervalHours) * time.Hour
}

// DedupInterval returns the minimum spacing between repeat notifications.
func (s *Settings) DedupInterval() time.Duration {
	return time.Duration(s.Notify.DedupIntervalDays) * 24 * time.Hour
}

// Lookahead returns how far ahead the expiry pass scans.
func (s *Settings) Lookahead() time.Duration {
	return time.Duration(s.Notify.LookaheadDays) * 24 * time.Hour
}

// ConfigFilePath returns the path Load would read, or empty when none exists.
func ConfigFilePath() string {
	if path := os.Getenv("JELLYWARD_CONFIG"); path != "" {
		return path
	}
	for _, candidate := range []string{"./jellyward.yml", "/etc/jellyward/jellyward.yml"} {
		if abs, err := filepath.Abs(candidate); err == nil {
			if _, err := os.Stat(abs); err == nil {
				return abs
			}
		}
	}
	return ""
}

func parseDayList(v string) ([]int, error) {
	parts := strings.Split(v, ",")
	days := make([]int, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, err
		}
		days = append(days, n)
	}
	if len(days) == 0 {
		return nil, fmt.Errorf("empty day list")
	}
	return days, nil
}
