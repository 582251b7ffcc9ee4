package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"duecal/internal/ics"
	appLog "duecal/internal/log"
	"duecal/internal/reminder"
)

// NOTE: This file provides the configuration model and full YAML-based
// load/save behavior, including first-run config creation and 0600
// permissions. Secrets are read from DUECAL_* environment variables and
// never written back to disk.

// EnvPrefix is the envconfig prefix for secrets.
const EnvPrefix = "DUECAL"

// FeedConfig describes a single calendar feed subscription.
type FeedConfig struct {
	// URL is the feed endpoint; webcal:// and webcals:// are accepted.
	URL string `yaml:"url" json:"url"`
	// ID is an internal identifier used for de-dup and logging.
	ID string `yaml:"id" json:"id"`
	// Name is a human-friendly label.
	Name string `yaml:"name" json:"name"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// RemindersConfig is the default notification settings. Settings saved
// through the API take precedence once they exist.
type RemindersConfig struct {
	Enabled        bool  `yaml:"enabled" json:"enabled"`
	IntervalsHours []int `yaml:"intervals_hours" json:"intervals_hours"`
	SnoozeMinutes  int   `yaml:"snooze_minutes" json:"snooze_minutes"`
}

// NotifyConfig selects chat destinations. A channel is enabled when both its
// destination here and its token in the environment are set.
type NotifyConfig struct {
	TelegramChatID   int64  `yaml:"telegram_chat_id" json:"telegram_chat_id"`
	DiscordChannelID string `yaml:"discord_channel_id" json:"discord_channel_id"`
}

// LogConfig controls the application logger.
type LogConfig struct {
	Level  string `yaml:"level" json:"level"`
	Pretty bool   `yaml:"pretty" json:"pretty"`
}

// Secrets are only taken from the environment.
type Secrets struct {
	TelegramToken     string `envconfig:"TELEGRAM_TOKEN"`
	DiscordToken      string `envconfig:"DISCORD_TOKEN"`
	BasicAuthPassword string `envconfig:"BASIC_AUTH_PASSWORD"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the API.
	Listen string `yaml:"listen" json:"listen"`

	// Timezone is the IANA zone in which floating feed times are read and
	// due moments are displayed (e.g. "America/New_York").
	Timezone string `yaml:"timezone" json:"timezone"`

	// RefreshCron is a cron-style schedule for feed refreshes.
	RefreshCron string `yaml:"refresh" json:"refresh"`

	// ReminderCron is the schedule of the periodic reminder computation.
	ReminderCron string `yaml:"reminder_tick" json:"reminder_tick"`

	// FetchTimeoutSeconds bounds one feed request.
	FetchTimeoutSeconds int `yaml:"fetch_timeout_seconds" json:"fetch_timeout_seconds"`

	// StatePath is the SQLite file holding records and reminder state.
	StatePath string `yaml:"state_path" json:"state_path"`

	// CacheDir holds the HTTP cache of fetched feeds.
	CacheDir string `yaml:"cache_dir" json:"cache_dir"`

	// Feeds is the list of subscribed feeds.
	Feeds []FeedConfig `yaml:"feeds" json:"feeds"`

	Reminders RemindersConfig `yaml:"reminders" json:"reminders"`

	// Rules is the assignment classifier rule set.
	Rules ics.Rules `yaml:"rules" json:"rules"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all endpoints
	// except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`

	Notify NotifyConfig `yaml:"notify" json:"notify"`
	Log    LogConfig    `yaml:"log" json:"log"`

	Secrets Secrets `yaml:"-" json:"-"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:              "127.0.0.1:8080",
		Timezone:            "Local",
		RefreshCron:         "*/15 * * * *",
		ReminderCron:        "@every 30m",
		FetchTimeoutSeconds: 15,
		StatePath:           "/var/lib/duecal/state.db",
		CacheDir:            "/var/lib/duecal/ics-cache",
		Feeds:               []FeedConfig{},
		Reminders: RemindersConfig{
			Enabled:        true,
			IntervalsHours: append([]int(nil), reminder.DefaultIntervalsHours...),
			SnoozeMinutes:  60,
		},
		Rules: ics.DefaultRules(),
		Log:   LogConfig{Level: "info"},
	}
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs still behave correctly.
func (c *Config) Normalize() {
	def := DefaultConfig()
	if c.Listen == "" {
		c.Listen = def.Listen
	}
	if c.Timezone == "" {
		c.Timezone = def.Timezone
	}
	if c.RefreshCron == "" {
		c.RefreshCron = def.RefreshCron
	}
	if c.ReminderCron == "" {
		c.ReminderCron = def.ReminderCron
	}
	if c.FetchTimeoutSeconds <= 0 {
		c.FetchTimeoutSeconds = def.FetchTimeoutSeconds
	}
	if c.StatePath == "" {
		c.StatePath = def.StatePath
	}
	if c.Feeds == nil {
		c.Feeds = []FeedConfig{}
	}
	if len(c.Reminders.IntervalsHours) == 0 {
		c.Reminders.IntervalsHours = def.Reminders.IntervalsHours
	}
	if c.Reminders.SnoozeMinutes <= 0 {
		c.Reminders.SnoozeMinutes = def.Reminders.SnoozeMinutes
	}
	// A rule set with neither keywords nor a prefix would classify nothing.
	if len(c.Rules.Keywords) == 0 && c.Rules.ClassPrefixPattern == "" {
		c.Rules = def.Rules
	}
	if c.Log.Level == "" {
		c.Log.Level = def.Log.Level
	}
}

// Validate checks values that would otherwise fail later at startup.
func (c *Config) Validate() error {
	var errs []error
	if _, err := cron.ParseStandard(c.RefreshCron); err != nil {
		errs = append(errs, fmt.Errorf("refresh: %w", err))
	}
	if _, err := cron.ParseStandard(c.ReminderCron); err != nil {
		errs = append(errs, fmt.Errorf("reminder_tick: %w", err))
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("timezone: %w", err))
	}
	if _, err := ics.NewClassifier(c.Rules); err != nil {
		errs = append(errs, fmt.Errorf("rules: %w", err))
	}
	if err := c.ReminderSettings().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("reminders: %w", err))
	}
	for i, f := range c.Feeds {
		if f.URL == "" {
			errs = append(errs, fmt.Errorf("feeds[%d]: url is empty", i))
		}
	}
	return errors.Join(errs...)
}

// Location resolves Timezone, falling back to time.Local.
func (c *Config) Location() *time.Location {
	if c.Timezone == "" || c.Timezone == "Local" {
		return time.Local
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		appLog.Error("failed to load timezone; falling back to local", err, "name", c.Timezone)
		return time.Local
	}
	return loc
}

// FetchTimeout returns the per-request feed timeout.
func (c *Config) FetchTimeout() time.Duration {
	return time.Duration(c.FetchTimeoutSeconds) * time.Second
}

// SnoozeDuration returns the snooze length used by chat buttons.
func (c *Config) SnoozeDuration() time.Duration {
	return time.Duration(c.Reminders.SnoozeMinutes) * time.Minute
}

// ReminderSettings returns the configured default notification settings.
func (c *Config) ReminderSettings() reminder.Settings {
	return reminder.Settings{
		Enabled:        c.Reminders.Enabled,
		IntervalsHours: append([]int(nil), c.Reminders.IntervalsHours...),
	}
}

// Sources builds fetch sources from Feeds. The ID falls back to the name,
// then to the URL.
func (c *Config) Sources() []ics.Source {
	sources := make([]ics.Source, 0, len(c.Feeds))
	for _, f := range c.Feeds {
		if f.URL == "" {
			continue
		}
		id := f.ID
		if id == "" {
			if f.Name != "" {
				id = f.Name
			} else {
				id = f.URL
			}
		}
		sources = append(sources, ics.Source{ID: id, URL: f.URL})
	}
	return sources
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist:
//   - create parent directory if needed
//   - write a default config with 0600 perms
//   - return the default config
//   - If the file exists:
//   - read YAML over the defaults and normalize
//
// In both cases secrets are then read from the environment.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// First run: create default config file.
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Even if save fails, return cfg with error so caller can decide.
				return cfg, err
			}
			return cfg, cfg.loadSecrets()
		}
		return nil, err
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.Normalize()

	return cfg, cfg.loadSecrets()
}

func (c *Config) loadSecrets() error {
	if err := envconfig.Process(EnvPrefix, &c.Secrets); err != nil {
		return fmt.Errorf("failed to process environment variables: %w", err)
	}
	return nil
}

// BasicAuthCredentials returns the API credentials. DUECAL_BASIC_AUTH_PASSWORD
// takes precedence over the password in the file. ok is false when either
// part is empty.
func (c *Config) BasicAuthCredentials() (username, password string, ok bool) {
	if c.BasicAuth == nil {
		return "", "", false
	}
	username, password = c.BasicAuth.Username, c.BasicAuth.Password
	if c.Secrets.BasicAuthPassword != "" {
		password = c.Secrets.BasicAuthPassword
	}
	return username, password, username != "" && password != ""
}

// Save writes the given configuration to the specified path.
//
// Implementation details:
//   - Ensures parent directory exists (0700).
//   - Marshals cfg to YAML.
//   - Writes atomically via a temp file + rename.
//   - Ensures final file permissions are 0600.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	// Atomic write: write to temp file in same directory then rename.
	tmp, err := os.CreateTemp(dir, ".duecal-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	// Ensure we clean up temp file on error.
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}

	// Flush and close before chmod/rename.
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	// Set permissions to 0600 on temp file before rename.
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}

	return os.Rename(tmpName, path)
}

// Save is a convenience method on Config that delegates to the package-level
// Save function.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
