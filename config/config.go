// Package config loads swarmbus settings from TOML.
package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/vinayprograms/swarmbus/bus"
	"github.com/vinayprograms/swarmbus/errors"
	"github.com/vinayprograms/swarmbus/lifecycle"
	"github.com/vinayprograms/swarmbus/logging"
	"github.com/vinayprograms/swarmbus/telemetry"
)

// EnvPath names a config file that overrides the standard search.
const EnvPath = "SWARMBUS_CONFIG"

// Config is the on-disk configuration.
type Config struct {
	Bus       Bus       `toml:"bus"`
	Lifecycle Lifecycle `toml:"lifecycle"`
	Log       Log       `toml:"log"`
	Telemetry Telemetry `toml:"telemetry"`
}

// Bus is the [bus] section.
type Bus struct {
	MailboxCapacity int `toml:"mailbox_capacity"`
}

// Lifecycle is the [lifecycle] section.
type Lifecycle struct {
	OrchestratorID           string   `toml:"orchestrator_id"`
	BroadcastTopic           string   `toml:"broadcast_topic"`
	SweepInterval            Duration `toml:"sweep_interval"`
	HeartbeatInterval        Duration `toml:"heartbeat_interval"`
	MissedHeartbeatThreshold int      `toml:"missed_heartbeat_threshold"`
	MaxRestartAttempts       int      `toml:"max_restart_attempts"`
	RestartBackoffBase       Duration `toml:"restart_backoff_base"`
	RestartBackoffMax        Duration `toml:"restart_backoff_max"`
}

// Log is the [log] section.
type Log struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Telemetry is the [telemetry] section.
type Telemetry struct {
	Enabled     bool              `toml:"enabled"`
	Endpoint    string            `toml:"endpoint"`
	Protocol    string            `toml:"protocol"`
	Insecure    bool              `toml:"insecure"`
	ServiceName string            `toml:"service_name"`
	SampleRatio float64           `toml:"sample_ratio"`
	Headers     map[string]string `toml:"headers"`
}

// Default returns the built-in configuration. A file only needs to name
// the keys it changes.
func Default() *Config {
	lc := lifecycle.DefaultConfig()
	return &Config{
		Bus: Bus{MailboxCapacity: bus.DefaultConfig().DefaultMailboxCapacity},
		Lifecycle: Lifecycle{
			OrchestratorID:           lc.ID,
			BroadcastTopic:           lc.BroadcastTopic,
			SweepInterval:            Duration(lc.SweepInterval),
			HeartbeatInterval:        Duration(lc.DefaultHeartbeatInterval),
			MissedHeartbeatThreshold: lc.DefaultMissedThreshold,
			MaxRestartAttempts:       lc.MaxRestartAttempts,
			RestartBackoffBase:       Duration(lc.RestartBackoffBase),
			RestartBackoffMax:        Duration(lc.RestartBackoffMax),
		},
		Log: Log{Level: "info", Format: string(logging.FormatText)},
		Telemetry: Telemetry{
			Protocol:    "grpc",
			Insecure:    true,
			ServiceName: "swarmbus",
		},
	}
}

// StandardPaths returns the config file locations in order of priority.
func StandardPaths() []string {
	paths := []string{"swarmbus.toml"}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "swarmbus", "config.toml"))
	}
	return paths
}

// Load reads path over the defaults and validates the result. Unknown keys
// are rejected so typos do not silently fall back to defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.WrapWithCode(err, errors.ErrCodeNotFound, "config file not found",
				errors.WithMetadata("path", path))
		}
		return nil, errors.WrapWithCode(err, errors.ErrCodeInvalidInput, "parse config",
			errors.WithMetadata("path", path))
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, errors.InvalidInput("unknown config keys: "+strings.Join(keys, ", "),
			errors.WithMetadata("path", path))
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid config", errors.WithMetadata("path", path))
	}
	return cfg, nil
}

// LoadDefault loads the file named by SWARMBUS_CONFIG, or else the first
// standard path that exists. With no file it returns the defaults and an
// empty path.
func LoadDefault() (*Config, string, error) {
	if path := os.Getenv(EnvPath); path != "" {
		cfg, err := Load(path)
		return cfg, path, err
	}
	for _, path := range StandardPaths() {
		if _, err := os.Stat(path); err == nil {
			cfg, err := Load(path)
			return cfg, path, err
		}
	}
	return Default(), "", nil
}

// Validate checks every section.
func (c *Config) Validate() error {
	if c.Bus.MailboxCapacity <= 0 {
		return errors.InvalidInput("bus.mailbox_capacity must be positive")
	}
	if err := c.LifecycleConfig().Validate(); err != nil {
		return errors.Wrap(err, "lifecycle section")
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return errors.InvalidInput("log.level: " + err.Error())
	}
	switch logging.Format(strings.ToLower(c.Log.Format)) {
	case "", logging.FormatText, logging.FormatJSON:
	default:
		return errors.InvalidInput("log.format must be text or json")
	}
	if c.Telemetry.Enabled {
		switch strings.ToLower(c.Telemetry.Protocol) {
		case "", "grpc", "http":
		default:
			return errors.InvalidInput("telemetry.protocol must be grpc or http")
		}
		if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
			return errors.InvalidInput("telemetry.sample_ratio must be between 0 and 1")
		}
		if c.Telemetry.ServiceName == "" {
			return errors.InvalidInput("telemetry.service_name is required when telemetry is enabled")
		}
	}
	return nil
}

// BusConfig converts the [bus] section.
func (c *Config) BusConfig() bus.Config {
	return bus.Config{DefaultMailboxCapacity: c.Bus.MailboxCapacity}
}

// LifecycleConfig converts the [lifecycle] section. Agent mailboxes use
// the bus capacity.
func (c *Config) LifecycleConfig() lifecycle.Config {
	l := c.Lifecycle
	return lifecycle.Config{
		ID:                       l.OrchestratorID,
		BroadcastTopic:           l.BroadcastTopic,
		SweepInterval:            l.SweepInterval.Std(),
		DefaultHeartbeatInterval: l.HeartbeatInterval.Std(),
		DefaultMissedThreshold:   l.MissedHeartbeatThreshold,
		MaxRestartAttempts:       l.MaxRestartAttempts,
		RestartBackoffBase:       l.RestartBackoffBase.Std(),
		RestartBackoffMax:        l.RestartBackoffMax.Std(),
		MailboxCapacity:          c.Bus.MailboxCapacity,
	}
}

// LoggingOptions converts the [log] section.
func (c *Config) LoggingOptions() logging.Options {
	return logging.Options{
		Level:  c.Log.Level,
		Format: logging.Format(strings.ToLower(c.Log.Format)),
	}
}

// ProviderConfig converts the [telemetry] section.
func (c *Config) ProviderConfig() telemetry.ProviderConfig {
	t := c.Telemetry
	return telemetry.ProviderConfig{
		ServiceName: t.ServiceName,
		Endpoint:    t.Endpoint,
		Protocol:    strings.ToLower(t.Protocol),
		Insecure:    t.Insecure,
		Headers:     t.Headers,
		SampleRatio: t.SampleRatio,
	}
}
