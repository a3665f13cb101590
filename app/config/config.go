package config

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/mandelsoft/vfs/pkg/vfs"

	"go.hackfix.me/dictstep/db/types"
	"go.hackfix.me/dictstep/step/registry"
	"go.hackfix.me/dictstep/step/selector"
	"go.hackfix.me/dictstep/xtime"
)

// Config represents the application configuration, backed by a filesystem for
// persistence.
type Config struct {
	Database Database
	Apply    Apply
	Plugin   Plugin

	fs   vfs.FileSystem
	path string
}

// NewConfig creates a new Config instance with the specified filesystem
// and configuration file path.
func NewConfig(fs vfs.FileSystem, path string) *Config {
	return &Config{fs: fs, path: path}
}

// Load reads and parses the configuration file from the filesystem.
// If the file doesn't exist, it initializes with an empty configuration.
func (c *Config) Load() error {
	if err := c.fs.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return fmt.Errorf("failed creating configuration directory: %w", err)
	}

	configJSON, err := vfs.ReadFile(c.fs, c.path)
	if err != nil && !vfs.IsErrNotExist(err) {
		return fmt.Errorf("failed reading configuration file: %w", err)
	}

	// Ensure that unmarshalling JSON doesn't fail if the file doesn't exist or is empty.
	if len(configJSON) == 0 {
		configJSON = []byte("{}")
	}

	if err = json.Unmarshal(configJSON, c); err != nil {
		return fmt.Errorf("failed parsing configuration file: %w", err)
	}

	return nil
}

// Path returns the filesystem path where the configuration is stored.
func (c *Config) Path() string {
	return c.path
}

// Save writes the current configuration to the filesystem as JSON.
func (c *Config) Save() error {
	if err := c.fs.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return fmt.Errorf("failed creating configuration directory: %w", err)
	}
	configJSON, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed serializing configuration data: %w", err)
	}
	if err = vfs.WriteFile(c.fs, c.path, configJSON, 0o644); err != nil {
		return fmt.Errorf("failed writing configuration file: %w", err)
	}

	return nil
}

// Database defines the target database of migrations.
type Database struct {
	// DSN is the data source name passed to the database driver.
	DSN sql.Null[string] `json:"dsn"`
	// Dialect is the SQL dialect of the database.
	Dialect sql.Null[types.Dialect] `json:"dialect"`
	// DialectVersion is the required prefix of the database server version,
	// e.g. "16." for any PostgreSQL 16 release.
	DialectVersion sql.Null[string] `json:"dialect_version"`
	// TablePrefix is the prefix of the tables of the managed schema instance.
	TablePrefix sql.Null[string] `json:"table_prefix"`
}

// Apply defines options of migration runs.
type Apply struct {
	// Timeout is the maximum duration of a migration run, after which it's
	// aborted and rolled back.
	// It serializes from/to xtime.Duration string values.
	Timeout sql.Null[time.Duration] `json:"timeout"`
	// MissingSteps determines how requested steps that the plugin doesn't
	// provide are handled.
	MissingSteps sql.Null[selector.MissingPolicy] `json:"missing_steps"`
	// AppliedLog is the path of the file applied steps are logged to.
	AppliedLog sql.Null[string] `json:"applied_log"`
}

// Plugin defines options of plugin loading and step discovery.
type Plugin struct {
	// StartTimeout is the maximum time to wait for a plugin process to start.
	// It serializes from/to xtime.Duration string values.
	StartTimeout sql.Null[time.Duration] `json:"start_timeout"`
	// Modules limits step discovery to the plugin modules with these names.
	Modules []string `json:"modules"`
	// DiscoveryFailure determines how modules that fail to load are handled.
	DiscoveryFailure sql.Null[registry.FailurePolicy] `json:"discovery_failure"`
}

type cfgWrapper struct {
	Database dbCfgWrapper     `json:"database"`
	Apply    applyCfgWrapper  `json:"apply"`
	Plugin   pluginCfgWrapper `json:"plugin"`
}
type dbCfgWrapper struct {
	DSN            string `json:"dsn,omitempty"`
	Dialect        string `json:"dialect,omitempty"`
	DialectVersion string `json:"dialect_version,omitempty"`
	TablePrefix    string `json:"table_prefix,omitempty"`
}
type applyCfgWrapper struct {
	Timeout      string `json:"timeout,omitempty"`
	MissingSteps string `json:"missing_steps,omitempty"`
	AppliedLog   string `json:"applied_log,omitempty"`
}
type pluginCfgWrapper struct {
	StartTimeout     string   `json:"start_timeout,omitempty"`
	Modules          []string `json:"modules,omitempty"`
	DiscoveryFailure string   `json:"discovery_failure,omitempty"`
}

// MarshalJSON implements custom JSON marshaling to convert sql.Null values
// to their underlying types, omitting invalid/null fields from the output.
func (c Config) MarshalJSON() ([]byte, error) {
	w := cfgWrapper{}

	if c.Database.DSN.Valid {
		w.Database.DSN = c.Database.DSN.V
	}
	if c.Database.Dialect.Valid {
		w.Database.Dialect = string(c.Database.Dialect.V)
	}
	if c.Database.DialectVersion.Valid {
		w.Database.DialectVersion = c.Database.DialectVersion.V
	}
	if c.Database.TablePrefix.Valid {
		w.Database.TablePrefix = c.Database.TablePrefix.V
	}

	if c.Apply.Timeout.Valid {
		w.Apply.Timeout = xtime.FormatDuration(c.Apply.Timeout.V, time.Second)
	}
	if c.Apply.MissingSteps.Valid {
		w.Apply.MissingSteps = c.Apply.MissingSteps.V.String()
	}
	if c.Apply.AppliedLog.Valid {
		w.Apply.AppliedLog = c.Apply.AppliedLog.V
	}

	if c.Plugin.StartTimeout.Valid {
		w.Plugin.StartTimeout = xtime.FormatDuration(c.Plugin.StartTimeout.V, time.Second)
	}
	w.Plugin.Modules = c.Plugin.Modules
	if c.Plugin.DiscoveryFailure.Valid {
		w.Plugin.DiscoveryFailure = c.Plugin.DiscoveryFailure.V.String()
	}

	//nolint:wrapcheck // This is fine.
	return json.Marshal(w)
}

// UnmarshalJSON implements custom JSON unmarshaling to convert plain values
// into sql.Null types and parse duration strings into time.Duration values.
func (c *Config) UnmarshalJSON(data []byte) error {
	var w cfgWrapper
	if err := json.Unmarshal(data, &w); err != nil {
		//nolint:wrapcheck // This is fine.
		return err
	}

	if w.Database.DSN != "" {
		c.Database.DSN = sql.Null[string]{V: w.Database.DSN, Valid: true}
	}
	if w.Database.Dialect != "" {
		d, err := types.ParseDialect(w.Database.Dialect)
		if err != nil {
			return err
		}
		c.Database.Dialect = sql.Null[types.Dialect]{V: d, Valid: true}
	}
	if w.Database.DialectVersion != "" {
		c.Database.DialectVersion = sql.Null[string]{V: w.Database.DialectVersion, Valid: true}
	}
	if w.Database.TablePrefix != "" {
		c.Database.TablePrefix = sql.Null[string]{V: w.Database.TablePrefix, Valid: true}
	}

	if w.Apply.Timeout != "" {
		dur, err := xtime.ParseDuration(w.Apply.Timeout)
		if err != nil {
			return fmt.Errorf("failed parsing apply timeout: %w", err)
		}
		c.Apply.Timeout = sql.Null[time.Duration]{V: dur, Valid: true}
	}
	if w.Apply.MissingSteps != "" {
		p, err := selector.ParseMissingPolicy(w.Apply.MissingSteps)
		if err != nil {
			return err
		}
		c.Apply.MissingSteps = sql.Null[selector.MissingPolicy]{V: p, Valid: true}
	}
	if w.Apply.AppliedLog != "" {
		c.Apply.AppliedLog = sql.Null[string]{V: w.Apply.AppliedLog, Valid: true}
	}

	if w.Plugin.StartTimeout != "" {
		dur, err := xtime.ParseDuration(w.Plugin.StartTimeout)
		if err != nil {
			return fmt.Errorf("failed parsing plugin start timeout: %w", err)
		}
		c.Plugin.StartTimeout = sql.Null[time.Duration]{V: dur, Valid: true}
	}
	c.Plugin.Modules = w.Plugin.Modules
	if w.Plugin.DiscoveryFailure != "" {
		p, err := registry.ParseFailurePolicy(w.Plugin.DiscoveryFailure)
		if err != nil {
			return err
		}
		c.Plugin.DiscoveryFailure = sql.Null[registry.FailurePolicy]{V: p, Valid: true}
	}

	return nil
}

// SetDefaults sets default configuration values if they weren't set already.
func (c *Config) SetDefaults() {
	if !c.Database.Dialect.Valid {
		c.Database.Dialect = sql.Null[types.Dialect]{V: types.SQLite, Valid: true}
	}
	if !c.Apply.Timeout.Valid {
		c.Apply.Timeout = sql.Null[time.Duration]{V: 10 * time.Minute, Valid: true}
	}
	if !c.Apply.MissingSteps.Valid {
		c.Apply.MissingSteps = sql.Null[selector.MissingPolicy]{V: selector.MissingWarn, Valid: true}
	}
	if !c.Plugin.StartTimeout.Valid {
		c.Plugin.StartTimeout = sql.Null[time.Duration]{V: time.Minute, Valid: true}
	}
	if !c.Plugin.DiscoveryFailure.Valid {
		c.Plugin.DiscoveryFailure = sql.Null[registry.FailurePolicy]{V: registry.SkipFailed, Valid: true}
	}
}
