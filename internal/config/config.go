package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/johndauphine/tablesync/internal/logging"
)

// expandTilde expands ~ or ~/ at the start of a path to the user's home directory
func expandTilde(path string) string {
	if path == "" {
		return path
	}
	if path == "~" {
		home, _ := os.UserHomeDir()
		return home
	}
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// Config holds all configuration for the migration engine
type Config struct {
	Connections    map[string]ConnectionConfig `yaml:"connections"`
	Configurations []Configuration             `yaml:"configurations"`
	Migration      MigrationConfig             `yaml:"migration"`
	Secrets        SecretsConfig               `yaml:"secrets"`
	Slack          SlackConfig                 `yaml:"slack"`
	Logging        LoggingConfig               `yaml:"logging"`
}

// SlackConfig holds Slack notification settings
type SlackConfig struct {
	WebhookURL string `yaml:"webhook_url"`
	Channel    string `yaml:"channel"`
	Username   string `yaml:"username"`
	Enabled    bool   `yaml:"enabled"`
}

// LoggingConfig holds default logging settings (CLI flags take precedence)
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// SecretsConfig selects how {vault:...} placeholders in connection settings are resolved.
type SecretsConfig struct {
	Provider string `yaml:"provider"` // "none" (default) or "env"
	Prefix   string `yaml:"prefix"`   // env provider: variable prefix (default VAULT_)
}

// ConnectionConfig describes one logical database connection.
type ConnectionConfig struct {
	Driver          string `yaml:"driver"` // mssql, postgres, sqlite
	DSN             string `yaml:"dsn"`    // full connection string, overrides the fields below
	Host            string `yaml:"host"`
	Port            int    `yaml:"port"`
	Database        string `yaml:"database"`
	User            string `yaml:"user"`
	Password        string `yaml:"password"`
	SSLMode         string `yaml:"ssl_mode"`          // PostgreSQL: disable, require, verify-ca, verify-full (default: require)
	TrustServerCert bool   `yaml:"trust_server_cert"` // MSSQL: trust server certificate (default: false)
	Encrypt         string `yaml:"encrypt"`           // MSSQL: disable, false, true (default: true)
	MaxConnections  int    `yaml:"max_connections"`
}

// MigrationConfig holds engine behavior settings
type MigrationConfig struct {
	Workers            int           `yaml:"workers"`
	DefaultBatchSize   int           `yaml:"default_batch_size"`
	ExtractTimeout     time.Duration `yaml:"extract_timeout"`
	LoadTimeout        time.Duration `yaml:"load_timeout"`
	DataDir            string        `yaml:"data_dir"`
	StateDB            string        `yaml:"state_db"`
	ChecksumSampleSize int           `yaml:"checksum_sample_size"`
	RecordLogLevel     string        `yaml:"record_log_level"` // minimum level mirrored into run log entries
}

// LoadOptions controls configuration loading behavior.
type LoadOptions struct {
	SuppressWarnings bool
	// EnvFile is loaded with godotenv before variables are expanded.
	// Missing files are ignored unless the path was set explicitly.
	EnvFile         string
	EnvFileExplicit bool
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	return LoadWithOptions(path, LoadOptions{EnvFile: ".env"})
}

// LoadWithOptions reads configuration from a YAML file with options.
func LoadWithOptions(path string, opts LoadOptions) (*Config, error) {
	if opts.EnvFile != "" {
		if err := godotenv.Load(opts.EnvFile); err != nil && (opts.EnvFileExplicit || !os.IsNotExist(err)) {
			return nil, fmt.Errorf("loading env file %s: %w", opts.EnvFile, err)
		}
		opts.warnExposed("env file", opts.EnvFile)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	opts.warnExposed("config file", path)

	return LoadBytes(data)
}

// warnExposed warns when a file that may hold credentials is readable by
// other users.
func (o LoadOptions) warnExposed(kind, path string) {
	if o.SuppressWarnings {
		return
	}
	if detail := exposure(path); detail != "" {
		logging.Warn("%s %s may expose database credentials: %s", kind, path, detail)
	}
}

// LoadBytes reads configuration from YAML bytes.
func LoadBytes(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// DefaultDataDir returns the default data directory for state storage.
func DefaultDataDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".tablesync")
}

// StatePath returns the path of the SQLite state database.
func (c *Config) StatePath() string {
	if filepath.IsAbs(c.Migration.StateDB) {
		return c.Migration.StateDB
	}
	return filepath.Join(c.Migration.DataDir, c.Migration.StateDB)
}

// Configuration returns the configuration with the given id.
func (c *Config) Configuration(id string) (*Configuration, bool) {
	for i := range c.Configurations {
		if strings.EqualFold(c.Configurations[i].ID, id) {
			return &c.Configurations[i], true
		}
	}
	return nil, false
}

func (c *Config) applyDefaults() {
	for name, conn := range c.Connections {
		conn.Driver = strings.ToLower(conn.Driver)
		switch conn.Driver {
		case "postgres", "postgresql", "pg":
			conn.Driver = "postgres"
			if conn.Port == 0 {
				conn.Port = 5432
			}
			if conn.SSLMode == "" {
				conn.SSLMode = "require" // Secure default for PostgreSQL
			}
		case "mssql", "sqlserver":
			conn.Driver = "mssql"
			if conn.Port == 0 {
				conn.Port = 1433
			}
			if conn.Encrypt == "" {
				conn.Encrypt = "true" // Secure default for MSSQL
			}
		case "sqlite", "sqlite3":
			conn.Driver = "sqlite"
		}
		if conn.MaxConnections == 0 {
			conn.MaxConnections = 8
		}
		c.Connections[name] = conn
	}

	if c.Migration.Workers <= 0 {
		c.Migration.Workers = 1
	}
	if c.Migration.DefaultBatchSize <= 0 {
		c.Migration.DefaultBatchSize = 1000
	}
	if c.Migration.ExtractTimeout <= 0 {
		c.Migration.ExtractTimeout = 5 * time.Minute
	}
	if c.Migration.LoadTimeout <= 0 {
		c.Migration.LoadTimeout = 10 * time.Minute
	}
	if c.Migration.DataDir == "" {
		c.Migration.DataDir = DefaultDataDir()
	} else {
		c.Migration.DataDir = expandTilde(c.Migration.DataDir)
	}
	if c.Migration.StateDB == "" {
		c.Migration.StateDB = "state.db"
	}
	if c.Migration.ChecksumSampleSize <= 0 {
		c.Migration.ChecksumSampleSize = 100
	}
	if c.Migration.RecordLogLevel == "" {
		c.Migration.RecordLogLevel = "info"
	}

	if c.Secrets.Provider == "" {
		c.Secrets.Provider = "none"
	}
	if c.Secrets.Prefix == "" {
		c.Secrets.Prefix = "VAULT_"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}

	for i := range c.Configurations {
		c.Configurations[i].applyDefaults(c.Migration.DefaultBatchSize)
	}
}

func (c *Config) validate() error {
	for name, conn := range c.Connections {
		switch conn.Driver {
		case "mssql", "postgres":
			if conn.DSN == "" && conn.Host == "" {
				return fmt.Errorf("connections.%s: host or dsn is required", name)
			}
			if conn.DSN == "" && conn.Database == "" {
				return fmt.Errorf("connections.%s: database is required", name)
			}
		case "sqlite":
			if conn.DSN == "" && conn.Database == "" {
				return fmt.Errorf("connections.%s: database (file path) or dsn is required", name)
			}
		default:
			return fmt.Errorf("connections.%s: driver must be 'mssql', 'postgres' or 'sqlite', got '%s'", name, conn.Driver)
		}
	}

	switch c.Secrets.Provider {
	case "none", "env":
	default:
		return fmt.Errorf("secrets.provider must be 'none' or 'env', got '%s'", c.Secrets.Provider)
	}

	seen := make(map[string]bool, len(c.Configurations))
	for i := range c.Configurations {
		cfg := &c.Configurations[i]
		if cfg.ID == "" {
			return fmt.Errorf("configurations[%d]: id is required", i)
		}
		key := strings.ToLower(cfg.ID)
		if seen[key] {
			return fmt.Errorf("configurations: duplicate id %q", cfg.ID)
		}
		seen[key] = true

		if _, ok := c.Connections[cfg.Source]; !ok {
			return fmt.Errorf("configuration %s: unknown source connection %q", cfg.ID, cfg.Source)
		}
		if _, ok := c.Connections[cfg.Destination]; !ok {
			return fmt.Errorf("configuration %s: unknown destination connection %q", cfg.ID, cfg.Destination)
		}
		if err := cfg.validate(); err != nil {
			return fmt.Errorf("configuration %s: %w", cfg.ID, err)
		}
	}
	return nil
}

// BuildDSN returns the connection string for a connection whose secrets are already resolved.
func (cc ConnectionConfig) BuildDSN() string {
	if cc.DSN != "" {
		return cc.DSN
	}
	switch cc.Driver {
	case "mssql":
		return buildMSSQLDSN(cc.Host, cc.Port, cc.Database, cc.User, cc.Password, cc.Encrypt, cc.TrustServerCert)
	case "postgres":
		return buildPostgresDSN(cc.Host, cc.Port, cc.Database, cc.User, cc.Password, cc.SSLMode)
	case "sqlite":
		return cc.Database + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	}
	return ""
}

// buildMSSQLDSN builds an MSSQL connection string. Credentials are URL-escaped.
func buildMSSQLDSN(host string, port int, database, user, password, encrypt string, trustServerCert bool) string {
	trustCert := "false"
	if trustServerCert {
		trustCert = "true"
	}
	u := &url.URL{
		Scheme: "sqlserver",
		User:   url.UserPassword(user, password),
		Host:   fmt.Sprintf("%s:%d", host, port),
	}
	q := url.Values{}
	q.Set("database", database)
	q.Set("encrypt", encrypt)
	q.Set("TrustServerCertificate", trustCert)
	u.RawQuery = q.Encode()
	return u.String()
}

// buildPostgresDSN builds a PostgreSQL connection URL. Credentials are URL-escaped.
func buildPostgresDSN(host string, port int, database, user, password, sslMode string) string {
	u := &url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(user, password),
		Host:   fmt.Sprintf("%s:%d", host, port),
		Path:   "/" + database,
	}
	q := url.Values{}
	q.Set("sslmode", sslMode)
	u.RawQuery = q.Encode()
	return u.String()
}

// Sanitized returns a copy of the config with sensitive fields redacted
func (c *Config) Sanitized() *Config {
	sanitized := *c // shallow copy

	sanitized.Connections = make(map[string]ConnectionConfig, len(c.Connections))
	for name, conn := range c.Connections {
		if conn.Password != "" {
			conn.Password = "[REDACTED]"
		}
		if conn.DSN != "" {
			conn.DSN = "[REDACTED]"
		}
		sanitized.Connections[name] = conn
	}

	if sanitized.Slack.WebhookURL != "" {
		sanitized.Slack.WebhookURL = "[REDACTED]"
	}

	return &sanitized
}
