package config

import (
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Well-known database ids.
const (
	SourceDB = "source"
	TargetDB = "target"
)

const (
	defaultPort    = 5432
	defaultSSLMode = "disable"
)

// DatabaseConfig holds the credentials of one logical database.
type DatabaseConfig struct {
	// DSN, when set, is used verbatim and the other fields are ignored.
	DSN      string `json:"dsn,omitempty" yaml:"dsn,omitempty"`
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	Database string `json:"database" yaml:"database"`
	User     string `json:"user" yaml:"user"`
	Password string `json:"password" yaml:"password"`
	SSLMode  string `json:"sslmode,omitempty" yaml:"sslmode,omitempty"`
}

// ConnString returns a postgres:// URL understood by pgx.
func (d DatabaseConfig) ConnString() string {
	if d.DSN != "" {
		return d.DSN
	}
	u := url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(d.Host, strconv.Itoa(d.Port)),
		Path:   "/" + d.Database,
	}
	if d.User != "" {
		u.User = url.UserPassword(d.User, d.Password)
	}
	if d.SSLMode != "" {
		u.RawQuery = url.Values{"sslmode": []string{d.SSLMode}}.Encode()
	}
	return u.String()
}

// ReplicationConfig holds replication engine settings.
type ReplicationConfig struct {
	// Schedule is a cron spec (e.g. "@every 10m"); empty disables the scheduler.
	Schedule      string `json:"schedule" yaml:"schedule"`
	VersionColumn string `json:"version_column" yaml:"version_column"`
	// RowFailurePolicy is "abort" (whole table rolls back) or "skip".
	RowFailurePolicy string `json:"row_failure_policy" yaml:"row_failure_policy"`
	// Groups maps a sync group name to its source tables, replicated in order.
	Groups map[string][]string `json:"groups" yaml:"groups"`
	// GroupSchedules gives single groups their own cron spec, in addition
	// to Schedule.
	GroupSchedules map[string]string `json:"group_schedules,omitempty" yaml:"group_schedules,omitempty"`
	// Strategies forces a strategy ("versioned_upsert" or "insert_if_absent")
	// for tables outside the naming convention.
	Strategies map[string]string `json:"strategies,omitempty" yaml:"strategies,omitempty"`
}

// SchemaCacheConfig controls the cross-handle table descriptor cache.
type SchemaCacheConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	TTL     string `json:"ttl" yaml:"ttl"`
	// Redis adds the Redis cache as a shared L2 behind the in-memory cache.
	Redis bool `json:"redis" yaml:"redis"`
}

// TTLDuration parses TTL.
func (c SchemaCacheConfig) TTLDuration() (time.Duration, error) {
	if c.TTL == "" {
		return 0, nil
	}
	return time.ParseDuration(c.TTL)
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Addr      string `json:"addr" yaml:"addr"`
	Password  string `json:"password" yaml:"password"`
	DB        int    `json:"db" yaml:"db"`
	KeyPrefix string `json:"key_prefix" yaml:"key_prefix"`
}

// DaemonConfig holds daemon-specific settings
type DaemonConfig struct {
	HTTPAddr string `json:"http_addr" yaml:"http_addr"`
}

// LoggingConfig holds operational logger settings.
type LoggingConfig struct {
	Format string `json:"format" yaml:"format"`
	Level  string `json:"level" yaml:"level"`
	File   string `json:"file,omitempty" yaml:"file,omitempty"`
}

// MetricsConfig holds Prometheus settings.
type MetricsConfig struct {
	Enabled   bool   `json:"enabled" yaml:"enabled"`
	Namespace string `json:"namespace" yaml:"namespace"`
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled    bool    `json:"enabled" yaml:"enabled"`
	Exporter   string  `json:"exporter" yaml:"exporter"`
	Endpoint   string  `json:"endpoint" yaml:"endpoint"`
	SampleRate float64 `json:"sample_rate" yaml:"sample_rate"`
}

// ObservabilityConfig groups logging, metrics and tracing.
type ObservabilityConfig struct {
	Logging LoggingConfig `json:"logging" yaml:"logging"`
	Metrics MetricsConfig `json:"metrics" yaml:"metrics"`
	Tracing TracingConfig `json:"tracing" yaml:"tracing"`
}

// Config is the central configuration struct embedding all component configs
type Config struct {
	Databases     map[string]DatabaseConfig `json:"databases" yaml:"databases"`
	Replication   ReplicationConfig         `json:"replication" yaml:"replication"`
	SchemaCache   SchemaCacheConfig         `json:"schema_cache" yaml:"schema_cache"`
	Redis         RedisConfig               `json:"redis" yaml:"redis"`
	Daemon        DaemonConfig              `json:"daemon" yaml:"daemon"`
	Observability ObservabilityConfig       `json:"observability" yaml:"observability"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Databases: map[string]DatabaseConfig{
			SourceDB: {Host: "localhost", Port: defaultPort, Database: "db1c", User: "postgres", SSLMode: defaultSSLMode},
			TargetDB: {Host: "localhost", Port: defaultPort, Database: "cars", User: "postgres", SSLMode: defaultSSLMode},
		},
		Replication: ReplicationConfig{
			Schedule:         "@every 10m",
			VersionColumn:    "_version",
			RowFailurePolicy: "abort",
			Groups: map[string][]string{
				"persons": {"_reference300", "_reference155", "_reference89"},
				"cars":    {"_reference262", "_reference211", "_reference259"},
				"invoices": {
					"_document350", "_document350_vt1855", "_document365_vt2454",
					"_reference124", "_reference207", "_reference207_vt7419",
					"_reference225", "_reference111", "_reference110",
				},
			},
		},
		SchemaCache: SchemaCacheConfig{
			Enabled: false,
			TTL:     "5m",
		},
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			KeyPrefix: "tether:cache:",
		},
		Daemon: DaemonConfig{
			HTTPAddr: ":8080",
		},
		Observability: ObservabilityConfig{
			Logging: LoggingConfig{Format: "text", Level: "info"},
			Metrics: MetricsConfig{Enabled: true, Namespace: "tether"},
			Tracing: TracingConfig{Exporter: "otlp-http", Endpoint: "localhost:4318", SampleRate: 1.0},
		},
	}
}

// LoadFromFile loads configuration from a JSON or YAML file. Values absent
// from the file keep their defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	// A file that declares groups replaces the default set instead of merging.
	defaultGroups := cfg.Replication.Groups
	cfg.Replication.Groups = nil

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	default:
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if cfg.Replication.Groups == nil {
		cfg.Replication.Groups = defaultGroups
	}
	fillDatabaseDefaults(cfg.Databases)

	return cfg, nil
}

// fillDatabaseDefaults completes database entries decoded from a file. Map
// entries are decoded into zero values, so fields the file leaves out are
// taken from the default entry of the same id.
func fillDatabaseDefaults(dbs map[string]DatabaseConfig) {
	defaults := DefaultConfig().Databases
	for id, d := range dbs {
		def, ok := defaults[id]
		if !ok {
			def = DatabaseConfig{Port: defaultPort, SSLMode: defaultSSLMode}
		}
		if d.Host == "" {
			d.Host = def.Host
		}
		if d.Port == 0 {
			d.Port = def.Port
		}
		if d.Database == "" {
			d.Database = def.Database
		}
		if d.User == "" {
			d.User = def.User
		}
		if d.SSLMode == "" {
			d.SSLMode = def.SSLMode
		}
		dbs[id] = d
	}
}

// LoadFromEnv applies environment variable overrides to the config
func LoadFromEnv(cfg *Config) {
	for _, id := range []string{SourceDB, TargetDB} {
		applyDatabaseEnv(cfg, id)
	}
	if v := os.Getenv("TETHER_SCHEDULE"); v != "" {
		cfg.Replication.Schedule = v
	}
	if v := os.Getenv("TETHER_ROW_FAILURE_POLICY"); v != "" {
		cfg.Replication.RowFailurePolicy = v
	}
	if v := os.Getenv("TETHER_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("TETHER_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("TETHER_HTTP_ADDR"); v != "" {
		cfg.Daemon.HTTPAddr = v
	}
	if v := os.Getenv("TETHER_LOG_LEVEL"); v != "" {
		cfg.Observability.Logging.Level = v
	}
	if v := os.Getenv("TETHER_LOG_FORMAT"); v != "" {
		cfg.Observability.Logging.Format = v
	}
	if v := os.Getenv("TETHER_LOG_FILE"); v != "" {
		cfg.Observability.Logging.File = v
	}
}

func applyDatabaseEnv(cfg *Config, id string) {
	if cfg.Databases == nil {
		cfg.Databases = make(map[string]DatabaseConfig)
	}
	d := cfg.Databases[id]
	prefix := "TETHER_" + strings.ToUpper(id) + "_"
	if v := os.Getenv(prefix + "DSN"); v != "" {
		d.DSN = v
	}
	if v := os.Getenv(prefix + "HOST"); v != "" {
		d.Host = v
	}
	if v := os.Getenv(prefix + "PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			d.Port = port
		}
	}
	if v := os.Getenv(prefix + "DATABASE"); v != "" {
		d.Database = v
	}
	if v := os.Getenv(prefix + "USER"); v != "" {
		d.User = v
	}
	if v := os.Getenv(prefix + "PASSWORD"); v != "" {
		d.Password = v
	}
	cfg.Databases[id] = d
}

// ConnStrings returns the connection string of every configured database.
func (c *Config) ConnStrings() map[string]string {
	out := make(map[string]string, len(c.Databases))
	for id, d := range c.Databases {
		out[id] = d.ConnString()
	}
	return out
}

// Validate checks the settings the engines rely on.
func (c *Config) Validate() error {
	for _, id := range []string{SourceDB, TargetDB} {
		d, ok := c.Databases[id]
		if !ok {
			return fmt.Errorf("databases.%s is required", id)
		}
		if d.DSN != "" {
			continue
		}
		if d.Host == "" || d.Database == "" {
			return fmt.Errorf("databases.%s: host and database are required", id)
		}
		if d.Port <= 0 || d.Port > 65535 {
			return fmt.Errorf("databases.%s: port %d out of range", id, d.Port)
		}
	}
	switch c.Replication.RowFailurePolicy {
	case "", "abort", "skip":
	default:
		return fmt.Errorf("replication.row_failure_policy: unknown policy %q", c.Replication.RowFailurePolicy)
	}
	for table, s := range c.Replication.Strategies {
		switch s {
		case "versioned_upsert", "insert_if_absent":
		default:
			return fmt.Errorf("replication.strategies.%s: unknown strategy %q", table, s)
		}
	}
	for group := range c.Replication.GroupSchedules {
		if _, ok := c.Replication.Groups[group]; !ok {
			return fmt.Errorf("replication.group_schedules.%s: unknown group", group)
		}
	}
	if _, err := c.SchemaCache.TTLDuration(); err != nil {
		return fmt.Errorf("schema_cache.ttl: %w", err)
	}
	return nil
}
