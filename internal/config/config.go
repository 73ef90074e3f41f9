package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/ptpm/legacy-sync/internal/logging"
	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is read when --config is not given and the file exists.
const DefaultConfigFile = "ptpm-sync.yaml"

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

// Config holds all configuration for the sync tool
type Config struct {
	Source   SourceConfig   `yaml:"source"`
	Target   TargetConfig   `yaml:"target"`
	Sync     SyncConfig     `yaml:"sync"`
	Activity ActivityConfig `yaml:"activity"`
	Slack    SlackConfig    `yaml:"slack"`
}

// SlackConfig holds Slack notification settings
type SlackConfig struct {
	WebhookURL string `yaml:"webhook_url"`
	Channel    string `yaml:"channel"`
	Username   string `yaml:"username"`
	Enabled    bool   `yaml:"enabled"`
}

// SourceConfig holds the legacy database connection settings
type SourceConfig struct {
	Type            string        `yaml:"type"` // "mssql" or "postgres" (default: mssql)
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Database        string        `yaml:"database"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	SSLMode         string        `yaml:"ssl_mode"`          // PostgreSQL only (default: require)
	TrustServerCert bool          `yaml:"trust_server_cert"` // MSSQL only
	Encrypt         string        `yaml:"encrypt"`           // MSSQL: disable, false, true (default: true)
	PoolMax         int           `yaml:"pool_max"`
	QueryTimeout    time.Duration `yaml:"query_timeout"` // 0 leaves the driver default
}

// TargetConfig holds the GraphQL endpoint settings
type TargetConfig struct {
	Endpoint     string        `yaml:"endpoint"`
	APIKey       string        `yaml:"api_key"`
	APIKeyHeader string        `yaml:"api_key_header"`
	Timeout      time.Duration `yaml:"timeout"`
}

// SyncConfig holds batch and file layout settings
type SyncConfig struct {
	BatchSize    int           `yaml:"batch_size"`
	MaxBatches   int           `yaml:"max_batches"` // 0 = until exhausted
	MaxRetries   int           `yaml:"max_retries"`
	RetryDelay   time.Duration `yaml:"retry_delay"`
	DataDir      string        `yaml:"data_dir"`
	MappingDir   string        `yaml:"mapping_dir"`
	StateBackend string        `yaml:"state_backend"` // "file" (default) or "sqlite"
	EntityOrder  []string      `yaml:"entity_order"`
}

// ActivityConfig names the GraphQL model and fields the job -> activity
// materializer writes to.
type ActivityConfig struct {
	Enabled          *bool  `yaml:"enabled"`
	Model            string `yaml:"model"`
	ServiceModel     string `yaml:"service_model"`
	ServiceNameField string `yaml:"service_name_field"`
	JobField         string `yaml:"job_field"`
	ServiceField     string `yaml:"service_field"`
	StatusField      string `yaml:"status_field"`
	NoteField        string `yaml:"note_field"`
	AnimalColumn     string `yaml:"animal_column"`
	CommentsColumn   string `yaml:"comments_column"`
	StatusColumn     string `yaml:"status_column"`
	DateColumn       string `yaml:"date_column"`
}

// IsEnabled reports whether activities are materialized for jobs.
func (a ActivityConfig) IsEnabled() bool {
	return a.Enabled == nil || *a.Enabled
}

// Load reads configuration from an optional YAML file, a .env file in the
// working directory, and the process environment. An empty path means
// "use ptpm-sync.yaml if present".
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("reading .env: %w", err)
	}

	if path == "" {
		if _, err := os.Stat(DefaultConfigFile); err != nil {
			return LoadBytes(nil)
		}
		path = DefaultConfigFile
	}

	if mode, bad := insecureMode(path); bad {
		logging.Warn("Config file %s is readable by other users (%04o); run: chmod 600 %s", path, mode, path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return LoadBytes(data)
}

// LoadBytes reads configuration from YAML bytes, then fills unset values
// from the environment and defaults.
func LoadBytes(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// applyEnv fills fields the YAML left empty from the environment.
func (c *Config) applyEnv() error {
	setString(&c.Source.Host, "MSSQL_SERVER")
	setString(&c.Source.Database, "MSSQL_DATABASE")
	setString(&c.Source.User, "MSSQL_USER")
	setString(&c.Source.Password, "MSSQL_PASSWORD")
	setString(&c.Source.Encrypt, "MSSQL_ENCRYPT")
	setString(&c.Target.Endpoint, "VITALSTATS_GRAPHQL_URL")
	setString(&c.Target.APIKey, "VITALSTATS_API_KEY")
	setString(&c.Slack.WebhookURL, "SLACK_WEBHOOK_URL")

	if v := os.Getenv("MSSQL_TRUST_SERVER_CERTIFICATE"); v != "" && !c.Source.TrustServerCert {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("MSSQL_TRUST_SERVER_CERTIFICATE: %w", err)
		}
		c.Source.TrustServerCert = b
	}

	for _, e := range []struct {
		dst *int
		env string
	}{
		{&c.Source.Port, "MSSQL_PORT"},
		{&c.Source.PoolMax, "MSSQL_POOL_MAX"},
		{&c.Sync.BatchSize, "SYNC_BATCH_SIZE"},
		{&c.Sync.MaxBatches, "SYNC_MAX_BATCHES"},
	} {
		if err := setInt(e.dst, e.env); err != nil {
			return err
		}
	}
	return nil
}

func setString(dst *string, env string) {
	if *dst == "" {
		*dst = os.Getenv(env)
	}
}

func setInt(dst *int, env string) error {
	v := os.Getenv(env)
	if *dst != 0 || v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s must be an integer, got %q", env, v)
	}
	*dst = n
	return nil
}

func (c *Config) applyDefaults() {
	if c.Source.Type == "" {
		c.Source.Type = "mssql"
	}
	if c.Source.Port == 0 {
		if c.Source.Type == "postgres" {
			c.Source.Port = 5432
		} else {
			c.Source.Port = 1433
		}
	}
	if c.Source.SSLMode == "" {
		c.Source.SSLMode = "require"
	}
	if c.Source.Encrypt == "" {
		c.Source.Encrypt = "true"
	}
	if c.Source.PoolMax == 0 {
		c.Source.PoolMax = 4
	}

	if c.Target.APIKeyHeader == "" {
		c.Target.APIKeyHeader = "Api-Key"
	}
	if c.Target.Timeout == 0 {
		c.Target.Timeout = 60 * time.Second
	}

	if c.Sync.BatchSize == 0 {
		c.Sync.BatchSize = 200
	}
	if c.Sync.MaxRetries == 0 {
		c.Sync.MaxRetries = 3
	}
	if c.Sync.RetryDelay == 0 {
		c.Sync.RetryDelay = 250 * time.Millisecond
	}
	if c.Sync.DataDir == "" {
		c.Sync.DataDir = ".ptpm-sync"
	} else {
		c.Sync.DataDir = expandTilde(c.Sync.DataDir)
	}
	if c.Sync.MappingDir == "" {
		c.Sync.MappingDir = "mappings"
	} else {
		c.Sync.MappingDir = expandTilde(c.Sync.MappingDir)
	}
	if c.Sync.StateBackend == "" {
		c.Sync.StateBackend = "file"
	}

	a := &c.Activity
	defaultString(&a.Model, "Activity")
	defaultString(&a.ServiceModel, "Service")
	defaultString(&a.ServiceNameField, "service_name")
	defaultString(&a.JobField, "job_id")
	defaultString(&a.ServiceField, "service_id")
	defaultString(&a.StatusField, "activity_status")
	defaultString(&a.NoteField, "note")
	defaultString(&a.AnimalColumn, "Animal")
	defaultString(&a.CommentsColumn, "Comments")
	defaultString(&a.StatusColumn, "JobStatus")
	defaultString(&a.DateColumn, "DateBooked")
}

func defaultString(dst *string, v string) {
	if *dst == "" {
		*dst = v
	}
}

func (c *Config) validate() error {
	if c.Source.Host == "" {
		return fmt.Errorf("missing required source host (source.host or MSSQL_SERVER)")
	}
	if c.Source.Database == "" {
		return fmt.Errorf("missing required source database (source.database or MSSQL_DATABASE)")
	}
	if c.Source.User == "" {
		return fmt.Errorf("missing required source user (source.user or MSSQL_USER)")
	}
	if c.Source.Type != "mssql" && c.Source.Type != "postgres" {
		return fmt.Errorf("source.type must be 'mssql' or 'postgres', got '%s'", c.Source.Type)
	}
	if c.Sync.BatchSize < 0 || c.Sync.MaxBatches < 0 || c.Sync.MaxRetries < 0 {
		return fmt.Errorf("sync.batch_size, sync.max_batches and sync.max_retries must not be negative")
	}
	if c.Sync.StateBackend != "file" && c.Sync.StateBackend != "sqlite" {
		return fmt.Errorf("sync.state_backend must be 'file' or 'sqlite', got '%s'", c.Sync.StateBackend)
	}
	if c.Slack.Enabled && c.Slack.WebhookURL == "" {
		return fmt.Errorf("slack.webhook_url is required when slack is enabled")
	}
	return nil
}

// ValidateTarget checks the GraphQL settings needed before any write.
func (c *Config) ValidateTarget() error {
	if c.Target.Endpoint == "" {
		return fmt.Errorf("invalid config: missing required GraphQL endpoint (target.endpoint or VITALSTATS_GRAPHQL_URL)")
	}
	u, err := url.Parse(c.Target.Endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid config: target.endpoint must be an http(s) URL, got %q", c.Target.Endpoint)
	}
	if c.Target.APIKey == "" {
		return fmt.Errorf("invalid config: missing required API key (target.api_key or VITALSTATS_API_KEY)")
	}
	return nil
}

// SourceDSN returns the legacy database connection string
func (c *Config) SourceDSN() string {
	s := c.Source
	if s.Type == "postgres" {
		return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
			url.QueryEscape(s.User), url.QueryEscape(s.Password), s.Host, s.Port,
			url.QueryEscape(s.Database), s.SSLMode)
	}

	trustCert := "false"
	if s.TrustServerCert {
		trustCert = "true"
	}
	return fmt.Sprintf("sqlserver://%s:%s@%s:%d?database=%s&encrypt=%s&TrustServerCertificate=%s&app+name=ptpm-sync",
		url.QueryEscape(s.User), url.QueryEscape(s.Password), s.Host, s.Port,
		url.QueryEscape(s.Database), s.Encrypt, trustCert)
}

// Sanitized returns a copy of the config with sensitive fields redacted
func (c *Config) Sanitized() *Config {
	sanitized := *c

	sanitized.Source.Password = "[REDACTED]"
	if sanitized.Target.APIKey != "" {
		sanitized.Target.APIKey = "[REDACTED]"
	}
	if sanitized.Slack.WebhookURL != "" {
		sanitized.Slack.WebhookURL = "[REDACTED]"
	}
	return &sanitized
}
