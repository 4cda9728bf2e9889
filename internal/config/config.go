package config

import (
	"encoding/json"
	stderrors "errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/vango-dev/duet/internal/errors"
)

const (
	// ConfigFileName is the name of the configuration file.
	ConfigFileName = "duet.json"

	// DefaultAddress is the default listen address.
	DefaultAddress = ":8080"

	// DefaultPath is the default transport mount point.
	DefaultPath = "/_duet"

	// DefaultMetricsPath is where Prometheus metrics are served.
	DefaultMetricsPath = "/metrics"
)

// Archive store kinds.
const (
	ArchiveNone   = "none"
	ArchiveMemory = "memory"
	ArchiveFile   = "file"
	ArchiveSQLite = "sqlite"
	ArchiveS3     = "s3"
)

// Config represents the complete duet.json configuration.
type Config struct {
	// Address is the address the server listens on.
	Address string `json:"address,omitempty"`

	// Path is the transport mount point.
	Path string `json:"path,omitempty"`

	// Session contains session lifecycle settings.
	Session SessionConfig `json:"session,omitempty"`

	// Server contains transport settings.
	Server ServerConfig `json:"server,omitempty"`

	// Archive selects where session archives are kept.
	Archive ArchiveConfig `json:"archive,omitempty"`

	// Metrics contains Prometheus settings.
	Metrics MetricsConfig `json:"metrics,omitempty"`

	// Tracing contains OpenTelemetry settings.
	Tracing TracingConfig `json:"tracing,omitempty"`

	// Log contains logging settings.
	Log LogConfig `json:"log,omitempty"`

	// configPath stores the path where the config was loaded from.
	configPath string
}

// SessionConfig contains session lifecycle settings. Durations are Go
// duration strings such as "30s".
type SessionConfig struct {
	// IdleTimeout is how long a session may go without traffic.
	IdleTimeout string `json:"idleTimeout,omitempty"`

	// SweepInterval is how often idle sessions are looked for.
	SweepInterval string `json:"sweepInterval,omitempty"`

	// ArchiveTimeout bounds a single archive write.
	ArchiveTimeout string `json:"archiveTimeout,omitempty"`

	// MaxSessions limits live sessions. Zero means unlimited.
	MaxSessions int `json:"maxSessions,omitempty"`

	// HistorySize is the number of sent messages kept per client.
	HistorySize int `json:"historySize,omitempty"`

	// Sharing lets more clients attach to a live session.
	Sharing bool `json:"sharing,omitempty"`
}

// ServerConfig contains transport settings.
type ServerConfig struct {
	// DequeueTimeout is how long a POST waits for outgoing events.
	DequeueTimeout string `json:"dequeueTimeout,omitempty"`

	// ReadTimeout is how long a WebSocket may stay silent.
	ReadTimeout string `json:"readTimeout,omitempty"`

	// WriteTimeout bounds a single frame write.
	WriteTimeout string `json:"writeTimeout,omitempty"`

	// HeartbeatInterval is the time between WebSocket pings.
	HeartbeatInterval string `json:"heartbeatInterval,omitempty"`

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout string `json:"shutdownTimeout,omitempty"`

	// MaxMessageSize is the largest accepted message in bytes.
	MaxMessageSize int64 `json:"maxMessageSize,omitempty"`

	// AllowedOrigins lists the origins allowed to open WebSockets besides
	// the server's own.
	AllowedOrigins []string `json:"allowedOrigins,omitempty"`
}

// ArchiveConfig selects the archive store.
type ArchiveConfig struct {
	// Kind is one of none, memory, file, sqlite or s3.
	Kind string `json:"kind,omitempty"`

	// Dir is the archive directory of the file store.
	Dir string `json:"dir,omitempty"`

	// DSN is the database file of the sqlite store.
	DSN string `json:"dsn,omitempty"`

	// Bucket, Prefix, Region and Endpoint configure the s3 store. Endpoint
	// is only needed for S3-compatible services.
	Bucket   string `json:"bucket,omitempty"`
	Prefix   string `json:"prefix,omitempty"`
	Region   string `json:"region,omitempty"`
	Endpoint string `json:"endpoint,omitempty"`
}

// MetricsConfig contains Prometheus settings.
type MetricsConfig struct {
	// Enabled serves metrics and records message metrics.
	Enabled bool `json:"enabled,omitempty"`

	// Path is where metrics are served.
	Path string `json:"path,omitempty"`

	// Namespace prefixes every metric name.
	Namespace string `json:"namespace,omitempty"`
}

// TracingConfig contains OpenTelemetry settings.
type TracingConfig struct {
	// Enabled traces every incoming message with the global tracer
	// provider.
	Enabled bool `json:"enabled,omitempty"`

	// TracerName names the tracer.
	TracerName string `json:"tracerName,omitempty"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	// Level is one of debug, info, warn or error.
	Level string `json:"level,omitempty"`

	// Format is text or json.
	Format string `json:"format,omitempty"`
}

// New creates a new Config with default values.
func New() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

// Load reads configuration from the specified directory.
// It looks for duet.json in the directory.
func Load(dir string) (*Config, error) {
	configPath := filepath.Join(dir, ConfigFileName)
	return LoadFile(configPath)
}

// LoadFile reads configuration from the specified file path.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.New("E101").
				WithDetail("No duet.json found at " + path)
		}
		return nil, errors.New("E100").Wrap(err)
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		e := errors.New("E100").
			WithDetail("Failed to parse duet.json: " + err.Error()).
			WithSuggestion("Check that duet.json is valid JSON").
			Wrap(err)

		var syntax *json.SyntaxError
		var typ *json.UnmarshalTypeError
		switch {
		case stderrors.As(err, &syntax):
			e.WithOffset(path, data, syntax.Offset)
		case stderrors.As(err, &typ):
			e.WithOffset(path, data, typ.Offset)
		}
		return nil, e
	}

	cfg.configPath = path
	cfg.applyDefaults()

	return cfg, nil
}

// Save writes the configuration to the file it was loaded from.
func (c *Config) Save() error {
	if c.configPath == "" {
		return errors.Newf(errors.CategoryConfig, "no config path set")
	}
	return c.SaveTo(c.configPath)
}

// SaveTo writes the configuration to the specified path.
func (c *Config) SaveTo(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return errors.New("E100").Wrap(err)
	}

	// Add newline at end of file
	data = append(data, '\n')

	if err := os.WriteFile(path, data, 0644); err != nil {
		return errors.New("E100").Wrap(err)
	}

	c.configPath = path
	return nil
}

// File returns the path where the config was loaded from.
func (c *Config) File() string {
	return c.configPath
}

// Dir returns the directory containing the config file.
func (c *Config) Dir() string {
	if c.configPath == "" {
		return ""
	}
	return filepath.Dir(c.configPath)
}

// applyDefaults fills in default values for empty fields. Session and
// server durations left empty fall back to the package defaults of
// pkg/session and pkg/server.
func (c *Config) applyDefaults() {
	if c.Address == "" {
		c.Address = DefaultAddress
	}
	if c.Path == "" {
		c.Path = DefaultPath
	}

	// Archive
	if c.Archive.Kind == "" {
		c.Archive.Kind = ArchiveMemory
	}
	if c.Archive.Kind == ArchiveFile && c.Archive.Dir == "" {
		c.Archive.Dir = "archives"
	}
	if c.Archive.Kind == ArchiveSQLite && c.Archive.DSN == "" {
		c.Archive.DSN = "duet.db"
	}

	// Metrics
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = "duet"
	}

	// Tracing
	if c.Tracing.TracerName == "" {
		c.Tracing.TracerName = "github.com/vango-dev/duet"
	}

	// Log
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if _, _, err := net.SplitHostPort(c.Address); err != nil {
		return c.invalid("E102", "address", c.Address).Wrap(err)
	}
	if !strings.HasPrefix(c.Path, "/") || c.Path == "/" {
		return c.invalid("E107", "path", c.Path)
	}

	durations := []struct{ field, value string }{
		{"session.idleTimeout", c.Session.IdleTimeout},
		{"session.sweepInterval", c.Session.SweepInterval},
		{"session.archiveTimeout", c.Session.ArchiveTimeout},
		{"server.dequeueTimeout", c.Server.DequeueTimeout},
		{"server.readTimeout", c.Server.ReadTimeout},
		{"server.writeTimeout", c.Server.WriteTimeout},
		{"server.heartbeatInterval", c.Server.HeartbeatInterval},
		{"server.shutdownTimeout", c.Server.ShutdownTimeout},
	}
	for _, d := range durations {
		if d.value == "" {
			continue
		}
		if v, err := time.ParseDuration(d.value); err != nil || v < 0 {
			return c.invalid("E103", d.field, d.value).
				WithExample(`"idleTimeout": "5m"`)
		}
	}

	if c.Session.MaxSessions < 0 {
		return c.invalid("E106", "session.maxSessions", c.Session.MaxSessions)
	}
	if c.Session.HistorySize < 0 {
		return c.invalid("E106", "session.historySize", c.Session.HistorySize)
	}
	if c.Server.MaxMessageSize < 0 {
		return c.invalid("E106", "server.maxMessageSize", c.Server.MaxMessageSize)
	}

	switch c.Archive.Kind {
	case ArchiveNone, ArchiveMemory:
	case ArchiveFile:
		if c.Archive.Dir == "" {
			return c.invalid("E105", "archive.dir", "")
		}
	case ArchiveSQLite:
		if c.Archive.DSN == "" {
			return c.invalid("E105", "archive.dsn", "")
		}
	case ArchiveS3:
		if c.Archive.Bucket == "" {
			return c.invalid("E105", "archive.bucket", "").
				WithExample(`"archive": {"kind": "s3", "bucket": "my-sessions"}`)
		}
	default:
		return c.invalid("E104", "archive.kind", c.Archive.Kind)
	}
	return nil
}

// invalid builds a validation error naming the field and its value.
func (c *Config) invalid(code, field string, value any) *errors.Error {
	e := errors.New(code)
	detail := e.Detail + " Field " + field
	if s, ok := value.(string); !ok || s != "" {
		b, _ := json.Marshal(value)
		detail += " has value " + string(b)
	}
	e.WithDetail(detail + ".")
	if c.configPath != "" {
		e.Location = &errors.Location{File: c.configPath}
	}
	return e
}

// Duration parses a duration field. Empty or invalid values yield zero so
// the package default applies; Validate reports invalid values.
func Duration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return 0
	}
	return d
}

// ArchiveDir returns the absolute path of the file store directory.
func (c *Config) ArchiveDir() string {
	if filepath.IsAbs(c.Archive.Dir) {
		return c.Archive.Dir
	}
	return filepath.Join(c.Dir(), c.Archive.Dir)
}

// Exists checks if a config file exists in the given directory.
func Exists(dir string) bool {
	path := filepath.Join(dir, ConfigFileName)
	_, err := os.Stat(path)
	return err == nil
}

// FindProjectRoot walks up directories to find the project root.
// Returns the directory containing duet.json, or an error if not found.
func FindProjectRoot(startDir string) (string, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", err
	}

	for {
		if Exists(dir) {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", errors.New("E101").
				WithDetail("No duet.json found in " + startDir + " or any parent directory")
		}
		dir = parent
	}
}

// LoadFromWorkingDir loads configuration from the nearest duet.json at or
// above the working directory.
func LoadFromWorkingDir() (*Config, error) {
	wd, err := os.Getwd()
	if err != nil {
		return nil, err
	}

	root, err := FindProjectRoot(wd)
	if err != nil {
		return nil, err
	}

	return Load(root)
}
