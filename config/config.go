// Package config loads the application configuration from a TOML or YAML
// file, applies defaults and environment overrides, and validates it.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v2"

	"github.com/paxapos/fiscalberry-sub001/command"
	"github.com/paxapos/fiscalberry-sub001/logger"
)

// Environment overrides.
const (
	EnvUUID   = "FISCALBERRY_UUID"
	EnvTenant = "FISCALBERRY_TENANT"
)

// Defaults.
const (
	DefaultPrinterName     = "default"
	DefaultExchange        = "paxaprinter"
	DefaultNamespace       = "/paxaprinter"
	DefaultMaxRedeliveries = 5
	DefaultLogLevel        = "info"
)

// ErrUnsupportedFormat is returned for file extensions other than .toml, .yaml and .yml.
var ErrUnsupportedFormat = errors.New("config: unsupported file format")

// Config is the application configuration.
type Config struct {
	// UUID identifies the device on the queue and the socket hub.
	UUID string `toml:"uuid" yaml:"uuid"`
	// Tenant enables the tenant error queue when set.
	Tenant string `toml:"tenant" yaml:"tenant"`
	// Discover posts the configuration to the hub once at startup.
	Discover bool `toml:"discover" yaml:"discover"`
	// DefaultPrinter receives commands without a printer name; the first printer when empty.
	DefaultPrinter string `toml:"default_printer" yaml:"default_printer"`

	Log      LogConfig       `toml:"log" yaml:"log"`
	Queue    QueueConfig     `toml:"queue" yaml:"queue"`
	Socket   SocketConfig    `toml:"socket" yaml:"socket"`
	Printers []PrinterConfig `toml:"printers" yaml:"printers"`

	// Undecoded lists keys of the file that matched no setting.
	Undecoded []string `toml:"-" yaml:"-"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level     string `toml:"level" yaml:"level"`
	Format    string `toml:"format" yaml:"format"`
	AddSource bool   `toml:"add_source" yaml:"add_source"`
	// File enables a rotated log file.
	File       string `toml:"file" yaml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" yaml:"max_age_days"`
	// StatsInterval logs channel and printer counters periodically; zero disables it.
	StatsInterval time.Duration `toml:"stats_interval" yaml:"stats_interval"`
}

// QueueConfig configures the AMQP channel.
type QueueConfig struct {
	// Enabled defaults to true when URL is set.
	Enabled         *bool   `toml:"enabled" yaml:"enabled"`
	URL             string  `toml:"url" yaml:"url"`
	Exchange        string  `toml:"exchange" yaml:"exchange"`
	Prefetch        int     `toml:"prefetch" yaml:"prefetch"`
	MaxRedeliveries int     `toml:"max_redeliveries" yaml:"max_redeliveries"`
	Backoff         Backoff `toml:"backoff" yaml:"backoff"`
}

// Backoff configures the queue reconnect delay.
type Backoff struct {
	Initial    time.Duration `toml:"initial" yaml:"initial"`
	Max        time.Duration `toml:"max" yaml:"max"`
	Multiplier float64       `toml:"multiplier" yaml:"multiplier"`
	Jitter     bool          `toml:"jitter" yaml:"jitter"`
}

// SocketConfig configures the Socket.IO channel.
type SocketConfig struct {
	// Enabled defaults to true when Host is set.
	Enabled *bool `toml:"enabled" yaml:"enabled"`
	// Host is the hub base URL, also used for discover.
	Host                        string        `toml:"host" yaml:"host"`
	Namespace                   string        `toml:"namespace" yaml:"namespace"`
	ReconnectDelay              time.Duration `toml:"reconnect_delay" yaml:"reconnect_delay"`
	ReconnectDelayMax           time.Duration `toml:"reconnect_delay_max" yaml:"reconnect_delay_max"`
	ReconnectOnServerDisconnect bool          `toml:"reconnect_on_server_disconnect" yaml:"reconnect_on_server_disconnect"`
}

// PrinterConfig names a printer and its translator and driver.
type PrinterConfig struct {
	Name       string            `toml:"name" yaml:"name"`
	Translator string            `toml:"translator" yaml:"translator"`
	Driver     string            `toml:"driver" yaml:"driver"`
	Params     map[string]string `toml:"params" yaml:"params"`
}

// Default returns the configuration used for settings absent from the file.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:         DefaultLogLevel,
			MaxSizeMB:     10,
			MaxBackups:    5,
			MaxAgeDays:    30,
			StatsInterval: 5 * time.Minute,
		},
		Queue: QueueConfig{
			Exchange:        DefaultExchange,
			Prefetch:        1,
			MaxRedeliveries: DefaultMaxRedeliveries,
			Backoff:         Backoff{Initial: time.Second, Max: 30 * time.Second, Multiplier: 2},
		},
		Socket: SocketConfig{
			Namespace:         DefaultNamespace,
			ReconnectDelay:    2 * time.Second,
			ReconnectDelayMax: 15 * time.Second,
		},
	}
}

// Load reads the file at path, chosen by extension, over the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		if err := loadTOML(cfg, path); err != nil {
			return nil, err
		}
	case ".yaml", ".yml":
		if err := loadYAML(cfg, path); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
	}

	applyEnv(cfg)
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func loadTOML(cfg *Config, path string) error {
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return fmt.Errorf("%w: load %s: %w", command.ErrConfiguration, path, err)
	}

	for _, key := range meta.Undecoded() {
		cfg.Undecoded = append(cfg.Undecoded, key.String())
	}

	// an explicit empty list is an error, not a request for the default printer
	if meta.IsDefined("printers") && cfg.Printers == nil {
		cfg.Printers = []PrinterConfig{}
	}

	return nil
}

func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("%w: load %s: %w", command.ErrConfiguration, path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("%w: load %s: %w", command.ErrConfiguration, path, err)
	}

	if cfg.Printers == nil && yamlDefines(data, "printers") {
		cfg.Printers = []PrinterConfig{}
	}

	// yaml.v2 reports unknown keys only in strict mode
	var strict Config
	if err := yaml.UnmarshalStrict(data, &strict); err != nil {
		cfg.Undecoded = append(cfg.Undecoded, err.Error())
	}

	return nil
}

func yamlDefines(data []byte, key string) bool {
	var top yaml.MapSlice
	if yaml.Unmarshal(data, &top) != nil {
		return false
	}
	for _, item := range top {
		if k, ok := item.Key.(string); ok && k == key {
			return true
		}
	}

	return false
}

func applyEnv(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv(EnvUUID)); v != "" {
		cfg.UUID = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvTenant)); v != "" {
		cfg.Tenant = v
	}
}

func (c *Config) normalize() {
	c.UUID = strings.TrimSpace(c.UUID)
	c.Tenant = strings.TrimSpace(c.Tenant)
	c.Queue.URL = strings.TrimSpace(c.Queue.URL)
	c.Socket.Host = strings.TrimRight(strings.TrimSpace(c.Socket.Host), "/")

	if c.Queue.Enabled == nil {
		c.Queue.Enabled = boolPtr(c.Queue.URL != "")
	}
	if c.Socket.Enabled == nil {
		c.Socket.Enabled = boolPtr(c.Socket.Host != "")
	}

	if c.Printers == nil {
		c.Printers = []PrinterConfig{{Name: DefaultPrinterName, Translator: "passthrough", Driver: "null"}}
	}
	for i := range c.Printers {
		p := &c.Printers[i]
		p.Name = strings.TrimSpace(p.Name)
		if p.Translator == "" {
			p.Translator = "passthrough"
		}
	}
	if c.DefaultPrinter == "" && len(c.Printers) > 0 {
		c.DefaultPrinter = c.Printers[0].Name
	}
}

// QueueEnabled reports whether the AMQP channel runs.
func (c *Config) QueueEnabled() bool { return c.Queue.Enabled != nil && *c.Queue.Enabled }

// SocketEnabled reports whether the Socket.IO channel runs.
func (c *Config) SocketEnabled() bool { return c.Socket.Enabled != nil && *c.Socket.Enabled }

// Validate checks the settings that cannot be defaulted. Driver and
// translator names are resolved later, when the printers are built.
func (c *Config) Validate() error {
	var errs []error

	if c.UUID == "" {
		errs = append(errs, fmt.Errorf("uuid is required (or set %s)", EnvUUID))
	}
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if f := c.Log.Format; f != "" && f != logger.FormatJSON && f != logger.FormatConsole {
		errs = append(errs, fmt.Errorf("log format %q must be %q or %q", f, logger.FormatJSON, logger.FormatConsole))
	}

	if !c.QueueEnabled() && !c.SocketEnabled() {
		errs = append(errs, errors.New("no channel enabled: set queue.url or socket.host"))
	}
	if c.QueueEnabled() && c.Queue.URL == "" {
		errs = append(errs, errors.New("queue.url is required when the queue channel is enabled"))
	}
	if c.Queue.Prefetch < 0 {
		errs = append(errs, fmt.Errorf("queue.prefetch %d must not be negative", c.Queue.Prefetch))
	}
	if c.Queue.MaxRedeliveries < 0 {
		errs = append(errs, fmt.Errorf("queue.max_redeliveries %d must not be negative", c.Queue.MaxRedeliveries))
	}
	if c.SocketEnabled() && c.Socket.Host == "" {
		errs = append(errs, errors.New("socket.host is required when the socket channel is enabled"))
	}
	if c.Discover && c.Socket.Host == "" {
		errs = append(errs, errors.New("discover needs socket.host"))
	}
	if c.Tenant != "" && c.Queue.URL == "" {
		errs = append(errs, errors.New("tenant error publishing needs queue.url"))
	}

	seen := make(map[string]bool, len(c.Printers))
	for i, p := range c.Printers {
		switch {
		case p.Name == "":
			errs = append(errs, fmt.Errorf("printers[%d]: name is required", i))
		case seen[p.Name]:
			errs = append(errs, fmt.Errorf("printers[%d]: duplicate name %q", i, p.Name))
		}
		seen[p.Name] = true
		if p.Driver == "" {
			errs = append(errs, fmt.Errorf("printers[%d]: driver is required", i))
		}
	}
	if len(c.Printers) == 0 {
		errs = append(errs, errors.New("at least one printer is required"))
	} else if !seen[c.DefaultPrinter] {
		errs = append(errs, fmt.Errorf("default_printer %q is not configured", c.DefaultPrinter))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", command.ErrConfiguration, errors.Join(errs...))
	}

	return nil
}

// LoggerConfig converts the log settings.
func (c *Config) LoggerConfig() logger.Config {
	level, _ := logger.ParseLevel(c.Log.Level)
	lc := logger.Config{
		Level:     level,
		AddSource: c.Log.AddSource,
		Format:    c.Log.Format,
	}
	if c.Log.File != "" {
		lc.File = &logger.FileConfig{
			Path:       c.Log.File,
			MaxSizeMB:  c.Log.MaxSizeMB,
			MaxBackups: c.Log.MaxBackups,
			MaxAgeDays: c.Log.MaxAgeDays,
		}
	}

	return lc
}

func boolPtr(b bool) *bool { return &b }
