// Package config loads the radiusd configuration: built-in defaults, then an
// optional YAML file, then RADIUSD_* environment variables.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/codelaboratoryltd/radiusd/pkg/store"
)

// EnvPrefix prefixes every environment variable
const EnvPrefix = "RADIUSD"

// Store backends
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendSQL    = "sql"
	BackendHTTP   = "http"
)

// Config is the radiusd configuration
type Config struct {
	Listen     ListenConfig     `yaml:"listen" envconfig:"LISTEN"`
	Store      StoreConfig      `yaml:"store" envconfig:"STORE"`
	CoA        CoAConfig        `yaml:"coa" envconfig:"COA"`
	Accounting AccountingConfig `yaml:"accounting" envconfig:"ACCT"`
	Auth       AuthConfig       `yaml:"auth" envconfig:"AUTH"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit" envconfig:"RATE_LIMIT"`
	Tickets    TicketLogConfig  `yaml:"tickets" envconfig:"TICKETS"`

	// Clients are the NAS devices allowed to talk to the server
	Clients []ClientConfig `yaml:"clients" ignored:"true"`
	// Dictionaries are FreeRADIUS dictionary files loaded on top of the
	// built-in one
	Dictionaries []string `yaml:"dictionaries" split_words:"true"`

	LogLevel    string `yaml:"log_level" split_words:"true"`
	MetricsAddr string `yaml:"metrics_addr" split_words:"true"`
}

// ListenConfig holds the UDP listener addresses
type ListenConfig struct {
	AuthAddr    string        `yaml:"auth_addr" split_words:"true"`
	AcctAddr    string        `yaml:"acct_addr" split_words:"true"`
	ReadTimeout time.Duration `yaml:"read_timeout" split_words:"true"`
	// RequireMessageAuthenticator drops unsigned Access-Requests
	RequireMessageAuthenticator bool `yaml:"require_message_authenticator" split_words:"true"`
}

// StoreConfig selects the account, client and ticket backend
type StoreConfig struct {
	Backend string      `yaml:"backend" split_words:"true"`
	Redis   RedisConfig `yaml:"redis" envconfig:"REDIS"`
	SQL     SQLConfig   `yaml:"sql" envconfig:"SQL"`
	HTTP    HTTPConfig  `yaml:"http" envconfig:"HTTP"`
}

// RedisConfig configures the Redis backend
type RedisConfig struct {
	Addr     string `yaml:"addr" split_words:"true"`
	Password string `yaml:"password" split_words:"true"`
	DB       int    `yaml:"db" split_words:"true"`
}

// SQLConfig configures the SQLite backend
type SQLConfig struct {
	Path string `yaml:"path" split_words:"true"`
}

// HTTPConfig configures the REST backend
type HTTPConfig struct {
	BaseURL          string        `yaml:"base_url" split_words:"true"`
	Token            string        `yaml:"token" split_words:"true"`
	Timeout          time.Duration `yaml:"timeout" split_words:"true"`
	FailureThreshold uint32        `yaml:"failure_threshold" split_words:"true"`
	OpenTimeout      time.Duration `yaml:"open_timeout" split_words:"true"`
}

// CoAConfig configures the dynamic authorization client
type CoAConfig struct {
	Port       int           `yaml:"port" split_words:"true"`
	Timeout    time.Duration `yaml:"timeout" split_words:"true"`
	Retries    int           `yaml:"retries" split_words:"true"`
	Backoff    time.Duration `yaml:"backoff" split_words:"true"`
	DMVendorID uint32        `yaml:"dm_vendor_id" split_words:"true"`
}

// AccountingConfig configures the accounting state machine
type AccountingConfig struct {
	InterimInterval   time.Duration `yaml:"interim_interval" split_words:"true"`
	IdleMultiplier    int           `yaml:"idle_multiplier" split_words:"true"`
	IdleGrace         time.Duration `yaml:"idle_grace" split_words:"true"`
	SweepInterval     time.Duration `yaml:"sweep_interval" split_words:"true"`
	ClosedCacheSize   int           `yaml:"closed_cache_size" split_words:"true"`
	DisconnectTimeout time.Duration `yaml:"disconnect_timeout" split_words:"true"`
	SessionShards     int           `yaml:"session_shards" split_words:"true"`
}

// AuthConfig configures the authenticator and its middleware
type AuthConfig struct {
	RateLimits  bool `yaml:"rate_limits" split_words:"true"`
	StripDomain bool `yaml:"strip_domain" split_words:"true"`
	MACBinding  bool `yaml:"mac_binding" split_words:"true"`
}

// RateLimitConfig bounds the request rate of each NAS. Zero disables it.
type RateLimitConfig struct {
	PerSecond float64 `yaml:"per_second" split_words:"true"`
	Burst     int     `yaml:"burst" split_words:"true"`
}

// TicketLogConfig configures the local ticket journal. An empty Dir
// disables it.
type TicketLogConfig struct {
	Dir       string        `yaml:"dir" split_words:"true"`
	MaxSizeMB int64         `yaml:"max_size_mb" split_words:"true"`
	MaxAge    time.Duration `yaml:"max_age" split_words:"true"`
	MaxFiles  int           `yaml:"max_files" split_words:"true"`
	Compress  bool          `yaml:"compress" split_words:"true"`
}

// ClientConfig describes one NAS device
type ClientConfig struct {
	Name       string `yaml:"name"`
	Addr       string `yaml:"addr"`
	Identifier string `yaml:"identifier"`
	Secret     string `yaml:"secret"`
	VendorID   uint32 `yaml:"vendor_id"`
	CoAPort    int    `yaml:"coa_port"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Listen: ListenConfig{
			AuthAddr:    ":1812",
			AcctAddr:    ":1813",
			ReadTimeout: time.Second,
		},
		Store: StoreConfig{
			Backend: BackendMemory,
			Redis:   RedisConfig{Addr: "localhost:6379"},
			SQL:     SQLConfig{Path: "/var/lib/radiusd/radiusd.db"},
			HTTP: HTTPConfig{
				Timeout:          3 * time.Second,
				FailureThreshold: 5,
				OpenTimeout:      30 * time.Second,
			},
		},
		CoA: CoAConfig{
			Port:    3799,
			Timeout: 3 * time.Second,
			Retries: 3,
			Backoff: 500 * time.Millisecond,
		},
		Accounting: AccountingConfig{
			InterimInterval:   5 * time.Minute,
			IdleMultiplier:    3,
			IdleGrace:         time.Minute,
			SweepInterval:     time.Minute,
			ClosedCacheSize:   65536,
			DisconnectTimeout: 30 * time.Second,
			SessionShards:     64,
		},
		Tickets: TicketLogConfig{
			MaxSizeMB: 100,
			MaxAge:    24 * time.Hour,
			MaxFiles:  30,
			Compress:  true,
		},
		LogLevel:    "info",
		MetricsAddr: ":9090",
	}
}

// Load builds the configuration from defaults, the YAML file at path and the
// environment. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to load environment: %w", err)
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// Validate checks the configuration for values the server cannot run with
func (c *Config) Validate() error {
	var errs []error
	if err := validateAddr(c.Listen.AuthAddr); err != nil {
		errs = append(errs, fmt.Errorf("listen.auth_addr: %w", err))
	}
	if err := validateAddr(c.Listen.AcctAddr); err != nil {
		errs = append(errs, fmt.Errorf("listen.acct_addr: %w", err))
	}
	if c.Listen.AuthAddr == c.Listen.AcctAddr {
		errs = append(errs, fmt.Errorf("listen: auth and acct share address %s", c.Listen.AuthAddr))
	}

	switch c.Store.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Store.Redis.Addr == "" {
			errs = append(errs, errors.New("store.redis.addr is required"))
		}
	case BackendSQL:
		if c.Store.SQL.Path == "" {
			errs = append(errs, errors.New("store.sql.path is required"))
		}
	case BackendHTTP:
		if c.Store.HTTP.BaseURL == "" {
			errs = append(errs, errors.New("store.http.base_url is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.backend: unknown backend %q", c.Store.Backend))
	}

	if c.CoA.Port <= 0 || c.CoA.Port > 65535 {
		errs = append(errs, fmt.Errorf("coa.port: %d out of range", c.CoA.Port))
	}
	if c.CoA.Retries < 1 {
		errs = append(errs, fmt.Errorf("coa.retries: must be at least 1, got %d", c.CoA.Retries))
	}
	if c.CoA.Timeout <= 0 {
		errs = append(errs, errors.New("coa.timeout must be positive"))
	}
	if c.Accounting.InterimInterval <= 0 {
		errs = append(errs, errors.New("accounting.interim_interval must be positive"))
	}
	if c.RateLimit.PerSecond < 0 {
		errs = append(errs, errors.New("rate_limit.per_second must not be negative"))
	}
	if c.Tickets.Dir != "" && (c.Tickets.MaxSizeMB <= 0 || c.Tickets.MaxFiles <= 0) {
		errs = append(errs, errors.New("tickets: max_size_mb and max_files must be positive"))
	}

	for i, cc := range c.Clients {
		if _, err := cc.Client(); err != nil {
			errs = append(errs, fmt.Errorf("clients[%d]: %w", i, err))
		}
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log_level: invalid level %q", c.LogLevel))
	}
	return errors.Join(errs...)
}

func validateAddr(addr string) error {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	n, err := strconv.Atoi(port)
	if err != nil || n < 0 || n > 65535 {
		return fmt.Errorf("invalid port %q", port)
	}
	return nil
}

// Client converts cc into a registry entry
func (cc ClientConfig) Client() (*store.Client, error) {
	if cc.Secret == "" {
		return nil, errors.New("secret is required")
	}
	c := &store.Client{
		Name:       cc.Name,
		Identifier: cc.Identifier,
		Secret:     cc.Secret,
		VendorID:   cc.VendorID,
		CoAPort:    cc.CoAPort,
	}
	if cc.Addr != "" {
		if c.Addr = net.ParseIP(cc.Addr); c.Addr == nil {
			return nil, fmt.Errorf("invalid address %q", cc.Addr)
		}
	}
	if c.Name == "" {
		c.Name = cc.Addr
		if c.Name == "" {
			c.Name = cc.Identifier
		}
	}
	return c, nil
}

// RegistryClients converts every configured client
func (c *Config) RegistryClients() ([]*store.Client, error) {
	out := make([]*store.Client, 0, len(c.Clients))
	for i, cc := range c.Clients {
		client, err := cc.Client()
		if err != nil {
			return nil, fmt.Errorf("clients[%d]: %w", i, err)
		}
		out = append(out, client)
	}
	return out, nil
}
