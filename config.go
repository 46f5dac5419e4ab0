package mitmproxy

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Config is the on-disk configuration. Values here seed the Options
// registry at startup; everything is adjustable afterwards through the
// options API.
type Config struct {
	// Proxy listener configuration
	Proxy ProxyConfig `mapstructure:"proxy"`

	// Web API configuration
	Web WebConfig `mapstructure:"web"`

	// Interception configuration
	Intercept InterceptConfig `mapstructure:"intercept"`

	// View configuration
	View ViewConfig `mapstructure:"view"`

	// Flow archive configuration
	Archive ArchiveConfig `mapstructure:"archive"`

	// Logging configuration
	Logging LoggingConfig `mapstructure:"logging"`
}

// ProxyConfig contains proxy listener settings.
type ProxyConfig struct {
	// ListenHost is the address to bind the proxy to ("" = all interfaces)
	ListenHost string `mapstructure:"listen_host"`

	// ListenPort is the proxy service port
	ListenPort int `mapstructure:"listen_port"`

	// Mode: "regular", "transparent", "socks5", "reverse", "upstream"
	Mode string `mapstructure:"mode"`

	// SSLInsecure disables upstream certificate verification
	SSLInsecure bool `mapstructure:"ssl_insecure"`

	// IgnoreHosts are host patterns forwarded without processing
	IgnoreHosts []string `mapstructure:"ignore_hosts"`

	// AntiCache strips cache-revalidation headers from requests
	AntiCache bool `mapstructure:"anticache"`

	// AntiComp transparently decodes response bodies
	AntiComp bool `mapstructure:"anticomp"`
}

// WebConfig contains web API settings.
type WebConfig struct {
	// Host the web API binds to
	Host string `mapstructure:"host"`

	// Port the web API listens on
	Port int `mapstructure:"port"`

	// Debug enables verbose web diagnostics
	Debug bool `mapstructure:"debug"`
}

// InterceptConfig contains interception settings.
type InterceptConfig struct {
	// Active switches interception on at startup
	Active bool `mapstructure:"active"`

	// Filter is the intercept filter expression
	Filter string `mapstructure:"filter"`
}

// ViewConfig contains flow view settings.
type ViewConfig struct {
	// Filter limits which flows are displayed
	Filter string `mapstructure:"filter"`
}

// ArchiveConfig contains flow archive settings.
type ArchiveConfig struct {
	// Enabled switches SQLite flow persistence on
	Enabled bool `mapstructure:"enabled"`

	// Path to the archive database file
	Path string `mapstructure:"path"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	// Level is the log level: debug, info, warn, error
	Level string `mapstructure:"level"`

	// Format is the log format: text, json
	Format string `mapstructure:"format"`

	// Output is where to write logs: stdout, stderr, or a file path
	Output string `mapstructure:"output"`
}

// DefaultConfig returns a Config with the same defaults as NewOptions.
func DefaultConfig() Config {
	return Config{
		Proxy: ProxyConfig{
			ListenPort: 8080,
			Mode:       "regular",
		},
		Web: WebConfig{
			Host: "127.0.0.1",
			Port: 8081,
		},
		Archive: ArchiveConfig{
			Path: "flows.db",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
	}
}

// LoadConfig loads configuration from file, environment, and defaults.
// Search order:
// 1. Explicit path (if provided)
// 2. ./mitmweb.yaml
// 3. $HOME/.mitmproxy/mitmweb.yaml
// 4. /etc/mitmproxy/mitmweb.yaml
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigName("mitmweb")
	v.SetConfigType("yaml")

	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.mitmproxy")
	v.AddConfigPath("/etc/mitmproxy")

	v.SetEnvPrefix("MITMWEB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// Config file not found is OK - use defaults
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return &cfg, nil
}

// LoadConfigFromReader loads configuration from raw bytes. Useful for
// testing or embedded configs.
func LoadConfigFromReader(configType string, data []byte) (*Config, error) {
	v := viper.New()

	setDefaults(v)
	v.SetConfigType(configType)

	if err := v.ReadConfig(strings.NewReader(string(data))); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	defaults := DefaultConfig()

	v.SetDefault("proxy.listen_host", defaults.Proxy.ListenHost)
	v.SetDefault("proxy.listen_port", defaults.Proxy.ListenPort)
	v.SetDefault("proxy.mode", defaults.Proxy.Mode)

	v.SetDefault("web.host", defaults.Web.Host)
	v.SetDefault("web.port", defaults.Web.Port)

	v.SetDefault("archive.enabled", defaults.Archive.Enabled)
	v.SetDefault("archive.path", defaults.Archive.Path)

	v.SetDefault("logging.level", defaults.Logging.Level)
	v.SetDefault("logging.format", defaults.Logging.Format)
	v.SetDefault("logging.output", defaults.Logging.Output)
}

// ApplyTo seeds the options registry from the config. Option validation
// applies; the first invalid value aborts with its error.
func (c *Config) ApplyTo(o *Options) error {
	seeds := []struct {
		name  string
		value any
	}{
		{OptListenHost, c.Proxy.ListenHost},
		{OptListenPort, c.Proxy.ListenPort},
		{OptMode, c.Proxy.Mode},
		{OptSSLInsecure, c.Proxy.SSLInsecure},
		{OptIgnoreHosts, c.Proxy.IgnoreHosts},
		{OptAntiCache, c.Proxy.AntiCache},
		{OptAntiComp, c.Proxy.AntiComp},
		{OptWebHost, c.Web.Host},
		{OptWebPort, c.Web.Port},
		{OptWebDebug, c.Web.Debug},
		{OptInterceptActive, c.Intercept.Active},
		{OptIntercept, c.Intercept.Filter},
		{OptViewFilter, c.View.Filter},
	}

	for _, s := range seeds {
		if err := o.Set(s.name, s.value); err != nil {
			return err
		}
	}
	return nil
}

// WriteExampleConfig writes an example configuration file.
func WriteExampleConfig(path string) error {
	example := `# mitmproxy control plane configuration

proxy:
  # Address and port the proxy listens on
  listen_host: ""
  listen_port: 8080

  # Mode: regular, transparent, socks5, reverse, upstream
  mode: regular

  # Do not verify upstream server certificates
  ssl_insecure: false

  # Host patterns to forward without processing
  ignore_hosts: []

  # Strip cache-revalidation headers from requests
  anticache: false

  # Transparently decode compressed response bodies
  anticomp: false

web:
  # Web API bind address
  host: "127.0.0.1"
  port: 8081
  debug: false

intercept:
  # Hold matching flows until resumed or killed
  active: false
  # filter: "host:example.com"

view:
  # Limit which flows are displayed
  # filter: "kind:response"

archive:
  # Persist completed flows to SQLite
  enabled: false
  path: "flows.db"

logging:
  # Log level: debug, info, warn, error
  level: "info"

  # Log format: text, json
  format: "text"

  # Output: stdout, stderr, or file path
  output: "stderr"
`

	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create directory: %w", err)
		}
	}

	return os.WriteFile(path, []byte(example), 0644)
}
