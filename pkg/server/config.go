// Copyright 2024-2026 Aiku AI

package server

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	up "go.mau.fi/util/configupgrade"
	"go.mau.fi/zeroconfig"
	"gopkg.in/yaml.v3"
)

//go:embed example-config.yaml
var ExampleConfig string

const (
	TransportStdio = "stdio"
	TransportHTTP  = "http"

	DriverMock = "mock"
)

// Config is the whole server configuration file.
type Config struct {
	Server     ServerConfig      `yaml:"server"`
	WhatsApp   WhatsAppConfig    `yaml:"whatsapp"`
	Streamable StreamableConfig  `yaml:"streamable"`
	Logging    zeroconfig.Config `yaml:"logging"`
}

type ServerConfig struct {
	Name           string   `yaml:"name"`
	Version        string   `yaml:"version"`
	Transport      string   `yaml:"transport"`
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	PublicURL      string   `yaml:"public_url"`
}

type WhatsAppConfig struct {
	Driver         string        `yaml:"driver"`
	SessionName    string        `yaml:"session_name"`
	AuthTimeout    time.Duration `yaml:"auth_timeout"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	RetryBackoff   time.Duration `yaml:"retry_backoff"`
	Mock           MockConfig    `yaml:"mock"`
}

// MockConfig configures the simulated WhatsApp client.
type MockConfig struct {
	PairAfter   time.Duration `yaml:"pair_after"`
	QRRefresh   time.Duration `yaml:"qr_refresh"`
	ReadyDelay  time.Duration `yaml:"ready_delay"`
	EchoReplies bool          `yaml:"echo_replies"`
}

type StreamableConfig struct {
	MaxEventsPerSession int  `yaml:"max_events_per_session"`
	JSONResponse        bool `yaml:"json_response"`
}

// Addr is the listen address of the http transport.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// BaseURL is the public URL of the auxiliary endpoints.
func (c *ServerConfig) BaseURL() string {
	if c.PublicURL != "" {
		return strings.TrimSuffix(c.PublicURL, "/")
	}
	return fmt.Sprintf("http://localhost:%d", c.Port)
}

func upgradeConfig(helper up.Helper) {
	helper.Copy(up.Str, "server", "name")
	helper.Copy(up.Str, "server", "version")
	helper.Copy(up.Str, "server", "transport")
	helper.Copy(up.Str, "server", "host")
	helper.Copy(up.Int, "server", "port")
	helper.Copy(up.List, "server", "allowed_origins")
	helper.Copy(up.Str|up.Null, "server", "public_url")

	helper.Copy(up.Str, "whatsapp", "driver")
	helper.Copy(up.Str, "whatsapp", "session_name")
	helper.Copy(up.Str, "whatsapp", "auth_timeout")
	helper.Copy(up.Str, "whatsapp", "reconnect_delay")
	helper.Copy(up.Str, "whatsapp", "retry_backoff")
	helper.Copy(up.Str, "whatsapp", "mock", "pair_after")
	helper.Copy(up.Str, "whatsapp", "mock", "qr_refresh")
	helper.Copy(up.Str, "whatsapp", "mock", "ready_delay")
	helper.Copy(up.Bool, "whatsapp", "mock", "echo_replies")

	helper.Copy(up.Int, "streamable", "max_events_per_session")
	helper.Copy(up.Bool, "streamable", "json_response")

	helper.Copy(up.Map, "logging")
}

var configUpgrader = &up.StructUpgrader{
	SimpleUpgrader: up.SimpleUpgrader(upgradeConfig),
	Blocks: [][]string{
		{"whatsapp"},
		{"streamable"},
		{"logging"},
	},
	Base: ExampleConfig,
}

// LoadConfig reads the config file at path, filling in keys missing from
// it with the defaults. If save is set, the upgraded file is written back.
func LoadConfig(path string, save bool) (*Config, error) {
	data, _, err := up.Do(path, save, configUpgrader)
	if err != nil {
		return nil, fmt.Errorf("failed to upgrade config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes YAML on top of the built-in defaults.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal([]byte(ExampleConfig), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse default config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}

// ApplyEnv overrides config values from environment variables.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	str := func(key string, dst *string) {
		if val, ok := lookup(key); ok && val != "" {
			*dst = val
		}
	}
	str("MCP_SERVER_NAME", &c.Server.Name)
	str("MCP_SERVER_VERSION", &c.Server.Version)
	str("MCP_TRANSPORT", &c.Server.Transport)
	str("MCP_HOST", &c.Server.Host)
	str("MCP_PUBLIC_URL", &c.Server.PublicURL)
	str("WHATSAPP_SESSION_NAME", &c.WhatsApp.SessionName)

	if val, ok := lookup("MCP_PORT"); ok && val != "" {
		port, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("invalid MCP_PORT %q: %w", val, err)
		}
		c.Server.Port = port
	}
	if val, ok := lookup("WHATSAPP_AUTH_TIMEOUT"); ok && val != "" {
		ms, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("invalid WHATSAPP_AUTH_TIMEOUT %q: %w", val, err)
		}
		c.WhatsApp.AuthTimeout = time.Duration(ms) * time.Millisecond
	}
	if val, ok := lookup("LOG_LEVEL"); ok && val != "" {
		level, err := zerolog.ParseLevel(strings.ToLower(val))
		if err != nil {
			return fmt.Errorf("invalid LOG_LEVEL %q: %w", val, err)
		}
		c.Logging.MinLevel = &level
	}
	return nil
}

var (
	ErrInvalidTransport = errors.New("transport must be stdio or http")
	ErrInvalidPort      = errors.New("port must be between 1 and 65535")
	ErrUnknownDriver    = errors.New("unknown whatsapp driver")
	ErrStdoutLogging    = errors.New("logging to stdout is not allowed in stdio mode")
)

// Validate checks the config for values the server cannot start with.
func (c *Config) Validate() error {
	var errs []error
	switch c.Server.Transport {
	case TransportStdio:
		for _, w := range c.Logging.Writers {
			if string(w.Type) == "stdout" {
				errs = append(errs, ErrStdoutLogging)
				break
			}
		}
	case TransportHTTP:
	default:
		errs = append(errs, fmt.Errorf("%w, got %q", ErrInvalidTransport, c.Server.Transport))
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("%w, got %d", ErrInvalidPort, c.Server.Port))
	}
	if c.WhatsApp.Driver != DriverMock {
		errs = append(errs, fmt.Errorf("%w %q", ErrUnknownDriver, c.WhatsApp.Driver))
	}
	if c.WhatsApp.SessionName == "" {
		errs = append(errs, errors.New("whatsapp.session_name must not be empty"))
	}
	for name, d := range map[string]time.Duration{
		"whatsapp.auth_timeout":    c.WhatsApp.AuthTimeout,
		"whatsapp.mock.pair_after": c.WhatsApp.Mock.PairAfter,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", name))
		}
	}
	for name, d := range map[string]time.Duration{
		"whatsapp.reconnect_delay": c.WhatsApp.ReconnectDelay,
		"whatsapp.retry_backoff":   c.WhatsApp.RetryBackoff,
		"whatsapp.mock.qr_refresh": c.WhatsApp.Mock.QRRefresh,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.Streamable.MaxEventsPerSession < 1 {
		errs = append(errs, errors.New("streamable.max_events_per_session must be positive"))
	}
	return errors.Join(errs...)
}
