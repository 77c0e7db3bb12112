package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

var (
	ErrConfigNotFound     = errors.New("configuration not found")
	ErrInvalidConfig      = errors.New("invalid configuration")
	ErrMissingTLSMaterial = errors.New("missing TLS material")
)

// Default locations of the TLS material, relative to the working directory.
const (
	DefaultListen           = "0.0.0.0:4433"
	DefaultServerCertFile   = "server/server_fullchain.crt"
	DefaultServerKeyFile    = "server/server.key"
	DefaultClientCertFile   = "client/client_fullchain.crt"
	DefaultClientKeyFile    = "client/client.key"
	DefaultCAFile           = "ca/certs/root.crt"
	DefaultServerName       = "localhost"
	DefaultServerAddr       = "127.0.0.1:4433"
	DefaultOutboundQueue    = 256
	DefaultMaxLineBytes     = 4096
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultWriteTimeout     = 10 * time.Second
)

// OverloadPolicy decides what happens when a member's outbound queue is full.
type OverloadPolicy string

const (
	// OverloadDisconnect closes the slow consumer.
	OverloadDisconnect OverloadPolicy = "disconnect"
	// OverloadDrop discards the line for that member only.
	OverloadDrop OverloadPolicy = "drop"
)

// TLSFiles points at PEM encoded certificate material.
type TLSFiles struct {
	CertFile   string `yaml:"cert_file"`
	KeyFile    string `yaml:"key_file"`
	CAFile     string `yaml:"ca_file"`
	ServerName string `yaml:"server_name,omitempty"`
	Reload     bool   `yaml:"reload,omitempty"`
}

// ChatOptions tunes session behavior.
type ChatOptions struct {
	EchoToSender     bool           `yaml:"echo_to_sender"`
	OutboundQueue    int            `yaml:"outbound_queue"`
	OverloadPolicy   OverloadPolicy `yaml:"overload_policy"`
	MaxLineBytes     int            `yaml:"max_line_bytes"`
	HandshakeTimeout time.Duration  `yaml:"handshake_timeout"`
	LoginTimeout     time.Duration  `yaml:"login_timeout"`
	IdleTimeout      time.Duration  `yaml:"idle_timeout"`
	WriteTimeout     time.Duration  `yaml:"write_timeout"`
}

// AdminOptions configures the operator HTTP surface. An empty Listen
// disables it.
type AdminOptions struct {
	Listen string `yaml:"listen"`
}

// NgrokOptions exposes the TLS listener through an ngrok TCP endpoint.
type NgrokOptions struct {
	Enabled    bool   `yaml:"enabled"`
	Authtoken  string `yaml:"authtoken,omitempty"`
	RemoteAddr string `yaml:"remote_addr,omitempty"`
}

// ServerConfig is the complete server configuration.
type ServerConfig struct {
	Listen string       `yaml:"listen"`
	TLS    TLSFiles     `yaml:"tls"`
	Chat   ChatOptions  `yaml:"chat"`
	Admin  AdminOptions `yaml:"admin"`
	Ngrok  NgrokOptions `yaml:"ngrok"`
}

// ClientConfig is the complete client configuration.
type ClientConfig struct {
	Server       string        `yaml:"server"`
	Username     string        `yaml:"username"`
	TLS          TLSFiles      `yaml:"tls"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	MaxLineBytes int           `yaml:"max_line_bytes"`
}

// DefaultServerConfig returns the configuration used when no file is given.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Listen: DefaultListen,
		TLS: TLSFiles{
			CertFile: DefaultServerCertFile,
			KeyFile:  DefaultServerKeyFile,
			CAFile:   DefaultCAFile,
		},
		Chat: ChatOptions{
			EchoToSender:     true,
			OutboundQueue:    DefaultOutboundQueue,
			OverloadPolicy:   OverloadDisconnect,
			MaxLineBytes:     DefaultMaxLineBytes,
			HandshakeTimeout: DefaultHandshakeTimeout,
			WriteTimeout:     DefaultWriteTimeout,
		},
	}
}

// DefaultClientConfig returns the client configuration used when no file is given.
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		Server: DefaultServerAddr,
		TLS: TLSFiles{
			CertFile:   DefaultClientCertFile,
			KeyFile:    DefaultClientKeyFile,
			CAFile:     DefaultCAFile,
			ServerName: DefaultServerName,
		},
		DialTimeout:  DefaultHandshakeTimeout,
		MaxLineBytes: DefaultMaxLineBytes,
	}
}

// LoadServerConfig reads a YAML file over the defaults. An empty path
// returns the defaults.
func LoadServerConfig(path string) (*ServerConfig, error) {
	cfg := DefaultServerConfig()
	if err := loadYAML(path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadClientConfig reads a YAML file over the client defaults.
func LoadClientConfig(path string) (*ClientConfig, error) {
	cfg := DefaultClientConfig()
	if err := loadYAML(path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadYAML(path string, out any) error {
	if path == "" {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return nil
}

// Validate checks the server configuration for consistency.
func (c *ServerConfig) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("%w: listen address is empty", ErrInvalidConfig)
	}
	if err := c.TLS.validate(); err != nil {
		return err
	}
	if c.Chat.OutboundQueue <= 0 {
		return fmt.Errorf("%w: outbound_queue must be positive", ErrInvalidConfig)
	}
	if c.Chat.MaxLineBytes <= 0 {
		return fmt.Errorf("%w: max_line_bytes must be positive", ErrInvalidConfig)
	}
	switch c.Chat.OverloadPolicy {
	case OverloadDisconnect, OverloadDrop:
	default:
		return fmt.Errorf("%w: unknown overload_policy %q", ErrInvalidConfig, c.Chat.OverloadPolicy)
	}
	for name, d := range map[string]time.Duration{
		"handshake_timeout": c.Chat.HandshakeTimeout,
		"login_timeout":     c.Chat.LoginTimeout,
		"idle_timeout":      c.Chat.IdleTimeout,
		"write_timeout":     c.Chat.WriteTimeout,
	} {
		if d < 0 {
			return fmt.Errorf("%w: %s must not be negative", ErrInvalidConfig, name)
		}
	}
	return nil
}

// Validate checks the client configuration for consistency.
func (c *ClientConfig) Validate() error {
	if c.Server == "" {
		return fmt.Errorf("%w: server address is empty", ErrInvalidConfig)
	}
	if c.DialTimeout < 0 {
		return fmt.Errorf("%w: dial_timeout must not be negative", ErrInvalidConfig)
	}
	if c.MaxLineBytes < 0 {
		return fmt.Errorf("%w: max_line_bytes must not be negative", ErrInvalidConfig)
	}
	return c.TLS.validate()
}

func (f TLSFiles) validate() error {
	switch {
	case f.CertFile == "":
		return fmt.Errorf("%w: cert_file", ErrMissingTLSMaterial)
	case f.KeyFile == "":
		return fmt.Errorf("%w: key_file", ErrMissingTLSMaterial)
	case f.CAFile == "":
		return fmt.Errorf("%w: ca_file", ErrMissingTLSMaterial)
	}
	return nil
}
