// Package config defines and loads the server's external configuration
// surface. It is kept deliberately outside pkg/server: the protocol
// engine consumes ServerConfig/ServerServiceConfig values and never
// touches YAML, flags, or the filesystem itself — a caller (cmd/tunneld,
// or a test) is free to build a ServerConfig by hand.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// TransportType selects how the control/data listeners are secured.
type TransportType string

const (
	TransportTCP TransportType = "tcp"
	TransportTLS TransportType = "tls"
)

// TLSConfig is the `server.transport.tls` block.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// TransportConfig is the `server.transport` block.
type TransportConfig struct {
	Type TransportType `yaml:"type"`
	TLS  *TLSConfig    `yaml:"tls,omitempty"`
}

// ServerServiceConfig is one entry of `server.services`: an immutable
// per-service record. Once loaded it is cloned into each
// ControlChannelHandle created for that service.
type ServerServiceConfig struct {
	Name     string `yaml:"name"`
	Token    string `yaml:"token"`
	BindAddr string `yaml:"bind_addr"`
}

// ServerConfig is the top-level `server` block.
type ServerConfig struct {
	BindAddr  string                         `yaml:"bind_addr"`
	Transport TransportConfig                `yaml:"transport"`
	Services  map[string]ServerServiceConfig `yaml:"services"`
}

// Config is the root document; only the `server` block is meaningful to
// this repository, which implements the server side of the tunnel only.
type Config struct {
	Server *ServerConfig `yaml:"server"`
}

// Load reads and parses a config document from path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse parses a config document already in memory.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	if cfg.Server == nil {
		return nil, fmt.Errorf("config: missing `server` block")
	}
	if err := cfg.Server.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *ServerConfig) validate() error {
	if c.BindAddr == "" {
		return fmt.Errorf("config: server.bind_addr is required")
	}
	switch c.Transport.Type {
	case "", TransportTCP:
	case TransportTLS:
		if c.Transport.TLS == nil || c.Transport.TLS.CertFile == "" || c.Transport.TLS.KeyFile == "" {
			return fmt.Errorf("config: server.transport.tls requires cert_file and key_file")
		}
	default:
		return fmt.Errorf("config: unknown server.transport.type %q", c.Transport.Type)
	}
	for name, svc := range c.Services {
		if svc.Name == "" {
			return fmt.Errorf("config: service %q is missing name", name)
		}
		if svc.Token == "" {
			return fmt.Errorf("config: service %q is missing token", name)
		}
		if svc.BindAddr == "" {
			return fmt.Errorf("config: service %q is missing bind_addr", name)
		}
	}
	return nil
}
