package toolserver

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// TransportStdio is the only transport kind currently implemented: a
// subprocess speaking line-framed JSON over its stdin/stdout.
const TransportStdio = "process-stdio"

const defaultPoolSize = 4

// ServerConfig declares one external tool server.
type ServerConfig struct {
	ID        string   `yaml:"serverId"`
	Transport string   `yaml:"transportKind"`
	Command   string   `yaml:"launchCommand"`
	Args      []string `yaml:"launchArgs"`
	Env       []string `yaml:"env"`
	Enabled   *bool    `yaml:"enabled"`
	PoolSize  int      `yaml:"poolSize"`
}

// IsEnabled reports whether the server should be connected. Absent means
// enabled.
func (c ServerConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// Validate checks the declaration and fills defaults in place.
func (c *ServerConfig) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("server declaration is missing serverId")
	}
	if c.Transport == "" {
		c.Transport = TransportStdio
	}
	if c.Transport != TransportStdio {
		return fmt.Errorf("server %s: unsupported transportKind %q", c.ID, c.Transport)
	}
	if c.Command == "" && c.IsEnabled() {
		return fmt.Errorf("server %s: launchCommand is required", c.ID)
	}
	if c.PoolSize <= 0 {
		c.PoolSize = defaultPoolSize
	}
	return nil
}

// Config is the on-disk tool server declaration file.
type Config struct {
	Servers []ServerConfig `yaml:"servers"`
}

// LoadConfig parses a server declaration file. A missing file means no
// servers are configured.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Config{}, nil
		}
		return Config{}, fmt.Errorf("failed to read server config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse server config %s: %w", path, err)
	}

	seen := make(map[string]bool, len(cfg.Servers))
	for i := range cfg.Servers {
		if err := cfg.Servers[i].Validate(); err != nil {
			return Config{}, err
		}
		if seen[cfg.Servers[i].ID] {
			return Config{}, fmt.Errorf("duplicate serverId %s", cfg.Servers[i].ID)
		}
		seen[cfg.Servers[i].ID] = true
	}
	return cfg, nil
}
