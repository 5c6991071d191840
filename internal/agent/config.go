// Package agent implements the Sonde agent: the hub connection state
// machine, the local probe executor, and the agent configuration file.
package agent

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Config is the agent's on-disk configuration, stored as JSON at
// ~/.sonde/config.json.
type Config struct {
	HubURL        string   `json:"hubUrl"`
	APIKey        string   `json:"apiKey,omitempty"`
	AgentName     string   `json:"agentName"`
	AgentID       string   `json:"agentId,omitempty"`
	CertPath      string   `json:"certPath,omitempty"`
	KeyPath       string   `json:"keyPath,omitempty"`
	CACertPath    string   `json:"caCertPath,omitempty"`
	ScrubPatterns []string `json:"scrubPatterns,omitempty"`
	DisabledPacks []string `json:"disabledPacks,omitempty"`
}

// ConfigDir returns the agent's state directory (~/.sonde).
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".sonde"), nil
}

// ConfigPath returns the config file location.
func ConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.json"), nil
}

// LoadConfig reads the config from path.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var c Config
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return &c, nil
}

// SaveConfig writes the config to path with owner-only permissions; it
// holds the API key.
func (c *Config) SaveConfig(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// Validate checks the fields required to connect.
func (c *Config) Validate() error {
	if c.HubURL == "" {
		return fmt.Errorf("hubUrl is required")
	}
	if c.AgentName == "" {
		return fmt.Errorf("agentName is required")
	}
	return nil
}
