// Package config handles gridpulse configuration.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
)

// Config holds all configuration
type Config struct {
	// Paths
	DataDir string `json:"data_dir"`

	// Local RPC surface
	RPC RPCConfig `json:"rpc"`

	// Identity reported to remote services
	Platform string `json:"platform"`

	// VersionCheckURL is the release descriptor endpoint; empty
	// disables the check.
	VersionCheckURL string `json:"version_check_url"`

	// Features
	Features FeatureConfig `json:"features"`
}

// RPCConfig for the local control protocol
type RPCConfig struct {
	Port        int    `json:"port"`      // raw socket protocol
	HTTPPort    int    `json:"http_port"` // HTTP transport
	AllowRemote bool   `json:"allow_remote"`
	// PasswordFile holds the shared RPC password; created with a random
	// password on first run if absent.
	PasswordFile string `json:"password_file"`
}

// FeatureConfig for feature flags
type FeatureConfig struct {
	EnableFeeds        bool `json:"enable_feeds"`
	EnableVersionCheck bool `json:"enable_version_check"`
	DebugMode          bool `json:"debug_mode"`
}

// Default returns default configuration
func Default() *Config {
	home, _ := os.UserHomeDir()

	dataDir := filepath.Join(home, ".gridpulse")
	return &Config{
		DataDir:         dataDir,
		Platform:        defaultPlatform(),
		VersionCheckURL: "https://releases.gridpulse.org/versions.xml",
		RPC: RPCConfig{
			Port:         31416,
			HTTPPort:     31417,
			AllowRemote:  false,
			PasswordFile: filepath.Join(dataDir, "rpc_auth.cfg"),
		},
		Features: FeatureConfig{
			EnableFeeds:        true,
			EnableVersionCheck: true,
			DebugMode:          false,
		},
	}
}

// Load loads config from file, falling back to defaults
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = filepath.Join(cfg.DataDir, "config.json")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil // Use defaults
		}
		return nil, err
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Save saves config to file
func (c *Config) Save(path string) error {
	if path == "" {
		path = filepath.Join(c.DataDir, "config.json")
	}

	// Ensure directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// RPCPassword reads the shared RPC password, trimming trailing
// whitespace the way GUI clients write the file. A missing file means
// no password is configured.
func (c *Config) RPCPassword() (string, error) {
	data, err := os.ReadFile(c.RPC.PasswordFile)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func defaultPlatform() string {
	// The platform string follows the coordination servers' naming.
	switch {
	case os.Getenv("GRIDPULSE_PLATFORM") != "":
		return os.Getenv("GRIDPULSE_PLATFORM")
	default:
		return "x86_64-pc-linux-gnu"
	}
}
