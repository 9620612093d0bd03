// Package config loads the daemon's TOML configuration file.
package config

import (
	"fmt"

	"github.com/BurntSushi/toml"
)

// Config is the daemon's on-disk configuration.
type Config struct {
	ListenAddr  string   `toml:"listen_addr"`
	KeyFile     string   `toml:"key_file"`
	Bootstrap   []string `toml:"bootstrap"`
	LogLevel    string   `toml:"log_level"`
	LogPretty   bool     `toml:"log_pretty"`
	MetricsAddr string   `toml:"metrics_addr"`
}

// Default returns the daemon's out-of-the-box configuration.
func Default() Config {
	return Config{
		ListenAddr:  "0.0.0.0:9595",
		KeyFile:     "p4p2pd.key",
		LogLevel:    "info",
		MetricsAddr: "127.0.0.1:9596",
	}
}

// Load reads and decodes a TOML config file, layering it over Default().
func Load(path string) (Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: loading %s: %w", path, err)
	}
	return cfg, nil
}
