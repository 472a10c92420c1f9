package remux

import (
	"fmt"
	"os"

	"github.com/google/renameio/v2"
	"gopkg.in/yaml.v3"
)

// Config is the remux server configuration file. The remux process reads it
// at startup and re-reads it on SIGUSR1.
type Config struct {
	HLSSegmentDuration string                `yaml:"hlsSegmentDuration"`
	HLSPartDuration    string                `yaml:"hlsPartDuration"`
	HLSSegmentCount    int                   `yaml:"hlsSegmentCount"`
	HLSSegmentMaxSize  string                `yaml:"hlsSegmentMaxSize"`
	HLSAllowOrigin     string                `yaml:"hlsAllowOrigin"`
	HLSAlwaysRemux     bool                  `yaml:"hlsAlwaysRemux"`
	Paths              map[string]PathConfig `yaml:"paths"`
}

// PathConfig describes one published stream path: where the remux server
// pulls the feed from and over which transport.
type PathConfig struct {
	Source        string `yaml:"source"`
	RTSPTransport string `yaml:"rtspTransport"`
}

// defaultConfig returns the initial remux configuration with an empty path
// map. Segment duration matches the transcoder GOP (30 frames @ 30fps = 1s,
// two GOPs per segment); hlsAlwaysRemux keeps the muxer alive with no clients.
func defaultConfig() Config {
	return Config{
		HLSSegmentDuration: "2s",
		HLSPartDuration:    "200ms",
		HLSSegmentCount:    7,
		HLSSegmentMaxSize:  "50M",
		HLSAllowOrigin:     "*",
		HLSAlwaysRemux:     true,
		Paths:              map[string]PathConfig{},
	}
}

// writeConfig marshals cfg and writes it atomically, so the remux process
// never observes a torn file.
func writeConfig(path string, cfg Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal remux config: %w", err)
	}
	if err := renameio.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write remux config %s: %w", path, err)
	}
	return nil
}

// readConfig loads and parses the config file at path.
func readConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read remux config %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse remux config %s: %w", path, err)
	}
	if cfg.Paths == nil {
		cfg.Paths = map[string]PathConfig{}
	}
	return cfg, nil
}
