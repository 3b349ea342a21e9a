// Package config loads the server's static YAML configuration: where to
// listen, optional TLS material, and the reference switch provider's
// bootstrap state.
package config

import (
	"fmt"
	"io/ioutil"

	"gopkg.in/yaml.v3"

	"github.com/donNewtonAlpha/p4rt-standalone/pkg/memswitch"
)

const DefaultListenAddr = "0.0.0.0:9559"

// TLSConfig names the certificate and key files used to serve TLS. Both
// fields empty means serve insecure (plaintext) credentials instead.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// Config is the top-level server configuration file.
type Config struct {
	ListenAddr string                    `yaml:"listen_addr"`
	TLS        TLSConfig                 `yaml:"tls"`
	Switch     memswitch.BootstrapConfig `yaml:"switch"`
}

// Load reads and parses a server config file, defaulting ListenAddr when
// the file leaves it blank.
func Load(path string) (*Config, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	cfg := &Config{ListenAddr: DefaultListenAddr}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = DefaultListenAddr
	}
	return cfg, nil
}

// UsesTLS reports whether both halves of the TLS material were configured.
func (c *Config) UsesTLS() bool {
	return c.TLS.CertFile != "" && c.TLS.KeyFile != ""
}
