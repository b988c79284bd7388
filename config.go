// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package wsmux holds the process level configuration of the wsmux binaries.
package wsmux

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"github.com/absmach/wsmux/pkg/server"
	"github.com/caarlos0/env/v11"
)

// Config describes one listener as read from the environment. Every field
// is read under the prefix passed to NewConfig, e.g. WSMUX_WS_PORT.
type Config struct {
	Name    string   `env:"NAME"`
	Address string   `env:"ADDRESS"`
	Port    int      `env:"PORT"`
	Hosts   []string `env:"HOSTS" envSeparator:","`
	Paths   []string `env:"PATHS" envSeparator:","`

	CertFile     string `env:"CERT_FILE"`
	KeyFile      string `env:"KEY_FILE"`
	ClientCAFile string `env:"CLIENT_CA_FILE"`

	TLSConfig *tls.Config
}

// NewConfig parses the environment with opts and loads TLS material when a
// certificate is configured. A client CA enables mutual TLS.
func NewConfig(opts env.Options) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, err
	}

	if cfg.CertFile == "" && cfg.KeyFile == "" {
		if cfg.ClientCAFile != "" {
			return Config{}, fmt.Errorf("%sCLIENT_CA_FILE requires a server certificate", opts.Prefix)
		}
		return cfg, nil
	}

	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return Config{}, fmt.Errorf("failed to load certificate: %w", err)
	}
	cfg.TLSConfig = &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}

	if cfg.ClientCAFile != "" {
		pem, err := os.ReadFile(cfg.ClientCAFile)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read client CA: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return Config{}, fmt.Errorf("no certificates found in %s", cfg.ClientCAFile)
		}
		cfg.TLSConfig.ClientCAs = pool
		cfg.TLSConfig.ClientAuth = tls.RequireAndVerifyClientCert
	}

	return cfg, nil
}

// Configured reports whether the prefix configured a listen address.
func (c Config) Configured() bool {
	return c.Port != 0 || c.Address != ""
}

// Listener converts c into a listener configuration.
func (c Config) Listener() server.ListenerConfig {
	return server.ListenerConfig{
		Name:      c.Name,
		Hosts:     c.Hosts,
		Paths:     c.Paths,
		Port:      c.Port,
		Address:   c.Address,
		TLSConfig: c.TLSConfig,
	}
}
