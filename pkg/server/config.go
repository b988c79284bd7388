// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"crypto/tls"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/absmach/wsmux/pkg/errors"
	"github.com/absmach/wsmux/pkg/handshake"
	"github.com/absmach/wsmux/pkg/metrics"
	"github.com/absmach/wsmux/pkg/route"
	"github.com/absmach/wsmux/pkg/transport"
	"github.com/absmach/wsmux/pkg/upgrade"
	"go.opentelemetry.io/otel/trace"
)

// Config holds the server-wide configuration.
type Config struct {
	// Policy decides which upgrade requests proceed. It is also installed
	// on transport servers created by listeners.
	Policy upgrade.Policy

	// DetachLimit bounds concurrent detachments when RemoveAllListeners or
	// Stop is called with a negative limit. Zero means no limit.
	DetachLimit int

	// Handshake configures the websocket handshake.
	Handshake handshake.Config

	// ShutdownTimeout is passed to transport servers created by listeners.
	ShutdownTimeout time.Duration

	// Metrics records server activity. Optional.
	Metrics *metrics.Metrics

	// TracerProvider provides the tracer for lifecycle spans. Defaults to
	// the global provider.
	TracerProvider trace.TracerProvider

	// Logger for server events
	Logger *slog.Logger
}

func (c Config) validate() error {
	const op = "new server"
	if c.DetachLimit < 0 {
		return errors.Config(op, "DetachLimit", "must not be negative")
	}
	if !errorStatus(c.Policy.HostStatus) {
		return errors.Config(op, "Policy.HostStatus", "must be a 4xx or 5xx status")
	}
	if !errorStatus(c.Policy.PathStatus) {
		return errors.Config(op, "Policy.PathStatus", "must be a 4xx or 5xx status")
	}
	return nil
}

func errorStatus(status int) bool {
	return status == 0 || (status >= 400 && status <= 599)
}

// ListenerConfig holds the configuration of a single listener.
// Use NewListenerConfig or Server.AddListener, which validate it.
type ListenerConfig struct {
	// Name labels the listener in logs and metrics. Defaults to the listener ID.
	Name string

	// Hosts lists accepted Host header values. Nil accepts any host.
	Hosts []string

	// Paths lists accepted upgrade paths. Nil accepts any path.
	Paths []string

	// Port is the port of the transport server created for this listener.
	// Zero picks a free port. It cannot be combined with Server.
	Port int

	// Address is the listen address of the created transport server. It
	// overrides Port and cannot be combined with Server.
	Address string

	// TLSConfig enables TLS on the created transport server. It cannot be
	// combined with Server.
	TLSConfig *tls.Config

	// Server is an existing transport server to attach to instead of
	// creating one.
	Server *transport.Server
}

// NewListenerConfig validates cfg and returns a copy that shares no
// mutable state with the caller. On error the returned config is zero.
func NewListenerConfig(cfg ListenerConfig) (ListenerConfig, error) {
	const op = "new listener config"

	if err := validateList(op, "Hosts", cfg.Hosts); err != nil {
		return ListenerConfig{}, err
	}
	if err := validateList(op, "Paths", cfg.Paths); err != nil {
		return ListenerConfig{}, err
	}
	for _, p := range cfg.Paths {
		if !strings.HasPrefix(p, "/") {
			return ListenerConfig{}, errors.Config(op, "Paths", "paths must start with '/'")
		}
	}
	if cfg.Port < 0 || cfg.Port > 65535 {
		return ListenerConfig{}, errors.Config(op, "Port", "must be between 0 and 65535")
	}
	if cfg.Server != nil {
		if cfg.Port != 0 {
			return ListenerConfig{}, errors.Config(op, "Port", "either Server or Port may be set, not both")
		}
		if cfg.Address != "" {
			return ListenerConfig{}, errors.Config(op, "Address", "either Server or Address may be set, not both")
		}
		if cfg.TLSConfig != nil {
			return ListenerConfig{}, errors.Config(op, "TLSConfig", "TLS applies to created servers only")
		}
		if !cfg.Server.Valid() {
			return ListenerConfig{}, errors.Config(op, "Server", "not created by transport.New or transport.Wrap")
		}
	}

	cfg.Hosts = slices.Clone(cfg.Hosts)
	cfg.Paths = slices.Clone(cfg.Paths)
	if cfg.TLSConfig != nil {
		cfg.TLSConfig = cfg.TLSConfig.Clone()
	}
	return cfg, nil
}

func validateList(op, field string, list []string) error {
	if list == nil {
		return nil
	}
	if len(list) == 0 {
		return errors.Config(op, field, "must be nil or non-empty")
	}
	for _, v := range list {
		if v == "" {
			return errors.Config(op, field, "entries must not be empty")
		}
		if v == route.AcceptAll {
			return errors.Config(op, field, "entry collides with the accept-all key")
		}
	}
	return nil
}
