// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package wsmux

import (
	"testing"

	"github.com/caarlos0/env/v11"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConfig(t *testing.T) {
	tests := []struct {
		name       string
		env        map[string]string
		configured bool
		hosts      []string
		paths      []string
		err        bool
	}{
		{
			name: "unset",
		},
		{
			name:       "plain listener",
			env:        map[string]string{"T_PORT": "8080", "T_PATHS": "/chat,/game", "T_HOSTS": "example.com"},
			configured: true,
			hosts:      []string{"example.com"},
			paths:      []string{"/chat", "/game"},
		},
		{
			name:       "address only",
			env:        map[string]string{"T_ADDRESS": "127.0.0.1:9000"},
			configured: true,
		},
		{
			name: "invalid port",
			env:  map[string]string{"T_PORT": "eighty"},
			err:  true,
		},
		{
			name: "missing certificate",
			env:  map[string]string{"T_PORT": "8443", "T_CERT_FILE": "missing.crt", "T_KEY_FILE": "missing.key"},
			err:  true,
		},
		{
			name: "client CA without certificate",
			env:  map[string]string{"T_PORT": "8443", "T_CLIENT_CA_FILE": "ca.crt"},
			err:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := NewConfig(env.Options{Prefix: "T_", Environment: tt.env})
			if tt.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.configured, cfg.Configured())
			assert.Equal(t, tt.hosts, cfg.Hosts)
			assert.Equal(t, tt.paths, cfg.Paths)
			assert.Nil(t, cfg.TLSConfig)

			l := cfg.Listener()
			assert.Equal(t, cfg.Port, l.Port)
			assert.Equal(t, cfg.Paths, l.Paths)
		})
	}
}
