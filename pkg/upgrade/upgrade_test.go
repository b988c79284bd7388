// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package upgrade

import (
	"bufio"
	"net"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type filter struct {
	hosts []string
	paths []string
}

func (f filter) MatchHost(host string) bool { return MatchHost(f.hosts, host) }
func (f filter) MatchPath(path string) bool { return MatchPath(f.paths, path) }

func wsHeader() http.Header {
	h := make(http.Header)
	h.Set("Upgrade", "websocket")
	h.Set("Connection", "Upgrade")
	return h
}

func TestDecide(t *testing.T) {
	chat := filter{hosts: []string{"example.com"}, paths: []string{"/chat"}}

	tests := []struct {
		name    string
		policy  Policy
		req     Request
		filter  Filter
		outcome Outcome
		status  int
		reason  string
	}{
		{
			name:    "proceed",
			req:     Request{Host: "example.com", Path: "/chat", Header: wsHeader()},
			filter:  chat,
			outcome: Proceed,
		},
		{
			name:    "host with port matches hostname entry",
			req:     Request{Host: "example.com:8080", Path: "/chat", Header: wsHeader()},
			filter:  chat,
			outcome: Proceed,
		},
		{
			name:    "other protocol is ignored",
			req:     Request{Host: "example.com", Path: "/chat", Header: http.Header{"Upgrade": {"h2c"}}},
			filter:  chat,
			outcome: Ignore,
			reason:  ReasonProtocol,
		},
		{
			name:    "no upgrade header is ignored",
			req:     Request{Host: "example.com", Path: "/chat", Header: http.Header{}},
			filter:  nil,
			outcome: Ignore,
			reason:  ReasonProtocol,
		},
		{
			name:    "no listener",
			req:     Request{Host: "example.com", Path: "/unknown", Header: wsHeader()},
			filter:  nil,
			outcome: Reject,
			status:  http.StatusBadRequest,
			reason:  ReasonNoListener,
		},
		{
			name:    "host mismatch",
			req:     Request{Host: "other.com", Path: "/chat", Header: wsHeader()},
			filter:  chat,
			outcome: Reject,
			status:  http.StatusBadRequest,
			reason:  ReasonHostMismatch,
		},
		{
			name:    "path mismatch",
			req:     Request{Host: "example.com", Path: "/game", Header: wsHeader()},
			filter:  chat,
			outcome: Reject,
			status:  http.StatusBadRequest,
			reason:  ReasonPathMismatch,
		},
		{
			name:    "host checked before path",
			policy:  Policy{HostStatus: http.StatusForbidden, PathStatus: http.StatusNotFound},
			req:     Request{Host: "other.com", Path: "/game", Header: wsHeader()},
			filter:  chat,
			outcome: Reject,
			status:  http.StatusForbidden,
			reason:  ReasonHostMismatch,
		},
		{
			name:    "path checked first",
			policy:  Policy{HostStatus: http.StatusForbidden, PathStatus: http.StatusNotFound, PathFirst: true},
			req:     Request{Host: "other.com", Path: "/game", Header: wsHeader()},
			filter:  chat,
			outcome: Reject,
			status:  http.StatusNotFound,
			reason:  ReasonPathMismatch,
		},
		{
			name:    "any filter",
			req:     Request{Host: "whatever", Path: "/x", Header: wsHeader()},
			filter:  Any,
			outcome: Proceed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := tt.policy.Decide(tt.req, tt.filter)
			assert.Equal(t, tt.outcome, d.Outcome)
			assert.Equal(t, tt.status, d.Status)
			assert.Equal(t, tt.reason, d.Reason)
		})
	}
}

func TestIsUpgrade(t *testing.T) {
	tests := []struct {
		name   string
		values []string
		want   bool
	}{
		{"exact", []string{"websocket"}, true},
		{"case insensitive", []string{"WebSocket"}, true},
		{"token list", []string{"h2c, websocket"}, true},
		{"repeated header", []string{"h2c", "websocket"}, true},
		{"other", []string{"h2c"}, false},
		{"missing", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := http.Header{}
			for _, v := range tt.values {
				h.Add("Upgrade", v)
			}
			assert.Equal(t, tt.want, IsUpgrade(h, DefaultToken))
		})
	}
}

func TestMatchHost(t *testing.T) {
	assert.True(t, MatchHost(nil, "anything"))
	assert.True(t, MatchHost([]string{"Example.COM"}, "example.com"))
	assert.True(t, MatchHost([]string{"example.com:9000"}, "example.com:9000"))
	assert.False(t, MatchHost([]string{"example.com:9000"}, "example.com:9001"))
	assert.False(t, MatchHost([]string{"example.com"}, "example.org"))
}

func TestMatchPath(t *testing.T) {
	assert.True(t, MatchPath(nil, "/any"))
	assert.True(t, MatchPath([]string{"/a", "/b"}, "/b"))
	assert.False(t, MatchPath([]string{"/a"}, "/A"))
}

func TestWithDefaults(t *testing.T) {
	p := Policy{PathStatus: http.StatusNotFound}.WithDefaults()
	assert.Equal(t, DefaultToken, p.Token)
	assert.Equal(t, http.StatusBadRequest, p.HostStatus)
	assert.Equal(t, http.StatusNotFound, p.PathStatus)
}

type countingConn struct {
	net.Conn
	closes int
}

func (c *countingConn) Close() error {
	c.closes++
	return c.Conn.Close()
}

func TestWriteReject(t *testing.T) {
	tests := []struct {
		name   string
		status int
	}{
		{"bad request", http.StatusBadRequest},
		{"not found", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server, client := net.Pipe()
			defer client.Close()
			conn := &countingConn{Conn: server}

			errc := make(chan error, 1)
			go func() {
				errc <- WriteReject(conn, tt.status)
			}()

			resp, err := http.ReadResponse(bufio.NewReader(client), nil)
			require.NoError(t, err)
			defer resp.Body.Close()

			assert.Equal(t, tt.status, resp.StatusCode)
			assert.True(t, resp.Close)
			require.NoError(t, <-errc)
			assert.Equal(t, 1, conn.closes, "socket must be closed exactly once")
		})
	}
}
