// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/absmach/wsmux/pkg/health"
	"github.com/absmach/wsmux/pkg/ratelimit"
	"github.com/absmach/wsmux/pkg/server"
	"github.com/absmach/wsmux/pkg/transport"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newServer(t *testing.T) *server.Server {
	t.Helper()
	s, err := server.New(server.Config{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Stop(context.Background(), 0) })
	return s
}

func TestConnectionGate(t *testing.T) {
	s := newServer(t)
	reg := prometheus.NewRegistry()
	gate := NewConnectionGate(ratelimit.NewLimiter(1, 0, 0), reg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	gate.Register(s)

	l, err := s.AddListener(context.Background(), server.ListenerConfig{Name: "gated", Address: "127.0.0.1:0"})
	require.NoError(t, err)
	url := "ws://" + l.Addr().String() + "/"

	first, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer first.Close()

	second, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer second.Close()

	second.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = second.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "unexpected error: %v", err)
	assert.Equal(t, 1.0, testutil.ToFloat64(gate.rejected.WithLabelValues("gated")))
	require.Eventually(t, func() bool { return len(s.Clients()) == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestRegisterChecks(t *testing.T) {
	s := newServer(t)
	checker := health.NewChecker(time.Nanosecond)
	registerChecks(checker, s)

	status, _ := checker.Health(context.Background())
	assert.Equal(t, health.StatusDegraded, status, "no listener attached yet")

	_, err := s.AddListener(context.Background(), server.ListenerConfig{Address: "127.0.0.1:0"})
	require.NoError(t, err)

	time.Sleep(time.Millisecond)
	status, _ = checker.Health(context.Background())
	assert.Equal(t, health.StatusHealthy, status)
}

func TestAppRouterWithUpgradePath(t *testing.T) {
	s := newServer(t)

	app := &http.Server{Handler: appRouter(s)}
	wrapped := transport.Wrap(app, transport.Config{})
	_, err := s.AddListener(context.Background(), server.ListenerConfig{Name: "chat", Paths: []string{"/chat"}, Server: wrapped})
	require.NoError(t, err)

	ts := httptest.NewServer(app.Handler)
	defer ts.Close()

	ws, _, err := websocket.DefaultDialer.Dial("ws"+ts.URL[len("http"):]+"/chat", nil)
	require.NoError(t, err)
	defer ws.Close()

	require.Eventually(t, func() bool { return len(s.Clients()) == 1 }, 2*time.Second, 10*time.Millisecond)

	resp, err := http.Get(ts.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Listeners []listenerStatus `json:"listeners"`
		Clients   int              `json:"clients"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Listeners, 1)
	assert.Equal(t, "chat", body.Listeners[0].Name)
	assert.Equal(t, "attached", body.Listeners[0].State)
	assert.Equal(t, []string{"/chat"}, body.Listeners[0].Keys)
	assert.Equal(t, 1, body.Clients)
}

func TestSetupLogger(t *testing.T) {
	assert.True(t, setupLogger("debug", "text").Enabled(context.Background(), slog.LevelDebug))
	assert.False(t, setupLogger("warn", "json").Enabled(context.Background(), slog.LevelInfo))
}

func TestVersionCmd(t *testing.T) {
	root := newRootCmd()
	out := new(bytes.Buffer)
	root.SetOut(out)
	root.SetArgs([]string{"version"})
	require.NoError(t, root.Execute())
	assert.Equal(t, version+"\n", out.String())
}
