// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/absmach/wsmux/pkg/health"
	"github.com/absmach/wsmux/pkg/ratelimit"
	"github.com/absmach/wsmux/pkg/server"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ConnectionGate closes new connections from remote hosts that exceed their
// connection rate.
type ConnectionGate struct {
	limiter  *ratelimit.Limiter
	rejected *prometheus.CounterVec
	logger   *slog.Logger
}

// NewConnectionGate creates a gate backed by limiter.
func NewConnectionGate(limiter *ratelimit.Limiter, reg prometheus.Registerer, logger *slog.Logger) *ConnectionGate {
	return &ConnectionGate{
		limiter: limiter,
		rejected: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "wsmux",
				Name:      "rate_limited_connections_total",
				Help:      "Total number of connections closed by the rate limiter",
			},
			[]string{"listener"},
		),
		logger: logger,
	}
}

// Register subscribes the gate to new connections of s. It must be
// registered before handlers that start using connections.
func (g *ConnectionGate) Register(s *server.Server) {
	s.On(server.EventConnection, g.OnConnection)
}

// OnConnection closes c when its remote host is over the limit.
func (g *ConnectionGate) OnConnection(c *server.Conn) {
	host := remoteHost(c.Remote())
	if g.limiter.Allow(host) {
		return
	}

	listener := "standalone"
	if l := c.Listener(); l != nil {
		listener = l.Name()
	}
	g.rejected.WithLabelValues(listener).Inc()
	g.logger.Warn("Connection rate limit exceeded",
		slog.String("remote", host),
		slog.String("listener", listener))

	msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, ratelimit.ErrRateLimitExceeded.Error())
	_ = c.WebSocket().WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	c.Close()
}

// Prune drops idle limiter state every interval until ctx is done.
func (g *ConnectionGate) Prune(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := g.limiter.Prune(); n > 0 {
				g.logger.Debug("Rate limiter pruned", slog.Int("clients", n), slog.Int("remaining", g.limiter.Clients()))
			}
		}
	}
}

func remoteHost(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

// registerChecks adds the server checks to checker.
func registerChecks(checker *health.Checker, s *server.Server) {
	checker.Register("listeners", func(ctx context.Context) error {
		for _, l := range s.Listeners() {
			if l.Attached() {
				return nil
			}
		}
		return errors.New("no attached listener")
	})

	checker.Register("connections", func(ctx context.Context) error {
		for _, c := range s.Clients() {
			if c.State() == server.Closed {
				return errors.New("closed connection still tracked")
			}
		}
		return nil
	})
}

type listenerStatus struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	State       string   `json:"state"`
	Keys        []string `json:"keys"`
	Address     string   `json:"address,omitempty"`
	Connections int      `json:"connections"`
}

// appRouter serves the application routes that live next to the upgrade
// paths on the application server.
func appRouter(s *server.Server) http.Handler {
	r := chi.NewRouter()
	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		ls := s.Listeners()
		status := make([]listenerStatus, 0, len(ls))
		for _, l := range ls {
			st := listenerStatus{
				ID:          l.ID(),
				Name:        l.Name(),
				State:       l.State().String(),
				Keys:        l.Keys(),
				Connections: len(l.Clients()),
			}
			if addr := l.Addr(); addr != nil {
				st.Address = addr.String()
			}
			status = append(status, st)
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"server":    s.ID(),
			"listeners": status,
			"clients":   len(s.Clients()),
		})
	})
	return r
}
