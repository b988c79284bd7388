// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/absmach/wsmux/pkg/errors"
	"github.com/absmach/wsmux/pkg/route"
	"github.com/absmach/wsmux/pkg/transport"
	"github.com/absmach/wsmux/pkg/upgrade"
	"github.com/google/uuid"
)

// State is the attachment state of a listener.
type State int

const (
	// Pending listeners have not attached yet.
	Pending State = iota
	// Attached listeners accept upgrades.
	Attached
	// Detached listeners are finished and never reused.
	Detached
)

// String returns a string representation of the state.
func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Attached:
		return "attached"
	case Detached:
		return "detached"
	default:
		return "unknown"
	}
}

// upgradeFunc hands a routed socket to the owning server.
type upgradeFunc func(r *http.Request, conn net.Conn, head []byte, l *Listener) (*Conn, upgrade.Decision, error)

// Listener binds a host and path filter to one transport server and owns
// the connections accepted through it.
type Listener struct {
	id       string
	name     string
	serverID string
	config   ListenerConfig
	keys     []string
	handle   upgradeFunc
	logger   *slog.Logger

	transportConfig transport.Config

	mu        sync.Mutex
	state     State
	transport *transport.Server
	owned     bool
	clients   map[string]*Conn
}

var _ route.Owner = (*Listener)(nil)

func newListener(s *Server, cfg ListenerConfig) *Listener {
	id := uuid.NewString()
	name := cfg.Name
	if name == "" {
		name = id
	}
	return &Listener{
		id:       id,
		name:     name,
		serverID: s.id,
		config:   cfg,
		keys:     route.KeysFor(cfg.Paths),
		handle:   s.HandleUpgrade,
		logger:   s.logger.With(slog.String("listener", name)),
		transportConfig: transport.Config{
			Address:         cfg.Address,
			Port:            cfg.Port,
			TLSConfig:       cfg.TLSConfig,
			ShutdownTimeout: s.config.ShutdownTimeout,
			Policy:          s.config.Policy,
			Metrics:         s.config.Metrics,
			CloseWhenIdle:   true,
			Logger:          s.logger,
		},
		clients: make(map[string]*Conn),
	}
}

// ID returns the listener identifier.
func (l *Listener) ID() string {
	return l.id
}

// Name returns the listener name used in logs and metrics.
func (l *Listener) Name() string {
	return l.name
}

// Config returns the validated configuration.
func (l *Listener) Config() ListenerConfig {
	return l.config
}

// Keys returns the routing keys claimed by the listener.
func (l *Listener) Keys() []string {
	return append([]string(nil), l.keys...)
}

// State returns the attachment state.
func (l *Listener) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Attached reports whether the listener accepts upgrades.
func (l *Listener) Attached() bool {
	return l.State() == Attached
}

// Transport returns the transport server, or nil before Attach.
func (l *Listener) Transport() *transport.Server {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.transport
}

// OwnsTransport reports whether the listener created its transport server.
func (l *Listener) OwnsTransport() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.owned
}

// Addr returns the address of the transport server, or nil if it is not
// bound by this process.
func (l *Listener) Addr() net.Addr {
	t := l.Transport()
	if t == nil {
		return nil
	}
	return t.Addr()
}

// Clients returns the connections accepted by the listener.
func (l *Listener) Clients() []*Conn {
	l.mu.Lock()
	defer l.mu.Unlock()

	conns := make([]*Conn, 0, len(l.clients))
	for _, c := range l.clients {
		conns = append(conns, c)
	}
	return conns
}

// MatchHost implements upgrade.Filter.
func (l *Listener) MatchHost(host string) bool {
	return upgrade.MatchHost(l.config.Hosts, host)
}

// MatchPath implements upgrade.Filter.
func (l *Listener) MatchPath(path string) bool {
	return upgrade.MatchPath(l.config.Paths, path)
}

// ServeUpgrade implements route.Owner.
func (l *Listener) ServeUpgrade(r *http.Request, conn net.Conn, head []byte) {
	c, d, err := l.handle(r, conn, head, l)
	switch {
	case err != nil:
		l.logger.Debug("upgrade failed",
			slog.String("remote", r.RemoteAddr),
			slog.String("error", err.Error()))
	case d.Outcome == upgrade.Ignore:
		// The transport already hijacked the socket, nobody else can take it.
		l.logger.Warn("hijacked upgrade ignored by server policy, closing socket",
			slog.String("remote", r.RemoteAddr))
		conn.Close()
	case c != nil:
		l.logger.Debug("connection accepted",
			slog.String("connection", c.ID()),
			slog.String("remote", r.RemoteAddr))
	}
}

// Attach registers the listener into the routing table of its transport
// server, creating and binding that server unless one was supplied.
// It may be called once; Server.AddListener calls it.
func (l *Listener) Attach(ctx context.Context) error {
	const op = "attach"

	l.mu.Lock()
	if l.state != Pending {
		l.mu.Unlock()
		return errors.New(op, l.id, fmt.Errorf("%w: listener is %s", errors.ErrAttach, l.state))
	}

	t, owned := l.config.Server, false
	if t == nil {
		t, owned = transport.New(l.transportConfig), true
	}

	if err := t.Register(l.keys, l); err != nil {
		l.state = Detached
		l.mu.Unlock()
		return errors.New(op, l.id, errors.Join(errors.ErrAttach, err))
	}

	if owned {
		if err := t.Listen(); err != nil {
			t.Routes().Unregister(l.keys...)
			l.state = Detached
			l.mu.Unlock()
			return errors.New(op, l.id, errors.Join(errors.ErrAttach, err))
		}
	}

	l.transport, l.owned = t, owned
	l.state = Attached
	l.mu.Unlock()

	attrs := []any{slog.Any("keys", l.keys), slog.Bool("owned", owned)}
	if addr := t.Addr(); addr != nil {
		attrs = append(attrs, slog.String("address", addr.String()))
	}
	l.logger.Info("listener attached", attrs...)
	return nil
}

// Detach unregisters the listener, closes every connection it accepted and
// closes the transport server when it was created by a listener and no
// other listener is registered on it any more. Detach runs once: every
// step is attempted and failures are reported together, and the listener
// ends up detached regardless.
func (l *Listener) Detach(ctx context.Context) error {
	const op = "detach"

	l.mu.Lock()
	if l.state != Attached {
		state := l.state
		l.mu.Unlock()
		return errors.New(op, l.id, fmt.Errorf("%w: listener is %s", errors.ErrNotAttached, state))
	}
	l.state = Detached
	conns := make([]*Conn, 0, len(l.clients))
	for _, c := range l.clients {
		conns = append(conns, c)
	}
	t := l.transport
	l.mu.Unlock()

	t.Routes().Unregister(l.keys...)

	var errs []error
	for _, c := range conns {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close connection %s: %w", c.ID(), err))
		}
	}
	if _, err := t.CloseIfIdle(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close transport: %w", err))
	}

	if len(errs) > 0 {
		l.logger.Warn("listener detached with errors", slog.Int("failures", len(errs)))
		return errors.New(op, l.id, errors.Join(errors.ErrDetach, errors.Join(errs...)))
	}

	l.logger.Info("listener detached", slog.Int("connections", len(conns)))
	return nil
}

// track adds c to the listener. The caller holds the server lock.
func (l *Listener) track(c *Conn) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state != Attached {
		return errors.New("track", l.id, errors.ErrNotAttached)
	}
	l.clients[c.id] = c
	return nil
}

// untrack removes c from the listener. The caller holds the server lock.
func (l *Listener) untrack(c *Conn) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.clients, c.id)
}
