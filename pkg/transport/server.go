// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/absmach/wsmux/pkg/metrics"
	"github.com/absmach/wsmux/pkg/route"
	"github.com/absmach/wsmux/pkg/upgrade"
)

var (
	// ErrShutdownTimeout is returned when graceful shutdown exceeds the configured timeout.
	ErrShutdownTimeout = errors.New("shutdown timeout exceeded")

	// ErrNotOwned is returned by Listen on a server wrapped around a caller-supplied http.Server.
	ErrNotOwned = errors.New("transport server is caller-supplied")

	// ErrAlreadyListening is returned by a second call to Listen.
	ErrAlreadyListening = errors.New("transport server already listening")

	// ErrClosed is returned when registering on or listening with a closed server.
	ErrClosed = errors.New("transport server closed")
)

// Config holds the transport server configuration.
type Config struct {
	// Address is the listen address (host:port). When empty, the server
	// listens on Port on all interfaces.
	Address string

	// Port is the listen port used when Address is empty. Zero picks a free port.
	Port int

	// TLSConfig is optional TLS configuration for the listener
	TLSConfig *tls.Config

	// ShutdownTimeout is the maximum time to wait for in-flight HTTP
	// requests during Close. After this timeout, remaining connections
	// are forcefully closed.
	ShutdownTimeout time.Duration

	// Policy decides which upgrade requests are routed, rejected or ignored.
	Policy upgrade.Policy

	// Fallback serves requests that are not upgrades for Policy.Token.
	Fallback http.Handler

	// Metrics records upgrade decisions. Optional.
	Metrics *metrics.Metrics

	// CloseWhenIdle marks a server that should be closed by the last
	// listener leaving its routing table.
	CloseWhenIdle bool

	// Logger for server events
	Logger *slog.Logger
}

// Server is an HTTP(S) server whose upgrade requests are dispatched through
// a routing table to the listeners attached to it.
type Server struct {
	config Config
	http   *http.Server
	routes *route.Table
	owned  bool

	mu       sync.Mutex
	closed   bool
	listener net.Listener
	done     chan struct{}
}

var _ http.Handler = (*Server)(nil)

// New creates a transport server that owns its socket. It does not bind
// until Listen is called.
func New(cfg Config) *Server {
	s := newServer(cfg)
	s.owned = true
	if s.config.Fallback == nil {
		s.config.Fallback = http.HandlerFunc(s.serveNonUpgrade)
	}
	s.http = &http.Server{
		Handler:           s,
		TLSConfig:         cfg.TLSConfig,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          slog.NewLogLogger(s.config.Logger.Handler(), slog.LevelDebug),
	}
	return s
}

// Wrap installs routing on a caller-supplied http.Server. The server's
// existing handler keeps serving everything that is not routed here. The
// caller stays responsible for starting and stopping hs.
func Wrap(hs *http.Server, cfg Config) *Server {
	s := newServer(cfg)
	if s.config.Fallback == nil {
		s.config.Fallback = hs.Handler
	}
	if s.config.Fallback == nil {
		s.config.Fallback = http.DefaultServeMux
	}
	hs.Handler = s
	s.http = hs
	return s
}

func newServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	cfg.Policy = cfg.Policy.WithDefaults()

	return &Server{
		config: cfg,
		routes: route.NewTable(),
	}
}

// Valid reports whether s was created by New or Wrap.
func (s *Server) Valid() bool {
	return s != nil && s.routes != nil && s.http != nil
}

// Owned reports whether s owns its socket, as opposed to wrapping a
// caller-supplied http.Server.
func (s *Server) Owned() bool {
	return s.owned
}

// CloseWhenIdle reports whether the server should be closed once its
// routing table is empty.
func (s *Server) CloseWhenIdle() bool {
	return s.config.CloseWhenIdle
}

// Closed reports whether Close was called.
func (s *Server) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Register claims keys for owner in the routing table unless the server
// is closed.
func (s *Server) Register(keys []string, owner route.Owner) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	return s.routes.Register(keys, owner)
}

// CloseIfIdle closes a CloseWhenIdle server whose routing table is empty.
// Once it decided to close, Register fails. It reports whether it closed.
func (s *Server) CloseIfIdle(ctx context.Context) (bool, error) {
	s.mu.Lock()
	if !s.config.CloseWhenIdle || s.closed || s.routes.Len() > 0 {
		s.mu.Unlock()
		return false, nil
	}
	s.closed = true
	s.mu.Unlock()

	return true, s.Close(ctx)
}

// Routes returns the routing table of this server.
func (s *Server) Routes() *route.Table {
	return s.routes
}

// HTTP returns the underlying http.Server.
func (s *Server) HTTP() *http.Server {
	return s.http
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Listen binds the configured address and starts serving in the background.
// Bind failures are returned synchronously.
func (s *Server) Listen() error {
	if !s.owned {
		return ErrNotOwned
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if s.listener != nil {
		return ErrAlreadyListening
	}

	address := s.config.Address
	if address == "" {
		address = net.JoinHostPort("", strconv.Itoa(s.config.Port))
	}

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", address, err)
	}

	// Wrap with TLS if configured
	if s.config.TLSConfig != nil {
		listener = tls.NewListener(listener, s.config.TLSConfig)
		s.config.Logger.Info("TLS enabled", slog.String("address", listener.Addr().String()))
	}

	s.listener = listener
	s.done = make(chan struct{})

	s.config.Logger.Info("transport server started", slog.String("address", listener.Addr().String()))

	go func() {
		defer close(s.done)
		if err := s.http.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.config.Logger.Error("transport server stopped", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Close stops accepting requests and waits up to ShutdownTimeout for
// in-flight HTTP requests. Hijacked upgrade sockets are not tracked here;
// they belong to the connections created from them. A closed server cannot
// be registered on or listen again.
func (s *Server) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	listener, done := s.listener, s.done
	s.listener = nil
	s.mu.Unlock()

	if listener == nil {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()

	err := s.http.Shutdown(shutdownCtx)
	if err != nil {
		s.config.Logger.Warn("shutdown timeout exceeded, forcing transport closure",
			slog.String("address", listener.Addr().String()))
		_ = s.http.Close()
		err = ErrShutdownTimeout
	}
	<-done

	s.config.Logger.Info("transport server closed", slog.String("address", listener.Addr().String()))
	return err
}

// ServeHTTP routes upgrade requests and hands every other request to the fallback.
// The decision is taken before the socket is hijacked so ignored requests
// reach the fallback untouched.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	req := upgrade.FromHTTP(r)

	owner := s.routes.Lookup(req.Host, req.Path)
	var filter upgrade.Filter
	if owner != nil {
		filter = owner
	}

	d := s.config.Policy.Decide(req, filter)
	if d.Outcome == upgrade.Ignore {
		s.config.Fallback.ServeHTTP(w, r)
		return
	}

	conn, head, err := hijack(w)
	if err != nil {
		s.config.Logger.Error("failed to hijack upgrade request",
			slog.String("remote", r.RemoteAddr),
			slog.String("error", err.Error()))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if d.Outcome == upgrade.Reject {
		s.config.Metrics.ObserveDecision(d)
		s.config.Logger.Debug("upgrade rejected",
			slog.String("remote", r.RemoteAddr),
			slog.String("host", req.Host),
			slog.String("path", req.Path),
			slog.String("reason", d.Reason))
		if err := upgrade.WriteReject(conn, d.Status); err != nil {
			s.config.Logger.Debug("failed to write rejection", slog.String("error", err.Error()))
		}
		return
	}

	owner.ServeUpgrade(r, conn, head)
}

// hijack takes over the socket and drains the bytes buffered past the request headers.
func hijack(w http.ResponseWriter) (net.Conn, []byte, error) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	conn, brw, err := hj.Hijack()
	if err != nil {
		return nil, nil, err
	}
	// net/http leaves server deadlines on hijacked sockets.
	_ = conn.SetDeadline(time.Time{})

	var head []byte
	if n := brw.Reader.Buffered(); n > 0 {
		head = make([]byte, n)
		if _, err := io.ReadFull(brw.Reader, head); err != nil {
			conn.Close()
			return nil, nil, err
		}
	}
	return conn, head, nil
}

// serveNonUpgrade answers plain requests on owned servers: 426 on routed
// paths, 404 elsewhere.
func (s *Server) serveNonUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.routes.Claims(r.URL.Path) {
		w.Header().Set("Upgrade", s.config.Policy.Token)
		w.Header().Set("Connection", "Upgrade")
		http.Error(w, http.StatusText(http.StatusUpgradeRequired), http.StatusUpgradeRequired)
		return
	}
	http.NotFound(w, r)
}
