// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/absmach/wsmux/pkg/errors"
	"github.com/absmach/wsmux/pkg/events"
	"github.com/absmach/wsmux/pkg/handshake"
	"github.com/absmach/wsmux/pkg/metrics"
	"github.com/absmach/wsmux/pkg/runner"
	"github.com/absmach/wsmux/pkg/upgrade"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/absmach/wsmux/pkg/server"

// Event names.
const (
	// EventConnection is emitted with every new connection.
	EventConnection = "connection"

	// EventClose is emitted once when a tracked connection closes for any reason.
	EventClose = "close"
)

// ReasonDetached is the rejection reason for upgrades routed to a listener
// that is no longer attached.
const ReasonDetached = "listener detached"

// Server tracks listeners and every connection accepted by them or by
// direct HandleUpgrade calls, and tears all of them down on Stop.
type Server struct {
	id         string
	config     Config
	logger     *slog.Logger
	tracer     trace.Tracer
	handshaker *handshake.Handshaker
	events     *events.Bus[*Conn]

	mu        sync.Mutex
	stopping  int
	listeners map[string]*Listener
	clients   map[string]*Conn
}

// New creates a server.
func New(cfg Config) (*Server, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.TracerProvider == nil {
		cfg.TracerProvider = otel.GetTracerProvider()
	}
	cfg.Policy = cfg.Policy.WithDefaults()

	id := uuid.NewString()
	return &Server{
		id:         id,
		config:     cfg,
		logger:     cfg.Logger.With(slog.String("server", id)),
		tracer:     cfg.TracerProvider.Tracer(tracerName),
		handshaker: handshake.New(cfg.Handshake),
		events:     events.New[*Conn](),
		listeners:  make(map[string]*Listener),
		clients:    make(map[string]*Conn),
	}, nil
}

// ID returns the server identifier.
func (s *Server) ID() string {
	return s.id
}

// On subscribes fn to event.
func (s *Server) On(event string, fn func(*Conn)) events.ID {
	return s.events.On(event, fn)
}

// Once subscribes fn to the next occurrence of event.
func (s *Server) Once(event string, fn func(*Conn)) events.ID {
	return s.events.Once(event, fn)
}

// Off removes the subscription id from event.
func (s *Server) Off(event string, id events.ID) bool {
	return s.events.Off(event, id)
}

// OffAll removes every subscription on the given events, or on all events
// when none are given.
func (s *Server) OffAll(events ...string) {
	s.events.OffAll(events...)
}

// Listeners returns the listeners added to the server.
func (s *Server) Listeners() []*Listener {
	s.mu.Lock()
	defer s.mu.Unlock()

	ls := make([]*Listener, 0, len(s.listeners))
	for _, l := range s.listeners {
		ls = append(ls, l)
	}
	return ls
}

// Clients returns every tracked connection.
func (s *Server) Clients() []*Conn {
	s.mu.Lock()
	defer s.mu.Unlock()

	conns := make([]*Conn, 0, len(s.clients))
	for _, c := range s.clients {
		conns = append(conns, c)
	}
	return conns
}

// Owns reports whether l was added to this server and not removed since.
func (s *Server) Owns(l *Listener) bool {
	if l == nil || l.serverID != s.id {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listeners[l.id] == l
}

// HandleUpgrade decides on an upgrade request whose socket was hijacked and,
// when it proceeds, performs the handshake and tracks the new connection.
// l is the listener the request was routed to; nil handles the request
// standalone, accepting any host and path.
//
// On Proceed the connection is returned and EventConnection is emitted.
// On Reject an error response is written and conn is closed. On Ignore conn
// is left untouched and still belongs to the caller. head is copied, so the
// caller may reuse it once HandleUpgrade returns.
func (s *Server) HandleUpgrade(r *http.Request, conn net.Conn, head []byte, l *Listener) (*Conn, upgrade.Decision, error) {
	head = bytes.Clone(head)

	var filter upgrade.Filter = upgrade.Any
	label := metrics.Standalone
	if l != nil {
		filter, label = l, l.name
	}

	d := s.config.Policy.Decide(upgrade.FromHTTP(r), filter)
	if d.Outcome == upgrade.Proceed && l != nil && !l.Attached() {
		d = upgrade.Decision{Outcome: upgrade.Reject, Status: s.config.Policy.PathStatus, Reason: ReasonDetached}
	}
	s.config.Metrics.ObserveDecision(d)

	switch d.Outcome {
	case upgrade.Ignore:
		return nil, d, nil
	case upgrade.Reject:
		s.logger.Debug("upgrade rejected",
			slog.String("remote", r.RemoteAddr),
			slog.String("host", r.Host),
			slog.String("reason", d.Reason))
		if err := upgrade.WriteReject(conn, d.Status); err != nil {
			s.logger.Debug("failed to write rejection", slog.String("error", err.Error()))
		}
		return nil, d, nil
	}

	ws, err := s.handshaker.Upgrade(r, conn, head)
	if err != nil {
		s.config.Metrics.HandshakeFailed(label)
		return nil, d, errors.New("handshake", listenerID(l), err)
	}

	c := newConn(ws, l, r, s.untrack)
	if err := s.track(c); err != nil {
		c.onClose = nil
		c.Close()
		return nil, d, err
	}

	s.logger.Debug("connection opened",
		slog.String("connection", c.id),
		slog.String("listener", label),
		slog.String("remote", c.remote))
	s.events.Emit(EventConnection, c)
	return c, d, nil
}

// track adds c to the server and to its listener in one step. Standalone
// connections are refused while Stop runs.
func (s *Server) track(c *Conn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c.listener == nil && s.stopping > 0 {
		return errors.New("track", "", fmt.Errorf("%w: server is stopping", errors.ErrClosed))
	}
	if c.listener != nil {
		if err := c.listener.track(c); err != nil {
			return err
		}
	}
	s.clients[c.id] = c
	s.config.Metrics.ConnectionOpened(connLabel(c))
	return nil
}

// untrack removes c from the server and from its listener in one step.
func (s *Server) untrack(c *Conn) {
	s.mu.Lock()
	_, tracked := s.clients[c.id]
	delete(s.clients, c.id)
	if c.listener != nil {
		c.listener.untrack(c)
	}
	s.mu.Unlock()

	if !tracked {
		return
	}
	s.config.Metrics.ConnectionClosed(connLabel(c), c.opened)
	s.logger.Debug("connection closed", slog.String("connection", c.id))
	s.events.Emit(EventClose, c)
}

// AddListener validates cfg, creates a listener and attaches it. The
// listener is added to the server only if it attached.
func (s *Server) AddListener(ctx context.Context, cfg ListenerConfig) (*Listener, error) {
	ctx, span := s.tracer.Start(ctx, "wsmux.AddListener")
	defer span.End()

	cfg, err := NewListenerConfig(cfg)
	if err != nil {
		recordError(span, err)
		return nil, err
	}

	l := newListener(s, cfg)
	span.SetAttributes(attribute.String("wsmux.listener", l.id))

	err = l.Attach(ctx)
	s.config.Metrics.ListenerAttached(err)
	if err != nil {
		recordError(span, err)
		s.logger.Warn("failed to attach listener",
			slog.String("listener", l.name),
			slog.String("error", err.Error()))
		return nil, err
	}

	s.mu.Lock()
	s.listeners[l.id] = l
	s.mu.Unlock()

	return l, nil
}

// Listen is an alias of AddListener.
func (s *Server) Listen(ctx context.Context, cfg ListenerConfig) (*Listener, error) {
	return s.AddListener(ctx, cfg)
}

// RemoveListener removes l from the server and detaches it, closing the
// connections it accepted.
func (s *Server) RemoveListener(ctx context.Context, l *Listener) error {
	ctx, span := s.tracer.Start(ctx, "wsmux.RemoveListener")
	defer span.End()

	if l == nil {
		err := errors.New("remove listener", "", errors.ErrOwnership)
		recordError(span, err)
		return err
	}
	span.SetAttributes(attribute.String("wsmux.listener", l.id))

	s.mu.Lock()
	owned := l.serverID == s.id && s.listeners[l.id] == l
	if owned {
		delete(s.listeners, l.id)
	}
	s.mu.Unlock()

	if !owned {
		err := errors.New("remove listener", l.id, errors.ErrOwnership)
		recordError(span, err)
		return err
	}

	err := l.Detach(ctx)
	s.config.Metrics.ListenerDetached(l.name, err)
	if err != nil {
		recordError(span, err)
	}
	return err
}

// RemoveAllListeners removes and detaches every listener, with at most limit
// detachments in flight. A zero limit means no limit and a negative limit
// uses Config.DetachLimit. Every listener is attempted; failures are
// reported together as *errors.ListenerError values once all have finished.
func (s *Server) RemoveAllListeners(ctx context.Context, limit int) error {
	ctx, span := s.tracer.Start(ctx, "wsmux.RemoveAllListeners")
	defer span.End()

	if limit < 0 {
		limit = s.config.DetachLimit
	}

	ls := s.Listeners()
	span.SetAttributes(
		attribute.Int("wsmux.listeners", len(ls)),
		attribute.Int("wsmux.limit", limit))

	tasks := make([]runner.Task, len(ls))
	for i, l := range ls {
		tasks[i] = func(ctx context.Context) error {
			return s.RemoveListener(ctx, l)
		}
	}

	var failures []error
	for i, err := range runner.Run(ctx, limit, tasks) {
		if err != nil {
			failures = append(failures, &errors.ListenerError{Listener: ls[i].id, Err: err})
		}
	}
	if len(failures) > 0 {
		err := errors.Join(failures...)
		recordError(span, err)
		s.logger.Warn("listeners removed with errors",
			slog.Int("listeners", len(ls)),
			slog.Int("failures", len(failures)))
		return err
	}
	return nil
}

// StopClients closes every tracked connection.
func (s *Server) StopClients(ctx context.Context) error {
	return closeAll(s.Clients())
}

// StopStandaloneClients closes every connection that was accepted without
// a listener.
func (s *Server) StopStandaloneClients(ctx context.Context) error {
	var standalone []*Conn
	for _, c := range s.Clients() {
		if c.Standalone() {
			standalone = append(standalone, c)
		}
	}
	return closeAll(standalone)
}

// Stop removes every listener, then closes every standalone connection,
// then verifies that no connection is still tracked. Standalone upgrades
// completing while Stop runs are refused. Remaining connections indicate a
// bookkeeping defect and are reported as *errors.InconsistencyError.
func (s *Server) Stop(ctx context.Context, limit int) error {
	ctx, span := s.tracer.Start(ctx, "wsmux.Stop")
	defer span.End()

	start := time.Now()
	defer s.config.Metrics.ObserveStop(start)

	s.mu.Lock()
	s.stopping++
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.stopping--
		s.mu.Unlock()
	}()

	removeErr := s.RemoveAllListeners(ctx, limit)
	standaloneErr := s.StopStandaloneClients(ctx)

	s.mu.Lock()
	remaining := len(s.clients)
	s.mu.Unlock()

	if remaining > 0 {
		err := errors.Join(&errors.InconsistencyError{Remaining: remaining}, removeErr, standaloneErr)
		recordError(span, err)
		s.logger.Error("connections survived server stop", slog.Int("remaining", remaining))
		return err
	}

	if err := errors.Join(removeErr, standaloneErr); err != nil {
		recordError(span, err)
		return err
	}

	s.logger.Info("server stopped", slog.Duration("duration", time.Since(start)))
	return nil
}

func closeAll(conns []*Conn) error {
	var errs []error
	for _, c := range conns {
		if err := c.Close(); err != nil {
			errs = append(errs, errors.New("close connection", listenerID(c.listener), err))
		}
	}
	return errors.Join(errs...)
}

func listenerID(l *Listener) string {
	if l == nil {
		return ""
	}
	return l.id
}

func connLabel(c *Conn) string {
	if c.listener == nil {
		return metrics.Standalone
	}
	return c.listener.name
}

func recordError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
