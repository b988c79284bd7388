// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package handshake

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/absmach/wsmux/pkg/upgrade"
	"github.com/gorilla/websocket"
)

// ErrHijacked is returned when the hijacked writer is used as a plain
// response writer after the handshake took over the socket.
var ErrHijacked = errors.New("handshake: connection already hijacked")

// Config holds handshake settings.
type Config struct {
	// HandshakeTimeout bounds writing the handshake response.
	HandshakeTimeout time.Duration

	// ReadBufferSize and WriteBufferSize are the websocket I/O buffer sizes.
	ReadBufferSize  int
	WriteBufferSize int

	// Subprotocols lists the supported subprotocols in preference order.
	Subprotocols []string

	// CheckOrigin validates the Origin header. Nil accepts every origin.
	CheckOrigin func(r *http.Request) bool

	// EnableCompression negotiates per-message compression.
	EnableCompression bool
}

// Handshaker performs the websocket handshake on hijacked sockets.
type Handshaker struct {
	config Config
}

// New creates a Handshaker.
func New(cfg Config) *Handshaker {
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.CheckOrigin == nil {
		cfg.CheckOrigin = func(r *http.Request) bool { return true }
	}
	return &Handshaker{config: cfg}
}

// Upgrade completes the handshake for r on conn. head holds bytes the
// transport read past the request headers; they are replayed before any
// further socket reads. On failure an error response is written and conn is
// closed.
func (h *Handshaker) Upgrade(r *http.Request, conn net.Conn, head []byte) (*websocket.Conn, error) {
	var netConn net.Conn = conn
	if len(head) > 0 {
		netConn = &replayConn{Conn: conn, r: io.MultiReader(bytes.NewReader(head), conn)}
	}

	u := websocket.Upgrader{
		HandshakeTimeout:  h.config.HandshakeTimeout,
		ReadBufferSize:    h.config.ReadBufferSize,
		WriteBufferSize:   h.config.WriteBufferSize,
		Subprotocols:      h.config.Subprotocols,
		CheckOrigin:       h.config.CheckOrigin,
		EnableCompression: h.config.EnableCompression,
		Error: func(w http.ResponseWriter, r *http.Request, status int, reason error) {
			_ = upgrade.WriteReject(netConn, status)
		},
	}

	w := &hijackWriter{conn: netConn, header: make(http.Header)}
	ws, err := u.Upgrade(w, r, nil)
	if err != nil {
		// Upgrader closes the socket itself only on some paths.
		_ = netConn.Close()
		return nil, err
	}
	return ws, nil
}

// replayConn serves reads from r, which drains buffered head bytes first.
type replayConn struct {
	net.Conn
	r io.Reader
}

func (c *replayConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

// hijackWriter hands an already hijacked socket to websocket.Upgrader.
type hijackWriter struct {
	conn     net.Conn
	header   http.Header
	hijacked bool
}

var _ http.Hijacker = (*hijackWriter)(nil)

func (w *hijackWriter) Header() http.Header {
	return w.header
}

func (w *hijackWriter) Write(p []byte) (int, error) {
	return 0, ErrHijacked
}

func (w *hijackWriter) WriteHeader(int) {}

func (w *hijackWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if w.hijacked {
		return nil, nil, ErrHijacked
	}
	w.hijacked = true
	rw := bufio.NewReadWriter(bufio.NewReader(w.conn), bufio.NewWriter(w.conn))
	return w.conn, rw, nil
}
