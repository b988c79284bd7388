// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/wsmux/pkg/handshake"
	"github.com/absmach/wsmux/pkg/upgrade"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// ConnState is the lifecycle state of a connection.
type ConnState int32

const (
	// Open connections are tracked and usable.
	Open ConnState = iota
	// Closing connections are being torn down.
	Closing
	// Closed connections are no longer tracked.
	Closed
)

// String returns a string representation of the state.
func (s ConnState) String() string {
	switch s {
	case Open:
		return "open"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

const closeGrace = time.Second

// Conn is an upgraded connection tracked by a Server and, unless it is
// standalone, by the Listener that accepted it.
//
// Conn satisfies net.Conn: Write sends binary messages and Read consumes
// messages as a stream. The websocket API is available through the embedded
// connection; use ReadMessage or Read rather than NextReader so that a peer
// closing the connection untracks it.
type Conn struct {
	*handshake.Conn

	id       string
	listener *Listener
	request  upgrade.Request
	remote   string
	opened   time.Time

	state     atomic.Int32
	closeOnce sync.Once
	closeErr  error
	onClose   func(*Conn)
}

func newConn(ws *websocket.Conn, l *Listener, r *http.Request, onClose func(*Conn)) *Conn {
	return &Conn{
		Conn:     handshake.NewConn(ws),
		id:       uuid.NewString(),
		listener: l,
		request:  upgrade.FromHTTP(r),
		remote:   r.RemoteAddr,
		opened:   time.Now(),
		onClose:  onClose,
	}
}

// ID returns the connection identifier.
func (c *Conn) ID() string {
	return c.id
}

// Listener returns the listener that accepted the connection, or nil for a
// standalone connection.
func (c *Conn) Listener() *Listener {
	return c.listener
}

// Standalone reports whether the connection was accepted without a listener.
func (c *Conn) Standalone() bool {
	return c.listener == nil
}

// Request returns the metadata of the upgrade request.
func (c *Conn) Request() upgrade.Request {
	return c.request
}

// Remote returns the client address reported by the HTTP server.
func (c *Conn) Remote() string {
	return c.remote
}

// Opened returns the time the handshake completed.
func (c *Conn) Opened() time.Time {
	return c.opened
}

// State returns the current state.
func (c *Conn) State() ConnState {
	return ConnState(c.state.Load())
}

// WebSocket returns the underlying websocket connection.
func (c *Conn) WebSocket() *websocket.Conn {
	return c.Conn.Conn
}

// Read reads from the message stream. A read error closes the connection.
func (c *Conn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	if err != nil {
		c.Close()
	}
	return n, err
}

// ReadMessage reads the next message. A read error closes the connection.
func (c *Conn) ReadMessage() (int, []byte, error) {
	mt, data, err := c.WebSocket().ReadMessage()
	if err != nil {
		c.Close()
	}
	return mt, data, err
}

// Close sends a going-away close frame, closes the socket and untracks the
// connection. It is safe to call more than once; later calls return the
// result of the first.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.state.Store(int32(Closing))

		ws := c.WebSocket()
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "")
		_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGrace))
		c.closeErr = ws.Close()

		c.state.Store(int32(Closed))
		if c.onClose != nil {
			c.onClose(c)
		}
	})
	return c.closeErr
}
