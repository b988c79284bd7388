// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package handshake

import (
	"io"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var _ net.Conn = (*Conn)(nil)

// Conn exposes an upgraded websocket as a byte stream. Each Write is sent
// as one message of the configured type. Read drains incoming messages one
// after another, regardless of their type.
type Conn struct {
	*websocket.Conn

	writeType int

	rmu     sync.Mutex
	current io.Reader
	lastRd  int

	wmu sync.Mutex
}

// NewConn wraps ws. Writes are sent as binary messages.
func NewConn(ws *websocket.Conn) *Conn {
	return &Conn{
		Conn:      ws,
		writeType: websocket.BinaryMessage,
	}
}

// SetWriteType selects the message type used by Write. Only
// websocket.TextMessage and websocket.BinaryMessage are accepted.
func (c *Conn) SetWriteType(messageType int) bool {
	if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
		return false
	}
	c.wmu.Lock()
	c.writeType = messageType
	c.wmu.Unlock()
	return true
}

// LastReadType returns the type of the message Read consumed last, or zero
// before the first Read.
func (c *Conn) LastReadType() int {
	c.rmu.Lock()
	defer c.rmu.Unlock()
	return c.lastRd
}

// SetDeadline sets both the read and write deadlines.
func (c *Conn) SetDeadline(t time.Time) error {
	return errorsFirst(c.SetReadDeadline(t), c.SetWriteDeadline(t))
}

func (c *Conn) Write(p []byte) (int, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	if err := c.WriteMessage(c.writeType, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *Conn) Read(p []byte) (int, error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()

	for {
		if c.current == nil {
			mt, r, err := c.NextReader()
			if err != nil {
				return 0, err
			}
			c.current, c.lastRd = r, mt
		}

		n, err := c.current.Read(p)
		if err != io.EOF {
			return n, err
		}
		c.current = nil
		if n > 0 {
			return n, nil
		}
	}
}

// Close drops the network connection without sending a close frame.
func (c *Conn) Close() error {
	return c.Conn.Close()
}

func errorsFirst(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
