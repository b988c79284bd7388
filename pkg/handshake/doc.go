// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package handshake performs the websocket handshake on sockets that were
// already hijacked from an HTTP server.
//
// # Overview
//
// The routing layer hijacks a socket only after deciding the request must
// proceed. From that point there is no http.ResponseWriter left, only the raw
// socket and the bytes the HTTP server had buffered past the request headers.
// Handshaker feeds both to gorilla/websocket:
//
//	raw socket + head bytes
//	        ↓
//	replayConn (head first, then socket)
//	        ↓
//	hijackWriter (http.Hijacker over replayConn)
//	        ↓
//	websocket.Upgrader.Upgrade
//	        ↓
//	*websocket.Conn
//
// # Conn Adapter
//
// Conn wraps *websocket.Conn to satisfy net.Conn so upgraded connections can
// be used with stream-oriented code:
//
//   - Read(): reads the current message, advancing to the next when needed
//   - Write(): writes one message, binary unless SetWriteType chose text
//   - Close(): closes the network connection
//
// # Failures
//
// When the handshake fails (bad Sec-WebSocket-Key, wrong method, rejected
// origin) an HTTP error response is written and the socket is closed.
package handshake
