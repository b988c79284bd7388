// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package server implements the upgrade server: listeners that share or own
// transport servers, the connections they accept, and a verified shutdown.
//
// # Overview
//
// A Server holds a set of Listeners and the set of every Conn it tracks.
// Each Listener registers its paths into the routing table of one
// transport.Server, which it either creates (Port, Address) or reuses
// (Server). Several listeners can share one transport server as long as
// their paths do not collide.
//
// # Architecture
//
//	┌────────────┐   AddListener   ┌──────────┐  Register  ┌─────────────┐
//	│   Server   │ ──────────────→ │ Listener │ ─────────→ │ route.Table │
//	└────────────┘                 └──────────┘            └─────────────┘
//	      ↑                             ↑                         ↑
//	      │ HandleUpgrade               │ ServeUpgrade            │ Lookup
//	      │                             │                         │
//	      └─────────────────────────────┴──── transport.Server ───┘
//
// # Connection Flow
//
//  1. The transport server looks up the listener for host and path
//  2. The upgrade policy decides Proceed, Reject or Ignore
//  3. On Proceed the socket is hijacked and passed to Listener.ServeUpgrade
//  4. Server.HandleUpgrade decides again, performs the handshake and tracks
//     the Conn in the server set and the listener set together
//  5. EventConnection is emitted with the Conn
//  6. When the Conn closes it leaves both sets together and EventClose is emitted
//
// HandleUpgrade can also be called directly with a nil listener to accept
// "standalone" connections without any routing.
//
// # Shutdown
//
// Stop runs RemoveAllListeners, then StopStandaloneClients, then checks that
// no connection is left. Listener detachments run through a bounded runner:
// every listener is attempted and failures are reported together once all
// finished:
//
//	if err := srv.Stop(ctx, 8); err != nil {
//		var le *errors.ListenerError
//		if errors.As(err, &le) {
//			log.Printf("listener %s: %v", le.Listener, le.Err)
//		}
//		if errors.Is(err, errors.ErrInconsistent) {
//			log.Fatal("bookkeeping defect")
//		}
//	}
//
// Stop does not support partial cancellation. A caller needing a deadline
// must impose it around the call and treat the server as possibly still
// tearing down on timeout.
//
// # Events
//
// Subscriptions are held by a bus composed into the Server:
//
//	id := srv.On(server.EventConnection, func(c *server.Conn) {
//		go echo(c)
//	})
//	defer srv.Off(server.EventConnection, id)
//
// Handlers run synchronously in the goroutine that accepted or closed the
// connection.
//
// # Example
//
//	srv, err := server.New(server.Config{Logger: logger})
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	chat, err := srv.AddListener(ctx, server.ListenerConfig{
//		Port:  8080,
//		Paths: []string{"/chat"},
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	_, err = srv.AddListener(ctx, server.ListenerConfig{
//		Server: chat.Transport(),
//		Paths:  []string{"/game"},
//	})
package server
