// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package transport implements the HTTP(S) server that upgrade listeners
// attach to.
//
// # Overview
//
// A transport Server wraps an http.Server and owns exactly one routing table.
// Any number of listeners can register into that table as long as their paths
// do not collide.
//
// # Architecture
//
//	┌─────────┐          ┌───────────┐          ┌──────────┐
//	│ Client  │ ←─HTTP─→ │ transport │ ──────→  │ fallback │  (non-upgrade,
//	└─────────┘          │  Server   │          └──────────┘   other protocols)
//	                     └───────────┘
//	                          ↓
//	                     ┌───────────┐
//	                     │   route   │
//	                     │   Table   │
//	                     └───────────┘
//	                          ↓
//	                     ┌───────────┐
//	                     │ listener  │  (route.Owner)
//	                     └───────────┘
//
// # Request Flow
//
//  1. Look up the owner of the request host and path
//  2. Decide with upgrade.Policy (before touching the socket)
//  3. Ignore: pass the request to the fallback handler untouched
//  4. Reject: hijack, write the error status, close
//  5. Proceed: hijack, drain the buffered head bytes, call owner.ServeUpgrade
//
// # Owned and Wrapped Servers
//
// New creates a server that binds its own socket with Listen and is stopped
// with Close. Its default fallback answers 426 Upgrade Required on routed
// paths and 404 elsewhere.
//
// Wrap installs routing on a caller-supplied http.Server. The previous
// handler becomes the fallback, and the caller keeps starting and stopping
// the server.
//
// # Graceful Shutdown
//
// Close calls http.Server.Shutdown bounded by ShutdownTimeout and forces
// closure afterwards, returning ErrShutdownTimeout. Hijacked sockets are not
// affected; closing upgraded connections is the listener's job.
//
// # Example
//
//	srv := transport.New(transport.Config{
//		Port:            8080,
//		ShutdownTimeout: 30 * time.Second,
//	})
//	if err := srv.Listen(); err != nil {
//		log.Fatal(err)
//	}
//	defer srv.Close(context.Background())
package transport
