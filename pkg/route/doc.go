// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package route implements the per-transport-server routing table.
//
// Each transport server owns exactly one Table, shared by every listener
// attached to that server. Keys are request paths; a listener without a path
// filter claims the AcceptAll sentinel instead:
//
//	{
//		"/game": listenerA,
//		"/chat": listenerB,
//	}
//
//	{
//		"%%WSPATHALL%%": listenerC,
//	}
//
// # Guarantees
//
//   - A key is claimed by at most one owner.
//   - AcceptAll is never registered next to path-specific keys, in either
//     order of registration.
//   - Register is all-or-nothing: a conflict leaves the table unchanged.
//
// Conflicts are reported as errors wrapping errors.ErrRoutingConflict.
//
// # Lookup
//
// Lookup resolves the path key (falling back to AcceptAll), then applies the
// owner's host filter, then checks the owner is attached. Only attached owners
// are ever returned.
package route
