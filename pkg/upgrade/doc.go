// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package upgrade implements the decision taken for every incoming
// protocol-upgrade request.
//
// # Outcomes
//
// A decision is one of three outcomes:
//
//   - Proceed: the Upgrade header names our token and the resolved listener
//     accepts the host and path. The caller performs the handshake.
//   - Reject: the Upgrade header names our token but no listener accepts the
//     request. The caller writes an error response (400 by default) and
//     closes the socket with WriteReject.
//   - Ignore: the Upgrade header names another protocol. The socket belongs
//     to somebody else and must not be written to or closed.
//
// Keeping Reject and Ignore apart matters: writing an HTTP response to a
// socket negotiating another protocol corrupts that negotiation.
//
// # Policy
//
// Policy carries the token, the statuses written for host and path
// mismatches, and the order in which the two filters are checked:
//
//	p := upgrade.Policy{Token: "websocket", PathFirst: true}
//	d := p.Decide(upgrade.FromHTTP(r), listener)
//	switch d.Outcome {
//	case upgrade.Proceed:
//		// handshake
//	case upgrade.Reject:
//		upgrade.WriteReject(conn, d.Status)
//	case upgrade.Ignore:
//		// leave conn alone
//	}
//
// Decide is a pure function of its arguments and never blocks.
package upgrade
