// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package upgrade

import (
	"fmt"
	"net"
	"net/http"
	"strings"
)

// DefaultToken is the Upgrade header token handled when Policy.Token is empty.
const DefaultToken = "websocket"

// Outcome is the result class of an upgrade decision.
type Outcome int

const (
	// Proceed means the request is ours and a handshake must follow.
	Proceed Outcome = iota

	// Reject means the request is ours but nobody is responsible for its
	// host and path. The socket receives an error response and is closed.
	Reject

	// Ignore means the request asks for another protocol. The socket must
	// be left untouched.
	Ignore
)

// String returns a string representation of the outcome.
func (o Outcome) String() string {
	switch o {
	case Proceed:
		return "proceed"
	case Reject:
		return "reject"
	case Ignore:
		return "ignore"
	default:
		return "unknown"
	}
}

// Reasons reported with a Reject decision.
const (
	ReasonNoListener   = "no listener"
	ReasonHostMismatch = "host mismatch"
	ReasonPathMismatch = "path mismatch"
	ReasonProtocol     = "protocol mismatch"
)

// Request is the request metadata an upgrade decision depends on.
type Request struct {
	Host   string
	Path   string
	Header http.Header
}

// FromHTTP extracts decision metadata from an HTTP request.
func FromHTTP(r *http.Request) Request {
	req := Request{
		Host:   r.Host,
		Header: r.Header,
	}
	if r.URL != nil {
		req.Path = r.URL.Path
	}
	return req
}

// Filter reports whether a host and a path are accepted.
type Filter interface {
	MatchHost(host string) bool
	MatchPath(path string) bool
}

type anyFilter struct{}

func (anyFilter) MatchHost(string) bool { return true }
func (anyFilter) MatchPath(string) bool { return true }

// Any accepts every host and path. It is used for standalone handling.
var Any Filter = anyFilter{}

// Policy configures the decision function.
type Policy struct {
	// Token is the Upgrade header token this server is responsible for.
	Token string

	// HostStatus is the status written when the host filter rejects a request.
	HostStatus int

	// PathStatus is the status written when no listener owns the path.
	PathStatus int

	// PathFirst checks the path filter before the host filter.
	PathFirst bool
}

// DefaultPolicy returns the policy used when none is configured.
func DefaultPolicy() Policy {
	return Policy{
		Token:      DefaultToken,
		HostStatus: http.StatusBadRequest,
		PathStatus: http.StatusBadRequest,
	}
}

// WithDefaults fills unset fields from DefaultPolicy.
func (p Policy) WithDefaults() Policy {
	d := DefaultPolicy()
	if p.Token == "" {
		p.Token = d.Token
	}
	if p.HostStatus == 0 {
		p.HostStatus = d.HostStatus
	}
	if p.PathStatus == 0 {
		p.PathStatus = d.PathStatus
	}
	return p
}

// Decision is the outcome of Policy.Decide.
type Decision struct {
	Outcome Outcome
	Status  int
	Reason  string
}

// String returns a string representation of the decision.
func (d Decision) String() string {
	if d.Outcome == Reject {
		return fmt.Sprintf("%s (%d %s)", d.Outcome, d.Status, d.Reason)
	}
	return d.Outcome.String()
}

// Decide classifies an upgrade request against the filter of the listener
// resolved for it. A nil filter means no listener was resolved.
// Decide never blocks and only reads its arguments.
func (p Policy) Decide(req Request, f Filter) Decision {
	p = p.WithDefaults()

	if !IsUpgrade(req.Header, p.Token) {
		return Decision{Outcome: Ignore, Reason: ReasonProtocol}
	}
	if f == nil {
		return Decision{Outcome: Reject, Status: p.PathStatus, Reason: ReasonNoListener}
	}

	hostOK := func() bool { return f.MatchHost(req.Host) }
	pathOK := func() bool { return f.MatchPath(req.Path) }

	if p.PathFirst {
		if !pathOK() {
			return Decision{Outcome: Reject, Status: p.PathStatus, Reason: ReasonPathMismatch}
		}
		if !hostOK() {
			return Decision{Outcome: Reject, Status: p.HostStatus, Reason: ReasonHostMismatch}
		}
		return Decision{Outcome: Proceed}
	}

	if !hostOK() {
		return Decision{Outcome: Reject, Status: p.HostStatus, Reason: ReasonHostMismatch}
	}
	if !pathOK() {
		return Decision{Outcome: Reject, Status: p.PathStatus, Reason: ReasonPathMismatch}
	}
	return Decision{Outcome: Proceed}
}

// IsUpgrade reports whether the Upgrade header lists token.
func IsUpgrade(h http.Header, token string) bool {
	for _, v := range h.Values("Upgrade") {
		for _, t := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(t), token) {
				return true
			}
		}
	}
	return false
}

// MatchHost reports whether the Host header value matches one of hosts.
// A nil list accepts every host. Entries match the full header value or the
// hostname without its port, case-insensitively.
func MatchHost(hosts []string, host string) bool {
	if hosts == nil {
		return true
	}
	name := host
	if h, _, err := net.SplitHostPort(host); err == nil {
		name = h
	}
	for _, want := range hosts {
		if strings.EqualFold(want, host) || strings.EqualFold(want, name) {
			return true
		}
	}
	return false
}

// MatchPath reports whether path is one of paths. A nil list accepts every path.
func MatchPath(paths []string, path string) bool {
	if paths == nil {
		return true
	}
	for _, p := range paths {
		if p == path {
			return true
		}
	}
	return false
}

// WriteReject writes a minimal error response to a hijacked socket and closes it.
func WriteReject(conn net.Conn, status int) error {
	text := http.StatusText(status)
	resp := fmt.Sprintf("HTTP/1.1 %d %s\r\nConnection: close\r\nContent-Type: text/plain; charset=utf-8\r\nContent-Length: %d\r\n\r\n%s",
		status, text, len(text), text)
	_, werr := conn.Write([]byte(resp))
	cerr := conn.Close()
	if werr != nil {
		return werr
	}
	return cerr
}
