// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package route

import (
	"fmt"
	"net"
	"net/http"
	"slices"
	"sort"
	"sync"

	"github.com/absmach/wsmux/pkg/errors"
	"github.com/absmach/wsmux/pkg/upgrade"
)

// AcceptAll is the key claimed by an owner that accepts every path.
const AcceptAll = "%%WSPATHALL%%"

// Owner is a routing unit that can be registered into a Table.
type Owner interface {
	upgrade.Filter

	// Attached reports whether the owner currently accepts upgrades.
	Attached() bool

	// ServeUpgrade takes over a hijacked socket whose request was routed
	// to this owner. head holds bytes read past the request headers.
	ServeUpgrade(r *http.Request, conn net.Conn, head []byte)
}

// Table maps path keys to the owner responsible for them on one transport server.
type Table struct {
	mu     sync.RWMutex
	owners map[string]Owner
}

// NewTable creates an empty routing table.
func NewTable() *Table {
	return &Table{
		owners: make(map[string]Owner),
	}
}

// KeysFor returns the table keys claimed by a path filter.
// A nil filter claims AcceptAll. Duplicates are collapsed.
func KeysFor(paths []string) []string {
	if paths == nil {
		return []string{AcceptAll}
	}
	keys := slices.Clone(paths)
	sort.Strings(keys)
	return slices.Compact(keys)
}

// Register claims every key for owner. Either all keys are registered or,
// on conflict, none are and the table is unchanged.
func (t *Table) Register(keys []string, owner Owner) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	wantAll := slices.Contains(keys, AcceptAll)
	if wantAll && len(keys) > 1 {
		return errors.Wrap(errors.ErrRoutingConflict, "accept-all cannot be combined with specific paths")
	}

	for _, key := range keys {
		if _, taken := t.owners[key]; taken {
			return errors.Wrap(errors.ErrRoutingConflict, fmt.Sprintf("key %q already registered", key))
		}
	}

	_, hasAll := t.owners[AcceptAll]
	switch {
	case wantAll && len(t.owners) > 0:
		return errors.Wrap(errors.ErrRoutingConflict, "accept-all requested on a server with path-specific routes")
	case !wantAll && hasAll && len(keys) > 0:
		return errors.Wrap(errors.ErrRoutingConflict, "path-specific route requested on a server with an accept-all route")
	}

	for _, key := range keys {
		t.owners[key] = owner
	}
	return nil
}

// Unregister removes the given keys. Missing keys are ignored.
func (t *Table) Unregister(keys ...string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, key := range keys {
		delete(t.owners, key)
	}
}

// Lookup returns the attached owner responsible for host and path, or nil.
// The path key is tried first, then the accept-all key. An owner whose host
// filter rejects host is not returned even though its path matched.
func (t *Table) Lookup(host, path string) Owner {
	t.mu.RLock()
	owner, ok := t.owners[path]
	if !ok {
		owner, ok = t.owners[AcceptAll]
	}
	t.mu.RUnlock()

	if !ok || !owner.MatchHost(host) || !owner.Attached() {
		return nil
	}
	return owner
}

// Owner returns the owner registered for key.
func (t *Table) Owner(key string) (Owner, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	o, ok := t.owners[key]
	return o, ok
}

// Keys returns the registered keys in sorted order.
func (t *Table) Keys() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	keys := make([]string, 0, len(t.owners))
	for k := range t.owners {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of registered keys.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.owners)
}

// Claims reports whether path is routed by the table, ignoring host filters.
func (t *Table) Claims(path string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if _, ok := t.owners[path]; ok {
		return true
	}
	_, ok := t.owners[AcceptAll]
	return ok
}
