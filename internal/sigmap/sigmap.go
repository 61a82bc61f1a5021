// Package sigmap implements the process-wide port signature map
// (spec.md §4.6): the index from a derived signature string to the set of
// nodes currently providing and requiring that signature, and the
// connector-change bookkeeping that drives routing and disconnect
// recovery.
package sigmap

import (
	"sync"

	"github.com/apxrmf/apxd/internal/ast"
)

// ChangeKind enumerates the connector-change events a signature map
// mutation can produce.
type ChangeKind int

const (
	ProviderConnected ChangeKind = iota
	ProviderDisconnected
	RequesterConnected
	RequesterDisconnected
)

// PortRef identifies one port on one node instance. Node is an opaque
// handle (the NodeInstance interface in this package, concretely
// *connection.NodeInstance) so sigmap has no upward dependency on the
// connection/server layers — it only ever compares instance ids and passes
// the handles back out in Change values.
type PortRef struct {
	Node NodeInstance
	Port *ast.Port
}

// NodeInstance is satisfied by *connection.NodeInstance; sigmap only needs
// identity comparison and a handle to hand back to callers.
type NodeInstance interface {
	InstanceID() uint64
}

// Change is one connector-change notification produced by a connect or
// disconnect operation: target is the port whose table the change is
// filed under, and Peer is the other side's port now connected (or the
// peer that just disconnected).
type Change struct {
	Kind   ChangeKind
	Target PortRef
	Peer   PortRef
}

// ChangeSink is a callback type for receiving connector changes. The Map
// methods do not call one: they return their changes to the caller, which
// files them in the owning node's connector change table.
type ChangeSink func(Change)

type entry struct {
	signature        string
	providers        []PortRef
	requesters       []PortRef
	preferredIdx     int // index into providers, or -1
}

// Map is the port signature map. It is safe for concurrent use; callers
// must still honor the global-lock ordering described in spec.md §5 (the
// map's own lock is the innermost "server global lock" component).
type Map struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// New returns an empty signature map.
func New() *Map {
	return &Map{entries: make(map[string]*entry)}
}

func (m *Map) entryFor(sig string) *entry {
	e, ok := m.entries[sig]
	if !ok {
		e = &entry{signature: sig, preferredIdx: -1}
		m.entries[sig] = e
	}
	return e
}

// ConnectProvidePorts registers every provide port of node and returns the
// connector changes produced: for each existing requester on the same
// signature, one RequesterConnected change filed against that requester,
// referencing this new provider, followed by one ProviderConnected change
// filed against the new provider, referencing that requester (so its own
// connector table learns who it must now feed on attach).
func (m *Map) ConnectProvidePorts(node NodeInstance, ports []*ast.Port) []Change {
	m.mu.Lock()
	defer m.mu.Unlock()

	var changes []Change
	for _, p := range ports {
		ref := PortRef{Node: node, Port: p}
		e := m.entryFor(p.DerivedSignature)
		e.providers = append(e.providers, ref)
		for _, r := range e.requesters {
			changes = append(changes,
				Change{Kind: RequesterConnected, Target: r, Peer: ref},
				Change{Kind: ProviderConnected, Target: ref, Peer: r},
			)
		}
	}
	return changes
}

// ConnectRequirePorts is the symmetric operation for require ports.
func (m *Map) ConnectRequirePorts(node NodeInstance, ports []*ast.Port) []Change {
	m.mu.Lock()
	defer m.mu.Unlock()

	var changes []Change
	for _, p := range ports {
		ref := PortRef{Node: node, Port: p}
		e := m.entryFor(p.DerivedSignature)
		e.requesters = append(e.requesters, ref)
		provider, ok := preferredOrFirst(e)
		if ok {
			changes = append(changes, Change{Kind: RequesterConnected, Target: ref, Peer: provider})
		}
		for _, pr := range e.providers {
			changes = append(changes, Change{Kind: ProviderConnected, Target: pr, Peer: ref})
		}
	}
	return changes
}

// DisconnectProvidePorts removes node's provide ports from every signature
// entry they belong to, deleting entries left empty.
func (m *Map) DisconnectProvidePorts(node NodeInstance, ports []*ast.Port) []Change {
	m.mu.Lock()
	defer m.mu.Unlock()

	var changes []Change
	for _, p := range ports {
		e, ok := m.entries[p.DerivedSignature]
		if !ok {
			continue
		}
		for i, pr := range e.providers {
			if pr.Node.InstanceID() == node.InstanceID() && pr.Port == p {
				if i == e.preferredIdx {
					e.preferredIdx = -1
				} else if i < e.preferredIdx {
					e.preferredIdx--
				}
				break
			}
		}
		e.providers, _ = removeRef(e.providers, node, p)
		for _, r := range e.requesters {
			changes = append(changes, Change{Kind: ProviderDisconnected, Target: r, Peer: PortRef{Node: node, Port: p}})
		}
		m.deleteIfEmpty(p.DerivedSignature)
	}
	return changes
}

// DisconnectRequirePorts is the symmetric operation for require ports.
func (m *Map) DisconnectRequirePorts(node NodeInstance, ports []*ast.Port) []Change {
	m.mu.Lock()
	defer m.mu.Unlock()

	var changes []Change
	for _, p := range ports {
		e, ok := m.entries[p.DerivedSignature]
		if !ok {
			continue
		}
		e.requesters, _ = removeRef(e.requesters, node, p)
		for _, pr := range e.providers {
			changes = append(changes, Change{Kind: RequesterDisconnected, Target: pr, Peer: PortRef{Node: node, Port: p}})
		}
		m.deleteIfEmpty(p.DerivedSignature)
	}
	return changes
}

// SetPreferredProvider pins the provider a signature's new requesters bind
// to, overriding first-insertion-order selection.
func (m *Map) SetPreferredProvider(node NodeInstance, port *ast.Port) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[port.DerivedSignature]
	if !ok {
		return false
	}
	for i, pr := range e.providers {
		if pr.Node.InstanceID() == node.InstanceID() && pr.Port == port {
			e.preferredIdx = i
			return true
		}
	}
	return false
}

// Requesters returns every requester currently bound to signature sig.
func (m *Map) Requesters(sig string) []PortRef {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[sig]
	if !ok {
		return nil
	}
	return append([]PortRef(nil), e.requesters...)
}

// Empty reports whether sig has no entry (used by tests and S6).
func (m *Map) Empty(sig string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.entries[sig]
	return !ok
}

func (m *Map) deleteIfEmpty(sig string) {
	e, ok := m.entries[sig]
	if !ok {
		return
	}
	if len(e.providers) == 0 && len(e.requesters) == 0 {
		delete(m.entries, sig)
	}
}

func preferredOrFirst(e *entry) (PortRef, bool) {
	if len(e.providers) == 0 {
		return PortRef{}, false
	}
	if e.preferredIdx >= 0 && e.preferredIdx < len(e.providers) {
		return e.providers[e.preferredIdx], true
	}
	return e.providers[0], true
}

func removeRef(refs []PortRef, node NodeInstance, port *ast.Port) ([]PortRef, bool) {
	for i, r := range refs {
		if r.Node.InstanceID() == node.InstanceID() && r.Port == port {
			out := append(refs[:i:i], refs[i+1:]...)
			return out, true
		}
	}
	return refs, false
}
