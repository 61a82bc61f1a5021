// Package server implements the server core described in spec.md §4.7:
// the connection manager, the process-wide port signature map, and the
// routing and connector-change propagation that connect providers to
// requesters across connections.
package server

import (
	"sync"

	"github.com/apxrmf/apxd/internal/connection"
	"github.com/apxrmf/apxd/internal/sigmap"
)

// Server owns the connection manager and the signature map, and
// orchestrates connector change propagation. SigMap, the connection table
// and the modified-node set together form spec.md §5's "server global
// lock" level.
type Server struct {
	mu sync.Mutex

	SigMap      *sigmap.Map
	connections map[uint32]*Connection
	nextConnID  uint32

	modified map[*connection.NodeInstance]struct{}

	// MaxFragment caps outbound data-frame payloads for every connection
	// this server accepts; 0 means the connection default.
	MaxFragment int

	extensions []Extension

	listenerMu sync.RWMutex
	listeners  []EventListener
}

// New creates an empty server core.
func New() *Server {
	return &Server{
		SigMap:      sigmap.New(),
		connections: make(map[uint32]*Connection),
		modified:    make(map[*connection.NodeInstance]struct{}),
	}
}

// allocateConnID returns the smallest unused 32-bit connection id, skipping
// the reserved invalid value 0 (spec.md §4.7). Caller must hold s.mu.
func (s *Server) allocateConnID() uint32 {
	for id := uint32(1); id != 0; id++ {
		if _, taken := s.connections[id]; !taken {
			return id
		}
	}
	return 0
}

// Attach registers a newly accepted connection and returns its assigned id.
func (s *Server) Attach(c *Connection) uint32 {
	s.mu.Lock()
	id := s.allocateConnID()
	c.ID = id
	s.connections[id] = c
	s.mu.Unlock()
	s.emit(Event{Kind: EventConnectionAttached, ConnectionID: id})
	return id
}

// Connections returns a snapshot of currently attached connections, for the
// monitor extension.
func (s *Server) Connections() []*Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Connection, 0, len(s.connections))
	for _, c := range s.connections {
		out = append(out, c)
	}
	return out
}

// Detach removes a connection from the manager, drains its attached nodes
// out of the signature map, and propagates the resulting disconnect
// changes (spec.md §4.7 "on detach").
func (s *Server) Detach(c *Connection) {
	s.mu.Lock()
	delete(s.connections, c.ID)
	s.mu.Unlock()

	for _, ni := range c.Nodes.All() {
		var changes []sigmap.Change
		if len(ni.Node.ProvidePorts) > 0 {
			changes = append(changes, s.SigMap.DisconnectProvidePorts(ni, ni.Node.ProvidePorts)...)
		}
		if len(ni.Node.RequirePorts) > 0 {
			changes = append(changes, s.SigMap.DisconnectRequirePorts(ni, ni.Node.RequirePorts)...)
		}
		s.fileChanges(changes)
		s.emit(Event{Kind: EventNodeDetached, ConnectionID: c.ID, Node: ni.Name})
	}
	s.propagateAll()
	s.emit(Event{Kind: EventConnectionDetached, ConnectionID: c.ID})
}

// fileChanges appends each change to its target node's connector-change
// table without sending anything (spec.md §4.6: changes are filed under
// the signature-map lock and processed only after it is released).
func (s *Server) fileChanges(changes []sigmap.Change) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range changes {
		target := ch.Target.Node.(*connection.NodeInstance)
		target.AppendChanges(ch)
		s.modified[target] = struct{}{}
	}
}

// propagateAll walks every modified node and applies its pending connector
// changes (spec.md §4.7 "Connector change propagation").
func (s *Server) propagateAll() {
	s.mu.Lock()
	targets := s.modified
	s.modified = make(map[*connection.NodeInstance]struct{})
	s.mu.Unlock()

	for ni := range targets {
		for _, ch := range ni.DrainChanges() {
			ni.Owner.ApplyConnectorChange(ch)
		}
	}
}
