package connection

import (
	"sync"

	"github.com/apxrmf/apxd/internal/ast"
	"github.com/apxrmf/apxd/internal/filemgr"
	"github.com/apxrmf/apxd/internal/nodeinfo"
	"github.com/apxrmf/apxd/internal/sigmap"
)

// PortState is the per-side data state of one node instance's port data,
// walked through during the connection lifecycle (spec.md §4.7).
type PortState int

const (
	StateWaiting PortState = iota
	StateConnected
	StateDegraded
	StateDisconnected
)

func (s PortState) String() string {
	switch s {
	case StateWaiting:
		return "waiting"
	case StateConnected:
		return "connected"
	case StateDegraded:
		return "degraded"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// ChangeApplier receives one drained connector change and acts on it
// (sends the resulting data frame). The owning server connection
// implements this; connection stays free of an upward dependency on
// internal/server.
type ChangeApplier interface {
	ApplyConnectorChange(sigmap.Change)
}

// NodeInstance is one parsed-and-finalized node attached to a connection:
// its node info, its live data buffers, per-side state, and the connector
// change table the signature map files changes into (spec.md §3).
type NodeInstance struct {
	id uint64

	Name string
	Node *ast.Node
	Info *nodeinfo.NodeInfo

	// FileMgr is this node's owning connection's file manager: routing
	// writes to this node's require-port data go out through it.
	FileMgr *filemgr.FileManager

	// Owner applies this node's drained connector changes.
	Owner ChangeApplier

	ProvideAddr uint32
	RequireAddr uint32

	ProvideBuf []byte

	ProvideState PortState
	RequireState PortState

	changeMu sync.Mutex // per-node connector-table lock (spec.md §5)
	changes  []sigmap.Change
}

// InstanceID satisfies sigmap.NodeInstance.
func (n *NodeInstance) InstanceID() uint64 { return n.id }

// AppendChanges files connector changes into this node's change table
// without sending anything; the server drains the table after releasing
// the signature-map lock (spec.md §4.6).
func (n *NodeInstance) AppendChanges(cs ...sigmap.Change) {
	if len(cs) == 0 {
		return
	}
	n.changeMu.Lock()
	n.changes = append(n.changes, cs...)
	n.changeMu.Unlock()
}

// DrainChanges removes and returns every pending connector change.
func (n *NodeInstance) DrainChanges() []sigmap.Change {
	n.changeMu.Lock()
	defer n.changeMu.Unlock()
	if len(n.changes) == 0 {
		return nil
	}
	out := n.changes
	n.changes = nil
	return out
}

// RequirePortInfo finds the PortInfo for port within this instance's
// require-port list by identity.
func (n *NodeInstance) RequirePortInfo(port *ast.Port) *nodeinfo.PortInfo {
	for _, pi := range n.Info.RequirePorts {
		if pi.Port == port {
			return pi
		}
	}
	return nil
}

// ProvidePortInfo finds the PortInfo for port within this instance's
// provide-port list by identity.
func (n *NodeInstance) ProvidePortInfo(port *ast.Port) *nodeinfo.PortInfo {
	for _, pi := range n.Info.ProvidePorts {
		if pi.Port == port {
			return pi
		}
	}
	return nil
}

// NodeManager allocates and tracks the node instances attached to one
// connection, keyed by node name (spec.md §3: "node instance ... owned by
// node manager").
type NodeManager struct {
	mu      sync.Mutex
	nextID  uint64
	byName  map[string]*NodeInstance
}

// NewNodeManager returns an empty node manager.
func NewNodeManager() *NodeManager {
	return &NodeManager{byName: make(map[string]*NodeInstance)}
}

// Register creates and tracks a new node instance for node under name,
// rejecting a duplicate with apxerr.NodeAlreadyExists via the caller (this
// method assumes the caller already checked for a collision when that
// matters; it always allocates a fresh instance id).
func (m *NodeManager) Register(name string, node *ast.Node, info *nodeinfo.NodeInfo, fm *filemgr.FileManager, owner ChangeApplier) *NodeInstance {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	ni := &NodeInstance{
		id:      m.nextID,
		Name:    name,
		Node:    node,
		Info:    info,
		FileMgr: fm,
		Owner:   owner,
	}
	m.byName[name] = ni
	return ni
}

// Get returns the node instance registered under name, if any.
func (m *NodeManager) Get(name string) (*NodeInstance, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ni, ok := m.byName[name]
	return ni, ok
}

// Remove detaches the node instance registered under name.
func (m *NodeManager) Remove(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.byName, name)
}

// All returns every currently attached node instance.
func (m *NodeManager) All() []*NodeInstance {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*NodeInstance, 0, len(m.byName))
	for _, ni := range m.byName {
		out = append(out, ni)
	}
	return out
}
