// Package nodeinfo builds the read-only, post-processed view of a finalized
// node that the rest of the engine runs against: per-port byte offsets into
// the require/provide data buffers, compiled pack/unpack programs, a
// reverse byte-offset-to-port map for routing partial writes, and each
// port's initial-value blob.
package nodeinfo

import (
	"sort"

	"github.com/apxrmf/apxd/internal/apxerr"
	"github.com/apxrmf/apxd/internal/ast"
	"github.com/apxrmf/apxd/internal/value"
	"github.com/apxrmf/apxd/internal/vm"
)

// Mode selects which side's reverse byte->port map is materialized. The
// other side only gets per-port offsets (spec.md §4.3).
type Mode int

const (
	// ModeClient builds the reverse map for require ports: a client
	// consumes require-port writes from the server and must resolve an
	// incoming frame's offset back to a port.
	ModeClient Mode = iota
	// ModeServer builds the reverse map for provide ports: the server
	// receives provide-port writes from a producing client and must
	// resolve them back to a port before routing.
	ModeServer
)

// PortInfo is the per-port projection: its offset into the side's data
// buffer, its buffer footprint, its compiled programs, and its init blob.
type PortInfo struct {
	Port *ast.Port

	Offset uint32 // byte offset into the side's data buffer
	Size   uint32 // buffer footprint; for a queued port this is QueueLen*PackLen

	IsQueued  bool
	QueueLen  uint32
	IsDynamic bool

	PackProgram   *vm.Program
	UnpackProgram *vm.Program

	InitData []byte // result of running PackProgram over the port's resolved (or zero) initial value
}

// NodeInfo is the finalized, read-only view of one node instance.
type NodeInfo struct {
	Node *ast.Node
	Mode Mode

	RequirePorts []*PortInfo
	ProvidePorts []*PortInfo

	RequireBufSize uint32
	ProvideBufSize uint32

	requireOffsets []uint32 // sorted, parallel to requirePortByOffset
	requirePortByOffset []int
	provideOffsets []uint32
	providePortByOffset []int
}

// Build compiles a finalized node into its NodeInfo. node must already have
// passed ast.Finalize.
func Build(node *ast.Node, mode Mode) (*NodeInfo, error) {
	ni := &NodeInfo{Node: node, Mode: mode}

	reqInfos, reqSize, err := buildSide(node, node.RequirePorts)
	if err != nil {
		return nil, err
	}
	provInfos, provSize, err := buildSide(node, node.ProvidePorts)
	if err != nil {
		return nil, err
	}
	ni.RequirePorts = reqInfos
	ni.ProvidePorts = provInfos
	ni.RequireBufSize = reqSize
	ni.ProvideBufSize = provSize

	if mode == ModeClient {
		ni.requireOffsets, ni.requirePortByOffset = buildReverseMap(reqInfos)
	} else {
		ni.provideOffsets, ni.providePortByOffset = buildReverseMap(provInfos)
	}
	return ni, nil
}

func buildSide(node *ast.Node, ports []*ast.Port) ([]*PortInfo, uint32, error) {
	infos := make([]*PortInfo, len(ports))
	var offset uint32
	major := uint8(node.MajorVersion)
	minor := uint8(node.MinorVersion)

	for i, p := range ports {
		info := &PortInfo{Port: p, Offset: offset}

		if p.Attributes != nil && p.Attributes.IsQueued {
			info.IsQueued = true
			info.QueueLen = p.Attributes.QueueLen
			info.Size = p.Attributes.QueueLen * p.PackLen
		} else {
			info.Size = p.PackLen
		}
		info.IsDynamic = concreteElement(p.Element).IsDynamicArray

		packProg, err := vm.Compile(p.Element, major, minor, vm.ProgramPack)
		if err != nil {
			return nil, 0, err
		}
		unpackProg, err := vm.Compile(p.Element, major, minor, vm.ProgramUnpack)
		if err != nil {
			return nil, 0, err
		}
		info.PackProgram = packProg
		info.UnpackProgram = unpackProg

		initValue := resolvedInitValue(p)
		blob := make([]byte, p.PackLen)
		if _, err := vm.Pack(packProg, initValue, blob); err != nil {
			return nil, 0, apxerr.Wrap(apxerr.Pack, err)
		}
		info.InitData = blob

		infos[i] = info
		offset += info.Size
	}
	return infos, offset, nil
}

// concreteElement follows RefPointer chains to the underlying element so
// flags like IsDynamicArray are read from the element that actually carries
// them, not from an intermediate reference node.
func concreteElement(e *ast.DataElement) *ast.DataElement {
	for e.BaseType == ast.RefPointer && e.RefTarget != nil {
		e = e.RefTarget
	}
	return e
}

// resolvedInitValue returns the port's parsed initial value, or a
// zero-valued tree matching its shape when the port declared none. Every
// port has an init blob (spec.md §4.3); an absent "=" attribute just means
// the blob is all-zero.
func resolvedInitValue(p *ast.Port) value.Value {
	if p.Attributes != nil && p.Attributes.HasInit {
		return p.Attributes.InitValue
	}
	return zeroValue(p.Element)
}

func zeroValue(e *ast.DataElement) value.Value {
	switch e.BaseType {
	case ast.RefPointer:
		return zeroValue(e.RefTarget)
	case ast.RecordType:
		if e.IsArray {
			n := e.ArrayLen
			if e.IsDynamicArray {
				n = 0
			}
			items := make([]value.Value, n)
			for i := range items {
				items[i] = zeroRecord(e)
			}
			return value.NewArray(items)
		}
		return zeroRecord(e)
	case ast.StringType:
		if e.IsArray {
			return value.NewString("")
		}
		return value.NewString("")
	default:
		if e.IsArray {
			n := e.ArrayLen
			if e.IsDynamicArray {
				n = 0
			}
			items := make([]value.Value, n)
			for i := range items {
				items[i] = zeroScalar(e.BaseType)
			}
			return value.NewArray(items)
		}
		return zeroScalar(e.BaseType)
	}
}

func zeroRecord(e *ast.DataElement) value.Value {
	fields := make(map[string]value.Value, len(e.Children))
	for _, c := range e.Children {
		fields[c.Name] = zeroValue(c)
	}
	return value.NewRecord(fields)
}

func zeroScalar(bt ast.BaseType) value.Value {
	if bt.IsSigned() {
		return value.NewInt(0)
	}
	return value.NewUint(0)
}

func buildReverseMap(infos []*PortInfo) ([]uint32, []int) {
	offsets := make([]uint32, len(infos))
	ids := make([]int, len(infos))
	for i, info := range infos {
		offsets[i] = info.Offset
		ids[i] = info.Port.PortID
	}
	return offsets, ids
}

// PortAtRequireOffset resolves a byte offset into the require-port buffer
// back to a logical port id via binary search over sorted offsets. Valid
// only when ni was built with ModeClient.
func (ni *NodeInfo) PortAtRequireOffset(off uint32) (int, bool) {
	return searchOffset(ni.requireOffsets, ni.requirePortByOffset, ni.RequirePorts, off)
}

// PortAtProvideOffset resolves a byte offset into the provide-port buffer
// back to a logical port id via binary search over sorted offsets. Valid
// only when ni was built with ModeServer.
func (ni *NodeInfo) PortAtProvideOffset(off uint32) (int, bool) {
	return searchOffset(ni.provideOffsets, ni.providePortByOffset, ni.ProvidePorts, off)
}

func searchOffset(offsets []uint32, ids []int, infos []*PortInfo, off uint32) (int, bool) {
	if len(offsets) == 0 {
		return 0, false
	}
	// Offsets are already in ascending insertion order (ports are laid out
	// sequentially), so they are sorted by construction; sort.Search finds
	// the last offset <= off.
	i := sort.Search(len(offsets), func(i int) bool { return offsets[i] > off })
	if i == 0 {
		return 0, false
	}
	idx := i - 1
	info := infos[idx]
	if off >= info.Offset+info.Size {
		return 0, false
	}
	return ids[idx], true
}

// RequirePortInfo returns the PortInfo for require port id.
func (ni *NodeInfo) RequirePortInfo(id int) *PortInfo {
	if id < 0 || id >= len(ni.RequirePorts) {
		return nil
	}
	return ni.RequirePorts[id]
}

// ProvidePortInfo returns the PortInfo for provide port id.
func (ni *NodeInfo) ProvidePortInfo(id int) *PortInfo {
	if id < 0 || id >= len(ni.ProvidePorts) {
		return nil
	}
	return ni.ProvidePorts[id]
}
