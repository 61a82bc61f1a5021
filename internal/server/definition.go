package server

import (
	"strings"
	"time"

	"github.com/apxrmf/apxd/internal/apxerr"
	"github.com/apxrmf/apxd/internal/connection"
	"github.com/apxrmf/apxd/internal/filemgr"
	"github.com/apxrmf/apxd/internal/logger"
	"github.com/apxrmf/apxd/internal/nodeinfo"
	"github.com/apxrmf/apxd/internal/parser"
	"github.com/apxrmf/apxd/internal/rmf"
)

// onNewRemoteFile is the file manager hook fired when the peer publishes a
// file on this connection (spec.md §4.7 step 3). A definition file drives
// the primary node-ingestion path; a provide-port-data file is the
// secondary, base-name-matching path (DESIGN.md).
func (c *Connection) onNewRemoteFile(f *filemgr.File) {
	switch f.Type {
	case rmf.FileTypeDefinition:
		c.beginDefinitionIngest(f)
	case rmf.FileTypeProvidePortData:
		c.matchSecondaryProvidePublish(f)
	}
}

// onFileOpened is the file manager hook fired when the peer asks to open
// one of this connection's local files. Opening a node's require-port
// data file is what transitions its require side to connected
// (spec.md §4.7 step 7).
func (c *Connection) onFileOpened(f *filemgr.File) {
	for _, ni := range c.Nodes.All() {
		if ni.RequireAddr == f.Address && ni.RequireState == connection.StateWaiting {
			c.connectRequireSide(ni)
			return
		}
	}
}

// beginDefinitionIngest registers the definition file's write callback
// (accumulating its full text) and requests it be opened so the peer
// streams the bytes.
func (c *Connection) beginDefinitionIngest(f *filemgr.File) {
	buf := make([]byte, f.Size)
	received := uint32(0)
	stem := strings.TrimSuffix(f.Name, ".apx")

	f.SetWriteCallback(func(offset uint32, data []byte) error {
		n := uint32(copy(buf[offset:], data))
		received += n
		if received < f.Size {
			return nil
		}
		return c.finishDefinitionIngest(stem, buf)
	})

	if err := c.FileMgr.OpenRemoteFile(f.Address); err != nil {
		logger.Error("failed to open remote definition file", logger.Err(err), logger.File(f.Name))
	}
}

// finishDefinitionIngest parses and finalizes the accumulated definition
// text; on success it builds node info, registers the node instance, and
// publishes its canonical port-data files (spec.md §4.7 step 4). On
// failure it logs the error and leaves every other node on this
// connection unaffected (spec.md §4.7 "Error paths").
func (c *Connection) finishDefinitionIngest(name string, src []byte) error {
	node, err := parser.Parse(string(src))
	if err != nil {
		logger.Error("definition parse failed", logger.Err(err), logger.Node(name))
		return nil
	}

	info, err := nodeinfo.Build(node, nodeinfo.ModeServer)
	if err != nil {
		logger.Error("node info build failed", logger.Err(err), logger.Node(name))
		return nil
	}

	ni := c.Nodes.Register(name, node, info, c.FileMgr, c)
	ni.ProvideBuf = make([]byte, info.ProvideBufSize)

	outFile, err := c.FileMgr.CreateLocalFile(name+".out", info.ProvideBufSize, rmf.FileTypeProvidePortData, c.makeProvideWriteCallback(ni))
	if err != nil {
		return apxerr.Wrap(apxerr.MissingBuffer, err)
	}
	ni.ProvideAddr = outFile.Address

	inFile, err := c.FileMgr.CreateLocalFile(name+".in", info.RequireBufSize, rmf.FileTypeRequirePortData, nil)
	if err != nil {
		return apxerr.Wrap(apxerr.MissingBuffer, err)
	}
	ni.RequireAddr = inFile.Address

	if err := c.FileMgr.Publish(outFile); err != nil {
		return err
	}
	if err := c.FileMgr.Publish(inFile); err != nil {
		return err
	}
	c.Server.emit(Event{Kind: EventNodeAttached, ConnectionID: c.ID, Node: name})
	return nil
}

// makeProvideWriteCallback returns the write callback for a node's `.out`
// file: it updates the live provide buffer, performs the one-time
// connect on first receipt, and routes the written span to requesters
// (spec.md §4.7 steps 5-6, "Routing").
func (c *Connection) makeProvideWriteCallback(ni *connection.NodeInstance) filemgr.WriteFunc {
	return func(offset uint32, data []byte) error {
		copy(ni.ProvideBuf[offset:], data)

		if ni.ProvideState == connection.StateWaiting {
			ni.ProvideState = connection.StateConnected
			changes := c.Server.SigMap.ConnectProvidePorts(ni, ni.Node.ProvidePorts)
			c.Server.fileChanges(changes)
			c.Server.propagateAll()
			c.Server.emit(Event{Kind: EventProvideConnected, ConnectionID: c.ID, Node: ni.Name})
		}

		c.routeProvideWrite(ni, offset, data)
		return nil
	}
}

// connectRequireSide marks a node's require side connected and runs the
// signature-map connect, which may immediately queue an initial data
// write to this same node (spec.md §4.7 step 7).
func (c *Connection) connectRequireSide(ni *connection.NodeInstance) {
	ni.RequireState = connection.StateConnected
	changes := c.Server.SigMap.ConnectRequirePorts(ni, ni.Node.RequirePorts)
	c.Server.fileChanges(changes)
	c.Server.propagateAll()
	c.Server.emit(Event{Kind: EventRequireConnected, ConnectionID: c.ID, Node: ni.Name})
}

// routeProvideWrite splits one write to a node's provide buffer along
// port boundaries and forwards each affected port's span to every
// connected requester of that port's signature, preserving the
// signature-map entry's insertion order (spec.md §4.7 "Routing").
func (c *Connection) routeProvideWrite(ni *connection.NodeInstance, offset uint32, data []byte) {
	writeStart := offset
	writeEnd := offset + uint32(len(data))

	for _, p := range ni.Info.ProvidePorts {
		spanStart := max32(writeStart, p.Offset)
		spanEnd := min32(writeEnd, p.Offset+p.Size)
		if spanStart >= spanEnd {
			continue
		}
		slice := data[spanStart-writeStart : spanEnd-writeStart]
		localOff := spanStart - p.Offset

		start := time.Now()
		for _, r := range c.Server.SigMap.Requesters(p.Port.DerivedSignature) {
			req := r.Node.(*connection.NodeInstance)
			if req.RequireState != connection.StateConnected {
				continue
			}
			reqInfo := req.RequirePortInfo(r.Port)
			if reqInfo == nil {
				continue
			}
			_ = req.FileMgr.Write(req.RequireAddr, reqInfo.Offset+localOff, slice, c.MaxFragment)
		}
		c.Server.emit(Event{
			Kind:         EventDataRouted,
			ConnectionID: c.ID,
			Node:         ni.Name,
			Signature:    p.Port.DerivedSignature,
			Bytes:        len(slice),
			Duration:     time.Since(start),
		})
	}
}

// matchSecondaryProvidePublish implements the secondary, base-name
// matching publish path (spec.md §4.7 step 5, DESIGN.md): a client that
// proactively publishes its own provide-port file is matched to a waiting
// node instance by file stem and its open-file-request is issued.
func (c *Connection) matchSecondaryProvidePublish(f *filemgr.File) {
	stem := strings.TrimSuffix(f.Name, ".out")
	ni, ok := c.Nodes.Get(stem)
	if !ok || ni.ProvideState != connection.StateWaiting {
		return
	}
	if err := c.FileMgr.OpenRemoteFile(f.Address); err != nil {
		logger.Error("failed to open secondary provide-port file", logger.Err(err), logger.File(f.Name))
	}
}

func max32(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}

func min32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}
