package server

import (
	"bufio"
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/apxrmf/apxd/internal/apxerr"
	"github.com/apxrmf/apxd/internal/connection"
	"github.com/apxrmf/apxd/internal/logger"
	"github.com/apxrmf/apxd/internal/rmf"
	"github.com/apxrmf/apxd/internal/sigmap"
)

// DefaultMaxFragment is the maximum payload size of one outbound data
// frame when the server has no peer-advertised limit to honor.
const DefaultMaxFragment = 4096

// Connection is a server-side APX endpoint: a connection.Base plus the
// greeting/definition/routing state machine from spec.md §4.7.
type Connection struct {
	*connection.Base

	Server      *Server
	Nodes       *connection.NodeManager
	MaxFragment int
}

// NewConnection wraps a freshly accepted transport in a server connection,
// not yet attached to the server and not yet greeted.
func NewConnection(t connection.Transport, logCtx *logger.LogContext) *Connection {
	c := &Connection{
		Base:        connection.NewBase(0, t, logCtx),
		Nodes:       connection.NewNodeManager(),
		MaxFragment: DefaultMaxFragment,
	}
	c.Base.FileMgr.SetOnNewRemoteFile(c.onNewRemoteFile)
	c.Base.FileMgr.SetOnFileOpened(c.onFileOpened)
	c.Base.SetHandler(c.handleFrame)
	return c
}

// Serve performs the greeting handshake on r, attaches the connection to
// srv, then runs the event loop until ctx is cancelled, the peer closes,
// or a transmit error occurs. It always detaches the connection from srv
// before returning (spec.md §4.7 step 1, §5 cancellation).
func Serve(ctx context.Context, srv *Server, t connection.Transport, r *bufio.Reader, clientAddr string) error {
	logCtx := logger.NewLogContext(0, clientAddr)
	logCtx.TraceID = uuid.NewString()
	c := NewConnection(t, logCtx)
	if srv.MaxFragment > 0 {
		c.MaxFragment = srv.MaxFragment
	}

	greeting, err := readGreeting(r)
	if err != nil {
		c.Close()
		return err
	}
	if greeting.Major != 1 {
		c.Close()
		return apxerr.Newf(apxerr.Parse, "unsupported protocol version %d.%d", greeting.Major, greeting.Minor)
	}

	c.Server = srv
	id := srv.Attach(c)
	c.Log.ConnectionID = id

	ack := rmf.EncodeControlFrame(rmf.CmdAcknowledge, nil)
	if err := t.Send(rmf.WrapMessage(ack)); err != nil {
		srv.Detach(c)
		return apxerr.Wrap(apxerr.Transmit, err)
	}
	c.FileMgr.SetConnected(true)

	go func() {
		if err := connection.ReadLoop(r, c.Base); err != nil {
			c.Close()
		}
	}()

	c.Run(ctx)
	srv.Detach(c)
	return nil
}

// readGreeting reads lines from r up to and including the terminating
// blank line and parses them as a protocol greeting (spec.md §4.4). This
// runs before any numheader32-framed message is read.
func readGreeting(r *bufio.Reader) (*rmf.Greeting, error) {
	var b strings.Builder
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return nil, apxerr.Wrap(apxerr.Read, err)
		}
		b.WriteString(line)
		if line == "\n" || line == "\r\n" {
			break
		}
	}
	return rmf.ParseGreeting(b.String())
}

// handleFrame dispatches one inbound frame body to the control or data
// path (spec.md §4.7 step 2).
func (c *Connection) handleFrame(frame []byte) error {
	if rmf.IsControlFrame(frame) {
		return c.handleControl(frame)
	}
	addr, more, payload, err := rmf.DecodeDataFrame(frame)
	if err != nil {
		return err
	}
	return c.FileMgr.OnDataFrame(rmf.AsLocal(addr), more, payload)
}

func (c *Connection) handleControl(frame []byte) error {
	cf, err := rmf.DecodeControlFrame(frame)
	if err != nil {
		return err
	}
	switch cf.Command {
	case rmf.CmdPublishFile:
		fi, err := rmf.DecodePublishFileBody(cf.Body)
		if err != nil {
			return err
		}
		c.FileMgr.HandleRemotePublish(fi)
		return nil
	case rmf.CmdOpenFileRequest:
		addr, err := rmf.DecodeAddressBody(cf.Body)
		if err != nil {
			return err
		}
		_, err = c.FileMgr.HandleOpenFileRequest(rmf.AsLocal(addr))
		return err
	case rmf.CmdCloseFileRequest, rmf.CmdRevokeFile:
		return nil
	case rmf.CmdAcknowledge:
		return nil
	default:
		return apxerr.Newf(apxerr.InvalidMsg, "unexpected control command %s", cf.Command)
	}
}

// ApplyConnectorChange sends the data frame produced by one drained
// connector change for a node instance owned by this connection
// (spec.md §4.7 "Connector change propagation").
func (c *Connection) ApplyConnectorChange(ch sigmap.Change) {
	req := ch.Target.Node.(*connection.NodeInstance)
	reqInfo := req.RequirePortInfo(ch.Target.Port)
	if reqInfo == nil {
		return
	}
	switch ch.Kind {
	case sigmap.RequesterConnected:
		provider := ch.Peer.Node.(*connection.NodeInstance)
		provInfo := provider.ProvidePortInfo(ch.Peer.Port)
		if provInfo == nil {
			return
		}
		data := provider.ProvideBuf[provInfo.Offset : provInfo.Offset+provInfo.Size]
		_ = req.FileMgr.Write(req.RequireAddr, reqInfo.Offset, data, c.MaxFragment)
	case sigmap.ProviderDisconnected:
		_ = req.FileMgr.Write(req.RequireAddr, reqInfo.Offset, reqInfo.InitData, c.MaxFragment)
	case sigmap.ProviderConnected, sigmap.RequesterDisconnected:
		// Filed on the provider side's own table; no data movement of its
		// own, routing is driven entirely from the requester side above.
	}
}
