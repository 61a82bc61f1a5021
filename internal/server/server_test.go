package server

import (
	"bufio"
	"bytes"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apxrmf/apxd/internal/connection"
	"github.com/apxrmf/apxd/internal/rmf"
)

type captureTransport struct {
	mu   sync.Mutex
	msgs [][]byte
}

func (t *captureTransport) Send(frame []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.msgs = append(t.msgs, append([]byte(nil), frame...))
	return nil
}

func (t *captureTransport) Close() error { return nil }

type dataFrame struct {
	addr    uint32
	more    bool
	payload []byte
}

// dataFrames decodes every captured wire message and returns the data
// frames in send order, skipping control frames.
func dataFrames(t *testing.T, ct *captureTransport) []dataFrame {
	t.Helper()
	ct.mu.Lock()
	defer ct.mu.Unlock()

	var out []dataFrame
	for _, msg := range ct.msgs {
		body, err := rmf.ReadMessage(bufio.NewReader(bytes.NewReader(msg)))
		require.NoError(t, err)
		if rmf.IsControlFrame(body) {
			continue
		}
		addr, more, payload, err := rmf.DecodeDataFrame(body)
		require.NoError(t, err)
		out = append(out, dataFrame{addr: addr, more: more, payload: append([]byte(nil), payload...)})
	}
	return out
}

// attachPeer wires a fresh server connection with a capturing transport
// into srv and marks its file manager greeted.
func attachPeer(srv *Server) (*Connection, *captureTransport) {
	ct := &captureTransport{}
	c := NewConnection(ct, nil)
	c.Server = srv
	srv.Attach(c)
	c.FileMgr.SetConnected(true)
	return c, ct
}

// ingestDefinition plays the peer side of definition ingestion: publish the
// .apx file, then stream its content once the server asks to open it.
func ingestDefinition(t *testing.T, c *Connection, name, src string) *connection.NodeInstance {
	t.Helper()
	defAddr := rmf.DefinitionRegionBegin
	c.FileMgr.HandleRemotePublish(rmf.FileInfo{
		Address: defAddr,
		Name:    name + ".apx",
		Size:    uint32(len(src)),
		Type:    rmf.FileTypeDefinition,
	})
	require.NoError(t, c.FileMgr.OnDataFrame(defAddr, false, []byte(src)))

	ni, ok := c.Nodes.Get(name)
	require.True(t, ok, "node %s was not registered", name)
	return ni
}

const providerDef = "APX/1.2\nN\"Prov\"\nP\"VehicleSpeed\"S:=65535\n"
const requesterDef = "APX/1.2\nN\"Req\"\nR\"VehicleSpeed\"S:=65535\n"

const speedSignature = `"VehicleSpeed"S`

func TestDefinitionIngestPublishesPortDataFiles(t *testing.T) {
	srv := New()
	c, ct := attachPeer(srv)

	ni := ingestDefinition(t, c, "Prov", providerDef)
	require.Equal(t, uint32(2), ni.Info.ProvideBufSize)
	require.Equal(t, uint32(0), ni.Info.RequireBufSize)

	var published []string
	ct.mu.Lock()
	for _, msg := range ct.msgs {
		body, err := rmf.ReadMessage(bufio.NewReader(bytes.NewReader(msg)))
		require.NoError(t, err)
		if !rmf.IsControlFrame(body) {
			continue
		}
		cf, err := rmf.DecodeControlFrame(body)
		require.NoError(t, err)
		if cf.Command == rmf.CmdPublishFile {
			fi, err := rmf.DecodePublishFileBody(cf.Body)
			require.NoError(t, err)
			published = append(published, fi.Name)
		}
	}
	ct.mu.Unlock()
	assert.Equal(t, []string{"Prov.out", "Prov.in"}, published)
}

func TestBadDefinitionDegradesOnlyThatNode(t *testing.T) {
	srv := New()
	c, _ := attachPeer(srv)

	defAddr := rmf.DefinitionRegionBegin
	bad := "APX/1.2\nN\"Bad\"\nX\"nope\"\n"
	c.FileMgr.HandleRemotePublish(rmf.FileInfo{
		Address: defAddr,
		Name:    "Bad.apx",
		Size:    uint32(len(bad)),
		Type:    rmf.FileTypeDefinition,
	})
	require.NoError(t, c.FileMgr.OnDataFrame(defAddr, false, []byte(bad)))

	_, ok := c.Nodes.Get("Bad")
	require.False(t, ok)

	// The same connection still ingests a good definition afterwards.
	ingestDefinition(t, c, "Prov", providerDef)
}

// TestRouteProvideWriteToRequester is scenario S5: a provider write lands
// in the requester's require-port file at offset 0.
func TestRouteProvideWriteToRequester(t *testing.T) {
	srv := New()
	prov, _ := attachPeer(srv)
	req, reqCt := attachPeer(srv)

	provNode := ingestDefinition(t, prov, "Prov", providerDef)
	reqNode := ingestDefinition(t, req, "Req", requesterDef)

	// The requesting peer opens Req.in, connecting the require side.
	_, err := req.FileMgr.HandleOpenFileRequest(reqNode.RequireAddr)
	require.NoError(t, err)
	require.Equal(t, connection.StateConnected, reqNode.RequireState)

	// The provider writes two bytes into Prov.out; first write also
	// transitions the provide side to connected.
	require.NoError(t, prov.FileMgr.OnDataFrame(provNode.ProvideAddr, false, []byte{0x34, 0x12}))
	require.Equal(t, connection.StateConnected, provNode.ProvideState)

	frames := dataFrames(t, reqCt)
	require.NotEmpty(t, frames)
	last := frames[len(frames)-1]
	assert.Equal(t, reqNode.RequireAddr, last.addr)
	assert.Equal(t, []byte{0x34, 0x12}, last.payload)
}

// TestLateRequesterReceivesCurrentProviderValue covers the connect-time
// copy: a requester that connects after the provider wrote gets the
// current provider buffer, not the init value.
func TestLateRequesterReceivesCurrentProviderValue(t *testing.T) {
	srv := New()
	prov, _ := attachPeer(srv)

	provNode := ingestDefinition(t, prov, "Prov", providerDef)
	require.NoError(t, prov.FileMgr.OnDataFrame(provNode.ProvideAddr, false, []byte{0x34, 0x12}))

	req, reqCt := attachPeer(srv)
	reqNode := ingestDefinition(t, req, "Req", requesterDef)
	_, err := req.FileMgr.HandleOpenFileRequest(reqNode.RequireAddr)
	require.NoError(t, err)

	frames := dataFrames(t, reqCt)
	require.NotEmpty(t, frames)
	last := frames[len(frames)-1]
	assert.Equal(t, reqNode.RequireAddr, last.addr)
	assert.Equal(t, []byte{0x34, 0x12}, last.payload)
}

// TestProviderDetachRestoresInitValue is scenario S6: detaching the
// provider writes the requester's init blob back, and once the requester
// detaches too the signature-map entry is gone.
func TestProviderDetachRestoresInitValue(t *testing.T) {
	srv := New()
	prov, _ := attachPeer(srv)
	req, reqCt := attachPeer(srv)

	provNode := ingestDefinition(t, prov, "Prov", providerDef)
	reqNode := ingestDefinition(t, req, "Req", requesterDef)
	_, err := req.FileMgr.HandleOpenFileRequest(reqNode.RequireAddr)
	require.NoError(t, err)
	require.NoError(t, prov.FileMgr.OnDataFrame(provNode.ProvideAddr, false, []byte{0x34, 0x12}))

	srv.Detach(prov)

	frames := dataFrames(t, reqCt)
	require.NotEmpty(t, frames)
	last := frames[len(frames)-1]
	assert.Equal(t, reqNode.RequireAddr, last.addr)
	assert.Equal(t, []byte{0xFF, 0xFF}, last.payload)

	require.False(t, srv.SigMap.Empty(speedSignature))
	srv.Detach(req)
	require.True(t, srv.SigMap.Empty(speedSignature))
}

// TestProviderWriteOrderPreserved is §8 property 5: two writes to the same
// provide port reach the requester in provider order.
func TestProviderWriteOrderPreserved(t *testing.T) {
	srv := New()
	prov, _ := attachPeer(srv)
	req, reqCt := attachPeer(srv)

	provNode := ingestDefinition(t, prov, "Prov", providerDef)
	reqNode := ingestDefinition(t, req, "Req", requesterDef)
	_, err := req.FileMgr.HandleOpenFileRequest(reqNode.RequireAddr)
	require.NoError(t, err)

	require.NoError(t, prov.FileMgr.OnDataFrame(provNode.ProvideAddr, false, []byte{0x01, 0x00}))
	require.NoError(t, prov.FileMgr.OnDataFrame(provNode.ProvideAddr, false, []byte{0x02, 0x00}))

	frames := dataFrames(t, reqCt)
	require.GreaterOrEqual(t, len(frames), 2)
	assert.Equal(t, []byte{0x01, 0x00}, frames[len(frames)-2].payload)
	assert.Equal(t, []byte{0x02, 0x00}, frames[len(frames)-1].payload)
}

func TestConnectionIDsSkipReservedZero(t *testing.T) {
	srv := New()
	a, _ := attachPeer(srv)
	b, _ := attachPeer(srv)
	require.NotZero(t, a.ID)
	require.NotZero(t, b.ID)
	require.NotEqual(t, a.ID, b.ID)
}

func TestEventsFireAcrossLifecycle(t *testing.T) {
	srv := New()
	var kinds []EventKind
	var mu sync.Mutex
	srv.AddEventListener(func(ev Event) {
		mu.Lock()
		kinds = append(kinds, ev.Kind)
		mu.Unlock()
	})

	prov, _ := attachPeer(srv)
	provNode := ingestDefinition(t, prov, "Prov", providerDef)
	require.NoError(t, prov.FileMgr.OnDataFrame(provNode.ProvideAddr, false, []byte{0x34, 0x12}))
	srv.Detach(prov)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, kinds, EventConnectionAttached)
	assert.Contains(t, kinds, EventNodeAttached)
	assert.Contains(t, kinds, EventProvideConnected)
	assert.Contains(t, kinds, EventDataRouted)
	assert.Contains(t, kinds, EventNodeDetached)
	assert.Contains(t, kinds, EventConnectionDetached)
}
