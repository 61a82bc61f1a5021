package textlog

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apxrmf/apxd/internal/bytesize"
	"github.com/apxrmf/apxd/internal/config"
	"github.com/apxrmf/apxd/internal/server"
)

func newSink(t *testing.T, path string, rotate bytesize.ByteSize) (*Sink, *server.Server) {
	t.Helper()
	cfg := &config.Config{}
	config.ApplyDefaults(cfg)
	cfg.Extension.TextLog.ExtensionEnabled = true
	cfg.Extension.TextLog.FileEnabled = true
	cfg.Extension.TextLog.FilePath = path
	cfg.Extension.TextLog.RotateSize = rotate

	srv := server.New()
	s := New()
	require.NoError(t, s.Init(srv, cfg))
	return s, srv
}

func TestSinkWritesEventLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "apx.log")
	s, _ := newSink(t, path, 10*bytesize.MiB)
	defer s.Shutdown(context.Background())

	s.onEvent(server.Event{Kind: server.EventNodeAttached, ConnectionID: 3, Node: "TestNode"})
	s.onEvent(server.Event{Kind: server.EventDataRouted, ConnectionID: 3, Node: "TestNode", Signature: `"VehicleSpeed"S`, Bytes: 2})

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	text := string(data)
	assert.Contains(t, text, "node-attached conn=3 node=TestNode")
	assert.Contains(t, text, `data-routed conn=3 node=TestNode signature="VehicleSpeed"S bytes=2`)
}

func TestSinkRotatesPastThreshold(t *testing.T) {
	path := filepath.Join(t.TempDir(), "apx.log")
	s, _ := newSink(t, path, 64)
	defer s.Shutdown(context.Background())

	for i := 0; i < 4; i++ {
		s.onEvent(server.Event{Kind: server.EventConnectionAttached, ConnectionID: uint32(i)})
	}

	_, err := os.Stat(path + ".1")
	require.NoError(t, err)
}

func TestSinkWithoutFileIsNoop(t *testing.T) {
	cfg := &config.Config{}
	config.ApplyDefaults(cfg)
	cfg.Extension.TextLog.ExtensionEnabled = true
	cfg.Extension.TextLog.FileEnabled = false

	s := New()
	require.NoError(t, s.Init(server.New(), cfg))
	s.onEvent(server.Event{Kind: server.EventConnectionAttached, ConnectionID: 1})
	require.NoError(t, s.Shutdown(context.Background()))
}
