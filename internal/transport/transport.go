// Package transport provides the socket-server extension: a TCP and an
// optional UNIX-domain listener that accept client connections and hand
// them to the server core. The listeners are plumbing only; all framing and
// addressing logic lives in internal/rmf and the connection layer.
package transport

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"sync"

	"github.com/apxrmf/apxd/internal/config"
	"github.com/apxrmf/apxd/internal/connection"
	"github.com/apxrmf/apxd/internal/logger"
	"github.com/apxrmf/apxd/internal/server"
)

// SocketServer is the "socket-server" extension. It owns up to two
// listeners and one goroutine per accepted connection.
type SocketServer struct {
	srv    *server.Server
	cfg    config.SocketServerConfig
	cancel context.CancelFunc

	mu        sync.Mutex
	listeners []net.Listener
	wg        sync.WaitGroup
}

// New returns an uninitialized socket server extension.
func New() *SocketServer {
	return &SocketServer{}
}

// Name implements server.Extension.
func (t *SocketServer) Name() string { return "socket-server" }

// Init opens the configured listeners and starts their accept loops.
func (t *SocketServer) Init(s *server.Server, cfg *config.Config) error {
	t.srv = s
	t.cfg = cfg.Extension.SocketServer

	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel

	if t.cfg.TCPPort > 0 {
		ln, err := net.Listen("tcp", fmt.Sprintf(":%d", t.cfg.TCPPort))
		if err != nil {
			cancel()
			return fmt.Errorf("tcp listen on port %d: %w", t.cfg.TCPPort, err)
		}
		t.startAccepting(ctx, ln, t.cfg.TCPTag)
	}
	if t.cfg.UnixFile != "" {
		// A stale socket file from an unclean shutdown blocks the bind.
		_ = os.Remove(t.cfg.UnixFile)
		ln, err := net.Listen("unix", t.cfg.UnixFile)
		if err != nil {
			t.closeListeners()
			cancel()
			return fmt.Errorf("unix listen on %s: %w", t.cfg.UnixFile, err)
		}
		t.startAccepting(ctx, ln, t.cfg.UnixTag)
	}
	return nil
}

func (t *SocketServer) startAccepting(ctx context.Context, ln net.Listener, tag string) {
	t.mu.Lock()
	t.listeners = append(t.listeners, ln)
	t.mu.Unlock()

	logger.Info("listening", "listener", tag, "addr", ln.Addr().String())

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			t.wg.Add(1)
			go func() {
				defer t.wg.Done()
				t.handle(ctx, conn, tag)
			}()
		}
	}()
}

// handle runs the greeting handshake and event loop for one accepted
// socket. It returns when the peer disconnects, the server shuts down, or
// a transmit error closes the connection.
func (t *SocketServer) handle(ctx context.Context, conn net.Conn, tag string) {
	addr := conn.RemoteAddr().String()
	if addr == "" || addr == "@" {
		addr = tag
	}
	tr := &netTransport{conn: conn}
	r := bufio.NewReader(conn)
	if err := server.Serve(ctx, t.srv, tr, r, addr); err != nil {
		logger.Warn("connection ended with error", logger.Err(err), logger.ClientAddr(addr))
	}
}

func (t *SocketServer) closeListeners() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, ln := range t.listeners {
		_ = ln.Close()
	}
	t.listeners = nil
}

// Shutdown stops accepting, cancels every live connection's context and
// waits for the handler goroutines to drain (or ctx to expire).
func (t *SocketServer) Shutdown(ctx context.Context) error {
	t.closeListeners()
	if t.cancel != nil {
		t.cancel()
	}
	if t.cfg.UnixFile != "" {
		_ = os.Remove(t.cfg.UnixFile)
	}

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// netTransport adapts a net.Conn to connection.Transport. The mutex is the
// per-connection send-buffer lock: each frame is written atomically with no
// interleaving from concurrent senders.
type netTransport struct {
	mu   sync.Mutex
	conn net.Conn
}

var _ connection.Transport = (*netTransport)(nil)

func (t *netTransport) Send(frame []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, err := t.conn.Write(frame)
	return err
}

func (t *netTransport) Close() error {
	return t.conn.Close()
}
