// Package connection implements the full-duplex APX endpoint described in
// spec.md §4.6: a file manager, a node manager, an event loop, and a
// transport callback table. ServerConnection (internal/server) embeds Base
// and adds the greeting/definition/routing state machine.
package connection

import (
	"bufio"
	"context"
	"sync"

	"github.com/apxrmf/apxd/internal/apxerr"
	"github.com/apxrmf/apxd/internal/filemgr"
	"github.com/apxrmf/apxd/internal/logger"
	"github.com/apxrmf/apxd/internal/rmf"
)

// Transport is the write/close half of the connection's socket. The read
// half is driven externally (internal/transport for real sockets, or a
// test fake) by calling Enqueue with each framed message it reads.
type Transport interface {
	Send(frame []byte) error
	Close() error
}

// FrameHandler processes one inbound frame body (already stripped of its
// numheader32 length prefix) on the connection's event-loop goroutine.
type FrameHandler func(frame []byte) error

// Base is the shared connection machinery: a single-goroutine event loop
// draining an inbound frame queue (spec.md §5's "connection event thread"),
// a file manager, and the outbound send path.
type Base struct {
	ID        uint32
	Transport Transport
	FileMgr   *filemgr.FileManager
	Log       *logger.LogContext

	handler FrameHandler

	inbox  chan []byte
	closed chan struct{}
	once   sync.Once
}

// NewBase creates a connection base bound to transport, sending outbound
// frames through it. The caller must call SetHandler before Run.
func NewBase(id uint32, t Transport, logCtx *logger.LogContext) *Base {
	b := &Base{
		ID:        id,
		Transport: t,
		Log:       logCtx,
		inbox:     make(chan []byte, 64),
		closed:    make(chan struct{}),
	}
	b.FileMgr = filemgr.New(b.sendRaw)
	return b
}

// SetHandler installs the frame dispatcher. Must be called before Run.
func (b *Base) SetHandler(h FrameHandler) { b.handler = h }

// sendRaw wraps a frame body in its numheader32 length prefix and writes it
// to the transport. This is the SendFunc the file manager uses.
func (b *Base) sendRaw(frame []byte) error {
	return b.Transport.Send(rmf.WrapMessage(frame))
}

// Enqueue appends one already-length-delimited frame body to the
// connection's inbound queue; called from the transport read goroutine.
// It never blocks the reader for more than the queue's capacity.
func (b *Base) Enqueue(frame []byte) {
	select {
	case b.inbox <- frame:
	case <-b.closed:
	}
}

// Run drains the inbound queue on the calling goroutine until ctx is
// cancelled or Close is called. Frames are dispatched to the handler
// strictly in arrival order, matching spec.md §5's no-interleaving
// guarantee for one connection.
func (b *Base) Run(ctx context.Context) {
	if b.Log != nil {
		ctx = logger.WithContext(ctx, b.Log)
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.closed:
			return
		case frame := <-b.inbox:
			if b.handler == nil {
				continue
			}
			if err := b.handler(frame); err != nil {
				logger.ErrorCtx(ctx, "frame handling failed", logger.Err(err), logger.ConnectionID(b.ID))
				if apxerr.Is(err, apxerr.Transmit) {
					b.Close()
					return
				}
			}
		}
	}
}

// Close is edge-triggered and idempotent (spec.md §5): it stops the event
// loop, releases the file manager, and closes the transport.
func (b *Base) Close() {
	b.once.Do(func() {
		close(b.closed)
		b.FileMgr.Close()
		_ = b.Transport.Close()
	})
}

// ReadLoop reads length-prefixed messages from r and enqueues them until an
// error or EOF. It is the glue a Transport implementation runs in its own
// reader goroutine.
func ReadLoop(r *bufio.Reader, b *Base) error {
	for {
		msg, err := rmf.ReadMessage(r)
		if err != nil {
			return err
		}
		b.Enqueue(msg)
	}
}
