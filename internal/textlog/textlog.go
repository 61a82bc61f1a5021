// Package textlog provides the textlog extension: a streaming textual sink
// that appends one line per server event to a file on disk, rotating when
// the file grows past its configured threshold.
package textlog

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/apxrmf/apxd/internal/config"
	"github.com/apxrmf/apxd/internal/logger"
	"github.com/apxrmf/apxd/internal/server"
)

// Sink is the "textlog" extension.
type Sink struct {
	cfg config.TextLogConfig

	mu   sync.Mutex
	file *os.File
	size int64
}

// New returns an uninitialized textlog sink.
func New() *Sink {
	return &Sink{}
}

// Name implements server.Extension.
func (s *Sink) Name() string { return "textlog" }

// Init opens the configured file (when file-enabled) and subscribes to
// server events.
func (s *Sink) Init(srv *server.Server, cfg *config.Config) error {
	s.cfg = cfg.Extension.TextLog
	if s.cfg.FileEnabled {
		if err := s.open(); err != nil {
			return err
		}
	}
	srv.AddEventListener(s.onEvent)
	return nil
}

func (s *Sink) open() error {
	f, err := os.OpenFile(s.cfg.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open textlog file %q: %w", s.cfg.FilePath, err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat textlog file %q: %w", s.cfg.FilePath, err)
	}
	s.file = f
	s.size = st.Size()
	return nil
}

// onEvent appends one formatted line per server event. Listeners run on
// the emitting goroutine, so the write must be quick and never block on
// anything but the file itself.
func (s *Sink) onEvent(ev server.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return
	}

	line := formatEvent(ev)
	n, err := s.file.WriteString(line)
	if err != nil {
		logger.Error("textlog write failed", logger.Err(err), logger.File(s.cfg.FilePath))
		return
	}
	s.size += int64(n)
	if s.size > s.cfg.RotateSize.Int64() {
		s.rotate()
	}
}

func formatEvent(ev server.Event) string {
	ts := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
	line := fmt.Sprintf("%s %s conn=%d", ts, ev.Kind, ev.ConnectionID)
	if ev.Node != "" {
		line += " node=" + ev.Node
	}
	if ev.Signature != "" {
		line += " signature=" + ev.Signature
	}
	if ev.Bytes > 0 {
		line += fmt.Sprintf(" bytes=%d", ev.Bytes)
	}
	return line + "\n"
}

// rotate moves the current file aside (overwriting any previous rotation)
// and starts a fresh one. Caller must hold s.mu.
func (s *Sink) rotate() {
	s.file.Close()
	if err := os.Rename(s.cfg.FilePath, s.cfg.FilePath+".1"); err != nil {
		logger.Error("textlog rotation failed", logger.Err(err), logger.File(s.cfg.FilePath))
	}
	if err := s.open(); err != nil {
		logger.Error("textlog reopen failed", logger.Err(err), logger.File(s.cfg.FilePath))
		s.file = nil
	}
}

// Shutdown closes the sink's file. Already-subscribed event deliveries
// after this point are dropped.
func (s *Sink) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file != nil {
		err := s.file.Close()
		s.file = nil
		return err
	}
	return nil
}
