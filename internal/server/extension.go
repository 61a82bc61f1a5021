package server

import (
	"context"

	"github.com/apxrmf/apxd/internal/config"
	"github.com/apxrmf/apxd/internal/logger"
)

// Extension is a selectable server collaborator: the socket listeners, the
// textlog sink, the HTTP monitor. Extensions are registered at construction
// time and hold a back-reference to the server obtained at Init.
type Extension interface {
	Name() string
	Init(s *Server, cfg *config.Config) error
	Shutdown(ctx context.Context) error
}

// RegisterExtension appends ext to the server's extension list. Call before
// InitExtensions.
func (s *Server) RegisterExtension(ext Extension) {
	s.extensions = append(s.extensions, ext)
}

// InitExtensions initializes every registered extension in registration
// order. A failing extension refuses to initialize: the server logs the
// failure, drops it from the list, and continues with the rest.
func (s *Server) InitExtensions(cfg *config.Config) {
	kept := s.extensions[:0]
	for _, ext := range s.extensions {
		if err := ext.Init(s, cfg); err != nil {
			logger.Error("extension failed to initialize", logger.Err(err), "extension", ext.Name())
			continue
		}
		logger.Info("extension initialized", "extension", ext.Name())
		kept = append(kept, ext)
	}
	s.extensions = kept
}

// ShutdownExtensions stops every initialized extension in reverse
// registration order.
func (s *Server) ShutdownExtensions(ctx context.Context) {
	for i := len(s.extensions) - 1; i >= 0; i-- {
		ext := s.extensions[i]
		if err := ext.Shutdown(ctx); err != nil {
			logger.Error("extension shutdown failed", logger.Err(err), "extension", ext.Name())
		}
	}
	s.extensions = nil
}
