package api

import (
	"net/http"
	"time"

	"github.com/oriys/tether/internal/api/controlplane"
	"github.com/oriys/tether/internal/api/dataplane"
	"github.com/oriys/tether/internal/logging"
	"github.com/oriys/tether/internal/observability"
)

// ServerConfig contains dependencies for the HTTP server.
type ServerConfig struct {
	Sync      controlplane.Syncer
	DB        controlplane.Pinger
	Schedule  controlplane.Scheduler
	Tables    dataplane.Mutator
	Databases []string // ids reported by /health
}

// NewHandler builds the routed, traced handler.
func NewHandler(cfg ServerConfig) http.Handler {
	mux := http.NewServeMux()

	cpHandler := &controlplane.Handler{
		Sync:      cfg.Sync,
		DB:        cfg.DB,
		Schedule:  cfg.Schedule,
		Databases: cfg.Databases,
	}
	cpHandler.RegisterRoutes(mux)

	dpHandler := &dataplane.Handler{
		Tables: cfg.Tables,
	}
	dpHandler.RegisterRoutes(mux)

	return observability.HTTPMiddleware(mux)
}

// NewServer creates the HTTP server without starting it.
func NewServer(addr string, cfg ServerConfig) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           NewHandler(cfg),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// StartHTTPServer creates and starts the HTTP server in the background.
func StartHTTPServer(addr string, cfg ServerConfig) *http.Server {
	server := NewServer(addr, cfg)

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Op().Error("HTTP server error", "error", err)
		}
	}()

	return server
}
