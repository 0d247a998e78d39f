// Package api provides HTTP handlers and the main API server logic for QuoteFlow.
//
// It exposes RESTful endpoints for serving flow definitions, recording form
// submissions, rebuilding sessions from the durable store, and relaying
// session sync events between instances. The API integrates with the flowdef,
// session, rebuild, store, and syncbus modules.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/quoteflowhq/QuoteFlow/internal/flowdef"
	"github.com/quoteflowhq/QuoteFlow/internal/rebuild"
	"github.com/quoteflowhq/QuoteFlow/internal/session"
	"github.com/quoteflowhq/QuoteFlow/internal/store"
	"github.com/quoteflowhq/QuoteFlow/internal/syncbus"
)

// Server configuration constants
const (
	// DefaultAPIAddr is the default address the API server listens on.
	DefaultAPIAddr = ":8080"
	// DefaultReadHeaderTimeout bounds header reads on incoming connections.
	DefaultReadHeaderTimeout = 10 * time.Second
)

// Opts holds configuration options for the API server.
type Opts struct {
	Addr      string
	FlowDir   string
	StateDir  string
	SyncRelay string
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr overrides the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) {
		o.Addr = addr
	}
}

// WithFlowDir sets the directory flow definition files are served from.
func WithFlowDir(dir string) Option {
	return func(o *Opts) {
		o.FlowDir = dir
	}
}

// WithStateDir sets the directory the session cache lives in.
func WithStateDir(dir string) Option {
	return func(o *Opts) {
		o.StateDir = dir
	}
}

// WithSyncRelay sets the websocket URL of a sync relay hub on another
// instance. When unset, the instance joins an in-process broker instead.
func WithSyncRelay(url string) Option {
	return func(o *Opts) {
		o.SyncRelay = url
	}
}

// Server wires the QuoteFlow modules behind HTTP endpoints.
type Server struct {
	flowDir   string
	store     store.Store
	manager   *session.Manager
	rebuilder *rebuild.Rebuilder
	loader    *flowdef.Loader
	hub       *syncbus.Hub
	bus       *syncbus.Bus
}

// NewServer assembles a Server from its collaborating modules.
func NewServer(flowDir string, st store.Store, manager *session.Manager, loader *flowdef.Loader) *Server {
	return &Server{
		flowDir:   flowDir,
		store:     st,
		manager:   manager,
		rebuilder: rebuild.NewRebuilder(st),
		loader:    loader,
		hub:       syncbus.NewHub(),
	}
}

// Handler returns the routed HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/form-flows/", s.flowHandler)
	mux.HandleFunc("/submissions", s.submissionsHandler)
	mux.HandleFunc("/sessions", s.sessionsHandler)
	mux.HandleFunc("/sessions/", s.sessionHandler)
	mux.HandleFunc("/rebuild", s.rebuildHandler)
	mux.Handle("/sync", s.hub)
	return mux
}

// Run builds the configured modules and serves the API until the listener
// fails. It is the composition root used by the QuoteFlow binary.
func Run(storeOpts []store.Option, apiOpts []Option) error {
	var cfg Opts
	for _, opt := range apiOpts {
		opt(&cfg)
	}
	if cfg.Addr == "" {
		cfg.Addr = DefaultAPIAddr
	}
	slog.Debug("API server configuration", "addr", cfg.Addr, "flow_dir", cfg.FlowDir, "state_dir", cfg.StateDir)

	st, err := buildStore(storeOpts)
	if err != nil {
		slog.Error("Failed to initialize store", "error", err)
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	defer st.Close()

	manager, err := session.NewManager(session.WithDir(cfg.StateDir))
	if err != nil {
		slog.Error("Failed to initialize session manager", "error", err)
		return fmt.Errorf("failed to initialize session manager: %w", err)
	}
	cleanup, err := manager.Load("")
	if err != nil {
		slog.Error("Failed to load session cache", "error", err)
		return fmt.Errorf("failed to load session cache: %w", err)
	}
	for _, warning := range cleanup.Warnings {
		slog.Warn("Session cache warning", "warning", warning)
	}
	defer func() {
		if err := manager.Flush(); err != nil {
			slog.Error("Failed to flush session cache on shutdown", "error", err)
		}
	}()

	// Flows are served by this same process, so the loader points at our own
	// listen address.
	loader, err := flowdef.NewLoader(
		flowdef.WithBaseURL("http://"+listenHost(cfg.Addr)),
		flowdef.WithCache(flowdef.NewCache(flowdef.DefaultCacheTTL)),
	)
	if err != nil {
		slog.Error("Failed to initialize flow loader", "error", err)
		return fmt.Errorf("failed to initialize flow loader: %w", err)
	}

	server := NewServer(cfg.FlowDir, st, manager, loader)

	// Connect this instance's session manager to the sync bus: through a
	// relay hub on another instance when configured, otherwise through the
	// in-process broker.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var channel syncbus.Channel
	if cfg.SyncRelay != "" {
		channel, err = syncbus.DialWebsocket(ctx, cfg.SyncRelay)
		if err != nil {
			slog.Error("Failed to connect to sync relay", "error", err, "url", cfg.SyncRelay)
			return fmt.Errorf("failed to connect to sync relay: %w", err)
		}
	} else {
		channel = syncbus.NewBroker().Subscribe("sessions")
	}
	defer channel.Close()
	server.bus = syncbus.NewBus(channel, syncbus.NewSessionSyncHandler(manager))
	server.bus.Start(ctx)

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: DefaultReadHeaderTimeout,
	}
	slog.Info("QuoteFlow API running", "addr", cfg.Addr)
	return httpServer.ListenAndServe()
}

// buildStore selects a storage backend from the options: Postgres when the
// DSN looks like a connection URL, SQLite for a file path, in-memory when no
// DSN is configured.
func buildStore(storeOpts []store.Option) (store.Store, error) {
	var cfg store.Opts
	for _, opt := range storeOpts {
		opt(&cfg)
	}
	switch {
	case cfg.DSN == "":
		slog.Info("No database DSN configured, using in-memory store")
		return store.NewInMemoryStore(), nil
	case isPostgresDSN(cfg.DSN):
		slog.Info("Using Postgres store")
		return store.NewPostgresStore(storeOpts...)
	default:
		slog.Info("Using SQLite store")
		return store.NewSQLiteStore(storeOpts...)
	}
}

func isPostgresDSN(dsn string) bool {
	return strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")
}

// listenHost normalizes a listen address like ":8080" into a dialable host.
func listenHost(addr string) string {
	if addr != "" && addr[0] == ':' {
		return "127.0.0.1" + addr
	}
	return addr
}
