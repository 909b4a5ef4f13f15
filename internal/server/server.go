// Package server exposes the devrelay device transport and management API
// over HTTP(S). It wires the registry, relay router, command correlator,
// batch orchestrator, access gate, and ingest dispatcher into one process.
package server

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/koltyakov/devrelay/internal/batch"
	"github.com/koltyakov/devrelay/internal/command"
	"github.com/koltyakov/devrelay/internal/config"
	"github.com/koltyakov/devrelay/internal/events"
	"github.com/koltyakov/devrelay/internal/gate"
	"github.com/koltyakov/devrelay/internal/ingest"
	"github.com/koltyakov/devrelay/internal/registry"
	"github.com/koltyakov/devrelay/internal/relay"
	"github.com/koltyakov/devrelay/internal/store/sqlite"
)

// Server owns every relay component for the lifetime of the process.
type Server struct {
	cfg     config.ServerConfig
	store   *sqlite.Store
	log     *slog.Logger
	version string

	registry   *registry.Registry
	modes      *relay.ModeCache
	router     *relay.Router
	dispatcher *ingest.Dispatcher
	correlator *command.Correlator
	batches    *batch.Orchestrator
	gate       *gate.Gate
	bus        *events.Bus

	connLimiter *rateLimiter
	conns       sync.WaitGroup
	startedAt   time.Time
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// New builds a server over store. Nothing runs until [Server.Run].
func New(cfg config.ServerConfig, store *sqlite.Store, logger *slog.Logger, version string) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:         cfg,
		store:       store,
		log:         logger,
		version:     version,
		registry:    registry.New(),
		modes:       relay.NewModeCache(store),
		connLimiter: newRateLimiter(),
		startedAt:   time.Now(),
	}

	dataSinks := []ingest.DataSink{store}
	if cfg.AlertWebhookURL != "" {
		dataSinks = append(dataSinks, ingest.NewWebhookSink(cfg.AlertWebhookURL, nil))
	}
	s.dispatcher = ingest.NewDispatcher(ingest.Options{
		QueueSize:   cfg.IngestQueueSize,
		Workers:     cfg.IngestWorkers,
		DataSinks:   dataSinks,
		ResultSinks: []ingest.ResultSink{store},
		Logger:      logger.With("component", "ingest"),
	})
	s.router = relay.NewRouter(s.registry, s.modes, s.dispatcher, logger.With("component", "relay"))
	s.correlator = command.New(s.registry, s.modes, command.Options{
		DefaultTimeout: cfg.DefaultCommandTimeout,
		MaxTimeout:     cfg.MaxCommandTimeout,
		Results:        s.dispatcher,
		Logger:         logger.With("component", "command"),
	})
	s.batches = batch.NewOrchestrator(s.correlator, logger.With("component", "batch"))
	s.gate = gate.New(store, s.registry, logger.With("component", "gate"))
	return s
}

// Handler returns the HTTP routes of the relay.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/endpoints/{endpoint}/connect", s.handleConnect)

	mux.HandleFunc("POST /v1/endpoints/{endpoint}/devices/{device}/commands", s.requireAPIKey(s.handleIssueCommand))
	mux.HandleFunc("GET /v1/endpoints/{endpoint}/devices/{device}/events", s.requireAPIKey(s.handleRecentEvents))
	mux.HandleFunc("GET /v1/commands/{id}", s.requireAPIKey(s.handleGetCommand))
	mux.HandleFunc("POST /v1/batches", s.requireAPIKey(s.handleSendBatch))
	mux.HandleFunc("GET /v1/batches/{id}", s.requireAPIKey(s.handleGetBatch))
	mux.HandleFunc("GET /v1/endpoints/{endpoint}/online", s.requireAPIKey(s.handleListOnline))
	mux.HandleFunc("PUT /v1/endpoints/{endpoint}/mode", s.requireAPIKey(s.handleSetMode))

	mux.HandleFunc("POST /v1/admin/users/{user}/ban", s.requireAPIKey(s.handleBanUser))
	mux.HandleFunc("POST /v1/admin/users/{user}/unban", s.requireAPIKey(s.handleUnbanUser))
	mux.HandleFunc("POST /v1/admin/endpoints/{endpoint}/disable", s.requireAPIKey(s.handleDisableEndpoint))
	mux.HandleFunc("POST /v1/admin/endpoints/{endpoint}/enable", s.requireAPIKey(s.handleEnableEndpoint))

	mux.HandleFunc("GET /v1/stats", s.requireAPIKey(s.handleStats))
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	return mux
}
