// Package ingest is the network surface of the recovery engine: a
// websocket channel where robots submit automation failures, and an HTTP
// API where operators retrieve records, traces, outcomes, and exports.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/remedyhq/remedy/internal/observability"
	"github.com/remedyhq/remedy/internal/storage"
	"github.com/remedyhq/remedy/pkg/agent"
	"github.com/remedyhq/remedy/pkg/trace"
)

const (
	writeTimeout   = 10 * time.Second
	pongTimeout    = 90 * time.Second
	defaultPingGap = 30 * time.Second
)

// Server owns the ingestion websocket and the retrieval API.
type Server struct {
	addr         string
	pingInterval time.Duration
	server       *http.Server
	upgrader     websocket.Upgrader
	store        Store
	runner       *agent.Runner
	recorder     *trace.Recorder
	artifacts    trace.ArtifactStore
	logger       zerolog.Logger

	baseCtx    context.Context
	baseCancel context.CancelFunc
	runs       sync.WaitGroup

	shutdownMu     sync.RWMutex
	isShuttingDown bool
}

// Config holds server configuration.
type Config struct {
	Addr         string
	PingInterval time.Duration
	Store        Store
	Runner       *agent.Runner
	Recorder     *trace.Recorder
	Artifacts    trace.ArtifactStore
	Logger       zerolog.Logger
}

// NewServer creates an ingestion server.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("listen address is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.Runner == nil {
		return nil, fmt.Errorf("agent runner is required")
	}
	if cfg.Recorder == nil {
		return nil, fmt.Errorf("trace recorder is required")
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingGap
	}

	baseCtx, baseCancel := context.WithCancel(context.Background())
	return &Server{
		addr:         cfg.Addr,
		pingInterval: cfg.PingInterval,
		store:        cfg.Store,
		runner:       cfg.Runner,
		recorder:     cfg.Recorder,
		artifacts:    cfg.Artifacts,
		logger:       cfg.Logger,
		baseCtx:      baseCtx,
		baseCancel:   baseCancel,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}, nil
}

// Handler builds the HTTP routing table. Exposed so tests can mount it on
// an httptest server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /recovery/exception/ws", s.handleWebSocket)
	mux.HandleFunc("GET /failures/{id}", s.handleGetFailure)
	mux.HandleFunc("GET /trees/{treeID}/trace", s.handleGetTrace)
	mux.HandleFunc("GET /trees/{treeID}/outcome", s.handleGetOutcome)
	mux.HandleFunc("GET /trees/{treeID}/report", s.handleGetReport)
	mux.HandleFunc("GET /trees/{treeID}/bundle", s.handleGetBundle)
	mux.Handle("GET /metrics", observability.MetricsHandler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	return mux
}

// Start starts the server. Non-blocking.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:    s.addr,
		Handler: s.Handler(),
	}

	s.logger.Info().Str("addr", s.addr).Msg("Starting ingestion server")

	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Ingestion server error")
		}
	}()
	return nil
}

// Stop cancels in-flight runs and shuts the server down. Cancelled runs
// still persist their terminal outcome before Stop returns.
func (s *Server) Stop() error {
	s.shutdownMu.Lock()
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	s.logger.Info().Msg("Shutting down ingestion server")
	s.baseCancel()

	done := make(chan struct{})
	go func() {
		s.runs.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		s.logger.Warn().Msg("Shutdown timeout reached, abandoning runs")
	}

	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	return nil
}

// conn wraps a websocket connection with a write lock; gorilla permits at
// most one concurrent writer.
type conn struct {
	mu sync.Mutex
	ws *websocket.Conn
}

func (c *conn) writeJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteJSON(v)
}

func (c *conn) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
}

// handleWebSocket authenticates the robot key, then accepts exception
// submissions for the lifetime of the connection. An invalid key is
// rejected before anything is persisted.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.shutdownMu.RLock()
	if s.isShuttingDown {
		s.shutdownMu.RUnlock()
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}
	s.shutdownMu.RUnlock()

	key := r.Header.Get(RobotKeyHeader)
	if key == "" {
		http.Error(w, "missing robot key", http.StatusUnauthorized)
		return
	}
	valid, err := s.store.IsRobotKeyValid(r.Context(), key)
	if err != nil {
		s.logger.Error().Err(err).Msg("Robot key lookup failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if !valid {
		s.logger.Warn().Str("ip", r.RemoteAddr).Msg("Rejected websocket with invalid robot key")
		http.Error(w, "invalid robot key", http.StatusUnauthorized)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}

	s.logger.Info().Str("ip", r.RemoteAddr).Msg("Robot connected")
	go s.serveConn(&conn{ws: ws})
}

func (s *Server) serveConn(c *conn) {
	defer func() {
		c.ws.Close()
		s.logger.Info().Msg("Robot disconnected")
	}()

	_ = c.ws.SetReadDeadline(time.Now().Add(pongTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongTimeout))
	})

	pingCtx, stopPings := context.WithCancel(s.baseCtx)
	defer stopPings()
	go func() {
		ticker := time.NewTicker(s.pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-pingCtx.Done():
				return
			case <-ticker.C:
				if err := c.ping(); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, message, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Error().Err(err).Msg("WebSocket error")
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongTimeout))
		s.handleSubmission(c, message)
	}
}

// handleSubmission persists the failure, acknowledges it with the tree
// identity, and starts the recovery run. The acknowledgement never waits
// for recovery to finish.
func (s *Server) handleSubmission(c *conn, message []byte) {
	var msg ExceptionMessage
	if err := json.Unmarshal(message, &msg); err != nil || msg.Type != "exception" {
		observability.RecordSubmission(false)
		s.sendError(c, "expected an exception message")
		return
	}
	if len(msg.Payload) == 0 || !json.Valid(msg.Payload) {
		observability.RecordSubmission(false)
		s.sendError(c, "exception payload must be a JSON object")
		return
	}

	record := storage.FailureRecord{
		ID:        uuid.NewString(),
		Payload:   msg.Payload,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.SaveFailure(s.baseCtx, record); err != nil {
		s.logger.Error().Err(err).Msg("Failed to persist failure record")
		s.sendError(c, "failed to persist failure")
		return
	}

	run, err := s.runner.Prepare(agent.FailureContext{ID: record.ID, Payload: record.Payload})
	if err != nil {
		s.logger.Error().Err(err).Str("failure_id", record.ID).Msg("Failed to prepare run")
		s.sendError(c, "failed to start recovery")
		return
	}

	observability.RecordSubmission(true)
	if err := c.writeJSON(AcceptedMessage{Type: "accepted", FailureID: record.ID, TreeID: run.TreeID}); err != nil {
		s.logger.Error().Err(err).Msg("Failed to send acknowledgement")
	}

	s.runs.Add(1)
	go func() {
		defer s.runs.Done()

		observability.RunStarted()
		started := time.Now()
		outcome := run.Execute(s.baseCtx)
		observability.RunFinished(string(outcome.Status), time.Since(started))
		done := DoneMessage{
			Type:    "done",
			TreeID:  outcome.TreeID,
			Status:  string(outcome.Status),
			Reason:  outcome.Reason,
			Summary: outcome.Summary,
		}
		// Best effort: the robot may be long gone by now.
		if err := c.writeJSON(done); err != nil {
			s.logger.Debug().Err(err).Str("tree_id", outcome.TreeID).Msg("Could not push terminal outcome")
		}
	}()
}

func (s *Server) sendError(c *conn, message string) {
	if err := c.writeJSON(ErrorMessage{Type: "error", Message: message}); err != nil {
		s.logger.Error().Err(err).Msg("Failed to send error message")
	}
}

func (s *Server) handleGetFailure(w http.ResponseWriter, r *http.Request) {
	record, err := s.store.GetFailure(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeLookupError(w, err)
		return
	}
	s.writeJSON(w, record)
}

func (s *Server) handleGetTrace(w http.ResponseWriter, r *http.Request) {
	entries, err := s.recorder.Tree(r.Context(), r.PathValue("treeID"))
	if err != nil {
		s.writeLookupError(w, err)
		return
	}
	if entries == nil {
		entries = []trace.Entry{}
	}
	s.writeJSON(w, entries)
}

// handleGetOutcome returns 404 while the tree is still running; the
// terminal outcome appears exactly once, when the run finishes.
func (s *Server) handleGetOutcome(w http.ResponseWriter, r *http.Request) {
	outcome, err := s.store.GetOutcome(r.Context(), r.PathValue("treeID"))
	if err != nil {
		s.writeLookupError(w, err)
		return
	}
	s.writeJSON(w, outcome)
}

func (s *Server) handleGetReport(w http.ResponseWriter, r *http.Request) {
	treeID := r.PathValue("treeID")
	entries, err := s.recorder.Tree(r.Context(), treeID)
	if err != nil {
		s.writeLookupError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	_, _ = fmt.Fprint(w, trace.RenderReport(treeID, entries))
}

func (s *Server) handleGetBundle(w http.ResponseWriter, r *http.Request) {
	if s.artifacts == nil {
		http.Error(w, "artifact export is not configured", http.StatusNotImplemented)
		return
	}
	treeID := r.PathValue("treeID")
	entries, err := s.recorder.Tree(r.Context(), treeID)
	if err != nil {
		s.writeLookupError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="ui_events_%s.zip"`, treeID))
	if err := trace.BundleUIEvents(w, entries, s.artifacts); err != nil {
		s.logger.Error().Err(err).Str("tree_id", treeID).Msg("Failed to write export bundle")
	}
}

func (s *Server) writeLookupError(w http.ResponseWriter, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	s.logger.Error().Err(err).Msg("Lookup failed")
	http.Error(w, "internal error", http.StatusInternalServerError)
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode response")
	}
}

// WebSocketURL converts an http(s) base URL to the ingestion endpoint.
// Convenience for clients and tests.
func WebSocketURL(base string) string {
	u := strings.Replace(base, "http", "ws", 1)
	return u + "/recovery/exception/ws"
}
