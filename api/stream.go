// Package api exposes workflow runs over HTTP: a websocket endpoint that
// starts a run and streams its events, plus health, metrics, and run-listing
// routes.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/BaSui01/workdeck/workflow"
)

// EngineFactory builds a fresh single-use engine for each run.
type EngineFactory func() *workflow.Engine

// RunLister lists persisted runs. Optional; without it /v1/runs returns 404.
type RunLister interface {
	ListRuns(ctx context.Context, limit int) ([]RunSummary, error)
}

// RunSummary mirrors the store's listing projection.
type RunSummary struct {
	ID         string          `json:"id"`
	Status     workflow.Status `json:"status"`
	Goal       string          `json:"goal"`
	StartedAt  time.Time       `json:"started_at"`
	DurationMs int64           `json:"duration_ms"`
}

// Server serves the workflow API.
type Server struct {
	factory EngineFactory
	lister  RunLister
	logger  *zap.Logger
}

// NewServer creates a Server. lister may be nil.
func NewServer(factory EngineFactory, lister RunLister, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		factory: factory,
		lister:  lister,
		logger:  logger.With(zap.String("component", "api")),
	}
}

// Routes returns the API mux.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /v1/runs", s.handleListRuns)
	mux.HandleFunc("/v1/workflows/stream", s.handleStream)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if s.lister == nil {
		http.NotFound(w, r)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	runs, err := s.lister.ListRuns(r.Context(), limit)
	if err != nil {
		s.logger.Error("list runs failed", zap.Error(err))
		http.Error(w, "list runs failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(runs)
}

// clientFrame is a control message from the websocket client.
type clientFrame struct {
	Type string `json:"type"` // "cancel"
}

// handleStream upgrades to a websocket, reads one workflow.Request frame,
// starts a run, and forwards every event as a JSON frame. A {"type":"cancel"}
// frame from the client, or the socket closing, cancels the run.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket accept failed", zap.Error(err))
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()

	var req workflow.Request
	if err := wsjson.Read(ctx, conn, &req); err != nil {
		conn.Close(websocket.StatusInvalidFramePayloadData, "expected a run request frame")
		return
	}

	engine := s.factory()
	events, err := engine.Run(ctx, req)
	if err != nil {
		s.logger.Error("run start failed", zap.Error(err))
		conn.Close(websocket.StatusInternalError, "run start failed")
		return
	}

	// Control reader: cancel frames and client disconnects both stop the run.
	go func() {
		for {
			var frame clientFrame
			if err := wsjson.Read(ctx, conn, &frame); err != nil {
				engine.Cancel()
				return
			}
			if frame.Type == "cancel" {
				engine.Cancel()
			}
		}
	}()

	for ev := range events {
		writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := wsjson.Write(writeCtx, conn, ev)
		cancel()
		if err != nil {
			// Client gone; drain so the run finishes and persists.
			engine.Cancel()
			for range events {
			}
			return
		}
	}

	conn.Close(websocket.StatusNormalClosure, "run complete")
}
