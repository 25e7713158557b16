// Package server wires the hub, session, broadcaster and command handler into
// one HTTP surface: the game websocket plus health, stats and agent process
// routes.
package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"simbridge/broadcast"
	"simbridge/domain"
	"simbridge/hub"
	"simbridge/process"
	"simbridge/protocol"
	"simbridge/session"
	ws "simbridge/websocket"
)

// AgentProcess is the supervised agent as seen by the HTTP routes.
type AgentProcess interface {
	Start() error
	Stop() error
	Running() bool
}

type Server struct {
	hub         *hub.Hub
	session     *session.Session
	broadcaster *broadcast.Broadcaster
	handler     *protocol.Handler
	agent       AgentProcess
	upgrader    websocket.Upgrader
}

// New builds the server around env. agent may be nil when control is not
// tied to a supervised process.
func New(env domain.Environment, ctrl domain.ControlSource, agent AgentProcess, cfg broadcast.Config) *Server {
	h := hub.New()
	sess := session.New(env)
	b := broadcast.New(sess, h, ctrl, cfg)

	return &Server{
		hub:         h,
		session:     sess,
		broadcaster: b,
		handler:     protocol.NewHandler(h, sess, b, ctrl),
		agent:       agent,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Session exposes the environment host, e.g. for the initial reset.
func (s *Server) Session() *session.Session {
	return s.session
}

func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/ws/game", s.GameSocket)
	r.Get("/health", s.Health)
	r.Get("/stats", s.Stats)

	r.Route("/api/agent", func(r chi.Router) {
		r.Get("/status", s.AgentStatus)
		r.Post("/start", s.StartAgent)
		r.Post("/stop", s.StopAgent)
	})

	return r
}

// Shutdown stops the frame loop and any supervised agent.
func (s *Server) Shutdown() {
	s.broadcaster.Stop()
	if s.agent == nil {
		return
	}
	if err := s.agent.Stop(); err != nil && !errors.Is(err, process.ErrNotRunning) {
		slog.Error("stop agent", "error", err)
	}
}

func (s *Server) GameSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("upgrade error", "error", err, "request_id", middleware.GetReqID(r.Context()))
		return
	}
	ws.NewConn(uuid.New().String(), conn, s.hub, s.handler).Start()
}

func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":                  "ok",
		"environment_initialized": s.session != nil,
		"connected_clients":       s.hub.Count(),
	})
}

func (s *Server) Stats(w http.ResponseWriter, r *http.Request) {
	operators, agents := s.hub.Stats()
	respondJSON(w, http.StatusOK, map[string]int{
		"clients":   operators + agents,
		"operators": operators,
		"agents":    agents,
	})
}

type agentResponse struct {
	Running bool   `json:"running"`
	Message string `json:"message,omitempty"`
}

func (s *Server) AgentStatus(w http.ResponseWriter, r *http.Request) {
	if s.agent == nil {
		respondJSON(w, http.StatusOK, agentResponse{Message: "agent process not supervised"})
		return
	}
	respondJSON(w, http.StatusOK, agentResponse{Running: s.agent.Running()})
}

func (s *Server) StartAgent(w http.ResponseWriter, r *http.Request) {
	if s.agent == nil {
		respondJSON(w, http.StatusConflict, agentResponse{Message: "agent process not supervised"})
		return
	}
	err := s.agent.Start()
	switch {
	case errors.Is(err, process.ErrAlreadyRunning):
		respondJSON(w, http.StatusOK, agentResponse{Running: true, Message: "Agent already running"})
	case err != nil:
		slog.Error("start agent", "error", err, "request_id", middleware.GetReqID(r.Context()))
		respondJSON(w, http.StatusInternalServerError, agentResponse{Message: err.Error()})
	default:
		respondJSON(w, http.StatusOK, agentResponse{Running: true, Message: "Agent started"})
	}
}

func (s *Server) StopAgent(w http.ResponseWriter, r *http.Request) {
	if s.agent == nil {
		respondJSON(w, http.StatusConflict, agentResponse{Message: "agent process not supervised"})
		return
	}
	err := s.agent.Stop()
	switch {
	case errors.Is(err, process.ErrNotRunning):
		respondJSON(w, http.StatusOK, agentResponse{Message: "Agent not running"})
	case err != nil:
		slog.Error("stop agent", "error", err, "request_id", middleware.GetReqID(r.Context()))
		respondJSON(w, http.StatusInternalServerError, agentResponse{Message: err.Error()})
	default:
		respondJSON(w, http.StatusOK, agentResponse{Message: "Agent stopped"})
	}
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
