package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/wricardo/mtls-chat/chat/service"
	"github.com/wricardo/mtls-chat/transport/websocket"
)

// Server represents the admin REST API server
type Server struct {
	service service.ChatService
	hub     *websocket.Hub
	router  *mux.Router
}

// NewServer creates a new API server. hub may be nil, in which case /ws
// is not served.
func NewServer(chatService service.ChatService, hub *websocket.Hub) *Server {
	s := &Server{
		service: chatService,
		hub:     hub,
		router:  mux.NewRouter(),
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api").Subrouter()

	// Members
	api.HandleFunc("/users", s.handleListUsers).Methods("GET")
	api.HandleFunc("/users/{name}", s.handleGetUser).Methods("GET")
	api.HandleFunc("/users/{name}", s.handleKickUser).Methods("DELETE")

	// Messaging
	api.HandleFunc("/announce", s.handleAnnounce).Methods("POST")

	// Monitoring
	api.HandleFunc("/stats", s.handleStats).Methods("GET")
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")

	// WebSocket feed
	s.router.HandleFunc("/ws", s.handleWebSocket)
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Response helpers
func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// statusFor maps service errors onto HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrUserNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrEmptyMessage), errors.Is(err, service.ErrTextTooLong):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// Member Handlers

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.service.ListUsers(r.Context())
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}

	total := len(users)
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l < len(users) {
			users = users[:l]
		}
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"count": len(users),
		"total": total,
		"users": users,
	})
}

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	user, err := s.service.GetUser(r.Context(), name)
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}

	respondJSON(w, http.StatusOK, user)
}

func (s *Server) handleKickUser(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	reason := r.URL.Query().Get("reason")
	if reason == "" && r.Body != nil {
		var req struct {
			Reason string `json:"reason"`
		}
		// The body is optional
		json.NewDecoder(r.Body).Decode(&req)
		reason = req.Reason
	}

	if err := s.service.KickUser(r.Context(), name, reason); err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{
		"message": fmt.Sprintf("User %s disconnected", name),
	})
}

// Messaging Handlers

func (s *Server) handleAnnounce(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text string `json:"text"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	result, err := s.service.Announce(r.Context(), req.Text)
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}

	respondJSON(w, http.StatusOK, result)
}

// Monitoring Handlers

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.service.GetStats(r.Context())
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}

	if s.hub != nil {
		respondJSON(w, http.StatusOK, map[string]interface{}{
			"chat": stats,
			"feed": map[string]interface{}{
				"subscribers": s.hub.Subscribers(),
				"dropped":     s.hub.Dropped(),
			},
		})
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"chat": stats,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
	})
}

// WebSocket Handler

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		http.Error(w, "live feed disabled", http.StatusNotFound)
		return
	}

	if user := r.URL.Query().Get("user"); strings.TrimSpace(user) != user {
		http.Error(w, "invalid user parameter", http.StatusBadRequest)
		return
	}

	s.hub.ServeWS(w, r)
}
