// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package server exposes the agent boundary over local HTTP.
//
// Endpoints:
//   - POST /api/chat            - Stream a chat completion as SSE
//   - POST /api/chatkit/session - Mint an ephemeral client secret
//   - GET  /health              - Health check
//
// The chat endpoint relays the upstream event stream byte-for-byte, so the
// client-side decoder sees exactly what the provider emitted, including the
// terminating [DONE] sentinel.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/morganforge/agentchat/internal/agent"
	"github.com/morganforge/agentchat/internal/config"
)

// =============================================================================
// CONSTANTS
// =============================================================================

const (
	// MaxRequestBodySize caps inbound request bodies (1MB).
	MaxRequestBodySize = 1 * 1024 * 1024

	// MaxMessageCount caps the number of messages in one chat request.
	MaxMessageCount = 200

	// Version is the server version.
	Version = "0.1.0"
)

// validRoles is the set of acceptable message roles in a chat request.
var validRoles = map[string]bool{
	"user":      true,
	"assistant": true,
	"system":    true,
}

// =============================================================================
// SERVER
// =============================================================================

// Server relays chat requests to the configured agent boundary.
type Server struct {
	port   int
	agent  *agent.Client
	router *http.ServeMux
	server *http.Server

	rateLimitRPS   float64
	rateLimitBurst int
}

// NewServer creates a server from the app configuration.
func NewServer(cfg *config.Config) *Server {
	s := &Server{
		port:           cfg.Server.Port,
		agent:          agent.NewClient(cfg.Agent),
		router:         http.NewServeMux(),
		rateLimitRPS:   cfg.Server.RateLimitRPS,
		rateLimitBurst: cfg.Server.RateLimitBurst,
	}
	s.setupRoutes()
	return s
}

// WithAgentClient sets a custom boundary client.
func (s *Server) WithAgentClient(client *agent.Client) *Server {
	s.agent = client
	return s
}

// Port returns the server port.
func (s *Server) Port() int {
	return s.port
}

// Handler returns the routed handler without the middleware chain, for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() {
	s.router.HandleFunc("POST /api/chat", s.handleChat)
	s.router.HandleFunc("POST /api/chatkit/session", s.handleChatKitSession)
	s.router.HandleFunc("GET /health", s.handleHealth)
}

// =============================================================================
// REQUEST TYPES
// =============================================================================

// ChatRequest is the inbound chat request body. Unknown fields are ignored
// so OpenAI-shaped clients can point at this endpoint unchanged.
type ChatRequest struct {
	Messages []agent.ChatMessage `json:"messages"`
}

// SessionRequest asks for an ephemeral client secret for a device or user.
type SessionRequest struct {
	User     string `json:"user"`
	DeviceID string `json:"deviceId"`
}

// SessionResponse carries the minted secret.
type SessionResponse struct {
	ClientSecret string `json:"client_secret"`
}

// =============================================================================
// CHAT HANDLER
// =============================================================================

// handleChat handles POST /api/chat.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, MaxRequestBodySize)

	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Printf("SERVER: invalid chat request body: %v", err)
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Messages) == 0 {
		s.writeError(w, http.StatusBadRequest, "messages must not be empty")
		return
	}
	if len(req.Messages) > MaxMessageCount {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("too many messages: maximum is %d", MaxMessageCount))
		return
	}
	for i, msg := range req.Messages {
		if !validRoles[msg.Role] {
			s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid role %q at message %d", msg.Role, i))
			return
		}
	}

	body, err := s.agent.StreamChat(r.Context(), req.Messages)
	if err != nil {
		status := http.StatusBadGateway
		var apiErr *agent.APIError
		if errors.As(err, &apiErr) && apiErr.Status >= 400 && apiErr.Status < 500 {
			status = apiErr.Status
		}
		log.Printf("SERVER: upstream chat request failed: %v", err)
		s.writeError(w, status, err.Error())
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	// Byte-for-byte relay. Flush per read so deltas reach the client as
	// they arrive rather than on buffer boundaries.
	buf := make([]byte, 4096)
	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			if _, writeErr := w.Write(buf[:n]); writeErr != nil {
				// Client went away; the deferred close tears down upstream.
				return
			}
			flusher.Flush()
		}
		if readErr == io.EOF {
			return
		}
		if readErr != nil {
			log.Printf("SERVER: upstream stream read failed: %v", readErr)
			return
		}
	}
}

// =============================================================================
// CHATKIT SESSION HANDLER
// =============================================================================

// handleChatKitSession handles POST /api/chatkit/session.
func (s *Server) handleChatKitSession(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, MaxRequestBodySize)

	var req SessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		log.Printf("SERVER: invalid session request body: %v", err)
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	user := req.User
	if user == "" {
		user = req.DeviceID
	}

	secret, err := s.agent.MintSession(r.Context(), user)
	if err != nil {
		log.Printf("SERVER: session mint failed: %v", err)
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	s.writeJSON(w, http.StatusOK, SessionResponse{ClientSecret: secret})
}

// =============================================================================
// HEALTH HANDLER
// =============================================================================

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

// handleHealth handles GET /health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", Version: Version})
}

// =============================================================================
// SERVER LIFECYCLE
// =============================================================================

// Start starts the HTTP server and blocks until it exits.
func (s *Server) Start() error {
	addr := fmt.Sprintf("127.0.0.1:%d", s.port)

	handler := Chain(
		RecoveryMiddleware(),
		LoggingMiddleware(log.Default()),
		RateLimitMiddleware(NewRateLimiter(s.rateLimitRPS, s.rateLimitBurst)),
	)(s.router)

	s.server = &http.Server{
		Addr:        addr,
		Handler:     handler,
		ReadTimeout: 30 * time.Second,
		// No write timeout: completions stream for as long as the model
		// keeps generating.
		IdleTimeout: 120 * time.Second,
	}

	log.Printf("SERVER: listening on %s version=%s", addr, Version)
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	log.Printf("SERVER: shutting down")
	return s.server.Shutdown(ctx)
}

// =============================================================================
// HELPERS
// =============================================================================

// writeJSON writes a JSON response.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes the boundary's error shape: a flat {"error": string}.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
