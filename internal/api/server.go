// Package api exposes the exchange pipeline over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"PromptLoom/internal/backend"
	"PromptLoom/internal/exchange"
	"PromptLoom/internal/store"
	"PromptLoom/internal/template"
)

// PromptRequest is the body of POST /prompt and of each websocket frame.
// Exactly one of TemplateName or Prompt must be set.
type PromptRequest struct {
	ConversationID string            `json:"conversation_id,omitempty"`
	TemplateName   string            `json:"template_name,omitempty"`
	Variables      map[string]string `json:"variables,omitempty"`
	Prompt         string            `json:"prompt,omitempty"`
}

// PromptResponse is returned on a successful exchange.
type PromptResponse struct {
	ConversationID string `json:"conversation_id"`
	Completion     string `json:"completion"`
}

// ErrorResponse carries the error kind and message for failed requests.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// Server serves the prompt API. It is a thin layer: all exchange semantics
// live in the coordinator.
type Server struct {
	coordinator *exchange.Coordinator
	registry    *template.Registry
	logger      *slog.Logger
}

func NewServer(coordinator *exchange.Coordinator, registry *template.Registry, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		coordinator: coordinator,
		registry:    registry,
		logger:      logger,
	}
}

// Handler returns the API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /prompt", s.handlePrompt)
	mux.HandleFunc("GET /conversations/{id}", s.handleGetConversation)
	mux.HandleFunc("GET /templates", s.handleListTemplates)
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	return mux
}

func (s *Server) handlePrompt(w http.ResponseWriter, r *http.Request) {
	var req PromptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}

	res, err := s.coordinator.Execute(r.Context(), req.ConversationID, exchange.Request{
		Template:  req.TemplateName,
		Variables: req.Variables,
		RawPrompt: req.Prompt,
	})
	if err != nil {
		s.logger.Error("prompt request failed", "error", err)
		status, kind := classify(err)
		writeError(w, status, kind, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, PromptResponse{
		ConversationID: res.ConversationID,
		Completion:     res.Completion,
	})
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "missing conversation id")
		return
	}

	conv, err := s.coordinator.History(r.Context(), id)
	if err != nil {
		status, kind := classify(err)
		writeError(w, status, kind, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, conv)
}

func (s *Server) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{
		"templates": s.registry.Names(),
	})
}

// classify maps the error taxonomy onto HTTP status codes and stable kind
// strings for clients.
func classify(err error) (int, string) {
	var missing *template.MissingVariableError
	var statusErr *backend.StatusError

	switch {
	case errors.Is(err, template.ErrNotFound):
		return http.StatusNotFound, "template_not_found"
	case errors.As(err, &missing):
		return http.StatusBadRequest, "missing_variable"
	case errors.Is(err, exchange.ErrInvalidRequest):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, backend.ErrTimeout):
		return http.StatusGatewayTimeout, "backend_timeout"
	case errors.Is(err, backend.ErrUnavailable):
		return http.StatusBadGateway, "backend_unavailable"
	case errors.As(err, &statusErr):
		return http.StatusBadGateway, "backend_error"
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "conversation_not_found"
	case errors.Is(err, store.ErrUnavailable):
		return http.StatusInternalServerError, "store_unavailable"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, kind, message string) {
	writeJSON(w, status, ErrorResponse{Error: message, Kind: kind})
}
