package main

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"i4.energy/across/atmodem/pdu"
)

// Queue accepts send requests.
type Queue interface {
	Enqueue(r Request) (string, error)
	Send(ctx context.Context, r Request) ([]string, error)
}

// Store gives access to the messages held by the modem.
type Store interface {
	ListMessages(ctx context.Context) ([]*pdu.Message, error)
	RemoveMessage(ctx context.Context, index int) error
}

// Server handles incoming HTTP requests for interacting with the
// configured modem instance
type Server struct {
	Logger *slog.Logger
	Queue  Queue
	Store  Store
	// Token, when set, must be presented as "Authorization: Bearer <token>".
	Token string
}

// ServeHTTP implements the http.Handler interface for the Server struct
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("POST /sms", s.authorized(s.handleSMS))
	mux.HandleFunc("GET /messages", s.authorized(s.handleListMessages))
	mux.HandleFunc("DELETE /messages/{index}", s.authorized(s.handleDeleteMessage))
	mux.ServeHTTP(w, r)
}

func (s *Server) authorized(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.Token != "" {
			token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.Token)) != 1 {
				s.sendError(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}
		next(w, r)
	}
}

func (s *Server) sendError(w http.ResponseWriter, message string, statusCode int) {
	if message == "" {
		w.WriteHeader(statusCode)
		return
	}

	type ErrorResponse struct {
		Message string `json:"message"`
	}
	s.sendJSON(w, ErrorResponse{Message: message}, statusCode)
}

func (s *Server) sendJSON(w http.ResponseWriter, v any, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.Logger.Warn("Failed to write response", "error", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleSMS queues a message. With ?wait=true it only answers once the
// message was sent, returning its references.
func (s *Server) handleSMS(w http.ResponseWriter, r *http.Request) {
	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := req.validate(); err != nil {
		s.sendError(w, err.Error(), http.StatusBadRequest)
		return
	}

	type SMSResponse struct {
		Status     string   `json:"status"`
		ID         string   `json:"id,omitempty"`
		References []string `json:"references,omitempty"`
	}

	if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); wait {
		ids, err := s.Queue.Send(r.Context(), req)
		if err != nil {
			s.Logger.Error("Failed to send SMS", "error", err, "to", req.To)
			s.sendError(w, err.Error(), http.StatusBadGateway)
			return
		}
		s.Logger.Info("SMS sent successfully", "to", req.To, "message_length", len(req.Message))
		s.sendJSON(w, SMSResponse{Status: "sent", ID: req.ID, References: ids}, http.StatusOK)
		return
	}

	id, err := s.Queue.Enqueue(req)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, ErrQueueFull) {
			status = http.StatusServiceUnavailable
		}
		s.sendError(w, err.Error(), status)
		return
	}
	s.Logger.Info("SMS queued", "id", id, "to", req.To, "message_length", len(req.Message))
	s.sendJSON(w, SMSResponse{Status: "queued", ID: id}, http.StatusAccepted)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	messages, err := s.Store.ListMessages(r.Context())
	if err != nil {
		s.Logger.Error("Failed to list messages", "error", err)
		s.sendError(w, err.Error(), http.StatusBadGateway)
		return
	}
	if messages == nil {
		messages = []*pdu.Message{}
	}
	s.sendJSON(w, messages, http.StatusOK)
}

func (s *Server) handleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(r.PathValue("index"))
	if err != nil || index < 0 {
		s.sendError(w, "invalid message index", http.StatusBadRequest)
		return
	}
	if err := s.Store.RemoveMessage(r.Context(), index); err != nil {
		s.Logger.Error("Failed to delete message", "error", err, "index", index)
		s.sendError(w, err.Error(), http.StatusBadGateway)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
