// Package approval bridges the agent's permission hook to remote
// viewers. The agent CLI posts a hook request to a local HTTP endpoint;
// the server holds the request open while viewers decide, then answers
// with an allow or deny decision.
package approval

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pairlink/pairlink/internal/protocol"
)

// RequestHandler forwards a pending permission request toward viewers.
type RequestHandler func(req protocol.PermissionRequest)

type hookPayload struct {
	ToolName    string   `json:"tool_name"`
	Description string   `json:"description"`
	Files       []string `json:"files"`
}

// Server is the local hook endpoint. One per host daemon.
type Server struct {
	listen  string
	timeout time.Duration
	server  *http.Server

	mu      sync.Mutex
	pending map[string]chan bool
	onReq   RequestHandler
}

func NewServer(listen string, timeout time.Duration) *Server {
	return &Server{
		listen:  listen,
		timeout: timeout,
		pending: make(map[string]chan bool),
	}
}

func (s *Server) SetRequestHandler(handler RequestHandler) {
	s.onReq = handler
}

func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/hooks/permission", s.handleHook)

	s.server = &http.Server{
		Addr:    s.listen,
		Handler: mux,
	}

	go func() {
		log.Printf("approval hook server listening on %s", s.listen)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("approval hook server error: %v", err)
		}
	}()

	return nil
}

func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "Failed to read body", http.StatusBadRequest)
		return
	}

	var payload hookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	requestID := uuid.New().String()
	decisionCh := make(chan bool, 1)
	s.mu.Lock()
	s.pending[requestID] = decisionCh
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.pending, requestID)
		s.mu.Unlock()
	}()

	if s.onReq != nil {
		s.onReq(protocol.PermissionRequest{
			RequestID:   requestID,
			Action:      payload.ToolName,
			Description: payload.Description,
			Files:       payload.Files,
		})
	}

	behavior := "deny"
	select {
	case approved := <-decisionCh:
		if approved {
			behavior = "allow"
		}
	case <-s.timeoutAfter():
		// No decision in time: deny rather than leave the agent hung.
		log.Printf("approval %s timed out, denying", requestID)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"behavior": behavior})
}

func (s *Server) timeoutAfter() <-chan time.Time {
	return time.After(s.timeout)
}

// DeliverDecision resolves a pending request. It reports whether the
// request was still waiting.
func (s *Server) DeliverDecision(requestID string, approved bool) bool {
	s.mu.Lock()
	ch, ok := s.pending[requestID]
	s.mu.Unlock()

	if !ok {
		return false
	}
	select {
	case ch <- approved:
		return true
	default:
		return false
	}
}

// PendingCount reports the number of requests awaiting a decision.
func (s *Server) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// HookURL returns the endpoint the agent CLI should be pointed at.
func (s *Server) HookURL() string {
	return fmt.Sprintf("http://%s/v1/hooks/permission", s.listen)
}
