// Package bridge runs the loopback HTTP endpoint worker subprocesses call
// back into: result reports, inter-worker messages and inbox reads. It is
// the orchestrator's authority for worker-originated events.
package bridge

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"strconv"
	"sync"

	"github.com/jaakkos/opencode-orchestrator/internal/bus"
	"github.com/jaakkos/opencode-orchestrator/internal/jobs"
	"github.com/jaakkos/opencode-orchestrator/internal/registry"
)

// maxBodyBytes caps request bodies; larger payloads get 413.
const maxBodyBytes = 1 << 20

// Server is the per-process bridge. One instance per orchestrator; started
// lazily on first spawn.
type Server struct {
	registry *registry.Registry
	jobs     *jobs.Registry
	bus      *bus.Bus
	logger   *log.Logger

	token string

	mu       sync.Mutex
	listener net.Listener
	srv      *http.Server
	url      string
}

// New builds an unstarted bridge. The bearer token is fixed at construction
// so it can be exported to children before the listener exists.
func New(reg *registry.Registry, jr *jobs.Registry, b *bus.Bus, logger *log.Logger) (*Server, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, err
	}
	return &Server{
		registry: reg,
		jobs:     jr,
		bus:      b,
		logger:   logger,
		token:    hex.EncodeToString(raw),
	}, nil
}

// Token returns the per-process bearer token.
func (s *Server) Token() string { return s.token }

// Start binds to a loopback port the OS assigns and begins serving. Calling
// Start on a running server is a no-op.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return nil
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return err
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/report", s.withAuth(s.handleReport))
	mux.HandleFunc("/v1/message", s.withAuth(s.handleMessage))
	mux.HandleFunc("/v1/inbox", s.withAuth(s.handleInbox))
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not_found")
	})

	s.listener = ln
	s.url = "http://" + ln.Addr().String()
	srv := &http.Server{Handler: mux}
	s.srv = srv

	// Serve on the local, not s.srv: Close clears the field under the lock
	// and the goroutine must not race against that.
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			if s.logger != nil {
				s.logger.Printf("Bridge: serve: %v", err)
			}
		}
	}()
	if s.logger != nil {
		s.logger.Printf("Bridge: listening on %s", s.url)
	}
	return nil
}

// URL returns the base URL, or "" before Start.
func (s *Server) URL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.url
}

// Close stops the listener.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv == nil {
		return nil
	}
	err := s.srv.Close()
	s.srv = nil
	s.listener = nil
	s.url = ""
	return err
}

// withAuth enforces the bearer token and the body size cap before the
// handler runs. Nothing in orchestrator state changes on a failed auth.
func (s *Server) withAuth(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+s.token {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		h(w, r)
	}
}

type reportRequest struct {
	OrchestratorInstanceID string         `json:"orchestratorInstanceId,omitempty"`
	WorkerID               string         `json:"workerId"`
	JobID                  string         `json:"jobId,omitempty"`
	Report                 map[string]any `json:"report,omitempty"`
	Final                  *string        `json:"final,omitempty"`
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed")
		return
	}
	var req reportRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.WorkerID == "" {
		writeError(w, http.StatusBadRequest, "missing_workerId")
		return
	}

	s.registry.RecordReport(req.WorkerID, req.Report)

	if req.JobID != "" {
		if req.Report != nil {
			s.jobs.AttachReport(req.JobID, req.Report)
		}
		if req.Final != nil {
			s.jobs.Succeed(req.JobID, *req.Final)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type messageRequest struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Topic string `json:"topic,omitempty"`
	Text  string `json:"text"`
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed")
		return
	}
	var req messageRequest
	if !decodeBody(w, r, &req) {
		return
	}
	switch {
	case req.From == "":
		writeError(w, http.StatusBadRequest, "missing_from")
		return
	case req.To == "":
		writeError(w, http.StatusBadRequest, "missing_to")
		return
	case req.Text == "":
		writeError(w, http.StatusBadRequest, "missing_text")
		return
	}

	msg := s.bus.Send(req.From, req.To, req.Topic, req.Text)
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":        true,
		"id":        msg.ID,
		"createdAt": msg.CreatedAt,
	})
}

func (s *Server) handleInbox(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed")
		return
	}
	to := r.URL.Query().Get("to")
	if to == "" {
		writeError(w, http.StatusBadRequest, "missing_to")
		return
	}
	after, _ := strconv.ParseInt(r.URL.Query().Get("after"), 10, 64)
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	msgs := s.bus.List(to, after, limit)
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

// decodeBody parses the JSON body, mapping oversized payloads to 413.
func decodeBody(w http.ResponseWriter, r *http.Request, out any) bool {
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "body_too_large")
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid_json")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, kind string) {
	writeJSON(w, status, map[string]string{"error": kind})
}
