package hub

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sonde-sh/sonde/internal/auth"
	"github.com/sonde-sh/sonde/internal/clock"
	"github.com/sonde-sh/sonde/internal/store"
)

// Server is the hub's HTTP surface: the two websocket paths, the tool
// endpoints, metrics, and health.
type Server struct {
	log       *slog.Logger
	store     *store.Store
	transport *Transport
	tools     *Tools
	clock     clock.Clock

	httpServer *http.Server
}

// NewServer builds the HTTP server on the given host:port.
func NewServer(addr string, log *slog.Logger, st *store.Store, transport *Transport, tools *Tools, clk clock.Clock) *Server {
	if clk == nil {
		clk = clock.Real{}
	}
	s := &Server{log: log, store: st, transport: transport, tools: tools, clock: clk}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/agent", transport.HandleAgent)
	mux.HandleFunc("/ws/dashboard", transport.HandleDashboard)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("POST /api/tools/{name}", s.handleTool)
	mux.HandleFunc("GET /api/audit/verify", s.handleAuditVerify)

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// ListenAndServe blocks until the listener fails or Shutdown is called.
func (s *Server) ListenAndServe() error {
	s.log.Info("hub listening", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Serve runs on an existing listener; tests use this with 127.0.0.1:0.
func (s *Server) Serve(ln net.Listener) error {
	err := s.httpServer.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleTool authenticates the caller's API key and dispatches one tool.
// Tool failures become {isError:true} with a human message.
func (s *Server) handleTool(w http.ResponseWriter, r *http.Request) {
	keyID, ok := s.authenticate(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"isError": true, "error": "unauthorized"})
		return
	}

	var params map[string]any
	body := http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(body).Decode(&params); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, map[string]any{"isError": true, "error": "invalid JSON body"})
		return
	}
	if params == nil {
		params = map[string]any{}
	}

	result, err := s.tools.Call(r.Context(), r.PathValue("name"), params, keyID)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"isError": true, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleAuditVerify(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authenticate(r); !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"isError": true, "error": "unauthorized"})
		return
	}
	res, err := s.store.VerifyAudit()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"isError": true, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) authenticate(r *http.Request) (string, bool) {
	bearer := auth.ExtractBearerToken(r)
	if bearer == "" {
		return "", false
	}
	key, err := s.store.GetAPIKeyByHash(auth.HashToken(bearer))
	if err != nil {
		return "", false
	}
	_ = s.store.TouchAPIKey(key.ID, s.clock.Now().UTC())
	return key.ID, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
