// Package gateway exposes the claim coordinator over HTTP: a REST surface
// for claim/release/swap and the pull endpoints, a WebSocket JSON-RPC
// channel for signal delivery, and an SSE stream for thin clients.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/basket/colldesk/internal/audit"
	"github.com/basket/colldesk/internal/bus"
	"github.com/basket/colldesk/internal/coordinator"
	otelPkg "github.com/basket/colldesk/internal/otel"
	"github.com/basket/colldesk/internal/session"
	"github.com/basket/colldesk/internal/store"
)

type Config struct {
	Store       *store.Store
	Coordinator *coordinator.Coordinator
	Notifier    *bus.Notifier
	Sessions    *session.Registry
	Logger      *slog.Logger
	Metrics     *otelPkg.Metrics // nil disables instrument updates

	AuthToken string

	// AllowOrigins controls accepted Origin headers for browser WS
	// connections. Empty list means same-origin only.
	AllowOrigins []string

	// ConfigFingerprint is the hash of active config exposed on /healthz.
	ConfigFingerprint string
}

type Server struct {
	cfg    Config
	logger *slog.Logger

	clientsMu sync.RWMutex
	clients   map[*client]struct{}
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		logger:  logger,
		clients: map[*client]struct{}{},
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/metrics/prometheus", s.handlePrometheusMetrics)

	mux.HandleFunc("/api/v1/accounts/", s.handleAccountOps)
	mux.HandleFunc("/api/v1/accounts/swap", s.handleSwap)
	mux.HandleFunc("/api/v1/agents/", s.handleAgentOps)
	mux.HandleFunc("/api/v1/groups/", s.handleGroupOps)
	mux.HandleFunc("/api/v1/dispositions", s.handleDispositions)
	mux.HandleFunc("/api/v1/signals/stream", s.handleSignalStream)

	return s.instrument(mux)
}

// instrument records request durations on the API surface. The long-lived
// channels are skipped; a WS held open for a shift is not a request.
func (s *Server) instrument(next http.Handler) http.Handler {
	if s.cfg.Metrics == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ws" || r.URL.Path == "/api/v1/signals/stream" {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		next.ServeHTTP(w, r)
		s.cfg.Metrics.RequestDuration.Record(r.Context(),
			time.Since(start).Seconds(),
			metric.WithAttributes(
				attribute.String("method", r.Method),
				attribute.String("path", r.URL.Path),
			))
	})
}

func (s *Server) authorize(r *http.Request) bool {
	if s.cfg.AuthToken == "" {
		return false
	}
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	if authz == "" {
		// SSE clients can't set headers from EventSource; allow the token
		// as a query parameter on the stream endpoint only.
		if r.URL.Path == "/api/v1/signals/stream" {
			token := r.URL.Query().Get("token")
			return token != "" && token == s.cfg.AuthToken
		}
		return false
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		return false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authz, prefix))
	return token != "" && token == s.cfg.AuthToken
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	ctx := context.Background()
	dbOK := true
	if _, err := s.cfg.Store.LatestEventID(ctx); err != nil {
		dbOK = false
	}

	payload := map[string]any{
		"healthy":         dbOK,
		"db_ok":           dbOK,
		"config_hash":     s.cfg.ConfigFingerprint,
		"active_sessions": s.cfg.Sessions.Count(),
		"subscribers":     s.cfg.Notifier.SubscriberCount(),
	}
	w.Header().Set("Content-Type", "application/json")
	if !dbOK {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	ctx := r.Context()
	mem := &runtime.MemStats{}
	runtime.ReadMemStats(mem)

	var latestEvent int64
	if id, err := s.cfg.Store.LatestEventID(ctx); err == nil {
		latestEvent = id
	}

	payload := map[string]any{
		"active_sessions":  s.cfg.Sessions.Count(),
		"subscribers":      s.cfg.Notifier.SubscriberCount(),
		"latest_event_id":  latestEvent,
		"audit_deny_total": audit.DenyCount(),
		"alloc_bytes":      mem.Alloc,
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) handlePrometheusMetrics(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	mem := &runtime.MemStats{}
	runtime.ReadMemStats(mem)

	var latestEvent int64
	if id, err := s.cfg.Store.LatestEventID(r.Context()); err == nil {
		latestEvent = id
	}

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	fmt.Fprintf(w, "# HELP colldesk_active_sessions Number of connected client sessions.\n")
	fmt.Fprintf(w, "# TYPE colldesk_active_sessions gauge\n")
	fmt.Fprintf(w, "colldesk_active_sessions %d\n", s.cfg.Sessions.Count())
	fmt.Fprintf(w, "# HELP colldesk_subscribers Number of active signal subscriptions.\n")
	fmt.Fprintf(w, "# TYPE colldesk_subscribers gauge\n")
	fmt.Fprintf(w, "colldesk_subscribers %d\n", s.cfg.Notifier.SubscriberCount())
	fmt.Fprintf(w, "# HELP colldesk_latest_event_id High-water mark of the claim event ledger.\n")
	fmt.Fprintf(w, "# TYPE colldesk_latest_event_id counter\n")
	fmt.Fprintf(w, "colldesk_latest_event_id %d\n", latestEvent)
	fmt.Fprintf(w, "# HELP colldesk_audit_deny_total Total denied operations.\n")
	fmt.Fprintf(w, "# TYPE colldesk_audit_deny_total counter\n")
	fmt.Fprintf(w, "colldesk_audit_deny_total %d\n", audit.DenyCount())
	fmt.Fprintf(w, "# HELP colldesk_alloc_bytes Current allocated memory in bytes.\n")
	fmt.Fprintf(w, "# TYPE colldesk_alloc_bytes gauge\n")
	fmt.Fprintf(w, "colldesk_alloc_bytes %d\n", mem.Alloc)
}

// handleAccountOps routes /api/v1/accounts/{id}/claim and .../release.
// The fixed /api/v1/accounts/swap path is registered separately and never
// reaches here.
func (s *Server) handleAccountOps(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/api/v1/accounts/")
	parts := strings.SplitN(path, "/", 2)
	if len(parts) != 2 || parts[0] == "" {
		http.Error(w, "invalid path: expected /api/v1/accounts/{id}/{claim|release}", http.StatusBadRequest)
		return
	}
	accountID, op := parts[0], parts[1]

	var p struct {
		AgentID string `json:"agent_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil || p.AgentID == "" {
		http.Error(w, "agent_id is required", http.StatusBadRequest)
		return
	}

	var (
		res coordinator.Result
		err error
	)
	switch op {
	case "claim":
		res, err = s.cfg.Coordinator.Claim(r.Context(), accountID, p.AgentID)
	case "release":
		res, err = s.cfg.Coordinator.Release(r.Context(), accountID, p.AgentID)
	default:
		http.Error(w, fmt.Sprintf("unknown operation %q", op), http.StatusNotFound)
		return
	}
	s.writeResult(w, res, err)
}

func (s *Server) handleSwap(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var p struct {
		AgentID      string `json:"agent_id"`
		OldAccountID string `json:"old_account_id"`
		NewAccountID string `json:"new_account_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil ||
		p.AgentID == "" || p.OldAccountID == "" || p.NewAccountID == "" {
		http.Error(w, "agent_id, old_account_id and new_account_id are required", http.StatusBadRequest)
		return
	}

	res, err := s.cfg.Coordinator.Swap(r.Context(), p.OldAccountID, p.NewAccountID, p.AgentID)
	s.writeResult(w, res, err)
}

// handleAgentOps routes GET /api/v1/agents/{id}/tasks.
func (s *Server) handleAgentOps(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/api/v1/agents/")
	parts := strings.SplitN(path, "/", 2)
	if len(parts) != 2 || parts[0] == "" {
		http.Error(w, "invalid path", http.StatusBadRequest)
		return
	}
	agentID, op := parts[0], parts[1]

	if op != "tasks" || r.Method != http.MethodGet {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	accounts, err := s.cfg.Coordinator.ListOwned(r.Context(), agentID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{"accounts": accounts})
}

// handleGroupOps routes GET /api/v1/groups/{id}/pool?agent_id= and
// POST /api/v1/groups/{id}/members.
func (s *Server) handleGroupOps(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/api/v1/groups/")
	parts := strings.SplitN(path, "/", 2)
	if len(parts) != 2 || parts[0] == "" {
		http.Error(w, "invalid path", http.StatusBadRequest)
		return
	}
	groupID, op := parts[0], parts[1]

	switch {
	case op == "pool" && r.Method == http.MethodGet:
		agentID := r.URL.Query().Get("agent_id")
		if agentID == "" {
			http.Error(w, "agent_id query parameter is required", http.StatusBadRequest)
			return
		}
		accounts, err := s.cfg.Coordinator.ListGroupPool(r.Context(), groupID, agentID)
		if err != nil {
			if errors.Is(err, store.ErrAgentNotFound) {
				http.Error(w, "unknown agent", http.StatusNotFound)
				return
			}
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]any{"group_id": groupID, "accounts": accounts})
	case op == "members" && r.Method == http.MethodPost:
		var p struct {
			AgentID string `json:"agent_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil || p.AgentID == "" {
			http.Error(w, "agent_id is required", http.StatusBadRequest)
			return
		}
		res, err := s.cfg.Coordinator.MoveAgentGroup(r.Context(), p.AgentID, groupID)
		s.writeResult(w, res, err)
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

func (s *Server) handleDispositions(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	switch r.Method {
	case http.MethodPost:
		body, err := readBody(r)
		if err != nil {
			http.Error(w, "read body: "+err.Error(), http.StatusBadRequest)
			return
		}
		if err := validateDisposition(body); err != nil {
			http.Error(w, "invalid disposition: "+err.Error(), http.StatusBadRequest)
			return
		}
		var d store.Disposition
		if err := json.Unmarshal(body, &d); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		res, err := s.cfg.Coordinator.RecordDisposition(r.Context(), d)
		s.writeResult(w, res, err)
	case http.MethodGet:
		accountID := r.URL.Query().Get("account_id")
		if accountID == "" {
			http.Error(w, "account_id query parameter is required", http.StatusBadRequest)
			return
		}
		limit := 50
		if v := r.URL.Query().Get("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				limit = n
			}
		}
		items, err := s.cfg.Store.ListDispositions(r.Context(), accountID, limit)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]any{"dispositions": items})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// writeResult maps a coordinator result onto an HTTP status. The claim
// taxonomy travels in the body; contention is 409, authorization 403.
func (s *Server) writeResult(w http.ResponseWriter, res coordinator.Result, err error) {
	if err != nil {
		s.logger.Error("coordinator call failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	status := http.StatusOK
	if !res.Success {
		switch res.Code {
		case coordinator.CodeAlreadyClaimed, coordinator.CodeHoldingAnother:
			status = http.StatusConflict
		case coordinator.CodeNotOwner, coordinator.CodeNotAuthorized:
			status = http.StatusForbidden
		case coordinator.CodeNotFound:
			status = http.StatusNotFound
		default:
			status = http.StatusBadRequest
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(res)
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}

func readBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	return io.ReadAll(r.Body)
}
