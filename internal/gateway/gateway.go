// Package gateway exposes the request bus over HTTP: request and audit
// reads, operator approval of blocked requests, and a websocket feed of
// lifecycle and audit events.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/skillbus/internal/audit"
	"github.com/basket/skillbus/internal/bus"
	"github.com/basket/skillbus/internal/delegation"
	otelpkg "github.com/basket/skillbus/internal/otel"
	"github.com/basket/skillbus/internal/persistence"
	"github.com/basket/skillbus/internal/registry"
	"github.com/basket/skillbus/internal/shared"
)

// Config holds the dependencies for the gateway server.
type Config struct {
	Store    *persistence.Store
	Registry *registry.Registry
	Bus      *delegation.Bus
	Trail    *audit.Trail
	Events   *bus.Bus
	Logger   *slog.Logger

	// Tracer instruments inbound requests. Nil means no tracing.
	Tracer trace.Tracer

	// AuthToken is the bearer token required on every endpoint except
	// /healthz. Empty denies all authenticated endpoints.
	AuthToken string

	// AllowOrigins controls accepted Origin headers for browser
	// websocket connections. Empty means same-origin only.
	AllowOrigins []string

	// ConfigFingerprint is the hash of the active config, exposed in
	// /healthz so operators can confirm which config a daemon runs.
	ConfigFingerprint string
}

// Server is the HTTP/websocket front of the request bus.
type Server struct {
	cfg    Config
	logger *slog.Logger
}

// New creates a gateway server from the given config.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = tracenoop.NewTracerProvider().Tracer("gateway")
	}
	return &Server{cfg: cfg, logger: logger}
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/v1/requests", s.withTrace("gateway.requests", s.withAuth(s.handleRequests)))
	mux.HandleFunc("/v1/requests/", s.withTrace("gateway.request", s.withAuth(s.handleRequestByID)))
	mux.HandleFunc("/v1/audit", s.withTrace("gateway.audit", s.withAuth(s.handleAudit)))
	mux.HandleFunc("/v1/agents", s.withTrace("gateway.agents", s.withAuth(s.handleAgents)))
	mux.HandleFunc("/v1/skills", s.withTrace("gateway.skills", s.withAuth(s.handleSkills)))
	mux.HandleFunc("/v1/events", s.handleEvents)
	return mux
}

// withTrace gives every request a trace id and a server span. Clients may
// send X-Trace-Id to correlate the daemon's audit rows with their own
// telemetry; the header is echoed back either way.
func (s *Server) withTrace(name string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		traceID := r.Header.Get("X-Trace-Id")
		if traceID == "" {
			traceID = shared.NewTraceID()
		}
		ctx := shared.WithTraceID(r.Context(), traceID)
		ctx, span := otelpkg.StartServerSpan(ctx, s.cfg.Tracer, name)
		defer span.End()
		w.Header().Set("X-Trace-Id", traceID)
		next(w, r.WithContext(ctx))
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// handleHealthz reports daemon health without requiring auth.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	dbOK := true
	counts, err := s.cfg.Store.CountRequestsByStatus(ctx)
	if err != nil {
		dbOK = false
	}
	byStatus := map[string]int64{}
	for status, n := range counts {
		byStatus[string(status)] = n
	}
	payload := map[string]any{
		"healthy":            dbOK,
		"db_ok":              dbOK,
		"requests_by_status": byStatus,
		"blocked_ops_total":  s.cfg.Trail.BlockCount(),
		"config_fingerprint": s.cfg.ConfigFingerprint,
	}
	status := http.StatusOK
	if !dbOK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, payload)
}

// handleRequests lists requests, optionally filtered by ?status=.
func (s *Server) handleRequests(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var status persistence.RequestStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		status = persistence.RequestStatus(strings.ToUpper(raw))
		switch status {
		case persistence.RequestStatusPending, persistence.RequestStatusBlocked,
			persistence.RequestStatusRunning, persistence.RequestStatusCompleted,
			persistence.RequestStatusFailed, persistence.RequestStatusExpired:
		default:
			writeError(w, http.StatusBadRequest, "unknown status "+raw)
			return
		}
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	requests, err := s.cfg.Store.ListRequestsByStatus(r.Context(), status, limit)
	if err != nil {
		s.logger.Error("gateway: list requests", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"requests": requests})
}

// handleRequestByID serves GET /v1/requests/{id}, GET .../{id}/events
// and POST .../{id}/approve.
func (s *Server) handleRequestByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/requests/")
	id, action, _ := strings.Cut(rest, "/")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing request id")
		return
	}
	switch {
	case action == "" && r.Method == http.MethodGet:
		s.serveRequest(w, r, id)
	case action == "events" && r.Method == http.MethodGet:
		s.serveRequestEvents(w, r, id)
	case action == "audit" && r.Method == http.MethodGet:
		s.serveRequestAudit(w, r, id)
	case action == "approve" && r.Method == http.MethodPost:
		s.serveApprove(w, r, id)
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func (s *Server) serveRequest(w http.ResponseWriter, r *http.Request, id string) {
	req, err := s.cfg.Store.GetRequest(r.Context(), id)
	if err != nil {
		s.logger.Error("gateway: get request", "request_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if req == nil {
		writeError(w, http.StatusNotFound, "unknown request "+id)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) serveRequestEvents(w http.ResponseWriter, r *http.Request, id string) {
	events, err := s.cfg.Store.ListRequestEvents(r.Context(), id)
	if err != nil {
		s.logger.Error("gateway: list request events", "request_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) serveRequestAudit(w http.ResponseWriter, r *http.Request, id string) {
	rows, err := s.cfg.Trail.ForRequest(r.Context(), id)
	if err != nil {
		s.logger.Error("gateway: request audit", "request_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"audit": rows})
}

type approveBody struct {
	Approver string `json:"approver"`
	Reason   string `json:"reason"`
}

func (s *Server) serveApprove(w http.ResponseWriter, r *http.Request, id string) {
	var body approveBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	err := s.cfg.Bus.Approve(r.Context(), id, body.Approver, body.Reason)
	var verr *delegation.ValidationError
	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusConflict, verr.Error())
		return
	case err != nil:
		s.logger.Error("gateway: approve", "request_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "approved", "request_id": id})
}

// handleAudit serves the audit trail after a given row id.
func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	after, _ := strconv.ParseInt(r.URL.Query().Get("after"), 10, 64)
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	rows, err := s.cfg.Trail.Export(r.Context(), after, limit)
	if err != nil {
		s.logger.Error("gateway: export audit", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"audit": rows})
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.cfg.Registry.ListAgents(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": agents})
}

func (s *Server) handleSkills(w http.ResponseWriter, r *http.Request) {
	skills, err := s.cfg.Registry.ListSkills(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"skills": skills})
}

// streamFrame is the wire shape for events pushed on the websocket.
type streamFrame struct {
	Topic   string `json:"topic"`
	Payload any    `json:"payload"`
}

// handleEvents upgrades to a websocket and forwards bus events matching
// the optional ?topic= prefix until the client disconnects.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	prefix := r.URL.Query().Get("topic")
	sub := s.cfg.Events.Subscribe(prefix)
	defer s.cfg.Events.Unsubscribe(sub)

	s.logger.Info("gateway: events client connected", "topic_prefix", prefix)
	s.forwardEvents(r.Context(), conn, sub)
	s.logger.Info("gateway: events client disconnecting")
}

func (s *Server) forwardEvents(ctx context.Context, conn *websocket.Conn, sub *bus.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-sub.Ch():
			if !ok {
				return
			}
			frame := streamFrame{Topic: event.Topic, Payload: event.Payload}
			if err := wsjson.Write(ctx, conn, frame); err != nil {
				return
			}
		}
	}
}
